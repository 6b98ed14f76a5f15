// Package ledger persists the fleet's records with gorm.
package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/efortin/vllm-fleet/pkg/fleeterr"
	"github.com/efortin/vllm-fleet/pkg/model"
)

// Ledger is the record store the orchestrator works against.
type Ledger interface {
	CreateCluster(ctx context.Context, c *model.Cluster) error
	GetCluster(ctx context.Context, id string) (*model.Cluster, error)
	ListClusters(ctx context.Context) ([]model.Cluster, error)
	UpdateClusterGPUSlots(ctx context.Context, id string, total int64) error
	DeleteCluster(ctx context.Context, id string) error

	CreatePool(ctx context.Context, p *model.ResourcePool) error
	GetPool(ctx context.Context, id string) (*model.ResourcePool, error)
	ListPools(ctx context.Context) ([]model.ResourcePool, error)
	UpdatePoolCapacity(ctx context.Context, id string, c model.Capacity) error
	DeletePool(ctx context.Context, id string) error

	CreateDeployment(ctx context.Context, d *model.Deployment) error
	GetDeployment(ctx context.Context, id string) (*model.Deployment, error)
	ListDeployments(ctx context.Context, poolID string) ([]model.Deployment, error)
	UpdateDeploymentStatus(ctx context.Context, d *model.Deployment) error
	DeleteDeployment(ctx context.Context, id string) error
	DeleteDeploymentsByPool(ctx context.Context, poolID string) error

	CreateTrainingJob(ctx context.Context, j *model.TrainingJobRecord) error
	ListTrainingJobs(ctx context.Context, poolID string) ([]model.TrainingJobRecord, error)
	DeleteTrainingJobsByPool(ctx context.Context, poolID string) error

	GrantPool(ctx context.Context, userID, poolID string) error
	PoolIDsForUser(ctx context.Context, userID string) ([]string, error)

	// InTx runs fn against a transactional view of the ledger. Every write
	// fn makes commits or none does.
	InTx(ctx context.Context, fn func(tx Ledger) error) error
}

// Drivers supported by Open.
const (
	DriverPostgres = "postgres"
	DriverMySQL    = "mysql"
	DriverSQLite   = "sqlite"
)

// Open connects to the database. Driver errors for unique violations and
// missing rows are translated to gorm's sentinel errors.
func Open(driver, dsn string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch driver {
	case DriverPostgres:
		dialector = postgres.Open(dsn)
	case DriverMySQL:
		dialector = mysql.Open(dsn)
	case DriverSQLite:
		dialector = sqlite.Open(dsn)
	default:
		return nil, fleeterr.Invalid("unsupported database driver %q", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", driver, err)
	}
	return db, nil
}

// Store is the gorm-backed Ledger.
type Store struct {
	db *gorm.DB
}

var _ Ledger = (*Store)(nil)

// New wraps an open database.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Migrate creates or updates the tables.
func (s *Store) Migrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(model.All()...); err != nil {
		return fmt.Errorf("failed to migrate ledger: %w", err)
	}
	return nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) InTx(ctx context.Context, fn func(tx Ledger) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Store{db: tx})
	})
}

// translate maps gorm errors onto the fleet taxonomy.
func translate(err error, what, id string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return fleeterr.NotFound("%s %s", what, id)
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return fleeterr.Conflict("%s %s already exists", what, id)
	}
	return fmt.Errorf("failed to access %s %s: %w", what, id, err)
}

func affected(res *gorm.DB, what, id string) error {
	if res.Error != nil {
		return translate(res.Error, what, id)
	}
	if res.RowsAffected == 0 {
		return fleeterr.NotFound("%s %s", what, id)
	}
	return nil
}
