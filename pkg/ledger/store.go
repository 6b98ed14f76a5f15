package ledger

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/efortin/vllm-fleet/pkg/model"
)

func (s *Store) CreateCluster(ctx context.Context, c *model.Cluster) error {
	return translate(s.db.WithContext(ctx).Create(c).Error, "cluster", c.ID)
}

func (s *Store) GetCluster(ctx context.Context, id string) (*model.Cluster, error) {
	var c model.Cluster
	if err := s.db.WithContext(ctx).First(&c, "id = ?", id).Error; err != nil {
		return nil, translate(err, "cluster", id)
	}
	return &c, nil
}

func (s *Store) ListClusters(ctx context.Context) ([]model.Cluster, error) {
	var out []model.Cluster
	if err := s.db.WithContext(ctx).Order("created_at, id").Find(&out).Error; err != nil {
		return nil, translate(err, "clusters", "")
	}
	return out, nil
}

func (s *Store) UpdateClusterGPUSlots(ctx context.Context, id string, total int64) error {
	res := s.db.WithContext(ctx).Model(&model.Cluster{}).Where("id = ?", id).Updates(map[string]any{
		"total_gpu_slots": total,
		"updated_at":      time.Now(),
	})
	return affected(res, "cluster", id)
}

func (s *Store) DeleteCluster(ctx context.Context, id string) error {
	return affected(s.db.WithContext(ctx).Delete(&model.Cluster{}, "id = ?", id), "cluster", id)
}

func (s *Store) CreatePool(ctx context.Context, p *model.ResourcePool) error {
	return translate(s.db.WithContext(ctx).Create(p).Error, "resource pool", p.ID)
}

func (s *Store) GetPool(ctx context.Context, id string) (*model.ResourcePool, error) {
	var p model.ResourcePool
	if err := s.db.WithContext(ctx).First(&p, "id = ?", id).Error; err != nil {
		return nil, translate(err, "resource pool", id)
	}
	return &p, nil
}

func (s *Store) ListPools(ctx context.Context) ([]model.ResourcePool, error) {
	var out []model.ResourcePool
	if err := s.db.WithContext(ctx).Order("created_at, id").Find(&out).Error; err != nil {
		return nil, translate(err, "resource pools", "")
	}
	return out, nil
}

func (s *Store) UpdatePoolCapacity(ctx context.Context, id string, c model.Capacity) error {
	res := s.db.WithContext(ctx).Model(&model.ResourcePool{}).Where("id = ?", id).Updates(map[string]any{
		"gpu_slots":  c.GPUSlots,
		"cpu_cores":  c.CPUCores,
		"memory_gib": c.MemoryGiB,
		"updated_at": time.Now(),
	})
	return affected(res, "resource pool", id)
}

func (s *Store) DeletePool(ctx context.Context, id string) error {
	db := s.db.WithContext(ctx)
	if err := db.Delete(&model.UserPool{}, "pool_id = ?", id).Error; err != nil {
		return translate(err, "resource pool grants", id)
	}
	return affected(db.Delete(&model.ResourcePool{}, "id = ?", id), "resource pool", id)
}

func (s *Store) CreateDeployment(ctx context.Context, d *model.Deployment) error {
	return translate(s.db.WithContext(ctx).Create(d).Error, "deployment", d.ID)
}

func (s *Store) GetDeployment(ctx context.Context, id string) (*model.Deployment, error) {
	var d model.Deployment
	if err := s.db.WithContext(ctx).First(&d, "id = ?", id).Error; err != nil {
		return nil, translate(err, "deployment", id)
	}
	return &d, nil
}

func (s *Store) ListDeployments(ctx context.Context, poolID string) ([]model.Deployment, error) {
	var out []model.Deployment
	err := s.db.WithContext(ctx).Where("pool_id = ?", poolID).Order("created_at, id").Find(&out).Error
	if err != nil {
		return nil, translate(err, "deployments of pool", poolID)
	}
	return out, nil
}

// UpdateDeploymentStatus writes the status, service URL and message of d.
func (s *Store) UpdateDeploymentStatus(ctx context.Context, d *model.Deployment) error {
	now := time.Now()
	res := s.db.WithContext(ctx).Model(&model.Deployment{}).Where("id = ?", d.ID).Updates(map[string]any{
		"status":      d.Status,
		"service_url": d.ServiceURL,
		"message":     d.Message,
		"updated_at":  now,
	})
	if err := affected(res, "deployment", d.ID); err != nil {
		return err
	}
	d.UpdatedAt = now
	return nil
}

func (s *Store) DeleteDeployment(ctx context.Context, id string) error {
	return affected(s.db.WithContext(ctx).Delete(&model.Deployment{}, "id = ?", id), "deployment", id)
}

func (s *Store) DeleteDeploymentsByPool(ctx context.Context, poolID string) error {
	err := s.db.WithContext(ctx).Delete(&model.Deployment{}, "pool_id = ?", poolID).Error
	return translate(err, "deployments of pool", poolID)
}

func (s *Store) CreateTrainingJob(ctx context.Context, j *model.TrainingJobRecord) error {
	return translate(s.db.WithContext(ctx).Create(j).Error, "training job", j.ID)
}

func (s *Store) ListTrainingJobs(ctx context.Context, poolID string) ([]model.TrainingJobRecord, error) {
	var out []model.TrainingJobRecord
	err := s.db.WithContext(ctx).Where("pool_id = ?", poolID).Order("created_at, id").Find(&out).Error
	if err != nil {
		return nil, translate(err, "training jobs of pool", poolID)
	}
	return out, nil
}

func (s *Store) DeleteTrainingJobsByPool(ctx context.Context, poolID string) error {
	err := s.db.WithContext(ctx).Delete(&model.TrainingJobRecord{}, "pool_id = ?", poolID).Error
	return translate(err, "training jobs of pool", poolID)
}

// GrantPool gives userID access to poolID. Granting twice is a no-op.
func (s *Store) GrantPool(ctx context.Context, userID, poolID string) error {
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).
		Create(&model.UserPool{UserID: userID, PoolID: poolID}).Error
	return translate(err, "pool grant", userID+"/"+poolID)
}

func (s *Store) PoolIDsForUser(ctx context.Context, userID string) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).Model(&model.UserPool{}).
		Where("user_id = ?", userID).
		Order("pool_id").
		Pluck("pool_id", &ids).Error
	if err != nil {
		return nil, translate(err, "pools of user", userID)
	}
	return ids, nil
}

// DB exposes the underlying handle for health checks.
func (s *Store) DB() *gorm.DB {
	return s.db
}
