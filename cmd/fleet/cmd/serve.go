package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/efortin/vllm-fleet/pkg/api"
	"github.com/efortin/vllm-fleet/pkg/clusters"
	"github.com/efortin/vllm-fleet/pkg/config"
	"github.com/efortin/vllm-fleet/pkg/ledger"
	"github.com/efortin/vllm-fleet/pkg/manifest"
	"github.com/efortin/vllm-fleet/pkg/metrics"
	"github.com/efortin/vllm-fleet/pkg/orchestrator"
	"github.com/efortin/vllm-fleet/pkg/reconciler"
	"github.com/efortin/vllm-fleet/pkg/vault"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the fleet API server",
	Long: `Start the HTTP API server.

The server will:
- Migrate the ledger schema
- Serve cluster, pool, deployment and training job operations under /api/v1
- Build cluster clients lazily from the encrypted credentials in the ledger
- Expose Prometheus metrics on /metrics when enabled`,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := loadConfig()
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return serve(ctx, c)
	},
}

// server is the wired fleet: ledger, client cache and HTTP handler.
type server struct {
	store    *ledger.Store
	registry *clusters.Registry
	router   *gin.Engine
}

func newServer(ctx context.Context, c *config.Config, log *logrus.Logger) (*server, error) {
	db, err := ledger.Open(c.DB.Driver, c.DB.DSN)
	if err != nil {
		return nil, err
	}
	store := ledger.New(db)
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}

	sealer, err := vault.New([]byte(c.Encryption.Key))
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	renderer, err := manifest.NewRenderer()
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	var rec *metrics.Recorder
	if c.Metrics.Enabled {
		rec = metrics.NewRecorder()
	}

	registry := clusters.NewRegistry(store, sealer, clusters.WithLogger(log), clusters.WithMetrics(rec))
	orch := orchestrator.New(store, registry, sealer, renderer, reconciler.New(registry),
		orchestrator.WithLogger(log),
		orchestrator.WithMetrics(rec),
	)

	gin.SetMode(gin.ReleaseMode)
	router := api.NewHandler(orch, store, api.WithLogger(log), api.WithMetrics(rec)).Router()
	if c.Metrics.Enabled {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}
	return &server{store: store, registry: registry, router: router}, nil
}

func (s *server) Close() error {
	s.registry.Close()
	return s.store.Close()
}

func serve(ctx context.Context, c *config.Config) error {
	log := c.Logger()
	s, err := newServer(ctx, c, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := s.Close(); err != nil {
			log.WithError(err).Warn("Failed to close ledger")
		}
	}()

	srv := &http.Server{
		Addr:              c.Listen,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithFields(logrus.Fields{
			"listen":  c.Listen,
			"db":      c.DB.Driver,
			"metrics": c.Metrics.Enabled,
		}).Info("Starting vLLM Fleet")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("failed to serve: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down: %w", err)
	}
	return nil
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("listen", ":8080", "HTTP listen address")
	serveCmd.Flags().String("db-driver", ledger.DriverPostgres, "Ledger database driver (postgres, mysql, sqlite)")
	serveCmd.Flags().String("db-dsn", "", "Ledger database DSN")
	serveCmd.Flags().Bool("metrics", true, "Expose Prometheus metrics on /metrics")

	bindFlag(v, "listen", serveCmd, "listen")
	bindFlag(v, "db.driver", serveCmd, "db-driver")
	bindFlag(v, "db.dsn", serveCmd, "db-dsn")
	bindFlag(v, "metrics.enabled", serveCmd, "metrics")
}
