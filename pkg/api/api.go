// Package api exposes the fleet operations over HTTP.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/efortin/vllm-fleet/pkg/metrics"
	"github.com/efortin/vllm-fleet/pkg/model"
	"github.com/efortin/vllm-fleet/pkg/orchestrator"
)

// Service is the set of fleet operations served over HTTP.
type Service interface {
	RegisterCluster(ctx context.Context, caller model.Caller, name, credential string) (*model.Cluster, error)
	ListClusters(ctx context.Context, caller model.Caller) ([]model.Cluster, error)
	GetClusterCapacity(ctx context.Context, caller model.Caller, clusterID string) (model.ClusterCapacity, error)
	DeleteCluster(ctx context.Context, caller model.Caller, clusterID string) error

	CreatePool(ctx context.Context, caller model.Caller, clusterID, name string, capacity model.Capacity) (*model.ResourcePool, error)
	ListPools(ctx context.Context, caller model.Caller) ([]model.ResourcePool, error)
	GetPool(ctx context.Context, caller model.Caller, poolID string) (*model.ResourcePool, error)
	PatchPoolCapacity(ctx context.Context, caller model.Caller, poolID string, patch model.CapacityPatch) (*model.ResourcePool, error)
	DeletePool(ctx context.Context, caller model.Caller, poolID string) error

	DeployModel(ctx context.Context, caller model.Caller, poolID string, spec orchestrator.DeploymentSpec) (*model.Deployment, error)
	ListDeployments(ctx context.Context, caller model.Caller, poolID string) ([]model.Deployment, error)
	GetDeploymentStatus(ctx context.Context, caller model.Caller, poolID, deploymentID string) (*orchestrator.LiveDeployment, error)
	DeleteDeployment(ctx context.Context, caller model.Caller, poolID, deploymentID string) error

	SubmitTrainingJob(ctx context.Context, caller model.Caller, poolID string, spec orchestrator.TrainingJobSpec) (string, error)
	ListTrainingJobs(ctx context.Context, caller model.Caller, poolID string) ([]model.TrainingJobRecord, error)
}

// AccessResolver returns the pools a user has been granted.
type AccessResolver interface {
	PoolIDsForUser(ctx context.Context, userID string) ([]string, error)
}

// Headers set by the authenticating proxy in front of the service.
const (
	HeaderUser = "X-Fleet-User"
	HeaderRole = "X-Fleet-Role"
)

const callerKey = "fleet.caller"

// Handler serves the REST surface.
type Handler struct {
	svc     Service
	access  AccessResolver
	log     logrus.FieldLogger
	metrics *metrics.Recorder
}

// Option configures a Handler.
type Option func(*Handler)

// WithLogger sets the logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(h *Handler) { h.log = l }
}

// WithMetrics records every request.
func WithMetrics(m *metrics.Recorder) Option {
	return func(h *Handler) { h.metrics = m }
}

// NewHandler creates a Handler.
func NewHandler(svc Service, access AccessResolver, opts ...Option) *Handler {
	h := &Handler{svc: svc, access: access, log: logrus.StandardLogger()}
	for _, opt := range opts {
		opt(h)
	}
	h.log = h.log.WithField("component", "api")
	return h
}

// Router returns an engine with every route registered.
func (h *Handler) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), h.observe())
	r.GET("/health", h.Health)

	v1 := r.Group("/api/v1", h.resolveCaller())

	clusters := v1.Group("/clusters")
	clusters.POST("", h.RegisterCluster)
	clusters.GET("", h.ListClusters)
	clusters.GET("/:id/capacity", h.ClusterCapacity)
	clusters.DELETE("/:id", h.DeleteCluster)

	pools := v1.Group("/resource-pools")
	pools.POST("", h.CreatePool)
	pools.GET("", h.ListPools)
	pools.GET("/:id", h.GetPool)
	pools.PATCH("/:id", h.PatchPool)
	pools.DELETE("/:id", h.DeletePool)

	pools.POST("/:id/deployments", h.DeployModel)
	pools.GET("/:id/deployments", h.ListDeployments)
	pools.GET("/:id/deployments/:deploymentId", h.GetDeployment)
	pools.DELETE("/:id/deployments/:deploymentId", h.DeleteDeployment)

	pools.POST("/:id/training-jobs", h.SubmitTrainingJob)
	pools.GET("/:id/training-jobs", h.ListTrainingJobs)
	return r
}

// Health reports liveness.
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handler) observe() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		h.metrics.RecordRequest(c.Request.Method, path, c.Writer.Status(), time.Since(start), c.Writer.Size())
	}
}

// resolveCaller builds the caller from the proxy headers and the user's
// pool grants.
func (h *Handler) resolveCaller() gin.HandlerFunc {
	return func(c *gin.Context) {
		user := c.GetHeader(HeaderUser)
		if user == "" {
			abort(c, http.StatusUnauthorized, "unauthenticated", "missing "+HeaderUser+" header")
			return
		}
		role := model.Role(c.GetHeader(HeaderRole))
		if !role.Valid() {
			abort(c, http.StatusUnauthorized, "unauthenticated", "unknown role "+string(role))
			return
		}
		pools, err := h.access.PoolIDsForUser(c.Request.Context(), user)
		if err != nil {
			h.log.WithField("user", user).WithError(err).Error("Failed to resolve pool grants")
			abort(c, http.StatusInternalServerError, "internal_error", "failed to resolve caller")
			return
		}
		c.Set(callerKey, model.Caller{ID: user, Role: role, PoolIDs: pools})
		c.Next()
	}
}

func callerFrom(c *gin.Context) model.Caller {
	v, _ := c.Get(callerKey)
	caller, _ := v.(model.Caller)
	return caller
}
