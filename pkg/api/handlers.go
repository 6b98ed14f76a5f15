package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/efortin/vllm-fleet/pkg/model"
	"github.com/efortin/vllm-fleet/pkg/orchestrator"
)

type registerClusterRequest struct {
	Name       string `json:"name"`
	Credential string `json:"credential"`
}

type createPoolRequest struct {
	ClusterID string `json:"clusterId"`
	Name      string `json:"name"`
	model.Capacity
}

// RegisterCluster handles POST /clusters.
func (h *Handler) RegisterCluster(c *gin.Context) {
	var req registerClusterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, err)
		return
	}
	cluster, err := h.svc.RegisterCluster(c.Request.Context(), callerFrom(c), req.Name, req.Credential)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, cluster)
}

// ListClusters handles GET /clusters.
func (h *Handler) ListClusters(c *gin.Context) {
	clusters, err := h.svc.ListClusters(c.Request.Context(), callerFrom(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"clusters": clusters})
}

// ClusterCapacity handles GET /clusters/:id/capacity.
func (h *Handler) ClusterCapacity(c *gin.Context) {
	capacity, err := h.svc.GetClusterCapacity(c.Request.Context(), callerFrom(c), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, capacity)
}

// DeleteCluster handles DELETE /clusters/:id.
func (h *Handler) DeleteCluster(c *gin.Context) {
	if err := h.svc.DeleteCluster(c.Request.Context(), callerFrom(c), c.Param("id")); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// CreatePool handles POST /resource-pools.
func (h *Handler) CreatePool(c *gin.Context) {
	var req createPoolRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, err)
		return
	}
	pool, err := h.svc.CreatePool(c.Request.Context(), callerFrom(c), req.ClusterID, req.Name, req.Capacity)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, pool)
}

// ListPools handles GET /resource-pools.
func (h *Handler) ListPools(c *gin.Context) {
	pools, err := h.svc.ListPools(c.Request.Context(), callerFrom(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"pools": pools})
}

// GetPool handles GET /resource-pools/:id.
func (h *Handler) GetPool(c *gin.Context) {
	pool, err := h.svc.GetPool(c.Request.Context(), callerFrom(c), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, pool)
}

// PatchPool handles PATCH /resource-pools/:id.
func (h *Handler) PatchPool(c *gin.Context) {
	var patch model.CapacityPatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		h.badRequest(c, err)
		return
	}
	pool, err := h.svc.PatchPoolCapacity(c.Request.Context(), callerFrom(c), c.Param("id"), patch)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, pool)
}

// DeletePool handles DELETE /resource-pools/:id.
func (h *Handler) DeletePool(c *gin.Context) {
	if err := h.svc.DeletePool(c.Request.Context(), callerFrom(c), c.Param("id")); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// DeployModel handles POST /resource-pools/:id/deployments. A failed apply
// still leaves a failed record behind.
func (h *Handler) DeployModel(c *gin.Context) {
	var spec orchestrator.DeploymentSpec
	if err := c.ShouldBindJSON(&spec); err != nil {
		h.badRequest(c, err)
		return
	}
	d, err := h.svc.DeployModel(c.Request.Context(), callerFrom(c), c.Param("id"), spec)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, d)
}

// ListDeployments handles GET /resource-pools/:id/deployments.
func (h *Handler) ListDeployments(c *gin.Context) {
	deployments, err := h.svc.ListDeployments(c.Request.Context(), callerFrom(c), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deployments": deployments})
}

// GetDeployment handles GET /resource-pools/:id/deployments/:deploymentId.
func (h *Handler) GetDeployment(c *gin.Context) {
	d, err := h.svc.GetDeploymentStatus(c.Request.Context(), callerFrom(c), c.Param("id"), c.Param("deploymentId"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

// DeleteDeployment handles DELETE /resource-pools/:id/deployments/:deploymentId.
func (h *Handler) DeleteDeployment(c *gin.Context) {
	if err := h.svc.DeleteDeployment(c.Request.Context(), callerFrom(c), c.Param("id"), c.Param("deploymentId")); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// SubmitTrainingJob handles POST /resource-pools/:id/training-jobs.
func (h *Handler) SubmitTrainingJob(c *gin.Context) {
	var spec orchestrator.TrainingJobSpec
	if err := c.ShouldBindJSON(&spec); err != nil {
		h.badRequest(c, err)
		return
	}
	name, err := h.svc.SubmitTrainingJob(c.Request.Context(), callerFrom(c), c.Param("id"), spec)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"jobName": name})
}

// ListTrainingJobs handles GET /resource-pools/:id/training-jobs.
func (h *Handler) ListTrainingJobs(c *gin.Context) {
	jobs, err := h.svc.ListTrainingJobs(c.Request.Context(), callerFrom(c), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobs": jobs})
}
