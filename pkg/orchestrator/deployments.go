package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/efortin/vllm-fleet/pkg/fleeterr"
	"github.com/efortin/vllm-fleet/pkg/ledger"
	"github.com/efortin/vllm-fleet/pkg/manifest"
	"github.com/efortin/vllm-fleet/pkg/model"
)

const (
	defaultServedModelName = "vllm"
	defaultModelPath       = "/models"

	defaultCPUPerReplica       = 4
	defaultMemoryGiBPerReplica = 32
)

// DeploymentSpec is the caller's intent for an inference deployment.
type DeploymentSpec struct {
	Name          string            `json:"name"`
	ModelName     string            `json:"modelName,omitempty"`
	Source        model.ModelSource `json:"source"`
	ModelPath     string            `json:"modelPath,omitempty"`
	HostModelPath string            `json:"hostModelPath,omitempty"`
	Image         string            `json:"image"`
	Replicas      int               `json:"replicas"`
	GPUPerReplica int               `json:"gpuPerReplica"`
	GPUMemoryMB   int               `json:"gpuMemoryMb,omitempty"`
	GPUCores      int               `json:"gpuCores,omitempty"`

	// CPU and memory requested per replica. No cpu or memory limit is set.
	CPUPerReplica       int `json:"cpuPerReplica,omitempty"`
	MemoryGiBPerReplica int `json:"memoryGiBPerReplica,omitempty"`
}

func (s *DeploymentSpec) defaults() {
	s.Name = strings.TrimSpace(s.Name)
	if s.ModelName == "" {
		s.ModelName = defaultServedModelName
	}
	if s.ModelPath == "" {
		s.ModelPath = defaultModelPath
	}
	if s.CPUPerReplica == 0 {
		s.CPUPerReplica = defaultCPUPerReplica
	}
	if s.MemoryGiBPerReplica == 0 {
		s.MemoryGiBPerReplica = defaultMemoryGiBPerReplica
	}
}

func (s DeploymentSpec) validate() error {
	switch {
	case s.Name == "":
		return fleeterr.Invalid("deployment name is required")
	case strings.Trim(SanitizeName(s.Name), "-") == "":
		return fleeterr.Invalid("deployment name %q has no usable characters", s.Name)
	case s.Image == "":
		return fleeterr.Invalid("image is required")
	case !s.Source.Valid():
		return fleeterr.Invalid("unknown model source %q", s.Source)
	case s.Source == model.SourceWithoutWeights && s.HostModelPath == "":
		return fleeterr.Invalid("hostModelPath is required for source %s", model.SourceWithoutWeights)
	case s.Replicas < 1:
		return fleeterr.Invalid("replicas must be at least 1, got %d", s.Replicas)
	case s.GPUPerReplica < 1:
		return fleeterr.Invalid("gpuPerReplica must be at least 1, got %d", s.GPUPerReplica)
	case s.GPUMemoryMB < 0:
		return fleeterr.Invalid("gpuMemoryMb must not be negative")
	case s.GPUCores < 0:
		return fleeterr.Invalid("gpuCores must not be negative")
	case s.CPUPerReplica < 1 || s.MemoryGiBPerReplica < 1:
		return fleeterr.Invalid("cpuPerReplica and memoryGiBPerReplica must be at least 1")
	}
	return nil
}

// LiveDeployment is a deployment record with the ready replica count read
// from the cluster. LiveReadyReplicas is nil when the cluster could not be
// read.
type LiveDeployment struct {
	model.Deployment
	LiveReadyReplicas *int32 `json:"liveReadyReplicas"`
}

// DeployModel records a pending deployment, applies its manifests and moves
// the record to running or failed. The record exists whatever the outcome.
func (o *Orchestrator) DeployModel(ctx context.Context, caller model.Caller, poolID string, spec DeploymentSpec) (_ *model.Deployment, err error) {
	defer o.observe("deploy_model", time.Now(), &err)

	if err := requirePoolAccess(caller, poolID); err != nil {
		return nil, err
	}
	spec.defaults()
	if err := spec.validate(); err != nil {
		return nil, err
	}
	pool, err := o.ledger.GetPool(ctx, poolID)
	if err != nil {
		return nil, err
	}

	deploymentName, serviceName := DeploymentObjectNames(spec.Name)
	d := &model.Deployment{
		ID:             o.newID(),
		PoolID:         poolID,
		Name:           spec.Name,
		ModelName:      spec.ModelName,
		Source:         spec.Source,
		ModelPath:      spec.ModelPath,
		HostModelPath:  spec.HostModelPath,
		Image:          spec.Image,
		Replicas:       spec.Replicas,
		GPUPerReplica:  spec.GPUPerReplica,
		GPUMemoryMB:    spec.GPUMemoryMB,
		GPUCores:       spec.GPUCores,
		CPUPerReplica:  spec.CPUPerReplica,
		MemoryGiB:      spec.MemoryGiBPerReplica,
		DeploymentName: deploymentName,
		ServiceName:    serviceName,
		Status:         model.DeploymentPending,
		CreatedBy:      caller.ID,
	}
	if err := o.ledger.InTx(ctx, func(tx ledger.Ledger) error {
		return tx.CreateDeployment(ctx, d)
	}); err != nil {
		return nil, err
	}
	log := o.log.WithField("pool", poolID).WithField("deployment", d.ID)

	if err := o.launch(ctx, pool, d); err != nil {
		o.markFailed(ctx, log, d, err)
		log.WithError(err).Warn("Deployment failed")
		return nil, err
	}

	d.Status = model.DeploymentRunning
	d.ServiceURL = ServiceURL(d.ServiceName, pool.Namespace)
	d.Message = ""
	if err := o.ledger.UpdateDeploymentStatus(ctx, d); err != nil {
		o.markFailed(ctx, log, d, fmt.Errorf("failed to record running status: %w", err))
		log.WithError(err).Warn("Deployment applied but not recorded as running")
		return nil, err
	}
	log.WithField("url", d.ServiceURL).Info("Deployment applied")
	return d, nil
}

// markFailed moves d to failed with cause as its detail. The record is
// already in the ledger; a failed write is logged only.
func (o *Orchestrator) markFailed(ctx context.Context, log logrus.FieldLogger, d *model.Deployment, cause error) {
	d.Status = model.DeploymentFailed
	d.ServiceURL = ""
	d.Message = cause.Error()
	if err := o.ledger.UpdateDeploymentStatus(ctx, d); err != nil {
		log.WithError(err).Error("Failed to record deployment failure")
	}
}

func (o *Orchestrator) launch(ctx context.Context, pool *model.ResourcePool, d *model.Deployment) error {
	client, err := o.clients.GetClient(ctx, pool.ClusterID)
	if err != nil {
		return err
	}
	hostModelPath := ""
	if d.Source == model.SourceWithoutWeights {
		hostModelPath = d.HostModelPath
	}
	doc, err := o.renderer.Render(manifest.VLLMDeployment, map[string]any{
		"deploymentName":      d.DeploymentName,
		"serviceName":         d.ServiceName,
		"namespace":           pool.Namespace,
		"image":               d.Image,
		"modelName":           d.ModelName,
		"modelPath":           d.ModelPath,
		"replicas":            d.Replicas,
		"gpuPerReplica":       d.GPUPerReplica,
		"cpuPerReplica":       d.CPUPerReplica,
		"memoryGiBPerReplica": d.MemoryGiB,
		"gpuMemoryMB":         d.GPUMemoryMB,
		"gpuCores":            d.GPUCores,
		"hostModelPath":       hostModelPath,
	})
	if err != nil {
		return err
	}
	if err := client.ApplyNamespaced(ctx, pool.Namespace, doc); err != nil {
		return fleeterr.ClusterOp(pool.ClusterID, "apply deployment "+d.DeploymentName, err)
	}
	return nil
}

// ListDeployments returns the deployments recorded in a pool.
func (o *Orchestrator) ListDeployments(ctx context.Context, caller model.Caller, poolID string) ([]model.Deployment, error) {
	if err := requirePoolAccess(caller, poolID); err != nil {
		return nil, err
	}
	if _, err := o.ledger.GetPool(ctx, poolID); err != nil {
		return nil, err
	}
	return o.ledger.ListDeployments(ctx, poolID)
}

// ownedDeployment loads a deployment and checks it belongs to poolID.
func (o *Orchestrator) ownedDeployment(ctx context.Context, caller model.Caller, poolID, deploymentID string) (*model.ResourcePool, *model.Deployment, error) {
	if err := requirePoolAccess(caller, poolID); err != nil {
		return nil, nil, err
	}
	pool, err := o.ledger.GetPool(ctx, poolID)
	if err != nil {
		return nil, nil, err
	}
	d, err := o.ledger.GetDeployment(ctx, deploymentID)
	if err != nil {
		return nil, nil, err
	}
	if d.PoolID != poolID {
		return nil, nil, fleeterr.Forbidden("deployment %s does not belong to pool %s", deploymentID, poolID)
	}
	return pool, d, nil
}

// GetDeploymentStatus returns the record with its live ready replica count.
func (o *Orchestrator) GetDeploymentStatus(ctx context.Context, caller model.Caller, poolID, deploymentID string) (*LiveDeployment, error) {
	pool, d, err := o.ownedDeployment(ctx, caller, poolID, deploymentID)
	if err != nil {
		return nil, err
	}
	live := &LiveDeployment{Deployment: *d}
	ready, err := o.replicas.GetReadyReplicas(ctx, pool.ClusterID, pool.Namespace, d.DeploymentName)
	if err != nil {
		o.log.WithField("deployment", d.ID).WithError(err).Warn("Failed to read live replicas")
		return live, nil
	}
	live.LiveReadyReplicas = &ready
	return live, nil
}

// DeleteDeployment removes the deployment and service from the cluster on a
// best-effort basis and always drops the record.
func (o *Orchestrator) DeleteDeployment(ctx context.Context, caller model.Caller, poolID, deploymentID string) (err error) {
	defer o.observe("delete_deployment", time.Now(), &err)

	pool, d, err := o.ownedDeployment(ctx, caller, poolID, deploymentID)
	if err != nil {
		return err
	}
	log := o.log.WithField("pool", poolID).WithField("deployment", d.ID)

	if client, err := o.clients.GetClient(ctx, pool.ClusterID); err != nil {
		log.WithError(err).Warn("Cluster unreachable, deployment objects left in place")
	} else {
		if err := client.DeleteDeployment(ctx, pool.Namespace, d.DeploymentName); err != nil {
			log.WithError(fleeterr.ClusterOp(pool.ClusterID, "delete deployment "+d.DeploymentName, err)).Warn("Deployment object left in place")
		}
		if err := client.DeleteService(ctx, pool.Namespace, d.ServiceName); err != nil {
			log.WithError(fleeterr.ClusterOp(pool.ClusterID, "delete service "+d.ServiceName, err)).Warn("Service object left in place")
		}
	}

	if err := o.ledger.DeleteDeployment(ctx, d.ID); err != nil {
		return err
	}
	log.Info("Deployment deleted")
	return nil
}
