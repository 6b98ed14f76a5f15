package orchestrator

import (
	"context"
	"strings"
	"time"

	"github.com/efortin/vllm-fleet/pkg/fleeterr"
	"github.com/efortin/vllm-fleet/pkg/manifest"
	"github.com/efortin/vllm-fleet/pkg/model"
)

// TrainingJobSpec is the caller's intent for a batch training job.
type TrainingJobSpec struct {
	JobName        string   `json:"jobName"`
	Image          string   `json:"image"`
	Replicas       int      `json:"replicas"`
	GPUPerPod      int      `json:"gpuPerPod"`
	GPUMemPerPod   int      `json:"gpuMemPerPod,omitempty"`
	GPUCoresPerPod int      `json:"gpuCoresPerPod,omitempty"`
	Command        []string `json:"command,omitempty"`

	// CPU and memory requested per pod. No cpu or memory limit is set.
	CPUPerPod       int `json:"cpuPerPod,omitempty"`
	MemoryGiBPerPod int `json:"memoryGiBPerPod,omitempty"`
}

const (
	defaultCPUPerPod       = 2
	defaultMemoryGiBPerPod = 8
)

func (s *TrainingJobSpec) defaults() {
	if s.CPUPerPod == 0 {
		s.CPUPerPod = defaultCPUPerPod
	}
	if s.MemoryGiBPerPod == 0 {
		s.MemoryGiBPerPod = defaultMemoryGiBPerPod
	}
}

func (s TrainingJobSpec) validate() error {
	switch {
	case strings.TrimSpace(s.JobName) == "" || JobObjectName(s.JobName) == "":
		return fleeterr.Invalid("job name is required")
	case s.Image == "":
		return fleeterr.Invalid("image is required")
	case s.Replicas < 1:
		return fleeterr.Invalid("replicas must be at least 1, got %d", s.Replicas)
	case s.GPUPerPod < 0:
		return fleeterr.Invalid("gpuPerPod must not be negative")
	case s.GPUMemPerPod < 0 || s.GPUCoresPerPod < 0:
		return fleeterr.Invalid("gpu sharing hints must not be negative")
	case s.CPUPerPod < 1 || s.MemoryGiBPerPod < 1:
		return fleeterr.Invalid("cpuPerPod and memoryGiBPerPod must be at least 1")
	}
	return nil
}

// SubmitTrainingJob applies a batch job to the pool's queue and records it.
// It returns the job's cluster name. A job whose record fails to insert
// stays on the cluster.
func (o *Orchestrator) SubmitTrainingJob(ctx context.Context, caller model.Caller, poolID string, spec TrainingJobSpec) (_ string, err error) {
	defer o.observe("submit_training_job", time.Now(), &err)

	if err := requirePoolAccess(caller, poolID); err != nil {
		return "", err
	}
	spec.defaults()
	if err := spec.validate(); err != nil {
		return "", err
	}
	pool, err := o.ledger.GetPool(ctx, poolID)
	if err != nil {
		return "", err
	}

	jobName := JobObjectName(spec.JobName)
	command := spec.Command
	if command == nil {
		command = []string{}
	}
	doc, err := o.renderer.Render(manifest.VolcanoJob, map[string]any{
		"jobName":         jobName,
		"namespace":       pool.Namespace,
		"queueName":       pool.QueueName,
		"image":           spec.Image,
		"minAvailable":    spec.Replicas,
		"replicas":        spec.Replicas,
		"gpuPerPod":       spec.GPUPerPod,
		"gpuMemPerPod":    spec.GPUMemPerPod,
		"gpuCoresPerPod":  spec.GPUCoresPerPod,
		"cpuPerPod":       spec.CPUPerPod,
		"memoryGiBPerPod": spec.MemoryGiBPerPod,
		"command":         command,
	})
	if err != nil {
		return "", err
	}
	client, err := o.clients.GetClient(ctx, pool.ClusterID)
	if err != nil {
		return "", err
	}
	if err := client.ApplyNamespaced(ctx, pool.Namespace, doc); err != nil {
		return "", fleeterr.ClusterOp(pool.ClusterID, "apply training job "+jobName, err)
	}

	log := o.log.WithField("pool", poolID).WithField("job", jobName)
	record := &model.TrainingJobRecord{
		ID:             o.newID(),
		PoolID:         poolID,
		JobName:        strings.TrimSpace(spec.JobName),
		ClusterJobName: jobName,
		Image:          spec.Image,
		Replicas:       spec.Replicas,
		GPUPerPod:      spec.GPUPerPod,
		GPUMemPerPod:   spec.GPUMemPerPod,
		GPUCoresPerPod: spec.GPUCoresPerPod,
		CPUPerPod:      spec.CPUPerPod,
		MemoryGiB:      spec.MemoryGiBPerPod,
		Status:         model.TrainingJobSubmitted,
		CreatedBy:      caller.ID,
	}
	if err := o.ledger.CreateTrainingJob(ctx, record); err != nil {
		log.WithError(err).Warn("Training job submitted but not recorded")
		return "", err
	}
	log.Info("Training job submitted")
	return jobName, nil
}

// ListTrainingJobs returns the jobs recorded in a pool.
func (o *Orchestrator) ListTrainingJobs(ctx context.Context, caller model.Caller, poolID string) ([]model.TrainingJobRecord, error) {
	if err := requirePoolAccess(caller, poolID); err != nil {
		return nil, err
	}
	if _, err := o.ledger.GetPool(ctx, poolID); err != nil {
		return nil, err
	}
	return o.ledger.ListTrainingJobs(ctx, poolID)
}
