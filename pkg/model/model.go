// Package model holds the ledger records and the caller identity shared by
// the fleet packages.
package model

import "time"

// ClusterStatus is the administrative state recorded for a cluster.
type ClusterStatus string

const (
	ClusterActive   ClusterStatus = "active"
	ClusterDegraded ClusterStatus = "degraded"
	ClusterOffline  ClusterStatus = "offline"
)

// DeploymentStatus is the lifecycle state of an inference deployment record.
type DeploymentStatus string

const (
	DeploymentPending DeploymentStatus = "pending"
	DeploymentRunning DeploymentStatus = "running"
	DeploymentFailed  DeploymentStatus = "failed"
	DeploymentStopped DeploymentStatus = "stopped"
)

// ModelSource tells whether the container image carries the model weights.
type ModelSource string

const (
	SourceWithWeights    ModelSource = "with_weights"
	SourceWithoutWeights ModelSource = "without_weights"
)

// Valid reports whether s is a known source.
func (s ModelSource) Valid() bool {
	return s == SourceWithWeights || s == SourceWithoutWeights
}

// PoolActive is the status given to a pool once its ledger row is written.
const PoolActive = "active"

// TrainingJobSubmitted is the only status a training job record is given.
// Later transitions are observed on the cluster, not tracked here.
const TrainingJobSubmitted = "submitted"

// Cluster is a registered compute cluster. The credential is only ever
// stored encrypted.
type Cluster struct {
	ID                  string        `json:"id" gorm:"primaryKey;type:varchar(36)"`
	Name                string        `json:"name" gorm:"type:varchar(100);not null"`
	EncryptedCredential string        `json:"-" gorm:"type:text;not null"`
	Status              ClusterStatus `json:"status" gorm:"type:varchar(20);not null;default:'active'"`
	TotalGPUSlots       *int64        `json:"totalGpuSlots,omitempty" gorm:"column:total_gpu_slots"`
	CreatedAt           time.Time     `json:"createdAt"`
	UpdatedAt           time.Time     `json:"updatedAt"`
}

func (Cluster) TableName() string { return "clusters" }

// Capacity is a whole-unit resource envelope.
type Capacity struct {
	GPUSlots  int `json:"gpuSlots" gorm:"column:gpu_slots;not null"`
	CPUCores  int `json:"cpuCores" gorm:"column:cpu_cores;not null"`
	MemoryGiB int `json:"memoryGiB" gorm:"column:memory_gib;not null"`
}

// CapacityPatch carries the fields of a partial capacity update. Nil fields
// keep their current value.
type CapacityPatch struct {
	GPUSlots  *int `json:"gpuSlots,omitempty"`
	CPUCores  *int `json:"cpuCores,omitempty"`
	MemoryGiB *int `json:"memoryGiB,omitempty"`
}

// Empty reports whether the patch changes nothing.
func (p CapacityPatch) Empty() bool {
	return p.GPUSlots == nil && p.CPUCores == nil && p.MemoryGiB == nil
}

// Apply returns c with the non-nil fields of p substituted.
func (p CapacityPatch) Apply(c Capacity) Capacity {
	if p.GPUSlots != nil {
		c.GPUSlots = *p.GPUSlots
	}
	if p.CPUCores != nil {
		c.CPUCores = *p.CPUCores
	}
	if p.MemoryGiB != nil {
		c.MemoryGiB = *p.MemoryGiB
	}
	return c
}

// ResourcePool is a quota-bounded slice of one cluster backed by a
// namespace and a batch-scheduler queue.
type ResourcePool struct {
	ID        string    `json:"id" gorm:"primaryKey;type:varchar(36)"`
	ClusterID string    `json:"clusterId" gorm:"type:varchar(36);not null;index;uniqueIndex:idx_pool_cluster_namespace;uniqueIndex:idx_pool_cluster_queue"`
	Name      string    `json:"name" gorm:"type:varchar(100);not null"`
	Namespace string    `json:"namespace" gorm:"type:varchar(63);not null;uniqueIndex:idx_pool_cluster_namespace"`
	QueueName string    `json:"queueName" gorm:"type:varchar(63);not null;uniqueIndex:idx_pool_cluster_queue"`
	Capacity  Capacity  `json:"capacity" gorm:"embedded"`
	Status    string    `json:"status" gorm:"type:varchar(20);not null;default:'active'"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (ResourcePool) TableName() string { return "resource_pools" }

// Deployment is the ledger record of an inference deployment.
type Deployment struct {
	ID             string           `json:"id" gorm:"primaryKey;type:varchar(36)"`
	PoolID         string           `json:"poolId" gorm:"type:varchar(36);not null;index"`
	Name           string           `json:"name" gorm:"type:varchar(100);not null"`
	ModelName      string           `json:"modelName" gorm:"type:varchar(255);not null"`
	Source         ModelSource      `json:"source" gorm:"type:varchar(20);not null"`
	ModelPath      string           `json:"modelPath,omitempty" gorm:"type:varchar(512)"`
	HostModelPath  string           `json:"hostModelPath,omitempty" gorm:"type:varchar(512)"`
	Image          string           `json:"image" gorm:"type:varchar(512);not null"`
	Replicas       int              `json:"replicas" gorm:"not null"`
	GPUPerReplica  int              `json:"gpuPerReplica" gorm:"column:gpu_per_replica;not null"`
	GPUMemoryMB    int              `json:"gpuMemoryMb,omitempty" gorm:"column:gpu_memory_mb"`
	GPUCores       int              `json:"gpuCores,omitempty" gorm:"column:gpu_cores"`
	CPUPerReplica  int              `json:"cpuPerReplica" gorm:"column:cpu_per_replica"`
	MemoryGiB      int              `json:"memoryGiBPerReplica" gorm:"column:memory_gib_per_replica"`
	DeploymentName string           `json:"deploymentName" gorm:"type:varchar(63);not null"`
	ServiceName    string           `json:"serviceName" gorm:"type:varchar(63);not null"`
	Status         DeploymentStatus `json:"status" gorm:"type:varchar(20);not null"`
	ServiceURL     string           `json:"serviceUrl,omitempty" gorm:"column:service_url;type:varchar(512)"`
	Message        string           `json:"message,omitempty" gorm:"type:text"`
	CreatedBy      string           `json:"createdBy" gorm:"type:varchar(100)"`
	CreatedAt      time.Time        `json:"createdAt"`
	UpdatedAt      time.Time        `json:"updatedAt"`
}

func (Deployment) TableName() string { return "model_deployments" }

// TrainingJobRecord records a batch training job submitted to a pool.
type TrainingJobRecord struct {
	ID             string    `json:"id" gorm:"primaryKey;type:varchar(36)"`
	PoolID         string    `json:"poolId" gorm:"type:varchar(36);not null;index"`
	JobName        string    `json:"jobName" gorm:"type:varchar(100);not null"`
	ClusterJobName string    `json:"clusterJobName" gorm:"type:varchar(63);not null"`
	Image          string    `json:"image" gorm:"type:varchar(512);not null"`
	Replicas       int       `json:"replicas" gorm:"not null"`
	GPUPerPod      int       `json:"gpuPerPod" gorm:"column:gpu_per_pod;not null"`
	GPUMemPerPod   int       `json:"gpuMemPerPod,omitempty" gorm:"column:gpu_mem_per_pod"`
	GPUCoresPerPod int       `json:"gpuCoresPerPod,omitempty" gorm:"column:gpu_cores_per_pod"`
	CPUPerPod      int       `json:"cpuPerPod" gorm:"column:cpu_per_pod"`
	MemoryGiB      int       `json:"memoryGiBPerPod" gorm:"column:memory_gib_per_pod"`
	Status         string    `json:"status" gorm:"type:varchar(20);not null"`
	CreatedBy      string    `json:"createdBy" gorm:"type:varchar(100)"`
	CreatedAt      time.Time `json:"createdAt"`
}

func (TrainingJobRecord) TableName() string { return "training_jobs" }

// UserPool grants a user access to a pool.
type UserPool struct {
	UserID string `gorm:"primaryKey;type:varchar(100)"`
	PoolID string `gorm:"primaryKey;type:varchar(36)"`
}

func (UserPool) TableName() string { return "user_resource_pools" }

// ClusterCapacity is the node-allocatable sum reported for a cluster.
// Amounts are raw numeric prefixes of the reported quantities, with no unit
// normalization.
type ClusterCapacity struct {
	GPU    int64 `json:"gpu"`
	CPU    int64 `json:"cpu"`
	Memory int64 `json:"memory"`
}

// All returns every persisted record type, in migration order.
func All() []any {
	return []any{&Cluster{}, &ResourcePool{}, &Deployment{}, &TrainingJobRecord{}, &UserPool{}}
}
