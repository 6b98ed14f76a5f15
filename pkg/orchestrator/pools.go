package orchestrator

import (
	"context"
	"strings"
	"time"

	"github.com/efortin/vllm-fleet/pkg/fleeterr"
	"github.com/efortin/vllm-fleet/pkg/kubernetes"
	"github.com/efortin/vllm-fleet/pkg/ledger"
	"github.com/efortin/vllm-fleet/pkg/manifest"
	"github.com/efortin/vllm-fleet/pkg/model"
)

func requirePoolManager(caller model.Caller) error {
	if !caller.CanManagePools() {
		return fleeterr.Forbidden("caller %s: pool management requires an admin role", caller.ID)
	}
	return nil
}

func requirePoolAccess(caller model.Caller, poolID string) error {
	if !caller.CanAccessPool(poolID) {
		return fleeterr.Forbidden("caller %s: no access to pool %s", caller.ID, poolID)
	}
	return nil
}

func validateCapacity(c model.Capacity) error {
	switch {
	case c.GPUSlots < 1:
		return fleeterr.Invalid("gpuSlots must be at least 1, got %d", c.GPUSlots)
	case c.CPUCores < 1:
		return fleeterr.Invalid("cpuCores must be at least 1, got %d", c.CPUCores)
	case c.MemoryGiB < 1:
		return fleeterr.Invalid("memoryGiB must be at least 1, got %d", c.MemoryGiB)
	}
	return nil
}

func capacityParams(c model.Capacity) map[string]any {
	return map[string]any{
		"gpuSlots":  c.GPUSlots,
		"cpuCores":  c.CPUCores,
		"memoryGiB": c.MemoryGiB,
	}
}

// applyPoolCapacity renders the quota and queue for capacity and applies
// them, quota first.
func (o *Orchestrator) applyPoolCapacity(ctx context.Context, client kubernetes.ClusterClient, pool *model.ResourcePool, c model.Capacity) error {
	quota := capacityParams(c)
	quota["namespace"] = pool.Namespace
	doc, err := o.renderer.Render(manifest.ResourceQuota, quota)
	if err != nil {
		return err
	}
	if err := client.ApplyNamespaced(ctx, pool.Namespace, doc); err != nil {
		return fleeterr.ClusterOp(pool.ClusterID, "apply resource quota", err)
	}

	queue := capacityParams(c)
	queue["queueName"] = pool.QueueName
	doc, err = o.renderer.Render(manifest.VolcanoQueue, queue)
	if err != nil {
		return err
	}
	if err := client.ApplyClusterScoped(ctx, doc); err != nil {
		return fleeterr.ClusterOp(pool.ClusterID, "apply queue", err)
	}
	return nil
}

// CreatePool provisions a namespace, quota and queue on the cluster and
// records the pool once every cluster step succeeded. A failed step leaves
// earlier cluster objects in place.
func (o *Orchestrator) CreatePool(ctx context.Context, caller model.Caller, clusterID, name string, capacity model.Capacity) (_ *model.ResourcePool, err error) {
	defer o.observe("create_pool", time.Now(), &err)

	if err := requirePoolManager(caller); err != nil {
		return nil, err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fleeterr.Invalid("pool name is required")
	}
	if err := validateCapacity(capacity); err != nil {
		return nil, err
	}
	if _, err := o.ledger.GetCluster(ctx, clusterID); err != nil {
		return nil, err
	}

	short := o.newShortID()
	pool := &model.ResourcePool{
		ID:        o.newID(),
		ClusterID: clusterID,
		Name:      name,
		Namespace: "pool-" + short,
		QueueName: "queue-" + short,
		Capacity:  capacity,
		Status:    model.PoolActive,
	}
	log := o.log.WithField("cluster", clusterID).WithField("namespace", pool.Namespace)

	client, err := o.clients.GetClient(ctx, clusterID)
	if err != nil {
		return nil, err
	}
	if err := client.EnsureNamespace(ctx, pool.Namespace); err != nil {
		return nil, fleeterr.ClusterOp(clusterID, "create namespace "+pool.Namespace, err)
	}
	if err := o.applyPoolCapacity(ctx, client, pool, capacity); err != nil {
		log.WithError(err).Warn("Pool provisioning aborted, cluster objects already created are left in place")
		return nil, err
	}

	if err := o.ledger.InTx(ctx, func(tx ledger.Ledger) error {
		return tx.CreatePool(ctx, pool)
	}); err != nil {
		log.WithError(err).Warn("Pool provisioned on cluster but not recorded")
		return nil, err
	}
	log.WithField("pool", pool.ID).Info("Pool created")
	return pool, nil
}

// ListPools returns the pools the caller manages. Org admins only see pools
// they have been granted.
func (o *Orchestrator) ListPools(ctx context.Context, caller model.Caller) ([]model.ResourcePool, error) {
	if err := requirePoolManager(caller); err != nil {
		return nil, err
	}
	pools, err := o.ledger.ListPools(ctx)
	if err != nil {
		return nil, err
	}
	if caller.IsPlatformAdmin() {
		return pools, nil
	}
	visible := pools[:0]
	for _, p := range pools {
		if caller.CanAccessPool(p.ID) {
			visible = append(visible, p)
		}
	}
	return visible, nil
}

// GetPool returns one pool.
func (o *Orchestrator) GetPool(ctx context.Context, caller model.Caller, poolID string) (*model.ResourcePool, error) {
	if err := requirePoolAccess(caller, poolID); err != nil {
		return nil, err
	}
	return o.ledger.GetPool(ctx, poolID)
}

// PatchPoolCapacity merges a partial capacity into the pool, re-applies its
// quota and queue, then records the new capacity.
func (o *Orchestrator) PatchPoolCapacity(ctx context.Context, caller model.Caller, poolID string, patch model.CapacityPatch) (_ *model.ResourcePool, err error) {
	defer o.observe("patch_pool_capacity", time.Now(), &err)

	if err := requirePoolManager(caller); err != nil {
		return nil, err
	}
	if err := requirePoolAccess(caller, poolID); err != nil {
		return nil, err
	}
	if patch.Empty() {
		return nil, fleeterr.Invalid("capacity patch changes nothing")
	}
	for field, v := range map[string]*int{"gpuSlots": patch.GPUSlots, "cpuCores": patch.CPUCores, "memoryGiB": patch.MemoryGiB} {
		if v != nil && *v < 1 {
			return nil, fleeterr.Invalid("%s must be at least 1, got %d", field, *v)
		}
	}

	pool, err := o.ledger.GetPool(ctx, poolID)
	if err != nil {
		return nil, err
	}
	merged := patch.Apply(pool.Capacity)

	client, err := o.clients.GetClient(ctx, pool.ClusterID)
	if err != nil {
		return nil, err
	}
	if err := o.applyPoolCapacity(ctx, client, pool, merged); err != nil {
		return nil, err
	}
	if err := o.ledger.UpdatePoolCapacity(ctx, poolID, merged); err != nil {
		return nil, err
	}
	o.log.WithField("pool", poolID).WithField("capacity", merged).Info("Pool capacity updated")
	return o.ledger.GetPool(ctx, poolID)
}

// DeletePool removes the pool's queue and namespace on a best-effort basis,
// then drops the pool and everything recorded under it.
func (o *Orchestrator) DeletePool(ctx context.Context, caller model.Caller, poolID string) (err error) {
	defer o.observe("delete_pool", time.Now(), &err)

	if err := requirePoolManager(caller); err != nil {
		return err
	}
	if err := requirePoolAccess(caller, poolID); err != nil {
		return err
	}
	pool, err := o.ledger.GetPool(ctx, poolID)
	if err != nil {
		return err
	}
	log := o.log.WithField("pool", poolID).WithField("cluster", pool.ClusterID)

	if client, err := o.clients.GetClient(ctx, pool.ClusterID); err != nil {
		log.WithError(err).Warn("Cluster unreachable, pool objects left in place")
	} else {
		o.deletePoolObjects(ctx, client, pool)
	}

	if err := o.ledger.InTx(ctx, func(tx ledger.Ledger) error {
		if err := tx.DeleteDeploymentsByPool(ctx, poolID); err != nil {
			return err
		}
		if err := tx.DeleteTrainingJobsByPool(ctx, poolID); err != nil {
			return err
		}
		return tx.DeletePool(ctx, poolID)
	}); err != nil {
		return err
	}
	log.Info("Pool deleted")
	return nil
}

func (o *Orchestrator) deletePoolObjects(ctx context.Context, client kubernetes.ClusterClient, pool *model.ResourcePool) {
	log := o.log.WithField("pool", pool.ID).WithField("cluster", pool.ClusterID)

	queue := capacityParams(pool.Capacity)
	queue["queueName"] = pool.QueueName
	if doc, err := o.renderer.Render(manifest.VolcanoQueue, queue); err != nil {
		log.WithError(err).Warn("Failed to render queue for deletion")
	} else if err := client.DeleteClusterScoped(ctx, doc); err != nil {
		log.WithError(fleeterr.ClusterOp(pool.ClusterID, "delete queue "+pool.QueueName, err)).Warn("Queue left in place")
	}
	if err := client.DeleteNamespace(ctx, pool.Namespace); err != nil {
		log.WithError(fleeterr.ClusterOp(pool.ClusterID, "delete namespace "+pool.Namespace, err)).Warn("Namespace left in place")
	}
}
