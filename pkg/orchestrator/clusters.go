package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/efortin/vllm-fleet/pkg/fleeterr"
	"github.com/efortin/vllm-fleet/pkg/ledger"
	"github.com/efortin/vllm-fleet/pkg/model"
)

func requirePlatformAdmin(caller model.Caller) error {
	if !caller.IsPlatformAdmin() {
		return fleeterr.Forbidden("caller %s: cluster management requires %s", caller.ID, model.RolePlatformAdmin)
	}
	return nil
}

// RegisterCluster validates a kubeconfig against its cluster, stores it
// encrypted and warms the client cache.
func (o *Orchestrator) RegisterCluster(ctx context.Context, caller model.Caller, name, credential string) (_ *model.Cluster, err error) {
	defer o.observe("register_cluster", time.Now(), &err)

	if err := requirePlatformAdmin(caller); err != nil {
		return nil, err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fleeterr.Invalid("cluster name is required")
	}
	if strings.TrimSpace(credential) == "" {
		return nil, fleeterr.Invalid("cluster credential is required")
	}

	kubeconfig := NormalizeCredential(credential)
	if !o.clients.ValidateCredential(ctx, kubeconfig) {
		return nil, fleeterr.Invalid("credential validation failed")
	}
	sealed, err := o.vault.Encrypt(kubeconfig)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt credential: %w", err)
	}

	c := &model.Cluster{
		ID:                  o.newID(),
		Name:                name,
		EncryptedCredential: sealed,
		Status:              model.ClusterActive,
	}
	if err := o.ledger.InTx(ctx, func(tx ledger.Ledger) error {
		return tx.CreateCluster(ctx, c)
	}); err != nil {
		return nil, err
	}

	log := o.log.WithField("cluster", c.ID)
	if _, err := o.clients.GetClient(ctx, c.ID); err != nil {
		log.WithError(err).Warn("Cluster registered but client warm-up failed")
	}
	log.WithField("name", c.Name).Info("Cluster registered")
	return c, nil
}

// ListClusters returns every registered cluster.
func (o *Orchestrator) ListClusters(ctx context.Context, caller model.Caller) ([]model.Cluster, error) {
	if err := requirePlatformAdmin(caller); err != nil {
		return nil, err
	}
	return o.ledger.ListClusters(ctx)
}

// GetClusterCapacity sums node allocatable resources of a cluster and
// caches the GPU total on its record.
func (o *Orchestrator) GetClusterCapacity(ctx context.Context, caller model.Caller, clusterID string) (_ model.ClusterCapacity, err error) {
	defer o.observe("cluster_capacity", time.Now(), &err)

	if err := requirePlatformAdmin(caller); err != nil {
		return model.ClusterCapacity{}, err
	}
	if _, err := o.ledger.GetCluster(ctx, clusterID); err != nil {
		return model.ClusterCapacity{}, err
	}
	capacity, err := o.clients.GetClusterCapacity(ctx, clusterID)
	if err != nil {
		return model.ClusterCapacity{}, err
	}
	if err := o.ledger.UpdateClusterGPUSlots(ctx, clusterID, capacity.GPU); err != nil {
		o.log.WithField("cluster", clusterID).WithError(err).Warn("Failed to cache cluster GPU total")
	}
	return capacity, nil
}

// DeleteCluster evicts the cluster's client and removes its record. Pools
// that still reference the cluster are left to the operator.
func (o *Orchestrator) DeleteCluster(ctx context.Context, caller model.Caller, clusterID string) (err error) {
	defer o.observe("delete_cluster", time.Now(), &err)

	if err := requirePlatformAdmin(caller); err != nil {
		return err
	}
	if _, err := o.ledger.GetCluster(ctx, clusterID); err != nil {
		return err
	}
	o.clients.CloseClient(clusterID)
	if err := o.ledger.DeleteCluster(ctx, clusterID); err != nil {
		return err
	}
	o.log.WithField("cluster", clusterID).Info("Cluster deleted")
	return nil
}
