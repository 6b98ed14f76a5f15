// Package reconciler reads live workload state back from clusters.
package reconciler

import (
	"context"

	apierrors "k8s.io/apimachinery/pkg/api/errors"

	"github.com/efortin/vllm-fleet/pkg/fleeterr"
	"github.com/efortin/vllm-fleet/pkg/kubernetes"
)

// ClientSource hands out cluster clients.
type ClientSource interface {
	GetClient(ctx context.Context, clusterID string) (kubernetes.ClusterClient, error)
}

// Reconciler queries the cluster for the state of tracked workloads.
type Reconciler struct {
	clients ClientSource
}

// New creates a Reconciler.
func New(clients ClientSource) *Reconciler {
	return &Reconciler{clients: clients}
}

// GetReadyReplicas returns the ready replica count of a deployment. A
// deployment that does not exist, or has not reported status yet, has 0
// ready replicas.
func (r *Reconciler) GetReadyReplicas(ctx context.Context, clusterID, namespace, name string) (int32, error) {
	c, err := r.clients.GetClient(ctx, clusterID)
	if err != nil {
		return 0, err
	}
	d, err := c.GetDeployment(ctx, namespace, name)
	if apierrors.IsNotFound(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fleeterr.ClusterOp(clusterID, "read deployment "+namespace+"/"+name, err)
	}
	if d == nil {
		return 0, nil
	}
	return d.Status.ReadyReplicas, nil
}
