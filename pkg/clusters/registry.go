// Package clusters keeps one live API client per registered cluster.
package clusters

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/efortin/vllm-fleet/pkg/fleeterr"
	"github.com/efortin/vllm-fleet/pkg/kubernetes"
	"github.com/efortin/vllm-fleet/pkg/metrics"
	"github.com/efortin/vllm-fleet/pkg/model"
)

// ErrEvicted is returned to callers whose client was evicted while it was
// being constructed.
var ErrEvicted = errors.New("cluster client evicted during construction")

// ClusterSource looks up the ledger record of a cluster.
type ClusterSource interface {
	GetCluster(ctx context.Context, id string) (*model.Cluster, error)
}

// Decrypter opens stored credentials.
type Decrypter interface {
	Decrypt(ciphertext string) (string, error)
}

// Factory builds a cluster client from plaintext kubeconfig bytes.
type Factory func(kubeconfig []byte) (kubernetes.ClusterClient, error)

// DefaultFactory builds client-go backed clients.
func DefaultFactory(kubeconfig []byte) (kubernetes.ClusterClient, error) {
	return kubernetes.NewFromKubeconfig(kubeconfig)
}

// Registry caches cluster clients by cluster id. Concurrent GetClient calls
// for the same id construct at most one client; CloseClient racing a
// construction makes that construction fail instead of caching a client for
// an evicted id.
type Registry struct {
	source  ClusterSource
	vault   Decrypter
	factory Factory
	log     logrus.FieldLogger
	metrics *metrics.Recorder

	mu          sync.Mutex
	clients     map[string]kubernetes.ClusterClient
	generations map[string]uint64
	group       singleflight.Group
}

// Option configures a Registry.
type Option func(*Registry)

// WithFactory replaces the client factory.
func WithFactory(f Factory) Option {
	return func(r *Registry) { r.factory = f }
}

// WithLogger sets the logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(r *Registry) { r.log = l }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m *metrics.Recorder) Option {
	return func(r *Registry) { r.metrics = m }
}

// NewRegistry creates an empty registry.
func NewRegistry(source ClusterSource, vault Decrypter, opts ...Option) *Registry {
	r := &Registry{
		source:      source,
		vault:       vault,
		factory:     DefaultFactory,
		log:         logrus.StandardLogger(),
		clients:     make(map[string]kubernetes.ClusterClient),
		generations: make(map[string]uint64),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.log = r.log.WithField("component", "cluster-registry")
	return r
}

// GetClient returns the cached client for clusterID, building it from the
// stored credential on first use.
func (r *Registry) GetClient(ctx context.Context, clusterID string) (kubernetes.ClusterClient, error) {
	r.mu.Lock()
	c, ok := r.clients[clusterID]
	r.mu.Unlock()
	if ok {
		return c, nil
	}

	// Construction is detached from the caller's cancellation. A caller
	// that gives up returns its own context error and the build carries on
	// for the other waiters.
	ch := r.group.DoChan(clusterID, func() (any, error) {
		r.mu.Lock()
		if c, ok := r.clients[clusterID]; ok {
			r.mu.Unlock()
			return c, nil
		}
		gen := r.generations[clusterID]
		r.mu.Unlock()

		c, err := r.build(context.WithoutCancel(ctx), clusterID)
		if err != nil {
			return nil, err
		}

		r.mu.Lock()
		if r.generations[clusterID] != gen {
			r.mu.Unlock()
			r.closeQuietly(clusterID, c)
			return nil, fmt.Errorf("cluster %s: %w", clusterID, ErrEvicted)
		}
		r.clients[clusterID] = c
		n := len(r.clients)
		r.mu.Unlock()

		r.metrics.SetCachedClients(n)
		return c, nil
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(kubernetes.ClusterClient), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *Registry) build(ctx context.Context, clusterID string) (kubernetes.ClusterClient, error) {
	cluster, err := r.source.GetCluster(ctx, clusterID)
	if err != nil {
		return nil, err
	}
	kubeconfig, err := r.vault.Decrypt(cluster.EncryptedCredential)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt credential of cluster %s: %w", clusterID, err)
	}
	c, err := r.factory([]byte(kubeconfig))
	if err != nil {
		return nil, fmt.Errorf("failed to build client for cluster %s: %w", clusterID, err)
	}
	r.metrics.ClientConstructed(clusterID)
	r.log.WithField("cluster", clusterID).Info("Created cluster client")
	return c, nil
}

// CloseClient evicts and closes the client of clusterID. It is idempotent
// and never fails: close errors are logged.
func (r *Registry) CloseClient(clusterID string) {
	r.mu.Lock()
	c, ok := r.clients[clusterID]
	delete(r.clients, clusterID)
	r.generations[clusterID]++
	n := len(r.clients)
	r.mu.Unlock()

	if !ok {
		return
	}
	r.metrics.SetCachedClients(n)
	r.closeQuietly(clusterID, c)
	r.log.WithField("cluster", clusterID).Info("Closed cluster client")
}

func (r *Registry) closeQuietly(clusterID string, c kubernetes.ClusterClient) {
	if err := c.Close(); err != nil {
		r.log.WithField("cluster", clusterID).WithError(err).Warn("Failed to close cluster client")
	}
}

// ValidateCredential reports whether a plaintext kubeconfig reaches a
// cluster. The client it builds is never cached.
func (r *Registry) ValidateCredential(ctx context.Context, kubeconfig string) bool {
	c, err := r.factory([]byte(kubeconfig))
	if err != nil {
		r.log.WithError(err).Warn("Credential rejected")
		return false
	}
	defer r.closeQuietly("", c)

	if err := c.Probe(ctx); err != nil {
		r.log.WithError(err).Warn("Credential probe failed")
		return false
	}
	return true
}

// GetClusterCapacity sums node allocatable resources of the cluster.
func (r *Registry) GetClusterCapacity(ctx context.Context, clusterID string) (model.ClusterCapacity, error) {
	c, err := r.GetClient(ctx, clusterID)
	if err != nil {
		return model.ClusterCapacity{}, err
	}
	nodes, err := c.ListNodes(ctx)
	if err != nil {
		return model.ClusterCapacity{}, fleeterr.ClusterOp(clusterID, "list nodes", err)
	}
	return AggregateCapacity(nodes), nil
}

// Len returns the number of cached clients.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

// Close closes every cached client.
func (r *Registry) Close() {
	r.mu.Lock()
	ids := make([]string, 0, len(r.clients))
	for id := range r.clients {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	for _, id := range ids {
		r.CloseClient(id)
	}
}
