// Package orchestrator provisions pools and workloads across clusters and
// keeps the ledger in step with what was applied.
//
// Cluster-side effects are never part of a ledger transaction. A step that
// fails after cluster objects were created leaves them in place and writes
// no ledger row; deletion flows treat cluster errors as warnings and always
// clean the ledger.
package orchestrator

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/efortin/vllm-fleet/pkg/kubernetes"
	"github.com/efortin/vllm-fleet/pkg/ledger"
	"github.com/efortin/vllm-fleet/pkg/metrics"
	"github.com/efortin/vllm-fleet/pkg/model"
)

// ClientRegistry hands out and evicts cluster clients.
type ClientRegistry interface {
	GetClient(ctx context.Context, clusterID string) (kubernetes.ClusterClient, error)
	CloseClient(clusterID string)
	ValidateCredential(ctx context.Context, kubeconfig string) bool
	GetClusterCapacity(ctx context.Context, clusterID string) (model.ClusterCapacity, error)
}

// Encrypter seals credentials before they are stored.
type Encrypter interface {
	Encrypt(plaintext string) (string, error)
}

// Renderer produces manifests from named templates.
type Renderer interface {
	Render(name string, params map[string]any) ([]byte, error)
}

// ReplicaReader reads the live ready replica count of a deployment.
type ReplicaReader interface {
	GetReadyReplicas(ctx context.Context, clusterID, namespace, name string) (int32, error)
}

// Orchestrator implements the fleet operations.
type Orchestrator struct {
	ledger   ledger.Ledger
	clients  ClientRegistry
	vault    Encrypter
	renderer Renderer
	replicas ReplicaReader
	log      logrus.FieldLogger
	metrics  *metrics.Recorder

	newID      func() string
	newShortID func() string
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(o *Orchestrator) { o.log = l }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m *metrics.Recorder) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithShortIDs replaces the generator of pool short ids.
func WithShortIDs(f func() string) Option {
	return func(o *Orchestrator) { o.newShortID = f }
}

// New creates an Orchestrator.
func New(l ledger.Ledger, clients ClientRegistry, vault Encrypter, renderer Renderer, replicas ReplicaReader, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		ledger:     l,
		clients:    clients,
		vault:      vault,
		renderer:   renderer,
		replicas:   replicas,
		log:        logrus.StandardLogger(),
		newID:      uuid.NewString,
		newShortID: func() string { return uuid.NewString()[:8] },
	}
	for _, opt := range opts {
		opt(o)
	}
	o.log = o.log.WithField("component", "orchestrator")
	return o
}

// observe records the outcome of an operation. Use with a named error
// result: defer o.observe("op", time.Now(), &err).
func (o *Orchestrator) observe(op string, start time.Time, err *error) {
	o.metrics.RecordOperation(op, start, *err)
}
