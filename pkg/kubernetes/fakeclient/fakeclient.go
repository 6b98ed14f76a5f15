// Package fakeclient provides an in-memory ClusterClient that records calls
// and injects failures.
package fakeclient

import (
	"context"
	"fmt"
	"sync"

	appsv1 "k8s.io/api/apps/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/runtime/schema"

	"github.com/efortin/vllm-fleet/pkg/kubernetes"
)

// Op names a ClusterClient call for failure injection.
type Op string

const (
	OpProbe            Op = "probe"
	OpEnsureNamespace  Op = "ensure-namespace"
	OpDeleteNamespace  Op = "delete-namespace"
	OpApplyNamespaced  Op = "apply-namespaced"
	OpApplyCluster     Op = "apply-cluster"
	OpDeleteCluster    Op = "delete-cluster"
	OpGetDeployment    Op = "get-deployment"
	OpDeleteDeployment Op = "delete-deployment"
	OpDeleteService    Op = "delete-service"
	OpListNodes        Op = "list-nodes"
	OpClose            Op = "close"
)

// Applied is one recorded apply call.
type Applied struct {
	Namespace     string
	ClusterScoped bool
	Manifest      string
}

// Client is a fake kubernetes.ClusterClient.
type Client struct {
	mu sync.Mutex

	Namespaces  map[string]bool
	Deployments map[string]*appsv1.Deployment
	Nodes       []kubernetes.NodeAllocatable
	Applied     []Applied
	Calls       []string
	Closed      int

	// Fail makes the named call return the error.
	Fail map[Op]error
	// OnApply, when set, is consulted by both apply calls and may return an
	// error to fail a specific manifest.
	OnApply func(namespace string, manifest []byte) error
}

var _ kubernetes.ClusterClient = (*Client)(nil)

// New returns an empty fake client.
func New() *Client {
	return &Client{
		Namespaces:  map[string]bool{},
		Deployments: map[string]*appsv1.Deployment{},
		Fail:        map[Op]error{},
	}
}

func (c *Client) record(op Op, detail string) error {
	c.Calls = append(c.Calls, fmt.Sprintf("%s %s", op, detail))
	return c.Fail[op]
}

// FailOn sets the error returned by op.
func (c *Client) FailOn(op Op, err error) *Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Fail[op] = err
	return c
}

// SetDeployment stores a deployment as if it existed on the cluster.
func (c *Client) SetDeployment(d *appsv1.Deployment) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Deployments[d.Namespace+"/"+d.Name] = d
}

// CallLog returns a copy of the recorded calls.
func (c *Client) CallLog() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.Calls...)
}

// AppliedManifests returns a copy of the recorded applies.
func (c *Client) AppliedManifests() []Applied {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Applied(nil), c.Applied...)
}

// CloseCount returns how many times Close was called.
func (c *Client) CloseCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Closed
}

func (c *Client) Probe(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.record(OpProbe, "")
}

func (c *Client) EnsureNamespace(_ context.Context, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.record(OpEnsureNamespace, name); err != nil {
		return err
	}
	c.Namespaces[name] = true
	return nil
}

func (c *Client) DeleteNamespace(_ context.Context, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.record(OpDeleteNamespace, name); err != nil {
		return err
	}
	delete(c.Namespaces, name)
	return nil
}

func (c *Client) ApplyNamespaced(_ context.Context, namespace string, manifest []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.record(OpApplyNamespaced, namespace); err != nil {
		return err
	}
	if c.OnApply != nil {
		if err := c.OnApply(namespace, manifest); err != nil {
			return err
		}
	}
	c.Applied = append(c.Applied, Applied{Namespace: namespace, Manifest: string(manifest)})
	return nil
}

func (c *Client) ApplyClusterScoped(_ context.Context, manifest []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.record(OpApplyCluster, ""); err != nil {
		return err
	}
	if c.OnApply != nil {
		if err := c.OnApply("", manifest); err != nil {
			return err
		}
	}
	c.Applied = append(c.Applied, Applied{ClusterScoped: true, Manifest: string(manifest)})
	return nil
}

func (c *Client) DeleteClusterScoped(_ context.Context, _ []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.record(OpDeleteCluster, "")
}

func (c *Client) GetDeployment(_ context.Context, namespace, name string) (*appsv1.Deployment, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.record(OpGetDeployment, namespace+"/"+name); err != nil {
		return nil, err
	}
	d, ok := c.Deployments[namespace+"/"+name]
	if !ok {
		return nil, apierrors.NewNotFound(schema.GroupResource{Group: "apps", Resource: "deployments"}, name)
	}
	return d.DeepCopy(), nil
}

func (c *Client) DeleteDeployment(_ context.Context, namespace, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.record(OpDeleteDeployment, namespace+"/"+name); err != nil {
		return err
	}
	delete(c.Deployments, namespace+"/"+name)
	return nil
}

func (c *Client) DeleteService(_ context.Context, namespace, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.record(OpDeleteService, namespace+"/"+name)
}

func (c *Client) ListNodes(context.Context) ([]kubernetes.NodeAllocatable, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.record(OpListNodes, ""); err != nil {
		return nil, err
	}
	return append([]kubernetes.NodeAllocatable(nil), c.Nodes...), nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Closed++
	return c.Fail[OpClose]
}
