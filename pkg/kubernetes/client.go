// Package kubernetes wraps the typed and dynamic cluster APIs behind the
// small ClusterClient surface the fleet uses.
package kubernetes

import (
	"context"
	"fmt"
	"net/http"

	"github.com/sirupsen/logrus"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/meta"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/client-go/discovery"
	"k8s.io/client-go/discovery/cached/memory"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/restmapper"
	"k8s.io/client-go/tools/clientcmd"
)

// FieldManager is the server-side apply owner of every object the fleet
// applies.
const FieldManager = "vllm-fleet"

// ManagedByLabel marks objects created by the fleet.
const ManagedByLabel = "app.kubernetes.io/managed-by"

// ClusterClient is the set of cluster calls the fleet issues.
type ClusterClient interface {
	// Probe issues one cheap read-only call.
	Probe(ctx context.Context) error
	EnsureNamespace(ctx context.Context, name string) error
	DeleteNamespace(ctx context.Context, name string) error
	// ApplyNamespaced server-side applies every document of manifest into
	// namespace. Cluster-scoped documents are rejected.
	ApplyNamespaced(ctx context.Context, namespace string, manifest []byte) error
	// ApplyClusterScoped server-side applies every document of manifest.
	// Namespaced documents are rejected.
	ApplyClusterScoped(ctx context.Context, manifest []byte) error
	DeleteClusterScoped(ctx context.Context, manifest []byte) error
	GetDeployment(ctx context.Context, namespace, name string) (*appsv1.Deployment, error)
	DeleteDeployment(ctx context.Context, namespace, name string) error
	DeleteService(ctx context.Context, namespace, name string) error
	ListNodes(ctx context.Context) ([]NodeAllocatable, error)
	// Close releases the client's idle connections.
	Close() error
}

// NodeAllocatable is the allocatable resource list of one node, each
// quantity kept as the text the API server returned. A node without a
// status block has a nil Allocatable.
type NodeAllocatable struct {
	Name        string
	Allocatable map[string]string
}

var nodesResource = schema.GroupVersionResource{Version: "v1", Resource: "nodes"}

// Client is the ClusterClient backed by client-go.
type Client struct {
	clientset  kubernetes.Interface
	dynamic    dynamic.Interface
	mapper     meta.RESTMapper
	httpClient *http.Client
	log        logrus.FieldLogger
}

var _ ClusterClient = (*Client)(nil)

// NewFromKubeconfig builds a Client from kubeconfig bytes. The typed,
// dynamic and discovery clients share one HTTP client so Close can drop
// every connection at once.
func NewFromKubeconfig(kubeconfig []byte) (*Client, error) {
	restConfig, err := clientcmd.RESTConfigFromKubeConfig(kubeconfig)
	if err != nil {
		return nil, fmt.Errorf("failed to parse kubeconfig: %w", err)
	}
	restConfig.UserAgent = FieldManager

	httpClient, err := rest.HTTPClientFor(restConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create http client: %w", err)
	}
	clientset, err := kubernetes.NewForConfigAndClient(restConfig, httpClient)
	if err != nil {
		return nil, fmt.Errorf("failed to create clientset: %w", err)
	}
	dyn, err := dynamic.NewForConfigAndClient(restConfig, httpClient)
	if err != nil {
		return nil, fmt.Errorf("failed to create dynamic client: %w", err)
	}
	disc, err := discovery.NewDiscoveryClientForConfigAndClient(restConfig, httpClient)
	if err != nil {
		return nil, fmt.Errorf("failed to create discovery client: %w", err)
	}
	mapper := restmapper.NewDeferredDiscoveryRESTMapper(memory.NewMemCacheClient(disc))

	c := NewFromClients(clientset, dyn, mapper)
	c.httpClient = httpClient
	return c, nil
}

// NewFromClients builds a Client over existing clients.
func NewFromClients(clientset kubernetes.Interface, dyn dynamic.Interface, mapper meta.RESTMapper) *Client {
	return &Client{
		clientset: clientset,
		dynamic:   dyn,
		mapper:    mapper,
		log:       logrus.StandardLogger().WithField("component", "cluster-client"),
	}
}

// WithLogger replaces the client's logger.
func (c *Client) WithLogger(log logrus.FieldLogger) *Client {
	c.log = log
	return c
}

func (c *Client) Probe(ctx context.Context) error {
	if _, err := c.clientset.CoreV1().Namespaces().List(ctx, metav1.ListOptions{Limit: 1}); err != nil {
		return fmt.Errorf("failed to list namespaces: %w", err)
	}
	return nil
}

// EnsureNamespace creates the namespace, or relabels it when it exists.
func (c *Client) EnsureNamespace(ctx context.Context, name string) error {
	ns := &corev1.Namespace{
		ObjectMeta: metav1.ObjectMeta{
			Name:   name,
			Labels: map[string]string{ManagedByLabel: FieldManager},
		},
	}

	existing, err := c.clientset.CoreV1().Namespaces().Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		if errors.IsNotFound(err) {
			if _, err := c.clientset.CoreV1().Namespaces().Create(ctx, ns, metav1.CreateOptions{}); err != nil {
				return fmt.Errorf("failed to create namespace: %w", err)
			}
			c.log.WithField("namespace", name).Info("Created namespace")
			return nil
		}
		return fmt.Errorf("failed to get namespace: %w", err)
	}

	if existing.Labels == nil {
		existing.Labels = map[string]string{}
	}
	for k, v := range ns.Labels {
		existing.Labels[k] = v
	}
	if _, err := c.clientset.CoreV1().Namespaces().Update(ctx, existing, metav1.UpdateOptions{}); err != nil {
		return fmt.Errorf("failed to update namespace: %w", err)
	}
	c.log.WithField("namespace", name).Info("Updated namespace")
	return nil
}

// DeleteNamespace deletes the namespace. An absent namespace is not an error.
func (c *Client) DeleteNamespace(ctx context.Context, name string) error {
	err := c.clientset.CoreV1().Namespaces().Delete(ctx, name, metav1.DeleteOptions{})
	if err != nil && !errors.IsNotFound(err) {
		return fmt.Errorf("failed to delete namespace: %w", err)
	}
	return nil
}

// GetDeployment returns the deployment. Absence is returned as the API's
// NotFound error.
func (c *Client) GetDeployment(ctx context.Context, namespace, name string) (*appsv1.Deployment, error) {
	return c.clientset.AppsV1().Deployments(namespace).Get(ctx, name, metav1.GetOptions{})
}

// DeleteDeployment deletes the deployment. An absent deployment is not an error.
func (c *Client) DeleteDeployment(ctx context.Context, namespace, name string) error {
	policy := metav1.DeletePropagationForeground
	err := c.clientset.AppsV1().Deployments(namespace).Delete(ctx, name, metav1.DeleteOptions{PropagationPolicy: &policy})
	if err != nil && !errors.IsNotFound(err) {
		return fmt.Errorf("failed to delete deployment: %w", err)
	}
	return nil
}

// DeleteService deletes the service. An absent service is not an error.
func (c *Client) DeleteService(ctx context.Context, namespace, name string) error {
	err := c.clientset.CoreV1().Services(namespace).Delete(ctx, name, metav1.DeleteOptions{})
	if err != nil && !errors.IsNotFound(err) {
		return fmt.Errorf("failed to delete service: %w", err)
	}
	return nil
}

// ListNodes reads nodes through the dynamic client. The typed Node would
// canonicalize quantities ("1024Mi" becomes "1Gi") on decode.
func (c *Client) ListNodes(ctx context.Context) ([]NodeAllocatable, error) {
	list, err := c.dynamic.Resource(nodesResource).List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to list nodes: %w", err)
	}
	nodes := make([]NodeAllocatable, 0, len(list.Items))
	for _, item := range list.Items {
		alloc, _, err := unstructured.NestedStringMap(item.Object, "status", "allocatable")
		if err != nil {
			return nil, fmt.Errorf("failed to read allocatable of node %s: %w", item.GetName(), err)
		}
		nodes = append(nodes, NodeAllocatable{Name: item.GetName(), Allocatable: alloc})
	}
	return nodes, nil
}

func (c *Client) Close() error {
	if c.httpClient != nil {
		c.httpClient.CloseIdleConnections()
	}
	return nil
}
