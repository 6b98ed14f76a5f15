// Package rbac checks that a candidate cluster grants the fleet what it needs
// before the cluster is registered.
package rbac

import (
	"context"
	"errors"
	"fmt"
	"strings"

	authv1 "k8s.io/api/authorization/v1"
	apiextensionsv1 "k8s.io/apiextensions-apiserver/pkg/apis/apiextensions/v1"
	apiextensionsclientset "k8s.io/apiextensions-apiserver/pkg/client/clientset/clientset"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
)

// RequiredPermission represents a permission that needs to be verified
type RequiredPermission struct {
	APIGroup  string
	Resource  string
	Verb      string
	Namespace string // empty for cluster-scoped or all namespaces
}

func (p RequiredPermission) String() string {
	scope := "cluster-wide"
	if p.Namespace != "" {
		scope = "namespace=" + p.Namespace
	}
	group := p.APIGroup
	if group == "" {
		group = "core"
	}
	return fmt.Sprintf("%s %s.%s (%s)", p.Verb, p.Resource, group, scope)
}

// RequiredCRDs are the batch-scheduler CRDs pools and training jobs rely on.
var RequiredCRDs = []string{
	"queues.scheduling.volcano.sh",
	"jobs.batch.volcano.sh",
}

func verbs(group, resource string, vs ...string) []RequiredPermission {
	perms := make([]RequiredPermission, 0, len(vs))
	for _, v := range vs {
		perms = append(perms, RequiredPermission{APIGroup: group, Resource: resource, Verb: v})
	}
	return perms
}

// GetRequiredPermissions returns the permissions the fleet uses on a member
// cluster. Pool namespaces are created on demand, so every namespaced
// permission is needed across all namespaces.
func GetRequiredPermissions() []RequiredPermission {
	var perms []RequiredPermission
	perms = append(perms, verbs("", "namespaces", "get", "create", "update", "delete")...)
	perms = append(perms, verbs("", "nodes", "list")...)
	perms = append(perms, verbs("", "resourcequotas", "get", "create", "patch")...)
	perms = append(perms, verbs("", "limitranges", "get", "create", "patch")...)
	perms = append(perms, verbs("", "services", "get", "create", "patch", "delete")...)
	perms = append(perms, verbs("apps", "deployments", "get", "create", "patch", "delete")...)
	perms = append(perms, verbs("scheduling.volcano.sh", "queues", "get", "create", "patch", "delete")...)
	perms = append(perms, verbs("batch.volcano.sh", "jobs", "get", "create", "patch")...)
	perms = append(perms, verbs("apiextensions.k8s.io", "customresourcedefinitions", "get")...)
	return perms
}

// Verifier runs preflight checks against one cluster.
type Verifier struct {
	clientset kubernetes.Interface
	crds      apiextensionsclientset.Interface
}

// NewVerifier creates a Verifier for the cluster behind config.
func NewVerifier(config *rest.Config) (*Verifier, error) {
	clientset, err := kubernetes.NewForConfig(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create kubernetes client: %w", err)
	}
	crds, err := apiextensionsclientset.NewForConfig(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create apiextensions client: %w", err)
	}
	return NewVerifierFromClients(clientset, crds), nil
}

// NewVerifierFromClients creates a Verifier from existing clients.
func NewVerifierFromClients(clientset kubernetes.Interface, crds apiextensionsclientset.Interface) *Verifier {
	return &Verifier{clientset: clientset, crds: crds}
}

// Verify runs the CRD and permission checks and reports every failure.
func (v *Verifier) Verify(ctx context.Context) error {
	return errors.Join(v.VerifyCRDs(ctx), v.VerifyPermissions(ctx))
}

// VerifyPermissions checks that the credential holds every required
// permission.
func (v *Verifier) VerifyPermissions(ctx context.Context) error {
	var missing []string
	for _, perm := range GetRequiredPermissions() {
		allowed, err := CheckPermission(ctx, v.clientset, perm)
		if err != nil {
			return fmt.Errorf("failed to check permission %s: %w", perm, err)
		}
		if !allowed {
			missing = append(missing, "  - "+perm.String())
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required RBAC permissions:\n%s", strings.Join(missing, "\n"))
	}
	return nil
}

// VerifyCRDs checks that every required CRD is installed and established.
func (v *Verifier) VerifyCRDs(ctx context.Context) error {
	var errs []error
	for _, name := range RequiredCRDs {
		crd, err := v.crds.ApiextensionsV1().CustomResourceDefinitions().Get(ctx, name, metav1.GetOptions{})
		if err != nil {
			errs = append(errs, fmt.Errorf("CRD %s not found: %w", name, err))
			continue
		}
		if !established(crd) {
			errs = append(errs, fmt.Errorf("CRD %s exists but is not established", name))
		}
	}
	return errors.Join(errs...)
}

func established(crd *apiextensionsv1.CustomResourceDefinition) bool {
	for _, condition := range crd.Status.Conditions {
		if condition.Type == apiextensionsv1.Established && condition.Status == apiextensionsv1.ConditionTrue {
			return true
		}
	}
	return false
}

// CheckPermission verifies if a specific permission is granted
func CheckPermission(ctx context.Context, clientset kubernetes.Interface, perm RequiredPermission) (bool, error) {
	sar := &authv1.SelfSubjectAccessReview{
		Spec: authv1.SelfSubjectAccessReviewSpec{
			ResourceAttributes: &authv1.ResourceAttributes{
				Verb:      perm.Verb,
				Group:     perm.APIGroup,
				Resource:  perm.Resource,
				Namespace: perm.Namespace,
			},
		},
	}

	result, err := clientset.AuthorizationV1().SelfSubjectAccessReviews().Create(ctx, sar, metav1.CreateOptions{})
	if err != nil {
		return false, err
	}

	return result.Status.Allowed, nil
}
