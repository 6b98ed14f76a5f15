package kubernetes

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/meta"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/apimachinery/pkg/util/yaml"
	"k8s.io/client-go/dynamic"
)

type scope int

const (
	namespaced scope = iota
	clusterScoped
)

func (s scope) String() string {
	if s == clusterScoped {
		return "cluster-scoped"
	}
	return "namespaced"
}

// ApplyNamespaced applies every document of manifest into namespace,
// overriding any namespace the documents carry.
func (c *Client) ApplyNamespaced(ctx context.Context, namespace string, manifest []byte) error {
	return c.eachObject(manifest, func(obj *unstructured.Unstructured) error {
		ri, err := c.resourceFor(obj, namespaced)
		if err != nil {
			return err
		}
		obj.SetNamespace(namespace)
		return c.apply(ctx, ri.Namespace(namespace), obj)
	})
}

func (c *Client) ApplyClusterScoped(ctx context.Context, manifest []byte) error {
	return c.eachObject(manifest, func(obj *unstructured.Unstructured) error {
		ri, err := c.resourceFor(obj, clusterScoped)
		if err != nil {
			return err
		}
		obj.SetNamespace("")
		return c.apply(ctx, ri, obj)
	})
}

// DeleteClusterScoped deletes every object named by manifest. Objects that
// are already gone are skipped.
func (c *Client) DeleteClusterScoped(ctx context.Context, manifest []byte) error {
	return c.eachObject(manifest, func(obj *unstructured.Unstructured) error {
		ri, err := c.resourceFor(obj, clusterScoped)
		if err != nil {
			return err
		}
		err = ri.Delete(ctx, obj.GetName(), metav1.DeleteOptions{})
		if err != nil && !apierrors.IsNotFound(err) {
			return fmt.Errorf("failed to delete %s %s: %w", obj.GetKind(), obj.GetName(), err)
		}
		return nil
	})
}

// eachObject decodes the multi-document manifest and calls fn for each
// non-empty document.
func (c *Client) eachObject(manifest []byte, fn func(*unstructured.Unstructured) error) error {
	decoder := yaml.NewYAMLOrJSONDecoder(bytes.NewReader(manifest), 4096)
	for i := 0; ; i++ {
		var obj unstructured.Unstructured
		if err := decoder.Decode(&obj); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("failed to decode manifest document %d: %w", i, err)
		}
		if len(obj.Object) == 0 {
			continue
		}
		if err := fn(&obj); err != nil {
			return err
		}
	}
}

// resourceFor maps the object's kind to a resource and checks its scope.
// A kind unknown to the cached discovery data triggers one cache reset,
// which covers CRDs installed after the client was built.
func (c *Client) resourceFor(obj *unstructured.Unstructured, want scope) (dynamic.NamespaceableResourceInterface, error) {
	gvk := obj.GroupVersionKind()
	if gvk.Kind == "" {
		return nil, fmt.Errorf("object %q has no kind set", obj.GetName())
	}

	mapping, err := c.mapper.RESTMapping(gvk.GroupKind(), gvk.Version)
	if meta.IsNoMatchError(err) {
		if r, ok := c.mapper.(meta.ResettableRESTMapper); ok {
			r.Reset()
			mapping, err = c.mapper.RESTMapping(gvk.GroupKind(), gvk.Version)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get REST mapping for %v: %w", gvk, err)
	}

	got := clusterScoped
	if mapping.Scope.Name() == meta.RESTScopeNameNamespace {
		got = namespaced
	}
	if got != want {
		return nil, fmt.Errorf("%s %q is %s, expected %s", gvk.Kind, obj.GetName(), got, want)
	}
	return c.dynamic.Resource(mapping.Resource), nil
}

func (c *Client) apply(ctx context.Context, ri dynamic.ResourceInterface, obj *unstructured.Unstructured) error {
	data, err := obj.MarshalJSON()
	if err != nil {
		return fmt.Errorf("failed to marshal %s %s: %w", obj.GetKind(), obj.GetName(), err)
	}
	force := true
	_, err = ri.Patch(ctx, obj.GetName(), types.ApplyPatchType, data, metav1.PatchOptions{
		FieldManager: FieldManager,
		Force:        &force,
	})
	if err != nil {
		return fmt.Errorf("failed to apply %s %s: %w", obj.GetKind(), obj.GetName(), err)
	}
	c.log.WithField("kind", obj.GetKind()).WithField("name", obj.GetName()).
		WithField("namespace", obj.GetNamespace()).Debug("Applied object")
	return nil
}
