// Package fleeterr defines the error taxonomy returned by fleet operations.
//
// Classification errors wrap the containerd errdefs sentinels so callers can
// test them with errdefs.IsNotFound and friends. Failures that carry context
// about where they happened are typed structs.
package fleeterr

import (
	"errors"
	"fmt"

	"github.com/containerd/errdefs"
)

// NotFound reports a missing ledger entity.
func NotFound(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), errdefs.ErrNotFound)
}

// Forbidden reports a caller lacking the role or pool access for an operation.
func Forbidden(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), errdefs.ErrPermissionDenied)
}

// Invalid reports malformed input or a credential that failed validation.
func Invalid(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), errdefs.ErrInvalidArgument)
}

// Conflict reports a uniqueness violation in the ledger.
func Conflict(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), errdefs.ErrConflict)
}

// RenderError is returned when a manifest template cannot be produced.
type RenderError struct {
	Template string
	Err      error
}

func (e *RenderError) Error() string {
	return fmt.Sprintf("failed to render manifest %q: %v", e.Template, e.Err)
}

func (e *RenderError) Unwrap() error { return e.Err }

// ClusterOperationError is returned when a call against a cluster API fails.
type ClusterOperationError struct {
	ClusterID string
	Op        string
	Err       error
}

func (e *ClusterOperationError) Error() string {
	return fmt.Sprintf("cluster %s: failed to %s: %v", e.ClusterID, e.Op, e.Err)
}

func (e *ClusterOperationError) Unwrap() error { return e.Err }

// ClusterOp wraps err as a ClusterOperationError, or returns nil.
func ClusterOp(clusterID, op string, err error) error {
	if err == nil {
		return nil
	}
	return &ClusterOperationError{ClusterID: clusterID, Op: op, Err: err}
}

// IsRenderError reports whether err is or wraps a RenderError.
func IsRenderError(err error) bool {
	var re *RenderError
	return errors.As(err, &re)
}

// IsClusterOperation reports whether err is or wraps a ClusterOperationError.
func IsClusterOperation(err error) bool {
	var ce *ClusterOperationError
	return errors.As(err, &ce)
}
