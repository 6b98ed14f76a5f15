package model

import "slices"

// Role is the coarse authorization role of a caller.
type Role string

const (
	RolePlatformAdmin Role = "platform_admin"
	RoleOrgAdmin      Role = "org_admin"
	RoleTrainingUser  Role = "training_user"
	RoleInferenceUser Role = "inference_user"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RolePlatformAdmin, RoleOrgAdmin, RoleTrainingUser, RoleInferenceUser:
		return true
	}
	return false
}

// Caller identifies who issued an operation and which pools they may use.
type Caller struct {
	ID      string
	Role    Role
	PoolIDs []string
}

// IsPlatformAdmin reports whether the caller may manage clusters.
func (c Caller) IsPlatformAdmin() bool {
	return c.Role == RolePlatformAdmin
}

// CanManagePools reports whether the caller may create, resize or delete pools.
func (c Caller) CanManagePools() bool {
	return c.Role == RolePlatformAdmin || c.Role == RoleOrgAdmin
}

// CanAccessPool reports whether the caller may act inside the given pool.
// Platform admins reach every pool.
func (c Caller) CanAccessPool(poolID string) bool {
	if c.IsPlatformAdmin() {
		return true
	}
	return slices.Contains(c.PoolIDs, poolID)
}
