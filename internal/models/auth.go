package models

type Role string

const (
	RoleParent Role = "parent"
	RoleAdmin  Role = "admin"
	// RoleSystem is used by background processes such as the reaper.
	RoleSystem Role = "system"
)

// Actor is the authenticated caller of an operation.
type Actor struct {
	ID       string `json:"id"`
	TenantID string `json:"tenant_id"`
	Role     Role   `json:"role"`
}

func (a Actor) IsAdmin() bool {
	return a.Role == RoleAdmin || a.Role == RoleSystem
}

// SystemActor is used for provider callbacks and background sweeps.
var SystemActor = Actor{ID: "system", Role: RoleSystem}
