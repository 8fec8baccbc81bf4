package models

// RoleAdmin may read every experiment regardless of owner.
const RoleAdmin = "admin"

// Principal is the authenticated caller handed to us by the session layer.
type Principal struct {
	ID   string `json:"id"`
	Role string `json:"role"`
}

// CanRead reports whether p may read an experiment owned by ownerID.
func (p Principal) CanRead(ownerID string) bool {
	return p.Role == RoleAdmin || (p.ID != "" && p.ID == ownerID)
}
