package model

// Member is an account's membership in the community space as reported by the
// platform.
type Member struct {
	AccountID uint64   `json:"account_id"`
	Username  string   `json:"username"`
	Bot       bool     `json:"bot"`
	RoleIDs   []uint64 `json:"role_ids"`
}

// HasRole reports whether the member currently holds roleID.
func (m *Member) HasRole(roleID uint64) bool {
	if m == nil {
		return false
	}
	for _, id := range m.RoleIDs {
		if id == roleID {
			return true
		}
	}
	return false
}
