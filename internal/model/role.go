package model

import "fmt"

// Role is the role an identity holds. The set is closed: anything the
// identity service sends that is not listed here is rejected by ParseRole.
type Role string

// Roles.
const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// ParseRole converts a raw role string into a Role.
func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RoleUser:
		return RoleUser, nil
	case RoleAdmin:
		return RoleAdmin, nil
	default:
		return "", fmt.Errorf("unknown role %q", s)
	}
}

// IsAdmin reports whether the role grants moderation rights.
func (r Role) IsAdmin() bool {
	return r == RoleAdmin
}
