package identity

import (
	"fmt"
	"strings"
)

// Role is the application-level role of a profile.
type Role string

const (
	RoleClient            Role = "client"
	RoleInstructor        Role = "instructor"
	RolePendingInstructor Role = "pending_instructor"
	RoleAdmin             Role = "admin"
)

// Valid reports whether the role is one of the known roles.
func (role Role) Valid() bool {
	switch role {
	case RoleClient, RoleInstructor, RolePendingInstructor, RoleAdmin:
		return true
	default:
		return false
	}
}

// ParseRole converts free text into a Role.
func ParseRole(value string) (Role, error) {
	role := Role(strings.ToLower(strings.TrimSpace(value)))
	if !role.Valid() {
		return "", fmt.Errorf("identity.parse_role: %w: %q", ErrUnknownRole, value)
	}
	return role, nil
}

// Profile is the application user record keyed by the session's user id.
type Profile struct {
	ID       string `json:"id"`
	FullName string `json:"full_name"`
	Role     Role   `json:"role"`
}

// ProfileUpdate carries the mutable profile columns; nil fields are left untouched.
type ProfileUpdate struct {
	FullName *string `json:"full_name,omitempty"`
	Role     *Role   `json:"role,omitempty"`
}

// Empty reports whether the update changes nothing.
func (update ProfileUpdate) Empty() bool {
	return update.FullName == nil && update.Role == nil
}
