package auth

import (
	"fmt"
	"strings"
)

// Role is the single role a principal holds for the lifetime of a token.
type Role string

const (
	RoleClient  Role = "CLIENT"
	RoleSupport Role = "SUPPORT"
	RoleAdmin   Role = "ADMIN"
)

// ParseRole accepts the role names used by the auth services, case-insensitively.
func ParseRole(raw string) (Role, error) {
	switch Role(strings.ToUpper(strings.TrimSpace(raw))) {
	case RoleClient:
		return RoleClient, nil
	case RoleSupport:
		return RoleSupport, nil
	case RoleAdmin:
		return RoleAdmin, nil
	}
	return "", fmt.Errorf("%w: unknown role %q", ErrInvalidToken, raw)
}

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleClient, RoleSupport, RoleAdmin:
		return true
	}
	return false
}

// CanChat reports whether the role may take part in ticket conversations.
func (r Role) CanChat() bool {
	return r == RoleClient || r == RoleSupport
}

func (r Role) String() string { return string(r) }
