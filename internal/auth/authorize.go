package auth

import "strconv"

// Principal is an authenticated user as decoded from a bearer token.
type Principal struct {
	ID   int64
	Role Role
}

// Is reports whether p is the given user acting in the given role.
func (p Principal) Is(id int64, role Role) bool {
	return p.ID == id && p.Role == role
}

func (p Principal) String() string {
	return string(p.Role) + ":" + strconv.FormatInt(p.ID, 10)
}
