// Package roles defines the fixed set of roles the payment-order application
// authorizes against and their privilege ordering.
package roles

import "strings"

// Role is a user's authorization role as stored in the cache, the IdP and the
// system-of-record database.
type Role string

const (
	// None is the zero value and means "no role known".
	None     Role = ""
	Viewer   Role = "viewer"
	Merchant Role = "merchant"
	Admin    Role = "admin"
)

// ordered lists roles from least to most privileged.
var ordered = []Role{Viewer, Merchant, Admin}

// All returns the known roles ordered from least to most privileged.
func All() []Role {
	out := make([]Role, len(ordered))
	copy(out, ordered)
	return out
}

// Parse normalizes s and reports whether it names a known role.
func Parse(s string) (Role, bool) {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	return r, r.Valid()
}

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	return r.Rank() > 0
}

// Rank returns the privilege rank of r (1 = least privileged), or 0 for an
// unknown role.
func (r Role) Rank() int {
	for i, known := range ordered {
		if r == known {
			return i + 1
		}
	}
	return 0
}

// Highest returns the highest-privilege role.
func Highest() Role {
	return ordered[len(ordered)-1]
}

func (r Role) String() string {
	return string(r)
}
