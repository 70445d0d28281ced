// Package identity manages the registered users and their roles.
//
// Identity here is actor bookkeeping, not authentication: users name who
// acted, roles decide what the server surfaces to whom, and every role
// change is ledger-recorded. Credentials are out of scope.
package identity

import (
	"fmt"
	"time"
)

// Role is a user's access level.
type Role string

const (
	RoleAdmin      Role = "admin"      // Full control including rule and role management.
	RoleFiscal     Role = "fiscal"     // Inspector: evaluates lots, changes statuses.
	RoleEmpresa    Role = "empresa"    // Company: registers lots and custody events.
	RoleObservador Role = "observador" // Read-only public observer.
)

// ValidRole reports whether r is one of the known roles.
func ValidRole(r Role) bool {
	switch r {
	case RoleAdmin, RoleFiscal, RoleEmpresa, RoleObservador:
		return true
	}
	return false
}

// User is a registered actor.
type User struct {
	ID        string    `yaml:"-" json:"id"`
	Email     string    `yaml:"email" json:"email"`
	Name      string    `yaml:"name" json:"name"`
	Role      Role      `yaml:"role" json:"role"`
	CreatedAt time.Time `yaml:"created_at" json:"created_at"`
}

func (u User) String() string {
	return fmt.Sprintf("%s <%s> (%s)", u.Name, u.Email, u.Role)
}

// DefaultUsers returns the demo accounts seeded on first run, one per
// role.
func DefaultUsers() []User {
	return []User{
		{ID: "admin", Email: "admin@demo.com", Name: "Admin Sistema", Role: RoleAdmin},
		{ID: "fiscal", Email: "fiscal@demo.com", Name: "Fiscal Ambiental", Role: RoleFiscal},
		{ID: "empresa", Email: "empresa@demo.com", Name: "Empresa Madeireira", Role: RoleEmpresa},
		{ID: "observador", Email: "observador@demo.com", Name: "Observador Público", Role: RoleObservador},
	}
}
