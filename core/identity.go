package core

import "context"

// Role decides what a connection may do: couriers publish locations,
// customers and admins observe.
type Role string

const (
	RoleCustomer Role = "customer"
	RoleCourier  Role = "courier"
	RoleAdmin    Role = "admin"
)

func (r Role) Valid() bool {
	switch r {
	case RoleCustomer, RoleCourier, RoleAdmin:
		return true
	}
	return false
}

// Identity is the stable user handle a credential resolves to.
type Identity struct {
	UserID string `json:"userId"`
	Name   string `json:"name"`
	Role   Role   `json:"role"`
}

// Authenticator resolves a bearer credential to an Identity.
// It returns ErrUnauthenticated when the credential is missing or invalid.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (Identity, error)
}
