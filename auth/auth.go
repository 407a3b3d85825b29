// Package auth resolves the caller of a request to an Identity. The HTTP
// layer trusts whatever identity an Authenticator returns.
package auth

import (
	"errors"
	"net/http"
)

var (
	ErrUnauthenticated = errors.New("authentication required")
	ErrForbidden       = errors.New("admin access required")
)

type Identity struct {
	UserID string
	Admin  bool
}

type Authenticator interface {
	// Authenticate returns ErrUnauthenticated when r carries no credentials
	// this authenticator understands, and a wrapped ErrUnauthenticated when
	// they are present but invalid.
	Authenticate(r *http.Request) (Identity, error)
}

// Chain tries each authenticator in turn and returns the first identity.
type Chain []Authenticator

func (c Chain) Authenticate(r *http.Request) (Identity, error) {
	for _, a := range c {
		id, err := a.Authenticate(r)
		if err == nil {
			return id, nil
		}
		// only the bare sentinel means "no credentials for me"
		if err != ErrUnauthenticated {
			return Identity{}, err
		}
	}
	return Identity{}, ErrUnauthenticated
}
