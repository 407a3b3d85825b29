package auth

import (
	"fmt"
	"net/http"

	"golang.org/x/crypto/bcrypt"
)

type User struct {
	Username     string `mapstructure:"username" validate:"required"`
	PasswordHash string `mapstructure:"password_hash" validate:"required"`
	Admin        bool   `mapstructure:"admin"`
}

// Basic checks HTTP basic credentials against bcrypt hashes.
type Basic struct {
	users map[string]User
}

func NewBasic(users []User) *Basic {
	b := &Basic{users: make(map[string]User, len(users))}
	for _, u := range users {
		b.users[u.Username] = u
	}
	return b
}

func (b *Basic) Authenticate(r *http.Request) (Identity, error) {
	name, password, ok := r.BasicAuth()
	if !ok {
		return Identity{}, ErrUnauthenticated
	}
	u, found := b.users[name]
	if !found {
		return Identity{}, fmt.Errorf("%w: invalid credentials", ErrUnauthenticated)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		return Identity{}, fmt.Errorf("%w: invalid credentials", ErrUnauthenticated)
	}
	return Identity{UserID: u.Username, Admin: u.Admin}, nil
}

func HashPassword(password string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hashing password: %w", err)
	}
	return string(h), nil
}
