package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestTokenRoundTrip(t *testing.T) {
	m := NewTokenManager("secret")
	tok, err := m.Issue(Identity{UserID: "alice", Admin: true}, time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	id, err := m.Authenticate(req)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if id.UserID != "alice" || !id.Admin {
		t.Fatalf("identity = %+v", id)
	}
}

func TestTokenRejected(t *testing.T) {
	m := NewTokenManager("secret")
	other, _ := NewTokenManager("other").Issue(Identity{UserID: "alice"}, time.Hour)
	expired, _ := m.Issue(Identity{UserID: "alice"}, time.Nanosecond)
	time.Sleep(1100 * time.Millisecond)

	for name, tok := range map[string]string{"wrong key": other, "expired": expired, "garbage": "abc.def.ghi"} {
		t.Run(name, func(t *testing.T) {
			_, err := m.Verify(tok)
			if !errors.Is(err, ErrUnauthenticated) {
				t.Fatalf("err = %v", err)
			}
		})
	}
}

func TestBasic(t *testing.T) {
	hash, err := HashPassword("hunter2")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	b := NewBasic([]User{{Username: "bob", PasswordHash: hash}})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.SetBasicAuth("bob", "hunter2")
	if id, err := b.Authenticate(req); err != nil || id.UserID != "bob" || id.Admin {
		t.Fatalf("id = %+v, err = %v", id, err)
	}

	req.SetBasicAuth("bob", "wrong")
	if _, err := b.Authenticate(req); !errors.Is(err, ErrUnauthenticated) || err == ErrUnauthenticated {
		t.Fatalf("bad password: %v", err)
	}
}

func TestChain(t *testing.T) {
	m := NewTokenManager("secret")
	hash, _ := HashPassword("pw")
	chain := Chain{m, NewBasic([]User{{Username: "root", PasswordHash: hash, Admin: true}})}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if _, err := chain.Authenticate(req); err != ErrUnauthenticated {
		t.Fatalf("no credentials: %v", err)
	}

	req.SetBasicAuth("root", "pw")
	if id, err := chain.Authenticate(req); err != nil || !id.Admin {
		t.Fatalf("basic through chain: %+v %v", id, err)
	}

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer nope")
	if _, err := chain.Authenticate(req); err == nil || err == ErrUnauthenticated {
		t.Fatalf("invalid bearer must not fall through: %v", err)
	}
}
