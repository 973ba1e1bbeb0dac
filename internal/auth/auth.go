// Package auth is the boundary to the credentials collaborator. The
// coordinator only sees the Identity a Verifier returns, never the token.
package auth

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"collabtext/internal/op"
)

// Roles, highest first.
const (
	RoleOwner  = "owner"
	RoleEditor = "editor"
	RoleViewer = "viewer"
)

var (
	// ErrInvalidToken means the token is unknown or malformed.
	ErrInvalidToken = fmt.Errorf("%w: invalid token", op.ErrAuthRejected)
	// ErrTokenExpired means the token was valid once.
	ErrTokenExpired = fmt.Errorf("%w: token expired", op.ErrAuthRejected)
)

// Identity is what a verified token grants.
type Identity struct {
	UserID string   `json:"user_id" yaml:"user_id"`
	Roles  []string `json:"roles" yaml:"roles"`
}

// Role returns the highest role the identity holds, or "" for none.
func (id Identity) Role() string {
	for _, r := range []string{RoleOwner, RoleEditor, RoleViewer} {
		if slices.Contains(id.Roles, r) {
			return r
		}
	}
	return ""
}

// CanEdit reports whether the identity may submit operations.
func (id Identity) CanEdit() bool {
	r := id.Role()
	return r == RoleOwner || r == RoleEditor
}

// Verifier checks a credentials token. Errors wrap op.ErrAuthRejected.
type Verifier interface {
	Verify(ctx context.Context, token string) (Identity, error)
}

// Grant is one token a StaticVerifier accepts.
type Grant struct {
	Token     string    `yaml:"token" validate:"required"`
	UserID    string    `yaml:"user_id" validate:"required"`
	Roles     []string  `yaml:"roles" validate:"dive,oneof=owner editor viewer"`
	ExpiresAt time.Time `yaml:"expires_at"`
}

// StaticVerifier accepts a fixed set of tokens. It stands in for an external
// identity provider in tests and single-node deployments.
type StaticVerifier struct {
	mu     sync.RWMutex
	grants map[string]Grant
	now    func() time.Time
}

var _ Verifier = (*StaticVerifier)(nil)

// NewStaticVerifier returns a verifier for grants. now defaults to time.Now.
func NewStaticVerifier(grants []Grant, now func() time.Time) *StaticVerifier {
	if now == nil {
		now = time.Now
	}
	v := &StaticVerifier{grants: make(map[string]Grant, len(grants)), now: now}
	for _, g := range grants {
		v.grants[g.Token] = g
	}
	return v
}

// Add registers or replaces a grant.
func (v *StaticVerifier) Add(g Grant) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.grants[g.Token] = g
}

func (v *StaticVerifier) Verify(ctx context.Context, token string) (Identity, error) {
	if err := ctx.Err(); err != nil {
		return Identity{}, err
	}
	if token == "" {
		return Identity{}, ErrInvalidToken
	}
	v.mu.RLock()
	g, ok := v.grants[token]
	v.mu.RUnlock()
	if !ok {
		return Identity{}, ErrInvalidToken
	}
	if !g.ExpiresAt.IsZero() && !v.now().Before(g.ExpiresAt) {
		return Identity{}, ErrTokenExpired
	}
	return Identity{UserID: g.UserID, Roles: slices.Clone(g.Roles)}, nil
}

// IsRejected reports whether err is an authentication failure.
func IsRejected(err error) bool {
	return errors.Is(err, op.ErrAuthRejected)
}
