// Package identity talks to the external identity service. The item service
// never validates credentials itself: every token is handed to the identity
// authority, which answers with the caller's subject id and role.
package identity

import (
	"context"
	"errors"

	"github.com/erazemk/najdeno/internal/model"
)

// Verification failures. ErrInvalidToken means the authority explicitly
// rejected the token; ErrUnavailable means no usable answer was obtained.
var (
	ErrInvalidToken = errors.New("identity: invalid token")
	ErrUnavailable  = errors.New("identity: authority unavailable")
)

// Claim is the verified identity of a caller. It lives for one request.
type Claim struct {
	Subject string     `json:"id"`
	Role    model.Role `json:"role"`
	Name    string     `json:"name,omitempty"`
	Email   string     `json:"email,omitempty"`
}

// IsAdmin reports whether the claim carries the admin role.
func (c Claim) IsAdmin() bool {
	return c.Role.IsAdmin()
}

// Verifier resolves an opaque token into a Claim.
type Verifier interface {
	Verify(ctx context.Context, token string) (Claim, error)
}

// VerifierFunc adapts a function into a Verifier.
type VerifierFunc func(ctx context.Context, token string) (Claim, error)

// Verify satisfies the Verifier interface.
func (f VerifierFunc) Verify(ctx context.Context, token string) (Claim, error) {
	return f(ctx, token)
}

// Directory looks up the public profiles of reporters by subject id.
type Directory interface {
	Lookup(ctx context.Context, ids []string) (map[string]model.Reporter, error)
}

type contextKey int

const tokenKey contextKey = iota

// ContextWithToken returns a context carrying the caller's raw token so that
// follow-up calls to the identity service can act on the caller's behalf.
func ContextWithToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, tokenKey, token)
}

// TokenFromContext returns the token stored by ContextWithToken, if any.
func TokenFromContext(ctx context.Context) string {
	token, _ := ctx.Value(tokenKey).(string)
	return token
}
