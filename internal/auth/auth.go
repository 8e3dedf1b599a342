// Package auth binds a connection to an owner identity by verifying opaque
// bearer tokens.  The account service that issues tokens is external to
// Prism; this package only consumes its verification capability.
package auth

import (
	"context"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/prismdns/prism/internal/registry"
)

// Errors returned by token verification.
const (
	// ErrInvalidToken is returned for tokens that the account service does
	// not recognise.
	ErrInvalidToken errors.Error = "invalid token"

	// ErrUnavailable is returned when the account service cannot be reached.
	// Callers must treat it as fail-closed and must not cache it.
	ErrUnavailable errors.Error = "token verifier unavailable"
)

// Result is the outcome of a successful token verification.
type Result struct {
	// Owner is the identity the token belongs to.
	Owner registry.OwnerID

	// Active is false if the token exists but has been suspended or revoked.
	Active bool
}

// Verifier maps opaque tokens to owner identities.  All methods must be safe
// for concurrent use.
type Verifier interface {
	// Verify checks token and returns the identity bound to it.  It returns
	// [ErrInvalidToken] for unknown tokens and [ErrUnavailable] for
	// transient infrastructure failures.
	Verify(ctx context.Context, token string) (res *Result, err error)
}

// Empty is a [Verifier] that rejects every token.
type Empty struct{}

// type check
var _ Verifier = Empty{}

// Verify implements the [Verifier] interface for Empty.
func (Empty) Verify(_ context.Context, _ string) (res *Result, err error) {
	return nil, ErrInvalidToken
}

// Static is a [Verifier] backed by a fixed token table, used for small
// standalone deployments and tests.
type Static struct {
	// owners maps a token to its owner.
	owners map[string]registry.OwnerID
}

// NewStatic returns a static verifier over the given token table.  The map
// must not be modified after the call.
func NewStatic(owners map[string]registry.OwnerID) (v *Static) {
	return &Static{owners: owners}
}

// type check
var _ Verifier = (*Static)(nil)

// Verify implements the [Verifier] interface for *Static.
func (v *Static) Verify(_ context.Context, token string) (res *Result, err error) {
	owner, ok := v.owners[token]
	if !ok {
		return nil, ErrInvalidToken
	}

	return &Result{
		Owner:  owner,
		Active: true,
	}, nil
}
