// Package auth provides bearer-token authentication for the Flight data
// plane: an Authenticator contract, ready-made implementations, context
// identity plumbing, and gRPC interceptors that validate tokens before
// handlers run.
package auth

import (
	"context"
	"errors"
)

var (
	// ErrInvalidAuthHeader is returned when the authorization header does
	// not use the Bearer scheme.
	ErrInvalidAuthHeader = errors.New("authorization header must use Bearer scheme")

	// ErrTokenEmpty is returned when a bearer token is missing or empty.
	ErrTokenEmpty = errors.New("bearer token is empty")

	// ErrUnauthenticated is returned when token validation fails.
	ErrUnauthenticated = errors.New("unauthenticated")
)

// Authenticator validates bearer tokens and resolves the caller identity.
// The identity string is what servers log and authorize on.
//
// Implementations MUST be safe for concurrent use.
type Authenticator interface {
	// Authenticate validates a bearer token and returns the caller
	// identity, or an error when the token is invalid or expired. The
	// context bounds calls to auth backends.
	Authenticate(ctx context.Context, token string) (identity string, err error)
}

// noAuthenticator accepts every request as "anonymous".
type noAuthenticator struct{}

// NoAuth returns an Authenticator that allows all requests, resolving every
// caller to "anonymous". For development and tests only.
func NoAuth() Authenticator {
	return noAuthenticator{}
}

func (noAuthenticator) Authenticate(context.Context, string) (string, error) {
	return "anonymous", nil
}

// bearerAuthenticator wraps a user-provided validation function.
type bearerAuthenticator struct {
	validate func(token string) (identity string, err error)
}

// BearerAuth creates an Authenticator from a validation function. This is
// the simplest way to plug in an existing token backend:
//
//	authenticator := auth.BearerAuth(func(token string) (string, error) {
//	    user, err := sessions.Lookup(token)
//	    if err != nil {
//	        return "", auth.ErrUnauthenticated
//	    }
//	    return user.Name, nil
//	})
func BearerAuth(validate func(token string) (identity string, err error)) Authenticator {
	return &bearerAuthenticator{validate: validate}
}

func (b *bearerAuthenticator) Authenticate(_ context.Context, token string) (string, error) {
	return b.validate(token)
}

// staticTokens authenticates against a fixed token-to-identity table.
type staticTokens map[string]string

// StaticTokens returns an Authenticator over a fixed mapping of tokens to
// identities. The map is copied; unknown tokens fail with
// ErrUnauthenticated.
func StaticTokens(tokens map[string]string) Authenticator {
	table := make(staticTokens, len(tokens))
	for token, identity := range tokens {
		table[token] = identity
	}
	return table
}

func (s staticTokens) Authenticate(_ context.Context, token string) (string, error) {
	identity, ok := s[token]
	if !ok {
		return "", ErrUnauthenticated
	}
	return identity, nil
}
