package auth

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// contextKey is a private type for context keys to avoid collisions.
type contextKey int

const identityKey contextKey = iota

const (
	authorizationHeader = "authorization"
	bearerPrefix        = "Bearer "
)

// WithIdentity returns a new context carrying the authenticated caller
// identity. The interceptors call it after successful validation.
func WithIdentity(ctx context.Context, identity string) context.Context {
	return context.WithValue(ctx, identityKey, identity)
}

// IdentityFromContext retrieves the authenticated caller identity, empty
// when the request was not authenticated.
func IdentityFromContext(ctx context.Context) string {
	identity, ok := ctx.Value(identityKey).(string)
	if !ok {
		return ""
	}
	return identity
}

// WithBearerToken attaches token as outgoing authorization metadata. Clients
// call it on every RPC context when talking to a server running the auth
// interceptors.
func WithBearerToken(ctx context.Context, token string) context.Context {
	return metadata.AppendToOutgoingContext(ctx, authorizationHeader, bearerPrefix+token)
}

// ExtractToken reads the bearer token from incoming gRPC metadata. A missing
// header yields an empty token and no error; a header with the wrong scheme
// or an empty token is rejected with an Unauthenticated status.
func ExtractToken(ctx context.Context) (string, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return "", nil
	}
	headers := md.Get(authorizationHeader)
	if len(headers) == 0 {
		return "", nil
	}

	header := headers[0]
	if !strings.HasPrefix(header, bearerPrefix) {
		return "", status.Error(codes.Unauthenticated, ErrInvalidAuthHeader.Error())
	}
	token := strings.TrimPrefix(header, bearerPrefix)
	if token == "" {
		return "", status.Error(codes.Unauthenticated, ErrTokenEmpty.Error())
	}
	return token, nil
}

// ValidateToken runs token through the authenticator and returns a context
// carrying the resolved identity. Failures come back as Unauthenticated
// status errors, ready to return from an interceptor.
func ValidateToken(ctx context.Context, token string, authenticator Authenticator) (context.Context, error) {
	if token == "" {
		return ctx, status.Error(codes.Unauthenticated, "missing bearer token")
	}
	identity, err := authenticator.Authenticate(ctx, token)
	if err != nil {
		return ctx, status.Error(codes.Unauthenticated, fmt.Sprintf("invalid token: %v", err))
	}
	return WithIdentity(ctx, identity), nil
}
