package transport

import (
	"context"
	"errors"
)

// ErrNoToken is returned by an AuthProvider with no credentials.
var ErrNoToken = errors.New("no auth token")

// AuthProvider supplies the bearer token for HTTPS and realtime calls.
type AuthProvider interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a fixed token, e.g. from configuration.
type StaticToken string

// Token implements AuthProvider.
func (s StaticToken) Token(context.Context) (string, error) {
	if s == "" {
		return "", ErrNoToken
	}
	return string(s), nil
}
