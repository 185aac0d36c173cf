package auth

import (
	"context"
	"fmt"
	"strings"

	"github.com/vovakirdan/wirerelay/internal/core"
)

// Resolver turns handshake credentials into a user ID.
// Implementations fail closed: any error means the connection is rejected.
type Resolver interface {
	Resolve(ctx context.Context, credential string) (userID string, err error)
}

// JWTResolver resolves identities from HS256 bearer tokens.
type JWTResolver struct {
	cfg *JWTConfig
}

// NewJWTResolver creates a resolver backed by cfg.
func NewJWTResolver(cfg *JWTConfig) *JWTResolver {
	return &JWTResolver{cfg: cfg}
}

// Resolve validates the token and returns its subject.
func (r *JWTResolver) Resolve(_ context.Context, credential string) (string, error) {
	token := strings.TrimSpace(strings.TrimPrefix(credential, "Bearer "))
	if token == "" {
		return "", fmt.Errorf("empty credential: %w", core.ErrUnauthorized)
	}
	claims, err := ValidateToken(r.cfg, token)
	if err != nil {
		return "", fmt.Errorf("%w: %v", core.ErrUnauthorized, err)
	}
	return claims.Identity(), nil
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(ctx context.Context, credential string) (string, error)

// Resolve calls f.
func (f ResolverFunc) Resolve(ctx context.Context, credential string) (string, error) {
	return f(ctx, credential)
}
