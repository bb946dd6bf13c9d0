// Package middleware provides authentication, request logging and
// rate limiting for the promoz HTTP and gRPC transports. API keys are
// presented as "Bearer <id>.<secret>" and verified against bcrypt hashes.
package middleware

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

const apiKeyHashCost = bcrypt.DefaultCost

var errInvalidTokenFormat = errors.New("invalid token format")

// HashAPIKey returns a salted bcrypt hash for an API key secret.
func HashAPIKey(secret string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), apiKeyHashCost)
	if err != nil {
		return "", fmt.Errorf("hash api key: %w", err)
	}
	return string(hash), nil
}

// APIKeyMatchesHash compares an API key secret against a stored bcrypt hash.
func APIKeyMatchesHash(expectedHash, secret string) bool {
	return bcrypt.CompareHashAndPassword([]byte(expectedHash), []byte(secret)) == nil
}

// FormatAPIKeyToken joins a key ID and its secret into a bearer token.
func FormatAPIKeyToken(id, secret string) string {
	return id + "." + secret
}

// APIKeyLookup returns the stored hash of a non-revoked key.
type APIKeyLookup interface {
	ValidateAPIKey(ctx context.Context, id string) (string, error)
}

// APIKeyValidator is a [TokenValidator] for "<id>.<secret>" tokens. The
// principal it returns is the key ID.
type APIKeyValidator struct {
	lookup APIKeyLookup
}

func NewAPIKeyValidator(lookup APIKeyLookup) *APIKeyValidator {
	return &APIKeyValidator{lookup: lookup}
}

func (v *APIKeyValidator) ValidateToken(ctx context.Context, token string) (string, error) {
	if v == nil || v.lookup == nil {
		return "", errors.New("api key validator is nil")
	}

	keyID, secret, found := strings.Cut(token, ".")
	if !found || strings.TrimSpace(keyID) == "" || secret == "" {
		return "", errInvalidTokenFormat
	}

	keyHash, err := v.lookup.ValidateAPIKey(ctx, keyID)
	if err != nil {
		return "", fmt.Errorf("lookup key hash: %w", err)
	}
	if !APIKeyMatchesHash(keyHash, secret) {
		return "", errors.New("invalid token")
	}

	return keyID, nil
}
