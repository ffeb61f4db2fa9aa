// Package auth validates bearer tokens for the HTTP API.
//
// It makes no policy decisions and stores nothing.
package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

var ErrUnauthorized = errors.New("auth: unauthorized")

// Validator validates an authentication token.
type Validator interface {
	Validate(token string) error
}

// HashedToken accepts the token whose bcrypt hash it holds.
type HashedToken struct {
	hash []byte
}

// NewHashedToken parses a bcrypt hash as written to the config file.
func NewHashedToken(hash string) (HashedToken, error) {
	h := []byte(strings.TrimSpace(hash))
	if _, err := bcrypt.Cost(h); err != nil {
		return HashedToken{}, fmt.Errorf("auth: token_hash is not a bcrypt hash: %w", err)
	}
	return HashedToken{hash: h}, nil
}

func (h HashedToken) Validate(token string) error {
	if len(h.hash) == 0 || token == "" {
		return ErrUnauthorized
	}
	if err := bcrypt.CompareHashAndPassword(h.hash, []byte(token)); err != nil {
		return ErrUnauthorized
	}
	return nil
}

// HashToken returns the bcrypt hash to store for token.
func HashToken(token string) (string, error) {
	if len(token) < 16 {
		return "", fmt.Errorf("auth: token must be at least 16 characters")
	}
	h, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("auth: hash token: %w", err)
	}
	return string(h), nil
}

// StaticToken is a simple validator for a single shared token.
// It is intended only for development and tests.
type StaticToken struct {
	Token string
}

func (s StaticToken) Validate(token string) error {
	if s.Token == "" {
		return ErrUnauthorized
	}
	if subtle.ConstantTimeCompare([]byte(s.Token), []byte(token)) != 1 {
		return ErrUnauthorized
	}
	return nil
}

// FuncValidator adapts a function into a Validator.
type FuncValidator func(token string) error

func (f FuncValidator) Validate(token string) error {
	return f(token)
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
