package auth

import (
	"crypto/subtle"
	"errors"
	"os"
)

var (
	ErrMissingServiceToken = errors.New("service token not provided")
	ErrInvalidServiceToken = errors.New("invalid service token")
)

// ValidateServiceToken checks a shared-secret service token. Comparison is
// constant-time so response timing does not leak prefix matches.
func ValidateServiceToken(token, expectedToken string) error {
	if token == "" {
		return ErrMissingServiceToken
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(expectedToken)) != 1 {
		return ErrInvalidServiceToken
	}
	return nil
}

// GetServiceToken returns the shared secret trusted for internal callers,
// or empty when service auth is disabled.
func GetServiceToken() string {
	return os.Getenv("SERVICE_TOKEN")
}
