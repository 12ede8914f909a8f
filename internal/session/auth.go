package session

import (
	"crypto/subtle"
	"strings"

	apierrors "github.com/metorial/telemetry-hub/internal/errors"
)

var (
	ErrAuthenticationFailed = apierrors.New(apierrors.ErrCodeUnauthorized, "invalid or missing api key")
	ErrMissingHostID        = apierrors.New(apierrors.ErrCodeInvalidRequest, "host id is required")
)

// Authenticate checks credential against the configured keys in constant
// time per key.
func (m *Manager) Authenticate(credential string) error {
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return ErrAuthenticationFailed
	}
	ok := 0
	for _, key := range m.opts.APIKeys {
		ok |= subtle.ConstantTimeCompare([]byte(credential), []byte(key))
	}
	if ok != 1 {
		return ErrAuthenticationFailed
	}
	return nil
}
