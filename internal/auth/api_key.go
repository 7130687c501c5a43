package auth

import "crypto/subtle"

// APIKeyVerifier admits any session presenting the one shared API key.
// Comparison is constant-time; an unset key admits nobody rather than
// everybody.
type APIKeyVerifier struct {
	Expected string
}

func (v APIKeyVerifier) Verify(credential string) error {
	if credential == "" || v.Expected == "" {
		return ErrInvalidCredentials
	}
	if subtle.ConstantTimeCompare([]byte(credential), []byte(v.Expected)) != 1 {
		return ErrInvalidCredentials
	}
	return nil
}
