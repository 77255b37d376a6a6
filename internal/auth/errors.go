package auth

import "errors"

// Sentinel errors for the auth package. The Gateway only validates access tokens minted by the external REST tier; it
// never issues, refreshes, or stores credentials.
var (
	ErrInvalidToken = errors.New("invalid or expired token")
)
