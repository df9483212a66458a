package registration

import "errors"

var (
	ErrNonceSourceUnavailable = errors.New("registration: nonce source unavailable")
	ErrSigningFailure         = errors.New("registration: signing failed")

	// Verification outcomes, reported in this precedence order.
	ErrInvalidSignature = errors.New("registration: invalid signature")
	ErrRequestExpired   = errors.New("registration: request expired")
	ErrNonceReplay      = errors.New("registration: nonce replay")
)
