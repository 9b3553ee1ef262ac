package session

import (
	"errors"
	"fmt"
)

var ErrClosed = errors.New("session: store closed")

type Reason string

const (
	ReasonInvalidCredentials    Reason = "invalid_credentials"
	ReasonEmailNotConfirmed     Reason = "email_not_confirmed"
	ReasonDuplicateRegistration Reason = "duplicate_registration"
	ReasonProviderUnavailable   Reason = "provider_unavailable"
)

// AuthError is shown to the user as is.
type AuthError struct {
	Reason Reason
	Err    error
}

func NewAuthError(reason Reason, err error) *AuthError {
	return &AuthError{Reason: reason, Err: err}
}

func (e *AuthError) Error() string {
	msg := e.Message()
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *AuthError) Unwrap() error { return e.Err }

func (e *AuthError) Message() string {
	switch e.Reason {
	case ReasonInvalidCredentials:
		return "invalid email or password"
	case ReasonEmailNotConfirmed:
		return "email address not confirmed"
	case ReasonDuplicateRegistration:
		return "an account with this email already exists"
	}
	return "authentication service unavailable"
}

// asAuthError keeps a provider's classification and treats anything else as
// the provider being unavailable.
func asAuthError(err error) error {
	if err == nil {
		return nil
	}
	var ae *AuthError
	if errors.As(err, &ae) {
		return ae
	}
	return &AuthError{Reason: ReasonProviderUnavailable, Err: err}
}
