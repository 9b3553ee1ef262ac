package session

import (
	"context"
	"time"

	"promptgate/internal/models"
)

type Session struct {
	Identity     models.Identity `json:"identity"`
	Email        string          `json:"email"`
	AccessToken  string          `json:"access_token"`
	RefreshToken string          `json:"refresh_token,omitempty"`
	ExpiresAt    time.Time       `json:"expires_at"`
}

func (s *Session) Expired(now time.Time) bool {
	return s == nil || (!s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt))
}

type EventKind string

const (
	EventInitialSession EventKind = "initial_session"
	EventSignedIn       EventKind = "signed_in"
	EventTokenRefreshed EventKind = "token_refreshed"
	EventSignedOut      EventKind = "signed_out"
)

type AuthEvent struct {
	Kind    EventKind
	Session *Session
}

type SignUpOptions struct {
	// RedirectTo is where the confirmation link lands.
	RedirectTo string
}

type OAuthOptions struct {
	RedirectTo string
}

// AuthProvider is the hosted authentication service.
type AuthProvider interface {
	GetCurrentSession(ctx context.Context) (*Session, error)
	// SignUp returns a nil session when the address must be confirmed first.
	SignUp(ctx context.Context, email, secret string, opts SignUpOptions) (*Session, error)
	SignInWithPassword(ctx context.Context, email, secret string) (*Session, error)
	// SignInWithOAuth returns the provider URL the user must visit.
	SignInWithOAuth(ctx context.Context, provider string, opts OAuthOptions) (string, error)
	SignOut(ctx context.Context) error
	// Subscribe delivers change events until the returned function is called.
	Subscribe(fn func(AuthEvent)) (unsubscribe func())
}
