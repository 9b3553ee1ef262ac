package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"promptgate/internal/models"
	"promptgate/internal/session"
)

type userPayload struct {
	ID    models.Identity `json:"id"`
	Email string          `json:"email"`
}

type sessionPayload struct {
	AccessToken string      `json:"access_token"`
	ExpiresAt   time.Time   `json:"expires_at"`
	User        userPayload `json:"user"`
}

func (p sessionPayload) session() *session.Session {
	return &session.Session{
		Identity:    p.User.ID,
		Email:       p.User.Email,
		AccessToken: p.AccessToken,
		ExpiresAt:   p.ExpiresAt,
	}
}

// authError classifies an API failure for the session store.
func authError(err error) error {
	if err == nil {
		return nil
	}
	_, reason := reasonOf(err)
	switch reason {
	case "invalid_credentials":
		return session.NewAuthError(session.ReasonInvalidCredentials, err)
	case "email_not_confirmed":
		return session.NewAuthError(session.ReasonEmailNotConfirmed, err)
	case "duplicate_registration":
		return session.NewAuthError(session.ReasonDuplicateRegistration, err)
	}
	return session.NewAuthError(session.ReasonProviderUnavailable, err)
}

func (c *Client) Subscribe(fn func(session.AuthEvent)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextListener
	c.nextListener++
	c.listeners[id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.listeners, id)
	}
}

func (c *Client) emit(kind session.EventKind, sess *session.Session) {
	c.mu.Lock()
	fns := make([]func(session.AuthEvent), 0, len(c.listeners))
	for _, fn := range c.listeners {
		fns = append(fns, fn)
	}
	c.mu.Unlock()
	for _, fn := range fns {
		fn(session.AuthEvent{Kind: kind, Session: sess})
	}
}

// GetCurrentSession returns the stored session after checking it with the
// server. A rejected or expired token is discarded.
func (c *Client) GetCurrentSession(ctx context.Context) (*session.Session, error) {
	sess, err := c.tokens.Load()
	if err != nil {
		c.logger.Warn().Err(err).Msg("Stored session unreadable, discarding")
		c.discard("unreadable")
		return nil, nil
	}
	if sess == nil {
		return nil, nil
	}
	if sess.Expired(c.now()) {
		c.discard("expired")
		return nil, nil
	}

	var payload sessionPayload
	if err := c.do(ctx, http.MethodGet, "/api/auth/session", nil, &payload); err != nil {
		if status, _ := reasonOf(err); status == http.StatusUnauthorized || status == http.StatusForbidden {
			c.discard("rejected")
			return nil, nil
		}
		return nil, err
	}
	sess.Identity = payload.User.ID
	sess.Email = payload.User.Email
	return sess, nil
}

// discard clears the stored session. A failure is logged since the stale
// token stays on disk.
func (c *Client) discard(reason string) {
	if err := c.tokens.Clear(); err != nil {
		c.logger.Warn().Err(err).Str("reason", reason).Msg("Could not clear stored session")
	}
}

func (c *Client) store(kind session.EventKind, sess *session.Session) (*session.Session, error) {
	if err := c.tokens.Save(sess); err != nil {
		return nil, fmt.Errorf("save session: %w", err)
	}
	c.emit(kind, sess)
	return sess, nil
}

func (c *Client) SignUp(ctx context.Context, email, secret string, opts session.SignUpOptions) (*session.Session, error) {
	var resp struct {
		ConfirmationRequired bool            `json:"confirmation_required"`
		Session              *sessionPayload `json:"session"`
	}
	body := map[string]string{"email": email, "password": secret}
	if opts.RedirectTo != "" {
		body["redirect_to"] = opts.RedirectTo
	}
	if err := c.do(ctx, http.MethodPost, "/api/auth/signup", body, &resp); err != nil {
		return nil, authError(err)
	}
	if resp.ConfirmationRequired || resp.Session == nil {
		return nil, nil
	}
	return c.store(session.EventSignedIn, resp.Session.session())
}

func (c *Client) SignInWithPassword(ctx context.Context, email, secret string) (*session.Session, error) {
	var resp sessionPayload
	body := map[string]string{"email": email, "password": secret}
	if err := c.do(ctx, http.MethodPost, "/api/auth/login", body, &resp); err != nil {
		return nil, authError(err)
	}
	return c.store(session.EventSignedIn, resp.session())
}

// SignInWithOAuth builds the provider start URL. The session is delivered
// later through CompleteRedirect.
func (c *Client) SignInWithOAuth(_ context.Context, provider string, opts session.OAuthOptions) (string, error) {
	if provider == "" {
		return "", session.NewAuthError(session.ReasonProviderUnavailable, errors.New("provider is required"))
	}
	u := c.baseURL + "/api/auth/oauth/" + url.PathEscape(provider)
	if opts.RedirectTo != "" {
		u += "?" + url.Values{"redirect_to": {opts.RedirectTo}}.Encode()
	}
	return u, nil
}

// SignOut always clears the stored session, even when the server call fails.
func (c *Client) SignOut(ctx context.Context) error {
	var err error
	if c.accessToken() != "" {
		err = c.do(ctx, http.MethodPost, "/api/auth/logout", nil, nil)
	}
	if clearErr := c.tokens.Clear(); clearErr != nil && err == nil {
		err = clearErr
	}
	c.emit(session.EventSignedOut, nil)
	if err != nil {
		return authError(err)
	}
	return nil
}

// Refresh exchanges the current token for a new one.
func (c *Client) Refresh(ctx context.Context) (*session.Session, error) {
	var resp sessionPayload
	if err := c.do(ctx, http.MethodPost, "/api/auth/refresh", nil, &resp); err != nil {
		return nil, authError(err)
	}
	return c.store(session.EventTokenRefreshed, resp.session())
}

// CompleteRedirect accepts the landing URL of an email confirmation or OAuth
// sign-in and adopts the session carried in its fragment.
func (c *Client) CompleteRedirect(ctx context.Context, landing *url.URL) (*session.Session, error) {
	values, err := url.ParseQuery(landing.Fragment)
	if err != nil {
		return nil, fmt.Errorf("parse redirect: %w", err)
	}
	if code := landing.Query().Get("error"); code != "" {
		return nil, session.NewAuthError(session.ReasonProviderUnavailable, errors.New(code))
	}
	token := values.Get("access_token")
	if token == "" {
		return nil, session.NewAuthError(session.ReasonProviderUnavailable, errors.New("redirect carries no session"))
	}
	sess := &session.Session{AccessToken: token}
	if sec, err := strconv.ParseInt(values.Get("expires_at"), 10, 64); err == nil {
		sess.ExpiresAt = time.Unix(sec, 0).UTC()
	}
	if err := c.tokens.Save(sess); err != nil {
		return nil, fmt.Errorf("save session: %w", err)
	}

	var payload sessionPayload
	if err := c.do(ctx, http.MethodGet, "/api/auth/session", nil, &payload); err != nil {
		c.discard("redirect_rejected")
		return nil, authError(err)
	}
	sess.Identity = payload.User.ID
	sess.Email = payload.User.Email
	return c.store(session.EventSignedIn, sess)
}
