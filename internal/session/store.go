// Package session tracks the signed-in identity and its credential lifecycle.
package session

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"promptgate/internal/address"
	"promptgate/internal/models"
)

// AuthArtifacts are one-time parameters stripped from the address after a
// sign-in.
var AuthArtifacts = []string{
	"access_token",
	"refresh_token",
	"expires_in",
	"expires_at",
	"token_type",
	"type",
	"token",
	"code",
	"state",
	"is_new_user",
	"provider_token",
}

// Listener receives identity transitions; "" means signed out.
type Listener func(models.Identity)

type Option func(*Store)

func WithLogger(l zerolog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithLocation enables artifact stripping on sign-in.
func WithLocation(loc address.Location) Option {
	return func(s *Store) { s.loc = loc }
}

// WithRedirect sets the confirmation and OAuth landing URL.
func WithRedirect(url string) Option {
	return func(s *Store) { s.redirectTo = url }
}

type Store struct {
	provider   AuthProvider
	loc        address.Location
	logger     zerolog.Logger
	redirectTo string

	notifyMu sync.Mutex

	mu           sync.Mutex
	session      *Session
	pending      int
	seq          uint64
	started      bool
	closed       bool
	unsubscribe  func()
	listeners    map[int]Listener
	nextListener int
}

func New(provider AuthProvider, opts ...Option) *Store {
	s := &Store{
		provider:  provider,
		logger:    log.Logger,
		listeners: map[int]Listener{},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With().Str("component", "session").Logger()
	return s
}

// Start subscribes to provider events and then checks once for an existing
// session. An event applied while the check is in flight takes precedence
// over the check's result.
func (s *Store) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.pending++
	s.mu.Unlock()
	defer s.done()

	unsubscribe := s.provider.Subscribe(s.handleEvent)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		unsubscribe()
		return ErrClosed
	}
	s.unsubscribe = unsubscribe
	startSeq := s.seq
	s.mu.Unlock()

	sess, err := s.provider.GetCurrentSession(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Session restore failed")
		return asAuthError(err)
	}
	s.apply(EventInitialSession, sess, &startSeq)
	return nil
}

// Close unsubscribes. No listener runs and no state changes after Close
// returns, including for calls still awaiting the provider.
func (s *Store) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	unsubscribe := s.unsubscribe
	s.unsubscribe = nil
	s.listeners = map[int]Listener{}
	s.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	s.notifyMu.Lock()
	s.notifyMu.Unlock()
}

func (s *Store) Identity() models.Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == nil {
		return ""
	}
	return s.session.Identity
}

// Session returns a copy of the current session, or nil.
func (s *Store) Session() *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == nil {
		return nil
	}
	c := *s.session
	return &c
}

// Loading is true while the initial check or a sign-in call is outstanding.
func (s *Store) Loading() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending > 0
}

// OnChange registers l and returns a function that removes it.
func (s *Store) OnChange(l Listener) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextListener
	s.nextListener++
	s.listeners[id] = l
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.listeners, id)
	}
}

// Register creates an account. confirm is true when the provider requires
// the address to be confirmed before a session is issued.
func (s *Store) Register(ctx context.Context, email, secret string) (confirm bool, err error) {
	if err := s.begin(); err != nil {
		return false, err
	}
	defer s.done()

	sess, err := s.provider.SignUp(ctx, email, secret, SignUpOptions{RedirectTo: s.redirectTo})
	if err != nil {
		return false, asAuthError(err)
	}
	if sess == nil {
		return true, nil
	}
	s.apply(EventSignedIn, sess, nil)
	return false, nil
}

func (s *Store) Authenticate(ctx context.Context, email, secret string) error {
	if err := s.begin(); err != nil {
		return err
	}
	defer s.done()

	sess, err := s.provider.SignInWithPassword(ctx, email, secret)
	if err != nil {
		return asAuthError(err)
	}
	s.apply(EventSignedIn, sess, nil)
	return nil
}

// AuthenticateViaOAuth returns the URL to send the user to. The session
// arrives later through the provider's event stream.
func (s *Store) AuthenticateViaOAuth(ctx context.Context, provider string) (string, error) {
	if err := s.begin(); err != nil {
		return "", err
	}
	defer s.done()

	authURL, err := s.provider.SignInWithOAuth(ctx, provider, OAuthOptions{RedirectTo: s.redirectTo})
	if err != nil {
		return "", asAuthError(err)
	}
	return authURL, nil
}

// Deauthenticate signs out. The local session is cleared even when the
// provider call fails.
func (s *Store) Deauthenticate(ctx context.Context) error {
	if err := s.begin(); err != nil {
		return err
	}
	defer s.done()

	err := s.provider.SignOut(ctx)
	s.apply(EventSignedOut, nil, nil)
	if err != nil {
		return asAuthError(err)
	}
	return nil
}

func (s *Store) begin() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.pending++
	return nil
}

func (s *Store) done() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending > 0 {
		s.pending--
	}
}

func (s *Store) handleEvent(ev AuthEvent) {
	s.apply(ev.Kind, ev.Session, nil)
}

// apply commits an event. When since is set, the commit is skipped if any
// other event was applied after that sequence number.
func (s *Store) apply(kind EventKind, sess *Session, since *uint64) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if since != nil && s.seq != *since {
		s.mu.Unlock()
		s.logger.Debug().Msg("Initial session superseded by event")
		return
	}
	s.seq++

	prev := models.Identity("")
	if s.session != nil {
		prev = s.session.Identity
	}
	switch kind {
	case EventSignedOut:
		s.session = nil
	default:
		if sess != nil {
			c := *sess
			s.session = &c
		} else if kind == EventInitialSession {
			s.session = nil
		}
	}
	next := models.Identity("")
	if s.session != nil {
		next = s.session.Identity
	}
	var listeners []Listener
	if prev != next {
		for _, l := range s.listeners {
			listeners = append(listeners, l)
		}
	}
	loc := s.loc
	s.mu.Unlock()

	if kind == EventSignedIn && loc != nil {
		u := loc.Current()
		if address.Strip(u, AuthArtifacts...) {
			loc.Replace(u)
			s.logger.Debug().Msg("Removed auth artifacts from address")
		}
	}
	if prev != next {
		s.logger.Info().Str("event", string(kind)).Str("identity", next.String()).Msg("Identity changed")
	}
	for _, l := range listeners {
		l(next)
	}
}
