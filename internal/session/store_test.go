package session

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"promptgate/internal/address"
	"promptgate/internal/models"
)

type fakeProvider struct {
	mu          sync.Mutex
	current     *Session
	currentErr  error
	signInErr   error
	signUpNil   bool
	signOutErr  error
	subs        map[int]func(AuthEvent)
	nextSub     int
	unsubCalls  int
	checkCalls  int
	checkGate   chan struct{}
	checkEnters chan struct{}
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{subs: map[int]func(AuthEvent){}}
}

func (f *fakeProvider) GetCurrentSession(ctx context.Context) (*Session, error) {
	f.mu.Lock()
	f.checkCalls++
	gate, enters := f.checkGate, f.checkEnters
	f.mu.Unlock()
	if enters != nil {
		enters <- struct{}{}
	}
	if gate != nil {
		<-gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current, f.currentErr
}

func (f *fakeProvider) SignUp(ctx context.Context, email, secret string, opts SignUpOptions) (*Session, error) {
	if f.signUpNil {
		return nil, nil
	}
	return &Session{Identity: "new-user", Email: email}, nil
}

func (f *fakeProvider) SignInWithPassword(ctx context.Context, email, secret string) (*Session, error) {
	if f.signInErr != nil {
		return nil, f.signInErr
	}
	sess := &Session{Identity: "u1", Email: email, AccessToken: "tok"}
	f.emit(AuthEvent{Kind: EventSignedIn, Session: sess})
	return sess, nil
}

func (f *fakeProvider) SignInWithOAuth(ctx context.Context, provider string, opts OAuthOptions) (string, error) {
	return "https://accounts.example.com/auth?redirect=" + url.QueryEscape(opts.RedirectTo), nil
}

func (f *fakeProvider) SignOut(ctx context.Context) error {
	return f.signOutErr
}

func (f *fakeProvider) Subscribe(fn func(AuthEvent)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextSub
	f.nextSub++
	f.subs[id] = fn
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.subs, id)
		f.unsubCalls++
	}
}

func (f *fakeProvider) emit(ev AuthEvent) {
	f.mu.Lock()
	var fns []func(AuthEvent)
	for _, fn := range f.subs {
		fns = append(fns, fn)
	}
	f.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

type identitySpy struct {
	mu    sync.Mutex
	calls []models.Identity
}

func (s *identitySpy) record(id models.Identity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, id)
}

func (s *identitySpy) all() []models.Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Identity(nil), s.calls...)
}

type locationSpy struct {
	*address.Memory
	mu       sync.Mutex
	replaces int
}

func (l *locationSpy) Replace(u *url.URL) {
	l.mu.Lock()
	l.replaces++
	l.mu.Unlock()
	l.Memory.Replace(u)
}

func (l *locationSpy) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.replaces
}

func newStore(p AuthProvider, opts ...Option) *Store {
	return New(p, append([]Option{WithLogger(zerolog.Nop())}, opts...)...)
}

func TestStartRestoresExistingSession(t *testing.T) {
	p := newFakeProvider()
	p.current = &Session{Identity: "u1"}
	spy := &identitySpy{}
	s := newStore(p)
	defer s.Close()
	s.OnChange(spy.record)

	require.NoError(t, s.Start(context.Background()))
	assert.Equal(t, models.Identity("u1"), s.Identity())
	assert.False(t, s.Loading())
	assert.Equal(t, []models.Identity{"u1"}, spy.all())
	assert.Equal(t, 1, p.checkCalls)

	require.NoError(t, s.Start(context.Background()))
	assert.Equal(t, 1, p.checkCalls)
}

func TestStartFailureResolvesLoading(t *testing.T) {
	p := newFakeProvider()
	p.currentErr = errors.New("timeout")
	s := newStore(p)
	defer s.Close()

	err := s.Start(context.Background())
	var ae *AuthError
	require.True(t, errors.As(err, &ae))
	assert.Equal(t, ReasonProviderUnavailable, ae.Reason)
	assert.False(t, s.Loading())
	assert.Equal(t, models.Identity(""), s.Identity())
}

func TestEventDuringInitialCheckWins(t *testing.T) {
	p := newFakeProvider()
	p.current = nil
	p.checkGate = make(chan struct{})
	p.checkEnters = make(chan struct{}, 1)
	s := newStore(p)
	defer s.Close()

	done := make(chan error, 1)
	go func() { done <- s.Start(context.Background()) }()
	<-p.checkEnters
	assert.True(t, s.Loading())

	p.emit(AuthEvent{Kind: EventSignedIn, Session: &Session{Identity: "u2"}})
	close(p.checkGate)
	require.NoError(t, <-done)

	assert.Equal(t, models.Identity("u2"), s.Identity())
	assert.False(t, s.Loading())
}

func TestSignInStripsArtifactsOnly(t *testing.T) {
	mem, err := address.NewMemory("https://app.example.com/generate?ref=mail&code=abc&state=s1#access_token=t&token_type=bearer")
	require.NoError(t, err)
	p := newFakeProvider()
	s := newStore(p, WithLocation(mem))
	defer s.Close()
	require.NoError(t, s.Start(context.Background()))

	require.NoError(t, s.Authenticate(context.Background(), "a@example.com", "pw"))
	assert.Equal(t, models.Identity("u1"), s.Identity())

	cur := mem.Current()
	assert.Equal(t, "/generate", cur.Path)
	assert.Equal(t, "ref=mail", cur.RawQuery)
	assert.Empty(t, cur.Fragment)
}

func TestAuthenticateFailures(t *testing.T) {
	p := newFakeProvider()
	p.signInErr = NewAuthError(ReasonEmailNotConfirmed, nil)
	s := newStore(p)
	defer s.Close()

	err := s.Authenticate(context.Background(), "a@example.com", "pw")
	var ae *AuthError
	require.True(t, errors.As(err, &ae))
	assert.Equal(t, ReasonEmailNotConfirmed, ae.Reason)
	assert.False(t, s.Loading())

	p.signInErr = errors.New("dial tcp: refused")
	err = s.Authenticate(context.Background(), "a@example.com", "pw")
	require.True(t, errors.As(err, &ae))
	assert.Equal(t, ReasonProviderUnavailable, ae.Reason)
}

func TestRegisterRequiringConfirmation(t *testing.T) {
	p := newFakeProvider()
	p.signUpNil = true
	s := newStore(p, WithRedirect("https://app.example.com/"))
	defer s.Close()

	confirm, err := s.Register(context.Background(), "a@example.com", "pw")
	require.NoError(t, err)
	assert.True(t, confirm)
	assert.Equal(t, models.Identity(""), s.Identity())
}

func TestAuthenticateViaOAuthPassesRedirect(t *testing.T) {
	s := newStore(newFakeProvider(), WithRedirect("https://app.example.com/"))
	defer s.Close()

	authURL, err := s.AuthenticateViaOAuth(context.Background(), "google")
	require.NoError(t, err)
	assert.Contains(t, authURL, url.QueryEscape("https://app.example.com/"))
}

func TestDeauthenticateClearsEvenOnError(t *testing.T) {
	p := newFakeProvider()
	p.current = &Session{Identity: "u1"}
	p.signOutErr = errors.New("network")
	spy := &identitySpy{}
	s := newStore(p)
	defer s.Close()
	s.OnChange(spy.record)
	require.NoError(t, s.Start(context.Background()))

	err := s.Deauthenticate(context.Background())
	assert.Error(t, err)
	assert.Equal(t, models.Identity(""), s.Identity())
	assert.Equal(t, []models.Identity{"u1", ""}, spy.all())
}

func TestTokenRefreshKeepsIdentityQuiet(t *testing.T) {
	p := newFakeProvider()
	p.current = &Session{Identity: "u1", AccessToken: "a"}
	spy := &identitySpy{}
	s := newStore(p)
	defer s.Close()
	s.OnChange(spy.record)
	require.NoError(t, s.Start(context.Background()))

	p.emit(AuthEvent{Kind: EventTokenRefreshed, Session: &Session{Identity: "u1", AccessToken: "b"}})
	assert.Equal(t, "b", s.Session().AccessToken)
	assert.Len(t, spy.all(), 1)
}

func TestCloseMidFetchSuppressesUpdates(t *testing.T) {
	mem, err := address.NewMemory("https://app.example.com/?code=abc")
	require.NoError(t, err)
	loc := &locationSpy{Memory: mem}

	p := newFakeProvider()
	p.current = &Session{Identity: "u1"}
	p.checkGate = make(chan struct{})
	p.checkEnters = make(chan struct{}, 1)
	spy := &identitySpy{}
	s := newStore(p, WithLocation(loc))
	s.OnChange(spy.record)

	done := make(chan error, 1)
	go func() { done <- s.Start(context.Background()) }()
	<-p.checkEnters

	s.Close()
	assert.Equal(t, 1, p.unsubCalls)

	// Late events and the late check result must not land.
	p.emit(AuthEvent{Kind: EventSignedIn, Session: &Session{Identity: "u9"}})
	close(p.checkGate)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Start did not return after Close")
	}

	assert.Empty(t, spy.all())
	assert.Equal(t, 0, loc.count())
	assert.Equal(t, models.Identity(""), s.Identity())
	assert.False(t, s.Loading())

	assert.ErrorIs(t, s.Authenticate(context.Background(), "a@example.com", "pw"), ErrClosed)
}
