// Package settlement handles the return from hosted checkout: starting a
// checkout session and picking up the webhook's result afterwards.
package settlement

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"promptgate/internal/address"
)

const (
	DefaultDelay = 2 * time.Second
	SuccessPath  = "/success"
)

// Markers left on the address by the checkout redirect.
var Markers = []string{"session_id", "success", "canceled"}

type Outcome string

const (
	OutcomeNone     Outcome = ""
	OutcomeSuccess  Outcome = "success"
	OutcomeCanceled Outcome = "canceled"
)

// Refresher re-reconciles entitlements in the background.
type Refresher interface {
	RefreshAsync()
}

type Timer interface {
	Stop() bool
}

// AfterFunc matches time.AfterFunc.
type AfterFunc func(d time.Duration, f func()) Timer

type WatcherOption func(*Watcher)

func WithDelay(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d >= 0 {
			w.delay = d
		}
	}
}

func WithAfterFunc(fn AfterFunc) WatcherOption {
	return func(w *Watcher) {
		if fn != nil {
			w.afterFunc = fn
		}
	}
}

func WithWatcherLogger(l zerolog.Logger) WatcherOption {
	return func(w *Watcher) { w.logger = l }
}

// Watcher detects a checkout return and schedules exactly one delayed
// refresh. It never polls.
type Watcher struct {
	loc       address.Location
	refresher Refresher
	delay     time.Duration
	afterFunc AfterFunc
	logger    zerolog.Logger

	mu      sync.Mutex
	pending Timer
	last    Outcome
	closed  bool
}

func NewWatcher(loc address.Location, refresher Refresher, opts ...WatcherOption) *Watcher {
	w := &Watcher{
		loc:       loc,
		refresher: refresher,
		delay:     DefaultDelay,
		afterFunc: func(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) },
		logger:    log.Logger,
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.With().Str("component", "settlement").Logger()
	return w
}

// Check inspects the current address. On a success marker it strips the
// markers, schedules a refresh and returns OutcomeSuccess. A cancel marker is
// stripped without a refresh.
func (w *Watcher) Check() Outcome {
	u := w.loc.Current()
	outcome := Detect(u.Path, u.Query().Get("session_id"), u.Query().Get("success"), u.Query().Get("canceled"))
	if outcome == OutcomeNone {
		return OutcomeNone
	}

	address.Strip(u, Markers...)
	if u.Path == SuccessPath {
		u.Path = "/"
		u.RawPath = ""
	}
	w.loc.Replace(u)

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return outcome
	}
	w.last = outcome
	if outcome != OutcomeSuccess {
		w.logger.Info().Msg("Checkout canceled")
		return outcome
	}
	if w.pending != nil {
		return outcome
	}
	w.logger.Info().Dur("delay", w.delay).Msg("Checkout returned, scheduling refresh")
	w.pending = w.afterFunc(w.delay, w.fire)
	return outcome
}

// Detect classifies checkout return markers.
func Detect(path, sessionID, success, canceled string) Outcome {
	switch {
	case canceled == "true":
		return OutcomeCanceled
	case sessionID != "", success == "true", path == SuccessPath:
		return OutcomeSuccess
	}
	return OutcomeNone
}

// Last returns the outcome of the most recent return, for the success banner.
func (w *Watcher) Last() Outcome {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.last
}

// Pending reports whether a refresh is scheduled and has not fired.
func (w *Watcher) Pending() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.pending != nil
}

func (w *Watcher) fire() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.pending = nil
	w.mu.Unlock()
	w.refresher.RefreshAsync()
}

func (w *Watcher) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	if w.pending != nil {
		w.pending.Stop()
		w.pending = nil
	}
}
