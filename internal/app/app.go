// Package app builds the client core once and wires the session to the
// entitlement reconciler.
package app

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"promptgate/internal/address"
	"promptgate/internal/entitlement"
	"promptgate/internal/models"
	"promptgate/internal/retry"
	"promptgate/internal/session"
	"promptgate/internal/settlement"
)

type Deps struct {
	Auth       session.AuthProvider
	Repository entitlement.Repository
	Payments   settlement.PaymentGateway
	Location   address.Location
}

type Options struct {
	Logger            zerolog.Logger
	AppURL            string
	ReconcileAttempts int
	ReconcileBackoff  time.Duration
	SettlementDelay   time.Duration
	DefaultFreeLimit  int
	ResetInterval     time.Duration
	ServerCheck       bool
	Clock             func() time.Time
	AfterFunc         settlement.AfterFunc
}

func DefaultOptions() Options {
	return Options{
		Logger:            log.Logger,
		ReconcileAttempts: entitlement.DefaultAttempts,
		ReconcileBackoff:  entitlement.DefaultBackoffStep,
		SettlementDelay:   settlement.DefaultDelay,
		DefaultFreeLimit:  entitlement.DefaultFreeLimit,
		ResetInterval:     entitlement.DefaultResetInterval,
		ServerCheck:       true,
	}
}

// App is the process-wide collaborator handle.
type App struct {
	Session    *session.Store
	Reconciler *entitlement.Reconciler
	Gate       *entitlement.Gate
	Mutator    *entitlement.Mutator
	Watcher    *settlement.Watcher
	Checkout   *settlement.Checkout

	logger      zerolog.Logger
	unsubscribe func()
}

func New(deps Deps, opts Options) (*App, error) {
	if deps.Auth == nil || deps.Repository == nil {
		return nil, errors.New("app: auth provider and repository are required")
	}
	if deps.Location == nil {
		loc, err := address.NewMemory(opts.AppURL + "/")
		if err != nil {
			return nil, err
		}
		deps.Location = loc
	}
	logger := opts.Logger

	rec := entitlement.NewReconciler(deps.Repository,
		entitlement.WithLogger(logger),
		entitlement.WithClock(opts.Clock),
		entitlement.WithRetryPolicy(retry.Policy{MaxAttempts: opts.ReconcileAttempts, Step: opts.ReconcileBackoff}),
		entitlement.WithDefaults(opts.DefaultFreeLimit, opts.ResetInterval),
	)
	a := &App{
		Session: session.New(deps.Auth,
			session.WithLogger(logger),
			session.WithLocation(deps.Location),
			session.WithRedirect(opts.AppURL+"/"),
		),
		Reconciler: rec,
		Gate: entitlement.NewGate(rec, deps.Repository,
			entitlement.WithGateLogger(logger),
			entitlement.WithGateClock(opts.Clock),
			entitlement.WithResetInterval(opts.ResetInterval),
			entitlement.WithServerCheck(opts.ServerCheck),
		),
		Mutator: entitlement.NewMutatorWithLogger(rec, deps.Repository, logger),
		Watcher: settlement.NewWatcher(deps.Location, rec,
			settlement.WithDelay(opts.SettlementDelay),
			settlement.WithAfterFunc(opts.AfterFunc),
			settlement.WithWatcherLogger(logger),
		),
		logger: logger.With().Str("component", "app").Logger(),
	}
	if deps.Payments != nil {
		a.Checkout = settlement.NewCheckout(deps.Payments, opts.AppURL)
	}
	a.unsubscribe = a.Session.OnChange(a.identityChanged)
	return a, nil
}

func (a *App) identityChanged(id models.Identity) {
	if id == "" {
		a.Reconciler.Deactivate()
		return
	}
	a.Reconciler.Activate(id)
}

// Start restores the session and checks for a checkout return.
func (a *App) Start(ctx context.Context) error {
	if err := a.Session.Start(ctx); err != nil {
		return err
	}
	a.Watcher.Check()
	return nil
}

// Generate gates and meters one prompt generation. A metering failure after
// a successful generation is logged and reported, but the prompt is kept.
func (a *App) Generate(ctx context.Context, produce func() (string, error)) (string, entitlement.Decision, error) {
	d := a.Gate.CanPerformMeteredAction(ctx)
	if !d.Allowed {
		return "", d, nil
	}
	out, err := produce()
	if err != nil {
		return "", d, err
	}
	if ok, merr := a.Mutator.RecordMeteredAction(ctx); !ok {
		a.logger.Warn().Err(merr).Msg("Generation succeeded but metering failed")
		return out, d, merr
	}
	return out, d, nil
}

func (a *App) Close() {
	if a.unsubscribe != nil {
		a.unsubscribe()
	}
	a.Watcher.Close()
	a.Session.Close()
	a.Reconciler.Close()
}
