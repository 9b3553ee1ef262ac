package entitlement

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"promptgate/internal/metrics"
	"promptgate/internal/models"
	"promptgate/internal/retry"
)

const (
	DefaultAttempts      = 3
	DefaultBackoffStep   = time.Second
	DefaultFreeLimit     = 3
	DefaultResetInterval = 30 * 24 * time.Hour
)

// Listener observes state changes. Listeners run synchronously and must not
// wait on the Reconciler.
type Listener func(State, Entitlement)

type Option func(*Reconciler)

func WithLogger(l zerolog.Logger) Option {
	return func(r *Reconciler) { r.logger = l }
}

func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) {
		if now != nil {
			r.now = now
		}
	}
}

func WithRetryPolicy(p retry.Policy) Option {
	return func(r *Reconciler) { r.policy = p }
}

// WithDefaults sets the synthetic free-tier limit and reset interval used
// when reconciliation gives up.
func WithDefaults(limit int, resetIn time.Duration) Option {
	return func(r *Reconciler) {
		if limit > 0 {
			r.defaultLimit = limit
		}
		if resetIn > 0 {
			r.resetIn = resetIn
		}
	}
}

// Reconciler keeps one Entitlement for the active identity. At most one pass
// runs per activation; overlapping Refresh calls share it.
type Reconciler struct {
	repo         Repository
	logger       zerolog.Logger
	now          func() time.Time
	policy       retry.Policy
	defaultLimit int
	resetIn      time.Duration

	group    singleflight.Group
	async    sync.WaitGroup
	notifyMu sync.Mutex

	mu           sync.Mutex
	identity     models.Identity
	gen          uint64
	state        State
	current      *Entitlement
	passCtx      context.Context
	cancelPass   context.CancelFunc
	closed       bool
	listeners    map[int]Listener
	nextListener int
}

func NewReconciler(repo Repository, opts ...Option) *Reconciler {
	r := &Reconciler{
		repo:         repo,
		logger:       log.Logger,
		now:          time.Now,
		policy:       retry.Policy{MaxAttempts: DefaultAttempts, Step: DefaultBackoffStep},
		defaultLimit: DefaultFreeLimit,
		resetIn:      DefaultResetInterval,
		state:        StateIdle,
		listeners:    map[int]Listener{},
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With().Str("component", "reconciler").Logger()
	return r
}

// Activate switches to id and starts a pass in the background. Activating
// the identity that is already active is a no-op.
func (r *Reconciler) Activate(id models.Identity) {
	if id == "" {
		r.Deactivate()
		return
	}
	r.mu.Lock()
	if r.closed || r.identity == id {
		r.mu.Unlock()
		return
	}
	r.resetLocked(id)
	gen := r.gen
	r.mu.Unlock()

	r.logger.Debug().Str("identity", id.String()).Msg("Identity activated")
	r.transition(gen, StateIdle, nil)
	r.RefreshAsync()
}

// Deactivate discards the entitlement. In-flight passes never commit.
func (r *Reconciler) Deactivate() {
	r.mu.Lock()
	if r.closed || r.identity == "" {
		r.mu.Unlock()
		return
	}
	r.resetLocked("")
	gen := r.gen
	r.mu.Unlock()

	r.logger.Debug().Msg("Identity deactivated")
	r.transition(gen, StateIdle, nil)
}

func (r *Reconciler) resetLocked(id models.Identity) {
	if r.cancelPass != nil {
		r.cancelPass()
	}
	r.identity = id
	r.gen++
	r.current = nil
	r.passCtx, r.cancelPass = context.WithCancel(context.Background())
}

// Refresh runs a pass, or joins the one in flight, and returns its result.
// ctx only bounds the wait; the pass itself lives until the identity changes.
func (r *Reconciler) Refresh(ctx context.Context) (Entitlement, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return Entitlement{}, ErrClosed
	}
	id, gen, passCtx := r.identity, r.gen, r.passCtx
	r.mu.Unlock()
	if id == "" {
		return Entitlement{}, ErrNoIdentity
	}

	key := fmt.Sprintf("%s#%d", id, gen)
	ch := r.group.DoChan(key, func() (any, error) {
		return r.reconcile(passCtx, id, gen)
	})
	select {
	case res := <-ch:
		if res.Shared {
			metrics.ReconcileCoalesced.Inc()
		}
		if res.Err != nil {
			return Entitlement{}, res.Err
		}
		return res.Val.(Entitlement), nil
	case <-ctx.Done():
		return Entitlement{}, ctx.Err()
	}
}

// RefreshAsync starts or joins a pass without waiting for it.
func (r *Reconciler) RefreshAsync() {
	r.mu.Lock()
	if r.closed || r.identity == "" {
		r.mu.Unlock()
		return
	}
	r.async.Add(1)
	r.mu.Unlock()
	go func() {
		defer r.async.Done()
		if _, err := r.Refresh(context.Background()); err != nil && !errors.Is(err, ErrSuperseded) && !errors.Is(err, ErrClosed) {
			r.logger.Debug().Err(err).Msg("Background refresh ended")
		}
	}()
}

// Wait blocks until background refreshes started so far have finished.
func (r *Reconciler) Wait() {
	r.async.Wait()
}

// Snapshot returns the last committed entitlement.
func (r *Reconciler) Snapshot() (Entitlement, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == nil {
		return Entitlement{}, false
	}
	return *r.current, true
}

func (r *Reconciler) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Reconciler) Identity() models.Identity {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.identity
}

// OnChange registers l and returns a function that removes it.
func (r *Reconciler) OnChange(l Listener) func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.nextListener
	r.nextListener++
	r.listeners[id] = l
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.listeners, id)
	}
}

// ApplyOptimisticIncrement bumps the local counter for id ahead of the next
// fetch. The next committed fetch replaces it.
func (r *Reconciler) ApplyOptimisticIncrement(id models.Identity) bool {
	r.notifyMu.Lock()
	defer r.notifyMu.Unlock()

	r.mu.Lock()
	if r.closed || r.identity != id || r.current == nil {
		r.mu.Unlock()
		return false
	}
	next := *r.current
	usage := next.EffectiveUsage()
	usage.PromptsUsed++
	usage.UpdatedAt = r.now()
	next.Optimistic = &usage
	r.current = &next
	state := r.state
	listeners := r.listenersLocked()
	r.mu.Unlock()

	for _, l := range listeners {
		l(state, next)
	}
	return true
}

// CommitUsage adopts u as the authoritative usage for id, as returned by a
// server-side mutation. Passes already in flight read the row before that
// mutation, so they are superseded and never commit.
func (r *Reconciler) CommitUsage(id models.Identity, u models.Usage) (Entitlement, bool) {
	r.notifyMu.Lock()
	defer r.notifyMu.Unlock()

	r.mu.Lock()
	if r.closed || r.identity != id || r.current == nil {
		r.mu.Unlock()
		return Entitlement{}, false
	}
	if r.cancelPass != nil {
		r.cancelPass()
	}
	r.gen++
	r.passCtx, r.cancelPass = context.WithCancel(context.Background())

	next := *r.current
	next.Usage = u
	next.Optimistic = nil
	next.FetchedAt = r.now()
	r.current = &next
	r.state = StateReady
	listeners := r.listenersLocked()
	r.mu.Unlock()

	for _, l := range listeners {
		l(StateReady, next)
	}
	return next, true
}

// Close cancels in-flight work and waits for background refreshes. No
// listener runs after Close returns.
func (r *Reconciler) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	if r.cancelPass != nil {
		r.cancelPass()
	}
	r.listeners = map[int]Listener{}
	r.mu.Unlock()

	r.notifyMu.Lock()
	r.notifyMu.Unlock()
	r.async.Wait()
}

func (r *Reconciler) live(gen uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.closed && r.gen == gen
}

// transition moves to s, optionally committing e, if gen is still current.
func (r *Reconciler) transition(gen uint64, s State, e *Entitlement) bool {
	r.notifyMu.Lock()
	defer r.notifyMu.Unlock()

	r.mu.Lock()
	if r.closed || r.gen != gen {
		r.mu.Unlock()
		return false
	}
	r.state = s
	if e != nil {
		r.current = e
	}
	var snap Entitlement
	if r.current != nil {
		snap = *r.current
	}
	listeners := r.listenersLocked()
	r.mu.Unlock()

	for _, l := range listeners {
		l(s, snap)
	}
	return true
}

func (r *Reconciler) listenersLocked() []Listener {
	out := make([]Listener, 0, len(r.listeners))
	for _, l := range r.listeners {
		out = append(out, l)
	}
	return out
}

type fetchResult struct {
	sub       *models.Subscription
	usage     *models.Usage
	repairErr error
}

func (f fetchResult) complete() bool {
	return f.sub != nil && f.usage != nil
}

func (r *Reconciler) reconcile(ctx context.Context, id models.Identity, gen uint64) (Entitlement, error) {
	if !r.transition(gen, StateFetching, nil) {
		return Entitlement{}, ErrSuperseded
	}
	start := r.now()
	created := false

	res, attempts, err := retry.Do(ctx, r.policy, func(ctx context.Context, attempt int) (fetchResult, error) {
		if attempt > 1 && !r.transition(gen, StateFetching, nil) {
			return fetchResult{}, retry.Permanent(ErrSuperseded)
		}
		out, repaired, err := r.attempt(ctx, id, gen)
		created = created || repaired
		return out, err
	}, fetchResult.complete)
	metrics.ReconcileAttempts.Observe(float64(attempts))

	if errors.Is(err, ErrSuperseded) || !r.live(gen) {
		return Entitlement{}, ErrSuperseded
	}

	var (
		e     Entitlement
		state State
	)
	if err == nil {
		provenance := ProvenanceFetched
		if created {
			provenance = ProvenanceRepaired
		}
		e = Entitlement{
			Identity:     id,
			Subscription: *res.sub,
			Usage:        *res.usage,
			Provenance:   provenance,
			FetchedAt:    r.now(),
		}
		state = StateReady
	} else {
		warning := classify(id, attempts, res, err)
		r.logger.Warn().
			Str("identity", id.String()).
			Str("kind", warning.Kind.String()).
			Int("attempts", attempts).
			Err(warning.Err).
			Msg("Reconciliation exhausted retries, using defaults")
		e = defaultEntitlement(id, r.now(), r.defaultLimit, r.resetIn, warning)
		state = StateDefaulted
	}

	if !r.transition(gen, state, &e) {
		return Entitlement{}, ErrSuperseded
	}
	metrics.ReconcileOutcomes.WithLabelValues(string(e.Provenance)).Inc()
	r.logger.Debug().
		Str("identity", id.String()).
		Str("provenance", string(e.Provenance)).
		Int("attempts", attempts).
		Dur("elapsed", r.now().Sub(start)).
		Msg("Reconciliation finished")
	return e, nil
}

// attempt runs one ensure-fetch-repair round. repaired reports whether an
// ensure call created a row.
func (r *Reconciler) attempt(ctx context.Context, id models.Identity, gen uint64) (fetchResult, bool, error) {
	var (
		out      fetchResult
		repaired bool
	)

	ensured, err := r.repo.EnsureRecordsExist(ctx, id)
	if !r.live(gen) {
		return out, repaired, retry.Permanent(ErrSuperseded)
	}
	if err != nil {
		out.repairErr = err
		r.logger.Debug().Err(err).Str("identity", id.String()).Msg("Proactive ensure failed")
	} else if ensured.Created() {
		repaired = true
	}

	sub, err := r.repo.GetSubscription(ctx, id)
	if !r.live(gen) {
		return out, repaired, retry.Permanent(ErrSuperseded)
	}
	switch {
	case err == nil:
		out.sub = &sub
	case errors.Is(err, ErrRecordNotFound):
	default:
		return out, repaired, fmt.Errorf("fetch subscription: %w", err)
	}

	usage, err := r.repo.GetUsage(ctx, id)
	if !r.live(gen) {
		return out, repaired, retry.Permanent(ErrSuperseded)
	}
	switch {
	case err == nil:
		out.usage = &usage
	case errors.Is(err, ErrRecordNotFound):
	default:
		return out, repaired, fmt.Errorf("fetch usage: %w", err)
	}

	if out.complete() {
		return out, repaired, nil
	}

	if !r.transition(gen, StateRepairing, nil) {
		return out, repaired, retry.Permanent(ErrSuperseded)
	}
	r.logger.Debug().
		Str("identity", id.String()).
		Bool("subscription", out.sub != nil).
		Bool("usage", out.usage != nil).
		Msg("Records missing, repairing")
	ensured, err = r.repo.EnsureRecordsExist(ctx, id)
	if !r.live(gen) {
		return out, repaired, retry.Permanent(ErrSuperseded)
	}
	if err != nil {
		out.repairErr = err
	} else if ensured.Created() {
		repaired = true
	}
	return out, repaired, nil
}

func classify(id models.Identity, attempts int, res fetchResult, err error) *ReconcileError {
	if !errors.Is(err, retry.ErrIncomplete) {
		return &ReconcileError{Kind: RepositoryUnreachable, Identity: id, Attempts: attempts, Err: err}
	}
	cause := err
	if res.repairErr != nil {
		cause = res.repairErr
	}
	if (res.sub == nil) != (res.usage == nil) {
		return &ReconcileError{Kind: PartialData, Identity: id, Attempts: attempts, Err: cause}
	}
	return &ReconcileError{Kind: RecordRepairFailed, Identity: id, Attempts: attempts, Err: cause}
}
