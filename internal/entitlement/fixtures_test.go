package entitlement_test

import (
	"context"
	"errors"
	"sync"
	"time"

	"promptgate/internal/entitlement"
	"promptgate/internal/models"
	"promptgate/internal/retry"
	"promptgate/internal/store/memory"
)

var errDown = errors.New("connection refused")

var fastRetry = retry.Policy{MaxAttempts: 3, Step: time.Millisecond}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// flakyRepo wraps the memory store with fault injection.
type flakyRepo struct {
	*memory.Store

	mu            sync.Mutex
	ensureCalls   int
	subCalls      int
	subFailures   int
	subAlwaysFail bool
	ensureNoop    bool
	hideUsage     bool
	incrementErr  error
	canPerformErr error
	subEntered    chan struct{}
	subRelease    chan struct{}
	usageRead     chan struct{}
	usageRelease  chan struct{}
}

func newFlaky(store *memory.Store) *flakyRepo {
	return &flakyRepo{Store: store}
}

func (f *flakyRepo) EnsureRecordsExist(ctx context.Context, id models.Identity) (entitlement.EnsureResult, error) {
	f.mu.Lock()
	f.ensureCalls++
	noop := f.ensureNoop
	f.mu.Unlock()
	if noop {
		return entitlement.EnsureResult{Success: true}, nil
	}
	return f.Store.EnsureRecordsExist(ctx, id)
}

func (f *flakyRepo) GetSubscription(ctx context.Context, id models.Identity) (models.Subscription, error) {
	f.mu.Lock()
	f.subCalls++
	fail := f.subAlwaysFail || f.subFailures > 0
	if f.subFailures > 0 {
		f.subFailures--
	}
	entered, release := f.subEntered, f.subRelease
	f.mu.Unlock()

	if entered != nil {
		select {
		case entered <- struct{}{}:
		default:
		}
	}
	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
			return models.Subscription{}, ctx.Err()
		}
	}
	if fail {
		return models.Subscription{}, errDown
	}
	return f.Store.GetSubscription(ctx, id)
}

func (f *flakyRepo) GetUsage(ctx context.Context, id models.Identity) (models.Usage, error) {
	f.mu.Lock()
	hide := f.hideUsage
	f.mu.Unlock()
	if hide {
		return models.Usage{}, entitlement.ErrRecordNotFound
	}
	u, err := f.Store.GetUsage(ctx, id)

	f.mu.Lock()
	read, release := f.usageRead, f.usageRelease
	f.mu.Unlock()
	if read != nil {
		select {
		case read <- struct{}{}:
		default:
		}
	}
	if release != nil {
		<-release
	}
	return u, err
}

// holdUsageReads makes every later GetUsage signal after reading the row and
// block until release is closed.
func (f *flakyRepo) holdUsageReads() (read <-chan struct{}, release chan struct{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.usageRead = make(chan struct{}, 1)
	f.usageRelease = make(chan struct{})
	return f.usageRead, f.usageRelease
}

func (f *flakyRepo) IncrementUsage(ctx context.Context, id models.Identity) (bool, error) {
	f.mu.Lock()
	err := f.incrementErr
	f.mu.Unlock()
	if err != nil {
		return false, err
	}
	return f.Store.IncrementUsage(ctx, id)
}

func (f *flakyRepo) CanPerformAction(ctx context.Context, id models.Identity) (bool, error) {
	f.mu.Lock()
	err := f.canPerformErr
	f.mu.Unlock()
	if err != nil {
		return false, err
	}
	return f.Store.CanPerformAction(ctx, id)
}

func (f *flakyRepo) calls() (ensure, sub int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ensureCalls, f.subCalls
}

type stateLog struct {
	mu     sync.Mutex
	states []entitlement.State
}

func (l *stateLog) record(s entitlement.State, _ entitlement.Entitlement) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.states = append(l.states, s)
}

func (l *stateLog) all() []entitlement.State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]entitlement.State(nil), l.states...)
}
