// Package memory is an in-process entitlement repository. It backs tests and
// promptctl's offline mode.
package memory

import (
	"context"
	"sync"
	"time"

	"promptgate/internal/entitlement"
	"promptgate/internal/models"
)

type Limits struct {
	Free    int
	Monthly int
	Yearly  int
}

func (l Limits) For(tier models.PlanTier) int {
	switch tier {
	case models.PlanMonthly:
		return l.Monthly
	case models.PlanYearly:
		return l.Yearly
	default:
		return l.Free
	}
}

var DefaultLimits = Limits{Free: 3, Monthly: 100, Yearly: 1500}

type Option func(*Store)

func WithLimits(l Limits) Option {
	return func(s *Store) { s.limits = l }
}

func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

func WithResetInterval(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.resetIn = d
		}
	}
}

type Store struct {
	mu sync.RWMutex

	limits  Limits
	now     func() time.Time
	resetIn time.Duration

	subscriptions map[models.Identity]models.Subscription
	usage         map[models.Identity]models.Usage
}

var _ entitlement.Repository = (*Store)(nil)

func New(opts ...Option) *Store {
	s := &Store{
		limits:        DefaultLimits,
		now:           time.Now,
		resetIn:       entitlement.DefaultResetInterval,
		subscriptions: make(map[models.Identity]models.Subscription),
		usage:         make(map[models.Identity]models.Usage),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) EnsureRecordsExist(_ context.Context, id models.Identity) (entitlement.EnsureResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	res := entitlement.EnsureResult{Success: true}
	if _, ok := s.subscriptions[id]; !ok {
		s.subscriptions[id] = models.Subscription{
			UserID:    id,
			PlanTier:  models.PlanFree,
			Status:    models.SubscriptionActive,
			UpdatedAt: now,
		}
		res.SubscriptionCreated = true
	}
	if _, ok := s.usage[id]; !ok {
		s.usage[id] = models.Usage{
			UserID:       id,
			PromptsLimit: s.limits.Free,
			ResetDate:    now.Add(s.resetIn),
			UpdatedAt:    now,
		}
		res.UsageCreated = true
	}
	return res, nil
}

func (s *Store) GetSubscription(_ context.Context, id models.Identity) (models.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if sub, ok := s.subscriptions[id]; ok {
		return sub, nil
	}
	return models.Subscription{}, entitlement.ErrRecordNotFound
}

func (s *Store) GetUsage(_ context.Context, id models.Identity) (models.Usage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if u, ok := s.usage[id]; ok {
		return u, nil
	}
	return models.Usage{}, entitlement.ErrRecordNotFound
}

func (s *Store) CanPerformAction(_ context.Context, id models.Identity) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, u, err := s.recordsLocked(id)
	if err != nil {
		return false, err
	}
	return s.evaluateLocked(sub, u).Allowed, nil
}

func (s *Store) IncrementUsage(_ context.Context, id models.Identity) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, u, err := s.recordsLocked(id)
	if err != nil {
		return false, err
	}
	if !s.evaluateLocked(sub, u).Allowed {
		return false, nil
	}
	u = s.usage[id]
	u.PromptsUsed++
	u.UpdatedAt = s.now()
	s.usage[id] = u
	return true, nil
}

// ResetUsage zeroes a due free-tier counter. next is clamped to one reset
// interval from now.
func (s *Store) ResetUsage(_ context.Context, id models.Identity, next time.Time) (models.Usage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.usage[id]
	if !ok {
		return models.Usage{}, entitlement.ErrRecordNotFound
	}
	now := s.now()
	limit := now.Add(s.resetIn)
	if next.IsZero() || next.After(limit) || !next.After(now) {
		next = limit
	}
	sub, ok := s.subscriptions[id]
	if ok && sub.PlanTier == models.PlanFree && !now.Before(u.ResetDate) {
		u.PromptsUsed = 0
		u.ResetDate = next
		u.UpdatedAt = now
		s.usage[id] = u
	}
	return u, nil
}

// PutSubscription overwrites the subscription row.
func (s *Store) PutSubscription(sub models.Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscriptions[sub.UserID] = sub
}

// PutUsage overwrites the usage row.
func (s *Store) PutUsage(u models.Usage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.usage[u.UserID] = u
}

// SetPlan applies a settlement: tier, status and the tier's limit. It is the
// in-memory counterpart of the Stripe webhook mutation.
func (s *Store) SetPlan(id models.Identity, tier models.PlanTier, status models.SubscriptionStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	sub := s.subscriptions[id]
	sub.UserID = id
	sub.PlanTier = tier
	sub.Status = status
	sub.UpdatedAt = now
	s.subscriptions[id] = sub

	u := s.usage[id]
	u.UserID = id
	u.PromptsLimit = s.limits.For(tier)
	if u.ResetDate.IsZero() {
		u.ResetDate = now.Add(s.resetIn)
	}
	u.UpdatedAt = now
	s.usage[id] = u
}

func (s *Store) Delete(id models.Identity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subscriptions, id)
	delete(s.usage, id)
}

// Len returns the number of subscription and usage rows.
func (s *Store) Len() (subscriptions, usage int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subscriptions), len(s.usage)
}

func (s *Store) recordsLocked(id models.Identity) (models.Subscription, models.Usage, error) {
	sub, ok := s.subscriptions[id]
	if !ok {
		return models.Subscription{}, models.Usage{}, entitlement.ErrRecordNotFound
	}
	u, ok := s.usage[id]
	if !ok {
		return models.Subscription{}, models.Usage{}, entitlement.ErrRecordNotFound
	}
	return sub, u, nil
}

// evaluateLocked applies a due free-tier reset before evaluating.
func (s *Store) evaluateLocked(sub models.Subscription, u models.Usage) entitlement.Decision {
	now := s.now()
	if entitlement.ResetDue(sub, u, now) {
		u.PromptsUsed = 0
		u.ResetDate = now.Add(s.resetIn)
		u.UpdatedAt = now
		s.usage[u.UserID] = u
	}
	return entitlement.Evaluate(sub, u)
}
