package entitlement_test

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"promptgate/internal/entitlement"
	"promptgate/internal/models"
	"promptgate/internal/store/memory"
)

func TestEvaluateNeverAllowsAtOrOverLimit(t *testing.T) {
	active := models.Subscription{PlanTier: models.PlanFree, Status: models.SubscriptionActive}
	cases := []struct {
		used, limit int
		allowed     bool
	}{
		{0, 0, false},
		{1, 0, false},
		{0, 3, true},
		{2, 3, true},
		{3, 3, false},
		{4, 3, false},
		{99, 100, true},
		{100, 100, false},
	}
	for _, tc := range cases {
		d := entitlement.Evaluate(active, models.Usage{PromptsUsed: tc.used, PromptsLimit: tc.limit})
		assert.Equal(t, tc.allowed, d.Allowed, "used=%d limit=%d", tc.used, tc.limit)
		if !tc.allowed {
			assert.Equal(t, entitlement.ReasonLimitExhausted, d.Reason)
		}
		assert.GreaterOrEqual(t, d.Remaining, 0)
		assert.GreaterOrEqual(t, d.Fraction, 0.0)
		assert.LessOrEqual(t, d.Fraction, 1.0)
	}
}

func TestEvaluateClassification(t *testing.T) {
	usage := models.Usage{PromptsUsed: 0, PromptsLimit: 3}

	d := entitlement.Evaluate(models.Subscription{PlanTier: models.PlanMonthly, Status: models.SubscriptionPastDue}, usage)
	assert.False(t, d.Allowed)
	assert.Equal(t, entitlement.ReasonSubscriptionInactive, d.Reason)
	assert.True(t, d.RoutesToUpgrade())

	d = entitlement.Evaluate(models.Subscription{}, usage)
	assert.False(t, d.Allowed)
	assert.Equal(t, entitlement.ReasonUnknown, d.Reason)
	assert.False(t, d.RoutesToUpgrade())
}

func TestUsageHelpers(t *testing.T) {
	assert.Equal(t, 0, entitlement.RemainingActions(models.Usage{PromptsUsed: 5, PromptsLimit: 3}))
	assert.Equal(t, 2, entitlement.RemainingActions(models.Usage{PromptsUsed: 1, PromptsLimit: 3}))
	assert.Equal(t, 0.0, entitlement.UsageFraction(models.Usage{PromptsUsed: 0, PromptsLimit: 0}))
	assert.Equal(t, 0.5, entitlement.UsageFraction(models.Usage{PromptsUsed: 50, PromptsLimit: 100}))
	assert.Equal(t, 1.0, entitlement.UsageFraction(models.Usage{PromptsUsed: 7, PromptsLimit: 3}))

	now := time.Now()
	free := models.Subscription{PlanTier: models.PlanFree}
	paid := models.Subscription{PlanTier: models.PlanMonthly}
	past := models.Usage{ResetDate: now.Add(-time.Minute)}
	assert.True(t, entitlement.ResetDue(free, past, now))
	assert.False(t, entitlement.ResetDue(paid, past, now))
	assert.False(t, entitlement.ResetDue(free, models.Usage{ResetDate: now.Add(time.Minute)}, now))
	assert.False(t, entitlement.ResetDue(free, models.Usage{}, now))
}

func newGate(rec *entitlement.Reconciler, repo entitlement.Repository, clock *fakeClock) *entitlement.Gate {
	return entitlement.NewGate(rec, repo,
		entitlement.WithGateLogger(zerolog.Nop()),
		entitlement.WithGateClock(clock.Now),
	)
}

func TestGateExhaustedFreeTierResetsAfterResetDate(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	store := memory.New(memory.WithClock(clock.Now))
	store.PutSubscription(models.Subscription{UserID: "u1", PlanTier: models.PlanFree, Status: models.SubscriptionActive})
	store.PutUsage(models.Usage{UserID: "u1", PromptsUsed: 3, PromptsLimit: 3, ResetDate: clock.Now().Add(time.Hour)})

	rec := newReconciler(store, clock)
	defer rec.Close()
	gate := newGate(rec, store, clock)

	rec.Activate("u1")
	rec.Wait()

	d := gate.CanPerformMeteredAction(ctx)
	assert.False(t, d.Allowed)
	assert.Equal(t, entitlement.ReasonLimitExhausted, d.Reason)
	assert.True(t, d.RoutesToUpgrade())
	assert.Equal(t, 0, d.Remaining)

	clock.Advance(2 * time.Hour)
	d = gate.CanPerformMeteredAction(ctx)
	assert.True(t, d.Allowed)
	assert.Equal(t, 3, d.Remaining)

	u, err := store.GetUsage(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 0, u.PromptsUsed)
	assert.Equal(t, clock.Now().Add(30*24*time.Hour), u.ResetDate)
}

func TestGateResetWinsOverPassReadBeforeReset(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	store := memory.New(memory.WithClock(clock.Now))
	store.PutSubscription(models.Subscription{UserID: "u1", PlanTier: models.PlanFree, Status: models.SubscriptionActive})
	store.PutUsage(models.Usage{UserID: "u1", PromptsUsed: 3, PromptsLimit: 3, ResetDate: clock.Now().Add(time.Hour)})
	repo := newFlaky(store)

	rec := newReconciler(repo, clock)
	defer rec.Close()
	gate := newGate(rec, repo, clock)

	rec.Activate("u1")
	rec.Wait()

	read, release := repo.holdUsageReads()
	rec.RefreshAsync()
	<-read

	clock.Advance(2 * time.Hour)
	d := gate.CanPerformMeteredAction(ctx)
	close(release)
	rec.Wait()

	assert.True(t, d.Allowed)
	assert.Equal(t, 3, d.Remaining)

	e, ok := rec.Snapshot()
	require.True(t, ok)
	assert.Equal(t, 0, e.Usage.PromptsUsed)
	assert.Equal(t, clock.Now().Add(30*24*time.Hour), e.Usage.ResetDate)
	assert.Equal(t, entitlement.StateReady, rec.State())
}

func TestGateInactiveSubscriptionRoutesToUpgrade(t *testing.T) {
	clock := newClock()
	store := memory.New(memory.WithClock(clock.Now))
	_, err := store.EnsureRecordsExist(context.Background(), "u1")
	require.NoError(t, err)
	store.SetPlan("u1", models.PlanMonthly, models.SubscriptionCanceled)

	rec := newReconciler(store, clock)
	defer rec.Close()
	gate := newGate(rec, store, clock)
	rec.Activate("u1")
	rec.Wait()

	d := gate.CanPerformMeteredAction(context.Background())
	assert.False(t, d.Allowed)
	assert.Equal(t, entitlement.ReasonSubscriptionInactive, d.Reason)
	assert.True(t, d.RoutesToUpgrade())
}

func TestGateWithoutIdentityIsUnknown(t *testing.T) {
	clock := newClock()
	store := memory.New()
	rec := newReconciler(store, clock)
	defer rec.Close()

	d := newGate(rec, store, clock).CanPerformMeteredAction(context.Background())
	assert.False(t, d.Allowed)
	assert.Equal(t, entitlement.ReasonUnknown, d.Reason)
	assert.False(t, d.RoutesToUpgrade())
}

func TestGateServerDenialRefreshesStaleSnapshot(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	store := memory.New(memory.WithClock(clock.Now))
	rec := newReconciler(store, clock)
	defer rec.Close()
	gate := newGate(rec, store, clock)

	rec.Activate("u1")
	rec.Wait()
	assert.True(t, gate.Current().Allowed)

	// Another device used up the allowance.
	u, _ := store.GetUsage(ctx, "u1")
	u.PromptsUsed = u.PromptsLimit
	store.PutUsage(u)

	d := gate.CanPerformMeteredAction(ctx)
	assert.False(t, d.Allowed)
	assert.Equal(t, entitlement.ReasonLimitExhausted, d.Reason)

	e, _ := rec.Snapshot()
	assert.Equal(t, 3, e.Usage.PromptsUsed)
}

func TestGateServerCheckErrorFallsBackToLocal(t *testing.T) {
	clock := newClock()
	repo := newFlaky(memory.New(memory.WithClock(clock.Now)))
	repo.canPerformErr = errDown
	rec := newReconciler(repo, clock)
	defer rec.Close()
	gate := newGate(rec, repo, clock)

	rec.Activate("u1")
	rec.Wait()

	d := gate.CanPerformMeteredAction(context.Background())
	assert.True(t, d.Allowed)
}

func TestGateDefaultedSnapshotResetsLocally(t *testing.T) {
	clock := newClock()
	repo := newFlaky(memory.New())
	repo.subAlwaysFail = true
	rec := newReconciler(repo, clock)
	defer rec.Close()
	gate := newGate(rec, repo, clock)

	rec.Activate("u1")
	rec.Wait()
	clock.Advance(31 * 24 * time.Hour)

	d := gate.CanPerformMeteredAction(context.Background())
	assert.True(t, d.Allowed)
	assert.Equal(t, 3, d.Remaining)
}
