package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"promptgate/internal/entitlement"
	"promptgate/internal/models"
)

func TestEnsureRecordsExistIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := New()

	first, err := s.EnsureRecordsExist(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, first.Success)
	assert.True(t, first.SubscriptionCreated)
	assert.True(t, first.UsageCreated)

	sub1, _ := s.GetSubscription(ctx, "u1")
	usage1, _ := s.GetUsage(ctx, "u1")

	second, err := s.EnsureRecordsExist(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, second.Success)
	assert.False(t, second.Created())

	subs, usage := s.Len()
	assert.Equal(t, 1, subs)
	assert.Equal(t, 1, usage)

	sub2, _ := s.GetSubscription(ctx, "u1")
	usage2, _ := s.GetUsage(ctx, "u1")
	assert.Equal(t, sub1, sub2)
	assert.Equal(t, usage1, usage2)
}

func TestMissingRecords(t *testing.T) {
	s := New()
	_, err := s.GetSubscription(context.Background(), "nobody")
	assert.ErrorIs(t, err, entitlement.ErrRecordNotFound)
	_, err = s.GetUsage(context.Background(), "nobody")
	assert.ErrorIs(t, err, entitlement.ErrRecordNotFound)
	_, err = s.IncrementUsage(context.Background(), "nobody")
	assert.ErrorIs(t, err, entitlement.ErrRecordNotFound)
}

func TestIncrementStopsAtLimit(t *testing.T) {
	ctx := context.Background()
	s := New()
	_, err := s.EnsureRecordsExist(ctx, "u1")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		ok, err := s.IncrementUsage(ctx, "u1")
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, err := s.IncrementUsage(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, ok)

	u, _ := s.GetUsage(ctx, "u1")
	assert.Equal(t, 3, u.PromptsUsed)
}

func TestResetUsageOnlyWhenDue(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := New(WithClock(func() time.Time { return now }))
	s.PutSubscription(models.Subscription{UserID: "u1", PlanTier: models.PlanFree, Status: models.SubscriptionActive})
	s.PutUsage(models.Usage{UserID: "u1", PromptsUsed: 3, PromptsLimit: 3, ResetDate: now.Add(time.Hour)})

	u, err := s.ResetUsage(ctx, "u1", now.Add(30*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 3, u.PromptsUsed)

	now = now.Add(2 * time.Hour)
	u, err = s.ResetUsage(ctx, "u1", now.Add(30*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 0, u.PromptsUsed)
	assert.Equal(t, now.Add(30*24*time.Hour), u.ResetDate)
}

func TestResetUsageSkipsPaidTierAndClampsNext(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := New(WithClock(func() time.Time { return now }))
	s.PutSubscription(models.Subscription{UserID: "paid", PlanTier: models.PlanMonthly, Status: models.SubscriptionActive})
	s.PutUsage(models.Usage{UserID: "paid", PromptsUsed: 40, PromptsLimit: 100, ResetDate: now.Add(-time.Hour)})
	s.PutSubscription(models.Subscription{UserID: "free", PlanTier: models.PlanFree, Status: models.SubscriptionActive})
	s.PutUsage(models.Usage{UserID: "free", PromptsUsed: 3, PromptsLimit: 3, ResetDate: now.Add(-time.Hour)})

	u, err := s.ResetUsage(ctx, "paid", now.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 40, u.PromptsUsed)
	assert.Equal(t, now.Add(-time.Hour), u.ResetDate)

	u, err = s.ResetUsage(ctx, "free", now.Add(365*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 0, u.PromptsUsed)
	assert.Equal(t, now.Add(entitlement.DefaultResetInterval), u.ResetDate)

	s.PutUsage(models.Usage{UserID: "free", PromptsUsed: 3, PromptsLimit: 3, ResetDate: now.Add(-time.Hour)})
	u, err = s.ResetUsage(ctx, "free", now.Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, now.Add(entitlement.DefaultResetInterval), u.ResetDate)
}

func TestSetPlanAppliesTierLimit(t *testing.T) {
	ctx := context.Background()
	s := New()
	_, err := s.EnsureRecordsExist(ctx, "u1")
	require.NoError(t, err)

	s.SetPlan("u1", models.PlanYearly, models.SubscriptionActive)
	sub, _ := s.GetSubscription(ctx, "u1")
	u, _ := s.GetUsage(ctx, "u1")
	assert.Equal(t, models.PlanYearly, sub.PlanTier)
	assert.Equal(t, 1500, u.PromptsLimit)
}
