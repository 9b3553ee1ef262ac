package services

import (
	"encoding/json"
	"testing"

	"promptgate/internal/config"
	"promptgate/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v76"
)

func testService() *Service {
	return New(nil, config.Config{
		StripePriceMonthly: "price_monthly",
		StripePriceYearly:  "price_yearly",
		FreePromptLimit:    3,
		MonthlyPromptLimit: 100,
		YearlyPromptLimit:  1500,
		UsageResetDays:     30,
	})
}

func event(id, typ, raw string) stripe.Event {
	return stripe.Event{
		ID:   id,
		Type: stripe.EventType(typ),
		Data: &stripe.EventData{Raw: json.RawMessage(raw)},
	}
}

func TestMutationCheckoutCompleted(t *testing.T) {
	m, err := testService().mutationForEvent(event("evt_1", "checkout.session.completed", `{
		"id": "cs_1",
		"mode": "subscription",
		"client_reference_id": "3b5c0a58-7f7e-4a43-9a3e-9f2f8f0f2a11",
		"customer": "cus_1",
		"subscription": "sub_1",
		"metadata": {"plan_tier": "yearly"}
	}`))
	require.NoError(t, err)
	assert.Equal(t, mutationActivate, m.kind)
	assert.Equal(t, models.Identity("3b5c0a58-7f7e-4a43-9a3e-9f2f8f0f2a11"), m.userID)
	assert.Equal(t, models.PlanYearly, m.tier)
	assert.Equal(t, "cus_1", m.customerID)
	assert.Equal(t, "sub_1", m.subscriptionID)
	assert.Equal(t, models.SubscriptionActive, m.status)
}

func TestMutationCheckoutFallsBackToMetadataUser(t *testing.T) {
	m, err := testService().mutationForEvent(event("evt_2", "checkout.session.completed", `{
		"id": "cs_2",
		"mode": "subscription",
		"metadata": {"plan_tier": "monthly", "user_id": "u-meta"}
	}`))
	require.NoError(t, err)
	assert.Equal(t, models.Identity("u-meta"), m.userID)
}

func TestMutationCheckoutRejectsMissingPlan(t *testing.T) {
	_, err := testService().mutationForEvent(event("evt_3", "checkout.session.completed", `{
		"id": "cs_3",
		"mode": "subscription",
		"client_reference_id": "u1",
		"metadata": {"plan_tier": "free"}
	}`))
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestMutationCheckoutPaymentModeIgnored(t *testing.T) {
	m, err := testService().mutationForEvent(event("evt_4", "checkout.session.completed", `{"id": "cs_4", "mode": "payment"}`))
	require.NoError(t, err)
	assert.Equal(t, mutationIgnore, m.kind)
}

func TestMutationSubscriptionUpdated(t *testing.T) {
	m, err := testService().mutationForEvent(event("evt_5", "customer.subscription.updated", `{
		"id": "sub_1",
		"customer": "cus_1",
		"status": "unpaid",
		"current_period_start": 1700000000,
		"current_period_end": 1702592000,
		"items": {"data": [{"id": "si_1", "price": {"id": "price_monthly"}}]}
	}`))
	require.NoError(t, err)
	assert.Equal(t, mutationUpdate, m.kind)
	assert.Equal(t, models.PlanMonthly, m.tier)
	assert.Equal(t, models.SubscriptionPastDue, m.status)
	require.NotNil(t, m.periodStart)
	require.NotNil(t, m.periodEnd)
	assert.Equal(t, int64(1702592000), m.periodEnd.Unix())
}

func TestMutationSubscriptionUpdatedUnknownPriceKeepsTier(t *testing.T) {
	m, err := testService().mutationForEvent(event("evt_6", "customer.subscription.updated", `{
		"id": "sub_1",
		"status": "active",
		"items": {"data": [{"id": "si_1", "price": {"id": "price_other"}}]}
	}`))
	require.NoError(t, err)
	assert.Equal(t, models.PlanTier(""), m.tier)
	assert.Nil(t, m.periodStart)
}

func TestMutationSubscriptionDeletedDowngrades(t *testing.T) {
	m, err := testService().mutationForEvent(event("evt_7", "customer.subscription.deleted", `{"id": "sub_1", "customer": "cus_1", "status": "canceled"}`))
	require.NoError(t, err)
	assert.Equal(t, mutationCancel, m.kind)
	assert.Equal(t, models.PlanFree, m.tier)
	assert.Equal(t, models.SubscriptionActive, m.status)
	assert.Equal(t, "sub_1", m.subscriptionID)
}

func TestMutationInvoices(t *testing.T) {
	m, err := testService().mutationForEvent(event("evt_8", "invoice.paid", `{"id": "in_1", "subscription": "sub_1", "customer": "cus_1"}`))
	require.NoError(t, err)
	assert.Equal(t, mutationRenew, m.kind)
	assert.Equal(t, models.SubscriptionActive, m.status)

	m, err = testService().mutationForEvent(event("evt_9", "invoice.payment_failed", `{"id": "in_2", "subscription": "sub_1"}`))
	require.NoError(t, err)
	assert.Equal(t, mutationPastDue, m.kind)
	assert.Equal(t, models.SubscriptionPastDue, m.status)

	m, err = testService().mutationForEvent(event("evt_10", "invoice.paid", `{"id": "in_3"}`))
	require.NoError(t, err)
	assert.Equal(t, mutationIgnore, m.kind)
}

func TestMutationUnhandledAndMalformed(t *testing.T) {
	m, err := testService().mutationForEvent(event("evt_11", "customer.created", `{"id": "cus_1"}`))
	require.NoError(t, err)
	assert.Equal(t, mutationIgnore, m.kind)

	_, err = testService().mutationForEvent(event("evt_12", "invoice.paid", `{"id": `))
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = testService().mutationForEvent(stripe.Event{ID: "evt_13", Type: "invoice.paid"})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestStripeStatusMapping(t *testing.T) {
	cases := map[stripe.SubscriptionStatus]models.SubscriptionStatus{
		stripe.SubscriptionStatusActive:            models.SubscriptionActive,
		stripe.SubscriptionStatusTrialing:          models.SubscriptionTrialing,
		stripe.SubscriptionStatusUnpaid:            models.SubscriptionPastDue,
		stripe.SubscriptionStatusIncompleteExpired: models.SubscriptionCanceled,
		stripe.SubscriptionStatusPaused:            models.SubscriptionIncomplete,
	}
	for in, want := range cases {
		assert.Equal(t, want, stripeStatus(in), string(in))
	}
}

func TestParseIdentityRejectsNonUUID(t *testing.T) {
	_, err := parseIdentity("not-a-uuid")
	assert.ErrorIs(t, err, ErrInvalidRequest)
}
