package models

import "time"

// Identity is the opaque principal key issued by the auth server.
type Identity string

func (i Identity) String() string { return string(i) }

type PlanTier string

const (
	PlanFree    PlanTier = "free"
	PlanMonthly PlanTier = "monthly"
	PlanYearly  PlanTier = "yearly"
)

// Paid reports whether the tier is billed through Stripe.
func (t PlanTier) Paid() bool {
	return t == PlanMonthly || t == PlanYearly
}

func (t PlanTier) Valid() bool {
	switch t {
	case PlanFree, PlanMonthly, PlanYearly:
		return true
	}
	return false
}

type SubscriptionStatus string

const (
	SubscriptionActive     SubscriptionStatus = "active"
	SubscriptionCanceled   SubscriptionStatus = "canceled"
	SubscriptionPastDue    SubscriptionStatus = "past_due"
	SubscriptionIncomplete SubscriptionStatus = "incomplete"
	SubscriptionTrialing   SubscriptionStatus = "trialing"
)

type User struct {
	ID           Identity  `json:"id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	GoogleID     *string   `json:"-"`
	Status       string    `json:"status"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

const (
	UserStatusActive              = "active"
	UserStatusDisabled            = "disabled"
	UserStatusPendingVerification = "pending_verification"
)

// Subscription is keyed 1:1 by user. Period bounds are only set for paid tiers.
type Subscription struct {
	UserID               Identity           `json:"user_id"`
	PlanTier             PlanTier           `json:"plan_tier"`
	Status               SubscriptionStatus `json:"status"`
	CurrentPeriodStart   *time.Time         `json:"current_period_start,omitempty"`
	CurrentPeriodEnd     *time.Time         `json:"current_period_end,omitempty"`
	StripeCustomerID     string             `json:"stripe_customer_id,omitempty"`
	StripeSubscriptionID string             `json:"stripe_subscription_id,omitempty"`
	UpdatedAt            time.Time          `json:"updated_at"`
}

// Usage is keyed 1:1 by user. PromptsLimit is written by the server and must
// be read, never assumed.
type Usage struct {
	UserID       Identity  `json:"user_id"`
	PromptsUsed  int       `json:"prompts_used"`
	PromptsLimit int       `json:"prompts_limit"`
	ResetDate    time.Time `json:"reset_date"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// ProcessedEvent records a settled Stripe event id.
type ProcessedEvent struct {
	EventID     string    `json:"event_id"`
	EventType   string    `json:"event_type"`
	ProcessedAt time.Time `json:"processed_at"`
}
