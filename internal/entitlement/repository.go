package entitlement

import (
	"context"
	"errors"
	"time"

	"promptgate/internal/models"
)

// ErrRecordNotFound is returned by a Repository when the subscription or
// usage row for an identity does not exist yet.
var ErrRecordNotFound = errors.New("entitlement: record not found")

// EnsureResult mirrors the ensure_records_exist procedure response.
type EnsureResult struct {
	Success             bool `json:"success"`
	SubscriptionCreated bool `json:"subscription_created"`
	UsageCreated        bool `json:"usage_created"`
}

func (r EnsureResult) Created() bool {
	return r.SubscriptionCreated || r.UsageCreated
}

// Repository is the remote record store. All procedures are idempotent.
type Repository interface {
	EnsureRecordsExist(ctx context.Context, id models.Identity) (EnsureResult, error)
	GetSubscription(ctx context.Context, id models.Identity) (models.Subscription, error)
	GetUsage(ctx context.Context, id models.Identity) (models.Usage, error)
	// CanPerformAction is the authoritative server-side mirror of Evaluate.
	CanPerformAction(ctx context.Context, id models.Identity) (bool, error)
	// IncrementUsage reports false when the server refused the increment.
	IncrementUsage(ctx context.Context, id models.Identity) (bool, error)
	// ResetUsage zeroes the counter and moves the reset date to next, but only
	// while the current reset date has passed.
	ResetUsage(ctx context.Context, id models.Identity, next time.Time) (models.Usage, error)
}
