// Package entitlement reconciles the subscription and usage records of the
// signed-in identity and decides whether metered actions are allowed.
package entitlement

import (
	"time"

	"promptgate/internal/models"
)

type State string

const (
	StateIdle      State = "idle"
	StateFetching  State = "fetching"
	StateRepairing State = "repairing"
	StateReady     State = "ready"
	StateDefaulted State = "defaulted"
)

type Provenance string

const (
	ProvenanceFetched   Provenance = "fetched"
	ProvenanceRepaired  Provenance = "repaired-by-create"
	ProvenanceDefaulted Provenance = "defaulted-on-error"
)

// Entitlement is the last reconciled (Subscription, Usage) pair for an
// identity. It is derived and never persisted.
type Entitlement struct {
	Identity     models.Identity
	Subscription models.Subscription
	// Usage is the authoritative value from the last fetch.
	Usage models.Usage
	// Optimistic is set by local increments and cleared by the next fetch.
	Optimistic *models.Usage
	Provenance Provenance
	// Warning is a *ReconcileError when Provenance is defaulted.
	Warning   error
	FetchedAt time.Time
}

// EffectiveUsage returns the optimistic usage when present.
func (e Entitlement) EffectiveUsage() models.Usage {
	if e.Optimistic != nil {
		return *e.Optimistic
	}
	return e.Usage
}

func (e Entitlement) Defaulted() bool {
	return e.Provenance == ProvenanceDefaulted
}

// defaultEntitlement is what the rest of the app sees when the repository
// cannot produce both records.
func defaultEntitlement(id models.Identity, now time.Time, limit int, resetIn time.Duration, warning error) Entitlement {
	return Entitlement{
		Identity: id,
		Subscription: models.Subscription{
			UserID:    id,
			PlanTier:  models.PlanFree,
			Status:    models.SubscriptionActive,
			UpdatedAt: now,
		},
		Usage: models.Usage{
			UserID:       id,
			PromptsUsed:  0,
			PromptsLimit: limit,
			ResetDate:    now.Add(resetIn),
			UpdatedAt:    now,
		},
		Provenance: ProvenanceDefaulted,
		Warning:    warning,
		FetchedAt:  now,
	}
}
