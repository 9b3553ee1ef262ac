package entitlement

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"promptgate/internal/metrics"
	"promptgate/internal/models"
)

type Reason string

const (
	ReasonNone                 Reason = ""
	ReasonLimitExhausted       Reason = "limit_exhausted"
	ReasonSubscriptionInactive Reason = "subscription_inactive"
	ReasonUnknown              Reason = "unknown"
)

type Decision struct {
	Allowed   bool
	Reason    Reason
	Remaining int
	Fraction  float64
}

// RoutesToUpgrade reports whether the denial should send the user to the
// plan picker rather than a retry message.
func (d Decision) RoutesToUpgrade() bool {
	return d.Reason == ReasonLimitExhausted || d.Reason == ReasonSubscriptionInactive
}

func (d Decision) label() string {
	if d.Allowed {
		return "allowed"
	}
	return string(d.Reason)
}

var unknownDecision = Decision{Reason: ReasonUnknown}

// Evaluate decides a metered action from a record pair. It does not apply
// resets; see ResetDue.
func Evaluate(sub models.Subscription, usage models.Usage) Decision {
	d := Decision{
		Remaining: RemainingActions(usage),
		Fraction:  UsageFraction(usage),
	}
	switch {
	case !sub.PlanTier.Valid() || sub.Status == "":
		d.Reason = ReasonUnknown
	case sub.Status != models.SubscriptionActive:
		d.Reason = ReasonSubscriptionInactive
	case usage.PromptsUsed >= usage.PromptsLimit:
		d.Reason = ReasonLimitExhausted
	default:
		d.Allowed = true
	}
	return d
}

// RemainingActions is max(0, limit-used).
func RemainingActions(u models.Usage) int {
	if n := u.PromptsLimit - u.PromptsUsed; n > 0 {
		return n
	}
	return 0
}

// UsageFraction is used/limit clamped to [0,1], and 0 when limit is 0.
func UsageFraction(u models.Usage) float64 {
	if u.PromptsLimit <= 0 || u.PromptsUsed <= 0 {
		return 0
	}
	f := float64(u.PromptsUsed) / float64(u.PromptsLimit)
	if f > 1 {
		return 1
	}
	return f
}

// ResetDue reports whether a free-tier counter should be zeroed before use.
func ResetDue(sub models.Subscription, u models.Usage, now time.Time) bool {
	return sub.PlanTier == models.PlanFree && !u.ResetDate.IsZero() && !now.Before(u.ResetDate)
}

type GateOption func(*Gate)

func WithGateLogger(l zerolog.Logger) GateOption {
	return func(g *Gate) { g.logger = l }
}

func WithGateClock(now func() time.Time) GateOption {
	return func(g *Gate) {
		if now != nil {
			g.now = now
		}
	}
}

func WithResetInterval(d time.Duration) GateOption {
	return func(g *Gate) {
		if d > 0 {
			g.resetIn = d
		}
	}
}

// WithServerCheck toggles confirmation through Repository.CanPerformAction.
func WithServerCheck(enabled bool) GateOption {
	return func(g *Gate) { g.serverCheck = enabled }
}

// Gate answers whether the active identity may perform a metered action,
// reading the Reconciler's last snapshot.
type Gate struct {
	rec         *Reconciler
	repo        Repository
	logger      zerolog.Logger
	now         func() time.Time
	resetIn     time.Duration
	serverCheck bool
}

func NewGate(rec *Reconciler, repo Repository, opts ...GateOption) *Gate {
	g := &Gate{
		rec:         rec,
		repo:        repo,
		logger:      log.Logger,
		now:         time.Now,
		resetIn:     DefaultResetInterval,
		serverCheck: true,
	}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = g.logger.With().Str("component", "gate").Logger()
	return g
}

// Current evaluates the last snapshot without any remote call.
func (g *Gate) Current() Decision {
	e, ok := g.rec.Snapshot()
	if !ok {
		return unknownDecision
	}
	return Evaluate(e.Subscription, e.EffectiveUsage())
}

// CanPerformMeteredAction applies a due free-tier reset, evaluates the
// snapshot, and confirms an allow with the server when enabled.
func (g *Gate) CanPerformMeteredAction(ctx context.Context) Decision {
	d := g.decide(ctx)
	metrics.GateDecisions.WithLabelValues(d.label()).Inc()
	return d
}

func (g *Gate) decide(ctx context.Context) Decision {
	e, ok := g.rec.Snapshot()
	if !ok {
		var err error
		if e, err = g.rec.Refresh(ctx); err != nil {
			g.logger.Debug().Err(err).Msg("No entitlement to evaluate")
			return unknownDecision
		}
	}

	now := g.now()
	if ResetDue(e.Subscription, e.EffectiveUsage(), now) {
		if e.Defaulted() {
			e.Usage.PromptsUsed = 0
			e.Usage.ResetDate = now.Add(g.resetIn)
			e.Optimistic = nil
		} else {
			usage, err := g.repo.ResetUsage(ctx, e.Identity, now.Add(g.resetIn))
			if err != nil {
				g.logger.Warn().Err(err).Str("identity", e.Identity.String()).Msg("Usage reset failed")
				return unknownDecision
			}
			fresh, ok := g.rec.CommitUsage(e.Identity, usage)
			if !ok {
				g.logger.Debug().Str("identity", e.Identity.String()).Msg("Identity changed during reset")
				return unknownDecision
			}
			e = fresh
		}
	}

	d := Evaluate(e.Subscription, e.EffectiveUsage())
	if !d.Allowed || !g.serverCheck || e.Defaulted() {
		return d
	}

	ok, err := g.repo.CanPerformAction(ctx, e.Identity)
	if err != nil {
		g.logger.Debug().Err(err).Msg("Server check failed, using local decision")
		return d
	}
	if ok {
		return d
	}

	// Local snapshot is stale; the server is authoritative.
	fresh, err := g.rec.Refresh(ctx)
	if err != nil {
		return unknownDecision
	}
	d = Evaluate(fresh.Subscription, fresh.EffectiveUsage())
	if d.Allowed {
		d.Allowed = false
		d.Reason = ReasonUnknown
	}
	return d
}
