package entitlement

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"promptgate/internal/metrics"
)

// Mutator commits metered usage. The remote increment is final.
type Mutator struct {
	rec    *Reconciler
	repo   Repository
	logger zerolog.Logger
}

func NewMutator(rec *Reconciler, repo Repository) *Mutator {
	return NewMutatorWithLogger(rec, repo, log.Logger)
}

func NewMutatorWithLogger(rec *Reconciler, repo Repository, logger zerolog.Logger) *Mutator {
	return &Mutator{rec: rec, repo: repo, logger: logger.With().Str("component", "mutator").Logger()}
}

// RecordMeteredAction increments usage for the active identity. It fails
// closed: any remote error or refusal returns false with a *MeteringError
// and leaves the local counter untouched.
func (m *Mutator) RecordMeteredAction(ctx context.Context) (bool, error) {
	id := m.rec.Identity()
	if id == "" {
		metrics.MeteringOutcomes.WithLabelValues(string(MeteringFailed)).Inc()
		return false, &MeteringError{Kind: MeteringFailed, Err: ErrNoIdentity}
	}

	ok, err := m.repo.IncrementUsage(ctx, id)
	if err != nil {
		metrics.MeteringOutcomes.WithLabelValues(string(MeteringFailed)).Inc()
		m.logger.Error().Err(err).Str("identity", id.String()).Msg("Usage increment failed")
		return false, &MeteringError{Kind: MeteringFailed, Err: err}
	}
	if !ok {
		metrics.MeteringOutcomes.WithLabelValues(string(MeteringRejected)).Inc()
		m.logger.Warn().Str("identity", id.String()).Msg("Usage increment rejected")
		m.rec.RefreshAsync()
		return false, &MeteringError{Kind: MeteringRejected}
	}

	metrics.MeteringOutcomes.WithLabelValues("recorded").Inc()
	m.rec.ApplyOptimisticIncrement(id)
	m.rec.RefreshAsync()
	return true, nil
}
