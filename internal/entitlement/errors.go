package entitlement

import (
	"errors"
	"fmt"

	"promptgate/internal/models"
)

var (
	ErrNoIdentity = errors.New("entitlement: no active identity")
	ErrClosed     = errors.New("entitlement: reconciler closed")
	ErrSuperseded = errors.New("entitlement: pass superseded by a newer activation")
)

// Kind classifies why a reconciliation fell back to defaults.
type Kind int

const (
	// RepositoryUnreachable: the record store could not be reached.
	RepositoryUnreachable Kind = iota + 1
	// RecordRepairFailed: neither record appeared despite ensure calls.
	RecordRepairFailed
	// PartialData: exactly one of the two records was readable.
	PartialData
)

func (k Kind) String() string {
	switch k {
	case RepositoryUnreachable:
		return "repository_unreachable"
	case RecordRepairFailed:
		return "record_repair_failed"
	case PartialData:
		return "partial_data"
	}
	return "unknown"
}

// Message is the soft warning shown to the user.
func (k Kind) Message() string {
	switch k {
	case RepositoryUnreachable:
		return "We couldn't reach the usage service. Showing free-plan limits for now."
	case RecordRepairFailed:
		return "Your account is still being set up. Showing free-plan limits for now."
	case PartialData:
		return "Some of your plan details are missing. Showing free-plan limits for now."
	}
	return "Usage information is temporarily unavailable."
}

// ReconcileError is attached to a defaulted Entitlement as its warning.
// It never escapes the Reconciler as a returned error.
type ReconcileError struct {
	Kind     Kind
	Identity models.Identity
	Attempts int
	Err      error
}

func (e *ReconcileError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("reconcile %s: %s after %d attempts: %v", e.Identity, e.Kind, e.Attempts, e.Err)
	}
	return fmt.Sprintf("reconcile %s: %s after %d attempts", e.Identity, e.Kind, e.Attempts)
}

func (e *ReconcileError) Unwrap() error { return e.Err }

// Is lets callers match on a bare kind: errors.Is(err, &ReconcileError{Kind: PartialData}).
func (e *ReconcileError) Is(target error) bool {
	t, ok := target.(*ReconcileError)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Identity == "" || t.Identity == e.Identity)
}

type MeteringKind string

const (
	// MeteringRejected: the server refused the increment (limit or status).
	MeteringRejected MeteringKind = "rejected"
	// MeteringFailed: the increment call itself failed.
	MeteringFailed MeteringKind = "failed"
)

// MeteringError reports that a completed action could not be metered.
// Callers log it; the action is not rolled back.
type MeteringError struct {
	Kind MeteringKind
	Err  error
}

func (e *MeteringError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("metering %s: %v", e.Kind, e.Err)
	}
	return "metering " + string(e.Kind)
}

func (e *MeteringError) Unwrap() error { return e.Err }
