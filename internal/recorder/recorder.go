// Package recorder is the single integration point between mutating
// operations and the custody ledger. Every component that changes state
// (lots, events, rules, roles, compliance evaluations) records through a
// Recorder before considering its own mutation durable.
//
// The actor is explicit input, never read from ambient process state: the
// caller resolves the acting principal and passes it in, and an empty
// actor falls back to the "system" sentinel.
package recorder

import (
	"github.com/rastro/rastro/internal/ledger"
)

// SystemActor is the sentinel recorded when no authenticated actor is
// present (scheduled jobs, first-run setup, service lifecycle).
const SystemActor = "system"

// Recorder writes hash-chained audit records for mutating operations.
type Recorder struct {
	ledger *ledger.Ledger
}

// New creates a Recorder backed by the given ledger.
func New(l *ledger.Ledger) *Recorder {
	return &Recorder{ledger: l}
}

// Record appends one ledger entry for a mutating operation. The ledger
// binds the entry to the previous entry's hash and assigns sequence and
// timestamp atomically. A persistence failure aborts the record — callers
// must treat that as failure of the whole operation, not record partial
// state.
func (r *Recorder) Record(actor string, action ledger.Action, subjectID, detail string) (ledger.Entry, error) {
	if actor == "" {
		actor = SystemActor
	}
	return r.ledger.Append(actor, action, subjectID, detail)
}
