// Package ledger implements the tamper-evident, hash-chained custody ledger.
//
// Every mutating action in the system — lot changes, recorded events, rule
// changes, compliance evaluations — is appended as an Entry to an
// append-only JSONL file. Each entry's hash is computed as
// SHA-256(prev_hash | action | detail | timestamp), forming a chain where
// altering any historical entry, or reordering entries, breaks verification
// from that point forward.
package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// GenesisHash is the fixed sentinel used as PrevHash of the very first
// entry. It never changes — auditors rely on it to anchor verification.
const GenesisHash = "sha256:genesis"

// Action tags the operation a ledger entry records.
type Action string

// The closed set of recordable actions.
const (
	ActionLotCreated     Action = "lot-created"
	ActionLotUpdated     Action = "lot-updated"
	ActionLotDeleted     Action = "lot-deleted"
	ActionEventRecorded  Action = "event-recorded"
	ActionRuleCreated    Action = "rule-created"
	ActionRuleUpdated    Action = "rule-updated"
	ActionRuleDeleted    Action = "rule-deleted"
	ActionComplianceEval Action = "compliance-evaluated"
	ActionRoleChanged    Action = "role-changed"
	ActionServiceStarted Action = "service-started"
	ActionServiceStopped Action = "service-stopped"
)

// Entry is a single immutable ledger record. Seq, Timestamp, PrevHash and
// Hash are assigned at append time and never revised.
type Entry struct {
	Seq       uint64 `json:"seq"`
	Timestamp string `json:"ts"`
	Actor     string `json:"actor"`
	Action    Action `json:"action"`
	SubjectID string `json:"subject,omitempty"`
	Detail    string `json:"detail"`
	PrevHash  string `json:"prev_hash"`
	Hash      string `json:"hash"`
}

// computeHash calculates the SHA-256 hash for an entry. The hash depends
// on the previous entry's hash, so modifying any entry invalidates all
// subsequent entries. The entry's own stored Timestamp feeds the digest —
// never a fresh clock read — so verification is a pure function of stored
// data.
//
// Returns a prefixed hash string: "sha256:<hex>".
func computeHash(e *Entry) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%s", e.PrevHash, e.Action, e.Detail, e.Timestamp)
	return "sha256:" + hex.EncodeToString(h.Sum(nil))
}

// verifyEntry reports whether an entry's stored hash matches the hash
// recomputed from its stored fields.
func verifyEntry(e *Entry) bool {
	return e.Hash == computeHash(e)
}

// VerifyResult holds the outcome of a hash chain verification.
type VerifyResult struct {
	Valid          bool   `json:"valid"`
	EntriesChecked int    `json:"entries_checked"`
	BrokenAt       uint64 `json:"broken_at,omitempty"`
	ExpectedHash   string `json:"expected_hash,omitempty"`
	ActualHash     string `json:"actual_hash,omitempty"`
}

// Err returns an *IntegrityError describing the first broken sequence,
// or nil when the chain verified clean.
func (r VerifyResult) Err() error {
	if r.Valid {
		return nil
	}
	return &IntegrityError{
		BrokenAt:     r.BrokenAt,
		ExpectedHash: r.ExpectedHash,
		ActualHash:   r.ActualHash,
	}
}

// IntegrityError reports a hash chain integrity violation. It identifies
// the first sequence number at which verification failed. The chain is
// never auto-repaired.
type IntegrityError struct {
	BrokenAt     uint64
	ExpectedHash string
	ActualHash   string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("ledger chain broken at seq %d: expected %s, got %s",
		e.BrokenAt, e.ExpectedHash, e.ActualHash)
}

// VerifyEntries checks the integrity of an ordered, oldest-first slice of
// entries. For each entry it recomputes the expected hash from stored
// fields and compares against the stored hash, then checks that PrevHash
// links to the prior entry's stored hash (or the genesis sentinel for the
// first entry) and that sequence numbers are gap-free. A broken link also
// catches a forked chain: two entries claiming the same predecessor cannot
// both satisfy the linkage check in a total order.
//
// Pure function of the entries — safe to run on the full history, and
// running it twice on unchanged input yields identical results.
func VerifyEntries(entries []Entry) VerifyResult {
	for i := range entries {
		e := &entries[i]

		if expected := computeHash(e); e.Hash != expected {
			return VerifyResult{
				EntriesChecked: i + 1,
				BrokenAt:       e.Seq,
				ExpectedHash:   expected,
				ActualHash:     e.Hash,
			}
		}

		if i == 0 {
			if e.PrevHash != GenesisHash {
				return VerifyResult{
					EntriesChecked: 1,
					BrokenAt:       e.Seq,
					ExpectedHash:   GenesisHash,
					ActualHash:     e.PrevHash,
				}
			}
			continue
		}

		prev := &entries[i-1]
		if e.PrevHash != prev.Hash {
			return VerifyResult{
				EntriesChecked: i + 1,
				BrokenAt:       e.Seq,
				ExpectedHash:   prev.Hash,
				ActualHash:     e.PrevHash,
			}
		}
		// Seq is not part of the digest, so a rewritten sequence number
		// survives hash recomputation. The gap check catches it.
		if e.Seq != prev.Seq+1 {
			return VerifyResult{
				EntriesChecked: i + 1,
				BrokenAt:       e.Seq,
			}
		}
	}

	return VerifyResult{Valid: true, EntriesChecked: len(entries)}
}
