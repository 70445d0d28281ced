// Package compliance evaluates custody lots against the active rule set
// and produces a verdict: an aggregate status plus a human-readable
// explanation trail, one line per violated rule.
//
// Evaluation is read-only with respect to the lot — the evaluator never
// changes stored state except for the ledger record of the evaluation
// itself. Applying a verdict to a lot's status is the caller's decision.
package compliance

import (
	"fmt"
	"strings"
	"time"

	"github.com/rastro/rastro/internal/custody"
	"github.com/rastro/rastro/internal/ledger"
	"github.com/rastro/rastro/internal/recorder"
	"github.com/rastro/rastro/internal/rules"
)

// Verdict is the outcome of evaluating one lot.
type Verdict struct {
	LotID   string         `json:"lot_id"`
	LotCode string         `json:"lot_code"`
	Status  custody.Status `json:"status"`

	// Messages is the explanation trail: one line per violated rule,
	// marked by severity, or a single ✅ line when nothing is violated.
	Messages []string `json:"messages"`

	RulesApplied int       `json:"rules_applied"`
	EvaluatedAt  time.Time `json:"evaluated_at"`
}

// Evaluator runs the active rules against lots.
type Evaluator struct {
	rules *rules.Store
	rec   *recorder.Recorder

	// now is injectable so closed-season rules are testable.
	now func() time.Time
}

// New creates an Evaluator over the given rule repository.
func New(rs *rules.Store, rec *recorder.Recorder) *Evaluator {
	return &Evaluator{rules: rs, rec: rec, now: time.Now}
}

// statusRank orders aggregate statuses from best to worst. Aggregation
// keeps the worst: once a blocking rule fires, nothing downgrades it.
func statusRank(s custody.Status) int {
	switch s {
	case custody.StatusConforming:
		return 0
	case custody.StatusUnderReview:
		return 1
	case custody.StatusIrregular:
		return 2
	case custody.StatusBlocked:
		return 3
	}
	return 0
}

// worse returns the worse of two statuses.
func worse(a, b custody.Status) custody.Status {
	if statusRank(b) > statusRank(a) {
		return b
	}
	return a
}

// statusFor maps a violated rule's severity to the status it imposes.
// Info never degrades the aggregate — it only adds to the trail.
func statusFor(sev rules.Severity) custody.Status {
	switch sev {
	case rules.SeverityBlocking:
		return custody.StatusBlocked
	case rules.SeverityAlert:
		return custody.StatusIrregular
	}
	return custody.StatusConforming
}

// marker returns the trail marker for a violated rule of this severity.
func marker(sev rules.Severity) string {
	switch sev {
	case rules.SeverityBlocking:
		return "❌"
	case rules.SeverityAlert:
		return "⚠️"
	}
	return "ℹ️"
}

// Evaluate runs every active rule matching the lot's category and code
// and aggregates the results. The evaluation itself is recorded in the
// ledger under the given actor; the lot is never mutated.
func (e *Evaluator) Evaluate(actor string, lot custody.Lot, events []custody.Event) (Verdict, error) {
	active := e.rules.ActiveFor(lot.Category, lot.Code)

	v := Verdict{
		LotID:        lot.ID,
		LotCode:      lot.Code,
		Status:       custody.StatusConforming,
		RulesApplied: len(active),
		EvaluatedAt:  e.now().UTC(),
	}

	for _, r := range active {
		violated, why := e.check(&r, lot, events)
		if !violated {
			continue
		}
		v.Status = worse(v.Status, statusFor(r.Severity))
		msg := fmt.Sprintf("%s %s: %s", marker(r.Severity), r.Name, why)
		if r.Action != "" {
			msg += ". Ação: " + r.Action
		}
		v.Messages = append(v.Messages, msg)
	}

	// No violations means exactly one affirmative line in the trail.
	if len(v.Messages) == 0 {
		if len(active) == 0 {
			v.Messages = []string{fmt.Sprintf("✅ Nenhuma regra ativa para a categoria %q; lote em conformidade", lot.Category)}
		} else {
			v.Messages = []string{"✅ Todos os requisitos de compliance atendidos"}
		}
	}

	detail := fmt.Sprintf("resultado %s (%d regras): %s", v.Status, v.RulesApplied, strings.Join(v.Messages, "; "))
	if _, err := e.rec.Record(actor, ledger.ActionComplianceEval, lot.ID, detail); err != nil {
		return Verdict{}, fmt.Errorf("recording evaluation of lot %s: %w", lot.ID, err)
	}

	return v, nil
}

// check evaluates one rule's predicate against the lot and its history.
// Returns whether the rule is violated and, if so, the reason line.
func (e *Evaluator) check(r *rules.Rule, lot custody.Lot, events []custody.Event) (bool, string) {
	switch r.Predicate {
	case rules.PredicateVolumeExceedsDeclared:
		if v, ok := maxTransportVolume(events); ok && v > lot.Volume {
			return true, fmt.Sprintf("volume transportado %.1f %s excede o volume declarado %.1f %s",
				v, lot.Unit, lot.Volume, lot.Unit)
		}

	case rules.PredicateClosedSeason:
		month := int(e.now().Month())
		for _, m := range r.Months {
			if m == month {
				return true, fmt.Sprintf("mês atual (%d) está no período de defeso %v", month, r.Months)
			}
		}

	case rules.PredicateMissingCertification:
		if len(lot.Licenses) == 0 {
			return true, "lote sem certificação ou licença registrada"
		}
	}

	return false, ""
}

// maxTransportVolume returns the largest volume declared on any transport
// event, if any transport event carries one.
func maxTransportVolume(events []custody.Event) (float64, bool) {
	var max float64
	found := false
	for _, ev := range events {
		if ev.Kind != custody.KindTransport || ev.Volume == nil {
			continue
		}
		if !found || *ev.Volume > max {
			max = *ev.Volume
			found = true
		}
	}
	return max, found
}
