// Package rules holds the declarative compliance rule set.
//
// A rule is a category-scoped predicate with a severity and remediation
// text. Conditions are a closed vocabulary of predicate kinds interpreted
// structurally by the compliance evaluator. There is no expression
// parser, and an unrecognized predicate is rejected at creation time,
// never silently ignored at evaluation time.
//
// Rules persist to rules.yaml. Every create/update/delete is recorded in
// the custody ledger before the file is written, so the ledger never lags
// the live rule set.
package rules

import (
	"fmt"
	"os"

	"github.com/gobwas/glob"
	"gopkg.in/yaml.v3"
)

// Severity ranks how a violated rule affects a lot's aggregate status.
type Severity string

const (
	SeverityInfo     Severity = "info"     // Recorded in the explanation trail only.
	SeverityAlert    Severity = "alert"    // Marks the lot irregular.
	SeverityBlocking Severity = "blocking" // Blocks the lot outright.
)

// Predicate identifies one of the closed set of evaluable conditions.
type Predicate string

const (
	// PredicateVolumeExceedsDeclared fires when any transport event's
	// volume exceeds the lot's declared volume.
	PredicateVolumeExceedsDeclared Predicate = "volume-exceeds-declared"

	// PredicateClosedSeason fires when the evaluation month is in the
	// rule's closed season month set.
	PredicateClosedSeason Predicate = "calendar-month-in-set"

	// PredicateMissingCertification fires when the lot carries no
	// licenses or certificates.
	PredicateMissingCertification Predicate = "missing-certification"
)

// Rule is a single compliance rule scoped to a commodity category.
type Rule struct {
	ID        string    `yaml:"id" json:"id"`
	Name      string    `yaml:"name" json:"name"`
	Category  string    `yaml:"category" json:"category"`
	Severity  Severity  `yaml:"severity" json:"severity"`
	Predicate Predicate `yaml:"predicate" json:"predicate"`

	// Months is the closed season set, only meaningful for
	// calendar-month-in-set rules. Values are calendar months 1-12.
	Months []int `yaml:"months,omitempty" json:"months,omitempty"`

	// LotCode optionally narrows the rule to lots whose code matches
	// this glob pattern (e.g. "MAD-*"). Empty means all lots in the
	// category.
	LotCode string `yaml:"lot_code,omitempty" json:"lot_code,omitempty"`

	// Action is the human-readable remediation text shown to operators.
	Action  string `yaml:"action" json:"action"`
	Enabled bool   `yaml:"enabled" json:"enabled"`

	// compiled holds the pre-compiled LotCode glob.
	// Set by compile() after loading or validation.
	compiled glob.Glob
}

// InvalidRuleError reports a rule whose definition does not describe an
// evaluable condition. Raised at creation and load time, never deferred
// to evaluation.
type InvalidRuleError struct {
	Rule   string
	Reason string
}

func (e *InvalidRuleError) Error() string {
	return fmt.Sprintf("invalid rule %q: %s", e.Rule, e.Reason)
}

// validate checks a rule definition and pre-compiles its lot code glob.
func validate(r *Rule) error {
	if r.Name == "" {
		return &InvalidRuleError{Rule: r.ID, Reason: "name is required"}
	}
	if r.Category == "" {
		return &InvalidRuleError{Rule: r.Name, Reason: "category is required"}
	}

	switch r.Severity {
	case SeverityInfo, SeverityAlert, SeverityBlocking:
	default:
		return &InvalidRuleError{Rule: r.Name, Reason: fmt.Sprintf("unknown severity %q", r.Severity)}
	}

	switch r.Predicate {
	case PredicateVolumeExceedsDeclared, PredicateMissingCertification:
	case PredicateClosedSeason:
		if len(r.Months) == 0 {
			return &InvalidRuleError{Rule: r.Name, Reason: "calendar-month-in-set requires a month set"}
		}
		for _, m := range r.Months {
			if m < 1 || m > 12 {
				return &InvalidRuleError{Rule: r.Name, Reason: fmt.Sprintf("month %d out of range (1-12)", m)}
			}
		}
	default:
		return &InvalidRuleError{Rule: r.Name, Reason: fmt.Sprintf("unknown predicate %q", r.Predicate)}
	}

	return compile(r)
}

// compile pre-compiles the LotCode glob pattern, if any.
func compile(r *Rule) error {
	if r.LotCode == "" {
		r.compiled = nil
		return nil
	}
	g, err := glob.Compile(r.LotCode)
	if err != nil {
		return &InvalidRuleError{Rule: r.Name, Reason: fmt.Sprintf("invalid lot_code glob %q: %v", r.LotCode, err)}
	}
	r.compiled = g
	return nil
}

// MatchesLot reports whether the rule applies to a lot of the given
// category and code.
func (r *Rule) MatchesLot(category, code string) bool {
	if r.Category != category {
		return false
	}
	if r.compiled != nil && !r.compiled.Match(code) {
		return false
	}
	return true
}

// rulesFile is the YAML envelope for rules.yaml.
type rulesFile struct {
	Rules []Rule `yaml:"rules"`
}

// loadRulesFromFile reads and parses rules from the given YAML path.
// Returns an empty slice if the file doesn't exist (not an error).
func loadRulesFromFile(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading rules %s: %w", path, err)
	}

	if len(data) == 0 {
		return nil, nil
	}

	var file rulesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing rules %s: %w", path, err)
	}

	return file.Rules, nil
}

// saveRulesToFile writes the rule set to the given YAML path.
func saveRulesToFile(path string, rules []Rule) error {
	file := rulesFile{Rules: rules}

	data, err := yaml.Marshal(&file)
	if err != nil {
		return fmt.Errorf("marshaling rules: %w", err)
	}

	header := "# Rastro compliance rules\n# Predicates: volume-exceeds-declared, calendar-month-in-set, missing-certification\n\n"
	return os.WriteFile(path, []byte(header+string(data)), 0o644)
}

// DefaultRules returns the stock rule set shipped with a fresh
// installation: one rule per supported commodity chain.
func DefaultRules() []Rule {
	return []Rule{
		{
			ID:        "madeira-volume-excedente",
			Name:      "Volume Excedente Madeira",
			Category:  "madeira",
			Severity:  SeverityBlocking,
			Predicate: PredicateVolumeExceedsDeclared,
			Action:    "Bloquear transação e notificar fiscalização",
			Enabled:   true,
		},
		{
			ID:        "pescado-defeso",
			Name:      "Período de Defeso Pescado",
			Category:  "pescado",
			Severity:  SeverityBlocking,
			Predicate: PredicateClosedSeason,
			Months:    []int{11, 12, 1, 2},
			Action:    "Bloquear captura em período de defeso",
			Enabled:   true,
		},
		{
			ID:        "cacau-certificacao",
			Name:      "Certificação Cacau",
			Category:  "cacau",
			Severity:  SeverityAlert,
			Predicate: PredicateMissingCertification,
			Action:    "Alertar sobre ausência de certificação",
			Enabled:   true,
		},
	}
}

// WriteDefaultRules writes a rules.yaml containing the stock rule set.
// Used by first-run setup.
func WriteDefaultRules(path string) error {
	return saveRulesToFile(path, DefaultRules())
}
