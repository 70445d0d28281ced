package rules

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/rastro/rastro/internal/ledger"
	"github.com/rastro/rastro/internal/recorder"
)

// ErrRuleNotFound is returned by ID-based lookups when no rule exists.
var ErrRuleNotFound = errors.New("rule not found")

// Store is the live rule repository. It keeps the rule set in memory,
// persists to rules.yaml, and records every mutation in the custody
// ledger before writing the file.
//
// Thread-safe — ActiveFor is called by concurrent evaluations while CLI
// or API mutations and file-watch reloads modify the set.
type Store struct {
	mu    sync.RWMutex
	rules map[string]*Rule
	path  string
	rec   *recorder.Recorder
}

// NewStore loads the rule repository from the given YAML path. A missing
// file is not an error (empty rule set). Rules that fail validation
// reject the whole load — a rule set with unevaluable members is worse
// than no rule set.
func NewStore(path string, rec *recorder.Recorder) (*Store, error) {
	s := &Store{
		rules: make(map[string]*Rule),
		path:  path,
		rec:   rec,
	}
	if err := s.loadLocked(); err != nil {
		return nil, err
	}
	return s, nil
}

// loadLocked reads rules.yaml into the in-memory map. Caller must hold
// the write lock (or own the store exclusively, as in NewStore).
func (s *Store) loadLocked() error {
	loaded, err := loadRulesFromFile(s.path)
	if err != nil {
		return err
	}

	fresh := make(map[string]*Rule, len(loaded))
	for i := range loaded {
		r := loaded[i]
		if err := validate(&r); err != nil {
			return err
		}
		fresh[r.ID] = &r
	}
	s.rules = fresh
	return nil
}

// Reload re-reads rules.yaml. Called by the file watcher when the rule
// file changes on disk.
func (s *Store) Reload() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.loadLocked(); err != nil {
		return err
	}
	slog.Info("rules reloaded", "total", len(s.rules), "path", s.path)
	return nil
}

// List returns all rules sorted ascending by ID.
func (s *Store) List() []Rule {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Rule, 0, len(s.rules))
	for _, r := range s.rules {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Get returns the rule with the given ID.
func (s *Store) Get(id string) (Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.rules[id]
	if !ok {
		return Rule{}, fmt.Errorf("rule %q: %w", id, ErrRuleNotFound)
	}
	return *r, nil
}

// ActiveFor returns the enabled rules applicable to a lot of the given
// category and code, sorted ascending by ID. The stable order keeps
// evaluation explanation trails reproducible.
func (s *Store) ActiveFor(category, lotCode string) []Rule {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Rule
	for _, r := range s.rules {
		if !r.Enabled {
			continue
		}
		if !r.MatchesLot(category, lotCode) {
			continue
		}
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Create validates and adds a new rule. An empty ID gets a generated
// UUID. The creation is ledger-recorded before rules.yaml is written.
func (s *Store) Create(actor string, r Rule) (Rule, error) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if err := validate(&r); err != nil {
		return Rule{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.rules[r.ID]; exists {
		return Rule{}, fmt.Errorf("rule %q already exists", r.ID)
	}

	detail := fmt.Sprintf("Rule %q created (%s, %s, %s)", r.Name, r.Category, r.Severity, r.Predicate)
	if _, err := s.rec.Record(actor, ledger.ActionRuleCreated, r.ID, detail); err != nil {
		return Rule{}, err
	}

	s.rules[r.ID] = &r
	if err := s.saveLocked(); err != nil {
		return Rule{}, err
	}
	return r, nil
}

// Update validates and replaces an existing rule by ID.
func (s *Store) Update(actor string, r Rule) (Rule, error) {
	if err := validate(&r); err != nil {
		return Rule{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rules[r.ID]; !ok {
		return Rule{}, fmt.Errorf("rule %q: %w", r.ID, ErrRuleNotFound)
	}

	detail := fmt.Sprintf("Rule %q updated", r.Name)
	if _, err := s.rec.Record(actor, ledger.ActionRuleUpdated, r.ID, detail); err != nil {
		return Rule{}, err
	}

	s.rules[r.ID] = &r
	if err := s.saveLocked(); err != nil {
		return Rule{}, err
	}
	return r, nil
}

// SetEnabled toggles a rule on or off. Disabling a rule only removes it
// from future evaluations; past evaluations in the ledger are untouched.
func (s *Store) SetEnabled(actor, id string, enabled bool) (Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rules[id]
	if !ok {
		return Rule{}, fmt.Errorf("rule %q: %w", id, ErrRuleNotFound)
	}
	if r.Enabled == enabled {
		return *r, nil
	}

	verb := "disabled"
	if enabled {
		verb = "enabled"
	}
	detail := fmt.Sprintf("Rule %q %s", r.Name, verb)
	if _, err := s.rec.Record(actor, ledger.ActionRuleUpdated, id, detail); err != nil {
		return Rule{}, err
	}

	r.Enabled = enabled
	if err := s.saveLocked(); err != nil {
		return Rule{}, err
	}
	return *r, nil
}

// Delete removes a rule from the repository. The rule's history — its
// creation and every evaluation it influenced — stays in the ledger.
func (s *Store) Delete(actor, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rules[id]
	if !ok {
		return fmt.Errorf("rule %q: %w", id, ErrRuleNotFound)
	}

	detail := fmt.Sprintf("Rule %q deleted", r.Name)
	if _, err := s.rec.Record(actor, ledger.ActionRuleDeleted, id, detail); err != nil {
		return err
	}

	delete(s.rules, id)
	return s.saveLocked()
}

// saveLocked persists the rule set to rules.yaml. Caller must hold the
// write lock.
func (s *Store) saveLocked() error {
	out := make([]Rule, 0, len(s.rules))
	for _, r := range s.rules {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return saveRulesToFile(s.path, out)
}
