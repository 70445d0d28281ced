package custody

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/rastro/rastro/internal/ledger"
	"github.com/rastro/rastro/internal/recorder"
)

// ErrLotNotFound is returned by ID-based lookups when no lot exists.
var ErrLotNotFound = errors.New("lot not found")

// Store manages the lot and event collections. Lots persist to lots.yaml
// and events to events.yaml in the data directory.
//
// Thread-safe — the HTTP API and CLI mutate concurrently with evaluator
// reads.
type Store struct {
	mu     sync.RWMutex
	lots   map[string]*Lot
	events map[string][]Event // Keyed by lot ID, oldest first.
	dir    string
	rec    *recorder.Recorder
}

// lotsFile is the YAML envelope for lots.yaml. The map key is the lot ID.
type lotsFile struct {
	Lots map[string]*Lot `yaml:"lots"`
}

// eventsFile is the YAML envelope for events.yaml.
type eventsFile struct {
	Events []Event `yaml:"events"`
}

// NewStore loads lots and events from the given data directory. Missing
// files are not errors (empty store on first run).
func NewStore(dir string, rec *recorder.Recorder) (*Store, error) {
	s := &Store{
		lots:   make(map[string]*Lot),
		events: make(map[string][]Event),
		dir:    dir,
		rec:    rec,
	}

	if err := s.loadLots(); err != nil {
		return nil, err
	}
	if err := s.loadEvents(); err != nil {
		return nil, err
	}

	slog.Info("custody store loaded", "lots", len(s.lots), "dir", dir)
	return s, nil
}

func (s *Store) lotsPath() string   { return filepath.Join(s.dir, "lots.yaml") }
func (s *Store) eventsPath() string { return filepath.Join(s.dir, "events.yaml") }

func (s *Store) loadLots() error {
	data, err := os.ReadFile(s.lotsPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading lots %s: %w", s.lotsPath(), err)
	}
	if len(data) == 0 {
		return nil
	}

	var file lotsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parsing lots %s: %w", s.lotsPath(), err)
	}

	// The ID lives in the map key, not the YAML value.
	for id, lot := range file.Lots {
		if lot == nil {
			continue
		}
		lot.ID = id
		s.lots[id] = lot
	}
	return nil
}

func (s *Store) loadEvents() error {
	data, err := os.ReadFile(s.eventsPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading events %s: %w", s.eventsPath(), err)
	}
	if len(data) == 0 {
		return nil
	}

	var file eventsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parsing events %s: %w", s.eventsPath(), err)
	}

	for _, e := range file.Events {
		s.events[e.LotID] = append(s.events[e.LotID], e)
	}
	for id := range s.events {
		evs := s.events[id]
		sort.Slice(evs, func(i, j int) bool { return evs[i].Timestamp.Before(evs[j].Timestamp) })
	}
	return nil
}

// Lots returns all lots sorted by code.
func (s *Store) Lots() []Lot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Lot, 0, len(s.lots))
	for _, l := range s.lots {
		out = append(out, *l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out
}

// Get returns the lot with the given ID.
func (s *Store) Get(id string) (Lot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	l, ok := s.lots[id]
	if !ok {
		return Lot{}, fmt.Errorf("lot %q: %w", id, ErrLotNotFound)
	}
	return *l, nil
}

// CreateLot registers a new lot. The creation is ledger-recorded before
// lots.yaml is written.
func (s *Store) CreateLot(actor string, lot Lot) (Lot, error) {
	if lot.Code == "" {
		return Lot{}, fmt.Errorf("lot code is required")
	}
	if lot.Category == "" {
		return Lot{}, fmt.Errorf("lot category is required")
	}
	if lot.ID == "" {
		lot.ID = uuid.NewString()
	}
	if lot.Status == "" {
		lot.Status = StatusConforming
	}
	now := time.Now().UTC()
	lot.CreatedAt = now
	lot.UpdatedAt = now

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.lots[lot.ID]; exists {
		return Lot{}, fmt.Errorf("lot %q already exists", lot.ID)
	}

	detail := fmt.Sprintf("Lot %s created (%s, %.2f %s)", lot.Code, lot.Category, lot.Volume, lot.Unit)
	if _, err := s.rec.Record(actor, ledger.ActionLotCreated, lot.ID, detail); err != nil {
		return Lot{}, err
	}

	s.lots[lot.ID] = &lot
	if err := s.saveLotsLocked(); err != nil {
		return Lot{}, err
	}
	return lot, nil
}

// UpdateLot replaces a lot's mutable attributes by ID.
func (s *Store) UpdateLot(actor string, lot Lot) (Lot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.lots[lot.ID]
	if !ok {
		return Lot{}, fmt.Errorf("lot %q: %w", lot.ID, ErrLotNotFound)
	}

	lot.CreatedAt = existing.CreatedAt
	lot.UpdatedAt = time.Now().UTC()

	detail := fmt.Sprintf("Lot %s updated", lot.Code)
	if _, err := s.rec.Record(actor, ledger.ActionLotUpdated, lot.ID, detail); err != nil {
		return Lot{}, err
	}

	s.lots[lot.ID] = &lot
	if err := s.saveLotsLocked(); err != nil {
		return Lot{}, err
	}
	return lot, nil
}

// SetStatus updates only a lot's compliance status. Called by collaborators
// that decide to persist an evaluation verdict onto the lot.
func (s *Store) SetStatus(actor, id string, status Status) (Lot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.lots[id]
	if !ok {
		return Lot{}, fmt.Errorf("lot %q: %w", id, ErrLotNotFound)
	}

	detail := fmt.Sprintf("Lot %s status changed: %s -> %s", l.Code, l.Status, status)
	if _, err := s.rec.Record(actor, ledger.ActionLotUpdated, id, detail); err != nil {
		return Lot{}, err
	}

	l.Status = status
	l.UpdatedAt = time.Now().UTC()
	if err := s.saveLotsLocked(); err != nil {
		return Lot{}, err
	}
	return *l, nil
}

// DeleteLot removes a lot from the store. Its events and its ledger
// history are retained — delete removes the lot from the live view, it
// never rewrites the record.
func (s *Store) DeleteLot(actor, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.lots[id]
	if !ok {
		return fmt.Errorf("lot %q: %w", id, ErrLotNotFound)
	}

	detail := fmt.Sprintf("Lot %s removed", l.Code)
	if _, err := s.rec.Record(actor, ledger.ActionLotDeleted, id, detail); err != nil {
		return err
	}

	delete(s.lots, id)
	return s.saveLotsLocked()
}

// AddEvent appends an event to a lot's history. Events are append-only:
// there is no update or delete counterpart, by design of the custody
// model.
func (s *Store) AddEvent(actor string, ev Event) (Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	lot, ok := s.lots[ev.LotID]
	if !ok {
		return Event{}, fmt.Errorf("lot %q: %w", ev.LotID, ErrLotNotFound)
	}

	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	if ev.Actor == "" {
		ev.Actor = recorder.SystemActor
	}

	detail := fmt.Sprintf("Event %s recorded for lot %s: %s", ev.Kind, lot.Code, ev.Description)
	if _, err := s.rec.Record(actor, ledger.ActionEventRecorded, ev.LotID, detail); err != nil {
		return Event{}, err
	}

	s.events[ev.LotID] = append(s.events[ev.LotID], ev)
	if err := s.saveEventsLocked(); err != nil {
		return Event{}, err
	}
	return ev, nil
}

// EventsFor returns a lot's events, oldest first.
func (s *Store) EventsFor(lotID string) []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()

	evs := s.events[lotID]
	out := make([]Event, len(evs))
	copy(out, evs)
	return out
}

// saveLotsLocked persists lots.yaml. Caller must hold the write lock.
func (s *Store) saveLotsLocked() error {
	file := lotsFile{Lots: s.lots}
	data, err := yaml.Marshal(&file)
	if err != nil {
		return fmt.Errorf("marshaling lots: %w", err)
	}
	if err := os.WriteFile(s.lotsPath(), data, 0o644); err != nil {
		return fmt.Errorf("writing lots %s: %w", s.lotsPath(), err)
	}
	return nil
}

// saveEventsLocked persists events.yaml. Caller must hold the write lock.
func (s *Store) saveEventsLocked() error {
	var all []Event
	for _, evs := range s.events {
		all = append(all, evs...)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Timestamp.Before(all[j].Timestamp) })

	file := eventsFile{Events: all}
	data, err := yaml.Marshal(&file)
	if err != nil {
		return fmt.Errorf("marshaling events: %w", err)
	}
	if err := os.WriteFile(s.eventsPath(), data, 0o644); err != nil {
		return fmt.Errorf("writing events %s: %w", s.eventsPath(), err)
	}
	return nil
}
