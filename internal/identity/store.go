package identity

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rastro/rastro/internal/ledger"
	"github.com/rastro/rastro/internal/recorder"
)

// ErrUserNotFound is returned by ID-based lookups when no user exists.
var ErrUserNotFound = errors.New("user not found")

// Store manages the registered users, persisted to users.yaml.
type Store struct {
	mu    sync.RWMutex
	users map[string]*User
	path  string
	rec   *recorder.Recorder
}

// usersFile is the YAML envelope for users.yaml. The map key is the
// user ID.
type usersFile struct {
	Users map[string]*User `yaml:"users"`
}

// NewStore loads users from the given path. A missing file is not an
// error (empty store on first run).
func NewStore(path string, rec *recorder.Recorder) (*Store, error) {
	s := &Store{
		users: make(map[string]*User),
		path:  path,
		rec:   rec,
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("reading users %s: %w", path, err)
	}
	if len(data) == 0 {
		return s, nil
	}

	var file usersFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing users %s: %w", path, err)
	}
	for id, u := range file.Users {
		if u == nil {
			continue
		}
		if !ValidRole(u.Role) {
			return nil, fmt.Errorf("user %s: unknown role %q", id, u.Role)
		}
		u.ID = id
		s.users[id] = u
	}

	slog.Info("identity store loaded", "users", len(s.users))
	return s, nil
}

// List returns all users sorted by ID.
func (s *Store) List() []User {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]User, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, *u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Get returns the user with the given ID.
func (s *Store) Get(id string) (User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[id]
	if !ok {
		return User{}, fmt.Errorf("user %s: %w", id, ErrUserNotFound)
	}
	return *u, nil
}

// SetRole changes a user's role. The change is ledger-recorded before
// users.yaml is written; setting the role a user already has is a no-op
// and leaves no record.
func (s *Store) SetRole(actor, id string, role Role) (User, error) {
	if !ValidRole(role) {
		return User{}, fmt.Errorf("unknown role %q", role)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[id]
	if !ok {
		return User{}, fmt.Errorf("user %s: %w", id, ErrUserNotFound)
	}
	if u.Role == role {
		return *u, nil
	}

	detail := fmt.Sprintf("role of %s changed: %s -> %s", u.Name, u.Role, role)
	if _, err := s.rec.Record(actor, ledger.ActionRoleChanged, id, detail); err != nil {
		return User{}, fmt.Errorf("recording role change for %s: %w", id, err)
	}

	u.Role = role
	if err := s.saveLocked(); err != nil {
		return User{}, err
	}
	return *u, nil
}

// Seed adds the demo accounts if the store is empty. No-op otherwise.
func (s *Store) Seed() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.users) > 0 {
		return nil
	}
	now := time.Now().UTC()
	for _, u := range DefaultUsers() {
		u.CreatedAt = now
		user := u
		s.users[u.ID] = &user
	}
	return s.saveLocked()
}

// saveLocked writes users.yaml. Caller must hold the write lock.
func (s *Store) saveLocked() error {
	file := usersFile{Users: s.users}
	data, err := yaml.Marshal(&file)
	if err != nil {
		return fmt.Errorf("marshaling users: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0o644); err != nil {
		return fmt.Errorf("writing users %s: %w", s.path, err)
	}
	return nil
}
