package rules

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/steveyegge/rigwatch/internal/statedir"
)

// Store holds rule definitions in memory with write-through persistence to
// rules.json. All mutations are serialized; reads take a snapshot so rule
// edits never invalidate an in-flight evaluation pass.
type Store struct {
	mu    sync.RWMutex
	rules map[string]*compiled
	dir   *statedir.Dir
	log   zerolog.Logger
}

// NewStore loads existing rules from the state directory. Rules that no
// longer validate (for example a condition type removed in an upgrade) are
// dropped with a warning rather than wedging startup.
func NewStore(dir *statedir.Dir, log zerolog.Logger) (*Store, error) {
	s := &Store{
		rules: make(map[string]*compiled),
		dir:   dir,
		log:   log.With().Str("component", "rules").Logger(),
	}
	if dir == nil {
		return s, nil
	}

	var persisted []Rule
	if _, err := dir.ReadJSON(statedir.RulesFile, &persisted); err != nil {
		return nil, fmt.Errorf("loading rules: %w", err)
	}
	for _, r := range persisted {
		c, err := compile(r)
		if err != nil {
			s.log.Warn().Err(err).Str("rule", r.Name).Msg("dropping unloadable rule")
			continue
		}
		s.rules[r.ID] = c
	}
	return s, nil
}

// List returns all rules sorted by name.
func (s *Store) List() []Rule {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Rule, 0, len(s.rules))
	for _, c := range s.rules {
		out = append(out, c.Rule)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Get returns one rule by id.
func (s *Store) Get(id string) (Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.rules[id]
	if !ok {
		return Rule{}, ErrNotFound
	}
	return c.Rule, nil
}

// Create validates and stores a new rule. The id is always assigned here;
// recreating a deleted rule yields a fresh id. Names must be unique.
func (s *Store) Create(r Rule) (Rule, error) {
	if err := Validate(r); err != nil {
		return Rule{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.rules {
		if c.Name == r.Name {
			return Rule{}, fmt.Errorf("%w: %q", ErrConflict, r.Name)
		}
	}
	r.ID = uuid.NewString()
	now := time.Now().UTC()
	r.CreatedAt = now
	r.UpdatedAt = now
	if r.Severity == "" {
		r.Severity = SeverityWarning
	}

	c, err := compile(r)
	if err != nil {
		return Rule{}, err
	}
	s.rules[r.ID] = c
	if err := s.persistLocked(); err != nil {
		delete(s.rules, r.ID)
		return Rule{}, err
	}
	return r, nil
}

// Update replaces a rule, keeping its id and creation time.
func (s *Store) Update(id string, r Rule) (Rule, error) {
	if err := Validate(r); err != nil {
		return Rule{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.rules[id]
	if !ok {
		return Rule{}, ErrNotFound
	}
	for otherID, c := range s.rules {
		if otherID != id && c.Name == r.Name {
			return Rule{}, fmt.Errorf("%w: %q", ErrConflict, r.Name)
		}
	}
	r.ID = id
	r.CreatedAt = prev.CreatedAt
	r.UpdatedAt = time.Now().UTC()
	if r.Severity == "" {
		r.Severity = prev.Severity
	}

	c, err := compile(r)
	if err != nil {
		return Rule{}, err
	}
	s.rules[id] = c
	if err := s.persistLocked(); err != nil {
		s.rules[id] = prev
		return Rule{}, err
	}
	return r, nil
}

// Toggle flips the enabled flag and returns the updated rule.
func (s *Store) Toggle(id string) (Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.rules[id]
	if !ok {
		return Rule{}, ErrNotFound
	}
	r := c.Rule
	r.Enabled = !r.Enabled
	r.UpdatedAt = time.Now().UTC()
	next, err := compile(r)
	if err != nil {
		return Rule{}, err
	}
	s.rules[id] = next
	if err := s.persistLocked(); err != nil {
		s.rules[id] = c
		return Rule{}, err
	}
	return r, nil
}

// Delete removes a rule. Deleting a missing rule is ErrNotFound.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.rules[id]
	if !ok {
		return ErrNotFound
	}
	delete(s.rules, id)
	if err := s.persistLocked(); err != nil {
		s.rules[id] = c
		return err
	}
	return nil
}

// active returns the compiled rules enabled right now. The slice is a
// point-in-time snapshot: a concurrent edit affects the next event, not the
// pass already underway.
func (s *Store) active() []*compiled {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*compiled, 0, len(s.rules))
	for _, c := range s.rules {
		if c.Enabled {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *Store) persistLocked() error {
	if s.dir == nil {
		return nil
	}
	out := make([]Rule, 0, len(s.rules))
	for _, c := range s.rules {
		out = append(out, c.Rule)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return s.dir.WriteJSON(statedir.RulesFile, out)
}
