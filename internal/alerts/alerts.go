// Package alerts records fired rule alerts and their lifecycle:
// active -> acknowledged -> resolved, with delete available at any stage.
package alerts

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/steveyegge/rigwatch/internal/model"
	"github.com/steveyegge/rigwatch/internal/statedir"
)

var ErrNotFound = errors.New("alert not found")

// DefaultCap bounds the in-memory ring; the oldest alerts fall off.
const DefaultCap = 1000

// Alert is one fired rule occurrence.
type Alert struct {
	ID             string       `json:"id"`
	RuleID         string       `json:"ruleId"`
	RuleName       string       `json:"ruleName"`
	Severity       string       `json:"severity"`
	Timestamp      time.Time    `json:"timestamp"`
	Context        *model.Event `json:"context,omitempty"`
	Message        string       `json:"message,omitempty"`
	Acknowledged   bool         `json:"acknowledged"`
	AcknowledgedAt *time.Time   `json:"acknowledgedAt,omitempty"`
	Resolved       bool         `json:"resolved"`
	ResolvedAt     *time.Time   `json:"resolvedAt,omitempty"`
}

// Store is a bounded, persisted alert ring. Newest last.
type Store struct {
	mu     sync.RWMutex
	alerts []Alert
	cap    int
	dir    *statedir.Dir
	log    zerolog.Logger
}

// NewStore loads persisted alerts from the state directory.
func NewStore(dir *statedir.Dir, log zerolog.Logger) (*Store, error) {
	s := &Store{
		cap: DefaultCap,
		dir: dir,
		log: log.With().Str("component", "alerts").Logger(),
	}
	if dir != nil {
		if _, err := dir.ReadJSON(statedir.AlertsFile, &s.alerts); err != nil {
			return nil, err
		}
		if len(s.alerts) > s.cap {
			s.alerts = s.alerts[len(s.alerts)-s.cap:]
		}
	}
	return s, nil
}

// Add records a fired alert and returns it with its assigned id.
func (s *Store) Add(a Alert) Alert {
	a.ID = uuid.NewString()
	if a.Timestamp.IsZero() {
		a.Timestamp = time.Now().UTC()
	}

	s.mu.Lock()
	s.alerts = append(s.alerts, a)
	if len(s.alerts) > s.cap {
		s.alerts = s.alerts[len(s.alerts)-s.cap:]
	}
	s.persistLocked()
	s.mu.Unlock()
	return a
}

// List returns alerts newest first.
func (s *Store) List() []Alert {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Alert, len(s.alerts))
	for i, a := range s.alerts {
		out[len(s.alerts)-1-i] = a
	}
	return out
}

// Acknowledge marks an alert acknowledged. Acknowledging a resolved alert
// or one already acknowledged is a no-op success.
func (s *Store) Acknowledge(id string) (Alert, error) {
	return s.update(id, func(a *Alert) {
		if a.Resolved || a.Acknowledged {
			return
		}
		now := time.Now().UTC()
		a.Acknowledged = true
		a.AcknowledgedAt = &now
	})
}

// Resolve marks an alert resolved. Resolution is terminal and idempotent:
// resolving twice succeeds without touching resolvedAt again.
func (s *Store) Resolve(id string) (Alert, error) {
	return s.update(id, func(a *Alert) {
		if a.Resolved {
			return
		}
		now := time.Now().UTC()
		a.Resolved = true
		a.ResolvedAt = &now
	})
}

// Delete removes an alert from the store.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, a := range s.alerts {
		if a.ID == id {
			s.alerts = append(s.alerts[:i], s.alerts[i+1:]...)
			s.persistLocked()
			return nil
		}
	}
	return ErrNotFound
}

// Persist flushes the current ring to disk. Called during shutdown.
func (s *Store) Persist() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.dir == nil {
		return nil
	}
	return s.dir.WriteJSON(statedir.AlertsFile, s.alerts)
}

func (s *Store) update(id string, mutate func(*Alert)) (Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.alerts {
		if s.alerts[i].ID == id {
			mutate(&s.alerts[i])
			s.persistLocked()
			return s.alerts[i], nil
		}
	}
	return Alert{}, ErrNotFound
}

func (s *Store) persistLocked() {
	if s.dir == nil {
		return
	}
	if err := s.dir.WriteJSON(statedir.AlertsFile, s.alerts); err != nil {
		s.log.Error().Err(err).Msg("persisting alerts")
	}
}
