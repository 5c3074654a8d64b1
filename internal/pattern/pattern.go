// Package pattern clusters error events by a normalized fingerprint so
// repeated failures across the fleet surface as one pattern instead of a
// stream of near-identical messages.
package pattern

import (
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	// maxFingerprint caps the normalized form so pathological messages
	// cannot bloat the pattern table.
	maxFingerprint = 200

	// exampleCap is how many raw messages each pattern retains.
	exampleCap = 5

	// defaultTTL is how long a pattern survives without a new occurrence.
	defaultTTL = 24 * time.Hour
)

var (
	uuidRe   = regexp.MustCompile(`\b[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}\b`)
	hexRunRe = regexp.MustCompile(`\b[0-9a-f]{8,}\b`)
	numRunRe = regexp.MustCompile(`\d+`)
	spaceRe  = regexp.MustCompile(`\s+`)
)

// Fingerprint normalizes an error message to its stable shape: lowercase,
// whitespace collapsed, hex/UUID runs replaced by X and digit runs by N.
// UUIDs go first so the hex-run pattern cannot eat their leading segment,
// and an all-digit run is a number run, not hex.
func Fingerprint(msg string) string {
	s := strings.ToLower(strings.TrimSpace(msg))
	s = uuidRe.ReplaceAllString(s, "X")
	s = hexRunRe.ReplaceAllStringFunc(s, func(run string) string {
		if strings.ContainsAny(run, "abcdef") {
			return "X"
		}
		return run
	})
	s = numRunRe.ReplaceAllString(s, "N")
	s = spaceRe.ReplaceAllString(s, " ")
	if len(s) > maxFingerprint {
		s = s[:maxFingerprint]
	}
	return s
}

// ErrorPattern is one cluster of similar error messages. Level is "warn"
// until any occurrence arrives at error level, then sticks at "error".
type ErrorPattern struct {
	Fingerprint string    `json:"fingerprint"`
	Level       string    `json:"level"`
	Count       int       `json:"count"`
	FirstSeen   time.Time `json:"firstSeen"`
	LastSeen    time.Time `json:"lastSeen"`
	Agents      []string  `json:"agents"` // rig/name keys, sorted
	Rigs        []string  `json:"rigs"`   // sorted
	Systemic    bool      `json:"systemic"`
	Examples    []string  `json:"examples"` // most recent raw messages
}

type entry struct {
	level     string
	count     int
	firstSeen time.Time
	lastSeen  time.Time
	agents    map[string]struct{}
	rigs      map[string]struct{}
	examples  []string
}

// Tracker accumulates error occurrences and classifies systemic patterns.
// A pattern is systemic once it has been seen from at least two agents in
// at least two rigs with five or more total occurrences.
type Tracker struct {
	mu       sync.Mutex
	ttl      time.Duration
	patterns map[string]*entry
}

func NewTracker() *Tracker {
	return &Tracker{ttl: defaultTTL, patterns: make(map[string]*entry)}
}

// Observe records one occurrence at the given level ("error" or anything
// else, treated as "warn") and reports whether the pattern just crossed the
// systemic threshold with this observation.
func (t *Tracker) Observe(rig, agent, msg, level string, at time.Time) (fingerprint string, becameSystemic bool) {
	fp := Fingerprint(msg)
	if fp == "" {
		return "", false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.patterns[fp]
	if !ok {
		e = &entry{
			level:     "warn",
			firstSeen: at,
			agents:    make(map[string]struct{}),
			rigs:      make(map[string]struct{}),
		}
		t.patterns[fp] = e
	}
	wasSystemic := systemic(e)

	if level == "error" {
		e.level = "error"
	}
	e.count++
	if at.After(e.lastSeen) {
		e.lastSeen = at
	}
	if agent != "" {
		e.agents[rig+"/"+agent] = struct{}{}
	}
	if rig != "" {
		e.rigs[rig] = struct{}{}
	}
	e.examples = append(e.examples, msg)
	if len(e.examples) > exampleCap {
		e.examples = e.examples[len(e.examples)-exampleCap:]
	}

	return fp, !wasSystemic && systemic(e)
}

func systemic(e *entry) bool {
	return len(e.agents) >= 2 && len(e.rigs) >= 2 && e.count >= 5
}

// Count returns the occurrence count for a fingerprint within the window
// ending at now. Patterns older than the TTL count as zero.
func (t *Tracker) Count(fp string, now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.patterns[fp]
	if !ok || now.Sub(e.lastSeen) > t.ttl {
		return 0
	}
	return e.count
}

// Patterns returns a snapshot of live patterns sorted by count descending,
// then fingerprint. Expired patterns are evicted as a side effect.
func (t *Tracker) Patterns(now time.Time) []ErrorPattern {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]ErrorPattern, 0, len(t.patterns))
	for fp, e := range t.patterns {
		if now.Sub(e.lastSeen) > t.ttl {
			delete(t.patterns, fp)
			continue
		}
		out = append(out, export(fp, e))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Fingerprint < out[j].Fingerprint
	})
	return out
}

func export(fp string, e *entry) ErrorPattern {
	p := ErrorPattern{
		Fingerprint: fp,
		Level:       e.level,
		Count:       e.count,
		FirstSeen:   e.firstSeen,
		LastSeen:    e.lastSeen,
		Systemic:    systemic(e),
		Examples:    append([]string(nil), e.examples...),
	}
	for a := range e.agents {
		p.Agents = append(p.Agents, a)
	}
	for r := range e.rigs {
		p.Rigs = append(p.Rigs, r)
	}
	sort.Strings(p.Agents)
	sort.Strings(p.Rigs)
	return p
}
