// Package aggregation provides the error-group domain model and the write path that
// deduplicates incoming crash reports into error groups.
//
// The package defines the Store and GroupCache interfaces it needs. Concrete
// implementations (PostgreSQL, in-memory, LRU) live in internal/storage and internal/cache.
package aggregation

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/faultline-io/faultline/internal/canonicalization"
)

// Level is the severity of an error group.
type Level int

// Severity levels, ordered so that a larger value is more severe.
const (
	LevelDebug   Level = 0
	LevelInfo    Level = 10
	LevelWarning Level = 20
	LevelError   Level = 30
)

// String returns the lowercase level name.
func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarning:
		return "warning"
	case LevelError:
		return "error"
	default:
		return fmt.Sprintf("level(%d)", int(l))
	}
}

// ParseLevel maps a level name (case-insensitive) to a Level.
// An empty name yields LevelError.
func ParseLevel(name string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "":
		return LevelError, nil
	case "debug":
		return LevelDebug, nil
	case "info":
		return LevelInfo, nil
	case "warning", "warn":
		return LevelWarning, nil
	case "error":
		return LevelError, nil
	default:
		return 0, fmt.Errorf("%w: unknown level %q (valid: debug, info, warning, error)", ErrMalformedReport, name)
	}
}

// StringSet is an unordered set of strings with O(1) membership checks.
// It marshals to a sorted JSON array.
type StringSet map[string]struct{}

// NewStringSet returns a set holding the given values.
func NewStringSet(values ...string) StringSet {
	s := make(StringSet, len(values))
	for _, v := range values {
		s[v] = struct{}{}
	}

	return s
}

// Add inserts v and reports whether it was absent.
func (s StringSet) Add(v string) bool {
	if _, ok := s[v]; ok {
		return false
	}

	s[v] = struct{}{}

	return true
}

// Contains reports whether v is in the set.
func (s StringSet) Contains(v string) bool {
	_, ok := s[v]

	return ok
}

// Sorted returns the members in ascending order.
func (s StringSet) Sorted() []string {
	out := make([]string, 0, len(s))
	for v := range s {
		out = append(out, v)
	}

	slices.Sort(out)

	return out
}

// Clone returns an independent copy of the set.
func (s StringSet) Clone() StringSet {
	out := make(StringSet, len(s))
	for v := range s {
		out[v] = struct{}{}
	}

	return out
}

// MarshalJSON encodes the set as a sorted array.
func (s StringSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Sorted())
}

// UnmarshalJSON decodes an array of strings into the set.
func (s *StringSet) UnmarshalJSON(data []byte) error {
	var values []string
	if err := json.Unmarshal(data, &values); err != nil {
		return err
	}

	*s = NewStringSet(values...)

	return nil
}

type (
	// Project owns error groups. Identified by its unique name.
	Project struct {
		Name      string    `json:"name"`
		CreatedAt time.Time `json:"createdAt"`
	}

	// ErrorGroup is one deduplicated class of failure within a project.
	//
	// Fingerprint is a lookup hint only: two active groups in a project may share it
	// when their normalized backtraces differ, so identity is decided by comparing
	// normalized backtraces.
	ErrorGroup struct {
		ID              string    `json:"id"`
		Project         string    `json:"project"`
		Fingerprint     string    `json:"fingerprint"`
		Type            string    `json:"type"`
		Backtrace       string    `json:"backtrace"`
		Active          bool      `json:"active"`
		Count           int64     `json:"count"`
		Level           Level     `json:"level"`
		FirstOccurrence time.Time `json:"firstOccurrence"`
		LastOccurrence  time.Time `json:"lastOccurrence"`
		LastMessage     string    `json:"lastMessage"`
		Environments    StringSet `json:"environments"`
		Servers         StringSet `json:"servers"`
	}

	// Occurrence is one raw report attached to the group it was merged into.
	// Occurrences are append-only.
	Occurrence struct {
		ID           string          `json:"id"`
		GroupID      string          `json:"groupId"`
		Project      string          `json:"project"`
		Environment  string          `json:"environment"`
		Server       string          `json:"server"`
		Date         time.Time       `json:"date"`
		Message      string          `json:"message"`
		LogMessage   string          `json:"logMessage,omitempty"`
		Context      json.RawMessage `json:"context,omitempty"`
		AffectedUser *int64          `json:"affectedUser,omitempty"`
	}
)

// Clone returns a deep copy so cached snapshots never alias caller state.
func (g *ErrorGroup) Clone() *ErrorGroup {
	if g == nil {
		return nil
	}

	c := *g
	c.Environments = g.Environments.Clone()
	c.Servers = g.Servers.Clone()

	return &c
}

// Merge folds one occurrence into the group's running aggregates.
//
// Rules:
//   - count is incremented
//   - firstOccurrence moves back to the occurrence date when it is earlier
//   - lastOccurrence, backtrace and lastMessage move forward only when the occurrence is strictly newer
//   - environment and server join their sets
//
// An older, late-delivered occurrence therefore never overwrites newer state.
func (g *ErrorGroup) Merge(occ *Occurrence, backtrace string) {
	g.Count++

	if occ.Date.Before(g.FirstOccurrence) {
		g.FirstOccurrence = occ.Date
	}

	if occ.Date.After(g.LastOccurrence) {
		g.LastOccurrence = occ.Date
		g.Backtrace = backtrace
		g.LastMessage = canonicalization.TruncateMessage(occ.Message)
	}

	if g.Environments == nil {
		g.Environments = NewStringSet()
	}

	if g.Servers == nil {
		g.Servers = NewStringSet()
	}

	g.Environments.Add(occ.Environment)
	g.Servers.Add(occ.Server)
}

// CacheKey is the cache key of the group for (project, fingerprint).
func CacheKey(project, fingerprint string) string {
	return project + "|" + fingerprint
}
