package storage

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"iter"
	"slices"
	"sync"
	"time"

	"github.com/faultline-io/faultline/internal/aggregation"
	"github.com/faultline-io/faultline/internal/query"
)

// ErrUnknownProject is returned when a group is created under a project that was never created.
var ErrUnknownProject = errors.New("unknown project")

var (
	_ aggregation.Store = (*InMemoryStore)(nil)
	_ query.Store       = (*InMemoryStore)(nil)
)

type (
	// InMemoryStore is a thread-safe, non-durable implementation of aggregation.Store and
	// query.Store. Used for local development and handler tests.
	InMemoryStore struct {
		mu          sync.RWMutex
		projects    map[string]*aggregation.Project
		groups      map[string]*storedGroup
		occurrences []*storedOccurrence
		byGroup     map[string][]*storedOccurrence
		seq         int64
	}

	storedGroup struct {
		group *aggregation.ErrorGroup
		seq   int64
	}

	storedOccurrence struct {
		occ *aggregation.Occurrence
		seq int64
	}
)

// NewInMemoryStore creates an empty store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		projects: make(map[string]*aggregation.Project),
		groups:   make(map[string]*storedGroup),
		byGroup:  make(map[string][]*storedOccurrence),
	}
}

// GetOrCreateProject implements aggregation.Store.
func (s *InMemoryStore) GetOrCreateProject(_ context.Context, name string) (*aggregation.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	project, ok := s.projects[name]
	if !ok {
		project = &aggregation.Project{Name: name, CreatedAt: time.Now().UTC()}
		s.projects[name] = project
	}

	projectCopy := *project

	return &projectCopy, nil
}

// FindActiveGroups implements aggregation.Store.
func (s *InMemoryStore) FindActiveGroups(
	_ context.Context,
	project, fingerprint string,
) ([]*aggregation.ErrorGroup, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matches []*storedGroup

	for _, sg := range s.groups {
		if sg.group.Active && sg.group.Project == project && sg.group.Fingerprint == fingerprint {
			matches = append(matches, sg)
		}
	}

	slices.SortFunc(matches, func(a, b *storedGroup) int { return cmp.Compare(a.seq, b.seq) })

	out := make([]*aggregation.ErrorGroup, len(matches))
	for i, sg := range matches {
		out[i] = sg.group.Clone()
	}

	return out, nil
}

// CreateGroup implements aggregation.Store.
func (s *InMemoryStore) CreateGroup(_ context.Context, group *aggregation.ErrorGroup, occ *aggregation.Occurrence) error {
	if group == nil || occ == nil {
		return fmt.Errorf("%w: group and occurrence are required", aggregation.ErrMalformedReport)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.projects[group.Project]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownProject, group.Project)
	}

	if _, exists := s.groups[group.ID]; exists {
		return fmt.Errorf("group %s already exists", group.ID)
	}

	s.seq++
	s.groups[group.ID] = &storedGroup{group: group.Clone(), seq: s.seq}

	occCopy := *occ
	occCopy.GroupID = group.ID
	s.appendOccurrence(&occCopy)

	return nil
}

// MergeOccurrence implements aggregation.Store.
func (s *InMemoryStore) MergeOccurrence(
	_ context.Context,
	groupID string,
	occ *aggregation.Occurrence,
	backtrace string,
) (*aggregation.ErrorGroup, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sg, ok := s.groups[groupID]
	if !ok || !sg.group.Active {
		return nil, fmt.Errorf("%w: %s", aggregation.ErrGroupInactive, groupID)
	}

	sg.group.Merge(occ, backtrace)

	occCopy := *occ
	occCopy.GroupID = groupID
	s.appendOccurrence(&occCopy)

	return sg.group.Clone(), nil
}

// GetGroup implements aggregation.Store and query.Store.
func (s *InMemoryStore) GetGroup(_ context.Context, id string) (*aggregation.ErrorGroup, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sg, ok := s.groups[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", aggregation.ErrUnknownGroup, id)
	}

	return sg.group.Clone(), nil
}

// DeactivateGroup implements aggregation.Store.
func (s *InMemoryStore) DeactivateGroup(_ context.Context, id string) (*aggregation.ErrorGroup, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sg, ok := s.groups[id]
	if !ok {
		return nil, false, fmt.Errorf("%w: %s", aggregation.ErrUnknownGroup, id)
	}

	changed := sg.group.Active
	sg.group.Active = false

	return sg.group.Clone(), changed, nil
}

// ClearAll implements aggregation.Store.
func (s *InMemoryStore) ClearAll(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.groups = make(map[string]*storedGroup)
	s.occurrences = nil
	s.byGroup = make(map[string][]*storedOccurrence)

	return nil
}

// HealthCheck implements aggregation.Store. Always healthy.
func (s *InMemoryStore) HealthCheck(_ context.Context) error {
	return nil
}

// ListActiveGroups implements query.Store.
func (s *InMemoryStore) ListActiveGroups(
	_ context.Context,
	project string,
	limit, offset int,
) ([]*aggregation.ErrorGroup, error) {
	ordered := s.orderedActive(project, nil)

	if offset >= len(ordered) || limit <= 0 {
		return []*aggregation.ErrorGroup{}, nil
	}

	end := min(offset+limit, len(ordered))

	return ordered[offset:end], nil
}

// ActiveGroups implements query.Store. The sequence reads a snapshot taken when ranging starts.
func (s *InMemoryStore) ActiveGroups(
	_ context.Context,
	project string,
	ids []string,
) iter.Seq2[*aggregation.ErrorGroup, error] {
	return func(yield func(*aggregation.ErrorGroup, error) bool) {
		for _, group := range s.orderedActive(project, ids) {
			if !yield(group, nil) {
				return
			}
		}
	}
}

// MatchingOccurrences implements query.Store.
func (s *InMemoryStore) MatchingOccurrences(
	ctx context.Context,
	project string,
	filter query.OccurrenceFilter,
	limit int,
) iter.Seq2[*aggregation.Occurrence, error] {
	return func(yield func(*aggregation.Occurrence, error) bool) {
		s.mu.RLock()
		matched := make([]*aggregation.Occurrence, 0)

		for _, so := range s.occurrences {
			if len(matched) >= limit {
				break
			}

			if project != "" && so.occ.Project != project {
				continue
			}

			if filter.Matches(so.occ) {
				occCopy := *so.occ
				matched = append(matched, &occCopy)
			}
		}
		s.mu.RUnlock()

		for _, occ := range matched {
			if err := ctx.Err(); err != nil {
				yield(nil, err)

				return
			}

			if !yield(occ, nil) {
				return
			}
		}
	}
}

// ListOccurrences implements query.Store.
func (s *InMemoryStore) ListOccurrences(
	_ context.Context,
	groupID string,
	filter query.OccurrenceFilter,
	limit int,
) ([]*aggregation.Occurrence, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := make([]*storedOccurrence, 0)

	for _, so := range s.byGroup[groupID] {
		if filter.Matches(so.occ) {
			matched = append(matched, so)
		}
	}

	slices.SortFunc(matched, func(a, b *storedOccurrence) int {
		if c := b.occ.Date.Compare(a.occ.Date); c != 0 {
			return c
		}

		return cmp.Compare(b.seq, a.seq)
	})

	if len(matched) > limit {
		matched = matched[:limit]
	}

	out := make([]*aggregation.Occurrence, len(matched))
	for i, so := range matched {
		occCopy := *so.occ
		out[i] = &occCopy
	}

	return out, nil
}

// ProjectExists implements query.Store.
func (s *InMemoryStore) ProjectExists(_ context.Context, name string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.projects[name]

	return ok, nil
}

// CountOccurrencesSince implements query.Store.
func (s *InMemoryStore) CountOccurrencesSince(_ context.Context, project string, since time.Time) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int64

	for _, so := range s.occurrences {
		if project != "" && so.occ.Project != project {
			continue
		}

		if !so.occ.Date.Before(since) {
			count++
		}
	}

	return count, nil
}

// appendOccurrence records occ in storage order. Caller must hold the write lock.
func (s *InMemoryStore) appendOccurrence(occ *aggregation.Occurrence) {
	s.seq++
	so := &storedOccurrence{occ: occ, seq: s.seq}
	s.occurrences = append(s.occurrences, so)
	s.byGroup[occ.GroupID] = append(s.byGroup[occ.GroupID], so)
}

// orderedActive returns clones of the active groups in listing order.
func (s *InMemoryStore) orderedActive(project string, ids []string) []*aggregation.ErrorGroup {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var wanted map[string]struct{}
	if ids != nil {
		wanted = make(map[string]struct{}, len(ids))
		for _, id := range ids {
			wanted[id] = struct{}{}
		}
	}

	selected := make([]*storedGroup, 0, len(s.groups))

	for _, sg := range s.groups {
		if !sg.group.Active || (project != "" && sg.group.Project != project) {
			continue
		}

		if wanted != nil {
			if _, ok := wanted[sg.group.ID]; !ok {
				continue
			}
		}

		selected = append(selected, sg)
	}

	slices.SortFunc(selected, func(a, b *storedGroup) int {
		if c := b.group.LastOccurrence.Compare(a.group.LastOccurrence); c != 0 {
			return c
		}

		return cmp.Compare(b.seq, a.seq)
	})

	out := make([]*aggregation.ErrorGroup, len(selected))
	for i, sg := range selected {
		out[i] = sg.group.Clone()
	}

	return out
}
