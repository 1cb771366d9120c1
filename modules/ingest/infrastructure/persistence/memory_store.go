package persistence

import (
	"context"
	"sort"
	"sync"

	"github.com/iota-uz/iota-ingest/modules/ingest/domain/hierarchy"
	"github.com/iota-uz/iota-ingest/modules/ingest/services"
)

// MemoryStore is an in-process HierarchyStore. Transactions are serialized
// and work on a copy that replaces the committed state only on success.
type MemoryStore struct {
	txMu sync.Mutex

	mu    sync.RWMutex
	state memoryState
	logs  []services.ErrorRecord
}

type memoryState struct {
	orgs     map[int]hierarchy.Organization
	courses  map[string]hierarchy.Course
	depts    map[string]hierarchy.Department
	sems     map[string]hierarchy.Semester
	students []hierarchy.Student
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: memoryState{
		orgs:    map[int]hierarchy.Organization{},
		courses: map[string]hierarchy.Course{},
		depts:   map[string]hierarchy.Department{},
		sems:    map[string]hierarchy.Semester{},
	}}
}

func (s *MemoryStore) WithTransaction(ctx context.Context, fn func(ctx context.Context, tx services.HierarchyTx) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	s.mu.RLock()
	tx := &memoryTx{state: s.state.clone()}
	s.mu.RUnlock()

	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	s.state = tx.state
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) LogError(_ context.Context, rec services.ErrorRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs = append(s.logs, rec)
	return nil
}

func (s *MemoryStore) Organizations() []hierarchy.Organization {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]hierarchy.Organization, 0, len(s.state.orgs))
	for _, o := range s.state.orgs {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OrgCode < out[j].OrgCode })
	return out
}

func (s *MemoryStore) Courses() []hierarchy.Course {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedValues(s.state.courses)
}

func (s *MemoryStore) Departments() []hierarchy.Department {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedValues(s.state.depts)
}

func (s *MemoryStore) Semesters() []hierarchy.Semester {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedValues(s.state.sems)
}

func (s *MemoryStore) Students() []hierarchy.Student {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]hierarchy.Student(nil), s.state.students...)
}

func (s *MemoryStore) ErrorLogs() []services.ErrorRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]services.ErrorRecord(nil), s.logs...)
}

func (st memoryState) clone() memoryState {
	out := memoryState{
		orgs:     make(map[int]hierarchy.Organization, len(st.orgs)),
		courses:  make(map[string]hierarchy.Course, len(st.courses)),
		depts:    make(map[string]hierarchy.Department, len(st.depts)),
		sems:     make(map[string]hierarchy.Semester, len(st.sems)),
		students: append([]hierarchy.Student(nil), st.students...),
	}
	for k, v := range st.orgs {
		out.orgs[k] = v
	}
	for k, v := range st.courses {
		out.courses[k] = v
	}
	for k, v := range st.depts {
		out.depts[k] = v
	}
	for k, v := range st.sems {
		out.sems[k] = v
	}
	return out
}

type memoryTx struct {
	state memoryState
}

func (t *memoryTx) UpsertOrganization(_ context.Context, org hierarchy.Organization) error {
	if prev, ok := t.state.orgs[org.OrgCode]; ok {
		org.CreatedAt = prev.CreatedAt
	}
	t.state.orgs[org.OrgCode] = org
	return nil
}

func (t *memoryTx) UpsertCourses(_ context.Context, courses []hierarchy.Course) error {
	for _, c := range courses {
		if prev, ok := t.state.courses[c.Key()]; ok {
			c.CreatedAt = prev.CreatedAt
		}
		t.state.courses[c.Key()] = c
	}
	return nil
}

func (t *memoryTx) UpsertDepartments(_ context.Context, depts []hierarchy.Department) error {
	for _, d := range depts {
		if prev, ok := t.state.depts[d.Key()]; ok {
			d.CreatedAt = prev.CreatedAt
		}
		t.state.depts[d.Key()] = d
	}
	return nil
}

func (t *memoryTx) UpsertSemesters(_ context.Context, sems []hierarchy.Semester) error {
	for _, s := range sems {
		if prev, ok := t.state.sems[s.Key()]; ok {
			s.CreatedAt = prev.CreatedAt
		}
		t.state.sems[s.Key()] = s
	}
	return nil
}

func (t *memoryTx) InsertStudents(_ context.Context, students []hierarchy.Student) error {
	t.state.students = append(t.state.students, students...)
	return nil
}

func sortedValues[T any](m map[string]T) []T {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]T, 0, len(keys))
	for _, k := range keys {
		out = append(out, m[k])
	}
	return out
}
