package services_test

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/iota-uz/iota-ingest/modules/ingest/domain/document"
	"github.com/iota-uz/iota-ingest/modules/ingest/domain/hierarchy"
	"github.com/iota-uz/iota-ingest/modules/ingest/domain/record"
	"github.com/iota-uz/iota-ingest/modules/ingest/services"
)

// gridSink keeps every section as a sparse row-number → cells grid.
type gridSink struct {
	mu        sync.Mutex
	sections  map[string]map[int][]any
	titles    []string
	formats   map[string]document.Formatting
	created   []string
	appendErr error
	appends   int
}

func newGridSink() *gridSink {
	return &gridSink{sections: map[string]map[int][]any{}, formats: map[string]document.Formatting{}}
}

func (s *gridSink) CreateDocument(_ context.Context, title string) (document.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.created = append(s.created, title)
	id := fmt.Sprintf("doc-%d", len(s.created))
	return document.Handle{ID: id, URL: "https://example.test/" + id}, nil
}

func (s *gridSink) InitializeDocument(_ context.Context, _ document.Handle, titles []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.titles = append([]string(nil), titles...)
	for _, t := range titles {
		s.sections[t] = map[int][]any{}
	}
	return nil
}

func (s *gridSink) AppendRows(_ context.Context, _ document.Handle, section string, startRow int, rows [][]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appends++
	if s.appendErr != nil {
		return s.appendErr
	}
	grid, ok := s.sections[section]
	if !ok {
		grid = map[int][]any{}
		s.sections[section] = grid
	}
	for i, r := range rows {
		grid[startRow+i] = append([]any(nil), r...)
	}
	return nil
}

func (s *gridSink) ApplyFormatting(_ context.Context, _ document.Handle, section string, f document.Formatting) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.formats[section] = f
	return nil
}

func (s *gridSink) ListSections(_ context.Context, _ document.Handle) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.titles...), nil
}

func (s *gridSink) ReadSection(_ context.Context, _ document.Handle, section string) (record.Table, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	grid, ok := s.sections[section]
	if !ok {
		return record.Table{}, document.ErrNotFound
	}
	rows := make([]int, 0, len(grid))
	for n := range grid {
		rows = append(rows, n)
	}
	sort.Ints(rows)
	values := make([][]string, 0, len(rows))
	for _, n := range rows {
		cells := make([]string, len(grid[n]))
		for i, c := range grid[n] {
			cells[i] = record.Stringify(c)
		}
		values = append(values, cells)
	}
	return document.TableFromValues(values)
}

// snapshot renders a section as ordered rows for comparisons.
func (s *gridSink) snapshot(section string) [][]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	grid := s.sections[section]
	maxRow := 0
	for n := range grid {
		if n > maxRow {
			maxRow = n
		}
	}
	out := make([][]any, maxRow)
	for n, r := range grid {
		out[n-1] = r
	}
	return out
}

// failingStore fails InsertStudents inside the real transaction.
type failingStore struct {
	services.HierarchyStore
	err error
}

func (f failingStore) WithTransaction(ctx context.Context, fn func(ctx context.Context, tx services.HierarchyTx) error) error {
	return f.HierarchyStore.WithTransaction(ctx, func(ctx context.Context, tx services.HierarchyTx) error {
		return fn(ctx, failingTx{HierarchyTx: tx, err: f.err})
	})
}

type failingTx struct {
	services.HierarchyTx
	err error
}

func (f failingTx) InsertStudents(context.Context, []hierarchy.Student) error {
	return f.err
}
