package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/iota-uz/iota-ingest/modules/ingest/domain/chunk"
	"github.com/iota-uz/iota-ingest/modules/ingest/domain/record"
)

// Phase of one sink section.
type Phase string

const (
	PhaseUninitialized Phase = ""
	PhaseHeaderWritten Phase = "header_written"
	PhaseAppending     Phase = "appending"
	PhaseFinalized     Phase = "finalized"
)

type SectionKey struct {
	SinkID  string
	Section string
}

func (k SectionKey) String() string {
	return k.SinkID + "/" + k.Section
}

type ChunkRecord struct {
	Rows   int `json:"rows"`
	Errors int `json:"errors"`
}

// SectionState is what the sink writer remembers about a section between
// jobs. Chunks is keyed by chunk index so redelivery overwrites.
//
// Session identifies the submission that owns the section. StaleRows and
// StaleCols bound what earlier submissions left behind; the writer blanks
// that area until the current submission completes.
type SectionState struct {
	Phase       Phase               `json:"phase"`
	Session     int64               `json:"session,omitempty"`
	Fingerprint string              `json:"fingerprint,omitempty"`
	ChunkSize   int                 `json:"chunkSize,omitempty"`
	Width       int                 `json:"width,omitempty"`
	Chunks      map[int]ChunkRecord `json:"chunks,omitempty"`
	LastIndex   int                 `json:"lastIndex"`
	HasLast     bool                `json:"hasLast"`
	StaleRows   int                 `json:"staleRows,omitempty"`
	StaleCols   int                 `json:"staleCols,omitempty"`
	UpdatedAt   time.Time           `json:"updatedAt"`
}

// Restart hands the section to a newer submission, keeping only the extent
// of what is already in the sink.
func (s *SectionState) Restart(session int64) {
	rows, cols := max(s.Extent(), s.StaleRows), max(s.Width, s.StaleCols)
	*s = SectionState{Session: session, StaleRows: rows, StaleCols: cols}
}

// Extent is the last sink row written for the section, summary included.
func (s SectionState) Extent() int {
	if len(s.Chunks) == 0 {
		return 0
	}
	rows := chunk.HeaderRows
	for i, c := range s.Chunks {
		rows = max(rows, chunk.HeaderRows+i*s.ChunkSize+c.Rows)
	}
	if s.HasLast {
		rows = max(rows, s.LastDataRow()+1)
	}
	return rows
}

// Complete reports whether every chunk up to the last one was recorded.
func (s SectionState) Complete() bool {
	if !s.HasLast {
		return false
	}
	for i := 0; i <= s.LastIndex; i++ {
		if _, ok := s.Chunks[i]; !ok {
			return false
		}
	}
	return true
}

// ErrorsTotal sums recorded chunks, ignoring any past the last chunk.
func (s SectionState) ErrorsTotal() int {
	total := 0
	for i, c := range s.Chunks {
		if s.HasLast && i > s.LastIndex {
			continue
		}
		total += c.Errors
	}
	return total
}

// LastDataRow is the final data row once the last chunk is known.
func (s SectionState) LastDataRow() int {
	last := s.Chunks[s.LastIndex]
	return chunk.HeaderRows + s.LastIndex*s.ChunkSize + last.Rows
}

// Ledger stores SectionState. Update applies fn atomically per key.
type Ledger interface {
	Get(ctx context.Context, key SectionKey) (SectionState, error)
	Update(ctx context.Context, key SectionKey, fn func(*SectionState) error) (SectionState, error)
}

// Fingerprint identifies a header layout.
func Fingerprint(h record.Headers) string {
	sum := sha256.Sum256([]byte(strings.Join(h.Display, "\x1f") + "\x1e" + strings.Join(h.Keys, "\x1f")))
	return hex.EncodeToString(sum[:8])
}
