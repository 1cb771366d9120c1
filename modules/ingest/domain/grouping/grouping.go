// Package grouping partitions validated rows by organization and provides
// first-seen-wins deduplication on composite keys.
package grouping

import (
	"strings"

	"github.com/iota-uz/iota-ingest/modules/ingest/domain/record"
	"github.com/iota-uz/iota-ingest/modules/ingest/domain/validation"
)

const (
	UnknownKey  = "__UNKNOWN__"
	UnknownName = "Unknown"
)

// Group is all rows sharing one normalized organization name.
type Group struct {
	Key         string
	DisplayName string
	Rows        []validation.Validated
}

func (g Group) Unknown() bool {
	return g.Key == UnknownKey
}

// ByOrganization groups rows on the trimmed, lower-cased ORG_NAME. Groups are
// ordered by first appearance and no row is dropped.
func ByOrganization(rows []validation.Validated) []Group {
	index := map[string]int{}
	var groups []Group
	for _, v := range rows {
		name := v.Row.String(record.FieldOrgName)
		key := strings.ToLower(name)
		display := name
		if key == "" {
			key, display = UnknownKey, UnknownName
		}
		i, ok := index[key]
		if !ok {
			i = len(groups)
			index[key] = i
			groups = append(groups, Group{Key: key, DisplayName: display})
		}
		groups[i].Rows = append(groups[i].Rows, v)
	}
	return groups
}

// OrganizationBatch is the unit of work for the hierarchical upsert.
type OrganizationBatch struct {
	SinkID  string       `json:"sinkId"`
	OrgName string       `json:"orgName" validate:"required"`
	Rows    []record.Row `json:"rows" validate:"required,min=1"`
}

// Batch strips the sink bookkeeping columns and returns the group as an
// upsert batch.
func (g Group) Batch(sinkID string) OrganizationBatch {
	rows := make([]record.Row, 0, len(g.Rows))
	for _, v := range g.Rows {
		rows = append(rows, v.Row.Without(record.StatusKey, record.ErrorsKey))
	}
	return OrganizationBatch{SinkID: sinkID, OrgName: g.DisplayName, Rows: rows}
}
