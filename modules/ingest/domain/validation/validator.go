package validation

import (
	"strconv"
	"strings"

	"github.com/iota-uz/iota-ingest/modules/ingest/domain/record"
)

const StatusValid = "Valid"

// RuleSet is an ordered list of rules; messages are reported in this order.
type RuleSet struct {
	rules []Rule
}

func NewRuleSet(rules ...Rule) RuleSet {
	out := make([]Rule, len(rules))
	copy(out, rules)
	return RuleSet{rules: out}
}

func (s RuleSet) Len() int {
	return len(s.rules)
}

// Fields lists every field a rule looks at, in rule order without repeats.
func (s RuleSet) Fields() []string {
	seen := make(map[string]struct{}, len(s.rules))
	out := make([]string, 0, len(s.rules))
	for _, r := range s.rules {
		if _, ok := seen[r.Field]; ok {
			continue
		}
		seen[r.Field] = struct{}{}
		out = append(out, r.Field)
	}
	return out
}

type Result struct {
	Status      string
	ErrorsCount int
	Messages    []string
}

func (r Result) Valid() bool {
	return r.ErrorsCount == 0
}

// Validate checks one row. Only non-blank values are checked; a blank value
// is an error only for required rules.
func (s RuleSet) Validate(row record.Row) Result {
	var msgs []string
	for _, rule := range s.rules {
		v := row.String(rule.Field)
		if v == "" {
			if rule.Required {
				msgs = append(msgs, rule.RequiredMessage)
			}
			continue
		}
		if rule.check != nil && !rule.check(v) {
			msgs = append(msgs, rule.message(v))
		}
	}
	if len(msgs) == 0 {
		return Result{Status: StatusValid}
	}
	return Result{Status: strings.Join(msgs, "\n"), ErrorsCount: len(msgs), Messages: msgs}
}

// Validated is a row with its validation outcome attached. Treat as read-only.
type Validated struct {
	Row         record.Row `json:"row"`
	Status      string     `json:"status"`
	ErrorsCount int        `json:"errorsCount"`
}

// ValidateAll drops all-blank rows and validates the rest, preserving order.
func (s RuleSet) ValidateAll(rows []record.Row) []Validated {
	out := make([]Validated, 0, len(rows))
	for _, row := range rows {
		if row.Blank() {
			continue
		}
		res := s.Validate(row)
		out = append(out, Validated{
			Row:         row.Without(record.StatusKey, record.ErrorsKey),
			Status:      res.Status,
			ErrorsCount: res.ErrorsCount,
		})
	}
	return out
}

// SinkHeaders prefixes the upload headers with the Status and ErrorsCount
// columns rendered in the sink.
func SinkHeaders(h record.Headers) record.Headers {
	display := make([]string, 0, len(h.Display)+2)
	keys := make([]string, 0, len(h.Keys)+2)
	display = append(display, " ", " ")
	keys = append(keys, record.StatusKey, record.ErrorsKey)
	for i, k := range h.Keys {
		if k == record.StatusKey || k == record.ErrorsKey {
			continue
		}
		keys = append(keys, k)
		if i < len(h.Display) {
			display = append(display, h.Display[i])
		} else {
			display = append(display, k)
		}
	}
	return record.Headers{Display: display, Keys: keys}
}

// Cells renders v in the column order of keys.
func (v Validated) Cells(keys []string) []any {
	out := make([]any, len(keys))
	for i, k := range keys {
		switch k {
		case record.StatusKey:
			out[i] = v.Status
		case record.ErrorsKey:
			out[i] = v.ErrorsCount
		default:
			if val, ok := v.Row[k]; ok && val != nil {
				out[i] = val
			} else {
				out[i] = ""
			}
		}
	}
	return out
}

func itoa(n int) string {
	return strconv.Itoa(n)
}
