package record

import (
	"regexp"
	"sort"
	"strings"

	"github.com/lithammer/fuzzysearch/fuzzy"
)

// Canonical field names used by validation and entity extraction.
const (
	FieldOrgCode    = "ORG_CODE"
	FieldOrgName    = "ORG_NAME"
	FieldOrgPin     = "ORG_PIN"
	FieldCourseCode = "COURSE_CODE"
	FieldCourseName = "COURSE_NAME"
	FieldDeptCode   = "DEPT_CODE"
	FieldDeptName   = "DEPT_NAME"
	FieldSemCode    = "SEM_CODE"
	FieldSemName    = "SEM_NAME"
	FieldName       = "NAME"
	FieldEmail      = "EMAIL"
	FieldPhone      = "PHONE"
)

// DefaultAliases maps each canonical field to the header spellings seen in
// uploaded sheets. Spellings are compared after Normalize.
var DefaultAliases = map[string][]string{
	FieldOrgCode:    {"ORGCODE", "ORGANIZATION_CODE", "ORGANISATION_CODE"},
	FieldOrgName:    {"ORGNAME", "SCHOOL_NAME", "SCHOOL", "ORGANIZATION_NAME", "ORGANISATION_NAME"},
	FieldOrgPin:     {"ORGPIN"},
	FieldCourseCode: {"COURSECODE"},
	FieldCourseName: {"COURSENAME", "COURSE"},
	FieldDeptCode:   {"DEPTCODE", "DEPARTMENT_CODE"},
	FieldDeptName:   {"DEPTNAME", "DEPARTMENT_NAME", "DEPARTMENT"},
	FieldSemCode:    {"SEMCODE", "SEMESTER_CODE"},
	FieldSemName:    {"SEMNAME", "SEMESTER_NAME", "SEMESTER"},
	FieldName:       {"STUDENT_NAME", "FULL_NAME", "CNAME"},
	FieldEmail:      {"CONTACT_EMAIL", "E_MAIL", "EMAIL_ADDRESS", "EMAIL_ID"},
	FieldPhone:      {"CONTACT_PHONE", "MOBILE", "MOBILE_NO", "PHONE_NUMBER"},
}

var separatorRe = regexp.MustCompile(`[\s\-.]+`)

// Normalize upper-cases a header and folds spaces, dashes and dots to "_".
func Normalize(header string) string {
	h := strings.ToUpper(strings.TrimSpace(header))
	return strings.Trim(separatorRe.ReplaceAllString(h, "_"), "_")
}

// Resolver turns raw header spellings into canonical field names.
type Resolver struct {
	lookup map[string]string
	known  []string
}

// NewResolver builds a resolver from aliases; extra names are treated as
// known canonical fields without aliases (used for suggestions).
func NewResolver(aliases map[string][]string, extra ...string) *Resolver {
	r := &Resolver{lookup: map[string]string{}}
	seen := map[string]struct{}{}
	add := func(canonical string) {
		if _, ok := seen[canonical]; ok {
			return
		}
		seen[canonical] = struct{}{}
		r.known = append(r.known, canonical)
	}
	for canonical, spellings := range aliases {
		c := Normalize(canonical)
		r.lookup[c] = c
		add(c)
		for _, s := range spellings {
			r.lookup[Normalize(s)] = c
		}
	}
	for _, e := range extra {
		c := Normalize(e)
		if _, ok := r.lookup[c]; !ok {
			r.lookup[c] = c
		}
		add(c)
	}
	sort.Strings(r.known)
	return r
}

// Resolve returns the canonical name for header and whether it is known.
// Status and ErrorsCount pass through untouched.
func (r *Resolver) Resolve(header string) (string, bool) {
	trimmed := strings.TrimSpace(header)
	switch {
	case strings.EqualFold(trimmed, StatusKey):
		return StatusKey, true
	case strings.EqualFold(trimmed, ErrorsKey):
		return ErrorsKey, true
	}
	n := Normalize(trimmed)
	if c, ok := r.lookup[n]; ok {
		return c, true
	}
	return n, false
}

// Suggest returns the closest known field for an unrecognized header, or "".
func (r *Resolver) Suggest(header string) string {
	n := Normalize(header)
	if n == "" {
		return ""
	}
	ranks := fuzzy.RankFindNormalizedFold(n, r.known)
	if len(ranks) > 0 {
		sort.Sort(ranks)
		return ranks[0].Target
	}
	best, bestDist := "", 3
	for _, k := range r.known {
		if d := fuzzy.LevenshteinDistance(n, k); d < bestDist {
			best, bestDist = k, d
		}
	}
	return best
}

// Canonicalize rewrites the table's key row and every row to canonical
// names. Display headers are kept as uploaded. When two columns resolve to
// the same field the first one wins and the other keeps its normalized name.
// Unknown headers are returned for logging.
func (r *Resolver) Canonicalize(t Table) (Table, []string) {
	mapping := make(map[string]string, len(t.Headers.Keys))
	used := make(map[string]struct{}, len(t.Headers.Keys))
	keys := make([]string, 0, len(t.Headers.Keys))
	var unknown []string

	for _, raw := range t.Headers.Keys {
		c, ok := r.Resolve(raw)
		if _, dup := used[c]; dup {
			c = Normalize(raw)
			if _, dup := used[c]; dup {
				c = raw
			}
		}
		if !ok && c != "" {
			unknown = append(unknown, raw)
		}
		used[c] = struct{}{}
		mapping[raw] = c
		keys = append(keys, c)
	}

	rows := make([]Row, 0, len(t.Rows))
	for _, row := range t.Rows {
		out := make(Row, len(row))
		for k, v := range row {
			if c, ok := mapping[k]; ok {
				out[c] = v
				continue
			}
			c, _ := r.Resolve(k)
			if _, exists := out[c]; !exists {
				out[c] = v
			}
		}
		rows = append(rows, out)
	}

	display := make([]string, len(t.Headers.Display))
	copy(display, t.Headers.Display)
	return Table{Headers: Headers{Display: display, Keys: keys}, Rows: rows}, unknown
}
