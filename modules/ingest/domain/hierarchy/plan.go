package hierarchy

import (
	"strconv"
	"strings"

	"github.com/go-faster/errors"

	"github.com/iota-uz/iota-ingest/modules/ingest/domain/grouping"
	"github.com/iota-uz/iota-ingest/modules/ingest/domain/record"
)

var (
	ErrEmptyBatch     = errors.New("organization batch has no rows")
	ErrInvalidOrgName = errors.New("invalid organization name")
	ErrInvalidOrgCode = errors.New("invalid organization code")
)

// Level names used for skip accounting.
const (
	LevelCourses     = "courses"
	LevelDepartments = "departments"
	LevelSemesters   = "semesters"
	LevelStudents    = "students"
)

var (
	courseFields   = []string{record.FieldCourseCode}
	deptFields     = []string{record.FieldDeptCode, record.FieldCourseCode}
	semesterFields = []string{record.FieldSemCode, record.FieldDeptCode, record.FieldCourseCode}
	studentFields  = []string{record.FieldName, record.FieldOrgCode, record.FieldCourseCode, record.FieldDeptCode, record.FieldSemCode}

	// entity columns never copied into Student.ExtraFields
	keyColumns = map[string]struct{}{
		record.FieldOrgCode: {}, record.FieldOrgName: {},
		record.FieldCourseCode: {}, record.FieldCourseName: {},
		record.FieldDeptCode: {}, record.FieldDeptName: {},
		record.FieldSemCode: {}, record.FieldSemName: {},
		record.FieldName: {},
		record.StatusKey: {}, record.ErrorsKey: {},
	}
)

// Plan is everything one organization batch writes, already deduplicated.
type Plan struct {
	Organization Organization
	Courses      []Course
	Departments  []Department
	Semesters    []Semester
	Students     []Student

	// Skipped counts rows per level that lacked a key field.
	Skipped map[string]int
	// DuplicateStudents lists student keys seen more than once.
	DuplicateStudents []string
}

// ParseOrgCode accepts "U-00001", "u00001", "00001" and "1".
func ParseOrgCode(raw string) (int, error) {
	s := strings.ReplaceAll(strings.TrimSpace(raw), "-", "")
	s = strings.TrimPrefix(strings.ToUpper(s), "U")
	if s == "" {
		return 0, errors.Wrap(ErrInvalidOrgCode, "missing")
	}
	code, err := strconv.Atoi(s)
	if err != nil || code < 0 {
		return 0, errors.Wrapf(ErrInvalidOrgCode, "%q", raw)
	}
	return code, nil
}

// Build produces the write plan for batch. The organization code is taken
// from the first row. Within each level the first row seen for a key wins.
func Build(batch grouping.OrganizationBatch) (*Plan, error) {
	if len(batch.Rows) == 0 {
		return nil, ErrEmptyBatch
	}
	orgName := strings.TrimSpace(batch.OrgName)
	if orgName == "" || record.Normalize(orgName) == record.FieldOrgName || strings.EqualFold(orgName, "ORGNAME") {
		return nil, errors.Wrapf(ErrInvalidOrgName, "%q", batch.OrgName)
	}
	orgCode, err := ParseOrgCode(batch.Rows[0].String(record.FieldOrgCode))
	if err != nil {
		return nil, errors.Wrap(err, "first row")
	}

	p := &Plan{
		Organization: Organization{OrgCode: orgCode, OrgName: orgName},
		Skipped:      map[string]int{},
	}

	courses := grouping.DedupRows(batch.Rows, courseFields...)
	p.Skipped[LevelCourses] = courses.Skipped
	for _, r := range courses.Items {
		p.Courses = append(p.Courses, Course{
			CourseCode: r.String(record.FieldCourseCode),
			CourseName: r.String(record.FieldCourseName),
			OrgName:    orgName,
		})
	}

	depts := grouping.DedupRows(batch.Rows, deptFields...)
	p.Skipped[LevelDepartments] = depts.Skipped
	for _, r := range depts.Items {
		p.Departments = append(p.Departments, Department{
			DeptCode:   r.String(record.FieldDeptCode),
			DeptName:   r.String(record.FieldDeptName),
			CourseCode: r.String(record.FieldCourseCode),
			OrgCode:    orgCode,
			OrgName:    orgName,
		})
	}

	sems := grouping.Dedup(batch.Rows, func(r record.Row) (string, bool) {
		if _, ok := semCode(r); !ok {
			return "", false
		}
		return grouping.RowKey(r, semesterFields...)
	})
	p.Skipped[LevelSemesters] = sems.Skipped
	for _, r := range sems.Items {
		code, _ := semCode(r)
		p.Semesters = append(p.Semesters, Semester{
			SemCode:    code,
			SemName:    r.String(record.FieldSemName),
			DeptCode:   r.String(record.FieldDeptCode),
			CourseCode: r.String(record.FieldCourseCode),
			OrgCode:    orgCode,
			OrgName:    orgName,
		})
	}

	seen := map[string]struct{}{}
	for _, r := range batch.Rows {
		k, ok := grouping.RowKey(r, studentFields...)
		code, numeric := semCode(r)
		if !ok || !numeric {
			p.Skipped[LevelStudents]++
			continue
		}
		if _, dup := seen[k]; dup {
			p.DuplicateStudents = append(p.DuplicateStudents, k)
		} else {
			seen[k] = struct{}{}
		}
		p.Students = append(p.Students, Student{
			Name:        r.String(record.FieldName),
			OrgCode:     orgCode,
			CourseCode:  r.String(record.FieldCourseCode),
			DeptCode:    r.String(record.FieldDeptCode),
			SemCode:     code,
			ExtraFields: extraFields(r),
		})
	}
	return p, nil
}

// SkippedTotal sums skipped rows across levels.
func (p *Plan) SkippedTotal() int {
	n := 0
	for _, v := range p.Skipped {
		n += v
	}
	return n
}

func semCode(r record.Row) (int, bool) {
	s := r.String(record.FieldSemCode)
	if s == "" {
		return 0, false
	}
	if n, err := strconv.Atoi(s); err == nil {
		return n, true
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f != float64(int(f)) {
		return 0, false
	}
	return int(f), true
}

func extraFields(r record.Row) map[string]any {
	out := make(map[string]any, len(r))
	for k, v := range r {
		if _, skip := keyColumns[k]; skip {
			continue
		}
		out[strings.ToLower(k)] = v
	}
	return out
}

func key(values ...string) string {
	return grouping.Key(values...)
}

func itoa(n int) string {
	return strconv.Itoa(n)
}
