package hierarchy_test

import (
	"testing"

	"github.com/go-faster/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iota-uz/iota-ingest/modules/ingest/domain/grouping"
	"github.com/iota-uz/iota-ingest/modules/ingest/domain/hierarchy"
	"github.com/iota-uz/iota-ingest/modules/ingest/domain/record"
)

func student(name, dept, deptName string) record.Row {
	return record.Row{
		"ORG_CODE":    "U-00007",
		"ORG_NAME":    "Alpha",
		"COURSE_CODE": "BSC",
		"COURSE_NAME": "Science",
		"DEPT_CODE":   dept,
		"DEPT_NAME":   deptName,
		"SEM_CODE":    "1",
		"SEM_NAME":    "First",
		"NAME":        name,
		"PHONE":       "9876543210",
	}
}

func TestParseOrgCode(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want int
		ok   bool
	}{
		{"U-00001", 1, true},
		{"u00042", 42, true},
		{"00001", 1, true},
		{"1", 1, true},
		{"", 0, false},
		{"U-", 0, false},
		{"ABC", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			got, err := hierarchy.ParseOrgCode(tt.in)
			if !tt.ok {
				assert.True(t, errors.Is(err, hierarchy.ErrInvalidOrgCode))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestBuild_FirstSeenWins(t *testing.T) {
	t.Parallel()

	p, err := hierarchy.Build(grouping.OrganizationBatch{
		SinkID:  "doc",
		OrgName: "Alpha",
		Rows: []record.Row{
			student("Asha", "PHY", "Physics"),
			student("Ravi", "PHY", "Applied Physics"),
			student("Meena", "CHE", "Chemistry"),
		},
	})
	require.NoError(t, err)

	assert.Equal(t, hierarchy.Organization{OrgCode: 7, OrgName: "Alpha"}, p.Organization)
	require.Len(t, p.Courses, 1)
	require.Len(t, p.Departments, 2)
	assert.Equal(t, "Physics", p.Departments[0].DeptName)
	assert.Equal(t, 7, p.Departments[0].OrgCode)
	assert.Len(t, p.Semesters, 2)
	assert.Len(t, p.Students, 3)
	assert.Empty(t, p.DuplicateStudents)
	assert.Zero(t, p.SkippedTotal())
}

func TestBuild_DuplicateStudentsAreKept(t *testing.T) {
	t.Parallel()

	a := student("Asha", "PHY", "Physics")
	b := student(" asha ", "PHY", "Physics")
	b["PHONE"] = "9000000000"

	p, err := hierarchy.Build(grouping.OrganizationBatch{OrgName: "Alpha", Rows: []record.Row{a, b}})
	require.NoError(t, err)

	assert.Len(t, p.Students, 2)
	assert.Len(t, p.DuplicateStudents, 1)
	assert.Equal(t, "9000000000", p.Students[1].ExtraFields["phone"])
	assert.NotContains(t, p.Students[0].ExtraFields, "name")
	assert.NotContains(t, p.Students[0].ExtraFields, "dept_code")
}

func TestBuild_SkipsIncompleteRows(t *testing.T) {
	t.Parallel()

	noDept := student("Ravi", "", "")
	badSem := student("Meena", "PHY", "Physics")
	badSem["SEM_CODE"] = "I"

	p, err := hierarchy.Build(grouping.OrganizationBatch{
		OrgName: "Alpha",
		Rows:    []record.Row{student("Asha", "PHY", "Physics"), noDept, badSem},
	})
	require.NoError(t, err)

	assert.Len(t, p.Departments, 1)
	assert.Equal(t, 1, p.Skipped[hierarchy.LevelDepartments])
	assert.Equal(t, 2, p.Skipped[hierarchy.LevelSemesters])
	assert.Equal(t, 2, p.Skipped[hierarchy.LevelStudents])
	assert.Len(t, p.Students, 1)
}

func TestBuild_Rejects(t *testing.T) {
	t.Parallel()

	noCode := student("Asha", "PHY", "Physics")
	delete(noCode, "ORG_CODE")

	tests := []struct {
		name  string
		batch grouping.OrganizationBatch
		want  error
	}{
		{"empty", grouping.OrganizationBatch{OrgName: "Alpha"}, hierarchy.ErrEmptyBatch},
		{"echoed header", grouping.OrganizationBatch{OrgName: "ORGNAME", Rows: []record.Row{noCode}}, hierarchy.ErrInvalidOrgName},
		{"blank name", grouping.OrganizationBatch{OrgName: " ", Rows: []record.Row{noCode}}, hierarchy.ErrInvalidOrgName},
		{"missing code", grouping.OrganizationBatch{OrgName: "Alpha", Rows: []record.Row{noCode}}, hierarchy.ErrInvalidOrgCode},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := hierarchy.Build(tt.batch)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
		})
	}
}

func TestEntityKeys(t *testing.T) {
	t.Parallel()

	a := hierarchy.Department{DeptCode: "phy", CourseCode: "bsc", OrgCode: 1}
	b := hierarchy.Department{DeptCode: "PHY ", CourseCode: "BSC", OrgCode: 1, DeptName: "x"}
	assert.Equal(t, a.Key(), b.Key())
	assert.NotEqual(t, a.Key(), hierarchy.Department{DeptCode: "PHY", CourseCode: "BSC", OrgCode: 2}.Key())
}
