// Package hierarchy turns an organization batch into the deduplicated
// Organization → Course → Department → Semester → Student write plan.
package hierarchy

import "time"

type Organization struct {
	OrgCode   int       `bson:"orgCode" json:"orgCode"`
	OrgName   string    `bson:"orgName" json:"orgName"`
	CreatedAt time.Time `bson:"createdAt" json:"createdAt"`
	UpdatedAt time.Time `bson:"updatedAt" json:"updatedAt"`
}

// Course is unique on (CourseCode, OrgName).
type Course struct {
	CourseCode string    `bson:"courseCode" json:"courseCode"`
	CourseName string    `bson:"courseName" json:"courseName"`
	OrgName    string    `bson:"orgName" json:"orgName"`
	CreatedAt  time.Time `bson:"createdAt" json:"createdAt"`
	UpdatedAt  time.Time `bson:"updatedAt" json:"updatedAt"`
}

// Department is unique on (DeptCode, CourseCode, OrgCode).
type Department struct {
	DeptCode   string    `bson:"deptCode" json:"deptCode"`
	DeptName   string    `bson:"deptName" json:"deptName"`
	CourseCode string    `bson:"courseCode" json:"courseCode"`
	OrgCode    int       `bson:"orgCode" json:"orgCode"`
	OrgName    string    `bson:"orgName" json:"orgName"`
	CreatedAt  time.Time `bson:"createdAt" json:"createdAt"`
	UpdatedAt  time.Time `bson:"updatedAt" json:"updatedAt"`
}

// Semester is unique on (SemCode, DeptCode, CourseCode, OrgCode).
type Semester struct {
	SemCode    int       `bson:"semCode" json:"semCode"`
	SemName    string    `bson:"semName" json:"semName"`
	DeptCode   string    `bson:"deptCode" json:"deptCode"`
	CourseCode string    `bson:"courseCode" json:"courseCode"`
	OrgCode    int       `bson:"orgCode" json:"orgCode"`
	OrgName    string    `bson:"orgName" json:"orgName"`
	CreatedAt  time.Time `bson:"createdAt" json:"createdAt"`
	UpdatedAt  time.Time `bson:"updatedAt" json:"updatedAt"`
}

// Student identity (Name, OrgCode, CourseCode, DeptCode, SemCode) is
// advisory: duplicates are reported but still inserted.
type Student struct {
	Name        string         `bson:"name" json:"name"`
	OrgCode     int            `bson:"orgCode" json:"orgCode"`
	CourseCode  string         `bson:"courseCode" json:"courseCode"`
	DeptCode    string         `bson:"deptCode" json:"deptCode"`
	SemCode     int            `bson:"semCode" json:"semCode"`
	ExtraFields map[string]any `bson:"extraFields" json:"extraFields"`
	CreatedAt   time.Time      `bson:"createdAt" json:"createdAt"`
	UpdatedAt   time.Time      `bson:"updatedAt" json:"updatedAt"`
}

func (c Course) Key() string {
	return key(c.CourseCode, c.OrgName)
}

func (d Department) Key() string {
	return key(d.DeptCode, d.CourseCode, itoa(d.OrgCode))
}

func (s Semester) Key() string {
	return key(itoa(s.SemCode), s.DeptCode, s.CourseCode, itoa(s.OrgCode))
}

func (s Student) Key() string {
	return key(s.Name, itoa(s.OrgCode), s.CourseCode, s.DeptCode, itoa(s.SemCode))
}
