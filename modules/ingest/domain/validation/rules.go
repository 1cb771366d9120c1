package validation

import (
	"regexp"
	"strings"

	"github.com/iota-uz/iota-ingest/modules/ingest/domain/record"
)

var (
	orgCodeRe   = regexp.MustCompile(`^U\d{5}$`)
	orgPinRe    = regexp.MustCompile(`^\d{6}$`)
	yearRe      = regexp.MustCompile(`^\d{4}$`)
	abcRe       = regexp.MustCompile(`^\d{12}$`)
	genderRe    = regexp.MustCompile(`(?i)^[MFTX]$`)
	percentRe   = regexp.MustCompile(`^[\d.]+$`)
	gradeRe     = regexp.MustCompile(`(?i)^[a-z0-9/.]+$`)
	subTypeRe   = regexp.MustCompile(`^(M|E|A|B)$`)
	passFailRe  = regexp.MustCompile(`^(Pass|Fail)$`)
	reappearsRe = regexp.MustCompile(`^(Pass|Fail|Reappear)$`)
)

var results = []string{"PASS", "FAIL", "QUALIFIED", "COMPULSORY REPEAT", "ABSENT"}

// validOrgCode accepts U-XXXXX in any case, with or without dashes.
func validOrgCode(v string) bool {
	return orgCodeRe.MatchString(strings.ReplaceAll(strings.ToUpper(v), "-", ""))
}

// DefaultRules is the rule list applied to student result uploads, in
// reporting order.
func DefaultRules() RuleSet {
	rules := []Rule{
		Func(record.FieldOrgCode, "ORG_CODE should be in format U-XXXXX, got {value}", validOrgCode).
			Require("ORG_CODE is required"),
		Pattern(record.FieldOrgPin, orgPinRe, "ORG_PIN should be a 6-digit numeric value"),
		Pattern("ADMISSION_YEAR", yearRe, "ADMISSION_YEAR should be a 4-digit numeric value"),
		Pattern("ABC_ACCOUNT_ID", abcRe, "ABC_ACCOUNT_ID should be a 12-digit numeric value"),
		Date("DOB", "DOB should be in format DD/MM/YYYY"),
		Pattern("GENDER", genderRe, "GENDER should be M/F/T/X"),
		OneOf("CASTE", []string{"GEN", "OBC", "OBCNC", "SC", "ST"}, "CASTE should be GEN/OBC/OBCNC/SC/ST"),
		OneOf("RELIGION", []string{"H", "I", "C", "S", "B", "J", "Z", "O"}, "RELIGION should be H/I/C/S/B/J/Z/O"),
		OneOf("NATIONALITY", []string{"IN"}, "NATIONALITY should be IN for India"),
		OneOf("DISABILITY_STATUS", []string{"Y", "N"}, "DISABILITY_STATUS should be Y or N"),
		OneOf("RESULT", results, "RESULT should be PASS/FAIL/QUALIFIED/COMPULSORY REPEAT/ABSENT"),
		OneOf("RESULT_TH", results, "RESULT_TH should be PASS/FAIL/QUALIFIED/COMPULSORY REPEAT/ABSENT"),
		OneOf("MRKS_REC_STATUS", []string{"O", "M", "C"}, "MRKS_REC_STATUS should be O/M/C"),
		OneOf("RESULT_PR", results, "RESULT_PR should be PASS/FAIL/QUALIFIED/COMPULSORY REPEAT/ABSENT"),
		Pattern("YEAR", yearRe, "YEAR should be a valid year in YYYY format"),
		Pattern("PERCENT", percentRe, "PERCENT should be a valid number"),
	}

	for _, f := range []string{"DOR", "DOI", "DOV", "DOE", "DOP", "DOQ", "DOS"} {
		rules = append(rules, Date(f, f+" should be in DD/MM/YYYY format"))
	}

	for _, f := range []string{
		"TOT", "TOT_MIN", "TOT_MRKS", "TOT_MRKS_MIN",
		"TOT_TH_MAX", "TOT_TH_MIN", "TOT_TH_MRKS",
		"TOT_PR_MAX", "TOT_PR_MIN", "TOT_PR_MRKS",
		"TOT_CE_MAX", "TOT_CE_MIN", "TOT_CE_MRKS",
		"TOT_VV_MAX", "TOT_VV_MIN", "TOT_VV_MRKS",
		"TOT_PR_CE_MAX", "TOT_PR_CE_MRKS", "TOT_TH_CE_MAX", "TOT_TH_CE_MRKS",
		"PREV_TOT_MRKS", "PREV_TOT_MRKS_MAX", "PREV_TOT_MRKS_MIN",
		"GRAND_TOT_MAX", "GRAND_TOT_MIN", "GRAND_TOT_MRKS",
		"GRAND_TOT_GRADE_POINTS", "GRAND_TOT_CREDIT", "GRAND_TOT_CREDIT_POINTS",
		"OT_CGPA_MINOR", "TOT_CREDIT_MINOR", "FINAL_GMAX_TOTAL", "CGPA_SCALE",
	} {
		rules = append(rules, Integer(f, f+" should be a valid number"))
	}

	for _, f := range []string{"CGPA", "GPA", "SGPA", "INTR_CGPA_FIRST", "INTR_CGPA_SECOND"} {
		rules = append(rules, Pattern(f, gradeRe, f+" should allow letters, numbers, periods and forward slashes"))
	}

	rules = append(rules, SubjectRules(1)...)
	rules = append(rules, Email(record.FieldEmail, "Invalid Email"))

	return NewRuleSet(rules...)
}

// SubjectRules returns the per-subject mark checks for subject n (SUB<n>_*).
func SubjectRules(n int) []Rule {
	p := "SUB" + itoa(n)
	numeric := func(suffix string) Rule {
		f := p + suffix
		return Integer(f, f+" should be a numeric value")
	}

	var rules []Rule
	for _, s := range []string{
		"MAX", "MIN",
		"_TH_MAX", "_TH_MIN", "_PR_MAX", "_PR_MIN", "_CE_MAX", "_CE_MIN", "_VV_MAX", "_VV_MIN",
	} {
		rules = append(rules, numeric(s))
	}
	rules = append(rules, Decimal(p+"_CE_WEIGHT_MRKS", p+"_CE_WEIGHT_MRKS should be a numeric value (decimal allowed)"))
	for _, s := range []string{
		"_CE_MRKS", "_CE1_MRKS", "_CE2_MRKS", "_CE3_MRKS", "_CE4_MRKS", "_VV_MRKS",
		"_PAPER1_MRKS", "_PAPER2_MRKS", "_PAPER3_MRKS", "_PAPER4_MRKS",
		"_PAPER1_PR_MRKS", "_PAPER2_PR_MRKS", "_PAPER3_PR_MRKS",
		"_PAPER1_CE_MRKS", "_PAPER2_CE_MRKS", "_PAPER3_CE_MRKS",
		"_PAPER1_MRKS_SH", "_PAPER1_CE_MRKS_SH", "_PAPER1_PR_MRKS_SH",
		"_PAPER2_MRKS_SH", "_PAPER2_CE_MRKS_SH", "_PAPER2_PR_MRKS_SH",
		"_PAPER3_MRKS_SH", "_PAPER3_CE_MRKS_SH", "_PAPER3_PR_MRKS_SH",
		"_MAX_MRKS_SH", "_MAX_CE_MRKS_SH", "_MAX_PR_MRKS_SH",
		"_MIN_MRKS_SH", "_MIN_CE_MRKS_SH", "_MIN_PR_MRKS_SH",
		"_LAB1_MRKS", "_LAB2_MRKS", "_LAB3_MRKS", "_LAB4_MRKS",
		"_REPORT_MRKS", "_PRO_MRKS", "_PRO_CE_MRKS",
		"_TEE_PR_MRKS", "_TEE_TH_MRKS", "_TEE_PR_GRADE", "_TEE_TH_GRADE", "_TEE_WEIGHT_MRKS",
	} {
		rules = append(rules, numeric(s))
	}
	rules = append(rules, Pattern(p+"_TYPE", subTypeRe, p+"_TYPE should be M, E, A or B"))
	for _, s := range []string{"_TOT", "_CE_TOT", "_PR_TOT"} {
		rules = append(rules, numeric(s))
	}
	rules = append(rules, Pattern(p+"_STATUS", passFailRe, p+"_STATUS should be Pass or Fail"))
	for i := 1; i <= 4; i++ {
		f := p + "_PAPER" + itoa(i) + "_STATUS"
		rules = append(rules, Pattern(f, reappearsRe, f+" should be Pass or Fail or Reappear"))
	}
	return rules
}
