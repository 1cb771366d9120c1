package validation

import (
	"regexp"
	"strings"
)

// Rule is one declarative check on a single field. check receives the
// trimmed, non-blank value.
type Rule struct {
	Field           string
	Message         string
	Required        bool
	RequiredMessage string

	check func(value string) bool
}

var (
	dateRe    = regexp.MustCompile(`^\d{2}/\d{2}/\d{4}$`)
	integerRe = regexp.MustCompile(`^\d+$`)
	decimalRe = regexp.MustCompile(`^\d+(\.\d+)?$`)
	emailRe   = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)
)

func Pattern(field string, re *regexp.Regexp, message string) Rule {
	return Rule{Field: field, Message: message, check: re.MatchString}
}

// OneOf accepts any of values, compared case-insensitively.
func OneOf(field string, values []string, message string) Rule {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		set[strings.ToUpper(v)] = struct{}{}
	}
	return Rule{Field: field, Message: message, check: func(v string) bool {
		_, ok := set[strings.ToUpper(v)]
		return ok
	}}
}

func Integer(field, message string) Rule {
	return Pattern(field, integerRe, message)
}

func Decimal(field, message string) Rule {
	return Pattern(field, decimalRe, message)
}

// Date checks the DD/MM/YYYY shape only.
func Date(field, message string) Rule {
	return Pattern(field, dateRe, message)
}

func Email(field, message string) Rule {
	return Pattern(field, emailRe, message)
}

// Func wraps an arbitrary predicate.
func Func(field, message string, fn func(string) bool) Rule {
	return Rule{Field: field, Message: message, check: fn}
}

// Require marks the rule's field as mandatory; requiredMessage is reported
// when the value is blank.
func (r Rule) Require(requiredMessage string) Rule {
	r.Required = true
	r.RequiredMessage = requiredMessage
	return r
}

func (r Rule) message(value string) string {
	return strings.ReplaceAll(r.Message, "{value}", value)
}
