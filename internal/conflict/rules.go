package conflict

import (
	"sort"
	"strings"
)

// Type names the category of a detected conflict.
type Type string

const (
	TypeTable      Type = "TABLE"
	TypeColumn     Type = "COLUMN"
	TypeFunction   Type = "FUNCTION"
	TypeIndex      Type = "INDEX"
	TypeConstraint Type = "CONSTRAINT"
)

// Severity grades how likely two intents are to be incompatible.
type Severity string

const (
	// SeverityWarning flags an overlap that may be harmless.
	SeverityWarning Severity = "WARNING"
	// SeverityError flags an overlap that is very likely incompatible.
	SeverityError Severity = "ERROR"
)

// ParseSeverity validates a raw severity value, ignoring case and padding.
func ParseSeverity(raw string) (Severity, bool) {
	severity := Severity(strings.ToUpper(strings.TrimSpace(raw)))
	switch severity {
	case SeverityWarning, SeverityError:
		return severity, true
	default:
		return "", false
	}
}

// Rule fixes the severity and resolution suggestions for one conflict type.
type Rule struct {
	Severity    Severity
	Suggestions []string
}

// RuleBook maps conflict types to their rules.
type RuleBook map[Type]Rule

// DefaultRuleBook returns the built-in rules for the five structural conflict types.
func DefaultRuleBook() RuleBook {
	return RuleBook{
		TypeTable: {
			Severity: SeverityWarning,
			Suggestions: []string{
				"Coordinate column naming with the other agent",
				"Consider applying the changes sequentially",
				"Review the changes for actual column conflicts",
			},
		},
		TypeColumn: {
			Severity: SeverityError,
			Suggestions: []string{
				"Choose a different column name",
				"Coordinate with the other agent to merge the changes",
				"Have one agent narrow the scope of its change",
			},
		},
		TypeFunction: {
			Severity: SeverityError,
			Suggestions: []string{
				"Rename one of the functions",
				"Merge the function logic into a single definition",
				"Apply the function changes sequentially",
			},
		},
		TypeIndex: {
			Severity: SeverityWarning,
			Suggestions: []string{
				"Rename one of the indexes",
				"Check whether both intents need the same index",
				"Apply the index changes sequentially",
			},
		},
		TypeConstraint: {
			Severity: SeverityWarning,
			Suggestions: []string{
				"Review both constraint changes for compatibility",
				"Apply the constraint changes sequentially",
				"Validate existing data against the combined constraints",
			},
		},
	}
}

// Clone returns an independent copy of the rule book.
func (book RuleBook) Clone() RuleBook {
	cloned := make(RuleBook, len(book))
	for conflictType, rule := range book {
		cloned[conflictType] = Rule{
			Severity:    rule.Severity,
			Suggestions: append([]string(nil), rule.Suggestions...),
		}
	}
	return cloned
}

// Lookup returns the rule for conflictType, defaulting to a WARNING with no suggestions.
func (book RuleBook) Lookup(conflictType Type) Rule {
	rule, ok := book[conflictType]
	if !ok {
		return Rule{Severity: SeverityWarning}
	}
	return rule
}

// Types lists the configured conflict types in sorted order.
func (book RuleBook) Types() []Type {
	types := make([]Type, 0, len(book))
	for conflictType := range book {
		types = append(types, conflictType)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}
