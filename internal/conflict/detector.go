package conflict

import (
	"github.com/MarcoPoloResearchLab/coordinator/internal/schema"
)

// Subject is one side of a pairwise comparison.
type Subject struct {
	ID      string
	AgentID string
	Facts   schema.ObjectFacts
}

// Finding is a single detected incompatibility between two subjects.
// Scope names the table for per-table findings and is empty otherwise.
type Finding struct {
	Type            Type
	Scope           string
	AffectedObjects []string
	Severity        Severity
	Suggestions     []string
}

// Overlap is produced by a Check before rules are applied.
type Overlap struct {
	Type            Type
	Scope           string
	AffectedObjects []string
}

// Check compares two fact sets and reports overlaps of a single kind.
type Check func(a, b schema.ObjectFacts) []Overlap

// Option customises a Detector.
type Option func(*Detector)

// WithRule adds or replaces the rule for conflictType.
func WithRule(conflictType Type, rule Rule) Option {
	return func(detector *Detector) {
		detector.rules[conflictType] = rule
	}
}

// WithCheck appends an additional check after the built-in ones.
func WithCheck(check Check) Option {
	return func(detector *Detector) {
		if check != nil {
			detector.checks = append(detector.checks, check)
		}
	}
}

// Detector finds conflicts between pairs of intents. It holds no mutable
// state after construction and is safe for concurrent use.
type Detector struct {
	rules  RuleBook
	checks []Check
}

// NewDetector builds a detector with the default rules and checks.
func NewDetector(options ...Option) *Detector {
	detector := &Detector{
		rules: DefaultRuleBook(),
		checks: []Check{
			tableOverlap,
			columnOverlap,
			functionOverlap,
			indexOverlap,
			constraintOverlap,
		},
	}
	for _, option := range options {
		option(detector)
	}
	return detector
}

// Rules returns a copy of the detector's rule book.
func (detector *Detector) Rules() RuleBook {
	return detector.rules.Clone()
}

// Detect returns the conflicts between a and b. Subjects declared by the
// same agent never conflict.
func (detector *Detector) Detect(a, b Subject) []Finding {
	if a.AgentID == b.AgentID {
		return nil
	}
	var findings []Finding
	for _, check := range detector.checks {
		for _, overlap := range check(a.Facts, b.Facts) {
			if len(overlap.AffectedObjects) == 0 {
				continue
			}
			rule := detector.rules.Lookup(overlap.Type)
			findings = append(findings, Finding{
				Type:            overlap.Type,
				Scope:           overlap.Scope,
				AffectedObjects: overlap.AffectedObjects,
				Severity:        rule.Severity,
				Suggestions:     append([]string(nil), rule.Suggestions...),
			})
		}
	}
	return findings
}

func tableOverlap(a, b schema.ObjectFacts) []Overlap {
	shared := schema.Intersect(a.Tables, b.Tables)
	if len(shared) == 0 {
		return nil
	}
	return []Overlap{{Type: TypeTable, AffectedObjects: shared}}
}

func columnOverlap(a, b schema.ObjectFacts) []Overlap {
	var overlaps []Overlap
	for _, table := range schema.Intersect(a.Tables, b.Tables) {
		shared := schema.Intersect(a.Columns[table], b.Columns[table])
		if len(shared) == 0 {
			continue
		}
		objects := make([]string, 0, len(shared))
		for _, column := range shared {
			objects = append(objects, table+"."+column)
		}
		overlaps = append(overlaps, Overlap{Type: TypeColumn, Scope: table, AffectedObjects: objects})
	}
	return overlaps
}

func functionOverlap(a, b schema.ObjectFacts) []Overlap {
	shared := schema.Intersect(a.Functions, b.Functions)
	if len(shared) == 0 {
		return nil
	}
	return []Overlap{{Type: TypeFunction, AffectedObjects: shared}}
}

func indexOverlap(a, b schema.ObjectFacts) []Overlap {
	shared := schema.Intersect(a.Indexes, b.Indexes)
	if len(shared) == 0 {
		return nil
	}
	return []Overlap{{Type: TypeIndex, AffectedObjects: shared}}
}

func constraintOverlap(a, b schema.ObjectFacts) []Overlap {
	var overlaps []Overlap
	for _, table := range a.ConstrainedTables() {
		if len(b.Constraints[table]) == 0 {
			continue
		}
		overlaps = append(overlaps, Overlap{Type: TypeConstraint, Scope: table, AffectedObjects: []string{table}})
	}
	return overlaps
}
