package schema

import (
	"regexp"
	"strings"
)

// Extractor reports the schema objects a single DDL statement touches.
// Implementations must be total: unrecognised input yields empty facts.
type Extractor interface {
	Extract(statement string) ObjectFacts
}

// ExtractAll runs extractor over every statement and merges the results.
func ExtractAll(extractor Extractor, statements []string) ObjectFacts {
	facts := NewObjectFacts()
	if extractor == nil {
		return facts
	}
	for _, statement := range statements {
		facts = facts.Merge(extractor.Extract(statement))
	}
	return facts
}

const (
	identifierPattern = "(?:\"[^\"]+\"|`[^`]+`|\\[[^\\]]+\\]|[A-Za-z_][A-Za-z0-9_$]*)"
	qualifiedPattern  = identifierPattern + `(?:\.` + identifierPattern + `)*`
)

var (
	// Comments and string literals, whichever opens first.
	noisePattern = regexp.MustCompile(`(?s)'(?:[^']|'')*'|--[^\n]*|/\*.*?\*/`)

	tablePattern      = regexp.MustCompile(`(?i)\b(CREATE|ALTER|DROP)\s+(?:(?:GLOBAL|LOCAL)\s+)?(?:(?:TEMP|TEMPORARY|UNLOGGED)\s+)?TABLE\s+(?:IF\s+(?:NOT\s+)?EXISTS\s+)?(?:ONLY\s+)?(` + qualifiedPattern + `)`)
	tableListPattern  = regexp.MustCompile(`^\s*,\s*(` + qualifiedPattern + `)`)
	alterTablePattern = regexp.MustCompile(`(?is)^\s*ALTER\s+TABLE\s+(?:IF\s+EXISTS\s+)?(?:ONLY\s+)?(` + qualifiedPattern + `)(.*)$`)

	addColumnPattern  = regexp.MustCompile(`(?i)\bADD\s+(?:COLUMN\s+)?(?:IF\s+NOT\s+EXISTS\s+)?(` + identifierPattern + `)`)
	dropColumnPattern = regexp.MustCompile(`(?i)\bDROP\s+(?:COLUMN\s+)?(?:IF\s+EXISTS\s+)?(` + identifierPattern + `)`)

	constraintKindPattern = regexp.MustCompile(`(?i)\b(ADD|DROP)\s+(?:CONSTRAINT\s+(?:` + identifierPattern + `\s+)?)?(PRIMARY\s+KEY|FOREIGN\s+KEY|UNIQUE|CHECK)\b`)
	dropConstraintPattern = regexp.MustCompile(`(?i)\bDROP\s+CONSTRAINT\s+(?:IF\s+EXISTS\s+)?(` + identifierPattern + `)`)
	defaultPattern        = regexp.MustCompile(`(?i)\b(SET|DROP)\s+DEFAULT\b`)

	functionPattern     = regexp.MustCompile(`(?i)\b(CREATE\s+(?:OR\s+REPLACE\s+)?|ALTER\s+|DROP\s+)FUNCTION\s+(?:IF\s+EXISTS\s+)?(` + qualifiedPattern + `)`)
	functionListPattern = regexp.MustCompile(`^\s*(?:\((?:[^()]|\([^()]*\))*\)\s*)?,\s*(` + qualifiedPattern + `)`)
	createIndexPattern  = regexp.MustCompile(`(?i)\bCREATE\s+(?:UNIQUE\s+)?INDEX\s+(?:CONCURRENTLY\s+)?(?:IF\s+NOT\s+EXISTS\s+)?(` + qualifiedPattern + `)`)
	dropIndexPattern    = regexp.MustCompile(`(?i)\bDROP\s+INDEX\s+(?:CONCURRENTLY\s+)?(?:IF\s+EXISTS\s+)?(` + qualifiedPattern + `)`)

	whitespacePattern = regexp.MustCompile(`\s+`)
	quoteStripper     = strings.NewReplacer(`"`, "", "`", "", "[", "", "]", "")
)

// Words that follow ADD/DROP inside ALTER TABLE without naming a column.
var nonColumnKeywords = map[string]struct{}{
	"constraint": {},
	"primary":    {},
	"foreign":    {},
	"unique":     {},
	"check":      {},
	"index":      {},
	"key":        {},
	"default":    {},
	"not":        {},
	"identity":   {},
	"expression": {},
	"generated":  {},
	"exclude":    {},
	"partition":  {},
	"fulltext":   {},
	"spatial":    {},
	"column":     {},
	"if":         {},
}

// PatternExtractor extracts facts with case-insensitive regular expressions.
// It is deliberately not a SQL parser.
type PatternExtractor struct{}

// NewPatternExtractor constructs the regexp based extractor.
func NewPatternExtractor() PatternExtractor {
	return PatternExtractor{}
}

// Extract implements Extractor.
func (PatternExtractor) Extract(statement string) ObjectFacts {
	facts := NewObjectFacts()
	text := stripNoise(statement)
	if strings.TrimSpace(text) == "" {
		return facts
	}

	for _, bounds := range tablePattern.FindAllStringSubmatchIndex(text, -1) {
		facts.Tables[NormalizeIdentifier(text[bounds[4]:bounds[5]])] = struct{}{}
		if !isDropVerb(text[bounds[2]:bounds[3]]) {
			continue
		}
		for _, name := range followingNames(tableListPattern, text[bounds[1]:]) {
			facts.Tables[name] = struct{}{}
		}
	}

	for _, part := range strings.Split(text, ";") {
		extractAlterTable(part, facts)
	}

	for _, bounds := range functionPattern.FindAllStringSubmatchIndex(text, -1) {
		facts.Functions[NormalizeIdentifier(text[bounds[4]:bounds[5]])] = struct{}{}
		if !isDropVerb(text[bounds[2]:bounds[3]]) {
			continue
		}
		for _, name := range followingNames(functionListPattern, text[bounds[1]:]) {
			facts.Functions[name] = struct{}{}
		}
	}

	for _, match := range createIndexPattern.FindAllStringSubmatch(text, -1) {
		if name := NormalizeIdentifier(match[1]); name != "on" {
			facts.Indexes[name] = struct{}{}
		}
	}
	for _, bounds := range dropIndexPattern.FindAllStringSubmatchIndex(text, -1) {
		facts.Indexes[NormalizeIdentifier(text[bounds[2]:bounds[3]])] = struct{}{}
		for _, name := range followingNames(tableListPattern, text[bounds[1]:]) {
			facts.Indexes[name] = struct{}{}
		}
	}

	return facts
}

func extractAlterTable(statement string, facts ObjectFacts) {
	match := alterTablePattern.FindStringSubmatch(statement)
	if match == nil {
		return
	}
	table := NormalizeIdentifier(match[1])
	body := match[2]

	for _, pattern := range []*regexp.Regexp{addColumnPattern, dropColumnPattern} {
		for _, column := range pattern.FindAllStringSubmatch(body, -1) {
			name := NormalizeIdentifier(column[1])
			if _, reserved := nonColumnKeywords[name]; reserved {
				continue
			}
			facts.addColumn(table, name)
		}
	}

	var operations []string
	for _, constraint := range constraintKindPattern.FindAllStringSubmatch(body, -1) {
		kind := whitespacePattern.ReplaceAllString(strings.ToUpper(constraint[2]), " ")
		operations = append(operations, strings.ToUpper(constraint[1])+" "+kind)
	}
	for range dropConstraintPattern.FindAllStringSubmatch(body, -1) {
		operations = append(operations, "DROP CONSTRAINT")
	}
	for _, defaultClause := range defaultPattern.FindAllStringSubmatch(body, -1) {
		operations = append(operations, strings.ToUpper(defaultClause[1])+" DEFAULT")
	}
	if len(operations) > 0 {
		facts.Constraints[table] = append(facts.Constraints[table], operations...)
	}
}

// followingNames walks a comma separated name list such as the tail of
// DROP TABLE a, b. listPattern must anchor at the start and capture one name.
func followingNames(listPattern *regexp.Regexp, rest string) []string {
	var names []string
	for {
		match := listPattern.FindStringSubmatchIndex(rest)
		if match == nil {
			return names
		}
		names = append(names, NormalizeIdentifier(rest[match[2]:match[3]]))
		rest = rest[match[1]:]
	}
}

func isDropVerb(verb string) bool {
	return strings.EqualFold(strings.TrimSpace(verb), "DROP")
}

// stripNoise blanks comments and empties string literals.
func stripNoise(statement string) string {
	return noisePattern.ReplaceAllStringFunc(statement, func(match string) string {
		if strings.HasPrefix(match, "'") {
			return "''"
		}
		return " "
	})
}

// NormalizeIdentifier lower-cases raw and removes identifier quoting, the form
// in which every extracted name is reported.
func NormalizeIdentifier(raw string) string {
	return strings.ToLower(strings.TrimSpace(quoteStripper.Replace(raw)))
}
