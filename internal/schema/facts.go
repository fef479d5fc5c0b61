package schema

import "sort"

// ObjectFacts lists the schema objects a set of DDL statements touches.
type ObjectFacts struct {
	Tables      map[string]struct{}
	Columns     map[string]map[string]struct{}
	Functions   map[string]struct{}
	Indexes     map[string]struct{}
	Constraints map[string][]string
}

// NewObjectFacts returns empty facts ready for population.
func NewObjectFacts() ObjectFacts {
	return ObjectFacts{
		Tables:      map[string]struct{}{},
		Columns:     map[string]map[string]struct{}{},
		Functions:   map[string]struct{}{},
		Indexes:     map[string]struct{}{},
		Constraints: map[string][]string{},
	}
}

// IsEmpty reports whether no object was extracted.
func (facts ObjectFacts) IsEmpty() bool {
	return len(facts.Tables) == 0 &&
		len(facts.Columns) == 0 &&
		len(facts.Functions) == 0 &&
		len(facts.Indexes) == 0 &&
		len(facts.Constraints) == 0
}

// Merge folds other into facts and returns facts.
func (facts ObjectFacts) Merge(other ObjectFacts) ObjectFacts {
	facts.ensure()
	for table := range other.Tables {
		facts.Tables[table] = struct{}{}
	}
	for table, columns := range other.Columns {
		for column := range columns {
			facts.addColumn(table, column)
		}
	}
	for function := range other.Functions {
		facts.Functions[function] = struct{}{}
	}
	for index := range other.Indexes {
		facts.Indexes[index] = struct{}{}
	}
	for table, operations := range other.Constraints {
		facts.Constraints[table] = append(facts.Constraints[table], operations...)
	}
	return facts
}

// TableNames returns the tables in sorted order.
func (facts ObjectFacts) TableNames() []string {
	return sortedKeys(facts.Tables)
}

// ColumnNames returns the columns touched on table in sorted order.
func (facts ObjectFacts) ColumnNames(table string) []string {
	return sortedKeys(facts.Columns[table])
}

// FunctionNames returns the functions in sorted order.
func (facts ObjectFacts) FunctionNames() []string {
	return sortedKeys(facts.Functions)
}

// IndexNames returns the indexes in sorted order.
func (facts ObjectFacts) IndexNames() []string {
	return sortedKeys(facts.Indexes)
}

// ConstrainedTables returns the tables carrying constraint operations in sorted order.
func (facts ObjectFacts) ConstrainedTables() []string {
	tables := make([]string, 0, len(facts.Constraints))
	for table, operations := range facts.Constraints {
		if len(operations) > 0 {
			tables = append(tables, table)
		}
	}
	sort.Strings(tables)
	return tables
}

func (facts *ObjectFacts) ensure() {
	if facts.Tables == nil {
		facts.Tables = map[string]struct{}{}
	}
	if facts.Columns == nil {
		facts.Columns = map[string]map[string]struct{}{}
	}
	if facts.Functions == nil {
		facts.Functions = map[string]struct{}{}
	}
	if facts.Indexes == nil {
		facts.Indexes = map[string]struct{}{}
	}
	if facts.Constraints == nil {
		facts.Constraints = map[string][]string{}
	}
}

func (facts ObjectFacts) addColumn(table, column string) {
	columns, ok := facts.Columns[table]
	if !ok {
		columns = map[string]struct{}{}
		facts.Columns[table] = columns
	}
	columns[column] = struct{}{}
}

// Intersect returns the sorted members present in both sets.
func Intersect(left, right map[string]struct{}) []string {
	if len(right) < len(left) {
		left, right = right, left
	}
	shared := make([]string, 0)
	for key := range left {
		if _, ok := right[key]; ok {
			shared = append(shared, key)
		}
	}
	sort.Strings(shared)
	return shared
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for key := range set {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
