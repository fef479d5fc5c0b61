package intents

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/coordinator/internal/conflict"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func openTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "intents.db")
	db, err := gorm.Open(sqlite.Open(path+"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})
	if err := db.AutoMigrate(Models()...); err != nil {
		t.Fatalf("failed to migrate intent schema: %v", err)
	}
	return db
}

// steppingClock advances one second per call so creation order is observable.
func steppingClock() func() time.Time {
	var mutex sync.Mutex
	current := time.Date(2024, time.January, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time {
		mutex.Lock()
		defer mutex.Unlock()
		current = current.Add(time.Second)
		return current
	}
}

func newTestService(t *testing.T) (*Service, *gorm.DB) {
	t.Helper()
	db := openTestDatabase(t)
	service, err := NewService(ServiceConfig{
		Database:       db,
		Clock:          steppingClock(),
		IDProvider:     NewUUIDProvider(),
		FactsCacheSize: 128,
	})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	t.Cleanup(service.Close)
	return service, db
}

func mustRegister(t *testing.T, service *Service, agentID, featureName string, changes ...string) Intent {
	t.Helper()
	intent, err := service.Register(context.Background(), RegisterRequest{
		AgentID:       agentID,
		FeatureName:   featureName,
		SchemaChanges: changes,
	})
	if err != nil {
		t.Fatalf("register %s/%s failed: %v", agentID, featureName, err)
	}
	return intent
}

func countHistory(t *testing.T, db *gorm.DB, intentID string) int64 {
	t.Helper()
	var count int64
	if err := db.Model(&HistoryEntry{}).Where("intent_id = ?", intentID).Count(&count).Error; err != nil {
		t.Fatalf("failed to count history: %v", err)
	}
	return count
}

func conflictsOfType(reports []ConflictReport, conflictType conflict.Type) []ConflictReport {
	var matched []ConflictReport
	for _, report := range reports {
		if report.Type == conflictType {
			matched = append(matched, report)
		}
	}
	return matched
}

func TestRegisterSameColumnFromDifferentAgentsConflicts(t *testing.T) {
	service, _ := newTestService(t)
	ctx := context.Background()

	first := mustRegister(t, service, "x", "add bio", "ALTER TABLE users ADD COLUMN bio TEXT")
	second := mustRegister(t, service, "y", "user bio", "ALTER TABLE users ADD COLUMN bio VARCHAR(255)")

	if len(second.ConflictsWith) != 1 || second.ConflictsWith[0] != first.ID {
		t.Fatalf("expected second intent to conflict with %s, got %v", first.ID, second.ConflictsWith)
	}

	reports, err := service.GetConflicts(ctx, first.ID)
	if err != nil {
		t.Fatalf("get conflicts failed: %v", err)
	}
	columns := conflictsOfType(reports, conflict.TypeColumn)
	if len(columns) != 1 {
		t.Fatalf("expected exactly one column conflict, got %d", len(columns))
	}
	if columns[0].Severity != conflict.SeverityError {
		t.Fatalf("expected column conflict severity ERROR, got %s", columns[0].Severity)
	}
	if len(columns[0].AffectedObjects) != 1 || columns[0].AffectedObjects[0] != "users.bio" {
		t.Fatalf("unexpected affected objects %v", columns[0].AffectedObjects)
	}
	if columns[0].IntentA > columns[0].IntentB {
		t.Fatalf("expected canonical pair order, got %s > %s", columns[0].IntentA, columns[0].IntentB)
	}

	reloaded, err := service.GetIntent(ctx, first.ID)
	if err != nil {
		t.Fatalf("get intent failed: %v", err)
	}
	if !reloaded.Conflicted() || reloaded.ConflictsWith[0] != second.ID {
		t.Fatalf("expected first intent to list %s, got %v", second.ID, reloaded.ConflictsWith)
	}
}

func TestRegisterSameAgentNeverConflicts(t *testing.T) {
	service, _ := newTestService(t)

	mustRegister(t, service, "x", "orders", "CREATE TABLE orders (id INTEGER PRIMARY KEY)")
	second := mustRegister(t, service, "x", "order totals", "ALTER TABLE orders ADD COLUMN total NUMERIC")

	if second.Conflicted() {
		t.Fatalf("expected no conflicts for same agent, got %v", second.ConflictsWith)
	}
	var count int64
	if err := service.db.Model(&ConflictReport{}).Count(&count).Error; err != nil {
		t.Fatalf("count conflicts failed: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected zero conflict rows, got %d", count)
	}
}

func TestRegisterDisjointTablesIsFast(t *testing.T) {
	service, _ := newTestService(t)
	ctx := context.Background()

	for index := 0; index < 50; index++ {
		intent := mustRegister(t, service,
			fmt.Sprintf("agent-%02d", index),
			fmt.Sprintf("feature %02d", index),
			fmt.Sprintf("CREATE TABLE table_%02d (id INTEGER PRIMARY KEY)", index))
		if intent.Conflicted() {
			t.Fatalf("intent %d unexpectedly conflicted with %v", index, intent.ConflictsWith)
		}
	}

	active, err := service.activeIntents(ctx)
	if err != nil {
		t.Fatalf("active intents failed: %v", err)
	}
	if len(active) != 50 {
		t.Fatalf("expected 50 active intents, got %d", len(active))
	}
	newcomer := conflict.Subject{ID: "newcomer", AgentID: "agent-new", Facts: service.factsFor(Intent{
		ID:            "newcomer",
		SchemaChanges: []string{"CREATE TABLE table_new (id INTEGER)"},
	})}
	started := time.Now()
	reports, err := service.detectConflicts(newcomer, active, time.Now())
	elapsed := time.Since(started)
	if err != nil {
		t.Fatalf("detect conflicts failed: %v", err)
	}
	if len(reports) != 0 {
		t.Fatalf("expected zero conflicts, got %d", len(reports))
	}
	if elapsed >= 100*time.Millisecond {
		t.Fatalf("expected detection under 100ms, took %s", elapsed)
	}
}

func TestMarkMergedFromRegisteredIsRejected(t *testing.T) {
	service, db := newTestService(t)
	ctx := context.Background()

	intent := mustRegister(t, service, "x", "merge early", "CREATE TABLE invoices (id INTEGER)")
	before := countHistory(t, db, intent.ID)

	_, err := service.MarkMerged(ctx, intent.ID, "ship it", "x")
	var transitionErr *InvalidTransitionError
	if !errors.As(err, &transitionErr) {
		t.Fatalf("expected InvalidTransitionError, got %v", err)
	}
	if transitionErr.From != StatusRegistered || transitionErr.To != StatusMerged {
		t.Fatalf("unexpected transition error %+v", transitionErr)
	}

	reloaded, err := service.GetIntent(ctx, intent.ID)
	if err != nil {
		t.Fatalf("get intent failed: %v", err)
	}
	if reloaded.Status != StatusRegistered {
		t.Fatalf("expected status to remain REGISTERED, got %s", reloaded.Status)
	}
	if after := countHistory(t, db, intent.ID); after != before {
		t.Fatalf("expected history length %d, got %d", before, after)
	}
}

func TestRegisterSameFunctionConflicts(t *testing.T) {
	service, _ := newTestService(t)
	ctx := context.Background()

	first := mustRegister(t, service, "x", "totals", "CREATE FUNCTION calculate_total(order_id INTEGER) RETURNS NUMERIC AS $$ SELECT 1 $$ LANGUAGE sql")
	mustRegister(t, service, "y", "totals v2", "CREATE OR REPLACE FUNCTION calculate_total(order_id BIGINT) RETURNS NUMERIC AS $$ SELECT 2 $$ LANGUAGE sql")

	reports, err := service.GetConflicts(ctx, first.ID)
	if err != nil {
		t.Fatalf("get conflicts failed: %v", err)
	}
	functions := conflictsOfType(reports, conflict.TypeFunction)
	if len(functions) != 1 {
		t.Fatalf("expected one function conflict, got %d", len(functions))
	}
	if functions[0].Severity != conflict.SeverityError {
		t.Fatalf("expected ERROR severity, got %s", functions[0].Severity)
	}
	hasRename := false
	for _, suggestion := range functions[0].ResolutionSuggestions {
		if suggestion == "Rename one of the functions" {
			hasRename = true
		}
	}
	if !hasRename {
		t.Fatalf("expected rename suggestion, got %v", functions[0].ResolutionSuggestions)
	}
}

func TestRegisterConcurrentBranchNamesAreDistinct(t *testing.T) {
	service, _ := newTestService(t)

	const registrations = 12
	var wait sync.WaitGroup
	branches := make(chan string, registrations)
	failures := make(chan error, registrations)
	for index := 0; index < registrations; index++ {
		wait.Add(1)
		go func(index int) {
			defer wait.Done()
			intent, err := service.Register(context.Background(), RegisterRequest{
				AgentID:       fmt.Sprintf("agent-%d", index),
				FeatureName:   "Add Audit Log",
				SchemaChanges: []string{fmt.Sprintf("CREATE TABLE audit_%d (id INTEGER)", index)},
			})
			if err != nil {
				failures <- err
				return
			}
			branches <- intent.BranchName
		}(index)
	}
	wait.Wait()
	close(branches)
	close(failures)

	for err := range failures {
		t.Fatalf("concurrent register failed: %v", err)
	}
	seen := map[string]struct{}{}
	for branch := range branches {
		if _, duplicate := seen[branch]; duplicate {
			t.Fatalf("branch %q allocated twice", branch)
		}
		seen[branch] = struct{}{}
	}
	if len(seen) != registrations {
		t.Fatalf("expected %d branches, got %d", registrations, len(seen))
	}
	if _, ok := seen["feature/add-audit-log-001"]; !ok {
		t.Fatalf("expected first suffix to be allocated, got %v", seen)
	}
}

func TestTransitionGraphClosure(t *testing.T) {
	service, db := newTestService(t)
	ctx := context.Background()

	// pathTo lists the edges that bring a fresh intent into each status.
	pathTo := map[Status][]Status{
		StatusRegistered: nil,
		StatusInProgress: {StatusInProgress},
		StatusCompleted:  {StatusInProgress, StatusCompleted},
		StatusMerged:     {StatusInProgress, StatusCompleted, StatusMerged},
		StatusAbandoned:  {StatusAbandoned},
	}

	for _, from := range AllStatuses() {
		for _, to := range AllStatuses() {
			if CanTransition(from, to) {
				continue
			}
			intent := mustRegister(t, service, "closure", fmt.Sprintf("closure %s %s", from, to),
				fmt.Sprintf("CREATE TABLE closure_%d (id INTEGER)", time.Now().UnixNano()))
			for _, step := range pathTo[from] {
				if _, err := service.Transition(ctx, intent.ID, step, "setup", "closure"); err != nil {
					t.Fatalf("setup transition to %s failed: %v", step, err)
				}
			}
			before := countHistory(t, db, intent.ID)

			_, err := service.Transition(ctx, intent.ID, to, "not allowed", "closure")
			var transitionErr *InvalidTransitionError
			if !errors.As(err, &transitionErr) {
				t.Fatalf("%s -> %s: expected InvalidTransitionError, got %v", from, to, err)
			}
			reloaded, err := service.GetIntent(ctx, intent.ID)
			if err != nil {
				t.Fatalf("get intent failed: %v", err)
			}
			if reloaded.Status != from {
				t.Fatalf("%s -> %s: status changed to %s", from, to, reloaded.Status)
			}
			if after := countHistory(t, db, intent.ID); after != before {
				t.Fatalf("%s -> %s: history grew from %d to %d", from, to, before, after)
			}
		}
	}
}

func TestHistoryRecordsEveryTransitionInOrder(t *testing.T) {
	service, db := newTestService(t)
	ctx := context.Background()

	intent := mustRegister(t, service, "x", "history", "CREATE TABLE ledger (id INTEGER)")
	previousCount := countHistory(t, db, intent.ID)
	steps := []func(context.Context, string, string, string) (Intent, error){
		service.MarkInProgress,
		service.MarkCompleted,
		service.MarkMerged,
	}
	for _, step := range steps {
		if _, err := step(ctx, intent.ID, "progress", "reviewer"); err != nil {
			t.Fatalf("transition failed: %v", err)
		}
		count := countHistory(t, db, intent.ID)
		if count <= previousCount {
			t.Fatalf("expected history to grow past %d, got %d", previousCount, count)
		}
		previousCount = count
	}

	history, err := service.GetHistory(ctx, intent.ID)
	if err != nil {
		t.Fatalf("get history failed: %v", err)
	}
	expected := []Status{StatusRegistered, StatusInProgress, StatusCompleted, StatusMerged}
	if len(history) != len(expected) {
		t.Fatalf("expected %d history rows, got %d", len(expected), len(history))
	}
	if history[0].OldStatus != nil {
		t.Fatalf("expected creation row without old status, got %v", *history[0].OldStatus)
	}
	for index, entry := range history {
		if entry.NewStatus != expected[index] {
			t.Fatalf("row %d: expected %s, got %s", index, expected[index], entry.NewStatus)
		}
		if index > 0 && (entry.OldStatus == nil || *entry.OldStatus != expected[index-1]) {
			t.Fatalf("row %d: expected old status %s, got %v", index, expected[index-1], entry.OldStatus)
		}
	}
	if history[0].ChangedBy != "x" || history[1].ChangedBy != "reviewer" {
		t.Fatalf("unexpected actors %q, %q", history[0].ChangedBy, history[1].ChangedBy)
	}
}

func TestUnknownIdentifiersReturnNotFound(t *testing.T) {
	service, _ := newTestService(t)
	ctx := context.Background()

	if _, err := service.GetIntent(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found from GetIntent, got %v", err)
	}
	if _, err := service.GetConflicts(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found from GetConflicts, got %v", err)
	}
	if _, err := service.GetHistory(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found from GetHistory, got %v", err)
	}
	if _, err := service.MarkInProgress(ctx, "missing", "", "x"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found from MarkInProgress, got %v", err)
	}
	if _, err := service.ResolveConflict(ctx, "missing", "notes", "x"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found from ResolveConflict, got %v", err)
	}
	if err := service.DeleteIntent(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found from DeleteIntent, got %v", err)
	}
}

func TestRegisterValidatesInput(t *testing.T) {
	service, _ := newTestService(t)
	ctx := context.Background()

	testCases := []struct {
		name     string
		request  RegisterRequest
		expected error
	}{
		{
			name:     "blank agent",
			request:  RegisterRequest{AgentID: "  ", FeatureName: "f", SchemaChanges: []string{"CREATE TABLE a (id INTEGER)"}},
			expected: ErrInvalidAgentID,
		},
		{
			name:     "blank feature",
			request:  RegisterRequest{AgentID: "x", SchemaChanges: []string{"CREATE TABLE a (id INTEGER)"}},
			expected: ErrInvalidFeatureName,
		},
		{
			name:     "no statements",
			request:  RegisterRequest{AgentID: "x", FeatureName: "f", SchemaChanges: []string{" "}},
			expected: ErrEmptySchemaChanges,
		},
		{
			name:     "unknown risk",
			request:  RegisterRequest{AgentID: "x", FeatureName: "f", SchemaChanges: []string{"CREATE TABLE a (id INTEGER)"}, RiskLevel: "EXTREME"},
			expected: ErrInvalidRiskLevel,
		},
		{
			name:     "negative duration",
			request:  RegisterRequest{AgentID: "x", FeatureName: "f", SchemaChanges: []string{"CREATE TABLE a (id INTEGER)"}, EstimatedDuration: -5},
			expected: ErrInvalidDuration,
		},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			_, err := service.Register(ctx, testCase.request)
			if !errors.Is(err, testCase.expected) {
				t.Fatalf("expected %v, got %v", testCase.expected, err)
			}
		})
	}
}

func TestRegisterDerivesTablesAndDefaults(t *testing.T) {
	service, _ := newTestService(t)

	intent, err := service.Register(context.Background(), RegisterRequest{
		AgentID:     " agent-7 ",
		FeatureName: "Billing: Invoices & Payments!",
		SchemaChanges: []string{
			"CREATE TABLE invoices (id INTEGER); ALTER TABLE payments ADD COLUMN invoice_id INTEGER",
		},
		Metadata: map[string]any{"ticket": "BILL-12"},
	})
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if intent.AgentID != "agent-7" {
		t.Fatalf("expected trimmed agent id, got %q", intent.AgentID)
	}
	if intent.BranchName != "feature/billing-invoices-payments-001" {
		t.Fatalf("unexpected branch name %q", intent.BranchName)
	}
	if intent.RiskLevel != RiskMedium {
		t.Fatalf("expected default risk MEDIUM, got %s", intent.RiskLevel)
	}
	if intent.Status != StatusRegistered {
		t.Fatalf("expected REGISTERED, got %s", intent.Status)
	}
	tables := []string(intent.TablesAffected)
	if len(tables) != 2 || tables[0] != "invoices" || tables[1] != "payments" {
		t.Fatalf("unexpected derived tables %v", tables)
	}
	if intent.Metadata["ticket"] != "BILL-12" {
		t.Fatalf("expected metadata to round trip, got %v", intent.Metadata)
	}
}

func TestDeclaredTablesTakePartInDetection(t *testing.T) {
	service, _ := newTestService(t)
	ctx := context.Background()

	first := mustRegister(t, service, "x", "data fix", "UPDATE customers SET tier = 'gold'")
	second, err := service.Register(ctx, RegisterRequest{
		AgentID:        "y",
		FeatureName:    "customer tiers",
		SchemaChanges:  []string{"ALTER TABLE customers ADD COLUMN tier TEXT"},
		TablesAffected: []string{"Customers"},
	})
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if second.Conflicted() {
		t.Fatalf("expected no conflict when first intent touches no known table, got %v", second.ConflictsWith)
	}

	third, err := service.Register(ctx, RegisterRequest{
		AgentID:        "z",
		FeatureName:    "customer cleanup",
		SchemaChanges:  []string{"DELETE FROM customers WHERE tier IS NULL"},
		TablesAffected: []string{"customers"},
	})
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if len(third.ConflictsWith) != 1 || third.ConflictsWith[0] != second.ID {
		t.Fatalf("expected declared table overlap with %s, got %v (first %s)", second.ID, third.ConflictsWith, first.ID)
	}
}

func TestInactiveIntentsAreIgnoredByDetection(t *testing.T) {
	service, _ := newTestService(t)
	ctx := context.Background()

	first := mustRegister(t, service, "x", "drop legacy", "DROP TABLE legacy")
	if _, err := service.MarkAbandoned(ctx, first.ID, "superseded", "x"); err != nil {
		t.Fatalf("abandon failed: %v", err)
	}
	second := mustRegister(t, service, "y", "legacy again", "DROP TABLE legacy")
	if second.Conflicted() {
		t.Fatalf("expected abandoned intent to be ignored, got %v", second.ConflictsWith)
	}
}

func TestResolveConflictStampsReviewAndOverridesSeverity(t *testing.T) {
	service, _ := newTestService(t)
	ctx := context.Background()

	first := mustRegister(t, service, "x", "index a", "CREATE INDEX idx_users_email ON users (email)")
	mustRegister(t, service, "y", "index b", "CREATE UNIQUE INDEX idx_users_email ON accounts (email)")

	reports, err := service.GetConflicts(ctx, first.ID)
	if err != nil {
		t.Fatalf("get conflicts failed: %v", err)
	}
	indexes := conflictsOfType(reports, conflict.TypeIndex)
	if len(indexes) != 1 || indexes[0].Severity != conflict.SeverityWarning {
		t.Fatalf("expected one WARNING index conflict, got %+v", indexes)
	}

	resolved, err := service.ResolveConflict(ctx, indexes[0].ID, "rename in b", "lead", WithSeverityOverride(conflict.SeverityError))
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if !resolved.Reviewed || resolved.ReviewedBy != "lead" || resolved.ReviewedAt == nil {
		t.Fatalf("expected review stamp, got %+v", resolved)
	}
	if resolved.Severity != conflict.SeverityError {
		t.Fatalf("expected overridden severity, got %s", resolved.Severity)
	}

	reloaded, err := service.GetConflicts(ctx, first.ID)
	if err != nil {
		t.Fatalf("get conflicts failed: %v", err)
	}
	stored := conflictsOfType(reloaded, conflict.TypeIndex)[0]
	if stored.ResolutionNotes != "rename in b" || stored.Severity != conflict.SeverityError {
		t.Fatalf("expected persisted review, got %+v", stored)
	}

	intent, err := service.GetIntent(ctx, first.ID)
	if err != nil {
		t.Fatalf("get intent failed: %v", err)
	}
	if intent.Status != StatusRegistered {
		t.Fatalf("expected resolve to leave status unchanged, got %s", intent.Status)
	}

	if _, err := service.ResolveConflict(ctx, indexes[0].ID, "", "lead", WithSeverityOverride("FATAL")); !errors.Is(err, ErrInvalidSeverity) {
		t.Fatalf("expected invalid severity error, got %v", err)
	}
}

func TestDeleteIntentCascades(t *testing.T) {
	service, db := newTestService(t)
	ctx := context.Background()

	first := mustRegister(t, service, "x", "orders a", "ALTER TABLE orders ADD COLUMN note TEXT")
	second := mustRegister(t, service, "y", "orders b", "ALTER TABLE orders ADD COLUMN note TEXT")
	if !second.Conflicted() {
		t.Fatalf("expected conflict before delete")
	}

	if err := service.DeleteIntent(ctx, first.ID); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if count := countHistory(t, db, first.ID); count != 0 {
		t.Fatalf("expected history removed with intent, got %d rows", count)
	}
	reloaded, err := service.GetIntent(ctx, second.ID)
	if err != nil {
		t.Fatalf("get intent failed: %v", err)
	}
	if reloaded.Conflicted() {
		t.Fatalf("expected conflicts removed with intent, got %v", reloaded.ConflictsWith)
	}
}

func TestListIntentsFiltersAndOrders(t *testing.T) {
	service, _ := newTestService(t)
	ctx := context.Background()

	first := mustRegister(t, service, "x", "one", "CREATE TABLE one (id INTEGER)")
	second := mustRegister(t, service, "y", "two", "CREATE TABLE two (id INTEGER)")
	third := mustRegister(t, service, "x", "three", "CREATE TABLE three (id INTEGER)")
	if _, err := service.MarkInProgress(ctx, third.ID, "started", "x"); err != nil {
		t.Fatalf("mark in progress failed: %v", err)
	}

	all, err := service.ListIntents(ctx, IntentFilter{})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(all) != 3 || all[0].ID != first.ID || all[1].ID != second.ID || all[2].ID != third.ID {
		t.Fatalf("expected creation order, got %v", all)
	}

	byAgent, err := service.ListIntents(ctx, IntentFilter{AgentID: "x"})
	if err != nil {
		t.Fatalf("list by agent failed: %v", err)
	}
	if len(byAgent) != 2 {
		t.Fatalf("expected two intents for agent x, got %d", len(byAgent))
	}

	registered, err := service.ListIntents(ctx, IntentFilter{Status: StatusRegistered, AgentID: "x"})
	if err != nil {
		t.Fatalf("list by status failed: %v", err)
	}
	if len(registered) != 1 || registered[0].ID != first.ID {
		t.Fatalf("expected only the first intent, got %v", registered)
	}

	if _, err := service.ListIntents(ctx, IntentFilter{Status: "PAUSED"}); !errors.Is(err, ErrInvalidStatus) {
		t.Fatalf("expected invalid status error, got %v", err)
	}
}

func TestNewServiceRequiresDependencies(t *testing.T) {
	if _, err := NewService(ServiceConfig{IDProvider: NewUUIDProvider()}); !errors.Is(err, errMissingDatabase) {
		t.Fatalf("expected missing database error, got %v", err)
	}
	db := openTestDatabase(t)
	if _, err := NewService(ServiceConfig{Database: db}); !errors.Is(err, errMissingIDProvider) {
		t.Fatalf("expected missing id provider error, got %v", err)
	}
}

func TestSlugify(t *testing.T) {
	testCases := map[string]string{
		"Add Audit Log":      "add-audit-log",
		"  --Billing__v2!! ": "billing-v2",
		"":                   "intent",
		"***":                "intent",
		"Ünïcode Table":      "n-code-table",
	}
	for input, expected := range testCases {
		if got := Slugify(input); got != expected {
			t.Fatalf("Slugify(%q) = %q, want %q", input, got, expected)
		}
	}

	long := Slugify("a very long feature name that keeps going past the limit")
	if long != "a-very-long-feature-name-that-keeps-going-past-t" {
		t.Fatalf("expected slug truncated to %d characters, got %q", maxSlugLength, long)
	}
}

func TestRegisterAllocatesPastTheCollisionBound(t *testing.T) {
	db := openTestDatabase(t)
	service, err := NewService(ServiceConfig{
		Database:          db,
		Clock:             steppingClock(),
		IDProvider:        NewUUIDProvider(),
		BranchMaxAttempts: 3,
	})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	t.Cleanup(service.Close)
	ctx := context.Background()

	registered := make([]Intent, 0, 5)
	for index := 1; index <= 5; index++ {
		intent := mustRegister(t, service, fmt.Sprintf("agent-%d", index), "fix", fmt.Sprintf("CREATE TABLE fix_%d (id INTEGER)", index))
		if expected := fmt.Sprintf("feature/fix-%03d", index); intent.BranchName != expected {
			t.Fatalf("registration %d: expected branch %q, got %q", index, expected, intent.BranchName)
		}
		registered = append(registered, intent)
	}

	if err := service.DeleteIntent(ctx, registered[1].ID); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	sibling := mustRegister(t, service, "agent-6", "fix 2024", "CREATE TABLE fix_2024 (id INTEGER)")
	if sibling.BranchName != "feature/fix-2024-001" {
		t.Fatalf("expected a separate sequence for a longer slug, got %q", sibling.BranchName)
	}
	next := mustRegister(t, service, "agent-7", "Fix", "CREATE TABLE fix_7 (id INTEGER)")
	if next.BranchName != "feature/fix-006" {
		t.Fatalf("expected allocation above the highest suffix, got %q", next.BranchName)
	}
}

func TestRegisterIsAllOrNothing(t *testing.T) {
	errRefused := errors.New("write refused")
	testCases := map[string]struct {
		table        string
		expectedCode string
	}{
		"history insert fails":  {table: "intent_history", expectedCode: "intents.register.history_insert_failed"},
		"conflict insert fails": {table: "intent_conflicts", expectedCode: "intents.register.conflict_insert_failed"},
	}
	for name, testCase := range testCases {
		t.Run(name, func(t *testing.T) {
			service, db := newTestService(t)
			existing := mustRegister(t, service, "x", "bio", "ALTER TABLE users ADD COLUMN bio TEXT")

			refuse := false
			err := db.Callback().Create().Before("gorm:create").Register("test:refuse_"+testCase.table, func(transaction *gorm.DB) {
				if refuse && transaction.Statement.Schema != nil && transaction.Statement.Schema.Table == testCase.table {
					_ = transaction.AddError(errRefused)
				}
			})
			if err != nil {
				t.Fatalf("failed to register callback: %v", err)
			}
			refuse = true

			_, err = service.Register(context.Background(), RegisterRequest{
				AgentID:       "y",
				FeatureName:   "bio too",
				SchemaChanges: []string{"ALTER TABLE users ADD COLUMN bio VARCHAR(80)"},
			})
			var serviceErr *ServiceError
			if !errors.As(err, &serviceErr) || serviceErr.Code() != testCase.expectedCode {
				t.Fatalf("expected %s, got %v", testCase.expectedCode, err)
			}
			if !errors.Is(err, errRefused) {
				t.Fatalf("expected injected failure to be wrapped, got %v", err)
			}
			refuse = false

			var intentCount, conflictCount, historyCount int64
			if err := db.Model(&Intent{}).Count(&intentCount).Error; err != nil {
				t.Fatalf("failed to count intents: %v", err)
			}
			if err := db.Model(&ConflictReport{}).Count(&conflictCount).Error; err != nil {
				t.Fatalf("failed to count conflicts: %v", err)
			}
			if err := db.Model(&HistoryEntry{}).Count(&historyCount).Error; err != nil {
				t.Fatalf("failed to count history: %v", err)
			}
			if intentCount != 1 || conflictCount != 0 || historyCount != 1 {
				t.Fatalf("expected only the first registration to persist, got intents=%d conflicts=%d history=%d", intentCount, conflictCount, historyCount)
			}

			reloaded, err := service.GetIntent(context.Background(), existing.ID)
			if err != nil {
				t.Fatalf("get intent failed: %v", err)
			}
			if reloaded.Conflicted() {
				t.Fatalf("expected no conflicts to survive the rollback, got %v", reloaded.ConflictsWith)
			}
		})
	}
}

func TestDeclaredTablesAreNormalizedLikeExtractedOnes(t *testing.T) {
	service, _ := newTestService(t)

	first := mustRegister(t, service, "x", "customer tier", "ALTER TABLE customers ADD COLUMN tier TEXT")
	second, err := service.Register(context.Background(), RegisterRequest{
		AgentID:        "y",
		FeatureName:    "customer backfill",
		SchemaChanges:  []string{"UPDATE customers SET tier = 'gold'"},
		TablesAffected: []string{` "Customers" `, "`customers`"},
	})
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if len(second.TablesAffected) != 1 || second.TablesAffected[0] != "customers" {
		t.Fatalf("expected normalized declared tables, got %v", second.TablesAffected)
	}
	if len(second.ConflictsWith) != 1 || second.ConflictsWith[0] != first.ID {
		t.Fatalf("expected quoted declaration to overlap with %s, got %v", first.ID, second.ConflictsWith)
	}
}
