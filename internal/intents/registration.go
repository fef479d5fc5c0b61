package intents

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/coordinator/internal/conflict"
	"github.com/MarcoPoloResearchLab/coordinator/internal/schema"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Register declares a new intent, detects its conflicts against every active
// intent and persists intent, conflicts and the creation history row in one
// transaction.
//
// Detection reads a snapshot of committed intents before the write
// transaction starts, so two registrations racing on the same tables may miss
// each other.
func (service *Service) Register(ctx context.Context, request RegisterRequest) (Intent, error) {
	if service.db == nil {
		service.logError(opRegister, reasonMissingDatabase, errMissingDatabase)
		return Intent{}, newServiceError(opRegister, reasonMissingDatabase, errMissingDatabase)
	}

	agentID, err := validateIdentifier(request.AgentID, ErrInvalidAgentID)
	if err != nil {
		return Intent{}, newServiceError(opRegister, reasonInvalidInput, err)
	}
	featureName, err := validateIdentifier(request.FeatureName, ErrInvalidFeatureName)
	if err != nil {
		return Intent{}, newServiceError(opRegister, reasonInvalidInput, err)
	}
	changes := normalizeStatements(request.SchemaChanges)
	if len(changes) == 0 {
		return Intent{}, newServiceError(opRegister, reasonInvalidInput, ErrEmptySchemaChanges)
	}
	riskLevel, err := ParseRiskLevel(string(request.RiskLevel))
	if err != nil {
		return Intent{}, newServiceError(opRegister, reasonInvalidInput, err)
	}
	if request.EstimatedDuration < 0 {
		return Intent{}, newServiceError(opRegister, reasonInvalidInput, fmt.Errorf("%w: %d", ErrInvalidDuration, request.EstimatedDuration))
	}

	intentID, err := service.idProvider.NewID()
	if err != nil {
		service.logError(opRegister, "id_generation_failed", err, zap.String(fieldAgentID, agentID))
		return Intent{}, newServiceError(opRegister, "id_generation_failed", err)
	}

	extracted := schema.ExtractAll(service.extractor, changes)
	tables := normalizeTables(request.TablesAffected)
	if len(tables) == 0 {
		tables = extracted.TableNames()
	}
	facts := withDeclaredTables(extracted, tables)

	active, err := service.activeIntents(ctx)
	if err != nil {
		service.logError(opRegister, "active_intents_query_failed", err, zap.String(fieldAgentID, agentID))
		return Intent{}, newServiceError(opRegister, "active_intents_query_failed", err)
	}

	now := service.clock().UTC()
	detectionStarted := time.Now()
	newcomer := conflict.Subject{ID: intentID, AgentID: agentID, Facts: facts}
	reports, err := service.detectConflicts(newcomer, active, now)
	if err != nil {
		service.logError(opRegister, "conflict_id_generation_failed", err, zap.String(fieldAgentID, agentID))
		return Intent{}, newServiceError(opRegister, "conflict_id_generation_failed", err)
	}
	detectionElapsed := time.Since(detectionStarted)

	metadata := datatypes.JSONMap{}
	for key, value := range request.Metadata {
		metadata[key] = value
	}
	intent := Intent{
		ID:                intentID,
		AgentID:           agentID,
		FeatureName:       featureName,
		SchemaChanges:     datatypes.JSONSlice[string](changes),
		TablesAffected:    datatypes.JSONSlice[string](tables),
		EstimatedDuration: request.EstimatedDuration,
		RiskLevel:         riskLevel,
		Status:            StatusRegistered,
		Metadata:          metadata,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	transactionError := service.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		if err := service.createWithBranch(transaction, &intent); err != nil {
			service.logError(opRegister, "intent_insert_failed", err,
				zap.String(fieldIntentID, intentID),
				zap.String(fieldAgentID, agentID))
			return newServiceError(opRegister, "intent_insert_failed", err)
		}
		for index := range reports {
			if err := transaction.Clauses(clause.OnConflict{DoNothing: true}).Create(&reports[index]).Error; err != nil {
				service.logError(opRegister, "conflict_insert_failed", err,
					zap.String(fieldIntentID, intentID),
					zap.String(fieldConflictID, reports[index].ID))
				return newServiceError(opRegister, "conflict_insert_failed", err)
			}
		}
		entry := HistoryEntry{
			IntentID:  intentID,
			OldStatus: nil,
			NewStatus: StatusRegistered,
			Reason:    "intent registered",
			ChangedBy: agentID,
			ChangedAt: now,
		}
		if err := transaction.Create(&entry).Error; err != nil {
			service.logError(opRegister, "history_insert_failed", err, zap.String(fieldIntentID, intentID))
			return newServiceError(opRegister, "history_insert_failed", err)
		}
		return nil
	})
	if transactionError != nil {
		return Intent{}, transactionError
	}

	service.rememberFacts(intentID, facts)
	others := map[string]struct{}{}
	for _, report := range reports {
		others[report.Other(intentID)] = struct{}{}
	}
	intent.ConflictsWith = sortedSet(others)

	service.loggerOrDefault().Info("intent registered",
		zap.String(fieldIntentID, intentID),
		zap.String(fieldAgentID, agentID),
		zap.String("branch_name", intent.BranchName),
		zap.Int("active_intents", len(active)),
		zap.Int("conflicts", len(reports)),
		zap.Duration("detection_elapsed", detectionElapsed))
	return intent, nil
}

func (service *Service) activeIntents(ctx context.Context) ([]Intent, error) {
	statuses := make([]string, 0, len(activeStatuses))
	for _, status := range activeStatuses {
		statuses = append(statuses, string(status))
	}
	var active []Intent
	err := service.db.WithContext(ctx).
		Where("status IN ?", statuses).
		Order(orderCreatedAsc).
		Find(&active).Error
	return active, err
}

// detectConflicts compares newcomer with every active intent and returns
// canonical, deduplicated conflict rows ready for insertion.
func (service *Service) detectConflicts(newcomer conflict.Subject, active []Intent, detectedAt time.Time) ([]ConflictReport, error) {
	seen := map[string]struct{}{}
	var reports []ConflictReport
	for _, existing := range active {
		if existing.ID == newcomer.ID {
			continue
		}
		other := conflict.Subject{
			ID:      existing.ID,
			AgentID: existing.AgentID,
			Facts:   service.factsFor(existing),
		}
		for _, finding := range service.detector.Detect(newcomer, other) {
			intentA, intentB := canonicalPair(newcomer.ID, existing.ID)
			key := strings.Join([]string{intentA, intentB, string(finding.Type), finding.Scope}, "\x00")
			if _, duplicate := seen[key]; duplicate {
				continue
			}
			seen[key] = struct{}{}

			reportID, err := service.idProvider.NewID()
			if err != nil {
				return nil, err
			}
			reports = append(reports, ConflictReport{
				ID:                    reportID,
				IntentA:               intentA,
				IntentB:               intentB,
				Type:                  finding.Type,
				Scope:                 finding.Scope,
				AffectedObjects:       datatypes.JSONSlice[string](finding.AffectedObjects),
				Severity:              finding.Severity,
				ResolutionSuggestions: datatypes.JSONSlice[string](nonNil(finding.Suggestions)),
				CreatedAt:             detectedAt,
			})
		}
	}
	return reports, nil
}

// factsFor returns the detection facts of a stored intent. Schema changes are
// immutable, so cached facts never go stale.
func (service *Service) factsFor(intent Intent) schema.ObjectFacts {
	if service.factsCache != nil {
		if facts, ok := service.factsCache.Get(intent.ID); ok {
			return facts
		}
	}
	extracted := schema.ExtractAll(service.extractor, intent.SchemaChanges)
	facts := withDeclaredTables(extracted, intent.TablesAffected)
	service.rememberFacts(intent.ID, facts)
	return facts
}

func (service *Service) rememberFacts(intentID string, facts schema.ObjectFacts) {
	if service.factsCache == nil {
		return
	}
	service.factsCache.Add(intentID, facts)
}

// canonicalPair orders two intent ids so that the smaller one comes first.
func canonicalPair(first, second string) (string, string) {
	if second < first {
		return second, first
	}
	return first, second
}

// withDeclaredTables adds the declared tables to freshly extracted facts.
func withDeclaredTables(facts schema.ObjectFacts, tables []string) schema.ObjectFacts {
	for _, table := range tables {
		facts.Tables[table] = struct{}{}
	}
	return facts
}

func normalizeStatements(statements []string) []string {
	normalized := make([]string, 0, len(statements))
	for _, statement := range statements {
		if strings.TrimSpace(statement) == "" {
			continue
		}
		normalized = append(normalized, statement)
	}
	return normalized
}

func normalizeTables(tables []string) []string {
	set := map[string]struct{}{}
	for _, table := range tables {
		name := schema.NormalizeIdentifier(table)
		if name == "" {
			continue
		}
		set[name] = struct{}{}
	}
	normalized := make([]string, 0, len(set))
	for name := range set {
		normalized = append(normalized, name)
	}
	sort.Strings(normalized)
	return normalized
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
