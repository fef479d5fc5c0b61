package intents

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/MarcoPoloResearchLab/coordinator/internal/conflict"
	"github.com/MarcoPoloResearchLab/coordinator/internal/schema"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opServiceNew      = "intents.service.new"
	opRegister        = "intents.register"
	opTransition      = "intents.transition"
	opListIntents     = "intents.list_intents"
	opGetIntent       = "intents.get_intent"
	opGetConflicts    = "intents.get_conflicts"
	opResolveConflict = "intents.resolve_conflict"
	opGetHistory      = "intents.get_history"
	opDeleteIntent    = "intents.delete_intent"

	fieldIntentID   = "intent_id"
	fieldConflictID = "conflict_id"
	fieldAgentID    = "agent_id"

	reasonMissingDatabase = "missing_database"
	reasonInvalidInput    = "invalid_input"
	reasonNotFound        = "not_found"
	reasonQueryFailed     = "query_failed"

	resourceIntent   = "intent"
	resourceConflict = "conflict"

	orderCreatedAsc = "created_at ASC, id ASC"
	orderHistoryAsc = "changed_at ASC, history_id ASC"
)

var noOpLogger = zap.NewNop()

// ServiceConfig describes the dependencies of the intent registry.
type ServiceConfig struct {
	Database          *gorm.DB
	Clock             func() time.Time
	IDProvider        IDProvider
	Extractor         schema.Extractor
	Detector          *conflict.Detector
	Logger            *zap.Logger
	BranchPrefix      string
	BranchMaxAttempts int
	// FactsCacheSize bounds the per-instance cache of extracted facts; 0 disables it.
	FactsCacheSize int
}

// Service is the intent registry. All durable state lives in the database;
// the facts cache only avoids re-extracting immutable schema changes.
type Service struct {
	db                *gorm.DB
	clock             func() time.Time
	idProvider        IDProvider
	extractor         schema.Extractor
	detector          *conflict.Detector
	logger            *zap.Logger
	branchPrefix      string
	branchMaxAttempts int
	factsCache        *lru.Cache[string, schema.ObjectFacts]
}

// NewService constructs the registry.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, reasonMissingDatabase, errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	extractor := cfg.Extractor
	if extractor == nil {
		extractor = schema.NewPatternExtractor()
	}
	detector := cfg.Detector
	if detector == nil {
		detector = conflict.NewDetector()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	branchPrefix := cfg.BranchPrefix
	if branchPrefix == "" {
		branchPrefix = defaultBranchPrefix
	}
	branchMaxAttempts := cfg.BranchMaxAttempts
	if branchMaxAttempts <= 0 {
		branchMaxAttempts = defaultBranchMaxAttempts
	}

	var factsCache *lru.Cache[string, schema.ObjectFacts]
	if cfg.FactsCacheSize > 0 {
		cache, err := lru.New[string, schema.ObjectFacts](cfg.FactsCacheSize)
		if err != nil {
			return nil, newServiceError(opServiceNew, "facts_cache_failed", err)
		}
		factsCache = cache
	}

	return &Service{
		db:                cfg.Database,
		clock:             clock,
		idProvider:        cfg.IDProvider,
		extractor:         extractor,
		detector:          detector,
		logger:            logger,
		branchPrefix:      branchPrefix,
		branchMaxAttempts: branchMaxAttempts,
		factsCache:        factsCache,
	}, nil
}

// Close releases instance-owned caches. The database handle belongs to the caller.
func (service *Service) Close() {
	if service.factsCache != nil {
		service.factsCache.Purge()
	}
}

// MarkInProgress moves an intent from REGISTERED to IN_PROGRESS.
func (service *Service) MarkInProgress(ctx context.Context, intentID, reason, actor string) (Intent, error) {
	return service.transition(ctx, intentID, StatusInProgress, reason, actor)
}

// MarkCompleted moves an intent from IN_PROGRESS to COMPLETED.
func (service *Service) MarkCompleted(ctx context.Context, intentID, reason, actor string) (Intent, error) {
	return service.transition(ctx, intentID, StatusCompleted, reason, actor)
}

// MarkMerged moves an intent from COMPLETED to MERGED.
func (service *Service) MarkMerged(ctx context.Context, intentID, reason, actor string) (Intent, error) {
	return service.transition(ctx, intentID, StatusMerged, reason, actor)
}

// MarkAbandoned moves any non-terminal intent to ABANDONED.
func (service *Service) MarkAbandoned(ctx context.Context, intentID, reason, actor string) (Intent, error) {
	return service.transition(ctx, intentID, StatusAbandoned, reason, actor)
}

// Transition applies the status change named by target.
func (service *Service) Transition(ctx context.Context, intentID string, target Status, reason, actor string) (Intent, error) {
	if _, err := ParseStatus(string(target)); err != nil {
		return Intent{}, newServiceError(opTransition, reasonInvalidInput, err)
	}
	return service.transition(ctx, intentID, target, reason, actor)
}

func (service *Service) transition(ctx context.Context, intentID string, target Status, reason, actor string) (Intent, error) {
	if service.db == nil {
		service.logError(opTransition, reasonMissingDatabase, errMissingDatabase)
		return Intent{}, newServiceError(opTransition, reasonMissingDatabase, errMissingDatabase)
	}
	changedBy, err := validateIdentifier(actor, ErrInvalidActor)
	if err != nil {
		return Intent{}, newServiceError(opTransition, reasonInvalidInput, err)
	}

	var updated Intent
	transactionError := service.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		current, loadErr := loadIntent(transaction, intentID)
		if loadErr != nil {
			if errors.Is(loadErr, ErrNotFound) {
				return newServiceError(opTransition, reasonNotFound, loadErr)
			}
			service.logError(opTransition, "intent_select_failed", loadErr, zap.String(fieldIntentID, intentID))
			return newServiceError(opTransition, "intent_select_failed", loadErr)
		}
		if transitionErr := ensureTransition(intentID, current.Status, target); transitionErr != nil {
			return newServiceError(opTransition, "invalid_transition", transitionErr)
		}

		changedAt := service.clock().UTC()
		result := transaction.Model(&Intent{}).
			Where("id = ? AND status = ?", intentID, current.Status).
			Updates(map[string]any{"status": target, "updated_at": changedAt})
		if result.Error != nil {
			service.logError(opTransition, "status_update_failed", result.Error, zap.String(fieldIntentID, intentID))
			return newServiceError(opTransition, "status_update_failed", result.Error)
		}
		if result.RowsAffected == 0 {
			return newServiceError(opTransition, "status_changed", ErrStatusChanged)
		}

		previous := current.Status
		entry := HistoryEntry{
			IntentID:  intentID,
			OldStatus: &previous,
			NewStatus: target,
			Reason:    reason,
			ChangedBy: changedBy,
			ChangedAt: changedAt,
		}
		if err := transaction.Create(&entry).Error; err != nil {
			service.logError(opTransition, "history_insert_failed", err, zap.String(fieldIntentID, intentID))
			return newServiceError(opTransition, "history_insert_failed", err)
		}

		current.Status = target
		current.UpdatedAt = changedAt
		updated = current
		return nil
	})
	if transactionError != nil {
		return Intent{}, transactionError
	}

	if err := service.attachConflicts(ctx, service.db, []*Intent{&updated}); err != nil {
		service.logError(opTransition, reasonQueryFailed, err, zap.String(fieldIntentID, intentID))
		return Intent{}, newServiceError(opTransition, reasonQueryFailed, err)
	}
	service.loggerOrDefault().Info("intent status changed",
		zap.String(fieldIntentID, intentID),
		zap.String("status", string(target)),
		zap.String("changed_by", changedBy))
	return updated, nil
}

// ListIntents returns intents ordered by creation time, oldest first.
func (service *Service) ListIntents(ctx context.Context, filter IntentFilter) ([]Intent, error) {
	if service.db == nil {
		service.logError(opListIntents, reasonMissingDatabase, errMissingDatabase)
		return nil, newServiceError(opListIntents, reasonMissingDatabase, errMissingDatabase)
	}

	query := service.db.WithContext(ctx).Model(&Intent{})
	if filter.Status != "" {
		status, err := ParseStatus(string(filter.Status))
		if err != nil {
			return nil, newServiceError(opListIntents, reasonInvalidInput, err)
		}
		query = query.Where("status = ?", status)
	}
	if filter.AgentID != "" {
		query = query.Where("agent_id = ?", filter.AgentID)
	}

	var intents []Intent
	if err := query.Order(orderCreatedAsc).Find(&intents).Error; err != nil {
		service.logError(opListIntents, reasonQueryFailed, err)
		return nil, newServiceError(opListIntents, reasonQueryFailed, err)
	}

	pointers := make([]*Intent, 0, len(intents))
	for index := range intents {
		pointers = append(pointers, &intents[index])
	}
	if err := service.attachConflicts(ctx, service.db, pointers); err != nil {
		service.logError(opListIntents, reasonQueryFailed, err)
		return nil, newServiceError(opListIntents, reasonQueryFailed, err)
	}
	return intents, nil
}

// GetIntent returns a single intent with its conflict set.
func (service *Service) GetIntent(ctx context.Context, intentID string) (Intent, error) {
	if service.db == nil {
		service.logError(opGetIntent, reasonMissingDatabase, errMissingDatabase)
		return Intent{}, newServiceError(opGetIntent, reasonMissingDatabase, errMissingDatabase)
	}
	intent, err := loadIntent(service.db.WithContext(ctx), intentID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Intent{}, newServiceError(opGetIntent, reasonNotFound, err)
		}
		service.logError(opGetIntent, reasonQueryFailed, err, zap.String(fieldIntentID, intentID))
		return Intent{}, newServiceError(opGetIntent, reasonQueryFailed, err)
	}
	if err := service.attachConflicts(ctx, service.db, []*Intent{&intent}); err != nil {
		service.logError(opGetIntent, reasonQueryFailed, err, zap.String(fieldIntentID, intentID))
		return Intent{}, newServiceError(opGetIntent, reasonQueryFailed, err)
	}
	return intent, nil
}

// GetConflicts returns every conflict report referencing intentID in either position.
func (service *Service) GetConflicts(ctx context.Context, intentID string) ([]ConflictReport, error) {
	if service.db == nil {
		service.logError(opGetConflicts, reasonMissingDatabase, errMissingDatabase)
		return nil, newServiceError(opGetConflicts, reasonMissingDatabase, errMissingDatabase)
	}
	database := service.db.WithContext(ctx)
	if err := ensureIntentExists(database, intentID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, newServiceError(opGetConflicts, reasonNotFound, err)
		}
		service.logError(opGetConflicts, reasonQueryFailed, err, zap.String(fieldIntentID, intentID))
		return nil, newServiceError(opGetConflicts, reasonQueryFailed, err)
	}

	var reports []ConflictReport
	if err := database.
		Where("intent_a = ? OR intent_b = ?", intentID, intentID).
		Order(orderCreatedAsc).
		Find(&reports).Error; err != nil {
		service.logError(opGetConflicts, reasonQueryFailed, err, zap.String(fieldIntentID, intentID))
		return nil, newServiceError(opGetConflicts, reasonQueryFailed, err)
	}
	return reports, nil
}

// ResolveOption customises ResolveConflict.
type ResolveOption func(*resolveOptions)

type resolveOptions struct {
	severity conflict.Severity
}

// WithSeverityOverride replaces the rule-assigned severity as part of the review.
func WithSeverityOverride(severity conflict.Severity) ResolveOption {
	return func(options *resolveOptions) {
		options.severity = severity
	}
}

// ResolveConflict records a review of a conflict. It never changes intent status.
func (service *Service) ResolveConflict(ctx context.Context, conflictID, resolutionNotes, reviewedBy string, options ...ResolveOption) (ConflictReport, error) {
	if service.db == nil {
		service.logError(opResolveConflict, reasonMissingDatabase, errMissingDatabase)
		return ConflictReport{}, newServiceError(opResolveConflict, reasonMissingDatabase, errMissingDatabase)
	}
	reviewer, err := validateIdentifier(reviewedBy, ErrInvalidActor)
	if err != nil {
		return ConflictReport{}, newServiceError(opResolveConflict, reasonInvalidInput, err)
	}
	settings := resolveOptions{}
	for _, option := range options {
		option(&settings)
	}
	if settings.severity != "" {
		severity, ok := conflict.ParseSeverity(string(settings.severity))
		if !ok {
			return ConflictReport{}, newServiceError(opResolveConflict, reasonInvalidInput, fmt.Errorf("%w: %q", ErrInvalidSeverity, settings.severity))
		}
		settings.severity = severity
	}

	var resolved ConflictReport
	transactionError := service.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		var report ConflictReport
		err := transaction.Where("id = ?", conflictID).Take(&report).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return newServiceError(opResolveConflict, reasonNotFound, &NotFoundError{Resource: resourceConflict, ID: conflictID})
		}
		if err != nil {
			service.logError(opResolveConflict, "conflict_select_failed", err, zap.String(fieldConflictID, conflictID))
			return newServiceError(opResolveConflict, "conflict_select_failed", err)
		}

		reviewedAt := service.clock().UTC()
		updates := map[string]any{
			"reviewed":         true,
			"reviewed_at":      reviewedAt,
			"reviewed_by":      reviewer,
			"resolution_notes": resolutionNotes,
		}
		if settings.severity != "" {
			updates["severity"] = settings.severity
			report.Severity = settings.severity
		}
		if err := transaction.Model(&ConflictReport{}).Where("id = ?", conflictID).Updates(updates).Error; err != nil {
			service.logError(opResolveConflict, "conflict_update_failed", err, zap.String(fieldConflictID, conflictID))
			return newServiceError(opResolveConflict, "conflict_update_failed", err)
		}

		report.Reviewed = true
		report.ReviewedAt = &reviewedAt
		report.ReviewedBy = reviewer
		report.ResolutionNotes = resolutionNotes
		resolved = report
		return nil
	})
	if transactionError != nil {
		return ConflictReport{}, transactionError
	}
	return resolved, nil
}

// GetHistory returns the audit trail of intentID in the order the transitions happened.
func (service *Service) GetHistory(ctx context.Context, intentID string) ([]HistoryEntry, error) {
	if service.db == nil {
		service.logError(opGetHistory, reasonMissingDatabase, errMissingDatabase)
		return nil, newServiceError(opGetHistory, reasonMissingDatabase, errMissingDatabase)
	}
	database := service.db.WithContext(ctx)
	if err := ensureIntentExists(database, intentID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, newServiceError(opGetHistory, reasonNotFound, err)
		}
		service.logError(opGetHistory, reasonQueryFailed, err, zap.String(fieldIntentID, intentID))
		return nil, newServiceError(opGetHistory, reasonQueryFailed, err)
	}

	var entries []HistoryEntry
	if err := database.Where("intent_id = ?", intentID).Order(orderHistoryAsc).Find(&entries).Error; err != nil {
		service.logError(opGetHistory, reasonQueryFailed, err, zap.String(fieldIntentID, intentID))
		return nil, newServiceError(opGetHistory, reasonQueryFailed, err)
	}
	return entries, nil
}

// DeleteIntent removes an intent. Its conflicts and history are removed by
// the store's cascading foreign keys.
func (service *Service) DeleteIntent(ctx context.Context, intentID string) error {
	if service.db == nil {
		service.logError(opDeleteIntent, reasonMissingDatabase, errMissingDatabase)
		return newServiceError(opDeleteIntent, reasonMissingDatabase, errMissingDatabase)
	}
	transactionError := service.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		result := transaction.Where("id = ?", intentID).Delete(&Intent{})
		if result.Error != nil {
			service.logError(opDeleteIntent, "intent_delete_failed", result.Error, zap.String(fieldIntentID, intentID))
			return newServiceError(opDeleteIntent, "intent_delete_failed", result.Error)
		}
		if result.RowsAffected == 0 {
			return newServiceError(opDeleteIntent, reasonNotFound, &NotFoundError{Resource: resourceIntent, ID: intentID})
		}
		return nil
	})
	if transactionError != nil {
		return transactionError
	}
	if service.factsCache != nil {
		service.factsCache.Remove(intentID)
	}
	service.loggerOrDefault().Info("intent deleted", zap.String(fieldIntentID, intentID))
	return nil
}

func loadIntent(database *gorm.DB, intentID string) (Intent, error) {
	var intent Intent
	err := database.Where("id = ?", intentID).Take(&intent).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Intent{}, &NotFoundError{Resource: resourceIntent, ID: intentID}
	}
	if err != nil {
		return Intent{}, err
	}
	return intent, nil
}

func ensureIntentExists(database *gorm.DB, intentID string) error {
	var count int64
	if err := database.Model(&Intent{}).Where("id = ?", intentID).Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return &NotFoundError{Resource: resourceIntent, ID: intentID}
	}
	return nil
}

// attachConflicts fills ConflictsWith from the conflicts relation.
func (service *Service) attachConflicts(ctx context.Context, database *gorm.DB, intents []*Intent) error {
	if len(intents) == 0 {
		return nil
	}
	ids := make([]string, 0, len(intents))
	for _, intent := range intents {
		ids = append(ids, intent.ID)
	}

	var reports []ConflictReport
	if err := database.WithContext(ctx).
		Select("intent_a", "intent_b").
		Where("intent_a IN ? OR intent_b IN ?", ids, ids).
		Find(&reports).Error; err != nil {
		return err
	}

	others := make(map[string]map[string]struct{}, len(intents))
	for _, report := range reports {
		addOther(others, report.IntentA, report.IntentB)
		addOther(others, report.IntentB, report.IntentA)
	}
	for _, intent := range intents {
		intent.ConflictsWith = sortedSet(others[intent.ID])
	}
	return nil
}

func addOther(others map[string]map[string]struct{}, intentID, otherID string) {
	set, ok := others[intentID]
	if !ok {
		set = map[string]struct{}{}
		others[intentID] = set
	}
	set[otherID] = struct{}{}
}

func sortedSet(set map[string]struct{}) []string {
	values := make([]string, 0, len(set))
	for value := range set {
		values = append(values, value)
	}
	sort.Strings(values)
	return values
}

func (service *Service) loggerOrDefault() *zap.Logger {
	if service == nil {
		return noOpLogger
	}
	if service.logger == nil {
		return noOpLogger
	}
	return service.logger
}

func (service *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	service.loggerOrDefault().Error("intents service error", attrs...)
}
