package intents

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/coordinator/internal/conflict"
	"gorm.io/datatypes"
)

// Status enumerates the lifecycle states of an intent.
type Status string

const (
	StatusRegistered Status = "REGISTERED"
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
	StatusMerged     Status = "MERGED"
	StatusAbandoned  Status = "ABANDONED"
)

// RiskLevel is an advisory hint supplied at registration.
type RiskLevel string

const (
	RiskLow    RiskLevel = "LOW"
	RiskMedium RiskLevel = "MEDIUM"
	RiskHigh   RiskLevel = "HIGH"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidAgentID indicates that an agent identifier is empty or exceeds storage bounds.
	ErrInvalidAgentID = errors.New("intents: invalid agent id")
	// ErrInvalidFeatureName indicates that a feature name is empty or exceeds storage bounds.
	ErrInvalidFeatureName = errors.New("intents: invalid feature name")
	// ErrEmptySchemaChanges indicates that no DDL statement was supplied.
	ErrEmptySchemaChanges = errors.New("intents: schema changes required")
	// ErrInvalidRiskLevel indicates an unknown risk level.
	ErrInvalidRiskLevel = errors.New("intents: invalid risk level")
	// ErrInvalidStatus indicates an unknown lifecycle status.
	ErrInvalidStatus = errors.New("intents: invalid status")
	// ErrInvalidActor indicates that the acting party is empty or exceeds storage bounds.
	ErrInvalidActor = errors.New("intents: invalid actor")
	// ErrInvalidSeverity indicates an unknown severity override.
	ErrInvalidSeverity = errors.New("intents: invalid severity")
	// ErrInvalidDuration indicates a negative duration estimate.
	ErrInvalidDuration = errors.New("intents: invalid estimated duration")
)

// ParseStatus validates raw input and returns a Status.
func ParseStatus(raw string) (Status, error) {
	status := Status(strings.ToUpper(strings.TrimSpace(raw)))
	switch status {
	case StatusRegistered, StatusInProgress, StatusCompleted, StatusMerged, StatusAbandoned:
		return status, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, raw)
	}
}

// ParseRiskLevel validates raw input, defaulting empty input to MEDIUM.
func ParseRiskLevel(raw string) (RiskLevel, error) {
	trimmed := strings.ToUpper(strings.TrimSpace(raw))
	if trimmed == "" {
		return RiskMedium, nil
	}
	level := RiskLevel(trimmed)
	switch level {
	case RiskLow, RiskMedium, RiskHigh:
		return level, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidRiskLevel, raw)
	}
}

func validateIdentifier(raw string, sentinel error) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", sentinel)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", sentinel, maxIdentifierLength)
	}
	return trimmed, nil
}

// Intent is a declared, not yet applied, unit of schema work.
type Intent struct {
	ID                string                      `gorm:"column:id;primaryKey;size:64;not null"`
	AgentID           string                      `gorm:"column:agent_id;size:190;not null;index:idx_intents_agent"`
	FeatureName       string                      `gorm:"column:feature_name;size:190;not null"`
	BranchName        string                      `gorm:"column:branch_name;size:255;not null;uniqueIndex:idx_intents_branch_name"`
	SchemaChanges     datatypes.JSONSlice[string] `gorm:"column:schema_changes;not null"`
	TablesAffected    datatypes.JSONSlice[string] `gorm:"column:tables_affected;not null"`
	EstimatedDuration int                         `gorm:"column:estimated_duration_minutes;not null;default:0"`
	RiskLevel         RiskLevel                   `gorm:"column:risk_level;size:16;not null"`
	Status            Status                      `gorm:"column:status;size:32;not null;index:idx_intents_status_created,priority:1"`
	Metadata          datatypes.JSONMap           `gorm:"column:metadata"`
	CreatedAt         time.Time                   `gorm:"column:created_at;not null;index:idx_intents_status_created,priority:2"`
	UpdatedAt         time.Time                   `gorm:"column:updated_at;not null"`

	// ConflictsWith is derived from the conflicts relation on every read.
	ConflictsWith []string `gorm:"-"`
}

// TableName provides the explicit table binding for GORM.
func (Intent) TableName() string {
	return "schema_intents"
}

// Conflicted reports whether any other intent conflicts with this one.
func (intent Intent) Conflicted() bool {
	return len(intent.ConflictsWith) > 0
}

// ConflictReport records an incompatibility between exactly two intents.
// IntentA always holds the lexicographically smaller id.
type ConflictReport struct {
	ID                    string                      `gorm:"column:id;primaryKey;size:64;not null"`
	IntentA               string                      `gorm:"column:intent_a;size:64;not null;index:idx_conflicts_intent_a;uniqueIndex:idx_conflicts_dedupe,priority:1"`
	IntentB               string                      `gorm:"column:intent_b;size:64;not null;index:idx_conflicts_intent_b;uniqueIndex:idx_conflicts_dedupe,priority:2"`
	Type                  conflict.Type               `gorm:"column:conflict_type;size:32;not null;uniqueIndex:idx_conflicts_dedupe,priority:3"`
	Scope                 string                      `gorm:"column:scope;size:190;not null;default:'';uniqueIndex:idx_conflicts_dedupe,priority:4"`
	AffectedObjects       datatypes.JSONSlice[string] `gorm:"column:affected_objects;not null"`
	Severity              conflict.Severity           `gorm:"column:severity;size:16;not null"`
	ResolutionSuggestions datatypes.JSONSlice[string] `gorm:"column:resolution_suggestions;not null"`
	Reviewed              bool                        `gorm:"column:reviewed;not null;default:false"`
	ReviewedAt            *time.Time                  `gorm:"column:reviewed_at"`
	ReviewedBy            string                      `gorm:"column:reviewed_by;size:190;not null;default:''"`
	ResolutionNotes       string                      `gorm:"column:resolution_notes;type:text;not null;default:''"`
	CreatedAt             time.Time                   `gorm:"column:created_at;not null"`

	IntentARecord *Intent `gorm:"foreignKey:IntentA;references:ID;constraint:OnDelete:CASCADE"`
	IntentBRecord *Intent `gorm:"foreignKey:IntentB;references:ID;constraint:OnDelete:CASCADE"`
}

// TableName provides the explicit table binding for GORM.
func (ConflictReport) TableName() string {
	return "intent_conflicts"
}

// Other returns the id of the intent on the opposite side of intentID.
func (report ConflictReport) Other(intentID string) string {
	if report.IntentA == intentID {
		return report.IntentB
	}
	return report.IntentA
}

// HistoryEntry captures an append-only audit record of a status transition.
type HistoryEntry struct {
	HistoryID int64     `gorm:"column:history_id;primaryKey;autoIncrement"`
	IntentID  string    `gorm:"column:intent_id;size:64;not null;index:idx_history_intent_time,priority:1"`
	OldStatus *Status   `gorm:"column:old_status;size:32"`
	NewStatus Status    `gorm:"column:new_status;size:32;not null"`
	Reason    string    `gorm:"column:reason;type:text;not null;default:''"`
	ChangedBy string    `gorm:"column:changed_by;size:190;not null"`
	ChangedAt time.Time `gorm:"column:changed_at;not null;index:idx_history_intent_time,priority:2"`

	Intent *Intent `gorm:"foreignKey:IntentID;references:ID;constraint:OnDelete:CASCADE"`
}

// TableName provides the explicit table binding for GORM.
func (HistoryEntry) TableName() string {
	return "intent_history"
}

// Models lists every relation owned by the registry, in migration order.
func Models() []any {
	return []any{&Intent{}, &ConflictReport{}, &HistoryEntry{}}
}

// RegisterRequest describes an intent declaration supplied by an agent.
// An empty TablesAffected is derived from SchemaChanges.
type RegisterRequest struct {
	AgentID           string
	FeatureName       string
	SchemaChanges     []string
	TablesAffected    []string
	EstimatedDuration int
	RiskLevel         RiskLevel
	Metadata          map[string]any
}

// IntentFilter narrows ListIntents. Zero values match everything.
type IntentFilter struct {
	Status  Status
	AgentID string
}
