package server

import (
	"time"

	"github.com/MarcoPoloResearchLab/coordinator/internal/agents"
	"github.com/MarcoPoloResearchLab/coordinator/internal/intents"
)

type registerRequestPayload struct {
	FeatureName       string         `json:"feature_name"`
	SchemaChanges     []string       `json:"schema_changes"`
	TablesAffected    []string       `json:"tables_affected"`
	EstimatedDuration int            `json:"estimated_duration"`
	RiskLevel         string         `json:"risk_level"`
	Metadata          map[string]any `json:"metadata"`
}

type transitionRequestPayload struct {
	Status string `json:"status"`
	Reason string `json:"reason"`
}

type resolveRequestPayload struct {
	ResolutionNotes string `json:"resolution_notes"`
	Severity        string `json:"severity"`
}

type intentPayload struct {
	ID                string         `json:"id"`
	AgentID           string         `json:"agent_id"`
	FeatureName       string         `json:"feature_name"`
	BranchName        string         `json:"branch_name"`
	SchemaChanges     []string       `json:"schema_changes"`
	TablesAffected    []string       `json:"tables_affected"`
	EstimatedDuration int            `json:"estimated_duration"`
	RiskLevel         string         `json:"risk_level"`
	Status            string         `json:"status"`
	ConflictsWith     []string       `json:"conflicts_with"`
	Metadata          map[string]any `json:"metadata"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

type intentListPayload struct {
	Intents []intentPayload `json:"intents"`
}

type conflictPayload struct {
	ID                    string     `json:"id"`
	IntentA               string     `json:"intent_a"`
	IntentB               string     `json:"intent_b"`
	Type                  string     `json:"conflict_type"`
	Scope                 string     `json:"scope,omitempty"`
	AffectedObjects       []string   `json:"affected_objects"`
	Severity              string     `json:"severity"`
	ResolutionSuggestions []string   `json:"resolution_suggestions"`
	Reviewed              bool       `json:"reviewed"`
	ReviewedAt            *time.Time `json:"reviewed_at,omitempty"`
	ReviewedBy            string     `json:"reviewed_by,omitempty"`
	ResolutionNotes       string     `json:"resolution_notes,omitempty"`
	CreatedAt             time.Time  `json:"created_at"`
}

type conflictListPayload struct {
	Conflicts []conflictPayload `json:"conflicts"`
}

type historyPayload struct {
	HistoryID int64     `json:"history_id"`
	OldStatus *string   `json:"old_status"`
	NewStatus string    `json:"new_status"`
	Reason    string    `json:"reason"`
	ChangedBy string    `json:"changed_by"`
	ChangedAt time.Time `json:"changed_at"`
}

type historyListPayload struct {
	History []historyPayload `json:"history"`
}

type agentPayload struct {
	AgentID           string    `json:"agent_id"`
	DisplayName       string    `json:"display_name,omitempty"`
	IntentsRegistered int64     `json:"intents_registered"`
	FirstSeenAt       time.Time `json:"first_seen_at"`
	LastSeenAt        time.Time `json:"last_seen_at"`
}

type agentListPayload struct {
	Agents []agentPayload `json:"agents"`
}

func newIntentPayload(intent intents.Intent) intentPayload {
	metadata := map[string]any(intent.Metadata)
	if metadata == nil {
		metadata = map[string]any{}
	}
	return intentPayload{
		ID:                intent.ID,
		AgentID:           intent.AgentID,
		FeatureName:       intent.FeatureName,
		BranchName:        intent.BranchName,
		SchemaChanges:     nonNilStrings(intent.SchemaChanges),
		TablesAffected:    nonNilStrings(intent.TablesAffected),
		EstimatedDuration: intent.EstimatedDuration,
		RiskLevel:         string(intent.RiskLevel),
		Status:            string(intent.Status),
		ConflictsWith:     nonNilStrings(intent.ConflictsWith),
		Metadata:          metadata,
		CreatedAt:         intent.CreatedAt.UTC(),
		UpdatedAt:         intent.UpdatedAt.UTC(),
	}
}

func newConflictPayload(report intents.ConflictReport) conflictPayload {
	return conflictPayload{
		ID:                    report.ID,
		IntentA:               report.IntentA,
		IntentB:               report.IntentB,
		Type:                  string(report.Type),
		Scope:                 report.Scope,
		AffectedObjects:       nonNilStrings(report.AffectedObjects),
		Severity:              string(report.Severity),
		ResolutionSuggestions: nonNilStrings(report.ResolutionSuggestions),
		Reviewed:              report.Reviewed,
		ReviewedAt:            report.ReviewedAt,
		ReviewedBy:            report.ReviewedBy,
		ResolutionNotes:       report.ResolutionNotes,
		CreatedAt:             report.CreatedAt.UTC(),
	}
}

func newHistoryPayload(entry intents.HistoryEntry) historyPayload {
	var oldStatus *string
	if entry.OldStatus != nil {
		value := string(*entry.OldStatus)
		oldStatus = &value
	}
	return historyPayload{
		HistoryID: entry.HistoryID,
		OldStatus: oldStatus,
		NewStatus: string(entry.NewStatus),
		Reason:    entry.Reason,
		ChangedBy: entry.ChangedBy,
		ChangedAt: entry.ChangedAt.UTC(),
	}
}

func newAgentPayload(agent agents.Agent) agentPayload {
	return agentPayload{
		AgentID:           agent.AgentID,
		DisplayName:       agent.DisplayName,
		IntentsRegistered: agent.IntentsRegistered,
		FirstSeenAt:       agent.FirstSeenAt.UTC(),
		LastSeenAt:        agent.LastSeenAt.UTC(),
	}
}

func nonNilStrings(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
