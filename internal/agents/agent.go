package agents

import (
	"strings"
	"time"
)

// Agent records an authenticated participant of the coordinator.
type Agent struct {
	AgentID           string    `gorm:"column:agent_id;primaryKey;size:190;not null"`
	DisplayName       string    `gorm:"column:display_name;size:320"`
	IntentsRegistered int64     `gorm:"column:intents_registered;not null;default:0"`
	FirstSeenAt       time.Time `gorm:"column:first_seen_at;not null"`
	LastSeenAt        time.Time `gorm:"column:last_seen_at;not null"`
}

// TableName exposes the table backing the agent directory.
func (Agent) TableName() string {
	return "agents"
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}
