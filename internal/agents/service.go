package agents

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/coordinator/internal/auth"
	"gorm.io/gorm"
)

// ErrInvalidAgent indicates the claims did not contain a usable agent id.
var ErrInvalidAgent = errors.New("agents: invalid agent")

// ServiceConfig describes the dependencies of the agent directory.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Service tracks which agents have talked to the coordinator.
type Service struct {
	db    *gorm.DB
	now   func() time.Time
	known sync.Map
}

// NewService constructs the agent directory.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("agents: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{
		db:  cfg.Database,
		now: clock,
	}, nil
}

// Touch records that the agent behind claims was seen and returns its id.
// The first sighting creates the directory entry.
func (s *Service) Touch(ctx context.Context, claims auth.AgentClaims) (string, error) {
	agentID := normalize(claims.AgentID)
	if agentID == "" {
		agentID = normalize(claims.Subject)
	}
	if agentID == "" {
		return "", ErrInvalidAgent
	}
	displayName := normalize(claims.DisplayName)
	seenAt := s.now().UTC()
	database := s.db.WithContext(ctx)

	if cached, ok := s.known.Load(agentID); ok {
		updates := map[string]any{"last_seen_at": seenAt}
		if name, _ := cached.(string); displayName != "" && displayName != name {
			updates["display_name"] = displayName
			s.known.Store(agentID, displayName)
		}
		if err := database.Model(&Agent{}).Where("agent_id = ?", agentID).Updates(updates).Error; err != nil {
			return "", err
		}
		return agentID, nil
	}

	var agent Agent
	err := database.Where("agent_id = ?", agentID).Take(&agent).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		agent = Agent{
			AgentID:     agentID,
			DisplayName: displayName,
			FirstSeenAt: seenAt,
			LastSeenAt:  seenAt,
		}
		if err := database.Create(&agent).Error; err != nil {
			return "", err
		}
	} else if err != nil {
		return "", err
	} else {
		updates := map[string]any{"last_seen_at": seenAt}
		if displayName != "" && displayName != agent.DisplayName {
			updates["display_name"] = displayName
			agent.DisplayName = displayName
		}
		if err := database.Model(&Agent{}).Where("agent_id = ?", agentID).Updates(updates).Error; err != nil {
			return "", err
		}
	}

	s.known.Store(agentID, agent.DisplayName)
	return agentID, nil
}

// RecordRegistration increments the registered intent counter of agentID.
func (s *Service) RecordRegistration(ctx context.Context, agentID string) error {
	result := s.db.WithContext(ctx).
		Model(&Agent{}).
		Where("agent_id = ?", normalize(agentID)).
		Update("intents_registered", gorm.Expr("intents_registered + ?", 1))
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrInvalidAgent
	}
	return nil
}

// List returns every known agent, most recently seen first.
func (s *Service) List(ctx context.Context) ([]Agent, error) {
	var agents []Agent
	if err := s.db.WithContext(ctx).Order("last_seen_at DESC, agent_id ASC").Find(&agents).Error; err != nil {
		return nil, err
	}
	return agents, nil
}
