package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const bearerPrefix = "bearer "

var (
	ErrMissingAgentToken   = errors.New("agent validator: token required")
	ErrInvalidAgentToken   = errors.New("agent validator: invalid token")
	ErrExpiredAgentToken   = errors.New("agent validator: token expired")
	ErrMissingAgentSubject = errors.New("agent validator: subject required")
)

// AgentClaims is the JWT payload carried by agent bearer tokens.
type AgentClaims struct {
	AgentID     string `json:"agent_id"`
	DisplayName string `json:"agent_display_name,omitempty"`
	jwt.RegisteredClaims
}

// AgentValidatorConfig describes how to validate agent tokens.
type AgentValidatorConfig struct {
	SigningSecret []byte
	Issuer        string
	Audience      string
	Clock         func() time.Time
}

// AgentValidator validates HS256 agent tokens minted by TokenIssuer.
type AgentValidator struct {
	signingSecret []byte
	issuer        string
	audience      string
	clock         func() time.Time
}

// NewAgentValidator constructs a validator with the provided configuration.
func NewAgentValidator(cfg AgentValidatorConfig) (*AgentValidator, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, ErrMissingSigningSecret
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		return nil, ErrMissingIssuer
	}
	audience := strings.TrimSpace(cfg.Audience)
	if audience == "" {
		return nil, ErrMissingAudience
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &AgentValidator{
		signingSecret: append([]byte(nil), cfg.SigningSecret...),
		issuer:        issuer,
		audience:      audience,
		clock:         clock,
	}, nil
}

// ValidateToken validates the supplied JWT string and returns the parsed claims.
func (v *AgentValidator) ValidateToken(tokenString string) (AgentClaims, error) {
	token := strings.TrimSpace(tokenString)
	if token == "" {
		return AgentClaims{}, ErrMissingAgentToken
	}

	claims := &AgentClaims{}
	parsed, err := jwt.ParseWithClaims(
		token,
		claims,
		func(t *jwt.Token) (interface{}, error) {
			return v.signingSecret, nil
		},
		jwt.WithTimeFunc(v.clock),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(v.issuer),
		jwt.WithAudience(v.audience),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return AgentClaims{}, ErrExpiredAgentToken
		}
		return AgentClaims{}, fmt.Errorf("%w: %v", ErrInvalidAgentToken, err)
	}
	if parsed == nil || !parsed.Valid {
		return AgentClaims{}, ErrInvalidAgentToken
	}
	if strings.TrimSpace(claims.Subject) == "" || strings.TrimSpace(claims.AgentID) == "" {
		return AgentClaims{}, ErrMissingAgentSubject
	}
	if claims.Subject != claims.AgentID {
		return AgentClaims{}, ErrInvalidAgentToken
	}
	return *claims, nil
}

// ValidateRequest extracts the bearer token from the Authorization header and validates it.
func (v *AgentValidator) ValidateRequest(r *http.Request) (AgentClaims, error) {
	if r == nil {
		return AgentClaims{}, ErrMissingAgentToken
	}
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(header) <= len(bearerPrefix) || !strings.EqualFold(header[:len(bearerPrefix)], bearerPrefix) {
		return AgentClaims{}, ErrMissingAgentToken
	}
	return v.ValidateToken(header[len(bearerPrefix):])
}
