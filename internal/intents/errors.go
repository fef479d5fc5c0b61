package intents

import (
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	errBranchExhausted   = errors.New("branch name allocation exhausted")

	// ErrStatusChanged reports that another writer moved the intent first.
	ErrStatusChanged = errors.New("intent status changed concurrently")

	// ErrNotFound matches every NotFoundError through errors.Is.
	ErrNotFound = errors.New("intents: not found")
)

// ServiceError carries a stable code of the form <operation>.<reason>.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// InvalidTransitionError reports an attempted edge that is absent from the lifecycle graph.
type InvalidTransitionError struct {
	IntentID string
	From     Status
	To       Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("intents: invalid transition %s -> %s for intent %s", e.From, e.To, e.IntentID)
}

// NotFoundError reports a reference to an unknown intent or conflict.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("intents: %s %q not found", e.Resource, e.ID)
}

// Is lets errors.Is(err, ErrNotFound) match.
func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	message := strings.ToLower(err.Error())
	return strings.Contains(message, "unique constraint failed") ||
		strings.Contains(message, "duplicate key value")
}
