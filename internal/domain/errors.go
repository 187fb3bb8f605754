package domain

import (
	"errors"
	"fmt"
	"strings"
)

// ErrApprovalExpired is returned when a print approval arrives after its window closed.
var ErrApprovalExpired = errors.New("print approval request expired; request approval again")

// ErrDuplicateAutomation marks an idempotence guard that already fired. Callers treat it as success.
var ErrDuplicateAutomation = errors.New("automation step already performed")

// InvalidTransitionError indicates the requested status is not reachable from the current one.
type InvalidTransitionError struct {
	Department string
	From       string
	To         string
}

func (e InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition %s -> %s for %s", e.From, e.To, e.Department)
}

// UnauthorizedError indicates the actor role may not enter the destination status.
type UnauthorizedError struct {
	Role     string
	Status   string
	Required []string
}

func (e UnauthorizedError) Error() string {
	return fmt.Sprintf("status change blocked: requires %s", strings.Join(e.Required, " or "))
}

// ValidationError reports bad input to a core operation.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}
