package server

import (
	"time"

	"pressline/internal/automation"
	"pressline/internal/domain"
)

// Request payloads

type CreateUserRequest struct {
	ID         string `json:"id,omitempty"`
	Name       string `json:"name"`
	Email      string `json:"email,omitempty"`
	Role       string `json:"role"`
	Department string `json:"department,omitempty"`
}

type CreateEditionRequest struct {
	ID      string `json:"id,omitempty"`
	BrandID string `json:"brand_id"`
	Name    string `json:"name"`
}

type LaunchRequest struct {
	LaunchDate *time.Time `json:"launch_date,omitempty"`
	Notes      string     `json:"notes,omitempty"`
}

type SignOffRequest struct {
	Comments string `json:"comments,omitempty"`
}

type CreateTaskRequest struct {
	EditionID   string     `json:"edition_id"`
	Department  string     `json:"department" enum:"Sales,Editorial,Design"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	AssigneeID  string     `json:"assignee_id,omitempty"`
	Deadline    *time.Time `json:"deadline,omitempty"`
	Priority    string     `json:"priority,omitempty" enum:"low,medium,high,critical"`
}

type TransitionRequest struct {
	Status  string `json:"status"`
	Comment string `json:"comment,omitempty"`
}

type AssignRequest struct {
	AssigneeID string `json:"assignee_id"`
}

type PrintApprovalRequest struct {
	Comments string `json:"comments,omitempty"`
}

type OverrideScheduleRequest struct {
	FireAt time.Time `json:"fire_at"`
}

type DevLoginRequest struct {
	UserID string `json:"user_id"`
}

// Responses

type DevLoginResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

type WhoAmIResponse struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
	Source string `json:"source"`
}

type AutomationStatusResponse struct {
	Edition        domain.Edition           `json:"edition"`
	Context        domain.AutomationContext `json:"context"`
	AutomatedTasks []domain.Task            `json:"automated_tasks"`
	PendingActions []domain.ScheduledAction `json:"pending_actions"`
}

func automationStatusResponse(s automation.Status) AutomationStatusResponse {
	return AutomationStatusResponse{
		Edition:        s.Edition,
		Context:        s.Context,
		AutomatedTasks: nonNil(s.AutomatedTasks),
		PendingActions: nonNil(s.PendingActions),
	}
}

type paginatedEvents struct {
	Items      []domain.Event `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
