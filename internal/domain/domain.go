package domain

import "time"

// Departments.
const (
	DeptSales     = "Sales"
	DeptEditorial = "Editorial"
	DeptDesign    = "Design"
)

// Roles known to the default configuration. Workflows may reference others.
const (
	RoleAdmin            = "admin"
	RoleSalesManager     = "sales_manager"
	RoleSalesTeam        = "sales_team"
	RoleEditorialManager = "editorial_manager"
	RoleEditorialTeam    = "editorial_team"
	RoleDesignManager    = "design_manager"
	RoleDesignTeam       = "design_team"
)

// Common task statuses referenced by code. Every other status lives in the workflow config.
const (
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
)

// History actions. History holds status changes only; creation and assignment live in the event log.
const (
	HistoryStatusChanged = "STATUS_CHANGED"
	HistoryReopened      = "REOPENED"
)

type User struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Email      string `json:"email,omitempty"`
	Role       string `json:"role"`
	Department string `json:"department,omitempty"`
	CreatedAt  string `json:"created_at" format:"date-time"`
}

// Actor is whoever drives an operation: a user, or the automation itself.
type Actor struct {
	ID   string `json:"id"`
	Role string `json:"role"`
}

// SystemActor is recorded on history entries produced by automation.
var SystemActor = Actor{ID: "system", Role: "system"}

type HistoryEntry struct {
	Action    string    `json:"action"`
	ActorID   string    `json:"actor_id"`
	ActorRole string    `json:"actor_role,omitempty"`
	From      string    `json:"from,omitempty"`
	To        string    `json:"to,omitempty"`
	Comment   string    `json:"comment,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type Task struct {
	ID                   string         `json:"id"`
	EditionID            string         `json:"edition_id"`
	BrandID              string         `json:"brand_id,omitempty"`
	Department           string         `json:"department" enum:"Sales,Editorial,Design"`
	Title                string         `json:"title"`
	Description          string         `json:"description,omitempty"`
	Status               string         `json:"status"`
	AssigneeID           *string        `json:"assignee_id,omitempty"`
	CreatedBy            string         `json:"created_by"`
	Deadline             *time.Time     `json:"deadline,omitempty"`
	Priority             string         `json:"priority" enum:"low,medium,high,critical"`
	Automated            bool           `json:"automated"`
	History              []HistoryEntry `json:"history"`
	StartedAt            *time.Time     `json:"started_at,omitempty"`
	CompletedAt          *time.Time     `json:"completed_at,omitempty"`
	NextStepScheduledFor *time.Time     `json:"next_step_scheduled_for,omitempty"`
	NextStepCreated      bool           `json:"next_step_created"`
	CreatedAt            time.Time      `json:"created_at"`
	UpdatedAt            time.Time      `json:"updated_at"`
}

// Edition statuses in pipeline order.
const (
	EditionPlanning             = "planning"
	EditionInProduction         = "in_production"
	EditionLaunchRequested      = "launch_requested"
	EditionLaunched             = "launched"
	EditionPrintApprovalPending = "print_approval_pending"
	EditionPrintApproved        = "print_approved"
	EditionPrintGenerated       = "print_generated"
	EditionSignedOff            = "signed_off"
	EditionArchived             = "archived"
)

var editionOrder = []string{
	EditionPlanning,
	EditionInProduction,
	EditionLaunchRequested,
	EditionLaunched,
	EditionPrintApprovalPending,
	EditionPrintApproved,
	EditionPrintGenerated,
	EditionSignedOff,
	EditionArchived,
}

// EditionRank returns the pipeline position of status, or -1 if unknown.
func EditionRank(status string) int {
	for i, s := range editionOrder {
		if s == status {
			return i
		}
	}
	return -1
}

type LaunchStatus struct {
	RequestedBy string     `json:"requested_by,omitempty"`
	RequestedAt *time.Time `json:"requested_at,omitempty"`
	LaunchDate  *time.Time `json:"launch_date,omitempty"`
	Notes       string     `json:"notes,omitempty"`
}

type PrintApprovalRequest struct {
	Pending           bool       `json:"pending"`
	SalesApproved     bool       `json:"sales_approved"`
	EditorialApproved bool       `json:"editorial_approved"`
	RequestedBy       string     `json:"requested_by,omitempty"`
	RequestedAt       *time.Time `json:"requested_at,omitempty"`
	ExpiresAt         *time.Time `json:"expires_at,omitempty"`
	Comments          string     `json:"comments,omitempty"`
	ApprovedAt        *time.Time `json:"approved_at,omitempty"`
}

type SignOff struct {
	SignedBy   string     `json:"signed_by,omitempty"`
	SignedAt   *time.Time `json:"signed_at,omitempty"`
	Comments   string     `json:"comments,omitempty"`
	ArchivedAt *time.Time `json:"archived_at,omitempty"`
}

type Edition struct {
	ID           string               `json:"id"`
	BrandID      string               `json:"brand_id"`
	Name         string               `json:"name"`
	Status       string               `json:"status"`
	Launch       LaunchStatus         `json:"launch"`
	PrintRequest PrintApprovalRequest `json:"print_approval"`
	SignOff      SignOff              `json:"sign_off"`
	ChainStarted bool                 `json:"chain_started"`
	CreatedAt    time.Time            `json:"created_at"`
	UpdatedAt    time.Time            `json:"updated_at"`
}

// Automation context statuses.
const (
	AutomationTracking = "tracking"
	AutomationPaused   = "paused"
)

type AutomationContext struct {
	EditionID string    `json:"edition_id"`
	Status    string    `json:"status" enum:"tracking,paused"`
	StartedBy string    `json:"started_by"`
	StartedAt time.Time `json:"started_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Scheduled action statuses.
const (
	ActionPending   = "pending"
	ActionFired     = "fired"
	ActionFailed    = "failed"
	ActionCancelled = "cancelled"
)

type ScheduledAction struct {
	ID        string         `json:"id"`
	Kind      string         `json:"kind"`
	TaskID    string         `json:"task_id,omitempty"`
	EditionID string         `json:"edition_id,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	FireAt    time.Time      `json:"fire_at"`
	Status    string         `json:"status" enum:"pending,fired,failed,cancelled"`
	Error     string         `json:"error,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	FiredAt   *time.Time     `json:"fired_at,omitempty"`
}

// Notification types.
const (
	NotifyTaskAssigned           = "task_assigned"
	NotifyTaskStatusChanged      = "task_status_changed"
	NotifyTaskCompleted          = "task_completed"
	NotifyReviewRequested        = "review_requested"
	NotifyChangesRequested       = "changes_requested"
	NotifyTaskReopened           = "task_reopened"
	NotifyAutomationTaskCreated  = "automation_task_created"
	NotifyPrintApprovalRequested = "print_approval_requested"
	NotifyPrintApproved          = "print_approved"
	NotifyPrintTaskCreated       = "print_task_created"
	NotifyEditionLaunched        = "edition_launched"
	NotifyEditionFinalized       = "edition_finalized"
	NotifyEditionSignedOff       = "edition_signed_off"
	NotifyDeadlineApproaching    = "deadline_approaching"
	NotifyDeadlineMissed         = "deadline_missed"
	NotifyTaskOverdue            = "task_overdue"
)

var notificationTypes = map[string]bool{
	NotifyTaskAssigned:           true,
	NotifyTaskStatusChanged:      true,
	NotifyTaskCompleted:          true,
	NotifyReviewRequested:        true,
	NotifyChangesRequested:       true,
	NotifyTaskReopened:           true,
	NotifyAutomationTaskCreated:  true,
	NotifyPrintApprovalRequested: true,
	NotifyPrintApproved:          true,
	NotifyPrintTaskCreated:       true,
	NotifyEditionLaunched:        true,
	NotifyEditionFinalized:       true,
	NotifyEditionSignedOff:       true,
	NotifyDeadlineApproaching:    true,
	NotifyDeadlineMissed:         true,
	NotifyTaskOverdue:            true,
}

// IsNotificationType reports whether t belongs to the closed set of notification types.
func IsNotificationType(t string) bool {
	return notificationTypes[t]
}

// Notification priorities.
const (
	PriorityLow      = "low"
	PriorityMedium   = "medium"
	PriorityHigh     = "high"
	PriorityCritical = "critical"
)

type Notification struct {
	ID          string    `json:"id"`
	RecipientID string    `json:"recipient_id"`
	Type        string    `json:"type"`
	Title       string    `json:"title"`
	Message     string    `json:"message"`
	Priority    string    `json:"priority" enum:"low,medium,high,critical"`
	TaskID      string    `json:"task_id,omitempty"`
	EditionID   string    `json:"edition_id,omitempty"`
	BrandID     string    `json:"brand_id,omitempty"`
	Read        bool      `json:"read"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

type Event struct {
	ID          int64          `json:"id"`
	Timestamp   time.Time      `json:"ts"`
	Type        string         `json:"type"`
	EditionID   string         `json:"edition_id,omitempty"`
	EntityKind  string         `json:"entity_kind"`
	EntityID    string         `json:"entity_id,omitempty"`
	ActorID     string         `json:"actor_id"`
	PayloadJSON string         `json:"-"`
	Payload     map[string]any `json:"payload,omitempty"`
}
