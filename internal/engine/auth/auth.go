package auth

import (
	"fmt"
	"slices"
	"strings"

	"pressline/internal/config"
	"pressline/internal/domain"
)

// Boundary operations checked against the permissions table of the config.
const (
	AutomationManage = "automation.manage"
	ScheduleOverride = "schedule.override"
	ApprovalRequest  = "approval.request"
	ApprovalApprove  = "approval.approve"
	EditionCreate    = "edition.create"
	EditionLaunch    = "edition.launch"
	EditionSignOff   = "edition.sign_off"
	TaskCreate       = "task.create"
	TaskAssign       = "task.assign"
	DeadlinesSweep   = "deadlines.sweep"
	UserManage       = "user.manage"
)

// ForbiddenError indicates the role may not perform the operation.
type ForbiddenError struct {
	Operation string
	Role      string
	Allowed   []string
}

func (e ForbiddenError) Error() string {
	if len(e.Allowed) == 0 {
		return fmt.Sprintf("%s is not permitted for role %q", e.Operation, e.Role)
	}
	return fmt.Sprintf("%s requires %s (role %q)", e.Operation, strings.Join(e.Allowed, " or "), e.Role)
}

// Require checks role against the roles granted op.
func Require(cfg *config.Config, op, role string) error {
	allowed := cfg.RolesFor(op)
	if slices.Contains(allowed, role) {
		return nil
	}
	return ForbiddenError{Operation: op, Role: role, Allowed: allowed}
}

// RequireApprover checks that role manages the approving department.
func RequireApprover(cfg *config.Config, department, role string) error {
	managers := cfg.ManagerRoles(department)
	if slices.Contains(managers, role) {
		return nil
	}
	return ForbiddenError{Operation: ApprovalApprove + ":" + department, Role: role, Allowed: managers}
}

// IsSystem reports whether the actor is the automation itself, which bypasses boundary checks.
func IsSystem(actor domain.Actor) bool {
	return actor == domain.SystemActor
}
