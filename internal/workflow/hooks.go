package workflow

import (
	"fmt"
	"time"

	"pressline/internal/domain"
	"pressline/internal/notify"
)

// Effect is a notification a hook asks for once the transition has committed.
type Effect struct {
	Target  notify.Target
	Payload notify.Payload
}

type HookContext struct {
	Task    *domain.Task
	From    string
	Actor   domain.Actor
	Comment string
	Now     time.Time
	Table   *Table
}

// Hook runs when a task enters a status. It may set timestamp fields on the task
// before it is persisted and returns the notifications to send afterwards.
type Hook func(hc HookContext) []Effect

// Hook names usable in the workflow config.
const (
	HookMarkStarted    = "mark_started"
	HookMarkCompleted  = "mark_completed"
	HookRequestReview  = "request_review"
	HookRequestChanges = "request_changes"
	HookNotifyStatus   = "notify_status"
)

func defaultHooks() map[string]Hook {
	return map[string]Hook{
		HookMarkStarted:    markStarted,
		HookMarkCompleted:  markCompleted,
		HookRequestReview:  requestReview,
		HookRequestChanges: requestChanges,
		HookNotifyStatus:   notifyStatus,
	}
}

func payload(hc HookContext, typ, priority, title, msg string) notify.Payload {
	return notify.Payload{
		Type:      typ,
		Title:     title,
		Message:   msg,
		Priority:  priority,
		TaskID:    hc.Task.ID,
		EditionID: hc.Task.EditionID,
		BrandID:   hc.Task.BrandID,
	}
}

func assignee(t *domain.Task) string {
	if t.AssigneeID == nil {
		return ""
	}
	return *t.AssigneeID
}

func markStarted(hc HookContext) []Effect {
	if hc.Task.StartedAt == nil {
		now := hc.Now
		hc.Task.StartedAt = &now
	}
	return nil
}

func markCompleted(hc HookContext) []Effect {
	now := hc.Now
	hc.Task.CompletedAt = &now
	return []Effect{{
		Target: notify.Target{UserIDs: notify.Users(hc.Task.CreatedBy, assignee(hc.Task)).UserIDs, Roles: hc.Table.Managers},
		Payload: payload(hc, domain.NotifyTaskCompleted, domain.PriorityLow,
			"Task completed", fmt.Sprintf("%q was completed by %s", hc.Task.Title, hc.Actor.ID)),
	}}
}

func requestReview(hc HookContext) []Effect {
	return []Effect{{
		Target: notify.Roles(hc.Table.Managers...),
		Payload: payload(hc, domain.NotifyReviewRequested, domain.PriorityMedium,
			"Review requested", fmt.Sprintf("%q is ready for review", hc.Task.Title)),
	}}
}

func requestChanges(hc HookContext) []Effect {
	msg := fmt.Sprintf("Changes requested on %q", hc.Task.Title)
	if hc.Comment != "" {
		msg += ": " + hc.Comment
	}
	return []Effect{{
		Target:  notify.Users(assignee(hc.Task), hc.Task.CreatedBy),
		Payload: payload(hc, domain.NotifyChangesRequested, domain.PriorityHigh, "Changes requested", msg),
	}}
}

func notifyStatus(hc HookContext) []Effect {
	return []Effect{{
		Target: notify.Users(assignee(hc.Task), hc.Task.CreatedBy),
		Payload: payload(hc, domain.NotifyTaskStatusChanged, domain.PriorityLow,
			"Status changed", fmt.Sprintf("%q moved from %s to %s", hc.Task.Title, hc.From, hc.Task.Status)),
	}}
}
