package automation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"pressline/internal/clock"
	"pressline/internal/config"
	"pressline/internal/domain"
	"pressline/internal/events"
	"pressline/internal/notify"
	"pressline/internal/repo"
	"pressline/internal/workflow"
)

// taskTemplate is the stored payload of a create_task action.
type taskTemplate struct {
	Title                string `json:"title"`
	Description          string `json:"description,omitempty"`
	Department           string `json:"department"`
	Priority             string `json:"priority,omitempty"`
	DeadlineBusinessDays int    `json:"deadline_business_days,omitempty"`
	Trigger              string `json:"trigger,omitempty"`
}

func taskPayload(t config.TaskTemplate, trigger string) map[string]any {
	p := map[string]any{
		"title":      t.Title,
		"department": t.Department,
	}
	if t.Description != "" {
		p["description"] = t.Description
	}
	if t.Priority != "" {
		p["priority"] = t.Priority
	}
	if t.DeadlineBusinessDays > 0 {
		p["deadline_business_days"] = t.DeadlineBusinessDays
	}
	if trigger != "" {
		p["trigger"] = trigger
	}
	return p
}

// decodeTemplate reads a payload back; numbers come out of storage as float64.
func decodeTemplate(payload map[string]any) (taskTemplate, error) {
	var t taskTemplate
	data, err := json.Marshal(payload)
	if err != nil {
		return t, err
	}
	if err := json.Unmarshal(data, &t); err != nil {
		return t, fmt.Errorf("decode task payload: %w", err)
	}
	if t.Title == "" || t.Department == "" {
		return t, domain.ValidationError{Field: "payload", Message: "title and department are required"}
	}
	return t, nil
}

// errEditionClosed stops a handler from touching a signed-off or archived edition.
var errEditionClosed = errors.New("edition closed")

func editionClosed(e domain.Edition) bool {
	return domain.EditionRank(e.Status) >= domain.EditionRank(domain.EditionSignedOff)
}

func (o *Orchestrator) handleCreateTask(ctx context.Context, a domain.ScheduledAction) error {
	tpl, err := decodeTemplate(a.Payload)
	if err != nil {
		return err
	}
	task, err := o.createTask(ctx, a, tpl)
	if errors.Is(err, errEditionClosed) {
		o.Logger.Info("edition closed, automated task skipped", slog.String("edition_id", a.EditionID), slog.String("title", tpl.Title))
		return nil
	}
	if errors.Is(err, domain.ErrDuplicateAutomation) {
		o.Logger.Info("automated task already exists", slog.String("edition_id", a.EditionID), slog.String("title", tpl.Title))
		return nil
	}
	if err != nil {
		return err
	}
	o.Logger.Info("automated task created", slog.String("edition_id", a.EditionID), slog.String("task_id", task.ID),
		slog.String("title", task.Title), slog.String("department", task.Department))
	o.notify(ctx, notify.Target{Departments: []string{task.Department}}, notify.Payload{
		Type:      domain.NotifyAutomationTaskCreated,
		Title:     "New automated task",
		Message:   fmt.Sprintf("%q was created for your department", task.Title),
		Priority:  domain.PriorityMedium,
		TaskID:    task.ID,
		EditionID: task.EditionID,
		BrandID:   task.BrandID,
	})
	return nil
}

// createTask inserts the automated task unless the edition already has one with
// the same title.
func (o *Orchestrator) createTask(ctx context.Context, a domain.ScheduledAction, tpl taskTemplate) (domain.Task, error) {
	key := "automation:" + a.EditionID
	o.Locks.Lock(key)
	defer o.Locks.Unlock(key)

	tx, err := o.Repo.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	automated := true
	existing, err := o.Repo.ListTasksTx(ctx, tx, repo.TaskFilters{EditionID: a.EditionID, Title: tpl.Title, Automated: &automated, Limit: 1})
	if err != nil {
		return domain.Task{}, err
	}
	if len(existing) > 0 {
		return existing[0], domain.ErrDuplicateAutomation
	}
	e, err := o.Repo.GetEditionTx(ctx, tx, a.EditionID)
	if err != nil {
		return domain.Task{}, err
	}
	if editionClosed(e) {
		return domain.Task{}, errEditionClosed
	}
	now := o.Clock.Now()
	spec := workflow.TaskSpec{
		EditionID:   e.ID,
		BrandID:     e.BrandID,
		Department:  tpl.Department,
		Title:       tpl.Title,
		Description: tpl.Description,
		Priority:    tpl.Priority,
		Automated:   true,
	}
	if tpl.DeadlineBusinessDays > 0 {
		deadline := clock.AddBusinessDays(now, tpl.DeadlineBusinessDays)
		spec.Deadline = &deadline
	}
	task, err := o.Workflow.NewTask(spec, now)
	if err != nil {
		return domain.Task{}, err
	}
	if err := o.Repo.InsertTask(ctx, tx, task); err != nil {
		return domain.Task{}, fmt.Errorf("insert automated task: %w", err)
	}
	if err := o.Events.Append(ctx, tx, events.AutomationTaskSpawned, e.ID, "task", task.ID, domain.SystemActor.ID, events.EventPayload{
		"title":      task.Title,
		"department": task.Department,
		"action_id":  a.ID,
		"trigger":    tpl.Trigger,
	}); err != nil {
		return domain.Task{}, err
	}
	return task, tx.Commit()
}

func (o *Orchestrator) handleRequestPrintApproval(ctx context.Context, a domain.ScheduledAction) error {
	e, err := o.Repo.GetEdition(ctx, a.EditionID)
	if err != nil {
		return err
	}
	if editionClosed(e) {
		o.Logger.Info("edition closed, print approval not requested", slog.String("edition_id", e.ID), slog.String("status", e.Status))
		return nil
	}
	trigger, _ := a.Payload["trigger"].(string)
	comments := "requested automatically"
	if trigger != "" {
		comments = fmt.Sprintf("requested automatically after %q was completed", trigger)
	}
	_, err = o.Gate.RequestApproval(ctx, a.EditionID, domain.SystemActor, comments)
	var ierr domain.InvalidTransitionError
	if errors.As(err, &ierr) {
		o.Logger.Info("edition already past print approval", slog.String("edition_id", a.EditionID), slog.String("status", ierr.From))
		return nil
	}
	return err
}

func (o *Orchestrator) handleFinalizeEdition(ctx context.Context, a domain.ScheduledAction) error {
	e, moved, err := o.finalize(ctx, a.EditionID)
	if err != nil {
		return err
	}
	if !moved {
		return nil
	}
	o.Logger.Info("edition finalized", slog.String("edition_id", e.ID))
	o.notify(ctx, notify.Roles(o.policy.Load().Managers[domain.DeptSales]...), notify.Payload{
		Type:      domain.NotifyEditionFinalized,
		Title:     "Edition ready for sign-off",
		Message:   fmt.Sprintf("Print for %s is generated; sign off to archive the edition", e.Name),
		Priority:  domain.PriorityHigh,
		EditionID: e.ID,
		BrandID:   e.BrandID,
	})
	return nil
}

func (o *Orchestrator) finalize(ctx context.Context, editionID string) (domain.Edition, bool, error) {
	key := "automation:" + editionID
	o.Locks.Lock(key)
	defer o.Locks.Unlock(key)

	tx, err := o.Repo.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Edition{}, false, err
	}
	defer tx.Rollback()
	current, err := o.Repo.GetEditionTx(ctx, tx, editionID)
	if err != nil {
		return domain.Edition{}, false, err
	}
	if editionClosed(current) {
		return domain.Edition{}, false, nil
	}
	now := o.Clock.Now()
	moved, err := o.Repo.AdvanceEditionStatus(ctx, tx, editionID, domain.EditionPrintGenerated, now)
	var ierr domain.InvalidTransitionError
	if errors.As(err, &ierr) {
		return domain.Edition{}, false, nil
	}
	if err != nil || !moved {
		return domain.Edition{}, false, err
	}
	if err := o.Events.Append(ctx, tx, events.EditionFinalized, editionID, "edition", editionID, domain.SystemActor.ID, nil); err != nil {
		return domain.Edition{}, false, err
	}
	e, err := o.Repo.GetEditionTx(ctx, tx, editionID)
	if err != nil {
		return domain.Edition{}, false, err
	}
	return e, true, tx.Commit()
}
