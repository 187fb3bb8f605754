// Package approval implements the two-party print approval gate: Sales and
// Editorial must both approve before the Design print task is released.
package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"pressline/internal/clock"
	"pressline/internal/config"
	"pressline/internal/domain"
	"pressline/internal/events"
	"pressline/internal/lock"
	"pressline/internal/notify"
	"pressline/internal/repo"
	"pressline/internal/workflow"
)

// TaskFactory builds the print task in its department's initial status.
type TaskFactory interface {
	NewTask(spec workflow.TaskSpec, now time.Time) (domain.Task, error)
}

// Policy is the reloadable part of the gate configuration.
type Policy struct {
	Expiry    time.Duration
	PrintTask config.TaskTemplate
	// Managers maps a department to the roles notified on its behalf.
	Managers map[string][]string
}

func PolicyFromConfig(cfg *config.Config) Policy {
	days := cfg.Approval.ExpiryDays
	if days <= 0 {
		days = 7
	}
	managers := map[string][]string{}
	for name := range cfg.Departments {
		managers[name] = cfg.ManagerRoles(name)
	}
	return Policy{
		Expiry:    time.Duration(days) * 24 * time.Hour,
		PrintTask: cfg.Approval.PrintTask,
		Managers:  managers,
	}
}

type Gate struct {
	Repo     repo.Repo
	Events   events.Writer
	Notifier workflow.Notifier
	Tasks    TaskFactory
	Clock    clock.Clock
	Locks    *lock.MutexMap
	Logger   *slog.Logger

	policy atomic.Pointer[Policy]
}

func New(r repo.Repo, ev events.Writer, n workflow.Notifier, tasks TaskFactory, clk clock.Clock, locks *lock.MutexMap, logger *slog.Logger, p Policy) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	g := &Gate{Repo: r, Events: ev, Notifier: n, Tasks: tasks, Clock: clk, Locks: locks, Logger: logger}
	g.SetPolicy(p)
	return g
}

func (g *Gate) SetPolicy(p Policy) {
	g.policy.Store(&p)
}

func (g *Gate) managers(departments ...string) []string {
	p := g.policy.Load()
	var roles []string
	for _, d := range departments {
		roles = append(roles, p.Managers[d]...)
	}
	return roles
}

// RequestApproval opens (or reopens) the print approval request of an edition and
// notifies the Sales and Editorial managers.
func (g *Gate) RequestApproval(ctx context.Context, editionID string, actor domain.Actor, comments string) (domain.Edition, error) {
	e, err := g.commitRequest(ctx, editionID, actor, comments)
	if err != nil {
		return domain.Edition{}, err
	}
	g.notify(ctx, notify.Roles(g.managers(domain.DeptSales, domain.DeptEditorial)...), notify.Payload{
		Type:      domain.NotifyPrintApprovalRequested,
		Title:     "Print approval requested",
		Message:   fmt.Sprintf("%s needs Sales and Editorial approval before print", e.Name),
		Priority:  domain.PriorityHigh,
		EditionID: e.ID,
		BrandID:   e.BrandID,
	})
	return e, nil
}

func (g *Gate) commitRequest(ctx context.Context, editionID string, actor domain.Actor, comments string) (domain.Edition, error) {
	key := "edition:" + editionID
	g.Locks.Lock(key)
	defer g.Locks.Unlock(key)

	tx, err := g.Repo.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Edition{}, err
	}
	defer tx.Rollback()

	e, err := g.Repo.GetEditionTx(ctx, tx, editionID)
	if err != nil {
		return domain.Edition{}, err
	}
	rank := domain.EditionRank(e.Status)
	if rank < domain.EditionRank(domain.EditionLaunchRequested) || rank > domain.EditionRank(domain.EditionPrintApprovalPending) {
		return domain.Edition{}, domain.InvalidTransitionError{Department: "edition", From: e.Status, To: domain.EditionPrintApprovalPending}
	}
	now := g.Clock.Now()
	expires := now.Add(g.policy.Load().Expiry)
	e.PrintRequest = domain.PrintApprovalRequest{
		Pending:     true,
		RequestedBy: actor.ID,
		RequestedAt: &now,
		ExpiresAt:   &expires,
		Comments:    comments,
	}
	e.Status = domain.EditionPrintApprovalPending
	e.UpdatedAt = now
	if err := g.Repo.UpdateEdition(ctx, tx, e); err != nil {
		return domain.Edition{}, fmt.Errorf("update edition: %w", err)
	}
	if err := g.Events.Append(ctx, tx, events.ApprovalRequested, e.ID, "edition", e.ID, actor.ID, events.EventPayload{
		"expires_at": repo.FormatTime(expires),
		"comments":   comments,
	}); err != nil {
		return domain.Edition{}, err
	}
	return e, tx.Commit()
}

// Approve records one department's approval. The second approval releases the
// print task; repeated approvals change nothing.
func (g *Gate) Approve(ctx context.Context, editionID, department string, actor domain.Actor) (domain.Edition, error) {
	if department != domain.DeptSales && department != domain.DeptEditorial {
		return domain.Edition{}, domain.ValidationError{Field: "department", Message: "must be Sales or Editorial"}
	}
	e, printTask, err := g.commitApproval(ctx, editionID, department, actor)
	if err != nil {
		return domain.Edition{}, err
	}
	if printTask == nil {
		return e, nil
	}
	g.notify(ctx, notify.Target{Departments: []string{printTask.Department}}, notify.Payload{
		Type:      domain.NotifyPrintTaskCreated,
		Title:     "Print task created",
		Message:   fmt.Sprintf("%q is ready for %s", printTask.Title, e.Name),
		Priority:  domain.PriorityHigh,
		TaskID:    printTask.ID,
		EditionID: e.ID,
		BrandID:   e.BrandID,
	})
	g.notify(ctx, notify.Roles(g.managers(domain.DeptSales, domain.DeptEditorial)...), notify.Payload{
		Type:      domain.NotifyPrintApproved,
		Title:     "Print approved",
		Message:   fmt.Sprintf("%s was approved for print by Sales and Editorial", e.Name),
		Priority:  domain.PriorityMedium,
		EditionID: e.ID,
		BrandID:   e.BrandID,
	})
	return e, nil
}

func (g *Gate) commitApproval(ctx context.Context, editionID, department string, actor domain.Actor) (domain.Edition, *domain.Task, error) {
	key := "edition:" + editionID
	g.Locks.Lock(key)
	defer g.Locks.Unlock(key)

	tx, err := g.Repo.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Edition{}, nil, err
	}
	defer tx.Rollback()

	e, err := g.Repo.GetEditionTx(ctx, tx, editionID)
	if err != nil {
		return domain.Edition{}, nil, err
	}
	if !e.PrintRequest.Pending {
		if domain.EditionRank(e.Status) >= domain.EditionRank(domain.EditionPrintApproved) {
			return e, nil, nil
		}
		return domain.Edition{}, nil, fmt.Errorf("print approval request for %s: %w", editionID, repo.ErrNotFound)
	}
	now := g.Clock.Now()
	if e.PrintRequest.ExpiresAt != nil && now.After(*e.PrintRequest.ExpiresAt) {
		return domain.Edition{}, nil, domain.ErrApprovalExpired
	}
	flag := &e.PrintRequest.SalesApproved
	if department == domain.DeptEditorial {
		flag = &e.PrintRequest.EditorialApproved
	}
	if *flag {
		return e, nil, nil
	}
	*flag = true
	e.UpdatedAt = now
	if err := g.Events.Append(ctx, tx, events.ApprovalRecorded, e.ID, "edition", e.ID, actor.ID, events.EventPayload{
		"department": department,
	}); err != nil {
		return domain.Edition{}, nil, err
	}

	var printTask *domain.Task
	if e.PrintRequest.SalesApproved && e.PrintRequest.EditorialApproved {
		task, err := g.printTask(e, now)
		if err != nil {
			return domain.Edition{}, nil, err
		}
		if err := g.Repo.InsertTask(ctx, tx, task); err != nil {
			return domain.Edition{}, nil, fmt.Errorf("insert print task: %w", err)
		}
		if err := g.Events.Append(ctx, tx, events.TaskCreated, e.ID, "task", task.ID, domain.SystemActor.ID, events.EventPayload{
			"title":      task.Title,
			"department": task.Department,
			"automated":  true,
		}); err != nil {
			return domain.Edition{}, nil, err
		}
		if err := g.Events.Append(ctx, tx, events.ApprovalGranted, e.ID, "edition", e.ID, actor.ID, events.EventPayload{
			"print_task_id": task.ID,
		}); err != nil {
			return domain.Edition{}, nil, err
		}
		e.PrintRequest = domain.PrintApprovalRequest{SalesApproved: true, EditorialApproved: true, ApprovedAt: &now}
		e.Status = domain.EditionPrintApproved
		printTask = &task
	}
	if err := g.Repo.UpdateEdition(ctx, tx, e); err != nil {
		return domain.Edition{}, nil, fmt.Errorf("update edition: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Edition{}, nil, err
	}
	return e, printTask, nil
}

func (g *Gate) printTask(e domain.Edition, now time.Time) (domain.Task, error) {
	tpl := g.policy.Load().PrintTask
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
	return g.Tasks.NewTask(spec, now)
}

func (g *Gate) notify(ctx context.Context, target notify.Target, p notify.Payload) {
	if g.Notifier == nil {
		return
	}
	if _, err := g.Notifier.Notify(ctx, target, p); err != nil && !errors.Is(err, context.Canceled) {
		g.Logger.Error("approval notification", slog.String("type", p.Type), slog.String("edition_id", p.EditionID), slog.Any("err", err))
	}
}
