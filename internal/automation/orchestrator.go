// Package automation drives the post-launch chain of an edition: once the
// ordinary work is done it schedules the first automated tasks, and each
// completed automated task hands over to the next step by title.
package automation

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"pressline/internal/clock"
	"pressline/internal/config"
	"pressline/internal/domain"
	"pressline/internal/events"
	"pressline/internal/lock"
	"pressline/internal/notify"
	"pressline/internal/repo"
	"pressline/internal/scheduler"
	"pressline/internal/workflow"
)

// Scheduled action kinds owned by the orchestrator.
const (
	KindCreateTask           = "automation.create_task"
	KindRequestPrintApproval = "automation.request_print_approval"
	KindFinalizeEdition      = "automation.finalize_edition"
)

func kindFor(action string) string {
	return "automation." + action
}

// Workflow is the slice of the state machine the orchestrator needs.
type Workflow interface {
	TerminalStatuses() map[string][]string
	NewTask(spec workflow.TaskSpec, now time.Time) (domain.Task, error)
}

// Approver opens print approval requests.
type Approver interface {
	RequestApproval(ctx context.Context, editionID string, actor domain.Actor, comments string) (domain.Edition, error)
}

type Policy struct {
	MaxConcurrent int
	FirstSteps    []config.TaskTemplate
	// Chain maps the title of a completed automated task to its follow-up.
	Chain    map[string]config.ChainRule
	Managers map[string][]string
}

func PolicyFromConfig(cfg *config.Config) Policy {
	chain := make(map[string]config.ChainRule, len(cfg.Automation.Chain))
	for _, r := range cfg.Automation.Chain {
		chain[r.Trigger] = r
	}
	limit := cfg.Automation.MaxConcurrentEditions
	if limit <= 0 {
		limit = 4
	}
	managers := map[string][]string{}
	for name := range cfg.Departments {
		managers[name] = cfg.ManagerRoles(name)
	}
	return Policy{
		MaxConcurrent: limit,
		FirstSteps:    slices.Clone(cfg.Automation.FirstSteps),
		Chain:         chain,
		Managers:      managers,
	}
}

// Status is the automation view of one tracked edition.
type Status struct {
	Edition        domain.Edition           `json:"edition"`
	Context        domain.AutomationContext `json:"context"`
	AutomatedTasks []domain.Task            `json:"automated_tasks"`
	PendingActions []domain.ScheduledAction `json:"pending_actions"`
}

type Orchestrator struct {
	Repo      repo.Repo
	Events    events.Writer
	Scheduler *scheduler.Scheduler
	Workflow  Workflow
	Gate      Approver
	Notifier  workflow.Notifier
	Clock     clock.Clock
	Locks     *lock.MutexMap
	Logger    *slog.Logger

	policy atomic.Pointer[Policy]
	checks singleflight.Group

	mu       sync.RWMutex
	registry map[string]domain.AutomationContext
}

// New builds an orchestrator and registers its action handlers on s.
func New(r repo.Repo, ev events.Writer, s *scheduler.Scheduler, wf Workflow, gate Approver, n workflow.Notifier, clk clock.Clock, locks *lock.MutexMap, logger *slog.Logger, p Policy) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	o := &Orchestrator{
		Repo: r, Events: ev, Scheduler: s, Workflow: wf, Gate: gate, Notifier: n,
		Clock: clk, Locks: locks, Logger: logger,
		registry: map[string]domain.AutomationContext{},
	}
	o.SetPolicy(p)
	s.Register(KindCreateTask, o.handleCreateTask)
	s.Register(KindRequestPrintApproval, o.handleRequestPrintApproval)
	s.Register(KindFinalizeEdition, o.handleFinalizeEdition)
	return o
}

func (o *Orchestrator) SetPolicy(p Policy) {
	o.policy.Store(&p)
}

func (o *Orchestrator) register(c domain.AutomationContext) {
	o.mu.Lock()
	o.registry[c.EditionID] = c
	o.mu.Unlock()
}

func (o *Orchestrator) unregister(editionID string) {
	o.mu.Lock()
	delete(o.registry, editionID)
	o.mu.Unlock()
}

func (o *Orchestrator) lookup(editionID string) (domain.AutomationContext, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	c, ok := o.registry[editionID]
	return c, ok
}

// Tracked lists the editions currently under automation.
func (o *Orchestrator) Tracked() []domain.AutomationContext {
	o.mu.RLock()
	out := make([]domain.AutomationContext, 0, len(o.registry))
	for _, c := range o.registry {
		out = append(out, c)
	}
	o.mu.RUnlock()
	slices.SortFunc(out, func(a, b domain.AutomationContext) int {
		if c := a.StartedAt.Compare(b.StartedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.EditionID, b.EditionID)
	})
	return out
}

// Track starts automation for an edition and runs a first check. Tracking an
// edition twice returns the existing context.
func (o *Orchestrator) Track(ctx context.Context, editionID string, actor domain.Actor) (domain.AutomationContext, error) {
	e, err := o.Repo.GetEdition(ctx, editionID)
	if err != nil {
		return domain.AutomationContext{}, err
	}
	if domain.EditionRank(e.Status) >= domain.EditionRank(domain.EditionSignedOff) {
		return domain.AutomationContext{}, domain.ValidationError{Field: "edition", Message: fmt.Sprintf("edition %s is already %s", e.ID, e.Status)}
	}
	tasks, err := o.Repo.ListTasks(ctx, repo.TaskFilters{EditionID: editionID})
	if err != nil {
		return domain.AutomationContext{}, err
	}

	c, err := o.insertContext(ctx, e, actor, len(tasks))
	if errors.Is(err, domain.ErrDuplicateAutomation) {
		existing, err := o.Repo.GetAutomationContext(ctx, editionID)
		if err != nil {
			return domain.AutomationContext{}, err
		}
		o.register(existing)
		return existing, nil
	}
	if err != nil {
		return domain.AutomationContext{}, err
	}
	o.register(c)
	o.Logger.Info("automation tracking edition", slog.String("edition_id", editionID), slog.Int("tasks", len(tasks)))
	if err := o.CheckEdition(ctx, editionID); err != nil {
		o.Logger.Error("automation check after track", slog.String("edition_id", editionID), slog.Any("err", err))
	}
	return c, nil
}

func (o *Orchestrator) insertContext(ctx context.Context, e domain.Edition, actor domain.Actor, tasks int) (domain.AutomationContext, error) {
	now := o.Clock.Now()
	c := domain.AutomationContext{EditionID: e.ID, Status: domain.AutomationTracking, StartedBy: actor.ID, StartedAt: now, UpdatedAt: now}
	tx, err := o.Repo.DB.BeginTx(ctx, nil)
	if err != nil {
		return c, err
	}
	defer tx.Rollback()
	inserted, err := o.Repo.InsertAutomationContext(ctx, tx, c)
	if err != nil {
		return c, fmt.Errorf("store automation context: %w", err)
	}
	if !inserted {
		return c, domain.ErrDuplicateAutomation
	}
	if err := o.Events.Append(ctx, tx, events.AutomationTracked, e.ID, "edition", e.ID, actor.ID, events.EventPayload{
		"tasks": tasks,
	}); err != nil {
		return c, err
	}
	return c, tx.Commit()
}

// Pause stops checks for an edition. Scheduled actions keep firing.
func (o *Orchestrator) Pause(ctx context.Context, editionID string, actor domain.Actor) (domain.AutomationContext, error) {
	return o.setStatus(ctx, editionID, domain.AutomationPaused, events.AutomationPaused, actor)
}

// Resume restarts checks for a paused edition and runs one right away.
func (o *Orchestrator) Resume(ctx context.Context, editionID string, actor domain.Actor) (domain.AutomationContext, error) {
	c, err := o.setStatus(ctx, editionID, domain.AutomationTracking, events.AutomationResumed, actor)
	if err != nil {
		return c, err
	}
	if err := o.CheckEdition(ctx, editionID); err != nil {
		o.Logger.Error("automation check after resume", slog.String("edition_id", editionID), slog.Any("err", err))
	}
	return c, nil
}

func (o *Orchestrator) setStatus(ctx context.Context, editionID, status, evtType string, actor domain.Actor) (domain.AutomationContext, error) {
	now := o.Clock.Now()
	tx, err := o.Repo.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.AutomationContext{}, err
	}
	defer tx.Rollback()
	if err := o.Repo.UpdateAutomationStatus(ctx, tx, editionID, status, now); err != nil {
		return domain.AutomationContext{}, fmt.Errorf("automation for edition %s: %w", editionID, err)
	}
	if err := o.Events.Append(ctx, tx, evtType, editionID, "edition", editionID, actor.ID, nil); err != nil {
		return domain.AutomationContext{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.AutomationContext{}, err
	}
	c, err := o.Repo.GetAutomationContext(ctx, editionID)
	if err != nil {
		return domain.AutomationContext{}, err
	}
	o.register(c)
	return c, nil
}

// Stop ends automation for an edition and cancels its pending actions.
func (o *Orchestrator) Stop(ctx context.Context, editionID string, actor domain.Actor) error {
	tx, err := o.Repo.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	deleted, err := o.Repo.DeleteAutomationContext(ctx, tx, editionID)
	if err != nil {
		return err
	}
	if !deleted {
		return fmt.Errorf("automation for edition %s: %w", editionID, repo.ErrNotFound)
	}
	cancelled, err := o.Scheduler.CancelEditionTx(ctx, tx, editionID)
	if err != nil {
		return fmt.Errorf("cancel pending actions: %w", err)
	}
	if err := o.Events.Append(ctx, tx, events.AutomationStopped, editionID, "edition", editionID, actor.ID, events.EventPayload{
		"cancelled_actions": cancelled,
	}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	o.unregister(editionID)
	o.Logger.Info("automation stopped", slog.String("edition_id", editionID))
	return nil
}

// OverrideSchedule moves the pending action of a task to fireAt. id may also name
// the action itself, which covers first steps that have no triggering task.
func (o *Orchestrator) OverrideSchedule(ctx context.Context, id string, fireAt time.Time, actor domain.Actor) (domain.ScheduledAction, error) {
	prev, err := o.Scheduler.PendingForTask(ctx, id)
	if errors.Is(err, repo.ErrNotFound) {
		prev, err = o.Repo.GetScheduledAction(ctx, id)
		if err == nil && prev.Status != domain.ActionPending {
			err = repo.ErrNotFound
		}
	}
	if err != nil {
		return domain.ScheduledAction{}, fmt.Errorf("pending action for %s: %w", id, err)
	}

	tx, err := o.Repo.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ScheduledAction{}, err
	}
	defer tx.Rollback()
	cancelled, err := o.Scheduler.CancelTx(ctx, tx, prev.ID)
	if err != nil {
		return domain.ScheduledAction{}, err
	}
	if !cancelled {
		return domain.ScheduledAction{}, fmt.Errorf("pending action %s: %w", prev.ID, repo.ErrNotFound)
	}
	next, err := o.Scheduler.ScheduleTx(ctx, tx, fireAt, scheduler.Action{
		Kind: prev.Kind, TaskID: prev.TaskID, EditionID: prev.EditionID, Payload: prev.Payload,
	})
	if err != nil {
		return domain.ScheduledAction{}, err
	}
	if prev.TaskID != "" {
		if err := o.Repo.SetNextStepScheduledFor(ctx, tx, prev.TaskID, fireAt); err != nil {
			return domain.ScheduledAction{}, err
		}
	}
	if err := o.Events.Append(ctx, tx, events.AutomationRescheduled, prev.EditionID, "scheduled_action", next.ID, actor.ID, events.EventPayload{
		"previous_action_id": prev.ID,
		"kind":               prev.Kind,
		"from":               repo.FormatTime(prev.FireAt),
		"to":                 repo.FormatTime(fireAt),
	}); err != nil {
		return domain.ScheduledAction{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ScheduledAction{}, err
	}
	if !fireAt.After(o.Clock.Now()) {
		o.runDue(ctx)
	}
	return next, nil
}

// Status reports the automation state of a tracked edition.
func (o *Orchestrator) Status(ctx context.Context, editionID string) (Status, error) {
	c, err := o.Repo.GetAutomationContext(ctx, editionID)
	if err != nil {
		return Status{}, fmt.Errorf("automation for edition %s: %w", editionID, err)
	}
	e, err := o.Repo.GetEdition(ctx, editionID)
	if err != nil {
		return Status{}, err
	}
	automated := true
	tasks, err := o.Repo.ListTasks(ctx, repo.TaskFilters{EditionID: editionID, Automated: &automated})
	if err != nil {
		return Status{}, err
	}
	pending, err := o.Repo.ListScheduledActions(ctx, repo.ActionFilters{EditionID: editionID, Status: domain.ActionPending})
	if err != nil {
		return Status{}, err
	}
	return Status{Edition: e, Context: c, AutomatedTasks: tasks, PendingActions: pending}, nil
}

// History returns the event log of an edition, oldest first.
func (o *Orchestrator) History(ctx context.Context, editionID string) ([]domain.Event, error) {
	if _, err := o.Repo.GetEdition(ctx, editionID); err != nil {
		return nil, err
	}
	return o.Repo.ListEvents(ctx, repo.EventFilters{EditionID: editionID, Limit: 1000})
}

// Recover rebuilds the in-memory registry from the stored contexts.
func (o *Orchestrator) Recover(ctx context.Context) (int, error) {
	contexts, err := o.Repo.ListAutomationContexts(ctx)
	if err != nil {
		return 0, fmt.Errorf("load automation contexts: %w", err)
	}
	registry := make(map[string]domain.AutomationContext, len(contexts))
	for _, c := range contexts {
		registry[c.EditionID] = c
	}
	o.mu.Lock()
	o.registry = registry
	o.mu.Unlock()
	o.Logger.Info("automation registry recovered", slog.Int("editions", len(contexts)))
	return len(contexts), nil
}

// HandleTransition reacts to committed task transitions: finishing a task may
// unlock the next automation step of its edition.
func (o *Orchestrator) HandleTransition(ctx context.Context, task domain.Task, from string) {
	if !slices.Contains(o.Workflow.TerminalStatuses()[task.Department], task.Status) {
		return
	}
	if _, ok := o.lookup(task.EditionID); !ok {
		return
	}
	if err := o.CheckEdition(ctx, task.EditionID); err != nil {
		o.Logger.Error("automation check after transition", slog.String("edition_id", task.EditionID),
			slog.String("task_id", task.ID), slog.Any("err", err))
	}
}

// CheckAll checks every tracked edition that is not paused.
func (o *Orchestrator) CheckAll(ctx context.Context) error {
	var g errgroup.Group
	g.SetLimit(o.policy.Load().MaxConcurrent)
	var mu sync.Mutex
	var errs []error
	for _, c := range o.Tracked() {
		if c.Status != domain.AutomationTracking {
			continue
		}
		editionID := c.EditionID
		g.Go(func() error {
			if err := o.CheckEdition(ctx, editionID); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("edition %s: %w", editionID, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// CheckEdition advances the chain of one tracked edition. Concurrent checks of
// the same edition share one run, which outlives any single caller's cancellation.
func (o *Orchestrator) CheckEdition(ctx context.Context, editionID string) error {
	shared := context.WithoutCancel(ctx)
	_, err, _ := o.checks.Do(editionID, func() (any, error) {
		return nil, o.check(shared, editionID)
	})
	return err
}

func (o *Orchestrator) check(ctx context.Context, editionID string) error {
	c, ok := o.lookup(editionID)
	if !ok || c.Status != domain.AutomationTracking {
		return nil
	}
	due, err := o.advance(ctx, editionID)
	if err != nil {
		return err
	}
	if due > 0 {
		o.runDue(ctx)
	}
	return nil
}

func (o *Orchestrator) runDue(ctx context.Context) {
	if _, err := o.Scheduler.Tick(ctx); err != nil {
		o.Logger.Error("run due actions", slog.Any("err", err))
	}
}

// advance schedules whatever the edition's current state unlocks and returns how
// many of the new actions are already due.
func (o *Orchestrator) advance(ctx context.Context, editionID string) (int, error) {
	key := "automation:" + editionID
	o.Locks.Lock(key)
	defer o.Locks.Unlock(key)

	e, err := o.Repo.GetEdition(ctx, editionID)
	if err != nil {
		return 0, err
	}
	if domain.EditionRank(e.Status) >= domain.EditionRank(domain.EditionSignedOff) {
		return 0, nil
	}
	tasks, err := o.Repo.ListTasks(ctx, repo.TaskFilters{EditionID: editionID})
	if err != nil {
		return 0, err
	}
	terminal := o.Workflow.TerminalStatuses()
	done := func(t domain.Task) bool { return slices.Contains(terminal[t.Department], t.Status) }
	p := o.policy.Load()

	due := 0
	if !e.ChainStarted && domain.EditionRank(e.Status) >= domain.EditionRank(domain.EditionLaunchRequested) && ordinaryDone(tasks, done) {
		n, err := o.startChain(ctx, e, p)
		switch {
		case errors.Is(err, domain.ErrDuplicateAutomation):
		case err != nil:
			return due, err
		default:
			due += n
		}
	}
	for _, t := range tasks {
		if !t.Automated || t.NextStepCreated || !done(t) {
			continue
		}
		rule, ok := p.Chain[t.Title]
		if !ok {
			continue
		}
		n, err := o.scheduleNext(ctx, t, rule)
		switch {
		case errors.Is(err, domain.ErrDuplicateAutomation):
		case err != nil:
			return due, err
		default:
			due += n
		}
	}
	return due, nil
}

func ordinaryDone(tasks []domain.Task, done func(domain.Task) bool) bool {
	for _, t := range tasks {
		if !t.Automated && !done(t) {
			return false
		}
	}
	return true
}

func launchDate(e domain.Edition, now time.Time) time.Time {
	switch {
	case e.Launch.LaunchDate != nil:
		return *e.Launch.LaunchDate
	case e.Launch.RequestedAt != nil:
		return *e.Launch.RequestedAt
	}
	return now
}

// startChain marks the chain started, moves the edition to launched and
// schedules the first steps, all in one transaction.
func (o *Orchestrator) startChain(ctx context.Context, e domain.Edition, p *Policy) (int, error) {
	now := o.Clock.Now()
	launch := launchDate(e, now)

	tx, err := o.Repo.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	marked, err := o.Repo.MarkChainStarted(ctx, tx, e.ID, now)
	if err != nil {
		return 0, err
	}
	if !marked {
		return 0, domain.ErrDuplicateAutomation
	}
	if domain.EditionRank(e.Status) < domain.EditionRank(domain.EditionLaunched) {
		if _, err := o.Repo.AdvanceEditionStatus(ctx, tx, e.ID, domain.EditionLaunched, now); err != nil {
			return 0, err
		}
	}
	due := 0
	for _, step := range p.FirstSteps {
		fireAt := clock.AddBusinessDays(launch, step.OffsetBusinessDays)
		sa, err := o.Scheduler.ScheduleTx(ctx, tx, fireAt, scheduler.Action{
			Kind: KindCreateTask, EditionID: e.ID, Payload: taskPayload(step, ""),
		})
		if err != nil {
			return 0, err
		}
		if err := o.Events.Append(ctx, tx, events.AutomationScheduled, e.ID, "scheduled_action", sa.ID, domain.SystemActor.ID, events.EventPayload{
			"kind":    sa.Kind,
			"title":   step.Title,
			"fire_at": repo.FormatTime(fireAt),
		}); err != nil {
			return 0, err
		}
		if !fireAt.After(now) {
			due++
		}
	}
	if err := o.Events.Append(ctx, tx, events.EditionLaunched, e.ID, "edition", e.ID, domain.SystemActor.ID, events.EventPayload{
		"launch_date": repo.FormatTime(launch),
	}); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	o.Logger.Info("post-launch chain started", slog.String("edition_id", e.ID), slog.Int("first_steps", len(p.FirstSteps)))
	o.notify(ctx, notify.Roles(allManagers(p)...), notify.Payload{
		Type:      domain.NotifyEditionLaunched,
		Title:     "Edition launched",
		Message:   fmt.Sprintf("%s is launched; follow-up work is scheduled", e.Name),
		Priority:  domain.PriorityMedium,
		EditionID: e.ID,
		BrandID:   e.BrandID,
	})
	return due, nil
}

// scheduleNext claims the task's next-step marker and schedules the rule's
// action in the same transaction.
func (o *Orchestrator) scheduleNext(ctx context.Context, t domain.Task, rule config.ChainRule) (int, error) {
	now := o.Clock.Now()
	base := now
	if t.CompletedAt != nil {
		base = *t.CompletedAt
	}
	fireAt := base.Add(time.Duration(rule.DelayHours) * time.Hour)

	tx, err := o.Repo.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	claimed, err := o.Repo.ClaimNextStep(ctx, tx, t.ID, fireAt, now)
	if err != nil {
		return 0, err
	}
	if !claimed {
		return 0, domain.ErrDuplicateAutomation
	}
	payload := map[string]any{"trigger": t.Title}
	if rule.Task != nil {
		payload = taskPayload(*rule.Task, t.Title)
	}
	sa, err := o.Scheduler.ScheduleTx(ctx, tx, fireAt, scheduler.Action{
		Kind: kindFor(rule.Action), TaskID: t.ID, EditionID: t.EditionID, Payload: payload,
	})
	if err != nil {
		return 0, err
	}
	if err := o.Events.Append(ctx, tx, events.AutomationScheduled, t.EditionID, "scheduled_action", sa.ID, domain.SystemActor.ID, events.EventPayload{
		"kind":    sa.Kind,
		"trigger": t.Title,
		"task_id": t.ID,
		"fire_at": repo.FormatTime(fireAt),
	}); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	o.Logger.Info("chain step scheduled", slog.String("edition_id", t.EditionID), slog.String("trigger", t.Title),
		slog.String("kind", sa.Kind), slog.Time("fire_at", fireAt))
	if fireAt.After(now) {
		return 0, nil
	}
	return 1, nil
}

func allManagers(p *Policy) []string {
	var roles []string
	for _, r := range p.Managers {
		for _, role := range r {
			if !slices.Contains(roles, role) {
				roles = append(roles, role)
			}
		}
	}
	slices.Sort(roles)
	return roles
}

func (o *Orchestrator) notify(ctx context.Context, target notify.Target, p notify.Payload) {
	if o.Notifier == nil || target.Empty() {
		return
	}
	if _, err := o.Notifier.Notify(ctx, target, p); err != nil {
		o.Logger.Error("automation notification", slog.String("type", p.Type), slog.String("edition_id", p.EditionID), slog.Any("err", err))
	}
}
