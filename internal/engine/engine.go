package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"pressline/internal/approval"
	"pressline/internal/automation"
	"pressline/internal/clock"
	"pressline/internal/config"
	"pressline/internal/deadline"
	"pressline/internal/domain"
	"pressline/internal/engine/auth"
	"pressline/internal/events"
	"pressline/internal/lock"
	"pressline/internal/notify"
	"pressline/internal/repo"
	"pressline/internal/scheduler"
	"pressline/internal/workflow"
)

// Engine wires the workflow core together and guards it with boundary permissions.
type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Clock  clock.Clock
	Logger *slog.Logger
	Locks  *lock.MutexMap

	Hub        *notify.Hub
	Notifier   *notify.Dispatcher
	Scheduler  *scheduler.Scheduler
	Workflow   *workflow.Machine
	Automation *automation.Orchestrator
	Gate       *approval.Gate
	Deadlines  *deadline.Monitor

	cfg atomic.Pointer[config.Config]
}

type Option func(*options)

type options struct {
	clock  clock.Clock
	logger *slog.Logger
}

func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

func New(db *sql.DB, cfg *config.Config, opts ...Option) (*Engine, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := options{clock: clock.Real{}, logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	r := repo.Repo{DB: db}
	clk, logger := o.clock, o.logger
	e := &Engine{
		DB:     db,
		Repo:   r,
		Events: events.Writer{DB: db, Now: clk.Now},
		Clock:  clk,
		Logger: logger,
		Locks:  lock.NewMutexMap(),
	}
	e.cfg.Store(cfg)

	e.Hub = notify.NewHub(logger.With(slog.String("component", "hub")))
	e.Notifier = notify.NewDispatcher(r, e.Hub, clk, logger.With(slog.String("component", "notify")), notifyPolicy(cfg))
	machine, err := workflow.New(r, e.Events, e.Notifier, clk, e.Locks, logger.With(slog.String("component", "workflow")), cfg)
	if err != nil {
		return nil, err
	}
	e.Workflow = machine
	e.Gate = approval.New(r, e.Events, e.Notifier, machine, clk, e.Locks, logger.With(slog.String("component", "approval")), approval.PolicyFromConfig(cfg))
	e.Scheduler = scheduler.New(r, clk, logger.With(slog.String("component", "scheduler")))
	if cfg.Scheduler.BatchSize > 0 {
		e.Scheduler.BatchSize = cfg.Scheduler.BatchSize
	}
	e.Automation = automation.New(r, e.Events, e.Scheduler, machine, e.Gate, e.Notifier, clk, e.Locks,
		logger.With(slog.String("component", "automation")), automation.PolicyFromConfig(cfg))
	machine.OnTransition(e.Automation.HandleTransition)
	e.Deadlines = deadline.New(r, e.Notifier, machine, clk, logger.With(slog.String("component", "deadline")), deadline.PolicyFromConfig(cfg))
	return e, nil
}

func notifyPolicy(cfg *config.Config) notify.Policy {
	return notify.Policy{Retention: cfg.Retention(), ExtraAudiences: cfg.Notifications.ExtraAudiences}
}

// Config returns the configuration currently in effect.
func (e *Engine) Config() *config.Config {
	return e.cfg.Load()
}

// Reload swaps in a new configuration: workflow tables, automation chain,
// approval and deadline policies, notification audiences and permissions.
func (e *Engine) Reload(cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := e.Workflow.Reload(cfg); err != nil {
		return err
	}
	e.Notifier.SetPolicy(notifyPolicy(cfg))
	e.Gate.SetPolicy(approval.PolicyFromConfig(cfg))
	e.Automation.SetPolicy(automation.PolicyFromConfig(cfg))
	e.Deadlines.SetPolicy(deadline.PolicyFromConfig(cfg))
	e.cfg.Store(cfg)
	e.Logger.Info("configuration reloaded")
	return nil
}

func (e *Engine) now() time.Time {
	return e.Clock.Now()
}

func (e *Engine) require(actor domain.Actor, op string) error {
	if auth.IsSystem(actor) {
		return nil
	}
	return auth.Require(e.Config(), op, actor.Role)
}

// Actor resolves a directory user into the actor that drives operations.
func (e *Engine) Actor(ctx context.Context, userID string) (domain.Actor, error) {
	if userID == "" {
		return domain.Actor{}, domain.ValidationError{Field: "actor_id", Message: "is required"}
	}
	u, err := e.Repo.GetUser(ctx, userID)
	if err != nil {
		return domain.Actor{}, fmt.Errorf("user %s: %w", userID, err)
	}
	return domain.Actor{ID: u.ID, Role: u.Role}, nil
}

// CreateUser adds or replaces a directory entry.
func (e *Engine) CreateUser(ctx context.Context, actor domain.Actor, u domain.User) (domain.User, error) {
	if err := e.require(actor, auth.UserManage); err != nil {
		return domain.User{}, err
	}
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	if u.Name == "" {
		return domain.User{}, domain.ValidationError{Field: "name", Message: "is required"}
	}
	if u.Role == "" {
		return domain.User{}, domain.ValidationError{Field: "role", Message: "is required"}
	}
	if u.Department != "" {
		if _, ok := e.Workflow.Table(u.Department); !ok {
			return domain.User{}, domain.ValidationError{Field: "department", Message: fmt.Sprintf("unknown department %q", u.Department)}
		}
	}
	u.CreatedAt = repo.FormatTime(e.now())
	if err := e.Repo.UpsertUser(ctx, u); err != nil {
		return domain.User{}, err
	}
	return e.Repo.GetUser(ctx, u.ID)
}

func (e *Engine) ListUsers(ctx context.Context, f repo.UserFilter) ([]domain.User, error) {
	return e.Repo.ListUsers(ctx, f)
}

// EditionCreateOptions are parameters for creating an edition.
type EditionCreateOptions struct {
	ID      string
	BrandID string
	Name    string
}

func (e *Engine) CreateEdition(ctx context.Context, actor domain.Actor, opts EditionCreateOptions) (domain.Edition, error) {
	if err := e.require(actor, auth.EditionCreate); err != nil {
		return domain.Edition{}, err
	}
	if opts.Name == "" {
		return domain.Edition{}, domain.ValidationError{Field: "name", Message: "is required"}
	}
	if opts.BrandID == "" {
		return domain.Edition{}, domain.ValidationError{Field: "brand_id", Message: "is required"}
	}
	if opts.ID == "" {
		opts.ID = uuid.NewString()
	}
	now := e.now()
	ed := domain.Edition{ID: opts.ID, BrandID: opts.BrandID, Name: opts.Name, Status: domain.EditionPlanning, CreatedAt: now, UpdatedAt: now}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Edition{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertEdition(ctx, tx, ed); err != nil {
		return domain.Edition{}, fmt.Errorf("insert edition: %w", err)
	}
	if err := e.Events.Append(ctx, tx, events.EditionCreated, ed.ID, "edition", ed.ID, actor.ID, events.EventPayload{
		"name":     ed.Name,
		"brand_id": ed.BrandID,
	}); err != nil {
		return domain.Edition{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Edition{}, err
	}
	return ed, nil
}

func (e *Engine) GetEdition(ctx context.Context, id string) (domain.Edition, error) {
	return e.Repo.GetEdition(ctx, id)
}

func (e *Engine) ListEditions(ctx context.Context, status string) ([]domain.Edition, error) {
	return e.Repo.ListEditions(ctx, status)
}

// TaskCreateOptions are parameters for creating a task.
type TaskCreateOptions struct {
	EditionID   string
	Department  string
	Title       string
	Description string
	AssigneeID  string
	Deadline    *time.Time
	Priority    string
}

var priorities = []string{domain.PriorityLow, domain.PriorityMedium, domain.PriorityHigh, domain.PriorityCritical}

// CreateTask adds an ordinary task in its department's initial status. The first
// task of a planning edition moves it into production.
func (e *Engine) CreateTask(ctx context.Context, actor domain.Actor, opts TaskCreateOptions) (domain.Task, error) {
	if err := e.require(actor, auth.TaskCreate); err != nil {
		return domain.Task{}, err
	}
	if opts.Priority != "" && !slices.Contains(priorities, opts.Priority) {
		return domain.Task{}, domain.ValidationError{Field: "priority", Message: "must be one of " + strings.Join(priorities, ", ")}
	}
	ed, err := e.Repo.GetEdition(ctx, opts.EditionID)
	if err != nil {
		return domain.Task{}, fmt.Errorf("edition %s: %w", opts.EditionID, err)
	}
	if domain.EditionRank(ed.Status) >= domain.EditionRank(domain.EditionSignedOff) {
		return domain.Task{}, domain.ValidationError{Field: "edition_id", Message: fmt.Sprintf("edition is %s", ed.Status)}
	}
	if opts.AssigneeID != "" {
		if _, err := e.Repo.GetUser(ctx, opts.AssigneeID); err != nil {
			return domain.Task{}, fmt.Errorf("assignee %s: %w", opts.AssigneeID, err)
		}
	}
	now := e.now()
	task, err := e.Workflow.NewTask(workflow.TaskSpec{
		EditionID:   ed.ID,
		BrandID:     ed.BrandID,
		Department:  opts.Department,
		Title:       opts.Title,
		Description: opts.Description,
		AssigneeID:  opts.AssigneeID,
		CreatedBy:   actor.ID,
		Deadline:    opts.Deadline,
		Priority:    opts.Priority,
	}, now)
	if err != nil {
		return domain.Task{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertTask(ctx, tx, task); err != nil {
		return domain.Task{}, fmt.Errorf("insert task: %w", err)
	}
	if ed.Status == domain.EditionPlanning {
		if _, err := e.Repo.AdvanceEditionStatus(ctx, tx, ed.ID, domain.EditionInProduction, now); err != nil {
			return domain.Task{}, err
		}
	}
	if err := e.Events.Append(ctx, tx, events.TaskCreated, ed.ID, "task", task.ID, actor.ID, events.EventPayload{
		"title":      task.Title,
		"department": task.Department,
		"status":     task.Status,
	}); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	if opts.AssigneeID != "" {
		e.notifyAssigned(ctx, task)
	}
	return task, nil
}

func (e *Engine) notifyAssigned(ctx context.Context, task domain.Task) {
	_, err := e.Notifier.Notify(ctx, notify.Users(*task.AssigneeID), notify.Payload{
		Type:      domain.NotifyTaskAssigned,
		Title:     "Task assigned",
		Message:   fmt.Sprintf("You were assigned %q", task.Title),
		Priority:  domain.PriorityMedium,
		TaskID:    task.ID,
		EditionID: task.EditionID,
		BrandID:   task.BrandID,
	})
	if err != nil {
		e.Logger.Error("assignment notification", slog.String("task_id", task.ID), slog.Any("err", err))
	}
}

// AssignTask sets the assignee of a task and records it in the task history.
func (e *Engine) AssignTask(ctx context.Context, actor domain.Actor, taskID, assigneeID string) (domain.Task, error) {
	if err := e.require(actor, auth.TaskAssign); err != nil {
		return domain.Task{}, err
	}
	if _, err := e.Repo.GetUser(ctx, assigneeID); err != nil {
		return domain.Task{}, fmt.Errorf("assignee %s: %w", assigneeID, err)
	}
	task, err := e.assign(ctx, actor, taskID, assigneeID)
	if err != nil {
		return domain.Task{}, err
	}
	e.notifyAssigned(ctx, task)
	return task, nil
}

func (e *Engine) assign(ctx context.Context, actor domain.Actor, taskID, assigneeID string) (domain.Task, error) {
	key := "task:" + taskID
	e.Locks.Lock(key)
	defer e.Locks.Unlock(key)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()
	task, err := e.Repo.GetTaskTx(ctx, tx, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	now := e.now()
	task.AssigneeID = &assigneeID
	task.UpdatedAt = now
	if err := e.Repo.UpdateTask(ctx, tx, task); err != nil {
		return domain.Task{}, err
	}
	if err := e.Events.Append(ctx, tx, events.TaskAssigned, task.EditionID, "task", task.ID, actor.ID, events.EventPayload{
		"assignee_id": assigneeID,
	}); err != nil {
		return domain.Task{}, err
	}
	return task, tx.Commit()
}

// TransitionTask moves a task through its department workflow.
func (e *Engine) TransitionTask(ctx context.Context, actor domain.Actor, taskID, status, comment string) (domain.Task, error) {
	return e.Workflow.ApplyTransition(ctx, taskID, status, actor, comment)
}

func (e *Engine) GetTask(ctx context.Context, id string) (domain.Task, error) {
	return e.Repo.GetTask(ctx, id)
}

func (e *Engine) ListTasks(ctx context.Context, f repo.TaskFilters) ([]domain.Task, error) {
	return e.Repo.ListTasks(ctx, f)
}

// RequestLaunch records the launch request of an edition and hands it to the automation.
func (e *Engine) RequestLaunch(ctx context.Context, actor domain.Actor, editionID string, launchDate *time.Time, notes string) (domain.Edition, error) {
	if err := e.require(actor, auth.EditionLaunch); err != nil {
		return domain.Edition{}, err
	}
	if err := e.recordLaunch(ctx, actor, editionID, launchDate, notes); err != nil {
		return domain.Edition{}, err
	}
	if _, err := e.Automation.Track(ctx, editionID, actor); err != nil {
		return domain.Edition{}, fmt.Errorf("track edition: %w", err)
	}
	return e.Repo.GetEdition(ctx, editionID)
}

func (e *Engine) recordLaunch(ctx context.Context, actor domain.Actor, editionID string, launchDate *time.Time, notes string) error {
	key := "edition:" + editionID
	e.Locks.Lock(key)
	defer e.Locks.Unlock(key)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	ed, err := e.Repo.GetEditionTx(ctx, tx, editionID)
	if err != nil {
		return err
	}
	if domain.EditionRank(ed.Status) >= domain.EditionRank(domain.EditionLaunchRequested) {
		return domain.InvalidTransitionError{Department: "edition", From: ed.Status, To: domain.EditionLaunchRequested}
	}
	now := e.now()
	if launchDate == nil {
		launchDate = &now
	}
	ed.Launch = domain.LaunchStatus{RequestedBy: actor.ID, RequestedAt: &now, LaunchDate: launchDate, Notes: notes}
	ed.Status = domain.EditionLaunchRequested
	ed.UpdatedAt = now
	if err := e.Repo.UpdateEdition(ctx, tx, ed); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, events.EditionLaunch, ed.ID, "edition", ed.ID, actor.ID, events.EventPayload{
		"launch_date": repo.FormatTime(*launchDate),
		"notes":       notes,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// SignOff closes a generated edition: it is signed off, archived and dropped from automation.
func (e *Engine) SignOff(ctx context.Context, actor domain.Actor, editionID, comments string) (domain.Edition, error) {
	if err := e.require(actor, auth.EditionSignOff); err != nil {
		return domain.Edition{}, err
	}
	ed, err := e.signOff(ctx, actor, editionID, comments)
	if err != nil {
		return domain.Edition{}, err
	}
	if err := e.Automation.Stop(ctx, editionID, actor); err != nil && !errors.Is(err, repo.ErrNotFound) {
		e.Logger.Error("stop automation after sign-off", slog.String("edition_id", editionID), slog.Any("err", err))
	}
	var managers []string
	for _, dept := range e.Workflow.Departments() {
		managers = append(managers, e.Config().ManagerRoles(dept)...)
	}
	if _, err := e.Notifier.Notify(ctx, notify.Roles(managers...), notify.Payload{
		Type:      domain.NotifyEditionSignedOff,
		Title:     "Edition signed off",
		Message:   fmt.Sprintf("%s was signed off by %s and archived", ed.Name, actor.ID),
		Priority:  domain.PriorityLow,
		EditionID: ed.ID,
		BrandID:   ed.BrandID,
	}); err != nil {
		e.Logger.Error("sign-off notification", slog.String("edition_id", editionID), slog.Any("err", err))
	}
	return ed, nil
}

func (e *Engine) signOff(ctx context.Context, actor domain.Actor, editionID, comments string) (domain.Edition, error) {
	key := "edition:" + editionID
	e.Locks.Lock(key)
	defer e.Locks.Unlock(key)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Edition{}, err
	}
	defer tx.Rollback()
	ed, err := e.Repo.GetEditionTx(ctx, tx, editionID)
	if err != nil {
		return domain.Edition{}, err
	}
	if ed.Status != domain.EditionPrintGenerated {
		return domain.Edition{}, domain.InvalidTransitionError{Department: "edition", From: ed.Status, To: domain.EditionSignedOff}
	}
	now := e.now()
	ed.SignOff = domain.SignOff{SignedBy: actor.ID, SignedAt: &now, Comments: comments, ArchivedAt: &now}
	ed.Status = domain.EditionArchived
	ed.UpdatedAt = now
	if err := e.Repo.UpdateEdition(ctx, tx, ed); err != nil {
		return domain.Edition{}, err
	}
	if _, err := e.Scheduler.CancelEditionTx(ctx, tx, ed.ID); err != nil {
		return domain.Edition{}, fmt.Errorf("cancel pending actions: %w", err)
	}
	if err := e.Events.Append(ctx, tx, events.EditionSignedOff, ed.ID, "edition", ed.ID, actor.ID, events.EventPayload{
		"comments": comments,
		"from":     domain.EditionPrintGenerated,
		"to":       domain.EditionSignedOff,
	}); err != nil {
		return domain.Edition{}, err
	}
	if err := e.Events.Append(ctx, tx, events.EditionArchived, ed.ID, "edition", ed.ID, actor.ID, events.EventPayload{
		"from": domain.EditionSignedOff,
		"to":   domain.EditionArchived,
	}); err != nil {
		return domain.Edition{}, err
	}
	return ed, tx.Commit()
}

func (e *Engine) TrackEdition(ctx context.Context, actor domain.Actor, editionID string) (domain.AutomationContext, error) {
	if err := e.require(actor, auth.AutomationManage); err != nil {
		return domain.AutomationContext{}, err
	}
	return e.Automation.Track(ctx, editionID, actor)
}

func (e *Engine) PauseAutomation(ctx context.Context, actor domain.Actor, editionID string) (domain.AutomationContext, error) {
	if err := e.require(actor, auth.AutomationManage); err != nil {
		return domain.AutomationContext{}, err
	}
	return e.Automation.Pause(ctx, editionID, actor)
}

func (e *Engine) ResumeAutomation(ctx context.Context, actor domain.Actor, editionID string) (domain.AutomationContext, error) {
	if err := e.require(actor, auth.AutomationManage); err != nil {
		return domain.AutomationContext{}, err
	}
	return e.Automation.Resume(ctx, editionID, actor)
}

func (e *Engine) StopAutomation(ctx context.Context, actor domain.Actor, editionID string) error {
	if err := e.require(actor, auth.AutomationManage); err != nil {
		return err
	}
	return e.Automation.Stop(ctx, editionID, actor)
}

func (e *Engine) OverrideSchedule(ctx context.Context, actor domain.Actor, id string, fireAt time.Time) (domain.ScheduledAction, error) {
	if err := e.require(actor, auth.ScheduleOverride); err != nil {
		return domain.ScheduledAction{}, err
	}
	return e.Automation.OverrideSchedule(ctx, id, fireAt, actor)
}

func (e *Engine) AutomationStatus(ctx context.Context, editionID string) (automation.Status, error) {
	return e.Automation.Status(ctx, editionID)
}

func (e *Engine) AutomationHistory(ctx context.Context, editionID string) ([]domain.Event, error) {
	return e.Automation.History(ctx, editionID)
}

func (e *Engine) PendingSchedules(ctx context.Context) ([]domain.ScheduledAction, error) {
	return e.Scheduler.ListPending(ctx)
}

func (e *Engine) RequestPrintApproval(ctx context.Context, actor domain.Actor, editionID, comments string) (domain.Edition, error) {
	if err := e.require(actor, auth.ApprovalRequest); err != nil {
		return domain.Edition{}, err
	}
	return e.Gate.RequestApproval(ctx, editionID, actor, comments)
}

// ApprovePrint records a department's print approval; only that department's manager may give it.
func (e *Engine) ApprovePrint(ctx context.Context, actor domain.Actor, editionID, department string) (domain.Edition, error) {
	if !auth.IsSystem(actor) {
		if err := auth.RequireApprover(e.Config(), department, actor.Role); err != nil {
			return domain.Edition{}, err
		}
	}
	return e.Gate.Approve(ctx, editionID, department, actor)
}

func (e *Engine) SweepDeadlines(ctx context.Context, actor domain.Actor) (deadline.Summary, error) {
	if err := e.require(actor, auth.DeadlinesSweep); err != nil {
		return deadline.Summary{}, err
	}
	return e.Deadlines.RunAll(ctx)
}

func (e *Engine) Notifications(ctx context.Context, actor domain.Actor, unreadOnly bool, limit int) ([]domain.Notification, error) {
	return e.Notifier.ListForUser(ctx, actor.ID, unreadOnly, limit)
}

func (e *Engine) MarkNotificationRead(ctx context.Context, actor domain.Actor, id string) error {
	return e.Notifier.MarkRead(ctx, id, actor.ID)
}

// EventsAfter returns events past the cursor, oldest first.
func (e *Engine) EventsAfter(ctx context.Context, after int64, limit int) ([]domain.Event, error) {
	return e.Repo.ListEvents(ctx, repo.EventFilters{After: after, Limit: limit})
}
