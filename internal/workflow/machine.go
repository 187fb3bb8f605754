// Package workflow validates and applies task status changes against the
// per-department transition tables loaded from config.
package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"pressline/internal/clock"
	"pressline/internal/config"
	"pressline/internal/domain"
	"pressline/internal/events"
	"pressline/internal/lock"
	"pressline/internal/notify"
	"pressline/internal/repo"
)

type Notifier interface {
	Notify(ctx context.Context, target notify.Target, p notify.Payload) ([]domain.Notification, error)
}

// Listener observes committed transitions.
type Listener func(ctx context.Context, task domain.Task, from string)

type Machine struct {
	Repo     repo.Repo
	Events   events.Writer
	Notifier Notifier
	Clock    clock.Clock
	Locks    *lock.MutexMap
	Logger   *slog.Logger

	hooks  map[string]Hook
	tables atomic.Pointer[map[string]*Table]

	mu        sync.RWMutex
	listeners []Listener
}

func New(r repo.Repo, ev events.Writer, n Notifier, clk clock.Clock, locks *lock.MutexMap, logger *slog.Logger, cfg *config.Config) (*Machine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Machine{Repo: r, Events: ev, Notifier: n, Clock: clk, Locks: locks, Logger: logger, hooks: defaultHooks()}
	if err := m.Reload(cfg); err != nil {
		return nil, err
	}
	return m, nil
}

// Reload swaps in the department tables of cfg.
func (m *Machine) Reload(cfg *config.Config) error {
	tables, err := buildTables(cfg, m.hooks)
	if err != nil {
		return err
	}
	m.tables.Store(&tables)
	return nil
}

func (m *Machine) OnTransition(l Listener) {
	m.mu.Lock()
	m.listeners = append(m.listeners, l)
	m.mu.Unlock()
}

func (m *Machine) Table(department string) (*Table, bool) {
	t, ok := (*m.tables.Load())[department]
	return t, ok
}

func (m *Machine) Departments() []string {
	var out []string
	for name := range *m.tables.Load() {
		out = append(out, name)
	}
	slices.Sort(out)
	return out
}

// TerminalStatuses returns the terminal statuses of every department.
func (m *Machine) TerminalStatuses() map[string][]string {
	out := map[string][]string{}
	for name, t := range *m.tables.Load() {
		out[name] = t.Terminal()
	}
	return out
}

func (m *Machine) table(department string) (*Table, error) {
	t, ok := m.Table(department)
	if !ok {
		return nil, domain.ValidationError{Field: "department", Message: fmt.Sprintf("unknown department %q", department)}
	}
	return t, nil
}

// Validate checks whether role may move task to status to. It reports whether
// the move is a reopen out of a terminal status.
func (m *Machine) Validate(task domain.Task, to, role string) (bool, error) {
	t, err := m.table(task.Department)
	if err != nil {
		return false, err
	}
	cur, ok := t.Step(task.Status)
	if !ok {
		return false, domain.InvalidTransitionError{Department: task.Department, From: task.Status, To: to}
	}
	if cur.Terminal && t.Reopen != nil && to == t.Reopen.To {
		if !slices.Contains(t.Reopen.Roles, role) {
			return false, domain.UnauthorizedError{Role: role, Status: to, Required: t.Reopen.Roles}
		}
		return true, nil
	}
	if !slices.Contains(cur.Next, to) {
		return false, domain.InvalidTransitionError{Department: task.Department, From: task.Status, To: to}
	}
	dest, _ := t.Step(to)
	if !slices.Contains(dest.Roles, role) {
		return false, domain.UnauthorizedError{Role: role, Status: to, Required: dest.Roles}
	}
	return false, nil
}

// Apply validates and performs the transition on a copy of task, appending one
// history entry and running the destination's on-enter hook. Nothing is persisted.
func (m *Machine) Apply(task domain.Task, to string, actor domain.Actor, comment string, now time.Time) (domain.Task, []Effect, error) {
	reopen, err := m.Validate(task, to, actor.Role)
	if err != nil {
		return task, nil, err
	}
	t, _ := m.table(task.Department)
	from := task.Status
	task.History = append(slices.Clone(task.History), domain.HistoryEntry{
		Action:    domain.HistoryStatusChanged,
		ActorID:   actor.ID,
		ActorRole: actor.Role,
		From:      from,
		To:        to,
		Comment:   comment,
		Timestamp: now,
	})
	task.Status = to
	task.UpdatedAt = now

	var effects []Effect
	if reopen {
		task.History[len(task.History)-1].Action = domain.HistoryReopened
		task.CompletedAt = nil
		effects = append(effects, Effect{
			Target: notify.Users(assignee(&task), task.CreatedBy),
			Payload: notify.Payload{
				Type: domain.NotifyTaskReopened, Title: "Task reopened", Priority: domain.PriorityMedium,
				Message: fmt.Sprintf("%q was reopened by %s", task.Title, actor.ID),
				TaskID:  task.ID, EditionID: task.EditionID, BrandID: task.BrandID,
			},
		})
	}
	dest, _ := t.Step(to)
	if hook := m.hooks[dest.Hook]; hook != nil {
		effects = append(effects, hook(HookContext{Task: &task, From: from, Actor: actor, Comment: comment, Now: now, Table: t})...)
	}
	return task, effects, nil
}

// ApplyTransition moves a stored task to status to on behalf of actor.
// Transitions on the same task are serialized; errors leave the task untouched.
func (m *Machine) ApplyTransition(ctx context.Context, taskID, to string, actor domain.Actor, comment string) (domain.Task, error) {
	updated, from, effects, err := m.commitTransition(ctx, taskID, to, actor, comment)
	if err != nil {
		return domain.Task{}, err
	}
	m.Dispatch(ctx, effects)
	m.mu.RLock()
	listeners := slices.Clone(m.listeners)
	m.mu.RUnlock()
	for _, l := range listeners {
		l(ctx, updated, from)
	}
	return updated, nil
}

func (m *Machine) commitTransition(ctx context.Context, taskID, to string, actor domain.Actor, comment string) (domain.Task, string, []Effect, error) {
	key := "task:" + taskID
	m.Locks.Lock(key)
	defer m.Locks.Unlock(key)

	tx, err := m.Repo.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, "", nil, err
	}
	defer tx.Rollback()

	task, err := m.Repo.GetTaskTx(ctx, tx, taskID)
	if err != nil {
		return domain.Task{}, "", nil, err
	}
	updated, effects, err := m.Apply(task, to, actor, comment, m.Clock.Now())
	if err != nil {
		return domain.Task{}, "", nil, err
	}
	if err := m.Repo.UpdateTask(ctx, tx, updated); err != nil {
		return domain.Task{}, "", nil, fmt.Errorf("update task: %w", err)
	}
	if err := m.Events.Append(ctx, tx, events.TaskTransitioned, updated.EditionID, "task", updated.ID, actor.ID, events.EventPayload{
		"from":    task.Status,
		"to":      updated.Status,
		"role":    actor.Role,
		"comment": comment,
	}); err != nil {
		return domain.Task{}, "", nil, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, "", nil, err
	}
	return updated, task.Status, effects, nil
}

// Dispatch sends hook notifications. Failures are logged; the transition already committed.
func (m *Machine) Dispatch(ctx context.Context, effects []Effect) {
	if m.Notifier == nil {
		return
	}
	for _, e := range effects {
		if _, err := m.Notifier.Notify(ctx, e.Target, e.Payload); err != nil {
			m.Logger.Error("transition notification", slog.String("type", e.Payload.Type), slog.String("task_id", e.Payload.TaskID), slog.Any("err", err))
		}
	}
}

// TaskSpec describes a task about to be created.
type TaskSpec struct {
	EditionID   string
	BrandID     string
	Department  string
	Title       string
	Description string
	AssigneeID  string
	CreatedBy   string
	Deadline    *time.Time
	Priority    string
	Automated   bool
}

// NewTask builds a task in its department's initial status. History starts empty;
// creation is recorded in the event log.
func (m *Machine) NewTask(spec TaskSpec, now time.Time) (domain.Task, error) {
	t, err := m.table(spec.Department)
	if err != nil {
		return domain.Task{}, err
	}
	if spec.Title == "" {
		return domain.Task{}, domain.ValidationError{Field: "title", Message: "is required"}
	}
	if spec.EditionID == "" {
		return domain.Task{}, domain.ValidationError{Field: "edition_id", Message: "is required"}
	}
	if spec.Priority == "" {
		spec.Priority = "medium"
	}
	if spec.CreatedBy == "" {
		spec.CreatedBy = domain.SystemActor.ID
	}
	task := domain.Task{
		ID:          uuid.NewString(),
		EditionID:   spec.EditionID,
		BrandID:     spec.BrandID,
		Department:  spec.Department,
		Title:       spec.Title,
		Description: spec.Description,
		Status:      t.Initial(),
		CreatedBy:   spec.CreatedBy,
		Deadline:    spec.Deadline,
		Priority:    spec.Priority,
		Automated:   spec.Automated,
		History:     []domain.HistoryEntry{},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if spec.AssigneeID != "" {
		task.AssigneeID = &spec.AssigneeID
	}
	return task, nil
}
