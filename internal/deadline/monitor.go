// Package deadline sweeps open tasks for approaching, missed and overdue
// deadlines. Sweeps only notify; they never change a task and keep no memory of
// earlier runs, so every run notifies again.
package deadline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"pressline/internal/clock"
	"pressline/internal/config"
	"pressline/internal/domain"
	"pressline/internal/notify"
	"pressline/internal/repo"
	"pressline/internal/workflow"
)

// Workflows reports the terminal statuses of each department.
type Workflows interface {
	TerminalStatuses() map[string][]string
}

type Policy struct {
	Approaching     time.Duration
	OverdueGrace    time.Duration
	EscalationRoles []string
	Managers        map[string][]string
}

func PolicyFromConfig(cfg *config.Config) Policy {
	approaching := cfg.Deadlines.ApproachingDays
	if approaching <= 0 {
		approaching = 3
	}
	grace := cfg.Deadlines.OverdueGraceDays
	if grace <= 0 {
		grace = 2
	}
	escalation := cfg.Deadlines.EscalationRoles
	if len(escalation) == 0 {
		escalation = []string{domain.RoleAdmin}
	}
	managers := map[string][]string{}
	for name := range cfg.Departments {
		managers[name] = cfg.ManagerRoles(name)
	}
	return Policy{
		Approaching:     time.Duration(approaching) * 24 * time.Hour,
		OverdueGrace:    time.Duration(grace) * 24 * time.Hour,
		EscalationRoles: escalation,
		Managers:        managers,
	}
}

type Monitor struct {
	Repo      repo.Repo
	Notifier  workflow.Notifier
	Workflows Workflows
	Clock     clock.Clock
	Logger    *slog.Logger

	policy atomic.Pointer[Policy]
}

func New(r repo.Repo, n workflow.Notifier, wf Workflows, clk clock.Clock, logger *slog.Logger, p Policy) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Monitor{Repo: r, Notifier: n, Workflows: wf, Clock: clk, Logger: logger}
	m.SetPolicy(p)
	return m
}

func (m *Monitor) SetPolicy(p Policy) {
	m.policy.Store(&p)
}

// Summary counts the notifications created by one RunAll.
type Summary struct {
	Approaching int `json:"approaching"`
	Missed      int `json:"missed"`
	Overdue     int `json:"overdue"`
}

func (m *Monitor) managers(department string) []string {
	if roles := m.policy.Load().Managers[department]; len(roles) > 0 {
		return roles
	}
	return []string{strings.ToLower(department) + "_manager"}
}

// openTasks lists tasks matching f whose status is not terminal in their department.
func (m *Monitor) openTasks(ctx context.Context, f repo.TaskFilters) ([]domain.Task, error) {
	tasks, err := m.Repo.ListTasks(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	terminal := m.Workflows.TerminalStatuses()
	open := tasks[:0]
	for _, t := range tasks {
		if !slices.Contains(terminal[t.Department], t.Status) {
			open = append(open, t)
		}
	}
	return open, nil
}

func assignee(t domain.Task) string {
	if t.AssigneeID == nil {
		return ""
	}
	return *t.AssigneeID
}

func (m *Monitor) send(ctx context.Context, target notify.Target, t domain.Task, typ, priority, title, msg string) (int, error) {
	if target.Empty() {
		return 0, nil
	}
	sent, err := m.Notifier.Notify(ctx, target, notify.Payload{
		Type:      typ,
		Title:     title,
		Message:   msg,
		Priority:  priority,
		TaskID:    t.ID,
		EditionID: t.EditionID,
		BrandID:   t.BrandID,
	})
	if err != nil {
		return 0, fmt.Errorf("notify %s for task %s: %w", typ, t.ID, err)
	}
	return len(sent), nil
}

// CheckApproachingDeadlines notifies the assignee and the department manager of
// open tasks due within the approaching window.
func (m *Monitor) CheckApproachingDeadlines(ctx context.Context) (int, error) {
	now := m.Clock.Now()
	until := now.Add(m.policy.Load().Approaching)
	tasks, err := m.openTasks(ctx, repo.TaskFilters{DeadlineFrom: &now, DeadlineUntil: &until})
	if err != nil {
		return 0, err
	}
	total := 0
	for _, t := range tasks {
		msg := fmt.Sprintf("%q is due %s", t.Title, t.Deadline.Format(time.RFC1123))
		target := notify.Target{UserIDs: notify.Users(assignee(t)).UserIDs, Roles: m.managers(t.Department)}
		n, err := m.send(ctx, target, t, domain.NotifyDeadlineApproaching, domain.PriorityMedium, "Deadline approaching", msg)
		if err != nil {
			return total, err
		}
		total += n
	}
	m.Logger.Debug("approaching deadline sweep", slog.Int("tasks", len(tasks)), slog.Int("notifications", total))
	return total, nil
}

// CheckMissedDeadlines notifies the assignee (high) and the department manager
// (critical) of open tasks past their deadline.
func (m *Monitor) CheckMissedDeadlines(ctx context.Context) (int, error) {
	now := m.Clock.Now()
	tasks, err := m.openTasks(ctx, repo.TaskFilters{DeadlineBefore: &now})
	if err != nil {
		return 0, err
	}
	total := 0
	for _, t := range tasks {
		msg := fmt.Sprintf("%q missed its deadline of %s", t.Title, t.Deadline.Format(time.RFC1123))
		n, err := m.send(ctx, notify.Users(assignee(t)), t, domain.NotifyDeadlineMissed, domain.PriorityHigh, "Deadline missed", msg)
		if err != nil {
			return total, err
		}
		total += n
		n, err = m.send(ctx, notify.Roles(m.managers(t.Department)...), t, domain.NotifyDeadlineMissed, domain.PriorityCritical, "Deadline missed", msg)
		if err != nil {
			return total, err
		}
		total += n
	}
	m.Logger.Debug("missed deadline sweep", slog.Int("tasks", len(tasks)), slog.Int("notifications", total))
	return total, nil
}

// CheckOverdueTasks escalates open tasks past the grace period to the department
// manager and the escalation roles.
func (m *Monitor) CheckOverdueTasks(ctx context.Context) (int, error) {
	p := m.policy.Load()
	cutoff := m.Clock.Now().Add(-p.OverdueGrace)
	tasks, err := m.openTasks(ctx, repo.TaskFilters{DeadlineBefore: &cutoff})
	if err != nil {
		return 0, err
	}
	total := 0
	for _, t := range tasks {
		roles := append(slices.Clone(m.managers(t.Department)), p.EscalationRoles...)
		msg := fmt.Sprintf("%q is overdue since %s", t.Title, t.Deadline.Format(time.RFC1123))
		n, err := m.send(ctx, notify.Roles(roles...), t, domain.NotifyTaskOverdue, domain.PriorityCritical, "Task overdue", msg)
		if err != nil {
			return total, err
		}
		total += n
	}
	m.Logger.Debug("overdue sweep", slog.Int("tasks", len(tasks)), slog.Int("notifications", total))
	return total, nil
}

// RunAll runs the three sweeps. A failing sweep does not stop the others.
func (m *Monitor) RunAll(ctx context.Context) (Summary, error) {
	var s Summary
	var errs []error
	var err error
	if s.Approaching, err = m.CheckApproachingDeadlines(ctx); err != nil {
		errs = append(errs, err)
	}
	if s.Missed, err = m.CheckMissedDeadlines(ctx); err != nil {
		errs = append(errs, err)
	}
	if s.Overdue, err = m.CheckOverdueTasks(ctx); err != nil {
		errs = append(errs, err)
	}
	return s, errors.Join(errs...)
}
