// Package scheduler defers actions to a wall-clock time using a durable table.
// Actions fire at most once: a poll claims a row before running its handler and
// a failed handler is recorded, not retried.
package scheduler

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"pressline/internal/clock"
	"pressline/internal/domain"
	"pressline/internal/repo"
)

// HandlerFunc executes a fired action.
type HandlerFunc func(ctx context.Context, a domain.ScheduledAction) error

type Action struct {
	Kind      string
	TaskID    string
	EditionID string
	Payload   map[string]any
}

type Scheduler struct {
	Repo      repo.Repo
	Clock     clock.Clock
	Logger    *slog.Logger
	BatchSize int

	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

func New(r repo.Repo, clk clock.Clock, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		Repo:      r,
		Clock:     clk,
		Logger:    logger,
		BatchSize: 50,
		handlers:  map[string]HandlerFunc{},
	}
}

// Register installs the handler for an action kind, replacing any previous one.
func (s *Scheduler) Register(kind string, h HandlerFunc) {
	s.mu.Lock()
	s.handlers[kind] = h
	s.mu.Unlock()
}

func (s *Scheduler) handler(kind string) (HandlerFunc, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.handlers[kind]
	return h, ok
}

func (s *Scheduler) newAction(fireAt time.Time, a Action) (domain.ScheduledAction, error) {
	if _, ok := s.handler(a.Kind); !ok {
		return domain.ScheduledAction{}, domain.ValidationError{Field: "kind", Message: fmt.Sprintf("no handler for action kind %q", a.Kind)}
	}
	return domain.ScheduledAction{
		ID:        uuid.NewString(),
		Kind:      a.Kind,
		TaskID:    a.TaskID,
		EditionID: a.EditionID,
		Payload:   a.Payload,
		FireAt:    fireAt,
		Status:    domain.ActionPending,
		CreatedAt: s.Clock.Now(),
	}, nil
}

// Schedule holds a until fireAt. When fireAt is not in the future the handler runs
// right away, nothing is stored and the handler's error is returned.
func (s *Scheduler) Schedule(ctx context.Context, fireAt time.Time, a Action) (string, error) {
	sa, err := s.newAction(fireAt, a)
	if err != nil {
		return "", err
	}
	if !fireAt.After(sa.CreatedAt) {
		sa.Status = domain.ActionFired
		sa.FiredAt = &sa.CreatedAt
		s.Logger.Info("scheduled action past due, running now",
			slog.String("action_id", sa.ID), slog.String("kind", sa.Kind), slog.Time("fire_at", fireAt))
		h, _ := s.handler(sa.Kind)
		return sa.ID, h(ctx, sa)
	}
	tx, err := s.Repo.DB.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()
	if err := s.Repo.InsertScheduledAction(ctx, tx, sa); err != nil {
		return "", fmt.Errorf("store scheduled action: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	return sa.ID, nil
}

// ScheduleTx stores a pending action inside the caller's transaction so it commits
// together with the caller's own writes. Past-due rows fire on the next Tick.
func (s *Scheduler) ScheduleTx(ctx context.Context, tx *sql.Tx, fireAt time.Time, a Action) (domain.ScheduledAction, error) {
	sa, err := s.newAction(fireAt, a)
	if err != nil {
		return sa, err
	}
	if err := s.Repo.InsertScheduledAction(ctx, tx, sa); err != nil {
		return sa, fmt.Errorf("store scheduled action: %w", err)
	}
	return sa, nil
}

// Cancel prevents a pending action from firing. It reports false when the action
// already fired, was cancelled or never existed.
func (s *Scheduler) Cancel(ctx context.Context, id string) (bool, error) {
	tx, err := s.Repo.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()
	ok, err := s.Repo.CancelScheduledAction(ctx, tx, id)
	if err != nil || !ok {
		return false, err
	}
	return true, tx.Commit()
}

func (s *Scheduler) CancelTx(ctx context.Context, tx *sql.Tx, id string) (bool, error) {
	return s.Repo.CancelScheduledAction(ctx, tx, id)
}

// CancelEditionTx cancels the pending actions of an edition inside tx.
func (s *Scheduler) CancelEditionTx(ctx context.Context, tx *sql.Tx, editionID string) (int64, error) {
	return s.Repo.CancelEditionActions(ctx, tx, editionID)
}

func (s *Scheduler) ListPending(ctx context.Context) ([]domain.ScheduledAction, error) {
	return s.Repo.ListScheduledActions(ctx, repo.ActionFilters{Status: domain.ActionPending})
}

// PendingForTask returns the earliest pending action bound to taskID.
func (s *Scheduler) PendingForTask(ctx context.Context, taskID string) (domain.ScheduledAction, error) {
	actions, err := s.Repo.ListScheduledActions(ctx, repo.ActionFilters{Status: domain.ActionPending, TaskID: taskID, Limit: 1})
	if err != nil {
		return domain.ScheduledAction{}, err
	}
	if len(actions) == 0 {
		return domain.ScheduledAction{}, repo.ErrNotFound
	}
	return actions[0], nil
}

// Tick fires every pending action whose time has come and returns how many ran.
func (s *Scheduler) Tick(ctx context.Context) (int, error) {
	now := s.Clock.Now()
	due, err := s.Repo.ListScheduledActions(ctx, repo.ActionFilters{Status: domain.ActionPending, DueBy: &now, Limit: s.BatchSize})
	if err != nil {
		return 0, fmt.Errorf("list due actions: %w", err)
	}
	fired := 0
	for _, a := range due {
		if ctx.Err() != nil {
			return fired, ctx.Err()
		}
		claimed, err := s.Repo.ClaimScheduledAction(ctx, a.ID, now)
		if err != nil {
			return fired, fmt.Errorf("claim action %s: %w", a.ID, err)
		}
		if !claimed {
			continue
		}
		a.Status = domain.ActionFired
		a.FiredAt = &now
		s.execute(ctx, a)
		fired++
	}
	return fired, nil
}

func (s *Scheduler) execute(ctx context.Context, a domain.ScheduledAction) {
	log := s.Logger.With(slog.String("action_id", a.ID), slog.String("kind", a.Kind),
		slog.String("task_id", a.TaskID), slog.String("edition_id", a.EditionID))
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("handler panic: %v", r)
			}
		}()
		h, ok := s.handler(a.Kind)
		if !ok {
			return fmt.Errorf("no handler for action kind %q", a.Kind)
		}
		return h(ctx, a)
	}()
	if err == nil {
		log.Debug("scheduled action fired")
		return
	}
	log.Error("scheduled action failed; not retried", slog.Any("err", err))
	if ferr := s.Repo.FailScheduledAction(ctx, a.ID, err.Error()); ferr != nil {
		log.Error("record action failure", slog.Any("err", ferr))
	}
}
