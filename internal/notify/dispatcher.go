// Package notify resolves notification targets to users, persists one record per
// recipient and pushes it to the recipient's live channel.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"pressline/internal/clock"
	"pressline/internal/domain"
	"pressline/internal/repo"
)

// Target is a union of explicit users, roles and departments.
type Target struct {
	UserIDs     []string
	Roles       []string
	Departments []string
}

func (t Target) Empty() bool {
	return len(t.UserIDs) == 0 && len(t.Roles) == 0 && len(t.Departments) == 0
}

// Users targets explicit ids, skipping blanks.
func Users(ids ...string) Target {
	var t Target
	for _, id := range ids {
		if id != "" {
			t.UserIDs = append(t.UserIDs, id)
		}
	}
	return t
}

func Roles(roles ...string) Target { return Target{Roles: roles} }

type Payload struct {
	Type      string
	Title     string
	Message   string
	Priority  string
	TaskID    string
	EditionID string
	BrandID   string
}

// DeliveryError reports a push that did not reach a live channel.
type DeliveryError struct {
	UserID string
	Err    error
}

func (e DeliveryError) Error() string {
	return fmt.Sprintf("deliver to %s: %v", e.UserID, e.Err)
}

func (e DeliveryError) Unwrap() error { return e.Err }

// Pusher delivers an event to a user's live channel.
type Pusher interface {
	Push(userID string, evt Event) error
}

// Policy is the reloadable part of the dispatcher configuration.
type Policy struct {
	Retention time.Duration
	// ExtraAudiences maps a notification type to roles that get a secondary push.
	ExtraAudiences map[string][]string
}

type Dispatcher struct {
	Repo   repo.Repo
	Pusher Pusher
	Clock  clock.Clock
	Logger *slog.Logger
	policy atomic.Pointer[Policy]
}

func NewDispatcher(r repo.Repo, p Pusher, clk clock.Clock, logger *slog.Logger, policy Policy) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{Repo: r, Pusher: p, Clock: clk, Logger: logger}
	d.SetPolicy(policy)
	return d
}

func (d *Dispatcher) SetPolicy(p Policy) {
	if p.Retention <= 0 {
		p.Retention = 30 * 24 * time.Hour
	}
	d.policy.Store(&p)
}

// Notify persists one notification per resolved user, then pushes each one.
// Push failures are logged and never returned.
func (d *Dispatcher) Notify(ctx context.Context, target Target, p Payload) ([]domain.Notification, error) {
	if !domain.IsNotificationType(p.Type) {
		return nil, domain.ValidationError{Field: "type", Message: fmt.Sprintf("unknown notification type %q", p.Type)}
	}
	if target.Empty() {
		return nil, nil
	}
	if p.Priority == "" {
		p.Priority = domain.PriorityMedium
	}
	users, err := d.Repo.ListUsers(ctx, repo.UserFilter{IDs: target.UserIDs, Roles: target.Roles, Departments: target.Departments})
	if err != nil {
		return nil, fmt.Errorf("resolve recipients: %w", err)
	}
	if len(users) == 0 {
		return nil, nil
	}
	policy := d.policy.Load()
	now := d.Clock.Now()
	tx, err := d.Repo.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	out := make([]domain.Notification, 0, len(users))
	for _, u := range users {
		n := domain.Notification{
			ID:          uuid.NewString(),
			RecipientID: u.ID,
			Type:        p.Type,
			Title:       p.Title,
			Message:     p.Message,
			Priority:    p.Priority,
			TaskID:      p.TaskID,
			EditionID:   p.EditionID,
			BrandID:     p.BrandID,
			CreatedAt:   now,
			ExpiresAt:   now.Add(policy.Retention),
		}
		if err := d.Repo.InsertNotification(ctx, tx, n); err != nil {
			return nil, fmt.Errorf("persist notification for %s: %w", u.ID, err)
		}
		out = append(out, n)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	for _, n := range out {
		d.push(n.RecipientID, Event{Type: "notification", Payload: n})
	}
	if roles := policy.ExtraAudiences[p.Type]; len(roles) > 0 {
		d.escalate(ctx, roles, p)
	}
	return out, nil
}

func (d *Dispatcher) escalate(ctx context.Context, roles []string, p Payload) {
	users, err := d.Repo.ListUsers(ctx, repo.UserFilter{Roles: roles})
	if err != nil {
		d.Logger.Warn("resolve extra audience", slog.String("type", p.Type), slog.Any("err", err))
		return
	}
	evt := Event{Type: "escalation", Payload: map[string]any{
		"type":       p.Type,
		"title":      p.Title,
		"message":    p.Message,
		"priority":   p.Priority,
		"task_id":    p.TaskID,
		"edition_id": p.EditionID,
	}}
	for _, u := range users {
		d.push(u.ID, evt)
	}
}

func (d *Dispatcher) push(userID string, evt Event) {
	if d.Pusher == nil {
		return
	}
	if err := d.Pusher.Push(userID, evt); err != nil {
		derr := DeliveryError{UserID: userID, Err: err}
		if errors.Is(err, ErrNoChannel) {
			d.Logger.Debug("notification not pushed", slog.String("user_id", userID), slog.String("event", evt.Type), slog.Any("err", derr))
			return
		}
		d.Logger.Warn("notification push failed", slog.String("user_id", userID), slog.String("event", evt.Type), slog.Any("err", derr))
	}
}

// ListForUser returns a user's notifications, newest first.
func (d *Dispatcher) ListForUser(ctx context.Context, userID string, unreadOnly bool, limit int) ([]domain.Notification, error) {
	return d.Repo.ListNotifications(ctx, repo.NotificationFilters{RecipientID: userID, UnreadOnly: unreadOnly, Limit: limit})
}

func (d *Dispatcher) MarkRead(ctx context.Context, id, userID string) error {
	return d.Repo.MarkNotificationRead(ctx, id, userID)
}

// PurgeExpired deletes notifications past their expiry.
func (d *Dispatcher) PurgeExpired(ctx context.Context) (int64, error) {
	return d.Repo.DeleteExpiredNotifications(ctx, d.Clock.Now())
}
