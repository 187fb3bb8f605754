package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"pressline/internal/domain"
)

const actionColumns = `id,kind,task_id,edition_id,payload_json,fire_at,status,error,created_at,fired_at`

func scanAction(s rowScanner) (domain.ScheduledAction, error) {
	var a domain.ScheduledAction
	var taskID, editionID, errText, firedAt sql.NullString
	var payload, fireAt, createdAt string
	err := s.Scan(&a.ID, &a.Kind, &taskID, &editionID, &payload, &fireAt, &a.Status, &errText, &createdAt, &firedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	a.TaskID = taskID.String
	a.EditionID = editionID.String
	a.Error = errText.String
	if payload != "" {
		if err := json.Unmarshal([]byte(payload), &a.Payload); err != nil {
			return a, fmt.Errorf("decode payload for action %s: %w", a.ID, err)
		}
	}
	if a.FireAt, err = ParseTime(fireAt); err != nil {
		return a, err
	}
	if a.CreatedAt, err = ParseTime(createdAt); err != nil {
		return a, err
	}
	if a.FiredAt, err = timePtr(firedAt); err != nil {
		return a, err
	}
	return a, nil
}

func (r Repo) InsertScheduledAction(ctx context.Context, tx *sql.Tx, a domain.ScheduledAction) error {
	payload := a.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO scheduled_actions(`+actionColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		a.ID, a.Kind, nullable(a.TaskID), nullable(a.EditionID), string(data), FormatTime(a.FireAt), a.Status,
		nullable(a.Error), FormatTime(a.CreatedAt), nullableTime(a.FiredAt))
	return err
}

func (r Repo) GetScheduledAction(ctx context.Context, id string) (domain.ScheduledAction, error) {
	return scanAction(r.DB.QueryRowContext(ctx, `SELECT `+actionColumns+` FROM scheduled_actions WHERE id=?`, id))
}

type ActionFilters struct {
	Status    string
	Kind      string
	TaskID    string
	EditionID string
	DueBy     *time.Time
	Limit     int
}

func (r Repo) ListScheduledActions(ctx context.Context, f ActionFilters) ([]domain.ScheduledAction, error) {
	return listActions(ctx, r.DB, f)
}

func (r Repo) ListScheduledActionsTx(ctx context.Context, tx *sql.Tx, f ActionFilters) ([]domain.ScheduledAction, error) {
	return listActions(ctx, tx, f)
}

func listActions(ctx context.Context, q querier, f ActionFilters) ([]domain.ScheduledAction, error) {
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Kind != "" {
		clauses = append(clauses, "kind=?")
		args = append(args, f.Kind)
	}
	if f.TaskID != "" {
		clauses = append(clauses, "task_id=?")
		args = append(args, f.TaskID)
	}
	if f.EditionID != "" {
		clauses = append(clauses, "edition_id=?")
		args = append(args, f.EditionID)
	}
	if f.DueBy != nil {
		clauses = append(clauses, "fire_at<=?")
		args = append(args, FormatTime(*f.DueBy))
	}
	query := `SELECT ` + actionColumns + ` FROM scheduled_actions`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY fire_at ASC, created_at ASC, id ASC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ScheduledAction
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// ClaimScheduledAction moves a pending action to fired. Only one caller can win the claim.
func (r Repo) ClaimScheduledAction(ctx context.Context, id string, firedAt time.Time) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `UPDATE scheduled_actions SET status=?, fired_at=? WHERE id=? AND status=?`,
		domain.ActionFired, FormatTime(firedAt), id, domain.ActionPending)
	if err != nil {
		return false, err
	}
	return affectedOne(res)
}

func (r Repo) FailScheduledAction(ctx context.Context, id, reason string) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE scheduled_actions SET status=?, error=? WHERE id=?`, domain.ActionFailed, reason, id)
	return err
}

func (r Repo) CancelScheduledAction(ctx context.Context, tx *sql.Tx, id string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE scheduled_actions SET status=? WHERE id=? AND status=?`, domain.ActionCancelled, id, domain.ActionPending)
	if err != nil {
		return false, err
	}
	return affectedOne(res)
}

// CancelEditionActions cancels every pending action of an edition and returns how many were cancelled.
func (r Repo) CancelEditionActions(ctx context.Context, tx *sql.Tx, editionID string) (int64, error) {
	res, err := tx.ExecContext(ctx, `UPDATE scheduled_actions SET status=? WHERE edition_id=? AND status=?`, domain.ActionCancelled, editionID, domain.ActionPending)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
