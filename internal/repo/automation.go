package repo

import (
	"context"
	"database/sql"
	"time"

	"pressline/internal/domain"
)

func scanAutomationContext(s rowScanner) (domain.AutomationContext, error) {
	var c domain.AutomationContext
	var startedAt, updatedAt string
	err := s.Scan(&c.EditionID, &c.Status, &c.StartedBy, &startedAt, &updatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	if c.StartedAt, err = ParseTime(startedAt); err != nil {
		return c, err
	}
	c.UpdatedAt, err = ParseTime(updatedAt)
	return c, err
}

// InsertAutomationContext stores a context unless one already exists; false means it existed.
func (r Repo) InsertAutomationContext(ctx context.Context, tx *sql.Tx, c domain.AutomationContext) (bool, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO automation_contexts(edition_id,status,started_by,started_at,updated_at) VALUES (?,?,?,?,?)
ON CONFLICT(edition_id) DO NOTHING`,
		c.EditionID, c.Status, c.StartedBy, FormatTime(c.StartedAt), FormatTime(c.UpdatedAt))
	if err != nil {
		return false, err
	}
	return affectedOne(res)
}

func (r Repo) GetAutomationContext(ctx context.Context, editionID string) (domain.AutomationContext, error) {
	return scanAutomationContext(r.DB.QueryRowContext(ctx, `SELECT edition_id,status,started_by,started_at,updated_at FROM automation_contexts WHERE edition_id=?`, editionID))
}

func (r Repo) ListAutomationContexts(ctx context.Context) ([]domain.AutomationContext, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT edition_id,status,started_by,started_at,updated_at FROM automation_contexts ORDER BY started_at ASC, edition_id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AutomationContext
	for rows.Next() {
		c, err := scanAutomationContext(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

func (r Repo) UpdateAutomationStatus(ctx context.Context, tx *sql.Tx, editionID, status string, now time.Time) error {
	res, err := tx.ExecContext(ctx, `UPDATE automation_contexts SET status=?, updated_at=? WHERE edition_id=?`, status, FormatTime(now), editionID)
	if err != nil {
		return err
	}
	if ok, err := affectedOne(res); err != nil {
		return err
	} else if !ok {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeleteAutomationContext(ctx context.Context, tx *sql.Tx, editionID string) (bool, error) {
	res, err := tx.ExecContext(ctx, `DELETE FROM automation_contexts WHERE edition_id=?`, editionID)
	if err != nil {
		return false, err
	}
	return affectedOne(res)
}
