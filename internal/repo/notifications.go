package repo

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"pressline/internal/domain"
)

const notificationColumns = `id,recipient_id,type,title,message,priority,task_id,edition_id,brand_id,read,created_at,expires_at`

func scanNotification(s rowScanner) (domain.Notification, error) {
	var n domain.Notification
	var taskID, editionID, brandID sql.NullString
	var read int
	var createdAt, expiresAt string
	err := s.Scan(&n.ID, &n.RecipientID, &n.Type, &n.Title, &n.Message, &n.Priority, &taskID, &editionID, &brandID, &read, &createdAt, &expiresAt)
	if err == sql.ErrNoRows {
		return n, ErrNotFound
	}
	if err != nil {
		return n, err
	}
	n.TaskID = taskID.String
	n.EditionID = editionID.String
	n.BrandID = brandID.String
	n.Read = read == 1
	if n.CreatedAt, err = ParseTime(createdAt); err != nil {
		return n, err
	}
	if n.ExpiresAt, err = ParseTime(expiresAt); err != nil {
		return n, err
	}
	return n, nil
}

func (r Repo) InsertNotification(ctx context.Context, tx *sql.Tx, n domain.Notification) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO notifications(`+notificationColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		n.ID, n.RecipientID, n.Type, n.Title, n.Message, n.Priority, nullable(n.TaskID), nullable(n.EditionID), nullable(n.BrandID),
		boolInt(n.Read), FormatTime(n.CreatedAt), FormatTime(n.ExpiresAt))
	return err
}

type NotificationFilters struct {
	RecipientID string
	TaskID      string
	Type        string
	UnreadOnly  bool
	Limit       int
}

func (r Repo) ListNotifications(ctx context.Context, f NotificationFilters) ([]domain.Notification, error) {
	var clauses []string
	var args []any
	if f.RecipientID != "" {
		clauses = append(clauses, "recipient_id=?")
		args = append(args, f.RecipientID)
	}
	if f.TaskID != "" {
		clauses = append(clauses, "task_id=?")
		args = append(args, f.TaskID)
	}
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.UnreadOnly {
		clauses = append(clauses, "read=0")
	}
	query := `SELECT ` + notificationColumns + ` FROM notifications`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, n)
	}
	return res, rows.Err()
}

// MarkNotificationRead flips the read flag of a recipient's notification.
func (r Repo) MarkNotificationRead(ctx context.Context, id, recipientID string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE notifications SET read=1 WHERE id=? AND recipient_id=?`, id, recipientID)
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

// DeleteExpiredNotifications removes notifications whose expiry is before now.
func (r Repo) DeleteExpiredNotifications(ctx context.Context, now time.Time) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM notifications WHERE expires_at<?`, FormatTime(now))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
