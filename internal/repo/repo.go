package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"pressline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

// timeLayout is fixed width so stored timestamps compare correctly as text.
const timeLayout = "2006-01-02T15:04:05.000000Z"

// FormatTime renders t in the storage layout (UTC, microseconds).
func FormatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// ParseTime parses a stored timestamp.
func ParseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return FormatTime(*t)
}

func timePtr(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := ParseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func affectedOne(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

const taskColumns = `id,edition_id,brand_id,department,title,description,status,assignee_id,created_by,deadline,priority,automated,history_json,started_at,completed_at,next_step_scheduled_for,next_step_created,created_at,updated_at`

func scanTask(s rowScanner) (domain.Task, error) {
	var t domain.Task
	var brandID, description, assigneeID, deadline, startedAt, completedAt, nextStepAt sql.NullString
	var historyJSON, createdAt, updatedAt string
	var automated, nextStepCreated int
	err := s.Scan(&t.ID, &t.EditionID, &brandID, &t.Department, &t.Title, &description, &t.Status, &assigneeID, &t.CreatedBy,
		&deadline, &t.Priority, &automated, &historyJSON, &startedAt, &completedAt, &nextStepAt, &nextStepCreated, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	t.BrandID = brandID.String
	t.Description = description.String
	if assigneeID.Valid {
		t.AssigneeID = &assigneeID.String
	}
	t.Automated = automated == 1
	t.NextStepCreated = nextStepCreated == 1
	if err := json.Unmarshal([]byte(historyJSON), &t.History); err != nil {
		return t, fmt.Errorf("decode history for task %s: %w", t.ID, err)
	}
	if t.Deadline, err = timePtr(deadline); err != nil {
		return t, err
	}
	if t.StartedAt, err = timePtr(startedAt); err != nil {
		return t, err
	}
	if t.CompletedAt, err = timePtr(completedAt); err != nil {
		return t, err
	}
	if t.NextStepScheduledFor, err = timePtr(nextStepAt); err != nil {
		return t, err
	}
	if t.CreatedAt, err = ParseTime(createdAt); err != nil {
		return t, err
	}
	if t.UpdatedAt, err = ParseTime(updatedAt); err != nil {
		return t, err
	}
	return t, nil
}

func marshalHistory(h []domain.HistoryEntry) (string, error) {
	if h == nil {
		h = []domain.HistoryEntry{}
	}
	data, err := json.Marshal(h)
	if err != nil {
		return "", fmt.Errorf("encode history: %w", err)
	}
	return string(data), nil
}

func (r Repo) InsertTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	history, err := marshalHistory(t.History)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO tasks(`+taskColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.EditionID, nullable(t.BrandID), t.Department, t.Title, nullable(t.Description), t.Status, nullableStringPtr(t.AssigneeID),
		t.CreatedBy, nullableTime(t.Deadline), t.Priority, boolInt(t.Automated), history, nullableTime(t.StartedAt),
		nullableTime(t.CompletedAt), nullableTime(t.NextStepScheduledFor), boolInt(t.NextStepCreated), FormatTime(t.CreatedAt), FormatTime(t.UpdatedAt))
	return err
}

// UpdateTask writes the mutable columns of t. The next-step markers are left to ClaimNextStep.
func (r Repo) UpdateTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	history, err := marshalHistory(t.History)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET title=?, description=?, status=?, assignee_id=?, deadline=?, priority=?, history_json=?, started_at=?, completed_at=?, updated_at=? WHERE id=?`,
		t.Title, nullable(t.Description), t.Status, nullableStringPtr(t.AssigneeID), nullableTime(t.Deadline), t.Priority, history,
		nullableTime(t.StartedAt), nullableTime(t.CompletedAt), FormatTime(t.UpdatedAt), t.ID)
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

func (r Repo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	return getTask(ctx, r.DB, id)
}

func (r Repo) GetTaskTx(ctx context.Context, tx *sql.Tx, id string) (domain.Task, error) {
	return getTask(ctx, tx, id)
}

func getTask(ctx context.Context, q querier, id string) (domain.Task, error) {
	return scanTask(q.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id))
}

// ClaimNextStep flips the next-step marker on a task. It reports false when the
// marker was already set, which is how chain advancement stays idempotent.
func (r Repo) ClaimNextStep(ctx context.Context, tx *sql.Tx, taskID string, scheduledFor time.Time, now time.Time) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET next_step_created=1, next_step_scheduled_for=?, updated_at=? WHERE id=? AND next_step_created=0`,
		FormatTime(scheduledFor), FormatTime(now), taskID)
	if err != nil {
		return false, err
	}
	return affectedOne(res)
}

func (r Repo) SetNextStepScheduledFor(ctx context.Context, tx *sql.Tx, taskID string, at time.Time) error {
	_, err := tx.ExecContext(ctx, `UPDATE tasks SET next_step_scheduled_for=? WHERE id=?`, FormatTime(at), taskID)
	return err
}

type TaskFilters struct {
	EditionID       string
	Department      string
	Status          string
	AssigneeID      string
	Title           string
	Automated       *bool
	DeadlineFrom    *time.Time
	DeadlineBefore  *time.Time
	DeadlineUntil   *time.Time
	ExcludeStatuses []string
	Limit           int
}

func (f TaskFilters) where() (string, []any) {
	var clauses []string
	var args []any
	if f.EditionID != "" {
		clauses = append(clauses, "edition_id=?")
		args = append(args, f.EditionID)
	}
	if f.Department != "" {
		clauses = append(clauses, "department=?")
		args = append(args, f.Department)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.AssigneeID != "" {
		clauses = append(clauses, "assignee_id=?")
		args = append(args, f.AssigneeID)
	}
	if f.Title != "" {
		clauses = append(clauses, "title=?")
		args = append(args, f.Title)
	}
	if f.Automated != nil {
		clauses = append(clauses, "automated=?")
		args = append(args, boolInt(*f.Automated))
	}
	if f.DeadlineFrom != nil || f.DeadlineBefore != nil || f.DeadlineUntil != nil {
		clauses = append(clauses, "deadline IS NOT NULL")
	}
	if f.DeadlineFrom != nil {
		clauses = append(clauses, "deadline>=?")
		args = append(args, FormatTime(*f.DeadlineFrom))
	}
	if f.DeadlineBefore != nil {
		clauses = append(clauses, "deadline<?")
		args = append(args, FormatTime(*f.DeadlineBefore))
	}
	if f.DeadlineUntil != nil {
		clauses = append(clauses, "deadline<=?")
		args = append(args, FormatTime(*f.DeadlineUntil))
	}
	if len(f.ExcludeStatuses) > 0 {
		clauses = append(clauses, "status NOT IN ("+placeholders(len(f.ExcludeStatuses))+")")
		for _, s := range f.ExcludeStatuses {
			args = append(args, s)
		}
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return "WHERE " + strings.Join(clauses, " AND "), args
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func (r Repo) ListTasks(ctx context.Context, f TaskFilters) ([]domain.Task, error) {
	return listTasks(ctx, r.DB, f)
}

func (r Repo) ListTasksTx(ctx context.Context, tx *sql.Tx, f TaskFilters) ([]domain.Task, error) {
	return listTasks(ctx, tx, f)
}

func listTasks(ctx context.Context, q querier, f TaskFilters) ([]domain.Task, error) {
	where, args := f.where()
	query := `SELECT ` + taskColumns + ` FROM tasks ` + where + ` ORDER BY created_at ASC, id ASC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// CountTasksByStatus groups an edition's tasks by status.
func (r Repo) CountTasksByStatus(ctx context.Context, editionID string) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks WHERE edition_id=? GROUP BY status`, editionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		res[status] = n
	}
	return res, rows.Err()
}
