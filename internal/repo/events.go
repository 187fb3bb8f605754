package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"

	"pressline/internal/domain"
)

func scanEvent(s rowScanner) (domain.Event, error) {
	var e domain.Event
	var ts string
	var editionID, entityID sql.NullString
	if err := s.Scan(&e.ID, &ts, &e.Type, &editionID, &e.EntityKind, &entityID, &e.ActorID, &e.PayloadJSON); err != nil {
		return e, err
	}
	e.EditionID = editionID.String
	e.EntityID = entityID.String
	var err error
	if e.Timestamp, err = ParseTime(ts); err != nil {
		return e, err
	}
	if e.PayloadJSON != "" {
		_ = json.Unmarshal([]byte(e.PayloadJSON), &e.Payload)
	}
	return e, nil
}

type EventFilters struct {
	EditionID  string
	Type       string
	EntityKind string
	EntityID   string
	// After returns events with ids greater than the cursor, oldest first.
	After int64
	Limit int
}

func (r Repo) ListEvents(ctx context.Context, f EventFilters) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.EditionID != "" {
		clauses = append(clauses, "edition_id=?")
		args = append(args, f.EditionID)
	}
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.EntityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, f.EntityKind)
	}
	if f.EntityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, f.EntityID)
	}
	if f.After > 0 {
		clauses = append(clauses, "id>?")
		args = append(args, f.After)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id,ts,type,edition_id,entity_kind,entity_id,actor_id,payload_json FROM events WHERE ` +
		strings.Join(clauses, " AND ") + ` ORDER BY id ASC LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestEventID returns the highest event id, 0 when the log is empty.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id int64
	err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events`).Scan(&id)
	return id, err
}

// LatestEvents returns the n most recent events matching f, oldest first.
func (r Repo) LatestEvents(ctx context.Context, n int, f EventFilters) ([]domain.Event, error) {
	if n <= 0 {
		n = 20
	}
	latest, err := r.LatestEventID(ctx)
	if err != nil {
		return nil, err
	}
	if f.EditionID == "" && f.Type == "" && f.EntityKind == "" && f.EntityID == "" {
		f.After = max(latest-int64(n), 0)
		f.Limit = n
		return r.ListEvents(ctx, f)
	}
	// Filtered tails walk the whole log; it is only used from the CLI.
	f.Limit = int(latest) + 1
	all, err := r.ListEvents(ctx, f)
	if err != nil {
		return nil, err
	}
	if len(all) > n {
		all = all[len(all)-n:]
	}
	return all, nil
}
