package repo

import (
	"context"
	"database/sql"
	"time"

	"pressline/internal/domain"
)

const editionColumns = `id,brand_id,name,status,launch_requested_by,launch_requested_at,launch_date,launch_notes,print_pending,print_sales_approved,print_editorial_approved,print_requested_by,print_requested_at,print_expires_at,print_comments,print_approved_at,signed_off_by,signed_off_at,sign_off_comments,archived_at,chain_started,created_at,updated_at`

func scanEdition(s rowScanner) (domain.Edition, error) {
	var e domain.Edition
	var launchBy, launchAt, launchDate, launchNotes sql.NullString
	var printBy, printAt, printExpires, printComments, printApprovedAt sql.NullString
	var signedBy, signedAt, signComments, archivedAt sql.NullString
	var pending, sales, editorial, chain int
	var createdAt, updatedAt string
	err := s.Scan(&e.ID, &e.BrandID, &e.Name, &e.Status, &launchBy, &launchAt, &launchDate, &launchNotes,
		&pending, &sales, &editorial, &printBy, &printAt, &printExpires, &printComments, &printApprovedAt,
		&signedBy, &signedAt, &signComments, &archivedAt, &chain, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	if err != nil {
		return e, err
	}
	e.Launch.RequestedBy = launchBy.String
	e.Launch.Notes = launchNotes.String
	e.PrintRequest.Pending = pending == 1
	e.PrintRequest.SalesApproved = sales == 1
	e.PrintRequest.EditorialApproved = editorial == 1
	e.PrintRequest.RequestedBy = printBy.String
	e.PrintRequest.Comments = printComments.String
	e.SignOff.SignedBy = signedBy.String
	e.SignOff.Comments = signComments.String
	e.ChainStarted = chain == 1
	for _, f := range []struct {
		dst **time.Time
		src sql.NullString
	}{
		{&e.Launch.RequestedAt, launchAt},
		{&e.Launch.LaunchDate, launchDate},
		{&e.PrintRequest.RequestedAt, printAt},
		{&e.PrintRequest.ExpiresAt, printExpires},
		{&e.PrintRequest.ApprovedAt, printApprovedAt},
		{&e.SignOff.SignedAt, signedAt},
		{&e.SignOff.ArchivedAt, archivedAt},
	} {
		if *f.dst, err = timePtr(f.src); err != nil {
			return e, err
		}
	}
	if e.CreatedAt, err = ParseTime(createdAt); err != nil {
		return e, err
	}
	if e.UpdatedAt, err = ParseTime(updatedAt); err != nil {
		return e, err
	}
	return e, nil
}

func (r Repo) InsertEdition(ctx context.Context, tx *sql.Tx, e domain.Edition) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO editions(`+editionColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		e.ID, e.BrandID, e.Name, e.Status,
		nullable(e.Launch.RequestedBy), nullableTime(e.Launch.RequestedAt), nullableTime(e.Launch.LaunchDate), nullable(e.Launch.Notes),
		boolInt(e.PrintRequest.Pending), boolInt(e.PrintRequest.SalesApproved), boolInt(e.PrintRequest.EditorialApproved),
		nullable(e.PrintRequest.RequestedBy), nullableTime(e.PrintRequest.RequestedAt), nullableTime(e.PrintRequest.ExpiresAt),
		nullable(e.PrintRequest.Comments), nullableTime(e.PrintRequest.ApprovedAt),
		nullable(e.SignOff.SignedBy), nullableTime(e.SignOff.SignedAt), nullable(e.SignOff.Comments), nullableTime(e.SignOff.ArchivedAt),
		boolInt(e.ChainStarted), FormatTime(e.CreatedAt), FormatTime(e.UpdatedAt))
	return err
}

// UpdateEdition writes the edition's status and sub-records. The chain marker is
// only ever set through MarkChainStarted.
func (r Repo) UpdateEdition(ctx context.Context, tx *sql.Tx, e domain.Edition) error {
	res, err := tx.ExecContext(ctx, `UPDATE editions SET name=?, status=?,
launch_requested_by=?, launch_requested_at=?, launch_date=?, launch_notes=?,
print_pending=?, print_sales_approved=?, print_editorial_approved=?, print_requested_by=?, print_requested_at=?, print_expires_at=?, print_comments=?, print_approved_at=?,
signed_off_by=?, signed_off_at=?, sign_off_comments=?, archived_at=?, updated_at=? WHERE id=?`,
		e.Name, e.Status,
		nullable(e.Launch.RequestedBy), nullableTime(e.Launch.RequestedAt), nullableTime(e.Launch.LaunchDate), nullable(e.Launch.Notes),
		boolInt(e.PrintRequest.Pending), boolInt(e.PrintRequest.SalesApproved), boolInt(e.PrintRequest.EditorialApproved),
		nullable(e.PrintRequest.RequestedBy), nullableTime(e.PrintRequest.RequestedAt), nullableTime(e.PrintRequest.ExpiresAt),
		nullable(e.PrintRequest.Comments), nullableTime(e.PrintRequest.ApprovedAt),
		nullable(e.SignOff.SignedBy), nullableTime(e.SignOff.SignedAt), nullable(e.SignOff.Comments), nullableTime(e.SignOff.ArchivedAt),
		FormatTime(e.UpdatedAt), e.ID)
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

func (r Repo) GetEdition(ctx context.Context, id string) (domain.Edition, error) {
	return scanEdition(r.DB.QueryRowContext(ctx, `SELECT `+editionColumns+` FROM editions WHERE id=?`, id))
}

func (r Repo) GetEditionTx(ctx context.Context, tx *sql.Tx, id string) (domain.Edition, error) {
	return scanEdition(tx.QueryRowContext(ctx, `SELECT `+editionColumns+` FROM editions WHERE id=?`, id))
}

func (r Repo) ListEditions(ctx context.Context, status string) ([]domain.Edition, error) {
	query := `SELECT ` + editionColumns + ` FROM editions`
	var args []any
	if status != "" {
		query += ` WHERE status=?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at ASC, id ASC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Edition
	for rows.Next() {
		e, err := scanEdition(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// MarkChainStarted sets the post-launch chain marker; false means another check got there first.
func (r Repo) MarkChainStarted(ctx context.Context, tx *sql.Tx, editionID string, now time.Time) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE editions SET chain_started=1, updated_at=? WHERE id=? AND chain_started=0`, FormatTime(now), editionID)
	if err != nil {
		return false, err
	}
	return affectedOne(res)
}

// AdvanceEditionStatus moves an edition forward in the pipeline. It reports false
// when the edition is already at to, and refuses to move backwards.
func (r Repo) AdvanceEditionStatus(ctx context.Context, tx *sql.Tx, editionID, to string, now time.Time) (bool, error) {
	e, err := r.GetEditionTx(ctx, tx, editionID)
	if err != nil {
		return false, err
	}
	next := domain.EditionRank(to)
	if next < 0 {
		return false, domain.ValidationError{Field: "status", Message: "unknown edition status " + to}
	}
	cur := domain.EditionRank(e.Status)
	if next == cur {
		return false, nil
	}
	if next < cur {
		return false, domain.InvalidTransitionError{Department: "edition", From: e.Status, To: to}
	}
	res, err := tx.ExecContext(ctx, `UPDATE editions SET status=?, updated_at=? WHERE id=? AND status=?`, to, FormatTime(now), editionID, e.Status)
	if err != nil {
		return false, err
	}
	return affectedOne(res)
}
