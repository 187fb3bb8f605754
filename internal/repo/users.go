package repo

import (
	"context"
	"database/sql"
	"strings"

	"pressline/internal/domain"
)

const userColumns = `id,name,COALESCE(email,''),role,COALESCE(department,''),created_at`

func scanUser(s rowScanner) (domain.User, error) {
	var u domain.User
	err := s.Scan(&u.ID, &u.Name, &u.Email, &u.Role, &u.Department, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return u, ErrNotFound
	}
	return u, err
}

// UpsertUser inserts or replaces a directory entry.
func (r Repo) UpsertUser(ctx context.Context, u domain.User) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO users(id,name,email,role,department,created_at) VALUES (?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET name=excluded.name, email=excluded.email, role=excluded.role, department=excluded.department`,
		u.ID, u.Name, nullable(u.Email), u.Role, nullable(u.Department), u.CreatedAt)
	return err
}

func (r Repo) GetUser(ctx context.Context, id string) (domain.User, error) {
	return scanUser(r.DB.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id=?`, id))
}

// UserFilter matches users by id, role or department. The clauses are OR-ed:
// a user is returned once if it matches any of them.
type UserFilter struct {
	IDs         []string
	Roles       []string
	Departments []string
}

func (f UserFilter) empty() bool {
	return len(f.IDs) == 0 && len(f.Roles) == 0 && len(f.Departments) == 0
}

// ListUsers returns the union of users matching the filter, ordered by id.
// An empty filter lists the whole directory.
func (r Repo) ListUsers(ctx context.Context, f UserFilter) ([]domain.User, error) {
	query := `SELECT ` + userColumns + ` FROM users`
	var clauses []string
	var args []any
	add := func(col string, vals []string) {
		if len(vals) == 0 {
			return
		}
		clauses = append(clauses, col+" IN ("+placeholders(len(vals))+")")
		for _, v := range vals {
			args = append(args, v)
		}
	}
	add("id", f.IDs)
	add("role", f.Roles)
	add("department", f.Departments)
	if !f.empty() {
		query += " WHERE " + strings.Join(clauses, " OR ")
	}
	query += " ORDER BY id ASC"
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, u)
	}
	return res, rows.Err()
}
