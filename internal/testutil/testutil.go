// Package testutil builds throwaway databases and fixtures for package tests.
package testutil

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"pressline/internal/db"
	"pressline/internal/domain"
	"pressline/internal/migrate"
	"pressline/internal/repo"
)

// Epoch is Friday 2024-06-14 09:00 UTC, the launch day used across tests.
var Epoch = time.Date(2024, 6, 14, 9, 0, 0, 0, time.UTC)

// NewDB opens a migrated sqlite database under t.TempDir.
func NewDB(t testing.TB) *sql.DB {
	t.Helper()
	conn, err := db.Open(db.Config{Path: filepath.Join(t.TempDir(), "test.db")})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(context.Background(), conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return conn
}

// Staff is the directory every test starts from: one user per role.
var Staff = []domain.User{
	{ID: "u-admin", Name: "Ada Admin", Role: domain.RoleAdmin},
	{ID: "u-sales-mgr", Name: "Sam Sales", Role: domain.RoleSalesManager, Department: domain.DeptSales},
	{ID: "u-sales", Name: "Sid Seller", Role: domain.RoleSalesTeam, Department: domain.DeptSales},
	{ID: "u-ed-mgr", Name: "Eve Editor", Role: domain.RoleEditorialManager, Department: domain.DeptEditorial},
	{ID: "u-ed", Name: "Ed Writer", Role: domain.RoleEditorialTeam, Department: domain.DeptEditorial},
	{ID: "u-design-mgr", Name: "Dee Designer", Role: domain.RoleDesignManager, Department: domain.DeptDesign},
	{ID: "u-design", Name: "Dan Drafter", Role: domain.RoleDesignTeam, Department: domain.DeptDesign},
}

func SeedStaff(t testing.TB, r repo.Repo) {
	t.Helper()
	for _, u := range Staff {
		u.CreatedAt = repo.FormatTime(Epoch)
		if err := r.UpsertUser(context.Background(), u); err != nil {
			t.Fatalf("seed user %s: %v", u.ID, err)
		}
	}
}

// InsertEdition stores an edition in the given status.
func InsertEdition(t testing.TB, r repo.Repo, id, status string) domain.Edition {
	t.Helper()
	e := domain.Edition{ID: id, BrandID: "brand-1", Name: "Issue " + id, Status: status, CreatedAt: Epoch, UpdatedAt: Epoch}
	withTx(t, r, func(tx *sql.Tx) error { return r.InsertEdition(context.Background(), tx, e) })
	return e
}

// InsertTask stores a task as-is; fill in the fields the test cares about.
func InsertTask(t testing.TB, r repo.Repo, task domain.Task) domain.Task {
	t.Helper()
	if task.Priority == "" {
		task.Priority = "medium"
	}
	if task.CreatedBy == "" {
		task.CreatedBy = "u-admin"
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = Epoch
		task.UpdatedAt = Epoch
	}
	withTx(t, r, func(tx *sql.Tx) error { return r.InsertTask(context.Background(), tx, task) })
	return task
}

func withTx(t testing.TB, r repo.Repo, fn func(tx *sql.Tx) error) {
	t.Helper()
	tx, err := r.DB.Begin()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		t.Fatalf("fixture: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T { return &v }
