// Package app opens a workspace: database, migrations, config and the engine on top.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"pressline/internal/clock"
	"pressline/internal/config"
	"pressline/internal/db"
	"pressline/internal/domain"
	"pressline/internal/engine"
	"pressline/internal/migrate"
	"pressline/internal/repo"
)

type App struct {
	Workspace  string
	ConfigPath string
	DB         *sql.DB
	Engine     *engine.Engine
	Logger     *slog.Logger
}

// Bootstrap prepares the workspace, migrates the database, loads pressline.yml
// (falling back to the defaults) and seeds the users it declares.
func Bootstrap(ctx context.Context, workspace string, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		return nil, fmt.Errorf("workspace: %w", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := migrate.Migrate(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	cfg, err := config.Load(workspace)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := SeedUsers(ctx, repo.Repo{DB: conn}, cfg, clock.Real{}); err != nil {
		conn.Close()
		return nil, err
	}
	eng, err := engine.New(conn, cfg, engine.WithLogger(logger))
	if err != nil {
		conn.Close()
		return nil, err
	}
	return &App{
		Workspace:  workspace,
		ConfigPath: config.Path(workspace),
		DB:         conn,
		Engine:     eng,
		Logger:     logger,
	}, nil
}

// SeedUsers upserts the users listed in the config into the directory.
func SeedUsers(ctx context.Context, r repo.Repo, cfg *config.Config, clk clock.Clock) error {
	now := repo.FormatTime(clk.Now())
	for _, u := range cfg.Users {
		err := r.UpsertUser(ctx, domain.User{
			ID:         u.ID,
			Name:       u.Name,
			Email:      u.Email,
			Role:       u.Role,
			Department: u.Department,
			CreatedAt:  now,
		})
		if err != nil {
			return fmt.Errorf("seed user %s: %w", u.ID, err)
		}
	}
	return nil
}

func (a *App) Close() error {
	return a.DB.Close()
}
