package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"pressline/internal/app"
	"pressline/internal/config"
	"pressline/internal/db"
	"pressline/internal/domain"
	"pressline/internal/engine"
	"pressline/internal/repo"
)

func deadlinesCmd() *cobra.Command {
	dl := &cobra.Command{
		Use:   "deadlines",
		Short: "Deadline monitoring",
	}
	dl.AddCommand(&cobra.Command{
		Use:   "sweep",
		Short: "Notify approaching, missed and overdue deadlines now",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, e *engine.Engine, actor domain.Actor) error {
				sum, err := e.SweepDeadlines(ctx, actor)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(sum)
				}
				fmt.Printf("approaching=%d missed=%d overdue=%d\n", sum.Approaching, sum.Missed, sum.Overdue)
				return nil
			})
		},
	})
	return dl
}

func notifyCmd() *cobra.Command {
	n := &cobra.Command{
		Use:   "notifications",
		Short: "Notifications of the acting user",
	}
	var unread bool
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List notifications",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, e *engine.Engine, actor domain.Actor) error {
				items, err := e.Notifications(ctx, actor, unread, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "When", "Priority", "Type", "Title", "Read")
				for _, it := range items {
					tw.AppendRow([]any{it.ID, it.CreatedAt.Format("2006-01-02 15:04"), it.Priority, it.Type, it.Title, it.Read})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().BoolVar(&unread, "unread", false, "only unread")
	list.Flags().IntVar(&limit, "limit", 50, "max notifications")
	n.AddCommand(list)
	n.AddCommand(&cobra.Command{
		Use:   "read <notification-id>",
		Short: "Mark a notification read",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, e *engine.Engine, actor domain.Actor) error {
				return e.MarkNotificationRead(ctx, actor, args[0])
			})
		},
	})
	return n
}

func userCmd() *cobra.Command {
	u := &cobra.Command{
		Use:   "user",
		Short: "User directory",
		Long:  "Users carry the role that decides what they may do. Users listed in pressline.yml are seeded on every start.",
	}
	var nu domain.User
	add := &cobra.Command{
		Use:   "add",
		Short: "Add a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, e *engine.Engine, actor domain.Actor) error {
				created, err := e.CreateUser(ctx, actor, nu)
				if err != nil {
					return err
				}
				return printJSONOrTable(created)
			})
		},
	}
	add.Flags().StringVar(&nu.ID, "id", "", "user id (generated if omitted)")
	add.Flags().StringVar(&nu.Name, "name", "", "display name")
	add.Flags().StringVar(&nu.Email, "email", "", "email")
	add.Flags().StringVar(&nu.Role, "role", "", "role")
	add.Flags().StringVar(&nu.Department, "department", "", "department")
	_ = add.MarkFlagRequired("name")
	_ = add.MarkFlagRequired("role")
	u.AddCommand(add)

	var f repo.UserFilter
	list := &cobra.Command{
		Use:   "list",
		Short: "List users",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				users, err := a.Engine.ListUsers(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(users)
				}
				tw := newTable("ID", "Name", "Role", "Department", "Email")
				for _, u := range users {
					tw.AppendRow([]any{u.ID, u.Name, u.Role, u.Department, u.Email})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringSliceVar(&f.Roles, "role", nil, "role filter (repeatable)")
	list.Flags().StringSliceVar(&f.Departments, "department", nil, "department filter (repeatable)")
	u.AddCommand(list)
	return u
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Workspace config",
		Long:  "pressline.yml holds department workflows, automation timing, approval rules, notification policy, permissions, webhooks and seed users. 'pl serve' reloads it on change.",
	}
	cfg.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write the default pressline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			} else if !errors.Is(err, os.ErrNotExist) {
				return err
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				return printJSON(a.Engine.Config())
			})
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate pressline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := config.FromFile(config.Path(viper.GetString("workspace")))
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	})
	return cfg
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "Every change to editions, tasks, approvals and automation is recorded as an event.",
	}
	var n int
	var follow bool
	var f repo.EventFilters
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Show the latest events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				events, err := a.Engine.Repo.LatestEvents(ctx, n, f)
				if err != nil {
					return err
				}
				printEvents(events)
				if !follow {
					return nil
				}
				cursor := int64(0)
				if len(events) > 0 {
					cursor = events[len(events)-1].ID
				} else if cursor, err = a.Engine.Repo.LatestEventID(ctx); err != nil {
					return err
				}
				ticker := time.NewTicker(time.Second)
				defer ticker.Stop()
				for {
					select {
					case <-ctx.Done():
						return nil
					case <-ticker.C:
					}
					next := f
					next.After = cursor
					events, err := a.Engine.Repo.ListEvents(ctx, next)
					if err != nil {
						return err
					}
					printEvents(events)
					if len(events) > 0 {
						cursor = events[len(events)-1].ID
					}
				}
			})
		},
	}
	tail.Flags().IntVarP(&n, "n", "n", 20, "number of events")
	tail.Flags().BoolVarP(&follow, "follow", "f", false, "keep printing new events")
	tail.Flags().StringVar(&f.EditionID, "edition", "", "edition id")
	tail.Flags().StringVar(&f.Type, "type", "", "event type")
	tail.Flags().StringVar(&f.EntityKind, "entity-kind", "", "entity kind")
	tail.Flags().StringVar(&f.EntityID, "entity-id", "", "entity id")
	log.AddCommand(tail)
	return log
}

func printEvents(events []domain.Event) {
	if viper.GetBool("json") {
		for _, ev := range events {
			_ = printJSON(ev)
		}
		return
	}
	for _, ev := range events {
		fmt.Printf("%d  %s  %-28s %s:%s  by %s\n", ev.ID, ev.Timestamp.Format(time.RFC3339), ev.Type, ev.EntityKind, ev.EntityID, ev.ActorID)
	}
}
