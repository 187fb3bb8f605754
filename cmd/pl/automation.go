package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"pressline/internal/app"
	"pressline/internal/domain"
	"pressline/internal/engine"
)

func automationCmd() *cobra.Command {
	auto := &cobra.Command{
		Use:   "automation",
		Short: "Track, pause, resume and inspect edition automation",
	}
	auto.AddCommand(automationActionCmd("track", "Start tracking an edition", (*engine.Engine).TrackEdition))
	auto.AddCommand(automationActionCmd("pause", "Pause automation of an edition", (*engine.Engine).PauseAutomation))
	auto.AddCommand(automationActionCmd("resume", "Resume automation of an edition", (*engine.Engine).ResumeAutomation))
	auto.AddCommand(automationStopCmd())
	auto.AddCommand(automationStatusCmd())
	auto.AddCommand(automationHistoryCmd())
	auto.AddCommand(automationTickCmd())
	return auto
}

type contextAction func(*engine.Engine, context.Context, domain.Actor, string) (domain.AutomationContext, error)

func automationActionCmd(use, short string, action contextAction) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <edition-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, e *engine.Engine, actor domain.Actor) error {
				c, err := action(e, ctx, actor, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
}

func automationStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop <edition-id>",
		Short: "Stop tracking an edition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, e *engine.Engine, actor domain.Actor) error {
				if err := e.StopAutomation(ctx, actor, args[0]); err != nil {
					return err
				}
				fmt.Printf("automation stopped for %s\n", args[0])
				return nil
			})
		},
	}
}

func automationStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <edition-id>",
		Short: "Show automated tasks and pending actions of an edition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				st, err := a.Engine.AutomationStatus(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(st)
				}
				fmt.Printf("%s  %s  automation=%s  chain_started=%t\n", st.Edition.ID, st.Edition.Status, st.Context.Status, st.Edition.ChainStarted)
				tasks := newTable("Task", "Department", "Title", "Status", "Deadline", "Next step")
				for _, t := range st.AutomatedTasks {
					tasks.AppendRow([]any{t.ID, t.Department, t.Title, t.Status, formatTime(t.Deadline), formatTime(t.NextStepScheduledFor)})
				}
				tasks.Render()
				printActions(st.PendingActions)
				return nil
			})
		},
	}
}

func automationHistoryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history <edition-id>",
		Short: "Show the event history of an edition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.AutomationHistory(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "When", "Type", "Entity", "Actor")
				for _, ev := range items {
					tw.AppendRow([]any{ev.ID, ev.Timestamp.Format("2006-01-02 15:04"), ev.Type, ev.EntityKind + ":" + ev.EntityID, ev.ActorID})
				}
				tw.Render()
				return nil
			})
		},
	}
}

// automationTickCmd runs one runner round by hand, for workspaces without 'pl serve'.
func automationTickCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tick",
		Short: "Fire due scheduled actions and re-check tracked editions once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if _, err := a.Engine.Automation.Recover(ctx); err != nil {
					return err
				}
				engine.NewRunner(a.Engine).Tick(ctx)
				return nil
			})
		},
	}
}

func scheduleCmd() *cobra.Command {
	sched := &cobra.Command{
		Use:   "schedule",
		Short: "Inspect and move scheduled automation actions",
	}
	sched.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List pending scheduled actions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.PendingSchedules(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				printActions(items)
				return nil
			})
		},
	})
	sched.AddCommand(&cobra.Command{
		Use:   "override <task-or-action-id> <fire-at>",
		Short: "Move a pending action to a new time",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			fireAt, err := parseTime(args[1])
			if err != nil {
				return err
			}
			return withActor(cmd.Context(), func(ctx context.Context, e *engine.Engine, actor domain.Actor) error {
				a, err := e.OverrideSchedule(ctx, actor, args[0], fireAt)
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	})
	return sched
}

func printActions(items []domain.ScheduledAction) {
	tw := newTable("Action", "Kind", "Edition", "Task", "Fire at", "Title")
	for _, a := range items {
		title, _ := a.Payload["title"].(string)
		tw.AppendRow([]any{a.ID, a.Kind, a.EditionID, a.TaskID, a.FireAt.Format("2006-01-02 15:04"), title})
	}
	tw.Render()
}
