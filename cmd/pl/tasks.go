package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"pressline/internal/app"
	"pressline/internal/domain"
	"pressline/internal/engine"
	"pressline/internal/repo"
)

func taskCmd() *cobra.Command {
	task := &cobra.Command{
		Use:   "task",
		Short: "Manage tasks",
		Long:  "Tasks belong to one edition and one department, and move through that department's workflow. Completing tasks is what drives the automation forward.",
	}
	task.AddCommand(taskCreateCmd())
	task.AddCommand(taskListCmd())
	task.AddCommand(taskGetCmd())
	task.AddCommand(taskMoveCmd())
	task.AddCommand(taskAssignCmd())
	return task
}

func taskCreateCmd() *cobra.Command {
	var opts engine.TaskCreateOptions
	var deadline string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a task",
		RunE: func(cmd *cobra.Command, args []string) error {
			if deadline != "" {
				t, err := parseTime(deadline)
				if err != nil {
					return err
				}
				opts.Deadline = &t
			}
			return withActor(cmd.Context(), func(ctx context.Context, e *engine.Engine, actor domain.Actor) error {
				t, err := e.CreateTask(ctx, actor, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&opts.EditionID, "edition", "", "edition id")
	cmd.Flags().StringVar(&opts.Department, "department", "", "Sales, Editorial or Design")
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().StringVar(&opts.AssigneeID, "assignee-id", "", "assignee id")
	cmd.Flags().StringVar(&opts.Priority, "priority", "", "low, medium, high or critical")
	cmd.Flags().StringVar(&deadline, "deadline", "", "deadline (RFC 3339 or YYYY-MM-DD)")
	_ = cmd.MarkFlagRequired("edition")
	_ = cmd.MarkFlagRequired("department")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func taskListCmd() *cobra.Command {
	var f repo.TaskFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				tasks, err := a.Engine.ListTasks(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := newTable("ID", "Edition", "Department", "Title", "Status", "Assignee", "Deadline", "Auto")
				for _, t := range tasks {
					auto := ""
					if t.Automated {
						auto = "yes"
					}
					tw.AppendRow([]any{t.ID, t.EditionID, t.Department, t.Title, t.Status, stringOrEmpty(t.AssigneeID), formatTime(t.Deadline), auto})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.EditionID, "edition", "", "edition filter")
	cmd.Flags().StringVar(&f.Department, "department", "", "department filter")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.AssigneeID, "assignee-id", "", "assignee filter")
	return cmd
}

func taskGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <task-id>",
		Short: "Show a task with its history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				t, err := a.Engine.GetTask(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(t)
				}
				fmt.Printf("%s  %s / %s  [%s]\n", t.ID, t.Department, t.Title, t.Status)
				tw := newTable("When", "Action", "Actor", "From", "To", "Comment")
				for _, h := range t.History {
					tw.AppendRow([]any{h.Timestamp.Format("2006-01-02 15:04"), h.Action, h.ActorID, h.From, h.To, h.Comment})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func taskMoveCmd() *cobra.Command {
	var comment string
	cmd := &cobra.Command{
		Use:   "move <task-id> <status>",
		Short: "Move a task to another status of its workflow",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, e *engine.Engine, actor domain.Actor) error {
				t, err := e.TransitionTask(ctx, actor, args[0], args[1], comment)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&comment, "comment", "", "comment recorded in the history")
	return cmd
}

func taskAssignCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "assign <task-id> <user-id>",
		Short: "Assign a task",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, e *engine.Engine, actor domain.Actor) error {
				t, err := e.AssignTask(ctx, actor, args[0], args[1])
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
}
