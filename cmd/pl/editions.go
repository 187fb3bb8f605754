package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"pressline/internal/app"
	"pressline/internal/domain"
	"pressline/internal/engine"
)

func editionCmd() *cobra.Command {
	ed := &cobra.Command{
		Use:   "edition",
		Short: "Manage editions",
		Long:  "An edition moves forward only: planning, in_production, launch_requested, launched, print_approval_pending, print_approved, print_generated, signed_off, archived.",
	}
	ed.AddCommand(editionCreateCmd())
	ed.AddCommand(editionListCmd())
	ed.AddCommand(editionShowCmd())
	ed.AddCommand(editionLaunchCmd())
	ed.AddCommand(editionSignOffCmd())
	return ed
}

func editionCreateCmd() *cobra.Command {
	var opts engine.EditionCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an edition",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, e *engine.Engine, actor domain.Actor) error {
				ed, err := e.CreateEdition(ctx, actor, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(ed)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "edition id (generated if omitted)")
	cmd.Flags().StringVar(&opts.BrandID, "brand", "", "brand id")
	cmd.Flags().StringVar(&opts.Name, "name", "", "edition name")
	_ = cmd.MarkFlagRequired("brand")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func editionListCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List editions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.ListEditions(ctx, status)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "Brand", "Name", "Status", "Launch", "Updated")
				for _, ed := range items {
					tw.AppendRow([]any{ed.ID, ed.BrandID, ed.Name, ed.Status, formatTime(ed.Launch.LaunchDate), ed.UpdatedAt.Format("2006-01-02 15:04")})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	return cmd
}

func editionShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <edition-id>",
		Short: "Show an edition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				ed, err := a.Engine.GetEdition(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(ed)
			})
		},
	}
}

func editionLaunchCmd() *cobra.Command {
	var date, notes string
	cmd := &cobra.Command{
		Use:   "launch <edition-id>",
		Short: "Request launch; the edition is handed to the automation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var launchDate *time.Time
			if date != "" {
				t, err := parseTime(date)
				if err != nil {
					return err
				}
				launchDate = &t
			}
			return withActor(cmd.Context(), func(ctx context.Context, e *engine.Engine, actor domain.Actor) error {
				ed, err := e.RequestLaunch(ctx, actor, args[0], launchDate, notes)
				if err != nil {
					return err
				}
				return printJSONOrTable(ed)
			})
		},
	}
	cmd.Flags().StringVar(&date, "date", "", "launch date (defaults to now)")
	cmd.Flags().StringVar(&notes, "notes", "", "launch notes")
	return cmd
}

func editionSignOffCmd() *cobra.Command {
	var comments string
	cmd := &cobra.Command{
		Use:   "sign-off <edition-id>",
		Short: "Sign off a generated edition and archive it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, e *engine.Engine, actor domain.Actor) error {
				ed, err := e.SignOff(ctx, actor, args[0], comments)
				if err != nil {
					return err
				}
				return printJSONOrTable(ed)
			})
		},
	}
	cmd.Flags().StringVar(&comments, "comments", "", "sign-off comments")
	return cmd
}
