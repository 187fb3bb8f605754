package main

import (
	"context"

	"github.com/spf13/cobra"

	"pressline/internal/domain"
	"pressline/internal/engine"
)

func approvalCmd() *cobra.Command {
	ap := &cobra.Command{
		Use:   "approval",
		Short: "Print approval",
		Long:  "Print needs the Sales and the Editorial manager. A request expires after the configured window and must then be requested again.",
	}
	ap.AddCommand(approvalRequestCmd())
	ap.AddCommand(approvalApproveCmd())
	return ap
}

func approvalRequestCmd() *cobra.Command {
	var comments string
	cmd := &cobra.Command{
		Use:   "request <edition-id>",
		Short: "Request print approval",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, e *engine.Engine, actor domain.Actor) error {
				ed, err := e.RequestPrintApproval(ctx, actor, args[0], comments)
				if err != nil {
					return err
				}
				return printJSONOrTable(ed.PrintRequest)
			})
		},
	}
	cmd.Flags().StringVar(&comments, "comments", "", "comments for the approvers")
	return cmd
}

func approvalApproveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "approve <edition-id> <Sales|Editorial>",
		Short: "Approve print for a department",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, e *engine.Engine, actor domain.Actor) error {
				ed, err := e.ApprovePrint(ctx, actor, args[0], args[1])
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{
					"edition_id":     ed.ID,
					"status":         ed.Status,
					"print_approval": ed.PrintRequest,
				})
			})
		},
	}
}
