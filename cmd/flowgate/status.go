package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/rendis/flowgate/internal/store"
	"github.com/rendis/flowgate/internal/streaming"
	"github.com/rendis/flowgate/pkg/schema"
)

func newStatusCmd(opts *rootOptions) *cobra.Command {
	var filter store.SnapshotFilter
	var status string
	cmd := &cobra.Command{
		Use:   "status [execution-id]",
		Short: "Show the latest state of an execution, or list stored executions",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, opts.cfg, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.close(context.Background())

			if len(args) == 0 {
				filter.Status = schema.ExecutionStatus(status)
				infos, err := a.store.ListSnapshots(ctx, filter)
				if err != nil {
					return err
				}
				printSnapshots(cmd.OutOrStdout(), infos)
				return nil
			}
			exec, err := latestExecution(ctx, a, args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), exec)
		},
	}
	cmd.Flags().StringVar(&filter.WorkflowID, "workflow", "", "only this workflow")
	cmd.Flags().StringVar(&status, "status", "", "only executions with this status")
	cmd.Flags().BoolVar(&filter.TopLevel, "top-level", true, "hide sub-workflow children")
	cmd.Flags().IntVar(&filter.Limit, "limit", 20, "maximum executions")
	return cmd
}

// latestExecution prefers the snapshot a serving process last published to
// Redis, which is newer than the stored one while a run is in flight.
func latestExecution(ctx context.Context, a *app, id string) (*schema.Execution, error) {
	if hub, ok := a.hub.(*streaming.RedisHub); ok {
		exec, err := hub.LatestSnapshot(ctx, id)
		if err == nil {
			return exec, nil
		}
		if !schema.IsCode(err, schema.ErrCodeNotFound) {
			a.logger.Warn("redis snapshot lookup failed", "execution_id", id, "error", err)
		}
	}
	return a.store.LoadSnapshot(ctx, id)
}

func printSnapshots(w io.Writer, infos []store.SnapshotInfo) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "EXECUTION\tWORKFLOW\tSTATUS\tPARENT\tUPDATED")
	for _, s := range infos {
		parent := s.ParentID
		if parent == "" {
			parent = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", s.ExecutionID, s.WorkflowID, s.Status, parent,
			s.UpdatedAt.Local().Format(time.DateTime))
	}
	_ = tw.Flush()
}
