package main

import (
	"context"
	"fmt"
	"io"
	"slices"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/rendis/flowgate/internal/store"
	"github.com/rendis/flowgate/pkg/schema"
)

func newHistoryCmd(opts *rootOptions) *cobra.Command {
	var filter store.HistoryFilter
	var status, eventType string
	cmd := &cobra.Command{
		Use:   "history [execution-id]",
		Short: "List past executions, or inspect one from its event log",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, opts.cfg, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.close(context.Background())

			if len(args) == 1 {
				return inspectExecution(ctx, a, args[0], cmd.OutOrStdout())
			}
			if eventType != "" {
				events, err := a.store.GetEventsByType(ctx, eventType, store.EventFilter{Limit: filter.Limit})
				if err != nil {
					return err
				}
				for _, e := range events {
					fmt.Fprintf(cmd.OutOrStdout(), "%s  %s\n", e.ExecutionID, formatEvent(e))
				}
				return nil
			}
			filter.Status = schema.ExecutionStatus(status)
			entries, err := a.store.ListEntries(ctx, filter)
			if err != nil {
				return err
			}
			printEntries(cmd.OutOrStdout(), entries)
			total, err := a.store.TotalCost(ctx, filter.WorkflowID)
			if err != nil {
				return err
			}
			if total > 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "\ntotal cost: $%.4f\n", total)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&filter.WorkflowID, "workflow", "", "only this workflow")
	cmd.Flags().StringVar(&status, "status", "", "only executions with this status")
	cmd.Flags().IntVar(&filter.Limit, "limit", 20, "maximum entries")
	cmd.Flags().StringVar(&eventType, "event", "", "list events of this type across executions")
	return cmd
}

func printEntries(w io.Writer, entries []schema.HistoryEntry) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "EXECUTION\tWORKFLOW\tSTATUS\tNODES\tFAILED\tSTARTED\tDURATION")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d/%d\t%d\t%s\t%s\n",
			e.ExecutionID, e.WorkflowID, e.Status, e.Completed, e.NodeCount, e.Failed,
			e.StartedAt.Local().Format(time.DateTime), time.Duration(e.DurationMs)*time.Millisecond)
	}
	_ = tw.Flush()
}

// inspectExecution prints the stored entry, the event log, and the node
// states folded back out of that log.
func inspectExecution(ctx context.Context, a *app, id string, w io.Writer) error {
	entry, err := a.store.GetEntry(ctx, id)
	if err != nil && !schema.IsCode(err, schema.ErrCodeNotFound) {
		return err
	}
	if entry != nil {
		fmt.Fprintf(w, "execution %s  workflow %s  status %s\n", entry.ExecutionID, entry.WorkflowID, entry.Status)
		if entry.Error != "" {
			fmt.Fprintf(w, "error: %s\n", entry.Error)
		}
	}
	if sum, err := a.store.GetSummary(ctx, id); err == nil {
		fmt.Fprintf(w, "cost $%.4f  retries %d  revisions %d  duration %s\n",
			sum.CostUSD, sum.Retries, sum.Revisions, time.Duration(sum.DurationMs)*time.Millisecond)
	} else if !schema.IsCode(err, schema.ErrCodeNotFound) {
		return err
	}

	events, err := a.events.Events(ctx, id, 0)
	if err != nil {
		return err
	}
	if entry == nil && len(events) == 0 {
		return schema.NewErrorf(schema.ErrCodeNotFound, "execution %s not found", id)
	}
	fmt.Fprintln(w, "\nevents:")
	for _, e := range events {
		fmt.Fprintln(w, "  "+formatEvent(e))
	}

	states, err := a.events.ReplayEvents(ctx, id)
	if err != nil {
		return err
	}
	ids := make([]string, 0, len(states))
	for nodeID := range states {
		ids = append(ids, nodeID)
	}
	slices.Sort(ids)

	fmt.Fprintln(w, "\nnodes:")
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "  NODE\tSTATUS\tRETRIES\tREVISIONS\tERROR")
	for _, nodeID := range ids {
		st := states[nodeID]
		fmt.Fprintf(tw, "  %s\t%s\t%d\t%d\t%s\n", nodeID, st.Status, st.RetryCount, st.RevisionCount, st.Error)
	}
	return tw.Flush()
}
