package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rendis/flowgate/internal/engine"
	"github.com/rendis/flowgate/pkg/schema"
)

func newReplayCmd(opts *rootOptions) *cobra.Command {
	var mode, decision string
	cmd := &cobra.Command{
		Use:   "replay <execution-id>",
		Short: "Re-drive a settled execution headless",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m := engine.ReplayMode(mode)
			if m != engine.ReplayFull && m != engine.ReplayResume {
				return fmt.Errorf("unknown replay mode %q (want %s or %s)", mode, engine.ReplayFull, engine.ReplayResume)
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, opts.cfg, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.close(context.Background())

			eng, err := a.newEngine(func(string, string) string { return decision })
			if err != nil {
				return err
			}
			exec, err := eng.Replay(ctx, args[0], m)
			if err != nil {
				return err
			}
			exec, err = eng.Wait(ctx, exec.ID)
			if ctx.Err() != nil {
				_ = eng.Abort(context.Background())
				exec, err = eng.Wait(context.Background(), exec.ID)
			}
			if exec != nil {
				if perr := printJSON(cmd.OutOrStdout(), exec); perr != nil {
					return perr
				}
			}
			if err != nil {
				return err
			}
			if exec.Status != schema.ExecutionCompleted {
				return fmt.Errorf("replay %s finished %s: %s", exec.ID, exec.Status, exec.Error)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&mode, "mode", string(engine.ReplayResume), "resume keeps completed nodes; full re-runs everything")
	cmd.Flags().StringVar(&decision, "decision", "approve", "value every review gate resolves to")
	return cmd
}
