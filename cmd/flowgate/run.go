package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	json "github.com/goccy/go-json"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/rendis/flowgate/internal/engine"
	"github.com/rendis/flowgate/internal/streaming"
	"github.com/rendis/flowgate/pkg/schema"
)

type runFlags struct {
	vars     []string
	workItem string
	decision string
	follow   bool
}

func newRunCmd(opts *rootOptions) *cobra.Command {
	f := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run <workflow-file-or-id>",
		Short: "Run a workflow headless and print the final execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runWorkflow(ctx, opts.cfg, f, args[0], cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}
	cmd.Flags().StringArrayVar(&f.vars, "var", nil, "variable as key=value; values are parsed as YAML scalars")
	cmd.Flags().StringVar(&f.workItem, "work-item", "", "YAML or JSON file holding the work item")
	cmd.Flags().StringVar(&f.decision, "decision", "approve", "value every review gate resolves to")
	cmd.Flags().BoolVar(&f.follow, "follow", false, "print events to stderr as they happen")
	return cmd
}

func runWorkflow(ctx context.Context, cfg Config, f *runFlags, target string, stdout, stderr io.Writer) error {
	a, err := newApp(ctx, cfg, stderr)
	if err != nil {
		return err
	}
	defer a.close(context.Background())

	def, err := a.loadDefinition(ctx, target)
	if err != nil {
		return err
	}
	vars, err := parseVars(f.vars)
	if err != nil {
		return err
	}
	var workItem map[string]any
	if f.workItem != "" {
		if workItem, err = readDocument(f.workItem); err != nil {
			return err
		}
	}

	decision := f.decision
	eng, err := a.newEngine(func(string, string) string { return decision })
	if err != nil {
		return err
	}

	if f.follow {
		stopFollow, err := follow(ctx, a.hub, stderr)
		if err != nil {
			return err
		}
		defer stopFollow()
	}

	exec, runErr := eng.Run(ctx, def, engine.StartOptions{Variables: vars, WorkItem: workItem})
	if ctx.Err() != nil && exec != nil {
		_ = eng.Abort(context.Background())
		exec, runErr = eng.Wait(context.Background(), exec.ID)
	}
	if exec != nil {
		if err := printJSON(stdout, exec); err != nil {
			return err
		}
	}
	if runErr != nil {
		return runErr
	}
	if exec.Status != schema.ExecutionCompleted {
		return fmt.Errorf("execution %s finished %s: %s", exec.ID, exec.Status, exec.Error)
	}
	return nil
}

// follow prints every event published on hub until the returned func
// runs. Events already buffered at that point are still printed.
func follow(ctx context.Context, hub streaming.EventHub, w io.Writer) (func(), error) {
	ch, cancel, err := hub.Subscribe(ctx, streaming.EventFilter{})
	if err != nil {
		return nil, err
	}
	emit := func(msg streaming.StreamEvent) {
		if e := msg.Event; e != nil {
			fmt.Fprintln(w, formatEvent(*e))
		}
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case msg, ok := <-ch:
				if !ok {
					return
				}
				emit(msg)
			case <-stop:
				for {
					select {
					case msg, ok := <-ch:
						if !ok {
							return
						}
						emit(msg)
					default:
						return
					}
				}
			}
		}
	}()
	return func() {
		close(stop)
		<-done
		cancel()
	}, nil
}

func formatEvent(e schema.ExecutionEvent) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %4d %-22s", e.Timestamp.Format("15:04:05.000"), e.Sequence, e.Type)
	if e.NodeID != "" {
		fmt.Fprintf(&b, " node=%s", e.NodeID)
	}
	if e.Message != "" {
		fmt.Fprintf(&b, " %s", e.Message)
	}
	return b.String()
}

// parseVars turns key=value pairs into typed variables.
func parseVars(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	vars := make(map[string]any, len(pairs))
	for _, p := range pairs {
		key, raw, ok := strings.Cut(p, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --var %q: want key=value", p)
		}
		var value any
		if err := yaml.Unmarshal([]byte(raw), &value); err != nil || value == nil {
			value = raw
		}
		vars[key] = value
	}
	return vars, nil
}

// readDocument decodes a YAML or JSON object from path.
func readDocument(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return doc, nil
}

func printJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}
