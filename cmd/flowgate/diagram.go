package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/rendis/flowgate/internal/diagram"
	"github.com/rendis/flowgate/pkg/schema"
)

type diagramFlags struct {
	format    string
	execution string
	output    string
}

func newDiagramCmd(opts *rootOptions) *cobra.Command {
	f := &diagramFlags{}
	cmd := &cobra.Command{
		Use:   "diagram [workflow-file-or-id]",
		Short: "Draw a workflow, optionally with the node states of an execution",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 && f.execution == "" {
				return fmt.Errorf("a workflow or --execution is required")
			}
			ctx := cmd.Context()
			a, err := newApp(ctx, opts.cfg, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.close(context.Background())

			var def *schema.WorkflowDefinition
			var exec *schema.Execution
			if f.execution != "" {
				if exec, err = a.store.LoadSnapshot(ctx, f.execution); err != nil {
					return err
				}
				def = exec.Workflow
			}
			if len(args) == 1 {
				if def, err = a.loadDefinition(ctx, args[0]); err != nil {
					return err
				}
			}
			if def == nil {
				return fmt.Errorf("execution %s has no stored workflow", f.execution)
			}

			out := cmd.OutOrStdout()
			if f.output != "" && f.output != "-" {
				file, err := os.Create(f.output)
				if err != nil {
					return err
				}
				defer file.Close()
				out = file
			}
			return renderDiagram(ctx, def, exec, f.format, out)
		},
	}
	cmd.Flags().StringVar(&f.format, "format", "ascii", "output format: ascii, mermaid, png or svg")
	cmd.Flags().StringVar(&f.execution, "execution", "", "overlay the node states of this execution")
	cmd.Flags().StringVarP(&f.output, "output", "o", "", "write to a file instead of stdout")
	return cmd
}

func renderDiagram(ctx context.Context, def *schema.WorkflowDefinition, exec *schema.Execution, format string, w io.Writer) error {
	model, err := diagram.Build(def, exec)
	if err != nil {
		return err
	}
	switch format {
	case "ascii", "":
		_, err = io.WriteString(w, diagram.RenderASCII(model))
	case "mermaid":
		_, err = io.WriteString(w, diagram.RenderMermaid(model))
	case "png", "svg":
		var img []byte
		if img, err = diagram.RenderImage(ctx, model, diagram.ImageFormat(format)); err != nil {
			return err
		}
		_, err = w.Write(img)
	default:
		return fmt.Errorf("unknown diagram format %q", format)
	}
	return err
}
