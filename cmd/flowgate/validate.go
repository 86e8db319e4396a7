package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/rendis/flowgate/internal/definitions"
	"github.com/rendis/flowgate/internal/expressions"
	"github.com/rendis/flowgate/internal/validation"
	"github.com/rendis/flowgate/pkg/schema"
)

func newValidateCmd(_ *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <workflow-file>...",
		Short: "Check workflow files without running them",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return validateFiles(cmd.Context(), args, cmd.OutOrStdout())
		},
	}
}

// validateFiles reports every issue in every file and fails if any file
// has errors. Warnings alone pass.
func validateFiles(ctx context.Context, paths []string, w io.Writer) error {
	eval, err := expressions.NewEvaluator()
	if err != nil {
		return err
	}
	v, err := validation.NewWorkflowValidator(eval)
	if err != nil {
		return err
	}

	failed := 0
	for _, path := range paths {
		def, err := definitions.LoadFile(path)
		if err != nil {
			fmt.Fprintf(w, "%s: %v\n", path, err)
			failed++
			continue
		}
		res := v.Validate(ctx, def)
		printIssues(w, path, res)
		if !res.Valid() {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d workflow files are invalid", failed, len(paths))
	}
	return nil
}

func printIssues(w io.Writer, path string, res *schema.ValidationResult) {
	if len(res.Errors) == 0 && len(res.Warnings) == 0 {
		fmt.Fprintf(w, "%s: ok\n", path)
		return
	}
	for _, issue := range res.Errors {
		fmt.Fprintf(w, "%s: error %s [%s] %s\n", path, issue.Path, issue.Code, issue.Message)
	}
	for _, issue := range res.Warnings {
		fmt.Fprintf(w, "%s: warning %s [%s] %s\n", path, issue.Path, issue.Code, issue.Message)
	}
}
