package expressions

import (
	"context"
	"errors"
	"strings"

	"github.com/rendis/flowgate/pkg/schema"
)

// Interpolate resolves ${{ expression }} placeholders in text against scope.
// Placeholders that fail to resolve are left verbatim and their errors joined
// into the returned error, so callers can still use the partial result.
func (e *Evaluator) Interpolate(ctx context.Context, text string, scope map[string]any) (string, error) {
	if !strings.Contains(text, "${{") {
		return text, nil
	}

	var (
		out  strings.Builder
		errs []error
	)
	out.Grow(len(text))

	i := 0
	for i < len(text) {
		idx := strings.Index(text[i:], "${{")
		if idx == -1 {
			out.WriteString(text[i:])
			break
		}
		out.WriteString(text[i : i+idx])
		start := i + idx + 3

		end := strings.Index(text[start:], "}}")
		if end == -1 {
			out.WriteString(text[i+idx:])
			errs = append(errs, schema.NewError(schema.ErrCodeValidation, "unclosed ${{ placeholder"))
			break
		}
		end += start

		token := text[i+idx : end+2]
		body := strings.TrimSpace(text[start:end])
		if body == "" {
			out.WriteString(token)
			errs = append(errs, schema.NewError(schema.ErrCodeValidation, "empty placeholder ${{ }}"))
			i = end + 2
			continue
		}

		val, err := e.Evaluate(ctx, body, scope)
		if err != nil {
			out.WriteString(token)
			errs = append(errs, err)
		} else {
			out.WriteString(Stringify(val))
		}
		i = end + 2
	}

	return out.String(), errors.Join(errs...)
}

// Placeholders returns the bodies of every ${{ }} placeholder in text.
func Placeholders(text string) []string {
	var out []string
	for {
		idx := strings.Index(text, "${{")
		if idx == -1 {
			return out
		}
		rest := text[idx+3:]
		end := strings.Index(rest, "}}")
		if end == -1 {
			return out
		}
		if body := strings.TrimSpace(rest[:end]); body != "" {
			out = append(out, body)
		}
		text = rest[end+2:]
	}
}
