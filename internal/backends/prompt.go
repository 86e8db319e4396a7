package backends

import (
	"fmt"
	"sort"
	"strings"

	"github.com/goccy/go-json"

	"github.com/rendis/flowgate/pkg/schema"
)

const (
	MaxFieldLength       = 16 * 1024
	MaxPriorResultLength = 4 * 1024
	MaxPromptLength      = 256 * 1024
)

// DeliverablesInstruction tells the agent where to write its structured result.
const DeliverablesInstruction = "When you finish, write a JSON object summarizing your deliverables to .output/block-%s.json in the working directory."

// PriorResult is the deliverable of a block that completed earlier in the run.
type PriorResult struct {
	NodeID      string
	Label       string
	Deliverable map[string]any
}

// PromptInput collects the free-text pieces of one node's instruction.
type PromptInput struct {
	Rules        []string
	Node         schema.AgentNode
	PriorResults []PriorResult
	Feedback     string
}

// AssemblePrompt builds the instruction sent to a backend. Sections appear in
// a fixed order: rules, prefix, task, checklist, deliverables instruction,
// prior results, file restrictions, read-only notice, revision feedback.
func AssemblePrompt(in PromptInput) string {
	cfg := in.Node.Config
	var sections []string

	if rules := sanitizeAll(in.Rules); len(rules) > 0 {
		sections = append(sections, "## Rules\n- "+strings.Join(rules, "\n- "))
	}
	if s := Sanitize(cfg.PromptPrefix, MaxFieldLength); s != "" {
		sections = append(sections, s)
	}
	if s := Sanitize(cfg.Task, MaxFieldLength); s != "" {
		sections = append(sections, "## Task\n"+s)
	}
	if items := sanitizeAll(cfg.Checklist); len(items) > 0 {
		var b strings.Builder
		b.WriteString("## Output checklist")
		for i, item := range items {
			fmt.Fprintf(&b, "\n%d. %s", i+1, item)
		}
		sections = append(sections, b.String())
	}
	if ValidNodeID(in.Node.ID) {
		sections = append(sections, fmt.Sprintf(DeliverablesInstruction, in.Node.ID))
	}
	if prior := formatPrior(in.PriorResults); prior != "" {
		sections = append(sections, "## Previous block results\n"+prior)
	}
	if paths := sanitizeAll(cfg.FileRestrictions); len(paths) > 0 {
		sections = append(sections, "## File restrictions\nOnly modify files under these paths:\n- "+strings.Join(paths, "\n- "))
	}
	if cfg.ReadOnly {
		sections = append(sections, "## Read-only mount\nThe working directory is mounted read-only. Do not attempt to modify files.")
	}
	if s := Sanitize(in.Feedback, MaxFieldLength); s != "" {
		sections = append(sections, "## Revision feedback\n"+s)
	}

	return Sanitize(strings.Join(sections, "\n\n"), MaxPromptLength)
}

// Sanitize strips null bytes, trims surrounding space and caps the length in bytes
// without splitting a UTF-8 sequence.
func Sanitize(s string, limit int) string {
	s = strings.TrimSpace(strings.ReplaceAll(s, "\x00", ""))
	if limit <= 0 || len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8Start(s[cut]) {
		cut--
	}
	return s[:cut]
}

func utf8Start(b byte) bool { return b&0xC0 != 0x80 }

func sanitizeAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = Sanitize(s, MaxFieldLength); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func formatPrior(results []PriorResult) string {
	var b strings.Builder
	for _, r := range results {
		if len(r.Deliverable) == 0 {
			continue
		}
		keys := make([]string, 0, len(r.Deliverable))
		for k := range r.Deliverable {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		ordered := make([]string, 0, len(keys))
		for _, k := range keys {
			v, err := json.Marshal(r.Deliverable[k])
			if err != nil {
				continue
			}
			ordered = append(ordered, fmt.Sprintf("%q:%s", k, v))
		}
		name := r.NodeID
		if r.Label != "" && r.Label != r.NodeID {
			name = fmt.Sprintf("%s (%s)", r.Label, r.NodeID)
		}
		fmt.Fprintf(&b, "### %s\n%s\n", Sanitize(name, 256), Sanitize("{"+strings.Join(ordered, ",")+"}", MaxPriorResultLength))
	}
	return strings.TrimRight(b.String(), "\n")
}
