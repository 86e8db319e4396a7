package schema

import (
	"encoding/json"
	"time"
)

// WorkflowDefinition is the immutable blueprint of a workflow.
// Definitions are authored as YAML or JSON and never mutated by the engine;
// sub-workflow handling deep-copies before touching one.
type WorkflowDefinition struct {
	ID             string               `json:"id" yaml:"id"`
	Name           string               `json:"name,omitempty" yaml:"name,omitempty"`
	Description    string               `json:"description,omitempty" yaml:"description,omitempty"`
	Nodes          []AgentNode          `json:"nodes" yaml:"nodes"`
	Transitions    []Transition         `json:"transitions,omitempty" yaml:"transitions,omitempty"`
	Gates          []HITLGateDefinition `json:"gates,omitempty" yaml:"gates,omitempty"`
	Variables      []Variable           `json:"variables,omitempty" yaml:"variables,omitempty"`
	Rules          []string             `json:"rules,omitempty" yaml:"rules,omitempty"`
	ParallelGroups []ParallelGroup      `json:"parallel_groups,omitempty" yaml:"parallel_groups,omitempty"`
	Defaults       *NodeConfig          `json:"defaults,omitempty" yaml:"defaults,omitempty"`
	WorkingDir     string               `json:"working_dir,omitempty" yaml:"working_dir,omitempty"`
	Timeout        string               `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	Metadata       map[string]any       `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// NodeKind separates backend-dispatched nodes from control-flow constructs.
type NodeKind string

const (
	NodeKindAgent   NodeKind = "agent"
	NodeKindControl NodeKind = "control"
)

// Control node subtypes.
const (
	ControlCondition   = "condition"
	ControlForEach     = "forEach"
	ControlSubWorkflow = "subWorkflow"
)

// NodeTypeCoding marks agent nodes whose work is captured as a git diff.
const NodeTypeCoding = "coding"

// Backend selects the dispatch strategy for an agent node.
type Backend string

const (
	BackendSimulated Backend = "simulated"
	BackendProcess   Backend = "process"
	BackendRemote    Backend = "remote"
)

// GateMode controls whether a revised node must be approved again.
type GateMode string

const (
	GateModeNone       GateMode = ""
	GateModeReview     GateMode = "review"
	GateModeReviewOnce GateMode = "review_once"
)

// AgentNode is one step in the workflow graph.
type AgentNode struct {
	ID     string     `json:"id" yaml:"id"`
	Kind   NodeKind   `json:"kind,omitempty" yaml:"kind,omitempty"`
	Type   string     `json:"type,omitempty" yaml:"type,omitempty"`
	Label  string     `json:"label,omitempty" yaml:"label,omitempty"`
	Config NodeConfig `json:"config,omitempty" yaml:"config,omitempty"`
}

// IsControl reports whether the node is a control-flow construct.
func (n *AgentNode) IsControl() bool {
	return n.Kind == NodeKindControl
}

// DisplayName returns the label, falling back to the ID.
func (n *AgentNode) DisplayName() string {
	if n.Label != "" {
		return n.Label
	}
	return n.ID
}

// NodeConfig carries backend and control-flow settings for a node.
type NodeConfig struct {
	Model             string         `json:"model,omitempty" yaml:"model,omitempty"`
	SystemPrompt      string         `json:"system_prompt,omitempty" yaml:"system_prompt,omitempty"`
	PromptPrefix      string         `json:"prompt_prefix,omitempty" yaml:"prompt_prefix,omitempty"`
	Task              string         `json:"task,omitempty" yaml:"task,omitempty"`
	Checklist         []string       `json:"checklist,omitempty" yaml:"checklist,omitempty"`
	Backend           Backend        `json:"backend,omitempty" yaml:"backend,omitempty"`
	Endpoint          string         `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
	Command           string         `json:"command,omitempty" yaml:"command,omitempty"`
	Args              []string       `json:"args,omitempty" yaml:"args,omitempty"`
	Timeout           string         `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	MaxRetries        int            `json:"max_retries,omitempty" yaml:"max_retries,omitempty"`
	RetryableCodes    []int          `json:"retryable_codes,omitempty" yaml:"retryable_codes,omitempty"`
	BackoffBaseMs     int64          `json:"backoff_base_ms,omitempty" yaml:"backoff_base_ms,omitempty"`
	MaxTurns          int            `json:"max_turns,omitempty" yaml:"max_turns,omitempty"`
	GateMode          GateMode       `json:"gate_mode,omitempty" yaml:"gate_mode,omitempty"`
	FileRestrictions  []string       `json:"file_restrictions,omitempty" yaml:"file_restrictions,omitempty"`
	ReadOnly          bool           `json:"read_only,omitempty" yaml:"read_only,omitempty"`
	DeliverableSchema map[string]any `json:"deliverable_schema,omitempty" yaml:"deliverable_schema,omitempty"`

	Condition   *ConditionConfig   `json:"condition,omitempty" yaml:"condition,omitempty"`
	ForEach     *ForEachConfig     `json:"for_each,omitempty" yaml:"for_each,omitempty"`
	SubWorkflow *SubWorkflowConfig `json:"sub_workflow,omitempty" yaml:"sub_workflow,omitempty"`
}

// TimeoutDuration parses Timeout, returning fallback when unset or malformed.
func (c *NodeConfig) TimeoutDuration(fallback time.Duration) time.Duration {
	if c.Timeout == "" {
		return fallback
	}
	d, err := time.ParseDuration(c.Timeout)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// ConditionConfig is the config block for condition nodes.
type ConditionConfig struct {
	Expression  string `json:"expression" yaml:"expression"`
	TrueBranch  string `json:"true_branch" yaml:"true_branch"`
	FalseBranch string `json:"false_branch" yaml:"false_branch"`
}

// ForEachConfig is the config block for forEach nodes.
type ForEachConfig struct {
	Collection    string   `json:"collection" yaml:"collection"`
	ItemVar       string   `json:"item_var,omitempty" yaml:"item_var,omitempty"`
	IndexVar      string   `json:"index_var,omitempty" yaml:"index_var,omitempty"`
	Body          []string `json:"body" yaml:"body"`
	MaxIterations int      `json:"max_iterations,omitempty" yaml:"max_iterations,omitempty"`
}

// SubWorkflowConfig is the config block for subWorkflow nodes.
// InputMapping maps child variable -> parent variable. OutputMapping maps
// parent variable -> child variable name or a jq path over child variables.
type SubWorkflowConfig struct {
	WorkflowID    string            `json:"workflow_id" yaml:"workflow_id"`
	InputMapping  map[string]string `json:"input_mapping,omitempty" yaml:"input_mapping,omitempty"`
	OutputMapping map[string]string `json:"output_mapping,omitempty" yaml:"output_mapping,omitempty"`
}

// ConditionType enumerates transition conditions.
type ConditionType string

const (
	ConditionAlways     ConditionType = "always"
	ConditionOnSuccess  ConditionType = "on_success"
	ConditionOnFailure  ConditionType = "on_failure"
	ConditionExpression ConditionType = "expression"
)

// TransitionCondition decides whether a transition is satisfied.
// An empty Type behaves as ConditionAlways.
type TransitionCondition struct {
	Type       ConditionType `json:"type" yaml:"type"`
	Expression string        `json:"expression,omitempty" yaml:"expression,omitempty"`
}

// Transition is a directed edge between two nodes.
type Transition struct {
	Source    string              `json:"source" yaml:"source"`
	Target    string              `json:"target" yaml:"target"`
	Condition TransitionCondition `json:"condition,omitempty" yaml:"condition,omitempty"`
}

// HITLGateDefinition attaches a human approval checkpoint to a node.
type HITLGateDefinition struct {
	NodeID   string       `json:"node_id" yaml:"node_id"`
	Prompt   string       `json:"prompt" yaml:"prompt"`
	Options  []GateOption `json:"options,omitempty" yaml:"options,omitempty"`
	Required bool         `json:"required,omitempty" yaml:"required,omitempty"`
}

// GateOption is one choice offered at a gate.
type GateOption struct {
	Value   string `json:"value" yaml:"value"`
	Label   string `json:"label,omitempty" yaml:"label,omitempty"`
	Default bool   `json:"default,omitempty" yaml:"default,omitempty"`
}

// Variable declares an execution variable with an optional default.
type Variable struct {
	Name        string `json:"name" yaml:"name"`
	Default     any    `json:"default,omitempty" yaml:"default,omitempty"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}

// ParallelGroup is a set of nodes that run concurrently as one lane.
type ParallelGroup struct {
	ID      string   `json:"id" yaml:"id"`
	NodeIDs []string `json:"node_ids" yaml:"node_ids"`
}

// Node returns the node with the given ID, or nil.
func (d *WorkflowDefinition) Node(id string) *AgentNode {
	for i := range d.Nodes {
		if d.Nodes[i].ID == id {
			return &d.Nodes[i]
		}
	}
	return nil
}

// Gate returns the gate attached to a node, or nil.
func (d *WorkflowDefinition) Gate(nodeID string) *HITLGateDefinition {
	for i := range d.Gates {
		if d.Gates[i].NodeID == nodeID {
			return &d.Gates[i]
		}
	}
	return nil
}

// Incoming returns every transition targeting nodeID, in definition order.
func (d *WorkflowDefinition) Incoming(nodeID string) []Transition {
	var out []Transition
	for _, t := range d.Transitions {
		if t.Target == nodeID {
			out = append(out, t)
		}
	}
	return out
}

// DefaultVariables returns the declared variable defaults.
func (d *WorkflowDefinition) DefaultVariables() map[string]any {
	vars := make(map[string]any, len(d.Variables))
	for _, v := range d.Variables {
		vars[v.Name] = v.Default
	}
	return vars
}

// DeepCopy returns an independent copy of the definition.
func (d *WorkflowDefinition) DeepCopy() (*WorkflowDefinition, error) {
	raw, err := json.Marshal(d)
	if err != nil {
		return nil, err
	}
	var cp WorkflowDefinition
	if err := json.Unmarshal(raw, &cp); err != nil {
		return nil, err
	}
	return &cp, nil
}
