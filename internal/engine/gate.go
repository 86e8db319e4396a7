package engine

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/rendis/flowgate/pkg/schema"
)

// RejectSentinel is the decision value that fails a gated node.
const RejectSentinel = "reject"

// HeadlessResolver decides a gate without a human. Returning RejectSentinel
// fails the node; any other value approves it.
type HeadlessResolver func(gateID, prompt string) string

// ApproveAll is the headless resolver used by unattended runs.
func ApproveAll(string, string) string { return "approve" }

// GateDecision is the kind of answer a gate wait produced.
type GateDecision int

const (
	GateApprove GateDecision = iota
	GateReject
	GateRevise
	GateAbort
)

func (d GateDecision) String() string {
	switch d {
	case GateApprove:
		return "approve"
	case GateReject:
		return "reject"
	case GateRevise:
		return "revise"
	case GateAbort:
		return "abort"
	default:
		return "unknown"
	}
}

// GateResult is delivered exactly once to a waiting gate.
type GateResult struct {
	Decision GateDecision
	Value    string
	Feedback string
	Headless bool
}

// gateHost is the part of the orchestrator a coordinator drives.
type gateHost interface {
	gateOpened(nodeID string, gate *schema.HITLGateDefinition)
	gateClosed(nodeID string, res GateResult, remaining int)
	revisionAllowed(nodeID string) error
	recordRevision(nodeID, feedback string)
}

type pendingGate struct {
	ch   chan GateResult
	gate *schema.HITLGateDefinition
}

// GateCoordinator parks gated nodes until a decision, revision or abort.
// At most one wait exists per node id; each is removed exactly once.
type GateCoordinator struct {
	host     gateHost
	headless HeadlessResolver

	mu      sync.Mutex
	pending map[string]*pendingGate
	aborted bool
}

// NewGateCoordinator returns a coordinator. headless may be nil.
func NewGateCoordinator(host gateHost, headless HeadlessResolver) *GateCoordinator {
	return &GateCoordinator{host: host, headless: headless, pending: make(map[string]*pendingGate)}
}

// Open blocks until the gate for nodeID is resolved. A cancelled ctx
// resolves it as an abort.
func (g *GateCoordinator) Open(ctx context.Context, gate *schema.HITLGateDefinition, nodeID string) (GateResult, error) {
	if g.headless != nil {
		value := g.headless(nodeID, gate.Prompt)
		res := GateResult{Decision: GateApprove, Value: value, Headless: true}
		if value == RejectSentinel {
			res.Decision = GateReject
		}
		g.host.gateClosed(nodeID, res, g.Len())
		return res, nil
	}

	g.mu.Lock()
	if g.aborted {
		g.mu.Unlock()
		return GateResult{Decision: GateAbort}, nil
	}
	if _, exists := g.pending[nodeID]; exists {
		g.mu.Unlock()
		return GateResult{}, schema.NewErrorf(schema.ErrCodeConflict, "gate for node %s is already waiting", nodeID).WithNode(nodeID)
	}
	p := &pendingGate{ch: make(chan GateResult, 1), gate: gate}
	g.pending[nodeID] = p
	g.mu.Unlock()

	g.host.gateOpened(nodeID, gate)

	var res GateResult
	select {
	case res = <-p.ch:
	case <-ctx.Done():
		if g.take(nodeID, p) {
			res = GateResult{Decision: GateAbort}
		} else {
			// A resolver removed the entry first; its send is already buffered.
			res = <-p.ch
		}
	}

	g.host.gateClosed(nodeID, res, g.Len())
	return res, nil
}

// Decide resolves a waiting gate with value. Values other than RejectSentinel
// approve; when the gate lists options, value must be one of them.
func (g *GateCoordinator) Decide(nodeID, value string) error {
	g.mu.Lock()
	p, ok := g.pending[nodeID]
	if !ok {
		g.mu.Unlock()
		return schema.NewErrorf(schema.ErrCodeNotFound, "no gate is waiting for node %s", nodeID).WithNode(nodeID)
	}
	if value == "" {
		value = defaultOption(p.gate)
	}
	if value != RejectSentinel && len(p.gate.Options) > 0 && !hasOption(p.gate, value) {
		g.mu.Unlock()
		return schema.NewErrorf(schema.ErrCodeValidation, "invalid decision %q for node %s", value, nodeID).
			WithNode(nodeID).
			WithDetails(map[string]any{"options": optionValues(p.gate)})
	}
	delete(g.pending, nodeID)
	g.mu.Unlock()

	res := GateResult{Decision: GateApprove, Value: value}
	if value == RejectSentinel {
		res.Decision = GateReject
	}
	p.ch <- res
	return nil
}

// Revise records a revision for a waiting gate and releases it for re-dispatch.
// The revision cap is checked first so callers get a GATE_ERROR even when no
// gate is open. The revision is recorded after the lock is dropped and before
// the waiter wakes, so the re-dispatch sees the new count.
func (g *GateCoordinator) Revise(nodeID, feedback string) error {
	g.mu.Lock()
	if err := g.host.revisionAllowed(nodeID); err != nil {
		g.mu.Unlock()
		return err
	}
	p, ok := g.pending[nodeID]
	if !ok {
		g.mu.Unlock()
		return schema.NewErrorf(schema.ErrCodeNotFound, "no gate is waiting for node %s", nodeID).WithNode(nodeID)
	}
	delete(g.pending, nodeID)
	g.mu.Unlock()

	g.host.recordRevision(nodeID, feedback)
	p.ch <- GateResult{Decision: GateRevise, Feedback: feedback}
	return nil
}

// AbortAll resolves every waiting gate with an abort and refuses new waits.
func (g *GateCoordinator) AbortAll() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.aborted = true
	for id, p := range g.pending {
		delete(g.pending, id)
		p.ch <- GateResult{Decision: GateAbort}
	}
}

// Waiting reports whether nodeID has an open gate.
func (g *GateCoordinator) Waiting(nodeID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.pending[nodeID]
	return ok
}

// Pending lists node ids with open gates, sorted.
func (g *GateCoordinator) Pending() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	ids := make([]string, 0, len(g.pending))
	for id := range g.pending {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len is the number of open gates.
func (g *GateCoordinator) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.pending)
}

func (g *GateCoordinator) take(nodeID string, p *pendingGate) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.pending[nodeID] != p {
		return false
	}
	delete(g.pending, nodeID)
	return true
}

// gateFor returns the node's gate definition, synthesizing one when the node
// only sets a gate mode. It returns nil for ungated nodes.
func gateFor(def *schema.WorkflowDefinition, node *schema.AgentNode) *schema.HITLGateDefinition {
	if g := def.Gate(node.ID); g != nil {
		return g
	}
	if node.Config.GateMode == "" {
		return nil
	}
	return &schema.HITLGateDefinition{
		NodeID:   node.ID,
		Prompt:   fmt.Sprintf("Review the output of %s", node.DisplayName()),
		Options:  []schema.GateOption{{Value: "approve", Label: "Approve", Default: true}, {Value: RejectSentinel, Label: "Reject"}},
		Required: true,
	}
}

func hasOption(gate *schema.HITLGateDefinition, value string) bool {
	return slices.ContainsFunc(gate.Options, func(o schema.GateOption) bool { return o.Value == value })
}

func defaultOption(gate *schema.HITLGateDefinition) string {
	for _, o := range gate.Options {
		if o.Default {
			return o.Value
		}
	}
	if len(gate.Options) > 0 {
		return gate.Options[0].Value
	}
	return "approve"
}

func optionValues(gate *schema.HITLGateDefinition) []string {
	out := make([]string, len(gate.Options))
	for i, o := range gate.Options {
		out[i] = o.Value
	}
	return out
}
