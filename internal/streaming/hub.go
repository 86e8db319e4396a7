package streaming

import (
	"context"
	"errors"
	"slices"

	"github.com/rendis/flowgate/pkg/schema"
)

// Kind distinguishes the two payloads carried on a stream.
type Kind string

const (
	KindEvent    Kind = "event"
	KindSnapshot Kind = "snapshot"
)

// StreamEvent is one message delivered to subscribers: either an execution
// event or a full execution snapshot.
type StreamEvent struct {
	ExecutionID string                 `json:"execution_id"`
	Kind        Kind                   `json:"kind"`
	Event       *schema.ExecutionEvent `json:"event,omitempty"`
	Snapshot    *schema.Execution      `json:"snapshot,omitempty"`
}

// EventType returns the event type, or "snapshot" for snapshots.
func (e StreamEvent) EventType() string {
	if e.Event != nil {
		return e.Event.Type
	}
	return string(e.Kind)
}

// EventFilter specifies which messages a subscriber wants to receive.
type EventFilter struct {
	ExecutionID string   `json:"execution_id,omitempty"`
	EventTypes  []string `json:"event_types,omitempty"`
	Snapshots   bool     `json:"snapshots,omitempty"`
}

func (f EventFilter) match(e StreamEvent) bool {
	if f.ExecutionID != "" && f.ExecutionID != e.ExecutionID {
		return false
	}
	if e.Kind == KindSnapshot {
		return f.Snapshots
	}
	return len(f.EventTypes) == 0 || slices.Contains(f.EventTypes, e.EventType())
}

// Sink receives every event and snapshot an execution produces.
// The engine treats publish failures as best-effort.
type Sink interface {
	PublishEvent(ctx context.Context, event schema.ExecutionEvent) error
	PublishSnapshot(ctx context.Context, exec *schema.Execution) error
}

// EventHub is a Sink that also supports subscriptions.
type EventHub interface {
	Sink
	Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error)
}

// Multi fans out to several sinks. Every sink is called even if an earlier one fails.
type Multi []Sink

// NewMulti drops nil sinks.
func NewMulti(sinks ...Sink) Multi {
	out := make(Multi, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

func (m Multi) PublishEvent(ctx context.Context, event schema.ExecutionEvent) error {
	var errs []error
	for _, s := range m {
		if err := s.PublishEvent(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) PublishSnapshot(ctx context.Context, exec *schema.Execution) error {
	var errs []error
	for _, s := range m {
		if err := s.PublishSnapshot(ctx, exec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
