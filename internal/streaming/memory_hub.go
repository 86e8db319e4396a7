package streaming

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rendis/flowgate/pkg/schema"
)

const defaultChannelBuffer = 64

type subscriber struct {
	ch     chan StreamEvent
	filter EventFilter
}

var _ EventHub = (*MemoryHub)(nil)

// MemoryHub is an in-process EventHub backed by channels.
type MemoryHub struct {
	mu   sync.RWMutex
	subs map[uint64]*subscriber
	seq  atomic.Uint64
}

// NewMemoryHub creates a new MemoryHub.
func NewMemoryHub() *MemoryHub {
	return &MemoryHub{
		subs: make(map[uint64]*subscriber),
	}
}

func (h *MemoryHub) PublishEvent(ctx context.Context, event schema.ExecutionEvent) error {
	return h.publish(ctx, StreamEvent{ExecutionID: event.ExecutionID, Kind: KindEvent, Event: &event})
}

func (h *MemoryHub) PublishSnapshot(ctx context.Context, exec *schema.Execution) error {
	return h.publish(ctx, StreamEvent{ExecutionID: exec.ID, Kind: KindSnapshot, Snapshot: exec})
}

// publish is non-blocking: a subscriber whose buffer is full misses the message.
func (h *MemoryHub) publish(ctx context.Context, msg StreamEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subs {
		if !sub.filter.match(msg) {
			continue
		}
		select {
		case sub.ch <- msg:
		default:
		}
	}
	return nil
}

// Subscribe registers a filtered subscription. The returned cancel removes it.
func (h *MemoryHub) Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	id := h.seq.Add(1)
	ch := make(chan StreamEvent, defaultChannelBuffer)

	h.mu.Lock()
	h.subs[id] = &subscriber{ch: ch, filter: filter}
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		delete(h.subs, id)
		h.mu.Unlock()
	}
	return ch, cancel, nil
}
