package backends

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/rendis/flowgate/pkg/schema"
)

// Simulated waits a short random interval and always succeeds.
type Simulated struct {
	MinDelay time.Duration
	MaxDelay time.Duration
}

// NewSimulated returns a simulated dispatcher. Zero bounds default to 50-250ms.
func NewSimulated(minDelay, maxDelay time.Duration) *Simulated {
	if minDelay <= 0 && maxDelay <= 0 {
		minDelay, maxDelay = 50*time.Millisecond, 250*time.Millisecond
	}
	if maxDelay < minDelay {
		maxDelay = minDelay
	}
	return &Simulated{MinDelay: minDelay, MaxDelay: maxDelay}
}

func (s *Simulated) Backend() schema.Backend { return schema.BackendSimulated }

func (s *Simulated) Dispatch(ctx context.Context, req Request) (*Outcome, error) {
	delay := s.MinDelay
	if span := s.MaxDelay - s.MinDelay; span > 0 {
		delay += time.Duration(rand.Int64N(int64(span) + 1))
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
		return nil, contextError(ctx, req.Node.ID)
	}

	return &Outcome{
		Output: map[string]any{
			"simulated":   true,
			"node_id":     req.Node.ID,
			"attempt":     req.Attempt,
			"prompt_size": len(req.Prompt),
			"duration_ms": delay.Milliseconds(),
		},
	}, nil
}
