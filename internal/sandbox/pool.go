package sandbox

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/flowgate/pkg/schema"
)

// Handle is one acquired sandbox slot.
type Handle struct {
	ID         string    `json:"id"`
	BlockID    string    `json:"block_id"`
	WorkDir    string    `json:"work_dir"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// Snapshot is a point-in-time view of a pool.
type Snapshot struct {
	Size   int      `json:"size"`
	InUse  int      `json:"in_use"`
	Idle   int      `json:"idle"`
	Closed bool     `json:"closed"`
	Active []Handle `json:"active,omitempty"`
}

// Pool hands out isolated working areas to agent nodes.
// Every successful Acquire must be paired with exactly one Release.
type Pool interface {
	Acquire(ctx context.Context, blockID string) (*Handle, error)
	Release(handleID string) error
	Prewarm(ctx context.Context, count int) error
	Teardown(ctx context.Context) error
	Snapshot() Snapshot
}

// LocalPoolConfig configures a LocalPool.
type LocalPoolConfig struct {
	Root    string
	Size    int
	Logger  *slog.Logger
	OnUsage func(inUse int) // called after every acquire and release
}

var _ Pool = (*LocalPool)(nil)

// LocalPool is a bounded pool of directories under a root path.
type LocalPool struct {
	root    string
	size    int
	logger  *slog.Logger
	onUsage func(int)

	sem  chan struct{}
	done chan struct{}

	mu     sync.Mutex
	idle   []string
	inUse  map[string]*Handle
	closed bool
}

// NewLocalPool creates the root directory and returns an empty pool.
func NewLocalPool(cfg LocalPoolConfig) (*LocalPool, error) {
	if cfg.Size <= 0 {
		cfg.Size = 4
	}
	if cfg.Root == "" {
		cfg.Root = filepath.Join(os.TempDir(), "flowgate-sandboxes")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if err := os.MkdirAll(cfg.Root, 0o755); err != nil {
		return nil, schema.NewError(schema.ErrCodeResource, "create sandbox root").WithCause(err)
	}
	return &LocalPool{
		root:    cfg.Root,
		size:    cfg.Size,
		logger:  cfg.Logger,
		onUsage: cfg.OnUsage,
		sem:     make(chan struct{}, cfg.Size),
		done:    make(chan struct{}),
		inUse:   make(map[string]*Handle),
	}, nil
}

// Acquire blocks until a slot is free, ctx ends, or the pool is torn down.
func (p *LocalPool) Acquire(ctx context.Context, blockID string) (*Handle, error) {
	select {
	case <-p.done:
		return nil, errPoolClosed()
	default:
	}

	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, schema.NewError(schema.ErrCodeResource, "sandbox acquire cancelled").
			WithNode(blockID).WithCause(ctx.Err())
	case <-p.done:
		return nil, errPoolClosed()
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.sem
		return nil, errPoolClosed()
	}
	var dir string
	if n := len(p.idle); n > 0 {
		dir = p.idle[n-1]
		p.idle = p.idle[:n-1]
	}
	p.mu.Unlock()

	if dir == "" {
		var err error
		if dir, err = p.makeDir(); err != nil {
			<-p.sem
			return nil, err
		}
	}

	h := &Handle{
		ID:         uuid.New().String(),
		BlockID:    blockID,
		WorkDir:    dir,
		AcquiredAt: time.Now().UTC(),
	}

	p.mu.Lock()
	p.inUse[h.ID] = h
	n := len(p.inUse)
	p.mu.Unlock()

	p.logger.Debug("sandbox acquired", slog.String("handle_id", h.ID), slog.String("node_id", blockID))
	p.report(n)
	return h, nil
}

// Release returns a slot. Releasing an unknown or already released handle
// is a RESOURCE_ERROR and leaves the pool untouched.
func (p *LocalPool) Release(handleID string) error {
	p.mu.Lock()
	h, ok := p.inUse[handleID]
	if !ok {
		p.mu.Unlock()
		return schema.NewErrorf(schema.ErrCodeResource, "unknown sandbox handle %s", handleID)
	}
	delete(p.inUse, handleID)
	closed := p.closed
	n := len(p.inUse)
	p.mu.Unlock()

	var err error
	if rmErr := os.RemoveAll(h.WorkDir); rmErr != nil {
		err = schema.NewErrorf(schema.ErrCodeResource, "clean sandbox %s", handleID).WithCause(rmErr)
	} else if !closed {
		if mkErr := os.MkdirAll(h.WorkDir, 0o755); mkErr == nil {
			p.mu.Lock()
			if !p.closed {
				p.idle = append(p.idle, h.WorkDir)
			}
			p.mu.Unlock()
		}
	}

	<-p.sem
	p.logger.Debug("sandbox released", slog.String("handle_id", handleID), slog.String("node_id", h.BlockID))
	p.report(n)
	return err
}

// Prewarm creates up to count idle directories without exceeding the pool size.
func (p *LocalPool) Prewarm(ctx context.Context, count int) error {
	for i := 0; i < count; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		p.mu.Lock()
		full := p.closed || len(p.idle)+len(p.inUse) >= p.size
		p.mu.Unlock()
		if full {
			return nil
		}
		dir, err := p.makeDir()
		if err != nil {
			return err
		}
		p.mu.Lock()
		p.idle = append(p.idle, dir)
		p.mu.Unlock()
	}
	return nil
}

// Teardown closes the pool and removes idle directories. Handles still in
// use are cleaned up when released. Calling Teardown twice is a no-op.
func (p *LocalPool) Teardown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.done)
	idle := p.idle
	p.idle = nil
	busy := len(p.inUse)
	p.mu.Unlock()

	var errs []error
	for _, dir := range idle {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if err := os.RemoveAll(dir); err != nil {
			errs = append(errs, err)
		}
	}
	if busy > 0 {
		p.logger.Warn("sandbox pool torn down with handles in use", slog.Int("in_use", busy))
	}
	if len(errs) > 0 {
		return schema.NewError(schema.ErrCodeResource, "sandbox teardown").WithCause(errors.Join(errs...))
	}
	return nil
}

// Snapshot reports pool occupancy. Active handles are sorted by acquire time.
func (p *LocalPool) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	snap := Snapshot{
		Size:   p.size,
		InUse:  len(p.inUse),
		Idle:   len(p.idle),
		Closed: p.closed,
	}
	for _, h := range p.inUse {
		snap.Active = append(snap.Active, *h)
	}
	sort.Slice(snap.Active, func(i, j int) bool {
		return snap.Active[i].AcquiredAt.Before(snap.Active[j].AcquiredAt)
	})
	return snap
}

func (p *LocalPool) makeDir() (string, error) {
	dir := filepath.Join(p.root, uuid.New().String())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", schema.NewError(schema.ErrCodeResource, "create sandbox directory").WithCause(err)
	}
	return dir, nil
}

func (p *LocalPool) report(inUse int) {
	if p.onUsage != nil {
		p.onUsage(inUse)
	}
}

func errPoolClosed() error {
	return schema.NewError(schema.ErrCodeResource, "sandbox pool is closed")
}
