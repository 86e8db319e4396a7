package sandbox

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowgate/pkg/schema"
)

func newTestPool(t *testing.T, size int) *LocalPool {
	t.Helper()
	p, err := NewLocalPool(LocalPoolConfig{Root: t.TempDir(), Size: size})
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Teardown(context.Background()) })
	return p
}

func TestLocalPool_AcquireRelease(t *testing.T) {
	p := newTestPool(t, 2)

	h, err := p.Acquire(context.Background(), "plan")
	require.NoError(t, err)
	assert.Equal(t, "plan", h.BlockID)
	assert.DirExists(t, h.WorkDir)
	assert.Equal(t, 1, p.Snapshot().InUse)

	require.NoError(t, p.Release(h.ID))
	snap := p.Snapshot()
	assert.Equal(t, 0, snap.InUse)
	assert.Equal(t, 1, snap.Idle)
}

func TestLocalPool_DoubleReleaseRejected(t *testing.T) {
	p := newTestPool(t, 1)
	h, err := p.Acquire(context.Background(), "a")
	require.NoError(t, err)

	require.NoError(t, p.Release(h.ID))
	err = p.Release(h.ID)
	assertResourceErr(t, err)

	// The slot count stays consistent: one more acquire must still succeed.
	h2, err := p.Acquire(context.Background(), "b")
	require.NoError(t, err)
	require.NoError(t, p.Release(h2.ID))
}

func TestLocalPool_ReleaseWipesWorkDir(t *testing.T) {
	p := newTestPool(t, 1)
	h, err := p.Acquire(context.Background(), "a")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(h.WorkDir+"/leftover.txt", []byte("x"), 0o644))
	require.NoError(t, p.Release(h.ID))

	h2, err := p.Acquire(context.Background(), "b")
	require.NoError(t, err)
	entries, err := os.ReadDir(h2.WorkDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
	require.NoError(t, p.Release(h2.ID))
}

func TestLocalPool_AcquireBlocksUntilCtxDone(t *testing.T) {
	p := newTestPool(t, 1)
	h, err := p.Acquire(context.Background(), "a")
	require.NoError(t, err)
	defer func() { _ = p.Release(h.ID) }()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = p.Acquire(ctx, "b")
	assertResourceErr(t, err)
}

func TestLocalPool_BoundsConcurrency(t *testing.T) {
	const size = 3
	p := newTestPool(t, size)

	var cur, peak atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := p.Acquire(context.Background(), "n")
			if err != nil {
				return
			}
			n := cur.Add(1)
			for {
				old := peak.Load()
				if n <= old || peak.CompareAndSwap(old, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			cur.Add(-1)
			_ = p.Release(h.ID)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, peak.Load(), int32(size))
	assert.Equal(t, 0, p.Snapshot().InUse)
}

func TestLocalPool_Prewarm(t *testing.T) {
	p := newTestPool(t, 2)
	require.NoError(t, p.Prewarm(context.Background(), 5))
	assert.Equal(t, 2, p.Snapshot().Idle)
}

func TestLocalPool_TeardownRejectsAcquire(t *testing.T) {
	p := newTestPool(t, 1)
	require.NoError(t, p.Prewarm(context.Background(), 1))
	require.NoError(t, p.Teardown(context.Background()))
	require.NoError(t, p.Teardown(context.Background()))

	_, err := p.Acquire(context.Background(), "a")
	assertResourceErr(t, err)
	assert.True(t, p.Snapshot().Closed)
}

func TestLocalPool_TeardownUnblocksWaiters(t *testing.T) {
	p := newTestPool(t, 1)
	h, err := p.Acquire(context.Background(), "a")
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		_, err := p.Acquire(context.Background(), "b")
		errCh <- err
	}()
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, p.Teardown(context.Background()))

	select {
	case err := <-errCh:
		assert.True(t, schema.IsCode(err, schema.ErrCodeResource))
	case <-time.After(time.Second):
		t.Fatal("waiter not released by teardown")
	}
	require.NoError(t, p.Release(h.ID))
	assert.NoDirExists(t, h.WorkDir)
}

func TestLocalPool_OnUsage(t *testing.T) {
	var seen []int
	var mu sync.Mutex
	p, err := NewLocalPool(LocalPoolConfig{Root: t.TempDir(), Size: 2, OnUsage: func(n int) {
		mu.Lock()
		seen = append(seen, n)
		mu.Unlock()
	}})
	require.NoError(t, err)

	h, err := p.Acquire(context.Background(), "a")
	require.NoError(t, err)
	require.NoError(t, p.Release(h.ID))
	assert.Equal(t, []int{1, 0}, seen)
}
