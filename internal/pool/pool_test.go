// SPDX-License-Identifier: MIT

package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/tiktok-toe/governor/internal/sched"
)

// testFactory hands out increasing ints and counts lifecycle calls.
type testFactory struct {
	mu          sync.Mutex
	next        int
	created     atomic.Int64
	destroyed   atomic.Int64
	destroyedBy map[int]int // id -> destroy count
	createErr   error
	invalid     map[int]bool
	destroyErr  error
}

func newTestFactory() *testFactory {
	return &testFactory{destroyedBy: make(map[int]int), invalid: make(map[int]bool)}
}

func (f *testFactory) Create(context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return 0, f.createErr
	}
	f.next++
	f.created.Add(1)
	return f.next, nil
}

func (f *testFactory) Destroy(_ context.Context, id int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroyed.Add(1)
	f.destroyedBy[id]++
	return f.destroyErr
}

func (f *testFactory) Validate(_ context.Context, id int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.invalid[id]
}

func newTestPool(t *testing.T, cfg Config, f *testFactory) *Pool[int] {
	t.Helper()
	if cfg.Scheduler == nil {
		cfg.Scheduler = sched.NewManual()
	}
	p := New(cfg, f)
	t.Cleanup(p.Close)
	return p
}

func TestPool_WarmStart(t *testing.T) {
	f := newTestFactory()
	p := newTestPool(t, Config{Name: t.Name(), MinSize: 2, MaxSize: 5}, f)

	s := p.Stats()
	assert.Equal(t, 2, s.Idle)
	assert.Equal(t, 0, s.Active)
	assert.Equal(t, int64(2), f.created.Load())
}

func TestPool_WarmStartCountsTowardCapacity(t *testing.T) {
	defer goleak.VerifyNone(t)

	f := newTestFactory()
	p := newTestPool(t, Config{Name: t.Name(), MinSize: 2, MaxSize: 3, AcquireTimeout: 5 * time.Second}, f)

	var held []*Resource[int]
	for i := 0; i < 3; i++ {
		res, err := p.Acquire(context.Background())
		require.NoError(t, err)
		held = append(held, res)
	}

	// Warmed resources occupy capacity, so a fourth acquire waits instead
	// of creating past MaxSize.
	done := make(chan error, 1)
	go func() {
		res, err := p.Acquire(context.Background())
		if err == nil {
			p.Release(res)
		}
		done <- err
	}()
	require.Eventually(t, func() bool { return p.Stats().Waiting == 1 }, time.Second, time.Millisecond)

	s := p.Stats()
	assert.Equal(t, 3, s.Active)
	assert.Equal(t, int64(3), f.created.Load(), "no creation beyond MaxSize")

	p.Release(held[0])
	require.NoError(t, <-done)
	p.Release(held[1])
	p.Release(held[2])
}

func TestPool_AcquireRelease(t *testing.T) {
	f := newTestFactory()
	p := newTestPool(t, Config{Name: t.Name(), MinSize: 0, MaxSize: 2}, f)

	res, err := p.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, p.Stats().Active)

	p.Release(res)
	s := p.Stats()
	assert.Equal(t, 0, s.Active)
	assert.Equal(t, 1, s.Idle)

	// The idle resource is reused, not recreated.
	res2, err := p.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, res.Value(), res2.Value())
	assert.Equal(t, int64(1), f.created.Load())
	p.Release(res2)
}

func TestPool_ConcurrentAcquireScenario(t *testing.T) {
	// min 2, max 3: four concurrent acquires, three resolve immediately,
	// the fourth waits and is resolved by a release with the freed resource.
	defer goleak.VerifyNone(t)

	f := newTestFactory()
	p := newTestPool(t, Config{Name: t.Name(), MinSize: 2, MaxSize: 3, AcquireTimeout: 5 * time.Second}, f)

	var immediate []*Resource[int]
	for i := 0; i < 3; i++ {
		res, err := p.Acquire(context.Background())
		require.NoError(t, err)
		immediate = append(immediate, res)
	}
	assert.Equal(t, 3, p.Stats().Active)

	got := make(chan *Resource[int], 1)
	go func() {
		res, err := p.Acquire(context.Background())
		if err != nil {
			got <- nil
			return
		}
		got <- res
	}()

	require.Eventually(t, func() bool { return p.Stats().Waiting == 1 }, time.Second, time.Millisecond)

	freed := immediate[0]
	p.Release(freed)

	select {
	case res := <-got:
		require.NotNil(t, res)
		assert.Equal(t, freed.Value(), res.Value(), "waiter gets the freed resource directly")
		p.Release(res)
	case <-time.After(time.Second):
		t.Fatal("waiter was not resolved by release")
	}

	p.Release(immediate[1])
	p.Release(immediate[2])
	assert.Equal(t, int64(3), f.created.Load(), "no resource created beyond max")
}

func TestPool_AcquireTimeout(t *testing.T) {
	clock := sched.NewManualClock(time.Now())
	f := newTestFactory()
	p := newTestPool(t, Config{Name: t.Name(), MaxSize: 1, AcquireTimeout: time.Second, Clock: clock}, f)

	res, err := p.Acquire(context.Background())
	require.NoError(t, err)
	defer p.Release(res)

	errCh := make(chan error, 1)
	go func() {
		_, err := p.Acquire(context.Background())
		errCh <- err
	}()
	require.Eventually(t, func() bool { return clock.Pending() == 1 }, time.Second, time.Millisecond)

	clock.Advance(time.Second)

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, ErrAcquireTimeout)
	case <-time.After(time.Second):
		t.Fatal("acquire did not observe the timeout")
	}
	assert.Equal(t, int64(1), p.Stats().Timeouts)
	assert.Equal(t, 0, p.Stats().Waiting, "timed-out waiter removed from the queue")
}

func TestPool_FIFOFairness(t *testing.T) {
	f := newTestFactory()
	p := newTestPool(t, Config{Name: t.Name(), MaxSize: 1, AcquireTimeout: 5 * time.Second}, f)

	res, err := p.Acquire(context.Background())
	require.NoError(t, err)

	const waiters = 5
	order := make(chan int, waiters)
	var ready sync.WaitGroup
	for i := 0; i < waiters; i++ {
		i := i
		ready.Add(1)
		go func() {
			// Stagger enqueueing so arrival order is deterministic.
			for p.Stats().Waiting != i {
				time.Sleep(time.Millisecond)
			}
			ready.Done()
			r, err := p.Acquire(context.Background())
			if err != nil {
				order <- -1
				return
			}
			order <- i
			p.Release(r)
		}()
		require.Eventually(t, func() bool { return p.Stats().Waiting == i+1 }, time.Second, time.Millisecond)
	}
	ready.Wait()

	p.Release(res)
	for i := 0; i < waiters; i++ {
		select {
		case got := <-order:
			assert.Equal(t, i, got, "waiters must resolve in acquire order")
		case <-time.After(time.Second):
			t.Fatalf("waiter %d never resolved", i)
		}
	}
}

func TestPool_ValidateOnBorrow(t *testing.T) {
	f := newTestFactory()
	p := newTestPool(t, Config{
		Name:             t.Name(),
		MinSize:          0,
		MaxSize:          3,
		ValidateOnBorrow: true,
	}, f)

	res, err := p.Acquire(context.Background())
	require.NoError(t, err)
	stale := res.Value()
	p.Release(res)

	f.mu.Lock()
	f.invalid[stale] = true
	f.mu.Unlock()

	res2, err := p.Acquire(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, stale, res2.Value(), "invalid resource replaced")
	assert.Equal(t, 1, f.destroyedBy[stale], "invalid resource destroyed once")
	p.Release(res2)
}

func TestPool_ValidateRetriesExhausted(t *testing.T) {
	f := newTestFactory()
	p := newTestPool(t, Config{
		Name:               t.Name(),
		MaxSize:            2,
		ValidateOnBorrow:   true,
		MaxValidateRetries: 1,
	}, f)

	// Fill the idle list with resources then poison every current and
	// future resource.
	a, _ := p.Acquire(context.Background())
	b, _ := p.Acquire(context.Background())
	p.Release(a)
	p.Release(b)

	f.mu.Lock()
	f.invalid[a.Value()] = true
	f.invalid[b.Value()] = true
	f.mu.Unlock()

	// First borrow destroys one invalid idle, retries once, hits the second
	// invalid idle, and gives up.
	_, err := p.Acquire(context.Background())
	require.ErrorIs(t, err, ErrResourceValidation)
}

func TestPool_CreateErrorPropagates(t *testing.T) {
	f := newTestFactory()
	boom := errors.New("backend down")
	f.createErr = boom

	p := newTestPool(t, Config{Name: t.Name(), MaxSize: 2}, f)
	_, err := p.Acquire(context.Background())
	require.ErrorIs(t, err, boom)

	// Reserved capacity is returned on failure.
	s := p.Stats()
	assert.Equal(t, 0, s.Active)
	assert.Equal(t, 0, s.Idle)
}

func TestPool_MaintenanceReapsIdle(t *testing.T) {
	clock := sched.NewManualClock(time.Now())
	manual := sched.NewManual()
	f := newTestFactory()
	p := newTestPool(t, Config{
		Name:        t.Name(),
		MinSize:     1,
		MaxSize:     5,
		IdleTimeout: time.Minute,
		Clock:       clock,
		Scheduler:   manual,
	}, f)

	var handles []*Resource[int]
	for i := 0; i < 4; i++ {
		r, err := p.Acquire(context.Background())
		require.NoError(t, err)
		handles = append(handles, r)
	}
	for _, r := range handles {
		p.Release(r)
	}
	require.Equal(t, 4, p.Stats().Idle)

	clock.Advance(2 * time.Minute)
	manual.Tick()

	s := p.Stats()
	assert.Equal(t, 1, s.Idle, "reaper keeps the pool at MinSize")
	assert.Equal(t, int64(3), f.destroyed.Load())
}

func TestPool_MaintenanceKeepsFreshResources(t *testing.T) {
	clock := sched.NewManualClock(time.Now())
	manual := sched.NewManual()
	f := newTestFactory()
	p := newTestPool(t, Config{
		Name:        t.Name(),
		MinSize:     0,
		MaxSize:     5,
		IdleTimeout: time.Minute,
		Clock:       clock,
		Scheduler:   manual,
	}, f)

	r, err := p.Acquire(context.Background())
	require.NoError(t, err)
	p.Release(r)

	clock.Advance(30 * time.Second)
	manual.Tick()
	assert.Equal(t, 1, p.Stats().Idle, "fresh idle resource survives maintenance")
}

type denyGate struct{ allow atomic.Bool }

func (g *denyGate) AllowCreate() bool { return g.allow.Load() }

func TestPool_GatePreventsGrowth(t *testing.T) {
	gate := &denyGate{}
	f := newTestFactory()
	p := newTestPool(t, Config{
		Name:           t.Name(),
		MinSize:        1,
		MaxSize:        3,
		AcquireTimeout: 30 * time.Millisecond,
		Gate:           gate,
	}, f)

	// The MinSize floor is reachable regardless of the gate.
	a, err := p.Acquire(context.Background())
	require.NoError(t, err)
	defer p.Release(a)

	// Growth past the floor requires the gate's consent.
	_, err = p.Acquire(context.Background())
	require.ErrorIs(t, err, ErrAcquireTimeout)

	gate.allow.Store(true)
	b, err := p.Acquire(context.Background())
	require.NoError(t, err)
	p.Release(b)
}

func TestPool_CloseIdempotent(t *testing.T) {
	f := newTestFactory()
	p := New(Config{Name: t.Name(), MinSize: 2, MaxSize: 3, Scheduler: sched.NewManual()}, f)

	res, err := p.Acquire(context.Background())
	require.NoError(t, err)

	p.Close()
	p.Close()

	// Idle resources destroyed once each; the active one on release.
	assert.Equal(t, int64(1), f.destroyed.Load())
	p.Release(res)
	assert.Equal(t, int64(2), f.destroyed.Load())
	p.Release(res) // double release after close: no extra destroy
	assert.Equal(t, int64(2), f.destroyed.Load())

	for id, n := range f.destroyedBy {
		assert.Equal(t, 1, n, "resource %d destroyed more than once", id)
	}

	_, err = p.Acquire(context.Background())
	assert.ErrorIs(t, err, ErrPoolClosing)
}

func TestPool_CloseRejectsWaiters(t *testing.T) {
	defer goleak.VerifyNone(t)

	f := newTestFactory()
	p := New(Config{Name: t.Name(), MaxSize: 1, AcquireTimeout: 5 * time.Second, Scheduler: sched.NewManual()}, f)

	res, err := p.Acquire(context.Background())
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		_, err := p.Acquire(context.Background())
		errCh <- err
	}()
	require.Eventually(t, func() bool { return p.Stats().Waiting == 1 }, time.Second, time.Millisecond)

	p.Close()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrPoolClosing)
	case <-time.After(time.Second):
		t.Fatal("waiter not rejected on close")
	}
	p.Release(res)
}

func TestPool_ContextCancellation(t *testing.T) {
	f := newTestFactory()
	p := newTestPool(t, Config{Name: t.Name(), MaxSize: 1, AcquireTimeout: 5 * time.Second}, f)

	res, err := p.Acquire(context.Background())
	require.NoError(t, err)
	defer p.Release(res)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := p.Acquire(ctx)
		errCh <- err
	}()
	require.Eventually(t, func() bool { return p.Stats().Waiting == 1 }, time.Second, time.Millisecond)

	cancel()
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("acquire did not observe cancellation")
	}
}

func TestPool_DestroyErrorLoggedNotFatal(t *testing.T) {
	f := newTestFactory()
	f.destroyErr = errors.New("teardown flaked")
	p := New(Config{Name: t.Name(), MinSize: 1, MaxSize: 2, Scheduler: sched.NewManual()}, f)

	p.Close()

	// Pool finished closing despite the destroy failure.
	_, err := p.Acquire(context.Background())
	assert.ErrorIs(t, err, ErrPoolClosing)
}

func TestPool_BoundsInvariant(t *testing.T) {
	f := newTestFactory()
	p := newTestPool(t, Config{Name: t.Name(), MinSize: 1, MaxSize: 4, AcquireTimeout: 100 * time.Millisecond}, f)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := p.Acquire(context.Background())
			if err != nil {
				return
			}
			s := p.Stats()
			assert.LessOrEqual(t, s.Active+s.Idle, 4)
			time.Sleep(time.Millisecond)
			p.Release(res)
		}()
	}
	wg.Wait()

	s := p.Stats()
	assert.LessOrEqual(t, s.Active+s.Idle, 4)
	assert.GreaterOrEqual(t, s.Active+s.Idle, 1)
}
