package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestMutualExclusionPerKey(t *testing.T) {
	k := New(10)
	ctx := context.Background()

	var active, maxActive int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := k.Acquire(ctx, "conv-1")
			require.NoError(t, err)
			defer release()

			n := atomic.AddInt32(&active, 1)
			for {
				prev := atomic.LoadInt32(&maxActive)
				if n <= prev || atomic.CompareAndSwapInt32(&maxActive, prev, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt32(&active, -1)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&maxActive))
}

func TestFIFOOrderPerKey(t *testing.T) {
	k := New(10)
	ctx := context.Background()

	release, err := k.Acquire(ctx, "conv-1")
	require.NoError(t, err)

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := 1; i <= 4; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			r, err := k.Acquire(ctx, "conv-1")
			require.NoError(t, err)
			mu.Lock()
			order = append(order, n)
			mu.Unlock()
			r()
		}(i)
		// stagger so each waiter queues before the next launches
		time.Sleep(20 * time.Millisecond)
	}

	release()
	wg.Wait()

	assert.Equal(t, []int{1, 2, 3, 4}, order)
}

func TestGlobalCeiling(t *testing.T) {
	k := New(2)
	ctx := context.Background()

	r1, err := k.Acquire(ctx, "conv-1")
	require.NoError(t, err)
	r2, err := k.Acquire(ctx, "conv-2")
	require.NoError(t, err)

	third := make(chan struct{})
	go func() {
		r3, err := k.Acquire(ctx, "conv-3")
		require.NoError(t, err)
		close(third)
		r3()
	}()

	select {
	case <-third:
		t.Fatal("third exchange ran above the ceiling")
	case <-time.After(50 * time.Millisecond):
	}

	r1()
	select {
	case <-third:
	case <-time.After(time.Second):
		t.Fatal("third exchange never got the freed slot")
	}
	r2()
}

func TestAcquireCancelled(t *testing.T) {
	k := New(10)

	release, err := k.Acquire(context.Background(), "conv-1")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = k.Acquire(ctx, "conv-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	release()

	// key must be usable again after the cancelled wait cleaned up
	r, err := k.Acquire(context.Background(), "conv-1")
	require.NoError(t, err)
	r()
}

func TestReleaseIdempotent(t *testing.T) {
	k := New(1)
	ctx := context.Background()

	release, err := k.Acquire(ctx, "conv-1")
	require.NoError(t, err)
	release()
	release()

	// a double release must not have freed a second global slot
	r1, err := k.Acquire(ctx, "conv-2")
	require.NoError(t, err)

	blocked := make(chan struct{})
	go func() {
		r2, err := k.Acquire(ctx, "conv-3")
		require.NoError(t, err)
		close(blocked)
		r2()
	}()

	select {
	case <-blocked:
		t.Fatal("ceiling of one admitted two exchanges")
	case <-time.After(50 * time.Millisecond):
	}
	r1()
	<-blocked
}

func TestKeyMapCleanup(t *testing.T) {
	k := New(10)
	ctx := context.Background()

	release, err := k.Acquire(ctx, "conv-1")
	require.NoError(t, err)
	release()

	k.mu.Lock()
	n := len(k.keys)
	k.mu.Unlock()
	assert.Zero(t, n)
}
