package inbox

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/peerbox/pkg/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testKey struct {
	src uint32
	tag uint32
}

func newInbox(t *testing.T, max int) *Inbox[testKey] {
	t.Helper()
	ib, err := New[testKey](Config{MaxBufferSize: max})
	require.NoError(t, err)
	t.Cleanup(func() { ib.Close() })
	return ib
}

func TestInbox_FIFOPerKey(t *testing.T) {
	ib := newInbox(t, 1<<20)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	const producers = 4
	const perProducer = 200

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				msg := []byte(fmt.Sprintf("%d", i))
				assert.NoError(t, ib.Enqueue(ctx, msg, testKey{src: uint32(p)}))
			}
		}()
	}

	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				msg, err := ib.WaitDequeue(ctx, testKey{src: uint32(p)})
				if !assert.NoError(t, err) {
					return
				}
				assert.Equal(t, fmt.Sprintf("%d", i), string(msg))
			}
		}()
	}

	wg.Wait()
	require.Zero(t, ib.Len())
	require.Zero(t, ib.Buffered())
}

func TestInbox_FIFOSharedKey(t *testing.T) {
	ib := newInbox(t, 256)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	const producers = 4
	const perProducer = 500
	key := testKey{src: 1, tag: 1}

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				msg := []byte(fmt.Sprintf("%d:%d", p, i))
				assert.NoError(t, ib.Enqueue(ctx, msg, key))
			}
		}()
	}

	next := make([]int, producers)
	for i := 0; i < producers*perProducer; i++ {
		msg, err := ib.WaitDequeue(ctx, key)
		require.NoError(t, err)
		var p, seq int
		_, err = fmt.Sscanf(string(msg), "%d:%d", &p, &seq)
		require.NoError(t, err)
		require.Equal(t, next[p], seq, "producer %d out of order", p)
		next[p]++
	}

	wg.Wait()
	require.Zero(t, ib.Len())
}

func TestInbox_QueueMemoryStaysBounded(t *testing.T) {
	ib := newInbox(t, 1<<20)
	ctx := context.Background()
	key := testKey{src: 1}

	// one message always waiting, so the queue never drains.
	require.NoError(t, ib.Enqueue(ctx, []byte("x"), key))
	for i := 0; i < 100_000; i++ {
		require.NoError(t, ib.Enqueue(ctx, []byte("x"), key))
		_, err := ib.WaitDequeue(ctx, key)
		require.NoError(t, err)
	}

	ib.lk.Lock()
	q := ib.queues[key]
	live, capacity := len(q.items)-q.head, cap(q.items)
	ib.lk.Unlock()

	require.Equal(t, 1, live)
	require.LessOrEqual(t, capacity, 16)
	require.Equal(t, 1, ib.Buffered())
}

func TestInbox_BudgetNeverExceeded(t *testing.T) {
	const max = 64
	sink := metrics.NewInmemSink(time.Minute, time.Minute)
	ib, err := New[testKey](Config{MaxBufferSize: max, MetricSink: sink})
	require.NoError(t, err)
	defer ib.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var peak atomic.Int64
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			assert.NoError(t, ib.Enqueue(ctx, make([]byte, 10), testKey{}))
			if b := int64(ib.Buffered()); b > peak.Load() {
				peak.Store(b)
			}
		}
	}()

	require.Eventually(t, func() bool {
		return ib.Buffered() == 60
	}, 5*time.Second, 10*time.Millisecond, "producer fills the budget then blocks")

	for i := 0; i < 100; i++ {
		msg, err := ib.WaitDequeue(ctx, testKey{})
		require.NoError(t, err)
		require.Len(t, msg, 10)
		require.LessOrEqual(t, ib.Buffered(), max)
	}
	<-done
	require.LessOrEqual(t, peak.Load(), int64(max))

	var stalls float64
	for _, interval := range sink.Data() {
		for _, c := range interval.Counters {
			if c.Name == strings.Join(telemetry.MetricInboxBackpressure, ".") {
				stalls += c.Sum
			}
		}
	}
	require.Positive(t, stalls)
}

func TestInbox_TooLarge(t *testing.T) {
	ib := newInbox(t, 8)
	err := ib.Enqueue(context.Background(), make([]byte, 9), testKey{})
	require.ErrorIs(t, err, ErrTooLarge)

	require.NoError(t, ib.Enqueue(context.Background(), make([]byte, 8), testKey{}))
	require.Equal(t, 8, ib.Buffered())
}

func TestInbox_AnyServesEveryKey(t *testing.T) {
	ib := newInbox(t, 1<<20)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		require.NoError(t, ib.Enqueue(ctx, []byte("a"), testKey{src: 1, tag: 7}))
		require.NoError(t, ib.Enqueue(ctx, []byte("b"), testKey{src: 2, tag: 7}))
	}
	require.NoError(t, ib.Enqueue(ctx, []byte("c"), testKey{src: 3, tag: 8}))

	tagged := func(k testKey) bool { return k.tag == 7 }
	count := map[uint32]int{}
	for i := 0; i < 4; i++ {
		key, _, err := ib.WaitDequeueAny(ctx, tagged)
		require.NoError(t, err)
		require.Equal(t, uint32(7), key.tag)
		count[key.src]++
	}
	require.Equal(t, 2, count[1], "round robin between the matching queues")
	require.Equal(t, 2, count[2])

	msg, ok := ib.TryDequeue(testKey{src: 3, tag: 8})
	require.True(t, ok)
	require.Equal(t, "c", string(msg))
	require.Equal(t, 16, ib.Len())
}

func TestInbox_TryDequeue(t *testing.T) {
	ib := newInbox(t, 16)

	_, ok := ib.TryDequeue(testKey{})
	require.False(t, ok)

	require.NoError(t, ib.Enqueue(context.Background(), []byte{}, testKey{}))
	msg, ok := ib.TryDequeue(testKey{})
	require.True(t, ok)
	require.Empty(t, msg)
}

func TestInbox_Cancellation(t *testing.T) {
	ib := newInbox(t, 4)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := ib.WaitDequeue(ctx, testKey{})
	require.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, ib.Enqueue(context.Background(), make([]byte, 4), testKey{}))
	ctx2, cancel2 := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel2()
	err = ib.Enqueue(ctx2, make([]byte, 1), testKey{})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, 4, ib.Buffered())
}

func TestInbox_CloseWakesWaiters(t *testing.T) {
	ib := newInbox(t, 4)
	require.NoError(t, ib.Enqueue(context.Background(), make([]byte, 4), testKey{src: 1}))

	errs := make(chan error, 2)
	go func() {
		_, err := ib.WaitDequeue(context.Background(), testKey{src: 2})
		errs <- err
	}()
	go func() {
		errs <- ib.Enqueue(context.Background(), make([]byte, 1), testKey{})
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, ib.Close())
	for i := 0; i < 2; i++ {
		select {
		case err := <-errs:
			require.ErrorIs(t, err, ErrClosed)
		case <-time.After(5 * time.Second):
			t.Fatal("waiter not woken up")
		}
	}

	require.ErrorIs(t, ib.Enqueue(context.Background(), nil, testKey{}), ErrClosed)
	require.NoError(t, ib.Close())
}

func TestInbox_InvalidConfig(t *testing.T) {
	_, err := New[int](Config{MaxBufferSize: -1})
	require.ErrorIs(t, err, ErrInvalidCfg)

	ib, err := New[int](Config{})
	require.NoError(t, err)
	require.Equal(t, DefaultMaxBufferSize, ib.max)
}
