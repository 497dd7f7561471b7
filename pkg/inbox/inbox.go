// Package inbox implements the bounded message box every peer buffers its
// inbound traffic in. Messages are grouped in FIFO queues by key, and the
// total payload size is capped: producers block once the cap is reached
// until consumers make room.
package inbox

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/peerbox/pkg/telemetry"
)

var (
	ErrClosed     = errors.New("inbox: closed")
	ErrTooLarge   = errors.New("inbox: message larger than the buffer")
	ErrInvalidCfg = errors.New("inbox: invalid options")
)

// DefaultMaxBufferSize is the budget, in payload bytes, of an inbox.
const DefaultMaxBufferSize = 100_000_000

// Config of an Inbox.
type Config struct {
	// MaxBufferSize caps the sum of the payload sizes held by the inbox.
	MaxBufferSize int

	// MetricSink to use for emitting metrics.
	MetricSink metrics.MetricSink

	// MetricLabels to add to every metrics emitted by the inbox.
	MetricLabels []metrics.Label
}

// Inbox is a set of FIFO queues indexed by K sharing one byte budget.
type Inbox[K comparable] struct {
	msink  metrics.MetricSink
	labels []metrics.Label
	max    int

	lk       sync.Mutex
	queues   map[K]*queue
	active   []K
	cursor   int
	buffered int
	closed   bool

	// closed and replaced on every signal, so waiters select on a snapshot.
	readReady  chan struct{}
	writeReady chan struct{}
}

type queue struct {
	items [][]byte
	head  int
}

func (q *queue) push(payload []byte) {
	q.items = append(q.items, payload)
}

func (q *queue) pop() []byte {
	payload := q.items[q.head]
	q.items[q.head] = nil
	q.head++
	switch {
	case q.head == len(q.items):
		q.items = q.items[:0]
		q.head = 0
	case q.head > len(q.items)/2:
		// a queue never drained would otherwise grow forever.
		n := copy(q.items, q.items[q.head:])
		clear(q.items[n:])
		q.items = q.items[:n]
		q.head = 0
	}
	return payload
}

func (q *queue) empty() bool {
	return q.head == len(q.items)
}

func New[K comparable](cfg Config) (*Inbox[K], error) {
	if cfg.MaxBufferSize == 0 {
		cfg.MaxBufferSize = DefaultMaxBufferSize
	}
	if cfg.MaxBufferSize < 0 {
		return nil, fmt.Errorf("%w: negative buffer size %d", ErrInvalidCfg, cfg.MaxBufferSize)
	}

	return &Inbox[K]{
		msink:      telemetry.Sink(cfg.MetricSink),
		labels:     cfg.MetricLabels,
		max:        cfg.MaxBufferSize,
		queues:     make(map[K]*queue),
		readReady:  make(chan struct{}),
		writeReady: make(chan struct{}),
	}, nil
}

// Enqueue appends payload to the queue of key. It blocks while the inbox
// has no room for payload. The inbox takes ownership of payload.
func (ib *Inbox[K]) Enqueue(ctx context.Context, payload []byte, key K) error {
	size := len(payload)
	if size > ib.max {
		return fmt.Errorf("%w: %d > %d", ErrTooLarge, size, ib.max)
	}

	stalled := false
	ib.lk.Lock()
	for {
		if ib.closed {
			ib.lk.Unlock()
			return ErrClosed
		}

		if ib.buffered+size <= ib.max {
			break
		}

		if !stalled {
			stalled = true
			ib.msink.IncrCounterWithLabels(telemetry.MetricInboxBackpressure, 1.0, ib.labels)
		}
		wait := ib.writeReady
		ib.lk.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wait:
		}
		ib.lk.Lock()
	}

	q, ok := ib.queues[key]
	if !ok {
		q = &queue{}
		ib.queues[key] = q
	}
	if q.empty() {
		ib.active = append(ib.active, key)
	}
	q.push(payload)
	ib.buffered += size
	buffered := ib.buffered
	ib.signalRead()
	ib.lk.Unlock()

	ib.msink.IncrCounterWithLabels(telemetry.MetricInboxEnqueuedBytes, float32(size), ib.labels)
	ib.msink.SetGaugeWithLabels(telemetry.MetricInboxBufferedBytes, float32(buffered), ib.labels)
	return nil
}

// WaitDequeue blocks until a message is queued under key and returns it.
func (ib *Inbox[K]) WaitDequeue(ctx context.Context, key K) ([]byte, error) {
	_, payload, err := ib.wait(ctx, func() (K, []byte, bool) {
		payload, ok := ib.take(key)
		return key, payload, ok
	})
	return payload, err
}

// WaitDequeueAny blocks until a message is queued under a key accepted by
// match and returns it with its key. Matching queues are served in turn.
func (ib *Inbox[K]) WaitDequeueAny(ctx context.Context, match func(K) bool) (K, []byte, error) {
	return ib.wait(ctx, func() (K, []byte, bool) {
		return ib.takeAny(match)
	})
}

// TryDequeue returns the oldest message of key, if any.
func (ib *Inbox[K]) TryDequeue(key K) ([]byte, bool) {
	ib.lk.Lock()
	payload, ok := ib.take(key)
	buffered := ib.buffered
	ib.lk.Unlock()

	if ok {
		ib.dequeued(len(payload), buffered)
	}
	return payload, ok
}

// Buffered is the sum of the payload sizes currently held.
func (ib *Inbox[K]) Buffered() int {
	ib.lk.Lock()
	defer ib.lk.Unlock()
	return ib.buffered
}

// Len is the number of messages currently held.
func (ib *Inbox[K]) Len() int {
	ib.lk.Lock()
	defer ib.lk.Unlock()
	n := 0
	for _, key := range ib.active {
		q := ib.queues[key]
		n += len(q.items) - q.head
	}
	return n
}

// Close wakes every blocked caller with ErrClosed. Buffered messages are
// dropped.
func (ib *Inbox[K]) Close() error {
	ib.lk.Lock()
	defer ib.lk.Unlock()
	if ib.closed {
		return nil
	}
	ib.closed = true
	ib.queues = make(map[K]*queue)
	ib.active = nil
	ib.buffered = 0
	ib.signalRead()
	ib.signalWrite()
	return nil
}

func (ib *Inbox[K]) wait(ctx context.Context, try func() (K, []byte, bool)) (K, []byte, error) {
	var zero K
	ib.lk.Lock()
	for {
		if ib.closed {
			ib.lk.Unlock()
			return zero, nil, ErrClosed
		}

		if key, payload, ok := try(); ok {
			buffered := ib.buffered
			ib.lk.Unlock()
			ib.dequeued(len(payload), buffered)
			return key, payload, nil
		}

		wait := ib.readReady
		ib.lk.Unlock()

		select {
		case <-ctx.Done():
			return zero, nil, ctx.Err()
		case <-wait:
		}
		ib.lk.Lock()
	}
}

func (ib *Inbox[K]) dequeued(size, buffered int) {
	ib.msink.IncrCounterWithLabels(telemetry.MetricInboxDequeuedBytes, float32(size), ib.labels)
	ib.msink.SetGaugeWithLabels(telemetry.MetricInboxBufferedBytes, float32(buffered), ib.labels)
}

// not thread safe!
// must be called by an holder of the lock
func (ib *Inbox[K]) take(key K) ([]byte, bool) {
	q, ok := ib.queues[key]
	if !ok || q.empty() {
		return nil, false
	}
	for idx, k := range ib.active {
		if k == key {
			return ib.popAt(idx), true
		}
	}
	panic("inbox: non-empty queue missing from the active list")
}

// not thread safe!
// must be called by an holder of the lock
func (ib *Inbox[K]) takeAny(match func(K) bool) (K, []byte, bool) {
	n := len(ib.active)
	for i := 0; i < n; i++ {
		idx := (ib.cursor + i) % n
		key := ib.active[idx]
		if !match(key) {
			continue
		}
		return key, ib.popAt(idx), true
	}
	var zero K
	return zero, nil, false
}

// popAt dequeues from the queue at position idx of the active list and
// moves the round-robin cursor right after it.
func (ib *Inbox[K]) popAt(idx int) []byte {
	key := ib.active[idx]
	q := ib.queues[key]
	payload := q.pop()
	ib.buffered -= len(payload)

	if q.empty() {
		delete(ib.queues, key)
		ib.active = append(ib.active[:idx], ib.active[idx+1:]...)
		ib.cursor = idx
	} else {
		ib.cursor = idx + 1
	}
	if ib.cursor >= len(ib.active) {
		ib.cursor = 0
	}

	ib.signalWrite()
	return payload
}

func (ib *Inbox[K]) signalRead() {
	close(ib.readReady)
	ib.readReady = make(chan struct{})
}

func (ib *Inbox[K]) signalWrite() {
	close(ib.writeReady)
	ib.writeReady = make(chan struct{})
}
