package peerbox

import (
	"context"
	"errors"
	"sync"
)

// Event is the handle of an asynchronous send or receive. It is resolved
// exactly once, when the transfer completed or failed.
type Event struct {
	once sync.Once
	done chan struct{}
	err  error
	key  Envelope
}

func newEvent() *Event {
	return &Event{done: make(chan struct{})}
}

func (ev *Event) resolve(key Envelope, err error) {
	ev.once.Do(func() {
		ev.key = key
		ev.err = err
		close(ev.done)
	})
}

// Wait blocks until the event is resolved and returns the error of the
// transfer. A ctx expiring does not cancel the transfer itself.
func (ev *Event) Wait(ctx context.Context) error {
	select {
	case <-ev.done:
		return ev.err
	default:
	}

	select {
	case <-ev.done:
		return ev.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed once the event is resolved.
func (ev *Event) Done() <-chan struct{} {
	return ev.done
}

// Ready reports whether the event is resolved, without blocking.
func (ev *Event) Ready() bool {
	select {
	case <-ev.done:
		return true
	default:
		return false
	}
}

// Key is the envelope of the received message. It is only meaningful once
// a receive event is resolved without error.
func (ev *Event) Key() Envelope {
	<-ev.done
	return ev.key
}

// WaitAll waits for every event and returns their errors joined.
func WaitAll(ctx context.Context, events ...*Event) error {
	var errs []error
	for _, ev := range events {
		if err := ev.Wait(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
