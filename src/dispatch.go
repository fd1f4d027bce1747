package acomms

/*------------------------------------------------------------------
 *
 * Purpose:	Fan out events to any number of waiters and listeners.
 *
 * Description:	A waiter is registered with a match function and then
 *		blocks in Next until a matching event arrives, the timeout
 *		expires or the context is done.  Every waiter sees every
 *		event; matching one waiter doesn't consume the event.
 *
 *		Register the waiter before doing whatever will cause the
 *		event, otherwise the event can arrive before anyone is
 *		listening for it.  Close the waiter when done with it.
 *
 *		Dispatch never blocks.  A waiter whose buffer is full
 *		loses the event and a warning is logged.
 *
 *---------------------------------------------------------------*/

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

const waiterBufferSize = 64

type Dispatcher struct {
	mu        sync.Mutex
	waiters   map[*Waiter]struct{}
	listeners map[int]func(Event)
	nextID    int
	logger    *log.Logger
}

func NewDispatcher(logger *log.Logger) *Dispatcher {
	if logger == nil {
		logger = discardLogger()
	}

	return &Dispatcher{ //nolint:exhaustruct
		waiters:   make(map[*Waiter]struct{}),
		listeners: make(map[int]func(Event)),
		logger:    logger,
	}
}

type Waiter struct {
	d     *Dispatcher
	match func(Event) bool
	ch    chan Event
	done  chan struct{}
	once  sync.Once
}

// Match adapts a predicate on one event type into a match function.
// A nil predicate matches every event of that type.
func Match[T Event](pred func(T) bool) func(Event) bool {
	return func(ev Event) bool {
		var t, ok = ev.(T)

		return ok && (pred == nil || pred(t))
	}
}

// Register adds a waiter.  A nil match function matches everything.
// Safe to call from any goroutine.
func (d *Dispatcher) Register(match func(Event) bool) *Waiter {
	var w = &Waiter{
		d:     d,
		match: match,
		ch:    make(chan Event, waiterBufferSize),
		done:  make(chan struct{}),
		once:  sync.Once{},
	}

	d.mu.Lock()
	d.waiters[w] = struct{}{}
	d.mu.Unlock()

	return w
}

// Listen calls fn for every event, on the dispatching goroutine.
// fn must not block.  The returned func removes the listener.
func (d *Dispatcher) Listen(fn func(Event)) func() {
	d.mu.Lock()
	var id = d.nextID
	d.nextID++
	d.listeners[id] = fn
	d.mu.Unlock()

	return func() {
		d.mu.Lock()
		delete(d.listeners, id)
		d.mu.Unlock()
	}
}

func (d *Dispatcher) Dispatch(ev Event) {
	d.mu.Lock()
	var waiters = make([]*Waiter, 0, len(d.waiters))
	for w := range d.waiters {
		waiters = append(waiters, w)
	}
	var listeners = make([]func(Event), 0, len(d.listeners))
	for _, fn := range d.listeners {
		listeners = append(listeners, fn)
	}
	d.mu.Unlock()

	for _, w := range waiters {
		if w.match != nil && !w.match(ev) {
			continue
		}

		select {
		case w.ch <- ev:
		default:
			d.logger.Warn("waiter full, dropping event", "kind", ev.Kind())
		}
	}

	for _, fn := range listeners {
		fn(ev)
	}
}

// Waiting returns the number of registered waiters.
func (d *Dispatcher) Waiting() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return len(d.waiters)
}

/*-------------------------------------------------------------------
 *
 * Name:	Next
 *
 * Purpose:	Block until the next matching event.
 *
 * Inputs:	timeout	- Zero or less waits for the context only.
 *
 * Returns:	The event, or ErrWaitTimeout, the context's error or
 *		ErrWaiterClosed.  The waiter stays registered; call Close
 *		when finished with it.
 *
 *--------------------------------------------------------------------*/

func (w *Waiter) Next(ctx context.Context, timeout time.Duration) (Event, error) { //nolint:ireturn
	var expired <-chan time.Time
	if timeout > 0 {
		var timer = time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case ev := <-w.ch:
		return ev, nil
	case <-expired:
		return nil, fmt.Errorf("%w after %s", ErrWaitTimeout, timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-w.done:
		return nil, ErrWaiterClosed
	}
}

func (w *Waiter) Close() {
	w.once.Do(func() {
		w.d.mu.Lock()
		delete(w.d.waiters, w)
		w.d.mu.Unlock()
		close(w.done)
	})
}

// WaitFor registers a waiter, runs trigger, then waits once.
// The waiter is always unregistered before returning.
func (d *Dispatcher) WaitFor(ctx context.Context, match func(Event) bool, timeout time.Duration, trigger func() error) (Event, error) { //nolint:ireturn
	var w = d.Register(match)
	defer w.Close()

	if trigger != nil {
		if err := trigger(); err != nil {
			return nil, err
		}
	}

	return w.Next(ctx, timeout)
}

// NextOf is Next for a waiter whose match function only admits T.
func NextOf[T Event](ctx context.Context, w *Waiter, timeout time.Duration) (T, error) { //nolint:ireturn
	var zero T

	var ev, err = w.Next(ctx, timeout)
	if err != nil {
		return zero, err
	}

	var t, ok = ev.(T)
	if !ok {
		return zero, fmt.Errorf("unexpected event %s", ev.Kind())
	}

	return t, nil
}
