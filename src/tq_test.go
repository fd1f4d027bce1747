package acomms

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTransport struct {
	mu        sync.Mutex
	written   []string
	writeErr  error
	connected bool
}

func (f *fakeTransport) ReadLine() (string, error) { return "", ErrReadTimeout }

func (f *fakeTransport) Write(p []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.writeErr != nil {
		return f.writeErr
	}
	f.written = append(f.written, string(p))

	return nil
}

func (f *fakeTransport) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.connected
}

func (f *fakeTransport) Close() error { return nil }

func (f *fakeTransport) lines() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]string(nil), f.written...)
}

func TestTxQueueDropsWhenFull(t *testing.T) {
	var q = newTxQueue(2, discardLogger())

	assert.True(t, q.append([]byte("a")))
	assert.True(t, q.append([]byte("b")))
	assert.False(t, q.append([]byte("c")))
	assert.Equal(t, uint64(1), q.dropped.Load())
}

func TestTxQueueWritesInOrder(t *testing.T) {
	var q = newTxQueue(0, discardLogger())
	var tr = &fakeTransport{connected: true} //nolint:exhaustruct

	for _, s := range []string{"$CCCFQ,SRC*3A\r\n", "$CCMPC,1,2*00\r\n"} {
		require.True(t, q.append([]byte(s)))
	}

	var ctx, cancel = context.WithCancel(context.Background())
	var done = make(chan error, 1)
	go func() { done <- q.run(ctx, tr) }()

	requireEventually(t, func() bool { return len(tr.lines()) == 2 })
	assert.Equal(t, []string{"$CCCFQ,SRC*3A\r\n", "$CCMPC,1,2*00\r\n"}, tr.lines())

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}

func TestTxQueueStopsOnLostTransport(t *testing.T) {
	var q = newTxQueue(4, discardLogger())
	var broken = errors.New("broken pipe")

	// Still connected: the error is logged and the queue carries on.
	var tr = &fakeTransport{connected: true, writeErr: broken} //nolint:exhaustruct

	var ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var done = make(chan error, 1)
	go func() { done <- q.run(ctx, tr) }()

	q.append([]byte("first\r\n"))
	requireEventually(t, func() bool { return len(q.ch) == 0 })

	select {
	case err := <-done:
		t.Fatalf("queue stopped early: %v", err)
	case <-time.After(20 * time.Millisecond):
	}

	tr.mu.Lock()
	tr.connected = false
	tr.mu.Unlock()

	q.append([]byte("second\r\n"))
	require.ErrorIs(t, <-done, broken)
}
