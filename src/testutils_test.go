package acomms

import (
	"context"
	"io"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupPflag(args []string) {
	os.Args = args
	pflag.CommandLine = pflag.NewFlagSet(os.Args[0], pflag.ExitOnError)
}

func AssertOutputContains(t *testing.T, command func(), expectedOutputContains string) {
	t.Helper()

	var oldStdout = os.Stdout
	defer func() {
		os.Stdout = oldStdout
	}()

	var r, w, _ = os.Pipe()
	os.Stdout = w

	var output = make(chan []byte, 1)
	go func() {
		var b, _ = io.ReadAll(r)
		output <- b
	}()

	command()

	w.Close() //nolint:gosec

	os.Stdout = oldStdout

	var outputString = string(<-output)

	assert.Contains(t, outputString, expectedOutputContains)
}

/*
 * An in-memory Link pair for exercising the transfer protocol without
 * a modem.  A nil packet in the inbox stands for one that arrived with
 * bad frames.
 */

type pipeLink struct {
	rate  RateProfile
	inbox chan []byte
	peer  *pipeLink

	mu   sync.Mutex
	sent int

	// Rewrites outgoing packet n (counting from 1).  Each returned
	// element is delivered in turn.
	filter func(n int, data []byte) [][]byte

	// Every packet handed to SendPacket, before filtering.
	log [][]byte
}

func newPipe(rate RateProfile) (*pipeLink, *pipeLink) {
	var a = &pipeLink{rate: rate, inbox: make(chan []byte, 1024)} //nolint:exhaustruct
	var b = &pipeLink{rate: rate, inbox: make(chan []byte, 1024)} //nolint:exhaustruct
	a.peer, b.peer = b, a

	return a, b
}

func (l *pipeLink) Rate() RateProfile { return l.rate }

func (l *pipeLink) SendPacket(ctx context.Context, data []byte, _ bool, _ time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var p = append([]byte(nil), data...)

	l.mu.Lock()
	l.sent++
	var n = l.sent
	l.log = append(l.log, p)
	var filter = l.filter
	l.mu.Unlock()

	var out = [][]byte{p}
	if filter != nil {
		out = filter(n, p)
	}

	for _, q := range out {
		l.peer.inbox <- q
	}

	return nil
}

func (l *pipeLink) sentPackets() [][]byte {
	l.mu.Lock()
	defer l.mu.Unlock()

	return append([][]byte(nil), l.log...)
}

func (l *pipeLink) Listen() PacketStream { return &pipeStream{l: l} }

type pipeStream struct{ l *pipeLink }

func (s *pipeStream) Next(ctx context.Context, timeout time.Duration) ([]byte, error) {
	var timer = time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case p := <-s.l.inbox:
		if p == nil {
			return nil, ErrBadPacket
		}

		return p, nil
	case <-timer.C:
		return nil, ErrWaitTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *pipeStream) Close() {}

func testTransfer(link Link, mode TransferMode) *Transfer {
	var t = NewTransfer(link, mode)
	t.Timeout = 2 * time.Second
	t.Delay = 0

	return t
}

type transferOutcome struct {
	res *Result
	err error
}

// startModems runs a Modem for each simulated modem on a fresh channel.
func startModems(t *testing.T, ids ...int) (*SimChannel, []*Modem) {
	t.Helper()

	var ctx, cancel = context.WithCancel(context.Background())

	var ch = NewSimChannel(nil)
	var modems = make([]*Modem, 0, len(ids))

	for _, id := range ids {
		var m = NewModem(ch.NewModem(id), ModemOptions{ //nolint:exhaustruct
			Name:         "sim",
			ID:           id,
			StateTimeout: 2 * time.Second,
		})
		modems = append(modems, m)

		go m.Run(ctx) //nolint:errcheck
	}

	t.Cleanup(func() {
		cancel()

		for _, m := range modems {
			select {
			case <-m.Done():
			case <-time.After(2 * time.Second):
				t.Errorf("modem %s didn't stop", m.Name())
			}
		}
	})

	return ch, modems
}

func requireEventually(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond)
}
