package acomms

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSpoolSendsDroppedFiles(t *testing.T) {
	var ctx, cancel = context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var a, b = newPipe(Rates[1])
	var spoolDir, inbox = t.TempDir(), t.TempDir()

	// Already waiting when the spool starts.
	require.NoError(t, os.WriteFile(filepath.Join(spoolDir, "first.txt"), []byte("one"), 0o600))

	var spool, err = NewSpool(spoolDir, testTransfer(a, ModeBulkHeader), nil)
	require.NoError(t, err)
	spool.Settle = 50 * time.Millisecond

	var mu sync.Mutex
	var done []string
	spool.OnDone = func(path string, res *Result) {
		mu.Lock()
		defer mu.Unlock()

		if assert.NotNil(t, res) {
			assert.Equal(t, Success, res.Outcome)
		}
		done = append(done, path)
	}

	var spoolErr = make(chan error, 1)
	go func() { spoolErr <- spool.Run(ctx) }()

	// One receive per file.
	var received = make(chan *Result, 2)
	go func() {
		for i := 0; i < 2; i++ {
			var res, recvErr = testTransfer(b, ModeBulkHeader).Receive(ctx, Sink{Writer: nil, Dir: inbox})
			if recvErr != nil {
				return
			}
			received <- res
		}
	}()

	<-received

	require.NoError(t, os.WriteFile(filepath.Join(spoolDir, ".partial"), []byte("ignored"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(spoolDir, "second.txt"), bytes.Repeat([]byte("2"), 300), 0o600))

	<-received

	requireEventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()

		return len(done) == 2
	})

	cancel()
	require.ErrorIs(t, <-spoolErr, context.Canceled)

	assert.Equal(t, []string{filepath.Join(spoolDir, "sent", "first.txt"), filepath.Join(spoolDir, "sent", "second.txt")}, done)

	assert.FileExists(t, filepath.Join(spoolDir, "sent", "first.txt"))
	assert.FileExists(t, filepath.Join(spoolDir, "sent", "second.txt"))
	assert.FileExists(t, filepath.Join(spoolDir, ".partial"))
	assert.NoFileExists(t, filepath.Join(spoolDir, "first.txt"))

	var got, readErr = os.ReadFile(filepath.Join(inbox, "second.txt"))
	require.NoError(t, readErr)
	assert.Len(t, got, 300)
}

func TestSpoolMovesFailures(t *testing.T) {
	var ctx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Nobody answers.
	var a, _ = newPipe(Rates[1])
	var tr = testTransfer(a, ModeBulkHeader)
	tr.Retry = 1
	tr.Timeout = 20 * time.Millisecond

	var spoolDir = t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(spoolDir, "lonely.txt"), []byte("hello?"), 0o600))

	var spool, err = NewSpool(spoolDir, tr, nil)
	require.NoError(t, err)
	spool.Settle = 10 * time.Millisecond

	var finished = make(chan *Result, 1)
	spool.OnDone = func(_ string, res *Result) { finished <- res }

	go spool.Run(ctx) //nolint:errcheck

	select {
	case res := <-finished:
		require.NotNil(t, res)
		assert.Equal(t, Failed, res.Outcome)
	case <-ctx.Done():
		t.Fatal("spool never finished the file")
	}

	cancel()
	assert.FileExists(t, filepath.Join(spoolDir, "failed", "lonely.txt"))
}

func TestNewSpoolBadDir(t *testing.T) {
	var file = filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(file, nil, 0o600))

	var _, err = NewSpool(file, nil, nil)
	require.Error(t, err)
}
