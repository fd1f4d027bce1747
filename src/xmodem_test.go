package acomms

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// runTransfer runs a sender on a and a receiver on b and waits for both.
func runTransfer(ctx context.Context, sender *Transfer, src Source, receiver *Transfer, sink Sink) (transferOutcome, transferOutcome) {
	var sent, received = make(chan transferOutcome, 1), make(chan transferOutcome, 1)

	go func() {
		var res, err = sender.Send(ctx, src)
		sent <- transferOutcome{res: res, err: err}
	}()

	go func() {
		var res, err = receiver.Receive(ctx, sink)
		received <- transferOutcome{res: res, err: err}
	}()

	return <-sent, <-received
}

func TestTransferPlainCRC(t *testing.T) {
	var ctx, cancel = context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	var a, b = newPipe(Rates[0])
	var out bytes.Buffer

	var payload = []byte("0123456789")
	var s, r = runTransfer(ctx,
		testTransfer(a, ModePlain), Source{Name: "", Size: -1, Reader: bytes.NewReader(payload)},
		testTransfer(b, ModePlain), Sink{Writer: &out, Dir: ""})

	require.NoError(t, s.err)
	require.NoError(t, r.err)

	assert.Equal(t, Success, s.res.Outcome)
	assert.Equal(t, int64(10), s.res.Bytes)
	assert.Equal(t, 1, s.res.Packets)
	assert.Equal(t, 1, s.res.Successes)
	assert.Equal(t, 0, s.res.Errors)

	assert.Equal(t, Success, r.res.Outcome)
	assert.Equal(t, int64(10), r.res.Bytes)
	assert.Equal(t, payload, out.Bytes())

	var wire = a.sentPackets()
	require.Len(t, wire, 6)
	assert.Equal(t, "0006", string(wire[0]))
	assert.Equal(t, "0002", string(wire[1]))
	assert.Equal(t, "0F01", string(wire[2]))
	assert.Len(t, wire[3], 32)
	assert.Equal(t, taggedField(int(CRC8(payload)), crcTag), string(wire[4]))
	assert.Equal(t, "0004", string(wire[5]))

	var replies = b.sentPackets()
	require.Len(t, replies, 3)
	assert.Equal(t, []string{"0043", "0006", "0006"}, []string{string(replies[0]), string(replies[1]), string(replies[2])})
}

func TestTransferWithoutCRC(t *testing.T) {
	var ctx, cancel = context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	var a, b = newPipe(Rates[1])
	var out bytes.Buffer

	var receiver = testTransfer(b, ModePlain)
	receiver.DisableCRC = true

	var payload = bytes.Repeat([]byte("xyz"), 100)
	var s, r = runTransfer(ctx,
		testTransfer(a, ModePlain), Source{Name: "", Size: -1, Reader: bytes.NewReader(payload)},
		receiver, Sink{Writer: &out, Dir: ""})

	require.NoError(t, s.err)
	require.NoError(t, r.err)
	assert.Equal(t, Success, s.res.Outcome)
	assert.Equal(t, Success, r.res.Outcome)
	assert.Equal(t, 2, s.res.Packets)
	assert.Equal(t, payload, out.Bytes())

	for _, p := range a.sentPackets() {
		var _, isCRC = parseTagged(p, crcTag)
		assert.False(t, isCRC, "crc field sent in plain mode: %q", p)
	}
	assert.Equal(t, "0015", string(b.sentPackets()[0]))
}

func TestTransferPayloadEndingInPad(t *testing.T) {
	var ctx, cancel = context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	var a, b = newPipe(Rates[0])
	var out bytes.Buffer

	var payload = []byte{'a', 'b', DefaultPad, DefaultPad}
	var s, r = runTransfer(ctx,
		testTransfer(a, ModePlain), Source{Name: "", Size: -1, Reader: bytes.NewReader(payload)},
		testTransfer(b, ModePlain), Sink{Writer: &out, Dir: ""})

	require.NoError(t, s.err)
	require.NoError(t, r.err)
	assert.Equal(t, Success, r.res.Outcome)
	assert.Equal(t, payload, out.Bytes())
}

func TestTransferHighBitPad(t *testing.T) {
	var ctx, cancel = context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	var a, b = newPipe(Rates[0])
	var out bytes.Buffer

	var sender, receiver = testTransfer(a, ModePlain), testTransfer(b, ModePlain)
	sender.Pad = 0xFF
	receiver.Pad = 0xFF
	receiver.DisableCRC = true

	var payload = []byte{0x61, 0x62, 0x80, 0x81}
	var s, r = runTransfer(ctx,
		sender, Source{Name: "", Size: -1, Reader: bytes.NewReader(payload)},
		receiver, Sink{Writer: &out, Dir: ""})

	require.NoError(t, s.err)
	require.NoError(t, r.err)
	assert.Equal(t, Success, r.res.Outcome)
	assert.Equal(t, payload, out.Bytes())
}

func TestTrimPad(t *testing.T) {
	assert.Equal(t, []byte{0x61, 0x80, 0x81}, trimPad([]byte{0x61, 0x80, 0x81, 0xFF, 0xFF}, 0xFF))
	assert.Equal(t, []byte{0xFF, 0x80}, trimPad([]byte{0xFF, 0x80}, 0xFF))
	assert.Equal(t, []byte("ab"), trimPad([]byte("ab\x1a\x1a"), DefaultPad))
	assert.Empty(t, trimPad([]byte{0x1A, 0x1A}, DefaultPad))
	assert.Empty(t, trimPad(nil, DefaultPad))
}

// countToken counts packets in wire equal to tok.
func countToken(wire [][]byte, tok string) int {
	var n = 0
	for _, p := range wire {
		if string(p) == tok {
			n++
		}
	}

	return n
}

func TestTransferNegotiationLeavesRetryBudget(t *testing.T) {
	var ctx, cancel = context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	var a, _ = newPipe(Rates[0])

	// Garbage, then a CRC request, then every packet rejected.
	for _, tok := range []string{"0099", tokCRC, tokNAK, tokNAK, tokNAK, tokNAK} {
		a.inbox <- []byte(tok)
	}

	var sender = testTransfer(a, ModePlain)
	sender.Retry = 4
	sender.Timeout = 200 * time.Millisecond

	var res, err = sender.Send(ctx, Source{Name: "", Size: -1, Reader: strings.NewReader("abc")})
	require.NoError(t, err)

	assert.Equal(t, Failed, res.Outcome)
	assert.Equal(t, 4, res.Errors)
	assert.Equal(t, 4, countToken(a.sentPackets(), tokSTX))
}

func TestTransferGivesUpAfterDefaultRetries(t *testing.T) {
	var ctx, cancel = context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var a, b = newPipe(Rates[0])
	a.filter = func(_ int, p []byte) [][]byte {
		if len(p) > 4 {
			return [][]byte{nil}
		}

		return [][]byte{p}
	}

	var sender, receiver = testTransfer(a, ModePlain), testTransfer(b, ModePlain)
	require.Equal(t, DefaultRetry, sender.Retry)
	receiver.Retry = 2 * DefaultRetry

	var s, r = runTransfer(ctx,
		sender, Source{Name: "", Size: -1, Reader: strings.NewReader("never arrives")},
		receiver, Sink{Writer: &bytes.Buffer{}, Dir: ""})

	require.NoError(t, s.err)
	require.NoError(t, r.err)

	assert.Equal(t, Failed, s.res.Outcome)
	assert.Equal(t, DefaultRetry, s.res.Errors)

	var wire = a.sentPackets()
	assert.Equal(t, DefaultRetry, countToken(wire, tokSTX))
	require.GreaterOrEqual(t, len(wire), 2)
	assert.Equal(t, tokCAN, string(wire[len(wire)-2]))
	assert.Equal(t, tokCAN, string(wire[len(wire)-1]))

	assert.Equal(t, Cancelled, r.res.Outcome)
	assert.Equal(t, int64(0), r.res.Bytes)
}

func TestTransferRetransmitsRejectedPacket(t *testing.T) {
	var ctx, cancel = context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	var a, b = newPipe(Rates[0])
	var out bytes.Buffer

	var once sync.Once
	a.filter = func(_ int, p []byte) [][]byte {
		var lost = false
		if len(p) > 4 {
			once.Do(func() { lost = true })
		}

		return [][]byte{IfThenElse(lost, []byte(nil), p)}
	}

	var mu sync.Mutex
	var progress [][3]int

	var sender = testTransfer(a, ModePlain)
	sender.Progress = func(total, successes, errs int) {
		mu.Lock()
		progress = append(progress, [3]int{total, successes, errs})
		mu.Unlock()
	}

	var payload = []byte("0123456789")
	var s, r = runTransfer(ctx,
		sender, Source{Name: "", Size: -1, Reader: bytes.NewReader(payload)},
		testTransfer(b, ModePlain), Sink{Writer: &out, Dir: ""})

	require.NoError(t, s.err)
	require.NoError(t, r.err)

	assert.Equal(t, Success, s.res.Outcome)
	assert.Equal(t, 1, s.res.Errors)
	assert.Equal(t, 1, s.res.Successes)

	assert.Equal(t, Success, r.res.Outcome)
	assert.Equal(t, 1, r.res.Errors)
	assert.Equal(t, 2, r.res.Packets)
	assert.Equal(t, payload, out.Bytes())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, [][3]int{{1, 0, 1}, {1, 1, 1}}, progress)

	// The same sequence number goes out both times.
	var seqs []int
	for _, p := range a.sentPackets() {
		if seq, ok := parseTagged(p, seqTag); ok {
			seqs = append(seqs, seq)
		}
	}
	assert.Equal(t, []int{1, 1}, seqs)
}

func TestTransferGivesUp(t *testing.T) {
	var ctx, cancel = context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	var a, b = newPipe(Rates[0])
	a.filter = func(_ int, p []byte) [][]byte {
		if len(p) > 4 {
			return [][]byte{nil}
		}

		return [][]byte{p}
	}

	var sender, receiver = testTransfer(a, ModePlain), testTransfer(b, ModePlain)
	sender.Retry = 4
	receiver.Retry = 4

	var s, r = runTransfer(ctx,
		sender, Source{Name: "", Size: -1, Reader: strings.NewReader("doomed")},
		receiver, Sink{Writer: &bytes.Buffer{}, Dir: ""})

	require.NoError(t, s.err)
	require.NoError(t, r.err)

	assert.Equal(t, Failed, s.res.Outcome)
	assert.Equal(t, 4, s.res.Errors)
	require.Error(t, s.res.Err)

	assert.Equal(t, Failed, r.res.Outcome)
	assert.Equal(t, int64(0), r.res.Bytes)
}

func TestTransferBulkHeader(t *testing.T) {
	var ctx, cancel = context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	var a, b = newPipe(Rates[0])
	var dir = t.TempDir()

	var s, r = runTransfer(ctx,
		testTransfer(a, ModeBulkHeader), Source{Name: "/some/where/A.bin", Size: 3, Reader: strings.NewReader("abc")},
		testTransfer(b, ModeBulkHeader), Sink{Writer: nil, Dir: dir})

	require.NoError(t, s.err)
	require.NoError(t, r.err)
	assert.Equal(t, Success, s.res.Outcome)
	assert.Equal(t, 2, s.res.Packets)
	assert.Equal(t, int64(3), s.res.Bytes)

	assert.Equal(t, Success, r.res.Outcome)
	assert.Equal(t, int64(3), r.res.Bytes)
	assert.Equal(t, filepath.Join(dir, "a.bin"), r.res.Path)

	var contents, err = os.ReadFile(filepath.Join(dir, "a.bin"))
	require.NoError(t, err)
	assert.Equal(t, "abc", string(contents))

	// The header travels as sequence 0, padded like any other chunk.
	var wire = a.sentPackets()
	var header []byte
	for i, p := range wire {
		if string(p) == "0F00" {
			header = wire[i+1]
			break
		}
	}
	require.NotNil(t, header)
	assert.Equal(t, "a.bin 3", string(bytes.TrimRight(header, "\x1a")))
}

func TestTransferBulkSizeMismatch(t *testing.T) {
	var ctx, cancel = context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	var a, b = newPipe(Rates[0])
	var dir = t.TempDir()

	var s, r = runTransfer(ctx,
		testTransfer(a, ModeBulkHeader), Source{Name: "short.txt", Size: 3, Reader: strings.NewReader("ab")},
		testTransfer(b, ModeBulkHeader), Sink{Writer: nil, Dir: dir})

	require.NoError(t, s.err)
	require.NoError(t, r.err)

	assert.Equal(t, Failed, s.res.Outcome)
	assert.Equal(t, Failed, r.res.Outcome)
	assert.Equal(t, int64(0), r.res.Bytes)
	assert.Empty(t, r.res.Path)

	var entries, err = os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestTransferSequenceWraps(t *testing.T) {
	var ctx, cancel = context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	var a, b = newPipe(Rates[0])
	var out bytes.Buffer

	const chunks = 260

	var payload = make([]byte, chunks*Rates[0].MaxPacketSize())
	for i := range payload {
		payload[i] = byte('A' + i%26)
	}

	var s, r = runTransfer(ctx,
		testTransfer(a, ModePlain), Source{Name: "", Size: -1, Reader: bytes.NewReader(payload)},
		testTransfer(b, ModePlain), Sink{Writer: &out, Dir: ""})

	require.NoError(t, s.err)
	require.NoError(t, r.err)
	assert.Equal(t, Success, s.res.Outcome)
	assert.Equal(t, Success, r.res.Outcome)
	assert.Equal(t, payload, out.Bytes())

	var seqs []int
	for _, p := range a.sentPackets() {
		if seq, ok := parseTagged(p, seqTag); ok && len(p) == 4 {
			seqs = append(seqs, seq)
		}
	}

	require.Len(t, seqs, chunks)
	for i, seq := range seqs {
		assert.Equal(t, (i+1)%maxSeq, seq)
	}
	assert.Equal(t, 255, seqs[254])
	assert.Equal(t, 0, seqs[255])
}

func TestTransferCancelledByPeer(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		var ctx, cancel = context.WithTimeout(context.Background(), 20*time.Second)
		defer cancel()

		var a, b = newPipe(Rates[0])

		var fromSender = rapid.Bool().Draw(t, "fromSender")
		var k int
		var cancelling *pipeLink
		if fromSender {
			k = rapid.IntRange(1, 6).Draw(t, "k")
			cancelling = a
		} else {
			k = rapid.IntRange(1, 3).Draw(t, "k")
			cancelling = b
		}

		cancelling.filter = func(n int, p []byte) [][]byte {
			if n == k {
				return [][]byte{[]byte(tokCAN), []byte(tokCAN)}
			}

			return [][]byte{p}
		}

		var sendCtx, stopSender = context.WithCancel(ctx)
		var recvCtx, stopReceiver = context.WithCancel(ctx)

		var sent, received = make(chan transferOutcome, 1), make(chan transferOutcome, 1)

		go func() {
			var res, err = testTransfer(a, ModePlain).Send(sendCtx, Source{Name: "", Size: -1, Reader: strings.NewReader("0123456789")})
			sent <- transferOutcome{res: res, err: err}
		}()

		go func() {
			var res, err = testTransfer(b, ModePlain).Receive(recvCtx, Sink{Writer: &bytes.Buffer{}, Dir: ""})
			received <- transferOutcome{res: res, err: err}
		}()

		var victim transferOutcome
		if fromSender {
			victim = <-received
			stopSender()
			<-sent
		} else {
			victim = <-sent
			stopReceiver()
			<-received
		}
		stopSender()
		stopReceiver()

		require.NoError(t, victim.err)
		assert.Equal(t, Cancelled, victim.res.Outcome)
	})
}

func TestReceiverGivesUpOnSilence(t *testing.T) {
	var _, b = newPipe(Rates[0])

	var receiver = testTransfer(b, ModePlain)
	receiver.Retry = 2
	receiver.Timeout = 50 * time.Millisecond

	var res, err = receiver.Receive(context.Background(), Sink{Writer: &bytes.Buffer{}, Dir: ""})
	require.NoError(t, err)
	assert.Equal(t, Failed, res.Outcome)
	require.Error(t, res.Err)

	// One CRC request, then plain mode, then the abort.
	var wire = b.sentPackets()
	require.Len(t, wire, 4)
	assert.Equal(t, []string{"0043", "0015", "0018", "0018"},
		[]string{string(wire[0]), string(wire[1]), string(wire[2]), string(wire[3])})
}

func TestTransferContextEnds(t *testing.T) {
	var _, b = newPipe(Rates[0])

	var ctx, cancel = context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	var res, err = testTransfer(b, ModePlain).Receive(ctx, Sink{Writer: &bytes.Buffer{}, Dir: ""})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.NotNil(t, res)
	assert.Equal(t, Failed, res.Outcome)
}

func TestTransferPreconditions(t *testing.T) {
	var a, _ = newPipe(Rates[0])
	var ctx = context.Background()
	var src = Source{Name: "f", Size: 1, Reader: strings.NewReader("x")}

	var _, err = NewTransfer(nil, ModePlain).Send(ctx, src)
	require.ErrorIs(t, err, ErrPrecondition)

	var tr = NewTransfer(a, ModePlain)
	tr.Retry = 0
	_, err = tr.Send(ctx, src)
	require.ErrorIs(t, err, ErrPrecondition)

	tr = NewTransfer(a, ModePlain)
	tr.Timeout = tr.Delay
	_, err = tr.Send(ctx, src)
	require.ErrorIs(t, err, ErrPrecondition)

	tr = NewTransfer(a, ModePlain)
	_, err = tr.Send(ctx, Source{Name: "", Size: 0, Reader: nil})
	require.ErrorIs(t, err, ErrPrecondition)

	tr = NewTransfer(a, ModeBulkHeader)
	_, err = tr.Send(ctx, Source{Name: strings.Repeat("n", 40), Size: 1, Reader: strings.NewReader("x")})
	require.ErrorIs(t, err, ErrPrecondition)

	_, err = tr.Send(ctx, Source{Name: "", Size: 1, Reader: strings.NewReader("x")})
	require.ErrorIs(t, err, ErrPrecondition)

	for _, name := range []string{"survey data.bin", "tab\there", "/data/..", "/"} {
		_, err = tr.Send(ctx, Source{Name: name, Size: 1, Reader: strings.NewReader("x")})
		require.ErrorIs(t, err, ErrPrecondition, name)
	}
	assert.Empty(t, a.sentPackets())

	var file = filepath.Join(t.TempDir(), "plain")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))

	_, err = tr.Receive(ctx, Sink{Writer: nil, Dir: file})
	require.ErrorIs(t, err, ErrPrecondition)

	_, err = tr.SendFile(ctx, filepath.Dir(file))
	require.ErrorIs(t, err, ErrPrecondition)

	_, err = tr.SendFile(ctx, filepath.Join(filepath.Dir(file), "missing"))
	require.ErrorIs(t, err, ErrPrecondition)

	_, err = NewTransfer(a, ModePlain).Receive(ctx, Sink{Writer: nil, Dir: ""})
	require.ErrorIs(t, err, ErrPrecondition)

	var bad, _ = newPipe(RateProfile{}) //nolint:exhaustruct
	_, err = NewTransfer(bad, ModePlain).Send(ctx, src)
	require.ErrorIs(t, err, ErrInvalidRate)
}

func TestOpenFromHeader(t *testing.T) {
	var dir = t.TempDir()

	var newReceiver = func() *receiver {
		var s = &session{res: &Result{}, logger: discardLogger()} //nolint:exhaustruct
		return &receiver{session: s, sink: Sink{Writer: nil, Dir: dir}, declared: -1} //nolint:exhaustruct
	}

	for _, header := range []string{"../escape 3", "noSize", "neg -1", "a b c", ". 1", ".. 1"} {
		var r = newReceiver()
		assert.False(t, r.openFromHeader([]byte(header)), header)
		assert.Nil(t, r.file)
	}

	var r = newReceiver()
	require.True(t, r.openFromHeader([]byte("ok.bin 5")))
	assert.Equal(t, int64(5), r.declared)
	assert.Equal(t, filepath.Join(dir, "ok.bin"), r.res.Path)
	r.closeFile()

	assert.FileExists(t, filepath.Join(dir, "ok.bin"))
	assert.NoFileExists(t, filepath.Join(filepath.Dir(dir), "escape"))
}

func TestParseTransferMode(t *testing.T) {
	for in, want := range map[string]TransferMode{
		"plain": ModePlain, "XMODEM": ModePlain, "bulk": ModeBulkHeader, "ymodem": ModeBulkHeader, "": ModeBulkHeader,
	} {
		var got, err = ParseTransferMode(in)
		require.NoError(t, err)
		assert.Equal(t, want, got, in)
	}

	var _, err = ParseTransferMode("zmodem")
	require.ErrorIs(t, err, ErrPrecondition)

	assert.Equal(t, "bulk", ModeBulkHeader.String())
	assert.Equal(t, "cancelled", Cancelled.String())
}
