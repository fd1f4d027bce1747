package acomms

/*------------------------------------------------------------------
 *
 * Purpose:	Reliable file transfer over an acoustic link.
 *
 * Description:	A stop and wait protocol in the style of XMODEM, with
 *		every "byte" of classic XMODEM carried as its own packet.
 *		Control tokens are four hex digits.  The sequence number
 *		and CRC fields are also four hex digits, tagged so they
 *		can't be mistaken for each other or for a token.
 *
 *		Sender					Receiver
 *
 *						<-	CRC (or NAK)
 *		ACK (CRC mode)			->
 *		STX				->
 *		0F00+seq			->
 *		data				->
 *		F000+crc8 (CRC mode)		->
 *						<-	ACK or NAK
 *		...
 *		EOT				->
 *						<-	ACK or NAK
 *
 *		In bulk header mode the first packet, sequence 0, holds
 *		"name size" and the receiver creates that file in its
 *		directory.  Otherwise data starts at sequence 1.
 *
 *		Two CAN in a row from the other side, at any point, end
 *		the transfer as cancelled.
 *
 *---------------------------------------------------------------*/

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/charmbracelet/log"
)

const (
	tokSOH = "0001"
	tokSTX = "0002"
	tokEOT = "0004"
	tokACK = "0006"
	tokNAK = "0015"
	tokCAN = "0018"
	tokCRC = "0043"
)

const (
	seqTag = 0x0F00
	crcTag = 0xF000
	maxSeq = 256
)

const (
	DefaultRetry           = 16
	DefaultTransferTimeout = 15 * time.Second
	DefaultTransferDelay   = 1 * time.Second
	DefaultPad             = 0x1A
)

type TransferMode int

const (
	ModePlain TransferMode = iota
	ModeBulkHeader
)

func (m TransferMode) String() string {
	switch m {
	case ModePlain:
		return "plain"
	case ModeBulkHeader:
		return "bulk"
	default:
		return fmt.Sprintf("TransferMode(%d)", int(m))
	}
}

func ParseTransferMode(s string) (TransferMode, error) {
	switch strings.ToLower(s) {
	case "plain", "xmodem":
		return ModePlain, nil
	case "bulk", "ymodem", "":
		return ModeBulkHeader, nil
	default:
		return 0, fmt.Errorf("%w: unknown transfer mode %q", ErrPrecondition, s)
	}
}

type Outcome int

const (
	Success Outcome = iota
	Failed
	Cancelled
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case Failed:
		return "failed"
	case Cancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

type Result struct {
	Outcome   Outcome
	Bytes     int64
	Packets   int
	Successes int
	Errors    int

	// File written by a bulk header receiver.
	Path string

	// Why the transfer failed or was cancelled.
	Err error
}

type Transfer struct {
	Link    Link
	Mode    TransferMode
	Retry   int
	Timeout time.Duration
	Delay   time.Duration
	Pad     byte

	// Receiver only asks for plain NAK mode.
	DisableCRC bool

	// Called after every ACK or NAK of a data packet.
	Progress func(total, successes, errors int)

	Logger *log.Logger
}

func NewTransfer(link Link, mode TransferMode) *Transfer {
	return &Transfer{ //nolint:exhaustruct
		Link:    link,
		Mode:    mode,
		Retry:   DefaultRetry,
		Timeout: DefaultTransferTimeout,
		Delay:   DefaultTransferDelay,
		Pad:     DefaultPad,
	}
}

type Source struct {
	Name   string
	Size   int64
	Reader io.Reader
}

// Plain mode writes to Writer, bulk header mode creates a file in Dir.
type Sink struct {
	Writer io.Writer
	Dir    string
}

var errCancelled = errors.New("cancelled by peer")

func (t *Transfer) check() error {
	switch {
	case t.Link == nil:
		return fmt.Errorf("%w: no link", ErrPrecondition)
	case t.Retry < 1:
		return fmt.Errorf("%w: retry %d", ErrPrecondition, t.Retry)
	case t.Delay < 0:
		return fmt.Errorf("%w: negative delay", ErrPrecondition)
	case t.Timeout <= t.Delay:
		return fmt.Errorf("%w: timeout %s must be longer than delay %s", ErrPrecondition, t.Timeout, t.Delay)
	case t.Link.Rate().MaxPacketSize() < 1:
		return fmt.Errorf("%w: %v", ErrInvalidRate, t.Link.Rate())
	}

	return nil
}

func headerFor(src Source) string {
	return fmt.Sprintf("%s %d", strings.ToLower(filepath.Base(src.Name)), src.Size)
}

func (t *Transfer) checkSend(src Source) error {
	if err := t.check(); err != nil {
		return err
	}

	if src.Reader == nil {
		return fmt.Errorf("%w: nothing to read from", ErrPrecondition)
	}

	if t.Mode == ModeBulkHeader {
		if src.Name == "" || src.Size < 0 {
			return fmt.Errorf("%w: bulk header mode needs a name and size", ErrPrecondition)
		}
		switch base := filepath.Base(src.Name); {
		case base == "." || base == ".." || base == string(filepath.Separator):
			return fmt.Errorf("%w: %q is not a file name", ErrPrecondition, src.Name)
		case strings.ContainsFunc(base, unicode.IsSpace):
			return fmt.Errorf("%w: file name %q contains white space", ErrPrecondition, base)
		}
		if len(headerFor(src)) > t.Link.Rate().MaxPacketSize() {
			return fmt.Errorf("%w: file name too long for one packet", ErrPrecondition)
		}
	}

	return nil
}

func (t *Transfer) checkReceive(sink Sink) error {
	if err := t.check(); err != nil {
		return err
	}

	if t.Mode == ModePlain {
		if sink.Writer == nil {
			return fmt.Errorf("%w: nothing to write to", ErrPrecondition)
		}

		return nil
	}

	var st, err = os.Stat(sink.Dir)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrPrecondition, err)
	}
	if !st.IsDir() {
		return fmt.Errorf("%w: %s is not a directory", ErrPrecondition, sink.Dir)
	}

	return nil
}

type session struct {
	t       *Transfer
	stream  PacketStream
	res     *Result
	lastCAN bool
	logger  *log.Logger
}

func (t *Transfer) newSession(role string) *session {
	var logger = t.Logger
	if logger == nil {
		logger = discardLogger()
	}

	return &session{
		t:       t,
		stream:  t.Link.Listen(),
		res:     &Result{}, //nolint:exhaustruct
		lastCAN: false,
		logger:  logger.With("xfer", role, "mode", t.Mode),
	}
}

// finish turns the error that ended the session into the result.  Only
// the caller giving up is returned as an error.
func (s *session) finish(err error) (*Result, error) {
	s.stream.Close()
	s.res.Err = err

	switch {
	case err == nil:
		s.res.Outcome = Success
		s.logger.Info("transfer complete", "bytes", s.res.Bytes, "packets", s.res.Packets, "errors", s.res.Errors)
	case errors.Is(err, errCancelled):
		s.res.Outcome = Cancelled
		s.logger.Warn("transfer cancelled by peer")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		s.res.Outcome = Failed
		return s.res, err
	default:
		s.res.Outcome = Failed
		s.logger.Warn("transfer failed", "err", err, "errors", s.res.Errors)
	}

	return s.res, nil
}

func fatal(err error) bool {
	return errors.Is(err, errCancelled) || errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrWaiterClosed) ||
		errors.Is(err, ErrClosed)
}

// settle gives the channel time to clear after we transmit.
func (s *session) settle(ctx context.Context) error {
	if s.t.Delay <= 0 {
		return ctx.Err()
	}

	var timer = time.NewTimer(s.t.Delay)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *session) sendPacket(ctx context.Context, p []byte, ack bool) error {
	var err = s.t.Link.SendPacket(ctx, p, ack, s.t.Timeout)
	if fatal(err) {
		return err
	}

	if settleErr := s.settle(ctx); settleErr != nil {
		return settleErr
	}

	return err
}

func (s *session) sendToken(ctx context.Context, tok string, ack bool) error {
	s.logger.Debug("send", "token", tokenName(tok))

	return s.sendPacket(ctx, []byte(tok), ack)
}

// abort sends the cancel sequence.  Delivery isn't checked.
func (s *session) abort(ctx context.Context) {
	s.logger.Info("sending abort")

	for i := 0; i < 2; i++ {
		if err := s.sendToken(ctx, tokCAN, false); fatal(err) {
			return
		}
	}
}

/*-------------------------------------------------------------------
 *
 * Name:	read
 *
 * Purpose:	Wait for the next packet from the other side.
 *
 * Returns:	ok false when nothing usable arrived in time.
 *		errCancelled on the second CAN in a row, or the context
 *		error.
 *
 *--------------------------------------------------------------------*/

func (s *session) read(ctx context.Context) ([]byte, bool, error) {
	var p, err = s.stream.Next(ctx, s.t.Timeout)
	if fatal(err) {
		return nil, false, err
	}
	if err != nil {
		s.logger.Debug("nothing usable received", "err", err)
		return nil, false, nil
	}

	var isCAN = normalizeToken(p) == tokCAN
	if isCAN && s.lastCAN {
		return nil, false, errCancelled
	}
	s.lastCAN = isCAN

	return p, true, nil
}

// token waits for the next control token, passing over a single CAN and
// any in skip.  "" means nothing arrived in time.
func (s *session) token(ctx context.Context, skip ...string) (string, error) {
	for {
		var p, ok, err = s.read(ctx)
		if err != nil {
			return "", err
		}
		if !ok {
			return "", nil
		}

		var tok = normalizeToken(p)
		s.logger.Debug("recv", "token", tokenName(tok))

		if tok == tokCAN {
			continue
		}
		if len(skip) > 0 && contains(skip, tok) {
			continue
		}

		return tok, nil
	}
}

func contains(list []string, s string) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}

	return false
}

func normalizeToken(p []byte) string {
	return strings.ToUpper(string(bytes.TrimRight(p, "\x00\x1a \r\n")))
}

func tokenName(tok string) string {
	switch tok {
	case tokSOH:
		return "SOH"
	case tokSTX:
		return "STX"
	case tokEOT:
		return "EOT"
	case tokACK:
		return "ACK"
	case tokNAK:
		return "NAK"
	case tokCAN:
		return "CAN"
	case tokCRC:
		return "CRC"
	case "":
		return "(none)"
	}

	return tok
}

func taggedField(v int, tag int) string {
	return fmt.Sprintf("%04X", v+tag)
}

func parseTagged(p []byte, tag int) (int, bool) {
	var s = normalizeToken(p)
	if len(s) != 4 {
		return 0, false
	}

	var v, err = strconv.ParseUint(s, 16, 16)
	if err != nil || int(v)&0xFF00 != tag {
		return 0, false
	}

	return int(v) - tag, true
}

func (s *session) progress() {
	if s.t.Progress != nil {
		s.t.Progress(s.res.Packets, s.res.Successes, s.res.Errors)
	}
}

// Send transfers everything from src.  The error is only for bad
// arguments or ctx ending; protocol failures are in the Result.
func (t *Transfer) Send(ctx context.Context, src Source) (*Result, error) {
	if err := t.checkSend(src); err != nil {
		return nil, err
	}

	var s = t.newSession("send")

	return s.finish(s.send(ctx, src))
}

// SendFile sends a file in bulk header mode, or just its contents in
// plain mode.
func (t *Transfer) SendFile(ctx context.Context, path string) (*Result, error) {
	var f, err = os.Open(path) //nolint:gosec
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPrecondition, err)
	}
	defer f.Close() //nolint:errcheck

	var st, statErr = f.Stat()
	if statErr != nil {
		return nil, fmt.Errorf("%w: %w", ErrPrecondition, statErr)
	}
	if !st.Mode().IsRegular() {
		return nil, fmt.Errorf("%w: %s is not a regular file", ErrPrecondition, path)
	}

	return t.Send(ctx, Source{Name: filepath.Base(path), Size: st.Size(), Reader: f})
}

func (s *session) send(ctx context.Context, src Source) error {
	var crcMode, err = s.negotiate(ctx)
	if err != nil {
		return err
	}

	if s.t.Mode == ModeBulkHeader {
		var header = headerFor(src)
		s.logger.Info("sending header", "header", header)

		if err := s.sendChunk(ctx, 0, []byte(header), crcMode); err != nil {
			return err
		}
	}

	var seq = 1
	var buf = make([]byte, s.t.Link.Rate().MaxPacketSize())

	for {
		var n, readErr = io.ReadFull(src.Reader, buf)
		if n > 0 {
			if err := s.sendChunk(ctx, seq, bytes.Clone(buf[:n]), crcMode); err != nil {
				return err
			}
			s.res.Bytes += int64(n)
			seq = (seq + 1) % maxSeq
		}

		if errors.Is(readErr, io.EOF) || errors.Is(readErr, io.ErrUnexpectedEOF) {
			break
		}
		if readErr != nil {
			s.abort(ctx)
			return fmt.Errorf("read source: %w", readErr)
		}
	}

	return s.endOfTransmission(ctx)
}

/*-------------------------------------------------------------------
 *
 * Name:	negotiate
 *
 * Purpose:	Wait for the receiver to ask for the transfer.
 *
 * Returns:	Whether the receiver asked for CRC mode.
 *
 *--------------------------------------------------------------------*/

func (s *session) negotiate(ctx context.Context) (bool, error) {
	var misses = 0

	for {
		s.logger.Debug("waiting for receiver")

		var tok, err = s.token(ctx)
		if err != nil {
			return false, err
		}

		switch tok {
		case tokNAK:
			s.logger.Info("receiver wants plain mode")
			return false, nil

		case tokCRC:
			s.logger.Info("receiver wants crc mode")
			if err := s.sendToken(ctx, tokACK, false); err != nil {
				if fatal(err) {
					return false, err
				}
				s.logger.Warn("couldn't confirm crc mode", "err", err)
			}

			return true, nil

		case "":
			s.logger.Info("no request from receiver", "timeout", s.t.Timeout)

		default:
			s.logger.Warn("expected NAK or CRC", "got", tokenName(tok))
		}

		// Counted apart from Result.Errors so the data phase gets the
		// whole retry budget.
		misses++
		if misses >= s.t.Retry {
			s.abort(ctx)
			return false, fmt.Errorf("no request from receiver after %d tries", misses)
		}
	}
}

// Pad the chunk out to whole frames.
func (s *session) padded(chunk []byte) []byte {
	var fs = s.t.Link.Rate().FrameSize
	var n = (len(chunk) + fs - 1) / fs * fs
	var out = make([]byte, n)
	copy(out, chunk)

	for i := len(chunk); i < n; i++ {
		out[i] = s.t.Pad
	}

	return out
}

/*-------------------------------------------------------------------
 *
 * Name:	sendChunk
 *
 * Purpose:	Send one chunk until it is acknowledged.
 *
 * Description:	The sequence and data packets go with modem level
 *		acknowledgement.  If either isn't delivered the transfer
 *		is over.  A NAK sends the same chunk again with the same
 *		sequence number until the retry limit.  Silence or
 *		anything other than ACK or NAK is a protocol error.
 *
 *--------------------------------------------------------------------*/

func (s *session) sendChunk(ctx context.Context, seq int, chunk []byte, crcMode bool) error {
	s.res.Packets++

	var crc = CRC8(chunk)
	var wire = s.padded(chunk)

	for {
		s.logger.Debug("sending packet", "seq", seq, "bytes", len(chunk))

		if err := s.sendToken(ctx, tokSTX, false); err != nil {
			if fatal(err) {
				return err
			}
			s.logger.Warn("STX not sent", "err", err)
		}

		if err := s.sendToken(ctx, taggedField(seq, seqTag), true); err != nil {
			if fatal(err) {
				return err
			}
			s.abort(ctx)

			return fmt.Errorf("sequence %d not acknowledged: %w", seq, err)
		}

		if err := s.sendPacket(ctx, wire, true); err != nil {
			if fatal(err) {
				return err
			}
			s.res.Errors++
			s.abort(ctx)

			return fmt.Errorf("data for sequence %d not delivered: %w", seq, err)
		}

		if crcMode {
			if err := s.sendToken(ctx, taggedField(int(crc), crcTag), false); err != nil {
				if fatal(err) {
					return err
				}
				s.logger.Warn("crc not sent", "err", err)
			}
		}

		// Leftover CRC requests from the start can still be in flight.
		var reply, err = s.token(ctx, tokCRC)
		if err != nil {
			return err
		}

		switch reply {
		case tokACK:
			s.res.Successes++
			s.progress()

			return nil

		case tokNAK:
			s.res.Errors++
			s.progress()
			s.logger.Info("packet rejected", "seq", seq, "errors", s.res.Errors)

			if s.res.Errors >= s.t.Retry {
				s.abort(ctx)
				return fmt.Errorf("too many retransmissions (%d)", s.res.Errors)
			}

		case "":
			s.res.Errors++
			s.abort(ctx)

			return fmt.Errorf("no reply for sequence %d", seq)

		default:
			s.abort(ctx)

			return fmt.Errorf("protocol error: got %s waiting for ACK", tokenName(reply))
		}
	}
}

func (s *session) endOfTransmission(ctx context.Context) error {
	for {
		if err := s.sendToken(ctx, tokEOT, false); fatal(err) {
			return err
		}

		var reply, err = s.token(ctx, tokCRC)
		if err != nil {
			return err
		}

		switch reply {
		case tokACK:
			return nil
		case tokNAK:
			return errors.New("receiver rejected end of transmission")
		}

		s.res.Errors++
		if s.res.Errors >= s.t.Retry {
			s.abort(ctx)
			return errors.New("end of transmission not acknowledged")
		}
	}
}

// Receive accepts one transfer.  The error is only for bad arguments or
// ctx ending; protocol failures are in the Result.
func (t *Transfer) Receive(ctx context.Context, sink Sink) (*Result, error) {
	if err := t.checkReceive(sink); err != nil {
		return nil, err
	}

	var s = t.newSession("recv")
	var r = &receiver{session: s, sink: sink, declared: -1} //nolint:exhaustruct

	var err = r.run(ctx)
	r.closeFile()

	return s.finish(err)
}

type receiver struct {
	*session
	sink       Sink
	crcMode    bool
	headerDone bool
	expected   int
	failures   int

	file     *os.File
	declared int64
}

func (r *receiver) closeFile() {
	if r.file != nil {
		if err := r.file.Close(); err != nil {
			r.logger.Error("closing output", "file", r.res.Path, "err", err)
		}
		r.file = nil
	}
}

func (r *receiver) run(ctx context.Context) error {
	var tok, err = r.solicit(ctx)
	if err != nil {
		return err
	}

	r.headerDone = r.t.Mode == ModePlain
	r.expected = IfThenElse(r.headerDone, 1, 0)

	for {
		switch tok {
		case tokSTX:
			if err := r.receivePacket(ctx); err != nil {
				return err
			}

		case tokEOT:
			return r.endOfTransmission(ctx)

		default:
			r.logger.Info("expected STX or EOT", "got", tokenName(tok))

			r.failures++
			if r.failures >= r.t.Retry {
				r.abort(ctx)
				return fmt.Errorf("nothing sensible from sender after %d tries", r.failures)
			}

			if tok == "" {
				// Prod the sender, our last reply may have been lost.
				if err := r.sendToken(ctx, tokNAK, false); fatal(err) {
					return err
				}
			}
		}

		tok, err = r.token(ctx)
		if err != nil {
			return err
		}
	}
}

/*-------------------------------------------------------------------
 *
 * Name:	solicit
 *
 * Purpose:	Ask the sender to start.
 *
 * Description:	For the first half of the retries ask for CRC mode, then
 *		fall back to plain NAK.  The sender's ACK of a CRC request
 *		means it has heard us, so wait for STX without asking
 *		again.
 *
 *--------------------------------------------------------------------*/

func (r *receiver) solicit(ctx context.Context) (string, error) {
	r.crcMode = !r.t.DisableCRC

	var confirmed = false

	for {
		if r.failures >= r.t.Retry {
			r.abort(ctx)
			return "", fmt.Errorf("sender didn't start after %d tries", r.failures)
		}

		if !confirmed {
			if r.crcMode && r.failures < r.t.Retry/2 {
				if err := r.sendToken(ctx, tokCRC, true); err != nil {
					if fatal(err) {
						return "", err
					}
					r.logger.Info("crc request not delivered", "err", err)
					r.failures++

					continue
				}
			} else {
				r.crcMode = false
				if err := r.sendToken(ctx, tokNAK, false); fatal(err) {
					return "", err
				}
			}
		}

		var tok, err = r.token(ctx)
		if err != nil {
			return "", err
		}

		switch {
		case tok == tokSTX:
			r.failures = 0
			return tok, nil
		case tok == tokACK && r.crcMode:
			r.logger.Info("crc mode confirmed")
			confirmed = true

			continue
		}

		confirmed = false
		r.failures++
	}
}

// trimPad drops trailing pad bytes.  The pad can be any byte value.
func trimPad(raw []byte, pad byte) []byte {
	var n = len(raw)
	for n > 0 && raw[n-1] == pad {
		n--
	}

	return raw[:n]
}

// Strip the pad.  If the CRC then doesn't match, the data may really
// have ended in pad bytes, so try putting them back.
func (r *receiver) checkCRC(raw, stripped []byte, want int) ([]byte, bool) {
	if int(CRC8(stripped)) == want {
		return stripped, true
	}

	for k := len(stripped) + 1; k <= len(raw); k++ {
		if int(CRC8(raw[:k])) == want {
			return raw[:k], true
		}
	}

	return stripped, false
}

// readPacket reads the sequence, data and CRC that follow STX.
func (r *receiver) readPacket(ctx context.Context) (int, []byte, bool, error) {
	var seqRaw, seqOK, err = r.read(ctx)
	if err != nil {
		return 0, nil, false, err
	}

	var raw, dataOK, dataErr = r.read(ctx)
	if dataErr != nil {
		return 0, nil, false, dataErr
	}

	var crcRaw []byte
	var crcOK = true
	if r.crcMode {
		var crcErr error
		crcRaw, crcOK, crcErr = r.read(ctx)
		if crcErr != nil {
			return 0, nil, false, crcErr
		}
	}

	if !seqOK || !dataOK || !crcOK {
		return 0, nil, false, nil
	}

	var seq, ok = parseTagged(seqRaw, seqTag)
	if !ok {
		r.logger.Warn("bad sequence field", "field", string(seqRaw))
		return 0, nil, false, nil
	}

	var data = trimPad(raw, r.t.Pad)

	if r.crcMode {
		var want, ok = parseTagged(crcRaw, crcTag)
		if !ok {
			r.logger.Warn("bad crc field", "field", string(crcRaw))
			return seq, nil, false, nil
		}

		var good bool
		data, good = r.checkCRC(raw, data, want)
		if !good {
			r.logger.Warn("crc mismatch", "seq", seq, "want", want, "got", CRC8(data))
			return seq, nil, false, nil
		}
	}

	return seq, bytes.Clone(data), true, nil
}

func (r *receiver) receivePacket(ctx context.Context) error {
	var seq, data, ok, err = r.readPacket(ctx)
	if err != nil {
		return err
	}

	if ok && seq != r.expected {
		r.logger.Warn("unexpected sequence", "want", r.expected, "got", seq)
		ok = false
	}

	if ok && !r.headerDone {
		ok = r.openFromHeader(data)
		r.headerDone = ok
	} else if ok {
		if _, err := r.writer().Write(data); err != nil {
			r.abort(ctx)
			return fmt.Errorf("write output: %w", err)
		}
		r.res.Bytes += int64(len(data))
	}

	r.res.Packets++

	if ok {
		r.res.Successes++
		r.failures = 0
		r.expected = (r.expected + 1) % maxSeq
		r.progress()

		if err := r.sendToken(ctx, tokACK, false); fatal(err) {
			return err
		}

		return nil
	}

	r.res.Errors++
	r.failures++
	r.progress()

	if err := r.sendToken(ctx, tokNAK, false); fatal(err) {
		return err
	}

	if r.failures >= r.t.Retry {
		r.abort(ctx)
		return fmt.Errorf("too many bad packets (%d)", r.failures)
	}

	return nil
}

func (r *receiver) writer() io.Writer {
	if r.file != nil {
		return r.file
	}

	return r.sink.Writer
}

/*-------------------------------------------------------------------
 *
 * Name:	openFromHeader
 *
 * Purpose:	Create the output file named by a "name size" header.
 *
 * Returns:	false if the header is unusable.  Names that aren't a
 *		plain file name are refused.
 *
 *--------------------------------------------------------------------*/

func (r *receiver) openFromHeader(data []byte) bool {
	var fields = strings.Fields(string(data))
	if len(fields) != 2 {
		r.logger.Warn("bad header", "header", string(data))
		return false
	}

	var name = fields[0]
	if name != filepath.Base(name) || name == "." || name == ".." || strings.ContainsRune(name, os.PathSeparator) {
		r.logger.Warn("refusing file name", "name", name)
		return false
	}

	var size, err = strconv.ParseInt(fields[1], 10, 64)
	if err != nil || size < 0 {
		r.logger.Warn("bad size in header", "size", fields[1])
		return false
	}

	var path = filepath.Join(r.sink.Dir, name)

	var f, openErr = os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644) //nolint:gosec
	if openErr != nil {
		r.logger.Error("can't create output", "file", path, "err", openErr)
		return false
	}

	r.logger.Info("receiving file", "file", path, "size", size)
	r.file = f
	r.declared = size
	r.res.Path = path

	return true
}

func (r *receiver) endOfTransmission(ctx context.Context) error {
	if !r.headerDone {
		if err := r.sendToken(ctx, tokNAK, false); fatal(err) {
			return err
		}

		return errors.New("end of transmission before header")
	}

	if r.declared >= 0 && r.res.Bytes != r.declared {
		r.logger.Warn("size mismatch", "declared", r.declared, "received", r.res.Bytes)

		if err := r.sendToken(ctx, tokNAK, false); fatal(err) {
			return err
		}

		r.closeFile()
		if err := os.Remove(r.res.Path); err != nil {
			r.logger.Error("can't remove partial file", "file", r.res.Path, "err", err)
		}

		var got = r.res.Bytes
		r.res.Bytes = 0
		r.res.Path = ""

		return fmt.Errorf("received %d bytes, header said %d", got, r.declared)
	}

	if err := r.sendToken(ctx, tokACK, false); fatal(err) {
		return err
	}

	return nil
}
