package acomms

/*------------------------------------------------------------------
 *
 * Purpose:	Simulated modems sharing one acoustic channel.
 *
 * Description:	Each SimModem stands in for modem firmware.  The host
 *		side is a Transport, so a Modem can drive it exactly as it
 *		would a serial port.  Packets a SimModem transmits are
 *		heard at once by every other SimModem on the channel.
 *
 *		Enough of the firmware is covered for the cycle state
 *		machine and file transfer: cycle init and echo, data
 *		requests, frame transmit and receive, transmit complete
 *		and statistics, frame acks, uplink polls, configuration
 *		and ping.
 *
 *---------------------------------------------------------------*/

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
)

type SimChannel struct {
	mu     sync.Mutex
	modems map[int]*SimModem

	// Corrupt says whether a frame arrives with a bad CRC.
	Corrupt func(src, dest, frameNum int) bool

	// One way travel time reported by pings, in seconds.
	OWTT float64

	logger *log.Logger
}

func NewSimChannel(logger *log.Logger) *SimChannel {
	if logger == nil {
		logger = discardLogger()
	}

	return &SimChannel{ //nolint:exhaustruct
		modems: make(map[int]*SimModem),
		OWTT:   1.5,
		logger: logger,
	}
}

type simCycle struct {
	cycle  CycleInfo
	frames []DataFrame
}

type SimModem struct {
	ch          *SimChannel
	id          int
	config      map[string]string
	out         chan string
	readTimeout time.Duration
	tx          *simCycle
	reader      lineReader

	closed    atomic.Bool
	done      chan struct{}
	closeOnce sync.Once
}

const simOutBuffer = 1024

// NewModem adds a modem with the given id to the channel.
func (c *SimChannel) NewModem(id int) *SimModem {
	var s = &SimModem{ //nolint:exhaustruct
		ch:          c,
		id:          id,
		config:      map[string]string{"SRC": fmt.Sprint(id), "ASD": "0", "RXP": "1"},
		out:         make(chan string, simOutBuffer),
		readTimeout: DefaultReadTimeout,
		done:        make(chan struct{}),
	}

	c.mu.Lock()
	c.modems[id] = s
	c.mu.Unlock()

	return s
}

func (s *SimModem) ID() int {
	s.ch.mu.Lock()
	defer s.ch.mu.Unlock()

	return s.id
}

func (s *SimModem) ReadLine() (string, error) {
	var timer = time.NewTimer(s.readTimeout)
	defer timer.Stop()

	select {
	case line := <-s.out:
		return line, nil
	case <-timer.C:
		return "", ErrReadTimeout
	case <-s.done:
		return "", io.EOF
	}
}

func (s *SimModem) Write(p []byte) error {
	if s.closed.Load() {
		return ErrNotConnected
	}

	s.ch.mu.Lock()
	defer s.ch.mu.Unlock()

	s.reader.buf = append(s.reader.buf, p...)

	for {
		var line, err = s.reader.readLine(func([]byte) (int, error) { return 0, ErrReadTimeout })
		if errors.Is(err, ErrReadTimeout) {
			return nil
		}

		var msg, parseErr = ParseMessage(line)
		if parseErr != nil {
			s.ch.logger.Warn("sim: bad sentence from host", "modem", s.id, "line", line, "err", parseErr)
			continue
		}

		s.command(msg)
	}
}

func (s *SimModem) IsConnected() bool { return !s.closed.Load() }

func (s *SimModem) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		close(s.done)

		s.ch.mu.Lock()
		if s.ch.modems[s.id] == s {
			delete(s.ch.modems, s.id)
		}
		s.ch.mu.Unlock()
	})

	return nil
}

/*-------------------------------------------------------------------
 *
 * Name:	Attach
 *
 * Purpose:	Connect the simulated modem to a byte stream, such as a
 *		pseudo terminal or a TCP connection, so an ordinary
 *		host program can talk to it.
 *
 * Returns:	When rw fails or ctx is done.  If rw is also an
 *		io.Closer it is closed when ctx is done.
 *
 *--------------------------------------------------------------------*/

func (s *SimModem) Attach(ctx context.Context, rw io.ReadWriter) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if c, ok := rw.(io.Closer); ok {
		go func() {
			<-ctx.Done()
			c.Close() //nolint:errcheck,gosec
		}()
	}

	go func() {
		for ctx.Err() == nil {
			var line, err = s.ReadLine()
			if errors.Is(err, ErrReadTimeout) {
				continue
			}
			if err != nil {
				return
			}

			if _, err := io.WriteString(rw, line+"\r\n"); err != nil {
				cancel()
				return
			}
		}
	}()

	var buf = make([]byte, 512)
	for ctx.Err() == nil {
		var n, err = rw.Read(buf)
		if n > 0 {
			if werr := s.Write(buf[:n]); werr != nil {
				return werr
			}
		}
		if err != nil {
			return err
		}
	}

	return ctx.Err()
}

// Reboot makes the firmware announce a restart, dropping any cycle.
func (s *SimModem) Reboot() {
	s.ch.mu.Lock()
	defer s.ch.mu.Unlock()

	s.tx = nil
	s.emit(NewMessage("CAREV", simClock(), "INIT", "0.93.0.52"))
}

func simClock() string {
	return time.Now().UTC().Format("150405")
}

// Called with the channel lock held.
func (s *SimModem) emit(m Message) {
	var line = strings.TrimRight(string(m.Encode()), "\r\n")

	select {
	case s.out <- line:
	default:
		s.ch.logger.Warn("sim: host not reading, dropping", "modem", s.id, "line", line)
	}
}

func (s *SimModem) command(m Message) {
	switch m.Type {
	case "CCCYC":
		s.cycleInit(m)
	case "CCTXD":
		s.transmitData(m)
	case "CCCFQ":
		var name = m.Param(0)
		if v, ok := s.config[name]; ok {
			s.emit(NewMessage("CACFG", name, v))
		}
	case "CCCFG":
		s.setConfig(m.Param(0), m.Param(1))
	case "CCMPC":
		s.ping(m)
	default:
		s.ch.logger.Debug("sim: ignoring command", "modem", s.id, "type", m.Type)
	}
}

func (s *SimModem) setConfig(name, value string) {
	s.config[name] = value

	if name == "SRC" {
		var id, err = (Message{Type: "CCCFG", Params: []string{value}}).IntParam(0)
		if err == nil {
			delete(s.ch.modems, s.id)
			s.id = id
			s.ch.modems[id] = s
		}
	}

	s.emit(NewMessage("CACFG", name, value))
}

func (s *SimModem) ping(m Message) {
	var dest, err = m.IntParam(1)
	if err != nil {
		return
	}

	s.emit(NewMessage("CAMPC", s.id, dest))

	if _, ok := s.ch.modems[dest]; ok {
		s.emit(NewMessage("CAMPR", dest, s.id, fmt.Sprintf("%.4f", s.ch.OWTT)))
	}
}

func cycleParams(c CycleInfo) []any {
	return []any{0, c.Src, c.Dest, c.Rate, c.Ack, c.NumFrames}
}

func (s *SimModem) cycleInit(m Message) {
	var r = fieldReader{m: m} //nolint:exhaustruct
	if !r.need(6) {
		return
	}

	var c = CycleInfo{Src: r.int(1), Dest: r.int(2), Rate: r.int(3), Ack: r.bool(4), NumFrames: r.int(5)}
	if r.err != nil {
		return
	}

	s.emit(NewMessage("CACYC", cycleParams(c)...))

	if c.Rate == 0 {
		// Cycle init minipacket goes out first.
		s.emit(NewMessage("CATXF", 0))
	}

	if c.Src == s.id {
		s.startTransmit(c)
		return
	}

	// Polling another station for its data.
	if remote, ok := s.ch.modems[c.Src]; ok {
		remote.emit(NewMessage("CACYC", cycleParams(c)...))
		remote.startTransmit(c)
	}
}

func (s *SimModem) startTransmit(c CycleInfo) {
	if c.NumFrames < 1 {
		return
	}

	s.tx = &simCycle{cycle: c} //nolint:exhaustruct
	s.requestFrame()
}

func (s *SimModem) requestFrame() {
	var c = s.tx.cycle
	var rate, err = LookupRate(c.Rate)
	if err != nil {
		s.tx = nil
		return
	}

	s.emit(NewMessage("CADRQ", simClock(), c.Src, c.Dest, c.Ack, rate.FrameSize, len(s.tx.frames)+1))
}

func (s *SimModem) transmitData(m Message) {
	if s.tx == nil {
		s.ch.logger.Debug("sim: CCTXD with no cycle", "modem", s.id)
		return
	}

	var data, err = dataFromHex(m.Param(3))
	if err != nil {
		return
	}

	var c = s.tx.cycle
	s.tx.frames = append(s.tx.frames, DataFrame{
		Src:      c.Src,
		Dest:     c.Dest,
		Ack:      m.Param(2) == "1",
		FrameNum: len(s.tx.frames) + 1,
		Data:     data,
		BadCRC:   false,
	})

	if len(s.tx.frames) < c.NumFrames {
		s.requestFrame()
		return
	}

	var cyc = s.tx
	s.tx = nil
	s.transmit(cyc)
}

/*-------------------------------------------------------------------
 *
 * Name:	transmit
 *
 * Purpose:	Put a whole packet on the channel.
 *
 * Description:	Every other modem hears it.  The addressee acknowledges
 *		the good frames if asked to, and those acks come back
 *		after our transmit complete and statistics.
 *
 *--------------------------------------------------------------------*/

func (s *SimModem) transmit(cyc *simCycle) {
	var c = cyc.cycle
	var acked []int

	for id, other := range s.ch.modems {
		if id == s.id {
			continue
		}

		var got = other.hear(cyc)
		if id == c.Dest {
			acked = got
		}
	}

	var nbytes = 0
	for _, f := range cyc.frames {
		nbytes += len(f.Data)
	}

	var now = time.Now().UTC()
	s.emit(NewMessage("CATXF", nbytes))
	s.emit(NewMessage("CAXST", 6, now.Format("20060102"), now.Format("150405")+".0000",
		0, 0, 0, 0, 0, c.Rate, c.Src, c.Dest, c.Ack, c.NumFrames, len(cyc.frames), 5, nbytes))

	for _, n := range acked {
		s.emit(NewMessage("CAACK", c.Src, c.Dest, n, 1))
	}
}

// hear delivers a packet to this modem's host.  Returns the frames to ack.
func (s *SimModem) hear(cyc *simCycle) []int {
	var c = cyc.cycle
	var acked []int
	var wantAck = false

	s.emit(NewMessage("CACYC", cycleParams(c)...))

	for _, f := range cyc.frames {
		if s.ch.Corrupt != nil && s.ch.Corrupt(c.Src, c.Dest, f.FrameNum) {
			s.emit(NewMessage("CAMSG", "BAD_CRC", 0))
			continue
		}

		s.emit(NewMessage("CARXD", f.Src, f.Dest, f.Ack, f.FrameNum, hexFromData(f.Data)))

		if f.Ack && c.Dest == s.id {
			acked = append(acked, f.FrameNum)
			wantAck = true
		}
	}

	if (c.Ack || wantAck) && c.Dest == s.id {
		// Ack minipacket sent.
		s.emit(NewMessage("CATXF", 0))
	}

	return acked
}
