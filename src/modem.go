package acomms

/*------------------------------------------------------------------
 *
 * Purpose:	Host side driver for one acoustic modem.
 *
 * Description:	Three goroutines per modem.
 *
 *		The reader pulls lines from the transport.
 *
 *		The writer drains the transmit queue to the transport.
 *
 *		The dispatch loop owns all cycle state.  It decodes each
 *		line, hands the events to the waiters and to the arbiter,
 *		runs commands from callers and fires the state timeout.
 *
 *		Callers block only on their own waiters.
 *
 *---------------------------------------------------------------*/

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
)

type ModemOptions struct {
	Name string

	// Station id.  Replaced by the modem's SRC setting when reported.
	ID int

	StateTimeout time.Duration
	TxQueueSize  int
	Logger       *log.Logger
	NMEALog      *NMEALog
}

type Modem struct {
	name      string
	transport Transport
	events    *Dispatcher
	arb       *arbiter
	txq       *txQueue
	commands  chan func()
	logger    *log.Logger
	nmeaLog   *NMEALog

	id    atomic.Int64
	state atomic.Int32
	done  chan struct{}
}

func NewModem(t Transport, opts ModemOptions) *Modem {
	var logger = opts.Logger
	if logger == nil {
		logger = discardLogger()
	}
	logger = logger.With("modem", opts.Name)

	var m = &Modem{ //nolint:exhaustruct
		name:      opts.Name,
		transport: t,
		events:    NewDispatcher(logger),
		txq:       newTxQueue(opts.TxQueueSize, logger),
		commands:  make(chan func()),
		logger:    logger,
		nmeaLog:   opts.NMEALog,
		done:      make(chan struct{}),
	}
	m.id.Store(int64(opts.ID))

	m.arb = newArbiter(opts.ID, m.write, m.emit, logger)
	if opts.StateTimeout > 0 {
		for s := WaitingForCycleEcho; s <= WaitingForIncomingFrames; s++ {
			m.arb.timeouts[s] = opts.StateTimeout
		}
	}

	return m
}

func (m *Modem) Name() string { return m.name }

func (m *Modem) ID() int { return int(m.id.Load()) }

// State as of the last transition.
func (m *Modem) State() CycleState { return CycleState(m.state.Load()) }

func (m *Modem) Events() *Dispatcher { return m.events }

func (m *Modem) IsConnected() bool { return m.transport.IsConnected() }

// Done is closed when Run returns.
func (m *Modem) Done() <-chan struct{} { return m.done }

func (m *Modem) write(msg Message) {
	var line = msg.Encode()
	m.nmeaLog.Record("out", string(line))
	m.logger.Debug("tx", "line", msg.String())
	m.txq.append(line)
}

// WriteRaw queues a line from elsewhere, e.g. a bridge client.
func (m *Modem) WriteRaw(line string) {
	m.nmeaLog.Record("out", line)
	m.txq.append([]byte(line + "\r\n"))
}

func (m *Modem) emit(ev Event) {
	if sc, ok := ev.(StateChanged); ok {
		m.state.Store(int32(sc.To)) //nolint:gosec
	}
	m.events.Dispatch(ev)
}

func (m *Modem) handleLine(line string) {
	if line == "" {
		return
	}

	m.nmeaLog.Record("in", line)

	var msg, err = ParseMessage(line)
	if err != nil {
		m.logger.Warn("ignoring line", "line", line, "err", err)
		return
	}
	m.logger.Debug("rx", "line", msg.String())

	var events, decodeErr = DecodeEvents(msg)
	if decodeErr != nil {
		m.logger.Warn("can't decode sentence", "type", msg.Type, "err", decodeErr)
	}

	for _, ev := range events {
		m.events.Dispatch(ev)
		m.arb.handle(ev)
	}

	m.id.Store(int64(m.arb.id))
}

/*-------------------------------------------------------------------
 *
 * Name:	Run
 *
 * Purpose:	Talk to the modem until ctx is done or the transport fails.
 *
 * Returns:	ctx.Err() or the transport's error.  The transport is
 *		closed on the way out.
 *
 *--------------------------------------------------------------------*/

func (m *Modem) Run(ctx context.Context) error {
	defer close(m.done)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var lines = make(chan string, 64)
	var readErr = make(chan error, 1)

	go func() {
		defer close(lines)

		for ctx.Err() == nil {
			var line, err = m.transport.ReadLine()
			if errors.Is(err, ErrReadTimeout) {
				continue
			}
			if err != nil {
				readErr <- err
				return
			}

			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
	}()

	var writeErr = make(chan error, 1)
	go func() {
		writeErr <- m.txq.run(ctx, m.transport)
	}()

	defer m.transport.Close() //nolint:errcheck

	var timer = time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	var armedGeneration uint64

	for {
		if m.arb.generation != armedGeneration {
			armedGeneration = m.arb.generation
			timer.Stop()
			if d := m.arb.timeout(); d > 0 {
				timer.Reset(d)
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()

		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-readErr:
					m.logger.Error("modem connection lost", "err", err)
					return fmt.Errorf("read from modem: %w", err)
				default:
					return ctx.Err()
				}
			}
			m.handleLine(line)

		case fn := <-m.commands:
			fn()

		case <-timer.C:
			m.arb.expire(armedGeneration)

		case err := <-writeErr:
			if err != nil && ctx.Err() == nil {
				return fmt.Errorf("write to modem: %w", err)
			}
		}
	}
}

// do runs fn on the dispatch goroutine and waits for it.
func (m *Modem) do(ctx context.Context, fn func()) error {
	var finished = make(chan struct{})

	select {
	case m.commands <- func() { fn(); close(finished) }:
	case <-ctx.Done():
		return ctx.Err()
	case <-m.done:
		return ErrClosed
	}

	select {
	case <-finished:
		return nil
	case <-m.done:
		return ErrClosed
	}
}

// SetUplinkDataFunc sets what we answer with when another station polls
// us for data.
func (m *Modem) SetUplinkDataFunc(ctx context.Context, fn UplinkDataFunc) error {
	return m.do(ctx, func() { m.arb.uplink = fn })
}

/*-------------------------------------------------------------------
 *
 * Name:	SendPacket
 *
 * Purpose:	Send one packet and wait until the modem is done with it.
 *
 * Inputs:	dest	- Destination station.
 *		rate	- Rate number.  Data past the rate's packet size is
 *			  dropped.
 *		ack	- Ask the receiver to acknowledge every frame.
 *		timeout	- For the whole exchange.
 *
 * Returns:	nil once the modem reports every frame sent, and, with
 *		ack, once every frame is acknowledged.
 *
 *--------------------------------------------------------------------*/

func (m *Modem) SendPacket(ctx context.Context, dest int, rate int, data []byte, ack bool, timeout time.Duration) error {
	var profile, err = LookupRate(rate)
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return fmt.Errorf("%w: empty packet", ErrPrecondition)
	}

	var src = m.ID()
	var p = NewPacket(src, dest, profile, ack, data)

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	// Register everything before the cycle starts.
	var done = m.events.Register(Match[PacketTransmitted](nil))
	defer done.Close()

	var stats = m.events.Register(Match(func(e TransmitStatsReceived) bool {
		return e.Stats.Mode != xstModePacketTimeout && e.Stats.Dest == dest
	}))
	defer stats.Close()

	var acks *Waiter
	if ack {
		acks = m.events.Register(Match(func(e AckReceived) bool {
			return e.Ack.Src == src && e.Ack.Dest == dest
		}))
		defer acks.Close()
	}

	var id uint64
	var queueErr error
	if err := m.do(ctx, func() { id, queueErr = m.arb.queueSend(p) }); err != nil {
		return err
	}
	if queueErr != nil {
		return queueErr
	}

	for {
		var result, err = NextOf[PacketTransmitted](ctx, done, 0)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrTxFailed, err)
		}
		if result.ID != id {
			continue
		}
		if result.Err != nil {
			return result.Err
		}

		break
	}

	var xst, xstErr = NextOf[TransmitStatsReceived](ctx, stats, 0)
	if xstErr != nil {
		return fmt.Errorf("%w: no transmit statistics: %w", ErrTxFailed, xstErr)
	}
	if xst.Stats.FramesSent != xst.Stats.FramesExpected {
		return fmt.Errorf("%w: %d of %d", ErrIncompleteTransmit, xst.Stats.FramesSent, xst.Stats.FramesExpected)
	}

	if !ack {
		return nil
	}

	var missing = make(map[int]bool, len(p.Frames))
	for _, f := range p.Frames {
		missing[f.FrameNum] = true
	}

	for len(missing) > 0 {
		var a, err = NextOf[AckReceived](ctx, acks, 0)
		if err != nil {
			return fmt.Errorf("%w: frames %v: %w", ErrNotAcknowledged, keys(missing), err)
		}
		delete(missing, a.Ack.FrameNum)
	}

	return nil
}

func keys(set map[int]bool) []int {
	var out = make([]int, 0, len(set))
	for k := range set {
		out = append(out, k)
	}

	return out
}

/*-------------------------------------------------------------------
 *
 * Name:	RequestUplink
 *
 * Purpose:	Poll station src for a packet and wait for it.
 *
 *--------------------------------------------------------------------*/

func (m *Modem) RequestUplink(ctx context.Context, src int, rate int, timeout time.Duration) (Packet, error) {
	var profile, err = LookupRate(rate)
	if err != nil {
		return Packet{}, err //nolint:exhaustruct
	}

	var w = m.events.Register(func(ev Event) bool {
		switch e := ev.(type) {
		case PacketReceived:
			return e.Packet.Cycle.Src == src
		case UplinkFailed:
			return e.Cycle.Src == src
		}

		return false
	})
	defer w.Close()

	var reqErr error
	if err := m.do(ctx, func() { reqErr = m.arb.requestUplink(src, rate, profile.FrameCount) }); err != nil {
		return Packet{}, err //nolint:exhaustruct
	}
	if reqErr != nil {
		return Packet{}, reqErr //nolint:exhaustruct
	}

	var ev, waitErr = w.Next(ctx, timeout)
	if waitErr != nil {
		return Packet{}, waitErr //nolint:exhaustruct
	}

	switch e := ev.(type) {
	case PacketReceived:
		if !e.Packet.OK() {
			return e.Packet, ErrBadPacket
		}

		return e.Packet, nil
	default:
		return Packet{}, fmt.Errorf("uplink from %d failed", src) //nolint:exhaustruct
	}
}

// QueryConfig asks the modem for one configuration value.
func (m *Modem) QueryConfig(ctx context.Context, name string, timeout time.Duration) (string, error) {
	var ev, err = m.events.WaitFor(ctx, Match(func(e ConfigReported) bool { return e.Name == name }), timeout, func() error {
		m.write(NewMessage("CCCFQ", name))
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("query %s: %w", name, err)
	}

	return ev.(ConfigReported).Value, nil //nolint:forcetypeassert
}

// SetConfig changes one configuration value and waits for the modem to
// confirm it.
func (m *Modem) SetConfig(ctx context.Context, name string, value string, timeout time.Duration) error {
	var _, err = m.events.WaitFor(ctx, Match(func(e ConfigReported) bool { return e.Name == name }), timeout, func() error {
		m.write(NewMessage("CCCFG", name, value))
		return nil
	})
	if err != nil {
		return fmt.Errorf("set %s=%s: %w", name, value, err)
	}

	return nil
}

// Ping returns the one way travel time to dest, in seconds.
func (m *Modem) Ping(ctx context.Context, dest int, timeout time.Duration) (float64, error) {
	var src = m.ID()

	var ev, err = m.events.WaitFor(ctx, Match(func(e PingReplied) bool { return e.Src == dest || e.Dest == dest }), timeout, func() error {
		m.write(NewMessage("CCMPC", src, dest))
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("ping %d: %w", dest, err)
	}

	return ev.(PingReplied).OWTT, nil //nolint:forcetypeassert
}
