package acomms

/*------------------------------------------------------------------
 *
 * Purpose:	Track the one cycle the modem is working on.
 *
 * Description:	The modem firmware handles one transmit or receive
 *		cycle at a time and reports progress with CACYC, CADRQ,
 *		CARXD, CATXF and friends.  The arbiter follows along,
 *		supplies frames when the firmware asks for them, collects
 *		frames as they arrive and reports the outcome of every
 *		cycle as an event.
 *
 *		Everything here runs on the modem's dispatch goroutine
 *		so there is no locking.  Each state except Idle has a
 *		timeout.  When it expires the operation in progress is
 *		reported as failed and we go back to Idle.  Nothing is
 *		retried at this level.
 *
 *---------------------------------------------------------------*/

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
)

type CycleState int

const (
	Idle CycleState = iota
	WaitingForCycleEcho
	WaitingForDataRequest
	WaitingForCycleInitTxComplete
	WaitingForMinipacketCmdComplete
	WaitingForTxComplete
	WaitingForIncomingPacket
	WaitingForIncomingFrames
)

func (s CycleState) String() string {
	switch s {
	case Idle:
		return "Idle"
	case WaitingForCycleEcho:
		return "WaitingForCycleEcho"
	case WaitingForDataRequest:
		return "WaitingForDataRequest"
	case WaitingForCycleInitTxComplete:
		return "WaitingForCycleInitTxComplete"
	case WaitingForMinipacketCmdComplete:
		return "WaitingForMinipacketCmdComplete"
	case WaitingForTxComplete:
		return "WaitingForTxComplete"
	case WaitingForIncomingPacket:
		return "WaitingForIncomingPacket"
	case WaitingForIncomingFrames:
		return "WaitingForIncomingFrames"
	default:
		return fmt.Sprintf("CycleState(%d)", int(s))
	}
}

const DefaultStateTimeout = 10 * time.Second

// Called when the modem polls us for data and no packet is queued.
// The result is truncated to the requested size.
type UplinkDataFunc func(drq DrqParams) []byte

type outgoing struct {
	id     uint64
	packet Packet
}

type arbiter struct {
	id    int
	asd   bool
	state CycleState

	cycle    CycleInfo
	tx       *outgoing
	rx       *Packet
	pending  *outgoing
	nextTxID uint64

	// Bumped on every state entry so the dispatch loop knows to rearm the timer.
	generation uint64
	timeouts   map[CycleState]time.Duration

	uplink UplinkDataFunc
	send   func(Message)
	emit   func(Event)
	now    func() time.Time
	logger *log.Logger
}

func newArbiter(id int, send func(Message), emit func(Event), logger *log.Logger) *arbiter {
	return &arbiter{ //nolint:exhaustruct
		id:       id,
		state:    Idle,
		timeouts: make(map[CycleState]time.Duration),
		send:     send,
		emit:     emit,
		now:      time.Now,
		logger:   logger,
	}
}

func (a *arbiter) timeout() time.Duration {
	if a.state == Idle {
		return 0
	}

	if d, ok := a.timeouts[a.state]; ok {
		return d
	}

	return DefaultStateTimeout
}

func (a *arbiter) enter(s CycleState) {
	var from = a.state
	a.state = s
	a.generation++

	if from != s {
		a.logger.Debug("state change", "from", from, "to", s)
		a.emit(StateChanged{From: from, To: s})
	}

	if s == Idle {
		a.cycle = CycleInfo{} //nolint:exhaustruct
		a.tx = nil
		a.rx = nil
		a.startPending()
	}
}

// Like enter(Idle) but without starting a queued send, for when a new
// cycle has to be handled first.
func (a *arbiter) reset() {
	a.cycle = CycleInfo{} //nolint:exhaustruct
	a.tx = nil
	a.rx = nil
	a.state = Idle
	a.generation++
}

/*-------------------------------------------------------------------
 *
 * Name:	queueSend
 *
 * Purpose:	Start sending a packet, or hold it until we are idle.
 *
 * Returns:	Identifier carried by the PacketTransmitted event for
 *		this packet.  ErrBusy if another packet is already held.
 *
 *--------------------------------------------------------------------*/

func (a *arbiter) queueSend(p Packet) (uint64, error) {
	if a.state != Idle && a.pending != nil {
		return 0, ErrBusy
	}

	a.nextTxID++
	var o = &outgoing{id: a.nextTxID, packet: p}

	if a.state != Idle {
		a.logger.Debug("modem busy, holding packet", "state", a.state, "cycle", p.Cycle)
		a.pending = o

		return o.id, nil
	}

	a.startSend(o)

	return o.id, nil
}

func (a *arbiter) startPending() {
	if a.pending == nil {
		return
	}

	var o = a.pending
	a.pending = nil
	a.startSend(o)
}

func (a *arbiter) startSend(o *outgoing) {
	var c = o.packet.Cycle

	a.tx = o
	a.cycle = c
	a.send(NewMessage("CCCYC", 0, c.Src, c.Dest, c.Rate, c.Ack, c.NumFrames))
	a.enter(WaitingForCycleEcho)
}

// requestUplink asks station src to send us a packet.
func (a *arbiter) requestUplink(src int, rate int, numFrames int) error {
	if a.state != Idle {
		return ErrBusy
	}

	a.cycle = CycleInfo{Src: src, Dest: a.id, Rate: rate, Ack: false, NumFrames: numFrames}
	a.send(NewMessage("CCCYC", 0, src, a.id, rate, false, numFrames))
	a.enter(WaitingForCycleEcho)

	return nil
}

func (a *arbiter) handle(ev Event) {
	switch e := ev.(type) {
	case CycleAnnounced:
		a.gotCycle(e.Cycle)
	case DataRequested:
		a.gotDataRequest(e.Drq)
	case FrameReceived:
		a.gotFrame(e.Frame)
	case TxComplete:
		a.gotTxComplete()
	case BadCRC:
		a.gotBadCRC()
	case DataTimeout:
		a.gotDataTimeout(e.FrameNum)
	case PacketTimeout:
		a.gotPacketTimeout()
	case ModemMessage:
		if a.state == WaitingForIncomingFrames {
			a.logger.Warn("modem error while receiving", "msg", e.Text, "number", e.Number)
			a.failCurrent(fmt.Errorf("modem reported %s %d", e.Text, e.Number))
			a.enter(Idle)
		}
	case Revision:
		if e.Reboot {
			a.logger.Warn("modem rebooted", "state", a.state)
			a.failCurrent(fmt.Errorf("modem rebooted"))
			a.enter(Idle)
		}
	case ConfigReported:
		a.gotConfig(e.Name, e.Value)
	}
}

func (a *arbiter) gotConfig(name, value string) {
	switch name {
	case "SRC":
		var m = Message{Type: "CACFG", Params: []string{name, value}}
		if id, err := m.IntParam(1); err == nil {
			a.id = id
		}
	case "ASD":
		a.asd = value == "1"
	}
}

// Handle an announced cycle the way Idle would.
func (a *arbiter) beginCycle(c CycleInfo) {
	a.cycle = c

	if c.Src == a.id {
		// We are being polled for data.
		a.enter(WaitingForDataRequest)
		return
	}

	a.rx = &Packet{Cycle: c} //nolint:exhaustruct
	a.enter(WaitingForIncomingFrames)
}

func (a *arbiter) gotCycle(c CycleInfo) {
	switch a.state {
	case Idle:
		a.beginCycle(c)

	case WaitingForCycleEcho:
		if c != a.cycle {
			a.logger.Info("cycle taken over", "wanted", a.cycle, "got", c)
			a.failCurrent(fmt.Errorf("cycle taken over by %s", c))
			a.reset()
			a.beginCycle(c)
			return
		}

		switch {
		case c.Rate == 0:
			a.enter(WaitingForCycleInitTxComplete)
		case c.Src == a.id:
			a.enter(WaitingForDataRequest)
		default:
			a.enter(WaitingForIncomingPacket)
		}

	case WaitingForIncomingPacket:
		if c != a.cycle {
			a.emit(UplinkFailed{Cycle: a.cycle})
			a.reset()
			a.beginCycle(c)
			return
		}

		a.rx = &Packet{Cycle: c} //nolint:exhaustruct
		a.enter(WaitingForIncomingFrames)

	case WaitingForIncomingFrames:
		a.logger.Info("new cycle before packet complete", "old", a.cycle, "new", c)
		a.failCurrent(fmt.Errorf("interrupted by %s", c))
		a.reset()
		a.beginCycle(c)

	default:
		a.logger.Debug("ignoring cycle", "state", a.state, "cycle", c)
	}
}

/*-------------------------------------------------------------------
 *
 * Name:	gotDataRequest
 *
 * Purpose:	The modem wants the next frame to transmit.
 *
 * Description:	Push exactly the frame asked for.  With no packet queued
 *		we are answering a poll, so the uplink callback supplies
 *		the data, or filler if there is no callback.
 *
 *--------------------------------------------------------------------*/

func (a *arbiter) gotDataRequest(drq DrqParams) {
	if a.state != WaitingForDataRequest {
		a.logger.Debug("ignoring data request", "state", a.state, "frame", drq.FrameNum)
		return
	}

	if drq.FrameNum < 1 || drq.FrameNum > a.cycle.NumFrames {
		a.logger.Error("data request out of range", "frame", drq.FrameNum, "cycle", a.cycle)
		a.failCurrent(fmt.Errorf("modem asked for frame %d of %d", drq.FrameNum, a.cycle.NumFrames))
		a.enter(Idle)
		return
	}

	var data []byte
	var src, dest, ack = drq.Src, drq.Dest, drq.Ack

	if a.tx != nil {
		var f = a.tx.packet.Frame(drq.FrameNum)
		if f == nil {
			a.logger.Error("no such frame in packet", "frame", drq.FrameNum)
			a.failCurrent(fmt.Errorf("packet has no frame %d", drq.FrameNum))
			a.enter(Idle)
			return
		}
		data, src, dest, ack = f.Data, f.Src, f.Dest, f.Ack
	} else {
		data = a.uplinkData(drq)
	}

	if drq.NumBytes > 0 && len(data) > drq.NumBytes {
		data = data[:drq.NumBytes]
	}

	a.send(NewMessage("CCTXD", src, dest, ack, hexFromData(data)))

	if drq.FrameNum >= a.cycle.NumFrames {
		a.enter(WaitingForTxComplete)
	} else {
		a.enter(WaitingForDataRequest)
	}
}

func (a *arbiter) uplinkData(drq DrqParams) []byte {
	if a.uplink != nil {
		return a.uplink(drq)
	}

	// Filler: 0,0,1,0 then seconds since the epoch.
	var filler = make([]byte, 8)
	filler[2] = 1
	binary.BigEndian.PutUint32(filler[4:], uint32(a.now().Unix())) //nolint:gosec

	return filler
}

func (a *arbiter) gotTxComplete() {
	switch a.state {
	case WaitingForCycleInitTxComplete:
		if a.tx != nil {
			a.enter(WaitingForDataRequest)
		} else {
			a.enter(WaitingForIncomingPacket)
		}

	case WaitingForTxComplete:
		if a.tx != nil {
			a.emit(PacketTransmitted{ID: a.tx.id, Packet: a.tx.packet, Err: nil})
		}
		a.enter(Idle)

	case WaitingForMinipacketCmdComplete:
		a.enter(Idle)

	case WaitingForDataRequest:
		a.logger.Warn("transmit finished before all frames were requested", "cycle", a.cycle)
		a.failCurrent(fmt.Errorf("transmit finished early"))
		a.enter(Idle)

	default:
		a.logger.Debug("ignoring tx complete", "state", a.state)
	}
}

func (a *arbiter) gotFrame(f DataFrame) {
	if a.state != WaitingForIncomingFrames {
		a.logger.Debug("ignoring frame", "state", a.state, "frame", f.FrameNum)
		return
	}

	// Out of step with the modem.  Give up on this cycle.
	if f.Src != a.cycle.Src || f.Dest != a.cycle.Dest {
		a.logger.Error("frame not part of this cycle", "src", f.Src, "dest", f.Dest, "cycle", a.cycle)
		a.failCurrent(fmt.Errorf("frame from %d to %d during cycle %s", f.Src, f.Dest, a.cycle))
		a.enter(Idle)
		return
	}

	if f.FrameNum < 1 || f.FrameNum > a.cycle.NumFrames || a.rx.Frame(f.FrameNum) != nil {
		a.logger.Error("unexpected frame number", "frame", f.FrameNum, "cycle", a.cycle)
		a.failCurrent(fmt.Errorf("unexpected frame %d", f.FrameNum))
		a.enter(Idle)
		return
	}

	if a.logger.GetLevel() <= log.DebugLevel {
		a.logger.Debug("frame received", "frame", f.FrameNum, "bytes", len(f.Data), "data", "\n"+hexDump(f.Data))
	}

	a.rx.Frames = append(a.rx.Frames, f)
	if f.Ack {
		a.cycle.Ack = true
		a.rx.Cycle.Ack = true
	}

	if f.FrameNum == a.cycle.NumFrames {
		a.completeRx()
	}
}

/*-------------------------------------------------------------------
 *
 * Name:	gotBadCRC
 *
 * Purpose:	A frame arrived but failed its CRC.
 *
 * Description:	The modem doesn't say which frame.  Assume it is the one
 *		after the highest received so far.  If that slot is already
 *		filled or past the end of the packet we can't account for
 *		it, and the reception fails.
 *
 *--------------------------------------------------------------------*/

func (a *arbiter) gotBadCRC() {
	if a.state != WaitingForIncomingFrames {
		a.logger.Debug("ignoring bad crc", "state", a.state)
		return
	}

	var next = 1
	for _, f := range a.rx.Frames {
		next = max(next, f.FrameNum+1)
	}

	if next > a.cycle.NumFrames || a.rx.Frame(next) != nil {
		a.logger.Error("bad crc for a frame that can't be placed", "slot", next, "cycle", a.cycle)
		a.failCurrent(fmt.Errorf("bad crc for frame slot %d of %d", next, a.cycle.NumFrames))
		a.enter(Idle)
		return
	}

	a.rx.Frames = append(a.rx.Frames, DataFrame{
		Src:      a.cycle.Src,
		Dest:     a.cycle.Dest,
		Ack:      a.cycle.Ack,
		FrameNum: next,
		Data:     nil,
		BadCRC:   true,
	})

	if next == a.cycle.NumFrames {
		a.completeRx()
	}
}

func (a *arbiter) completeRx() {
	var p = *a.rx
	if p.OK() {
		a.logger.Info("packet received", "cycle", p.Cycle)
	} else {
		a.logger.Warn("packet received with errors", "cycle", p.Cycle, "frames", len(p.Frames))
	}
	a.emit(PacketReceived{Packet: p})

	// The modem acknowledges frames addressed to us; let that go out first.
	if a.cycle.Ack && a.cycle.Dest == a.id {
		a.rx = nil
		a.enter(WaitingForMinipacketCmdComplete)
		return
	}

	a.enter(Idle)
}

func (a *arbiter) gotDataTimeout(frameNum int) {
	if a.state != WaitingForDataRequest {
		a.logger.Debug("ignoring data timeout", "state", a.state)
		return
	}

	a.logger.Warn("modem timed out waiting for data", "frame", frameNum)
	a.failCurrent(fmt.Errorf("modem data timeout on frame %d", frameNum))

	// With some frames in hand, or with ASD on, the modem still transmits.
	if frameNum > 1 || a.asd {
		a.tx = nil
		a.enter(WaitingForTxComplete)
	} else {
		a.enter(Idle)
	}
}

func (a *arbiter) gotPacketTimeout() {
	switch a.state {
	case WaitingForIncomingPacket, WaitingForIncomingFrames:
		a.logger.Warn("packet timeout", "state", a.state, "cycle", a.cycle)
		a.failCurrent(fmt.Errorf("packet timeout"))
		a.enter(Idle)
	default:
		a.logger.Debug("ignoring packet timeout", "state", a.state)
	}
}

// expire is called when the current state's timer runs out.
func (a *arbiter) expire(generation uint64) {
	if generation != a.generation || a.state == Idle {
		return
	}

	a.logger.Warn("state timed out", "state", a.state, "cycle", a.cycle)
	a.failCurrent(fmt.Errorf("%w in %s", ErrWaitTimeout, a.state))
	a.enter(Idle)
}

/*-------------------------------------------------------------------
 *
 * Name:	failCurrent
 *
 * Purpose:	Report whatever is in progress as failed.
 *
 *--------------------------------------------------------------------*/

func (a *arbiter) failCurrent(reason error) {
	switch a.state {
	case Idle:
		return

	case WaitingForCycleEcho, WaitingForCycleInitTxComplete:
		if a.tx != nil {
			a.failTx(reason)
		} else {
			a.emit(UplinkFailed{Cycle: a.cycle})
		}

	case WaitingForDataRequest, WaitingForTxComplete:
		if a.tx != nil {
			a.failTx(reason)
		}

	case WaitingForIncomingPacket:
		a.emit(UplinkFailed{Cycle: a.cycle})

	case WaitingForIncomingFrames:
		if a.rx != nil {
			a.logger.Warn("reception failed", "cycle", a.cycle, "reason", reason)
			a.emit(PacketReceived{Packet: *a.rx})
		}

	case WaitingForMinipacketCmdComplete:
		a.emit(MinipacketFailed{Cycle: a.cycle})
	}
}

func (a *arbiter) failTx(reason error) {
	a.logger.Warn("transmit failed", "cycle", a.tx.packet.Cycle, "reason", reason)
	a.emit(PacketTransmitted{ID: a.tx.id, Packet: a.tx.packet, Err: fmt.Errorf("%w: %w", ErrTxFailed, reason)})
	a.tx = nil
}
