package acomms

/*------------------------------------------------------------------
 *
 * Purpose:	Typed events produced from modem sentences and from the
 *		cycle state machine.
 *
 * Description:	Every line that parses becomes a MessageEvent.  Sentence
 *		types the host understands additionally produce a typed
 *		event through the decoders table.  Types missing from the
 *		table are ignored after the MessageEvent.
 *
 *---------------------------------------------------------------*/

import (
	"fmt"
	"strconv"
	"strings"
)

type Event interface {
	Kind() string
}

// Raw sentence, for every line received.
type MessageEvent struct{ Msg Message }

type CycleAnnounced struct{ Cycle CycleInfo }

type DataRequested struct{ Drq DrqParams }

type FrameReceived struct{ Frame DataFrame }

type TxComplete struct{}

type BadCRC struct{}

type PacketTimeout struct{}

type DataTimeout struct{ FrameNum int }

// CAMSG other than BAD_CRC and PACKET_TIMEOUT.
type ModemMessage struct {
	Text   string
	Number int
}

// CAERR other than DATA_TIMEOUT.
type ModemError struct {
	Module string
	Number int
	Text   string
}

type Revision struct {
	Reboot bool
	Params []string
}

type AckReceived struct{ Ack Ack }

type TransmitStatsReceived struct{ Stats TransmitStats }

type ConfigReported struct {
	Name  string
	Value string
}

type PingReplied struct {
	Src  int
	Dest int
	OWTT float64
}

// The events below come from the cycle state machine rather than the modem.

type StateChanged struct{ From, To CycleState }

// Err is nil when the packet went out.  ID matches the one handed out
// when the packet was queued.
type PacketTransmitted struct {
	ID     uint64
	Packet Packet
	Err    error
}

// Packet.OK() tells whether reception succeeded.
type PacketReceived struct{ Packet Packet }

type UplinkFailed struct{ Cycle CycleInfo }

type MinipacketFailed struct{ Cycle CycleInfo }

func (MessageEvent) Kind() string          { return "message" }
func (CycleAnnounced) Kind() string        { return "cycle-announced" }
func (DataRequested) Kind() string         { return "data-requested" }
func (FrameReceived) Kind() string         { return "frame-received" }
func (TxComplete) Kind() string            { return "tx-complete" }
func (BadCRC) Kind() string                { return "bad-crc" }
func (PacketTimeout) Kind() string         { return "packet-timeout" }
func (DataTimeout) Kind() string           { return "data-timeout" }
func (ModemMessage) Kind() string          { return "modem-message" }
func (ModemError) Kind() string            { return "modem-error" }
func (Revision) Kind() string              { return "revision" }
func (AckReceived) Kind() string           { return "ack" }
func (TransmitStatsReceived) Kind() string { return "transmit-stats" }
func (ConfigReported) Kind() string        { return "config" }
func (PingReplied) Kind() string           { return "ping-reply" }
func (StateChanged) Kind() string          { return "state-changed" }
func (PacketTransmitted) Kind() string     { return "packet-transmitted" }
func (PacketReceived) Kind() string        { return "packet-received" }
func (UplinkFailed) Kind() string          { return "uplink-failed" }
func (MinipacketFailed) Kind() string      { return "minipacket-failed" }

type decoder func(m Message) (Event, error)

var decoders = map[string]decoder{
	"CACYC": decodeCycle,
	"CADRQ": decodeDataRequest,
	"CARXD": decodeFrame,
	"CATXF": func(Message) (Event, error) { return TxComplete{}, nil },
	"CAMSG": decodeModemMessage,
	"CAERR": decodeModemError,
	"CAREV": decodeRevision,
	"CAACK": decodeAck,
	"CAXST": decodeTransmitStats,
	"CACFG": decodeConfig,
	"CAMPR": decodePingReply,
}

/*-------------------------------------------------------------------
 *
 * Name:	DecodeEvents
 *
 * Purpose:	Produce the events for one received sentence.
 *
 * Returns:	Always the MessageEvent first, then the typed event if
 *		the type is known and its fields make sense.  The error
 *		is for the typed decode only.
 *
 *--------------------------------------------------------------------*/

func DecodeEvents(m Message) ([]Event, error) {
	var events = []Event{MessageEvent{Msg: m}}

	var dec, known = decoders[m.Type]
	if !known {
		return events, nil
	}

	var ev, err = dec(m)
	if err != nil {
		return events, err
	}

	if ev != nil {
		events = append(events, ev)
	}

	return events, nil
}

// Collects the first error from a run of field conversions.
type fieldReader struct {
	m   Message
	err error
}

func (r *fieldReader) int(i int) int {
	var v, err = r.m.IntParam(i)
	if err != nil && r.err == nil {
		r.err = err
	}

	return v
}

func (r *fieldReader) bool(i int) bool {
	return r.int(i) == 1
}

func (r *fieldReader) done(ev Event) (Event, error) { //nolint:ireturn
	if r.err != nil {
		return nil, r.err
	}

	return ev, nil
}

func (r *fieldReader) need(n int) bool {
	if len(r.m.Params) < n {
		r.err = fmt.Errorf("%w: %s needs %d fields, got %d", ErrMalformed, r.m.Type, n, len(r.m.Params))
		return false
	}

	return true
}

// $CACYC,CMD,SRC,DEST,RATE,ACK,NFRAMES
func decodeCycle(m Message) (Event, error) {
	var r = fieldReader{m: m} //nolint:exhaustruct
	if !r.need(6) {
		return nil, r.err
	}

	var c = CycleInfo{
		Src:       r.int(1),
		Dest:      r.int(2),
		Rate:      r.int(3),
		Ack:       r.bool(4),
		NumFrames: r.int(5),
	}

	return r.done(CycleAnnounced{Cycle: c})
}

// $CADRQ,HHMMSS,SRC,DEST,ACK,NBYTES,FRAME
func decodeDataRequest(m Message) (Event, error) {
	var r = fieldReader{m: m} //nolint:exhaustruct
	if !r.need(6) {
		return nil, r.err
	}

	var d = DrqParams{
		Src:      r.int(1),
		Dest:     r.int(2),
		Ack:      r.bool(3),
		NumBytes: r.int(4),
		FrameNum: r.int(5),
	}

	return r.done(DataRequested{Drq: d})
}

// $CARXD,SRC,DEST,ACK,FRAME,HEX
func decodeFrame(m Message) (Event, error) {
	var r = fieldReader{m: m} //nolint:exhaustruct
	if !r.need(5) {
		return nil, r.err
	}

	var f = DataFrame{ //nolint:exhaustruct
		Src:      r.int(0),
		Dest:     r.int(1),
		Ack:      r.bool(2),
		FrameNum: r.int(3),
	}
	if r.err != nil {
		return nil, r.err
	}

	var data, err = dataFromHex(m.Param(4))
	if err != nil {
		return nil, err
	}
	f.Data = IfThenElse(data == nil, []byte{}, data)

	return FrameReceived{Frame: f}, nil
}

func decodeModemMessage(m Message) (Event, error) {
	switch m.Param(0) {
	case "BAD_CRC":
		return BadCRC{}, nil
	case "PACKET_TIMEOUT":
		return PacketTimeout{}, nil
	}

	var n, _ = strconv.Atoi(strings.TrimSpace(m.Param(1)))

	return ModemMessage{Text: m.Param(0), Number: n}, nil
}

// $CAERR,HHMMSS,MODULE,NUMBER,TEXT or $CAERR,HHMMSS,DATA_TIMEOUT,FRAME
func decodeModemError(m Message) (Event, error) {
	if m.Param(1) == "DATA_TIMEOUT" {
		var n, err = m.IntParam(2)
		if err != nil {
			return nil, err
		}

		return DataTimeout{FrameNum: n}, nil
	}

	var n, _ = strconv.Atoi(strings.TrimSpace(m.Param(2)))

	return ModemError{Module: m.Param(1), Number: n, Text: m.Param(3)}, nil
}

// $CAREV,HHMMSS,INIT,... is sent when the firmware boots.
func decodeRevision(m Message) (Event, error) {
	return Revision{Reboot: m.Param(1) == "INIT", Params: m.Params}, nil
}

// $CAACK,SRC,DEST,FRAME,ACK
func decodeAck(m Message) (Event, error) {
	var r = fieldReader{m: m} //nolint:exhaustruct
	if !r.need(4) {
		return nil, r.err
	}

	var a = Ack{
		Src:      r.int(0),
		Dest:     r.int(1),
		FrameNum: r.int(2),
		Ack:      r.bool(3),
	}

	return r.done(AckReceived{Ack: a})
}

func decodeTransmitStats(m Message) (Event, error) {
	var xst, err = parseTransmitStats(m.Params)
	if err != nil {
		return nil, err
	}

	return TransmitStatsReceived{Stats: xst}, nil
}

// $CACFG,NAME,VALUE
func decodeConfig(m Message) (Event, error) {
	if len(m.Params) < 2 {
		return nil, fmt.Errorf("%w: CACFG needs 2 fields", ErrMalformed)
	}

	return ConfigReported{Name: m.Param(0), Value: m.Param(1)}, nil
}

// $CAMPR,SRC,DEST,OWTT
func decodePingReply(m Message) (Event, error) {
	var r = fieldReader{m: m} //nolint:exhaustruct
	if !r.need(3) {
		return nil, r.err
	}

	var src, dest = r.int(0), r.int(1)
	if r.err != nil {
		return nil, r.err
	}

	var owtt, err = strconv.ParseFloat(strings.TrimSpace(m.Param(2)), 64)
	if err != nil {
		return nil, fmt.Errorf("%w: CAMPR travel time %q", ErrMalformed, m.Param(2))
	}

	return PingReplied{Src: src, Dest: dest, OWTT: owtt}, nil
}
