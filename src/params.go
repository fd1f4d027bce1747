package acomms

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// CycleInfo describes one cycle as requested or announced by the modem.
// Values compare equal with == iff every field matches.
type CycleInfo struct {
	Src       int
	Dest      int
	Rate      int
	Ack       bool
	NumFrames int
}

func (c CycleInfo) String() string {
	return fmt.Sprintf("cycle %d->%d rate=%d ack=%t frames=%d", c.Src, c.Dest, c.Rate, c.Ack, c.NumFrames)
}

type DrqParams struct {
	Src      int
	Dest     int
	Ack      bool
	NumBytes int
	FrameNum int
}

// DataFrame is one frame of a packet.  FrameNum is 1-based.
// A frame that failed its CRC has BadCRC set and a nil Data.
type DataFrame struct {
	Src      int
	Dest     int
	Ack      bool
	FrameNum int
	Data     []byte
	BadCRC   bool
}

type Ack struct {
	Src      int
	Dest     int
	FrameNum int
	Ack      bool
}

type Packet struct {
	Cycle  CycleInfo
	Frames []DataFrame
}

func (p *Packet) Complete() bool {
	return len(p.Frames) == p.Cycle.NumFrames
}

func (p *Packet) Valid() bool {
	for _, f := range p.Frames {
		if f.BadCRC {
			return false
		}
	}

	return true
}

func (p *Packet) OK() bool {
	return p.Complete() && p.Valid()
}

// Frame returns the frame with the given number, or nil.
func (p *Packet) Frame(num int) *DataFrame {
	for i := range p.Frames {
		if p.Frames[i].FrameNum == num {
			return &p.Frames[i]
		}
	}

	return nil
}

// Data joins the frame payloads.  See Join.
func (p *Packet) Data() ([]byte, bool) {
	return Join(p.Frames)
}

// TransmitStats is the subset of a CAXST record the host cares about.
type TransmitStats struct {
	Version        int
	Time           time.Time
	Mode           int
	Rate           int
	Src            int
	Dest           int
	Ack            bool
	FramesExpected int
	FramesSent     int
	PacketType     int
	NumBytes       int
}

const xstModePacketTimeout = 4

/*-------------------------------------------------------------------
 *
 * Name:	parseTransmitStats
 *
 * Purpose:	Decode a CAXST record.
 *
 * Description:	Version 6 firmware prefixes the record with a version
 *		field, older firmware starts with the date.  A record for
 *		a packet timeout carries nothing else of interest.
 *
 *--------------------------------------------------------------------*/

func parseTransmitStats(params []string) (TransmitStats, error) {
	var xst TransmitStats

	var off = 0
	if len(params) > 0 && params[0] == "6" {
		xst.Version = 6
		off = 1
	}

	if len(params) < off+4 {
		return xst, fmt.Errorf("%w: short CAXST", ErrMalformed)
	}

	xst.Time = parseStatsTime(params[off], params[off+1])

	var mode, err = strconv.Atoi(params[off+3])
	if err != nil {
		return xst, fmt.Errorf("%w: CAXST mode %q", ErrMalformed, params[off+3])
	}
	xst.Mode = mode

	if mode == xstModePacketTimeout {
		return xst, nil
	}

	if len(params) < off+15 {
		return xst, fmt.Errorf("%w: short CAXST", ErrMalformed)
	}

	var fields = params[off+7:]

	var ints [8]int
	for i := range ints {
		var v, convErr = strconv.Atoi(strings.TrimSpace(fields[i]))
		if convErr != nil {
			return xst, fmt.Errorf("%w: CAXST field %d %q", ErrMalformed, off+7+i, fields[i])
		}
		ints[i] = v
	}

	xst.Rate = ints[0]
	xst.Src = ints[1]
	xst.Dest = ints[2]
	xst.Ack = ints[3] == 1
	xst.FramesExpected = ints[4]
	xst.FramesSent = ints[5]
	xst.PacketType = ints[6]
	xst.NumBytes = ints[7]

	return xst, nil
}

// Date is YYYYMMDD and clock is HHMMSS.ffff.  Garbage gives the zero time.
func parseStatsTime(date, clock string) time.Time {
	var whole, fract, _ = strings.Cut(clock, ".")

	var t, err = time.Parse("20060102150405", date+whole)
	if err != nil {
		return time.Time{}
	}

	if fract != "" {
		var us, fErr = strconv.Atoi(fract)
		if fErr == nil {
			t = t.Add(time.Duration(us) * time.Microsecond)
		}
	}

	return t
}
