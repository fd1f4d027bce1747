package acomms

import (
	"bytes"
	"sort"
)

/*-------------------------------------------------------------------
 *
 * Name:	Split
 *
 * Purpose:	Slice a payload into frames for one packet at the given rate.
 *
 * Returns:	Frames numbered from 1, each at most FrameSize bytes.
 *		Anything past FrameSize*FrameCount is silently dropped.
 *		An empty payload gives no frames.
 *
 *--------------------------------------------------------------------*/

func Split(payload []byte, rate RateProfile) []DataFrame {
	var frames []DataFrame

	for n := 0; n < rate.FrameCount; n++ {
		var start = n * rate.FrameSize
		if start >= len(payload) {
			break
		}

		var end = min(start+rate.FrameSize, len(payload))

		frames = append(frames, DataFrame{ //nolint:exhaustruct
			FrameNum: n + 1,
			Data:     bytes.Clone(payload[start:end]),
		})
	}

	return frames
}

/*-------------------------------------------------------------------
 *
 * Name:	Join
 *
 * Purpose:	Reassemble a payload from received frames.
 *
 * Returns:	Payload in frame number order and true, or false if
 *		any frame had no data (bad CRC).  Those are skipped.
 *
 *--------------------------------------------------------------------*/

func Join(frames []DataFrame) ([]byte, bool) {
	var ordered = make([]DataFrame, len(frames))
	copy(ordered, frames)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].FrameNum < ordered[j].FrameNum })

	var out []byte
	var complete = true

	for _, f := range ordered {
		if f.Data == nil {
			complete = false
			continue
		}
		out = append(out, f.Data...)
	}

	return out, complete
}

// NewPacket builds an outgoing packet from src to dest.
func NewPacket(src, dest int, rate RateProfile, ack bool, payload []byte) Packet {
	var frames = Split(payload, rate)
	for i := range frames {
		frames[i].Src = src
		frames[i].Dest = dest
		frames[i].Ack = ack
	}

	return Packet{
		Cycle: CycleInfo{
			Src:       src,
			Dest:      dest,
			Rate:      rate.Number,
			Ack:       ack,
			NumFrames: len(frames),
		},
		Frames: frames,
	}
}
