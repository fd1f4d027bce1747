package acomms

import (
	"context"
	"fmt"
	"time"
)

// Link is a packet path to one remote station at a fixed rate.
type Link interface {
	Rate() RateProfile
	SendPacket(ctx context.Context, data []byte, ack bool, timeout time.Duration) error
	Listen() PacketStream
}

// PacketStream yields packets from the remote station in arrival order.
// Next returns ErrBadPacket for a packet that arrived with bad frames,
// and ErrWaitTimeout when nothing arrived in time.
type PacketStream interface {
	Next(ctx context.Context, timeout time.Duration) ([]byte, error)
	Close()
}

type ModemLink struct {
	modem *Modem
	dest  int
	rate  RateProfile
}

// Link returns a Link from this modem to dest.
func (m *Modem) Link(dest int, rate int) (*ModemLink, error) {
	var profile, err = LookupRate(rate)
	if err != nil {
		return nil, err
	}

	if dest == m.ID() {
		return nil, fmt.Errorf("%w: can't link station %d to itself", ErrPrecondition, dest)
	}

	return &ModemLink{modem: m, dest: dest, rate: profile}, nil
}

func (l *ModemLink) Rate() RateProfile { return l.rate }

func (l *ModemLink) Dest() int { return l.dest }

func (l *ModemLink) SendPacket(ctx context.Context, data []byte, ack bool, timeout time.Duration) error {
	return l.modem.SendPacket(ctx, l.dest, l.rate.Number, data, ack, timeout)
}

func (l *ModemLink) Listen() PacketStream {
	return l.modem.Listen(l.dest)
}

type modemStream struct {
	w *Waiter
}

// Listen returns the packets src sends to this station.
func (m *Modem) Listen(src int) PacketStream {
	var w = m.events.Register(Match(func(e PacketReceived) bool {
		return e.Packet.Cycle.Src == src && e.Packet.Cycle.Dest == m.ID()
	}))

	return &modemStream{w: w}
}

func (s *modemStream) Next(ctx context.Context, timeout time.Duration) ([]byte, error) {
	var ev, err = NextOf[PacketReceived](ctx, s.w, timeout)
	if err != nil {
		return nil, err
	}

	if !ev.Packet.OK() {
		return nil, fmt.Errorf("%w: %s", ErrBadPacket, ev.Packet.Cycle)
	}

	var data, _ = ev.Packet.Data()

	return data, nil
}

func (s *modemStream) Close() {
	s.w.Close()
}
