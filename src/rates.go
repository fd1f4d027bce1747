package acomms

import "fmt"

/*------------------------------------------------------------------
 *
 * Purpose:	Packet rate profiles supported by the modem firmware.
 *
 * Description:	Each rate fixes the size of a frame and the number of
 *		frames the modem will put in one packet.  The product is the
 *		largest payload a single cycle can carry.
 *
 *---------------------------------------------------------------*/

type RateProfile struct {
	Name       string
	Number     int
	FrameSize  int
	FrameCount int
}

func (r RateProfile) MaxPacketSize() int {
	return r.FrameSize * r.FrameCount
}

func (r RateProfile) String() string {
	return fmt.Sprintf("rate %d (%s, %dx%d)", r.Number, r.Name, r.FrameCount, r.FrameSize)
}

var Rates = [...]RateProfile{
	{Name: "FH-FSK", Number: 0, FrameSize: 32, FrameCount: 1},
	{Name: "BCH 128:8", Number: 1, FrameSize: 64, FrameCount: 3},
	{Name: "DSS 1/15 (64B frames)", Number: 2, FrameSize: 64, FrameCount: 3},
	{Name: "DSS 1/7", Number: 3, FrameSize: 256, FrameCount: 2},
	{Name: "BCH 64:10", Number: 4, FrameSize: 256, FrameCount: 2},
	{Name: "Hamming 14:9", Number: 5, FrameSize: 256, FrameCount: 8},
	{Name: "DSS 1/15 (32B frames)", Number: 6, FrameSize: 32, FrameCount: 6},
}

func LookupRate(n int) (RateProfile, error) {
	if n < 0 || n >= len(Rates) {
		return RateProfile{}, fmt.Errorf("%w: %d", ErrInvalidRate, n)
	}

	return Rates[n], nil
}
