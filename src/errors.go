package acomms

import "errors"

var (
	ErrChecksum           = errors.New("nmea checksum mismatch")
	ErrMalformed          = errors.New("malformed nmea sentence")
	ErrReadTimeout        = errors.New("read timed out")
	ErrNotConnected       = errors.New("transport not connected")
	ErrWaitTimeout        = errors.New("timed out waiting for event")
	ErrWaiterClosed       = errors.New("waiter closed")
	ErrBusy               = errors.New("a transmit is already pending")
	ErrTxFailed           = errors.New("packet transmission failed")
	ErrIncompleteTransmit = errors.New("modem sent fewer frames than expected")
	ErrNotAcknowledged    = errors.New("frames not acknowledged")
	ErrBadPacket          = errors.New("packet received with bad frames")
	ErrInvalidRate        = errors.New("invalid rate")
	ErrPrecondition       = errors.New("precondition violated")
	ErrClosed             = errors.New("modem closed")
)
