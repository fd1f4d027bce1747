package acomms

/*------------------------------------------------------------------
 *
 * Purpose:   	Serial port connection to the modem.
 *
 *---------------------------------------------------------------*/

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/term"
	"go.bug.st/serial"
)

type SerialTransport struct {
	port      *term.Term
	name      string
	reader    lineReader
	writeMu   sync.Mutex
	connected atomic.Bool
}

/*-------------------------------------------------------------------
 *
 * Name:	OpenSerialTransport
 *
 * Purpose:	Open serial port.
 *
 * Inputs:	devicename	- Usually /dev/tty...
 *
 *		baud		- Speed.  The modem defaults to 19200.
 *				  If 0, leave it alone.
 *
 *		readTimeout	- How long ReadLine waits for data.
 *
 *---------------------------------------------------------------*/

func OpenSerialTransport(devicename string, baud int, readTimeout time.Duration) (*SerialTransport, error) {
	var fd, err = term.Open(devicename, term.RawMode)
	if err != nil {
		return nil, fmt.Errorf("open serial port %s: %w", devicename, err)
	}

	switch baud {
	case 0: /* Leave it alone. */
	case 1200, 2400, 4800, 9600, 19200, 38400, 57600, 115200:
		if err := fd.SetSpeed(baud); err != nil {
			fd.Close() //nolint:errcheck,gosec
			return nil, fmt.Errorf("set speed %d on %s: %w", baud, devicename, err)
		}
	default:
		fd.Close() //nolint:errcheck,gosec
		return nil, fmt.Errorf("unsupported speed %d", baud)
	}

	if err := fd.SetReadTimeout(IfThenElse(readTimeout > 0, readTimeout, DefaultReadTimeout)); err != nil {
		fd.Close() //nolint:errcheck,gosec
		return nil, fmt.Errorf("set read timeout on %s: %w", devicename, err)
	}

	var t = &SerialTransport{port: fd, name: devicename} //nolint:exhaustruct
	t.connected.Store(true)

	return t, nil
}

func (t *SerialTransport) ReadLine() (string, error) {
	return t.reader.readLine(func(p []byte) (int, error) {
		var n, err = t.port.Read(p)

		// The tty read timeout shows up as an empty read.
		if n == 0 && (err == nil || errors.Is(err, io.EOF)) {
			return 0, ErrReadTimeout
		}
		if err != nil {
			t.connected.Store(false)
		}

		return n, err
	})
}

func (t *SerialTransport) Write(p []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	var written, err = t.port.Write(p)
	if err != nil {
		t.connected.Store(false)
		return fmt.Errorf("write to %s: %w", t.name, err)
	}
	if written != len(p) {
		return fmt.Errorf("short write to %s: %d of %d", t.name, written, len(p))
	}

	return nil
}

func (t *SerialTransport) IsConnected() bool {
	return t.connected.Load()
}

func (t *SerialTransport) Close() error {
	t.connected.Store(false)

	return t.port.Close()
}

// ListSerialPorts returns the serial devices present on this machine.
func ListSerialPorts() ([]string, error) {
	var ports, err = serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("list serial ports: %w", err)
	}

	return ports, nil
}
