package acomms

/*------------------------------------------------------------------
 *
 * Purpose:	Connections to the modem.
 *
 * Description:	Anything that delivers complete lines from the modem and
 *		accepts bytes for it will do.  ReadLine returns
 *		ErrReadTimeout when no complete line arrived within the
 *		read timeout; the caller just tries again.  Any other
 *		error means the connection is gone.
 *
 *---------------------------------------------------------------*/

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
)

type Transport interface {
	ReadLine() (string, error)
	Write(p []byte) error
	IsConnected() bool
	Close() error
}

const DefaultReadTimeout = 100 * time.Millisecond

// Longest line kept.  A CARXD for a 256 byte frame is about 540
// characters.
const maxLineLength = 2048

// Collects bytes until there is a whole line.
type lineReader struct {
	buf   []byte
	chunk [512]byte

	// Dropping the rest of an overlong line.
	skipping bool
	logger   *log.Logger
}

// readLine returns the next line without its CR/LF.  read must return
// ErrReadTimeout when nothing arrived in time.  Lines longer than
// maxLineLength are thrown away.
func (r *lineReader) readLine(read func([]byte) (int, error)) (string, error) {
	for {
		if i := bytes.IndexByte(r.buf, '\n'); i >= 0 {
			var line = string(bytes.TrimRight(r.buf[:i], "\r"))
			r.buf = r.buf[i+1:]

			if r.skipping {
				r.skipping = false
				continue
			}

			return line, nil
		}

		if len(r.buf) > maxLineLength {
			if !r.skipping {
				var logger = IfThenElse(r.logger != nil, r.logger, log.Default())
				logger.Warn("line too long, discarding", "max", maxLineLength, "start", string(r.buf[:16]))
			}

			r.skipping = true
			r.buf = r.buf[:0]
		}

		var n, err = read(r.chunk[:])
		if n > 0 {
			r.buf = append(r.buf, r.chunk[:n]...)
			continue
		}

		if err != nil {
			return "", err
		}
	}
}

/*------------------------------------------------------------------
 *
 * TCP, for modems behind a serial to network bridge.
 *
 *---------------------------------------------------------------*/

type TCPTransport struct {
	conn        net.Conn
	readTimeout time.Duration
	reader      lineReader
	writeMu     sync.Mutex
	connected   atomic.Bool
}

func DialTCP(ctx context.Context, address string, readTimeout time.Duration) (*TCPTransport, error) {
	var d net.Dialer

	var conn, err = d.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("connect to modem at %s: %w", address, err)
	}

	return NewTCPTransport(conn, readTimeout), nil
}

func NewTCPTransport(conn net.Conn, readTimeout time.Duration) *TCPTransport {
	var t = &TCPTransport{ //nolint:exhaustruct
		conn:        conn,
		readTimeout: IfThenElse(readTimeout > 0, readTimeout, DefaultReadTimeout),
	}
	t.connected.Store(true)

	return t
}

func (t *TCPTransport) ReadLine() (string, error) {
	return t.reader.readLine(func(p []byte) (int, error) {
		if err := t.conn.SetReadDeadline(time.Now().Add(t.readTimeout)); err != nil {
			return 0, err
		}

		var n, err = t.conn.Read(p)

		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return n, ErrReadTimeout
		}
		if err != nil {
			t.connected.Store(false)
		}

		return n, err
	})
}

func (t *TCPTransport) Write(p []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if _, err := t.conn.Write(p); err != nil {
		t.connected.Store(false)
		return err
	}

	return nil
}

func (t *TCPTransport) IsConnected() bool {
	return t.connected.Load()
}

func (t *TCPTransport) Close() error {
	t.connected.Store(false)

	return t.conn.Close()
}
