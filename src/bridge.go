package acomms

/*------------------------------------------------------------------
 *
 * Purpose:	Share one modem's NMEA stream with TCP clients.
 *
 * Description:	Every sentence from the modem goes to every connected
 *		client.  Every line a client sends that looks like a
 *		sentence goes to the modem.  Clients are not told about
 *		each other's traffic except through the modem's replies.
 *
 *		A slow client loses lines rather than holding up the
 *		modem.
 *
 *		Optionally the service is announced with DNS-SD so
 *		clients on the local network can find it without
 *		knowing the address.
 *
 *---------------------------------------------------------------*/

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"

	"github.com/brutella/dnssd"
	"github.com/charmbracelet/log"
)

const DNSSDServiceType = "_acomms-nmea._tcp"

const bridgeClientBuffer = 256

type Bridge struct {
	modem  *Modem
	logger *log.Logger

	mu      sync.Mutex
	clients map[*bridgeClient]struct{}
}

type bridgeClient struct {
	conn    net.Conn
	out     chan []byte
	dropped int
}

func NewBridge(m *Modem, logger *log.Logger) *Bridge {
	if logger == nil {
		logger = discardLogger()
	}

	return &Bridge{
		modem:   m,
		logger:  logger.With("bridge", m.Name()),
		mu:      sync.Mutex{},
		clients: make(map[*bridgeClient]struct{}),
	}
}

// Clients returns how many clients are connected.
func (b *Bridge) Clients() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return len(b.clients)
}

// Runs on the modem's dispatch goroutine.
func (b *Bridge) forward(ev Event) {
	var me, ok = ev.(MessageEvent)
	if !ok {
		return
	}

	var line = me.Msg.Encode()

	b.mu.Lock()
	defer b.mu.Unlock()

	for c := range b.clients {
		select {
		case c.out <- line:
		default:
			c.dropped++
			b.logger.Warn("client not keeping up, dropping line", "client", c.conn.RemoteAddr(), "dropped", c.dropped)
		}
	}
}

/*-------------------------------------------------------------------
 *
 * Name:	Serve
 *
 * Purpose:	Accept clients on l until ctx is done.
 *
 * Returns:	ctx.Err() once stopped, or the listener's error.
 *		The listener is closed on the way out.
 *
 *--------------------------------------------------------------------*/

func (b *Bridge) Serve(ctx context.Context, l net.Listener) error {
	var remove = b.modem.Events().Listen(b.forward)
	defer remove()

	go func() {
		<-ctx.Done()
		l.Close() //nolint:errcheck,gosec
	}()

	b.logger.Info("ready for clients", "addr", l.Addr())

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		var conn, err = l.Accept()
		if err != nil {
			b.closeAll()

			if ctx.Err() != nil {
				return ctx.Err()
			}

			return fmt.Errorf("accept: %w", err)
		}

		var c = &bridgeClient{conn: conn, out: make(chan []byte, bridgeClientBuffer), dropped: 0}

		b.mu.Lock()
		b.clients[c] = struct{}{}
		var n = len(b.clients)
		b.mu.Unlock()

		b.logger.Info("client connected", "client", conn.RemoteAddr(), "clients", n)

		wg.Add(2)
		go func() {
			defer wg.Done()
			b.writeClient(c)
		}()
		go func() {
			defer wg.Done()
			b.readClient(c)
		}()
	}
}

// ListenAndServe listens on addr, e.g. ":4001", announces the service if
// name is set, and serves until ctx is done.
func (b *Bridge) ListenAndServe(ctx context.Context, addr string, name string) error {
	var l, err = net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("bridge listen on %s: %w", addr, err)
	}

	if name != "" {
		if tcp, ok := l.Addr().(*net.TCPAddr); ok {
			b.Announce(ctx, name, tcp.Port)
		}
	}

	return b.Serve(ctx, l)
}

func (b *Bridge) closeAll() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for c := range b.clients {
		c.conn.Close() //nolint:errcheck,gosec
	}
}

func (b *Bridge) drop(c *bridgeClient) {
	b.mu.Lock()
	var _, present = b.clients[c]
	delete(b.clients, c)
	var n = len(b.clients)
	b.mu.Unlock()

	if present {
		close(c.out)
		c.conn.Close() //nolint:errcheck,gosec
		b.logger.Info("client disconnected", "client", c.conn.RemoteAddr(), "clients", n)
	}
}

func (b *Bridge) writeClient(c *bridgeClient) {
	for line := range c.out {
		if _, err := c.conn.Write(line); err != nil {
			b.logger.Debug("write to client failed", "client", c.conn.RemoteAddr(), "err", err)
			go b.drop(c)

			// Drain until drop closes the channel.
			for range c.out { //nolint:revive
			}

			return
		}
	}
}

func (b *Bridge) readClient(c *bridgeClient) {
	defer b.drop(c)

	var scanner = bufio.NewScanner(c.conn)
	for scanner.Scan() {
		var line = strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		if _, err := ParseMessage(line); err != nil {
			b.logger.Warn("ignoring line from client", "client", c.conn.RemoteAddr(), "line", line, "err", err)
			continue
		}

		b.modem.WriteRaw(line)
	}

	if err := scanner.Err(); err != nil && !errors.Is(err, net.ErrClosed) {
		b.logger.Debug("read from client failed", "client", c.conn.RemoteAddr(), "err", err)
	}
}

/*------------------------------------------------------------------
 *
 * Name:	Announce
 *
 * Purpose:	Announce the bridge using DNS-SD.
 *
 * Description:	Runs the responder until ctx is done.  Failures are
 *		logged and otherwise ignored; the bridge works without
 *		the announcement.
 *
 *------------------------------------------------------------------*/

func (b *Bridge) Announce(ctx context.Context, name string, port int) {
	var cfg = dnssd.Config{ //nolint:exhaustruct
		Name: name,
		Type: DNSSDServiceType,
		Port: port,
	}

	var sv, svErr = dnssd.NewService(cfg)
	if svErr != nil {
		b.logger.Error("DNS-SD: can't create service", "err", svErr)
		return
	}

	var rp, rpErr = dnssd.NewResponder()
	if rpErr != nil {
		b.logger.Error("DNS-SD: can't create responder", "err", rpErr)
		return
	}

	if _, err := rp.Add(sv); err != nil {
		b.logger.Error("DNS-SD: can't add service", "err", err)
		return
	}

	b.logger.Info("DNS-SD: announcing", "name", name, "port", port, "type", DNSSDServiceType)

	go func() {
		if err := rp.Respond(ctx); err != nil && ctx.Err() == nil {
			b.logger.Error("DNS-SD: responder stopped", "err", err)
		}
	}()
}

// DefaultServiceName is "acomms <modem> on <host>".
func DefaultServiceName(modem string) string {
	var hostname, err = os.Hostname()
	if err != nil {
		return "acomms " + modem
	}

	// Some systems return the FQDN.
	hostname, _, _ = strings.Cut(hostname, ".")

	return fmt.Sprintf("acomms %s on %s", modem, hostname)
}
