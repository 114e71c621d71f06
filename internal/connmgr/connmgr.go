// Package connmgr implements the Connection manager: it accepts inbound
// TCP connections and performs bounded-timeout outbound dials, delivering
// every established socket to the Engine. It never inspects the
// BitTorrent protocol itself.
package connmgr

import (
	"context"
	"log/slog"
	"net"
	"time"
)

// defaultDialTimeout bounds a single outbound connection attempt when the
// caller doesn't supply one.
const defaultDialTimeout = 500 * time.Millisecond

// Established is delivered for every socket the manager brings up, inbound
// or outbound.
type Established struct {
	Conn net.Conn
}

// Manager runs the accept loop and dispatches outbound dials.
type Manager struct {
	out         chan Established
	dialTimeout time.Duration
	log         *slog.Logger
}

func New(log *slog.Logger, dialTimeout time.Duration) *Manager {
	if log == nil {
		log = slog.Default()
	}
	if dialTimeout <= 0 {
		dialTimeout = defaultDialTimeout
	}
	return &Manager{
		out:         make(chan Established, 16),
		dialTimeout: dialTimeout,
		log:         log.With("component", "connmgr"),
	}
}

// Established returns the channel on which newly-established sockets are
// delivered.
func (m *Manager) Established() <-chan Established {
	return m.out
}

// AcceptLoop accepts inbound connections on listener until ctx is
// cancelled, forwarding each established socket to the Engine.
func (m *Manager) AcceptLoop(ctx context.Context, listener net.Listener) error {
	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
				m.log.Warn("accept failed", "error", err)
				return err
			}
		}

		select {
		case m.out <- Established{Conn: conn}:
		case <-ctx.Done():
			conn.Close()
			return ctx.Err()
		}
	}
}

// Dial attempts one outbound connection to addr with a bounded timeout. On
// success the socket is forwarded identically to an inbound connection; on
// timeout or error the attempt is silently dropped save for a warning log.
// Dial is meant to be launched as its own short-lived task per address.
func (m *Manager) Dial(ctx context.Context, addr string) {
	dialCtx, cancel := context.WithTimeout(ctx, m.dialTimeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		m.log.Warn("dial failed", "addr", addr, "error", err)
		return
	}

	select {
	case m.out <- Established{Conn: conn}:
	case <-ctx.Done():
		conn.Close()
	}
}
