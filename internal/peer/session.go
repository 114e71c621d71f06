// Package peer owns a single peer TCP connection: it performs the
// handshake, then frames and parses wire messages, forwarding decoded
// messages to the Engine and serializing outbound commands the Engine
// hands it. A session is a pure codec; all policy lives in the Engine.
package peer

import (
	"context"
	"crypto/sha1"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"time"

	"github.com/mrook/burrow/internal/protocol"
	"golang.org/x/sync/errgroup"
)

const (
	readTimeout       = 5 * time.Second
	writeTimeout      = 15 * time.Second
	handshakeTimeout  = 10 * time.Second
	keepAliveInterval = 2 * time.Minute
	outboundQueueLen  = 64
	idleEvictAfter    = 5 * time.Minute
)

// Event is delivered to the Engine. Gone is set when the session has
// terminated; keep-alive frames never reach the Engine at all (they only
// refresh the read loop's liveness clock).
type Event struct {
	Peer    netip.AddrPort
	Message *protocol.Message
	Gone    bool
	Err     error
}

// Session is one TCP peer connection, past the handshake.
type Session struct {
	conn net.Conn
	addr netip.AddrPort

	remotePeerID [sha1.Size]byte

	out    chan *protocol.Message
	events chan<- Event

	log *slog.Logger
}

// New performs the handshake exchange over an already-established socket.
// The Connection manager hands off sockets for both inbound and outbound
// connections; Session itself never dials.
func New(
	conn net.Conn,
	infoHash, clientID [sha1.Size]byte,
	events chan<- Event,
	log *slog.Logger,
) (*Session, error) {
	addr, err := netip.ParseAddrPort(conn.RemoteAddr().String())
	if err != nil {
		return nil, fmt.Errorf("peer: parse remote addr: %w", err)
	}

	if err := conn.SetDeadline(time.Now().Add(handshakeTimeout)); err != nil {
		return nil, fmt.Errorf("peer: set handshake deadline: %w", err)
	}

	local := protocol.NewHandshake(infoHash, clientID)
	remote, err := local.Exchange(conn, true)
	if err != nil {
		return nil, fmt.Errorf("peer: handshake with %s: %w", addr, err)
	}

	if err := conn.SetDeadline(time.Time{}); err != nil {
		return nil, fmt.Errorf("peer: clear handshake deadline: %w", err)
	}

	if log == nil {
		log = slog.Default()
	}

	return &Session{
		conn:         conn,
		addr:         addr,
		remotePeerID: remote.PeerID,
		out:          make(chan *protocol.Message, outboundQueueLen),
		events:       events,
		log:          log.With("peer", addr),
	}, nil
}

// Addr returns the remote peer's address.
func (s *Session) Addr() netip.AddrPort { return s.addr }

// RemotePeerID returns the 20-byte peer-id the remote announced at
// handshake time; it is recorded but never otherwise validated.
func (s *Session) RemotePeerID() [sha1.Size]byte { return s.remotePeerID }

// Send enqueues msg for transmission. It never blocks the Engine: a full
// outbound queue is treated as backpressure and reported as a send
// failure so the Engine can evict the peer.
func (s *Session) Send(msg *protocol.Message) error {
	select {
	case s.out <- msg:
		return nil
	default:
		return fmt.Errorf("peer %s: outbound queue full", s.addr)
	}
}

// Close closes the underlying socket, unblocking both loops.
func (s *Session) Close() error {
	return s.conn.Close()
}

// Run drives the read and write loops until either fails or ctx is
// cancelled, then reports termination to the Engine via a Gone event.
func (s *Session) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.readLoop(gctx) })
	g.Go(func() error { return s.writeLoop(gctx) })

	err := g.Wait()

	select {
	case s.events <- Event{Peer: s.addr, Gone: true, Err: err}:
	case <-ctx.Done():
	}
	return err
}

// readLoop decodes incoming wire messages and forwards them to the
// Engine. A socket read timeout is not itself fatal: it is used only as a
// liveness tick.
func (s *Session) readLoop(ctx context.Context) error {
	lastActivity := time.Now()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := s.conn.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
			return fmt.Errorf("peer %s: set read deadline: %w", s.addr, err)
		}

		msg, err := protocol.ReadMessage(s.conn)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				if time.Since(lastActivity) > idleEvictAfter {
					return fmt.Errorf("peer %s: idle past %s", s.addr, idleEvictAfter)
				}
				continue
			}
			return fmt.Errorf("peer %s: read: %w", s.addr, err)
		}
		lastActivity = time.Now()

		if msg == nil {
			continue // keep-alive
		}

		select {
		case s.events <- Event{Peer: s.addr, Message: msg}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// writeLoop drains the outbound command queue, flushing each message
// immediately, and sends a keep-alive every keepAliveInterval regardless
// of other traffic.
func (s *Session) writeLoop(ctx context.Context) error {
	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case msg := <-s.out:
			if err := s.writeMessage(msg); err != nil {
				return err
			}

		case <-ticker.C:
			if err := s.writeMessage(nil); err != nil {
				return err
			}
		}
	}
}

func (s *Session) writeMessage(msg *protocol.Message) error {
	if err := s.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return fmt.Errorf("peer %s: set write deadline: %w", s.addr, err)
	}
	if err := protocol.WriteMessage(s.conn, msg); err != nil {
		return fmt.Errorf("peer %s: write: %w", s.addr, err)
	}
	return nil
}
