// Package engine implements the Engine: the single task that owns every
// piece of mutable swarm state and drives protocol policy. It multiplexes
// four event sources (established sockets, decoded peer messages, tracker
// responses, and timer expirations), and after each event invokes the
// Scheduler and issues whatever new block requests it returns. Nothing
// else in this module touches the peer table, the outstanding-request
// table, or the File store; everyone else talks to the Engine by message
// passing.
package engine

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"log/slog"
	mathrand "math/rand"
	"net"
	"net/netip"

	"github.com/mrook/burrow/internal/bitfield"
	"github.com/mrook/burrow/internal/config"
	"github.com/mrook/burrow/internal/connmgr"
	"github.com/mrook/burrow/internal/peer"
	"github.com/mrook/burrow/internal/protocol"
	"github.com/mrook/burrow/internal/scheduler"
	"github.com/mrook/burrow/internal/store"
	"github.com/mrook/burrow/internal/timer"
	"github.com/mrook/burrow/internal/tracker"
)

// announceToken is the Timer token reserved for tracker re-announce.
// Per-request timeout tokens are allocated starting from 1, so this never
// collides with one.
const announceToken uint64 = 0

// defaultNumWant is how many peers we ask the tracker for per announce.
const defaultNumWant = 50

// session is the subset of *peer.Session the Engine depends on; kept as
// an interface so tests can substitute a fake without a real socket.
type session interface {
	Send(msg *protocol.Message) error
	Close() error
}

var _ session = (*peer.Session)(nil)

// peerRecord is everything the Engine tracks about one connected peer.
type peerRecord struct {
	sess session

	localChoked     bool
	localInterested bool
	peerChoked      bool
	peerInterested  bool

	bitfield bitfield.Bitfield

	uploaded   uint64
	downloaded uint64
}

// outstandingEntry is one row of the outstanding-request table.
type outstandingEntry struct {
	block scheduler.BlockInfo
	peer  netip.AddrPort
}

type blockPeerKey struct {
	block scheduler.BlockInfo
	peer  netip.AddrPort
}

// handshakeResult is what a handshake goroutine posts back once a newly
// established socket has completed (or failed) the BitTorrent handshake.
// Performing the handshake off the main loop keeps the Engine from ever
// blocking on I/O.
type handshakeResult struct {
	addr netip.AddrPort
	sess session
	err  error
}

// Engine is the main loop: the sole owner of the peer table, the
// outstanding-request table, and the File store.
type Engine struct {
	cfg      config.Config
	log      *slog.Logger
	st       *store.Store
	infoHash [20]byte

	connMgr     *connmgr.Manager
	timerSvc    *timer.Service
	trackerTask *tracker.Task
	announceKey uint32

	rng *mathrand.Rand

	peers   map[netip.AddrPort]*peerRecord
	pending map[netip.AddrPort]struct{}

	outstanding      map[uint64]outstandingEntry
	outstandingIndex map[blockPeerKey]uint64
	nextToken        uint64

	uploaded      uint64
	downloaded    uint64
	lastTrackerID string

	peerEvents  chan peer.Event
	established chan handshakeResult

	finalAnnounce bool
	shouldExit    bool
}

// New builds an Engine. trackerTask may be nil when announcing is
// disabled. timerSvc and connMgr must already be constructed but not yet
// running; the caller launches their Run loops alongside the Engine's,
// typically in the same errgroup.
func New(
	cfg config.Config,
	log *slog.Logger,
	st *store.Store,
	infoHash [20]byte,
	connMgr *connmgr.Manager,
	timerSvc *timer.Service,
	trackerTask *tracker.Task,
) *Engine {
	if log == nil {
		log = slog.Default()
	}

	return &Engine{
		cfg:              cfg,
		log:              log.With("component", "engine"),
		st:               st,
		infoHash:         infoHash,
		connMgr:          connMgr,
		timerSvc:         timerSvc,
		trackerTask:      trackerTask,
		announceKey:      randomKey(),
		rng:              mathrand.New(mathrand.NewSource(randomSeed())),
		peers:            make(map[netip.AddrPort]*peerRecord),
		pending:          make(map[netip.AddrPort]struct{}),
		outstanding:      make(map[uint64]outstandingEntry),
		outstandingIndex: make(map[blockPeerKey]uint64),
		nextToken:        announceToken,
		peerEvents:       make(chan peer.Event, 256),
		established:      make(chan handshakeResult, 16),
	}
}

func randomKey() uint32 {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0
	}
	return binary.BigEndian.Uint32(b[:])
}

func randomSeed() int64 {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 1
	}
	return int64(binary.BigEndian.Uint64(b[:]))
}

// Run drives the Engine until ctx is cancelled, a storage error makes
// continuing impossible, or the completion policy decides to exit.
func (e *Engine) Run(ctx context.Context) error {
	if e.trackerTask != nil {
		e.requestAnnounce(tracker.EventStarted)
	}
	if e.cfg.ManualPeer != "" {
		e.dialManualPeer(ctx)
	}

	connEst := e.connMgr.Established()
	timerExp := e.timerSvc.Expirations()

	var trackerResults <-chan tracker.Result
	if e.trackerTask != nil {
		trackerResults = e.trackerTask.Results()
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case est := <-connEst:
			e.handleConnection(ctx, est)

		case res := <-e.established:
			e.handleHandshakeResult(ctx, res)
			e.schedulingPass(ctx)
			if e.shouldExit {
				return nil
			}

		case ev := <-e.peerEvents:
			e.handlePeerEvent(ctx, ev)
			e.schedulingPass(ctx)
			if e.shouldExit {
				return nil
			}

		case exp := <-timerExp:
			e.handleTimerExpiration(ctx, exp)
			e.schedulingPass(ctx)
			if e.shouldExit {
				return nil
			}

		case res := <-trackerResults:
			e.handleTrackerResult(ctx, res)
			e.schedulingPass(ctx)
			if e.shouldExit {
				return nil
			}
		}
	}
}

func (e *Engine) dialManualPeer(ctx context.Context) {
	go e.connMgr.Dial(ctx, e.cfg.ManualPeer)
}

// handleConnection dedupes an established socket against the peer table
// and against handshakes already in flight, then hands it to a handshake
// goroutine; the Engine itself never blocks on handshake I/O.
func (e *Engine) handleConnection(ctx context.Context, est connmgr.Established) {
	addr, err := netip.ParseAddrPort(est.Conn.RemoteAddr().String())
	if err != nil {
		e.log.Warn("connection with unparseable remote addr", "error", err)
		est.Conn.Close()
		return
	}

	if _, ok := e.peers[addr]; ok {
		est.Conn.Close()
		return
	}
	if _, ok := e.pending[addr]; ok {
		est.Conn.Close()
		return
	}

	e.pending[addr] = struct{}{}
	go e.handshake(ctx, est.Conn, addr)
}

func (e *Engine) handshake(ctx context.Context, conn net.Conn, addr netip.AddrPort) {
	sess, err := peer.New(conn, e.infoHash, e.cfg.ClientID, e.peerEvents, e.log)
	if err != nil {
		conn.Close()
		select {
		case e.established <- handshakeResult{addr: addr, err: err}:
		case <-ctx.Done():
		}
		return
	}

	go sess.Run(ctx)

	select {
	case e.established <- handshakeResult{addr: addr, sess: sess}:
	case <-ctx.Done():
		sess.Close()
	}
}

func (e *Engine) handleHandshakeResult(ctx context.Context, res handshakeResult) {
	delete(e.pending, res.addr)

	if res.err != nil {
		e.log.Warn("handshake failed", "addr", res.addr, "error", res.err)
		return
	}

	if _, ok := e.peers[res.addr]; ok {
		res.sess.Close()
		return
	}
	if e.cfg.MaxPeers > 0 && len(e.peers) >= e.cfg.MaxPeers {
		res.sess.Close()
		return
	}

	rec := &peerRecord{
		sess:       res.sess,
		peerChoked: true,
		bitfield:   bitfield.New(e.st.NumPieces()),
	}
	e.peers[res.addr] = rec

	if err := res.sess.Send(protocol.MessageBitfield(e.st.Bitfield())); err != nil {
		e.evictPeer(ctx, res.addr)
		return
	}
	if err := res.sess.Send(protocol.MessageUnchoke()); err != nil {
		e.evictPeer(ctx, res.addr)
		return
	}

	e.log.Info("peer connected", "addr", res.addr, "total", len(e.peers))
}

// handlePeerEvent applies one decoded wire message (or session
// termination) to the peer's record and the swarm state.
func (e *Engine) handlePeerEvent(ctx context.Context, ev peer.Event) {
	if ev.Gone {
		if ev.Err != nil {
			e.log.Debug("peer session ended", "addr", ev.Peer, "error", ev.Err)
		}
		e.evictPeer(ctx, ev.Peer)
		return
	}

	rec, ok := e.peers[ev.Peer]
	if !ok {
		return
	}

	m := ev.Message
	if m == nil {
		return // keep-alive
	}

	switch m.ID {
	case protocol.Choke:
		rec.peerChoked = true

	case protocol.Unchoke:
		rec.peerChoked = false

	case protocol.Interested:
		rec.peerInterested = true

	case protocol.NotInterested:
		rec.peerInterested = false

	case protocol.Have:
		idx, ok := m.ParseHave()
		if !ok || int(idx) >= e.st.NumPieces() {
			e.log.Warn("invalid have index", "peer", ev.Peer)
			e.evictPeer(ctx, ev.Peer)
			return
		}
		rec.bitfield.Set(int(idx))
		e.rescanInterest(ctx, ev.Peer, rec)

	case protocol.Bitfield:
		want := len(e.st.Bitfield())
		if len(m.Payload) != want {
			e.log.Warn("bitfield length mismatch", "peer", ev.Peer, "got", len(m.Payload), "want", want)
			e.evictPeer(ctx, ev.Peer)
			return
		}
		rec.bitfield = bitfield.FromBytes(m.Payload)
		e.rescanInterest(ctx, ev.Peer, rec)

	case protocol.Piece:
		e.handlePieceMessage(ctx, ev.Peer, rec, m)

	case protocol.Request:
		e.handleRequestMessage(ctx, ev.Peer, rec, m)

	case protocol.Cancel:
		// the client never holds a pending outbound Piece, so there is
		// nothing to withdraw.

	default:
		e.log.Warn("unexpected message id reached engine", "peer", ev.Peer, "id", m.ID)
		e.evictPeer(ctx, ev.Peer)
	}
}

func (e *Engine) handlePieceMessage(ctx context.Context, addr netip.AddrPort, rec *peerRecord, m *protocol.Message) {
	pi, off, data, ok := m.ParsePiece()
	if !ok {
		e.evictPeer(ctx, addr)
		return
	}

	info := scheduler.BlockInfo{Piece: int(pi), Offset: int(off), Length: len(data)}
	key := blockPeerKey{block: info, peer: addr}

	token, found := e.outstandingIndex[key]
	if !found {
		e.log.Warn("unsolicited piece", "peer", addr, "piece", pi, "offset", off)
		return
	}

	e.timerSvc.Cancel(ctx, token)
	delete(e.outstanding, token)
	delete(e.outstandingIndex, key)

	complete, err := e.st.ProcessBlock(info.Piece, info.Offset, data)
	if err != nil {
		e.log.Error("storage failure processing block", "piece", pi, "offset", off, "error", err)
		return
	}

	rec.downloaded += uint64(len(data))
	e.downloaded += uint64(len(data))

	e.rescanInterest(ctx, addr, rec)

	if complete {
		e.broadcastHave(ctx, info.Piece)
	}
}

func (e *Engine) handleRequestMessage(ctx context.Context, addr netip.AddrPort, rec *peerRecord, m *protocol.Message) {
	pi, off, length, ok := m.ParseRequest()
	if !ok {
		e.evictPeer(ctx, addr)
		return
	}

	if rec.localChoked {
		return
	}

	blk, err := e.st.GetBlock(int(pi), int(off), int(length))
	if err != nil {
		e.log.Warn("get_block failed, evicting peer", "peer", addr, "error", err)
		e.evictPeer(ctx, addr)
		return
	}

	if err := rec.sess.Send(protocol.MessagePiece(pi, off, blk)); err != nil {
		e.evictPeer(ctx, addr)
		return
	}

	rec.uploaded += uint64(len(blk))
	e.uploaded += uint64(len(blk))
}

// rescanInterest recomputes whether the peer has any piece we lack and
// sends Interested/NotInterested only when the answer changed.
func (e *Engine) rescanInterest(ctx context.Context, addr netip.AddrPort, rec *peerRecord) {
	interested := e.peerHasSomethingWeLack(rec)
	if interested == rec.localInterested {
		return
	}

	var msg *protocol.Message
	if interested {
		msg = protocol.MessageInterested()
	} else {
		msg = protocol.MessageNotInterested()
	}

	if err := rec.sess.Send(msg); err != nil {
		e.evictPeer(ctx, addr)
		return
	}
	rec.localInterested = interested
}

func (e *Engine) peerHasSomethingWeLack(rec *peerRecord) bool {
	n := e.st.NumPieces()
	for i := 0; i < n; i++ {
		if rec.bitfield.Has(i) && !e.st.PieceIsComplete(i) {
			return true
		}
	}
	return false
}

// broadcastHave sends Have(piece) to every peer that doesn't already
// advertise it.
func (e *Engine) broadcastHave(ctx context.Context, piece int) {
	msg := protocol.MessageHave(uint32(piece))
	for addr, rec := range e.peers {
		if rec.bitfield.Has(piece) {
			continue
		}
		if err := rec.sess.Send(msg); err != nil {
			e.evictPeer(ctx, addr)
		}
	}
}

// schedulingPass invokes the Scheduler, issues every returned request,
// and arms a one-shot timeout for each.
func (e *Engine) schedulingPass(ctx context.Context) {
	views := make([]scheduler.PeerView, 0, len(e.peers))
	for addr, rec := range e.peers {
		views = append(views, scheduler.PeerView{Addr: addr, Choked: rec.peerChoked, Bitfield: rec.bitfield})
	}

	outstandingSet := make(map[scheduler.BlockInfo]struct{}, len(e.outstanding))
	perPeer := make(map[netip.AddrPort]int, len(e.peers))
	for _, ent := range e.outstanding {
		outstandingSet[ent.block] = struct{}{}
		perPeer[ent.peer]++
	}

	assignments := scheduler.Pick(views, e.st, outstandingSet, perPeer, e.cfg.PipelineDepth, e.rng)

	for _, a := range assignments {
		rec, ok := e.peers[a.Peer]
		if !ok {
			continue
		}

		msg := protocol.MessageRequest(uint32(a.Block.Piece), uint32(a.Block.Offset), uint32(a.Block.Length))
		if err := rec.sess.Send(msg); err != nil {
			e.evictPeer(ctx, a.Peer)
			continue
		}

		token := e.allocToken()
		e.timerSvc.Schedule(ctx, token, e.cfg.RequestTimeout, false)
		e.outstanding[token] = outstandingEntry{block: a.Block, peer: a.Peer}
		e.outstandingIndex[blockPeerKey{block: a.Block, peer: a.Peer}] = token
	}

	e.checkCompletion(ctx)
}

func (e *Engine) allocToken() uint64 {
	e.nextToken++
	return e.nextToken
}

// handleTimerExpiration routes a fired token: the re-announce token
// triggers a fresh announce; a request token forfeits the block and
// evicts the unanswering peer; anything else is a late fire.
func (e *Engine) handleTimerExpiration(ctx context.Context, exp timer.Expiration) {
	if exp.Token == announceToken {
		if !e.finalAnnounce {
			e.requestAnnounce(tracker.EventNone)
		}
		return
	}

	ent, ok := e.outstanding[exp.Token]
	if !ok {
		e.log.Debug("timer fired for unknown token", "token", exp.Token)
		return
	}

	delete(e.outstanding, exp.Token)
	delete(e.outstandingIndex, blockPeerKey{block: ent.block, peer: ent.peer})
	e.log.Warn("request timed out, evicting peer", "peer", ent.peer, "piece", ent.block.Piece, "offset", ent.block.Offset)
	e.evictPeer(ctx, ent.peer)
}

// requestAnnounce enqueues an announce with the tracker task; it never
// blocks the Engine.
func (e *Engine) requestAnnounce(event tracker.Event) {
	if e.trackerTask == nil {
		return
	}
	e.trackerTask.RequestAnnounce(&tracker.AnnounceParams{
		InfoHash:   e.infoHash,
		PeerID:     e.cfg.ClientID,
		Uploaded:   e.uploaded,
		Downloaded: e.downloaded,
		Left:       uint64(e.st.Left()),
		Event:      event,
		Key:        e.announceKey,
		TrackerID:  e.lastTrackerID,
		NumWant:    defaultNumWant,
		Port:       e.cfg.ListenPort,
	})
}

// handleTrackerResult schedules the next re-announce and dials newly
// discovered peers, subject to the max-connections cap.
func (e *Engine) handleTrackerResult(ctx context.Context, res tracker.Result) {
	if e.finalAnnounce {
		if res.Err != nil {
			e.log.Warn("final announce failed", "error", res.Err)
		}
		e.shouldExit = true
		return
	}

	if res.Err != nil {
		e.log.Warn("announce failed", "error", res.Err)
		e.timerSvc.Schedule(ctx, announceToken, e.cfg.AnnounceInterval, false)
		return
	}

	resp := res.Response
	if resp.TrackerID != "" {
		e.lastTrackerID = resp.TrackerID
	}

	interval := resp.Interval
	if interval < e.cfg.MinAnnounceInterval || interval > e.cfg.MaxAnnounceInterval {
		interval = e.cfg.AnnounceInterval
	}
	e.timerSvc.Schedule(ctx, announceToken, interval, false)

	budget := len(e.peers) + len(e.pending)
	for _, addr := range resp.Peers {
		if _, ok := e.peers[addr]; ok {
			continue
		}
		if _, ok := e.pending[addr]; ok {
			continue
		}
		if e.cfg.MaxPeers > 0 && budget >= e.cfg.MaxPeers {
			break
		}
		budget++
		go e.connMgr.Dial(ctx, addr.String())
	}
}

// checkCompletion stops the Engine once nothing is left to download,
// unless the user asked to keep seeding. With a tracker configured, the
// exit is deferred until the final Completed announce has been answered
// so it isn't cancelled mid-flight by the teardown.
func (e *Engine) checkCompletion(ctx context.Context) {
	if e.shouldExit || e.finalAnnounce || e.st.Left() != 0 {
		return
	}
	if e.cfg.ContinueSeeding {
		return
	}

	if e.trackerTask == nil {
		e.log.Info("download complete, exiting")
		e.shouldExit = true
		return
	}

	e.log.Info("download complete, sending final announce")
	e.timerSvc.Cancel(ctx, announceToken)
	e.requestAnnounce(tracker.EventCompleted)
	e.finalAnnounce = true
}

// evictPeer drops the peer's record and purges every outstanding-request
// entry referencing it before the next scheduling pass can consume them.
func (e *Engine) evictPeer(ctx context.Context, addr netip.AddrPort) {
	rec, ok := e.peers[addr]
	if !ok {
		return
	}
	rec.sess.Close()
	delete(e.peers, addr)

	for token, ent := range e.outstanding {
		if ent.peer != addr {
			continue
		}
		e.timerSvc.Cancel(ctx, token)
		delete(e.outstanding, token)
		delete(e.outstandingIndex, blockPeerKey{block: ent.block, peer: addr})
	}
}

// Stats reports cumulative byte counters, used by the CLI for progress
// output.
func (e *Engine) Stats() (uploaded, downloaded uint64, peers int) {
	return e.uploaded, e.downloaded, len(e.peers)
}
