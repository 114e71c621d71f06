// Package tracker implements the tracker boundary consumed by the Engine:
// announce request/response records and an HTTP-only client with
// multi-tier fallback (announce + announce-list). UDP trackers are out of
// scope; the tracker is treated as an external collaborator exercised
// from a single long-lived task that takes requests over a channel and
// posts results back.
package tracker

import (
	"context"
	"crypto/sha1"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/netip"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"
)

// AnnounceParams carries everything a single announce request needs.
type AnnounceParams struct {
	InfoHash   [sha1.Size]byte
	PeerID     [sha1.Size]byte
	Uploaded   uint64
	Downloaded uint64
	Left       uint64
	Event      Event
	Key        uint32
	TrackerID  string
	NumWant    uint32
	Port       uint16
}

// AnnounceResponse is what the tracker hands back: a re-announce interval
// and a peer list.
type AnnounceResponse struct {
	TrackerID   string
	Interval    time.Duration
	MinInterval time.Duration
	Leechers    int64
	Seeders     int64
	Peers       []netip.AddrPort
}

// Event signals an announce's lifecycle purpose.
type Event uint32

const (
	EventNone Event = iota
	EventStarted
	EventStopped
	EventCompleted
)

var eventNames = map[Event]string{
	EventStarted:   "started",
	EventCompleted: "completed",
	EventStopped:   "stopped",
}

// String renders the announce "event" query value; EventNone renders
// empty and is omitted from the query entirely.
func (e Event) String() string { return eventNames[e] }

// Protocol abstracts a single tracker endpoint's announce call. The only
// implementation shipped is HTTPTracker; a UDP implementation is
// deliberately out of scope.
type Protocol interface {
	Announce(ctx context.Context, params *AnnounceParams) (*AnnounceResponse, error)
}

// Client announces across tiers of tracker URLs (the primary announce
// field plus the announce-list extension), trying each tier in order and
// promoting whichever URL within a tier answered.
type Client struct {
	mu       sync.Mutex
	tiers    [][]*url.URL
	trackers map[string]Protocol
	log      *slog.Logger
}

// New parses announce/announceList into tiers and shuffles multi-URL
// tiers, per BEP 12.
func New(announce string, announceList [][]string, log *slog.Logger) (*Client, error) {
	tiers, err := announceTiers(announce, announceList)
	if err != nil {
		return nil, err
	}

	r := rand.New(rand.NewSource(int64(time.Now().UnixNano())))
	for i := range tiers {
		if len(tiers[i]) < 2 {
			continue
		}
		r.Shuffle(len(tiers[i]), func(a, b int) {
			tiers[i][a], tiers[i][b] = tiers[i][b], tiers[i][a]
		})
	}

	if log == nil {
		log = slog.Default()
	}

	return &Client{
		tiers:    tiers,
		trackers: make(map[string]Protocol),
		log:      log.With("component", "tracker", "tiers", len(tiers)),
	}, nil
}

// Announce tries each tier in order, and within a tier each URL in order,
// returning the first successful response.
func (c *Client) Announce(ctx context.Context, params *AnnounceParams) (*AnnounceResponse, error) {
	var lastErr error

	for tierIdx := 0; tierIdx < len(c.tiers); tierIdx++ {
		tier := c.snapshotTier(tierIdx)

		for i, u := range tier {
			proto, err := c.protocolFor(u)
			if err != nil {
				lastErr = err
				continue
			}

			resp, err := proto.Announce(ctx, params)
			if err != nil {
				lastErr = err
				continue
			}

			c.promoteWithinTier(tierIdx, i)
			c.log.Info("announce success",
				"tier", tierIdx, "url", u.String(),
				"peers", len(resp.Peers), "seeders", resp.Seeders, "leechers", resp.Leechers)
			return resp, nil
		}

		c.log.Warn("announce tier exhausted", "tier", tierIdx)
	}

	if lastErr == nil {
		lastErr = errors.New("tracker: no announce urls configured")
	}
	return nil, lastErr
}

func (c *Client) snapshotTier(at int) []*url.URL {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*url.URL(nil), c.tiers[at]...)
}

func (c *Client) promoteWithinTier(tierIdx, urlIdx int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	tier := c.tiers[tierIdx]
	if urlIdx <= 0 || urlIdx >= len(tier) {
		return
	}
	u := tier[urlIdx]
	tier = slices.Delete(tier, urlIdx, urlIdx+1)
	c.tiers[tierIdx] = slices.Insert(tier, 0, u)
}

func (c *Client) protocolFor(u *url.URL) (Protocol, error) {
	key := u.String()

	c.mu.Lock()
	p, ok := c.trackers[key]
	c.mu.Unlock()
	if ok {
		return p, nil
	}

	var (
		proto Protocol
		err   error
	)
	switch u.Scheme {
	case "http", "https":
		proto, err = NewHTTPTracker(u, c.log.With("scheme", u.Scheme, "host", u.Host))
	default:
		err = fmt.Errorf("tracker: unsupported scheme %q (only http/https are supported)", u.Scheme)
	}
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.trackers[key] = proto
	c.mu.Unlock()
	return proto, nil
}

// announceTiers assembles the tier list: the primary announce URL as its
// own first tier, followed by every non-empty announce-list tier.
func announceTiers(announce string, announceList [][]string) ([][]*url.URL, error) {
	var tiers [][]*url.URL

	if primary := parseTier([]string{announce}); len(primary) > 0 {
		tiers = append(tiers, primary)
	}
	for _, raw := range announceList {
		if tier := parseTier(raw); len(tier) > 0 {
			tiers = append(tiers, tier)
		}
	}

	if len(tiers) == 0 {
		return nil, errors.New("tracker: no announce urls")
	}
	return tiers, nil
}

// parseTier keeps one tier's parseable http/https URLs, dropping
// everything else (udp trackers among them).
func parseTier(raw []string) []*url.URL {
	var out []*url.URL
	for _, s := range raw {
		u, err := url.Parse(strings.TrimSpace(s))
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			continue
		}
		out = append(out, u)
	}
	return out
}

// Task runs announces on their own long-lived goroutine: it takes
// announce requests over a channel and posts results back, so the Engine
// never blocks on tracker I/O directly.
type Task struct {
	client  *Client
	reqs    chan *AnnounceParams
	results chan Result
}

// Result is what the Tracker task posts back to the Engine.
type Result struct {
	Response *AnnounceResponse
	Err      error
}

// NewTask wraps a Client as a request/response task.
func NewTask(client *Client) *Task {
	return &Task{
		client:  client,
		reqs:    make(chan *AnnounceParams, 1),
		results: make(chan Result, 1),
	}
}

// Results returns the channel the Engine should multiplex tracker
// responses from.
func (t *Task) Results() <-chan Result { return t.results }

// RequestAnnounce enqueues an announce. A full queue (one request already
// waiting for Run to take it) silently drops the new request; the Engine is expected to
// request at most one announce at a time.
func (t *Task) RequestAnnounce(params *AnnounceParams) {
	select {
	case t.reqs <- params:
	default:
	}
}

// Run drives the task until ctx is cancelled.
func (t *Task) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case params := <-t.reqs:
			resp, err := t.client.Announce(ctx, params)
			select {
			case t.results <- Result{Response: resp, Err: err}:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}
