package tracker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/mrook/burrow/internal/bencode"
	"github.com/mrook/burrow/internal/cast"
)

// maxTrackerResponseSize caps how much of an announce response body is
// read; a well-formed response is a few KB at most.
const maxTrackerResponseSize = 2 << 20

// HTTPTracker is the only Protocol implementation: it speaks the classic
// bencoded announce-over-GET protocol against one endpoint. UDP trackers
// are out of scope.
type HTTPTracker struct {
	baseURL *url.URL
	client  *http.Client
	log     *slog.Logger

	mu        sync.RWMutex
	trackerID string
}

func NewHTTPTracker(u *url.URL, log *slog.Logger) (*HTTPTracker, error) {
	if log == nil {
		log = slog.Default()
	}

	return &HTTPTracker{
		baseURL: u,
		client:  newAnnounceClient(),
		log:     log.With("type", "http"),
	}, nil
}

// newAnnounceClient builds the HTTP client announces go through: small,
// periodic GETs, so a modest idle pool and a hard overall timeout suffice.
func newAnnounceClient() *http.Client {
	return &http.Client{
		Timeout: 30 * time.Second,
		Transport: &http.Transport{
			MaxIdleConns:        100,
			IdleConnTimeout:     30 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
		},
	}
}

func (ht *HTTPTracker) Announce(ctx context.Context, params *AnnounceParams) (*AnnounceResponse, error) {
	u := *ht.baseURL
	u.RawQuery = ht.announceQuery(params).Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}

	resp, err := ht.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("tracker: announce returned non-ok status %d: %s", resp.StatusCode, body)
	}

	r, err := parseAnnounceResponse(resp.Body)
	if err != nil {
		return nil, err
	}
	ht.rememberTrackerID(r.TrackerID)
	return r, nil
}

// announceQuery renders params as the announce GET's query parameters,
// layered over any the endpoint URL already carries.
func (ht *HTTPTracker) announceQuery(params *AnnounceParams) url.Values {
	q := ht.baseURL.Query()

	q.Set("info_hash", string(params.InfoHash[:]))
	q.Set("peer_id", string(params.PeerID[:]))
	q.Set("port", strconv.FormatUint(uint64(params.Port), 10))
	q.Set("uploaded", strconv.FormatUint(params.Uploaded, 10))
	q.Set("downloaded", strconv.FormatUint(params.Downloaded, 10))
	q.Set("left", strconv.FormatUint(params.Left, 10))
	q.Set("compact", "1")

	if params.NumWant > 0 {
		q.Set("numwant", strconv.FormatUint(uint64(params.NumWant), 10))
	}
	if params.Key != 0 {
		q.Set("key", strconv.FormatUint(uint64(params.Key), 10))
	}
	if ev := params.Event.String(); ev != "" {
		q.Set("event", ev)
	}
	if id := ht.lastTrackerID(); id != "" {
		q.Set("trackerid", id)
	}
	return q
}

func (ht *HTTPTracker) lastTrackerID() string {
	ht.mu.RLock()
	defer ht.mu.RUnlock()
	return ht.trackerID
}

func (ht *HTTPTracker) rememberTrackerID(id string) {
	if id == "" {
		return
	}
	ht.mu.Lock()
	ht.trackerID = id
	ht.mu.Unlock()
}

// parseAnnounceResponse decodes a bencoded announce body. Only the
// interval and peer list are mandatory; the remaining fields are
// best-effort.
func parseAnnounceResponse(r io.Reader) (*AnnounceResponse, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxTrackerResponseSize))
	if err != nil {
		return nil, err
	}

	raw, err := bencode.Unmarshal(data)
	if err != nil {
		return nil, err
	}
	dict, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("tracker: announce expected dict but got %T", raw)
	}

	for _, key := range []string{"failure reason", "warning reason"} {
		if msg, ok := dict[key].(string); ok {
			return nil, fmt.Errorf("tracker: announce %s: %s", key, msg)
		}
	}

	interval, err := cast.ToInt(dict["interval"])
	if err != nil {
		return nil, fmt.Errorf("tracker: interval: %w", err)
	}

	_, hasPeers := dict["peers"]
	_, hasPeers6 := dict["peers6"]
	if !hasPeers && !hasPeers6 {
		return nil, fmt.Errorf("tracker: announce response has no peer list")
	}

	peers, err := parsePeers(dict)
	if err != nil {
		return nil, fmt.Errorf("tracker: invalid peers: %w", err)
	}

	out := &AnnounceResponse{
		Interval: time.Duration(interval) * time.Second,
		Peers:    peers,
	}
	if v, err := cast.ToInt(dict["min interval"]); err == nil {
		out.MinInterval = time.Duration(v) * time.Second
	}
	if v, err := cast.ToInt(dict["complete"]); err == nil {
		out.Seeders = v
	}
	if v, err := cast.ToInt(dict["incomplete"]); err == nil {
		out.Leechers = v
	}
	if s, err := cast.ToString(dict["trackerid"]); err == nil {
		out.TrackerID = s
	}
	return out, nil
}
