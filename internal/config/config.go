// Package config defines the immutable, explicitly-constructed
// configuration threaded through every component that needs it.
// Command-line arguments, the peer-id, and the parsed metainfo are built
// once at startup and passed by value into the Engine, Scheduler, and
// peer sessions; there is no ambient global.
package config

import (
	"crypto/rand"
	"crypto/sha1"
	"time"
)

// Config holds every resource limit and behavioral knob the CLI exposes.
type Config struct {
	// ClientID is this client's 20-byte peer-id, announced in every
	// handshake and tracker request.
	ClientID [sha1.Size]byte

	// TorrentPath is the path to the .torrent metainfo descriptor.
	TorrentPath string

	// DownloadPath is where the backing file is created or opened.
	DownloadPath string

	// ListenPort is the TCP port the Connection manager accepts inbound
	// connections on. 0 means let the OS assign one.
	ListenPort uint16

	// MaxPeers bounds the number of simultaneously connected peers.
	MaxPeers int

	// PipelineDepth bounds the number of concurrently outstanding block
	// requests to a single peer.
	PipelineDepth int

	// RequestTimeout is how long an outstanding block request may go
	// unanswered before its peer is considered unhealthy and evicted.
	RequestTimeout time.Duration

	// DialTimeout bounds a single outbound connection attempt.
	DialTimeout time.Duration

	// AnnounceInterval is the fallback re-announce period used when the
	// tracker's own advertised interval is absent or out of bounds.
	AnnounceInterval time.Duration

	// MinAnnounceInterval and MaxAnnounceInterval bound the interval the
	// tracker advertises; an advertised interval outside these falls back
	// to AnnounceInterval.
	MinAnnounceInterval time.Duration
	MaxAnnounceInterval time.Duration

	// ContinueSeeding, when true, keeps the Engine running (and
	// unchoking peers) after the download completes instead of sending
	// a final Completed announce and exiting.
	ContinueSeeding bool

	// SeedExisting, when true, opens the File store in seed mode: the
	// backing file is assumed to already hold authentic content and is
	// marked fully verified without re-hashing.
	SeedExisting bool

	// SkipAnnounce disables tracker communication entirely; peers must
	// be supplied via ManualPeer.
	SkipAnnounce bool

	// ManualPeer, if non-empty, is a single "host:port" dialed directly
	// in addition to (or instead of) tracker-discovered peers.
	ManualPeer string
}

const clientIDPrefix = "-BU0010-"

// New builds a Config from parsed CLI flags, generating a fresh random
// client-id suffix.
func New(
	torrentPath, downloadPath string,
	listenPort uint16,
	maxPeers, pipelineDepth int,
	requestTimeoutSec int,
	continueSeeding, seedExisting, skipAnnounce bool,
	manualPeer string,
) (Config, error) {
	id, err := generateClientID()
	if err != nil {
		return Config{}, err
	}

	return Config{
		ClientID:            id,
		TorrentPath:         torrentPath,
		DownloadPath:        downloadPath,
		ListenPort:          listenPort,
		MaxPeers:            maxPeers,
		PipelineDepth:       pipelineDepth,
		RequestTimeout:      time.Duration(requestTimeoutSec) * time.Second,
		DialTimeout:         500 * time.Millisecond,
		AnnounceInterval:    25 * time.Second,
		MinAnnounceInterval: 20 * time.Second,
		MaxAnnounceInterval: 30 * time.Minute,
		ContinueSeeding:     continueSeeding,
		SeedExisting:        seedExisting,
		SkipAnnounce:        skipAnnounce,
		ManualPeer:          manualPeer,
	}, nil
}

func generateClientID() ([sha1.Size]byte, error) {
	var id [sha1.Size]byte
	copy(id[:], clientIDPrefix)
	if _, err := rand.Read(id[len(clientIDPrefix):]); err != nil {
		return [sha1.Size]byte{}, err
	}
	return id, nil
}
