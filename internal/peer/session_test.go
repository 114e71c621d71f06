package peer

import (
	"context"
	"crypto/sha1"
	"net"
	"testing"
	"time"

	"github.com/mrook/burrow/internal/protocol"
)

func pipeConns(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()
	c1, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	c2, err := ln.Accept()
	if err != nil {
		c1.Close()
		t.Fatalf("Accept: %v", err)
	}
	t.Cleanup(func() { c1.Close(); c2.Close() })
	return c1, c2
}

func TestHandshakeThenMessageRoundTrip(t *testing.T) {
	infoHash := sha1.Sum([]byte("info"))
	clientA := sha1.Sum([]byte("a"))
	clientB := sha1.Sum([]byte("b"))

	connA, connB := pipeConns(t)

	events := make(chan Event, 8)

	var sessA, sessB *Session
	errCh := make(chan error, 2)

	go func() {
		var err error
		sessA, err = New(connA, infoHash, clientA, events, nil)
		errCh <- err
	}()
	go func() {
		var err error
		sessB, err = New(connB, infoHash, clientB, events, nil)
		errCh <- err
	}()

	for i := 0; i < 2; i++ {
		if err := <-errCh; err != nil {
			t.Fatalf("handshake failed: %v", err)
		}
	}

	if sessA.RemotePeerID() != clientB {
		t.Fatalf("sessA saw remote id %x, want %x", sessA.RemotePeerID(), clientB)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go sessA.Run(ctx)
	go sessB.Run(ctx)

	if err := sessA.Send(protocol.MessageUnchoke()); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case ev := <-events:
		if ev.Gone {
			t.Fatalf("unexpected Gone event: %v", ev.Err)
		}
		if ev.Message == nil || ev.Message.ID != protocol.Unchoke {
			t.Fatalf("got %+v, want Unchoke message", ev.Message)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for message event")
	}
}

func TestHandshakeMismatchedInfoHashFails(t *testing.T) {
	hashA := sha1.Sum([]byte("a"))
	hashB := sha1.Sum([]byte("b"))
	clientA := sha1.Sum([]byte("ca"))
	clientB := sha1.Sum([]byte("cb"))

	connA, connB := pipeConns(t)
	events := make(chan Event, 8)

	errCh := make(chan error, 2)
	go func() {
		_, err := New(connA, hashA, clientA, events, nil)
		errCh <- err
	}()
	go func() {
		_, err := New(connB, hashB, clientB, events, nil)
		errCh <- err
	}()

	err1 := <-errCh
	err2 := <-errCh
	if err1 == nil && err2 == nil {
		t.Fatalf("expected at least one handshake to fail on info-hash mismatch")
	}
}
