package gateway

import (
	"bytes"
	"encoding/binary"
	"io"
	"net"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	bberrors "github.com/bridgebase-cloud/bridgebase-go/errors"
)

// fakeGateway accepts control connections and records every handshake.
type fakeGateway struct {
	ln      net.Listener
	accepts atomic.Int32
	frames  chan []byte
}

func newFakeGateway(t *testing.T) *fakeGateway {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	g := &fakeGateway{ln: ln, frames: make(chan []byte, 4)}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			g.accepts.Add(1)
			go func(c net.Conn) {
				defer c.Close()
				var prefix [4]byte
				if _, err := io.ReadFull(c, prefix[:]); err != nil {
					return
				}
				n := binary.BigEndian.Uint32(prefix[:])
				payload := make([]byte, n)
				if _, err := io.ReadFull(c, payload); err != nil {
					return
				}
				g.frames <- append(prefix[:], payload...)
				// Hold the socket open until the client closes it.
				io.Copy(io.Discard, c)
			}(conn)
		}
	}()
	t.Cleanup(func() { ln.Close() })
	return g
}

func (g *fakeGateway) endpoint() Endpoint {
	addr := g.ln.Addr().(*net.TCPAddr)
	return Endpoint{Host: "127.0.0.1", Port: addr.Port}
}

func TestConnectHandshakeFraming(t *testing.T) {
	g := newFakeGateway(t)
	c := NewConn(g.endpoint(), "abc", false)
	defer c.Close()

	if err := c.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	select {
	case frame := <-g.frames:
		want := []byte{0x00, 0x00, 0x00, 0x03, 0x61, 0x62, 0x63}
		if !bytes.Equal(frame, want) {
			t.Errorf("handshake bytes = % x, want % x", frame, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("handshake never arrived")
	}
}

func TestConnectIdempotent(t *testing.T) {
	g := newFakeGateway(t)
	c := NewConn(g.endpoint(), "tok", false)
	defer c.Close()

	if err := c.Connect(); err != nil {
		t.Fatalf("first Connect: %v", err)
	}
	if err := c.Connect(); err != nil {
		t.Fatalf("second Connect: %v", err)
	}
	<-g.frames

	if got := g.accepts.Load(); got != 1 {
		t.Errorf("gateway accepted %d connections, want 1", got)
	}
	if !c.Connected() {
		t.Error("Connected() = false after Connect")
	}
}

func TestConnectOversizedToken(t *testing.T) {
	g := newFakeGateway(t)
	token := strings.Repeat("x", MaxTokenSize+1)
	c := NewConn(g.endpoint(), token, false)

	err := c.Connect()
	if !bberrors.IsGateway(err) {
		t.Fatalf("error = %v, want gateway kind", err)
	}
	if c.Connected() {
		t.Error("Connected() = true after failed Connect")
	}

	// The guard fires before any I/O: no dial reaches the gateway.
	time.Sleep(100 * time.Millisecond)
	if got := g.accepts.Load(); got != 0 {
		t.Errorf("gateway accepted %d connections, want 0", got)
	}
}

func TestConnectRefused(t *testing.T) {
	// Grab a port and close it so nothing is listening.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	c := NewConn(Endpoint{Host: "127.0.0.1", Port: port}, "tok", false)
	if err := c.Connect(); !bberrors.IsGateway(err) {
		t.Errorf("error = %v, want gateway kind", err)
	}
	if c.Connected() {
		t.Error("Connected() = true after refused dial")
	}
}

func TestCloseIdempotent(t *testing.T) {
	g := newFakeGateway(t)
	c := NewConn(g.endpoint(), "tok", false)

	// Close before Connect is safe.
	if err := c.Close(); err != nil {
		t.Fatalf("Close before Connect: %v", err)
	}

	if err := c.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if c.Connected() {
		t.Error("Connected() = true after Close")
	}
}

func TestSocketConnectsLazily(t *testing.T) {
	g := newFakeGateway(t)
	c := NewConn(g.endpoint(), "tok", false)
	defer c.Close()

	sock, err := c.Socket()
	if err != nil {
		t.Fatalf("Socket: %v", err)
	}
	if sock == nil {
		t.Fatal("Socket returned nil conn")
	}
	if !c.Connected() {
		t.Error("Connected() = false after Socket")
	}
	<-g.frames
}
