package gateway

import (
	"crypto/tls"
	"encoding/binary"
	"log"
	"net"
	"sync"
	"time"

	bberrors "github.com/bridgebase-cloud/bridgebase-go/errors"
)

// MaxTokenSize bounds the bearer token accepted by the handshake.
// Oversized tokens fail before any bytes are written.
const MaxTokenSize = 8192

const dialTimeout = 10 * time.Second

// Conn is the persistent authenticated control socket to the gateway.
//
// The socket opens lazily on the first Connect (or Socket) call and is
// reused until Close. Conn owns the socket exclusively; the tunnel only
// borrows it and must never close it. Safe for concurrent use.
type Conn struct {
	endpoint Endpoint
	token    string
	useTLS   bool

	// TLSConfig overrides the TLS client configuration. Nil means system
	// roots with the endpoint host as server name. Ignored when TLS is off.
	TLSConfig *tls.Config

	mu        sync.Mutex
	sock      net.Conn
	connected bool
}

// NewConn creates a control connection to ep authenticated with token.
func NewConn(ep Endpoint, token string, useTLS bool) *Conn {
	return &Conn{endpoint: ep, token: token, useTLS: useTLS}
}

// Connected reports whether the handshake has completed.
func (c *Conn) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Socket returns the raw socket, connecting first if needed.
func (c *Conn) Socket() (net.Conn, error) {
	if err := c.Connect(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sock, nil
}

// Connect opens and authenticates the gateway socket. Idempotent: if the
// connection is already up it returns immediately. On any failure the
// half-open socket is closed and the state stays Disconnected.
func (c *Conn) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connected {
		return nil
	}

	// Validate before any I/O so an oversized token costs no round trip.
	if len(c.token) > MaxTokenSize {
		return bberrors.Gatewayf("token too large: %d bytes (max %d)", len(c.token), MaxTokenSize)
	}

	sock, err := c.dial()
	if err != nil {
		return err
	}
	if err := handshake(sock, c.token); err != nil {
		sock.Close()
		return err
	}

	c.sock = sock
	c.connected = true
	log.Printf("gateway: control socket established to %s", c.endpoint.Addr())
	return nil
}

// Close shuts the socket down and transitions to Disconnected. Idempotent
// and safe to call before Connect.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sock != nil {
		c.sock.Close()
		c.sock = nil
	}
	c.connected = false
	return nil
}

func (c *Conn) dial() (net.Conn, error) {
	addr := c.endpoint.Addr()
	if c.useTLS {
		cfg := c.TLSConfig
		if cfg == nil {
			cfg = &tls.Config{ServerName: c.endpoint.Host}
		}
		sock, err := tls.DialWithDialer(&net.Dialer{Timeout: dialTimeout}, "tcp", addr, cfg)
		if err != nil {
			return nil, bberrors.Gatewayf("connect to gateway %s: %w", addr, err)
		}
		return sock, nil
	}
	sock, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		return nil, bberrors.Gatewayf("connect to gateway %s: %w", addr, err)
	}
	return sock, nil
}

// handshake authenticates the socket.
//
// Wire format, client -> gateway:
//
//	[4 bytes big-endian token length][token bytes, UTF-8]
func handshake(sock net.Conn, token string) error {
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(token)))
	if _, err := sock.Write(prefix[:]); err != nil {
		return bberrors.Gatewayf("handshake write: %w", err)
	}
	if _, err := sock.Write([]byte(token)); err != nil {
		return bberrors.Gatewayf("handshake write: %w", err)
	}
	return nil
}
