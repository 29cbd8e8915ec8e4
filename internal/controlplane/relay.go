package controlplane

import (
	"crypto/tls"
	"encoding/binary"
	"fmt"
	"io"
	"log"
	"net"
	"sync"
	"time"

	"github.com/bridgebase-cloud/bridgebase-go/gateway"
	"github.com/bridgebase-cloud/bridgebase-go/internal/obs"
)

const handshakeTimeout = 10 * time.Second

// Relay is the gateway side of the control socket: it accepts TCP (or TLS)
// connections, reads the length-prefixed token handshake, validates the
// token and then pipes bytes both ways to the configured upstream.
type Relay struct {
	cfg      Settings
	validate func(token string) error

	mu sync.Mutex
	ln net.Listener
	wg sync.WaitGroup
}

// NewRelay builds a relay that validates tokens with validate.
func NewRelay(cfg Settings, validate func(string) error) *Relay {
	return &Relay{cfg: cfg, validate: validate}
}

// Addr returns the listener address, or nil before Start.
func (r *Relay) Addr() net.Addr {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ln == nil {
		return nil
	}
	return r.ln.Addr()
}

// Start binds the gateway listener and begins accepting on a background
// goroutine.
func (r *Relay) Start() error {
	var ln net.Listener
	var err error
	if r.cfg.TLSCert != "" && r.cfg.TLSKey != "" {
		cert, cerr := tls.LoadX509KeyPair(r.cfg.TLSCert, r.cfg.TLSKey)
		if cerr != nil {
			return cerr
		}
		ln, err = tls.Listen("tcp", r.cfg.GatewayAddr, &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		})
	} else {
		ln, err = net.Listen("tcp", r.cfg.GatewayAddr)
	}
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.ln = ln
	r.mu.Unlock()

	log.Printf("relay: gateway listening on %s (upstream %s)", ln.Addr(), r.cfg.UpstreamAddr)
	r.wg.Add(1)
	go r.acceptLoop(ln)
	return nil
}

// Stop closes the listener and waits for in-flight connections to finish.
func (r *Relay) Stop() {
	r.mu.Lock()
	ln := r.ln
	r.ln = nil
	r.mu.Unlock()
	if ln != nil {
		ln.Close()
	}
	r.wg.Wait()
}

func (r *Relay) acceptLoop(ln net.Listener) {
	defer r.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			// Listener closed during shutdown.
			return
		}
		r.wg.Add(1)
		go r.handleConn(conn)
	}
}

func (r *Relay) handleConn(conn net.Conn) {
	defer r.wg.Done()

	token, err := readHandshake(conn)
	if err != nil {
		log.Printf("relay: handshake from %s failed: %v", conn.RemoteAddr(), err)
		conn.Close()
		return
	}
	if err := r.validate(token); err != nil {
		log.Printf("relay: rejected %s: %v", conn.RemoteAddr(), err)
		conn.Close()
		return
	}

	upstream, err := net.DialTimeout("tcp", r.cfg.UpstreamAddr, handshakeTimeout)
	if err != nil {
		log.Printf("relay: dial upstream %s: %v", r.cfg.UpstreamAddr, err)
		conn.Close()
		return
	}

	obs.RelayConnsTotal.Inc()
	log.Printf("relay: %s authenticated, piping to %s", conn.RemoteAddr(), r.cfg.UpstreamAddr)

	var pair sync.WaitGroup
	pair.Add(2)
	go pipe(&pair, upstream, conn)
	go pipe(&pair, conn, upstream)
	pair.Wait()
}

func pipe(wg *sync.WaitGroup, dst, src net.Conn) {
	defer wg.Done()
	defer dst.Close()
	defer src.Close()
	io.Copy(dst, src)
}

// readHandshake consumes the client handshake:
//
//	[4 bytes big-endian token length][token bytes]
func readHandshake(conn net.Conn) (string, error) {
	conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	defer conn.SetReadDeadline(time.Time{})

	var prefix [4]byte
	if _, err := io.ReadFull(conn, prefix[:]); err != nil {
		return "", err
	}
	n := binary.BigEndian.Uint32(prefix[:])
	if n == 0 || n > gateway.MaxTokenSize {
		return "", fmt.Errorf("invalid token length %d", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(conn, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}
