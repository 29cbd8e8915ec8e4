// Package proxy runs the local loopback tunnel: a TCP listener whose
// accepted connection is forwarded byte-for-byte over the shared gateway
// control socket.
//
//	driver -> 127.0.0.1:<ephemeral> -> control socket -> gateway -> DB
//
// Only one forwarding pair is allowed per manager lifetime segment: the
// control channel carries no per-connection framing, so a second concurrent
// local connection would interleave and corrupt both byte streams. Extra
// concurrent connections are rejected at accept time.
package proxy

import (
	"errors"
	"log"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	bberrors "github.com/bridgebase-cloud/bridgebase-go/errors"
	"github.com/bridgebase-cloud/bridgebase-go/internal/obs"
)

const (
	chunkSize    = 64 * 1024
	pollInterval = time.Second
	joinTimeout  = 5 * time.Second
)

// Manager owns the loopback listener and the forwarding workers. The
// control socket is only borrowed: workers read and write it but never
// close it, that is the session's job after Stop. Start and Stop are
// guarded by a lock; the forwarding hot path is lock-free.
type Manager struct {
	mu        sync.Mutex
	listener  *net.TCPListener
	control   net.Conn
	localPort int

	running atomic.Bool
	active  atomic.Int32
	wg      sync.WaitGroup
}

// NewManager returns an idle manager.
func NewManager() *Manager { return &Manager{} }

// Running reports whether the accept loop is live.
func (m *Manager) Running() bool { return m.running.Load() }

// LocalPort returns the bound loopback port. It fails if the tunnel has
// not been started.
func (m *Manager) LocalPort() (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.localPort == 0 {
		return 0, bberrors.Proxyf("tunnel not started")
	}
	return m.localPort, nil
}

// Start binds an ephemeral loopback listener and begins accepting.
// Idempotent: if already running it returns the existing port. The
// returned port is what the native driver should connect to.
func (m *Manager) Start(control net.Conn) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running.Load() {
		return m.localPort, nil
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, bberrors.Proxyf("bind local listener: %w", err)
	}
	tcpLn := ln.(*net.TCPListener)

	m.listener = tcpLn
	m.control = control
	m.localPort = tcpLn.Addr().(*net.TCPAddr).Port
	m.running.Store(true)

	m.wg.Add(1)
	go m.acceptLoop(tcpLn)

	log.Printf("proxy: listening on 127.0.0.1:%d", m.localPort)
	return m.localPort, nil
}

// Stop flips the running flag, closes the listener so the accept loop
// wakes up, and joins outstanding workers up to a bounded timeout.
// Idempotent and safe before Start.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running.Load() {
		m.mu.Unlock()
		return
	}
	m.running.Store(false)
	ln := m.listener
	m.listener = nil
	m.control = nil
	m.localPort = 0
	m.mu.Unlock()

	if ln != nil {
		ln.Close()
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(joinTimeout):
		log.Printf("proxy: workers did not finish within %s", joinTimeout)
	}
	log.Printf("proxy: stopped")
}

func (m *Manager) acceptLoop(ln *net.TCPListener) {
	defer m.wg.Done()
	for m.running.Load() {
		// Short deadline so Stop is noticed promptly.
		ln.SetDeadline(time.Now().Add(pollInterval))
		local, err := ln.Accept()
		if err != nil {
			if os.IsTimeout(err) {
				continue
			}
			// Listener closed during shutdown.
			return
		}

		if !m.active.CompareAndSwap(0, 1) {
			// The control channel has no multiplexing; a second pair would
			// corrupt both streams.
			log.Printf("proxy: rejecting extra connection from %s (forwarding pair already active)",
				local.RemoteAddr())
			obs.RejectedConnsTotal.Inc()
			local.Close()
			continue
		}

		log.Printf("proxy: accepted connection from %s", local.RemoteAddr())
		m.mu.Lock()
		control := m.control
		m.mu.Unlock()
		if control == nil {
			// Raced with Stop.
			local.Close()
			m.active.Store(0)
			return
		}
		m.wg.Add(1)
		go m.forward(local, control)
	}
}

// forward relays bytes in both directions between the accepted local
// socket and the borrowed control socket. Either side reaching EOF, or any
// I/O error, ends the worker; only the local socket is closed on the way
// out.
func (m *Manager) forward(local, control net.Conn) {
	defer m.wg.Done()
	defer m.active.Store(0)
	defer local.Close()

	obs.ActiveForwarders.Inc()
	defer obs.ActiveForwarders.Dec()

	done := make(chan struct{})
	var once sync.Once
	finish := func() { once.Do(func() { close(done) }) }

	var inner sync.WaitGroup
	inner.Add(2)
	go func() {
		defer inner.Done()
		defer finish()
		m.relay(local, control, "outbound", done)
	}()
	go func() {
		defer inner.Done()
		defer finish()
		m.relay(control, local, "inbound", done)
	}()
	inner.Wait()

	// Leave the borrowed control socket with no stale read deadline.
	control.SetReadDeadline(time.Time{})
	log.Printf("proxy: forwarding pair for %s ended", local.RemoteAddr())
}

func (m *Manager) relay(src, dst net.Conn, direction string, done <-chan struct{}) {
	buf := make([]byte, chunkSize)
	for m.running.Load() {
		select {
		case <-done:
			return
		default:
		}

		src.SetReadDeadline(time.Now().Add(pollInterval))
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return
			}
			obs.BytesRelayedTotal.WithLabelValues(direction).Add(float64(n))
		}
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			// EOF or hard error ends this pair.
			return
		}
	}
}
