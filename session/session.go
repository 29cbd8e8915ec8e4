// Package session orchestrates the bring-up and teardown of one database
// session: resolve gateway, open + authenticate the control socket, start
// the loopback tunnel, lease credentials when the backend needs them, and
// hand the native driver handle back to the caller.
package session

import (
	"log"
	"net"
	"sync"

	"github.com/bridgebase-cloud/bridgebase-go/credentials"
	bberrors "github.com/bridgebase-cloud/bridgebase-go/errors"
	"github.com/bridgebase-cloud/bridgebase-go/gateway"
	"github.com/bridgebase-cloud/bridgebase-go/internal/obs"
)

// Backend is the capability contract an adapter supplies. The session
// calls these two hooks and never inspects or wraps what they return.
type Backend interface {
	// OpenNative creates and returns the native driver handle connected to
	// 127.0.0.1:localPort. creds is nil for backends that do not require
	// credentials. Called exactly once per successful bring-up.
	OpenNative(creds *credentials.Credentials, localPort int) (any, error)
	// CloseNative tears the native handle down. Errors are logged by the
	// session, never propagated.
	CloseNative(handle any) error
}

// CredentialRequirer is optionally implemented by a Backend to opt out of
// credential leasing. Backends that do not implement it require credentials.
type CredentialRequirer interface {
	RequiresCredentials() bool
}

func requiresCredentials(b Backend) bool {
	if cr, ok := b.(CredentialRequirer); ok {
		return cr.RequiresCredentials()
	}
	return true
}

// EndpointResolver yields the gateway endpoint for a region.
type EndpointResolver interface {
	Resolve(region, token string) (gateway.Endpoint, error)
}

// ControlConn is the persistent authenticated socket to the gateway.
type ControlConn interface {
	Connect() error
	Close() error
	Socket() (net.Conn, error)
}

// Tunnel is the local forwarding proxy.
type Tunnel interface {
	Start(control net.Conn) (int, error)
	Stop()
}

// LeaseClient fetches and releases short-lived database credentials.
type LeaseClient interface {
	Fetch(token, database, dbType string) (*credentials.Credentials, error)
	Release(token, username string)
}

// Config wires a session together. All components are required except
// Leases, which may be nil when the backend never requires credentials.
type Config struct {
	Token    string
	Region   string
	Database string
	DBType   string
	Label    string // human-friendly backend label for logs

	Resolver    EndpointResolver
	DialControl func(gateway.Endpoint) ControlConn
	Tunnel      Tunnel
	Leases      LeaseClient
	Backend     Backend
}

type state int

const (
	stateUninitialized state = iota
	stateInitializing
	stateActive
	stateClosed
)

// Session owns one control connection, one tunnel, an optional credential
// lease and the opaque native handle. It is never reused after Close; a
// failed Connect leaves it retryable. Safe for concurrent use.
type Session struct {
	cfg Config

	mu      sync.Mutex
	state   state
	control ControlConn
	creds   *credentials.Credentials
	native  any
}

// New creates an unconnected session from cfg.
func New(cfg Config) *Session {
	if cfg.Label == "" {
		cfg.Label = "session"
	}
	return &Session{cfg: cfg}
}

// Connect runs the full bring-up sequence and returns the native driver
// handle. Idempotent: a second call on an Active session returns the same
// handle without redoing any step. Fails with a connection error after
// Close. A failed bring-up releases everything allocated so far and leaves
// the session usable for a retry.
func (s *Session) Connect() (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case stateActive:
		return s.native, nil
	case stateClosed:
		return nil, bberrors.Connectionf("%s session already closed", s.cfg.Label)
	}

	s.state = stateInitializing
	native, err := s.initialize()
	if err != nil {
		s.state = stateUninitialized
		return nil, err
	}

	s.native = native
	s.state = stateActive
	obs.SessionsOpenedTotal.Inc()
	return native, nil
}

// initialize executes the bring-up steps in order, rolling back every
// already-allocated resource when a later step fails.
func (s *Session) initialize() (any, error) {
	ep, err := s.cfg.Resolver.Resolve(s.cfg.Region, s.cfg.Token)
	if err != nil {
		return nil, err
	}

	control := s.cfg.DialControl(ep)
	if err := control.Connect(); err != nil {
		return nil, err
	}

	sock, err := control.Socket()
	if err != nil {
		control.Close()
		return nil, err
	}

	localPort, err := s.cfg.Tunnel.Start(sock)
	if err != nil {
		control.Close()
		return nil, err
	}

	var creds *credentials.Credentials
	if requiresCredentials(s.cfg.Backend) {
		creds, err = s.cfg.Leases.Fetch(s.cfg.Token, s.cfg.Database, s.cfg.DBType)
		if err != nil {
			s.cfg.Tunnel.Stop()
			control.Close()
			return nil, err
		}
	}

	native, err := s.cfg.Backend.OpenNative(creds, localPort)
	if err != nil {
		if creds != nil {
			s.cfg.Leases.Release(s.cfg.Token, creds.Username)
		}
		s.cfg.Tunnel.Stop()
		control.Close()
		return nil, err
	}

	s.control = control
	s.creds = creds
	log.Printf("%s session initialized (proxy=127.0.0.1:%d)", s.cfg.Label, localPort)
	return native, nil
}

// Close tears everything down in reverse order: native handle, tunnel,
// credential lease, control socket. Every step runs regardless of earlier
// step failures; failures are logged, never returned. Idempotent, safe
// before Connect, and exactly one concurrent caller executes the teardown.
func (s *Session) Close() {
	s.mu.Lock()
	if s.state == stateClosed {
		s.mu.Unlock()
		return
	}
	wasActive := s.state == stateActive
	native := s.native
	creds := s.creds
	control := s.control
	s.native = nil
	s.creds = nil
	s.control = nil
	s.state = stateClosed
	s.mu.Unlock()

	if native != nil {
		if err := s.cfg.Backend.CloseNative(native); err != nil {
			log.Printf("%s session: error closing native connection: %v", s.cfg.Label, err)
		}
	}

	s.cfg.Tunnel.Stop()

	if creds != nil {
		s.cfg.Leases.Release(s.cfg.Token, creds.Username)
	}

	if control != nil {
		control.Close()
	}

	if wasActive {
		obs.SessionsClosedTotal.Inc()
	}
	log.Printf("%s session closed", s.cfg.Label)
}

// Closed reports whether the session reached its terminal state.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == stateClosed
}
