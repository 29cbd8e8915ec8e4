package session

import (
	"net"
	"sync"
	"testing"

	"github.com/bridgebase-cloud/bridgebase-go/credentials"
	bberrors "github.com/bridgebase-cloud/bridgebase-go/errors"
	"github.com/bridgebase-cloud/bridgebase-go/gateway"
)

// ---- fakes ----------------------------------------------------------------

type fakeResolver struct {
	ep    gateway.Endpoint
	err   error
	calls int
}

func (f *fakeResolver) Resolve(region, token string) (gateway.Endpoint, error) {
	f.calls++
	if f.err != nil {
		return gateway.Endpoint{}, f.err
	}
	return f.ep, nil
}

type fakeControl struct {
	connectErr error
	connects   int
	closes     int
	sock       net.Conn
}

func (f *fakeControl) Connect() error {
	f.connects++
	return f.connectErr
}

func (f *fakeControl) Close() error {
	f.closes++
	return nil
}

func (f *fakeControl) Socket() (net.Conn, error) { return f.sock, nil }

type fakeTunnel struct {
	port     int
	startErr error
	starts   int
	stops    int
}

func (f *fakeTunnel) Start(control net.Conn) (int, error) {
	f.starts++
	if f.startErr != nil {
		return 0, f.startErr
	}
	return f.port, nil
}

func (f *fakeTunnel) Stop() { f.stops++ }

type fakeLeases struct {
	creds    *credentials.Credentials
	fetchErr error
	fetches  int
	releases []string
}

func (f *fakeLeases) Fetch(token, database, dbType string) (*credentials.Credentials, error) {
	f.fetches++
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	return f.creds, nil
}

func (f *fakeLeases) Release(token, username string) {
	f.releases = append(f.releases, username)
}

type fakeBackend struct {
	handle   any
	openErr  error
	noCreds  bool
	opens    int
	closes   int
	gotCreds *credentials.Credentials
	gotPort  int
}

func (f *fakeBackend) RequiresCredentials() bool { return !f.noCreds }

func (f *fakeBackend) OpenNative(creds *credentials.Credentials, localPort int) (any, error) {
	f.opens++
	f.gotCreds = creds
	f.gotPort = localPort
	if f.openErr != nil {
		return nil, f.openErr
	}
	return f.handle, nil
}

func (f *fakeBackend) CloseNative(handle any) error {
	f.closes++
	return nil
}

type fixture struct {
	resolver *fakeResolver
	control  *fakeControl
	tunnel   *fakeTunnel
	leases   *fakeLeases
	backend  *fakeBackend
	dials    []gateway.Endpoint
}

func newFixture() *fixture {
	return &fixture{
		resolver: &fakeResolver{ep: gateway.Endpoint{Host: "10.0.0.5", Port: 7070}},
		control:  &fakeControl{},
		tunnel:   &fakeTunnel{port: 15432},
		leases: &fakeLeases{creds: &credentials.Credentials{
			Username: "u1", Password: "p1", Host: "h", Port: 5432,
		}},
		backend: &fakeBackend{handle: "native-handle"},
	}
}

func (f *fixture) session() *Session {
	return New(Config{
		Token:    "tok",
		Region:   "ap-south-1",
		Database: "app",
		DBType:   "postgres",
		Label:    "test",
		Resolver: f.resolver,
		DialControl: func(ep gateway.Endpoint) ControlConn {
			f.dials = append(f.dials, ep)
			return f.control
		},
		Tunnel:  f.tunnel,
		Leases:  f.leases,
		Backend: f.backend,
	})
}

// ---- tests ----------------------------------------------------------------

func TestConnectBringUpSequence(t *testing.T) {
	f := newFixture()
	s := f.session()

	handle, err := s.Connect()
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if handle != "native-handle" {
		t.Errorf("handle = %v, want native-handle", handle)
	}

	if len(f.dials) != 1 || f.dials[0] != (gateway.Endpoint{Host: "10.0.0.5", Port: 7070}) {
		t.Errorf("control dialed %v, want the resolved endpoint", f.dials)
	}
	if f.backend.gotPort != 15432 {
		t.Errorf("backend got port %d, want 15432", f.backend.gotPort)
	}
	if f.backend.gotCreds == nil || *f.backend.gotCreds != *f.leases.creds {
		t.Errorf("backend got creds %+v, want the leased bundle", f.backend.gotCreds)
	}
}

func TestConnectIdempotent(t *testing.T) {
	f := newFixture()
	s := f.session()

	h1, err := s.Connect()
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	h2, err := s.Connect()
	if err != nil {
		t.Fatalf("second Connect: %v", err)
	}
	if h1 != h2 {
		t.Errorf("handles differ: %v vs %v", h1, h2)
	}

	if f.resolver.calls != 1 {
		t.Errorf("resolves = %d, want 1", f.resolver.calls)
	}
	if f.control.connects != 1 {
		t.Errorf("control connects = %d, want 1", f.control.connects)
	}
	if f.tunnel.starts != 1 {
		t.Errorf("tunnel starts = %d, want 1", f.tunnel.starts)
	}
	if f.leases.fetches != 1 {
		t.Errorf("credential fetches = %d, want 1", f.leases.fetches)
	}
	if f.backend.opens != 1 {
		t.Errorf("native opens = %d, want 1", f.backend.opens)
	}
}

func TestConnectAfterCloseFails(t *testing.T) {
	f := newFixture()
	s := f.session()
	s.Close()

	if _, err := s.Connect(); !bberrors.IsConnection(err) {
		t.Errorf("Connect after Close = %v, want connection kind", err)
	}
}

func TestCloseIdempotent(t *testing.T) {
	f := newFixture()
	s := f.session()

	if _, err := s.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	s.Close()
	s.Close()
	s.Close()

	if f.backend.closes != 1 {
		t.Errorf("native closes = %d, want 1", f.backend.closes)
	}
	if f.tunnel.stops != 1 {
		t.Errorf("tunnel stops = %d, want 1", f.tunnel.stops)
	}
	if len(f.leases.releases) != 1 || f.leases.releases[0] != "u1" {
		t.Errorf("releases = %v, want exactly [u1]", f.leases.releases)
	}
	if f.control.closes != 1 {
		t.Errorf("control closes = %d, want 1", f.control.closes)
	}
}

func TestCloseBeforeConnect(t *testing.T) {
	f := newFixture()
	s := f.session()
	s.Close()

	if f.backend.closes != 0 {
		t.Errorf("native closes = %d, want 0", f.backend.closes)
	}
	if len(f.leases.releases) != 0 {
		t.Errorf("releases = %v, want none", f.leases.releases)
	}
	if !s.Closed() {
		t.Error("Closed() = false after Close")
	}
}

func TestResolveFailureAbortsEarly(t *testing.T) {
	f := newFixture()
	f.resolver.err = bberrors.Resolutionf("resolver down")
	s := f.session()

	if _, err := s.Connect(); !bberrors.IsResolution(err) {
		t.Fatalf("error = %v, want resolution kind", err)
	}
	if f.control.connects != 0 || f.tunnel.starts != 0 || f.leases.fetches != 0 {
		t.Error("later bring-up steps ran after resolve failure")
	}
}

func TestHandshakeFailureClosesNothingElse(t *testing.T) {
	f := newFixture()
	f.control.connectErr = bberrors.Gatewayf("handshake refused")
	s := f.session()

	if _, err := s.Connect(); !bberrors.IsGateway(err) {
		t.Fatalf("error = %v, want gateway kind", err)
	}
	if f.tunnel.starts != 0 {
		t.Error("tunnel started after handshake failure")
	}
}

func TestLeaseFailureRollsBack(t *testing.T) {
	f := newFixture()
	f.leases.fetchErr = bberrors.Credentialf("pool exhausted")
	s := f.session()

	if _, err := s.Connect(); !bberrors.IsCredential(err) {
		t.Fatalf("error = %v, want credential kind", err)
	}
	if f.tunnel.stops != 1 {
		t.Errorf("tunnel stops = %d, want 1 (rollback)", f.tunnel.stops)
	}
	if f.control.closes != 1 {
		t.Errorf("control closes = %d, want 1 (rollback)", f.control.closes)
	}
	if f.backend.opens != 0 {
		t.Error("native open ran after lease failure")
	}
}

func TestNativeOpenFailureRollsBackEverything(t *testing.T) {
	f := newFixture()
	f.backend.openErr = bberrors.Connectionf("driver refused")
	s := f.session()

	if _, err := s.Connect(); !bberrors.IsConnection(err) {
		t.Fatalf("error = %v, want connection kind", err)
	}
	if len(f.leases.releases) != 1 || f.leases.releases[0] != "u1" {
		t.Errorf("releases = %v, want the leased username released", f.leases.releases)
	}
	if f.tunnel.stops != 1 || f.control.closes != 1 {
		t.Error("tunnel/control not rolled back after native open failure")
	}
}

func TestRetryAfterFailedBringUp(t *testing.T) {
	f := newFixture()
	f.leases.fetchErr = bberrors.Credentialf("transient")
	s := f.session()

	if _, err := s.Connect(); err == nil {
		t.Fatal("first Connect succeeded, want failure")
	}

	// A failed bring-up leaves the session retryable.
	f.leases.fetchErr = nil
	handle, err := s.Connect()
	if err != nil {
		t.Fatalf("retry Connect: %v", err)
	}
	if handle != "native-handle" {
		t.Errorf("handle = %v, want native-handle", handle)
	}
}

func TestNoCredentialBackendSkipsBroker(t *testing.T) {
	f := newFixture()
	f.backend.noCreds = true
	s := f.session()

	if _, err := s.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if f.leases.fetches != 0 {
		t.Errorf("fetches = %d, want 0 for a no-credential backend", f.leases.fetches)
	}
	if f.backend.gotCreds != nil {
		t.Errorf("backend got creds %+v, want nil", f.backend.gotCreds)
	}

	s.Close()
	if len(f.leases.releases) != 0 {
		t.Errorf("releases = %v, want none", f.leases.releases)
	}
}

func TestConcurrentCloseRunsTeardownOnce(t *testing.T) {
	f := newFixture()
	s := f.session()
	if _, err := s.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Close()
		}()
	}
	wg.Wait()

	if f.backend.closes != 1 {
		t.Errorf("native closes = %d, want 1", f.backend.closes)
	}
	if len(f.leases.releases) != 1 {
		t.Errorf("releases = %v, want exactly one", f.leases.releases)
	}
	if f.control.closes != 1 {
		t.Errorf("control closes = %d, want 1", f.control.closes)
	}
}

func TestConcurrentConnectOneOutcome(t *testing.T) {
	f := newFixture()
	s := f.session()

	var wg sync.WaitGroup
	handles := make([]any, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h, err := s.Connect()
			if err != nil {
				t.Errorf("Connect: %v", err)
				return
			}
			handles[i] = h
		}(i)
	}
	wg.Wait()

	for i, h := range handles {
		if h != "native-handle" {
			t.Errorf("handles[%d] = %v, want native-handle", i, h)
		}
	}
	if f.backend.opens != 1 {
		t.Errorf("native opens = %d, want 1", f.backend.opens)
	}
}
