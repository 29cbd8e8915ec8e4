// Package gateway resolves the remote gateway endpoint and maintains the
// persistent authenticated control socket to it.
package gateway

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	bberrors "github.com/bridgebase-cloud/bridgebase-go/errors"
	"github.com/bridgebase-cloud/bridgebase-go/internal/logutil"
)

const resolvePath = "/gateway/resolve"

// DefaultGatewayPort is used when the resolver response omits the port.
const DefaultGatewayPort = 3001

// Endpoint is a resolved gateway host/port pair.
type Endpoint struct {
	Host string
	Port int
}

func (e Endpoint) Addr() string { return fmt.Sprintf("%s:%d", e.Host, e.Port) }

// Resolver maps a region to a gateway endpoint via the control-plane API.
// Results are cached per region for the lifetime of the instance, so
// repeated Resolve calls with the same region issue at most one request
// (a benign duplicate is possible on a first-ever concurrent miss).
// Safe for concurrent use.
type Resolver struct {
	baseURL string
	client  *http.Client

	mu    sync.Mutex
	cache map[string]Endpoint
}

// NewResolver creates a resolver against the control-plane base URL.
// A nil client falls back to a 10s-timeout default.
func NewResolver(baseURL string, client *http.Client) *Resolver {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Resolver{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
		cache:   make(map[string]Endpoint),
	}
}

// Resolve returns the gateway endpoint for region, calling the API on a
// cache miss.
func (r *Resolver) Resolve(region, token string) (Endpoint, error) {
	r.mu.Lock()
	if ep, ok := r.cache[region]; ok {
		r.mu.Unlock()
		return ep, nil
	}
	r.mu.Unlock()

	// HTTP round trip outside the lock so other regions are not blocked.
	ep, err := r.fetch(region, token)
	if err != nil {
		return Endpoint{}, err
	}

	r.mu.Lock()
	r.cache[region] = ep
	r.mu.Unlock()

	return ep, nil
}

// Invalidate drops the cached endpoint for region so the next Resolve
// issues a fresh request.
func (r *Resolver) Invalidate(region string) {
	r.mu.Lock()
	delete(r.cache, region)
	r.mu.Unlock()
}

// InvalidateAll clears the whole cache.
func (r *Resolver) InvalidateAll() {
	r.mu.Lock()
	r.cache = make(map[string]Endpoint)
	r.mu.Unlock()
}

func (r *Resolver) fetch(region, token string) (Endpoint, error) {
	body, err := json.Marshal(map[string]string{"region": region})
	if err != nil {
		return Endpoint{}, bberrors.Resolutionf("marshal resolve request: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, r.baseURL+resolvePath, bytes.NewReader(body))
	if err != nil {
		return Endpoint{}, bberrors.Resolutionf("create resolve request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := r.client.Do(req)
	if err != nil {
		return Endpoint{}, bberrors.Resolutionf("gateway resolver unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return Endpoint{}, bberrors.Authf("token rejected by gateway resolver")
	}
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return Endpoint{}, bberrors.Resolutionf("gateway resolver returned HTTP %d: %s",
			resp.StatusCode, logutil.Sanitize(string(raw)))
	}

	var payload struct {
		Host    string `json:"host"`
		DNSName string `json:"dns_name"`
		Port    int    `json:"port"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return Endpoint{}, bberrors.Resolutionf("malformed resolver response: %w", err)
	}

	host := payload.Host
	if host == "" {
		host = payload.DNSName
	}
	if host == "" {
		return Endpoint{}, bberrors.Resolutionf("resolver response missing host")
	}
	port := payload.Port
	if port == 0 {
		port = DefaultGatewayPort
	}

	ep := Endpoint{Host: host, Port: port}
	log.Printf("gateway: resolved region %s -> %s", logutil.Sanitize(region), ep.Addr())
	return ep, nil
}
