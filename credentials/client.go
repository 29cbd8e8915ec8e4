// Package credentials fetches and releases session-bound database
// credentials from the control-plane API.
//
// No TTL tracking and no auto-refresh in this phase; every session fetches
// its own lease and releases it exactly once on close.
package credentials

import (
	"bytes"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	bberrors "github.com/bridgebase-cloud/bridgebase-go/errors"
	"github.com/bridgebase-cloud/bridgebase-go/internal/logutil"
)

const (
	fetchPath   = "/db/credentials"
	releasePath = "/db/release"
)

// Credentials is the opaque lease bundle returned by the control plane.
// The username doubles as the handle used to release the lease.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
}

// Client talks to the control plane's lease endpoints. A single instance
// can be shared across sessions with different tokens.
type Client struct {
	baseURL string
	client  *http.Client
}

// NewClient creates a lease client against the control-plane base URL.
// A nil http client falls back to a 10s-timeout default.
func NewClient(baseURL string, client *http.Client) *Client {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

// Fetch leases a fresh credential bundle. database and dbType are optional
// hints forwarded to the control plane so it allocates from the right pool.
func (c *Client) Fetch(token, database, dbType string) (*Credentials, error) {
	body := map[string]string{}
	if database != "" {
		body["database"] = database
	}
	if dbType != "" {
		body["db_type"] = dbType
	}

	resp, err := c.post(fetchPath, token, body)
	if err != nil {
		return nil, bberrors.Credentialf("credential request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return nil, bberrors.Authf("token rejected by credential service")
	}
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, bberrors.Credentialf("credential service returned HTTP %d: %s",
			resp.StatusCode, logutil.Sanitize(string(raw)))
	}

	var creds Credentials
	if err := json.NewDecoder(resp.Body).Decode(&creds); err != nil {
		return nil, bberrors.Credentialf("malformed credential response: %w", err)
	}
	if creds.Username == "" || creds.Password == "" || creds.Host == "" {
		return nil, bberrors.Credentialf("credential response missing fields")
	}

	log.Printf("credentials: lease obtained for user=%s host=%s:%d",
		creds.Username, creds.Host, creds.Port)
	return &creds, nil
}

// Release notifies the control plane that the lease for username is done
// so the credential can be rotated. Best-effort: it runs during teardown,
// so failures are logged and swallowed rather than aborting later cleanup.
func (c *Client) Release(token, username string) {
	resp, err := c.post(releasePath, token, map[string]string{"username": username})
	if err != nil {
		log.Printf("credentials: release request for user=%s failed: %v", username, err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		log.Printf("credentials: release for user=%s returned HTTP %d: %s",
			username, resp.StatusCode, logutil.Sanitize(string(raw)))
	}
}

func (c *Client) post(path, token string, body any) (*http.Response, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequest(http.MethodPost, c.baseURL+path, bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	return c.client.Do(req)
}
