package bridgebase

import (
	"log"
	"net/http"

	"github.com/kelseyhightower/envconfig"
)

// Option configures a Client.
type Option func(*Client)

// WithBaseURL overrides the control-plane API root.
func WithBaseURL(url string) Option {
	return func(c *Client) { c.baseURL = url }
}

// WithoutTLS disables TLS on the gateway control socket. Development only.
func WithoutTLS() Option {
	return func(c *Client) { c.useTLS = false }
}

// WithGatewayAddr skips the resolver and connects control sockets directly
// to host:port. Development only. A zero port uses the default gateway
// port.
func WithGatewayAddr(host string, port int) Option {
	return func(c *Client) {
		c.gatewayHost = host
		c.gatewayPort = port
	}
}

// WithHTTPClient replaces the HTTP client used for resolver and lease
// calls. The default carries a 10s timeout.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) { c.httpClient = client }
}

type envSettings struct {
	APIBaseURL  string `envconfig:"API_BASE_URL"`
	Insecure    bool   `envconfig:"INSECURE" default:"false"`
	GatewayHost string `envconfig:"GATEWAY_HOST"`
	GatewayPort int    `envconfig:"GATEWAY_PORT" default:"0"`
}

// FromEnv layers BRIDGEBASE_* environment variables over the current
// options: BRIDGEBASE_API_BASE_URL, BRIDGEBASE_INSECURE,
// BRIDGEBASE_GATEWAY_HOST, BRIDGEBASE_GATEWAY_PORT.
func FromEnv() Option {
	return func(c *Client) {
		var s envSettings
		if err := envconfig.Process("BRIDGEBASE", &s); err != nil {
			log.Printf("bridgebase: ignoring malformed environment config: %v", err)
			return
		}
		if s.APIBaseURL != "" {
			c.baseURL = s.APIBaseURL
		}
		if s.Insecure {
			c.useTLS = false
		}
		if s.GatewayHost != "" {
			c.gatewayHost = s.GatewayHost
			c.gatewayPort = s.GatewayPort
		}
	}
}
