// Package controlplane implements the development control plane + gateway
// behind cmd/bridged: the HTTP lease/resolve surface consumed by the SDK
// and the TCP side of the control-socket handshake, relaying tunneled
// bytes to a configurable upstream.
package controlplane

import (
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Settings is the bridged runtime configuration, read from BRIDGED_*
// environment variables.
type Settings struct {
	ListenAddr   string        `envconfig:"LISTEN_ADDR" default:":8000"`
	GatewayAddr  string        `envconfig:"GATEWAY_ADDR" default:":3001"`
	UpstreamAddr string        `envconfig:"UPSTREAM_ADDR" default:"127.0.0.1:5432"`
	DatabasePath string        `envconfig:"DATABASE_PATH" default:"bridged.db"`
	LeaseTTL     time.Duration `envconfig:"LEASE_TTL" default:"1h"`

	// AdvertisedHost/AdvertisedPort are returned by /gateway/resolve; they
	// must be reachable from the SDK's point of view.
	AdvertisedHost string `envconfig:"ADVERTISED_HOST" default:"127.0.0.1"`
	AdvertisedPort int    `envconfig:"ADVERTISED_PORT" default:"3001"`

	// JWTSecret enables HS256 bearer-token verification. Empty accepts any
	// non-empty token (development mode).
	JWTSecret string `envconfig:"JWT_SECRET" default:""`

	// Optional TLS for the gateway listener.
	TLSCert string `envconfig:"TLS_CERT" default:""`
	TLSKey  string `envconfig:"TLS_KEY" default:""`
}

// LoadSettings reads Settings from the environment.
func LoadSettings() (Settings, error) {
	var s Settings
	if err := envconfig.Process("BRIDGED", &s); err != nil {
		return Settings{}, err
	}
	return s, nil
}
