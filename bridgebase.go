// Package bridgebase is a multi-database SDK that returns native driver
// handles tunneled through an authenticated gateway socket.
//
// A Client is a factory for sessions. Each session resolves the gateway
// for the client's region, opens the control socket, starts a loopback
// tunnel, leases credentials when the backend needs them, and hands back
// the native driver client:
//
//	sdk := bridgebase.New("ap-south-1")
//
//	sess := sdk.Postgres(token, "app")
//	db, err := sess.Connect() // *gorm.DB
//	if err != nil {
//		// errors.IsAuth / IsGateway / ... classify the failure
//	}
//	defer sess.Close()
package bridgebase

import (
	"net/http"

	"github.com/bridgebase-cloud/bridgebase-go/clickhouse"
	"github.com/bridgebase-cloud/bridgebase-go/credentials"
	"github.com/bridgebase-cloud/bridgebase-go/gateway"
	"github.com/bridgebase-cloud/bridgebase-go/mysql"
	"github.com/bridgebase-cloud/bridgebase-go/postgres"
	"github.com/bridgebase-cloud/bridgebase-go/proxy"
	"github.com/bridgebase-cloud/bridgebase-go/redis"
	"github.com/bridgebase-cloud/bridgebase-go/session"
)

// DefaultBaseURL is the production control-plane API root.
const DefaultBaseURL = "https://api.bridgebase.io"

// Client creates sessions that return native database clients. One Client
// can serve many sessions; the resolved gateway endpoint is cached across
// them.
type Client struct {
	region      string
	baseURL     string
	useTLS      bool
	gatewayHost string
	gatewayPort int
	httpClient  *http.Client

	resolver *gateway.Resolver
	leases   *credentials.Client
}

// New creates a Client for region. Options override the control-plane URL,
// TLS behavior and, for development, the resolver itself.
func New(region string, opts ...Option) *Client {
	c := &Client{
		region:  region,
		baseURL: DefaultBaseURL,
		useTLS:  true,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.resolver = gateway.NewResolver(c.baseURL, c.httpClient)
	c.leases = credentials.NewClient(c.baseURL, c.httpClient)
	return c
}

// InvalidateEndpoints clears the cached gateway resolution so the next
// session re-resolves, e.g. after a topology change.
func (c *Client) InvalidateEndpoints() { c.resolver.InvalidateAll() }

// NewSession creates a session around a custom backend. database and
// dbType are forwarded to the credential service when the backend requires
// credentials; label names the backend in logs.
func (c *Client) NewSession(token string, backend session.Backend, database, dbType, label string) *session.Session {
	var resolver session.EndpointResolver = c.resolver
	if c.gatewayHost != "" {
		// Development override: skip the resolver entirely.
		resolver = staticResolver{ep: gateway.Endpoint{Host: c.gatewayHost, Port: c.gatewayPort}}
	}
	return session.New(session.Config{
		Token:    token,
		Region:   c.region,
		Database: database,
		DBType:   dbType,
		Label:    label,
		Resolver: resolver,
		DialControl: func(ep gateway.Endpoint) session.ControlConn {
			return gateway.NewConn(ep, token, c.useTLS)
		},
		Tunnel:  proxy.NewManager(),
		Leases:  c.leases,
		Backend: backend,
	})
}

// Postgres creates a PostgreSQL session. Connect returns a *gorm.DB.
func (c *Client) Postgres(token, database string) *session.Session {
	return c.NewSession(token, &postgres.Backend{Database: database}, database, postgres.DBType, "postgres")
}

// MySQL creates a MySQL session. Connect returns a *gorm.DB.
func (c *Client) MySQL(token, database string) *session.Session {
	return c.NewSession(token, &mysql.Backend{Database: database}, database, mysql.DBType, "mysql")
}

// Redis creates a Redis/Valkey session against logical database db.
// Connect returns a *redis.Client. No credentials are leased.
func (c *Client) Redis(token string, db int) *session.Session {
	return c.NewSession(token, &redis.Backend{DB: db}, "", redis.DBType, "redis")
}

// ClickHouse creates a ClickHouse session. Connect returns a driver.Conn.
func (c *Client) ClickHouse(token, database string) *session.Session {
	return c.NewSession(token, &clickhouse.Backend{Database: database}, database, clickhouse.DBType, "clickhouse")
}

// staticResolver serves a fixed endpoint for the dev gateway override.
type staticResolver struct {
	ep gateway.Endpoint
}

func (s staticResolver) Resolve(string, string) (gateway.Endpoint, error) {
	ep := s.ep
	if ep.Port == 0 {
		ep.Port = gateway.DefaultGatewayPort
	}
	return ep, nil
}
