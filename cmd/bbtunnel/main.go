// bbtunnel brings up a bridgebase session without a native driver: it
// resolves the gateway, authenticates the control socket, starts the local
// tunnel and prints the loopback address to connect to. Useful for pointing
// arbitrary database tooling at a gateway-fronted database.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	flag "github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/bridgebase-cloud/bridgebase-go"
	"github.com/bridgebase-cloud/bridgebase-go/credentials"
)

type fileConfig struct {
	Region      string `yaml:"region"`
	APIBaseURL  string `yaml:"api_base_url"`
	Token       string `yaml:"token"`
	Insecure    bool   `yaml:"insecure"`
	GatewayHost string `yaml:"gateway_host"`
	GatewayPort int    `yaml:"gateway_port"`
	Database    string `yaml:"database"`
	DBType      string `yaml:"db_type"`
	Lease       bool   `yaml:"lease"`
}

func main() {
	var (
		configPath  = flag.String("config", "", "YAML config file (flags override it)")
		region      = flag.String("region", "", "cloud region identifier")
		apiBase     = flag.String("api", "", "control-plane API base URL")
		token       = flag.String("token", "", "bearer token")
		insecure    = flag.Bool("insecure", false, "disable TLS on the gateway socket")
		gatewayHost = flag.String("gateway-host", "", "skip the resolver and connect to this host (dev)")
		gatewayPort = flag.Int("gateway-port", 0, "gateway port for --gateway-host")
		database    = flag.String("database", "", "database name hint for the credential lease")
		dbType      = flag.String("db-type", "", "backend kind hint for the credential lease")
		lease       = flag.Bool("lease", false, "lease credentials and print them")
	)
	flag.Parse()

	cfg := fileConfig{}
	if *configPath != "" {
		raw, err := os.ReadFile(*configPath)
		if err != nil {
			log.Fatalf("read config: %v", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			log.Fatalf("parse config: %v", err)
		}
	}

	// Flags win over the config file.
	apply := func(flagVal, fileVal string) string {
		if flagVal != "" {
			return flagVal
		}
		return fileVal
	}
	cfg.Region = apply(*region, cfg.Region)
	cfg.APIBaseURL = apply(*apiBase, cfg.APIBaseURL)
	cfg.Token = apply(*token, cfg.Token)
	cfg.GatewayHost = apply(*gatewayHost, cfg.GatewayHost)
	cfg.Database = apply(*database, cfg.Database)
	cfg.DBType = apply(*dbType, cfg.DBType)
	if *gatewayPort != 0 {
		cfg.GatewayPort = *gatewayPort
	}
	cfg.Insecure = cfg.Insecure || *insecure
	cfg.Lease = cfg.Lease || *lease

	if cfg.Token == "" {
		log.Fatal("a bearer token is required (--token or config file)")
	}

	opts := []bridgebase.Option{bridgebase.FromEnv()}
	if cfg.APIBaseURL != "" {
		opts = append(opts, bridgebase.WithBaseURL(cfg.APIBaseURL))
	}
	if cfg.Insecure {
		opts = append(opts, bridgebase.WithoutTLS())
	}
	if cfg.GatewayHost != "" {
		opts = append(opts, bridgebase.WithGatewayAddr(cfg.GatewayHost, cfg.GatewayPort))
	}

	sdk := bridgebase.New(cfg.Region, opts...)
	sess := sdk.NewSession(cfg.Token, &passthroughBackend{lease: cfg.Lease}, cfg.Database, cfg.DBType, "tunnel")

	if _, err := sess.Connect(); err != nil {
		log.Fatalf("connect: %v", err)
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-sigCtx.Done()

	log.Println("closing tunnel...")
	sess.Close()
}

// passthroughBackend opens no native driver; it just reports the tunnel
// address (and leased credentials, when requested) to the user.
type passthroughBackend struct {
	lease bool
}

func (b *passthroughBackend) RequiresCredentials() bool { return b.lease }

func (b *passthroughBackend) OpenNative(creds *credentials.Credentials, localPort int) (any, error) {
	fmt.Printf("tunnel ready on 127.0.0.1:%d\n", localPort)
	if creds != nil {
		fmt.Printf("username: %s\npassword: %s\n", creds.Username, creds.Password)
	}
	return localPort, nil
}

func (b *passthroughBackend) CloseNative(any) error { return nil }
