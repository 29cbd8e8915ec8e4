// Package clickhouse adapts a bridgebase session to ClickHouse. The native
// handle returned from Connect is a driver.Conn (clickhouse-go native
// protocol) dialed through the local tunnel.
package clickhouse

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/bridgebase-cloud/bridgebase-go/credentials"
	bberrors "github.com/bridgebase-cloud/bridgebase-go/errors"
)

// DBType is the backend discriminator sent to the credential service.
const DBType = "clickhouse"

// Backend implements session.Backend for ClickHouse.
type Backend struct {
	// Database to connect to. Empty defaults to "default".
	Database string
}

func (b *Backend) OpenNative(creds *credentials.Credentials, localPort int) (any, error) {
	if creds == nil {
		return nil, bberrors.Connectionf("clickhouse backend requires credentials")
	}
	database := b.Database
	if database == "" {
		database = "default"
	}

	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{fmt.Sprintf("127.0.0.1:%d", localPort)},
		Auth: clickhouse.Auth{
			Database: database,
			Username: creds.Username,
			Password: creds.Password,
		},
		DialTimeout: 10 * time.Second,
	})
	if err != nil {
		return nil, bberrors.Connectionf("clickhouse connection failed: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := conn.Ping(ctx); err != nil {
		conn.Close()
		return nil, bberrors.Connectionf("clickhouse connection failed: %w", err)
	}
	return conn, nil
}

func (b *Backend) CloseNative(handle any) error {
	conn, ok := handle.(driver.Conn)
	if !ok {
		return fmt.Errorf("unexpected native handle %T", handle)
	}
	return conn.Close()
}
