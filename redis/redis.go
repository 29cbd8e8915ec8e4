// Package redis adapts a bridgebase session to Redis or Valkey (the two
// are API-identical). The native handle returned from Connect is a
// *redis.Client dialed through the local tunnel.
//
// Redis access control lives at the gateway, so this backend opts out of
// credential leasing.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/bridgebase-cloud/bridgebase-go/credentials"
	bberrors "github.com/bridgebase-cloud/bridgebase-go/errors"
)

// DBType is the backend discriminator sent to the credential service.
const DBType = "redis"

// Backend implements session.Backend for Redis.
type Backend struct {
	// DB is the logical database index.
	DB int
}

// RequiresCredentials reports that Redis sessions skip the lease broker.
func (b *Backend) RequiresCredentials() bool { return false }

func (b *Backend) OpenNative(_ *credentials.Credentials, localPort int) (any, error) {
	client := redis.NewClient(&redis.Options{
		Addr: fmt.Sprintf("127.0.0.1:%d", localPort),
		DB:   b.DB,
	})

	// Verify the connection is alive before handing it out.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, bberrors.Connectionf("redis connection failed: %w", err)
	}
	return client, nil
}

func (b *Backend) CloseNative(handle any) error {
	client, ok := handle.(*redis.Client)
	if !ok {
		return fmt.Errorf("unexpected native handle %T", handle)
	}
	return client.Close()
}
