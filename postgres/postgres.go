// Package postgres adapts a bridgebase session to PostgreSQL. The native
// handle returned from Connect is a *gorm.DB dialed through the local
// tunnel.
package postgres

import (
	"fmt"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/bridgebase-cloud/bridgebase-go/credentials"
	bberrors "github.com/bridgebase-cloud/bridgebase-go/errors"
)

// DBType is the backend discriminator sent to the credential service.
const DBType = "postgres"

// Backend implements session.Backend for PostgreSQL.
type Backend struct {
	// Database to connect to. Empty defaults to "postgres".
	Database string
}

func (b *Backend) OpenNative(creds *credentials.Credentials, localPort int) (any, error) {
	if creds == nil {
		return nil, bberrors.Connectionf("postgres backend requires credentials")
	}
	dbname := b.Database
	if dbname == "" {
		dbname = "postgres"
	}

	dsn := fmt.Sprintf("host=127.0.0.1 port=%d user=%s password=%s dbname=%s sslmode=disable",
		localPort, creds.Username, creds.Password, dbname)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, bberrors.Connectionf("postgres connection failed: %w", err)
	}
	return db, nil
}

func (b *Backend) CloseNative(handle any) error {
	db, ok := handle.(*gorm.DB)
	if !ok {
		return fmt.Errorf("unexpected native handle %T", handle)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
