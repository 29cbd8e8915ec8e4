// Package mysql adapts a bridgebase session to MySQL. The native handle
// returned from Connect is a *gorm.DB dialed through the local tunnel.
package mysql

import (
	"fmt"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/bridgebase-cloud/bridgebase-go/credentials"
	bberrors "github.com/bridgebase-cloud/bridgebase-go/errors"
)

// DBType is the backend discriminator sent to the credential service.
const DBType = "mysql"

// Backend implements session.Backend for MySQL.
type Backend struct {
	// Database to connect to. Empty selects no default schema.
	Database string
}

func (b *Backend) OpenNative(creds *credentials.Credentials, localPort int) (any, error) {
	if creds == nil {
		return nil, bberrors.Connectionf("mysql backend requires credentials")
	}

	dsn := fmt.Sprintf("%s:%s@tcp(127.0.0.1:%d)/%s?parseTime=true",
		creds.Username, creds.Password, localPort, b.Database)
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, bberrors.Connectionf("mysql connection failed: %w", err)
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
