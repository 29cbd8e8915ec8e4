package controlplane

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/fernet/fernet-go"
	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/bridgebase-cloud/bridgebase-go/internal/obs"
)

// Lease is one outstanding credential lease. Passwords are stored fernet-
// encrypted; the plaintext only leaves the store at creation time.
type Lease struct {
	ID                uint   `gorm:"primarykey"`
	Username          string `gorm:"uniqueIndex"`
	EncryptedPassword string
	Database          string
	DBType            string
	CreatedAt         time.Time
	ReleasedAt        *time.Time
}

// Setting is a key/value row; used for the persisted fernet key.
type Setting struct {
	Key   string `gorm:"primarykey"`
	Value string
}

// Store persists leases in sqlite.
type Store struct {
	db  *gorm.DB
	key *fernet.Key
}

// OpenStore opens (or creates) the sqlite database at path and loads or
// generates the fernet key.
func OpenStore(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.AutoMigrate(&Lease{}, &Setting{}); err != nil {
		return nil, fmt.Errorf("auto-migrate: %w", err)
	}

	s := &Store{db: db}
	if err := s.loadKey(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) loadKey() error {
	var setting Setting
	err := s.db.First(&setting, "key = ?", "fernet_key").Error
	if err == gorm.ErrRecordNotFound {
		var k fernet.Key
		if err := k.Generate(); err != nil {
			return fmt.Errorf("generate fernet key: %w", err)
		}
		if err := s.db.Create(&Setting{Key: "fernet_key", Value: k.Encode()}).Error; err != nil {
			return fmt.Errorf("save fernet key: %w", err)
		}
		s.key = &k
		return nil
	}
	if err != nil {
		return fmt.Errorf("load fernet key: %w", err)
	}
	key, err := fernet.DecodeKey(setting.Value)
	if err != nil {
		return fmt.Errorf("decode fernet key: %w", err)
	}
	s.key = key
	return nil
}

// CreateLease mints a fresh username/password pair and persists it.
// The plaintext password is returned exactly once.
func (s *Store) CreateLease(database, dbType string) (username, password string, err error) {
	username = "lease-" + uuid.NewString()[:8]

	raw := make([]byte, 16)
	if _, err = rand.Read(raw); err != nil {
		return "", "", fmt.Errorf("generate password: %w", err)
	}
	password = hex.EncodeToString(raw)

	enc, err := fernet.EncryptAndSign([]byte(password), s.key)
	if err != nil {
		return "", "", fmt.Errorf("encrypt password: %w", err)
	}

	lease := Lease{
		Username:          username,
		EncryptedPassword: string(enc),
		Database:          database,
		DBType:            dbType,
	}
	if err = s.db.Create(&lease).Error; err != nil {
		return "", "", fmt.Errorf("create lease: %w", err)
	}

	obs.LeasesActive.Inc()
	return username, password, nil
}

// Password decrypts the stored password for username.
func (s *Store) Password(username string) (string, error) {
	var lease Lease
	if err := s.db.First(&lease, "username = ?", username).Error; err != nil {
		return "", fmt.Errorf("lease %s: %w", username, err)
	}
	msg := fernet.VerifyAndDecrypt([]byte(lease.EncryptedPassword), 0, []*fernet.Key{s.key})
	if msg == nil {
		return "", fmt.Errorf("lease %s: invalid ciphertext", username)
	}
	return string(msg), nil
}

// ReleaseLease marks the lease released. It reports whether a live lease
// was found; releasing twice is not an error.
func (s *Store) ReleaseLease(username string) (bool, error) {
	now := time.Now()
	res := s.db.Model(&Lease{}).
		Where("username = ? AND released_at IS NULL", username).
		Update("released_at", &now)
	if res.Error != nil {
		return false, fmt.Errorf("release lease %s: %w", username, res.Error)
	}
	if res.RowsAffected > 0 {
		obs.LeasesActive.Dec()
		return true, nil
	}
	return false, nil
}

// ReapExpired releases every live lease older than ttl and returns how
// many it released.
func (s *Store) ReapExpired(ttl time.Duration) (int, error) {
	cutoff := time.Now().Add(-ttl)
	now := time.Now()
	res := s.db.Model(&Lease{}).
		Where("released_at IS NULL AND created_at < ?", cutoff).
		Update("released_at", &now)
	if res.Error != nil {
		return 0, fmt.Errorf("reap leases: %w", res.Error)
	}
	n := int(res.RowsAffected)
	if n > 0 {
		obs.LeasesActive.Sub(float64(n))
		obs.LeasesReapedTotal.Add(float64(n))
	}
	return n, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
