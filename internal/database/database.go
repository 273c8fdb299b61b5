package database

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/minhtuancn/server-monitor-sub005/internal/config"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var DB *gorm.DB

func Init() error {
	dbPath := config.Cfg.DatabasePath
	dbDir := filepath.Dir(dbPath)
	if dbDir != "" {
		if err := os.MkdirAll(dbDir, 0755); err != nil {
			return fmt.Errorf("create db directory: %w", err)
		}
	}

	var err error
	DB, err = gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}

	sqlDB, err := DB.DB()
	if err != nil {
		return fmt.Errorf("get sql.DB: %w", err)
	}
	if _, err := sqlDB.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return fmt.Errorf("set WAL mode: %w", err)
	}

	if err := DB.AutoMigrate(&Server{}, &Credential{}, &SessionRecord{}, &AuditLog{}, &Setting{}); err != nil {
		return fmt.Errorf("auto-migrate: %w", err)
	}

	return nil
}

func Close() error {
	if DB != nil {
		sqlDB, err := DB.DB()
		if err != nil {
			return err
		}
		return sqlDB.Close()
	}
	return nil
}

func GetSetting(key string) (string, error) {
	var s Setting
	if err := DB.Where("key = ?", key).First(&s).Error; err != nil {
		return "", err
	}
	return s.Value, nil
}

func SetSetting(key, value string) error {
	return DB.Where("key = ?", key).Assign(Setting{Value: value}).FirstOrCreate(&Setting{Key: key}).Error
}

// Server helpers

func GetServer(id uint) (*Server, error) {
	var s Server
	if err := DB.First(&s, id).Error; err != nil {
		return nil, err
	}
	return &s, nil
}

func ListServers() ([]Server, error) {
	var servers []Server
	if err := DB.Order("id").Find(&servers).Error; err != nil {
		return nil, err
	}
	return servers, nil
}

func CreateServer(s *Server) error {
	return DB.Create(s).Error
}

// SetServerHostKeyFingerprint records the host key seen on first connect.
func SetServerHostKeyFingerprint(id uint, fingerprint string) error {
	return DB.Model(&Server{}).Where("id = ?", id).Update("host_key_fingerprint", fingerprint).Error
}

// Credential helpers. List and Get exclude soft-deleted rows; GetCredential
// returns the full row including sealed material, for vault use only.

func CreateCredential(c *Credential) error {
	return DB.Create(c).Error
}

func GetCredential(id string) (*Credential, error) {
	var c Credential
	if err := DB.Where("id = ? AND deleted_at IS NULL", id).First(&c).Error; err != nil {
		return nil, err
	}
	return &c, nil
}

func ListCredentials() ([]Credential, error) {
	var creds []Credential
	if err := DB.Where("deleted_at IS NULL").Order("created_at").Find(&creds).Error; err != nil {
		return nil, err
	}
	return creds, nil
}

// SoftDeleteCredential marks a credential deleted without removing the row.
func SoftDeleteCredential(id string) error {
	now := time.Now()
	result := DB.Model(&Credential{}).Where("id = ? AND deleted_at IS NULL", id).Update("deleted_at", &now)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// Session record helpers

func CreateSessionRecord(rec *SessionRecord) error {
	return DB.Create(rec).Error
}

func UpdateSessionRecord(id string, updates map[string]interface{}) error {
	return DB.Model(&SessionRecord{}).Where("id = ?", id).Updates(updates).Error
}

func ListSessionRecords() ([]SessionRecord, error) {
	var recs []SessionRecord
	if err := DB.Order("started_at DESC").Find(&recs).Error; err != nil {
		return nil, err
	}
	return recs, nil
}

// ListSessionRecordsByStatus returns records in any of the given statuses.
func ListSessionRecordsByStatus(statuses ...string) ([]SessionRecord, error) {
	var recs []SessionRecord
	if err := DB.Where("status IN ?", statuses).Find(&recs).Error; err != nil {
		return nil, err
	}
	return recs, nil
}
