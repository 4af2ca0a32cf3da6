package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"eg4-monitor/internal/features"

	"github.com/samber/lo"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

var ErrNotFound = errors.New("capability record not found")

type Database struct {
	db *gorm.DB
}

func NewDatabase(path string) (*Database, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.AutoMigrate(&DeviceCapability{}, &DetectionEvent{}); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return &Database{db: db}, nil
}

// SaveCapability replaces the stored record for rec.Serial and appends a
// history event.
func (d *Database) SaveCapability(rec features.CapabilityRecord) error {
	row := newDeviceCapability(rec)
	event := &DetectionEvent{
		Timestamp: rec.DetectedAt,
		Serial:    rec.Serial,
		Family:    rec.Family,
		Supported: strings.Join(lo.Map(rec.Features.Supported(), func(f features.Feature, _ int) string {
			return f.String()
		}), ","),
		Complete:   rec.Complete,
		ProbeError: rec.ProbeError,
	}

	return d.db.Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "serial"}},
			UpdateAll: true,
		}).Create(&row).Error
		if err != nil {
			return fmt.Errorf("failed to save capability: %w", err)
		}
		return tx.Create(event).Error
	})
}

func (d *Database) GetCapability(serial string) (*DeviceCapability, error) {
	var row DeviceCapability
	result := d.db.Where("serial = ?", serial).First(&row)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, serial)
	}
	if result.Error != nil {
		return nil, result.Error
	}
	return &row, nil
}

func (d *Database) ListCapabilities() ([]DeviceCapability, error) {
	var rows []DeviceCapability
	result := d.db.Order("serial asc").Find(&rows)
	if result.Error != nil {
		return nil, result.Error
	}
	return rows, nil
}

// LoadRecords returns every stored record, for warming the detection cache.
func (d *Database) LoadRecords() ([]features.CapabilityRecord, error) {
	rows, err := d.ListCapabilities()
	if err != nil {
		return nil, err
	}
	return lo.Map(rows, func(row DeviceCapability, _ int) features.CapabilityRecord {
		return row.Record()
	}), nil
}

func (d *Database) GetHistory(serial string, limit int) ([]DetectionEvent, error) {
	var events []DetectionEvent
	result := d.db.Where("serial = ?", serial).
		Order("timestamp desc").
		Limit(limit).
		Find(&events)
	if result.Error != nil {
		return nil, result.Error
	}
	return events, nil
}

func (d *Database) CleanOldEvents(olderThan time.Duration) error {
	cutoff := time.Now().Add(-olderThan)
	return d.db.Where("timestamp < ?", cutoff).Delete(&DetectionEvent{}).Error
}

func (d *Database) Close() error {
	sqlDB, err := d.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
