package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"wans2v/models"
)

// GenerationRecord is one finished job
type GenerationRecord struct {
	ID                    uint      `gorm:"primaryKey" json:"-"`
	RequestID             string    `gorm:"uniqueIndex;size:64" json:"request_id"`
	Transport             string    `gorm:"size:16" json:"transport"`
	Success               bool      `json:"success"`
	Mock                  bool      `json:"mock"`
	Prompt                string    `json:"prompt"`
	Resolution            string    `gorm:"size:32" json:"resolution"`
	FileSizeBytes         int64     `json:"file_size_bytes"`
	GenerationTimeSeconds float64   `json:"generation_time_seconds"`
	ErrorKind             string    `gorm:"size:32" json:"error_kind"`
	ErrorDetail           string    `json:"error_detail"`
	VideoURL              string    `json:"video_url"`
	CreatedAt             time.Time `gorm:"index" json:"created_at"`
}

// History stores generation records
type History struct {
	DB *gorm.DB
}

// Open connects to dsn. postgres:// and host=... DSNs use the postgres
// driver, anything else is treated as a sqlite path.
func Open(dsn string) (*History, error) {
	var dialector gorm.Dialector
	if isPostgresDSN(dsn) {
		dialector = postgres.Open(dsn)
	} else {
		dialector = sqlite.Open(dsn)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}

	if err := db.AutoMigrate(&GenerationRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate history database: %w", err)
	}

	return &History{DB: db}, nil
}

func isPostgresDSN(dsn string) bool {
	return strings.HasPrefix(dsn, "postgres://") ||
		strings.HasPrefix(dsn, "postgresql://") ||
		strings.Contains(dsn, "host=")
}

// Record inserts one entry
func (h *History) Record(ctx context.Context, entry models.HistoryEntry) error {
	record := GenerationRecord{
		RequestID:             entry.RequestID,
		Transport:             entry.Transport,
		Success:               entry.Success,
		Mock:                  entry.Mock,
		Prompt:                entry.Prompt,
		Resolution:            entry.Resolution,
		FileSizeBytes:         entry.FileSizeBytes,
		GenerationTimeSeconds: entry.GenerationTimeSeconds,
		ErrorKind:             entry.ErrorKind,
		ErrorDetail:           entry.ErrorDetail,
		VideoURL:              entry.VideoURL,
		CreatedAt:             entry.CreatedAt,
	}
	return h.DB.WithContext(ctx).Create(&record).Error
}

// Recent returns up to limit entries, newest first
func (h *History) Recent(ctx context.Context, limit int) ([]models.HistoryEntry, error) {
	var records []GenerationRecord
	err := h.DB.WithContext(ctx).
		Order("created_at desc").
		Order("id desc").
		Limit(limit).
		Find(&records).Error
	if err != nil {
		return nil, err
	}

	entries := make([]models.HistoryEntry, 0, len(records))
	for _, r := range records {
		entries = append(entries, models.HistoryEntry{
			RequestID:             r.RequestID,
			Transport:             r.Transport,
			Success:               r.Success,
			Mock:                  r.Mock,
			Prompt:                r.Prompt,
			Resolution:            r.Resolution,
			FileSizeBytes:         r.FileSizeBytes,
			GenerationTimeSeconds: r.GenerationTimeSeconds,
			ErrorKind:             r.ErrorKind,
			ErrorDetail:           r.ErrorDetail,
			VideoURL:              r.VideoURL,
			CreatedAt:             r.CreatedAt,
		})
	}
	return entries, nil
}

// Close releases the underlying connection pool
func (h *History) Close() error {
	sqlDB, err := h.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
