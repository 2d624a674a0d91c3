// Package history keeps a local log of finished transfers in SQLite.
package history

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/rudransh-shrivastava/peer-drop/internal/transfer"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

var ErrNotFound = errors.New("record not found")

type Store struct {
	db *gorm.DB
}

// Open opens or creates the database at path and migrates it. ":memory:"
// gives a private in-memory store.
func Open(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		PrepareStmt: true,
		Logger:      gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// A second connection to ":memory:" would see an empty database.
	sqlDB.SetMaxOpenConns(1)

	if err := db.Exec("PRAGMA foreign_keys = ON").Error; err != nil {
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}
	if err := db.AutoMigrate(&Record{}, &RecordFile{}); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return &Store{db: db}, nil
}

// Record stores res. paths[i], when present, is where file i was saved.
func (s *Store) Record(ctx context.Context, res transfer.Result, paths []string) (*Record, error) {
	rec := &Record{
		PeerID:     res.PeerID,
		TransferID: res.TransferID,
		Direction:  res.Direction.String(),
		Status:     res.Status.String(),
		CreatedAt:  time.Now().Unix(),
	}
	if res.Err != nil {
		rec.Error = res.Err.Error()
	}

	for i, f := range res.Files {
		file := RecordFile{
			Position: i,
			Name:     f.Name,
			MimeType: f.MimeType,
			Size:     int64(f.Size),
		}
		if i < len(res.Received) {
			sum := transfer.Checksum(res.Received[i].Data)
			file.Checksum = hex.EncodeToString(sum[:])
		}
		if i < len(paths) {
			file.Path = paths[i]
		}
		rec.TotalSize += file.Size
		rec.Files = append(rec.Files, file)
	}

	if err := s.db.WithContext(ctx).Create(rec).Error; err != nil {
		return nil, fmt.Errorf("recording transfer: %w", err)
	}
	return rec, nil
}

// List returns the most recent records first. limit <= 0 returns all.
func (s *Store) List(ctx context.Context, limit int) ([]Record, error) {
	var records []Record
	q := s.db.WithContext(ctx).Preload("Files", func(db *gorm.DB) *gorm.DB {
		return db.Order("position")
	}).Order("id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&records).Error; err != nil {
		return nil, fmt.Errorf("listing transfers: %w", err)
	}
	return records, nil
}

func (s *Store) Get(ctx context.Context, id uint) (*Record, error) {
	var rec Record
	err := s.db.WithContext(ctx).Preload("Files").First(&rec, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// ByPeer returns every record exchanged with peerID, newest first.
func (s *Store) ByPeer(ctx context.Context, peerID string) ([]Record, error) {
	var records []Record
	err := s.db.WithContext(ctx).Preload("Files").
		Where("peer_id = ?", peerID).
		Order("id DESC").
		Find(&records).Error
	return records, err
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
