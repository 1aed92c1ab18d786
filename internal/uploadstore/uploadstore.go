// Package uploadstore persists TUS upload session bookkeeping so a
// restarted process can resume PATCH requests at the correct offset. It
// follows the gorm+sqlite usage throughout api/pkg/store and
// api/pkg/controller/knowledge/cron.go's approach to a scheduled cleanup job
// that expires stale rows and sweeps orphaned pending files.
package uploadstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/lanwatch/syncd/internal/hostapi"
	"github.com/lanwatch/syncd/internal/keyedlock"
	"github.com/lanwatch/syncd/internal/types"
)

var ErrNotFound = errors.New("uploadstore: upload session not found")

// Store is the durable record of in-flight and completed uploads.
type Store struct {
	db    *gorm.DB
	log   zerolog.Logger
	locks *keyedlock.Map
}

// Open opens (creating if necessary) a sqlite database at path and
// migrates the upload_sessions table.
func Open(path string, log zerolog.Logger) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("opening upload store at %q: %w", path, err)
	}
	if err := db.AutoMigrate(&types.UploadSession{}); err != nil {
		return nil, fmt.Errorf("migrating upload store: %w", err)
	}
	return &Store{
		db:    db,
		log:   log.With().Str("component", "uploadstore").Logger(),
		locks: keyedlock.New(),
	}, nil
}

// Create inserts a new upload session row.
func (s *Store) Create(ctx context.Context, session types.UploadSession) error {
	if err := s.db.WithContext(ctx).Create(&session).Error; err != nil {
		return fmt.Errorf("creating upload session %q: %w", session.UploadID, err)
	}
	return nil
}

// Get looks up an upload session by its upload ID.
func (s *Store) Get(ctx context.Context, uploadID string) (types.UploadSession, error) {
	var row types.UploadSession
	err := s.db.WithContext(ctx).First(&row, "upload_id = ?", uploadID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return types.UploadSession{}, ErrNotFound
	}
	if err != nil {
		return types.UploadSession{}, fmt.Errorf("loading upload session %q: %w", uploadID, err)
	}
	return row, nil
}

// GetByStorageHandle looks up an upload session by its backing storage
// handle, used when the media store reports an orphaned pending entry.
func (s *Store) GetByStorageHandle(ctx context.Context, handle string) (types.UploadSession, error) {
	var row types.UploadSession
	err := s.db.WithContext(ctx).First(&row, "storage_handle = ?", handle).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return types.UploadSession{}, ErrNotFound
	}
	if err != nil {
		return types.UploadSession{}, fmt.Errorf("loading upload session for handle %q: %w", handle, err)
	}
	return row, nil
}

// UpdateProgress records a new byte offset for uploadID. Callers must hold
// the per-upload lock obtained from Lock to keep PATCH requests for one
// upload serialized without blocking unrelated uploads.
func (s *Store) UpdateProgress(ctx context.Context, uploadID string, bytesReceived int64) error {
	res := s.db.WithContext(ctx).
		Model(&types.UploadSession{}).
		Where("upload_id = ?", uploadID).
		Updates(map[string]any{
			"bytes_received":  bytesReceived,
			"last_updated_at": time.Now(),
		})
	if res.Error != nil {
		return fmt.Errorf("updating progress for %q: %w", uploadID, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Terminate marks uploadID with a terminal status (completed, failed, or
// cancelled) and drops its per-id lock from the lock map; a caller that
// holds that lock still releases it through its own unlock func.
func (s *Store) Terminate(ctx context.Context, uploadID string, status types.UploadStatus) error {
	res := s.db.WithContext(ctx).
		Model(&types.UploadSession{}).
		Where("upload_id = ?", uploadID).
		Updates(map[string]any{
			"status":          status,
			"last_updated_at": time.Now(),
		})
	if res.Error != nil {
		return fmt.Errorf("terminating upload %q: %w", uploadID, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	s.locks.Forget(uploadID)
	return nil
}

// Lock serializes access to one upload ID's progress updates.
func (s *Store) Lock(uploadID string) func() {
	return s.locks.Lock(uploadID)
}

const staleAfter = 24 * time.Hour

// Cleanup expires stale in-progress rows and sweeps pending media-store
// entries with no corresponding row, mirroring the two jobs
// api/pkg/controller/knowledge/cron.go runs back to back.
// It returns the number of rows expired and orphan files removed.
func (s *Store) Cleanup(ctx context.Context, store hostapi.MediaStore, scope string) (expired, orphansRemoved int, err error) {
	expired, err = s.expireStale(ctx, store)
	if err != nil {
		return expired, 0, err
	}

	orphansRemoved, err = s.sweepOrphans(ctx, store, scope)
	return expired, orphansRemoved, err
}

// expireStale deletes the media-store pending entry and row for every
// in_progress upload that has not been touched in staleAfter. Both the
// row and the underlying pending bytes are removed, so a later HEAD
// against one of these upload IDs finds no row at all.
func (s *Store) expireStale(ctx context.Context, store hostapi.MediaStore) (int, error) {
	cutoff := time.Now().Add(-staleAfter)
	var stale []types.UploadSession
	if err := s.db.WithContext(ctx).
		Where("status = ? AND last_updated_at < ?", types.UploadInProgress, cutoff).
		Find(&stale).Error; err != nil {
		return 0, fmt.Errorf("finding stale uploads: %w", err)
	}

	count := 0
	for _, row := range stale {
		if err := store.Delete(ctx, row.StorageHandle); err != nil {
			s.log.Warn().Err(err).Str("uploadId", row.UploadID).Msg("deleting expired media-store entry failed")
			continue
		}
		if err := s.db.WithContext(ctx).Delete(&types.UploadSession{}, "upload_id = ?", row.UploadID).Error; err != nil {
			s.log.Warn().Err(err).Str("uploadId", row.UploadID).Msg("deleting expired upload row failed")
			continue
		}
		s.locks.Forget(row.UploadID)
		count++
	}
	if count > 0 {
		s.log.Info().Int("count", count).Msg("expired stale upload sessions")
	}
	return count, nil
}

func (s *Store) sweepOrphans(ctx context.Context, store hostapi.MediaStore, scope string) (int, error) {
	handles, err := store.ListPending(ctx, scope)
	if err != nil {
		return 0, fmt.Errorf("listing pending media-store entries: %w", err)
	}

	removed := 0
	for _, handle := range handles {
		_, err := s.GetByStorageHandle(ctx, handle)
		if err == nil {
			continue
		}
		if !errors.Is(err, ErrNotFound) {
			s.log.Warn().Err(err).Str("handle", handle).Msg("orphan sweep lookup failed")
			continue
		}
		if delErr := store.Delete(ctx, handle); delErr != nil {
			s.log.Warn().Err(delErr).Str("handle", handle).Msg("failed to delete orphaned pending entry")
			continue
		}
		removed++
	}
	if removed > 0 {
		s.log.Info().Int("count", removed).Msg("swept orphaned pending uploads")
	}
	return removed, nil
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
