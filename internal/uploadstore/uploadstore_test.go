package uploadstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/lanwatch/syncd/internal/mediastore"
	"github.com/lanwatch/syncd/internal/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := "file:" + t.Name() + "?mode=memory&cache=shared"
	s, err := Open(dsn, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func Test_Store_CreateAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	session := types.UploadSession{
		UploadID:      "u1",
		ExpectedBytes: 1000,
		Filename:      "movie.mp4",
		StorageHandle: "h1",
		Status:        types.UploadInProgress,
	}
	require.NoError(t, s.Create(ctx, session))

	got, err := s.Get(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, int64(1000), got.ExpectedBytes)
	require.Equal(t, types.UploadInProgress, got.Status)
}

func Test_Store_GetUnknownReturnsErrNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Get(context.Background(), "nope")
	require.ErrorIs(t, err, ErrNotFound)
}

func Test_Store_UpdateProgressPersistsAcrossRestart(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "uploads.db")
	s, err := Open(path, zerolog.Nop())
	require.NoError(t, err)

	require.NoError(t, s.Create(ctx, types.UploadSession{
		UploadID:      "u2",
		ExpectedBytes: 500,
		StorageHandle: "h2",
		Status:        types.UploadInProgress,
	}))
	require.NoError(t, s.UpdateProgress(ctx, "u2", 250))
	require.NoError(t, s.Close())

	reopened, err := Open(path, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { reopened.Close() })

	got, err := reopened.Get(ctx, "u2")
	require.NoError(t, err)
	require.Equal(t, int64(250), got.BytesReceived)
}

func Test_Store_UpdateProgressUnknownUpload(t *testing.T) {
	s := newTestStore(t)
	err := s.UpdateProgress(context.Background(), "missing", 10)
	require.ErrorIs(t, err, ErrNotFound)
}

func Test_Store_TerminateMarksStatus(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.Create(ctx, types.UploadSession{
		UploadID:      "u3",
		ExpectedBytes: 100,
		StorageHandle: "h3",
		Status:        types.UploadInProgress,
	}))
	require.NoError(t, s.Terminate(ctx, "u3", types.UploadCompleted))

	got, err := s.Get(ctx, "u3")
	require.NoError(t, err)
	require.Equal(t, types.UploadCompleted, got.Status)
}

func Test_Store_ExpireStaleDeletesRowAndMediaEntry(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	media, err := mediastore.New(t.TempDir())
	require.NoError(t, err)

	handle, err := media.CreatePending(ctx, "stale.mp4", "video/mp4")
	require.NoError(t, err)
	require.NoError(t, s.Create(ctx, types.UploadSession{
		UploadID:      "stale",
		ExpectedBytes: 10,
		StorageHandle: handle,
		Status:        types.UploadInProgress,
	}))
	// Backdate last_updated_at past the staleness window directly; Create
	// always stamps "now", so the test reaches past the public API here.
	require.NoError(t, s.db.Model(&types.UploadSession{}).
		Where("upload_id = ?", "stale").
		Update("last_updated_at", time.Now().Add(-48*time.Hour)).Error)

	n, err := s.expireStale(ctx, media)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	_, err = s.Get(ctx, "stale")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = media.Size(ctx, handle)
	require.Error(t, err)
}

func Test_Store_SweepOrphansRemovesUnreferencedPendingFiles(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	media, err := mediastore.New(t.TempDir())
	require.NoError(t, err)

	orphanHandle, err := media.CreatePending(ctx, "orphan.mp4", "video/mp4")
	require.NoError(t, err)

	trackedHandle, err := media.CreatePending(ctx, "tracked.mp4", "video/mp4")
	require.NoError(t, err)
	require.NoError(t, s.Create(ctx, types.UploadSession{
		UploadID:      "tracked-upload",
		ExpectedBytes: 10,
		StorageHandle: trackedHandle,
		Status:        types.UploadInProgress,
	}))

	removed, err := s.sweepOrphans(ctx, media, "")
	require.NoError(t, err)
	require.Equal(t, 1, removed)

	_, err = media.Size(ctx, orphanHandle)
	require.Error(t, err)
	_, err = media.Size(ctx, trackedHandle)
	require.NoError(t, err)
}
