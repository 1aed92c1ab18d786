// Package mediastore is a local-disk implementation of hostapi.MediaStore,
// adapted from api/pkg/filestore.FileSystemStorage (fs.go):
// same path-confinement guard, same directory-creation idiom, repurposed from
// a general-purpose filestore (List/Get/WriteFile/Rename/...) to the narrower
// pending-entry lifecycle the upload service needs (CreatePending/
// AppendStream/Finalize/Delete/ListPending/FreeBytes).
//
// A real on-device build links the host's own media-store instead; this
// implementation exists so internal/upload and internal/uploadstore have a
// real collaborator to run against in tests and in cmd/syncd.
package mediastore

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/google/uuid"

	"github.com/lanwatch/syncd/internal/hostapi"
)

const pendingSuffix = ".pending"

var _ hostapi.MediaStore = (*Local)(nil)

// Local implements hostapi.MediaStore rooted at basePath.
type Local struct {
	basePath string
}

// New creates a Local media store rooted at basePath, creating it if needed.
func New(basePath string) (*Local, error) {
	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolving media store path: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("creating media store directory: %w", err)
	}
	return &Local{basePath: abs}, nil
}

// getSafePath confines path resolution to basePath, mirroring
// FileSystemStorage.getSafePath's traversal guard.
func (l *Local) getSafePath(path string) (string, error) {
	absPath, err := filepath.Abs(path)
	if err != nil || !strings.HasPrefix(absPath, l.basePath) {
		return "", fmt.Errorf("invalid path: %s", path)
	}
	return absPath, nil
}

func (l *Local) handlePath(handle string) (string, error) {
	return l.getSafePath(filepath.Join(l.basePath, handle+pendingSuffix))
}

// CreatePending allocates a new pending entry and returns its storage handle.
func (l *Local) CreatePending(_ context.Context, name, _ string) (string, error) {
	handle := uuid.NewString()
	path, err := l.handlePath(handle)
	if err != nil {
		return "", err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return "", fmt.Errorf("creating pending entry for %q: %w", name, err)
	}
	defer f.Close()
	return handle, nil
}

// AppendStream returns a writer positioned for sequential append to handle's
// pending file.
func (l *Local) AppendStream(_ context.Context, handle string) (io.WriteCloser, error) {
	path, err := l.handlePath(handle)
	if err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening append stream for %q: %w", handle, err)
	}
	return f, nil
}

// Size returns the current byte size of handle's pending (or finalized) entry.
func (l *Local) Size(_ context.Context, handle string) (int64, error) {
	path, err := l.handlePath(handle)
	if err != nil {
		return 0, err
	}
	info, statErr := os.Stat(path)
	if statErr != nil {
		finalPath, ferr := l.getSafePath(filepath.Join(l.basePath, handle))
		if ferr != nil {
			return 0, statErr
		}
		info, statErr = os.Stat(finalPath)
		if statErr != nil {
			return 0, statErr
		}
	}
	return info.Size(), nil
}

// Finalize marks handle not-pending (renames off the .pending suffix) and
// returns a file:// URL for the result.
func (l *Local) Finalize(_ context.Context, handle string) (string, error) {
	pending, err := l.handlePath(handle)
	if err != nil {
		return "", err
	}
	final, err := l.getSafePath(filepath.Join(l.basePath, handle))
	if err != nil {
		return "", err
	}
	if err := os.Rename(pending, final); err != nil {
		return "", fmt.Errorf("finalizing %q: %w", handle, err)
	}
	return "file://" + final, nil
}

// Delete removes a pending or finalized entry for handle. Idempotent.
func (l *Local) Delete(_ context.Context, handle string) error {
	pending, err := l.handlePath(handle)
	if err != nil {
		return err
	}
	final, err := l.getSafePath(filepath.Join(l.basePath, handle))
	if err != nil {
		return err
	}
	_ = os.Remove(pending)
	if err := os.Remove(final); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("deleting %q: %w", handle, err)
	}
	return nil
}

// ListPending returns the storage handles of entries still awaiting
// finalization. scope is unused by the local implementation (it has only one
// subtree) but kept to satisfy hostapi.MediaStore's multi-tenant contract.
func (l *Local) ListPending(_ context.Context, _ string) ([]string, error) {
	entries, err := os.ReadDir(l.basePath)
	if err != nil {
		return nil, fmt.Errorf("listing pending entries: %w", err)
	}
	var handles []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if strings.HasSuffix(e.Name(), pendingSuffix) {
			handles = append(handles, strings.TrimSuffix(e.Name(), pendingSuffix))
		}
	}
	return handles, nil
}

// FreeBytes reports free space on the filesystem backing basePath.
func (l *Local) FreeBytes(_ context.Context) (int64, error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(l.basePath, &stat); err != nil {
		return 0, fmt.Errorf("statfs %q: %w", l.basePath, err)
	}
	return int64(stat.Bavail) * int64(stat.Bsize), nil
}
