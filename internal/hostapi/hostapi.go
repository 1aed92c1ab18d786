// Package hostapi defines the narrow interfaces this service consumes from
// host-OS collaborators that live outside this module: the playback
// engine, the device media store, and the network probe.
package hostapi

import (
	"context"
	"io"
)

// PlaybackEngine is implemented by the host app's video player. All methods
// are non-blocking from the caller's perspective; state changes surface
// through status reports, not return values.
type PlaybackEngine interface {
	Prepare(uri string, startMS int64)
	Play()
	Pause()
	Seek(ms int64)
	SetRate(f float64)
	Position() int64
	Duration() int64
	IsPlaying() bool
	Stop()
	BindSurface(handle any)
}

// MediaStore is implemented by the host's device-managed media storage. The
// core uses it exclusively for uploaded bytes; read-side indexing of the
// library is someone else's problem.
type MediaStore interface {
	CreatePending(ctx context.Context, name, mime string) (handle string, err error)
	AppendStream(ctx context.Context, handle string) (io.WriteCloser, error)
	Size(ctx context.Context, handle string) (int64, error)
	Finalize(ctx context.Context, handle string) (url string, err error)
	Delete(ctx context.Context, handle string) error
	ListPending(ctx context.Context, scope string) ([]string, error)
	FreeBytes(ctx context.Context) (int64, error)
}

// NetworkProbe answers the two facts the Session Registry needs about the
// local network before it will host a session.
type NetworkProbe interface {
	LocalIPv4() (string, error)
	IsWifiConnected() bool
}
