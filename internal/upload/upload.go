// Package upload implements the resumable upload service: a TUS
// 1.0.0 server (https://tus.io/protocols/resumable-upload) so a movie can
// be transferred onto the host device in a way that survives Wi-Fi drops
// and app restarts. The PATCH streaming idiom follows
// api/pkg/desktop/upload.go's handleUpload, generalized from a
// single multipart POST into TUS's create/patch/head/delete handshake;
// persistence of in-flight offsets goes through internal/uploadstore so a
// restart can resume exactly where a transfer left off.
package upload

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/lanwatch/syncd/internal/config"
	"github.com/lanwatch/syncd/internal/hostapi"
	"github.com/lanwatch/syncd/internal/types"
	"github.com/lanwatch/syncd/internal/uploadstore"
)

const (
	tusVersion    = "1.0.0"
	tusExtensions = "creation,termination,expiration"
	headroomBytes = 500 << 20 // 500 MiB, mirrors config.TUSConfig.MaxUploadBytes's fallback headroom
)

var allowedExtensions = map[string]bool{
	".mp4": true,
	".mkv": true,
}

// PINValidator authenticates an upload request's X-Upload-Pin header.
type PINValidator func(pin string) bool

// Service is the TUS HTTP handler set.
type Service struct {
	log      zerolog.Logger
	store    *uploadstore.Store
	media    hostapi.MediaStore
	cfg      config.TUSConfig
	validate PINValidator
}

// New creates a TUS upload Service.
func New(log zerolog.Logger, store *uploadstore.Store, media hostapi.MediaStore, cfg config.TUSConfig, validate PINValidator) *Service {
	return &Service{
		log:      log.With().Str("component", "upload").Logger(),
		store:    store,
		media:    media,
		cfg:      cfg,
		validate: validate,
	}
}

// Router returns the mux.Router serving the TUS endpoints rooted at /tus/.
func (s *Service) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/tus/", s.handleOptions).Methods(http.MethodOptions)
	r.HandleFunc("/tus/", s.handleCreate).Methods(http.MethodPost)
	r.HandleFunc("/tus/{id}", s.handleHead).Methods(http.MethodHead)
	r.HandleFunc("/tus/{id}", s.handlePatch).Methods(http.MethodPatch)
	r.HandleFunc("/tus/{id}", s.handleDelete).Methods(http.MethodDelete)
	return r
}

func (s *Service) handleOptions(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Tus-Resumable", tusVersion)
	w.Header().Set("Tus-Version", tusVersion)
	w.Header().Set("Tus-Extension", tusExtensions)
	w.Header().Set("Tus-Max-Size", strconv.FormatInt(s.maxUploadBytes(r.Context()), 10))
	w.WriteHeader(http.StatusOK)
}

func (s *Service) authenticate(r *http.Request) bool {
	if s.validate == nil {
		return true
	}
	return s.validate(r.Header.Get("X-Upload-Pin"))
}

func (s *Service) maxUploadBytes(ctx context.Context) int64 {
	free, err := s.media.FreeBytes(ctx)
	if err != nil {
		free = 0
	}
	max, err := s.cfg.MaxUploadBytes(free)
	if err != nil {
		return free - headroomBytes
	}
	return max
}

func (s *Service) handleCreate(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Tus-Resumable", tusVersion)

	if !s.authenticate(r) {
		http.Error(w, "invalid upload pin", http.StatusUnauthorized)
		return
	}

	length, err := strconv.ParseInt(r.Header.Get("Upload-Length"), 10, 64)
	if err != nil || length <= 0 {
		http.Error(w, "missing or invalid Upload-Length", http.StatusBadRequest)
		return
	}

	meta := parseUploadMetadata(r.Header.Get("Upload-Metadata"))
	filename := meta["filename"]
	if ext := extensionOf(filename); !allowedExtensions[ext] {
		http.Error(w, fmt.Sprintf("unsupported file extension %q", ext), http.StatusUnsupportedMediaType)
		return
	}

	free, err := s.media.FreeBytes(r.Context())
	if err != nil {
		s.log.Error().Err(err).Msg("checking free space failed")
		http.Error(w, "storage unavailable", http.StatusInternalServerError)
		return
	}
	maxBytes, err := s.cfg.MaxUploadBytes(free)
	if err != nil || length > maxBytes {
		http.Error(w, "insufficient storage for upload", http.StatusRequestEntityTooLarge)
		return
	}

	handle, err := s.media.CreatePending(r.Context(), filename, meta["filetype"])
	if err != nil {
		s.log.Error().Err(err).Msg("creating pending media entry failed")
		http.Error(w, "could not allocate storage", http.StatusInternalServerError)
		return
	}

	uploadID := types.NewID()
	uploadURL := "/tus/" + uploadID
	session := types.UploadSession{
		UploadID:      uploadID,
		UploadURL:     uploadURL,
		ExpectedBytes: length,
		BytesReceived: 0,
		Filename:      filename,
		MimeType:      meta["filetype"],
		StorageHandle: handle,
		CreatedAt:     time.Now(),
		UpdatedAt:     time.Now(),
		Status:        types.UploadInProgress,
		PINScope:      r.Header.Get("X-Upload-Pin"),
	}
	if err := s.store.Create(r.Context(), session); err != nil {
		s.log.Error().Err(err).Msg("persisting upload session failed")
		http.Error(w, "could not create upload session", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Location", uploadURL)
	w.Header().Set("Upload-Offset", "0")
	w.WriteHeader(http.StatusCreated)
}

func (s *Service) handleHead(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Tus-Resumable", tusVersion)
	w.Header().Set("Cache-Control", "no-store")

	if !s.authenticate(r) {
		http.Error(w, "invalid upload pin", http.StatusUnauthorized)
		return
	}

	uploadID := mux.Vars(r)["id"]
	session, err := s.store.Get(r.Context(), uploadID)
	if errors.Is(err, uploadstore.ErrNotFound) {
		// Either the ID was never valid, or it was expired and its row was
		// deleted by cleanup; either way the upload can no longer resume.
		http.Error(w, "upload no longer available", http.StatusGone)
		return
	}
	if err != nil {
		http.Error(w, "lookup failed", http.StatusInternalServerError)
		return
	}
	if session.Status == types.UploadCancelled || session.Status == types.UploadFailed {
		http.Error(w, "upload no longer available", http.StatusGone)
		return
	}

	expires := session.UpdatedAt.Add(time.Duration(s.cfg.SessionExpiryHours) * time.Hour)
	w.Header().Set("Upload-Expires", expires.UTC().Format(http.TimeFormat))
	w.Header().Set("Upload-Offset", strconv.FormatInt(session.BytesReceived, 10))
	w.Header().Set("Upload-Length", strconv.FormatInt(session.ExpectedBytes, 10))
	w.WriteHeader(http.StatusOK)
}

func (s *Service) handlePatch(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Tus-Resumable", tusVersion)

	if !s.authenticate(r) {
		http.Error(w, "invalid upload pin", http.StatusUnauthorized)
		return
	}

	if ct := r.Header.Get("Content-Type"); ct != "application/offset+octet-stream" {
		http.Error(w, "unsupported content type", http.StatusUnsupportedMediaType)
		return
	}

	uploadID := mux.Vars(r)["id"]
	offset, err := strconv.ParseInt(r.Header.Get("Upload-Offset"), 10, 64)
	if err != nil || offset < 0 {
		http.Error(w, "missing or invalid Upload-Offset", http.StatusBadRequest)
		return
	}

	unlock := s.store.Lock(uploadID)
	defer unlock()

	session, err := s.store.Get(r.Context(), uploadID)
	if errors.Is(err, uploadstore.ErrNotFound) {
		http.Error(w, "upload not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "lookup failed", http.StatusInternalServerError)
		return
	}
	if session.Status != types.UploadInProgress {
		http.Error(w, "upload is not in progress", http.StatusConflict)
		return
	}
	if offset != session.BytesReceived {
		w.Header().Set("Upload-Offset", strconv.FormatInt(session.BytesReceived, 10))
		http.Error(w, "offset mismatch", http.StatusConflict)
		return
	}

	remaining := session.ExpectedBytes - session.BytesReceived
	body := io.LimitReader(r.Body, remaining)

	dst, err := s.media.AppendStream(r.Context(), session.StorageHandle)
	if err != nil {
		s.log.Error().Err(err).Msg("opening append stream failed")
		http.Error(w, "could not open upload for writing", http.StatusInternalServerError)
		return
	}

	written, copyErr := io.Copy(dst, body)
	closeErr := dst.Close()

	// If the client sent more than the declared remaining length, the
	// excess is truncated rather than silently accepted as part of the
	// file.
	overflowed := false
	if copyErr == nil {
		n, _ := io.Copy(io.Discard, io.LimitReader(r.Body, 1))
		overflowed = n > 0
	}

	if copyErr != nil || closeErr != nil {
		s.log.Error().Err(copyErrOrClose(copyErr, closeErr)).Msg("writing upload chunk failed")
		http.Error(w, "write failed", http.StatusInternalServerError)
		return
	}

	newOffset := session.BytesReceived + written
	if err := s.store.UpdateProgress(r.Context(), uploadID, newOffset); err != nil {
		s.log.Error().Err(err).Msg("persisting upload progress failed")
		http.Error(w, "could not persist progress", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Upload-Offset", strconv.FormatInt(newOffset, 10))

	if overflowed {
		http.Error(w, "request body exceeded declared upload length", http.StatusRequestEntityTooLarge)
		return
	}

	if newOffset >= session.ExpectedBytes {
		if _, err := s.media.Finalize(r.Context(), session.StorageHandle); err != nil {
			s.log.Error().Err(err).Msg("finalizing upload failed")
			http.Error(w, "could not finalize upload", http.StatusInternalServerError)
			return
		}
		if err := s.store.Terminate(r.Context(), uploadID, types.UploadCompleted); err != nil {
			s.log.Error().Err(err).Msg("marking upload completed failed")
		}
	}

	w.WriteHeader(http.StatusNoContent)
}

func copyErrOrClose(copyErr, closeErr error) error {
	if copyErr != nil {
		return copyErr
	}
	return closeErr
}

func (s *Service) handleDelete(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Tus-Resumable", tusVersion)

	if !s.authenticate(r) {
		http.Error(w, "invalid upload pin", http.StatusUnauthorized)
		return
	}

	uploadID := mux.Vars(r)["id"]
	session, err := s.store.Get(r.Context(), uploadID)
	if errors.Is(err, uploadstore.ErrNotFound) {
		// DELETE is idempotent: a second call against an already-removed
		// upload still reports success.
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err != nil {
		http.Error(w, "lookup failed", http.StatusInternalServerError)
		return
	}

	if session.Status == types.UploadInProgress {
		if err := s.media.Delete(r.Context(), session.StorageHandle); err != nil {
			s.log.Warn().Err(err).Msg("deleting pending media entry failed")
		}
	}
	if err := s.store.Terminate(r.Context(), uploadID, types.UploadCancelled); err != nil && !errors.Is(err, uploadstore.ErrNotFound) {
		s.log.Error().Err(err).Msg("marking upload cancelled failed")
	}

	w.WriteHeader(http.StatusNoContent)
}

// parseUploadMetadata decodes TUS's Upload-Metadata header: a
// comma-separated list of "key base64value" pairs.
func parseUploadMetadata(header string) map[string]string {
	out := make(map[string]string)
	if header == "" {
		return out
	}
	for _, pair := range strings.Split(header, ",") {
		parts := strings.SplitN(strings.TrimSpace(pair), " ", 2)
		if len(parts) != 2 {
			continue
		}
		decoded, err := base64.StdEncoding.DecodeString(parts[1])
		if err != nil {
			continue
		}
		out[parts[0]] = string(decoded)
	}
	return out
}

func extensionOf(filename string) string {
	idx := strings.LastIndex(filename, ".")
	if idx < 0 {
		return ""
	}
	return strings.ToLower(filename[idx:])
}
