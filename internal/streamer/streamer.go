// Package streamer implements the range-streaming HTTP server: it
// publishes registered local video files at /video/{movieID} with byte-range
// support. The registration map follows the same RWMutex-guarded,
// copy-on-read-snapshot idiom as api/pkg/connman.ConnectionManager, so
// register/unregister/get stay linearizable under concurrent access.
package streamer

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/lanwatch/syncd/internal/types"
)

// Server serves registered videos over HTTP with Range support.
type Server struct {
	log zerolog.Logger

	mu       sync.RWMutex
	videos   map[string]*registeredFile

	httpSrv *http.Server
	ln      net.Listener
	addr    string
}

type registeredFile struct {
	video *types.RegisteredVideo
	file  *os.File
}

// New creates a Server; call Start to bind and begin serving.
func New(log zerolog.Logger) *Server {
	s := &Server{
		log:    log.With().Str("component", "streamer").Logger(),
		videos: make(map[string]*registeredFile),
	}
	return s
}

// Register publishes path under movieID. The file handle is opened once and
// kept open for the registration's lifetime; deregistering does not cancel
// in-flight reads since each request holds its own *os.File via os.Open,
// not the registration's handle.
func (s *Server) Register(movieID, path, contentType string) (*types.RegisteredVideo, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("registering %q: %w", movieID, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat %q: %w", path, err)
	}
	rv := &types.RegisteredVideo{
		MovieID:     movieID,
		Path:        path,
		Length:      info.Size(),
		ContentType: contentType,
	}

	s.mu.Lock()
	s.videos[movieID] = &registeredFile{video: rv, file: f}
	s.mu.Unlock()

	return rv, nil
}

// Unregister removes movieID from the registration map. In-flight reads using
// their own opened file descriptor are unaffected.
func (s *Server) Unregister(movieID string) {
	s.mu.Lock()
	rf, ok := s.videos[movieID]
	delete(s.videos, movieID)
	s.mu.Unlock()
	if ok {
		rf.file.Close()
	}
}

// Get returns a snapshot of movieID's registration, or ok=false if unknown.
func (s *Server) Get(movieID string) (types.RegisteredVideo, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rf, ok := s.videos[movieID]
	if !ok {
		return types.RegisteredVideo{}, false
	}
	return *rf.video, true
}

// Router returns the mux.Router serving /video/{movieID}, following the
// gorilla/mux routing convention used throughout api/pkg/server.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/video/{movieID}", s.handleVideo).Methods(http.MethodGet, http.MethodHead)
	return r
}

// Start binds to the first available port in [primary, fallback...] and
// begins serving. Returns the bound address and port.
func (s *Server) Start(primary int, fallback []int) (addr string, port int, err error) {
	ln, port, err := bindFirstAvailable(primary, fallback)
	if err != nil {
		return "", 0, fmt.Errorf("streamer bind: %w", err)
	}
	s.ln = ln
	s.addr = ln.Addr().String()
	s.httpSrv = &http.Server{Handler: s.Router()}

	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.log.Error().Err(err).Msg("streamer serve exited")
		}
	}()

	s.log.Info().Int("port", port).Msg("range streamer listening")
	return s.addr, port, nil
}

// Close drains connections with a 5 s grace period then force-closes.
func (s *Server) Close() error {
	if s.httpSrv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpSrv.Shutdown(ctx); err != nil {
		_ = s.httpSrv.Close()
		return err
	}
	return nil
}

func bindFirstAvailable(primary int, fallback []int) (net.Listener, int, error) {
	ports := append([]int{primary}, fallback...)
	var lastErr error
	for _, p := range ports {
		ln, err := net.Listen("tcp", fmt.Sprintf(":%d", p))
		if err == nil {
			return ln, p, nil
		}
		lastErr = err
	}
	return nil, 0, fmt.Errorf("all ports exhausted, last error: %w", lastErr)
}

func (s *Server) handleVideo(w http.ResponseWriter, r *http.Request) {
	movieID := mux.Vars(r)["movieID"]
	s.mu.RLock()
	rf, ok := s.videos[movieID]
	s.mu.RUnlock()
	if !ok {
		http.NotFound(w, r)
		return
	}

	f, err := os.Open(rf.video.Path)
	if err != nil {
		http.Error(w, "file unavailable", http.StatusNotFound)
		return
	}
	defer f.Close()

	total := rf.video.Length
	contentType := rf.video.ContentType
	if contentType == "" {
		contentType = "video/mp4"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Accept-Ranges", "bytes")

	rangeHeader := r.Header.Get("Range")
	if rangeHeader == "" {
		w.Header().Set("Content-Length", strconv.FormatInt(total, 10))
		w.WriteHeader(http.StatusOK)
		if r.Method == http.MethodGet {
			io_copyN(w, f, total)
		}
		return
	}

	start, end, err := parseRange(rangeHeader, total)
	if err != nil {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", total))
		http.Error(w, err.Error(), http.StatusRequestedRangeNotSatisfiable)
		return
	}

	length := end - start + 1
	w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, total))
	w.Header().Set("Content-Length", strconv.FormatInt(length, 10))
	w.WriteHeader(http.StatusPartialContent)
	if r.Method == http.MethodGet {
		if _, err := f.Seek(start, 0); err != nil {
			s.log.Error().Err(err).Msg("seek failed")
			return
		}
		io_copyN(w, f, length)
	}
}

func io_copyN(w http.ResponseWriter, f *os.File, n int64) {
	buf := make([]byte, 256*1024)
	var written int64
	for written < n {
		toRead := int64(len(buf))
		if remaining := n - written; remaining < toRead {
			toRead = remaining
		}
		nr, err := f.Read(buf[:toRead])
		if nr > 0 {
			if _, werr := w.Write(buf[:nr]); werr != nil {
				return
			}
			written += int64(nr)
		}
		if err != nil {
			return
		}
	}
}

// parseRange parses a single "bytes=a-b" or "bytes=a-" range header against a
// file of the given total length. Multi-range requests and malformed or
// unsatisfiable ranges are rejected.
func parseRange(header string, total int64) (start, end int64, err error) {
	const prefix = "bytes="
	if !strings.HasPrefix(header, prefix) {
		return 0, 0, fmt.Errorf("malformed range header")
	}
	spec := strings.TrimPrefix(header, prefix)
	if strings.Contains(spec, ",") {
		return 0, 0, fmt.Errorf("multi-range requests not supported")
	}
	parts := strings.SplitN(spec, "-", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("malformed range header")
	}

	if parts[0] == "" {
		// suffix range: bytes=-N (last N bytes)
		n, perr := strconv.ParseInt(parts[1], 10, 64)
		if perr != nil || n <= 0 {
			return 0, 0, fmt.Errorf("malformed range header")
		}
		if n > total {
			n = total
		}
		return total - n, total - 1, nil
	}

	start, err = strconv.ParseInt(parts[0], 10, 64)
	if err != nil || start < 0 {
		return 0, 0, fmt.Errorf("malformed range header")
	}

	if parts[1] == "" {
		end = total - 1
	} else {
		end, err = strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			return 0, 0, fmt.Errorf("malformed range header")
		}
		if end > total-1 {
			end = total - 1
		}
	}

	if start > end || start >= total {
		return 0, 0, fmt.Errorf("unsatisfiable range")
	}
	return start, end, nil
}
