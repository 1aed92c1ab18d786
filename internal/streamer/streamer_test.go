package streamer

import (
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func newTestVideo(t *testing.T, content string) string {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "movie-*.mp4")
	require.NoError(t, err)
	_, err = f.WriteString(content)
	require.NoError(t, err)
	require.NoError(t, f.Close())
	return f.Name()
}

func Test_ParseRange_FullByteExactWindow(t *testing.T) {
	start, end, err := parseRange("bytes=10-19", 100)
	require.NoError(t, err)
	require.Equal(t, int64(10), start)
	require.Equal(t, int64(19), end)
}

func Test_ParseRange_OpenEndedClampsToTotal(t *testing.T) {
	start, end, err := parseRange("bytes=90-", 100)
	require.NoError(t, err)
	require.Equal(t, int64(90), start)
	require.Equal(t, int64(99), end)
}

func Test_ParseRange_SuffixRange(t *testing.T) {
	start, end, err := parseRange("bytes=-10", 100)
	require.NoError(t, err)
	require.Equal(t, int64(90), start)
	require.Equal(t, int64(99), end)
}

func Test_ParseRange_MultiRangeRejected(t *testing.T) {
	_, _, err := parseRange("bytes=0-10,20-30", 100)
	require.Error(t, err)
}

func Test_ParseRange_UnsatisfiableBeyondTotal(t *testing.T) {
	_, _, err := parseRange("bytes=200-300", 100)
	require.Error(t, err)
}

func Test_ParseRange_MalformedRejected(t *testing.T) {
	_, _, err := parseRange("bytes=abc-def", 100)
	require.Error(t, err)
}

func Test_Server_UnknownMovieIDReturns404(t *testing.T) {
	s := New(zerolog.Nop())
	req := httptest.NewRequest(http.MethodGet, "/video/missing", nil)
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func Test_Server_FullRequestReturnsWholeFile(t *testing.T) {
	path := newTestVideo(t, "0123456789")
	s := New(zerolog.Nop())
	_, err := s.Register("m1", path, "video/mp4")
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/video/m1", nil)
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "0123456789", w.Body.String())
}

func Test_Server_RangeRequestReturnsExactByteWindow(t *testing.T) {
	path := newTestVideo(t, "0123456789")
	s := New(zerolog.Nop())
	_, err := s.Register("m1", path, "video/mp4")
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/video/m1", nil)
	req.Header.Set("Range", "bytes=2-5")
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)

	require.Equal(t, http.StatusPartialContent, w.Code)
	require.Equal(t, "2345", w.Body.String())
	require.Equal(t, "bytes 2-5/10", w.Header().Get("Content-Range"))
}

func Test_Server_UnsatisfiableRangeReturns416(t *testing.T) {
	path := newTestVideo(t, "0123456789")
	s := New(zerolog.Nop())
	_, err := s.Register("m1", path, "video/mp4")
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/video/m1", nil)
	req.Header.Set("Range", "bytes=1000-2000")
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)

	require.Equal(t, http.StatusRequestedRangeNotSatisfiable, w.Code)
}

func Test_Server_UnregisterRemovesRoute(t *testing.T) {
	path := newTestVideo(t, "abc")
	s := New(zerolog.Nop())
	_, err := s.Register("m1", path, "video/mp4")
	require.NoError(t, err)
	s.Unregister("m1")

	_, ok := s.Get("m1")
	require.False(t, ok)

	req := httptest.NewRequest(http.MethodGet, "/video/m1", nil)
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	require.Equal(t, http.StatusNotFound, w.Code)
}
