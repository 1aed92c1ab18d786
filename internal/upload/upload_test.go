package upload

import (
	"bytes"
	"context"
	"encoding/base64"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/lanwatch/syncd/internal/config"
	"github.com/lanwatch/syncd/internal/mediastore"
	"github.com/lanwatch/syncd/internal/types"
	"github.com/lanwatch/syncd/internal/uploadstore"
)

func newTestService(t *testing.T) (*Service, *uploadstore.Store) {
	t.Helper()
	media, err := mediastore.New(t.TempDir())
	require.NoError(t, err)
	store, err := uploadstore.Open("file:"+t.Name()+"?mode=memory&cache=shared", zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cfg := config.TUSConfig{MaxUploadBytesRaw: "10GiB"}
	svc := New(zerolog.Nop(), store, media, cfg, func(pin string) bool { return pin == "1234" })
	return svc, store
}

func b64Metadata(pairs map[string]string) string {
	out := ""
	first := true
	for k, v := range pairs {
		if !first {
			out += ","
		}
		first = false
		out += k + " " + base64.StdEncoding.EncodeToString([]byte(v))
	}
	return out
}

func Test_Create_RejectsWrongPIN(t *testing.T) {
	svc, _ := newTestService(t)

	req := httptest.NewRequest("POST", "/tus/", nil)
	req.Header.Set("Upload-Length", "10")
	req.Header.Set("X-Upload-Pin", "0000")
	req.Header.Set("Upload-Metadata", b64Metadata(map[string]string{"filename": "movie.mp4"}))
	w := httptest.NewRecorder()
	svc.Router().ServeHTTP(w, req)

	require.Equal(t, 401, w.Code)
}

func Test_Create_RejectsDisallowedExtension(t *testing.T) {
	svc, _ := newTestService(t)

	req := httptest.NewRequest("POST", "/tus/", nil)
	req.Header.Set("Upload-Length", "10")
	req.Header.Set("X-Upload-Pin", "1234")
	req.Header.Set("Upload-Metadata", b64Metadata(map[string]string{"filename": "movie.exe"}))
	w := httptest.NewRecorder()
	svc.Router().ServeHTTP(w, req)

	require.Equal(t, 415, w.Code)
}

func createUpload(t *testing.T, svc *Service, length int) string {
	t.Helper()
	req := httptest.NewRequest("POST", "/tus/", nil)
	req.Header.Set("Upload-Length", strconv.Itoa(length))
	req.Header.Set("X-Upload-Pin", "1234")
	req.Header.Set("Upload-Metadata", b64Metadata(map[string]string{"filename": "movie.mp4", "filetype": "video/mp4"}))
	w := httptest.NewRecorder()
	svc.Router().ServeHTTP(w, req)
	require.Equal(t, 201, w.Code)
	require.Equal(t, "0", w.Header().Get("Upload-Offset"))
	loc := w.Header().Get("Location")
	require.NotEmpty(t, loc)
	return loc[len("/tus/"):]
}

func Test_Create_Succeeds(t *testing.T) {
	svc, _ := newTestService(t)
	id := createUpload(t, svc, 10)
	require.NotEmpty(t, id)
}

func Test_Head_ReportsOffset(t *testing.T) {
	svc, _ := newTestService(t)
	id := createUpload(t, svc, 10)

	req := httptest.NewRequest("HEAD", "/tus/"+id, nil)
	req.Header.Set("X-Upload-Pin", "1234")
	w := httptest.NewRecorder()
	svc.Router().ServeHTTP(w, req)

	require.Equal(t, 200, w.Code)
	require.Equal(t, "0", w.Header().Get("Upload-Offset"))
	require.Equal(t, "10", w.Header().Get("Upload-Length"))
	require.NotEmpty(t, w.Header().Get("Upload-Expires"))
}

func Test_Head_RejectsMissingPIN(t *testing.T) {
	svc, _ := newTestService(t)
	id := createUpload(t, svc, 10)

	req := httptest.NewRequest("HEAD", "/tus/"+id, nil)
	w := httptest.NewRecorder()
	svc.Router().ServeHTTP(w, req)

	require.Equal(t, 401, w.Code)
}

func Test_Head_ReturnsGoneAfterCancellation(t *testing.T) {
	svc, _ := newTestService(t)
	id := createUpload(t, svc, 10)

	del := httptest.NewRequest("DELETE", "/tus/"+id, nil)
	del.Header.Set("X-Upload-Pin", "1234")
	svc.Router().ServeHTTP(httptest.NewRecorder(), del)

	req := httptest.NewRequest("HEAD", "/tus/"+id, nil)
	req.Header.Set("X-Upload-Pin", "1234")
	w := httptest.NewRecorder()
	svc.Router().ServeHTTP(w, req)

	require.Equal(t, 410, w.Code)
}

func patch(svc *Service, id string, offset int, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest("PATCH", "/tus/"+id, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/offset+octet-stream")
	req.Header.Set("Upload-Offset", strconv.Itoa(offset))
	req.Header.Set("X-Upload-Pin", "1234")
	w := httptest.NewRecorder()
	svc.Router().ServeHTTP(w, req)
	return w
}

func Test_Patch_OffsetMismatchReturns409(t *testing.T) {
	svc, _ := newTestService(t)
	id := createUpload(t, svc, 10)

	w := patch(svc, id, 5, []byte("hello"))
	require.Equal(t, 409, w.Code)
	require.Equal(t, "0", w.Header().Get("Upload-Offset"))
}

func Test_Patch_SequentialChunksComplete(t *testing.T) {
	svc, store := newTestService(t)
	id := createUpload(t, svc, 10)

	w1 := patch(svc, id, 0, []byte("hello"))
	require.Equal(t, 204, w1.Code)
	require.Equal(t, "5", w1.Header().Get("Upload-Offset"))

	w2 := patch(svc, id, 5, []byte("world"))
	require.Equal(t, 204, w2.Code)
	require.Equal(t, "10", w2.Header().Get("Upload-Offset"))

	session, err := store.Get(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, types.UploadCompleted, session.Status)
}

func Test_Patch_OverflowingBodyReturns413(t *testing.T) {
	svc, _ := newTestService(t)
	id := createUpload(t, svc, 5)

	w := patch(svc, id, 0, []byte("hello world"))
	require.Equal(t, 413, w.Code)
}

func Test_Delete_IsIdempotent(t *testing.T) {
	svc, _ := newTestService(t)
	id := createUpload(t, svc, 10)

	req := httptest.NewRequest("DELETE", "/tus/"+id, nil)
	req.Header.Set("X-Upload-Pin", "1234")
	w := httptest.NewRecorder()
	svc.Router().ServeHTTP(w, req)
	require.Equal(t, 204, w.Code)

	req2 := httptest.NewRequest("DELETE", "/tus/"+id, nil)
	req2.Header.Set("X-Upload-Pin", "1234")
	w2 := httptest.NewRecorder()
	svc.Router().ServeHTTP(w2, req2)
	require.Equal(t, 204, w2.Code)
}
