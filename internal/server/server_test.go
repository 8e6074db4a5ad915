package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keydrop/internal/blob"
	"keydrop/internal/metadata"
	"keydrop/internal/transfer"
)

type testEnv struct {
	srv   *Server
	store *metadata.SQLStore
	root  string
}

func newTestEnv(t *testing.T, mutate func(*Config)) testEnv {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "drop.db")
	require.NoError(t, metadata.Migrate(metadata.DialectSQLite, dbPath))

	store, err := metadata.OpenSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	root := filepath.Join(dir, "storage")
	blobs, err := blob.NewFileStore(root, nil)
	require.NoError(t, err)

	svc, err := transfer.NewService(transfer.Config{Store: store, Blobs: blobs})
	require.NoError(t, err)

	cfg := Config{
		Addr:      ":0",
		Build:     BuildInfo{Version: "1.2.3", Commit: "abc123"},
		Transfers: svc,
		Metadata:  store,
		Blobs:     blobs,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	srv, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Shutdown(context.Background()) })

	return testEnv{srv: srv, store: store, root: root}
}

func (e testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(rr, req)
	return rr
}

func (e testEnv) counts(t *testing.T) metadata.Counts {
	t.Helper()
	c, err := e.store.Counts(context.Background())
	require.NoError(t, err)
	return c
}

// uploadRequest builds a multipart POST /upload. An empty field name
// produces a form without any file part.
func uploadRequest(t *testing.T, field, filename string, content []byte) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("note", "hello"))
	if field != "" {
		fw, err := mw.CreateFormFile(field, filename)
		require.NoError(t, err)
		_, err = fw.Write(content)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/upload", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &v), rr.Body.String())
	return v
}

func TestUploadDownload_RoundTrip(t *testing.T) {
	env := newTestEnv(t, nil)
	content := []byte("hello from the drop\n")

	rr := env.do(uploadRequest(t, "file", "a.txt", content))
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	up := decode[uploadResp](t, rr)
	assert.Equal(t, "Upload Success", up.Info)
	assert.Regexp(t, `^SESSION_\d\d_\d\d_\d\d$`, up.AccessKey)

	rr = env.do(httptest.NewRequest(http.MethodGet, "/download/"+up.AccessKey, nil))
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, content, rr.Body.Bytes())
	assert.Equal(t, "20", rr.Header().Get("Content-Length"))

	disposition, params, err := mime.ParseMediaType(rr.Header().Get("Content-Disposition"))
	require.NoError(t, err)
	assert.Equal(t, "attachment", disposition)
	assert.True(t, strings.HasSuffix(params["filename"], ".txt"), params["filename"])
	assert.Equal(t, blob.ContentType(params["filename"]), rr.Header().Get("Content-Type"))

	m := env.srv.Metrics()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.uploads))
	assert.Equal(t, float64(len(content)), testutil.ToFloat64(m.uploadBytes))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.downloads))
	assert.Equal(t, float64(len(content)), testutil.ToFloat64(m.downloadBytes))
}

func TestUpload_NoFile(t *testing.T) {
	tests := []struct {
		name string
		req  func(t *testing.T) *http.Request
	}{
		{
			name: "not multipart",
			req: func(t *testing.T) *http.Request {
				r := httptest.NewRequest(http.MethodPost, "/upload", strings.NewReader(`{"file":"x"}`))
				r.Header.Set("Content-Type", "application/json")
				return r
			},
		},
		{
			name: "no file field",
			req:  func(t *testing.T) *http.Request { return uploadRequest(t, "", "", nil) },
		},
		{
			name: "wrong field name",
			req:  func(t *testing.T) *http.Request { return uploadRequest(t, "upload", "a.txt", []byte("x")) },
		},
		{
			name: "empty filename",
			req:  func(t *testing.T) *http.Request { return uploadRequest(t, "file", "", []byte("x")) },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, nil)

			rr := env.do(tt.req(t))
			require.Equal(t, http.StatusBadRequest, rr.Code)
			assert.Equal(t, "No file uploaded", decode[errorBody](t, rr).Error)

			assert.Equal(t, metadata.Counts{}, env.counts(t))
			entries, err := os.ReadDir(env.root)
			require.NoError(t, err)
			assert.Empty(t, entries)
		})
	}
}

func TestUpload_TooLarge(t *testing.T) {
	env := newTestEnv(t, func(c *Config) { c.MaxUploadBytes = 1024 })

	rr := env.do(uploadRequest(t, "file", "big.bin", bytes.Repeat([]byte("x"), 4096)))
	require.Equal(t, http.StatusRequestEntityTooLarge, rr.Code, rr.Body.String())
	assert.Equal(t, metadata.Counts{}, env.counts(t))

	rr = env.do(uploadRequest(t, "file", "small.bin", []byte("fits")))
	assert.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
}

func TestDownload_UnknownKey(t *testing.T) {
	env := newTestEnv(t, nil)

	rr := env.do(httptest.NewRequest(http.MethodGet, "/download/SESSION_11_22_33", nil))
	require.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, "Access key not found", decode[errorBody](t, rr).Error)

	rr = env.do(httptest.NewRequest(http.MethodGet, "/download/not-even-a-key", nil))
	require.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, "Access key not found", decode[errorBody](t, rr).Error)
}

func TestDownload_FileNotFound(t *testing.T) {
	env := newTestEnv(t, nil)
	_, err := env.store.CreateOwner(context.Background(), "SESSION_44_44_44")
	require.NoError(t, err)

	rr := env.do(httptest.NewRequest(http.MethodGet, "/download/SESSION_44_44_44", nil))
	require.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, "File not found", decode[errorBody](t, rr).Error)
}

func TestDownload_BlobGone(t *testing.T) {
	env := newTestEnv(t, nil)

	rr := env.do(uploadRequest(t, "file", "a.txt", []byte("soon gone")))
	require.Equal(t, http.StatusOK, rr.Code)
	key := decode[uploadResp](t, rr).AccessKey

	entries, err := os.ReadDir(env.root)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.NoError(t, os.Remove(filepath.Join(env.root, entries[0].Name())))

	rr = env.do(httptest.NewRequest(http.MethodGet, "/download/"+key, nil))
	require.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.Equal(t, "File download failed", decode[errorBody](t, rr).Error)
}

type failingTransfers struct{ err error }

func (f failingTransfers) Upload(ctx context.Context, r io.Reader, name string) (string, error) {
	_, _ = io.Copy(io.Discard, r)
	return "", f.err
}

func (f failingTransfers) Download(ctx context.Context, key string) (transfer.Download, error) {
	return transfer.Download{}, f.err
}

func TestUpload_StorageFailure(t *testing.T) {
	cause := errors.Join(transfer.ErrStorageFailure, errors.New("disk full"))
	env := newTestEnv(t, func(c *Config) { c.Transfers = failingTransfers{err: cause} })

	rr := env.do(uploadRequest(t, "file", "a.txt", []byte("x")))
	require.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.Equal(t, "File upload failed", decode[errorBody](t, rr).Error)
	assert.Equal(t, 1.0, testutil.ToFloat64(env.srv.Metrics().uploadErrors))
}

func TestRateLimit_RouteGroupsAreSeparate(t *testing.T) {
	env := newTestEnv(t, func(c *Config) { c.RateLimit = 1 })

	rr := env.do(uploadRequest(t, "file", "a.txt", []byte("x")))
	require.Equal(t, http.StatusOK, rr.Code)
	key := decode[uploadResp](t, rr).AccessKey

	rr = env.do(uploadRequest(t, "file", "b.txt", []byte("y")))
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)

	rr = env.do(httptest.NewRequest(http.MethodGet, "/download/"+key, nil))
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = env.do(httptest.NewRequest(http.MethodGet, "/download/"+key, nil))
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)

	// Health routes are never limited.
	for i := 0; i < 3; i++ {
		assert.Equal(t, http.StatusOK, env.do(httptest.NewRequest(http.MethodGet, "/live", nil)).Code)
	}
}

func TestRateLimit_ForwardedHeaders(t *testing.T) {
	download := func(env testEnv, forwardedFor string) int {
		req := httptest.NewRequest(http.MethodGet, "/download/SESSION_11_22_33", nil)
		req.RemoteAddr = "10.0.0.7:4000"
		req.Header.Set("X-Forwarded-For", forwardedFor)
		return env.do(req).Code
	}

	t.Run("untrusted", func(t *testing.T) {
		env := newTestEnv(t, func(c *Config) { c.RateLimit = 1 })
		assert.Equal(t, http.StatusNotFound, download(env, "203.0.113.1"))
		assert.Equal(t, http.StatusTooManyRequests, download(env, "203.0.113.2"))
	})

	t.Run("trusted proxy", func(t *testing.T) {
		env := newTestEnv(t, func(c *Config) {
			c.RateLimit = 1
			c.TrustProxy = true
		})
		assert.Equal(t, http.StatusNotFound, download(env, "203.0.113.1"))
		assert.Equal(t, http.StatusNotFound, download(env, "203.0.113.2"))
		assert.Equal(t, http.StatusTooManyRequests, download(env, "203.0.113.1"))
	})
}

func TestStatus(t *testing.T) {
	env := newTestEnv(t, nil)

	rr := env.do(httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	got := decode[statusResponse](t, rr)
	assert.Equal(t, "Server is running", got.Message)
	assert.NotEmpty(t, got.Platform)
	assert.Positive(t, got.CPUCount)
	assert.GreaterOrEqual(t, got.Uptime, 0.0)
	assert.Equal(t, "1.2.3", got.Version)
}

func TestHealthReadyLive(t *testing.T) {
	env := newTestEnv(t, nil)

	rr := env.do(uploadRequest(t, "file", "a.txt", []byte("x")))
	require.Equal(t, http.StatusOK, rr.Code)

	rr = env.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	health := decode[Health](t, rr)
	assert.Equal(t, HealthStatusHealthy, health.Status)
	assert.Equal(t, ComponentStatusUp, health.Components["database"].Status)
	assert.Equal(t, ComponentStatusUp, health.Components["blob"].Status)
	assert.Equal(t, map[string]any{"owners": 1.0, "files": 1.0}, health.Components["database"].Details)

	rr = env.do(httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "ok", decode[map[string]string](t, rr)["status"])

	rr = env.do(httptest.NewRequest(http.MethodGet, "/live", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "alive", decode[map[string]string](t, rr)["status"])
}

const dialError = "dial tcp 10.1.2.3:5432: connect: connection refused"

type downProbe struct{}

func (downProbe) Ping(ctx context.Context) error { return errors.New(dialError) }

func (downProbe) Counts(ctx context.Context) (metadata.Counts, error) {
	return metadata.Counts{}, errors.New(dialError)
}

type downBlobs struct{}

func (downBlobs) Ping(ctx context.Context) error {
	return errors.New("Get \"http://minio.internal:9000/drops/?location=\": " + dialError)
}

func TestHealth_DatabaseDown(t *testing.T) {
	env := newTestEnv(t, func(c *Config) { c.Metadata = downProbe{} })

	rr := env.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
	health := decode[Health](t, rr)
	assert.Equal(t, HealthStatusUnhealthy, health.Status)
	assert.Equal(t, ComponentStatusDown, health.Components["database"].Status)
	assert.Equal(t, "database ping failed", health.Components["database"].Message)
	assert.NotContains(t, rr.Body.String(), "10.1.2.3")

	rr = env.do(httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Equal(t, "not_ready", decode[map[string]string](t, rr)["status"])

	// Metrics still render without the record gauges.
	rr = env.do(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.NotContains(t, rr.Body.String(), "drop_owners")
}

func TestHealth_BlobDownHidesCause(t *testing.T) {
	env := newTestEnv(t, func(c *Config) { c.Blobs = downBlobs{} })

	rr := env.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
	health := decode[Health](t, rr)
	assert.Equal(t, ComponentStatusDown, health.Components["blob"].Status)
	assert.Equal(t, "blob storage unavailable", health.Components["blob"].Message)
	assert.NotContains(t, rr.Body.String(), "minio.internal")
	assert.NotContains(t, rr.Body.String(), "10.1.2.3")
}

func TestHealth_BreakerDegradesBlob(t *testing.T) {
	blobs, err := blob.NewFileStore(t.TempDir(), nil)
	require.NoError(t, err)
	cb := blob.NewCircuitBreaker(1, time.Hour, nil)
	guarded := blob.WithBreaker(blobs, cb)
	_ = cb.Execute(func() error { return errors.New("boom") }, func(error) bool { return true })
	require.Equal(t, blob.StateOpen, cb.State())

	env := newTestEnv(t, func(c *Config) { c.Blobs = guarded })

	rr := env.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	health := decode[Health](t, rr)
	assert.Equal(t, HealthStatusDegraded, health.Status)
	assert.Equal(t, ComponentStatusDegraded, health.Components["blob"].Status)
	assert.NotNil(t, health.Components["blob"].Details)
}

func TestMetrics(t *testing.T) {
	env := newTestEnv(t, nil)

	rr := env.do(uploadRequest(t, "file", "a.txt", []byte("abc")))
	require.Equal(t, http.StatusOK, rr.Code)
	env.do(httptest.NewRequest(http.MethodGet, "/download/SESSION_11_22_33", nil))

	rr = env.do(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.True(t, strings.HasPrefix(rr.Header().Get("Content-Type"), "text/plain"), rr.Header().Get("Content-Type"))

	body := rr.Body.String()
	for _, line := range []string{
		`drop_info{commit="abc123",version="1.2.3"} 1`,
		"drop_uploads_total 1",
		"drop_upload_bytes_total 3",
		"drop_upload_duration_seconds_count 1",
		"drop_download_misses_total 1",
		`drop_requests_total{code="2xx"} 1`,
		`drop_requests_total{code="4xx"} 1`,
		"drop_owners 1",
		"drop_files 1",
		"# TYPE drop_uptime_seconds counter",
	} {
		assert.Contains(t, body, line+"\n")
	}
}

func TestMiddleware_HeadersAndRequestID(t *testing.T) {
	env := newTestEnv(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/live", nil)
	req.Header.Set("X-Request-Id", "client-supplied")
	rr := env.do(req)

	assert.Equal(t, "client-supplied", rr.Header().Get("X-Request-Id"))
	assert.Equal(t, "DENY", rr.Header().Get("X-Frame-Options"))
	assert.Equal(t, "nosniff", rr.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "no-store", rr.Header().Get("Cache-Control"))

	rr = env.do(httptest.NewRequest(http.MethodGet, "/live", nil))
	assert.Regexp(t, `^[0-9a-f]{32}$`, rr.Header().Get("X-Request-Id"))
}

func TestRouting_UnknownAndWrongMethod(t *testing.T) {
	env := newTestEnv(t, nil)

	rr := env.do(httptest.NewRequest(http.MethodGet, "/nope", nil))
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))

	rr = env.do(httptest.NewRequest(http.MethodGet, "/upload", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}

func TestRedactPath(t *testing.T) {
	assert.Equal(t, "/download/:accessKey", redactPath("/download/SESSION_10_20_30"))
	assert.Equal(t, "/download/", redactPath("/download/"))
	assert.Equal(t, "/upload", redactPath("/upload"))
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

func TestServeAndShutdown(t *testing.T) {
	env := newTestEnv(t, nil)
	ts := httptest.NewServer(env.srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/live")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
