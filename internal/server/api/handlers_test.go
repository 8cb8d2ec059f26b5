package api

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"regexp"
	"testing"
	"time"

	"assetboard/internal/server/config"
	"assetboard/internal/server/service"
	"assetboard/internal/server/session"
	"assetboard/internal/server/storage"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const pngHeader = "\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR"

var downloadLink = regexp.MustCompile(`/\?download=1&amp;id=(\d+)`)

// --- Helpers ---

type testBoard struct {
	e      *echo.Echo
	store  *storage.FileSystemStore
	cookie *http.Cookie
}

func newTestBoard(t *testing.T) *testBoard {
	t.Helper()
	cfg := &config.Config{
		MaxFileSize:       1 << 20,
		AllowedExtensions: []string{".rbxm", ".rbxl", ".lua", ".txt", ".json"},
		TrustProxyHeaders: true,
		RateLimitRPS:      1000,
		RateLimitBurst:    1000,
	}

	store := storage.NewFileSystemStore(t.TempDir())
	require.NoError(t, store.EnsureDir())

	sessions := session.NewManager(session.NewMemoryStore(), 24*time.Minute)
	svc := service.NewAssetService(store, cfg)
	handler := NewHandler(svc, sessions, cfg)

	return &testBoard{e: SetupRouter(t.Context(), handler, svc, sessions, cfg), store: store}
}

// do serves req, carrying the board's session cookie like a browser would.
func (b *testBoard) do(req *http.Request) *httptest.ResponseRecorder {
	if b.cookie != nil {
		req.AddCookie(b.cookie)
	}
	rec := httptest.NewRecorder()
	b.e.ServeHTTP(rec, req)
	for _, c := range rec.Result().Cookies() {
		if c.Name == session.DefaultCookieName {
			b.cookie = c
		}
	}
	return rec
}

func (b *testBoard) get(target string) *httptest.ResponseRecorder {
	return b.do(httptest.NewRequest(http.MethodGet, target, nil))
}

type filePart struct {
	field, name, content string
}

func uploadRequest(t *testing.T, fields map[string]string, files ...filePart) *http.Request {
	t.Helper()
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	require.NoError(t, w.WriteField("upload", "1"))
	for k, v := range fields {
		require.NoError(t, w.WriteField(k, v))
	}
	for _, f := range files {
		part, err := w.CreateFormFile(f.field, f.name)
		require.NoError(t, err)
		_, err = part.Write([]byte(f.content))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, "/", &body)
	req.Header.Set(echo.HeaderContentType, w.FormDataContentType())
	return req
}

func postIDs(t *testing.T, page string) []string {
	t.Helper()
	var ids []string
	for _, m := range downloadLink.FindAllStringSubmatch(page, -1) {
		ids = append(ids, m[1])
	}
	return ids
}

// --- Tests ---

func TestIndex_EmptyBoard(t *testing.T) {
	b := newTestBoard(t)

	rec := b.get("/")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "No Assets Yet")
	assert.Contains(t, rec.Body.String(), "Available Assets (0)")
	assert.Contains(t, rec.Body.String(), ".rbxm, .rbxl, .lua, .txt, .json")
	require.NotNil(t, b.cookie, "first visit starts a session")
	assert.True(t, b.cookie.HttpOnly)
}

func TestScenario_UploadDownloadDelete(t *testing.T) {
	b := newTestBoard(t)

	rec := b.do(uploadRequest(t,
		map[string]string{"name": "MyBuild", "description": "My castle\nwith towers"},
		filePart{"asset", "build.rbxl", "castle-model-bytes"},
	))
	require.Equal(t, http.StatusOK, rec.Code)
	page := rec.Body.String()
	assert.Contains(t, page, "Asset uploaded successfully!")
	assert.Contains(t, page, "MyBuild")
	assert.Contains(t, page, "My castle<br>with towers")
	assert.Contains(t, page, "NO IMAGE")
	assert.Contains(t, page, "Downloads: 0")

	ids := postIDs(t, page)
	require.Len(t, ids, 1)
	id := ids[0]

	// download
	rec = b.get("/?download=1&id=" + id)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "castle-model-bytes", rec.Body.String())
	assert.Equal(t, "application/octet-stream", rec.Header().Get(echo.HeaderContentType))
	assert.Equal(t, "File Transfer", rec.Header().Get("Content-Description"))
	assert.Regexp(t, `^attachment; filename="\d+_build\.rbxl"$`, rec.Header().Get(echo.HeaderContentDisposition))
	assert.Equal(t, "0", rec.Header().Get("Expires"))
	assert.Equal(t, "must-revalidate", rec.Header().Get("Cache-Control"))
	assert.Equal(t, "public", rec.Header().Get("Pragma"))
	assert.Equal(t, "18", rec.Header().Get(echo.HeaderContentLength))

	rec = b.get("/")
	assert.Contains(t, rec.Body.String(), "Downloads: 1")

	// delete
	rec = b.get("/?delete=1&id=" + id)
	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/", rec.Header().Get(echo.HeaderLocation))

	rec = b.get("/")
	assert.Contains(t, rec.Body.String(), "No Assets Yet")

	// deleting again still redirects
	rec = b.get("/?delete=1&id=" + id)
	assert.Equal(t, http.StatusFound, rec.Code)
}

func TestScenario_LeakedModelBan(t *testing.T) {
	b := newTestBoard(t)

	req := uploadRequest(t,
		map[string]string{"name": "Castle", "description": "this is a leaked model"},
		filePart{"asset", "model.rbxm", "model"},
	)
	req.Header.Set("Client-IP", "203.0.113.7")
	rec := b.do(req)

	require.Equal(t, http.StatusOK, rec.Code)
	page := rec.Body.String()
	assert.Contains(t, page, `alert alert-warning`)
	assert.Contains(t, page, "your IP has been banned for 30 minutes")
	assert.NotContains(t, page, "Asset uploaded successfully!")
	assert.Len(t, postIDs(t, page), 1, "the upload still goes through")

	// every later request from that IP is refused
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Client-IP", "203.0.113.7")
	rec = b.do(req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Body.String(), "ACCESS DENIED")
	assert.Regexp(t, `(30 minutes and 0|29 minutes and \d+) seconds`, rec.Body.String())

	req = uploadRequest(t, map[string]string{"name": "Clean"}, filePart{"asset", "clean.txt", "x"})
	req.Header.Set("Client-IP", "203.0.113.7")
	rec = b.do(req)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// another address in the same session is unaffected
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Client-IP", "198.51.100.1")
	rec = b.do(req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, postIDs(t, rec.Body.String()), 1)
}

func TestBanPage_OnlyOnBoardRoutes(t *testing.T) {
	b := newTestBoard(t)

	req := uploadRequest(t,
		map[string]string{"name": "stolen build"},
		filePart{"asset", "build.rbxl", "model"},
	)
	req.Header.Set("Client-IP", "203.0.113.7")
	require.Equal(t, http.StatusOK, b.do(req).Code)

	tests := []struct {
		path string
		want int
	}{
		{"/", http.StatusForbidden},
		{"/uploads/images/nothing.png", http.StatusForbidden},
		{"/health", http.StatusOK},
		{"/no/such/page", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			req.Header.Set("Client-IP", "203.0.113.7")
			rec := b.do(req)
			assert.Equal(t, tt.want, rec.Code)
			if tt.want != http.StatusForbidden {
				assert.NotContains(t, rec.Body.String(), "ACCESS DENIED")
			}
		})
	}
}

func TestUpload_ValidationErrors(t *testing.T) {
	tests := []struct {
		name    string
		fields  map[string]string
		files   []filePart
		message string
	}{
		{
			name:    "missing name",
			fields:  map[string]string{"name": "  "},
			files:   []filePart{{"asset", "a.lua", "x"}},
			message: "Asset name is required.",
		},
		{
			name:    "missing asset",
			fields:  map[string]string{"name": "Thing"},
			message: "Please choose an asset file to upload.",
		},
		{
			name:    "bad extension",
			fields:  map[string]string{"name": "Thing"},
			files:   []filePart{{"asset", "run.exe", "MZ"}},
			message: "Unsupported asset file type.",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newTestBoard(t)

			rec := b.do(uploadRequest(t, tt.fields, tt.files...))
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Contains(t, rec.Body.String(), `alert alert-danger`)
			assert.Contains(t, rec.Body.String(), tt.message)
			assert.Contains(t, rec.Body.String(), "No Assets Yet")
		})
	}
}

func TestUpload_EscapesUserText(t *testing.T) {
	b := newTestBoard(t)

	rec := b.do(uploadRequest(t,
		map[string]string{"name": `<script>alert(1)</script>`, "description": `<img src=x onerror=alert(2)>`},
		filePart{"asset", "x.txt", "x"},
	))
	require.Equal(t, http.StatusOK, rec.Code)

	page := rec.Body.String()
	assert.NotContains(t, page, "<script>alert(1)</script>")
	assert.NotContains(t, page, "<img src=x")
	assert.Contains(t, page, "&lt;script&gt;alert(1)&lt;/script&gt;")
}

func TestDownload_UnknownIDRendersPage(t *testing.T) {
	b := newTestBoard(t)

	rec := b.get("/?download=1&id=123")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "No Assets Yet")
	assert.Empty(t, rec.Header().Get(echo.HeaderContentDisposition))
}

func TestPreview(t *testing.T) {
	b := newTestBoard(t)

	rec := b.do(uploadRequest(t,
		map[string]string{"name": "MyBuild"},
		filePart{"asset", "MyBuild.rbxm", "model"},
		filePart{"image", "thumb.png", pngHeader},
	))
	require.Equal(t, http.StatusOK, rec.Code)

	src := regexp.MustCompile(`src="/uploads/images/([^"]+)"`).FindStringSubmatch(rec.Body.String())
	require.Len(t, src, 2, "listing links the preview")

	rec = b.get("/uploads/images/" + src[1])
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", rec.Header().Get(echo.HeaderContentType))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, pngHeader, rec.Body.String())

	// a different session cannot fetch it
	stranger := &testBoard{e: b.e}
	rec = stranger.get("/uploads/images/" + src[1])
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = b.get("/uploads/images/missing.png")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSessionsAreIsolated(t *testing.T) {
	b := newTestBoard(t)
	rec := b.do(uploadRequest(t, map[string]string{"name": "Mine"}, filePart{"asset", "mine.txt", "x"}))
	require.Equal(t, http.StatusOK, rec.Code)

	other := &testBoard{e: b.e}
	rec = other.get("/")
	assert.Contains(t, rec.Body.String(), "No Assets Yet")
	assert.NotEqual(t, b.cookie.Value, other.cookie.Value)
}

func TestHealth(t *testing.T) {
	b := newTestBoard(t)

	rec := b.get("/health")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "connected", body["session_store"])
	assert.Nil(t, b.cookie, "health checks do not create sessions")
}

func TestRateLimit(t *testing.T) {
	b := newTestBoard(t)
	limited := NewRateLimiter(t.Context(), 0.001, 1, false).Middleware()(func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	})

	for i, want := range []int{http.StatusOK, http.StatusTooManyRequests} {
		req := httptest.NewRequest(http.MethodPost, "/", nil)
		rec := httptest.NewRecorder()
		require.NoError(t, limited(b.e.NewContext(req, rec)))
		assert.Equal(t, want, rec.Code, "request %d", i)
	}
}

func TestRateLimiter_StopsSweepingOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(t.Context())
	rl := NewRateLimiter(ctx, 1, 1, false)
	cancel()

	select {
	case <-rl.done:
	case <-time.After(time.Second):
		t.Fatal("cleanup goroutine still running after cancel")
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		remote  string
		trust   bool
		want    string
	}{
		{"client-ip header first", map[string]string{"Client-IP": "1.1.1.1", "X-Forwarded-For": "2.2.2.2"}, "3.3.3.3:1000", true, "1.1.1.1"},
		{"first forwarded entry", map[string]string{"X-Forwarded-For": " 2.2.2.2 , 4.4.4.4"}, "3.3.3.3:1000", true, "2.2.2.2"},
		{"socket address", nil, "3.3.3.3:1000", true, "3.3.3.3"},
		{"headers ignored when untrusted", map[string]string{"Client-IP": "1.1.1.1"}, "3.3.3.3:1000", false, "3.3.3.3"},
		{"ipv6 socket address", nil, "[2001:db8::1]:443", true, "2001:db8::1"},
		{"remote without port", nil, "3.3.3.3", true, "3.3.3.3"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remote
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, ClientIP(req, tt.trust))
		})
	}
}

func TestHumanizeBytes(t *testing.T) {
	tests := []struct {
		in   int64
		want string
	}{
		{0, "0 B"},
		{1023, "1023 B"},
		{1024, "1.0 KB"},
		{10 * 1024 * 1024, "10.0 MB"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, humanizeBytes(tt.in))
	}
}

func TestSplitLines(t *testing.T) {
	assert.Equal(t, []string{"a", "b", "c"}, splitLines("a\r\nb\nc"))
	assert.Equal(t, []string{""}, splitLines(""))
}
