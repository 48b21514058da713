package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"tunedrop/cmd"
	"tunedrop/config"
	"tunedrop/middleware"
	"tunedrop/services"
	"tunedrop/types"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testAdmin     int64 = 1
	testUser      int64 = 42
	testOtherUser int64 = 43
	testStranger  int64 = 99
)

// TestHelper runs the full router against a temporary cache and a fake fetcher
type TestHelper struct {
	Server      *httptest.Server
	TestDataDir string
	Config      *config.Config
	App         *cmd.App

	gate chan struct{}
}

type helperOption func(h *TestHelper)

// withConcurrency overrides MaxConcurrentDownloads
func withConcurrency(n int) helperOption {
	return func(h *TestHelper) { h.Config.MaxConcurrentDownloads = n }
}

// withGate makes every fetch block until Release is called
func withGate() helperOption {
	return func(h *TestHelper) { h.gate = make(chan struct{}) }
}

// NewTestHelper creates a new test helper with a temporary test environment
func NewTestHelper(t *testing.T, opts ...helperOption) *TestHelper {
	gin.SetMode(gin.TestMode)
	testDir := t.TempDir()

	h := &TestHelper{
		TestDataDir: testDir,
		Config: &config.Config{
			MaxConcurrentDownloads: 2,
			ShutdownGracePeriod:    2 * time.Second,
			CacheDir:               filepath.Join(testDir, "cache"),
			CacheMaxAge:            time.Hour,
			ReclamationInterval:    time.Hour,
			ReclamationRetry:       time.Minute,
			Qualities:              types.DefaultQualities(),
			DefaultQuality:         "HIGH",
			AdminUsers:             []int64{testAdmin},
			AuthorizedUsers:        []int64{testUser, testOtherUser},
			FetchBackend:           config.BackendHTTP,
			StatsDB:                filepath.Join(testDir, "stats.db"),
			CORSOrigins:            []string{"*"},
			GinMode:                gin.TestMode,
		},
	}
	for _, opt := range opts {
		opt(h)
	}

	app, err := cmd.NewApp(h.Config, discardLogger(), services.FetcherFunc(h.fetch))
	require.NoError(t, err)
	h.App = app
	h.Server = httptest.NewServer(cmd.NewRouter(app))
	return h
}

// Cleanup shuts the app down and closes the server
func (h *TestHelper) Cleanup(t *testing.T) {
	h.Release()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.NoError(t, h.App.Close(ctx))
	h.Server.Close()
}

// Release unblocks gated fetches
func (h *TestHelper) Release() {
	if h.gate == nil {
		return
	}
	select {
	case <-h.gate:
	default:
		close(h.gate)
	}
}

// fetch writes one small mp3 named after the last URL segment. Resources
// containing "fail" fail with a FetchError.
func (h *TestHelper) fetch(ctx context.Context, req services.FetchRequest, progress services.ProgressFunc) ([]string, error) {
	if h.gate != nil {
		select {
		case <-h.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if strings.Contains(req.Resource, "fail") {
		return nil, &services.FetchError{Resource: req.Resource, Reason: "content not found"}
	}

	data := createMinimalMP3File()
	target := filepath.Join(req.DestDir, path.Base(req.Resource)+".mp3")
	if progress != nil {
		progress(int64(len(data)/2), int64(len(data)))
	}
	if err := os.WriteFile(target, data, 0644); err != nil {
		return nil, err
	}
	if progress != nil {
		progress(int64(len(data)), int64(len(data)))
	}
	return []string{target}, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func createMinimalMP3File() []byte {
	// ID3v2 header followed by padding; enough for tag readers to reject
	// cleanly and fall back to path metadata
	data := []byte{'I', 'D', '3', 0x03, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00}
	data = append(data, bytes.Repeat([]byte{0xFF, 0xFB, 0x90, 0x00}, 64)...)
	return data
}

// MakeRequest makes an HTTP request as requester; requester 0 omits the header
func (h *TestHelper) MakeRequest(t *testing.T, requester int64, method, path string, body interface{}) *http.Response {
	var reqBody io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		require.NoError(t, err)
		reqBody = bytes.NewBuffer(jsonBody)
	}

	req, err := http.NewRequest(method, h.Server.URL+path, reqBody)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if requester != 0 {
		req.Header.Set(middleware.RequesterHeader, strconv.FormatInt(requester, 10))
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

// DoJSON makes a request and unmarshals the JSON response into target
func (h *TestHelper) DoJSON(t *testing.T, requester int64, method, path string, body, target interface{}) *http.Response {
	resp := h.MakeRequest(t, requester, method, path, body)
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if target != nil {
		require.NoError(t, json.Unmarshal(data, target), "body: %s", data)
	}
	return resp
}

// GetJSON makes a GET request as testUser
func (h *TestHelper) GetJSON(t *testing.T, path string, target interface{}) *http.Response {
	return h.DoJSON(t, testUser, http.MethodGet, path, nil, target)
}

// Submit queues resource for requester and returns the created job
func (h *TestHelper) Submit(t *testing.T, requester int64, resource string) types.Job {
	var response struct {
		Job types.Job `json:"job"`
	}
	resp := h.DoJSON(t, requester, http.MethodPost, "/api/downloads", types.SubmitRequest{Resource: resource}, &response)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.NotEmpty(t, response.Job.ID)
	return response.Job
}

// WaitForJob waits until the job reaches a terminal state
func (h *TestHelper) WaitForJob(t *testing.T, jobID string) types.Job {
	var job types.Job
	require.Eventually(t, func() bool {
		var ok bool
		job, ok = h.App.Queue.Status(jobID)
		return ok && job.State.IsTerminal()
	}, 5*time.Second, 10*time.Millisecond, "job %s did not finish", jobID)
	return job
}

// ConnectWebSocket connects to a WebSocket endpoint as requester
func (h *TestHelper) ConnectWebSocket(t *testing.T, requester int64, path string) *websocket.Conn {
	wsURL := "ws" + strings.TrimPrefix(h.Server.URL, "http") + path
	header := http.Header{}
	header.Set(middleware.RequesterHeader, strconv.FormatInt(requester, 10))

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	require.NoError(t, err)
	return conn
}

// CreateCacheFile writes a file under requester's cache subtree
func (h *TestHelper) CreateCacheFile(t *testing.T, requester int64, relativePath string, content []byte) string {
	fullPath := filepath.Join(h.App.Store.RequesterDir(requester), filepath.FromSlash(relativePath))
	require.NoError(t, os.MkdirAll(filepath.Dir(fullPath), 0755))
	require.NoError(t, os.WriteFile(fullPath, content, 0644))
	return fullPath
}
