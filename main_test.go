package main

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"tunedrop/services"
	"tunedrop/types"

	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestHealthEndpoint tests the basic health check endpoint
func TestHealthEndpoint(t *testing.T) {
	helper := NewTestHelper(t)
	defer helper.Cleanup(t)

	var response map[string]interface{}
	resp := helper.DoJSON(t, 0, http.MethodGet, "/health", nil, &response)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "healthy", response["status"])
	assert.Equal(t, "tunedrop", response["service"])
}

func TestRequesterHeaderRequired(t *testing.T) {
	helper := NewTestHelper(t)
	defer helper.Cleanup(t)

	var response map[string]interface{}
	resp := helper.DoJSON(t, 0, http.MethodGet, "/api/downloads", nil, &response)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Contains(t, response, "error")
}

// TestDownloadWorkflow submits a download, waits for it and fetches the archive
func TestDownloadWorkflow(t *testing.T) {
	helper := NewTestHelper(t)
	defer helper.Cleanup(t)

	job := helper.Submit(t, testUser, "https://example.com/media/first-song")
	assert.Equal(t, "HIGH", job.Quality)
	assert.Equal(t, 256, job.Bitrate)

	done := helper.WaitForJob(t, job.ID)
	require.Equal(t, types.JobStateCompleted, done.State)
	require.Len(t, done.OutputPaths, 1)
	assert.Equal(t, "first-song.mp3", filepath.Base(done.OutputPaths[0]))
	assert.Empty(t, done.ErrorDetail)

	var fetched struct {
		Job types.Job `json:"job"`
	}
	resp := helper.GetJSON(t, "/api/downloads/"+job.ID, &fetched)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, types.JobStateCompleted, fetched.Job.State)

	archiveResp := helper.MakeRequest(t, testUser, http.MethodGet, "/api/downloads/"+job.ID+"/archive", nil)
	defer archiveResp.Body.Close()
	require.Equal(t, http.StatusOK, archiveResp.StatusCode)
	body, err := io.ReadAll(archiveResp.Body)
	require.NoError(t, err)

	zr, err := zip.NewReader(bytes.NewReader(body), int64(len(body)))
	require.NoError(t, err)
	require.Len(t, zr.File, 1)
	assert.Equal(t, "first-song.mp3", zr.File[0].Name)

	var listing struct {
		Jobs  []types.Job `json:"jobs"`
		Total int         `json:"total"`
	}
	helper.GetJSON(t, "/api/downloads", &listing)
	assert.Equal(t, 1, listing.Total)
}

func TestFailedDownloadCleansUp(t *testing.T) {
	helper := NewTestHelper(t)
	defer helper.Cleanup(t)

	job := helper.Submit(t, testUser, "https://example.com/fail")
	done := helper.WaitForJob(t, job.ID)

	assert.Equal(t, types.JobStateFailed, done.State)
	assert.Equal(t, "content not found", done.ErrorDetail)

	dir, err := helper.App.Store.JobDir(testUser, job.ID)
	require.NoError(t, err)
	_, err = os.Stat(dir)
	assert.True(t, os.IsNotExist(err), "working directory should be removed")

	resp := helper.MakeRequest(t, testUser, http.MethodGet, "/api/downloads/"+job.ID+"/archive", nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestSubmitValidation(t *testing.T) {
	helper := NewTestHelper(t)
	defer helper.Cleanup(t)

	tests := []struct {
		name           string
		requester      int64
		body           types.SubmitRequest
		expectedStatus int
	}{
		{"empty resource", testUser, types.SubmitRequest{Resource: "  "}, http.StatusBadRequest},
		{"unknown quality", testUser, types.SubmitRequest{Resource: "https://example.com/a", Quality: "ULTRA"}, http.StatusBadRequest},
		{"negative timeout", testUser, types.SubmitRequest{Resource: "https://example.com/a", TimeoutSeconds: -1}, http.StatusBadRequest},
		{"unauthorized requester", testStranger, types.SubmitRequest{Resource: "https://example.com/a"}, http.StatusForbidden},
		{"lowercase quality", testUser, types.SubmitRequest{Resource: "https://example.com/a", Quality: "low"}, http.StatusCreated},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var response map[string]interface{}
			resp := helper.DoJSON(t, tt.requester, http.MethodPost, "/api/downloads", tt.body, &response)
			assert.Equal(t, tt.expectedStatus, resp.StatusCode)
			if tt.expectedStatus != http.StatusCreated {
				assert.Contains(t, response, "error")
			}
		})
	}

	assert.Empty(t, helper.App.Queue.List(testStranger))
}

// TestJobNotFound checks unknown ids and ids owned by someone else
func TestJobNotFound(t *testing.T) {
	helper := NewTestHelper(t)
	defer helper.Cleanup(t)

	var response map[string]interface{}
	resp := helper.GetJSON(t, "/api/downloads/does-not-exist", &response)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	job := helper.Submit(t, testOtherUser, "https://example.com/theirs")
	resp = helper.GetJSON(t, "/api/downloads/"+job.ID, &response)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = helper.DoJSON(t, testUser, http.MethodDelete, "/api/downloads/"+job.ID, nil, &response)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCancelQueuedJob(t *testing.T) {
	helper := NewTestHelper(t, withConcurrency(1), withGate())
	defer helper.Cleanup(t)

	first := helper.Submit(t, testUser, "https://example.com/first")
	second := helper.Submit(t, testUser, "https://example.com/second")

	require.Eventually(t, func() bool {
		return helper.App.Queue.ActiveCount() == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, helper.App.Queue.QueuedCount())

	var response map[string]interface{}
	resp := helper.DoJSON(t, testUser, http.MethodDelete, "/api/downloads/"+second.ID, nil, &response)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "job cancelled", response["message"])

	cancelled, ok := helper.App.Queue.Status(second.ID)
	require.True(t, ok)
	assert.Equal(t, types.JobStateCancelled, cancelled.State)
	assert.Equal(t, types.CancelReasonRequested, cancelled.CancelReason)
	assert.Nil(t, cancelled.StartedAt)

	resp = helper.DoJSON(t, testUser, http.MethodDelete, "/api/downloads/"+second.ID, nil, &response)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	helper.Release()
	assert.Equal(t, types.JobStateCompleted, helper.WaitForJob(t, first.ID).State)
}

func TestCancelRunningJob(t *testing.T) {
	helper := NewTestHelper(t, withGate())
	defer helper.Cleanup(t)

	job := helper.Submit(t, testUser, "https://example.com/long")
	require.Eventually(t, func() bool {
		j, _ := helper.App.Queue.Status(job.ID)
		return j.State == types.JobStateRunning
	}, time.Second, 5*time.Millisecond)

	var response map[string]interface{}
	resp := helper.DoJSON(t, testUser, http.MethodDelete, "/api/downloads/"+job.ID, nil, &response)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "cancellation requested", response["message"])

	done := helper.WaitForJob(t, job.ID)
	assert.Equal(t, types.JobStateCancelled, done.State)
	assert.Equal(t, types.CancelReasonRequested, done.CancelReason)
	assert.Empty(t, done.ErrorDetail)
}

// TestFileListingEndpoint lists cached audio and streams a byte range
func TestFileListingEndpoint(t *testing.T) {
	helper := NewTestHelper(t)
	defer helper.Cleanup(t)

	helper.CreateCacheFile(t, testUser, "job-a/01 - Artist Name - Song.mp3", createMinimalMP3File())
	helper.CreateCacheFile(t, testUser, "job-a/01 - Artist Name - Song.flac", []byte("fLaC-not-really"))
	helper.CreateCacheFile(t, testUser, "job-a/notes.txt", []byte("ignored"))
	helper.CreateCacheFile(t, testOtherUser, "job-b/other.mp3", createMinimalMP3File())

	var response struct {
		Files []types.AudioFile `json:"files"`
		Count int               `json:"count"`
	}
	resp := helper.GetJSON(t, "/api/files", &response)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, 1, response.Count)
	assert.Equal(t, "flac", response.Files[0].Format)
	require.NotNil(t, response.Files[0].Metadata)
	assert.Equal(t, "Song", response.Files[0].Metadata.Title)
	assert.Equal(t, "Artist Name", response.Files[0].Metadata.Artist)
	assert.Equal(t, 1, response.Files[0].Metadata.TrackNumber)

	req, err := http.NewRequest(http.MethodGet, helper.Server.URL+"/api/files/stream/job-a/01%20-%20Artist%20Name%20-%20Song.mp3", nil)
	require.NoError(t, err)
	req.Header.Set("X-Requester-ID", "42")
	req.Header.Set("Range", "bytes=0-9")
	streamResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer streamResp.Body.Close()

	assert.Equal(t, http.StatusPartialContent, streamResp.StatusCode)
	assert.Equal(t, "audio/mpeg", streamResp.Header.Get("Content-Type"))
	body, err := io.ReadAll(streamResp.Body)
	require.NoError(t, err)
	assert.Equal(t, createMinimalMP3File()[:10], body)
}

func TestStreamRejectsBadPaths(t *testing.T) {
	helper := NewTestHelper(t)
	defer helper.Cleanup(t)

	helper.CreateCacheFile(t, testUser, "job-a/notes.txt", []byte("plain"))

	tests := []struct {
		name           string
		path           string
		expectedStatus int
	}{
		{"traversal", "/api/files/stream/..%2F43%2Fjob-b%2Fother.mp3", http.StatusForbidden},
		{"extension", "/api/files/stream/job-a/notes.txt", http.StatusForbidden},
		{"missing", "/api/files/stream/job-a/missing.mp3", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := helper.MakeRequest(t, testUser, http.MethodGet, tt.path, nil)
			resp.Body.Close()
			assert.Equal(t, tt.expectedStatus, resp.StatusCode)
		})
	}
}

func TestCacheEndpoints(t *testing.T) {
	helper := NewTestHelper(t)
	defer helper.Cleanup(t)

	stale := helper.CreateCacheFile(t, testUser, "old-job/old.mp3", []byte("old"))
	old := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(stale, old, old))
	helper.CreateCacheFile(t, testUser, "new-job/new.mp3", []byte("new"))

	var listing struct {
		Entries   []types.ArtifactEntry `json:"entries"`
		Count     int                   `json:"count"`
		TotalSize int64                 `json:"totalSize"`
	}
	resp := helper.GetJSON(t, "/api/cache", &listing)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 4, listing.Count)
	assert.Equal(t, int64(6), listing.TotalSize)

	var denied map[string]interface{}
	resp = helper.DoJSON(t, testUser, http.MethodPost, "/api/cache/sweep", nil, &denied)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	var swept struct {
		Result struct {
			DeletedFiles int      `json:"deletedFiles"`
			DeletedDirs  int      `json:"deletedDirs"`
			Errors       []string `json:"errors"`
		} `json:"result"`
	}
	resp = helper.DoJSON(t, testAdmin, http.MethodPost, "/api/cache/sweep", nil, &swept)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, swept.Result.DeletedFiles)
	assert.Equal(t, 1, swept.Result.DeletedDirs)
	assert.Empty(t, swept.Result.Errors)

	var purged map[string]interface{}
	resp = helper.DoJSON(t, testUser, http.MethodDelete, "/api/cache", nil, &purged)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	_, err := os.Stat(helper.App.Store.RequesterDir(testUser))
	assert.True(t, os.IsNotExist(err))

	resp = helper.GetJSON(t, "/api/cache", &listing)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 0, listing.Count)
}

func TestAuthorizeAndRevoke(t *testing.T) {
	helper := NewTestHelper(t)
	defer helper.Cleanup(t)

	var response map[string]interface{}
	resp := helper.DoJSON(t, testUser, http.MethodPost, "/api/auth/99", nil, &response)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = helper.DoJSON(t, testAdmin, http.MethodPost, "/api/auth/99", nil, &response)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	helper.Submit(t, testStranger, "https://example.com/now-allowed")

	resp = helper.DoJSON(t, testAdmin, http.MethodDelete, "/api/auth/99", nil, &response)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp = helper.DoJSON(t, testStranger, http.MethodPost, "/api/downloads", types.SubmitRequest{Resource: "https://example.com/x"}, &response)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = helper.DoJSON(t, testAdmin, http.MethodDelete, "/api/auth/1", nil, &response)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = helper.DoJSON(t, testAdmin, http.MethodPost, "/api/auth/not-a-number", nil, &response)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStatsEndpoint(t *testing.T) {
	helper := NewTestHelper(t)
	defer helper.Cleanup(t)

	helper.WaitForJob(t, helper.Submit(t, testUser, "https://example.com/ok").ID)
	helper.WaitForJob(t, helper.Submit(t, testUser, "https://example.com/fail").ID)

	var response struct {
		Stats types.UserStats `json:"stats"`
	}
	require.Eventually(t, func() bool {
		helper.GetJSON(t, "/api/stats", &response)
		return response.Stats.TotalDownloads == 2
	}, 2*time.Second, 20*time.Millisecond)
	assert.Equal(t, 1, response.Stats.SuccessfulDownloads)
	assert.Equal(t, 1, response.Stats.FailedDownloads)
	assert.NotNil(t, response.Stats.FirstSeen)
}

func TestAdminStatsEndpoint(t *testing.T) {
	helper := NewTestHelper(t)
	defer helper.Cleanup(t)

	helper.WaitForJob(t, helper.Submit(t, testUser, "https://example.com/ok").ID)

	resp := helper.DoJSON(t, testUser, http.MethodGet, "/api/admin/stats", nil, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	var response struct {
		Stats types.ServiceStats `json:"stats"`
	}
	require.Eventually(t, func() bool {
		helper.DoJSON(t, testAdmin, http.MethodGet, "/api/admin/stats", nil, &response)
		return response.Stats.History != nil && response.Stats.History.TotalDownloads == 1
	}, 2*time.Second, 20*time.Millisecond)
	assert.Equal(t, 2, response.Stats.AuthorizedUsers)
	assert.Equal(t, 1, response.Stats.Admins)
	assert.Equal(t, 1, response.Stats.History.SuccessfulDownloads)
}

func TestSettingsAndStatus(t *testing.T) {
	helper := NewTestHelper(t)
	defer helper.Cleanup(t)

	var settings struct {
		Settings struct {
			Qualities []struct {
				Label   string `json:"label"`
				Bitrate int    `json:"bitrate"`
			} `json:"qualities"`
			DefaultQuality         string `json:"defaultQuality"`
			MaxConcurrentDownloads int    `json:"maxConcurrentDownloads"`
		} `json:"settings"`
	}
	resp := helper.DoJSON(t, 0, http.MethodGet, "/api/settings", nil, &settings)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, settings.Settings.Qualities, 3)
	assert.Equal(t, "HIGH", settings.Settings.Qualities[0].Label)
	assert.Equal(t, 2, settings.Settings.MaxConcurrentDownloads)

	var status map[string]interface{}
	resp = helper.DoJSON(t, 0, http.MethodGet, "/api/status", nil, &status)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(0), status["activeJobs"])
	assert.Equal(t, helper.App.Store.Root(), status["cacheRoot"])
}

// TestConcurrentDownloads checks that the cap holds across many submissions
func TestConcurrentDownloads(t *testing.T) {
	helper := NewTestHelper(t, withConcurrency(2), withGate())
	defer helper.Cleanup(t)

	ids := make([]string, 0, 5)
	for _, name := range []string{"a", "b", "c", "d", "e"} {
		ids = append(ids, helper.Submit(t, testUser, "https://example.com/"+name).ID)
	}

	require.Eventually(t, func() bool {
		return helper.App.Queue.ActiveCount() == 2
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 3, helper.App.Queue.QueuedCount())

	helper.Release()
	for _, id := range ids {
		assert.Equal(t, types.JobStateCompleted, helper.WaitForJob(t, id).State)
	}
	assert.Equal(t, 0, helper.App.Queue.ActiveCount())
}

func TestShutdownRejectsNewWork(t *testing.T) {
	helper := NewTestHelper(t)
	defer helper.Cleanup(t)

	require.NoError(t, helper.App.Queue.Shutdown(context.Background()))

	var response map[string]interface{}
	resp := helper.DoJSON(t, testUser, http.MethodPost, "/api/downloads", types.SubmitRequest{Resource: "https://example.com/late"}, &response)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestDownloadOnceCLI(t *testing.T) {
	helper := NewTestHelper(t)
	defer helper.Cleanup(t)

	files, err := downloadOnce(context.Background(), helper.Config, discardLogger(), services.FetcherFunc(helper.fetch),
		"https://example.com/cli-song", "medium", 7, true)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, services.ArchiveName, filepath.Base(files[0]))

	_, err = downloadOnce(context.Background(), helper.Config, discardLogger(), services.FetcherFunc(helper.fetch),
		"https://example.com/fail", "", 7, false)
	assert.EqualError(t, err, "content not found")
}
