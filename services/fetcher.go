package services

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"
)

// ProgressFunc receives advisory (bytesDone, bytesTotal) pairs; bytesTotal is
// zero or negative when unknown.
type ProgressFunc func(bytesDone, bytesTotal int64)

// FetchRequest describes one fetch into a prepared destination directory
type FetchRequest struct {
	Resource string
	Quality  string
	Bitrate  int
	DestDir  string
}

// Fetcher retrieves content into DestDir and returns the produced files.
// Implementations should honor ctx; a fetcher that cannot be interrupted must
// still leave DestDir safe to delete.
type Fetcher interface {
	Fetch(ctx context.Context, req FetchRequest, progress ProgressFunc) ([]string, error)
}

// FetcherFunc adapts a function to the Fetcher interface
type FetcherFunc func(ctx context.Context, req FetchRequest, progress ProgressFunc) ([]string, error)

// Fetch calls f
func (f FetcherFunc) Fetch(ctx context.Context, req FetchRequest, progress ProgressFunc) ([]string, error) {
	return f(ctx, req, progress)
}

// HTTPFetcher downloads a resource URL directly over HTTP(S)
type HTTPFetcher struct {
	client *http.Client
}

// NewHTTPFetcher creates a fetcher with the given overall request timeout
func NewHTTPFetcher(timeout time.Duration) *HTTPFetcher {
	return &HTTPFetcher{
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

// Fetch streams req.Resource into req.DestDir
func (f *HTTPFetcher) Fetch(ctx context.Context, req FetchRequest, progress ProgressFunc) ([]string, error) {
	u, err := url.Parse(req.Resource)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, &FetchError{Resource: req.Resource, Reason: "unsupported link", Err: err}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, &FetchError{Resource: req.Resource, Reason: "unsupported link", Err: err}
	}

	resp, err := f.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &FetchError{Resource: req.Resource, Reason: "could not reach the content server", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &FetchError{Resource: req.Resource, Reason: statusReason(resp.StatusCode)}
	}

	target := filepath.Join(req.DestDir, fileNameFor(resp, u))
	out, err := os.Create(target)
	if err != nil {
		return nil, &FetchError{Resource: req.Resource, Reason: "could not store the download", Err: err}
	}

	pw := &progressWriter{total: resp.ContentLength, report: progress}
	_, copyErr := io.Copy(out, io.TeeReader(resp.Body, pw))
	closeErr := out.Close()
	if copyErr != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &FetchError{Resource: req.Resource, Reason: "download interrupted", Err: copyErr}
	}
	if closeErr != nil {
		return nil, &FetchError{Resource: req.Resource, Reason: "could not store the download", Err: closeErr}
	}

	return []string{target}, nil
}

func statusReason(code int) string {
	switch code {
	case http.StatusUnauthorized, http.StatusForbidden:
		return "access to the content was denied"
	case http.StatusNotFound, http.StatusGone:
		return "content not found"
	case http.StatusTooManyRequests:
		return "content server is rate limiting, try again later"
	default:
		return fmt.Sprintf("content server returned status %d", code)
	}
}

// fileNameFor picks a safe local file name from Content-Disposition or the URL path
func fileNameFor(resp *http.Response, u *url.URL) string {
	if cd := resp.Header.Get("Content-Disposition"); cd != "" {
		if _, params, err := mime.ParseMediaType(cd); err == nil {
			if name := sanitizeFileName(params["filename"]); name != "" {
				return name
			}
		}
	}
	if name := sanitizeFileName(path.Base(u.Path)); name != "" {
		return name
	}
	return "download"
}

func sanitizeFileName(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, `\`, "/"))
	name = strings.Map(func(r rune) rune {
		switch {
		case r < 0x20, strings.ContainsRune(`<>:"/\|?*`, r):
			return '_'
		}
		return r
	}, name)
	name = strings.TrimSpace(name)
	if name == "." || name == ".." || name == "/" {
		return ""
	}
	return name
}

// progressWriter counts bytes passing through an io.TeeReader
type progressWriter struct {
	done   int64
	total  int64
	report ProgressFunc
}

func (w *progressWriter) Write(p []byte) (int, error) {
	w.done += int64(len(p))
	if w.report != nil {
		w.report(w.done, w.total)
	}
	return len(p), nil
}
