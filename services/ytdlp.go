package services

import (
	"context"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/lrstanley/go-ytdlp"
)

// partial download suffixes left behind by yt-dlp
var skippedExtensions = []string{".part", ".ytdl", ".tmp"}

// YtDlpFetcher fetches through the yt-dlp binary, which must be on PATH
type YtDlpFetcher struct {
	progressInterval time.Duration
}

// NewYtDlpFetcher creates a yt-dlp backed fetcher
func NewYtDlpFetcher() *YtDlpFetcher {
	return &YtDlpFetcher{progressInterval: 500 * time.Millisecond}
}

// Fetch downloads the best audio stream at or below the requested bitrate
func (f *YtDlpFetcher) Fetch(ctx context.Context, req FetchRequest, progress ProgressFunc) ([]string, error) {
	dl := ytdlp.New().
		ForceOverwrites().
		RestrictFilenames().
		NoMtime().
		Format(formatSelector(req.Bitrate)).
		Output(filepath.Join(req.DestDir, "%(title)s.%(ext)s"))

	if progress != nil {
		dl.ProgressFunc(f.progressInterval, func(update ytdlp.ProgressUpdate) {
			progress(int64(update.DownloadedBytes), int64(update.TotalBytes))
		})
	}

	if _, err := dl.Run(ctx, req.Resource); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &FetchError{Resource: req.Resource, Reason: "the content could not be downloaded", Err: err}
	}

	files, err := collectOutputs(req.DestDir)
	if err != nil {
		return nil, &FetchError{Resource: req.Resource, Reason: "could not store the download", Err: err}
	}
	if len(files) == 0 {
		return nil, &FetchError{Resource: req.Resource, Reason: "no media was produced"}
	}
	return files, nil
}

func formatSelector(bitrate int) string {
	if bitrate <= 0 {
		return "bestaudio/best"
	}
	return fmt.Sprintf("bestaudio[abr<=%d]/bestaudio/best", bitrate)
}

// collectOutputs lists finished files under dir in lexical order
func collectOutputs(dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		ext := strings.ToLower(filepath.Ext(path))
		for _, skip := range skippedExtensions {
			if ext == skip {
				return nil
			}
		}
		files = append(files, path)
		return nil
	})
	sort.Strings(files)
	return files, err
}
