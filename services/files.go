package services

import (
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"tunedrop/types"

	"github.com/dhowden/tag"
)

// audioFormats maps recognized extensions to a format name and a preference
// rank; lower ranks win when one track exists in several formats.
var audioFormats = map[string]struct {
	name string
	rank int
	mime string
}{
	".flac": {"flac", 0, "audio/flac"},
	".m4a":  {"m4a", 1, "audio/mp4"},
	".opus": {"opus", 2, "audio/opus"},
	".ogg":  {"ogg", 3, "audio/ogg"},
	".mp3":  {"mp3", 4, "audio/mpeg"},
	".webm": {"webm", 5, "audio/webm"},
}

var trackPrefix = regexp.MustCompile(`^(\d+)[\.\-\s_]+(.+)`)

// FileService lists a requester's downloaded audio with tag metadata
type FileService interface {
	ScanAudioFiles(requesterID int64) ([]types.AudioFile, error)
	ExtractAudioMetadata(filePath string) *types.AudioMetadata
	ResolveStreamPath(requesterID int64, relPath string) (string, error)
	GetContentType(filePath string) string
}

type fileService struct {
	store  *ArtifactStore
	logger *slog.Logger
}

// NewFileService creates a file service over the artifact store
func NewFileService(store *ArtifactStore, logger *slog.Logger) FileService {
	if logger == nil {
		logger = slog.Default()
	}
	return &fileService{store: store, logger: logger}
}

// ScanAudioFiles walks the requester's subtree. Unreadable entries are
// skipped, and only the preferred format of each track is returned.
func (s *fileService) ScanAudioFiles(requesterID int64) ([]types.AudioFile, error) {
	base := s.store.RequesterDir(requesterID)
	var all []types.AudioFile

	err := filepath.WalkDir(base, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == base && os.IsNotExist(err) {
				return fs.SkipDir
			}
			s.logger.Warn("skipping unreadable path", "path", path, "error", err)
			return nil
		}
		if d.IsDir() {
			return nil
		}
		format, ok := audioFormats[strings.ToLower(filepath.Ext(path))]
		if !ok {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		rel, err := filepath.Rel(base, path)
		if err != nil {
			rel = path
		}
		all = append(all, types.AudioFile{
			Filename: d.Name(),
			Path:     filepath.ToSlash(rel),
			Size:     info.Size(),
			Format:   format.name,
			Metadata: s.ExtractAudioMetadata(path),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan audio for %d: %w", requesterID, err)
	}

	return preferredFormats(all), nil
}

// preferredFormats keeps one file per extension-less path, ordered by path
func preferredFormats(files []types.AudioFile) []types.AudioFile {
	best := make(map[string]types.AudioFile)
	for _, file := range files {
		key := strings.TrimSuffix(file.Path, filepath.Ext(file.Path))
		current, ok := best[key]
		if !ok || formatRank(file.Path) < formatRank(current.Path) {
			best[key] = file
		}
	}

	result := make([]types.AudioFile, 0, len(best))
	for _, file := range best {
		result = append(result, file)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Path < result[j].Path })
	return result
}

func formatRank(path string) int {
	if f, ok := audioFormats[strings.ToLower(filepath.Ext(path))]; ok {
		return f.rank
	}
	return len(audioFormats)
}

// GetContentType returns the MIME type for an audio file
func (s *fileService) GetContentType(filePath string) string {
	if f, ok := audioFormats[strings.ToLower(filepath.Ext(filePath))]; ok {
		return f.mime
	}
	if strings.EqualFold(filepath.Ext(filePath), ".zip") {
		return "application/zip"
	}
	return "application/octet-stream"
}

// ExtractAudioMetadata reads tags, filling gaps from the file path
func (s *fileService) ExtractAudioMetadata(filePath string) *types.AudioMetadata {
	file, err := os.Open(filePath)
	if err != nil {
		s.logger.Warn("could not open audio file", "path", filePath, "error", err)
		return metadataFromPath(filePath)
	}
	defer file.Close()

	meta, err := tag.ReadFrom(file)
	if err != nil {
		return metadataFromPath(filePath)
	}

	metadata := &types.AudioMetadata{
		Title:  meta.Title(),
		Artist: meta.Artist(),
		Album:  meta.Album(),
	}
	metadata.TrackNumber, _ = meta.Track()

	if metadata.Title == "" || metadata.Artist == "" || metadata.Album == "" {
		fallback := metadataFromPath(filePath)
		if metadata.Title == "" {
			metadata.Title = fallback.Title
		}
		if metadata.Artist == "" {
			metadata.Artist = fallback.Artist
		}
		if metadata.Album == "" {
			metadata.Album = fallback.Album
		}
		if metadata.TrackNumber == 0 {
			metadata.TrackNumber = fallback.TrackNumber
		}
	}
	return metadata
}

// metadataFromPath parses "NN - Title.ext" file names. Downloads land in
// <requester>/<job>/, so directory names carry no artist or album.
func metadataFromPath(filePath string) *types.AudioMetadata {
	metadata := &types.AudioMetadata{}
	name := filepath.Base(filePath)
	title := strings.TrimSuffix(name, filepath.Ext(name))

	if m := trackPrefix.FindStringSubmatch(title); len(m) > 2 {
		title = m[2]
		if n, err := strconv.Atoi(m[1]); err == nil {
			metadata.TrackNumber = n
		}
	}
	title = strings.ReplaceAll(title, "_", " ")

	if artist, song, ok := strings.Cut(title, " - "); ok {
		metadata.Artist = strings.TrimSpace(artist)
		title = song
	}
	metadata.Title = strings.TrimSpace(title)
	return metadata
}

// ResolveStreamPath turns a client-supplied relative path into an absolute
// path inside the requester's subtree.
func (s *fileService) ResolveStreamPath(requesterID int64, relPath string) (string, error) {
	relPath = strings.TrimPrefix(relPath, "/")
	if err := validateRelativePath(relPath); err != nil {
		return "", err
	}
	base := s.store.RequesterDir(requesterID)
	full := filepath.Join(base, filepath.FromSlash(relPath))
	if !isWithin(base, full) {
		return "", &ValidationError{Field: "path", Reason: "path traversal not allowed"}
	}
	return full, nil
}

func validateRelativePath(path string) error {
	switch {
	case strings.TrimSpace(path) == "":
		return &ValidationError{Field: "path", Reason: "empty path not allowed"}
	case strings.Contains(path, ".."):
		return &ValidationError{Field: "path", Reason: "path traversal not allowed"}
	case filepath.IsAbs(path) || strings.HasPrefix(path, `\`):
		return &ValidationError{Field: "path", Reason: "absolute paths not allowed"}
	}
	return nil
}
