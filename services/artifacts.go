package services

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"tunedrop/types"
)

// ArtifactStore owns the on-disk cache laid out as <root>/<requesterId>/<jobId>/...
type ArtifactStore struct {
	root string

	mu     sync.Mutex
	leases map[string]int
}

// NewArtifactStore creates the root directory if needed
func NewArtifactStore(root string) (*ArtifactStore, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve cache root: %w", err)
	}
	if err := os.MkdirAll(abs, 0755); err != nil {
		return nil, fmt.Errorf("create cache root %s: %w", abs, err)
	}
	return &ArtifactStore{root: abs, leases: make(map[string]int)}, nil
}

// Root returns the absolute cache root
func (s *ArtifactStore) Root() string {
	return s.root
}

// RequesterDir returns the subtree owned by one requester
func (s *ArtifactStore) RequesterDir(requesterID int64) string {
	return filepath.Join(s.root, strconv.FormatInt(requesterID, 10))
}

// JobDir returns the working directory path for a job without creating it
func (s *ArtifactStore) JobDir(requesterID int64, jobID string) (string, error) {
	if err := validateJobID(jobID); err != nil {
		return "", err
	}
	return filepath.Join(s.RequesterDir(requesterID), jobID), nil
}

// AllocateWorkingDir creates an empty job directory with parents and leases it
// so that sweeps leave it alone until ReleaseWorkingDir is called.
func (s *ArtifactStore) AllocateWorkingDir(requesterID int64, jobID string) (string, error) {
	dir, err := s.JobDir(requesterID, jobID)
	if err != nil {
		return "", err
	}
	s.lease(dir)

	err = os.MkdirAll(dir, 0755)
	if errors.Is(err, fs.ErrNotExist) {
		// a sweep pruned the requester dir between mkdir steps
		err = os.MkdirAll(dir, 0755)
	}
	if err != nil {
		s.release(dir)
		return "", fmt.Errorf("create working directory: %w", err)
	}
	return dir, nil
}

// ReleaseWorkingDir drops the lease taken by AllocateWorkingDir
func (s *ArtifactStore) ReleaseWorkingDir(requesterID int64, jobID string) {
	dir, err := s.JobDir(requesterID, jobID)
	if err != nil {
		return
	}
	s.release(dir)
}

// RemoveWorkingDir deletes a job directory; an absent directory is not an error
func (s *ArtifactStore) RemoveWorkingDir(requesterID int64, jobID string) error {
	dir, err := s.JobDir(requesterID, jobID)
	if err != nil {
		return err
	}
	return removeAll(dir)
}

// List returns every entry under the requester's subtree. A missing subtree is empty.
func (s *ArtifactStore) List(requesterID int64) ([]types.ArtifactEntry, error) {
	base := s.RequesterDir(requesterID)
	var entries []types.ArtifactEntry

	err := filepath.WalkDir(base, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if path == base {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		rel, err := filepath.Rel(base, path)
		if err != nil {
			rel = path
		}
		entries = append(entries, types.ArtifactEntry{
			Path:         path,
			RelativePath: filepath.ToSlash(rel),
			Size:         info.Size(),
			LastModified: info.ModTime(),
			IsDirectory:  d.IsDir(),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list artifacts for %d: %w", requesterID, err)
	}
	return entries, nil
}

// Purge recursively deletes the requester's whole subtree
func (s *ArtifactStore) Purge(requesterID int64) error {
	if err := removeAll(s.RequesterDir(requesterID)); err != nil {
		return fmt.Errorf("purge cache for %d: %w", requesterID, err)
	}
	return nil
}

// Contains reports whether path lies inside the cache root
func (s *ArtifactStore) Contains(path string) bool {
	rel, err := filepath.Rel(s.root, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func (s *ArtifactStore) lease(dir string) {
	s.mu.Lock()
	s.leases[dir]++
	s.mu.Unlock()
}

func (s *ArtifactStore) release(dir string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.leases[dir] <= 1 {
		delete(s.leases, dir)
		return
	}
	s.leases[dir]--
}

// isLeased reports whether path is a leased working directory or lies inside one
func (s *ArtifactStore) isLeased(path string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for dir := range s.leases {
		if path == dir || isWithin(dir, path) {
			return true
		}
	}
	return false
}

// hasLeaseBelow reports whether some leased directory lies under path
func (s *ArtifactStore) hasLeaseBelow(path string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for dir := range s.leases {
		if isWithin(path, dir) {
			return true
		}
	}
	return false
}

// isWithin reports whether child is strictly below parent
func isWithin(parent, child string) bool {
	return strings.HasPrefix(child, parent+string(filepath.Separator))
}

func validateJobID(jobID string) error {
	if jobID == "" || jobID == "." || jobID == ".." || strings.ContainsAny(jobID, `/\`) {
		return &ValidationError{Field: "job id", Reason: "must be a single path element"}
	}
	return nil
}

// removeAll is os.RemoveAll with "already gone" treated as success
func removeAll(path string) error {
	if err := os.RemoveAll(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
