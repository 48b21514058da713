package services

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zip"
)

// ArchiveName is the file written into a job directory by ZipPacker
const ArchiveName = "download.zip"

// Packer bundles produced files into a single archive
type Packer interface {
	Pack(baseDir string, files []string) (string, error)
}

// ZipPacker writes deflate-compressed zip archives
type ZipPacker struct{}

// NewZipPacker creates a zip packer
func NewZipPacker() *ZipPacker {
	return &ZipPacker{}
}

// Pack writes baseDir/download.zip holding files under their paths relative
// to baseDir. Files that vanished are skipped; files outside baseDir are
// rejected.
func (p *ZipPacker) Pack(baseDir string, files []string) (string, error) {
	base, err := filepath.Abs(baseDir)
	if err != nil {
		return "", fmt.Errorf("resolve archive base: %w", err)
	}

	entries := make([]string, 0, len(files))
	for _, file := range files {
		abs, err := filepath.Abs(file)
		if err != nil {
			return "", fmt.Errorf("resolve %s: %w", file, err)
		}
		if !isWithin(base, abs) {
			return "", &ValidationError{Field: "archive entry", Reason: fmt.Sprintf("%s is outside %s", filepath.Base(file), filepath.Base(base))}
		}
		entries = append(entries, abs)
	}

	target := filepath.Join(base, ArchiveName)
	out, err := os.CreateTemp(base, "download-*.zip.tmp")
	if err != nil {
		return "", fmt.Errorf("create archive: %w", err)
	}
	tmp := out.Name()

	zw := zip.NewWriter(out)
	for _, abs := range entries {
		if abs == target {
			continue
		}
		if err := addToZip(zw, base, abs); err != nil {
			zw.Close()
			out.Close()
			os.Remove(tmp)
			return "", err
		}
	}
	if err := zw.Close(); err != nil {
		out.Close()
		os.Remove(tmp)
		return "", fmt.Errorf("finish archive: %w", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("close archive: %w", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("move archive into place: %w", err)
	}
	return target, nil
}

func addToZip(zw *zip.Writer, base, path string) error {
	in, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("open %s: %w", filepath.Base(path), err)
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", filepath.Base(path), err)
	}
	if info.IsDir() {
		return nil
	}

	header, err := zip.FileInfoHeader(info)
	if err != nil {
		return err
	}
	rel, err := filepath.Rel(base, path)
	if err != nil {
		return err
	}
	header.Name = filepath.ToSlash(rel)
	header.Method = zip.Deflate

	w, err := zw.CreateHeader(header)
	if err != nil {
		return fmt.Errorf("add %s: %w", header.Name, err)
	}
	if _, err := io.Copy(w, in); err != nil {
		return fmt.Errorf("write %s: %w", header.Name, err)
	}
	return nil
}
