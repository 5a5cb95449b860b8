package build

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// maxEntrySize bounds a single extracted file to guard against decompression
// bombs.
const maxEntrySize = 4 * 1024 * 1024 * 1024 // 4 GB

// extractTarGz decompresses a .tar.gz archive into destDir. Every entry path
// is validated against the destination root before any byte is written; an
// entry that would resolve outside it fails the whole extraction with
// ErrUnsafeArchiveEntry. Links are rejected for the same reason: their targets
// can point anywhere.
func extractTarGz(archivePath, destDir string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer f.Close()

	gzr, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("gzip reader: %w", err)
	}
	defer gzr.Close()

	root, err := filepath.Abs(destDir)
	if err != nil {
		return err
	}
	tr := tar.NewReader(gzr)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("read tar header: %w", err)
		}
		target, err := safeJoin(root, header.Name)
		if err != nil {
			return err
		}
		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("create directory: %w", err)
			}
		case tar.TypeReg:
			if header.Size > maxEntrySize {
				return fmt.Errorf("entry too large: %s", header.Name)
			}
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return fmt.Errorf("create directory: %w", err)
			}
			out, err := os.OpenFile(target, os.O_RDWR|os.O_CREATE|os.O_TRUNC, os.FileMode(header.Mode)&0o777)
			if err != nil {
				return fmt.Errorf("create file: %w", err)
			}
			if _, err := io.CopyN(out, tr, header.Size); err != nil && err != io.EOF {
				out.Close()
				return fmt.Errorf("write file: %w", err)
			}
			out.Close()
		case tar.TypeSymlink, tar.TypeLink:
			return fmt.Errorf("%w: %s", ErrUnsafeArchiveEntry, header.Name)
		default:
			// char/block devices, fifos etc. have no business in a code upload
		}
	}
	return nil
}

// safeJoin joins an archive entry name onto the root, rejecting absolute
// paths and anything that cleans to a location outside the root.
func safeJoin(root, name string) (string, error) {
	if name == "" || filepath.IsAbs(name) || strings.HasPrefix(name, "/") {
		return "", fmt.Errorf("%w: %s", ErrUnsafeArchiveEntry, name)
	}
	clean := filepath.Clean(name)
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrUnsafeArchiveEntry, name)
	}
	target := filepath.Join(root, clean)
	if target != root && !strings.HasPrefix(target, root+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrUnsafeArchiveEntry, name)
	}
	return target, nil
}
