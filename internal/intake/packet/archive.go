package packet

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zip"

	appErr "gradelab/pkg/errors"
)

const (
	// MaxArchiveBytes bounds the raw upload size.
	MaxArchiveBytes = 8 << 20

	// MaxExtractedBytes bounds the total uncompressed size, guarding
	// against zip bombs.
	MaxExtractedBytes = 32 << 20

	// MaxArchiveEntries bounds the number of entries in one archive.
	MaxArchiveEntries = 512
)

// ExtractArchive validates raw upload bytes as a ZIP archive and extracts it
// into dir. Entries resolving outside dir are rejected.
func ExtractArchive(raw []byte, dir string) error {
	if len(raw) == 0 {
		return appErr.Newf(appErr.MalformedArchive, "empty request body")
	}
	if len(raw) > MaxArchiveBytes {
		return appErr.Newf(appErr.ArchiveTooLarge, "archive exceeds %d bytes", MaxArchiveBytes)
	}

	reader, err := zip.NewReader(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		return appErr.Wrapf(err, appErr.MalformedArchive, "unable to parse body as a ZIP archive")
	}
	if len(reader.File) > MaxArchiveEntries {
		return appErr.Newf(appErr.MalformedArchive, "archive has too many entries (%d)", len(reader.File))
	}

	var total uint64
	for _, file := range reader.File {
		total += file.UncompressedSize64
		if total > MaxExtractedBytes {
			return appErr.Newf(appErr.ArchiveTooLarge, "archive expands beyond %d bytes", int64(MaxExtractedBytes))
		}
		if err := extractEntry(file, dir); err != nil {
			return err
		}
	}
	return nil
}

func extractEntry(file *zip.File, dir string) error {
	target, err := safeJoin(dir, file.Name)
	if err != nil {
		return err
	}

	if file.FileInfo().IsDir() {
		if err := os.MkdirAll(target, 0o755); err != nil {
			return appErr.Wrapf(err, appErr.InternalServerError, "create directory failed")
		}
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return appErr.Wrapf(err, appErr.InternalServerError, "create parent directory failed")
	}

	src, err := file.Open()
	if err != nil {
		return appErr.Wrapf(err, appErr.MalformedArchive, "open archive entry failed")
	}
	defer src.Close()

	dst, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return appErr.Wrapf(err, appErr.InternalServerError, "create extracted file failed")
	}
	defer dst.Close()

	// LimitReader caps the copy even when the entry header lies about its
	// uncompressed size.
	if _, err := io.Copy(dst, io.LimitReader(src, MaxExtractedBytes+1)); err != nil {
		return appErr.Wrapf(err, appErr.MalformedArchive, "extract archive entry failed")
	}
	return nil
}

// safeJoin joins name under base and rejects paths escaping base.
func safeJoin(base, name string) (string, error) {
	if name == "" || strings.HasPrefix(name, "/") || strings.Contains(name, "\\") {
		return "", appErr.Newf(appErr.UnsafeArchivePath, "unsafe archive path: %q", name)
	}
	cleaned := filepath.Clean(name)
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", appErr.Newf(appErr.UnsafeArchivePath, "unsafe archive path: %q", name)
	}
	joined := filepath.Join(base, cleaned)
	if joined != base && !strings.HasPrefix(joined, base+string(os.PathSeparator)) {
		return "", appErr.Newf(appErr.UnsafeArchivePath, "unsafe archive path: %q", name)
	}
	return joined, nil
}
