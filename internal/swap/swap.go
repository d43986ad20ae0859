package swap

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/kioskmedia/asset_refresher/internal/logctx"
)

// Promote makes downloadedPath become canonicalPath. When the download
// already landed at the canonical path it is a no-op. Otherwise any existing
// canonical file is deleted and the download renamed into place. Returns
// false if the rename fails; in that case both files stay where they are and
// the caller must not report success.
func Promote(ctx context.Context, downloadedPath, canonicalPath string) bool {
	logger := logctx.LoggerFromContext(ctx)

	if downloadedPath == canonicalPath {
		return true
	}

	if _, err := os.Stat(canonicalPath); err == nil {
		if err := os.Remove(canonicalPath); err != nil {
			logger.Error("failed to remove old asset", "file", canonicalPath, "err", err)

			return false
		}
	}

	if err := os.Rename(downloadedPath, canonicalPath); err != nil {
		logger.Error("failed to promote downloaded asset", "from", downloadedPath, "to", canonicalPath, "err", err)

		return false
	}

	logger.Info("promoted downloaded asset", "file", canonicalPath)

	return true
}

// PurgeSiblings deletes stale numbered duplicates next to the canonical
// asset: every file in the same directory whose extension-stripped name
// starts with the canonical's stripped name but whose full path differs.
// Best effort; individual removal failures are logged and skipped.
func PurgeSiblings(ctx context.Context, canonicalPath string) error {
	logger := logctx.LoggerFromContext(ctx)

	dir := filepath.Dir(canonicalPath)
	baseName := stripExt(filepath.Base(canonicalPath))

	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		path := filepath.Join(dir, entry.Name())
		if path == canonicalPath {
			continue
		}

		if !strings.HasPrefix(stripExt(entry.Name()), baseName) {
			continue
		}

		if err := os.Remove(path); err != nil {
			logger.Error("failed to delete stale duplicate", "file", path, "err", err)

			continue
		}

		logger.Info("deleted stale duplicate", "file", path)
	}

	return nil
}

func stripExt(fileName string) string {
	if pos := strings.LastIndex(fileName, "."); pos > 0 {
		return fileName[:pos]
	}

	return fileName
}
