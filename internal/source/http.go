package source

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
)

// fetchArchive downloads a tarball, verifies it and extracts it into tree.
func (f *Fetcher) fetchArchive(ctx context.Context, url, checksum, work, tree string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", "docfleet")

	resp, err := f.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("download: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return "", fmt.Errorf("download %s: HTTP %d", url, resp.StatusCode)
	}
	if f.maxSize > 0 && resp.ContentLength > f.maxSize {
		return "", fmt.Errorf("download %s: %d bytes: %w", url, resp.ContentLength, errArchiveTooLarge)
	}

	archive := filepath.Join(work, "archive.tar.gz")
	out, err := os.Create(archive)
	if err != nil {
		return "", err
	}
	sum, err := copyVerified(out, resp.Body, f.maxSize, checksum)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return "", err
	}
	return sum, extractTarGz(archive, tree, f.maxSize)
}
