package schedule

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/benjaminjulian/seinn-v2/internal/common/logger"
)

// Fetcher downloads the published schedule archive in one shot. The archive
// identity is the sha256 of its bytes, which is what makes snapshots
// content-addressed.
type Fetcher struct {
	url    string
	client *http.Client
	logger logger.Logger
}

func NewFetcher(url string, timeout time.Duration, log logger.Logger) *Fetcher {
	return &Fetcher{
		url: url,
		client: &http.Client{
			Timeout: timeout,
		},
		logger: log,
	}
}

// Fetch returns the archive bytes and their hex-encoded sha256.
func (f *Fetcher) Fetch(ctx context.Context) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("creating request: %w", err)
	}

	f.logger.Info("Downloading schedule archive", "url", f.url)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("downloading schedule archive: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("schedule archive returned status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("reading schedule archive: %w", err)
	}

	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])

	f.logger.Debug("Schedule archive downloaded", "size_bytes", len(data), "hash", hash)

	return data, hash, nil
}
