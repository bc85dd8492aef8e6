package feed

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/benjaminjulian/seinn-v2/internal/common/logger"
)

// Failure classes the orchestrator can branch on with errors.Is.
var (
	ErrUnavailable = errors.New("feed unavailable")
	ErrMalformed   = errors.New("malformed feed payload")
	ErrEmpty       = errors.New("feed contains no vehicles")
)

const userAgent = "seinn/2.0"

// Report is one raw vehicle record as delivered by the feed. Numeric fields
// stay strings here; the store parses them and decides what to skip.
type Report struct {
	DeviceTime string `xml:"time,attr"`
	Latitude   string `xml:"lat,attr"`
	Longitude  string `xml:"lon,attr"`
	Heading    string `xml:"head,attr"`
	FixType    string `xml:"fix,attr"`
	Route      string `xml:"route,attr"`
	StopID     string `xml:"stop,attr"`
	NextStopID string `xml:"next,attr"`
	Code       string `xml:"code,attr"`
}

// Snapshot is one full poll of the feed.
type Snapshot struct {
	Timestamp string   `xml:"timestamp,attr"`
	Reports   []Report `xml:"bus"`
}

type Client struct {
	url        string
	httpClient *http.Client
	logger     logger.Logger
}

func NewClient(url string, timeout time.Duration, log logger.Logger) *Client {
	return &Client{
		url: url,
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        5,
				MaxIdleConnsPerHost: 2,
				IdleConnTimeout:     30 * time.Second,
			},
		},
		logger: log,
	}
}

// Fetch retrieves one snapshot of currently reported vehicle positions.
// It never retries; the caller decides what a failed cycle means.
func (c *Client) Fetch(ctx context.Context) (*Snapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading body: %v", ErrUnavailable, err)
	}

	var snapshot Snapshot
	if err := xml.Unmarshal(body, &snapshot); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	if len(snapshot.Reports) == 0 {
		return nil, ErrEmpty
	}

	c.logger.Debug("Fetched feed snapshot",
		"vehicles", len(snapshot.Reports),
		"feed_timestamp", snapshot.Timestamp)

	return &snapshot, nil
}
