package manifest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"chunkcast/internal/api"
	"chunkcast/internal/platform/logger"

	"github.com/google/uuid"
)

const defaultHTTPTimeout = 30 * time.Second

// ClientConfig configures a Client.
type ClientConfig struct {
	ServerURL string
	// Client defaults to an http.Client with a 30s timeout.
	Client *http.Client
	Logger *slog.Logger
}

// Client probes manifests and downloads segments over HTTP.
type Client struct {
	baseURL string
	client  *http.Client
	log     *slog.Logger
}

// NewClient returns a Client for the store at cfg.ServerURL.
func NewClient(cfg ClientConfig) *Client {
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: defaultHTTPTimeout}
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.ServerURL, "/"),
		client:  client,
		log:     logger.OrDefault(cfg.Logger),
	}
}

// BaseURL returns the store base URL without a trailing slash.
func (c *Client) BaseURL() string { return c.baseURL }

// Probe fetches the manifest. A 404 means the session has no segments yet
// and yields an empty, unfinalized manifest.
func (c *Client) Probe(ctx context.Context, competitionID string) (Manifest, error) {
	resp, err := c.get(ctx, api.ManifestPath(competitionID))
	if err != nil {
		return Manifest{}, &ProbeError{Err: err}
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return Manifest{CompetitionID: competitionID}, nil
	default:
		return Manifest{}, &ProbeError{StatusCode: resp.StatusCode, Err: errors.New(http.StatusText(resp.StatusCode))}
	}

	var body api.ManifestResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return Manifest{}, &ProbeError{StatusCode: resp.StatusCode, Err: fmt.Errorf("decode manifest: %w", err)}
	}
	if body.CompetitionID == "" {
		body.CompetitionID = competitionID
	}
	m, err := FromResponse(body)
	if err != nil {
		return Manifest{}, &ProbeError{StatusCode: resp.StatusCode, Err: err}
	}
	return m, nil
}

// Fetch downloads segment seq. A missing segment returns ErrChunkNotFound.
func (c *Client) Fetch(ctx context.Context, competitionID string, seq uint64) ([]byte, error) {
	resp, err := c.get(ctx, api.ChunkPath(competitionID, seq))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, fmt.Errorf("chunk %d: %w", seq, ErrChunkNotFound)
	default:
		return nil, fmt.Errorf("chunk %d: unexpected status %d", seq, resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("chunk %d: %w", seq, err)
	}
	return data, nil
}

// DownloadVideo streams the store's assembled video of a finalized session
// into w.
func (c *Client) DownloadVideo(ctx context.Context, competitionID string, w io.Writer) (int64, error) {
	resp, err := c.get(ctx, api.VideoPath(competitionID))
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("video: unexpected status %d", resp.StatusCode)
	}
	return io.Copy(w, resp.Body)
}

func (c *Client) get(ctx context.Context, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set(logger.RequestIDHeader, uuid.NewString())
	return c.client.Do(req)
}
