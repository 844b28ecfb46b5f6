// Package origin talks to the remote archive: it fetches item metadata and
// opens file streams, retrying transient failures through internal/retry.
package origin

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/arcmirror/arcmirror/internal/config"
	"github.com/arcmirror/arcmirror/internal/retry"
)

const maxMetadataBytes = 32 << 20

// ErrMetadataTooLarge is returned when a metadata document exceeds the read
// limit. It is not retried.
var ErrMetadataTooLarge = errors.New("metadata document too large")

// Client is an origin API client.
type Client struct {
	httpClient  *http.Client
	metadataURL string
	downloadURL string
	userAgent   string
	timeout     time.Duration
	maxMetadata int64
	retry       retry.Config
	logger      zerolog.Logger
}

// NewClient creates a new origin client. The underlying http.Client has no
// overall timeout so long file streams are not cut off; metadata requests
// carry a per-attempt deadline and file streams rely on header timeouts plus
// the caller's stall detection.
func NewClient(cfg config.OriginConfig, rc retry.Config, logger zerolog.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   timeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   timeout,
		ResponseHeaderTimeout: timeout,
		IdleConnTimeout:       90 * time.Second,
		MaxIdleConnsPerHost:   8,
	}

	return &Client{
		httpClient:  &http.Client{Transport: transport},
		metadataURL: strings.TrimRight(cfg.MetadataURL, "/"),
		downloadURL: strings.TrimRight(cfg.DownloadURL, "/"),
		userAgent:   cfg.UserAgent,
		timeout:     timeout,
		maxMetadata: maxMetadataBytes,
		retry:       rc,
		logger:      logger.With().Str("component", "origin").Logger(),
	}
}

// FetchMetadata retrieves and parses the metadata document for identifier.
// The raw body is returned alongside so callers can snapshot it verbatim.
func (c *Client) FetchMetadata(ctx context.Context, identifier string) (*Metadata, []byte, error) {
	endpoint := c.metadataURL + "/" + url.PathEscape(identifier)

	var body []byte
	err := retry.Do(ctx, "fetch metadata "+identifier, c.retry, c.logger, func(ctx context.Context) error {
		data, err := c.get(ctx, endpoint)
		if err != nil {
			return err
		}
		body = data
		return nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("fetch metadata for %q: %w", identifier, err)
	}

	md, err := Parse(identifier, body)
	if err != nil {
		return nil, nil, err
	}

	c.logger.Debug().Str("identifier", identifier).Int("files", len(md.Files)).Msg("Fetched origin metadata")
	return md, body, nil
}

func (c *Client) get(ctx context.Context, endpoint string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &retry.StatusError{URL: endpoint, StatusCode: resp.StatusCode}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, c.maxMetadata+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > c.maxMetadata {
		return nil, retry.Permanent(fmt.Errorf("%w: %s exceeds %d bytes", ErrMetadataTooLarge, endpoint, c.maxMetadata))
	}
	return data, nil
}

// FileURL returns the download URL of one file of an item. Each path
// segment is escaped individually so nested names keep their slashes.
func (c *Client) FileURL(identifier, name string) string {
	segments := strings.Split(name, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return c.downloadURL + "/" + url.PathEscape(identifier) + "/" + strings.Join(segments, "/")
}

// OpenFile starts streaming one file. Opening is retried; reading the body
// is not. The caller must close the returned response body.
func (c *Client) OpenFile(ctx context.Context, identifier, name string) (*http.Response, error) {
	endpoint := c.FileURL(identifier, name)

	var resp *http.Response
	err := retry.Do(ctx, "open "+identifier+"/"+name, c.retry, c.logger, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return retry.Permanent(fmt.Errorf("create request: %w", err))
		}
		if c.userAgent != "" {
			req.Header.Set("User-Agent", c.userAgent)
		}

		r, err := c.httpClient.Do(req)
		if err != nil {
			return err
		}
		if r.StatusCode != http.StatusOK {
			_, _ = io.Copy(io.Discard, io.LimitReader(r.Body, 4096))
			r.Body.Close()
			return &retry.StatusError{URL: endpoint, StatusCode: r.StatusCode}
		}
		resp = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}
