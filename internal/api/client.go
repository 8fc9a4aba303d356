// Package api talks to the signage server's REST endpoints: the playlist
// pull, per-fault error reports and escalated alerts.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"screen-player/internal/playlist"
	"screen-player/internal/protocol"

	"github.com/sirupsen/logrus"
)

var (
	// ErrUnauthorized means the server rejected the player key.
	ErrUnauthorized = errors.New("player key rejected")
	// ErrNotFound means the server does not know this screen.
	ErrNotFound = errors.New("screen not found")
)

// DefaultTimeout bounds every request when Options.Timeout is zero.
const DefaultTimeout = 10 * time.Second

// maxBodyBytes caps how much of a playlist response is read.
const maxBodyBytes = 8 << 20

// Options configure a Client.
type Options struct {
	BaseURL   string
	ScreenID  string
	PlayerKey string
	Timeout   time.Duration
	Logger    logrus.FieldLogger
	// HTTPClient overrides the default client (tests).
	HTTPClient *http.Client
}

// Client is safe for concurrent use.
type Client struct {
	base      string
	screenID  string
	playerKey string
	httpCli   *http.Client
	log       logrus.FieldLogger
}

// NewClient creates an API client for one screen.
func NewClient(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	httpCli := opts.HTTPClient
	if httpCli == nil {
		httpCli = &http.Client{Timeout: opts.Timeout}
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	return &Client{
		base:      opts.BaseURL,
		screenID:  opts.ScreenID,
		playerKey: opts.PlayerKey,
		httpCli:   httpCli,
		log:       logger.WithField("component", "api"),
	}
}

// FetchPlaylist pulls the screen's current playlist.
func (c *Client) FetchPlaylist(ctx context.Context) (playlist.Playlist, error) {
	endpoint := fmt.Sprintf("%s/api/playlist/screen/%s?%s=%s",
		c.base, url.PathEscape(c.screenID), protocol.PlayerKeyQueryArg, url.QueryEscape(c.playerKey))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build playlist request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpCli.Do(req)
	if err != nil {
		return nil, fmt.Errorf("playlist request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, ErrUnauthorized
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrNotFound
	case resp.StatusCode >= 300:
		return nil, fmt.Errorf("playlist response: %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read playlist: %w", err)
	}

	pl, err := playlist.Decode(body)
	if err != nil {
		return nil, err
	}
	c.log.Debugf("playlist pulled: %d slots", pl.Len())
	return pl, nil
}

// ReportFault posts a routine fault report.
func (c *Client) ReportFault(ctx context.Context, report protocol.FaultReport) error {
	return c.post(ctx, "errors", report, false)
}

// SendAlert posts an escalated alert authenticated with the player key.
func (c *Client) SendAlert(ctx context.Context, report protocol.FaultReport) error {
	return c.post(ctx, "alerts", report, true)
}

func (c *Client) post(ctx context.Context, resource string, payload any, withKey bool) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", resource, err)
	}

	endpoint := fmt.Sprintf("%s/api/screens/%s/%s", c.base, url.PathEscape(c.screenID), resource)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build %s request: %w", resource, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if withKey {
		req.Header.Set(protocol.PlayerKeyHeader, c.playerKey)
	}

	resp, err := c.httpCli.Do(req)
	if err != nil {
		return fmt.Errorf("%s POST failed: %w", resource, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s response: %d", resource, resp.StatusCode)
	}

	c.log.Debugf("%s sent OK (%d)", resource, resp.StatusCode)
	return nil
}
