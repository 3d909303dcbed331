package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// HTTPClient talks to a remote store over the push/pull HTTP contract.
type HTTPClient struct {
	baseURL string
	userID  string
	client  *http.Client
	logger  zerolog.Logger
}

var _ Client = &HTTPClient{}

type ClientOption func(*HTTPClient)

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *HTTPClient) {
		if client != nil {
			c.client = client
		}
	}
}

func WithClientLogger(logger zerolog.Logger) ClientOption {
	return func(c *HTTPClient) { c.logger = logger }
}

func NewHTTPClient(baseURL, userID string, opts ...ClientOption) (*HTTPClient, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("remote client: empty base URL")
	}
	if strings.TrimSpace(userID) == "" {
		return nil, errors.New("remote client: empty user id")
	}
	c := &HTTPClient{
		baseURL: baseURL,
		userID:  userID,
		client:  &http.Client{Timeout: 30 * time.Second},
		logger:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *HTTPClient) Push(ctx context.Context, records []Record) (string, error) {
	if c == nil {
		return "", errors.New("remote client: nil client")
	}
	body, err := json.Marshal(PushRequest{Conversations: records})
	if err != nil {
		return "", errors.Wrap(err, "remote client: marshal push request")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+PushPath, bytes.NewReader(body))
	if err != nil {
		return "", errors.Wrap(err, "remote client: build push request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(UserIDHeader, c.userID)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", errors.Wrap(err, "remote client: push")
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return "", errors.Errorf("remote client: push returned status %d", resp.StatusCode)
	}
	var out PushResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
		return "", errors.Wrap(err, "remote client: decode push response")
	}
	c.logger.Debug().Int("records", len(records)).Str("cursor", out.Cursor).Msg("pushed conversations")
	return out.Cursor, nil
}

func (c *HTTPClient) Pull(ctx context.Context, cursor string, limit int) (PullResponse, error) {
	if c == nil {
		return PullResponse{}, errors.New("remote client: nil client")
	}
	if limit <= 0 {
		limit = 200
	}
	q := url.Values{}
	q.Set("cursor", cursor)
	q.Set("limit", fmt.Sprintf("%d", limit))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+PullPath+"?"+q.Encode(), nil)
	if err != nil {
		return PullResponse{}, errors.Wrap(err, "remote client: build pull request")
	}
	req.Header.Set(UserIDHeader, c.userID)

	resp, err := c.client.Do(req)
	if err != nil {
		return PullResponse{}, errors.Wrap(err, "remote client: pull")
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return PullResponse{}, errors.Errorf("remote client: pull returned status %d", resp.StatusCode)
	}
	var out PullResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<20)).Decode(&out); err != nil {
		return PullResponse{}, errors.Wrap(err, "remote client: decode pull response")
	}
	c.logger.Debug().Int("records", len(out.Conversations)).Str("cursor", out.Cursor).Msg("pulled conversations")
	return out, nil
}
