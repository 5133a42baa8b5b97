// Copyright 2025-2026 Mukhammad-develop

// Package gateway implements the production transport: an HTTP client for
// the session-gateway sidecar that owns the actual messaging-service
// sessions. The relay engine stays protocol-agnostic; this package maps
// the sidecar's REST surface and status codes onto the relay error
// taxonomy.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"go.mau.fi/util/retryafter"

	"github.com/Mukhammad-develop/telegram-addresser/pkg/relay"
)

const (
	// defaultRetryAfter is assumed when the sidecar rate-limits without a
	// parseable Retry-After header.
	defaultRetryAfter = 5 * time.Second
	// eventPollTimeout is the long-poll window requested from the events
	// endpoint, in seconds.
	eventPollTimeout = 25
	// eventRetryDelay spaces retries after a failed event poll.
	eventRetryDelay = 3 * time.Second
)

// Client is one authenticated session on the gateway sidecar. It
// implements relay.Transport.
type Client struct {
	baseURL string
	session string
	token   string
	apiID   int
	apiHash string

	http *http.Client
	log  zerolog.Logger
}

var _ relay.Transport = (*Client)(nil)

// Options configure a gateway client.
type Options struct {
	// BaseURL is the sidecar's root URL, e.g. http://127.0.0.1:8089.
	BaseURL string
	// Session is the account session name; it scopes every request and
	// doubles as the single-instance ownership key on the sidecar.
	Session string
	// Token authenticates this process to the sidecar.
	Token   string
	APIID   int
	APIHash string
	// HTTPClient overrides the default client, mainly for tests.
	HTTPClient *http.Client
}

// NewClient builds a gateway client. The session is not connected yet;
// the worker calls Connect.
func NewClient(opts Options, log zerolog.Logger) *Client {
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 2 * time.Minute}
	}
	return &Client{
		baseURL: opts.BaseURL,
		session: opts.Session,
		token:   opts.Token,
		apiID:   opts.APIID,
		apiHash: opts.APIHash,
		http:    hc,
		log:     log.With().Str("component", "gateway").Str("session", opts.Session).Logger(),
	}
}

type connectRequest struct {
	APIID   int    `json:"api_id"`
	APIHash string `json:"api_hash"`
}

type connectResponse struct {
	UserID   int64  `json:"user_id"`
	Username string `json:"username"`
}

// Connect opens (or attaches to) the account session on the sidecar.
func (c *Client) Connect(ctx context.Context) error {
	var out connectResponse
	err := c.do(ctx, http.MethodPost, "/connect", nil,
		&connectRequest{APIID: c.apiID, APIHash: c.apiHash}, &out)
	if err != nil {
		return err
	}
	c.log.Info().Int64("user_id", out.UserID).Str("username", out.Username).
		Msg("Session connected")
	return nil
}

// Close releases the session on the sidecar, best effort.
func (c *Client) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.do(ctx, http.MethodPost, "/disconnect", nil, nil, nil); err != nil {
		c.log.Debug().Err(err).Msg("Session disconnect failed")
	}
	c.http.CloseIdleConnections()
	return nil
}

type listResponse struct {
	Messages []*relay.Message `json:"messages"`
}

// ListMessages implements relay.Transport.
func (c *Client) ListMessages(ctx context.Context, feedID int64, opts relay.ListOptions) ([]*relay.Message, error) {
	q := url.Values{}
	if opts.MinID > 0 {
		q.Set("min_id", strconv.FormatInt(opts.MinID, 10))
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Last {
		q.Set("last", "true")
	}
	var out listResponse
	path := fmt.Sprintf("/feeds/%d/messages", feedID)
	if err := c.do(ctx, http.MethodGet, path, q, nil, &out); err != nil {
		return nil, err
	}
	return out.Messages, nil
}

type sendResponse struct {
	ID int64 `json:"id"`
}

// SendMessage implements relay.Transport.
func (c *Client) SendMessage(ctx context.Context, feedID int64, msg *relay.Message) (int64, error) {
	var out sendResponse
	path := fmt.Sprintf("/feeds/%d/messages", feedID)
	if err := c.do(ctx, http.MethodPost, path, nil, msg, &out); err != nil {
		return 0, err
	}
	return out.ID, nil
}

type albumRequest struct {
	Messages []*relay.Message `json:"messages"`
}

type albumResponse struct {
	IDs []int64 `json:"ids"`
}

// SendAlbum implements relay.Transport. The sidecar delivers the group
// atomically and returns the assigned ids in order.
func (c *Client) SendAlbum(ctx context.Context, feedID int64, msgs []*relay.Message) ([]int64, error) {
	var out albumResponse
	path := fmt.Sprintf("/feeds/%d/albums", feedID)
	if err := c.do(ctx, http.MethodPost, path, nil, &albumRequest{Messages: msgs}, &out); err != nil {
		return nil, err
	}
	return out.IDs, nil
}

// DeleteMessage implements relay.Transport.
func (c *Client) DeleteMessage(ctx context.Context, feedID int64, messageID int64) error {
	path := fmt.Sprintf("/feeds/%d/messages/%d", feedID, messageID)
	return c.do(ctx, http.MethodDelete, path, nil, nil, nil)
}

type wireEvent struct {
	Type       string         `json:"type"`
	FeedID     int64          `json:"feed_id"`
	Message    *relay.Message `json:"message,omitempty"`
	DeletedIDs []int64        `json:"deleted_ids,omitempty"`
}

type eventsResponse struct {
	Cursor string      `json:"cursor"`
	Events []wireEvent `json:"events"`
}

// SubscribeEvents long-polls the sidecar's events endpoint and fans the
// updates into a channel. The channel closes when ctx is done or the
// session becomes unusable; the worker falls back to polling either way.
func (c *Client) SubscribeEvents(ctx context.Context) (<-chan relay.Event, error) {
	ch := make(chan relay.Event, 16)
	go c.pollEvents(ctx, ch)
	return ch, nil
}

func (c *Client) pollEvents(ctx context.Context, ch chan<- relay.Event) {
	defer close(ch)
	cursor := ""
	for ctx.Err() == nil {
		q := url.Values{"timeout": {strconv.Itoa(eventPollTimeout)}}
		if cursor != "" {
			q.Set("cursor", cursor)
		}
		var out eventsResponse
		err := c.do(ctx, http.MethodGet, "/events", q, nil, &out)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, relay.ErrAuth) || errors.Is(err, relay.ErrSessionLocked) {
				c.log.Error().Err(err).Msg("Event stream lost session, stopping")
				return
			}
			delay := eventRetryDelay
			if rle, ok := relay.AsRateLimit(err); ok {
				delay = rle.RetryAfter
			}
			c.log.Warn().Err(err).Dur("retry_in", delay).Msg("Event poll failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			continue
		}
		cursor = out.Cursor
		for _, ev := range out.Events {
			select {
			case <-ctx.Done():
				return
			case ch <- relay.Event{
				Type:       relay.EventType(ev.Type),
				FeedID:     ev.FeedID,
				Message:    ev.Message,
				DeletedIDs: ev.DeletedIDs,
			}:
			}
		}
	}
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// do performs one request against the session's resource tree and decodes
// the JSON response into out (when non-nil).
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	u := c.baseURL + "/v1/sessions/" + url.PathEscape(c.session) + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("gateway: failed to encode request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reqBody)
	if err != nil {
		return fmt.Errorf("gateway: failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("gateway: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	if err := c.checkResponse(resp); err != nil {
		return err
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("gateway: failed to decode response: %w", err)
	}
	return nil
}

// checkResponse maps the sidecar's status codes onto the relay error
// taxonomy. 403 responses are disambiguated by the error code in the
// body; an unrecognized 403 is treated as a write-permission failure.
func (c *Client) checkResponse(resp *http.Response) error {
	if resp.StatusCode < http.StatusMultipleChoices {
		return nil
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var ae apiError
	_ = json.Unmarshal(data, &ae)
	if ae.Message == "" {
		ae.Message = http.StatusText(resp.StatusCode)
	}
	switch resp.StatusCode {
	case http.StatusUnauthorized:
		return fmt.Errorf("%w: %s", relay.ErrAuth, ae.Message)
	case http.StatusLocked:
		return fmt.Errorf("%w: %s", relay.ErrSessionLocked, ae.Message)
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", relay.ErrNotFound, ae.Message)
	case http.StatusTooManyRequests:
		return &relay.RateLimitError{
			RetryAfter: retryafter.Parse(resp.Header.Get("Retry-After"), defaultRetryAfter),
		}
	case http.StatusForbidden:
		switch ae.Code {
		case "copy_forbidden":
			return fmt.Errorf("%w: %s", relay.ErrCopyForbidden, ae.Message)
		case "delete_forbidden":
			return fmt.Errorf("%w: %s", relay.ErrDeleteForbidden, ae.Message)
		default:
			return fmt.Errorf("%w: %s", relay.ErrWriteForbidden, ae.Message)
		}
	default:
		return fmt.Errorf("gateway: unexpected status %d: %s", resp.StatusCode, ae.Message)
	}
}
