// Package igapi implements source.Client against Instagram's private web
// API. It authenticates with a stored session cookie; the engine never sees
// credentials, only the capability interface.
package igapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/igrelay/igrelay/internal/source"
	"go.uber.org/zap"
)

const (
	baseURL   = "https://i.instagram.com/api/v1"
	userAgent = "Instagram 275.0.0.27.98 Android"
)

// Options configures the API client.
type Options struct {
	SessionID string // value of the sessionid cookie
	PageSize  int    // items per inbox/thread page
	Timeout   time.Duration
}

// Client talks to the direct-message endpoints. It owns auth headers and
// request pacing; callers treat its failures as opaque upstream errors.
type Client struct {
	http     *http.Client
	session  string
	pageSize int
	logger   *zap.Logger
}

// New creates an API client. A nil logger disables logging.
func New(opts Options, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.PageSize <= 0 {
		opts.PageSize = 20
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	return &Client{
		http:     &http.Client{Timeout: opts.Timeout},
		session:  opts.SessionID,
		pageSize: opts.PageSize,
		logger:   logger,
	}
}

type inboxResponse struct {
	Inbox struct {
		Threads []source.ThreadPayload `json:"threads"`
	} `json:"inbox"`
	Status string `json:"status"`
}

type threadResponse struct {
	Thread struct {
		Items []source.MessagePayload `json:"items"`
	} `json:"thread"`
	Status string `json:"status"`
}

type broadcastResponse struct {
	Payload struct {
		ItemID string `json:"item_id"`
	} `json:"payload"`
	Status string `json:"status"`
}

// FetchThreads returns the direct-message inbox.
func (c *Client) FetchThreads(ctx context.Context, accountID string) ([]source.ThreadPayload, error) {
	var resp inboxResponse
	q := url.Values{"limit": {strconv.Itoa(c.pageSize)}}
	if err := c.get(ctx, "/direct_v2/inbox/", q, &resp); err != nil {
		return nil, fmt.Errorf("fetch inbox: %w", err)
	}
	c.logger.Debug("fetched inbox",
		zap.String("account_id", accountID),
		zap.Int("threads", len(resp.Inbox.Threads)))
	return resp.Inbox.Threads, nil
}

// FetchMessages returns the items of a thread. The endpoint has no server
// side since filter, so older items are dropped client side.
func (c *Client) FetchMessages(ctx context.Context, threadID string, since int64) ([]source.MessagePayload, error) {
	var resp threadResponse
	q := url.Values{"limit": {strconv.Itoa(c.pageSize)}}
	if err := c.get(ctx, "/direct_v2/threads/"+url.PathEscape(threadID)+"/", q, &resp); err != nil {
		return nil, fmt.Errorf("fetch thread %s: %w", threadID, err)
	}
	items := resp.Thread.Items
	if since > 0 {
		kept := items[:0]
		for _, it := range items {
			ts, _ := it.Timestamp.Int64()
			// Thread items carry microsecond timestamps.
			if ts/1000 >= since {
				kept = append(kept, it)
			}
		}
		items = kept
	}
	return items, nil
}

// SendMessage broadcasts a text item into a thread.
func (c *Client) SendMessage(ctx context.Context, threadID, text string) (string, error) {
	form := url.Values{
		"thread_ids": {"[" + threadID + "]"},
		"text":       {text},
	}
	var resp broadcastResponse
	if err := c.post(ctx, "/direct_v2/threads/broadcast/text/", form, &resp); err != nil {
		return "", fmt.Errorf("send to thread %s: %w", threadID, err)
	}
	if resp.Payload.ItemID == "" {
		return "", fmt.Errorf("send to thread %s: no item id in response", threadID)
	}
	return resp.Payload.ItemID, nil
}

func (c *Client) get(ctx context.Context, path string, q url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+path+"?"+q.Encode(), nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) post(ctx context.Context, path string, form url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+path, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	req.Header.Set("User-Agent", userAgent)
	req.AddCookie(&http.Cookie{Name: "sessionid", Value: c.session})

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d: %s", resp.StatusCode, truncate(string(body), 200))
	}

	dec := json.NewDecoder(strings.NewReader(string(body)))
	dec.UseNumber()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}
