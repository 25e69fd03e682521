package soldoutsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal Soldout HTTP API client.
type Client struct {
	BaseURL     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// StatusRecord is the API status model for one item.
type StatusRecord struct {
	ItemID     int    `json:"item_id"`
	State      string `json:"state"`
	Source     string `json:"source"`
	ObservedAt string `json:"observed_at"`
}

// Counts is the collection-wide aggregate.
type Counts struct {
	LiveCount int    `json:"live_count"`
	SoldCount int    `json:"sold_count"`
	AsOf      string `json:"as_of"`
}

// PageStatus wraps per-page lookups keyed by item id.
type PageStatus struct {
	Items map[string]StatusRecord `json:"items"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// ItemStatus resolves one item's sale status.
func (c *Client) ItemStatus(ctx context.Context, itemID int) (StatusRecord, error) {
	var resp StatusRecord
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("v0/items/%d/status", itemID), nil, &resp)
	return resp, err
}

// PageStatus resolves a page of items with one batched chain query.
func (c *Client) PageStatus(ctx context.Context, ids []int) (PageStatus, error) {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.Itoa(id)
	}
	var resp PageStatus
	err := c.do(ctx, http.MethodGet, "v0/status?ids="+strings.Join(parts, ","), nil, &resp)
	return resp, err
}

// Counts returns the cached live/sold aggregate.
func (c *Client) Counts(ctx context.Context) (Counts, error) {
	var resp Counts
	err := c.do(ctx, http.MethodGet, "v0/counts", nil, &resp)
	return resp, err
}

// RefreshCounts bypasses the cache and recomputes the aggregate.
func (c *Client) RefreshCounts(ctx context.Context) (Counts, error) {
	var resp Counts
	err := c.do(ctx, http.MethodPost, "v0/counts/refresh", nil, &resp)
	return resp, err
}

// AnnouncePurchase reports a completed purchase. paidPriceEth may be empty.
func (c *Client) AnnouncePurchase(ctx context.Context, itemID int, paidPriceEth string) (StatusRecord, error) {
	body := map[string]any{"item_id": itemID}
	if paidPriceEth != "" {
		body["paid_price_eth"] = paidPriceEth
	}
	var resp StatusRecord
	err := c.do(ctx, http.MethodPost, "v0/purchases", body, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
