package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
)

// Client talks to a Server over HTTP.
type Client struct {
	baseURL string
	client  *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		client:  http.DefaultClient,
	}
}

// APIError is a non-2xx answer.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("request failed: %d: %s", e.StatusCode, e.Message)
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s body: %w", method, err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return fmt.Errorf("create %s request: %w", method, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", contentTypeJSON)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s do: %w", method, err)
	}
	defer resp.Body.Close()

	var r struct {
		Response
		Data json.RawMessage `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return fmt.Errorf("decode %s body: %w", method, err)
	}
	if resp.StatusCode != http.StatusOK {
		return &APIError{StatusCode: resp.StatusCode, Message: r.Error}
	}

	switch v := out.(type) {
	case nil:
	case *uint64:
		*v = r.Seq
	default:
		if err := json.Unmarshal(r.Data, out); err != nil {
			return fmt.Errorf("decode %s data: %w", method, err)
		}
	}
	return nil
}

// Write stores rows given as column name to value maps and returns the
// sequence of the last one.
func (c *Client) Write(ctx context.Context, table string, rows []map[string]any) (uint64, error) {
	var seq uint64
	err := c.do(ctx, http.MethodPost, "/tables/"+url.PathEscape(table)+"/rows", nil, RowsPayload{Rows: rows}, &seq)
	return seq, err
}

func (c *Client) Delete(ctx context.Context, table string, keys []map[string]any) (uint64, error) {
	var seq uint64
	err := c.do(ctx, http.MethodDelete, "/tables/"+url.PathEscape(table)+"/rows", nil, RowsPayload{Rows: keys}, &seq)
	return seq, err
}

// Get looks up one row by its key columns; key values are sent as query
// parameters.
func (c *Client) Get(ctx context.Context, table string, key map[string]string, watermark uint64) (RecordView, bool, error) {
	q := url.Values{}
	for k, v := range key {
		q.Set(k, v)
	}
	if watermark > 0 {
		q.Set("watermark", strconv.FormatUint(watermark, 10))
	}

	var rec RecordView
	err := c.do(ctx, http.MethodGet, "/tables/"+url.PathEscape(table)+"/rows", q, nil, &rec)
	if apiErr, ok := err.(*APIError); ok && apiErr.StatusCode == http.StatusNotFound {
		return RecordView{}, false, nil
	}
	if err != nil {
		return RecordView{}, false, err
	}
	return rec, true, nil
}

// ScanOptions narrow a Scan. Zero values mean no bound.
type ScanOptions struct {
	From, To  *int64
	Watermark uint64
	Limit     int
}

func (c *Client) Scan(ctx context.Context, table string, opts ScanOptions) (ScanResult, error) {
	q := url.Values{}
	if opts.From != nil {
		q.Set("from", strconv.FormatInt(*opts.From, 10))
	}
	if opts.To != nil {
		q.Set("to", strconv.FormatInt(*opts.To, 10))
	}
	if opts.Watermark > 0 {
		q.Set("watermark", strconv.FormatUint(opts.Watermark, 10))
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}

	var res ScanResult
	err := c.do(ctx, http.MethodGet, "/tables/"+url.PathEscape(table)+"/rows", q, nil, &res)
	return res, err
}

func (c *Client) Flush(ctx context.Context, table string) error {
	return c.do(ctx, http.MethodPost, "/tables/"+url.PathEscape(table)+"/flush", nil, nil, nil)
}

// ResolveQuarantine restores a quarantined segment or drops it.
func (c *Client) ResolveQuarantine(ctx context.Context, table string, id uint64, restore bool) error {
	action := "drop"
	if restore {
		action = "restore"
	}
	path := fmt.Sprintf("/tables/%s/quarantine/%d/%s", url.PathEscape(table), id, action)
	return c.do(ctx, http.MethodPost, path, nil, nil, nil)
}
