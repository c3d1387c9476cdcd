// Package client talks to a running engram server over its HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/compemperor/engram/internal/engine"
	"github.com/compemperor/engram/internal/model"
	"github.com/compemperor/engram/internal/scheduler"
)

const (
	defaultServerURL = "http://127.0.0.1:37778"
	httpTimeout      = 30 * time.Second
	getRetries       = 2
)

// APIError is a non-2xx response. It unwraps to the matching model error
// so callers can use errors.Is on both sides of the wire.
type APIError struct {
	Status  int
	Message string
	Reason  model.RejectReason
	Body    []byte
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
}

func (e *APIError) Unwrap() error {
	switch e.Status {
	case http.StatusBadRequest:
		return model.ErrInvalid
	case http.StatusNotFound:
		return model.ErrNotFound
	case http.StatusUnprocessableEntity:
		return model.ErrRejected
	case http.StatusConflict:
		return model.ErrSessionClosed
	case http.StatusServiceUnavailable:
		return model.ErrCollaboratorUnavailable
	}
	return nil
}

// Client talks to the engram server.
type Client struct {
	http      *http.Client
	serverURL string
}

// New creates a client for serverURL. An empty serverURL falls back to the
// ENGRAM_URL env var, then to http://127.0.0.1:37778.
func New(serverURL string) *Client {
	if serverURL == "" {
		serverURL = os.Getenv("ENGRAM_URL")
	}
	if serverURL == "" {
		serverURL = defaultServerURL
	}
	return &Client{
		http:      &http.Client{},
		serverURL: serverURL,
	}
}

// URL returns the server base URL.
func (c *Client) URL() string { return c.serverURL }

// do sends a request and decodes a JSON response into out. Requests
// without a deadline get httpTimeout. GETs are retried on transport errors;
// any response from the server is final.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, httpTimeout)
		defer cancel()
	}

	var body []byte
	if in != nil {
		var err error
		if body, err = json.Marshal(in); err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
	}

	op := func() (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, method, c.serverURL+path, bytes.NewReader(body))
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		if in != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		resp, err := c.http.Do(req)
		if err != nil {
			if method != http.MethodGet || ctx.Err() != nil {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		return resp, nil
	}
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), getRetries), ctx)
	resp, err := backoff.RetryWithData(op, b)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response %s: %w", path, err)
	}
	if resp.StatusCode >= 400 {
		apiErr := &APIError{Status: resp.StatusCode, Message: string(data), Body: data}
		var e struct {
			Error  string             `json:"error"`
			Reason model.RejectReason `json:"reason"`
		}
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			apiErr.Message, apiErr.Reason = e.Error, e.Reason
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response %s: %w", path, err)
	}
	return nil
}

// Healthy checks if the server is reachable.
func (c *Client) Healthy(ctx context.Context) bool {
	return c.do(ctx, http.MethodGet, "/api/health", nil, nil) == nil
}

// Stats returns engine statistics.
func (c *Client) Stats(ctx context.Context) (*engine.Stats, error) {
	var st engine.Stats
	if err := c.do(ctx, http.MethodGet, "/api/stats", nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// Add submits a candidate to the quality gate. A rejection returns the
// verdict alongside an error matching model.ErrRejected.
func (c *Client) Add(ctx context.Context, cand model.Candidate) (*engine.AddResult, error) {
	var res engine.AddResult
	err := c.do(ctx, http.MethodPost, "/api/records", cand, &res)
	if errors.Is(err, model.ErrRejected) {
		var apiErr *APIError
		errors.As(err, &apiErr)
		var rej struct {
			Verdict engine.Verdict `json:"verdict"`
		}
		if json.Unmarshal(apiErr.Body, &rej) == nil {
			res.Verdict = rej.Verdict
		}
		res.Verdict.Reason = apiErr.Reason
		return &res, err
	}
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// Get fetches one record.
func (c *Client) Get(ctx context.Context, id string) (*model.Record, error) {
	var rec model.Record
	if err := c.do(ctx, http.MethodGet, "/api/records/"+url.PathEscape(id), nil, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// Search runs a text similarity search.
func (c *Client) Search(ctx context.Context, query string, opts engine.SearchOptions) ([]engine.Result, error) {
	var resp struct {
		Results []engine.Result `json:"results"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/search?"+searchQuery(query, opts).Encode(), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Results, nil
}

// SearchIntent classifies query server-side and lets the intent fill the
// options left unset.
func (c *Client) SearchIntent(ctx context.Context, query string, opts engine.SearchOptions) (*engine.IntentSearch, error) {
	q := searchQuery(query, opts)
	q.Set("intent", "true")
	var res engine.IntentSearch
	if err := c.do(ctx, http.MethodGet, "/api/search?"+q.Encode(), nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func searchQuery(query string, opts engine.SearchOptions) url.Values {
	q := url.Values{"q": {query}}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Topic != "" {
		q.Set("topic", opts.Topic)
	}
	if opts.Kind != "" {
		q.Set("kind", string(opts.Kind))
	}
	if opts.MinQuality > 0 {
		q.Set("min_quality", strconv.Itoa(opts.MinQuality))
	}
	if opts.IncludeDormant {
		q.Set("include_dormant", "true")
	}
	return q
}

// Recall returns and reinforces the strongest records under topic.
func (c *Client) Recall(ctx context.Context, topic string, opts engine.RecallOptions) ([]*model.Record, error) {
	req := struct {
		Topic string `json:"topic"`
		engine.RecallOptions
	}{topic, opts}
	var resp struct {
		Records []*model.Record `json:"records"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/recall", req, &resp); err != nil {
		return nil, err
	}
	return resp.Records, nil
}

// Related walks the knowledge graph from id.
func (c *Client) Related(ctx context.Context, id string, depth int) ([]engine.Related, error) {
	path := fmt.Sprintf("/api/records/%s/related?depth=%d", url.PathEscape(id), depth)
	var resp struct {
		Related []engine.Related `json:"related"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Related, nil
}

// Review submits a recall outcome for id.
func (c *Client) Review(ctx context.Context, id string, outcome model.Outcome) (*model.Record, error) {
	var rec model.Record
	req := map[string]string{"outcome": string(outcome)}
	if err := c.do(ctx, http.MethodPost, "/api/records/"+url.PathEscape(id)+"/review", req, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// DueReviews lists records whose review is due, most urgent first.
func (c *Client) DueReviews(ctx context.Context, limit int) ([]engine.DueReview, error) {
	var resp struct {
		Due []engine.DueReview `json:"due"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/reviews/due?limit="+strconv.Itoa(limit), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Due, nil
}

// ConsolidationStatus reports the scheduler state.
func (c *Client) ConsolidationStatus(ctx context.Context) (*scheduler.Status, error) {
	var st scheduler.Status
	if err := c.do(ctx, http.MethodGet, "/api/consolidation", nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// Consolidate runs a consolidation cycle and waits for its report.
func (c *Client) Consolidate(ctx context.Context) (*scheduler.CycleReport, error) {
	var rep scheduler.CycleReport
	if err := c.do(ctx, http.MethodPost, "/api/consolidation/run", nil, &rep); err != nil {
		return nil, err
	}
	return &rep, nil
}

// RebuildIndex re-embeds stale records and reloads the vector index.
func (c *Client) RebuildIndex(ctx context.Context) (int, error) {
	var resp struct {
		Indexed int `json:"indexed"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/index/rebuild", nil, &resp); err != nil {
		return 0, err
	}
	return resp.Indexed, nil
}

// DriftMetrics aggregates the quality gate's verdict history.
func (c *Client) DriftMetrics(ctx context.Context) (*engine.DriftMetrics, error) {
	var m engine.DriftMetrics
	if err := c.do(ctx, http.MethodGet, "/api/mirror/drift", nil, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// QualityTrends classifies the last n verdicts; n <= 0 uses the server's
// trend window.
func (c *Client) QualityTrends(ctx context.Context, n int) (*engine.QualityTrend, error) {
	path := "/api/mirror/trends"
	if n > 0 {
		path += "?n=" + strconv.Itoa(n)
	}
	var t engine.QualityTrend
	if err := c.do(ctx, http.MethodGet, path, nil, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// RecallStats reports recall outcomes for id, or for every record when id
// is empty.
func (c *Client) RecallStats(ctx context.Context, id string) (*engine.RecallStats, error) {
	path := "/api/recall/stats"
	if id != "" {
		path += "?id=" + url.QueryEscape(id)
	}
	var st engine.RecallStats
	if err := c.do(ctx, http.MethodGet, path, nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}
