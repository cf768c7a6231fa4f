package taxonomy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

// RetryBaseDelay is the first backoff step for 429/503 responses. Tests shrink it.
var RetryBaseDelay = 500 * time.Millisecond

const maxErrorBody = 4 << 10

// Client talks to the taxonomy/search service over HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
	retries    int
	logger     *zap.Logger
}

// NewClient creates a client for baseURL. A nil logger disables logging.
func NewClient(baseURL string, timeout time.Duration, retries int, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		retries:    retries,
		logger:     logger,
	}
}

// HTTPError is a non-2xx response the service sent back.
type HTTPError struct {
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("taxonomy service returned %d: %s", e.Status, e.Body)
}

func (c *Client) Versions(ctx context.Context) ([]string, error) {
	var versions []string
	if err := c.getJSON(ctx, "/api/versions", nil, &versions); err != nil {
		return nil, fmt.Errorf("fetch versions: %w", err)
	}
	return versions, nil
}

func (c *Client) Tactics(ctx context.Context, version string) ([]Tactic, error) {
	var tactics []Tactic
	if err := c.getJSON(ctx, "/api/tactics", url.Values{"version": {version}}, &tactics); err != nil {
		return nil, fmt.Errorf("fetch tactics for %s: %w", version, err)
	}
	return tactics, nil
}

func (c *Client) Answers(ctx context.Context, q AnswerQuery) ([]Answer, error) {
	params := url.Values{
		"version": {q.Version},
		"index":   {q.NodeID},
		"tactic":  {q.TacticContext},
	}
	var answers []Answer
	if err := c.getJSON(ctx, "/api/answers", params, &answers); err != nil {
		return nil, fmt.Errorf("fetch answers for %s: %w", q.NodeID, err)
	}
	return answers, nil
}

func (c *Client) Search(ctx context.Context, req SearchRequest) (SearchResponse, error) {
	params := url.Values{
		"version":        {req.Version},
		"index":          {req.NodeID},
		"tactic_context": {req.TacticContext},
		"search":         {req.Query},
	}
	for _, platform := range req.Platforms {
		params.Add("platforms", platform)
	}
	for _, source := range req.DataSources {
		params.Add("data_sources", source)
	}
	var resp SearchResponse
	if err := c.getJSON(ctx, "/search/answer_cards", params, &resp); err != nil {
		return SearchResponse{}, fmt.Errorf("search answer cards: %w", err)
	}
	return resp, nil
}

func (c *Client) SortCart(ctx context.Context, version string, pairs []Pair) ([]SortedTactic, error) {
	body := map[string]any{"version": version, "entries": pairs}
	var sorted []SortedTactic
	if err := c.doJSON(ctx, http.MethodPost, "/api/sort_cart", nil, body, &sorted); err != nil {
		return nil, fmt.Errorf("sort cart: %w", err)
	}
	return sorted, nil
}

// SaveCart submits a storage-shape snapshot to the server-side cart store.
func (c *Client) SaveCart(ctx context.Context, title string, snapshot []byte) error {
	body := map[string]any{"title": title, "cart": json.RawMessage(snapshot)}
	if err := c.doJSON(ctx, http.MethodPost, "/profile/save_cart", nil, body, nil); err != nil {
		return fmt.Errorf("save cart %q: %w", title, err)
	}
	return nil
}

func (c *Client) getJSON(ctx context.Context, path string, params url.Values, out any) error {
	return c.doJSON(ctx, http.MethodGet, path, params, nil, out)
}

func (c *Client) doJSON(ctx context.Context, method, path string, params url.Values, body, out any) error {
	target := c.baseURL + path
	if len(params) > 0 {
		target += "?" + params.Encode()
	}

	var payload []byte
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		payload = encoded
	}

	req, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.doWithRetry(ctx, req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		httpErr := &HTTPError{Status: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
		if resp.StatusCode >= 500 {
			return fmt.Errorf("%w: %w", ErrUnavailable, httpErr)
		}
		return httpErr
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

// doWithRetry retries 429 and 503 with exponential backoff starting at
// RetryBaseDelay. After the last attempt the final response is returned as-is.
func (c *Client) doWithRetry(ctx context.Context, req *http.Request) (*http.Response, error) {
	for attempt := 0; ; attempt++ {
		attemptReq := req.Clone(ctx)
		if req.GetBody != nil {
			bodyCopy, err := req.GetBody()
			if err != nil {
				return nil, err
			}
			attemptReq.Body = bodyCopy
		}

		resp, err := c.httpClient.Do(attemptReq)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode != http.StatusTooManyRequests && resp.StatusCode != http.StatusServiceUnavailable {
			return resp, nil
		}
		if attempt >= c.retries {
			return resp, nil
		}

		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()

		backoff := time.Duration(math.Pow(2, float64(attempt))) * RetryBaseDelay
		c.logger.Debug("taxonomy service busy, retrying",
			zap.String("path", req.URL.Path),
			zap.Int("status", resp.StatusCode),
			zap.Duration("backoff", backoff),
			zap.Int("attempt", attempt+1),
		)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
	}
}
