package workflowsource

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
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/animus-labs/flowgate/internal/domain"
)

// Observer receives the latency and result of every call.
type Observer func(op string, d time.Duration, err error)

type HTTPClientOptions struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
	Timeout    time.Duration
	RateLimit  float64
	Burst      int
	PageSize   int
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	UserAgent  string
	Observe    Observer
}

// HTTPClient speaks the instance's public REST API (/api/v1) authenticated
// with an X-N8N-API-KEY header.
type HTTPClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	timeout    time.Duration
	limiter    *rate.Limiter
	pageSize   int
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
	userAgent  string
	observe    Observer
}

func NewHTTPClient(opts HTTPClientOptions) (*HTTPClient, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		return nil, errors.New("base url is required")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	limit := rate.Limit(opts.RateLimit)
	if opts.RateLimit <= 0 {
		limit = rate.Inf
	}
	burst := opts.Burst
	if burst <= 0 {
		burst = 1
	}
	pageSize := opts.PageSize
	if pageSize <= 0 {
		pageSize = 100
	}
	maxRetries := opts.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 200 * time.Millisecond
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	return &HTTPClient{
		baseURL:    baseURL,
		apiKey:     strings.TrimSpace(opts.APIKey),
		httpClient: httpClient,
		timeout:    timeout,
		limiter:    rate.NewLimiter(limit, burst),
		pageSize:   pageSize,
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		maxDelay:   maxDelay,
		userAgent:  strings.TrimSpace(opts.UserAgent),
		observe:    opts.Observe,
	}, nil
}

type workflowPage struct {
	Data       []json.RawMessage `json:"data"`
	NextCursor *string           `json:"nextCursor"`
}

type workflowHead struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

func (c *HTTPClient) ListWorkflows(ctx context.Context) ([]domain.RawWorkflow, error) {
	start := time.Now()
	out, err := c.listWorkflows(ctx)
	c.record("list_workflows", start, err)
	return out, err
}

func (c *HTTPClient) listWorkflows(ctx context.Context) ([]domain.RawWorkflow, error) {
	var out []domain.RawWorkflow
	cursor := ""
	for {
		q := url.Values{}
		q.Set("limit", strconv.Itoa(c.pageSize))
		if cursor != "" {
			q.Set("cursor", cursor)
		}
		body, err := c.do(ctx, http.MethodGet, "/api/v1/workflows?"+q.Encode(), nil)
		if err != nil {
			return nil, err
		}
		var page workflowPage
		if err := json.Unmarshal(body, &page); err != nil {
			return nil, unavailable("list workflows", fmt.Errorf("decode page: %w", err))
		}
		for _, item := range page.Data {
			wf, err := rawWorkflow(item)
			if err != nil {
				return nil, err
			}
			out = append(out, wf)
		}
		if page.NextCursor == nil || *page.NextCursor == "" {
			break
		}
		cursor = *page.NextCursor
	}
	if out == nil {
		out = []domain.RawWorkflow{}
	}
	return out, nil
}

func (c *HTTPClient) GetWorkflow(ctx context.Context, id string) (domain.RawWorkflow, error) {
	start := time.Now()
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.RawWorkflow{}, errors.New("workflow id is required")
	}
	body, err := c.do(ctx, http.MethodGet, "/api/v1/workflows/"+url.PathEscape(id), nil)
	var wf domain.RawWorkflow
	if err == nil {
		wf, err = rawWorkflow(body)
	}
	c.record("get_workflow", start, err)
	return wf, err
}

func (c *HTTPClient) CreateWorkflow(ctx context.Context, payload []byte) (string, error) {
	start := time.Now()
	body, err := c.do(ctx, http.MethodPost, "/api/v1/workflows", payload)
	var id string
	if err == nil {
		var head workflowHead
		if err = json.Unmarshal(body, &head); err == nil && strings.TrimSpace(head.ID) == "" {
			err = errors.New("create workflow: response missing id")
		}
		id = head.ID
	}
	c.record("create_workflow", start, err)
	return id, err
}

func (c *HTTPClient) UpdateWorkflow(ctx context.Context, id string, payload []byte) error {
	start := time.Now()
	id = strings.TrimSpace(id)
	if id == "" {
		return errors.New("workflow id is required")
	}
	_, err := c.do(ctx, http.MethodPut, "/api/v1/workflows/"+url.PathEscape(id), payload)
	c.record("update_workflow", start, err)
	return err
}

func (c *HTTPClient) DeleteWorkflow(ctx context.Context, id string) error {
	start := time.Now()
	id = strings.TrimSpace(id)
	if id == "" {
		return errors.New("workflow id is required")
	}
	_, err := c.do(ctx, http.MethodDelete, "/api/v1/workflows/"+url.PathEscape(id), nil)
	c.record("delete_workflow", start, err)
	return err
}

func (c *HTTPClient) ListCredentials(ctx context.Context) ([]domain.Credential, error) {
	start := time.Now()
	var out []domain.Credential
	cursor := ""
	var err error
	for {
		q := url.Values{}
		q.Set("limit", strconv.Itoa(c.pageSize))
		if cursor != "" {
			q.Set("cursor", cursor)
		}
		var body []byte
		body, err = c.do(ctx, http.MethodGet, "/api/v1/credentials?"+q.Encode(), nil)
		if err != nil {
			break
		}
		var page struct {
			Data       []domain.Credential `json:"data"`
			NextCursor *string             `json:"nextCursor"`
		}
		if err = json.Unmarshal(body, &page); err != nil {
			err = unavailable("list credentials", fmt.Errorf("decode page: %w", err))
			break
		}
		out = append(out, page.Data...)
		if page.NextCursor == nil || *page.NextCursor == "" {
			break
		}
		cursor = *page.NextCursor
	}
	c.record("list_credentials", start, err)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func rawWorkflow(body []byte) (domain.RawWorkflow, error) {
	var head workflowHead
	if err := json.Unmarshal(body, &head); err != nil {
		return domain.RawWorkflow{}, domain.Malformed("decode workflow: %v", err)
	}
	return domain.RawWorkflow{ID: head.ID, Name: head.Name, Payload: append(json.RawMessage(nil), body...)}, nil
}

// do issues one request with a per-call timeout. Reads and idempotent writes
// are retried on 429 and 5xx; creates are not.
func (c *HTTPClient) do(ctx context.Context, method, path string, payload []byte) ([]byte, error) {
	if c == nil {
		return nil, errors.New("workflow source client is nil")
	}
	op := method + " " + strings.SplitN(path, "?", 2)[0]
	retries := c.maxRetries
	if method == http.MethodPost {
		retries = 0
	}

	for attempt := 0; ; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, unavailable(op, err)
		}
		status, body, retryAfter, err := c.once(ctx, method, path, payload)
		if err != nil {
			if attempt < retries && ctx.Err() == nil {
				if werr := sleepContext(ctx, c.retryDelay(attempt+1, "")); werr != nil {
					return nil, unavailable(op, werr)
				}
				continue
			}
			return nil, unavailable(op, err)
		}
		switch {
		case status >= 200 && status <= 299:
			return body, nil
		case status == http.StatusNotFound:
			return nil, fmt.Errorf("%s: %w", op, ErrNotFound)
		case status == http.StatusTooManyRequests || status >= 500:
			if attempt < retries {
				if werr := sleepContext(ctx, c.retryDelay(attempt+1, retryAfter)); werr != nil {
					return nil, unavailable(op, werr)
				}
				continue
			}
			return nil, unavailable(op, fmt.Errorf("status=%d message=%s", status, errorMessage(body)))
		default:
			return nil, fmt.Errorf("%s rejected: status=%d message=%s", op, status, errorMessage(body))
		}
	}
}

func (c *HTTPClient) once(ctx context.Context, method, path string, payload []byte) (int, []byte, string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, nil, "", err
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("X-N8N-API-KEY", c.apiKey)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, "", err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return 0, nil, "", err
	}
	return resp.StatusCode, body, resp.Header.Get("Retry-After"), nil
}

func (c *HTTPClient) record(op string, start time.Time, err error) {
	if c.observe != nil {
		c.observe(op, time.Since(start), err)
	}
}

func (c *HTTPClient) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	if seconds, err := strconv.Atoi(strings.TrimSpace(retryAfterHeader)); err == nil && seconds > 0 {
		if d := time.Duration(seconds) * time.Second; d < c.maxDelay {
			return d
		}
		return c.maxDelay
	}
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.maxDelay {
			return c.maxDelay
		}
	}
	return delay
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func errorMessage(body []byte) string {
	var parsed struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &parsed) == nil && strings.TrimSpace(parsed.Message) != "" {
		return parsed.Message
	}
	msg := strings.TrimSpace(string(body))
	if len(msg) > 256 {
		msg = msg[:256]
	}
	return msg
}
