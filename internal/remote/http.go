package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/readerkit/readsync/internal/schema"
)

// HTTPClient talks to a Server over JSON/HTTP.
type HTTPClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

// HTTPOption configures an HTTPClient.
type HTTPOption func(*HTTPClient)

// WithRetries sets how many times a retryable request is repeated.
func WithRetries(n int) HTTPOption {
	return func(c *HTTPClient) { c.maxRetries = n }
}

// WithRetryDelays sets the initial and maximum backoff between retries.
func WithRetryDelays(base, max time.Duration) HTTPOption {
	return func(c *HTTPClient) { c.baseDelay, c.maxDelay = base, max }
}

// NewHTTPClient creates a client for the server at baseURL authenticating with token.
func NewHTTPClient(baseURL, token string, httpClient *http.Client, opts ...HTTPOption) *HTTPClient {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8787"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	c := &HTTPClient{
		baseURL:    baseURL,
		token:      strings.TrimSpace(token),
		httpClient: httpClient,
		maxRetries: 3,
		baseDelay:  100 * time.Millisecond,
		maxDelay:   2 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *HTTPClient) UpsertPosition(ctx context.Context, p schema.Position) (UpsertResult, error) {
	var out UpsertResult
	err := c.doJSON(ctx, http.MethodPut, "/v1/positions/"+url.PathEscape(p.BookID), p, &out)
	return out, err
}

func (c *HTTPClient) FetchPosition(ctx context.Context, bookID string) (schema.Position, error) {
	var out schema.Position
	err := c.doJSON(ctx, http.MethodGet, "/v1/positions/"+url.PathEscape(bookID), nil, &out)
	return out, err
}

func (c *HTTPClient) ListAnnotations(ctx context.Context, table Table, filter AnnotationFilter) ([]schema.Annotation, error) {
	kind, ok := table.Kind()
	if !ok {
		return nil, fmt.Errorf("%w: %s is not an annotation table", ErrInvalidInput, table)
	}
	q := url.Values{}
	if filter.BookIdentifier != "" {
		q.Set("book", filter.BookIdentifier)
	}
	if filter.IncludeDeleted {
		q.Set("include_deleted", "true")
	}
	path := "/v1/" + string(table)
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var out []schema.Annotation
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	for i := range out {
		out[i].Kind = kind
	}
	return out, nil
}

func (c *HTTPClient) UpsertAnnotation(ctx context.Context, a schema.Annotation) (schema.Annotation, error) {
	var out schema.Annotation
	path := fmt.Sprintf("/v1/%s/%s", TableFor(a.Kind), url.PathEscape(a.CloudID))
	if err := c.doJSON(ctx, http.MethodPut, path, a, &out); err != nil {
		return schema.Annotation{}, err
	}
	out.Kind = a.Kind
	return out, nil
}

func (c *HTTPClient) DeleteAnnotation(ctx context.Context, table Table, t Tombstone) error {
	q := url.Values{}
	q.Set("timestamp", fmt.Sprint(t.Timestamp))
	if t.DeviceID != "" {
		q.Set("device_id", t.DeviceID)
	}
	path := fmt.Sprintf("/v1/%s/%s?%s", table, url.PathEscape(t.CloudID), q.Encode())
	return c.doJSON(ctx, http.MethodDelete, path, nil, nil)
}

func (c *HTTPClient) FetchPreferences(ctx context.Context) (schema.Preferences, error) {
	var out schema.Preferences
	err := c.doJSON(ctx, http.MethodGet, "/v1/preferences", nil, &out)
	return out, err
}

func (c *HTTPClient) UpsertPreferences(ctx context.Context, p schema.Preferences) (schema.Preferences, error) {
	var out schema.Preferences
	err := c.doJSON(ctx, http.MethodPut, "/v1/preferences", p, &out)
	return out, err
}

// Subscribe opens a websocket to /v1/changes and decodes events until the
// connection fails or ctx ends. Reconnecting is the caller's job.
func (c *HTTPClient) Subscribe(ctx context.Context, table Table) (<-chan ChangeEvent, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.token)
	// websocket.Dial rejects clients with a Timeout; the stream is bounded by ctx.
	wsClient := *c.httpClient
	wsClient.Timeout = 0
	conn, resp, err := websocket.Dial(ctx, c.baseURL+"/v1/changes?table="+url.QueryEscape(string(table)), &websocket.DialOptions{
		HTTPClient: &wsClient,
		HTTPHeader: header,
	})
	if err != nil {
		if resp != nil && resp.StatusCode >= 400 {
			return nil, &HTTPError{StatusCode: resp.StatusCode, Message: "subscribe failed"}
		}
		return nil, fmt.Errorf("failed to subscribe to %s: %w", table, err)
	}
	conn.SetReadLimit(1 << 20)

	out := make(chan ChangeEvent, 16)
	go func() {
		defer close(out)
		defer conn.CloseNow()
		for {
			var ev ChangeEvent
			if err := wsjson.Read(ctx, conn, &ev); err != nil {
				return
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (c *HTTPClient) doJSON(ctx context.Context, method, requestPath string, body, out any) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.baseDelay
	policy.MaxInterval = c.maxDelay
	policy.MaxElapsedTime = 0
	retry := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(max(c.maxRetries, 0))), ctx)

	return backoff.Retry(func() error {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Authorization", "Bearer "+c.token)
		req.Header.Set("X-Correlation-Id", uuid.NewString())
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return err
		}
		payload, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payload) == 0 {
				return nil
			}
			if err := json.Unmarshal(payload, out); err != nil {
				return backoff.Permanent(fmt.Errorf("failed to decode response: %w", err))
			}
			return nil
		}

		var errPayload struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(payload, &errPayload)
		httpErr := &HTTPError{StatusCode: resp.StatusCode, Code: errPayload.Code, Message: errPayload.Message}
		if httpErr.Retryable() {
			return httpErr
		}
		return backoff.Permanent(httpErr)
	}, retry)
}

// IsRetryable reports whether err is a transient remote failure.
func IsRetryable(err error) bool {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.Retryable()
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, ErrInvalidInput)
}
