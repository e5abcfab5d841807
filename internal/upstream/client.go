package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/strmgate/strmgate/internal/credfile"
)

// Defaults for the per-drive request budget. The upstream throttles
// aggressively, so the client enforces its own token bucket before the
// wire and bounds concurrent in-flight requests.
const (
	DefaultRequestsPerSecond = 2
	DefaultMaxInflight       = 4

	connectTimeout = 30 * time.Second
	readTimeout    = 30 * time.Second

	userAgent = "strmgate/0.1"
)

// Options tunes a Client. The zero value selects the defaults above.
type Options struct {
	RequestsPerSecond float64
	MaxInflight       int
	HTTPClient        *http.Client
}

// Client is a stateless HTTP client for the cloud drive's open API.
// Every operation takes a credential; the client holds no authentication
// state of its own. It classifies failures into typed errors and does NOT
// retry — retry on transport-class errors is the caller's responsibility.
type Client struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	inflight   chan struct{}
	logger     *slog.Logger
}

// NewClient creates a client for the API at baseURL.
func NewClient(baseURL string, opts Options, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}

	rps := opts.RequestsPerSecond
	if rps <= 0 {
		rps = DefaultRequestsPerSecond
	}

	maxInflight := opts.MaxInflight
	if maxInflight <= 0 {
		maxInflight = DefaultMaxInflight
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: connectTimeout + readTimeout}
	}

	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		limiter:    rate.NewLimiter(rate.Limit(rps), 1),
		inflight:   make(chan struct{}, maxInflight),
		logger:     logger,
	}
}

// envelope is the upstream's JSON response wrapper. Data is decoded by the
// caller once the envelope has been checked.
type envelope struct {
	State   bool            `json:"state"`
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
	Count   flexInt         `json:"count"`
	NextID  flexInt         `json:"next_id"`
}

// do executes one request under the rate limit and in-flight bound, checks
// the envelope, and returns it. Empty or malformed bodies classify as
// transport errors so callers can retry them.
func (c *Client) do(ctx context.Context, cred *credfile.Credential, method, path string, form url.Values) (*envelope, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, transportErr("rate limiter wait: %v", err)
	}

	select {
	case c.inflight <- struct{}{}:
	case <-ctx.Done():
		return nil, transportErr("acquiring in-flight slot: %v", ctx.Err())
	}
	defer func() { <-c.inflight }()

	var body io.Reader
	if method == http.MethodPost && form != nil {
		body = strings.NewReader(form.Encode())
	}

	reqURL := c.baseURL + path
	if method == http.MethodGet && form != nil {
		reqURL += "?" + form.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, body)
	if err != nil {
		return nil, transportErr("creating request: %v", err)
	}

	req.Header.Set("User-Agent", userAgent)

	if method == http.MethodPost {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	if cred != nil {
		cred.Authorize(req)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, transportErr("request canceled: %v", ctx.Err())
		}

		return nil, transportErr("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	// HTTP-level classification first: the upstream signals auth failures
	// and throttling at the status line for some endpoints.
	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, &Error{Code: resp.StatusCode, Message: "HTTP 401", Err: ErrUnauthorized}
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &Error{Code: resp.StatusCode, Message: "HTTP 429", Err: ErrRateLimited}
	case resp.StatusCode >= http.StatusInternalServerError:
		return nil, transportErr("%s %s: HTTP %d", method, path, resp.StatusCode)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, transportErr("reading response body: %v", err)
	}

	if len(raw) == 0 {
		return nil, transportErr("%s %s: empty response body", method, path)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, transportErr("%s %s: malformed response: %v", method, path, err)
	}

	if !env.State {
		sentinel := classifyCode(env.Code)
		c.logger.Debug("upstream envelope error",
			slog.String("method", method),
			slog.String("path", path),
			slog.Int("code", env.Code),
			slog.String("message", env.Message),
		)

		return nil, &Error{Code: env.Code, Message: env.Message, Err: sentinel}
	}

	return &env, nil
}

// decodeData unmarshals the envelope payload into out, classifying decode
// failures as transport errors.
func decodeData(env *envelope, out any) error {
	if len(env.Data) == 0 {
		return transportErr("envelope missing data field")
	}

	if err := json.Unmarshal(env.Data, out); err != nil {
		return transportErr("decoding envelope data: %v", err)
	}

	return nil
}

// intForm builds url.Values from string/int pairs, skipping empty values.
func intForm(pairs ...any) url.Values {
	form := url.Values{}

	for i := 0; i+1 < len(pairs); i += 2 {
		key, ok := pairs[i].(string)
		if !ok {
			continue
		}

		switch v := pairs[i+1].(type) {
		case string:
			if v != "" {
				form.Set(key, v)
			}
		case int:
			form.Set(key, fmt.Sprintf("%d", v))
		case int64:
			form.Set(key, fmt.Sprintf("%d", v))
		}
	}

	return form
}
