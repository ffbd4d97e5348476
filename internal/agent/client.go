package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/bc-dunia/ocmon/internal/otel"
)

const (
	// DefaultTimeout bounds each collector call.
	DefaultTimeout = 8 * time.Second

	registerPath  = "/api/agent/register"
	heartbeatPath = "/api/agent/heartbeat"

	maxResponseBodyBytes = 64 * 1024
)

// Client performs the register and heartbeat calls against the collector.
type Client struct {
	baseURL    string
	httpClient *http.Client
	tracer     *otel.Tracer
	userAgent  string
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// WithTimeout sets the per-call timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = d }
}

// WithTracer enables client spans and trace context propagation.
func WithTracer(t *otel.Tracer) ClientOption {
	return func(c *Client) { c.tracer = t }
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) ClientOption {
	return func(c *Client) { c.userAgent = ua }
}

// NewClient creates a Client for the collector at baseURL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: DefaultTimeout},
		tracer:     otel.NoopTracer(),
		userAgent:  "ocmon-agent",
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the collector base URL without a trailing slash.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Register asks the collector for a new identity. Every failure is
// reported with ErrKindOther.
func (c *Client) Register(ctx context.Context, req RegistrationRequest) (Credentials, error) {
	const op = "register"

	var creds Credentials
	status, body, err := c.post(ctx, op, registerPath, "", req, &creds)
	if errors.Is(err, errMalformedResponse) {
		return Credentials{}, newClientError(ErrKindOther, op, status, "malformed response", err)
	}
	if err != nil {
		return Credentials{}, newClientError(ErrKindOther, op, status, "request failed", err)
	}
	if !isSuccess(status) {
		return Credentials{}, newClientError(ErrKindOther, op, status, "unexpected status: "+snippet(body), nil)
	}
	if creds.AgentID == "" || creds.Token == "" {
		return Credentials{}, newClientError(ErrKindOther, op, status, "response missing agent_id or token", nil)
	}
	return creds, nil
}

// Heartbeat reports a snapshot. A 401 yields ErrKindUnauthorized; any
// other failure, including a response body that is not JSON, yields
// ErrKindTransient.
func (c *Client) Heartbeat(ctx context.Context, token string, snapshot MetricsSnapshot) error {
	const op = "heartbeat"

	status, body, err := c.post(ctx, op, heartbeatPath, token, snapshot, nil)
	if status == http.StatusUnauthorized {
		return newClientError(ErrKindUnauthorized, op, status, "token rejected", nil)
	}
	if errors.Is(err, errMalformedResponse) {
		return newClientError(ErrKindTransient, op, status, "malformed response", err)
	}
	if err != nil {
		return newClientError(ErrKindTransient, op, status, "request failed", err)
	}
	if !isSuccess(status) {
		return newClientError(ErrKindTransient, op, status, "unexpected status: "+snippet(body), nil)
	}
	return nil
}

func (c *Client) post(ctx context.Context, op, path, token string, payload, out interface{}) (int, []byte, error) {
	url := c.baseURL + path

	ctx, span := c.tracer.StartCallSpan(ctx, op, url)
	status, body, err := c.do(ctx, url, token, payload, out)
	otel.EndCallSpan(span, status, err)
	return status, body, err
}

// do sends payload and, on a 2xx status, decodes the response into out.
// A nil out only checks that the response is JSON. For any other status
// the returned body is the first maxResponseBodyBytes of the response.
func (c *Client) do(ctx context.Context, url, token string, payload, out interface{}) (int, []byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return 0, nil, fmt.Errorf("encode body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("X-Request-ID", uuid.NewString())
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	c.tracer.InjectHeaders(ctx, req.Header)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	if isSuccess(resp.StatusCode) {
		err := decodeResponse(resp.Body, out)
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBodyBytes))
		return resp.StatusCode, nil, err
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodyBytes))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read body: %w", err)
	}
	return resp.StatusCode, body, nil
}

var errMalformedResponse = errors.New("malformed response")

// decodeResponse reads one JSON value from r. With a nil out the value is
// walked token by token and dropped.
func decodeResponse(r io.Reader, out interface{}) error {
	dec := json.NewDecoder(r)
	if out != nil {
		if err := dec.Decode(out); err != nil {
			return fmt.Errorf("%w: %v", errMalformedResponse, err)
		}
		return nil
	}

	depth := 0
	for {
		tok, err := dec.Token()
		if err != nil {
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return fmt.Errorf("%w: %v", errMalformedResponse, err)
		}
		if d, ok := tok.(json.Delim); ok {
			switch d {
			case '{', '[':
				depth++
			default:
				depth--
			}
		}
		if depth == 0 {
			return nil
		}
	}
}

func isSuccess(status int) bool {
	return status >= 200 && status <= 299
}

const maxSnippetBytes = 200

func snippet(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) <= maxSnippetBytes {
		return s
	}
	cut := maxSnippetBytes
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
