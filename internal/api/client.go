// Package api is the HTTP client for the remote mesh service: token
// acquisition, token checks, uptime reports and bandwidth submissions.
package api

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

	"github.com/bhandras/meshclient/internal/version"
)

const (
	// DefaultTimeout is used when NewClient is given a non-positive timeout.
	DefaultTimeout = 10 * time.Second

	// maxErrorBody caps how much of an error response is kept for messages.
	maxErrorBody = 512
)

var (
	// ErrRejected means the server refused the credentials (unknown user,
	// wrong password, no active api token).
	ErrRejected = errors.New("credentials rejected")
	// ErrUnauthorized means an api token was refused after login.
	ErrUnauthorized = errors.New("api token unauthorized")
)

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

// Error implements error.
func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.StatusCode, e.Body)
}

// Client talks to one mesh service base URL. It is safe for concurrent use.
type Client struct {
	baseURL    string
	timeout    time.Duration
	httpClient *http.Client
	userAgent  string
}

// NewClient returns a client for baseURL. Every request is bounded by
// timeout, independently of the caller's context.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		timeout:    timeout,
		httpClient: &http.Client{Timeout: timeout},
		userAgent:  version.UserAgent(),
	}
}

// BaseURL returns the service base URL without trailing slash.
func (c *Client) BaseURL() string { return c.baseURL }

type getTokenRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type checkTokenRequest struct {
	Email    string `json:"email"`
	APIToken string `json:"api_token"`
}

type tokenResponse struct {
	APIToken *string `json:"api_token"`
	Message  *string `json:"message"`
}

// GetToken exchanges email and password for an api token.
//
// Rejections (401, 403, 404 or a response without api_token) wrap
// ErrRejected; transport failures are returned as they are.
func (c *Client) GetToken(ctx context.Context, email, password string) (Token, error) {
	req := getTokenRequest{
		Email:    strings.ToLower(email),
		Password: password,
	}
	var resp tokenResponse
	if err := c.do(ctx, http.MethodPost, "/api/get_token", nil, req, &resp); err != nil {
		return Token{}, classifyAuthError(err)
	}
	return tokenFromResponse(resp)
}

// CheckToken asks the server whether token is still the active api token of
// email.
func (c *Client) CheckToken(ctx context.Context, email string, token Token) (Token, error) {
	req := checkTokenRequest{
		Email:    strings.ToLower(email),
		APIToken: token.Value,
	}
	var resp tokenResponse
	if err := c.do(ctx, http.MethodPost, "/api/check_token", nil, req, &resp); err != nil {
		if errors.Is(classifyAuthError(err), ErrRejected) {
			return Token{}, fmt.Errorf("%w: %w", ErrUnauthorized, err)
		}
		return Token{}, err
	}
	return tokenFromResponse(resp)
}

// Uptime is the payload of an uptime report.
type Uptime struct {
	// Duration is the time the session has been running.
	Duration time.Duration
}

// ReportUptime tells the service the session is alive.
func (c *Client) ReportUptime(ctx context.Context, email string, token Token, up Uptime) error {
	q := url.Values{}
	q.Set("email", strings.ToLower(email))
	q.Set("api_token", token.Value)
	q.Set("duration", strconv.FormatInt(int64(up.Duration/time.Second), 10))
	return c.authorized(c.do(ctx, http.MethodPost, "/api/report_uptime", q, nil, nil))
}

// Bandwidth is one measurement of the link quality.
type Bandwidth struct {
	DownloadMbps float64 `json:"download_speed"`
	UploadMbps   float64 `json:"upload_speed"`
	LatencyMs    float64 `json:"latency"`
}

type submitBandwidthRequest struct {
	Email    string `json:"email"`
	APIToken string `json:"api_token"`
	Bandwidth
}

// SubmitBandwidth uploads a bandwidth measurement.
func (c *Client) SubmitBandwidth(ctx context.Context, email string, token Token, bw Bandwidth) error {
	req := submitBandwidthRequest{
		Email:     strings.ToLower(email),
		APIToken:  token.Value,
		Bandwidth: bw,
	}
	return c.authorized(c.do(ctx, http.MethodPost, "/api/submit_bandwidth", nil, req, nil))
}

// MeasureDownload downloads probeURL and derives download speed and time to
// first byte. The body is discarded.
func (c *Client) MeasureDownload(ctx context.Context, probeURL string) (Bandwidth, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, probeURL, nil)
	if err != nil {
		return Bandwidth{}, fmt.Errorf("build probe request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Bandwidth{}, fmt.Errorf("probe request: %w", err)
	}
	defer resp.Body.Close()
	firstByte := time.Since(start)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Bandwidth{}, &StatusError{
			Method:     http.MethodGet,
			Path:       req.URL.Path,
			StatusCode: resp.StatusCode,
		}
	}

	n, err := io.Copy(io.Discard, resp.Body)
	if err != nil {
		return Bandwidth{}, fmt.Errorf("probe read: %w", err)
	}
	elapsed := time.Since(start)
	if elapsed <= 0 {
		elapsed = time.Microsecond
	}

	return Bandwidth{
		DownloadMbps: float64(n*8) / elapsed.Seconds() / 1e6,
		LatencyMs:    float64(firstByte.Microseconds()) / 1000.0,
	}, nil
}

// do performs one JSON request. in and out may be nil.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, in, out any) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in %s %s: %v", method, path, r)
		}
	}()

	if c.baseURL == "" {
		return fmt.Errorf("server URL not set")
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	fullURL := c.baseURL + path
	if len(query) > 0 {
		fullURL += "?" + query.Encode()
	}

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal %s request: %w", path, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, fullURL, body)
	if err != nil {
		return fmt.Errorf("build %s request: %w", path, err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read %s response: %w", path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		text := string(respBody)
		if len(text) > maxErrorBody {
			text = text[:maxErrorBody]
		}
		return &StatusError{
			Method:     method,
			Path:       path,
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(text),
		}
	}

	if out == nil || len(bytes.TrimSpace(respBody)) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("parse %s response: %w", path, err)
	}
	return nil
}

// authorized maps 401/403 responses of token-bearing calls to
// ErrUnauthorized.
func (c *Client) authorized(err error) error {
	var statusErr *StatusError
	if errors.As(err, &statusErr) &&
		(statusErr.StatusCode == http.StatusUnauthorized || statusErr.StatusCode == http.StatusForbidden) {
		return fmt.Errorf("%w: %w", ErrUnauthorized, err)
	}
	return err
}

func classifyAuthError(err error) error {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		switch statusErr.StatusCode {
		case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
			return fmt.Errorf("%w: %w", ErrRejected, err)
		}
	}
	return err
}

func tokenFromResponse(resp tokenResponse) (Token, error) {
	if resp.APIToken == nil || strings.TrimSpace(*resp.APIToken) == "" {
		msg := "no api token in response"
		if resp.Message != nil && *resp.Message != "" {
			msg = *resp.Message
		}
		return Token{}, fmt.Errorf("%w: %s", ErrRejected, msg)
	}
	return ParseToken(*resp.APIToken)
}
