package health

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/fluxgate/fabric/pkg/types"
)

// HTTPChecker performs HTTP(S)-based health checks.
type HTTPChecker struct {
	// URL is the full HTTP(S) URL to check (e.g. "http://10.0.1.4:8080/health").
	URL string

	// Method is the HTTP method to use (default: GET).
	Method string

	// Headers are custom HTTP headers to include in the request.
	Headers map[string]string

	// ExpectedStatuses is the set of acceptable status codes. Empty means
	// any 2xx/3xx status (200-399) is healthy.
	ExpectedStatuses []int

	// ExpectedBody, if set, must appear as a substring of the response body.
	ExpectedBody string

	// Client is the HTTP client to use (allows custom configuration).
	Client *http.Client
}

// NewHTTPChecker creates a new HTTP health checker.
func NewHTTPChecker(url string) *HTTPChecker {
	return &HTTPChecker{
		URL:     url,
		Method:  "GET",
		Headers: make(map[string]string),
		Client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Check performs the HTTP health check.
func (h *HTTPChecker) Check(ctx context.Context) Result {
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, h.Method, h.URL, nil)
	if err != nil {
		return Result{Healthy: false, Message: fmt.Sprintf("failed to create request: %v", err), CheckedAt: start, Duration: time.Since(start)}
	}
	for key, value := range h.Headers {
		req.Header.Set(key, value)
	}

	resp, err := h.Client.Do(req)
	if err != nil {
		return Result{Healthy: false, Message: fmt.Sprintf("request failed: %v", err), CheckedAt: start, Duration: time.Since(start)}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))

	healthy := h.statusAccepted(resp.StatusCode)
	message := fmt.Sprintf("HTTP %d %s", resp.StatusCode, http.StatusText(resp.StatusCode))

	if healthy && h.ExpectedBody != "" && !strings.Contains(string(body), h.ExpectedBody) {
		healthy = false
		message = fmt.Sprintf("%s (body missing %q)", message, h.ExpectedBody)
	}
	if !healthy && message == fmt.Sprintf("HTTP %d %s", resp.StatusCode, http.StatusText(resp.StatusCode)) {
		message = fmt.Sprintf("%s (unexpected status)", message)
	}

	return Result{Healthy: healthy, Message: message, CheckedAt: start, Duration: time.Since(start)}
}

func (h *HTTPChecker) statusAccepted(code int) bool {
	if len(h.ExpectedStatuses) == 0 {
		return code >= 200 && code <= 399
	}
	for _, s := range h.ExpectedStatuses {
		if s == code {
			return true
		}
	}
	return false
}

// Type returns the health check type.
func (h *HTTPChecker) Type() types.CheckType {
	return types.CheckTypeHTTP
}

// WithMethod sets the HTTP method.
func (h *HTTPChecker) WithMethod(method string) *HTTPChecker {
	h.Method = method
	return h
}

// WithHeader adds a custom HTTP header.
func (h *HTTPChecker) WithHeader(key, value string) *HTTPChecker {
	h.Headers[key] = value
	return h
}

// WithStatusRange restricts acceptable statuses to [min, max].
func (h *HTTPChecker) WithStatusRange(min, max int) *HTTPChecker {
	h.ExpectedStatuses = nil
	for s := min; s <= max; s++ {
		h.ExpectedStatuses = append(h.ExpectedStatuses, s)
	}
	return h
}

// WithTimeout sets the HTTP client timeout. A zero duration leaves the
// existing timeout untouched.
func (h *HTTPChecker) WithTimeout(timeout time.Duration) *HTTPChecker {
	if timeout > 0 {
		h.Client.Timeout = timeout
	}
	return h
}
