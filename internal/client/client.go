// Package client contains thin HTTP clients for the external collaborators
// the confirmation service depends on: the group/membership (pooling)
// service, the trip-activation service, the notification dispatcher, and the
// payment gateway's refund endpoint. Clients do no business logic; they
// translate Go values to JSON requests and collaborator failures to
// domain.ErrExternal.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tripcrew/confirmation/internal/domain"
)

// httpDoer is the subset of *http.Client the clients need. Tests substitute
// a stub to avoid real network calls.
type httpDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// defaultTimeout bounds every collaborator call; collaborators are best-effort
// and must never hold an orchestrator request open for long.
const defaultTimeout = 10 * time.Second

func newHTTPClient() *http.Client {
	return &http.Client{Timeout: defaultTimeout}
}

// postJSON sends body as JSON to url and decodes a 2xx response into out
// (when out is non-nil). Non-2xx responses and transport failures are wrapped
// in domain.ErrExternal.
func postJSON(ctx context.Context, doer httpDoer, url string, body, out any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	return do(doer, req, out)
}

// getJSON fetches url and decodes a 2xx response into out.
func getJSON(ctx context.Context, doer httpDoer, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	return do(doer, req, out)
}

func do(doer httpDoer, req *http.Request, out any) error {
	resp, err := doer.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %v", domain.ErrExternal, req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %s %s", domain.ErrNotFound, req.Method, req.URL.Path)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// Drain a little of the body for the log line; never echo it to callers.
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("%w: %s %s: status %d: %s", domain.ErrExternal, req.Method, req.URL.Path, resp.StatusCode, snippet)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode response: %v", domain.ErrExternal, err)
	}
	return nil
}
