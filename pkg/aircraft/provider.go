// Package aircraft resolves aircraft models from registrations through a
// remote service, with rate limiting and a persistent cache.
package aircraft

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/saschagrunert/kml-heatmap/pkg/logging"
)

var (
	// ErrNotFound means the service does not know the registration. It is
	// permanent and cached.
	ErrNotFound = errors.New("aircraft not found")
	// ErrTransient marks failures worth retrying in a later run: rate limits,
	// server errors, timeouts and network failures. They are never cached.
	ErrTransient = errors.New("transient aircraft lookup failure")
)

// Provider resolves a registration to an aircraft model.
type Provider interface {
	Model(ctx context.Context, registration string) (string, error)
}

// HTTPClient defines the interface for making HTTP requests.
// This allows for easy mocking in tests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

type modelResponse struct {
	Model string `json:"model"`
}

// HTTPProvider queries <baseURL>/<registration> and expects a JSON document
// with a "model" field.
type HTTPProvider struct {
	client  HTTPClient
	baseURL string
	log     *slog.Logger
}

// NewHTTPProvider creates a provider with its own HTTP client.
func NewHTTPProvider(baseURL string, timeout time.Duration, log *slog.Logger) *HTTPProvider {
	return NewHTTPProviderWithClient(&http.Client{Timeout: timeout}, baseURL, log)
}

// NewHTTPProviderWithClient creates a provider using client, e.g. a mock.
func NewHTTPProviderWithClient(client HTTPClient, baseURL string, log *slog.Logger) *HTTPProvider {
	return &HTTPProvider{
		client:  client,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		log:     logging.OrDiscard(log),
	}
}

// Model implements Provider.
func (p *HTTPProvider) Model(ctx context.Context, registration string) (string, error) {
	reqURL := p.baseURL + "/" + url.PathEscape(registration)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrTransient, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return "", ErrNotFound
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError:
		return "", fmt.Errorf("%w: status %d", ErrTransient, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("aircraft API returned status %d: %s", resp.StatusCode, string(body))
	}

	var r modelResponse
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return "", fmt.Errorf("failed to decode aircraft response: %w", err)
	}
	model := strings.TrimSpace(r.Model)
	if model == "" {
		return "", ErrNotFound
	}

	p.log.DebugContext(ctx, "Resolved aircraft model", "registration", registration, "model", model)
	return model, nil
}
