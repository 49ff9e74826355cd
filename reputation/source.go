// Package reputation provides pluggable IP reputation lookups for the
// suspicious-address detector. A source returns a score in [0,1], higher
// meaning worse. When no source is configured the detector degrades to
// deny-set-only checks.
package reputation

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"sentinel/core"
	"sentinel/metrics"

	"go.uber.org/zap"
)

// Source looks up a reputation score for a network address.
type Source interface {
	Lookup(ctx context.Context, addr string) (float64, error)
	Name() string
}

// HTTPSource queries a reputation HTTP API. The endpoint is expected to
// answer GET {base}?ip={addr} with a JSON body containing a "score" field.
type HTTPSource struct {
	baseURL string
	apiKey  string
	client  *http.Client
	breaker *core.CircuitBreaker
	logger  *zap.SugaredLogger
}

// NewHTTPSource creates an HTTP-backed reputation source.
func NewHTTPSource(baseURL, apiKey string, logger *zap.SugaredLogger) *HTTPSource {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &HTTPSource{
		baseURL: baseURL,
		apiKey:  apiKey,
		client: &http.Client{
			Timeout: 10 * time.Second,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{MinVersion: tls.VersionTLS12},
			},
		},
		breaker: core.MustNewCircuitBreaker(core.DefaultCircuitBreakerConfig()),
		logger:  logger,
	}
}

// Name returns the source name.
func (s *HTTPSource) Name() string { return "http" }

// Lookup fetches a score for the address. Failures count against the
// circuit breaker; an open breaker fails fast instead of stalling detectors.
func (s *HTTPSource) Lookup(ctx context.Context, addr string) (float64, error) {
	if err := s.breaker.Allow(); err != nil {
		metrics.ReputationLookups.WithLabelValues("breaker_open").Inc()
		return 0, fmt.Errorf("reputation source unavailable: %w", err)
	}

	endpoint := fmt.Sprintf("%s?ip=%s", s.baseURL, url.QueryEscape(addr))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return 0, fmt.Errorf("build reputation request: %w", err)
	}
	if s.apiKey != "" {
		req.Header.Set("X-API-Key", s.apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		s.breaker.RecordFailure()
		metrics.ReputationLookups.WithLabelValues("error").Inc()
		return 0, fmt.Errorf("query reputation source: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		s.breaker.RecordFailure()
		metrics.ReputationLookups.WithLabelValues("error").Inc()
		return 0, fmt.Errorf("reputation source returned status %d", resp.StatusCode)
	}

	var body struct {
		Score float64 `json:"score"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		s.breaker.RecordFailure()
		return 0, fmt.Errorf("decode reputation response: %w", err)
	}
	s.breaker.RecordSuccess()
	metrics.ReputationLookups.WithLabelValues("ok").Inc()

	if body.Score < 0 {
		return 0, nil
	}
	if body.Score > 1 {
		return 1, nil
	}
	return body.Score, nil
}

// StaticSource serves scores from a fixed map. Used in tests and for
// operator-seeded overrides.
type StaticSource struct {
	Scores map[string]float64
}

// Name returns the source name.
func (s *StaticSource) Name() string { return "static" }

// Lookup returns the configured score, or 0 for unknown addresses.
func (s *StaticSource) Lookup(_ context.Context, addr string) (float64, error) {
	return s.Scores[addr], nil
}
