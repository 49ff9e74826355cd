package respond

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"sentinel/core"
	"sentinel/notify"
)

// Enforcement state prefixes in the counter store. Enforcement layers
// (gateways, auth services) consult these keys; sentinel only writes them.
const (
	keyPrefixBlocked   = "blocked:"
	keyPrefixSuspended = "suspended:"
	keyPrefixRevoked   = "revoked:"
)

const defaultBlockDuration = 24 * time.Hour

// Denylister receives addresses blocked by response actions. Implemented by
// the suspicious-IP detector so blocks take effect in detection immediately.
type Denylister interface {
	Deny(ip string)
}

// BlockIPExecutor blocks a source address: it lands on the in-process
// denylist and in the shared store so every instance and enforcement layer
// sees it.
type BlockIPExecutor struct {
	denylist Denylister
	store    *core.CounterStore
	logger   *zap.SugaredLogger
}

func NewBlockIPExecutor(denylist Denylister, store *core.CounterStore, logger *zap.SugaredLogger) *BlockIPExecutor {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &BlockIPExecutor{denylist: denylist, store: store, logger: logger}
}

func (x *BlockIPExecutor) Type() core.ActionType { return core.ActionBlockIP }

func (x *BlockIPExecutor) Execute(ctx context.Context, action *core.AutomatedAction) (map[string]interface{}, error) {
	ip, _ := action.Parameters["ip"].(string)
	if ip == "" {
		return nil, fmt.Errorf("invalid parameters: ip is required")
	}

	duration := defaultBlockDuration
	if raw, ok := action.Parameters["duration"].(string); ok && raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid parameters: duration %q: %w", raw, err)
		}
		duration = parsed
	}

	if x.denylist != nil {
		x.denylist.Deny(ip)
	}
	record := map[string]interface{}{
		"incident_id": action.IncidentID,
		"blocked_at":  time.Now().UTC().Format(time.RFC3339),
	}
	if err := x.store.Set(ctx, keyPrefixBlocked+ip, record, duration); err != nil {
		return nil, err
	}

	x.logger.Infow("address blocked", "ip", ip, "duration", duration, "incident_id", action.IncidentID)
	return map[string]interface{}{
		"blocked_ip":       ip,
		"duration_seconds": duration.Seconds(),
	}, nil
}

// SuspendUserExecutor marks an account suspended in the shared store.
type SuspendUserExecutor struct {
	store  *core.CounterStore
	logger *zap.SugaredLogger
}

func NewSuspendUserExecutor(store *core.CounterStore, logger *zap.SugaredLogger) *SuspendUserExecutor {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &SuspendUserExecutor{store: store, logger: logger}
}

func (x *SuspendUserExecutor) Type() core.ActionType { return core.ActionSuspendUser }

func (x *SuspendUserExecutor) Execute(ctx context.Context, action *core.AutomatedAction) (map[string]interface{}, error) {
	userID, _ := action.Parameters["user_id"].(string)
	if userID == "" {
		return nil, fmt.Errorf("invalid parameters: user_id is required")
	}

	record := map[string]interface{}{
		"incident_id":  action.IncidentID,
		"suspended_at": time.Now().UTC().Format(time.RFC3339),
	}
	if err := x.store.Set(ctx, keyPrefixSuspended+userID, record, 0); err != nil {
		return nil, err
	}

	x.logger.Infow("user suspended", "user_id", userID, "incident_id", action.IncidentID)
	return map[string]interface{}{"suspended_user": userID}, nil
}

// RevokeTokensExecutor records a revocation watermark for a user. Token
// validators reject anything issued before the watermark.
type RevokeTokensExecutor struct {
	store  *core.CounterStore
	logger *zap.SugaredLogger
}

func NewRevokeTokensExecutor(store *core.CounterStore, logger *zap.SugaredLogger) *RevokeTokensExecutor {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &RevokeTokensExecutor{store: store, logger: logger}
}

func (x *RevokeTokensExecutor) Type() core.ActionType { return core.ActionRevokeTokens }

func (x *RevokeTokensExecutor) Execute(ctx context.Context, action *core.AutomatedAction) (map[string]interface{}, error) {
	userID, _ := action.Parameters["user_id"].(string)
	if userID == "" {
		return nil, fmt.Errorf("invalid parameters: user_id is required")
	}

	watermark := time.Now().UTC().Format(time.RFC3339Nano)
	if err := x.store.Set(ctx, keyPrefixRevoked+userID, watermark, 0); err != nil {
		return nil, err
	}

	x.logger.Infow("tokens revoked", "user_id", userID, "incident_id", action.IncidentID)
	return map[string]interface{}{
		"revoked_user": userID,
		"watermark":    watermark,
	}, nil
}

// SendAlertExecutor fans the alert out through the notifier. The action
// succeeds when at least one channel delivers; per-channel outcomes land in
// the result either way.
type SendAlertExecutor struct {
	notifier *notify.Notifier
	logger   *zap.SugaredLogger
}

func NewSendAlertExecutor(notifier *notify.Notifier, logger *zap.SugaredLogger) *SendAlertExecutor {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &SendAlertExecutor{notifier: notifier, logger: logger}
}

func (x *SendAlertExecutor) Type() core.ActionType { return core.ActionSendAlert }

func (x *SendAlertExecutor) Execute(ctx context.Context, action *core.AutomatedAction) (map[string]interface{}, error) {
	title, _ := action.Parameters["title"].(string)
	if title == "" {
		title = "Automated security alert"
	}
	message, _ := action.Parameters["message"].(string)

	severity := core.SeverityMedium
	if raw, ok := action.Parameters["severity"].(string); ok && raw != "" {
		parsed, err := core.ParseSeverity(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid parameters: %w", err)
		}
		severity = parsed
	}

	results := x.notifier.Send(ctx, notify.Alert{
		Title:    title,
		Message:  message,
		Severity: severity,
		Details: map[string]interface{}{
			"incident_id":     action.IncidentID,
			"threat_event_id": action.ThreatEventID,
		},
	})

	outcome := make(map[string]interface{}, len(results))
	delivered := 0
	for channel, err := range results {
		if err != nil {
			outcome[channel] = err.Error()
			continue
		}
		outcome[channel] = "delivered"
		delivered++
	}

	result := map[string]interface{}{"channels": outcome, "delivered": delivered}
	if len(results) > 0 && delivered == 0 {
		return result, fmt.Errorf("all %d channels failed", len(results))
	}
	return result, nil
}

// httpStatusError carries the response status so retry classification can
// distinguish rate limiting from permanent rejection.
type httpStatusError struct {
	status int
	url    string
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("webhook %s returned status %d", e.url, e.status)
}

func (e *httpStatusError) StatusCode() int { return e.status }

// WebhookExecutor calls an external endpoint with the action parameters.
// Each distinct URL gets its own circuit breaker.
type WebhookExecutor struct {
	client *http.Client
	logger *zap.SugaredLogger

	mu       sync.Mutex
	breakers map[string]*core.CircuitBreaker
}

func NewWebhookExecutor(logger *zap.SugaredLogger) *WebhookExecutor {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &WebhookExecutor{
		client: &http.Client{
			Timeout: 15 * time.Second,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{MinVersion: tls.VersionTLS12},
			},
		},
		logger:   logger,
		breakers: make(map[string]*core.CircuitBreaker),
	}
}

func (x *WebhookExecutor) Type() core.ActionType { return core.ActionWebhook }

func (x *WebhookExecutor) Execute(ctx context.Context, action *core.AutomatedAction) (map[string]interface{}, error) {
	url, _ := action.Parameters["url"].(string)
	if url == "" {
		return nil, fmt.Errorf("invalid parameters: url is required")
	}
	method, _ := action.Parameters["method"].(string)
	if method == "" {
		method = http.MethodPost
	}

	payload := action.Parameters["payload"]
	if payload == nil {
		payload = map[string]interface{}{
			"incident_id":     action.IncidentID,
			"threat_event_id": action.ThreatEventID,
		}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("invalid parameters: marshal payload: %w", err)
	}

	cb := x.breaker(url)
	if err := cb.Allow(); err != nil {
		return nil, fmt.Errorf("webhook %s: %w", url, err)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("invalid parameters: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if headers, ok := action.Parameters["headers"].(map[string]interface{}); ok {
		for k, v := range headers {
			if s, ok := v.(string); ok {
				req.Header.Set(k, s)
			}
		}
	}

	resp, err := x.client.Do(req)
	if err != nil {
		cb.RecordFailure()
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		cb.RecordFailure()
		return nil, &httpStatusError{status: resp.StatusCode, url: url}
	}
	cb.RecordSuccess()

	return map[string]interface{}{
		"url":    url,
		"status": resp.StatusCode,
	}, nil
}

func (x *WebhookExecutor) breaker(url string) *core.CircuitBreaker {
	x.mu.Lock()
	defer x.mu.Unlock()
	if cb, ok := x.breakers[url]; ok {
		return cb
	}
	cb := core.MustNewCircuitBreaker(core.CircuitBreakerConfig{
		MaxFailures:         5,
		Timeout:             time.Minute,
		MaxHalfOpenRequests: 1,
	})
	x.breakers[url] = cb
	return cb
}
