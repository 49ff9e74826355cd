package notify

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"net/smtp"
	"strings"
	"time"

	"go.uber.org/zap"
)

const httpSendTimeout = 10 * time.Second

func newHTTPClient() *http.Client {
	return &http.Client{
		Timeout: httpSendTimeout,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{MinVersion: tls.VersionTLS12},
		},
	}
}

// EmailChannel delivers alerts over SMTP as plain text.
type EmailChannel struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	To       []string
	logger   *zap.SugaredLogger
}

func NewEmailChannel(host string, port int, username, password, from string, to []string, logger *zap.SugaredLogger) *EmailChannel {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &EmailChannel{
		Host:     host,
		Port:     port,
		Username: username,
		Password: password,
		From:     from,
		To:       to,
		logger:   logger,
	}
}

func (c *EmailChannel) Name() string { return "email" }

func (c *EmailChannel) Send(_ context.Context, alert Alert) error {
	if len(c.To) == 0 {
		return fmt.Errorf("no recipients configured")
	}

	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", c.From)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(c.To, ", "))
	fmt.Fprintf(&b, "Subject: [%s] %s\r\n", strings.ToUpper(string(alert.Severity)), alert.Title)
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n\r\n")
	b.WriteString(alert.Message)
	fmt.Fprintf(&b, "\r\n\r\nTime: %s\r\n", alert.Timestamp.Format(time.RFC3339))
	for k, v := range alert.Details {
		fmt.Fprintf(&b, "%s: %v\r\n", k, v)
	}

	addr := fmt.Sprintf("%s:%d", c.Host, c.Port)
	auth := smtp.PlainAuth("", c.Username, c.Password, c.Host)
	if err := smtp.SendMail(addr, auth, c.From, c.To, []byte(b.String())); err != nil {
		return fmt.Errorf("smtp send: %w", err)
	}
	c.logger.Infow("email alert sent", "title", alert.Title, "recipients", len(c.To))
	return nil
}

// WebhookChannel posts the alert as JSON to a fixed URL.
type WebhookChannel struct {
	URL     string
	Method  string
	Headers map[string]string
	client  *http.Client
	logger  *zap.SugaredLogger
}

func NewWebhookChannel(url, method string, headers map[string]string, logger *zap.SugaredLogger) *WebhookChannel {
	if method == "" {
		method = http.MethodPost
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &WebhookChannel{
		URL:     url,
		Method:  method,
		Headers: headers,
		client:  newHTTPClient(),
		logger:  logger,
	}
}

func (c *WebhookChannel) Name() string { return "webhook" }

func (c *WebhookChannel) Send(ctx context.Context, alert Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, c.Method, c.URL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range c.Headers {
		req.Header.Set(k, v)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("send webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// PagerChannel pushes critical alerts to a paging endpoint. Only high and
// critical alerts page; lower severities are accepted and dropped.
type PagerChannel struct {
	URL    string
	APIKey string
	client *http.Client
	logger *zap.SugaredLogger
}

func NewPagerChannel(url, apiKey string, logger *zap.SugaredLogger) *PagerChannel {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &PagerChannel{
		URL:    url,
		APIKey: apiKey,
		client: newHTTPClient(),
		logger: logger,
	}
}

func (c *PagerChannel) Name() string { return "pager" }

func (c *PagerChannel) Send(ctx context.Context, alert Alert) error {
	if alert.Severity.Ordinal() < 3 {
		c.logger.Debugw("pager skipping low-severity alert", "severity", alert.Severity)
		return nil
	}

	payload, err := json.Marshal(map[string]interface{}{
		"summary":   alert.Title,
		"details":   alert.Message,
		"severity":  alert.Severity,
		"timestamp": alert.Timestamp.Format(time.RFC3339),
		"custom":    alert.Details,
	})
	if err != nil {
		return fmt.Errorf("marshal page: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build page request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Token "+c.APIKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("send page: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("pager returned status %d", resp.StatusCode)
	}
	return nil
}
