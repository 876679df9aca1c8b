package alertengine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/smtp"
	"strings"

	"github.com/streampulse/streampulse/internal/app/domain/alert"
	"github.com/streampulse/streampulse/pkg/config"
)

// Channel is a pluggable notification sink per §4.E: send(alert, context)
// and is_available().
type Channel interface {
	Name() string
	IsAvailable() bool
	Send(ctx context.Context, a alert.Alert) error
}

// EmailChannel delivers alert notifications via SMTP.
type EmailChannel struct {
	cfg config.NotificationConfig
}

func NewEmailChannel(cfg config.NotificationConfig) *EmailChannel {
	return &EmailChannel{cfg: cfg}
}

func (c *EmailChannel) Name() string { return "email" }

func (c *EmailChannel) IsAvailable() bool {
	return strings.TrimSpace(c.cfg.SMTPHost) != "" && strings.TrimSpace(c.cfg.SMTPFrom) != ""
}

func (c *EmailChannel) Send(ctx context.Context, a alert.Alert) error {
	if !c.IsAvailable() {
		return fmt.Errorf("email channel not configured")
	}
	addr := fmt.Sprintf("%s:%d", c.cfg.SMTPHost, c.cfg.SMTPPort)
	body := fmt.Sprintf("Subject: [%s] %s\r\n\r\n%s\r\n", a.Level, a.Title, a.Message)

	var auth smtp.Auth
	if c.cfg.SMTPUser != "" {
		auth = smtp.PlainAuth("", c.cfg.SMTPUser, c.cfg.SMTPPassword, c.cfg.SMTPHost)
	}
	done := make(chan error, 1)
	go func() {
		done <- smtp.SendMail(addr, auth, c.cfg.SMTPFrom, []string{c.cfg.SMTPFrom}, []byte(body))
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SlackChannel posts alert notifications to an incoming webhook.
type SlackChannel struct {
	webhookURL string
	client     *http.Client
}

func NewSlackChannel(webhookURL string) *SlackChannel {
	return &SlackChannel{webhookURL: webhookURL, client: &http.Client{}}
}

func (c *SlackChannel) Name() string { return "slack" }

func (c *SlackChannel) IsAvailable() bool { return strings.TrimSpace(c.webhookURL) != "" }

func (c *SlackChannel) Send(ctx context.Context, a alert.Alert) error {
	if !c.IsAvailable() {
		return fmt.Errorf("slack channel not configured")
	}
	body, err := json.Marshal(map[string]string{
		"text": fmt.Sprintf("[%s] %s: %s", a.Level, a.Title, a.Message),
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.webhookURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("slack webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// WebhookChannel posts the raw alert payload to a generic HTTP endpoint.
type WebhookChannel struct {
	url    string
	client *http.Client
}

func NewWebhookChannel(url string) *WebhookChannel {
	return &WebhookChannel{url: url, client: &http.Client{}}
}

func (c *WebhookChannel) Name() string { return "webhook" }

func (c *WebhookChannel) IsAvailable() bool { return strings.TrimSpace(c.url) != "" }

func (c *WebhookChannel) Send(ctx context.Context, a alert.Alert) error {
	if !c.IsAvailable() {
		return fmt.Errorf("webhook channel not configured")
	}
	body, err := json.Marshal(a)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook endpoint returned status %d", resp.StatusCode)
	}
	return nil
}
