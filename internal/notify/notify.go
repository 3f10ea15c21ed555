// Package notify delivers operator alerts. Alerts are queued in the
// database with dedup and retry state; delivery goes out over SMTP, a
// Slack-compatible webhook, or both.
package notify

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/smtp"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/calsyncd/calsyncd/internal/db"
)

var (
	// emailRegex is a simple email validation regex
	emailRegex = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)
)

// Config holds notification configuration.
type Config struct {
	// Webhook settings
	WebhookEnabled bool
	WebhookURL     string

	// Email settings
	EmailEnabled bool
	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string
	SMTPFrom     string
	SMTPTo       []string // Admin recipients, always included
	SMTPTLS      bool

	// DedupWindow suppresses repeat alerts with the same recipient and
	// subject.
	DedupWindow time.Duration

	// SubjectPrefix is prepended to every email subject.
	SubjectPrefix string
}

// Notifier queues and delivers alerts.
type Notifier struct {
	cfg        *Config
	db         *db.DB
	httpClient *http.Client
}

// New creates a Notifier.
func New(cfg *Config, database *db.DB) *Notifier {
	return &Notifier{
		cfg: cfg,
		db:  database,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// ValidateConfig validates the notification configuration.
func ValidateConfig(cfg *Config) error {
	if cfg.WebhookEnabled {
		if cfg.WebhookURL == "" {
			return fmt.Errorf("webhook URL is required when webhook is enabled")
		}
		if err := validateWebhookURL(cfg.WebhookURL); err != nil {
			return fmt.Errorf("invalid webhook URL: %w", err)
		}
	}

	if cfg.EmailEnabled {
		if cfg.SMTPHost == "" {
			return fmt.Errorf("SMTP host is required when email is enabled")
		}
		if cfg.SMTPPort < 1 || cfg.SMTPPort > 65535 {
			return fmt.Errorf("SMTP port must be between 1 and 65535")
		}
		if cfg.SMTPFrom == "" {
			return fmt.Errorf("SMTP from address is required when email is enabled")
		}
		if !isValidEmail(cfg.SMTPFrom) {
			return fmt.Errorf("invalid SMTP from address")
		}
		for _, to := range cfg.SMTPTo {
			if !isValidEmail(to) {
				return fmt.Errorf("invalid SMTP recipient address: %s", to)
			}
		}
	}

	if cfg.DedupWindow < time.Minute {
		return fmt.Errorf("dedup window must be at least 1 minute")
	}

	return nil
}

// IsEnabled returns true if any delivery method is enabled.
func (n *Notifier) IsEnabled() bool {
	return n.cfg.WebhookEnabled || n.cfg.EmailEnabled
}

// Enqueue queues an alert for delivery, deduplicated by recipient and
// subject within the configured window. Returns true when a new alert
// was queued. Implements the sync engine's alert sink.
func (n *Notifier) Enqueue(userID *int64, recipient, subject, body string) (bool, error) {
	alert := &db.Alert{
		UserID:    userID,
		Recipient: recipient,
		Subject:   subject,
		Body:      body,
	}
	queued, err := n.db.EnqueueAlert(alert, n.cfg.DedupWindow)
	if err != nil {
		return false, err
	}
	if queued {
		log.Printf("[Notify] queued alert %d: %s", alert.ID, sanitizeForEmail(subject))
	}
	return queued, nil
}

// ProcessQueue delivers due alerts. Failed deliveries are rescheduled
// with backoff; the queue itself survives restarts.
func (n *Notifier) ProcessQueue(ctx context.Context, limit int) error {
	if !n.IsEnabled() {
		return nil
	}

	due, err := n.db.GetDueAlerts(limit)
	if err != nil {
		return err
	}

	for _, alert := range due {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := n.deliver(ctx, alert); err != nil {
			log.Printf("[Notify] alert %d delivery failed (attempt %d): %v", alert.ID, alert.Attempts+1, err)
			if rerr := n.db.RecordAlertFailure(alert, err.Error()); rerr != nil {
				return rerr
			}
			continue
		}
		if err := n.db.MarkAlertSent(alert.ID); err != nil {
			return err
		}
	}
	return nil
}

// deliver sends one alert over every enabled channel. A channel failure
// fails the whole delivery so backoff retries it; already-delivered
// channels receive a duplicate on retry, which beats losing the alert.
func (n *Notifier) deliver(ctx context.Context, alert *db.Alert) error {
	if n.cfg.WebhookEnabled && n.cfg.WebhookURL != "" {
		if err := n.sendWebhook(ctx, alert); err != nil {
			return fmt.Errorf("webhook: %w", err)
		}
	}

	if n.cfg.EmailEnabled {
		recipients := n.recipientsFor(alert)
		if len(recipients) > 0 {
			if err := n.sendEmail(alert, recipients); err != nil {
				return fmt.Errorf("email: %w", err)
			}
		}
	}
	return nil
}

// recipientsFor merges the alert's own recipient with the admin list,
// deduplicated.
func (n *Notifier) recipientsFor(alert *db.Alert) []string {
	recipientSet := make(map[string]struct{})
	if alert.Recipient != "" && isValidEmail(alert.Recipient) {
		recipientSet[strings.ToLower(alert.Recipient)] = struct{}{}
	}
	for _, email := range n.cfg.SMTPTo {
		recipientSet[strings.ToLower(email)] = struct{}{}
	}

	recipients := make([]string, 0, len(recipientSet))
	for email := range recipientSet {
		recipients = append(recipients, email)
	}
	return recipients
}

// WebhookPayload is the JSON payload sent to webhooks.
type WebhookPayload struct {
	Subject   string `json:"subject"`
	Body      string `json:"body"`
	Recipient string `json:"recipient,omitempty"`
	Timestamp string `json:"timestamp"`
	// Slack-compatible field
	Text string `json:"text,omitempty"`
}

func (n *Notifier) sendWebhook(ctx context.Context, alert *db.Alert) error {
	payload := WebhookPayload{
		Subject:   alert.Subject,
		Body:      alert.Body,
		Recipient: alert.Recipient,
		Timestamp: alert.CreatedAt.Format(time.RFC3339),
		Text:      fmt.Sprintf(":warning: *%s*\n%s", alert.Subject, alert.Body),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", n.cfg.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

func (n *Notifier) sendEmail(alert *db.Alert, recipients []string) error {
	// Sanitize queue-sourced inputs to prevent email header injection
	subject := fmt.Sprintf("%s %s", n.cfg.SubjectPrefix, sanitizeForEmail(alert.Subject))

	var body strings.Builder
	body.WriteString(fmt.Sprintf("Time: %s\n\n", alert.CreatedAt.Format(time.RFC1123)))
	body.WriteString(alert.Body)
	body.WriteString("\n")

	to := strings.Join(recipients, ", ")
	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\nMIME-Version: 1.0\r\nContent-Type: text/plain; charset=UTF-8\r\n\r\n%s",
		n.cfg.SMTPFrom, to, subject, body.String())

	addr := fmt.Sprintf("%s:%d", n.cfg.SMTPHost, n.cfg.SMTPPort)

	var auth smtp.Auth
	if n.cfg.SMTPUsername != "" {
		auth = smtp.PlainAuth("", n.cfg.SMTPUsername, n.cfg.SMTPPassword, n.cfg.SMTPHost)
	}

	var err error
	if n.cfg.SMTPTLS {
		err = n.sendEmailTLS(addr, auth, n.cfg.SMTPFrom, recipients, []byte(msg))
	} else {
		err = smtp.SendMail(addr, auth, n.cfg.SMTPFrom, recipients, []byte(msg))
	}
	if err != nil {
		return fmt.Errorf("send email: %w", err)
	}

	log.Printf("[Notify] email sent to %d recipients: %s", len(recipients), sanitizeForEmail(alert.Subject))
	return nil
}

// sendEmailTLS sends email over implicit TLS (for port 465).
func (n *Notifier) sendEmailTLS(addr string, auth smtp.Auth, from string, to []string, msg []byte) error {
	tlsConfig := &tls.Config{
		ServerName: n.cfg.SMTPHost,
		MinVersion: tls.VersionTLS12,
	}

	conn, err := tls.Dial("tcp", addr, tlsConfig)
	if err != nil {
		return fmt.Errorf("dial TLS: %w", err)
	}
	defer conn.Close()

	client, err := smtp.NewClient(conn, n.cfg.SMTPHost)
	if err != nil {
		return fmt.Errorf("create SMTP client: %w", err)
	}
	defer client.Close()

	if auth != nil {
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("auth: %w", err)
		}
	}

	if err := client.Mail(from); err != nil {
		return fmt.Errorf("mail from: %w", err)
	}

	for _, recipient := range to {
		if err := client.Rcpt(recipient); err != nil {
			return fmt.Errorf("rcpt to %s: %w", recipient, err)
		}
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("data: %w", err)
	}

	if _, err := w.Write(msg); err != nil {
		return fmt.Errorf("write: %w", err)
	}

	if err := w.Close(); err != nil {
		return fmt.Errorf("close: %w", err)
	}

	return client.Quit()
}

// SendTestWebhook sends a test message to a webhook URL.
func (n *Notifier) SendTestWebhook(ctx context.Context, webhookURL string) error {
	if err := validateWebhookURL(webhookURL); err != nil {
		return fmt.Errorf("invalid webhook URL: %w", err)
	}

	payload := WebhookPayload{
		Subject:   "Test webhook",
		Body:      "This is a test message to verify your webhook configuration",
		Timestamp: time.Now().Format(time.RFC3339),
		Text:      ":rocket: *Test webhook*\nThis is a test message to verify your webhook configuration",
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// validateWebhookURL validates that the webhook URL is safe to use.
func validateWebhookURL(webhookURL string) error {
	parsed, err := url.Parse(webhookURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}

	if parsed.Scheme != "https" {
		return fmt.Errorf("webhook URL must use HTTPS")
	}

	// Block localhost and internal hostnames to prevent SSRF
	host := strings.ToLower(parsed.Hostname())
	if host == "localhost" || host == "127.0.0.1" || host == "::1" {
		return fmt.Errorf("webhook URL cannot point to localhost")
	}
	if strings.HasSuffix(host, ".local") || strings.HasSuffix(host, ".internal") {
		return fmt.Errorf("webhook URL cannot point to internal hosts")
	}
	if isPrivateHost(host) {
		return fmt.Errorf("webhook URL cannot point to private IP addresses")
	}

	return nil
}

// isPrivateHost matches RFC 1918 address prefixes.
func isPrivateHost(host string) bool {
	if strings.HasPrefix(host, "10.") || strings.HasPrefix(host, "192.168.") {
		return true
	}
	for i := 16; i <= 31; i++ {
		if strings.HasPrefix(host, fmt.Sprintf("172.%d.", i)) {
			return true
		}
	}
	return false
}

// ValidateWebhookURL validates that a webhook URL is safe to use.
func ValidateWebhookURL(webhookURL string) error {
	return validateWebhookURL(webhookURL)
}

// isValidEmail validates an email address format.
func isValidEmail(email string) bool {
	return emailRegex.MatchString(email)
}

// sanitizeForEmail removes characters that could be used for email header injection.
func sanitizeForEmail(s string) string {
	s = strings.ReplaceAll(s, "\r", "")
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
