// Package notify reports permanently failed uploads by webhook and email.
// Unconfigured channels are skipped silently.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/heimdex/heimdex-clipper/internal/config"
	"github.com/heimdex/heimdex-clipper/internal/logging"
)

// Failure describes an upload that will not be retried.
type Failure struct {
	TaskID     string    `json:"task_id"`
	ClipID     string    `json:"clip_id"`
	SourcePath string    `json:"source_path"`
	Attempts   int       `json:"attempts"`
	Error      string    `json:"error"`
	FailedAt   time.Time `json:"failed_at"`
}

// Notifier sends failure notices on every configured channel.
type Notifier struct {
	cfg    config.NotifyConfig
	client *http.Client
	logger *slog.Logger

	// sendMail delivers one message; replaced in tests.
	sendMail func(ctx context.Context, cfg config.NotifyConfig, subject, body string) error
}

func New(cfg config.NotifyConfig, logger *slog.Logger) *Notifier {
	return &Notifier{
		cfg:      cfg,
		client:   &http.Client{Timeout: 10 * time.Second},
		logger:   logging.WithComponent(logger, "notify"),
		sendMail: sendEmail,
	}
}

// HasWebhook reports whether a webhook URL is set.
func (n *Notifier) HasWebhook() bool {
	return strings.TrimSpace(n.cfg.WebhookURL) != ""
}

// HasEmail reports whether SMTP host, sender and recipients are set.
func (n *Notifier) HasEmail() bool {
	return n.cfg.SMTPHost != "" && n.cfg.SMTPUsername != "" && strings.TrimSpace(n.cfg.SMTPRecipients) != ""
}

// UploadFailed sends f in the background so queue hooks never block on it.
func (n *Notifier) UploadFailed(f Failure) {
	if !n.HasWebhook() && !n.HasEmail() {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := n.Send(ctx, f); err != nil {
			n.logger.Warn("failure notification not delivered", "clip_id", f.ClipID, "error", err)
		}
	}()
}

// Send delivers f on every configured channel and joins their errors.
func (n *Notifier) Send(ctx context.Context, f Failure) error {
	if f.FailedAt.IsZero() {
		f.FailedAt = time.Now().UTC()
	}

	var errs []error
	if n.HasWebhook() {
		if err := n.sendWebhook(ctx, f); err != nil {
			errs = append(errs, fmt.Errorf("webhook: %w", err))
		}
	}
	if n.HasEmail() {
		subject := fmt.Sprintf("[FAILED] Clip upload %s", f.ClipID)
		if err := n.sendMail(ctx, n.cfg, subject, emailBody(f)); err != nil {
			errs = append(errs, fmt.Errorf("email: %w", err))
		}
	}
	if len(errs) == 0 {
		n.logger.Info("failure notification sent", "clip_id", f.ClipID)
	}
	return errors.Join(errs...)
}

func emailBody(f Failure) string {
	return fmt.Sprintf(
		"A clip upload failed and will not be retried.\n\n"+
			"Clip:     %s\n"+
			"File:     %s\n"+
			"Attempts: %d\n"+
			"Error:    %s\n"+
			"Time:     %s\n",
		f.ClipID, f.SourcePath, f.Attempts, f.Error, f.FailedAt.Format(time.RFC3339),
	)
}

func (n *Notifier) sendWebhook(ctx context.Context, f Failure) error {
	payload, err := json.Marshal(map[string]any{
		"event":   "upload_failed",
		"failure": f,
	})
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send webhook request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
