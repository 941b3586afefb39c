package notify

import (
	"context"
	"fmt"
	"strings"

	"github.com/wneessen/go-mail"

	"github.com/heimdex/heimdex-clipper/internal/config"
)

// Recipients splits a comma-separated recipient list.
func Recipients(list string) []string {
	var out []string
	for _, r := range strings.Split(list, ",") {
		if r = strings.TrimSpace(r); r != "" {
			out = append(out, r)
		}
	}
	return out
}

// sendEmail delivers a plain-text message to the configured recipients.
func sendEmail(ctx context.Context, cfg config.NotifyConfig, subject, body string) error {
	recipients := Recipients(cfg.SMTPRecipients)
	if len(recipients) == 0 {
		return fmt.Errorf("no valid recipients")
	}

	m := mail.NewMsg()
	if cfg.SMTPFromName != "" {
		if err := m.FromFormat(cfg.SMTPFromName, cfg.SMTPUsername); err != nil {
			return fmt.Errorf("set from address: %w", err)
		}
	} else if err := m.From(cfg.SMTPUsername); err != nil {
		return fmt.Errorf("set from address: %w", err)
	}
	if err := m.To(recipients...); err != nil {
		return fmt.Errorf("set recipient address: %w", err)
	}
	m.Subject(subject)
	m.SetBodyString(mail.TypeTextPlain, body)

	c, err := mail.NewClient(cfg.SMTPHost, clientOptions(cfg)...)
	if err != nil {
		return fmt.Errorf("create SMTP client: %w", err)
	}
	if err := c.DialAndSendWithContext(ctx, m); err != nil {
		return fmt.Errorf("send email: %w", err)
	}
	return nil
}

// clientOptions picks the TLS policy from the port: implicit TLS on 465,
// mandatory STARTTLS on 587, opportunistic elsewhere.
func clientOptions(cfg config.NotifyConfig) []mail.Option {
	opts := []mail.Option{
		mail.WithPort(cfg.SMTPPort),
		mail.WithSMTPAuth(mail.SMTPAuthAutoDiscover),
		mail.WithUsername(cfg.SMTPUsername),
		mail.WithPassword(cfg.SMTPPassword),
	}
	switch cfg.SMTPPort {
	case 465:
		opts = append(opts, mail.WithSSL())
	case 587:
		opts = append(opts, mail.WithTLSPortPolicy(mail.TLSMandatory))
	default:
		opts = append(opts, mail.WithTLSPortPolicy(mail.TLSOpportunistic))
	}
	return opts
}
