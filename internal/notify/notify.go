// Package notify e-mails operators when a run fails.
package notify

import (
	"context"
	"fmt"
	"html"
	"log/slog"
	"strings"

	"github.com/sendgrid/rest"
	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"

	"github.com/nadmax/runledger/internal/metrics"
	"github.com/nadmax/runledger/internal/repository/models"
)

// Sender delivers a prepared message. *sendgrid.Client satisfies it.
type Sender interface {
	Send(email *mail.SGMailV3) (*rest.Response, error)
}

type Config struct {
	APIKey      string
	FromName    string
	FromAddress string
	Recipients  []string
}

type Mailer struct {
	sender     Sender
	from       *mail.Email
	recipients []string
	logger     *slog.Logger
}

// New returns a Mailer backed by SendGrid.
func New(cfg Config, logger *slog.Logger) (*Mailer, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("sendgrid api key is required")
	}

	return NewWithSender(sendgrid.NewSendClient(cfg.APIKey), cfg, logger)
}

func NewWithSender(sender Sender, cfg Config, logger *slog.Logger) (*Mailer, error) {
	if cfg.FromAddress == "" {
		return nil, fmt.Errorf("sender address is required")
	}
	if len(cfg.Recipients) == 0 {
		return nil, fmt.Errorf("at least one recipient is required")
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	return &Mailer{
		sender:     sender,
		from:       mail.NewEmail(cfg.FromName, cfg.FromAddress),
		recipients: cfg.Recipients,
		logger:     logger.With("component", "notify"),
	}, nil
}

// RunFailed sends one message per recipient describing the failed run.
func (m *Mailer) RunFailed(_ context.Context, run models.Run) (err error) {
	defer func() { metrics.RecordNotification(err) }()

	subject := fmt.Sprintf("[runledger] %s/%s failed", run.StageName, run.TaskName)
	text := failureBody(run)

	for _, to := range m.recipients {
		email := mail.NewSingleEmail(m.from, subject, mail.NewEmail("", to), text, htmlBody(text))
		response, err := m.sender.Send(email)
		if err != nil {
			return fmt.Errorf("failed to send failure notice to %s: %w", to, err)
		}
		if response.StatusCode >= 400 {
			return fmt.Errorf("sendgrid error: status %d", response.StatusCode)
		}

		m.logger.Info("failure notice sent", "run_id", run.RunID, "to", to, "status", response.StatusCode)
	}

	return nil
}

func failureBody(run models.Run) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Run %s of %s/%s failed.\n\n", run.RunID, run.StageName, run.TaskName)
	if run.Hostname != "" {
		fmt.Fprintf(&b, "Host:     %s (pid %d)\n", run.Hostname, run.ProcessID)
	}
	if run.StartTime != nil {
		fmt.Fprintf(&b, "Started:  %s\n", run.StartTime.Format("2006-01-02 15:04:05 MST"))
	}
	if run.EndTime != nil {
		fmt.Fprintf(&b, "Ended:    %s\n", run.EndTime.Format("2006-01-02 15:04:05 MST"))
	}
	fmt.Fprintf(&b, "Progress: %.1f%%\n", run.PercentComplete)
	if run.ErrorMessage != "" {
		fmt.Fprintf(&b, "\nError: %s\n", run.ErrorMessage)
	}
	if run.ErrorDetail != "" {
		fmt.Fprintf(&b, "\n%s\n", run.ErrorDetail)
	}

	return b.String()
}

func htmlBody(text string) string {
	return "<pre>" + html.EscapeString(text) + "</pre>"
}
