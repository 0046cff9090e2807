// ABOUTME: Alert sinks for monitor findings: slog, HMAC-signed webhook, and
// ABOUTME: SMTP e-mail. Composite fans one finding out to all of them.
package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/wneessen/go-mail"

	"github.com/scarson/conveyor/internal/hook"
)

// Alerter receives monitor findings. Implementations must not block the
// scan loop for long; sinks with slow transports enforce their own
// timeouts.
type Alerter interface {
	Alert(ctx context.Context, f Finding)
}

// LogAlerter writes findings to the structured log at Error level.
type LogAlerter struct {
	Log *slog.Logger
}

// Alert logs the finding.
func (a LogAlerter) Alert(_ context.Context, f Finding) {
	a.Log.Error("worker alert", "worker_id", f.WorkerID, "condition", f.Kind, "age", f.Age)
}

// WebhookAlerter posts findings to an operator endpoint, signed with the
// same scheme as outbound hooks.
type WebhookAlerter struct {
	Client *http.Client
	URL    string
	Secret string
	Log    *slog.Logger
}

// Alert posts the finding. Delivery failures are logged, not retried — the
// next scan re-raises a persisting condition.
func (a WebhookAlerter) Alert(ctx context.Context, f Finding) {
	body, _ := json.Marshal(map[string]string{ //nolint:errcheck
		"worker_id": f.WorkerID,
		"condition": f.Kind,
		"age":       f.Age.Round(time.Second).String(),
	})
	status, err := hook.Send(ctx, a.Client, a.URL, a.Secret, body)
	if err != nil || status < 200 || status >= 300 {
		a.Log.Error("alert webhook delivery failed", "status", status, "error", err)
	}
}

// EmailAlerter sends findings over SMTP. Dial-per-send: alert traffic is
// sporadic, so no persistent connection is held.
type EmailAlerter struct {
	Host     string
	Port     int
	From     string
	To       []string
	Username string
	Password string
	Log      *slog.Logger
}

// Alert e-mails the finding.
func (a EmailAlerter) Alert(ctx context.Context, f Finding) {
	if err := a.send(ctx, f); err != nil {
		a.Log.Error("alert email delivery failed", "error", err)
	}
}

func (a EmailAlerter) send(ctx context.Context, f Finding) error {
	// Strip CR/LF to prevent header injection via worker ids.
	subject := strings.NewReplacer("\r", "", "\n", "").Replace(
		fmt.Sprintf("conveyor alert: worker %s %s", f.WorkerID, f.Kind))

	m := mail.NewMsg()
	if err := m.FromFormat("Conveyor Monitor", a.From); err != nil {
		return fmt.Errorf("set from: %w", err)
	}
	if err := m.To(a.To...); err != nil {
		return fmt.Errorf("set to: %w", err)
	}
	m.Subject(subject)
	m.SetBodyString(mail.TypeTextPlain, f.String()+"\n")

	opts := []mail.Option{mail.WithPort(a.Port), mail.WithTLSPortPolicy(mail.TLSOpportunistic)}
	if a.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(a.Username),
			mail.WithPassword(a.Password))
	}
	c, err := mail.NewClient(a.Host, opts...)
	if err != nil {
		return fmt.Errorf("smtp client: %w", err)
	}
	if err := c.DialAndSendWithContext(ctx, m); err != nil {
		return fmt.Errorf("send: %w", err)
	}
	return nil
}

// Composite fans one finding out to every sink.
type Composite []Alerter

// Alert forwards f to each sink in order.
func (cs Composite) Alert(ctx context.Context, f Finding) {
	for _, a := range cs {
		a.Alert(ctx, f)
	}
}
