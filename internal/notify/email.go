package notify

import (
	"context"
	"fmt"
	"time"

	"gopkg.in/gomail.v2"

	"automation_engine/internal/config"
	"automation_engine/internal/logbus"
)

// EmailNotifier alerts an operator when a login session fails permanently
// (invalid credentials, locked account, unsupported 2FA). Sending happens in
// a background goroutine so the state machine never blocks on SMTP.
type EmailNotifier struct {
	cfg config.EmailConfig
	bus *logbus.Bus
}

func NewEmailNotifier(cfg config.EmailConfig, bus *logbus.Bus) *EmailNotifier {
	return &EmailNotifier{cfg: cfg, bus: bus}
}

func (n *EmailNotifier) NotifyTaskFinished(context.Context, TaskFinishedEvent) {}

func (n *EmailNotifier) NotifyLoginFailed(_ context.Context, evt LoginFailedEvent) {
	if !n.cfg.Enabled || n.cfg.Host == "" || n.cfg.To == "" {
		return
	}
	go n.send(evt)
}

func (n *EmailNotifier) send(evt LoginFailedEvent) {
	from := n.cfg.From
	if from == "" {
		from = n.cfg.Username
	}

	m := gomail.NewMessage()
	m.SetHeader("From", from)
	m.SetHeader("To", n.cfg.To)
	m.SetHeader("Subject", fmt.Sprintf("[automation] login failed: %s / %s", evt.Platform, evt.Email))
	m.SetBody("text/plain", fmt.Sprintf(
		"Login for %s on %s failed permanently at %s.\n\nReason: %s\n\nManual action is required before dependent tasks can run.\n",
		evt.Email, evt.Platform, time.UnixMilli(evt.At).Format(time.RFC3339), evt.Reason))

	d := gomail.NewDialer(n.cfg.Host, n.cfg.Port, n.cfg.Username, n.cfg.Password)
	if err := d.DialAndSend(m); err != nil {
		if n.bus != nil {
			n.bus.Log("warn", "login alert email failed", map[string]any{
				"platform": evt.Platform,
				"email":    evt.Email,
				"error":    err.Error(),
			})
		}
		return
	}
	if n.bus != nil {
		n.bus.Log("info", "login alert email sent", map[string]any{
			"platform": evt.Platform,
			"email":    evt.Email,
		})
	}
}
