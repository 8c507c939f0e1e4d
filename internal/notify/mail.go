package notify

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"

	mail "github.com/go-mail/mail"
)

type mailDialer interface {
	DialAndSend(m ...*mail.Message) error
}

// MailConfig configures the SMTP sink.
type MailConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	To       []string
}

// Mail emails error-level events to the operators. Informational events are
// dropped.
type Mail struct {
	dialer mailDialer
	from   string
	to     []string
}

func NewMail(cfg MailConfig) *Mail {
	d := mail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password)
	d.TLSConfig = &tls.Config{ServerName: cfg.Host}
	return &Mail{dialer: d, from: cfg.From, to: cfg.To}
}

func (*Mail) Name() string { return "mail" }

func (m *Mail) Notify(ctx context.Context, ev Event) error {
	ev, err := prepare(ctx, ev)
	if err != nil {
		return err
	}
	if ev.Level != LevelError || len(m.to) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	msg := mail.NewMessage()
	msg.SetHeader("From", m.from)
	msg.SetHeader("To", m.to...)
	msg.SetHeader("Subject", "[warden] "+ev.Kind)
	msg.SetBody("text/plain", mailBody(ev))

	if err := m.dialer.DialAndSend(msg); err != nil {
		return fmt.Errorf("notify: smtp send: %w", err)
	}
	return nil
}

func mailBody(ev Event) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n\nkind: %s\ntime: %s\n", ev.Text, ev.Kind, ev.Time.Format("2006-01-02 15:04:05Z07:00"))
	if ev.Tick != "" {
		fmt.Fprintf(&b, "tick: %s\n", ev.Tick)
	}
	for k, v := range ev.Fields {
		fmt.Fprintf(&b, "%s: %v\n", k, v)
	}
	return b.String()
}
