package report

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/wneessen/go-mail"
)

// MailConfig configures the SMTP relay used to deliver reports.
type MailConfig struct {
	Host     string `env:"SMTP_HOST" yaml:"host"`
	Port     int    `env:"SMTP_PORT,default=587" yaml:"port"`
	User     string `env:"SMTP_USER" yaml:"user"`
	Password string `env:"SMTP_PASS" yaml:"-"`
	From     string `env:"SMTP_FROM,default=dcm2niix-json@localhost" yaml:"from"`
}

type sendFunc func(ctx context.Context, msg *mail.Msg) error

// Mailer sends rendered reports over SMTP. STARTTLS is used when the relay offers it.
type Mailer struct {
	cfg  MailConfig
	send sendFunc
}

// NewMailer validates cfg and returns a Mailer.
func NewMailer(cfg MailConfig) (*Mailer, error) {
	if strings.TrimSpace(cfg.Host) == "" {
		return nil, errors.New("SMTP_HOST is required to send reports")
	}
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	if cfg.From == "" {
		return nil, errors.New("SMTP_FROM is required to send reports")
	}

	opts := []mail.Option{
		mail.WithPort(cfg.Port),
		mail.WithTLSPolicy(mail.TLSOpportunistic),
		mail.WithTimeout(30 * time.Second),
	}
	if cfg.User != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(cfg.User),
			mail.WithPassword(cfg.Password),
		)
	}
	client, err := mail.NewClient(cfg.Host, opts...)
	if err != nil {
		return nil, fmt.Errorf("smtp client: %w", err)
	}

	return &Mailer{
		cfg: cfg,
		send: func(ctx context.Context, msg *mail.Msg) error {
			return client.DialAndSendWithContext(ctx, msg)
		},
	}, nil
}

// Send delivers subject and body to the comma separated recipients in to.
func (m *Mailer) Send(ctx context.Context, to, subject, body string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	recipients := splitRecipients(to)
	if len(recipients) == 0 {
		return errors.New("no report recipients")
	}

	msg, err := newMessage(m.cfg.From, recipients, subject, body)
	if err != nil {
		return err
	}
	if err := m.send(ctx, msg); err != nil {
		return fmt.Errorf("send report via %s: %w", m.cfg.Host, err)
	}
	return nil
}

func newMessage(from string, to []string, subject, body string) (*mail.Msg, error) {
	msg := mail.NewMsg()
	if err := msg.From(from); err != nil {
		return nil, fmt.Errorf("report sender %q: %w", from, err)
	}
	if err := msg.To(to...); err != nil {
		return nil, fmt.Errorf("report recipients: %w", err)
	}
	msg.Subject(subject)
	msg.SetDate()
	msg.SetMessageID()
	msg.SetBodyString(mail.TypeTextPlain, body)
	return msg, nil
}

func splitRecipients(to string) []string {
	var out []string
	for _, addr := range strings.FieldsFunc(to, func(r rune) bool { return r == ',' || r == ';' }) {
		if addr = strings.TrimSpace(addr); addr != "" {
			out = append(out, addr)
		}
	}
	return out
}
