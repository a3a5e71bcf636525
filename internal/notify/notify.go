// Package notify tells the account holder about a secured appointment.
package notify

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"
	"time"

	"github.com/jordan-wright/email"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("visasched/notify")

type SMTPConfig struct {
	Server   string
	Port     int
	Username string
	Password string
	From     string
	To       []string
}

// SendFunc delivers a message through the server at addr.
type SendFunc func(e *email.Email, addr string, auth smtp.Auth) error

func send(e *email.Email, addr string, auth smtp.Auth) error {
	return e.Send(addr, auth)
}

type Mailer struct {
	cfg  SMTPConfig
	send SendFunc
}

func NewMailer(cfg SMTPConfig) *Mailer {
	if cfg.From == "" {
		cfg.From = cfg.Username
	}
	return &Mailer{cfg: cfg, send: send}
}

// WithSend replaces the delivery function.
func (m *Mailer) WithSend(fn SendFunc) *Mailer {
	m.send = fn
	return m
}

func (m *Mailer) NotifyRescheduled(ctx context.Context, location string, previous, date time.Time) error {
	_, span := tracer.Start(ctx, "notify.NotifyRescheduled")
	defer span.End()
	span.SetAttributes(attribute.String("location", location), attribute.String("date", date.Format(time.DateOnly)))

	mail := email.NewEmail()
	mail.From = fmt.Sprintf("visasched <%s>", m.cfg.From)
	mail.To = m.cfg.To
	mail.Subject = fmt.Sprintf("Appointment moved to %s", date.Format(time.DateOnly))
	mail.Text = []byte(fmt.Sprintf(`Your consular appointment was rescheduled.

Location: %s
New date: %s
Previous date: %s

The hunt keeps running and will move it again if an earlier date opens up.`,
		location, date.Format(time.DateOnly), previous.Format(time.DateOnly)))

	addr := fmt.Sprintf("%s:%d", m.cfg.Server, m.cfg.Port)
	var auth smtp.Auth
	if m.cfg.Username != "" {
		auth = smtp.PlainAuth("", m.cfg.Username, m.cfg.Password, m.cfg.Server)
	}

	err := m.send(mail, addr, auth)
	if err != nil && auth != nil && strings.Contains(err.Error(), "server doesn't support AUTH") {
		err = m.send(mail, addr, nil)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to send email")
		return fmt.Errorf("send notification: %w", err)
	}
	return nil
}
