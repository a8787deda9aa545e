package notify

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"mime"
	"net"
	"net/smtp"
	"strconv"
	"time"

	"github.com/pkg/errors"

	"github.com/helvethink/deploy-orchestrator/pkg/config"
	"github.com/helvethink/deploy-orchestrator/pkg/schemas"
)

// Mailer sends one raw RFC 5322 message.
type Mailer interface {
	Send(ctx context.Context, from string, to []string, msg []byte) error
}

// Email delivers notifications through a Mailer.
type Email struct {
	mailer Mailer
	from   string
}

// NewEmail returns the email channel sending from the given address.
func NewEmail(m Mailer, from string) *Email {
	return &Email{mailer: m, from: from}
}

// Name implements Channel.
func (*Email) Name() schemas.Channel { return schemas.ChannelEmail }

// Accepts implements Channel.
func (*Email) Accepts(u schemas.User) bool { return u.HasEmail() }

// Deliver implements Channel.
func (c *Email) Deliver(ctx context.Context, m Message) error {
	return c.mailer.Send(ctx, c.from, []string{m.Recipient.Email}, c.compose(m))
}

func (c *Email) compose(m Message) []byte {
	var b bytes.Buffer

	fmt.Fprintf(&b, "From: %s\r\n", c.from)
	fmt.Fprintf(&b, "To: %s\r\n", m.Recipient.Email)
	fmt.Fprintf(&b, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", m.Title))
	fmt.Fprintf(&b, "Date: %s\r\n", m.Event.Timestamp.Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(m.Body)
	b.WriteString("\r\n")

	return b.Bytes()
}

// SMTPMailer is a Mailer speaking SMTP to a relay.
type SMTPMailer struct {
	host        string
	port        int
	username    string
	password    string
	implicitTLS bool
}

// NewSMTPMailer returns a Mailer for the configured relay.
func NewSMTPMailer(cfg config.Email) *SMTPMailer {
	return &SMTPMailer{
		host:        cfg.Host,
		port:        cfg.Port,
		username:    cfg.Username,
		password:    cfg.Password,
		implicitTLS: cfg.ImplicitTLS,
	}
}

// Send implements Mailer. STARTTLS is used whenever the relay offers it.
func (m *SMTPMailer) Send(ctx context.Context, from string, to []string, msg []byte) (err error) {
	addr := net.JoinHostPort(m.host, strconv.Itoa(m.port))
	tlsConfig := &tls.Config{ServerName: m.host, MinVersion: tls.VersionTLS12}

	var conn net.Conn
	if m.implicitTLS {
		conn, err = (&tls.Dialer{Config: tlsConfig}).DialContext(ctx, "tcp", addr)
	} else {
		conn, err = (&net.Dialer{}).DialContext(ctx, "tcp", addr)
	}

	if err != nil {
		return errors.Wrap(err, "dialing smtp relay")
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	c, err := smtp.NewClient(conn, m.host)
	if err != nil {
		conn.Close()
		return errors.Wrap(err, "opening smtp session")
	}
	defer c.Close()

	if !m.implicitTLS {
		if ok, _ := c.Extension("STARTTLS"); ok {
			if err = c.StartTLS(tlsConfig); err != nil {
				return errors.Wrap(err, "starting tls")
			}
		}
	}

	if m.username != "" {
		if ok, _ := c.Extension("AUTH"); ok {
			if err = c.Auth(smtp.PlainAuth("", m.username, m.password, m.host)); err != nil {
				return errors.Wrap(err, "authenticating")
			}
		}
	}

	if err = c.Mail(from); err != nil {
		return err
	}

	for _, rcpt := range to {
		if err = c.Rcpt(rcpt); err != nil {
			return errors.Wrapf(err, "recipient %s", rcpt)
		}
	}

	w, err := c.Data()
	if err != nil {
		return err
	}

	if _, err = w.Write(msg); err != nil {
		return err
	}

	if err = w.Close(); err != nil {
		return err
	}

	return c.Quit()
}
