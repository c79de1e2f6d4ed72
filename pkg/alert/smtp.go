package alert

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/multierr"
)

// DefaultTimeout bounds one delivery when the context carries no earlier
// deadline.
const DefaultTimeout = 30 * time.Second

// SendFunc delivers one message. It must return once ctx is done.
type SendFunc func(ctx context.Context, addr string, a smtp.Auth, from string, to []string, msg []byte) error

// SMTPNotifier sends one message per recipient, upgrading to STARTTLS when
// the server offers it.
type SMTPNotifier struct {
	cfg     Config
	timeout time.Duration
	send    SendFunc
}

// NewSMTPNotifier returns a notifier for cfg.
func NewSMTPNotifier(cfg Config) *SMTPNotifier {
	n := &SMTPNotifier{cfg: cfg, timeout: DefaultTimeout}
	n.send = n.sendMail
	return n
}

// WithSender replaces the transport, for tests.
func (n *SMTPNotifier) WithSender(send SendFunc) *SMTPNotifier {
	n.send = send
	return n
}

// WithTimeout bounds the dial and the whole exchange with the server.
func (n *SMTPNotifier) WithTimeout(d time.Duration) *SMTPNotifier {
	if d > 0 {
		n.timeout = d
	}
	return n
}

// Notify delivers msg to every recipient. A failed recipient does not stop
// the others.
func (n *SMTPNotifier) Notify(ctx context.Context, msg Message) error {
	addr := net.JoinHostPort(n.cfg.SMTPServer, strconv.Itoa(n.cfg.SMTPPort))
	var auth smtp.Auth
	if n.cfg.Username != "" {
		auth = smtp.PlainAuth("", n.cfg.Username, n.cfg.Password, n.cfg.SMTPServer)
	}

	var errs error
	for _, to := range n.cfg.Recipients {
		if err := ctx.Err(); err != nil {
			return multierr.Append(errs, err)
		}
		if err := n.send(ctx, addr, auth, n.cfg.SenderEmail, []string{to}, buildMessage(n.cfg.SenderEmail, to, msg)); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("send to %s: %w", to, err))
		}
	}
	return errs
}

// sendMail is smtp.SendMail with a dial timeout and a connection deadline.
// Cancelling ctx unblocks any pending read or write.
func (n *SMTPNotifier) sendMail(ctx context.Context, addr string, a smtp.Auth, from string, to []string, msg []byte) error {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return err
	}

	dialer := net.Dialer{Timeout: n.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	deadline := time.Now().Add(n.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		_ = conn.Close()
		return err
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stop()

	c, err := smtp.NewClient(conn, host)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("read greeting from %s: %w", addr, err)
	}
	defer func() { _ = c.Close() }()

	if ok, _ := c.Extension("STARTTLS"); ok {
		if err := c.StartTLS(&tls.Config{ServerName: host, MinVersion: tls.VersionTLS12}); err != nil {
			return fmt.Errorf("starttls: %w", err)
		}
	}
	if a != nil {
		if ok, _ := c.Extension("AUTH"); !ok {
			return errors.New("server does not support AUTH")
		}
		if err := c.Auth(a); err != nil {
			return fmt.Errorf("auth: %w", err)
		}
	}
	if err := c.Mail(from); err != nil {
		return err
	}
	for _, rcpt := range to {
		if err := c.Rcpt(rcpt); err != nil {
			return err
		}
	}
	w, err := c.Data()
	if err != nil {
		return err
	}
	if _, err := w.Write(msg); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return c.Quit()
}

func buildMessage(from, to string, msg Message) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", to)
	fmt.Fprintf(&b, "Subject: %s\r\n", msg.Subject)
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/html; charset=UTF-8\r\n\r\n")
	b.WriteString(msg.HTML)
	b.WriteString("\r\n")
	return []byte(b.String())
}
