// Package mail delivers failure notifications. Delivery goes through the
// local sendmail binary by default; when the global configuration names an
// SMTP host, the message is submitted directly instead, the way servers
// without a local MTA are set up.
package mail

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"os"
	"os/exec"
	"strconv"
	"strings"
)

// ErrSendFailed wraps any delivery failure.
var ErrSendFailed = errors.New("mail: send failed")

const senderUser = "btrfs-sxbackup"

// Notifier delivers plain-text notifications to a single recipient.
type Notifier struct {
	Recipient string

	// SMTPHost, when set, selects direct SMTP submission over sendmail.
	// SMTPPort defaults to 25.
	SMTPHost string
	SMTPPort int
}

// Send delivers the message. A notifier without a recipient or an empty
// body is a no-op.
func (n *Notifier) Send(subject, body string) error {
	if n == nil || n.Recipient == "" || body == "" {
		return nil
	}

	msg := buildMessage(sender(), n.Recipient, subject, body)

	if n.SMTPHost != "" {
		port := n.SMTPPort
		if port == 0 {
			port = 25
		}
		addr := net.JoinHostPort(n.SMTPHost, strconv.Itoa(port))
		if err := smtp.SendMail(addr, nil, sender(), []string{n.Recipient}, msg); err != nil {
			return fmt.Errorf("%w: %w", ErrSendFailed, err)
		}
		return nil
	}

	return sendmail(n.Recipient, msg)
}

// sendmail pipes the message into the system sendmail binary. -t takes the
// recipients from the message headers; -oi keeps a lone dot from ending
// the input.
func sendmail(recipient string, msg []byte) error {
	cmd := exec.Command("sendmail", "-t", "-oi")
	cmd.Stdin = bytes.NewReader(msg)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%w: sendmail: %w [%s]", ErrSendFailed, err, strings.TrimSpace(stderr.String()))
	}
	if s := strings.TrimSpace(stderr.String()); s != "" {
		return fmt.Errorf("%w: sendmail: %s", ErrSendFailed, s)
	}
	return nil
}

// sender is the identity notifications are sent as.
func sender() string {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "localhost"
	}
	return fmt.Sprintf("%s@%s", senderUser, hostname)
}

// buildMessage assembles an RFC 5322 plain-text message.
func buildMessage(from, to, subject, body string) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", to)
	fmt.Fprintf(&b, "Subject: %s\r\n", subject)
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(body)
	if !strings.HasSuffix(body, "\n") {
		b.WriteString("\r\n")
	}
	return b.Bytes()
}
