package commands

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	gosasl "github.com/emersion/go-sasl"
	"github.com/emersion/go-message/mail"
	"github.com/spf13/cobra"

	"github.com/synqronlabs/mailsink"
)

var sendOpts struct {
	server    string
	helo      string
	from      string
	to        []string
	subject   string
	body      string
	startTLS  bool
	insecure  bool
	username  string
	password  string
	mechanism string
	timeout   time.Duration
}

var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "Send a test message over SMTP",
	Long: `Compose a plain text message and submit it to an SMTP server.

The body is read from --body, or from stdin when --body is "-".

Examples:
  # Send to a local sink
  mailsink send --server 127.0.0.1:2525 --from a@example.com --to b@example.com

  # Submit with STARTTLS and AUTH LOGIN
  mailsink send --server mx.example.com:587 --starttls \
    --user a@example.com --password secret --mechanism login \
    --from a@example.com --to b@example.com --subject hello --body -`,
	RunE: runSend,
}

func init() {
	f := sendCmd.Flags()
	f.StringVar(&sendOpts.server, "server", "localhost:25", "SMTP server address")
	f.StringVar(&sendOpts.helo, "helo", "localhost", "name sent with EHLO")
	f.StringVar(&sendOpts.from, "from", "", "envelope and header sender")
	f.StringSliceVar(&sendOpts.to, "to", nil, "recipient address (repeatable)")
	f.StringVar(&sendOpts.subject, "subject", "mailsink test message", "message subject")
	f.StringVar(&sendOpts.body, "body", "This is a test message.", `message body, or "-" for stdin`)
	f.BoolVar(&sendOpts.startTLS, "starttls", false, "upgrade the connection with STARTTLS")
	f.BoolVar(&sendOpts.insecure, "insecure", false, "skip TLS certificate verification")
	f.StringVar(&sendOpts.username, "user", "", "AUTH username")
	f.StringVar(&sendOpts.password, "password", "", "AUTH password")
	f.StringVar(&sendOpts.mechanism, "mechanism", "plain", "AUTH mechanism (plain or login)")
	f.DurationVar(&sendOpts.timeout, "timeout", 30*time.Second, "connect timeout")

	_ = sendCmd.MarkFlagRequired("from")
	_ = sendCmd.MarkFlagRequired("to")
}

func runSend(cmd *cobra.Command, args []string) error {
	body := sendOpts.body
	if body == "-" {
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return fmt.Errorf("failed to read body: %w", err)
		}
		body = string(data)
	}

	msg, err := composeMessage(sendOpts.from, sendOpts.to, sendOpts.subject, body)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), sendOpts.timeout)
	defer cancel()

	if err := sendMessage(ctx, msg); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Message sent to %s (%d recipients)\n", sendOpts.server, len(sendOpts.to))
	return nil
}

func sendMessage(ctx context.Context, msg []byte) error {
	c, err := mailsink.Dial(ctx, sendOpts.server)
	if err != nil {
		return err
	}
	defer c.Close()

	if err := c.Hello(sendOpts.helo); err != nil {
		return err
	}

	if sendOpts.startTLS {
		host, _, err := net.SplitHostPort(sendOpts.server)
		if err != nil {
			host = sendOpts.server
		}
		tlsConfig := &tls.Config{
			ServerName:         host,
			InsecureSkipVerify: sendOpts.insecure, //nolint:gosec
		}
		if err := c.StartTLS(tlsConfig); err != nil {
			return err
		}
		if err := c.Hello(sendOpts.helo); err != nil {
			return err
		}
	}

	if sendOpts.username != "" {
		auth, err := saslClient(sendOpts.mechanism, sendOpts.username, sendOpts.password)
		if err != nil {
			return err
		}
		if err := c.Auth(auth); err != nil {
			return fmt.Errorf("authentication failed: %w", err)
		}
	}

	if err := c.SendMail(sendOpts.from, sendOpts.to, bytes.NewReader(msg)); err != nil {
		return err
	}
	return c.Quit()
}

func saslClient(mechanism, username, password string) (gosasl.Client, error) {
	switch strings.ToLower(mechanism) {
	case "plain":
		return gosasl.NewPlainClient("", username, password), nil
	case "login":
		return gosasl.NewLoginClient(username, password), nil
	default:
		return nil, fmt.Errorf("unsupported mechanism %q", mechanism)
	}
}

// composeMessage builds a single-part text/plain message.
func composeMessage(from string, to []string, subject, body string) ([]byte, error) {
	if from == "" || len(to) == 0 {
		return nil, errors.New("sender and at least one recipient are required")
	}

	var h mail.Header
	h.SetDate(time.Now())
	h.SetAddressList("From", []*mail.Address{{Address: from}})
	rcpts := make([]*mail.Address, len(to))
	for i, addr := range to {
		rcpts[i] = &mail.Address{Address: addr}
	}
	h.SetAddressList("To", rcpts)
	h.SetSubject(subject)
	h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
	if err := h.GenerateMessageID(); err != nil {
		return nil, fmt.Errorf("failed to generate Message-Id: %w", err)
	}

	var buf bytes.Buffer
	w, err := mail.CreateSingleInlineWriter(&buf, h)
	if err != nil {
		return nil, err
	}
	if _, err := io.WriteString(w, body); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
