package mailsink

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	gosasl "github.com/emersion/go-sasl"

	sinkio "github.com/synqronlabs/mailsink/io"
)

var (
	ErrClientClosed          = errors.New("smtp: client closed")
	ErrExtensionNotSupported = errors.New("smtp: extension not supported by server")
	ErrTLSAlreadyActive      = errors.New("smtp: TLS already active")
	ErrUnexpectedResponse    = errors.New("smtp: unexpected server response")
)

// clientTimeout bounds each command round trip.
const clientTimeout = 5 * time.Minute

// Client is a minimal SMTP client. It speaks the submission half of the
// protocol and is not safe for concurrent use beyond what its mutex covers.
type Client struct {
	mu         sync.Mutex
	conn       net.Conn
	reader     *bufio.Reader
	writer     *bufio.Writer
	lines      *sinkio.LineReader
	serverName string
	greeting   *ClientResponse
	extensions map[string]string
	isTLS      bool
	closed     bool
	data       *dataWriter
}

// ClientResponse is a parsed server reply.
type ClientResponse struct {
	Code         int
	EnhancedCode string
	Message      string
	Lines        []string
}

// IsSuccess reports a 2xx reply.
func (r *ClientResponse) IsSuccess() bool {
	return r.Code >= 200 && r.Code < 300
}

// IsIntermediate reports a 3xx reply.
func (r *ClientResponse) IsIntermediate() bool {
	return r.Code >= 300 && r.Code < 400
}

// Err returns the reply as an *SMTPError when it is a failure, nil otherwise.
func (r *ClientResponse) Err() error {
	if r.IsSuccess() || r.IsIntermediate() {
		return nil
	}
	return &SMTPError{
		Code:         r.Code,
		EnhancedCode: r.EnhancedCode,
		Message:      r.Message,
	}
}

// SMTPError is a failure reply from the server.
type SMTPError struct {
	Code         int
	EnhancedCode string
	Message      string
}

func (e *SMTPError) Error() string {
	if e.EnhancedCode != "" {
		return fmt.Sprintf("SMTP %d %s: %s", e.Code, e.EnhancedCode, e.Message)
	}
	return fmt.Sprintf("SMTP %d: %s", e.Code, e.Message)
}

// IsPermanent reports a 5xx failure.
func (e *SMTPError) IsPermanent() bool {
	return e.Code >= 500 && e.Code < 600
}

// IsTransient reports a 4xx failure.
func (e *SMTPError) IsTransient() bool {
	return e.Code >= 400 && e.Code < 500
}

// Dial connects to addr and reads the server greeting.
func Dial(ctx context.Context, addr string) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("smtp: dial %s: %w", addr, err)
	}
	c, err := NewClient(conn)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if host, _, err := net.SplitHostPort(addr); err == nil {
		c.serverName = host
	}
	return c, nil
}

// NewClient wraps an established connection and reads the 220 greeting.
func NewClient(conn net.Conn) (*Client, error) {
	c := &Client{extensions: make(map[string]string)}
	c.setConn(conn)
	_, c.isTLS = conn.(*tls.Conn)
	if host, _, err := net.SplitHostPort(conn.RemoteAddr().String()); err == nil {
		c.serverName = host
	}

	resp, err := c.readResponse()
	if err != nil {
		return nil, err
	}
	if resp.Code != int(CodeServiceReady) {
		return nil, resp.Err()
	}
	c.greeting = resp
	return c, nil
}

func (c *Client) setConn(conn net.Conn) {
	c.conn = conn
	c.reader = bufio.NewReader(conn)
	c.writer = bufio.NewWriter(conn)
	// server replies may carry long help or extension lines
	c.lines = sinkio.NewLineReader(c.reader, 4096)
}

// Greeting returns the server's 220 reply.
func (c *Client) Greeting() *ClientResponse {
	return c.greeting
}

// Extension reports whether the server advertised ext in its EHLO reply and
// returns the extension parameters.
func (c *Client) Extension(ext string) (bool, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	params, ok := c.extensions[strings.ToUpper(ext)]
	return ok, params
}

// IsTLS reports whether the connection is encrypted.
func (c *Client) IsTLS() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isTLS
}

// Hello sends EHLO, falling back to HELO when the server rejects it.
func (c *Client) Hello(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	resp, err := c.cmd("EHLO %s", name)
	if err != nil {
		return err
	}
	if resp.IsSuccess() {
		c.parseExtensions(resp.Lines)
		return nil
	}

	resp, err = c.cmd("HELO %s", name)
	if err != nil {
		return err
	}
	c.extensions = make(map[string]string)
	return resp.Err()
}

// StartTLS upgrades the connection. The caller must send Hello again
// afterwards; the extension list is cleared.
func (c *Client) StartTLS(config *tls.Config) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.isTLS {
		return ErrTLSAlreadyActive
	}
	if _, ok := c.extensions["STARTTLS"]; !ok {
		return fmt.Errorf("%w: STARTTLS", ErrExtensionNotSupported)
	}

	resp, err := c.cmd("STARTTLS")
	if err != nil {
		return err
	}
	if resp.Code != int(CodeServiceReady) {
		return resp.Err()
	}

	if config == nil {
		config = &tls.Config{}
	}
	if config.ServerName == "" {
		config = config.Clone()
		config.ServerName = c.serverName
	}

	tlsConn := tls.Client(c.conn, config)
	if err := c.deadline(); err != nil {
		return err
	}
	if err := tlsConn.Handshake(); err != nil {
		return fmt.Errorf("smtp: TLS handshake failed: %w", err)
	}

	c.setConn(tlsConn)
	c.isTLS = true
	c.extensions = make(map[string]string)
	return nil
}

// Auth runs a SASL exchange driven by a go-sasl client.
func (c *Client) Auth(a gosasl.Client) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	mechs, ok := c.extensions["AUTH"]
	if !ok {
		return fmt.Errorf("%w: AUTH", ErrExtensionNotSupported)
	}

	mech, ir, err := a.Start()
	if err != nil {
		return err
	}
	if !containsFold(strings.Fields(mechs), mech) {
		return fmt.Errorf("%w: AUTH %s", ErrExtensionNotSupported, mech)
	}

	line := "AUTH " + mech
	if ir != nil {
		encoded := base64.StdEncoding.EncodeToString(ir)
		if encoded == "" {
			encoded = "="
		}
		line += " " + encoded
	}

	resp, err := c.cmd("%s", line)
	for err == nil && resp.Code == int(CodeAuthContinue) {
		var challenge []byte
		challenge, err = base64.StdEncoding.DecodeString(resp.Message)
		if err != nil {
			_, _ = c.cmd("*")
			return fmt.Errorf("%w: bad challenge %q", ErrUnexpectedResponse, resp.Message)
		}
		var reply []byte
		reply, err = a.Next(challenge)
		if err != nil {
			_, _ = c.cmd("*")
			return err
		}
		resp, err = c.cmd("%s", base64.StdEncoding.EncodeToString(reply))
	}
	if err != nil {
		return err
	}
	return resp.Err()
}

// Mail starts a transaction for sender from. An empty from sends the null
// reverse path.
func (c *Client) Mail(from string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.expect("MAIL FROM:<%s>", from)
}

// Rcpt adds a recipient to the transaction.
func (c *Client) Rcpt(to string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.expect("RCPT TO:<%s>", to)
}

// Data issues DATA and returns a writer for the message body. Closing the
// writer terminates the body and returns the server's verdict.
func (c *Client) Data() (io.WriteCloser, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	resp, err := c.cmd("DATA")
	if err != nil {
		return nil, err
	}
	if resp.Code != int(CodeStartMailInput) {
		if rerr := resp.Err(); rerr != nil {
			return nil, rerr
		}
		return nil, fmt.Errorf("%w: %d %s", ErrUnexpectedResponse, resp.Code, resp.Message)
	}

	c.data = &dataWriter{c: c, dot: sinkio.NewDotWriter(c.writer)}
	return c.data, nil
}

// Reset sends RSET.
func (c *Client) Reset() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.expect("RSET")
}

// Noop sends NOOP.
func (c *Client) Noop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.expect("NOOP")
}

// SendMail runs MAIL, RCPT for every recipient and DATA with body.
func (c *Client) SendMail(from string, to []string, body io.Reader) error {
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
	if _, err := io.Copy(w, body); err != nil {
		_ = w.Close()
		return err
	}
	return w.Close()
}

// Quit sends QUIT and closes the connection.
func (c *Client) Quit() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClientClosed
	}
	err := c.expect("QUIT")
	c.mu.Unlock()

	if cerr := c.Close(); err == nil {
		err = cerr
	}
	return err
}

// Close closes the connection without QUIT.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.conn.Close()
}

// dataWriter stuffs the body onto the wire. Close sends the terminator and
// reads the reply.
type dataWriter struct {
	c   *Client
	dot *sinkio.DotWriter
}

func (w *dataWriter) Write(p []byte) (int, error) {
	w.c.mu.Lock()
	defer w.c.mu.Unlock()
	if err := w.c.deadline(); err != nil {
		return 0, err
	}
	return w.dot.Write(p)
}

func (w *dataWriter) Close() error {
	w.c.mu.Lock()
	defer w.c.mu.Unlock()
	if w.c.data != w {
		return nil
	}
	w.c.data = nil

	if err := w.dot.Close(); err != nil {
		return err
	}
	if err := w.c.writer.Flush(); err != nil {
		return err
	}
	resp, err := w.c.readResponse()
	if err != nil {
		return err
	}
	return resp.Err()
}

func (c *Client) deadline() error {
	if c.closed {
		return ErrClientClosed
	}
	return c.conn.SetDeadline(time.Now().Add(clientTimeout))
}

// expect sends a command and requires a 2xx reply.
func (c *Client) expect(format string, args ...any) error {
	resp, err := c.cmd(format, args...)
	if err != nil {
		return err
	}
	if !resp.IsSuccess() {
		if rerr := resp.Err(); rerr != nil {
			return rerr
		}
		return fmt.Errorf("%w: %d %s", ErrUnexpectedResponse, resp.Code, resp.Message)
	}
	return nil
}

// cmd writes one command line and reads the reply.
func (c *Client) cmd(format string, args ...any) (*ClientResponse, error) {
	if c.data != nil {
		return nil, fmt.Errorf("%w: DATA in progress", ErrUnexpectedResponse)
	}
	if err := c.deadline(); err != nil {
		return nil, err
	}
	if _, err := fmt.Fprintf(c.writer, format+"\r\n", args...); err != nil {
		return nil, err
	}
	if err := c.writer.Flush(); err != nil {
		return nil, err
	}
	return c.readResponse()
}

// readResponse reads a possibly multi-line reply.
func (c *Client) readResponse() (*ClientResponse, error) {
	if err := c.deadline(); err != nil {
		return nil, err
	}

	var (
		code  int
		lines []string
	)
	for line, err := range c.lines.Lines() {
		if err != nil {
			return nil, err
		}
		if len(line) < 3 {
			return nil, fmt.Errorf("%w: line too short: %q", ErrUnexpectedResponse, line)
		}
		lineCode, err := strconv.Atoi(line[:3])
		if err != nil {
			return nil, fmt.Errorf("%w: invalid code: %q", ErrUnexpectedResponse, line)
		}
		if code == 0 {
			code = lineCode
		} else if lineCode != code {
			return nil, fmt.Errorf("%w: inconsistent codes", ErrUnexpectedResponse)
		}

		var msg string
		if len(line) > 4 {
			msg = line[4:]
		}
		lines = append(lines, msg)

		// "250-" continues, "250 " or a bare "250" ends the reply
		if len(line) == 3 || line[3] == ' ' {
			resp := &ClientResponse{
				Code:    code,
				Message: strings.Join(lines, "\n"),
				Lines:   lines,
			}
			resp.EnhancedCode, resp.Message = splitEnhancedCode(resp.Message)
			return resp, nil
		}
	}
	return nil, io.ErrUnexpectedEOF
}

func (c *Client) parseExtensions(lines []string) {
	c.extensions = make(map[string]string)
	if len(lines) < 2 {
		return
	}
	// the first line is the server's hostname
	for _, line := range lines[1:] {
		name, params, _ := strings.Cut(line, " ")
		c.extensions[strings.ToUpper(name)] = params
	}
}

// splitEnhancedCode separates a leading "X.Y.Z " from msg.
func splitEnhancedCode(msg string) (string, string) {
	code, rest, ok := strings.Cut(msg, " ")
	if !ok {
		return "", msg
	}
	parts := strings.Split(code, ".")
	if len(parts) != 3 {
		return "", msg
	}
	for _, p := range parts {
		if _, err := strconv.Atoi(p); err != nil {
			return "", msg
		}
	}
	return code, rest
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}
