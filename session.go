package mailsink

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	sinkio "github.com/synqronlabs/mailsink/io"
	"github.com/synqronlabs/mailsink/sasl"
	"github.com/synqronlabs/mailsink/utils"
)

// Session is one SMTP conversation. Commands are handled sequentially on
// the session goroutine; only reply writes may come from the server during
// shutdown.
type Session struct {
	ID string

	server *Server
	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger

	// mu guards conn, reader and writer, which STARTTLS replaces.
	mu     sync.Mutex
	conn   net.Conn
	reader *bufio.Reader
	writer *bufio.Writer

	remoteAddr net.Addr
	localAddr  net.Addr

	heloHost      string
	tlsActive     bool
	authenticated bool
	authHandler   sasl.Handler
	authIdentity  string
	tx            *transaction

	quitting     bool
	commands     int64
	transactions int64
}

func newSession(ctx context.Context, srv *Server, conn net.Conn) *Session {
	sessCtx, cancel := context.WithCancel(ctx)
	s := &Session{
		ID:         utils.NewSessionID(),
		server:     srv,
		ctx:        sessCtx,
		cancel:     cancel,
		conn:       conn,
		reader:     bufio.NewReader(conn),
		writer:     bufio.NewWriter(conn),
		remoteAddr: conn.RemoteAddr(),
		localAddr:  conn.LocalAddr(),
	}
	if _, ok := conn.(*tls.Conn); ok {
		s.tlsActive = true
	}
	s.logger = srv.config.Logger.With(
		slog.String("session_id", s.ID),
		slog.String("remote", s.remoteAddr.String()),
	)
	return s
}

// Context returns the session context, cancelled when the session ends.
func (s *Session) Context() context.Context { return s.ctx }

func (s *Session) RemoteAddr() net.Addr { return s.remoteAddr }

func (s *Session) LocalAddr() net.Addr { return s.localAddr }

// HeloHost returns the name given with HELO or EHLO, or "" before either.
func (s *Session) HeloHost() string { return s.heloHost }

func (s *Session) IsTLS() bool { return s.tlsActive }

func (s *Session) IsAuthenticated() bool { return s.authenticated }

// AuthIdentity returns the identity established by AUTH.
func (s *Session) AuthIdentity() string { return s.authIdentity }

// Logger returns the session logger.
func (s *Session) Logger() *slog.Logger { return s.logger }

// serve runs the session until the client quits or the connection fails.
func (s *Session) serve() {
	defer s.cancel()
	defer s.resetTransaction()

	s.logger.Info("client connected")
	defer func() {
		s.logger.Info("client disconnected",
			slog.Int64("commands", s.commands),
			slog.Int64("transactions", s.transactions),
		)
	}()

	cfg := s.server.config
	greeting := Response{
		Code:    CodeServiceReady,
		Message: fmt.Sprintf("%s ESMTP %s", cfg.Hostname, cfg.SoftwareName),
	}
	if err := s.Reply(greeting); err != nil {
		return
	}

	for !s.quitting {
		if s.ctx.Err() != nil {
			return
		}
		line, err := s.readLine(cfg.ReadTimeout)
		if err != nil {
			s.handleError(err)
			return
		}
		s.commands++
		if err := s.dispatch(line); err != nil {
			s.handleError(err)
			return
		}
	}
}

func (s *Session) readLine(timeout time.Duration) (string, error) {
	if err := s.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return "", err
	}
	return sinkio.ReadLine(s.reader, s.server.config.MaxLineLength)
}

// dispatch runs one command line and writes any rejection it produces.
func (s *Session) dispatch(line string) error {
	cmd, err := s.server.registry.Lookup(line)
	if err != nil {
		return s.writeResult(err)
	}

	_, args := splitCommand(line)
	if cmd.Verb == VerbAUTH {
		s.logger.Debug("command received", slog.String("verb", string(cmd.Verb)))
	} else {
		s.logger.Debug("command received", slog.String("verb", string(cmd.Verb)), slog.String("args", args))
	}

	return s.writeResult(cmd.Handler(s, args))
}

// writeResult turns a handler result into a reply. Only I/O errors and
// dropping rejections are returned.
func (s *Session) writeResult(err error) error {
	if err == nil {
		return nil
	}
	var rej *RejectError
	if !errors.As(err, &rej) {
		return err
	}
	if rej.Code != 0 {
		if werr := s.Reply(rej.Response()); werr != nil {
			return werr
		}
	}
	if rej.Drop {
		return ErrDropConnection
	}
	return nil
}

// handleError answers read failures that deserve a reply before the
// connection closes.
func (s *Session) handleError(err error) {
	var termErr *sinkio.TerminationError
	var netErr net.Error
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, net.ErrClosed):
	case errors.Is(err, ErrDropConnection):
	case s.ctx.Err() != nil:
	case errors.As(err, &termErr):
		s.logger.Warn("bare line break from client", slog.Int("position", termErr.Position))
		_ = s.Reply(responseBadLineEnding(termErr.Position))
	case errors.Is(err, sinkio.ErrLineTooLong):
		s.logger.Warn("input line too long", slog.Any("error", err))
		_ = s.Reply(respLineTooLong)
	case errors.As(err, &netErr) && netErr.Timeout():
		s.logger.Info("client timed out")
		_ = s.Reply(respTimeout)
	default:
		s.logger.Error("session error", slog.Any("error", err))
	}
}

// Reply writes a single-line response.
func (s *Session) Reply(resp Response) error {
	return s.write(resp.String() + "\r\n")
}

// ReplyLines writes a multi-line response with the same code on every line.
func (s *Session) ReplyLines(code SMTPCode, lines []string) error {
	var b strings.Builder
	for i, line := range lines {
		sep := "-"
		if i == len(lines)-1 {
			sep = " "
		}
		fmt.Fprintf(&b, "%d%s%s\r\n", code, sep, line)
	}
	return s.write(b.String())
}

func (s *Session) write(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.conn.SetWriteDeadline(time.Now().Add(s.server.config.WriteTimeout)); err != nil {
		return err
	}
	if _, err := s.writer.WriteString(text); err != nil {
		return err
	}
	return s.writer.Flush()
}

// shutdown sends the 421 notice and closes the connection. It is called
// from the server goroutine.
func (s *Session) shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()

	_ = s.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	_, _ = s.writer.WriteString(responseShuttingDown(s.server.config.Hostname).String() + "\r\n")
	_ = s.writer.Flush()
	_ = s.conn.Close()
}

func (s *Session) close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.Close()
}

// messageContext returns the context passed to listeners.
func (s *Session) messageContext() context.Context {
	return context.WithValue(s.ctx, messageContextKey{}, &MessageContext{
		SessionID:    s.ID,
		RemoteAddr:   s.remoteAddr,
		HeloHost:     s.heloHost,
		AuthIdentity: s.authIdentity,
		TLS:          s.tlsActive,
	})
}

func (s *Session) beginTransaction(from string) {
	s.tx = &transaction{from: from}
	s.transactions++
}

func (s *Session) addDelivery(recipient string, listeners []MessageListener) {
	s.tx.recipients = append(s.tx.recipients, recipient)
	for _, l := range listeners {
		s.tx.deliveries = append(s.tx.deliveries, Delivery{Listener: l, Recipient: recipient})
	}
}

// resetTransaction ends the open transaction, notifying every listener once.
func (s *Session) resetTransaction() {
	if s.tx == nil {
		return
	}
	s.tx = nil

	ctx := s.messageContext()
	for _, l := range s.server.config.Listeners {
		s.callDone(ctx, l)
	}
}

// callAccept treats a panicking listener as declining the recipient.
func (s *Session) callAccept(ctx context.Context, l MessageListener, from, recipient string) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("listener Accept panicked", slog.Any("panic", r))
			ok = false
		}
	}()
	return l.Accept(ctx, from, recipient)
}

func (s *Session) callDone(ctx context.Context, l MessageListener) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("listener Done panicked", slog.Any("panic", r))
		}
	}()
	l.Done(ctx)
}

// resetSession returns to the state right after the greeting.
func (s *Session) resetSession() {
	s.resetTransaction()
	s.heloHost = ""
	s.authenticated = false
	s.authHandler = nil
	s.authIdentity = ""
}

// upgradeTLS performs the server side of STARTTLS after the 220 reply.
func (s *Session) upgradeTLS(config *tls.Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tlsConn := tls.Server(s.conn, config)
	_ = tlsConn.SetDeadline(time.Now().Add(s.server.config.ReadTimeout))
	if err := tlsConn.HandshakeContext(s.ctx); err != nil {
		return fmt.Errorf("smtp: TLS handshake: %w", err)
	}
	_ = tlsConn.SetDeadline(time.Time{})

	// bytes pipelined after STARTTLS are discarded with the old reader
	s.conn = tlsConn
	s.reader = bufio.NewReader(tlsConn)
	s.writer = bufio.NewWriter(tlsConn)
	s.tlsActive = true
	return nil
}

// authenticate runs a SASL exchange to completion. No other command is
// processed until it returns.
func (s *Session) authenticate(h sasl.Handler, initial string) error {
	if initial == "=" {
		initial = ""
	}

	challenge, done, err := h.Start(initial)
	for err == nil && !done {
		if werr := s.Reply(Response{Code: CodeAuthContinue, Message: challenge}); werr != nil {
			return werr
		}
		line, rerr := s.readLine(s.server.config.ReadTimeout)
		if rerr != nil {
			return rerr
		}
		if line == "*" {
			s.logger.Info("authentication canceled", slog.String("mechanism", h.Mechanism()))
			return respAuthCanceled.rejectWith(sasl.ErrAuthenticationCancelled)
		}
		challenge, done, err = h.Next(line)
	}

	switch {
	case err == nil:
	case errors.Is(err, sasl.ErrLoginFailed):
		var lfe *sasl.LoginFailedError
		username := ""
		if errors.As(err, &lfe) {
			username = lfe.Username
		}
		s.logger.Warn("authentication failed",
			slog.String("mechanism", h.Mechanism()),
			slog.String("username", username),
		)
		return respAuthInvalid.ToError()
	case errors.Is(err, sasl.ErrInvalidBase64), errors.Is(err, sasl.ErrInvalidFormat), errors.Is(err, sasl.ErrUnexpectedResponse):
		s.logger.Warn("malformed authentication data", slog.String("mechanism", h.Mechanism()), slog.Any("error", err))
		return respAuthBadEncoding.ToError()
	default:
		s.logger.Error("authentication error", slog.String("mechanism", h.Mechanism()), slog.Any("error", err))
		return respAuthTempFailure.ToError()
	}

	s.authenticated = true
	s.authHandler = h
	s.authIdentity = h.Identity()
	s.logger.Info("client authenticated",
		slog.String("mechanism", h.Mechanism()),
		slog.String("identity", s.authIdentity),
	)
	return s.Reply(respAuthSuccess)
}

// receiveData streams the message body after the 354 reply. It returns nil
// when every listener took the message, a *RejectError for the DATA reply,
// or an I/O error that ends the session.
func (s *Session) receiveData() error {
	cfg := s.server.config

	raw := sinkio.NewDotTerminatedReader(s.reader)
	timed := &idleReader{r: raw, conn: s.conn, timeout: cfg.DataTimeout}
	wire := &errRecorder{r: timed}
	limited := &limitReader{r: sinkio.NewDotUnstuffReader(wire), max: cfg.MaxMessageSize}

	var body io.Reader = limited
	if cfg.ReceivedHeader {
		body = io.MultiReader(strings.NewReader(s.receivedHeader()), limited)
	}

	deliverErr := deliver(s.messageContext(), s.tx, body, cfg.DeferredThreshold)

	// consume what the listeners left so the command stream stays in sync
	if wire.err == nil && !limited.exceeded {
		_, _ = io.Copy(io.Discard, limited)
	}
	if wire.err == nil {
		_, wire.err = io.Copy(io.Discard, timed)
	}
	if wire.err != nil {
		return wire.err
	}

	if limited.exceeded {
		s.logger.Info("message too large", slog.Int64("limit", cfg.MaxMessageSize))
		return respTooLarge.rejectWith(ErrMessageTooLarge)
	}
	if deliverErr == nil {
		s.logger.Info("message accepted",
			slog.String("from", s.tx.from),
			slog.Int("recipients", len(s.tx.recipients)),
		)
		return nil
	}

	var rej *RejectError
	if errors.As(deliverErr, &rej) {
		s.logger.Info("message rejected by listener", slog.String("response", rej.Response().String()))
		return rej
	}
	s.logger.Error("delivery failed", slog.Any("error", deliverErr))
	return respDeliveryFailed.ToError()
}

// idleReader pushes the connection read deadline forward before every read,
// so DataTimeout bounds the silence between chunks and not the whole body.
type idleReader struct {
	r       io.Reader
	conn    net.Conn
	timeout time.Duration
}

func (i *idleReader) Read(p []byte) (int, error) {
	if err := i.conn.SetReadDeadline(time.Now().Add(i.timeout)); err != nil {
		return 0, err
	}
	return i.r.Read(p)
}
