package mailsink

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/synqronlabs/mailsink/sasl"
)

func builtinCommands() []Command {
	return []Command{
		{Verb: VerbAUTH, Args: "<mechanism> [initial-response]", Help: "Authentication.", Handler: handleAuth},
		{Verb: VerbDATA, Help: "Following text is collected as the message.\nEnd data with <CR><LF>.<CR><LF>", Handler: handleData},
		{Verb: VerbEHLO, Args: "<hostname>", Help: "Introduce yourself.", Handler: handleEhlo},
		{Verb: VerbHELO, Args: "<hostname>", Help: "Introduce yourself.", Handler: handleHelo},
		{Verb: VerbHELP, Args: "[ <topic> ]", Help: "The HELP command gives help info about the topic specified.\nFor a list of topics, type HELP by itself.", Handler: handleHelp},
		{Verb: VerbMAIL, Args: "FROM: <sender> [ <parameters> ]", Help: "Specifies the sender.", Handler: handleMail},
		{Verb: VerbNOOP, Help: "This command does nothing.", Handler: handleNoop},
		{Verb: VerbQUIT, Help: "Exit the SMTP session.", Handler: handleQuit},
		{Verb: VerbRCPT, Args: "TO: <recipient> [ <parameters> ]", Help: "Specifies the recipient. Can be used any number of times.", Handler: handleRcpt},
		{Verb: VerbRSET, Help: "Resets the system.", Handler: handleRset},
		{Verb: VerbSTARTTLS, Help: "The starttls command.", Handler: handleStartTLS},
		{Verb: VerbVRFY, Help: "Verifies an address. Disabled on this server.", Handler: handleVrfy},
		{Verb: VerbEXPN, Help: "Expands a mailing list. Disabled on this server.", Handler: handleExpn},
	}
}

func handleHelo(s *Session, args string) error {
	if args == "" {
		return Reject(CodeSyntaxError, "", "Syntax: HELO <hostname>")
	}
	s.resetTransaction()
	s.heloHost = args
	return s.Reply(Response{Code: CodeOK, Message: s.server.config.Hostname})
}

func handleEhlo(s *Session, args string) error {
	if args == "" {
		return Reject(CodeSyntaxError, "", "Syntax: EHLO hostname")
	}
	s.resetTransaction()
	s.heloHost = args

	cfg := s.server.config
	lines := []string{cfg.Hostname, "8BITMIME"}
	if cfg.MaxMessageSize > 0 {
		lines = append(lines, "SIZE "+strconv.FormatInt(cfg.MaxMessageSize, 10))
	}
	if cfg.TLSConfig != nil && !cfg.HideTLS && !s.tlsActive {
		lines = append(lines, "STARTTLS")
	}
	if cfg.AuthFactory != nil {
		if mechs := cfg.AuthFactory.Mechanisms(); len(mechs) > 0 {
			lines = append(lines, "AUTH "+strings.Join(mechs, " "))
		}
	}
	lines = append(lines, "Ok")
	return s.ReplyLines(CodeOK, lines)
}

func handleMail(s *Session, args string) error {
	if s.heloHost == "" {
		return respNeedHelo.ToError()
	}
	if s.tx != nil {
		return respSenderSpecified.ToError()
	}

	from, params, ok := parsePath(args, "FROM:")
	if !ok {
		return Reject(CodeSyntaxError, "", fmt.Sprintf("Syntax: MAIL FROM: <address>  Error in parameters: %q", args))
	}
	if from == "" && !strings.Contains(args, "<") {
		return Reject(CodeSyntaxError, "", "Syntax: MAIL FROM: <address>")
	}
	if !validAddress(from) {
		return Reject(CodeMailboxNameInvalid, "", "<"+from+"> Invalid email address.")
	}

	if limit := s.server.config.MaxMessageSize; limit > 0 && sizeParam(params) > limit {
		return respTooLarge.ToError()
	}

	s.beginTransaction(from)
	return s.Reply(respOK)
}

func handleRcpt(s *Session, args string) error {
	if s.tx == nil {
		return respNeedMail.ToError()
	}

	to, _, ok := parsePath(args, "TO:")
	if !ok || to == "" {
		return Reject(CodeSyntaxError, "", "Syntax: RCPT TO: <address>")
	}
	if !validAddress(to) {
		return Reject(CodeMailboxNameInvalid, "", "<"+to+"> Invalid email address.")
	}
	if limit := s.server.config.MaxRecipients; limit > 0 && len(s.tx.recipients) >= limit {
		return respTooManyRcpts.rejectWith(ErrTooManyRecipients)
	}

	ctx := s.messageContext()
	var accepted []MessageListener
	for _, l := range s.server.config.Listeners {
		if s.callAccept(ctx, l, s.tx.from, to) {
			accepted = append(accepted, l)
		}
	}
	if len(accepted) == 0 {
		return Reject(CodeMailboxNameInvalid, "", "<"+to+"> address unknown.")
	}

	s.addDelivery(to, accepted)
	return s.Reply(respOK)
}

func handleData(s *Session, args string) error {
	if s.tx == nil {
		return respNeedMail.ToError()
	}
	if len(s.tx.deliveries) == 0 {
		return respNeedRcpt.ToError()
	}
	defer s.resetTransaction()

	if err := s.Reply(respStartData); err != nil {
		return err
	}
	if err := s.receiveData(); err != nil {
		return err
	}
	return s.Reply(respOK)
}

func handleRset(s *Session, args string) error {
	s.resetTransaction()
	return s.Reply(respOK)
}

func handleNoop(s *Session, args string) error {
	return s.Reply(respOK)
}

func handleQuit(s *Session, args string) error {
	s.quitting = true
	return s.Reply(respBye)
}

func handleStartTLS(s *Session, args string) error {
	if args != "" {
		return respStartTLSSyntax.ToError()
	}
	cfg := s.server.config
	if cfg.TLSConfig == nil {
		return respTLSNotSupported.ToError()
	}
	if s.tlsActive {
		return respTLSAlreadyActive.ToError()
	}

	if err := s.Reply(respReadyToStartTLS); err != nil {
		return err
	}
	s.resetSession()
	if err := s.upgradeTLS(cfg.TLSConfig); err != nil {
		s.logger.Warn("STARTTLS failed", slog.Any("error", err))
		return &RejectError{Drop: true}
	}
	s.logger.Debug("TLS established")
	return nil
}

func handleAuth(s *Session, args string) error {
	if s.authenticated {
		return respAuthAlready.ToError()
	}
	factory := s.server.config.AuthFactory
	if factory == nil {
		return respAuthUnsupported.ToError()
	}
	if s.heloHost == "" {
		return respNeedHelo.ToError()
	}
	if args == "" {
		return respAuthSyntax.ToError()
	}

	mechanism, initial, _ := strings.Cut(args, " ")
	h, err := factory.NewHandler(mechanism)
	if err != nil {
		if !errors.Is(err, sasl.ErrMechanismNotSupported) {
			s.logger.Error("auth handler", slog.Any("error", err))
		}
		return respAuthMechanism.ToError()
	}
	return s.authenticate(h, strings.TrimSpace(initial))
}

func handleHelp(s *Session, args string) error {
	if args == "" {
		cfg := s.server.config
		lines := []string{cfg.SoftwareName + " on " + cfg.Hostname, "Topics:"}
		for _, v := range s.server.registry.Verbs() {
			lines = append(lines, "     "+string(v))
		}
		lines = append(lines, `For more info use "HELP <topic>".`, "End of HELP info")
		return s.ReplyLines(CodeHelpMessage, lines)
	}

	lines, err := s.server.registry.Help(args)
	if err != nil {
		return Reject(CodeParameterNotImpl, "", fmt.Sprintf("HELP topic %q unknown.", args))
	}
	return s.ReplyLines(CodeHelpMessage, lines)
}

func handleVrfy(s *Session, args string) error {
	return respVrfyDisabled.ToError()
}

func handleExpn(s *Session, args string) error {
	return respExpnDisabled.ToError()
}
