package mailsink

import (
	"fmt"
	"slices"
	"strings"
)

// Verb names an SMTP command.
type Verb string

const (
	VerbAUTH     Verb = "AUTH"
	VerbDATA     Verb = "DATA"
	VerbEHLO     Verb = "EHLO"
	VerbHELO     Verb = "HELO"
	VerbHELP     Verb = "HELP"
	VerbMAIL     Verb = "MAIL"
	VerbNOOP     Verb = "NOOP"
	VerbQUIT     Verb = "QUIT"
	VerbRCPT     Verb = "RCPT"
	VerbRSET     Verb = "RSET"
	VerbSTARTTLS Verb = "STARTTLS"
	VerbVRFY     Verb = "VRFY"
	VerbEXPN     Verb = "EXPN"
)

// CommandFunc handles one command line. It returns nil after writing its own
// reply, a *RejectError for the dispatcher to write, or an I/O error that
// ends the session.
type CommandFunc func(s *Session, args string) error

// Requirement wraps a CommandFunc with a precondition.
type Requirement func(CommandFunc) CommandFunc

// Command describes one verb. Args and Help feed the HELP reply.
type Command struct {
	Verb    Verb
	Args    string
	Help    string
	Handler CommandFunc
}

// RequireTLS rejects the command until STARTTLS has completed.
func RequireTLS(next CommandFunc) CommandFunc {
	return func(s *Session, args string) error {
		if !s.IsTLS() {
			return respTLSRequired.rejectWith(ErrTLSRequired)
		}
		return next(s, args)
	}
}

// RequireAuth rejects the command until AUTH has succeeded.
func RequireAuth(next CommandFunc) CommandFunc {
	return func(s *Session, args string) error {
		if !s.IsAuthenticated() {
			return respAuthRequired.rejectWith(ErrAuthRequired)
		}
		return next(s, args)
	}
}

var (
	tlsExempt  = []Verb{VerbSTARTTLS, VerbEHLO, VerbHELO, VerbQUIT, VerbNOOP, VerbRSET}
	authExempt = append(slices.Clone(tlsExempt), VerbAUTH)
)

// Registry maps verbs to commands. It is built once per server and is
// read-only afterwards.
type Registry struct {
	commands map[Verb]*Command
	order    []Verb
}

// NewRegistry builds the command set for cfg, wrapping commands with
// RequireTLS and RequireAuth when cfg enables them.
func NewRegistry(cfg ServerConfig) *Registry {
	r := &Registry{commands: make(map[Verb]*Command)}
	for _, cmd := range builtinCommands() {
		var reqs []Requirement
		if cfg.RequireAuth && !slices.Contains(authExempt, cmd.Verb) {
			reqs = append(reqs, RequireAuth)
		}
		if cfg.RequireTLS && !slices.Contains(tlsExempt, cmd.Verb) {
			reqs = append(reqs, RequireTLS)
		}
		r.register(cmd, reqs...)
	}
	return r
}

// register adds cmd. Requirements listed later run first.
func (r *Registry) register(cmd Command, reqs ...Requirement) {
	for _, req := range reqs {
		cmd.Handler = req(cmd.Handler)
	}
	if _, ok := r.commands[cmd.Verb]; !ok {
		r.order = append(r.order, cmd.Verb)
	}
	r.commands[cmd.Verb] = &cmd
}

// Lookup finds the command named by the first word of line.
func (r *Registry) Lookup(line string) (*Command, error) {
	if len(strings.TrimSpace(line)) < 4 {
		return nil, respBadSyntax.ToError()
	}
	verb, _ := splitCommand(line)
	cmd, ok := r.commands[Verb(strings.ToUpper(verb))]
	if !ok {
		return nil, respNotImplemented.rejectWith(ErrInvalidCommand)
	}
	return cmd, nil
}

// Verbs returns the registered verbs in registration order.
func (r *Registry) Verbs() []Verb {
	return slices.Clone(r.order)
}

// Help returns the HELP reply lines for topic, without reply codes.
func (r *Registry) Help(topic string) ([]string, error) {
	cmd, ok := r.commands[Verb(strings.ToUpper(strings.TrimSpace(topic)))]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrInvalidCommand, topic)
	}

	head := string(cmd.Verb)
	if cmd.Args != "" {
		head += " " + cmd.Args
	}
	lines := []string{head}
	for line := range strings.SplitSeq(cmd.Help, "\n") {
		if line != "" {
			lines = append(lines, "    "+line)
		}
	}
	return append(lines, "End of "+string(cmd.Verb)+" info"), nil
}

// splitCommand splits a command line into its verb and trimmed arguments.
func splitCommand(line string) (verb, args string) {
	line = strings.TrimLeft(line, " \t")
	if i := strings.IndexAny(line, " \t"); i >= 0 {
		return line[:i], strings.TrimSpace(line[i+1:])
	}
	return line, ""
}
