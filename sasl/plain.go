package sasl

import (
	"encoding/base64"
	"strings"

	gosasl "github.com/emersion/go-sasl"
)

// Plain implements the PLAIN SASL mechanism (RFC 4616).
// Use only over TLS - passwords are transmitted in clear text.
type Plain struct {
	server    gosasl.Server
	validator Validator
	username  string
	authErr   error
	done      bool
}

// NewPlain creates a new PLAIN mechanism handler checking credentials with v.
func NewPlain(v Validator) *Plain {
	p := &Plain{validator: v}
	p.server = gosasl.NewPlainServer(p.authenticate)
	return p
}

// Mechanism returns "PLAIN".
func (p *Plain) Mechanism() string {
	return "PLAIN"
}

// Start processes the initial response or requests credentials.
func (p *Plain) Start(initialResponse string) (challenge string, done bool, err error) {
	if initialResponse == "" {
		// Request credentials - send empty challenge per RFC 4954
		return "", false, nil
	}
	return p.processResponse(initialResponse)
}

// Next processes the client's response to the challenge.
func (p *Plain) Next(response string) (challenge string, done bool, err error) {
	return p.processResponse(response)
}

// processResponse decodes the PLAIN blob and hands it to the go-sasl server,
// which splits authzid NUL authcid NUL passwd and calls authenticate.
func (p *Plain) processResponse(response string) (challenge string, done bool, err error) {
	if p.done {
		return "", true, ErrUnexpectedResponse
	}
	p.done = true

	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(response))
	if err != nil {
		return "", true, ErrInvalidBase64
	}

	if _, _, err := p.server.Next(decoded); err != nil {
		if p.authErr != nil {
			return "", true, p.authErr
		}
		return "", true, ErrInvalidFormat
	}

	return "", true, nil
}

func (p *Plain) authenticate(identity, username, password string) error {
	if username == "" {
		p.authErr = ErrInvalidFormat
		return p.authErr
	}
	if err := p.validator.Login(username, password); err != nil {
		p.authErr = err
		return err
	}
	p.username = username
	return nil
}

// Identity returns the authentication identity after a successful exchange.
func (p *Plain) Identity() string {
	return p.username
}

type plainFactory struct {
	validator Validator
}

// NewPlainFactory returns a Factory for the PLAIN mechanism.
func NewPlainFactory(v Validator) Factory {
	return plainFactory{validator: v}
}

func (f plainFactory) Mechanisms() []string {
	return []string{"PLAIN"}
}

func (f plainFactory) NewHandler(mechanism string) (Handler, error) {
	if !strings.EqualFold(mechanism, "PLAIN") {
		return nil, ErrMechanismNotSupported
	}
	return NewPlain(f.validator), nil
}
