package sasl

import (
	"encoding/base64"
	"strings"
)

// Login state constants
const (
	loginStateInitial = iota
	loginStateUsername
	loginStatePassword
	loginStateDone
)

// Base64-encoded challenge strings for LOGIN mechanism
const (
	// LoginChallengeUsername is "Username:" encoded in base64
	LoginChallengeUsername = "VXNlcm5hbWU6"
	// LoginChallengePassword is "Password:" encoded in base64
	LoginChallengePassword = "UGFzc3dvcmQ6"
)

// Login implements the LOGIN SASL mechanism.
// DEPRECATED: Use PLAIN instead. Only for legacy client compatibility.
type Login struct {
	state     int
	username  string
	validator Validator
}

// NewLogin creates a new LOGIN mechanism handler checking credentials with v.
func NewLogin(v Validator) *Login {
	return &Login{
		state:     loginStateInitial,
		validator: v,
	}
}

// Mechanism returns "LOGIN".
func (l *Login) Mechanism() string {
	return "LOGIN"
}

// Start begins the LOGIN authentication exchange. Some clients (.NET's
// SmtpClient among them) send the username as an initial response.
func (l *Login) Start(initialResponse string) (challenge string, done bool, err error) {
	if initialResponse == "" {
		l.state = loginStateUsername
		return LoginChallengeUsername, false, nil
	}
	l.state = loginStateUsername
	return l.Next(initialResponse)
}

// Next processes the client's response to a challenge.
func (l *Login) Next(response string) (challenge string, done bool, err error) {
	switch l.state {
	case loginStateUsername:
		decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(response))
		if err != nil {
			l.state = loginStateDone
			return "", true, ErrInvalidBase64
		}
		l.username = string(decoded)

		l.state = loginStatePassword
		return LoginChallengePassword, false, nil

	case loginStatePassword:
		decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(response))
		l.state = loginStateDone
		if err != nil {
			return "", true, ErrInvalidBase64
		}

		if err := l.validator.Login(l.username, string(decoded)); err != nil {
			return "", true, err
		}
		return "", true, nil

	case loginStateDone:
		return "", true, ErrUnexpectedResponse

	default:
		l.state = loginStateDone
		return "", true, ErrInvalidFormat
	}
}

// Identity returns the username supplied during the exchange.
func (l *Login) Identity() string {
	return l.username
}

type loginFactory struct {
	validator Validator
}

// NewLoginFactory returns a Factory for the LOGIN mechanism.
func NewLoginFactory(v Validator) Factory {
	return loginFactory{validator: v}
}

func (f loginFactory) Mechanisms() []string {
	return []string{"LOGIN"}
}

func (f loginFactory) NewHandler(mechanism string) (Handler, error) {
	if !strings.EqualFold(mechanism, "LOGIN") {
		return nil, ErrMechanismNotSupported
	}
	return NewLogin(f.validator), nil
}
