// Package sasl implements SASL mechanisms for SMTP authentication (RFC 4954).
//
// A Factory advertises mechanism names and creates one Handler per AUTH
// exchange. Handlers are stateful and must not be reused. Credentials are
// checked by a Validator supplied by the embedding application.
package sasl

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrAuthenticationCancelled is returned when the client sends "*" to cancel authentication.
	ErrAuthenticationCancelled = errors.New("authentication cancelled")

	// ErrInvalidFormat is returned when the authentication data format is invalid.
	ErrInvalidFormat = errors.New("invalid authentication format")

	// ErrInvalidBase64 is returned when base64 decoding fails.
	ErrInvalidBase64 = errors.New("invalid base64 encoding")

	// ErrLoginFailed is returned when the validator rejects the credentials.
	ErrLoginFailed = errors.New("authentication credentials invalid")

	// ErrMechanismNotSupported is returned by a Factory for an unknown mechanism.
	ErrMechanismNotSupported = errors.New("mechanism not supported")

	// ErrUnexpectedResponse is returned when a client response arrives after the exchange finished.
	ErrUnexpectedResponse = errors.New("unexpected client response")
)

// LoginFailedError is returned by validators on a credential mismatch.
type LoginFailedError struct {
	Username string
}

func (e *LoginFailedError) Error() string {
	return fmt.Sprintf("login failed for %q", e.Username)
}

func (e *LoginFailedError) Is(target error) bool {
	return target == ErrLoginFailed
}

// Handler runs one challenge-response exchange.
//
// Challenges are returned ready for the wire; the caller prefixes them with
// "334 ". done is true once no further client input is needed. Identity is
// only meaningful after a successful exchange.
type Handler interface {
	Mechanism() string
	Start(initialResponse string) (challenge string, done bool, err error)
	Next(response string) (challenge string, done bool, err error)
	Identity() string
}

// Factory advertises mechanisms and creates a fresh Handler per exchange.
type Factory interface {
	// Mechanisms returns upper-case mechanism names in advertisement order.
	Mechanisms() []string
	// NewHandler returns a handler for mechanism or ErrMechanismNotSupported.
	NewHandler(mechanism string) (Handler, error)
}

// Validator checks a username and password.
type Validator interface {
	Login(username, password string) error
}

// ValidatorFunc adapts a function to the Validator interface.
type ValidatorFunc func(username, password string) error

func (f ValidatorFunc) Login(username, password string) error {
	return f(username, password)
}

// compositeFactory dispatches to the first factory registered for a mechanism.
type compositeFactory struct {
	mechanisms []string
	plugins    map[string]Factory
}

// Composite aggregates factories. When two factories claim the same
// mechanism the first one wins. Mechanism lookup is case-insensitive.
func Composite(factories ...Factory) Factory {
	c := &compositeFactory{plugins: make(map[string]Factory)}
	for _, f := range factories {
		for _, m := range f.Mechanisms() {
			m = strings.ToUpper(m)
			if _, ok := c.plugins[m]; ok {
				continue
			}
			c.mechanisms = append(c.mechanisms, m)
			c.plugins[m] = f
		}
	}
	return c
}

func (c *compositeFactory) Mechanisms() []string {
	return append([]string(nil), c.mechanisms...)
}

func (c *compositeFactory) NewHandler(mechanism string) (Handler, error) {
	f, ok := c.plugins[strings.ToUpper(mechanism)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMechanismNotSupported, mechanism)
	}
	return f.NewHandler(mechanism)
}
