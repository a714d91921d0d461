package sasl

import (
	"crypto/subtle"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

type staticValidator struct {
	username string
	secret   []byte
	hashed   bool
}

// NewStaticValidator returns a Validator accepting exactly one user. A secret
// in bcrypt form ($2a$, $2b$, $2y$) is compared as a hash, anything else as a
// plain password.
func NewStaticValidator(username, secret string) Validator {
	return &staticValidator{
		username: username,
		secret:   []byte(secret),
		hashed:   isBcryptHash(secret),
	}
}

func (v *staticValidator) Login(username, password string) error {
	userOK := subtle.ConstantTimeCompare([]byte(username), []byte(v.username)) == 1

	var passOK bool
	if v.hashed {
		passOK = bcrypt.CompareHashAndPassword(v.secret, []byte(password)) == nil
	} else {
		passOK = subtle.ConstantTimeCompare([]byte(password), v.secret) == 1
	}

	if !userOK || !passOK {
		return &LoginFailedError{Username: username}
	}
	return nil
}

func isBcryptHash(s string) bool {
	return strings.HasPrefix(s, "$2a$") || strings.HasPrefix(s, "$2b$") || strings.HasPrefix(s, "$2y$")
}
