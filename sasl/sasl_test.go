package sasl

import (
	"encoding/base64"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func b64(s string) string {
	return base64.StdEncoding.EncodeToString([]byte(s))
}

// recordingValidator accepts user/secret and records every call.
type recordingValidator struct {
	calls []string
}

func (v *recordingValidator) Login(username, password string) error {
	v.calls = append(v.calls, username+":"+password)
	if username == "user@example.com" && password == "secret123" {
		return nil
	}
	return &LoginFailedError{Username: username}
}

func TestPlain_StartWithInitialResponse(t *testing.T) {
	v := &recordingValidator{}
	p := NewPlain(v)
	assert.Equal(t, "PLAIN", p.Mechanism())

	challenge, done, err := p.Start(b64("\x00user@example.com\x00secret123"))
	require.NoError(t, err)
	assert.True(t, done)
	assert.Empty(t, challenge)
	assert.Equal(t, "user@example.com", p.Identity())
	assert.Equal(t, []string{"user@example.com:secret123"}, v.calls)
}

func TestPlain_StartWithoutInitialResponse(t *testing.T) {
	p := NewPlain(&recordingValidator{})

	challenge, done, err := p.Start("")
	require.NoError(t, err)
	assert.False(t, done)
	assert.Empty(t, challenge)

	// authzid is ignored for validation; identity is the authcid
	challenge, done, err = p.Next(b64("admin\x00user@example.com\x00secret123"))
	require.NoError(t, err)
	assert.True(t, done)
	assert.Empty(t, challenge)
	assert.Equal(t, "user@example.com", p.Identity())
}

func TestPlain_Failures(t *testing.T) {
	tests := []struct {
		name     string
		response string
		err      error
	}{
		{"wrong password", b64("\x00user@example.com\x00nope"), ErrLoginFailed},
		{"unknown user", b64("\x00other\x00secret123"), ErrLoginFailed},
		{"invalid base64", "!!!not-base64!!!", ErrInvalidBase64},
		{"missing NUL separators", b64("user@example.com secret123"), ErrInvalidFormat},
		{"only one NUL", b64("\x00user@example.com"), ErrInvalidFormat},
		{"empty authcid", b64("\x00\x00secret123"), ErrInvalidFormat},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewPlain(&recordingValidator{})
			_, done, err := p.Start(tt.response)
			assert.True(t, done)
			assert.ErrorIs(t, err, tt.err)
			assert.Empty(t, p.Identity())
		})
	}
}

func TestPlain_ResponseAfterDone(t *testing.T) {
	p := NewPlain(&recordingValidator{})
	_, _, err := p.Start(b64("\x00user@example.com\x00secret123"))
	require.NoError(t, err)

	_, _, err = p.Next(b64("\x00user@example.com\x00secret123"))
	assert.ErrorIs(t, err, ErrUnexpectedResponse)
}

func TestLogin_Exchange(t *testing.T) {
	v := &recordingValidator{}
	l := NewLogin(v)
	assert.Equal(t, "LOGIN", l.Mechanism())

	challenge, done, err := l.Start("")
	require.NoError(t, err)
	assert.False(t, done)
	assert.Equal(t, LoginChallengeUsername, challenge)

	challenge, done, err = l.Next(b64("user@example.com"))
	require.NoError(t, err)
	assert.False(t, done)
	assert.Equal(t, LoginChallengePassword, challenge)
	assert.Empty(t, v.calls, "validator must not be consulted before the password")

	challenge, done, err = l.Next(b64("secret123"))
	require.NoError(t, err)
	assert.True(t, done)
	assert.Empty(t, challenge)
	assert.Equal(t, "user@example.com", l.Identity())
	assert.Len(t, v.calls, 1)
}

func TestLogin_InitialResponseIsUsername(t *testing.T) {
	l := NewLogin(&recordingValidator{})

	challenge, done, err := l.Start(b64("user@example.com"))
	require.NoError(t, err)
	assert.False(t, done)
	assert.Equal(t, LoginChallengePassword, challenge)

	_, done, err = l.Next(b64("secret123"))
	require.NoError(t, err)
	assert.True(t, done)
}

func TestLogin_Failures(t *testing.T) {
	t.Run("wrong password", func(t *testing.T) {
		l := NewLogin(&recordingValidator{})
		_, _, _ = l.Start("")
		_, _, _ = l.Next(b64("user@example.com"))
		_, done, err := l.Next(b64("wrong"))
		assert.True(t, done)
		assert.ErrorIs(t, err, ErrLoginFailed)
	})

	t.Run("invalid base64 username", func(t *testing.T) {
		l := NewLogin(&recordingValidator{})
		_, _, _ = l.Start("")
		_, done, err := l.Next("%%%")
		assert.True(t, done)
		assert.ErrorIs(t, err, ErrInvalidBase64)
	})

	t.Run("response after done", func(t *testing.T) {
		l := NewLogin(&recordingValidator{})
		_, _, _ = l.Start(b64("user@example.com"))
		_, _, _ = l.Next(b64("secret123"))
		_, _, err := l.Next(b64("again"))
		assert.ErrorIs(t, err, ErrUnexpectedResponse)
	})
}

func TestComposite(t *testing.T) {
	v := &recordingValidator{}
	f := Composite(NewPlainFactory(v), NewLoginFactory(v), NewPlainFactory(v))

	assert.Equal(t, []string{"PLAIN", "LOGIN"}, f.Mechanisms())

	h, err := f.NewHandler("login")
	require.NoError(t, err)
	assert.Equal(t, "LOGIN", h.Mechanism())

	h, err = f.NewHandler("Plain")
	require.NoError(t, err)
	assert.Equal(t, "PLAIN", h.Mechanism())

	_, err = f.NewHandler("CRAM-MD5")
	assert.ErrorIs(t, err, ErrMechanismNotSupported)

	// a fresh handler per exchange
	h1, _ := f.NewHandler("LOGIN")
	h2, _ := f.NewHandler("LOGIN")
	assert.NotSame(t, h1, h2)
}

func TestComposite_MechanismsIsACopy(t *testing.T) {
	f := Composite(NewPlainFactory(&recordingValidator{}))
	m := f.Mechanisms()
	m[0] = "MUTATED"
	assert.Equal(t, []string{"PLAIN"}, f.Mechanisms())
}

func TestStaticValidator(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("hunter2"), bcrypt.MinCost)
	require.NoError(t, err)

	tests := []struct {
		name     string
		secret   string
		username string
		password string
		ok       bool
	}{
		{"plain match", "hunter2", "alice", "hunter2", true},
		{"plain wrong password", "hunter2", "alice", "hunter3", false},
		{"plain wrong user", "hunter2", "bob", "hunter2", false},
		{"bcrypt match", string(hash), "alice", "hunter2", true},
		{"bcrypt wrong password", string(hash), "alice", "nope", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NewStaticValidator("alice", tt.secret).Login(tt.username, tt.password)
			if tt.ok {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, ErrLoginFailed)
			var lfe *LoginFailedError
			require.True(t, errors.As(err, &lfe))
			assert.Equal(t, tt.username, lfe.Username)
		})
	}
}

func TestValidatorFunc(t *testing.T) {
	var got string
	v := ValidatorFunc(func(username, password string) error {
		got = username
		return nil
	})
	require.NoError(t, v.Login("carol", "pw"))
	assert.Equal(t, "carol", got)
}
