package io

import (
	"bufio"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadLine(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		max      int
		expected string
		position int // -1 when no TerminationError is expected
		tooLong  bool
		err      error
	}{
		{
			name:     "simple command",
			input:    "HELO example.com\r\n",
			expected: "HELO example.com",
			position: -1,
		},
		{
			name:     "empty line",
			input:    "\r\n",
			expected: "",
			position: -1,
		},
		{
			name:     "bare LF at end",
			input:    "HELO\n",
			position: 4,
		},
		{
			name:     "bare CR in the middle",
			input:    "HE\rLO\r\n",
			position: 2,
		},
		{
			name:     "double CR before LF",
			input:    "\r\r\n",
			position: 0,
		},
		{
			name:     "bare CR followed by bare LF",
			input:    "ab\rc\n",
			position: 2,
		},
		{
			name:     "line exactly at limit",
			input:    "NOOP\r\n",
			max:      6,
			expected: "NOOP",
			position: -1,
		},
		{
			name:     "line over limit",
			input:    "NOOPS\r\n",
			max:      6,
			position: -1,
			tooLong:  true,
		},
		{
			name:     "clean EOF",
			input:    "",
			position: -1,
			err:      io.EOF,
		},
		{
			name:     "EOF in the middle of a line",
			input:    "HELO",
			position: -1,
			err:      io.ErrUnexpectedEOF,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			max := tt.max
			if max == 0 {
				max = DefaultMaxLineLength
			}
			line, err := ReadLine(bufio.NewReader(strings.NewReader(tt.input)), max)

			switch {
			case tt.position >= 0:
				var te *TerminationError
				require.ErrorAs(t, err, &te)
				assert.Equal(t, tt.position, te.Position)
				assert.ErrorIs(t, err, ErrBadLineEnding)
			case tt.tooLong:
				var le *LineTooLongError
				require.ErrorAs(t, err, &le)
				assert.Equal(t, max, le.Limit)
				assert.ErrorIs(t, err, ErrLineTooLong)
			case tt.err != nil:
				assert.ErrorIs(t, err, tt.err)
			default:
				require.NoError(t, err)
				assert.Equal(t, tt.expected, line)
			}
		})
	}
}

func TestReadLine_SlowPath(t *testing.T) {
	long := strings.Repeat("x", 40)

	t.Run("long line within limit", func(t *testing.T) {
		r := bufio.NewReaderSize(strings.NewReader(long+"\r\nNOOP\r\n"), 16)
		line, err := ReadLine(r, 100)
		require.NoError(t, err)
		assert.Equal(t, long, line)

		line, err = ReadLine(r, 100)
		require.NoError(t, err)
		assert.Equal(t, "NOOP", line)
	})

	t.Run("long line over limit is drained", func(t *testing.T) {
		r := bufio.NewReaderSize(strings.NewReader(long+"\r\nNOOP\r\n"), 16)
		_, err := ReadLine(r, 20)
		assert.ErrorIs(t, err, ErrLineTooLong)

		line, err := ReadLine(r, 20)
		require.NoError(t, err)
		assert.Equal(t, "NOOP", line)
	})

	t.Run("long line with bare LF", func(t *testing.T) {
		r := bufio.NewReaderSize(strings.NewReader(long+"\n"), 16)
		_, err := ReadLine(r, 100)
		var te *TerminationError
		require.ErrorAs(t, err, &te)
		assert.Equal(t, 40, te.Position)
	})
}

func TestLineReader_Lines(t *testing.T) {
	lr := NewLineReader(bufio.NewReader(strings.NewReader("EHLO a\r\nNOOP\r\nQUIT\r\n")), 0)

	var got []string
	for line, err := range lr.Lines() {
		require.NoError(t, err)
		got = append(got, line)
	}
	assert.Equal(t, []string{"EHLO a", "NOOP", "QUIT"}, got)
}

func TestLineReader_LinesStopsAtError(t *testing.T) {
	lr := NewLineReader(bufio.NewReader(strings.NewReader("NOOP\r\nBAD\nQUIT\r\n")), 0)

	var lines []string
	var errs []error
	for line, err := range lr.Lines() {
		if err != nil {
			errs = append(errs, err)
			continue
		}
		lines = append(lines, line)
	}
	assert.Equal(t, []string{"NOOP"}, lines)
	require.Len(t, errs, 1)
	assert.True(t, errors.Is(errs[0], ErrBadLineEnding))
}
