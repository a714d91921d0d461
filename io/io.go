// Package io implements the SMTP framing streams: a strict CRLF line reader,
// the DATA terminator and transparency transforms, CRLF normalisation and a
// deferred buffer that spills large message bodies to disk.
package io

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"iter"
)

// DefaultMaxLineLength is the RFC 5321 text line limit: 998 octets plus CRLF.
const DefaultMaxLineLength = 1000

var (
	ErrLineTooLong   = errors.New("smtp: line too long")
	ErrBadLineEnding = errors.New("smtp: line not terminated by CRLF")
)

// TerminationError reports a bare CR or LF inside a command line.
// Position is the zero-based offset of the first offending byte.
type TerminationError struct {
	Position int
}

func (e *TerminationError) Error() string {
	return fmt.Sprintf("smtp: bare CR or LF in data stream at position %d", e.Position)
}

func (e *TerminationError) Unwrap() error {
	return ErrBadLineEnding
}

// LineTooLongError reports a line that exceeded Limit bytes, CRLF included.
type LineTooLongError struct {
	Limit int
}

func (e *LineTooLongError) Error() string {
	return fmt.Sprintf("smtp: input line exceeds %d bytes", e.Limit)
}

func (e *LineTooLongError) Unwrap() error {
	return ErrLineTooLong
}

// ReadLine reads a single SMTP line with strict CRLF and length enforcement.
// The returned string does not include the trailing CRLF.
func ReadLine(reader *bufio.Reader, max int) (string, error) {
	if max <= 0 {
		max = DefaultMaxLineLength
	}

	// FAST PATH: the whole line fits in the bufio buffer (zero-copy view).
	line, err := reader.ReadSlice('\n')
	if err == nil {
		return validateAndConvert(line, max)
	}

	if err != bufio.ErrBufferFull {
		return "", eofError(len(line), err)
	}

	// SLOW PATH: the line is larger than the bufio buffer.
	if len(line) > max {
		drainLine(reader)
		return "", &LineTooLongError{Limit: max}
	}

	// Copy the first chunk because the next ReadSlice will overwrite it.
	buf := append([]byte(nil), line...)

	for {
		line, err = reader.ReadSlice('\n')

		if len(buf)+len(line) > max {
			// Drain the rest of the line so the next read starts fresh
			if err == bufio.ErrBufferFull {
				drainLine(reader)
			}
			return "", &LineTooLongError{Limit: max}
		}

		buf = append(buf, line...)

		if err == nil {
			break
		}

		if err != bufio.ErrBufferFull {
			return "", eofError(len(buf), err)
		}
	}

	return validateAndConvert(buf, max)
}

// validateAndConvert checks length, CRLF pairing, and converts to string.
func validateAndConvert(b []byte, max int) (string, error) {
	if len(b) > max {
		return "", &LineTooLongError{Limit: max}
	}

	if pos := bareLineBreak(b); pos >= 0 {
		return "", &TerminationError{Position: pos}
	}

	return string(b[:len(b)-2]), nil
}

// bareLineBreak returns the offset of the first CR or LF in b that is not
// part of the terminating CRLF, or -1. b must end in '\n'.
func bareLineBreak(b []byte) int {
	end := len(b) - 1
	if len(b) >= 2 && b[len(b)-2] == '\r' {
		end = len(b) - 2
	}
	for i := 0; i < end; i++ {
		if b[i] == '\r' || b[i] == '\n' {
			return i
		}
	}
	if end == len(b)-1 {
		// LF without a preceding CR
		return end
	}
	return -1
}

// eofError turns an EOF in the middle of a line into io.ErrUnexpectedEOF.
func eofError(n int, err error) error {
	if err == io.EOF && n > 0 {
		return io.ErrUnexpectedEOF
	}
	return err
}

// drainLine discards the rest of the current line to recover protocol synchronization.
func drainLine(reader *bufio.Reader) {
	for {
		_, err := reader.ReadSlice('\n')
		if err == nil {
			return
		}
		if err != bufio.ErrBufferFull {
			return
		}
	}
}

// LineReader reads CRLF-terminated lines with a fixed length limit.
type LineReader struct {
	r   *bufio.Reader
	max int
}

// NewLineReader returns a LineReader over r. A non-positive max selects
// DefaultMaxLineLength.
func NewLineReader(r *bufio.Reader, max int) *LineReader {
	if max <= 0 {
		max = DefaultMaxLineLength
	}
	return &LineReader{r: r, max: max}
}

// ReadLine reads the next line.
func (l *LineReader) ReadLine() (string, error) {
	return ReadLine(l.r, l.max)
}

// Lines returns a lazy sequence of lines. The sequence ends at a clean EOF
// and after yielding the first error. It cannot be restarted.
func (l *LineReader) Lines() iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		for {
			line, err := l.ReadLine()
			if err == io.EOF {
				return
			}
			if !yield(line, err) || err != nil {
				return
			}
		}
	}
}
