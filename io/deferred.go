package io

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
)

// DefaultDeferredThreshold is the in-memory limit of a DeferredBuffer.
const DefaultDeferredThreshold = 5 << 20

// ErrBufferClosed is returned by a DeferredBuffer after Close.
var ErrBufferClosed = errors.New("smtp: deferred buffer closed")

// DeferredBuffer accumulates a message body in memory until it would grow
// past its threshold, then moves everything to a temporary file. The switch
// happens at most once and is never reversed. The buffer can be replayed any
// number of times through Reader. Close removes the temporary file.
type DeferredBuffer struct {
	threshold int64
	mem       bytes.Buffer
	file      *os.File
	w         *bufio.Writer
	size      int64
	closed    bool
}

// NewDeferredBuffer returns an empty buffer. A non-positive threshold selects
// DefaultDeferredThreshold.
func NewDeferredBuffer(threshold int64) *DeferredBuffer {
	if threshold <= 0 {
		threshold = DefaultDeferredThreshold
	}
	return &DeferredBuffer{threshold: threshold}
}

func (d *DeferredBuffer) Write(p []byte) (int, error) {
	if d.closed {
		return 0, ErrBufferClosed
	}

	if d.file == nil && d.size+int64(len(p)) > d.threshold {
		if err := d.spill(); err != nil {
			return 0, err
		}
	}

	var n int
	var err error
	if d.file != nil {
		n, err = d.w.Write(p)
	} else {
		n, err = d.mem.Write(p)
	}
	d.size += int64(n)
	return n, err
}

// spill moves the buffered bytes to a new temporary file.
func (d *DeferredBuffer) spill() error {
	f, err := os.CreateTemp("", "mailsink-*.msg")
	if err != nil {
		return fmt.Errorf("smtp: create deferred file: %w", err)
	}

	d.file = f
	d.w = bufio.NewWriterSize(f, 32*1024)
	if _, err := d.w.Write(d.mem.Bytes()); err != nil {
		return fmt.Errorf("smtp: spill deferred buffer: %w", err)
	}
	d.mem = bytes.Buffer{}
	return nil
}

// Reader returns an independent reader positioned at the start of everything
// written so far. The caller must close it.
func (d *DeferredBuffer) Reader() (io.ReadCloser, error) {
	if d.closed {
		return nil, ErrBufferClosed
	}

	if d.file == nil {
		return io.NopCloser(bytes.NewReader(d.mem.Bytes())), nil
	}

	if err := d.w.Flush(); err != nil {
		return nil, fmt.Errorf("smtp: flush deferred file: %w", err)
	}
	f, err := os.Open(d.file.Name())
	if err != nil {
		return nil, fmt.Errorf("smtp: open deferred file: %w", err)
	}
	return f, nil
}

// Len returns the number of bytes written.
func (d *DeferredBuffer) Len() int64 {
	return d.size
}

// OnDisk reports whether the buffer has moved to a temporary file.
func (d *DeferredBuffer) OnDisk() bool {
	return d.file != nil
}

// Path returns the temporary file name, or "" while the buffer is in memory.
func (d *DeferredBuffer) Path() string {
	if d.file == nil {
		return ""
	}
	return d.file.Name()
}

// Close releases the buffer and deletes its temporary file, if any.
// It is safe to call more than once.
func (d *DeferredBuffer) Close() error {
	if d.closed {
		return nil
	}
	d.closed = true
	d.mem = bytes.Buffer{}

	if d.file == nil {
		return nil
	}

	closeErr := d.file.Close()
	removeErr := os.Remove(d.file.Name())
	return errors.Join(closeErr, removeErr)
}
