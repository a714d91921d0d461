package io

import (
	"bufio"
	"io"
)

// DotTerminatedReader yields the raw bytes of a DATA section up to, and
// excluding, the CRLF "." CRLF terminator (RFC 5321 §4.5.2). The stream start
// counts as a preceding CRLF. Bytes after the terminator remain unread in the
// underlying bufio.Reader.
type DotTerminatedReader struct {
	r      *bufio.Reader
	bol    bool // last two bytes emitted were CRLF
	prevCR bool
	done   bool
}

// NewDotTerminatedReader returns a reader over the DATA section of r.
func NewDotTerminatedReader(r *bufio.Reader) *DotTerminatedReader {
	return &DotTerminatedReader{r: r, bol: true}
}

func (d *DotTerminatedReader) Read(p []byte) (int, error) {
	if d.done {
		return 0, io.EOF
	}

	n := 0
	for n < len(p) {
		// hand back what arrived rather than block for more
		if n > 0 && d.r.Buffered() == 0 {
			return n, nil
		}
		if d.bol {
			peek, err := d.r.Peek(3)
			if len(peek) == 3 && peek[0] == '.' && peek[1] == '\r' && peek[2] == '\n' {
				_, _ = d.r.Discard(3)
				d.done = true
				return n, io.EOF
			}
			if err != nil && n > 0 {
				return n, nil
			}
		}

		b, err := d.r.ReadByte()
		if err != nil {
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			if n > 0 {
				return n, nil
			}
			return 0, err
		}

		p[n] = b
		n++
		d.bol = d.prevCR && b == '\n'
		d.prevCR = b == '\r'
	}
	return n, nil
}

// Done reports whether the terminator has been consumed.
func (d *DotTerminatedReader) Done() bool {
	return d.done
}

// dotUnstuffReader removes the transparency dot that follows every CRLF.
type dotUnstuffReader struct {
	r    io.Reader
	last [2]byte
}

// NewDotUnstuffReader returns a reader that drops a "." directly following
// CRLF. The stream start counts as a preceding CRLF.
func NewDotUnstuffReader(r io.Reader) io.Reader {
	return &dotUnstuffReader{r: r, last: [2]byte{'\r', '\n'}}
}

func (d *dotUnstuffReader) Read(p []byte) (int, error) {
	for {
		n, err := d.r.Read(p)
		out := 0
		for i := 0; i < n; i++ {
			b := p[i]
			if b == '.' && d.last[0] == '\r' && d.last[1] == '\n' {
				// the stuffed dot is not recorded; the byte after it is never dropped
				d.last[0] = 0
				continue
			}
			d.last[0], d.last[1] = d.last[1], b
			p[out] = b
			out++
		}
		if out > 0 || err != nil || n == 0 {
			return out, err
		}
	}
}

// CRLFWriter rewrites isolated CR and isolated LF into CRLF and leaves CRLF
// pairs untouched. State carries across Write calls.
type CRLFWriter struct {
	w      io.Writer
	lastCR bool
	buf    []byte
}

// NewCRLFWriter returns a CRLF-normalising writer over w.
func NewCRLFWriter(w io.Writer) *CRLFWriter {
	return &CRLFWriter{w: w}
}

func (c *CRLFWriter) Write(p []byte) (int, error) {
	c.buf = c.buf[:0]
	for _, b := range p {
		c.buf = c.normalize(c.buf, b)
	}
	if _, err := c.w.Write(c.buf); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *CRLFWriter) normalize(dst []byte, b byte) []byte {
	switch b {
	case '\r':
		dst = append(dst, '\r', '\n')
		c.lastCR = true
	case '\n':
		if !c.lastCR {
			dst = append(dst, '\r', '\n')
		}
		c.lastCR = false
	default:
		dst = append(dst, b)
		c.lastCR = false
	}
	return dst
}

// DotWriter writes a message body for the DATA phase. It normalises line
// endings to CRLF, doubles a leading "." on every line and, on Close, writes
// the terminator, inserting a CRLF first if the body did not end with one.
type DotWriter struct {
	crlf        CRLFWriter
	startOfLine bool
	last        [2]byte
	closed      bool
}

// NewDotWriter returns a dot-stuffing writer over w.
func NewDotWriter(w io.Writer) *DotWriter {
	return &DotWriter{
		crlf:        CRLFWriter{w: w},
		startOfLine: true,
		last:        [2]byte{'\r', '\n'},
	}
}

func (d *DotWriter) Write(p []byte) (int, error) {
	if d.closed {
		return 0, io.ErrClosedPipe
	}

	buf := d.crlf.buf[:0]
	for _, b := range p {
		if b == '.' && d.startOfLine {
			buf = append(buf, '.')
		}
		// a LF completing a CRLF keeps startOfLine set by the CR
		if b != '\n' || !d.crlf.lastCR {
			d.startOfLine = b == '\r' || b == '\n'
		}
		buf = d.crlf.normalize(buf, b)
	}
	d.crlf.buf = buf

	if len(buf) == 1 {
		d.last[0], d.last[1] = d.last[1], buf[0]
	} else if len(buf) >= 2 {
		d.last[0], d.last[1] = buf[len(buf)-2], buf[len(buf)-1]
	}

	if _, err := d.crlf.w.Write(buf); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close writes the terminating sequence. It does not close the underlying writer.
func (d *DotWriter) Close() error {
	if d.closed {
		return nil
	}
	d.closed = true

	terminator := ".\r\n"
	if d.last[0] != '\r' || d.last[1] != '\n' {
		terminator = "\r\n.\r\n"
	}
	_, err := io.WriteString(d.crlf.w, terminator)
	return err
}
