package mailsink

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"

	sinkio "github.com/synqronlabs/mailsink/io"
)

// MessageListener receives accepted mail. Implementations are called from
// every session goroutine and must be safe for concurrent use.
type MessageListener interface {
	// Accept reports whether the listener wants mail for recipient.
	Accept(ctx context.Context, from, recipient string) bool

	// Deliver receives the body for one accepted recipient. Returning a
	// *RejectError selects the DATA reply.
	Deliver(ctx context.Context, from, recipient string, body io.Reader) error

	// Done is called once when the transaction ends, whatever its outcome.
	Done(ctx context.Context)
}

// ListenerFuncs adapts plain functions to MessageListener. A nil AcceptFunc
// accepts every recipient.
type ListenerFuncs struct {
	AcceptFunc  func(ctx context.Context, from, recipient string) bool
	DeliverFunc func(ctx context.Context, from, recipient string, body io.Reader) error
	DoneFunc    func(ctx context.Context)
}

func (l ListenerFuncs) Accept(ctx context.Context, from, recipient string) bool {
	if l.AcceptFunc == nil {
		return true
	}
	return l.AcceptFunc(ctx, from, recipient)
}

func (l ListenerFuncs) Deliver(ctx context.Context, from, recipient string, body io.Reader) error {
	if l.DeliverFunc == nil {
		return nil
	}
	return l.DeliverFunc(ctx, from, recipient, body)
}

func (l ListenerFuncs) Done(ctx context.Context) {
	if l.DoneFunc != nil {
		l.DoneFunc(ctx)
	}
}

// MessageContext describes the session a listener call belongs to.
type MessageContext struct {
	SessionID    string
	RemoteAddr   net.Addr
	HeloHost     string
	AuthIdentity string
	TLS          bool
}

type messageContextKey struct{}

// MessageContextFrom returns the MessageContext carried by ctx.
func MessageContextFrom(ctx context.Context) (*MessageContext, bool) {
	mc, ok := ctx.Value(messageContextKey{}).(*MessageContext)
	return mc, ok
}

// Delivery pairs an accepting listener with one recipient.
type Delivery struct {
	Listener  MessageListener
	Recipient string
}

// transaction is the envelope between MAIL and the end of DATA.
type transaction struct {
	from       string
	recipients []string
	deliveries []Delivery
}

// deliver hands body to every delivery of tx. A single delivery reads the
// stream directly; several share a DeferredBuffer so each gets its own copy.
// The first *RejectError wins over other listener errors.
func deliver(ctx context.Context, tx *transaction, body io.Reader, threshold int64) error {
	if len(tx.deliveries) == 1 {
		d := tx.deliveries[0]
		return safeDeliver(ctx, d.Listener, tx.from, d.Recipient, body)
	}

	buf := sinkio.NewDeferredBuffer(threshold)
	defer buf.Close()

	if _, err := io.Copy(buf, body); err != nil {
		return err
	}

	var firstErr error
	for _, d := range tx.deliveries {
		r, err := buf.Reader()
		if err != nil {
			return err
		}
		err = safeDeliver(ctx, d.Listener, tx.from, d.Recipient, r)
		_ = r.Close()
		firstErr = preferReject(firstErr, err)
	}
	return firstErr
}

// safeDeliver calls l.Deliver, turning a panic into an ErrListenerPanic.
func safeDeliver(ctx context.Context, l MessageListener, from, recipient string, body io.Reader) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: Deliver: %v", ErrListenerPanic, r)
		}
	}()
	return l.Deliver(ctx, from, recipient, body)
}

func preferReject(current, next error) error {
	if next == nil {
		return current
	}
	if current == nil {
		return next
	}
	var rej *RejectError
	if !errors.As(current, &rej) && errors.As(next, &rej) {
		return next
	}
	return current
}

// limitReader fails with ErrMessageTooLarge once more than max bytes have
// been read. A non-positive max disables the limit.
type limitReader struct {
	r        io.Reader
	max      int64
	n        int64
	exceeded bool
}

func (l *limitReader) Read(p []byte) (int, error) {
	if l.exceeded {
		return 0, ErrMessageTooLarge
	}
	if l.max <= 0 {
		return l.r.Read(p)
	}
	remaining := l.max - l.n
	if int64(len(p)) > remaining+1 {
		p = p[:remaining+1]
	}
	n, err := l.r.Read(p)
	if int64(n) > remaining {
		l.n = l.max
		l.exceeded = true
		return int(remaining), ErrMessageTooLarge
	}
	l.n += int64(n)
	return n, err
}

// errRecorder remembers the first non-EOF error of the wire stream, so the
// session can tell a broken connection apart from a listener failure.
type errRecorder struct {
	r   io.Reader
	err error
}

func (e *errRecorder) Read(p []byte) (int, error) {
	n, err := e.r.Read(p)
	if err != nil && err != io.EOF && e.err == nil {
		e.err = err
	}
	return n, err
}
