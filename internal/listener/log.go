package listener

import (
	"context"
	"io"
	"log/slog"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"

	"github.com/synqronlabs/mailsink"
)

// LogListener accepts every recipient and logs each delivered message with
// its Subject, Message-Id and size. Bodies are discarded.
type LogListener struct {
	logger *slog.Logger
}

// NewLogListener returns a LogListener writing to logger.
func NewLogListener(logger *slog.Logger) *LogListener {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogListener{logger: logger}
}

func (l *LogListener) Accept(ctx context.Context, from, recipient string) bool {
	return true
}

func (l *LogListener) Deliver(ctx context.Context, from, recipient string, body io.Reader) error {
	attrs := []slog.Attr{slog.String("from", from), slog.String("recipient", recipient)}
	if mc, ok := mailsink.MessageContextFrom(ctx); ok {
		attrs = append(attrs, slog.String("session_id", mc.SessionID))
	}

	cr := &countingReader{r: body}
	entity, err := message.Read(cr)
	if err == nil || message.IsUnknownCharset(err) {
		h := mail.Header{Header: entity.Header}
		subject, _ := h.Subject()
		messageID, _ := h.MessageID()
		attrs = append(attrs, slog.String("subject", subject), slog.String("message_id", messageID))
	} else {
		l.logger.LogAttrs(ctx, slog.LevelWarn, "failed to parse message headers", append(attrs, slog.Any("error", err))...)
	}

	// message.Read buffers ahead, so drain the source rather than entity.Body.
	if _, err := io.Copy(io.Discard, cr); err != nil {
		return err
	}

	l.logger.LogAttrs(ctx, slog.LevelInfo, "message received", append(attrs, slog.Int64("size", cr.n))...)
	return nil
}

func (l *LogListener) Done(ctx context.Context) {
	if mc, ok := mailsink.MessageContextFrom(ctx); ok {
		l.logger.Debug("transaction finished", slog.String("session_id", mc.SessionID))
	}
}
