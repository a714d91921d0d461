package listener

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/synqronlabs/mailsink"
)

const testMessage = "From: a@x.com\r\nSubject: Hello there\r\nMessage-Id: <abc123@x.com>\r\n\r\nbody line\r\n"

func jsonLogger(level slog.Level) (*slog.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	return slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: level})), &buf
}

// lastRecord decodes the final JSON log line.
func lastRecord(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	var rec map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[len(lines)-1]), &rec))
	return rec
}

type recorder struct {
	mu     sync.Mutex
	bodies []string
	done   int
}

func (r *recorder) Accept(ctx context.Context, from, recipient string) bool { return true }

func (r *recorder) Deliver(ctx context.Context, from, recipient string, body io.Reader) error {
	data, err := io.ReadAll(body)
	r.mu.Lock()
	r.bodies = append(r.bodies, string(data))
	r.mu.Unlock()
	return err
}

func (r *recorder) Done(ctx context.Context) {
	r.mu.Lock()
	r.done++
	r.mu.Unlock()
}

func TestBlocklist(t *testing.T) {
	b := NewBlocklist([]string{"Blocked@Example.com", " other@example.com "})
	assert.True(t, b.Contains("blocked@example.com"))
	assert.True(t, b.Contains("BLOCKED@EXAMPLE.COM"))
	assert.True(t, b.Contains("other@example.com"))
	assert.False(t, b.Contains("allowed@example.com"))
	assert.False(t, b.Contains(""))

	var none *Blocklist
	assert.Nil(t, NewBlocklist(nil))
	assert.False(t, none.Contains("blocked@example.com"))
}

func TestFilter(t *testing.T) {
	f, err := NewFilter(`.*@spam\.example|noreply@.*`)
	require.NoError(t, err)

	tests := []struct {
		from, recipient string
		want            bool
	}{
		{"a@spam.example", "b@x.com", true},
		{"a@x.com", "b@spam.example", true},
		{"noreply@x.com", "b@x.com", true},
		{"a@x.com", "b@x.com", false},
		{"a@spam.example.org", "b@x.com", false},
		{"", "", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, f.Match(tt.from, tt.recipient), "%s -> %s", tt.from, tt.recipient)
	}

	none, err := NewFilter("")
	require.NoError(t, err)
	assert.False(t, none.Match("a@spam.example", ""))

	_, err = NewFilter("(")
	assert.Error(t, err)
}

func TestGuard(t *testing.T) {
	filter, err := NewFilter(`.*@spam\.example`)
	require.NoError(t, err)
	next := &recorder{}
	logger, buf := jsonLogger(slog.LevelDebug)
	g := NewGuard(next, NewBlocklist([]string{"blocked@x.com"}), filter, logger)
	ctx := context.Background()

	assert.False(t, g.Accept(ctx, "a@x.com", "blocked@x.com"))
	rec := lastRecord(t, buf)
	assert.Equal(t, "recipient blocked", rec["msg"])
	assert.Equal(t, "blocked@x.com", rec["recipient"])
	assert.True(t, g.Accept(ctx, "a@x.com", "b@x.com"))

	before := testutil.ToFloat64(messagesFiltered)
	body := strings.NewReader("filtered body")
	require.NoError(t, g.Deliver(ctx, "a@spam.example", "b@x.com", body))
	assert.Zero(t, body.Len(), "filtered body is drained")
	rec = lastRecord(t, buf)
	assert.Equal(t, "message filtered", rec["msg"])
	assert.Equal(t, "a@spam.example", rec["from"])
	assert.Empty(t, next.bodies)
	assert.Equal(t, before+1, testutil.ToFloat64(messagesFiltered))

	require.NoError(t, g.Deliver(ctx, "a@x.com", "b@x.com", strings.NewReader("kept")))
	assert.Equal(t, []string{"kept"}, next.bodies)

	g.Done(ctx)
	assert.Equal(t, 1, next.done)
}

func TestLogListener(t *testing.T) {
	logger, buf := jsonLogger(slog.LevelDebug)
	l := NewLogListener(logger)

	ctx := context.Background()
	assert.True(t, l.Accept(ctx, "a@x.com", "anyone@anywhere.example"))
	require.NoError(t, l.Deliver(ctx, "a@x.com", "b@x.com", strings.NewReader(testMessage)))

	rec := lastRecord(t, buf)
	assert.Equal(t, "message received", rec["msg"])
	assert.Equal(t, "a@x.com", rec["from"])
	assert.Equal(t, "b@x.com", rec["recipient"])
	assert.Equal(t, "Hello there", rec["subject"])
	assert.Equal(t, "abc123@x.com", rec["message_id"])
	assert.EqualValues(t, len(testMessage), rec["size"])
}

func TestLogListener_Unparseable(t *testing.T) {
	logger, buf := jsonLogger(slog.LevelDebug)
	l := NewLogListener(logger)

	body := "this is not a header\r\n\r\nstill counted\r\n"
	require.NoError(t, l.Deliver(context.Background(), "a@x.com", "b@x.com", strings.NewReader(body)))

	out := buf.String()
	assert.Contains(t, out, "failed to parse message headers")
	assert.Contains(t, out, `"error":`)
	rec := lastRecord(t, buf)
	assert.Equal(t, "message received", rec["msg"])
	assert.EqualValues(t, len(body), rec["size"])
	assert.NotContains(t, rec, "subject")
}

func TestLogListener_SourceError(t *testing.T) {
	l := NewLogListener(slog.New(slog.DiscardHandler))
	err := l.Deliver(context.Background(), "a@x.com", "b@x.com",
		io.MultiReader(strings.NewReader("Subject: x\r\n\r\n"), errReader{}))
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

type errReader struct{}

func (errReader) Read([]byte) (int, error) { return 0, io.ErrUnexpectedEOF }

func TestMetricsListener(t *testing.T) {
	m := NewMetricsListener(NewBlocklist([]string{"blocked@x.com"}))
	ctx := context.Background()

	accepted := testutil.ToFloat64(recipientsTotal.WithLabelValues("accepted"))
	blocked := testutil.ToFloat64(recipientsTotal.WithLabelValues("blocked"))
	delivered := testutil.ToFloat64(messagesDelivered)
	bytesTotal := testutil.ToFloat64(messageBytes)
	transactions := testutil.ToFloat64(transactionsTotal)

	assert.True(t, m.Accept(ctx, "a@x.com", "b@x.com"))
	assert.False(t, m.Accept(ctx, "a@x.com", "Blocked@X.com"))
	require.NoError(t, m.Deliver(ctx, "a@x.com", "b@x.com", strings.NewReader("0123456789")))
	m.Done(ctx)

	assert.Equal(t, accepted+1, testutil.ToFloat64(recipientsTotal.WithLabelValues("accepted")))
	assert.Equal(t, blocked+1, testutil.ToFloat64(recipientsTotal.WithLabelValues("blocked")))
	assert.Equal(t, delivered+1, testutil.ToFloat64(messagesDelivered))
	assert.Equal(t, bytesTotal+10, testutil.ToFloat64(messageBytes))
	assert.Equal(t, transactions+1, testutil.ToFloat64(transactionsTotal))

	assert.ErrorIs(t, m.Deliver(ctx, "a@x.com", "b@x.com", errReader{}), io.ErrUnexpectedEOF)
	assert.Equal(t, delivered+1, testutil.ToFloat64(messagesDelivered))
}

// The daemon's listener set behind a real server.
func TestListeners_Server(t *testing.T) {
	// Info keeps Done's debug line, written after the reply, out of buf.
	logger, buf := jsonLogger(slog.LevelInfo)
	blocked := NewBlocklist([]string{"blocked@x.com"})

	srv, err := mailsink.New("test.example.com").
		Logger(slog.New(slog.DiscardHandler)).
		Listener(
			NewGuard(NewLogListener(logger), blocked, nil, nil),
			NewMetricsListener(blocked),
		).
		Build()
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = srv.Serve(ln) }()
	t.Cleanup(func() { _ = srv.Close() })

	delivered := testutil.ToFloat64(messagesDelivered)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := mailsink.Dial(ctx, ln.Addr().String())
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Hello("client.example.com"))
	require.NoError(t, c.Mail("a@x.com"))
	assert.Error(t, c.Rcpt("blocked@x.com"))
	require.NoError(t, c.Rcpt("b@x.com"))

	w, err := c.Data()
	require.NoError(t, err)
	_, err = io.WriteString(w, testMessage)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	require.NoError(t, c.Quit())

	assert.Equal(t, delivered+1, testutil.ToFloat64(messagesDelivered))
	rec := lastRecord(t, buf)
	assert.Equal(t, "message received", rec["msg"])
	assert.Equal(t, "Hello there", rec["subject"])
	assert.Equal(t, "b@x.com", rec["recipient"])
	assert.NotEmpty(t, rec["session_id"])
}
