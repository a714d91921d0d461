package listener

import (
	"context"
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	recipientsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailsink_recipients_total",
			Help: "Recipients offered to the sink by result",
		},
		[]string{"result"}, // accepted, blocked
	)

	messagesDelivered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mailsink_messages_delivered_total",
			Help: "Messages delivered, counted once per recipient",
		},
	)

	messageBytes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mailsink_message_bytes_total",
			Help: "Bytes of message data delivered",
		},
	)

	messagesFiltered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mailsink_messages_filtered_total",
			Help: "Messages dropped by the address filter, counted once per recipient",
		},
	)

	transactionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mailsink_transactions_total",
			Help: "Mail transactions finished, whatever their outcome",
		},
	)
)

// MetricsListener counts recipients, deliveries and bytes. It accepts every
// recipient that is not blocked.
type MetricsListener struct {
	blocked *Blocklist
}

// NewMetricsListener returns a MetricsListener refusing the recipients in
// blocked.
func NewMetricsListener(blocked *Blocklist) *MetricsListener {
	return &MetricsListener{blocked: blocked}
}

func (m *MetricsListener) Accept(ctx context.Context, from, recipient string) bool {
	if m.blocked.Contains(recipient) {
		recipientsTotal.WithLabelValues("blocked").Inc()
		return false
	}
	recipientsTotal.WithLabelValues("accepted").Inc()
	return true
}

func (m *MetricsListener) Deliver(ctx context.Context, from, recipient string, body io.Reader) error {
	n, err := io.Copy(io.Discard, body)
	if err != nil {
		return err
	}
	messagesDelivered.Inc()
	messageBytes.Add(float64(n))
	return nil
}

func (m *MetricsListener) Done(ctx context.Context) {
	transactionsTotal.Inc()
}
