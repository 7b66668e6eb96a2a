package webhooks

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbd888/escrowd/internal/address"
	"github.com/mbd888/escrowd/internal/escrow"
)

var (
	webhookEmitTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrowd",
		Subsystem: "webhook",
		Name:      "emit_total",
		Help:      "Total webhook emit attempts by event type.",
	}, []string{"event_type"})

	webhookEmitErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrowd",
		Subsystem: "webhook",
		Name:      "emit_errors_total",
		Help:      "Total webhook emit failures by event type.",
	}, []string{"event_type"})
)

func init() {
	prometheus.MustRegister(webhookEmitTotal, webhookEmitErrors)
}

// Emitter routes committed escrow events to the webhooks of every party
// the event names. Errors are logged, never returned.
type Emitter struct {
	d      *Dispatcher
	logger *slog.Logger
}

// NewEmitter creates a new webhook emitter.
func NewEmitter(d *Dispatcher, logger *slog.Logger) *Emitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Emitter{d: d, logger: logger}
}

// Publish implements escrow.Publisher.
func (e *Emitter) Publish(ctx context.Context, events []escrow.Event) {
	if e == nil || e.d == nil {
		return
	}
	for _, ev := range events {
		e.emit(ctx, ev)
	}
}

func (e *Emitter) emit(ctx context.Context, ev escrow.Event) {
	parties := uniqueParties(ev.Parties())
	if len(parties) == 0 {
		return
	}
	webhookEmitTotal.WithLabelValues(string(ev.Type)).Inc()

	event := &Event{
		ID:            ev.ID,
		Type:          EventType(ev.Type),
		Timestamp:     ev.CreatedAt,
		TransactionID: ev.TransactionID,
		Data:          ev.Data,
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	for _, addr := range parties {
		if err := e.d.DispatchToAddress(ctx, addr, event); err != nil {
			webhookEmitErrors.WithLabelValues(string(ev.Type)).Inc()
			e.logger.Warn("webhook emit failed", "event", ev.Type, "address", addr, "error", err)
		}
	}
}

func uniqueParties(in []address.Address) []address.Address {
	seen := make(map[address.Address]bool, len(in))
	out := in[:0]
	for _, a := range in {
		if a.IsZero() || seen[a] {
			continue
		}
		seen[a] = true
		out = append(out, a)
	}
	return out
}

var _ escrow.Publisher = (*Emitter)(nil)
