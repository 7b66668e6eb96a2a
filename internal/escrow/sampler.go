package escrow

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/mbd888/escrowd/internal/metrics"
)

// Sampler periodically refreshes the escrow gauges. It only reads; no
// escrow state is ever changed by a background loop.
type Sampler struct {
	service  *Service
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewSampler creates a gauge sampler.
func NewSampler(service *Service, interval time.Duration, logger *slog.Logger) *Sampler {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Sampler{
		service:  service,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}, 1),
	}
}

// Running reports whether the sampler loop is actively running.
func (s *Sampler) Running() bool {
	return s.running.Load()
}

// Start runs the sampling loop until ctx ends or Stop is called. Call in a
// goroutine.
func (s *Sampler) Start(ctx context.Context) {
	s.running.Store(true)
	defer s.running.Store(false)

	s.safeSample(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.safeSample(ctx)
		}
	}
}

// Stop signals the sampler to stop.
func (s *Sampler) Stop() {
	select {
	case s.stop <- struct{}{}:
	default:
	}
}

func (s *Sampler) safeSample(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in escrow sampler", "panic", fmt.Sprint(r))
		}
	}()
	s.Sample(ctx)
}

// Sample takes one reading of the ledger and the custody balance.
func (s *Sampler) Sample(ctx context.Context) {
	st, err := s.service.Stats(ctx)
	if err != nil {
		s.logger.Warn("failed to read escrow stats", "error", err)
	} else {
		metrics.EscrowOpen.WithLabelValues(StateAwaitingDelivery.String()).Set(float64(st.AwaitingDelivery))
		metrics.EscrowOpen.WithLabelValues(StateDisputed.String()).Set(float64(st.Disputed))
		metrics.EscrowLockedUnits.Set(float64(st.LockedUnits))
		metrics.EscrowExpired.Set(float64(st.Expired))
		if st.Expired > 0 {
			s.logger.Debug("escrows past deadline awaiting refund claim", "count", st.Expired)
		}
	}

	bal, err := s.service.CustodialBalance(ctx)
	if err != nil {
		s.logger.Warn("failed to read custody balance", "error", err)
		return
	}
	metrics.CustodyBalanceUnits.Set(float64(bal))
	if bal < st.LockedUnits {
		s.logger.Error("custody balance below locked escrow total",
			"balance", bal, "locked", st.LockedUnits)
	}
}
