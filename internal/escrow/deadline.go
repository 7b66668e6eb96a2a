package escrow

import (
	"context"
	"fmt"
	"time"
)

// DeadlineMode selects how a new transaction's deadline is set.
type DeadlineMode string

const (
	// DeadlineExplicit takes the deadline from the caller.
	DeadlineExplicit DeadlineMode = "explicit"
	// DeadlineFixed sets created_at + FixedWindow and ignores caller input.
	DeadlineFixed DeadlineMode = "fixed"
)

const (
	DefaultFixedWindow    = 24 * time.Hour
	DefaultEmergencyGrace = 30 * 24 * time.Hour
)

// IsExpired reports whether the sender may claim a refund at now.
// The deadline instant itself is not expired.
func IsExpired(tx *Transaction, now time.Time) bool {
	return now.After(tx.Deadline)
}

// EmergencyEligible reports whether the owner may force a refund at now.
func EmergencyEligible(tx *Transaction, now time.Time, grace time.Duration) bool {
	return now.After(tx.Deadline.Add(grace))
}

// Eligibility is the read-only view of a transaction's deadline rights.
type Eligibility struct {
	ID                uint64    `json:"id"`
	State             State     `json:"state"`
	Deadline          time.Time `json:"deadline"`
	Now               time.Time `json:"now"`
	Expired           bool      `json:"expired"`
	Claimable         bool      `json:"claimable"`
	SecondsRemaining  int64     `json:"secondsRemaining"`
	EmergencyAfter    time.Time `json:"emergencyAfter"`
	EmergencyEligible bool      `json:"emergencyEligible"`
}

// RefundEligibility evaluates the deadline predicates for id without
// changing anything.
func (s *Service) RefundEligibility(ctx context.Context, id uint64) (*Eligibility, error) {
	tx, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	now := s.now()
	e := &Eligibility{
		ID:                tx.ID,
		State:             tx.State,
		Deadline:          tx.Deadline,
		Now:               now,
		Expired:           IsExpired(tx, now),
		EmergencyAfter:    tx.Deadline.Add(s.cfg.EmergencyGrace),
		EmergencyEligible: !tx.State.Terminal() && EmergencyEligible(tx, now, s.cfg.EmergencyGrace),
	}
	e.Claimable = e.Expired && tx.State == StateAwaitingDelivery
	if !e.Expired {
		e.SecondsRemaining = int64(tx.Deadline.Sub(now) / time.Second)
	}
	return e, nil
}

// deadlineFor computes the deadline of a transaction created at now.
func (s *Service) deadlineFor(now, requested time.Time) (time.Time, error) {
	if s.cfg.DeadlineMode == DeadlineFixed {
		return now.Add(s.cfg.FixedWindow), nil
	}
	if requested.IsZero() {
		return time.Time{}, fmt.Errorf("%w: deadline required", ErrInvalidDeadline)
	}
	d := requested.UTC().Truncate(time.Second)
	if !d.After(now) {
		return time.Time{}, fmt.Errorf("%w: %s is not in the future", ErrInvalidDeadline, d.Format(time.RFC3339))
	}
	if s.cfg.MaxWindow > 0 && d.Sub(now) > s.cfg.MaxWindow {
		return time.Time{}, fmt.Errorf("%w: more than %s ahead", ErrInvalidDeadline, s.cfg.MaxWindow)
	}
	return d, nil
}
