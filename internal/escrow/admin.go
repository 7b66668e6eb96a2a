package escrow

import (
	"context"
	"fmt"

	"github.com/mbd888/escrowd/internal/address"
	"github.com/mbd888/escrowd/internal/logging"
	"github.com/mbd888/escrowd/internal/metrics"
	"github.com/mbd888/escrowd/internal/token"
	"github.com/mbd888/escrowd/internal/traces"
)

// updateSettings applies change to a copy of the settings as owner and
// persists it with its event before it becomes visible.
func (s *Service) updateSettings(ctx context.Context, caller address.Address, change func(*Settings, *eventBuilder) error, onSaved ...func()) (Settings, error) {
	next, events, err := s.applySettings(ctx, caller, change, onSaved)
	if err != nil {
		return Settings{}, err
	}
	s.publish(ctx, events)
	return next, nil
}

func (s *Service) applySettings(ctx context.Context, caller address.Address, change func(*Settings, *eventBuilder) error, onSaved []func()) (Settings, []Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := callerIsOwner(check{caller: caller, settings: s.settings}); err != nil {
		return Settings{}, nil, err
	}

	next := s.settings
	eb := &eventBuilder{mode: s.cfg.EventPayload, now: s.now()}
	if err := change(&next, eb); err != nil {
		return Settings{}, nil, err
	}
	if err := s.store.SaveSettings(ctx, next, eb.events); err != nil {
		return Settings{}, nil, fmt.Errorf("save settings: %w", err)
	}
	s.settings = next
	for _, fn := range onSaved {
		fn()
	}
	return next, eb.events, nil
}

// SetFee changes the platform fee for transactions created from now on.
// Existing transactions keep the fee they were created with.
func (s *Service) SetFee(ctx context.Context, caller address.Address, fee uint64) (_ Settings, err error) {
	ctx, done := s.begin(ctx, "set_fee", traces.Caller(caller.String()))
	defer done(&err)

	return s.updateSettings(ctx, caller, func(next *Settings, eb *eventBuilder) error {
		if err := s.cfg.Fees.Check(fee); err != nil {
			return err
		}
		eb.add(EventFeeUpdated, nil, map[string]string{
			"old": fmtUnits(next.Fee),
			"new": fmtUnits(fee),
		}, nil)
		next.Fee = fee
		logging.L(ctx).Info("platform fee updated", "fee", fee)
		return nil
	})
}

// SetArbitrator replaces the dispute arbitrator.
func (s *Service) SetArbitrator(ctx context.Context, caller, arbitrator address.Address) (_ Settings, err error) {
	ctx, done := s.begin(ctx, "set_arbitrator", traces.Caller(caller.String()))
	defer done(&err)

	return s.updateSettings(ctx, caller, func(next *Settings, eb *eventBuilder) error {
		if arbitrator.IsZero() {
			return fmt.Errorf("%w: arbitrator is zero", ErrInvalidAddress)
		}
		eb.add(EventArbitratorUpdated, nil, map[string]string{
			"old": next.Arbitrator.String(),
			"new": arbitrator.String(),
		}, nil)
		next.Arbitrator = arbitrator
		return nil
	})
}

// SetPlatformWallet changes where fees are paid.
func (s *Service) SetPlatformWallet(ctx context.Context, caller, wallet address.Address) (_ Settings, err error) {
	ctx, done := s.begin(ctx, "set_platform_wallet", traces.Caller(caller.String()))
	defer done(&err)

	return s.updateSettings(ctx, caller, func(next *Settings, eb *eventBuilder) error {
		if wallet.IsZero() {
			return fmt.Errorf("%w: platform wallet is zero", ErrInvalidAddress)
		}
		eb.add(EventPlatformWalletUpdated, nil, map[string]string{
			"old": next.PlatformWallet.String(),
			"new": wallet.String(),
		}, nil)
		next.PlatformWallet = wallet
		return nil
	})
}

// TransferOwnership hands every owner power to newOwner.
func (s *Service) TransferOwnership(ctx context.Context, caller, newOwner address.Address) (_ Settings, err error) {
	ctx, done := s.begin(ctx, "transfer_ownership", traces.Caller(caller.String()))
	defer done(&err)

	return s.updateSettings(ctx, caller, func(next *Settings, eb *eventBuilder) error {
		if newOwner.IsZero() {
			return fmt.Errorf("%w: owner is zero", ErrInvalidAddress)
		}
		eb.add(EventOwnershipTransferred, nil, map[string]string{
			"old": next.Owner.String(),
			"new": newOwner.String(),
		}, nil)
		logging.Audit(ctx, "ownership transferred", "from", next.Owner.String(), "to", newOwner.String())
		next.Owner = newOwner
		return nil
	})
}

// SetToken migrates the service to another token. Settlement of every
// transaction, including open ones, goes through the new gateway.
func (s *Service) SetToken(ctx context.Context, caller, tokenAddr address.Address) (_ Settings, err error) {
	ctx, done := s.begin(ctx, "set_token", traces.Caller(caller.String()))
	defer done(&err)

	if tokenAddr.IsZero() {
		return Settings{}, fmt.Errorf("%w: token is zero", ErrInvalidAddress)
	}
	if s.resolve == nil {
		return Settings{}, fmt.Errorf("%w: token migration is not configured", ErrInvalidState)
	}
	// Authorize before building a gateway so strangers cannot make us dial.
	if err := callerIsOwner(check{caller: caller, settings: s.Settings()}); err != nil {
		return Settings{}, err
	}
	gw, err := s.resolve(ctx, tokenAddr)
	if err != nil {
		return Settings{}, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}

	next, err := s.updateSettings(ctx, caller, func(next *Settings, eb *eventBuilder) error {
		eb.add(EventTokenUpdated, nil, map[string]string{
			"old": next.Token.String(),
			"new": tokenAddr.String(),
		}, map[string]string{"custody": gw.Custody().String()})
		next.Token = tokenAddr
		return nil
	}, func() { s.gateway = gw })
	if err != nil {
		return Settings{}, err
	}
	logging.Audit(ctx, "token gateway migrated", "token", tokenAddr.String(), "custody", gw.Custody().String())
	return next, nil
}

// EmergencyWithdraw is an irreversible owner-only recovery path. Once a
// non-terminal transaction is EmergencyGrace past its deadline, the owner
// may force it to Refunded and return the full amount to the sender with
// no fee.
func (s *Service) EmergencyWithdraw(ctx context.Context, caller address.Address, id uint64) (tx *Transaction, err error) {
	ctx, done := s.begin(ctx, "emergency_withdraw", traces.EscrowID(id), traces.Caller(caller.String()))
	defer done(&err)

	return s.mutate(ctx, id, caller, []guard{callerIsOwner, notTerminal, emergencyWindowOpen(s.cfg.EmergencyGrace)},
		func(op *operation) error {
			tx := op.tx
			prev := tx.State
			tx.State = StateRefunded
			tx.Emergency = true
			resolvedAt := op.chk.now
			tx.ResolvedAt = &resolvedAt
			if err := op.unit.Put(ctx, tx); err != nil {
				return err
			}

			if err := s.gw().Transfer(ctx, tx.Sender, tx.Amount); err != nil {
				if token.MayHaveMoved(err) {
					s.keepIncomplete(ctx, op, "emergency_withdrawal", tx.Sender, tx.Amount, 0, err)
					return nil
				}
				if rbErr := op.unit.Rollback(ctx); rbErr != nil {
					s.log(ctx).Error("rollback after failed emergency withdrawal", "id", tx.ID, "error", rbErr)
				}
				return fmt.Errorf("%w: emergency withdrawal of transaction %d: %v", ErrTransferFailed, tx.ID, err)
			}
			op.moved = true
			op.terminal = "emergency"

			op.events.add(EventEmergencyWithdrawal, idRef(tx.ID), map[string]string{
				"amount": fmtUnits(tx.Amount),
			}, map[string]string{"to": tx.Sender.String(), "previousState": prev.String()})

			metrics.EmergencyActionsTotal.WithLabelValues("withdraw").Inc()
			logging.Audit(ctx, "emergency withdrawal", "id", tx.ID, "owner", caller.String(),
				"sender", tx.Sender.String(), "amount", tx.Amount, "previous_state", prev.String())
			return nil
		})
}

// EmergencyWithdrawAll sweeps the whole custodial balance to the owner.
// It does no per-transaction accounting: open transactions stay open but
// become unfunded. Last-resort migration tool only.
func (s *Service) EmergencyWithdrawAll(ctx context.Context, caller address.Address) (swept uint64, err error) {
	ctx, done := s.begin(ctx, "emergency_withdraw_all", traces.Caller(caller.String()))
	defer done(&err)

	settings := s.Settings()
	if err := callerIsOwner(check{caller: caller, settings: settings}); err != nil {
		return 0, err
	}

	gw := s.gw()
	bal, err := gw.BalanceOf(ctx, gw.Custody())
	if err != nil {
		return 0, fmt.Errorf("%w: custody balance: %v", ErrTransferFailed, err)
	}
	if bal == 0 {
		return 0, nil
	}
	if err := gw.Transfer(ctx, settings.Owner, bal); err != nil {
		if token.MayHaveMoved(err) {
			eb := &eventBuilder{mode: s.cfg.EventPayload, now: s.now()}
			eb.add(EventReconciliationRequired, nil, map[string]string{
				"stage":  "sweep",
				"to":     settings.Owner.String(),
				"amount": fmtUnits(bal),
			}, map[string]string{"error": err.Error()})
			s.log(ctx).Error("CRITICAL: sweep outcome unknown, reconcile manually", "amount", bal, "error", err)
			if recErr := s.store.RecordEvents(ctx, eb.events); recErr != nil {
				s.log(ctx).Error("CRITICAL: unconfirmed sweep not recorded", "amount", bal, "error", recErr)
			}
			s.publish(ctx, eb.events)
			return 0, fmt.Errorf("%w: sweep: %v", ErrReconciliationRequired, err)
		}
		return 0, fmt.Errorf("%w: sweep: %v", ErrTransferFailed, err)
	}

	eb := &eventBuilder{mode: s.cfg.EventPayload, now: s.now()}
	eb.add(EventEmergencySweep, nil, map[string]string{
		"to":     settings.Owner.String(),
		"amount": fmtUnits(bal),
	}, map[string]string{"custody": gw.Custody().String()})

	metrics.EmergencyActionsTotal.WithLabelValues("sweep").Inc()
	logging.Audit(ctx, "emergency sweep of custody", "owner", settings.Owner.String(), "amount", bal)

	// The value already moved; a failed event write must not hide that.
	if err := s.store.RecordEvents(ctx, eb.events); err != nil {
		s.log(ctx).Error("CRITICAL: emergency sweep not recorded", "amount", bal, "error", err)
	}
	s.publish(ctx, eb.events)
	return bal, nil
}
