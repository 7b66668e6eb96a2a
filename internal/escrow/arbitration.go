package escrow

import (
	"context"

	"github.com/mbd888/escrowd/internal/address"
	"github.com/mbd888/escrowd/internal/traces"
)

// ResolveDispute is the arbitrator's single ruling on a disputed
// transaction: release to the recipient or refund the sender. The fee is
// charged either way.
func (s *Service) ResolveDispute(ctx context.Context, caller address.Address, id uint64, releaseToRecipient bool) (tx *Transaction, err error) {
	ctx, done := s.begin(ctx, "resolve_dispute", traces.EscrowID(id), traces.Caller(caller.String()))
	defer done(&err)

	return s.mutate(ctx, id, caller, []guard{callerIsArbitrator, stateIs(StateDisputed)},
		func(op *operation) error {
			op.tx.ArbitratorVoted = true
			op.tx.ArbitratorDecision = releaseToRecipient
			op.events.add(EventDisputeResolved, idRef(id), map[string]string{
				"releasedToRecipient": fmtBool(releaseToRecipient),
			}, map[string]string{"arbitrator": caller.String()})
			return s.settle(ctx, op, releaseToRecipient)
		})
}
