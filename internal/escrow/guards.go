package escrow

import (
	"fmt"
	"time"

	"github.com/mbd888/escrowd/internal/address"
)

// check is everything a guard may look at.
type check struct {
	tx       *Transaction
	caller   address.Address
	now      time.Time
	settings Settings
}

// guard is one precondition of an operation.
type guard func(c check) error

// runGuards applies gs in order and returns the first failure. Guards
// run before any effect.
func runGuards(c check, gs ...guard) error {
	for _, g := range gs {
		if err := g(c); err != nil {
			return err
		}
	}
	return nil
}

func callerIsSender(c check) error {
	if c.caller != c.tx.Sender {
		return fmt.Errorf("%w: only the sender of transaction %d", ErrUnauthorized, c.tx.ID)
	}
	return nil
}

func callerIsRecipient(c check) error {
	if c.caller != c.tx.Recipient {
		return fmt.Errorf("%w: only the recipient of transaction %d", ErrUnauthorized, c.tx.ID)
	}
	return nil
}

func callerIsArbitrator(c check) error {
	if c.caller != c.settings.Arbitrator {
		return fmt.Errorf("%w: only the arbitrator", ErrUnauthorized)
	}
	return nil
}

func callerIsOwner(c check) error {
	if c.caller != c.settings.Owner {
		return fmt.Errorf("%w: only the owner", ErrUnauthorized)
	}
	return nil
}

func callerIsParticipant(c check) error {
	switch c.caller {
	case c.tx.Sender, c.tx.Recipient, c.settings.Arbitrator:
		return nil
	}
	return fmt.Errorf("%w: only the sender, recipient or arbitrator of transaction %d", ErrUnauthorized, c.tx.ID)
}

func stateIs(want State) guard {
	return func(c check) error {
		if c.tx.State != want {
			return fmt.Errorf("%w: transaction %d is %s, needs %s", ErrInvalidState, c.tx.ID, c.tx.State, want)
		}
		return nil
	}
}

func notTerminal(c check) error {
	if c.tx.State.Terminal() {
		return fmt.Errorf("%w: transaction %d is already %s", ErrInvalidState, c.tx.ID, c.tx.State)
	}
	return nil
}

func deadlinePassed(c check) error {
	if !IsExpired(c.tx, c.now) {
		return fmt.Errorf("%w: deadline %s", ErrDeadlineNotPassed, c.tx.Deadline.Format(time.RFC3339))
	}
	return nil
}

func emergencyWindowOpen(grace time.Duration) guard {
	return func(c check) error {
		if !EmergencyEligible(c.tx, c.now, grace) {
			return fmt.Errorf("%w: emergency withdrawal opens after %s", ErrDeadlineNotPassed,
				c.tx.Deadline.Add(grace).Format(time.RFC3339))
		}
		return nil
	}
}
