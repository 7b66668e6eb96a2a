package escrow

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/mbd888/escrowd/internal/address"
)

// EventType names a published event.
type EventType string

const (
	EventTransactionCreated    EventType = "TransactionCreated"
	EventDeliveryConfirmed     EventType = "DeliveryConfirmed"
	EventReleaseApproved       EventType = "ReleaseApproved"
	EventDisputeRaised         EventType = "DisputeRaised"
	EventDisputeResolved       EventType = "DisputeResolved"
	EventFundsReleased         EventType = "FundsReleased"
	EventTransactionRefunded   EventType = "TransactionRefunded"
	EventFeeUpdated            EventType = "FeeUpdated"
	EventArbitratorUpdated     EventType = "ArbitratorUpdated"
	EventTokenUpdated          EventType = "TokenUpdated"
	EventPlatformWalletUpdated EventType = "PlatformWalletUpdated"
	EventOwnershipTransferred  EventType = "OwnershipTransferred"
	EventEmergencyWithdrawal   EventType = "EmergencyWithdrawal"
	EventEmergencySweep        EventType = "EmergencySweep"

	// EventReconciliationRequired marks a transfer whose outcome on the
	// token ledger is unknown or partial. Data carries the stage
	// ("deposit" or "payout") and the failure.
	EventReconciliationRequired EventType = "ReconciliationRequired"
)

// PayloadMode selects how much an event carries.
type PayloadMode string

const (
	PayloadRich    PayloadMode = "rich"
	PayloadMinimal PayloadMode = "minimal"
)

// Event is an observable side effect of a committed operation. Values in
// Data are strings: addresses in base58, amounts in smallest units.
type Event struct {
	ID            string            `json:"id"`
	Type          EventType         `json:"type"`
	TransactionID *uint64           `json:"transactionId,omitempty"`
	Data          map[string]string `json:"data"`
	CreatedAt     time.Time         `json:"createdAt"`
}

// Parties returns the addresses named in the event, for routing.
func (e Event) Parties() []address.Address {
	var out []address.Address
	for _, k := range []string{"sender", "recipient", "to", "raisedBy", "by"} {
		if v, ok := e.Data[k]; ok {
			if a, err := address.Parse(v); err == nil {
				out = append(out, a)
			}
		}
	}
	return out
}

// eventBuilder assembles the events of one operation.
type eventBuilder struct {
	mode   PayloadMode
	now    time.Time
	events []Event
}

// add appends an event. rich fields are dropped in minimal mode.
func (b *eventBuilder) add(t EventType, txID *uint64, data, rich map[string]string) {
	if data == nil {
		data = map[string]string{}
	}
	if b.mode != PayloadMinimal {
		for k, v := range rich {
			data[k] = v
		}
	}
	b.events = append(b.events, Event{
		ID:            uuid.NewString(),
		Type:          t,
		TransactionID: txID,
		Data:          data,
		CreatedAt:     b.now,
	})
}

func idRef(id uint64) *uint64 { return &id }

func fmtUnits(v uint64) string { return strconv.FormatUint(v, 10) }

func fmtBool(v bool) string { return strconv.FormatBool(v) }

// Publishers fans events out to several publishers in order.
type Publishers []Publisher

func (ps Publishers) Publish(ctx context.Context, events []Event) {
	for _, p := range ps {
		if p != nil {
			p.Publish(ctx, events)
		}
	}
}
