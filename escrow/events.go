package escrow

import (
	"strconv"
)

const (
	EventTypeContractCreated   = "escrow.contract.created"
	EventTypeContractActivated = "escrow.contract.activated"
	EventTypeContractSigned    = "escrow.contract.signed"
	EventTypePhaseAdvanced     = "escrow.phase.advanced"
	EventTypeContractDisputed  = "escrow.contract.disputed"
	EventTypeContractCompleted = "escrow.contract.completed"
)

// Event is a structured contract state change.
type Event struct {
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}

// Emitter broadcasts events to downstream subscribers.
type Emitter interface {
	Emit(Event)
}

// NoopEmitter discards all events.
type NoopEmitter struct{}

// Emit implements the Emitter interface.
func (NoopEmitter) Emit(Event) {}

func newContractEvent(eventType string, c *Contract) Event {
	attrs := map[string]string{}
	if c != nil {
		attrs["id"] = c.ID.String()
		attrs["escrow"] = c.EscrowAccountID
		attrs["state"] = string(c.State)
		attrs["phase"] = strconv.Itoa(c.CurrentPhaseNumber)
	}
	return Event{Type: eventType, Attributes: attrs}
}

func newSignedEvent(c *Contract, tx *PreTransaction, publicKey string) Event {
	evt := newContractEvent(EventTypeContractSigned, c)
	if tx != nil {
		evt.Attributes["outcome"] = tx.Outcome
		evt.Attributes["sequence"] = strconv.FormatInt(tx.SequenceNumber, 10)
		evt.Attributes["signatures"] = strconv.Itoa(tx.SignedCount())
	}
	evt.Attributes["signer"] = publicKey
	return evt
}
