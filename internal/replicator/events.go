// Package replicator is the heart of the bridge: it classifies incoming source
// trade events, applies per-account filter policy and sizing, quantizes
// volume/price through the Symbol Catalog, issues the broker request, records
// correlations, and stages deferred SL/TP attachment.
package replicator

import "github.com/shopspring/decimal"

// EventKind classifies a source trade lifecycle event.
type EventKind string

const (
	EventOpen          EventKind = "OPEN"
	EventPendingOpen   EventKind = "PENDING_OPEN"
	EventModify        EventKind = "MODIFY"
	EventClose         EventKind = "CLOSE"
	EventPendingCancel EventKind = "PENDING_CANCEL"
)

// NormalizeEventKind canonicalizes an ingress-supplied event string, including
// the PENDING_CLOSE alias of PENDING_CANCEL.
func NormalizeEventKind(raw string) EventKind {
	switch EventKind(raw) {
	case "PENDING_CLOSE":
		return EventPendingCancel
	default:
		return EventKind(raw)
	}
}

// Side is the source trade's direction.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// PendingType selects the broker order type a PENDING_OPEN maps to.
type PendingType string

const (
	PendingLimit     PendingType = "limit"
	PendingStop      PendingType = "stop"
	PendingStopLimit PendingType = "stop_limit"
)

// Event is one source trade lifecycle event, decoded from the ingress payload.
type Event struct {
	Kind   EventKind
	Ticket int64
	Symbol string
	Side   Side
	Volume decimal.Decimal // source lots; may be zero for MODIFY/CLOSE-as-full
	Price  decimal.Decimal // source entry/trigger price, when known
	SL     *decimal.Decimal
	TP     *decimal.Decimal
	Magic  int64

	// PENDING_OPEN fields.
	PendingType  PendingType
	LimitPrice   *decimal.Decimal
	StopPrice    *decimal.Decimal
	ExpirationMS *int64 // broker epoch-millis expiration; sets time-in-force GOOD_TILL_DATE when present

	// Optional MT5-side instrument facts, used as a fallback when the broker
	// catalog doesn't already know them.
	ContractSize *decimal.Decimal // native units per one standard lot, used for CLOSE's lots*contract_size path
	VolumeMin    *decimal.Decimal // source-side minimum lot size
	VolumeStep   *decimal.Decimal // source-side lot step
}
