package ingress

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/lv-trading/mt5-ctrader-bridge/internal/replicator"
)

// rawEvent mirrors the loosely-typed JSON the source EA posts: field names have
// varied across EA versions (action/event/event_type, type/side, volume/lots),
// so every alias is accepted and normalized here.
type rawEvent struct {
	Action    string  `json:"action"`
	Event     string  `json:"event"`
	EventType string  `json:"event_type"`
	Ticket    int64   `json:"ticket"`
	Symbol    string  `json:"symbol"`
	Type      string  `json:"type"`
	Side      string  `json:"side"`
	Volume    float64 `json:"volume"`
	Lots      float64 `json:"lots"`
	Price     float64 `json:"price"`
	SL        float64 `json:"sl"`
	TP        float64 `json:"tp"`
	Magic     int64   `json:"magic"`

	// Pending-order fields.
	PendingType  string  `json:"pending_type"`
	EntryPrice   float64 `json:"entry_price"`
	LimitPrice   float64 `json:"limit_price"`
	StopPrice    float64 `json:"stop_price"`
	ExpirationMS int64   `json:"expiration_ms"`

	// Optional MT5-side instrument facts.
	MT5ContractSize float64 `json:"mt5_contract_size"`
	MT5VolumeMin    float64 `json:"mt5_volume_min"`
	MT5VolumeStep   float64 `json:"mt5_volume_step"`
}

func (r rawEvent) dedupSymbol() string { return r.Symbol }

func (r rawEvent) kind() string {
	switch {
	case r.EventType != "":
		return strings.ToUpper(r.EventType)
	case r.Action != "":
		return strings.ToUpper(r.Action)
	case r.Event != "":
		return strings.ToUpper(r.Event)
	default:
		return ""
	}
}

func (r rawEvent) side() string {
	s := r.Side
	if s == "" {
		s = r.Type
	}
	if s == "" {
		s = "BUY"
	}
	return strings.ToUpper(s)
}

func (r rawEvent) volume() float64 {
	if r.Volume != 0 {
		return r.Volume
	}
	return r.Lots
}

// toEvent converts a decoded rawEvent to a replicator.Event, normalizing the
// event kind (including the PENDING_CLOSE->PENDING_CANCEL alias) and side.
func toEvent(r rawEvent) (replicator.Event, error) {
	kind := replicator.NormalizeEventKind(r.kind())
	switch kind {
	case replicator.EventOpen, replicator.EventPendingOpen, replicator.EventModify,
		replicator.EventClose, replicator.EventPendingCancel:
	default:
		return replicator.Event{}, fmt.Errorf("unknown event kind %q", r.kind())
	}

	side := replicator.SideBuy
	if r.side() == "SELL" {
		side = replicator.SideSell
	}

	entryPrice := r.Price
	if entryPrice == 0 {
		entryPrice = r.EntryPrice
	}

	ev := replicator.Event{
		Kind:        kind,
		Ticket:      r.Ticket,
		Symbol:      r.Symbol,
		Side:        side,
		Volume:      decimal.NewFromFloat(r.volume()),
		Price:       decimal.NewFromFloat(entryPrice),
		Magic:       r.Magic,
		PendingType: replicator.PendingType(strings.ToLower(r.PendingType)),
	}
	if r.SL > 0 {
		sl := decimal.NewFromFloat(r.SL)
		ev.SL = &sl
	}
	if r.TP > 0 {
		tp := decimal.NewFromFloat(r.TP)
		ev.TP = &tp
	}
	if r.LimitPrice > 0 {
		lp := decimal.NewFromFloat(r.LimitPrice)
		ev.LimitPrice = &lp
	}
	if r.StopPrice > 0 {
		sp := decimal.NewFromFloat(r.StopPrice)
		ev.StopPrice = &sp
	}
	if r.ExpirationMS > 0 {
		exp := r.ExpirationMS
		ev.ExpirationMS = &exp
	}
	if r.MT5ContractSize > 0 {
		cs := decimal.NewFromFloat(r.MT5ContractSize)
		ev.ContractSize = &cs
	}
	if r.MT5VolumeMin > 0 {
		vm := decimal.NewFromFloat(r.MT5VolumeMin)
		ev.VolumeMin = &vm
	}
	if r.MT5VolumeStep > 0 {
		vs := decimal.NewFromFloat(r.MT5VolumeStep)
		ev.VolumeStep = &vs
	}
	return ev, nil
}
