// Package brokerapi defines the abstract request/response/push contract for the
// downstream broker RPC session, independent of any particular wire transport.
package brokerapi

import (
	"context"

	"github.com/shopspring/decimal"
)

// TradeSide mirrors the teacher's OrderSide string-const enum pattern.
type TradeSide string

const (
	SideBuy  TradeSide = "BUY"
	SideSell TradeSide = "SELL"
)

// Instrument is the broker's specification for one tradable symbol.
type Instrument struct {
	Name       string // normalized, upper-case
	BrokerID   int64
	LotSize    int64 // broker native units per one standard lot
	MinVolume  int64 // broker native units
	StepVolume int64
	MaxVolume  int64
	Digits     int32 // price decimal places
	PipPos     int32
	TickValue  decimal.Decimal
}

// AppAuthRequest authenticates the client application against the broker.
type AppAuthRequest struct {
	ClientID     string
	ClientSecret string
}

// AccountAuthRequest authenticates a specific trading account over an app-authed
// connection.
type AccountAuthRequest struct {
	AccountID   int64
	AccessToken string
}

// SymbolListRequest asks the broker for its tradable instrument catalog.
type SymbolListRequest struct {
	AccountID int64
}

// SymbolListResponse carries the broker's instrument catalog.
type SymbolListResponse struct {
	Instruments []Instrument
}

// OrderType is the broker request's execution type.
type OrderType string

const (
	OrderTypeMarket    OrderType = "MARKET"
	OrderTypeLimit     OrderType = "LIMIT"
	OrderTypeStop      OrderType = "STOP"
	OrderTypeStopLimit OrderType = "STOP_LIMIT"
)

// TimeInForce selects how long a pending order rests before the broker expires it.
type TimeInForce string

const (
	TimeInForceGoodTillCancel TimeInForce = "GOOD_TILL_CANCEL"
	TimeInForceGoodTillDate   TimeInForce = "GOOD_TILL_DATE"
)

// NewOrderRequest opens a market or pending order. SL/TP are intentionally absent
// here: they are attached afterward via AmendPositionRequest once the broker has
// assigned a position id, because market orders fill asynchronously.
type NewOrderRequest struct {
	AccountID    int64
	SymbolID     int64
	Side         TradeSide
	Volume       int64 // broker native units, already quantized
	Label        string
	OrderType    OrderType
	LimitPrice   *decimal.Decimal // set for LIMIT and STOP_LIMIT orders
	StopPrice    *decimal.Decimal // set for STOP and STOP_LIMIT orders
	TimeInForce  TimeInForce      // zero value means the broker's own default (good-till-cancel)
	ExpirationMS int64            // epoch millis; meaningful only when TimeInForce is GOOD_TILL_DATE
}

// OrderResponse is the broker's synchronous acknowledgement of an order request.
// The authoritative fill/position assignment arrives later as an ExecutionEvent.
type OrderResponse struct {
	BrokerOrderID int64
	Accepted      bool
	Reason        string
}

// AmendPositionRequest attaches or updates SL/TP on an already-open position.
type AmendPositionRequest struct {
	AccountID  int64
	PositionID int64
	SL         *decimal.Decimal
	TP         *decimal.Decimal
}

// ClosePositionRequest partially or fully closes an open position by native-unit
// volume.
type ClosePositionRequest struct {
	AccountID  int64
	PositionID int64
	Volume     int64
}

// CancelOrderRequest cancels a still-pending (unfilled) order.
type CancelOrderRequest struct {
	AccountID     int64
	BrokerOrderID int64
}

// ReconcileRequest asks the broker for every currently open position and pending
// order on the account, used to rebuild correlation state after (re)connect.
type ReconcileRequest struct {
	AccountID int64
}

// ReconcileResponse is the broker's snapshot of open positions and pending orders.
type ReconcileResponse struct {
	Positions    []PositionSnapshot
	PendingOrder []PendingOrderSnapshot
}

// PositionSnapshot is one open position as seen in a reconcile response or a
// position-only push update.
type PositionSnapshot struct {
	PositionID int64
	SymbolID   int64
	Label      string
	Volume     int64
}

// PendingOrderSnapshot is one resting (unfilled) order.
type PendingOrderSnapshot struct {
	BrokerOrderID int64
	SymbolID      int64
	Label         string
}

// ExecutionEvent is an asynchronous push notifying the client that an order was
// filled, amended, or closed.
type ExecutionEvent struct {
	AccountID int64
	Position  *PositionSnapshot // present on fills and amendments
	OrderID   int64             // present when the event concerns a pending order
}

// Transport is the minimum bidirectional RPC surface a concrete wire implementation
// must provide. Session owns framing/correlation on top of it.
type Transport interface {
	// Send writes one framed request and blocks until the transport has queued it.
	Send(ctx context.Context, payload []byte) error
	// Messages yields framed inbound payloads (responses and pushes) in arrival order.
	Messages() <-chan []byte
	// Errors yields fatal transport errors; a value here means the transport is dead.
	Errors() <-chan error
	// Close tears the transport down.
	Close() error
}
