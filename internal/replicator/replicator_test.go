package replicator

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/lv-trading/mt5-ctrader-bridge/internal/brokerapi"
	"github.com/lv-trading/mt5-ctrader-bridge/internal/catalog"
	"github.com/lv-trading/mt5-ctrader-bridge/internal/config"
	"github.com/lv-trading/mt5-ctrader-bridge/internal/correlation"
	"github.com/lv-trading/mt5-ctrader-bridge/internal/deferred"
)

type fakeBroker struct {
	sent []brokerapi.Kind
	// payloads mirrors sent, capturing the request value itself so tests can
	// assert on fields like OrderType/LimitPrice/Volume.
	payloads []interface{}
	// canned responses keyed by Kind, in call order
	orderResp brokerapi.OrderResponse
}

func (f *fakeBroker) Send(ctx context.Context, kind brokerapi.Kind, payload interface{}) (brokerapi.Envelope, error) {
	f.sent = append(f.sent, kind)
	f.payloads = append(f.payloads, payload)
	switch kind {
	case brokerapi.KindNewOrder:
		b, _ := json.Marshal(f.orderResp)
		return brokerapi.Envelope{Kind: brokerapi.KindOrderResponse, Payload: b}, nil
	default:
		return brokerapi.Envelope{Kind: kind}, nil
	}
}

func newTestAccount(t *testing.T, broker Broker) *Account {
	t.Helper()
	cat := catalog.New("", "", nil, false)
	cat.Load([]brokerapi.Instrument{{
		Name: "EURUSD", BrokerID: 1, LotSize: 100000,
		MinVolume: 1000, StepVolume: 1000, MaxVolume: 5000000,
		Digits: 5,
	}})
	cfg := config.AccountConfig{
		Name:          "acct1",
		AccountID:     42,
		RiskMode:      config.RiskModeSourceVolume,
		LotMultiplier: 1,
		CopySL:        true,
		CopyTP:        true,
	}
	return &Account{
		Config:      cfg,
		Catalog:     cat,
		Correlation: correlation.New(),
		Session:     broker,
		Policy:      NewPolicy(cfg),
	}
}

func TestReplicator_HandleOpen_SendsNewOrder(t *testing.T) {
	broker := &fakeBroker{orderResp: brokerapi.OrderResponse{Accepted: true, BrokerOrderID: 1}}
	acc := newTestAccount(t, broker)
	r := New(deferred.New(), nil, zerolog.Nop())
	r.AddAccount(acc)

	sl := decimal.NewFromFloat(1.0900)
	r.Handle(context.Background(), Event{
		Kind: EventOpen, Ticket: 1001, Symbol: "EURUSD", Side: SideBuy,
		Volume: decimal.NewFromFloat(0.1), SL: &sl,
	})

	if len(broker.sent) != 1 || broker.sent[0] != brokerapi.KindNewOrder {
		t.Fatalf("expected exactly one NewOrder send, got %v", broker.sent)
	}
	if _, ok := r.deferred.PeekSLTP("acct1", 1001); !ok {
		t.Error("expected SL to be staged since position id isn't known until an execution event")
	}
	if lots, ok := r.deferred.MasterLots("acct1", 1001); !ok || !lots.Equal(decimal.NewFromFloat(0.1)) {
		t.Errorf("expected master lots 0.1 recorded, got %s ok=%v", lots, ok)
	}
}

func TestReplicator_HandleOpen_UnknownSymbolSkipped(t *testing.T) {
	broker := &fakeBroker{orderResp: brokerapi.OrderResponse{Accepted: true}}
	acc := newTestAccount(t, broker)
	r := New(deferred.New(), nil, zerolog.Nop())
	r.AddAccount(acc)

	r.Handle(context.Background(), Event{Kind: EventOpen, Ticket: 2, Symbol: "NOSUCHPAIR", Volume: decimal.NewFromFloat(0.1)})

	if len(broker.sent) != 0 {
		t.Fatalf("expected no broker send for an unresolvable symbol, got %v", broker.sent)
	}
}

func TestReplicator_ExecutionEventFlushesDeferredSLTP(t *testing.T) {
	broker := &fakeBroker{orderResp: brokerapi.OrderResponse{Accepted: true}}
	acc := newTestAccount(t, broker)
	r := New(deferred.New(), nil, zerolog.Nop())
	r.AddAccount(acc)

	sl := decimal.NewFromFloat(1.0900)
	r.Handle(context.Background(), Event{
		Kind: EventOpen, Ticket: 7, Symbol: "EURUSD", Side: SideBuy,
		Volume: decimal.NewFromFloat(0.1), SL: &sl,
	})
	broker.sent = nil // reset, we only care what happens after the execution event

	r.HandleExecutionEvent(context.Background(), "acct1", brokerapi.ExecutionEvent{
		Position: &brokerapi.PositionSnapshot{PositionID: 555, Label: correlation.MakeLabel(7), Volume: 10000},
	})

	if len(broker.sent) != 1 || broker.sent[0] != brokerapi.KindAmendPosition {
		t.Fatalf("expected exactly one AmendPosition send after execution event, got %v", broker.sent)
	}
	if _, ok := r.deferred.PeekSLTP("acct1", 7); ok {
		t.Error("expected deferred SL/TP to be consumed at-most-once after a successful flush")
	}
	if id, ok := acc.Correlation.PositionID(7); !ok || id != 555 {
		t.Errorf("expected ticket 7 correlated to position 555, got %d ok=%v", id, ok)
	}
}

func TestReplicator_HandleClose_ProportionalPartial(t *testing.T) {
	broker := &fakeBroker{}
	acc := newTestAccount(t, broker)
	// Proportional close only applies when the account isn't sizing by raw
	// source volume (see handleClose's path ordering); SOURCE_VOLUME accounts
	// fall through to the contract-size or full-close path instead.
	acc.Config.RiskMode = config.RiskModeFixedLot
	r := New(deferred.New(), nil, zerolog.Nop())
	r.AddAccount(acc)

	acc.Correlation.SetPosition(10, 900, 10000)
	r.deferred.SetMasterLots("acct1", 10, decimal.NewFromFloat(1.0))

	r.Handle(context.Background(), Event{Kind: EventClose, Ticket: 10, Symbol: "EURUSD", Volume: decimal.NewFromFloat(0.5)})

	if len(broker.sent) != 1 || broker.sent[0] != brokerapi.KindClosePosition {
		t.Fatalf("expected ClosePosition send, got %v", broker.sent)
	}
	if v, ok := acc.Correlation.Volume(900); !ok || v != 5000 {
		t.Errorf("expected remaining volume 5000 after half close, got %d ok=%v", v, ok)
	}
	if _, ok := acc.Correlation.PositionID(10); !ok {
		t.Error("position should still be correlated after a partial close")
	}
}

func TestReplicator_HandleClose_ContractSizeFallback(t *testing.T) {
	broker := &fakeBroker{}
	acc := newTestAccount(t, broker)
	r := New(deferred.New(), nil, zerolog.Nop())
	r.AddAccount(acc)

	acc.Correlation.SetPosition(12, 902, 10000)
	// No master lots recorded, so the proportional path is unavailable; a
	// native contract size lets the contract-size fallback path compute units
	// directly: 0.3 lots * 100000 units/lot * 100 (broker scale) -- clamped
	// to the follower's current volume of 10000.
	contractSize := decimal.NewFromInt(100000)
	r.Handle(context.Background(), Event{
		Kind: EventClose, Ticket: 12, Symbol: "EURUSD",
		Volume: decimal.NewFromFloat(0.3), ContractSize: &contractSize,
	})

	if len(broker.sent) != 1 || broker.sent[0] != brokerapi.KindClosePosition {
		t.Fatalf("expected ClosePosition send, got %v", broker.sent)
	}
	req, ok := broker.payloads[0].(brokerapi.ClosePositionRequest)
	if !ok {
		t.Fatalf("expected ClosePositionRequest payload, got %T", broker.payloads[0])
	}
	if req.Volume != 10000 {
		t.Errorf("expected contract-size close to clamp to follower volume 10000, got %d", req.Volume)
	}
	if _, ok := acc.Correlation.PositionID(12); ok {
		t.Error("expected the clamped close to consume the whole position and forget the ticket")
	}
}

func TestReplicator_HandlePendingOpen_Limit(t *testing.T) {
	broker := &fakeBroker{orderResp: brokerapi.OrderResponse{Accepted: true, BrokerOrderID: 77}}
	acc := newTestAccount(t, broker)
	r := New(deferred.New(), nil, zerolog.Nop())
	r.AddAccount(acc)

	limitPrice := decimal.NewFromFloat(1.0800)
	r.Handle(context.Background(), Event{
		Kind: EventPendingOpen, Ticket: 20, Symbol: "EURUSD", Side: SideBuy,
		Volume: decimal.NewFromFloat(0.1), PendingType: PendingLimit, LimitPrice: &limitPrice,
	})

	if len(broker.sent) != 1 || broker.sent[0] != brokerapi.KindNewOrder {
		t.Fatalf("expected exactly one NewOrder send, got %v", broker.sent)
	}
	req, ok := broker.payloads[0].(brokerapi.NewOrderRequest)
	if !ok {
		t.Fatalf("expected NewOrderRequest payload, got %T", broker.payloads[0])
	}
	if req.OrderType != brokerapi.OrderTypeLimit {
		t.Errorf("expected OrderType LIMIT, got %s", req.OrderType)
	}
	if req.LimitPrice == nil || !req.LimitPrice.Equal(limitPrice) {
		t.Errorf("expected limit price %s, got %v", limitPrice, req.LimitPrice)
	}
	if req.StopPrice != nil {
		t.Errorf("expected no stop price on a LIMIT order, got %v", req.StopPrice)
	}
	if orderID, ok := acc.Correlation.PendingOrderID(20); !ok || orderID != 77 {
		t.Errorf("expected pending order 77 correlated to ticket 20, got %d ok=%v", orderID, ok)
	}
}

func TestReplicator_HandlePendingOpen_Stop(t *testing.T) {
	broker := &fakeBroker{orderResp: brokerapi.OrderResponse{Accepted: true, BrokerOrderID: 78}}
	acc := newTestAccount(t, broker)
	r := New(deferred.New(), nil, zerolog.Nop())
	r.AddAccount(acc)

	stopPrice := decimal.NewFromFloat(1.1200)
	r.Handle(context.Background(), Event{
		Kind: EventPendingOpen, Ticket: 21, Symbol: "EURUSD", Side: SideBuy,
		Volume: decimal.NewFromFloat(0.1), PendingType: PendingStop, StopPrice: &stopPrice,
	})

	req, ok := broker.payloads[0].(brokerapi.NewOrderRequest)
	if !ok {
		t.Fatalf("expected NewOrderRequest payload, got %T", broker.payloads[0])
	}
	if req.OrderType != brokerapi.OrderTypeStop {
		t.Errorf("expected OrderType STOP, got %s", req.OrderType)
	}
	if req.StopPrice == nil || !req.StopPrice.Equal(stopPrice) {
		t.Errorf("expected stop price %s, got %v", stopPrice, req.StopPrice)
	}
	if req.LimitPrice != nil {
		t.Errorf("expected no limit price on a STOP order, got %v", req.LimitPrice)
	}
}

func TestReplicator_HandlePendingOpen_StopLimitRequiresBoth(t *testing.T) {
	broker := &fakeBroker{orderResp: brokerapi.OrderResponse{Accepted: true, BrokerOrderID: 79}}
	acc := newTestAccount(t, broker)
	r := New(deferred.New(), nil, zerolog.Nop())
	r.AddAccount(acc)

	limitPrice := decimal.NewFromFloat(1.0800)
	r.Handle(context.Background(), Event{
		Kind: EventPendingOpen, Ticket: 22, Symbol: "EURUSD", Side: SideBuy,
		Volume: decimal.NewFromFloat(0.1), PendingType: PendingStopLimit, LimitPrice: &limitPrice,
		// StopPrice intentionally omitted.
	})

	if len(broker.sent) != 0 {
		t.Fatalf("expected a STOP_LIMIT missing stop_price to be rejected before any send, got %v", broker.sent)
	}

	stopPrice := decimal.NewFromFloat(1.1200)
	r.Handle(context.Background(), Event{
		Kind: EventPendingOpen, Ticket: 23, Symbol: "EURUSD", Side: SideBuy,
		Volume: decimal.NewFromFloat(0.1), PendingType: PendingStopLimit,
		LimitPrice: &limitPrice, StopPrice: &stopPrice,
	})

	req, ok := broker.payloads[0].(brokerapi.NewOrderRequest)
	if !ok {
		t.Fatalf("expected NewOrderRequest payload, got %T", broker.payloads[0])
	}
	if req.OrderType != brokerapi.OrderTypeStopLimit {
		t.Errorf("expected OrderType STOP_LIMIT, got %s", req.OrderType)
	}
	if req.LimitPrice == nil || !req.LimitPrice.Equal(limitPrice) || req.StopPrice == nil || !req.StopPrice.Equal(stopPrice) {
		t.Errorf("expected both limit and stop price set, got limit=%v stop=%v", req.LimitPrice, req.StopPrice)
	}
}

func TestReplicator_HandlePendingOpen_ExpirationSetsGoodTillDate(t *testing.T) {
	broker := &fakeBroker{orderResp: brokerapi.OrderResponse{Accepted: true, BrokerOrderID: 80}}
	acc := newTestAccount(t, broker)
	r := New(deferred.New(), nil, zerolog.Nop())
	r.AddAccount(acc)

	limitPrice := decimal.NewFromFloat(1.0800)
	expiration := int64(1234567890000)
	r.Handle(context.Background(), Event{
		Kind: EventPendingOpen, Ticket: 24, Symbol: "EURUSD", Side: SideBuy,
		Volume: decimal.NewFromFloat(0.1), PendingType: PendingLimit, LimitPrice: &limitPrice,
		ExpirationMS: &expiration,
	})

	req, ok := broker.payloads[0].(brokerapi.NewOrderRequest)
	if !ok {
		t.Fatalf("expected NewOrderRequest payload, got %T", broker.payloads[0])
	}
	if req.TimeInForce != brokerapi.TimeInForceGoodTillDate {
		t.Errorf("expected TimeInForce GOOD_TILL_DATE when expiration_ms is present, got %s", req.TimeInForce)
	}
	if req.ExpirationMS != expiration {
		t.Errorf("expected ExpirationMS %d, got %d", expiration, req.ExpirationMS)
	}
}

func TestReplicator_HandleClose_MissingVolumeIsFullClose(t *testing.T) {
	broker := &fakeBroker{}
	acc := newTestAccount(t, broker)
	r := New(deferred.New(), nil, zerolog.Nop())
	r.AddAccount(acc)

	acc.Correlation.SetPosition(11, 901, 10000)
	r.deferred.SetMasterLots("acct1", 11, decimal.NewFromFloat(1.0))

	r.Handle(context.Background(), Event{Kind: EventClose, Ticket: 11, Symbol: "EURUSD", Volume: decimal.Zero})

	if _, ok := acc.Correlation.PositionID(11); ok {
		t.Error("expected a missing close volume to fully close and forget the ticket")
	}
}
