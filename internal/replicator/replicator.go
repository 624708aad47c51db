package replicator

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/lv-trading/mt5-ctrader-bridge/internal/brokerapi"
	"github.com/lv-trading/mt5-ctrader-bridge/internal/catalog"
	"github.com/lv-trading/mt5-ctrader-bridge/internal/config"
	"github.com/lv-trading/mt5-ctrader-bridge/internal/correlation"
	"github.com/lv-trading/mt5-ctrader-bridge/internal/deferred"
)

// Broker is the subset of session.Manager the replicator needs: a correlated
// request/response send. Accepting the interface (not the concrete type) keeps
// this package testable without a real transport.
type Broker interface {
	Send(ctx context.Context, kind brokerapi.Kind, payload interface{}) (brokerapi.Envelope, error)
}

// EquityProvider supplies the account figures PERCENT_EQUITY sizing needs.
// Optional: only called when an account's risk mode requires it.
type EquityProvider func(ctx context.Context) (equity, balance decimal.Decimal, err error)

// AuditSink records what the replicator did, for operator observability only.
// Never consulted by the replicator itself; see internal/audit.Sink.
type AuditSink interface {
	Record(account string, ticket int64, eventKind, action, detail string)
}

type noopAudit struct{}

func (noopAudit) Record(string, int64, string, string, string) {}

// Account bundles one follower account's live dependencies.
type Account struct {
	Config      config.AccountConfig
	Catalog     *catalog.Catalog
	Correlation *correlation.Store
	Session     Broker
	Equity      EquityProvider
	Policy      *Policy
}

// Replicator fans an Event out to every enabled account.
type Replicator struct {
	accounts map[string]*Account
	deferred *deferred.Store
	audit    AuditSink
	log      zerolog.Logger
}

// New builds a Replicator. audit may be nil, in which case a no-op sink is used.
func New(deferredStore *deferred.Store, audit AuditSink, log zerolog.Logger) *Replicator {
	if audit == nil {
		audit = noopAudit{}
	}
	return &Replicator{
		accounts: make(map[string]*Account),
		deferred: deferredStore,
		audit:    audit,
		log:      log,
	}
}

// AddAccount registers a follower account. Safe to call only before Handle or
// HandleExecutionEvent is first called (not safe for concurrent use with them).
func (r *Replicator) AddAccount(a *Account) {
	r.accounts[a.Config.Name] = a
}

// Handle fans event out to every registered account, continuing past a
// per-account failure so one broken account never blocks the others.
func (r *Replicator) Handle(ctx context.Context, event Event) {
	for name, acc := range r.accounts {
		if err := r.handleForAccount(ctx, acc, event); err != nil {
			r.log.Warn().Str("account", name).Int64("ticket", event.Ticket).Err(err).Msg("replication failed")
			r.audit.Record(name, event.Ticket, string(event.Kind), "rejected", err.Error())
		}
	}
}

func (r *Replicator) handleForAccount(ctx context.Context, acc *Account, event Event) error {
	switch event.Kind {
	case EventOpen:
		return r.handleOpen(ctx, acc, event)
	case EventPendingOpen:
		return r.handlePendingOpen(ctx, acc, event)
	case EventModify:
		return r.handleModify(ctx, acc, event)
	case EventClose:
		return r.handleClose(ctx, acc, event)
	case EventPendingCancel:
		return r.handlePendingCancel(ctx, acc, event)
	default:
		return fmt.Errorf("unknown event kind %q", event.Kind)
	}
}

func (r *Replicator) handleOpen(ctx context.Context, acc *Account, event Event) error {
	if ok, reason := acc.Policy.AllowOpen(event.Symbol, event.Magic); !ok {
		r.audit.Record(acc.Config.Name, event.Ticket, string(event.Kind), "filtered", reason)
		return nil
	}

	inst, ok := acc.Catalog.Resolve(event.Symbol)
	if !ok {
		return fmt.Errorf("symbol %s resolves to %s, skipping", event.Symbol, catalog.UnknownSymbol)
	}

	lots, err := r.sizeOrder(ctx, acc, event, inst)
	if err != nil {
		return fmt.Errorf("sizing: %w", err)
	}

	units, ok := acc.Catalog.LotsToUnits(lots, inst)
	if !ok {
		return fmt.Errorf("cannot convert lots to units: unknown instrument lot size and forex fallback not enabled")
	}
	minUnits, stepUnits := r.volumeBounds(acc, inst, event)
	nativeUnits := catalog.QuantizeVolume(units, minUnits, stepUnits, inst.MaxVolume)
	if nativeUnits <= 0 {
		return fmt.Errorf("quantized volume is zero, skipping")
	}

	req := brokerapi.NewOrderRequest{
		AccountID: acc.Config.AccountID,
		SymbolID:  inst.BrokerID,
		Side:      toBrokerSide(event.Side),
		Volume:    nativeUnits,
		Label:     correlation.MakeLabel(event.Ticket),
		OrderType: brokerapi.OrderTypeMarket,
	}

	env, err := acc.Session.Send(ctx, brokerapi.KindNewOrder, req)
	if err != nil {
		return fmt.Errorf("send new order: %w", err)
	}
	var resp brokerapi.OrderResponse
	if err := json.Unmarshal(env.Payload, &resp); err != nil {
		return fmt.Errorf("decode order response: %w", err)
	}
	if !resp.Accepted {
		return fmt.Errorf("broker rejected order: %s", resp.Reason)
	}

	r.deferred.SetMasterLots(acc.Config.Name, event.Ticket, event.Volume)
	if sltp, ok := buildSLTP(acc, event); ok {
		r.deferred.StageSLTP(acc.Config.Name, event.Ticket, sltp)
	}
	acc.Policy.RecordOpen()
	r.audit.Record(acc.Config.Name, event.Ticket, string(event.Kind), "order_placed", req.Label)
	return nil
}

func (r *Replicator) handlePendingOpen(ctx context.Context, acc *Account, event Event) error {
	if ok, reason := acc.Policy.AllowOpen(event.Symbol, event.Magic); !ok {
		r.audit.Record(acc.Config.Name, event.Ticket, string(event.Kind), "filtered", reason)
		return nil
	}
	inst, ok := acc.Catalog.Resolve(event.Symbol)
	if !ok {
		return fmt.Errorf("symbol %s resolves to %s, skipping", event.Symbol, catalog.UnknownSymbol)
	}
	lots, err := r.sizeOrder(ctx, acc, event, inst)
	if err != nil {
		return fmt.Errorf("sizing: %w", err)
	}
	units, ok := acc.Catalog.LotsToUnits(lots, inst)
	if !ok {
		return fmt.Errorf("cannot convert lots to units")
	}
	minUnits, stepUnits := r.volumeBounds(acc, inst, event)
	nativeUnits := catalog.QuantizeVolume(units, minUnits, stepUnits, inst.MaxVolume)
	if nativeUnits <= 0 {
		return fmt.Errorf("quantized volume is zero, skipping")
	}

	orderType, limitPrice, stopPrice, err := pendingOrderPrices(event, inst)
	if err != nil {
		return err
	}

	req := brokerapi.NewOrderRequest{
		AccountID:  acc.Config.AccountID,
		SymbolID:   inst.BrokerID,
		Side:       toBrokerSide(event.Side),
		Volume:     nativeUnits,
		Label:      correlation.MakeLabel(event.Ticket),
		OrderType:  orderType,
		LimitPrice: limitPrice,
		StopPrice:  stopPrice,
	}
	if event.ExpirationMS != nil {
		req.TimeInForce = brokerapi.TimeInForceGoodTillDate
		req.ExpirationMS = *event.ExpirationMS
	}
	env, err := acc.Session.Send(ctx, brokerapi.KindNewOrder, req)
	if err != nil {
		return fmt.Errorf("send pending order: %w", err)
	}
	var resp brokerapi.OrderResponse
	if err := json.Unmarshal(env.Payload, &resp); err != nil {
		return fmt.Errorf("decode order response: %w", err)
	}
	if !resp.Accepted {
		return fmt.Errorf("broker rejected pending order: %s", resp.Reason)
	}

	acc.Correlation.SetPendingOrder(event.Ticket, resp.BrokerOrderID)
	r.deferred.SetMasterLots(acc.Config.Name, event.Ticket, event.Volume)
	if sltp, ok := buildSLTP(acc, event); ok {
		r.deferred.StageSLTP(acc.Config.Name, event.Ticket, sltp)
	}
	r.audit.Record(acc.Config.Name, event.Ticket, string(event.Kind), "pending_order_placed", req.Label)
	return nil
}

func (r *Replicator) handleModify(ctx context.Context, acc *Account, event Event) error {
	sltp, staged := buildSLTP(acc, event)
	if !staged {
		return nil // nothing to copy (copy_sl/copy_tp both disabled, or no SL/TP present)
	}

	positionID, known := acc.Correlation.PositionID(event.Ticket)
	if !known {
		// position id not learned yet: stage and let the deferred flush apply
		// it once an execution event arrives.
		r.deferred.StageSLTP(acc.Config.Name, event.Ticket, sltp)
		return nil
	}

	req := brokerapi.AmendPositionRequest{
		AccountID:  acc.Config.AccountID,
		PositionID: positionID,
		SL:         sltp.SL,
		TP:         sltp.TP,
	}
	if _, err := acc.Session.Send(ctx, brokerapi.KindAmendPosition, req); err != nil {
		return fmt.Errorf("amend position: %w", err)
	}
	r.audit.Record(acc.Config.Name, event.Ticket, string(event.Kind), "amend_sent", "")
	return nil
}

func (r *Replicator) handleClose(ctx context.Context, acc *Account, event Event) error {
	// Any CLOSE drops a still-staged SL/TP for the ticket.
	r.deferred.TakeSLTP(acc.Config.Name, event.Ticket)

	positionID, known := acc.Correlation.PositionID(event.Ticket)
	if !known {
		// The source ticket never became a position here (still pending, or
		// never copied); treat as a pending cancel instead.
		return r.handlePendingCancel(ctx, acc, event)
	}

	followerVolume, _ := acc.Correlation.Volume(positionID)
	masterLots, haveMaster := r.deferred.MasterLots(acc.Config.Name, event.Ticket)
	closeLots := event.Volume
	haveCloseLots := !closeLots.IsZero() // Open Question #1: missing close volume means full close

	var units int64
	switch {
	case haveCloseLots && haveMaster && acc.Config.RiskMode != config.RiskModeSourceVolume:
		// Path 1: proportional close against the recorded master open lots.
		units = ProportionalCloseUnits(closeLots, masterLots, followerVolume)
	case haveCloseLots && event.ContractSize != nil:
		// Path 2: no master-lots basis for a ratio, but the source told us its
		// native contract size directly — convert lots to the broker's unit.
		raw := closeLots.Mul(*event.ContractSize).Mul(decimal.NewFromInt(contractCloseScaleFactor))
		units = raw.Round(0).IntPart()
		if units > followerVolume {
			units = followerVolume
		}
		if units < 0 {
			units = 0
		}
	default:
		// Path 3: no usable close-lots basis, close the whole follower position.
		units = followerVolume
	}
	if units <= 0 {
		return nil
	}

	req := brokerapi.ClosePositionRequest{
		AccountID:  acc.Config.AccountID,
		PositionID: positionID,
		Volume:     units,
	}
	if _, err := acc.Session.Send(ctx, brokerapi.KindClosePosition, req); err != nil {
		return fmt.Errorf("close position: %w", err)
	}

	remaining := followerVolume - units
	if remaining <= 0 {
		acc.Correlation.Forget(event.Ticket)
		r.deferred.Forget(acc.Config.Name, event.Ticket)
		acc.Policy.RecordClose()
	} else {
		acc.Correlation.SetVolume(positionID, remaining)
	}
	r.audit.Record(acc.Config.Name, event.Ticket, string(event.Kind), "close_sent", fmt.Sprintf("units=%d", units))
	return nil
}

func (r *Replicator) handlePendingCancel(ctx context.Context, acc *Account, event Event) error {
	orderID, known := acc.Correlation.PendingOrderID(event.Ticket)
	if !known {
		return nil // nothing pending on this account for this ticket
	}
	req := brokerapi.CancelOrderRequest{
		AccountID:     acc.Config.AccountID,
		BrokerOrderID: orderID,
	}
	if _, err := acc.Session.Send(ctx, brokerapi.KindCancelOrder, req); err != nil {
		return fmt.Errorf("cancel order: %w", err)
	}
	acc.Correlation.Forget(event.Ticket)
	r.deferred.Forget(acc.Config.Name, event.Ticket)
	r.audit.Record(acc.Config.Name, event.Ticket, string(event.Kind), "cancel_sent", "")
	return nil
}

// HandleExecutionEvent updates the correlation store from a broker push and
// attempts the at-most-once deferred SL/TP flush for the ticket it resolves
// to, if any.
func (r *Replicator) HandleExecutionEvent(ctx context.Context, accountName string, ev brokerapi.ExecutionEvent) {
	acc, ok := r.accounts[accountName]
	if !ok || ev.Position == nil {
		return
	}
	ticket, ok := correlation.ParseLabel(ev.Position.Label)
	if !ok {
		return // not a label we originated
	}
	acc.Correlation.SetPosition(ticket, ev.Position.PositionID, ev.Position.Volume)
	r.tryFlushSLTP(ctx, acc, ticket, ev.Position.PositionID)
}

// tryFlushSLTP applies a staged SL/TP exactly once, removing it from the
// deferred store only after the broker confirms the amend.
func (r *Replicator) tryFlushSLTP(ctx context.Context, acc *Account, ticket, positionID int64) {
	sltp, ok := r.deferred.PeekSLTP(acc.Config.Name, ticket)
	if !ok {
		return
	}
	req := brokerapi.AmendPositionRequest{
		AccountID:  acc.Config.AccountID,
		PositionID: positionID,
		SL:         sltp.SL,
		TP:         sltp.TP,
	}
	if _, err := acc.Session.Send(ctx, brokerapi.KindAmendPosition, req); err != nil {
		r.log.Warn().Str("account", acc.Config.Name).Int64("ticket", ticket).Err(err).Msg("deferred SL/TP amend failed, will retry on next execution event")
		return
	}
	r.deferred.TakeSLTP(acc.Config.Name, ticket)
	r.audit.Record(acc.Config.Name, ticket, "DEFERRED_FLUSH", "amend_sent", "")
}

// contractCloseScaleFactor converts MT5-style lot-based close volume to the
// broker's native unit when no ratio against master open lots is available:
// units = lots * contract_size * contractCloseScaleFactor.
const contractCloseScaleFactor = 100

// volumeBounds resolves the native-unit min/step to quantize against, falling
// back to the source's own reported lot size/step (converted through the
// catalog) when the broker catalog doesn't already know them for inst.
func (r *Replicator) volumeBounds(acc *Account, inst brokerapi.Instrument, event Event) (min, step int64) {
	min, step = inst.MinVolume, inst.StepVolume
	if min == 0 && event.VolumeMin != nil {
		if u, ok := acc.Catalog.LotsToUnits(*event.VolumeMin, inst); ok {
			min = u
		}
	}
	if step == 0 && event.VolumeStep != nil {
		if u, ok := acc.Catalog.LotsToUnits(*event.VolumeStep, inst); ok {
			step = u
		}
	}
	return min, step
}

// pendingOrderPrices selects the broker order type and entry price(s) for a
// PENDING_OPEN from its pending_type, rounding every price to instrument digits.
func pendingOrderPrices(event Event, inst brokerapi.Instrument) (brokerapi.OrderType, *decimal.Decimal, *decimal.Decimal, error) {
	switch event.PendingType {
	case PendingLimit:
		if event.LimitPrice == nil {
			return "", nil, nil, fmt.Errorf("pending limit order requires limit_price")
		}
		p := catalog.QuantizePrice(*event.LimitPrice, inst.Digits)
		return brokerapi.OrderTypeLimit, &p, nil, nil
	case PendingStop:
		if event.StopPrice == nil {
			return "", nil, nil, fmt.Errorf("pending stop order requires stop_price")
		}
		p := catalog.QuantizePrice(*event.StopPrice, inst.Digits)
		return brokerapi.OrderTypeStop, nil, &p, nil
	case PendingStopLimit:
		if event.LimitPrice == nil || event.StopPrice == nil {
			return "", nil, nil, fmt.Errorf("pending stop_limit order requires both limit_price and stop_price")
		}
		lp := catalog.QuantizePrice(*event.LimitPrice, inst.Digits)
		sp := catalog.QuantizePrice(*event.StopPrice, inst.Digits)
		return brokerapi.OrderTypeStopLimit, &lp, &sp, nil
	default:
		return "", nil, nil, fmt.Errorf("unknown pending_type %q", event.PendingType)
	}
}

func (r *Replicator) sizeOrder(ctx context.Context, acc *Account, event Event, inst brokerapi.Instrument) (decimal.Decimal, error) {
	in := SizingInput{
		SourceLots: event.Volume,
		Entry:      event.Price,
		SL:         event.SL,
		TickValue:  inst.TickValue,
		Digits:     inst.Digits,
	}
	if acc.Config.RiskMode == config.RiskModePercentEquity && acc.Equity != nil {
		equity, balance, err := acc.Equity(ctx)
		if err != nil {
			return decimal.Zero, fmt.Errorf("fetch account equity: %w", err)
		}
		in.Equity = equity
		in.Balance = balance
	}
	return SizeLots(acc.Config, in)
}

func buildSLTP(acc *Account, event Event) (deferred.SLTP, bool) {
	var sl, tp *decimal.Decimal
	if event.SL != nil && !event.SL.IsZero() && acc.Config.CopySL {
		sl = event.SL
	}
	if event.TP != nil && !event.TP.IsZero() && acc.Config.CopyTP {
		tp = event.TP
	}
	if sl == nil && tp == nil {
		return deferred.SLTP{}, false
	}
	return deferred.SLTP{
		AccountName: acc.Config.Name,
		Instrument:  event.Symbol,
		SL:          sl,
		TP:          tp,
	}, true
}

func toBrokerSide(s Side) brokerapi.TradeSide {
	if s == SideSell {
		return brokerapi.SideSell
	}
	return brokerapi.SideBuy
}
