// Package session owns the per-account broker RPC session lifecycle: application
// auth, account auth, symbol catalog load, reconcile, heartbeat, idle detection,
// and reconnect with backoff.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/lv-trading/mt5-ctrader-bridge/internal/brokerapi"
	"github.com/lv-trading/mt5-ctrader-bridge/internal/config"
)

// Sentinel errors returned by Send, distinguishing why a request was never
// issued from a broker-side rejection.
var (
	// ErrNotReady means the session hasn't completed application auth yet.
	ErrNotReady = errors.New("session: not ready")
	// ErrAccountNotReady means application auth succeeded but the session hasn't
	// finished account-auth/symbol-load/reconcile yet.
	ErrAccountNotReady = errors.New("session: account not ready")
	// ErrDisconnected means the transport died while the request was in flight.
	ErrDisconnected = errors.New("session: disconnected")
	// ErrCancelled means Close was called while the request was in flight.
	ErrCancelled = errors.New("session: closed")
)

// Phase is the session's connection state, monotonic within one connection
// attempt and reset to Disconnected on any failure.
type Phase int32

const (
	Disconnected Phase = iota
	Connecting
	AppAuthed
	AccountAuthed
	Ready
)

func (p Phase) String() string {
	switch p {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case AppAuthed:
		return "app-authed"
	case AccountAuthed:
		return "account-authed"
	case Ready:
		return "ready"
	default:
		return "unknown"
	}
}

const (
	minBackoff = 1 * time.Second
	maxBackoff = 30 * time.Second
)

// Dialer opens a fresh transport for a reconnect attempt.
type Dialer func(ctx context.Context) (brokerapi.Transport, error)

// sendResult is what a pending request's channel eventually receives: either a
// correlated response envelope, or an error (transport death, cancellation).
type sendResult struct {
	env brokerapi.Envelope
	err error
}

// Manager drives one account's broker session.
type Manager struct {
	Account config.AccountConfig

	dial     Dialer
	log      zerolog.Logger
	heartbt  time.Duration
	idleTime time.Duration

	onExecution func(brokerapi.ExecutionEvent)
	onReady     func(catalog []brokerapi.Instrument, reconcile brokerapi.ReconcileResponse)

	phase atomic.Int32

	mu        sync.Mutex
	transport brokerapi.Transport
	nextID    atomic.Int64
	pending   map[int64]chan sendResult

	lastMsg atomic.Int64 // unix millis

	closed atomic.Bool
}

// New constructs a Manager. onExecution is invoked for every push execution
// event; onReady is invoked once per successful (re)connect, after reconcile,
// with the freshly loaded instrument catalog and position snapshot.
func New(acc config.AccountConfig, dial Dialer, log zerolog.Logger, heartbeat, idle time.Duration,
	onExecution func(brokerapi.ExecutionEvent),
	onReady func([]brokerapi.Instrument, brokerapi.ReconcileResponse),
) *Manager {
	return &Manager{
		Account:     acc,
		dial:        dial,
		log:         log.With().Str("account", acc.Name).Logger(),
		heartbt:     heartbeat,
		idleTime:    idle,
		onExecution: onExecution,
		onReady:     onReady,
		pending:     make(map[int64]chan sendResult),
	}
}

// Phase returns the current connection phase.
func (m *Manager) Phase() Phase { return Phase(m.phase.Load()) }

func (m *Manager) setPhase(p Phase) {
	m.phase.Store(int32(p))
	m.log.Info().Str("phase", p.String()).Msg("session phase changed")
}

// Run drives the reconnect loop until ctx is cancelled or Close is called.
func (m *Manager) Run(ctx context.Context) {
	backoff := minBackoff
	for {
		if ctx.Err() != nil || m.closed.Load() {
			return
		}
		if err := m.connectOnce(ctx); err != nil {
			m.log.Warn().Err(err).Dur("retry_in", backoff).Msg("session connect failed")
			m.setPhase(Disconnected)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = minBackoff
		// connectOnce blocks for the life of the connection and returns nil
		// only once ctx is cancelled (the check at the top then exits the
		// loop); a dead transport or idle timeout comes back as an error and
		// takes the backoff path above.
		m.setPhase(Disconnected)
	}
}

// Close tears down the active transport, fails every in-flight request with
// ErrCancelled, and stops the reconnect loop.
func (m *Manager) Close() error {
	m.closed.Store(true)
	m.failPending(ErrCancelled)
	m.mu.Lock()
	transport := m.transport
	m.mu.Unlock()
	if transport != nil {
		return transport.Close()
	}
	return nil
}

// failPending atomically swaps out the pending-request table and delivers err
// to every request that was waiting on a response, so no caller blocked in
// send's select ever hangs past the connection that owned its request.
func (m *Manager) failPending(err error) {
	m.mu.Lock()
	old := m.pending
	m.pending = make(map[int64]chan sendResult)
	m.mu.Unlock()
	for _, ch := range old {
		ch <- sendResult{err: err}
	}
}

func (m *Manager) connectOnce(ctx context.Context) error {
	m.setPhase(Connecting)
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Clear anything left pending from a previous, now-dead connection attempt.
	m.failPending(ErrDisconnected)

	if tokenExpiringSoon(m.Account.AccessToken, 2*time.Minute) {
		m.log.Warn().Msg("access token expires soon; account-auth may be rejected, refresh credentials")
	}

	transport, err := m.dial(connCtx)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	m.mu.Lock()
	m.transport = transport
	m.mu.Unlock()
	m.lastMsg.Store(time.Now().UnixMilli())

	defer transport.Close()
	// Whatever is still in flight when this connection ends (read failure,
	// idle timeout, or outer context cancellation) fails with ErrDisconnected;
	// if Close() already drained the table with ErrCancelled, this is a no-op.
	defer m.failPending(ErrDisconnected)

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		m.readLoop(connCtx, transport)
	}()

	if _, err := m.authenticate(connCtx); err != nil {
		return fmt.Errorf("authenticate: %w", err)
	}

	catalog, err := m.loadSymbols(connCtx)
	if err != nil {
		return fmt.Errorf("load symbols: %w", err)
	}

	reconcile, err := m.reconcile(connCtx)
	if err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}

	m.setPhase(Ready)
	if m.onReady != nil {
		m.onReady(catalog, reconcile)
	}

	heartbeatStop := make(chan struct{})
	go m.heartbeatLoop(connCtx, heartbeatStop)
	defer close(heartbeatStop)

	select {
	case <-readDone:
		return fmt.Errorf("transport closed")
	case <-connCtx.Done():
		return nil
	case <-m.idleWatchdog(connCtx):
		return fmt.Errorf("idle timeout exceeded")
	}
}

func (m *Manager) idleWatchdog(ctx context.Context) <-chan struct{} {
	fired := make(chan struct{})
	go func() {
		ticker := time.NewTicker(m.idleTime / 4)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				last := time.UnixMilli(m.lastMsg.Load())
				if time.Since(last) > m.idleTime {
					close(fired)
					return
				}
			}
		}
	}()
	return fired
}

func (m *Manager) heartbeatLoop(ctx context.Context, stop <-chan struct{}) {
	ticker := time.NewTicker(m.heartbt)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			_, _ = m.send(ctx, brokerapi.KindHeartbeat, nil)
		}
	}
}

func (m *Manager) readLoop(ctx context.Context, t brokerapi.Transport) {
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-t.Messages():
			if !ok {
				return
			}
			m.lastMsg.Store(time.Now().UnixMilli())
			m.dispatch(raw)
		case err, ok := <-t.Errors():
			if ok && err != nil {
				m.log.Warn().Err(err).Msg("transport read error")
			}
			return
		}
	}
}

func (m *Manager) dispatch(raw []byte) {
	var env brokerapi.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		m.log.Warn().Err(err).Msg("malformed envelope")
		return
	}

	if env.ID != 0 {
		m.mu.Lock()
		ch, ok := m.pending[env.ID]
		if ok {
			delete(m.pending, env.ID)
		}
		m.mu.Unlock()
		if ok {
			ch <- sendResult{env: env}
			return
		}
	}

	switch env.Kind {
	case brokerapi.KindExecutionEvent:
		var ev brokerapi.ExecutionEvent
		if err := json.Unmarshal(env.Payload, &ev); err != nil {
			m.log.Warn().Err(err).Msg("malformed execution event")
			return
		}
		if m.onExecution != nil {
			m.onExecution(ev)
		}
	case brokerapi.KindHeartbeat:
		// idle watchdog already reset via lastMsg; nothing else to do.
	default:
		m.log.Debug().Str("kind", string(env.Kind)).Msg("unsolicited envelope ignored")
	}
}

// send writes a request envelope and waits for its correlated response.
func (m *Manager) send(ctx context.Context, kind brokerapi.Kind, payload interface{}) (brokerapi.Envelope, error) {
	m.mu.Lock()
	transport := m.transport
	if transport == nil {
		m.mu.Unlock()
		return brokerapi.Envelope{}, fmt.Errorf("no active transport")
	}
	id := m.nextID.Add(1)
	ch := make(chan sendResult, 1)
	m.pending[id] = ch
	m.mu.Unlock()

	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return brokerapi.Envelope{}, err
		}
		raw = b
	}
	frame, err := json.Marshal(brokerapi.Envelope{ID: id, Kind: kind, Payload: raw})
	if err != nil {
		return brokerapi.Envelope{}, err
	}

	if err := transport.Send(ctx, frame); err != nil {
		m.mu.Lock()
		delete(m.pending, id)
		m.mu.Unlock()
		return brokerapi.Envelope{}, err
	}

	select {
	case res := <-ch:
		if res.err != nil {
			return res.env, res.err
		}
		if res.env.Kind == brokerapi.KindError {
			return res.env, fmt.Errorf("broker returned error response")
		}
		return res.env, nil
	case <-ctx.Done():
		m.mu.Lock()
		delete(m.pending, id)
		m.mu.Unlock()
		return brokerapi.Envelope{}, ctx.Err()
	}
}

// Send is the public request/response entry point used by the replicator. It
// fails fast with ErrNotReady/ErrAccountNotReady rather than ever queuing a
// request against a session that can't yet carry it.
func (m *Manager) Send(ctx context.Context, kind brokerapi.Kind, payload interface{}) (brokerapi.Envelope, error) {
	switch m.Phase() {
	case Ready:
		return m.send(ctx, kind, payload)
	case AppAuthed, AccountAuthed:
		return brokerapi.Envelope{}, ErrAccountNotReady
	default:
		return brokerapi.Envelope{}, ErrNotReady
	}
}

func (m *Manager) authenticate(ctx context.Context) (brokerapi.Envelope, error) {
	if _, err := m.send(ctx, brokerapi.KindAppAuth, brokerapi.AppAuthRequest{
		ClientID:     m.Account.ClientID,
		ClientSecret: m.Account.ClientSecret,
	}); err != nil {
		return brokerapi.Envelope{}, err
	}
	m.setPhase(AppAuthed)

	env, err := m.send(ctx, brokerapi.KindAccountAuth, brokerapi.AccountAuthRequest{
		AccountID:   m.Account.AccountID,
		AccessToken: m.Account.AccessToken,
	})
	if err != nil {
		return brokerapi.Envelope{}, err
	}
	m.setPhase(AccountAuthed)
	return env, nil
}

func (m *Manager) loadSymbols(ctx context.Context) ([]brokerapi.Instrument, error) {
	env, err := m.send(ctx, brokerapi.KindSymbolList, brokerapi.SymbolListRequest{AccountID: m.Account.AccountID})
	if err != nil {
		return nil, err
	}
	var resp brokerapi.SymbolListResponse
	if err := json.Unmarshal(env.Payload, &resp); err != nil {
		return nil, fmt.Errorf("decode symbol list: %w", err)
	}
	return resp.Instruments, nil
}

func (m *Manager) reconcile(ctx context.Context) (brokerapi.ReconcileResponse, error) {
	env, err := m.send(ctx, brokerapi.KindReconcile, brokerapi.ReconcileRequest{AccountID: m.Account.AccountID})
	if err != nil {
		return brokerapi.ReconcileResponse{}, err
	}
	var resp brokerapi.ReconcileResponse
	if err := json.Unmarshal(env.Payload, &resp); err != nil {
		return brokerapi.ReconcileResponse{}, fmt.Errorf("decode reconcile: %w", err)
	}
	return resp, nil
}
