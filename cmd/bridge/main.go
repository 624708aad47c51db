// Command bridge runs the MT5-to-cTrader copy-trading bridge: it receives
// trade lifecycle events over HTTP and replicates them onto one or more
// cTrader accounts held open over a persistent authenticated RPC session.
package main

import (
	"context"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/lv-trading/mt5-ctrader-bridge/internal/audit"
	"github.com/lv-trading/mt5-ctrader-bridge/internal/brokerapi"
	"github.com/lv-trading/mt5-ctrader-bridge/internal/catalog"
	"github.com/lv-trading/mt5-ctrader-bridge/internal/config"
	"github.com/lv-trading/mt5-ctrader-bridge/internal/correlation"
	"github.com/lv-trading/mt5-ctrader-bridge/internal/dedup"
	"github.com/lv-trading/mt5-ctrader-bridge/internal/deferred"
	"github.com/lv-trading/mt5-ctrader-bridge/internal/ingress"
	"github.com/lv-trading/mt5-ctrader-bridge/internal/replicator"
	"github.com/lv-trading/mt5-ctrader-bridge/internal/session"
	"github.com/lv-trading/mt5-ctrader-bridge/internal/wsbroker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	accounts, err := config.LoadAccounts(cfg.AccountsFile)
	if err != nil {
		log.Fatalf("load accounts: %v", err)
	}
	enabled := config.Enabled(accounts)
	if len(enabled) == 0 {
		log.Fatalf("no enabled accounts found in %s", cfg.AccountsFile)
	}

	zl := zerolog.New(zerolog.NewConsoleWriter()).With().Timestamp().Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var auditSink *audit.Sink
	if cfg.AuditDSN != "" {
		pool, err := pgxpool.New(ctx, cfg.AuditDSN)
		if err != nil {
			log.Fatalf("audit db pool: %v", err)
		}
		defer pool.Close()
		auditSink = audit.New(pool, zl.With().Str("component", "audit").Logger())
		go auditSink.Run(ctx)
	} else {
		zl.Warn().Msg("AUDIT_DSN not set, audit log disabled")
	}

	deferredStore := deferred.New()
	dedupFilter := dedup.New(cfg.DedupWindow)

	var rep *replicator.Replicator
	if auditSink != nil {
		rep = replicator.New(deferredStore, auditSink, zl.With().Str("component", "replicator").Logger())
	} else {
		rep = replicator.New(deferredStore, nil, zl.With().Str("component", "replicator").Logger())
	}

	ingressSrv := ingress.New(rep, dedupFilter, cfg.IngressTokenHash, len(enabled), zl.With().Str("component", "ingress").Logger())

	for _, accCfg := range enabled {
		accCfg := accCfg
		accLog := zl.With().Str("account", accCfg.Name).Logger()

		cat := catalog.New(accCfg.SymbolPrefix, accCfg.SymbolSuffix, accCfg.CustomSymbols, accCfg.AllowForexLotFallback)
		corr := correlation.New()
		policy := replicator.NewPolicy(accCfg)

		account := &replicator.Account{
			Config:      accCfg,
			Catalog:     cat,
			Correlation: corr,
			Policy:      policy,
		}

		dial := func(dialCtx context.Context) (brokerapi.Transport, error) {
			return wsbroker.Dial(dialCtx, cfg.BrokerWSURL, brokerAuthHeader(accCfg))
		}

		onExecution := func(ev brokerapi.ExecutionEvent) {
			rep.HandleExecutionEvent(ctx, accCfg.Name, ev)
		}

		var readyOnce sync.Once
		onReady := func(instruments []brokerapi.Instrument, reconcile brokerapi.ReconcileResponse) {
			cat.Load(instruments)
			seedCorrelation(corr, reconcile)
			readyOnce.Do(ingressSrv.NotifyAccountReady)
			accLog.Info().Int("instruments", len(instruments)).Int("positions", len(reconcile.Positions)).Msg("account ready")
		}

		mgr := session.New(accCfg, dial, accLog, cfg.HeartbeatInterval, cfg.IdleTimeout, onExecution, onReady)
		account.Session = mgr

		rep.AddAccount(account)

		// Reset the account's daily trade cap at every UTC midnight.
		go func() {
			for {
				now := time.Now().UTC()
				next := now.Truncate(24 * time.Hour).Add(24 * time.Hour)
				select {
				case <-ctx.Done():
					return
				case <-time.After(next.Sub(now)):
					policy.ResetDaily()
				}
			}
		}()

		go mgr.Run(ctx)
	}

	httpSrv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: ingressSrv.Router(),
	}

	go func() {
		log.Printf("ingress listening on %s", cfg.HTTPAddr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Printf("http shutdown: %v", err)
	}
}

// seedCorrelation rebuilds a freshly (re)connected account's correlation state
// from the broker's reconcile snapshot. Any later execution event for the same
// ticket supersedes what reconcile reported here.
func seedCorrelation(corr *correlation.Store, reconcile brokerapi.ReconcileResponse) {
	for _, pos := range reconcile.Positions {
		ticket, ok := correlation.ParseLabel(pos.Label)
		if !ok {
			continue
		}
		corr.SetPosition(ticket, pos.PositionID, pos.Volume)
	}
	for _, ord := range reconcile.PendingOrder {
		ticket, ok := correlation.ParseLabel(ord.Label)
		if !ok {
			continue
		}
		corr.SetPendingOrder(ticket, ord.BrokerOrderID)
	}
}

// brokerAuthHeader carries whatever the concrete transport needs to identify
// the account during the websocket handshake itself, ahead of the
// application/account-auth request/response exchange that follows on the
// open socket.
func brokerAuthHeader(acc config.AccountConfig) http.Header {
	h := make(http.Header)
	h.Set("X-Account", url.QueryEscape(acc.Name))
	return h
}

func init() {
	if os.Getenv("TZ") == "" {
		_ = os.Setenv("TZ", "UTC")
	}
}
