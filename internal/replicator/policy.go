package replicator

import (
	"fmt"
	"strings"
	"sync"

	"github.com/lv-trading/mt5-ctrader-bridge/internal/config"
)

// Policy enforces one account's per-trade filter rules: symbol allow/block
// lists, magic-number filter, and daily/concurrent trade caps. Caps are
// mutable counters, so Policy carries its own lock.
type Policy struct {
	allowed map[string]struct{}
	blocked map[string]struct{}
	magic   map[int64]struct{}

	maxDaily      int
	maxConcurrent int

	mu             sync.Mutex
	dailyCount     int
	concurrentOpen int
}

// NewPolicy builds a Policy from one account's configuration.
func NewPolicy(acc config.AccountConfig) *Policy {
	p := &Policy{
		maxDaily:      acc.MaxDailyTrades,
		maxConcurrent: acc.MaxConcurrentTrades,
	}
	if len(acc.AllowedSymbols) > 0 {
		p.allowed = make(map[string]struct{}, len(acc.AllowedSymbols))
		for _, s := range acc.AllowedSymbols {
			p.allowed[strings.ToUpper(s)] = struct{}{}
		}
	}
	if len(acc.BlockedSymbols) > 0 {
		p.blocked = make(map[string]struct{}, len(acc.BlockedSymbols))
		for _, s := range acc.BlockedSymbols {
			p.blocked[strings.ToUpper(s)] = struct{}{}
		}
	}
	if len(acc.MagicFilter) > 0 {
		p.magic = make(map[int64]struct{}, len(acc.MagicFilter))
		for _, m := range acc.MagicFilter {
			p.magic[m] = struct{}{}
		}
	}
	return p
}

// AllowOpen reports whether a new OPEN/PENDING_OPEN event should be copied, and
// if not, why. Checking order: allowlist, blocklist, magic filter, daily cap,
// concurrent cap — first failing check wins.
func (p *Policy) AllowOpen(symbol string, magic int64) (bool, string) {
	up := strings.ToUpper(symbol)

	if p.allowed != nil {
		if _, ok := p.allowed[up]; !ok {
			return false, fmt.Sprintf("symbol %s not in allowlist", symbol)
		}
	}
	if p.blocked != nil {
		if _, ok := p.blocked[up]; ok {
			return false, fmt.Sprintf("symbol %s is blocked", symbol)
		}
	}
	if p.magic != nil {
		if _, ok := p.magic[magic]; !ok {
			return false, fmt.Sprintf("magic %d not in filter", magic)
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.maxDaily > 0 && p.dailyCount >= p.maxDaily {
		return false, "daily trade cap reached"
	}
	if p.maxConcurrent > 0 && p.concurrentOpen >= p.maxConcurrent {
		return false, "concurrent trade cap reached"
	}
	return true, ""
}

// RecordOpen increments the daily and concurrent counters after an OPEN was
// actually sent to the broker.
func (p *Policy) RecordOpen() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dailyCount++
	p.concurrentOpen++
}

// RecordClose decrements the concurrent counter after a full CLOSE was sent.
func (p *Policy) RecordClose() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.concurrentOpen > 0 {
		p.concurrentOpen--
	}
}

// ResetDaily zeroes the daily trade counter; cmd/bridge calls it at every UTC
// midnight.
func (p *Policy) ResetDaily() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dailyCount = 0
}
