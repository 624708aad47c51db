// Package deferred holds work that cannot be applied the moment it is
// discovered: SL/TP staged for an order whose position id the broker hasn't
// yet assigned, and the master's original open lots needed later to compute a
// proportional partial close. Process-wide, one process-wide lock, matching
// the Ingress Dedup Filter's treatment.
package deferred

import (
	"sync"

	"github.com/shopspring/decimal"
)

// SLTP is a staged stop-loss/take-profit pair waiting for a position id.
type SLTP struct {
	AccountName string
	Instrument  string
	SL          *decimal.Decimal
	TP          *decimal.Decimal
}

// Store is safe for concurrent use across every account's replicator goroutine.
type Store struct {
	mu sync.Mutex

	pendingSLTP map[key]SLTP
	masterLots  map[key]decimal.Decimal
}

type key struct {
	account string
	ticket  int64
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		pendingSLTP: make(map[key]SLTP),
		masterLots:  make(map[key]decimal.Decimal),
	}
}

// StageSLTP records a SL/TP to apply once the position id for (account,ticket)
// becomes known. Overwrites any previously staged value for the same key,
// matching "latest MODIFY wins" semantics.
func (s *Store) StageSLTP(account string, ticket int64, v SLTP) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pendingSLTP[key{account, ticket}] = v
}

// TakeSLTP returns and removes the staged SL/TP for (account,ticket), if any.
// The replicator's deferred flush calls it only after the broker has accepted
// the amend, so a failed amend leaves the entry staged for the next execution
// event; a CLOSE for the ticket also calls it to drop the entry.
func (s *Store) TakeSLTP(account string, ticket int64) (SLTP, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key{account, ticket}
	v, ok := s.pendingSLTP[k]
	if ok {
		delete(s.pendingSLTP, k)
	}
	return v, ok
}

// PeekSLTP returns the staged SL/TP without removing it; the replicator's
// deferred flush reads the entry with it before sending the amend.
func (s *Store) PeekSLTP(account string, ticket int64) (SLTP, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.pendingSLTP[key{account, ticket}]
	return v, ok
}

// SetMasterLots records the originating OPEN's lot size, used later to compute
// the proportional share of a partial CLOSE.
func (s *Store) SetMasterLots(account string, ticket int64, lots decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.masterLots[key{account, ticket}] = lots
}

// MasterLots returns the master's original open lots for (account,ticket).
func (s *Store) MasterLots(account string, ticket int64) (decimal.Decimal, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.masterLots[key{account, ticket}]
	return v, ok
}

// Forget removes every deferred entry for (account,ticket), called once the
// source position is fully closed.
func (s *Store) Forget(account string, ticket int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key{account, ticket}
	delete(s.pendingSLTP, k)
	delete(s.masterLots, k)
}
