// Package audit is a best-effort, non-authoritative append-only log of what
// the replicator did, for operator dashboards. It is never read back by the
// replication core: correlation, deferred, and dedup state all live only in
// memory, by design (see Non-goals). A write failure here is logged and
// dropped, never surfaced to the caller.
package audit

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// entry is one buffered row awaiting a database write.
type entry struct {
	account   string
	ticket    int64
	eventKind string
	action    string
	detail    string
	createdAt time.Time
}

// Sink is a process-wide, buffered writer. Zero value is not usable; build one
// with New or Disabled.
type Sink struct {
	pool  *pgxpool.Pool
	queue chan entry
	log   zerolog.Logger
}

// bufferSize bounds memory; once full, the oldest pending entry is dropped
// rather than applying backpressure to the replicator — audit entries are
// diagnostic, not authoritative, so "drop under load" is correct here.
const bufferSize = 1000

// New starts a Sink backed by pool. Call Run in its own goroutine to begin
// draining the buffer.
func New(pool *pgxpool.Pool, log zerolog.Logger) *Sink {
	return &Sink{
		pool:  pool,
		queue: make(chan entry, bufferSize),
		log:   log,
	}
}

// Run drains the buffer until ctx is cancelled. Intended to run in its own
// goroutine for the life of the process.
func (s *Sink) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-s.queue:
			s.write(ctx, e)
		}
	}
}

func (s *Sink) write(ctx context.Context, e entry) {
	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	const q = `INSERT INTO replication_audit_entries
		(account, ticket, event_kind, action, detail, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`
	if _, err := s.pool.Exec(writeCtx, q, e.account, e.ticket, e.eventKind, e.action, e.detail, e.createdAt); err != nil {
		s.log.Warn().Err(err).Str("account", e.account).Int64("ticket", e.ticket).Msg("audit write failed, dropping entry")
	}
}

// Record enqueues an audit entry. Never blocks: if the buffer is full, the
// oldest queued entry is dropped to make room, rather than slowing the
// replicator down or losing the entry just recorded.
func (s *Sink) Record(account string, ticket int64, eventKind, action, detail string) {
	e := entry{
		account:   account,
		ticket:    ticket,
		eventKind: eventKind,
		action:    action,
		detail:    detail,
		createdAt: time.Now().UTC(),
	}
	select {
	case s.queue <- e:
		return
	default:
	}

	select {
	case <-s.queue:
		s.log.Warn().Str("account", account).Int64("ticket", ticket).Msg("audit buffer full, dropping oldest entry")
	default:
	}

	select {
	case s.queue <- e:
	default:
		s.log.Warn().Str("account", account).Int64("ticket", ticket).Msg("audit buffer full, dropping entry")
	}
}
