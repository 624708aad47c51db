package audit

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestSink_Record_EnqueuesWithoutBlocking(t *testing.T) {
	s := New(nil, zerolog.Nop())
	s.Record("acct1", 1, "OPEN", "order_placed", "SRC_1")

	select {
	case e := <-s.queue:
		if e.account != "acct1" || e.ticket != 1 {
			t.Errorf("unexpected entry %+v", e)
		}
	default:
		t.Fatal("expected entry to be enqueued")
	}
}

func TestSink_Record_DropsOldestWhenFull(t *testing.T) {
	s := New(nil, zerolog.Nop())
	for i := 0; i < bufferSize; i++ {
		s.Record("acct1", int64(i), "OPEN", "order_placed", "")
	}
	// buffer is now full; this call must not block.
	done := make(chan struct{})
	go func() {
		s.Record("acct1", 999999, "OPEN", "order_placed", "")
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Record blocked on a full buffer instead of dropping")
	}

	if len(s.queue) != bufferSize {
		t.Fatalf("expected queue to stay at capacity %d, got %d", bufferSize, len(s.queue))
	}

	// Drain the queue; the oldest entry (ticket 0) must be gone and the newest
	// (ticket 999999) must be present, proving drop-oldest rather than drop-newest.
	var sawNewest bool
	for i := 0; i < bufferSize; i++ {
		e := <-s.queue
		if e.ticket == 0 {
			t.Fatal("oldest entry (ticket 0) survived; expected it to be dropped")
		}
		if e.ticket == 999999 {
			sawNewest = true
		}
	}
	if !sawNewest {
		t.Fatal("newest entry (ticket 999999) was dropped instead of the oldest")
	}
}
