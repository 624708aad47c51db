package correlation

import "testing"

func TestParseLabel(t *testing.T) {
	cases := []struct {
		label      string
		wantTicket int64
		wantOK     bool
	}{
		{"SRC_1441124621", 1441124621, true},
		{"MT5_1234", 0, false}, // old convention, not ours
		{"", 0, false},
		{"SRC_notanumber", 0, false},
	}
	for _, tc := range cases {
		ticket, ok := ParseLabel(tc.label)
		if ticket != tc.wantTicket || ok != tc.wantOK {
			t.Errorf("ParseLabel(%q) = (%d,%v), want (%d,%v)", tc.label, ticket, ok, tc.wantTicket, tc.wantOK)
		}
	}
}

func TestStore_SetPosition_SupersedesReconcile(t *testing.T) {
	s := New()

	// reconcile snapshot arrives first
	s.SetPosition(100, 555, 2000)
	if id, ok := s.PositionID(100); !ok || id != 555 {
		t.Fatalf("expected position 555, got %d,%v", id, ok)
	}

	// a later execution event supersedes it
	s.SetPosition(100, 999, 1500)
	if id, ok := s.PositionID(100); !ok || id != 999 {
		t.Fatalf("expected execution event to supersede reconcile, got %d,%v", id, ok)
	}
	if v, ok := s.Volume(999); !ok || v != 1500 {
		t.Fatalf("expected volume 1500, got %d,%v", v, ok)
	}
}

func TestStore_Forget(t *testing.T) {
	s := New()
	s.SetPosition(1, 2, 100)
	s.Forget(1)
	if _, ok := s.PositionID(1); ok {
		t.Error("expected ticket to be forgotten")
	}
	if _, ok := s.Volume(2); ok {
		t.Error("expected volume to be forgotten along with its position")
	}
}

func TestStore_PendingOrderClearedOnFill(t *testing.T) {
	s := New()
	s.SetPendingOrder(1, 50)
	s.SetPosition(1, 60, 100)
	if _, ok := s.PendingOrderID(1); ok {
		t.Error("expected pending order mapping to be cleared once the position is known")
	}
}
