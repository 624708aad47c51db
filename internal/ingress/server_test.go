package ingress

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"github.com/lv-trading/mt5-ctrader-bridge/internal/dedup"
	"github.com/lv-trading/mt5-ctrader-bridge/internal/deferred"
	"github.com/lv-trading/mt5-ctrader-bridge/internal/replicator"
)

func newTestServer() (*Server, *httptest.Server) {
	rep := replicator.New(deferred.New(), nil, zerolog.Nop())
	s := New(rep, dedup.New(1500*time.Millisecond), "", 1, zerolog.Nop())
	return s, httptest.NewServer(s.Router())
}

func TestIngress_HealthOK(t *testing.T) {
	_, srv := newTestServer()
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}
}

func TestIngress_ReadyNotYet(t *testing.T) {
	s, srv := newTestServer()
	defer srv.Close()
	_ = s

	resp, err := http.Get(srv.URL + "/health/ready")
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("expected 503 before any account is ready, got %d", resp.StatusCode)
	}
}

func TestIngress_EventAcceptedAndDeduped(t *testing.T) {
	_, srv := newTestServer()
	defer srv.Close()

	body := []byte(`{"action":"OPEN","ticket":123,"symbol":"EURUSD","type":"BUY","volume":0.1}`)

	resp, err := http.Post(srv.URL+"/", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	// an immediate duplicate must still return 200
	resp2, err := http.Post(srv.URL+"/", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	if resp2.StatusCode != http.StatusOK {
		t.Fatalf("expected duplicate to still return 200, got %d", resp2.StatusCode)
	}
}

func TestIngress_RejectsBadToken(t *testing.T) {
	rep := replicator.New(deferred.New(), nil, zerolog.Nop())
	hash, err := bcrypt.GenerateFromPassword([]byte("secret"), bcrypt.DefaultCost)
	if err != nil {
		t.Fatal(err)
	}
	s := New(rep, dedup.New(time.Second), string(hash), 1, zerolog.Nop())
	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/", bytes.NewReader([]byte(`{}`)))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401 without a token, got %d", resp.StatusCode)
	}

	req2, _ := http.NewRequest(http.MethodPost, srv.URL+"/", bytes.NewReader([]byte(`{"action":"OPEN","ticket":1,"symbol":"EURUSD","volume":0.1}`)))
	req2.Header.Set("X-Ingress-Token", "secret")
	resp2, err := http.DefaultClient.Do(req2)
	if err != nil {
		t.Fatal(err)
	}
	if resp2.StatusCode != http.StatusOK {
		t.Errorf("expected 200 with correct token, got %d", resp2.StatusCode)
	}
}
