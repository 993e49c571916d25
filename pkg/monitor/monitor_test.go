package monitor

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/homa-transport/homa-go/pkg/driver/channel"
	"github.com/homa-transport/homa-go/pkg/homa"
)

func newTestMonitor(t *testing.T) *Monitor {
	t.Helper()

	net := channel.NewNetwork(0)
	endpoint, err := net.Endpoint("alpha")
	if err != nil {
		t.Fatal(err)
	}

	transport, err := homa.NewTransport(endpoint, 1, homa.DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}

	m, err := NewMonitor(transport, "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	t.Cleanup(func() {
		_ = m.Close()
		_ = transport.Close()
	})

	return m
}

func TestMonitorTransportEndpoint(t *testing.T) {
	m := newTestMonitor(t)

	w := httptest.NewRecorder()
	m.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/transport", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("GET /transport returned %d", w.Code)
	}

	var info struct {
		ID      uint64 `json:"id"`
		Address string `json:"address"`
		Stats   struct {
			PacketsSent uint64 `json:"packets_sent"`
		} `json:"stats"`
	}
	if err := json.NewDecoder(w.Body).Decode(&info); err != nil {
		t.Fatal(err)
	}

	if info.ID != 1 || info.Address != "alpha" {
		t.Fatalf("Response describes transport %d at %s, expected 1 at alpha", info.ID, info.Address)
	}
}

func TestMonitorMessagesEndpoint(t *testing.T) {
	m := newTestMonitor(t)

	w := httptest.NewRecorder()
	m.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/messages", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("GET /messages returned %d", w.Code)
	}

	var msgs []homa.MessageSummary
	if err := json.NewDecoder(w.Body).Decode(&msgs); err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 0 {
		t.Fatalf("Idle transport lists %d active messages", len(msgs))
	}
}

func TestMonitorMethodNotAllowed(t *testing.T) {
	m := newTestMonitor(t)

	w := httptest.NewRecorder()
	m.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/transport", nil))

	if w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("POST /transport returned %d, expected %d", w.Code, http.StatusMethodNotAllowed)
	}
}
