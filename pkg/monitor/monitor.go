// Package monitor exposes a transport's live state over HTTP: counter
// snapshots and active message listings as JSON, plus a websocket pushing
// stats periodically.
package monitor

import (
	"net/http"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-multierror"
	"github.com/homa-transport/homa-go/pkg/homa"
	"github.com/ugorji/go/codec"
)

// DefaultPushInterval is the websocket stats push period.
const DefaultPushInterval = time.Second

// Monitor serves introspection endpoints for one Transport:
//
//	GET /transport   counter snapshot
//	GET /messages    active message summaries
//	GET /ws          websocket, one stats snapshot per push interval
type Monitor struct {
	transport *homa.Transport

	router     *mux.Router
	httpServer *http.Server
	upgrader   websocket.Upgrader
	jsonHandle *codec.JsonHandle

	pushInterval time.Duration

	conns    sync.Map // *websocket.Conn -> struct{}
	stopChan chan struct{}
}

// transportInfo is the /transport response body.
type transportInfo struct {
	ID      uint64     `json:"id"`
	Address string     `json:"address"`
	Stats   homa.Stats `json:"stats"`
}

// NewMonitor starts a Monitor listening on address.
func NewMonitor(t *homa.Transport, address string) (*Monitor, error) {
	router := mux.NewRouter()

	m := &Monitor{
		transport: t,
		router:    router,
		httpServer: &http.Server{
			Addr:    address,
			Handler: router,
		},
		upgrader:     websocket.Upgrader{},
		jsonHandle:   new(codec.JsonHandle),
		pushInterval: DefaultPushInterval,
		stopChan:     make(chan struct{}),
	}

	router.HandleFunc("/transport", m.handleTransport).Methods(http.MethodGet)
	router.HandleFunc("/messages", m.handleMessages).Methods(http.MethodGet)
	router.HandleFunc("/ws", m.handleWebsocket).Methods(http.MethodGet)

	startupErr := make(chan error)
	go func() {
		if err := m.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			startupErr <- err
		}

		close(startupErr)
	}()

	select {
	case err := <-startupErr:
		return nil, err
	case <-time.After(100 * time.Millisecond):
	}

	m.log().Info("Monitor started")

	return m, nil
}

func (m *Monitor) log() *log.Entry {
	return log.WithField("monitor", m.httpServer.Addr)
}

// ServeHTTP lets a Monitor be mounted under another HTTP server.
func (m *Monitor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	m.router.ServeHTTP(w, r)
}

func (m *Monitor) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := codec.NewEncoder(w, m.jsonHandle).Encode(v); err != nil {
		m.log().WithError(err).Warn("Failed to write JSON response")
	}
}

func (m *Monitor) handleTransport(w http.ResponseWriter, _ *http.Request) {
	m.writeJSON(w, transportInfo{
		ID:      m.transport.ID(),
		Address: m.transport.LocalAddress().String(),
		Stats:   m.transport.Stats(),
	})
}

func (m *Monitor) handleMessages(w http.ResponseWriter, _ *http.Request) {
	msgs := m.transport.ActiveMessages()
	if msgs == nil {
		msgs = []homa.MessageSummary{}
	}

	m.writeJSON(w, msgs)
}

// handleWebsocket upgrades the request and pushes stats snapshots until the
// client goes away or the monitor closes.
func (m *Monitor) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.log().WithError(err).Warn("Upgrading HTTP request to WebSocket errored")
		return
	}

	m.conns.Store(conn, struct{}{})
	defer func() {
		m.conns.Delete(conn)
		_ = conn.Close()
	}()

	ticker := time.NewTicker(m.pushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopChan:
			return

		case <-ticker.C:
			var buf []byte
			if err := codec.NewEncoderBytes(&buf, m.jsonHandle).Encode(m.transport.Stats()); err != nil {
				m.log().WithError(err).Warn("Failed to encode stats snapshot")
				return
			}

			if err := conn.WriteMessage(websocket.TextMessage, buf); err != nil {
				return
			}
		}
	}
}

// Close shuts the HTTP server and every websocket client down.
func (m *Monitor) Close() error {
	var errs *multierror.Error

	close(m.stopChan)

	m.conns.Range(func(k, _ interface{}) bool {
		if err := k.(*websocket.Conn).Close(); err != nil {
			errs = multierror.Append(errs, err)
		}
		return true
	})

	if err := m.httpServer.Close(); err != nil {
		errs = multierror.Append(errs, err)
	}

	m.log().Info("Monitor closed")

	return errs.ErrorOrNil()
}
