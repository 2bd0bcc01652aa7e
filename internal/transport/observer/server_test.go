package observer

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"proxima.base/internal/sim/world"
)

type memSink struct {
	mu   sync.Mutex
	cmds []world.Command
}

func (m *memSink) EnqueueCommand(experimentID string, cmd world.Command) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cmds = append(m.cmds, cmd)
	return nil
}

func (m *memSink) all() []world.Command {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]world.Command(nil), m.cmds...)
}

func newTestServer(t *testing.T, readOnly bool) (*Server, *memSink, *httptest.Server) {
	t.Helper()
	w, err := world.New(world.Config{ExperimentID: "exp-a", Seed: 7}, nil)
	if err != nil {
		t.Fatalf("world.New: %v", err)
	}
	sink := &memSink{}
	srv := NewServer(w, sink, readOnly, nil)

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/observer/bootstrap", srv.BootstrapHandler())
	mux.HandleFunc("/v1/observer/ws", srv.WSHandler())
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return srv, sink, ts
}

func dial(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/observer/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := conn.WriteJSON(SubscribeMsg{Type: "SUBSCRIBE", ProtocolVersion: Version}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	return conn
}

func TestBootstrapReportsExperiment(t *testing.T) {
	_, _, ts := newTestServer(t, false)

	resp, err := http.Get(ts.URL + "/v1/observer/bootstrap")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	var boot BootstrapResponse
	if err := json.NewDecoder(resp.Body).Decode(&boot); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if boot.ExperimentID != "exp-a" || boot.Seed != 7 || boot.ProtocolVersion != Version {
		t.Fatalf("bootstrap wrong: %+v", boot)
	}
}

func TestBroadcastReachesSubscriber(t *testing.T) {
	srv, _, ts := newTestServer(t, false)
	conn := dial(t, ts)

	// Subscription registration races the broadcast; give the handler a beat.
	deadline := time.Now().Add(2 * time.Second)
	go func() {
		for time.Now().Before(deadline) {
			srv.Broadcast(world.StepLogEntry{ExperimentID: "exp-a", T: 5, Digest: "d5"})
			time.Sleep(10 * time.Millisecond)
		}
	}()

	_ = conn.SetReadDeadline(deadline)
	var entry world.StepLogEntry
	if err := conn.ReadJSON(&entry); err != nil {
		t.Fatalf("read entry: %v", err)
	}
	if entry.T != 5 || entry.Digest != "d5" {
		t.Fatalf("entry wrong: %+v", entry)
	}
}

func TestCommandIntakeAssignsID(t *testing.T) {
	_, sink, ts := newTestServer(t, false)
	conn := dial(t, ts)

	if err := conn.WriteJSON(CommandMsg{Type: "COMMAND", Kind: "pause"}); err != nil {
		t.Fatalf("write command: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ack AckMsg
	if err := conn.ReadJSON(&ack); err != nil {
		t.Fatalf("read ack: %v", err)
	}
	if ack.Type != "COMMAND_ACCEPTED" || ack.CmdID == "" {
		t.Fatalf("ack wrong: %+v", ack)
	}
	cmds := sink.all()
	if len(cmds) != 1 || cmds[0].Kind != "pause" || cmds[0].CmdID != ack.CmdID {
		t.Fatalf("sink wrong: %+v", cmds)
	}
	if cmds[0].TS == 0 {
		t.Fatalf("command missing submission timestamp")
	}
}

func TestReadOnlyRefusesCommands(t *testing.T) {
	_, sink, ts := newTestServer(t, true)
	conn := dial(t, ts)

	if err := conn.WriteJSON(CommandMsg{Type: "COMMAND", Kind: "pause"}); err != nil {
		t.Fatalf("write command: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ack AckMsg
	if err := conn.ReadJSON(&ack); err != nil {
		t.Fatalf("read ack: %v", err)
	}
	if ack.Type != "COMMAND_REJECTED" {
		t.Fatalf("read-only command accepted: %+v", ack)
	}
	if len(sink.all()) != 0 {
		t.Fatalf("read-only command reached the sink")
	}
}

func TestHandshakeRequiresSubscribe(t *testing.T) {
	_, _, ts := newTestServer(t, false)
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/observer/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(CommandMsg{Type: "COMMAND", Kind: "pause"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatalf("connection survived a bad handshake")
	}
}
