package observer

import (
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"proxima.base/internal/sim/world"
)

const Version = "proxima-observer/1"

type SubscribeMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
}

type CommandMsg struct {
	Type    string          `json:"type"`
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type AckMsg struct {
	Type  string `json:"type"`
	CmdID string `json:"cmd_id,omitempty"`
	Error string `json:"error,omitempty"`
}

type BootstrapResponse struct {
	ProtocolVersion string `json:"protocol_version"`
	ExperimentID    string `json:"experiment_id"`
	T               uint64 `json:"t"`
	Seed            int64  `json:"seed"`
	ReadOnly        bool   `json:"read_only"`
}

// CommandSink accepts commands submitted by observers. The runner applies
// them between steps, oldest first.
type CommandSink interface {
	EnqueueCommand(experimentID string, cmd world.Command) error
}

// Server streams step log entries to websocket observers and routes their
// commands into the inbox. Under read-only mode commands are refused at the
// socket, never enqueued.
type Server struct {
	world    *world.World
	sink     CommandSink
	readOnly bool
	log      *log.Logger

	upgrader websocket.Upgrader
	nextID   atomic.Uint64

	mu   sync.Mutex
	subs map[string]chan []byte
}

func NewServer(w *world.World, sink CommandSink, readOnly bool, logger *log.Logger) *Server {
	return &Server{
		world:    w,
		sink:     sink,
		readOnly: readOnly,
		log:      logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
		subs: map[string]chan []byte{},
	}
}

// Broadcast fans one step entry out to every connected observer. Slow
// observers lose entries rather than stalling the step loop.
func (s *Server) Broadcast(entry world.StepLogEntry) {
	b, err := json.Marshal(entry)
	if err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- b:
		default:
		}
	}
}

func (s *Server) BootstrapHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}

		cfg := s.world.Config()
		resp := BootstrapResponse{
			ProtocolVersion: Version,
			ExperimentID:    cfg.ExperimentID,
			T:               s.world.CurrentStep(),
			Seed:            cfg.Seed,
			ReadOnly:        s.readOnly,
		}
		rw.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(rw).Encode(resp)
	}
}

func (s *Server) WSHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}

		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		// Handshake: must send SUBSCRIBE first.
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var sub SubscribeMsg
		if err := json.Unmarshal(msg, &sub); err != nil {
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "bad subscribe"), time.Now().Add(time.Second))
			return
		}
		if sub.Type != "SUBSCRIBE" || sub.ProtocolVersion != Version {
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "expected SUBSCRIBE"), time.Now().Add(time.Second))
			return
		}

		sid := fmt.Sprintf("O%d", s.nextID.Add(1))
		out := make(chan []byte, 256)
		s.mu.Lock()
		s.subs[sid] = out
		s.mu.Unlock()
		defer func() {
			s.mu.Lock()
			delete(s.subs, sid)
			s.mu.Unlock()
		}()

		var wmu sync.Mutex
		write := func(b []byte) error {
			wmu.Lock()
			defer wmu.Unlock()
			_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			return conn.WriteMessage(websocket.TextMessage, b)
		}

		done := make(chan struct{})
		defer close(done)
		go func() {
			for {
				select {
				case <-done:
					return
				case b := <-out:
					if err := write(b); err != nil {
						return
					}
				}
			}
		}()

		// Reader loop: command intake.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				break
			}
			var cm CommandMsg
			if err := json.Unmarshal(msg, &cm); err != nil || cm.Type != "COMMAND" {
				continue
			}
			ack := s.acceptCommand(cm)
			if b, err := json.Marshal(ack); err == nil {
				if err := write(b); err != nil {
					break
				}
			}
		}

		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second))
	}
}

func (s *Server) acceptCommand(cm CommandMsg) AckMsg {
	if s.readOnly {
		return AckMsg{Type: "COMMAND_REJECTED", Error: "read-only run"}
	}
	if cm.Kind == "" {
		return AckMsg{Type: "COMMAND_REJECTED", Error: "empty kind"}
	}
	cmd := world.Command{
		CmdID:   uuid.NewString(),
		Kind:    cm.Kind,
		Payload: cm.Payload,
		TS:      time.Now().UnixNano(),
	}
	if err := s.sink.EnqueueCommand(s.world.Config().ExperimentID, cmd); err != nil {
		if s.log != nil {
			s.log.Printf("command enqueue failed: %v", err)
		}
		return AckMsg{Type: "COMMAND_REJECTED", Error: "store write failed"}
	}
	return AckMsg{Type: "COMMAND_ACCEPTED", CmdID: cmd.CmdID}
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
