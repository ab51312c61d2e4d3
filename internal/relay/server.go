package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/1ureka/coact/internal/protocol"
	"github.com/1ureka/coact/internal/util"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server is the relay hub.
type Server struct {
	pin     string
	mailbox *Mailbox

	mu    sync.Mutex
	peers map[protocol.PeerID]*member
}

// member is one logged in peer. Writes to its socket are serialized.
type member struct {
	id   protocol.PeerID
	conn *websocket.Conn
	mu   sync.Mutex
}

func (m *member) send(msg *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conn.WriteJSON(msg)
}

// NewServer creates a hub accepting peers that present pin. mailbox may be
// nil, in which case mail for offline peers is refused like any other
// message.
func NewServer(pin string, mailbox *Mailbox) *Server {
	return &Server{
		pin:     pin,
		mailbox: mailbox,
		peers:   make(map[protocol.PeerID]*member),
	}
}

// Handler returns the HTTP handler serving /ws.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	return mux
}

// ListenAndServe serves the hub on addr until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
		s.closeAll()
	}()

	util.LogInfo("relay listening on %s", listener.Addr())
	if err := srv.Serve(listener); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Online reports whether peer is logged in.
func (s *Server) Online(peer protocol.PeerID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.peers[peer]
	return ok
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("pin") != s.pin {
		http.Error(w, "Invalid PIN", http.StatusUnauthorized)
		return
	}
	id := protocol.PeerID(r.URL.Query().Get("peer"))
	if id == "" || strings.Contains(string(id), "/") {
		http.Error(w, "Invalid peer id", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	m := &member{id: id, conn: conn}
	if !s.register(m) {
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "already connected"))
		conn.Close()
		return
	}
	util.PeerLogf(string(id), "logged in to relay")

	s.flushMail(m)
	s.serve(m)

	s.unregister(m)
	conn.Close()
	util.PeerLogf(string(id), "left relay")
}

func (s *Server) register(m *member) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, taken := s.peers[m.id]; taken {
		return false
	}
	s.peers[m.id] = m
	onlinePeers.Inc()
	return true
}

// unregister removes m and tells the remaining peers that it is gone.
func (s *Server) unregister(m *member) {
	s.mu.Lock()
	if s.peers[m.id] != m {
		s.mu.Unlock()
		return
	}
	delete(s.peers, m.id)
	onlinePeers.Dec()
	others := make([]*member, 0, len(s.peers))
	for _, p := range s.peers {
		others = append(others, p)
	}
	s.mu.Unlock()

	for _, p := range others {
		p.send(&Message{Type: MsgTypeOffline, From: m.id})
	}
}

func (s *Server) lookup(peer protocol.PeerID) *member {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peers[peer]
}

func (s *Server) serve(m *member) {
	for {
		var msg Message
		if err := m.conn.ReadJSON(&msg); err != nil {
			return
		}
		msg.From = m.id
		s.route(m, &msg)
	}
}

func (s *Server) route(from *member, msg *Message) {
	switch msg.Type {
	case MsgTypeFrame, MsgTypeClose, MsgTypeSignal, MsgTypeMail:
	default:
		routedMessages.WithLabelValues(string(msg.Type), "invalid").Inc()
		return
	}

	if to := s.lookup(msg.To); to != nil {
		if err := to.send(msg); err == nil {
			routedMessages.WithLabelValues(string(msg.Type), "forwarded").Inc()
			return
		}
	}

	switch {
	case msg.Type == MsgTypeMail && s.mailbox != nil:
		data, err := json.Marshal(msg)
		if err == nil {
			err = s.mailbox.Put(msg.To, data)
		}
		if err != nil {
			util.LogError("relay: %v", err)
			from.send(&Message{Type: MsgTypeOffline, From: msg.To, Link: msg.Link})
			return
		}
		routedMessages.WithLabelValues(string(msg.Type), "stored").Inc()
		util.PeerDebugf(string(msg.To), "stored mail from %s", msg.From)

	case msg.Type == MsgTypeClose:
		routedMessages.WithLabelValues(string(msg.Type), "dropped").Inc()

	default:
		routedMessages.WithLabelValues(string(msg.Type), "offline").Inc()
		from.send(&Message{Type: MsgTypeOffline, From: msg.To, Link: msg.Link})
	}
}

func (s *Server) flushMail(m *member) {
	if s.mailbox == nil {
		return
	}
	msgs, err := s.mailbox.Take(m.id)
	if err != nil {
		util.LogError("relay: %v", err)
		return
	}
	for i, data := range msgs {
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			util.LogWarning("relay: dropping corrupt mail for %s: %v", m.id, err)
			continue
		}
		if err := m.send(&msg); err != nil {
			// keep what could not be delivered for the next login
			for _, rest := range msgs[i:] {
				s.mailbox.Put(m.id, rest)
			}
			return
		}
	}
	if len(msgs) > 0 {
		util.PeerLogf(string(m.id), "delivered %d stored messages", len(msgs))
	}
}

func (s *Server) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.peers {
		m.conn.Close()
	}
}
