package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"nhooyr.io/websocket"

	"github.com/park285/cheese-roomsync/internal/obslog"
	"github.com/park285/cheese-roomsync/internal/room"
	"github.com/park285/cheese-roomsync/internal/transport"
	"github.com/park285/cheese-roomsync/internal/transport/loopback"
	"github.com/park285/cheese-roomsync/pkg/roomwire"
)

type ticket struct {
	roomID  string
	params  roomwire.TicketRequest
	expires time.Time
}

// Server is the relay: it admits websocket peers with single-use tickets
// and attaches each connection to a room on a loopback hub, which holds
// the authoritative state.
type Server struct {
	hub       *loopback.Hub
	ticketTTL time.Duration
	log       *zap.Logger
	mux       *http.ServeMux

	mu      sync.Mutex
	tickets map[string]ticket
}

type ServerOption func(*Server)

func WithTicketTTL(d time.Duration) ServerOption { return func(s *Server) { s.ticketTTL = d } }

func WithServerLogger(l *zap.Logger) ServerOption {
	return func(s *Server) {
		if l != nil {
			s.log = l
		}
	}
}

func NewServer(hub *loopback.Hub, opts ...ServerOption) *Server {
	s := &Server{
		hub:       hub,
		ticketTTL: 30 * time.Second,
		log:       obslog.L(),
		mux:       http.NewServeMux(),
		tickets:   make(map[string]ticket),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	})
	s.mux.HandleFunc("POST /rooms/{id}/tickets", s.handleTicket)
	s.mux.HandleFunc("GET /rooms/{id}", s.handleSocket)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleTicket(w http.ResponseWriter, r *http.Request) {
	roomID := strings.TrimSpace(r.PathValue("id"))
	var req roomwire.TicketRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	mode, err := room.ParseMode(req.Mode)
	if err != nil || roomID == "" || strings.TrimSpace(req.PeerID) == "" {
		http.Error(w, "invalid ticket request", http.StatusBadRequest)
		return
	}
	req.Mode = string(mode)

	now := time.Now()
	id := uuid.NewString()
	s.mu.Lock()
	for k, t := range s.tickets {
		if now.After(t.expires) {
			delete(s.tickets, k)
		}
	}
	s.tickets[id] = ticket{roomID: roomID, params: req, expires: now.Add(s.ticketTTL)}
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(roomwire.TicketResponse{Ticket: id, ExpiresAt: now.Add(s.ticketTTL).UTC()})
}

func (s *Server) redeem(roomID, id string) (ticket, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tickets[id]
	if !ok {
		return ticket{}, false
	}
	delete(s.tickets, id)
	if t.roomID != roomID || time.Now().After(t.expires) {
		return ticket{}, false
	}
	return t, true
}

func (s *Server) handleSocket(w http.ResponseWriter, r *http.Request) {
	roomID := strings.TrimSpace(r.PathValue("id"))
	t, ok := s.redeem(roomID, r.URL.Query().Get("ticket"))
	if !ok {
		http.Error(w, "invalid ticket", http.StatusUnauthorized)
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{CompressionMode: websocket.CompressionNoContextTakeover})
	if err != nil {
		s.log.Warn("relay_accept_error", zap.String("room_id", roomID), zap.Error(err))
		return
	}
	defer conn.CloseNow()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	peer := loopback.New(s.hub)
	var writeMu sync.Mutex
	peer.OnEvent(func(ev transport.Event) {
		raw, err := transport.EncodeEvent(roomID, t.params.PeerID, ev)
		if err != nil {
			return
		}
		wctx, wcancel := context.WithTimeout(ctx, 5*time.Second)
		defer wcancel()
		writeMu.Lock()
		defer writeMu.Unlock()
		if err := conn.Write(wctx, websocket.MessageText, raw); err != nil {
			cancel()
		}
	})
	err = peer.Join(ctx, transport.JoinParams{
		RoomID:      roomID,
		Mode:        room.Mode(t.params.Mode),
		DisplayName: t.params.DisplayName,
		PeerID:      t.params.PeerID,
	})
	if err != nil {
		_ = conn.Close(websocket.StatusInternalError, "join failed")
		return
	}
	s.log.Info("relay_peer_joined", zap.String("room_id", roomID), zap.String("peer_id", t.params.PeerID))
	defer func() {
		lctx, lcancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer lcancel()
		_ = peer.Leave(lctx)
		s.log.Info("relay_peer_left", zap.String("room_id", roomID), zap.String("peer_id", t.params.PeerID))
	}()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		env, err := roomwire.Decode(data)
		if err != nil {
			continue
		}
		s.forward(ctx, peer, t.params.PeerID, env)
	}
}

// forward turns an inbound frame into an intent of peerID.
func (s *Server) forward(ctx context.Context, peer *loopback.Adapter, peerID string, env roomwire.Envelope) {
	var err error
	switch env.Type {
	case roomwire.TypeRequest:
		var p roomwire.RequestPayload
		if err = env.Into(&p); err != nil {
			break
		}
		var req room.Request
		if req, err = transport.RequestFromWire(p.Req); err != nil {
			break
		}
		id := p.ID
		if id == "" {
			id = transport.NewRequestID()
		}
		err = peer.RequestWithID(ctx, id, req)
	case roomwire.TypeChat:
		var p roomwire.ChatPayload
		if err = env.Into(&p); err == nil {
			err = peer.SendChat(ctx, p.Text)
		}
	case roomwire.TypePresenceJoin:
		err = peer.Heartbeat(ctx)
	}
	if err != nil {
		s.log.Debug("relay_frame_rejected", zap.String("peer_id", peerID), zap.String("type", string(env.Type)), zap.Error(err))
	}
}
