package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/example/commute-pool/internal/feed"
	"github.com/example/commute-pool/internal/models"
)

const (
	pongWait     = 60 * time.Second
	pingInterval = (pongWait * 9) / 10
	writeWait    = 10 * time.Second
	maxFrameSize = 512
)

// CloseResync tells a feed client it fell behind and must reload history
// before resubscribing.
const CloseResync = 4000

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

func (s *Server) handleStartConversation(w http.ResponseWriter, r *http.Request) {
	var p startConversationPayload
	if err := s.decode(r, &p); err != nil {
		s.writeError(w, r, err)
		return
	}
	id, err := s.directory.StartOrGet(r.Context(), caller(r), p.DriverID, p.PassengerID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"conversation_id": id})
}

func (s *Server) handleOpenConversation(w http.ResponseWriter, r *http.Request) {
	th, err := s.directory.Open(r.Context(), caller(r), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, th)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	msgs, err := s.channel.History(r.Context(), caller(r), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if msgs == nil {
		msgs = []models.MessageView{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var p sendMessagePayload
	if err := s.decode(r, &p); err != nil {
		s.writeError(w, r, err)
		return
	}
	m, err := s.channel.Send(r.Context(), caller(r), mux.Vars(r)["id"], p.Content, p.ClientToken)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

func (s *Server) handleFetchMessage(w http.ResponseWriter, r *http.Request) {
	m, err := s.channel.Fetch(r.Context(), caller(r), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// handleConversationFeed streams feed.Event frames for one conversation.
// Authorization happens before the upgrade so failures are plain HTTP errors.
func (s *Server) handleConversationFeed(w http.ResponseWriter, r *http.Request) {
	convID := mux.Vars(r)["id"]
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sub, err := s.channel.Subscribe(ctx, caller(r), convID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	defer sub.Close()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("ws upgrade failed", "conversation_id", convID, "error", err)
		return
	}
	defer conn.Close()

	// Reader: only control frames are expected. It keeps the pong deadline
	// fresh and notices the peer going away.
	go func() {
		defer cancel()
		conn.SetReadLimit(maxFrameSize)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					s.logger.Debug("ws read", "conversation_id", convID, "error", err)
				}
				return
			}
		}
	}()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				code, reason := websocket.CloseNormalClosure, ""
				if errors.Is(sub.Err(), feed.ErrSlowSubscriber) {
					code, reason = CloseResync, "resync"
				}
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
