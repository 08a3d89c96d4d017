// Package ws serves the live console: a WebSocket that streams the output
// and exit events of a user's processes and accepts remote stop commands.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"

	"github.com/jkaninda/bothost/internal/gateway/httpapi"
	"github.com/jkaninda/bothost/internal/hoster"
	"github.com/jkaninda/bothost/internal/notification"
	"github.com/jkaninda/bothost/internal/session"
)

const (
	subprotocol         = "bothost-console-v1"
	defaultPingInterval = 30 * time.Second
	stopTimeout         = 30 * time.Second
)

// Subscriber delivers live events of one user.
type Subscriber interface {
	Subscribe(userID string) (<-chan *notification.Event, func())
}

// Stopper stops hosted processes.
type Stopper interface {
	Stop(ctx context.Context, userID string, slot int) error
}

// Server upgrades console connections.
type Server struct {
	hub          Subscriber
	stopper      Stopper
	apiKeys      map[string]string
	logger       *slog.Logger
	pingInterval time.Duration
}

// NewServer creates a console server. apiKeys maps API keys to user IDs.
func NewServer(hub Subscriber, stopper Stopper, apiKeys map[string]string, logger *slog.Logger) *Server {
	return &Server{
		hub:          hub,
		stopper:      stopper,
		apiKeys:      apiKeys,
		logger:       logger,
		pingInterval: defaultPingInterval,
	}
}

// Handler returns an http.Handler that upgrades connections to WebSocket.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.handleUpgrade)
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		token = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	}
	userID := ""
	if token != "" {
		userID = httpapi.LookupUser(s.apiKeys, token)
	}
	if userID == "" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	slot := session.AllSlots
	if v := r.URL.Query().Get("slot"); v != "" {
		n, err := httpapi.ParseSlot(v, false)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		slot = n
	}

	// Subscribe before the handshake completes so no event is missed.
	events, unsubscribe := s.hub.Subscribe(userID)
	defer unsubscribe()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{subprotocol},
	})
	if err != nil {
		s.logger.Error("websocket accept failed", slog.String("error", err.Error()))
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "connection closed")

	s.logger.Info("console connected", slog.String("user_id", userID), slog.Int("slot", slot))
	s.handleConnection(r.Context(), conn, userID, slot, events)
}

func (s *Server) handleConnection(ctx context.Context, conn *websocket.Conn, userID string, slot int, events <-chan *notification.Event) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go s.forward(ctx, conn, slot, events, cancel)
	go s.heartbeatLoop(ctx, conn, userID)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure || ctx.Err() != nil {
				s.logger.Info("console disconnected", slog.String("user_id", userID))
			} else {
				s.logger.Warn("console connection error",
					slog.String("user_id", userID),
					slog.String("error", err.Error()),
				)
			}
			return
		}

		var cmd Command
		if err := json.Unmarshal(data, &cmd); err != nil {
			s.write(ctx, conn, &Message{Type: MsgError, Error: "invalid command"})
			continue
		}
		s.handleCommand(ctx, conn, userID, slot, &cmd)
	}
}

func (s *Server) handleCommand(ctx context.Context, conn *websocket.Conn, userID string, slot int, cmd *Command) {
	if cmd.Action != "stop" {
		s.write(ctx, conn, &Message{Type: MsgError, Error: "unknown action " + strconv.Quote(cmd.Action)})
		return
	}
	target := cmd.Slot
	if target == 0 {
		target = slot
	}

	stopCtx, cancel := context.WithTimeout(ctx, stopTimeout)
	defer cancel()
	if err := s.stopper.Stop(stopCtx, userID, target); err != nil {
		s.write(ctx, conn, &Message{Type: MsgError, Slot: target, Error: hoster.ErrorKind(err)})
		return
	}
	s.logger.Info("process stopped from console",
		slog.String("user_id", userID),
		slog.Int("slot", target),
	)
	s.write(ctx, conn, &Message{Type: MsgStopped, Slot: target})
}

// forward relays hub events for the connection's slot until the hub channel
// closes or ctx ends.
func (s *Server) forward(ctx context.Context, conn *websocket.Conn, slot int, events <-chan *notification.Event, done context.CancelFunc) {
	defer done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if slot != session.AllSlots && ev.Slot != slot {
				continue
			}
			if err := s.write(ctx, conn, &Message{Type: MsgEvent, Slot: ev.Slot, Event: ev}); err != nil {
				return
			}
		}
	}
}

func (s *Server) heartbeatLoop(ctx context.Context, conn *websocket.Conn, userID string) {
	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.Ping(ctx); err != nil {
				s.logger.Debug("console ping failed",
					slog.String("user_id", userID),
					slog.String("error", err.Error()),
				)
				return
			}
		}
	}
}

func (s *Server) write(ctx context.Context, conn *websocket.Conn, msg *Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}
