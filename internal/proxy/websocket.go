// Package proxy relays a user's DevTools websocket to the remote browser of
// their own manual session.
package proxy

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/shehryarbajwa/scrapelane/internal/errs"
	"github.com/shehryarbajwa/scrapelane/internal/logging"
	"github.com/shehryarbajwa/scrapelane/internal/session"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type Server struct {
	sessions    *session.Manager
	dialTimeout time.Duration
	log         *zap.Logger
}

func NewServer(sessions *session.Manager, log *zap.Logger) *Server {
	return &Server{
		sessions:    sessions,
		dialTimeout: 10 * time.Second,
		log:         logging.OrNop(log).With(logging.Component("proxy")),
	}
}

// Serve proxies the connection when userID owns the active manual session.
// Everyone else gets 404, whether or not the session exists.
func (s *Server) Serve(w http.ResponseWriter, r *http.Request, sessionID, userID string) {
	endpoint, err := s.sessions.Endpoint(r.Context(), sessionID, userID)
	if errors.Is(err, errs.ErrNotFound) {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.log.Error("failed to look up session endpoint", logging.SessionID(sessionID), zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	log := s.log.With(logging.SessionID(sessionID), logging.UserID(userID))

	ctx, cancel := context.WithTimeout(r.Context(), s.dialTimeout)
	defer cancel()
	browserConn, _, err := websocket.DefaultDialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		log.Warn("failed to connect to browser", zap.Error(err))
		http.Error(w, "browser unavailable", http.StatusBadGateway)
		return
	}
	defer browserConn.Close()

	clientConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("failed to upgrade connection", zap.Error(err))
		return
	}
	defer clientConn.Close()
	log.Info("client attached to browser")

	errChan := make(chan error, 2)
	go func() { errChan <- relay(clientConn, browserConn) }()
	go func() { errChan <- relay(browserConn, clientConn) }()

	err = <-errChan
	if err != nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		log.Debug("proxy closed", zap.Error(err))
	}
	log.Info("client detached from browser")
}

func relay(src, dst *websocket.Conn) error {
	for {
		messageType, message, err := src.ReadMessage()
		if err != nil {
			return err
		}
		if err := dst.WriteMessage(messageType, message); err != nil {
			return err
		}
	}
}
