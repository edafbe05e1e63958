package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/srg/blescope/internal/hub"
)

// handleEvents serves the pull stream as Server-Sent Events: a ": ok" comment,
// the replay buffer, then live events. Idle periods carry a keep-alive comment.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	sub, err := s.engine.SubscribePull()
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	defer sub.Close()

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	if _, err := fmt.Fprint(w, ": ok\n\n"); err != nil {
		return
	}
	flusher.Flush()

	logger := s.logger.WithField("remote", r.RemoteAddr)
	logger.Debug("SSE subscriber joined")
	defer logger.Debug("SSE subscriber left")

	ctx := r.Context()
	for {
		nextCtx, cancel := context.WithTimeout(ctx, s.opts.KeepAlive)
		ev, err := sub.Next(nextCtx)
		cancel()

		switch {
		case err == nil:
			data, merr := json.Marshal(ev)
			if merr != nil {
				logger.WithError(merr).Warn("Failed to encode event")
				continue
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
				return
			}
		case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
		default:
			return
		}
		flusher.Flush()
	}
}

// handleWebSocket serves the push stream: the snapshot, then live events.
// A failed write or a closed peer ends the subscription.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.WithError(err).Debug("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	sub, err := s.engine.SubscribePush()
	if err != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, err.Error()),
			time.Now().Add(s.opts.WriteWait))
		return
	}
	defer sub.Close()

	logger := s.logger.WithField("remote", r.RemoteAddr)
	logger.Debug("WebSocket subscriber joined")
	defer logger.Debug("WebSocket subscriber left")

	// the dashboard never sends anything meaningful; reading detects close
	peerGone := make(chan struct{})
	go func() {
		defer close(peerGone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	s.pump(conn, sub, peerGone, logger)
}

func (s *Server) pump(conn *websocket.Conn, sub *hub.PushSubscription, peerGone <-chan struct{}, logger *logrus.Entry) {
	for {
		select {
		case <-peerGone:
			return
		case ev, ok := <-sub.C():
			if !ok {
				// dropped for falling behind, or the hub is shutting down
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "subscription ended"),
					time.Now().Add(s.opts.WriteWait))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(s.opts.WriteWait))
			if err := conn.WriteJSON(ev); err != nil {
				logger.WithError(err).Debug("WebSocket write failed, unsubscribing")
				return
			}
		}
	}
}
