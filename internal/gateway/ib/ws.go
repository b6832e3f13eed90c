package ib

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/ibexd/internal/domain"
)

const (
	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// pongWait is the time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// pingPeriod sends pings to the peer at this interval. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// reconnectDelay is the base delay before attempting to reconnect.
	reconnectDelay = 2 * time.Second

	// maxReconnectDelay caps the exponential backoff for reconnection.
	maxReconnectDelay = 60 * time.Second
)

// orderStream maintains the WebSocket connection to the bridge's order
// update feed and reconnects with exponential backoff until its context is
// cancelled.
type orderStream struct {
	wsURL  string
	apiKey string
	logger *slog.Logger
}

func newOrderStream(wsURL, apiKey string, logger *slog.Logger) *orderStream {
	return &orderStream{wsURL: wsURL, apiKey: apiKey, logger: logger}
}

// run connects and starts pumping updates. The first dial failure is
// returned; later disconnects reconnect in the background.
func (s *orderStream) run(ctx context.Context) (<-chan domain.OrderUpdate, error) {
	conn, err := s.dial(ctx)
	if err != nil {
		return nil, err
	}

	out := make(chan domain.OrderUpdate, 64)
	go s.pumpLoop(ctx, conn, out)
	return out, nil
}

func (s *orderStream) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	header := http.Header{}
	header.Set("X-API-Key", s.apiKey)
	conn, _, err := dialer.DialContext(ctx, s.wsURL, header)
	if err != nil {
		return nil, err
	}
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	return conn, nil
}

// pumpLoop reads one connection until it breaks, then reconnects. Closes out
// when ctx is done.
func (s *orderStream) pumpLoop(ctx context.Context, conn *websocket.Conn, out chan<- domain.OrderUpdate) {
	defer close(out)
	for {
		pingDone := make(chan struct{})
		go s.pingLoop(ctx, conn, pingDone)

		err := s.readConn(ctx, conn, out)
		close(pingDone)
		_ = conn.Close()
		if ctx.Err() != nil {
			return
		}
		s.logger.Warn("order stream disconnected, reconnecting", slog.Any("error", err))

		conn = s.reconnect(ctx)
		if conn == nil {
			return
		}
	}
}

func (s *orderStream) readConn(ctx context.Context, conn *websocket.Conn, out chan<- domain.OrderUpdate) error {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var msg orderStatusMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			// Drop unparseable frames.
			continue
		}
		if msg.OrderID == "" {
			continue
		}
		select {
		case out <- msg.toDomain():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *orderStream) pingLoop(ctx context.Context, conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// reconnect dials with exponential backoff until success or cancellation.
func (s *orderStream) reconnect(ctx context.Context) *websocket.Conn {
	delay := reconnectDelay
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}

		dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		conn, err := s.dial(dialCtx)
		cancel()
		if err == nil {
			s.logger.Info("order stream reconnected")
			return conn
		}

		delay *= 2
		if delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}
	}
}
