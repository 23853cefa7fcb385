package stream

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"
)

const writeTimeout = 5 * time.Second

// Handler streams hub events to a websocket client until either side closes.
// Repeated "type" query parameters narrow the stream to those event types.
func Handler(h *Hub, originPatterns []string, logger *zap.Logger) http.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if h == nil {
			http.Error(w, "stream unavailable", http.StatusServiceUnavailable)
			return
		}
		opts := &websocket.AcceptOptions{}
		if len(originPatterns) > 0 {
			opts.OriginPatterns = originPatterns
		}
		conn, err := websocket.Accept(w, r, opts)
		if err != nil {
			logger.Debug("websocket accept failed", zap.Error(err))
			return
		}
		types := r.URL.Query()["type"]
		// CloseRead discards client frames and cancels ctx once the peer goes away.
		ctx := conn.CloseRead(r.Context())
		sub := h.Subscribe(64, types...)
		defer h.Unsubscribe(sub)
		logger.Info("operator stream opened", zap.String("remote", r.RemoteAddr), zap.Strings("types", types))

		if err := write(ctx, conn, NewEvent(EventReady, map[string]any{"types": types})); err != nil {
			return
		}
		for {
			select {
			case <-ctx.Done():
				_ = conn.Close(websocket.StatusNormalClosure, "closed")
				return
			case evt, ok := <-sub.C:
				if !ok {
					_ = conn.Close(websocket.StatusGoingAway, "hub closed")
					return
				}
				if err := write(ctx, conn, evt); err != nil {
					logger.Debug("operator stream write failed", zap.Error(err))
					_ = conn.Close(websocket.StatusInternalError, "write failed")
					return
				}
			}
		}
	}
}

func write(ctx context.Context, conn *websocket.Conn, evt Event) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, evt)
}
