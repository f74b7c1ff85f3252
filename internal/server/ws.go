package server

import (
	"context"
	"net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/deepknow/omniagent/internal/observe"
	"github.com/deepknow/omniagent/internal/stream"
)

// wsTransport adapts a WebSocket connection to the stream.Transport frame
// interface using JSON text messages.
type wsTransport struct {
	conn *websocket.Conn
}

func (t *wsTransport) ReadFrame(ctx context.Context) (*stream.ClientFrame, error) {
	var frame stream.ClientFrame
	if err := wsjson.Read(ctx, t.conn, &frame); err != nil {
		return nil, err
	}
	return &frame, nil
}

func (t *wsTransport) WriteFrame(ctx context.Context, frame *stream.ServerFrame) error {
	return wsjson.Write(ctx, t.conn, frame)
}

// handleStream upgrades the request to a WebSocket and hands the connection
// to the stream handler for the lifetime of the stream.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Browser clients connect cross-origin during development; API-key
		// auth already gates the endpoint.
		InsecureSkipVerify: true,
	})
	if err != nil {
		observe.Logger(r.Context()).Warn("websocket accept failed", "error", err)
		return
	}
	defer conn.CloseNow()

	if err := s.streams.Serve(r.Context(), &wsTransport{conn: conn}); err != nil {
		observe.Logger(r.Context()).Warn("stream ended with error", "error", err)
		conn.Close(websocket.StatusInternalError, "stream failed")
		return
	}
	conn.Close(websocket.StatusNormalClosure, "")
}
