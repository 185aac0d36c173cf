package http

import (
	"context"
	stdhttp "net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/wirerelay/internal/gateway"
	"github.com/vovakirdan/wirerelay/internal/proto"
)

// WSHandler upgrades HTTP connections and hands them to the gateway.
type WSHandler struct {
	gw        *gateway.Gateway
	readLimit int64
	log       *zerolog.Logger
}

// NewWSHandler builds a new WebSocket handler.
func NewWSHandler(gw *gateway.Gateway, readLimit int64, logger *zerolog.Logger) stdhttp.Handler {
	return &WSHandler{gw: gw, readLimit: readLimit, log: logger}
}

func (h *WSHandler) ServeHTTP(w stdhttp.ResponseWriter, r *stdhttp.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		h.log.Error().Err(err).Msg("ws accept error")
		return
	}
	if h.readLimit > 0 {
		conn.SetReadLimit(h.readLimit)
	}

	credential := bearerToken(r.Header.Get("Authorization"))
	if credential == "" {
		credential = r.URL.Query().Get("token")
	}

	if err := h.gw.Serve(r.Context(), &wsTransport{conn: conn}, credential); err != nil {
		h.log.Warn().Err(err).Str("remote_addr", r.RemoteAddr).Msg("ws connection closed with error")
	}
}

// wsTransport adapts a coder/websocket connection to gateway.Transport.
type wsTransport struct {
	conn *websocket.Conn
}

func (t *wsTransport) Read(ctx context.Context) ([]byte, error) {
	_, data, err := t.conn.Read(ctx)
	return data, err
}

func (t *wsTransport) Write(ctx context.Context, out proto.Outbound) error {
	return wsjson.Write(ctx, t.conn, out)
}

func (t *wsTransport) Close(status websocket.StatusCode, reason string) error {
	return t.conn.Close(status, reason)
}
