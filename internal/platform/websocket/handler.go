package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/telehealth/consult/internal/platform/auth"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 << 10
)

// InboundMessage is a frame received from a client.
type InboundMessage struct {
	Type           string          `json:"type"`
	ConsultationID string          `json:"consultationId"`
	Sender         string          `json:"sender,omitempty"`
	Text           string          `json:"text,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	CorrelationID  string          `json:"correlationId,omitempty"`
}

// Dispatcher receives connection lifecycle callbacks and inbound messages.
// HandleMessage is called from the connection's read goroutine, one message
// at a time per client.
type Dispatcher interface {
	HandleConnect(ctx context.Context, c *Client)
	HandleMessage(ctx context.Context, c *Client, msg InboundMessage)
}

type HandlerOptions struct {
	SendBuffer     int
	AllowedOrigins []string
}

// Handler upgrades authenticated HTTP requests to websocket connections and
// pumps frames between the socket and the Hub.
type Handler struct {
	hub        *Hub
	dispatcher Dispatcher
	logger     zerolog.Logger
	sendBuffer int
	upgrader   gorillawebsocket.Upgrader
}

func NewHandler(hub *Hub, dispatcher Dispatcher, logger zerolog.Logger, opts HandlerOptions) *Handler {
	return &Handler{
		hub:        hub,
		dispatcher: dispatcher,
		logger:     logger.With().Str("component", "ws").Logger(),
		sendBuffer: opts.SendBuffer,
		upgrader: gorillawebsocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(opts.AllowedOrigins),
		},
	}
}

// originChecker allows requests without an Origin header (native clients)
// and browser requests from the configured origins. "*" allows everything.
func originChecker(allowed []string) func(r *http.Request) bool {
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		set[o] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/ws", h.HandleConnect)
}

// HandleConnect upgrades the connection, registers the client and starts
// the read and write pumps.
func (h *Handler) HandleConnect(c echo.Context) error {
	id, ok := auth.IdentityFromContext(c.Request().Context())
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
	}

	ws, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// The upgrader has already written the HTTP error.
		h.logger.Debug().Err(err).Msg("upgrade failed")
		return nil
	}

	client := NewClient(id.UserID, id.Role, h.sendBuffer)
	h.hub.Register(client)

	ctx := context.WithoutCancel(c.Request().Context())
	h.logger.Info().Str("client_id", client.ID).Str("user_id", client.UserID).Str("role", client.Role).Msg("client connected")

	go h.writePump(client, ws)
	h.dispatcher.HandleConnect(ctx, client)
	go h.readPump(ctx, client, ws)

	return nil
}

// readPump decodes inbound frames and hands them to the dispatcher. An
// abrupt disconnect lands here as a read error and leaves every room.
func (h *Handler) readPump(ctx context.Context, client *Client, ws *gorillawebsocket.Conn) {
	defer func() {
		h.hub.Unregister(client)
		ws.Close()
		h.logger.Info().Str("client_id", client.ID).Str("user_id", client.UserID).Msg("client disconnected")
	}()

	ws.SetReadLimit(maxMessageSize)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			if gorillawebsocket.IsUnexpectedCloseError(err, gorillawebsocket.CloseGoingAway, gorillawebsocket.CloseNormalClosure) {
				h.logger.Warn().Err(err).Str("client_id", client.ID).Msg("unexpected close")
			}
			return
		}

		var msg InboundMessage
		if err := json.Unmarshal(raw, &msg); err != nil || msg.Type == "" {
			if f, ferr := NewFrame("error", "", ErrorData{Code: "validation", Message: "malformed frame"}); ferr == nil {
				h.hub.Send(client, f)
			}
			continue
		}

		h.dispatcher.HandleMessage(ctx, client, msg)
	}
}

// writePump drains the client's send queue onto the socket and keeps the
// connection alive with pings.
func (h *Handler) writePump(client *Client, ws *gorillawebsocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		ws.Close()
	}()

	for {
		select {
		case message, ok := <-client.Send:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = ws.WriteMessage(gorillawebsocket.CloseMessage, []byte{})
				return
			}
			if err := ws.WriteMessage(gorillawebsocket.TextMessage, message); err != nil {
				h.logger.Warn().Err(err).Str("client_id", client.ID).Msg("transport error: write failed")
				return
			}
		case <-ticker.C:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(gorillawebsocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
