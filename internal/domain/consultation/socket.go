package consultation

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/telehealth/consult/internal/platform/websocket"
)

// Inbound frame types.
const (
	InJoin        = "join"
	InLeave       = "leave"
	InMessageSend = "message:send"
	InEnd         = "consultation:end"
	inSignalPfx   = "signal:"
)

// SocketHandler dispatches inbound socket frames to the relay and the
// lifecycle service. Failures go back to the sending client only.
type SocketHandler struct {
	relay    *Relay
	svc      *Service
	registry Registry
	logger   zerolog.Logger
}

func NewSocketHandler(relay *Relay, svc *Service, registry Registry, logger zerolog.Logger) *SocketHandler {
	return &SocketHandler{
		relay:    relay,
		svc:      svc,
		registry: registry,
		logger:   logger.With().Str("component", "socket").Logger(),
	}
}

// HandleConnect puts doctors in their inbox room so they hear about new
// requests without joining each consultation.
func (h *SocketHandler) HandleConnect(_ context.Context, c *websocket.Client) {
	if c.Role == string(SenderDoctor) {
		h.registry.Join(c, DoctorRoom(c.UserID))
	}
}

func (h *SocketHandler) HandleMessage(ctx context.Context, c *websocket.Client, msg websocket.InboundMessage) {
	id, err := uuid.Parse(msg.ConsultationID)
	if err != nil {
		h.replyError(c, msg, fmt.Errorf("%w: consultationId must be a uuid", ErrValidation))
		return
	}
	actor := ActorFor(c)

	switch {
	case msg.Type == InJoin:
		cons, err := h.relay.Join(ctx, c, id)
		if err != nil {
			h.replyError(c, msg, err)
			return
		}
		h.reply(c, FrameJoined, id, statusData{ConsultationID: id, Status: cons.Status, AcceptedAt: cons.AcceptedAt})

	case msg.Type == InLeave:
		h.relay.Leave(c, id)
		h.reply(c, FrameLeft, id, map[string]string{"consultationId": id.String()})

	case msg.Type == InMessageSend:
		_, err := h.relay.Send(ctx, actor, id, SendInput{
			Text:          msg.Text,
			ClientID:      msg.CorrelationID,
			ClaimedSender: msg.Sender,
		})
		if err != nil {
			h.replyError(c, msg, err)
		}

	case strings.HasPrefix(msg.Type, inSignalPfx):
		kind := SignalKind(strings.TrimPrefix(msg.Type, inSignalPfx))
		if _, err := h.relay.RelaySignal(ctx, c, id, kind, msg.Payload); err != nil {
			h.replyError(c, msg, err)
		}

	case msg.Type == InEnd:
		if _, err := h.svc.End(ctx, actor, id); err != nil {
			h.replyError(c, msg, err)
		}

	default:
		h.replyError(c, msg, fmt.Errorf("%w: unknown frame type %q", ErrValidation, msg.Type))
	}
}

func (h *SocketHandler) reply(c *websocket.Client, typ string, id uuid.UUID, data interface{}) {
	f, err := websocket.NewFrame(typ, id.String(), data)
	if err != nil {
		h.logger.Error().Err(err).Str("type", typ).Msg("build reply")
		return
	}
	h.registry.Send(c, f)
}

func (h *SocketHandler) replyError(c *websocket.Client, msg websocket.InboundMessage, err error) {
	reason := Reason(err)
	text := err.Error()
	if reason == ReasonInternal {
		h.logger.Error().Err(err).Str("client_id", c.ID).Str("type", msg.Type).Msg("socket operation failed")
		text = "internal error"
	}
	f, ferr := websocket.NewFrame(FrameError, msg.ConsultationID, websocket.ErrorData{
		Code:          reason,
		Message:       text,
		CorrelationID: msg.CorrelationID,
	})
	if ferr != nil {
		return
	}
	h.registry.Send(c, f)
}
