package consultation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/telehealth/consult/internal/platform/websocket"
)

// Outbound frame types.
const (
	FrameMessageNew       = "message:new"
	FrameAccepted         = "consultation:accepted"
	FrameRejected         = "consultation:rejected"
	FrameEnded            = "consultation:end"
	FrameNewRequest       = "consultation:new-request"
	FrameEmergencyUpdated = "consultation:emergency-updated"
	FrameUpdated          = "consultation:updated"
	FrameJoined           = "joined"
	FrameLeft             = "left"
	FrameError            = "error"
)

// Registry is the slice of the session registry the relay needs.
// *websocket.Hub implements it.
type Registry interface {
	Join(c *websocket.Client, room string) bool
	Leave(c *websocket.Client, room string) bool
	IsMember(c *websocket.Client, room string) bool
	Broadcast(room string, f websocket.Frame) int
	RelayToOthers(sender *websocket.Client, room string, f websocket.Frame) int
	DropRoom(room string) int
	Send(c *websocket.Client, f websocket.Frame) bool
}

// RoomFor is the registry room carrying a consultation's live events.
func RoomFor(id uuid.UUID) string {
	return "consultation:" + id.String()
}

// DoctorRoom is a doctor's personal inbox room for new requests.
func DoctorRoom(doctorRef string) string {
	return "doctor:" + doctorRef
}

// ActorFor is the identity a socket client acts as.
func ActorFor(c *websocket.Client) Actor {
	return Actor{Ref: c.UserID, Role: c.Role}
}

// MessageData is the payload of a message:new frame.
type MessageData struct {
	ConsultationID uuid.UUID `json:"consultationId"`
	Seq            int       `json:"seq"`
	Sender         Sender    `json:"sender"`
	Text           string    `json:"text"`
	ClientID       string    `json:"clientId,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// SendInput is an inbound chat message. ClaimedSender, when set, must agree
// with the authenticated caller.
type SendInput struct {
	Text          string
	ClientID      string
	ClaimedSender string
}

// Counter counts relayed events. *telemetry.Counter implements it.
type Counter interface {
	Inc()
}

type nopCounter struct{}

func (nopCounter) Inc() {}

// Relay persists messages and fans consultation events out to rooms. It
// shares the Locker with the lifecycle Service so that every broadcast for
// a consultation is issued in the order its write was committed.
type Relay struct {
	store    Store
	registry Registry
	locks    *Locker
	logger   zerolog.Logger
	now      func() time.Time

	messages     Counter
	signals      Counter
	terminations Counter
}

func NewRelay(store Store, registry Registry, locks *Locker, logger zerolog.Logger) *Relay {
	return &Relay{
		store:    store,
		registry: registry,
		locks:    locks,
		logger:   logger.With().Str("component", "relay").Logger(),
		now:      time.Now,

		messages:     nopCounter{},
		signals:      nopCounter{},
		terminations: nopCounter{},
	}
}

// Instrument sets the counters bumped per relayed message, per relayed
// signal and per released room.
func (r *Relay) Instrument(messages, signals, terminations Counter) {
	r.messages = messages
	r.signals = signals
	r.terminations = terminations
}

func (r *Relay) frame(typ string, id uuid.UUID, data interface{}) (websocket.Frame, bool) {
	f, err := websocket.NewFrame(typ, id.String(), data)
	if err != nil {
		r.logger.Error().Err(err).Str("consultation_id", id.String()).Msg("build frame")
		return websocket.Frame{}, false
	}
	return f, true
}

func (r *Relay) broadcast(room string, typ string, id uuid.UUID, data interface{}) int {
	f, ok := r.frame(typ, id, data)
	if !ok {
		return 0
	}
	return r.registry.Broadcast(room, f)
}

// Send appends a message to the consultation's log and broadcasts it to the
// room. Nothing is broadcast unless the append succeeded.
func (r *Relay) Send(ctx context.Context, actor Actor, id uuid.UUID, in SendInput) (*Message, error) {
	text := strings.TrimSpace(in.Text)
	if text == "" {
		return nil, fmt.Errorf("%w: text is required", ErrValidation)
	}

	unlock := r.locks.Lock(id)
	defer unlock()

	c, err := r.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	sender, ok := c.senderFor(actor)
	if !ok {
		return nil, fmt.Errorf("%w: %s is not on consultation %s", ErrForbidden, actor.Ref, id)
	}
	if in.ClaimedSender != "" && in.ClaimedSender != string(sender) {
		return nil, fmt.Errorf("%w: cannot send as %s", ErrForbidden, in.ClaimedSender)
	}
	if c.Status.Terminal() {
		return nil, fmt.Errorf("%w: consultation is %s", ErrConflict, c.Status)
	}

	m := &Message{
		Sender:    sender,
		Text:      text,
		ClientID:  in.ClientID,
		Timestamp: r.now().UTC(),
	}
	if err := r.store.AppendMessage(ctx, id, m); err != nil {
		return nil, fmt.Errorf("append message: %w", err)
	}

	r.broadcast(RoomFor(id), FrameMessageNew, id, MessageData{
		ConsultationID: id,
		Seq:            m.Seq,
		Sender:         m.Sender,
		Text:           m.Text,
		ClientID:       m.ClientID,
		Timestamp:      m.Timestamp,
	})
	r.messages.Inc()
	return m, nil
}

// Join adds client to a consultation's room. Only participants of a
// non-terminal consultation may join; the check and the join happen under
// the consultation lock so a concurrent end cannot slip between them.
func (r *Relay) Join(ctx context.Context, client *websocket.Client, id uuid.UUID) (*Consultation, error) {
	unlock := r.locks.Lock(id)
	defer unlock()

	c, err := r.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, ok := c.senderFor(ActorFor(client)); !ok {
		return nil, fmt.Errorf("%w: %s is not on consultation %s", ErrForbidden, client.UserID, id)
	}
	if c.Status.Terminal() {
		return nil, fmt.Errorf("%w: consultation is %s", ErrConflict, c.Status)
	}

	if r.registry.Join(client, RoomFor(id)) {
		r.logger.Debug().Str("consultation_id", id.String()).Str("client_id", client.ID).Msg("joined room")
	}
	return c, nil
}

// Leave removes client from a consultation's room.
func (r *Relay) Leave(client *websocket.Client, id uuid.UUID) bool {
	return r.registry.Leave(client, RoomFor(id))
}

type statusData struct {
	ConsultationID uuid.UUID  `json:"consultationId"`
	Status         Status     `json:"status"`
	AcceptedAt     *time.Time `json:"acceptedAt,omitempty"`
	EndedAt        *time.Time `json:"endedAt,omitempty"`
}

type newRequestData struct {
	ConsultationID uuid.UUID `json:"consultationId"`
	DoctorID       string    `json:"doctorId"`
	PatientName    *string   `json:"patientName,omitempty"`
	Mode           Mode      `json:"mode"`
	Symptoms       string    `json:"symptoms"`
	IsEmergency    bool      `json:"isEmergency"`
	CreatedAt      time.Time `json:"createdAt"`
}

type emergencyData struct {
	ConsultationID uuid.UUID `json:"consultationId"`
	IsEmergency    bool      `json:"isEmergency"`
}

type clinicalData struct {
	ConsultationID       uuid.UUID `json:"consultationId"`
	DoctorNotes          *string   `json:"doctorNotes,omitempty"`
	Prescription         *string   `json:"prescription,omitempty"`
	FollowUpInstructions *string   `json:"followUpInstructions,omitempty"`
}

// Notify implements Notifier.
func (r *Relay) Notify(_ context.Context, ev Event) {
	c := ev.Consultation
	if c == nil {
		return
	}
	room := RoomFor(c.ID)

	switch ev.Kind {
	case EventCreated:
		r.broadcast(DoctorRoom(c.DoctorRef), FrameNewRequest, c.ID, newRequestData{
			ConsultationID: c.ID,
			DoctorID:       c.DoctorRef,
			PatientName:    c.PatientName,
			Mode:           c.Mode,
			Symptoms:       c.Symptoms,
			IsEmergency:    c.IsEmergency,
			CreatedAt:      c.CreatedAt,
		})
	case EventAccepted:
		r.broadcast(room, FrameAccepted, c.ID, statusData{ConsultationID: c.ID, Status: c.Status, AcceptedAt: c.AcceptedAt})
	case EventRejected, EventEnded:
		r.propagateTermination(c)
	case EventEmergencyUpdated:
		data := emergencyData{ConsultationID: c.ID, IsEmergency: c.IsEmergency}
		r.broadcast(room, FrameEmergencyUpdated, c.ID, data)
		r.broadcast(DoctorRoom(c.DoctorRef), FrameEmergencyUpdated, c.ID, data)
	case EventClinicalUpdated:
		r.broadcast(room, FrameUpdated, c.ID, clinicalData{
			ConsultationID:       c.ID,
			DoctorNotes:          c.DoctorNotes,
			Prescription:         c.Prescription,
			FollowUpInstructions: c.FollowUpInstructions,
		})
	default:
		r.logger.Warn().Str("kind", string(ev.Kind)).Msg("unknown event")
	}
}
