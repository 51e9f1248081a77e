package consultation

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/telehealth/consult/internal/platform/websocket"
)

// SignalKind is a call-setup step exchanged between the two peers.
type SignalKind string

const (
	SignalOffer        SignalKind = "offer"
	SignalAnswer       SignalKind = "answer"
	SignalICECandidate SignalKind = "ice-candidate"
)

func (k SignalKind) Valid() bool {
	switch k {
	case SignalOffer, SignalAnswer, SignalICECandidate:
		return true
	}
	return false
}

// FrameType is the outbound frame name, e.g. "signal:offer".
func (k SignalKind) FrameType() string {
	return "signal:" + string(k)
}

type signalData struct {
	ConsultationID uuid.UUID       `json:"consultationId"`
	From           string          `json:"from"`
	Payload        json.RawMessage `json:"payload,omitempty"`
}

// RelaySignal forwards an opaque offer, answer or candidate to every other
// member of the consultation's room. The payload is neither inspected nor
// stored. With no other members the signal is dropped and 0 is returned;
// peers retry on their own timers.
func (r *Relay) RelaySignal(_ context.Context, sender *websocket.Client, id uuid.UUID, kind SignalKind, payload json.RawMessage) (int, error) {
	if !kind.Valid() {
		return 0, fmt.Errorf("%w: unknown signal kind %q", ErrValidation, kind)
	}

	// Membership is only granted by Join after a participant check, and is
	// revoked when the room is dropped on termination.
	unlock := r.locks.Lock(id)
	defer unlock()

	room := RoomFor(id)
	if !r.registry.IsMember(sender, room) {
		return 0, fmt.Errorf("%w: join the consultation before signaling", ErrForbidden)
	}

	f, ok := r.frame(kind.FrameType(), id, signalData{ConsultationID: id, From: sender.Role, Payload: payload})
	if !ok {
		return 0, fmt.Errorf("encode %s", kind.FrameType())
	}
	n := r.registry.RelayToOthers(sender, room, f)
	r.signals.Inc()
	return n, nil
}
