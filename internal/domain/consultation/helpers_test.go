package consultation

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/telehealth/consult/internal/platform/websocket"
)

var (
	patientP1 = Actor{Ref: "P1", Role: "patient"}
	doctorD1  = Actor{Ref: "D1", Role: "doctor"}
	doctorD2  = Actor{Ref: "D2", Role: "doctor"}
)

// recordingRegistry wraps a real hub and records every broadcast so tests
// can assert on what the relay tried to fan out.
type recordingRegistry struct {
	*websocket.Hub

	mu         sync.Mutex
	broadcasts []recordedFrame
	dropped    []string
}

type recordedFrame struct {
	Room  string
	Frame websocket.Frame
}

func newRecordingRegistry() *recordingRegistry {
	return &recordingRegistry{Hub: websocket.NewHub(zerolog.Nop())}
}

func (r *recordingRegistry) Broadcast(room string, f websocket.Frame) int {
	r.mu.Lock()
	r.broadcasts = append(r.broadcasts, recordedFrame{Room: room, Frame: f})
	r.mu.Unlock()
	return r.Hub.Broadcast(room, f)
}

func (r *recordingRegistry) DropRoom(room string) int {
	r.mu.Lock()
	r.dropped = append(r.dropped, room)
	r.mu.Unlock()
	return r.Hub.DropRoom(room)
}

func (r *recordingRegistry) framesOfType(typ string) []recordedFrame {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []recordedFrame
	for _, b := range r.broadcasts {
		if b.Frame.Type == typ {
			out = append(out, b)
		}
	}
	return out
}

// failingStore fails message appends on demand.
type failingStore struct {
	Store
	failAppend bool
}

func (s *failingStore) AppendMessage(ctx context.Context, id uuid.UUID, m *Message) error {
	if s.failAppend {
		return errors.New("disk full")
	}
	return s.Store.AppendMessage(ctx, id, m)
}

type testEnv struct {
	store    Store
	registry *recordingRegistry
	locks    *Locker
	relay    *Relay
	svc      *Service
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return newTestEnvWithStore(t, NewMemoryStore())
}

func newTestEnvWithStore(t *testing.T, store Store) *testEnv {
	t.Helper()
	reg := newRecordingRegistry()
	locks := NewLocker()
	relay := NewRelay(store, reg, locks, zerolog.Nop())
	svc := NewService(store, locks, relay, zerolog.Nop())
	return &testEnv{store: store, registry: reg, locks: locks, relay: relay, svc: svc}
}

func (e *testEnv) create(t *testing.T, mode Mode) *Consultation {
	t.Helper()
	c, err := e.svc.Create(context.Background(), patientP1, CreateRequest{DoctorRef: "D1", Mode: mode, Symptoms: "fever"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return c
}

func (e *testEnv) createActive(t *testing.T, mode Mode) *Consultation {
	t.Helper()
	c := e.create(t, mode)
	if _, err := e.svc.Accept(context.Background(), doctorD1, c.ID); err != nil {
		t.Fatalf("accept: %v", err)
	}
	return c
}

// connect registers a socket client for actor, the way the websocket
// handler does on upgrade.
func (e *testEnv) connect(actor Actor) *websocket.Client {
	c := websocket.NewClient(actor.Ref, actor.Role, 64)
	e.registry.Register(c)
	return c
}

func (e *testEnv) join(t *testing.T, c *websocket.Client, id uuid.UUID) {
	t.Helper()
	if _, err := e.relay.Join(context.Background(), c, id); err != nil {
		t.Fatalf("join: %v", err)
	}
}

func drainFrames(c *websocket.Client) []websocket.Frame {
	var out []websocket.Frame
	for {
		select {
		case raw, ok := <-c.Send:
			if !ok {
				return out
			}
			var f websocket.Frame
			_ = json.Unmarshal(raw, &f)
			out = append(out, f)
		default:
			return out
		}
	}
}

func framesOf(frames []websocket.Frame, typ string) []websocket.Frame {
	var out []websocket.Frame
	for _, f := range frames {
		if f.Type == typ {
			out = append(out, f)
		}
	}
	return out
}

func decodeMessage(t *testing.T, f websocket.Frame) MessageData {
	t.Helper()
	var m MessageData
	if err := json.Unmarshal(f.Data, &m); err != nil {
		t.Fatalf("decode message frame: %v", err)
	}
	return m
}
