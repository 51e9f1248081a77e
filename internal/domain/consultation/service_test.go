package consultation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type recordingNotifier struct {
	mu     sync.Mutex
	events []Event
}

func (n *recordingNotifier) Notify(_ context.Context, ev Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
}

func (n *recordingNotifier) kinds() []EventKind {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]EventKind, len(n.events))
	for i, ev := range n.events {
		out[i] = ev.Kind
	}
	return out
}

func newTestService() (*Service, *recordingNotifier, Store) {
	store := NewMemoryStore()
	n := &recordingNotifier{}
	return NewService(store, NewLocker(), n, zerolog.Nop()), n, store
}

func mustCreate(t *testing.T, svc *Service) *Consultation {
	t.Helper()
	c, err := svc.Create(context.Background(), patientP1, CreateRequest{DoctorRef: "D1", Mode: ModeChat, Symptoms: "fever"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return c
}

func TestService_Create(t *testing.T) {
	svc, n, _ := newTestService()
	phone := "555-0100"

	c, err := svc.Create(context.Background(), patientP1, CreateRequest{
		DoctorRef: "D1", Mode: ModeVideo, Symptoms: "rash", PatientPhone: &phone,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.Status != StatusPending || c.PatientRef != "P1" || c.DoctorRef != "D1" {
		t.Fatalf("unexpected consultation %+v", c)
	}
	if c.CreatedAt.IsZero() || c.AcceptedAt != nil || c.EndedAt != nil {
		t.Fatalf("unexpected timestamps %+v", c)
	}
	if kinds := n.kinds(); len(kinds) != 1 || kinds[0] != EventCreated {
		t.Fatalf("expected created event, got %v", kinds)
	}
}

func TestService_CreateValidation(t *testing.T) {
	svc, n, _ := newTestService()
	ctx := context.Background()

	if _, err := svc.Create(ctx, patientP1, CreateRequest{DoctorRef: "D1", Mode: "smoke", Symptoms: "x"}); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation for bad mode, got %v", err)
	}
	if _, err := svc.Create(ctx, patientP1, CreateRequest{DoctorRef: "D1", Mode: ModeChat}); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation for empty symptoms, got %v", err)
	}
	if _, err := svc.Create(ctx, doctorD1, CreateRequest{DoctorRef: "D1", Mode: ModeChat, Symptoms: "x"}); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden for doctor caller, got %v", err)
	}
	if len(n.kinds()) != 0 {
		t.Fatal("failed creates must not notify")
	}
}

func TestService_Accept(t *testing.T) {
	svc, n, _ := newTestService()
	c := mustCreate(t, svc)

	got, err := svc.Accept(context.Background(), doctorD1, c.ID)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if got.Status != StatusActive || got.AcceptedAt == nil {
		t.Fatalf("unexpected %+v", got)
	}
	if kinds := n.kinds(); kinds[len(kinds)-1] != EventAccepted {
		t.Fatalf("expected accepted event, got %v", kinds)
	}

	if _, err := svc.Accept(context.Background(), doctorD1, c.ID); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict on second accept, got %v", err)
	}
}

func TestService_AcceptRace(t *testing.T) {
	svc, _, store := newTestService()
	c := mustCreate(t, svc)

	const callers = 8
	var wg sync.WaitGroup
	errs := make([]error, callers)
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, errs[i] = svc.Accept(context.Background(), doctorD1, c.ID)
		}(i)
	}
	close(start)
	wg.Wait()

	wins, conflicts := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, ErrConflict):
			conflicts++
		default:
			t.Fatalf("unexpected error %v", err)
		}
	}
	if wins != 1 || conflicts != callers-1 {
		t.Fatalf("expected 1 success and %d conflicts, got %d and %d", callers-1, wins, conflicts)
	}

	got, _ := store.GetByID(context.Background(), c.ID)
	if got.AcceptedAt == nil {
		t.Fatal("expected acceptedAt to be set")
	}
}

func TestService_AcceptByOtherDoctor(t *testing.T) {
	svc, n, store := newTestService()
	c := mustCreate(t, svc)
	before := len(n.kinds())

	if _, err := svc.Accept(context.Background(), doctorD2, c.ID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	got, _ := store.GetByID(context.Background(), c.ID)
	if got.Status != StatusPending {
		t.Fatalf("expected status to remain pending, got %s", got.Status)
	}
	if len(n.kinds()) != before {
		t.Fatal("rejected accept must not notify")
	}

	if _, err := svc.Accept(context.Background(), patientP1, c.ID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden for patient, got %v", err)
	}
}

func TestService_AcceptUnknown(t *testing.T) {
	svc, _, _ := newTestService()
	if _, err := svc.Accept(context.Background(), doctorD1, uuid.New()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestService_Reject(t *testing.T) {
	svc, n, _ := newTestService()
	c := mustCreate(t, svc)

	got, err := svc.Reject(context.Background(), doctorD1, c.ID)
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if got.Status != StatusRejected || got.AcceptedAt != nil || got.EndedAt == nil {
		t.Fatalf("unexpected %+v", got)
	}
	if kinds := n.kinds(); kinds[len(kinds)-1] != EventRejected {
		t.Fatalf("expected rejected event, got %v", kinds)
	}

	active := mustCreate(t, svc)
	_, _ = svc.Accept(context.Background(), doctorD1, active.ID)
	if _, err := svc.Reject(context.Background(), doctorD1, active.ID); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict rejecting an active consultation, got %v", err)
	}
}

func TestService_End(t *testing.T) {
	svc, n, _ := newTestService()
	c := mustCreate(t, svc)
	ctx := context.Background()
	_, _ = svc.Accept(ctx, doctorD1, c.ID)

	got, err := svc.End(ctx, patientP1, c.ID)
	if err != nil {
		t.Fatalf("end: %v", err)
	}
	if got.Status != StatusEnded || got.EndedAt == nil || got.AcceptedAt == nil {
		t.Fatalf("unexpected %+v", got)
	}
	if kinds := n.kinds(); kinds[len(kinds)-1] != EventEnded {
		t.Fatalf("expected ended event, got %v", kinds)
	}

	if _, err := svc.End(ctx, doctorD1, c.ID); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict ending twice, got %v", err)
	}
}

func TestService_EndAuthorization(t *testing.T) {
	svc, _, _ := newTestService()
	c := mustCreate(t, svc)
	ctx := context.Background()

	if _, err := svc.End(ctx, Actor{Ref: "P9", Role: "patient"}, c.ID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden for stranger, got %v", err)
	}
	// Either participant may end a pending request.
	if _, err := svc.End(ctx, doctorD1, c.ID); err != nil {
		t.Fatalf("expected doctor to end pending consultation, got %v", err)
	}
}

func TestService_EndRejectedConflicts(t *testing.T) {
	svc, _, _ := newTestService()
	c := mustCreate(t, svc)
	ctx := context.Background()
	_, _ = svc.Reject(ctx, doctorD1, c.ID)

	if _, err := svc.End(ctx, patientP1, c.ID); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict ending a rejected consultation, got %v", err)
	}
}

func TestService_SetEmergency(t *testing.T) {
	svc, n, _ := newTestService()
	c := mustCreate(t, svc)
	ctx := context.Background()

	got, err := svc.SetEmergency(ctx, doctorD1, c.ID, true)
	if err != nil || !got.IsEmergency {
		t.Fatalf("set emergency: %+v %v", got, err)
	}
	if kinds := n.kinds(); kinds[len(kinds)-1] != EventEmergencyUpdated {
		t.Fatalf("expected emergency event, got %v", kinds)
	}
	if got.Status != StatusPending {
		t.Fatal("emergency flag must not change status")
	}

	if _, err := svc.SetEmergency(ctx, patientP1, c.ID, false); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden for patient, got %v", err)
	}

	_, _ = svc.End(ctx, patientP1, c.ID)
	if _, err := svc.SetEmergency(ctx, doctorD1, c.ID, false); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict after end, got %v", err)
	}
}

func TestService_UpdateClinical(t *testing.T) {
	svc, n, _ := newTestService()
	c := mustCreate(t, svc)
	ctx := context.Background()
	_, _ = svc.Accept(ctx, doctorD1, c.ID)
	_, _ = svc.End(ctx, doctorD1, c.ID)

	follow := "review in a week"
	got, err := svc.UpdateClinical(ctx, doctorD1, c.ID, ClinicalUpdate{FollowUpInstructions: &follow})
	if err != nil {
		t.Fatalf("update clinical after end: %v", err)
	}
	if got.FollowUpInstructions == nil || *got.FollowUpInstructions != follow {
		t.Fatalf("unexpected %+v", got)
	}
	if kinds := n.kinds(); kinds[len(kinds)-1] != EventClinicalUpdated {
		t.Fatalf("expected clinical event, got %v", kinds)
	}

	if _, err := svc.UpdateClinical(ctx, doctorD1, c.ID, ClinicalUpdate{}); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation for empty update, got %v", err)
	}
	if _, err := svc.UpdateClinical(ctx, patientP1, c.ID, ClinicalUpdate{FollowUpInstructions: &follow}); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden for patient, got %v", err)
	}
}

func TestService_GetIncludesMessages(t *testing.T) {
	env := newTestEnv(t)
	c := env.createActive(t, ModeChat)
	ctx := context.Background()
	if _, err := env.relay.Send(ctx, patientP1, c.ID, SendInput{Text: "hello"}); err != nil {
		t.Fatalf("send: %v", err)
	}

	got, err := env.svc.Get(ctx, doctorD1, c.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(got.Messages) != 1 || got.Messages[0].Text != "hello" {
		t.Fatalf("expected message log, got %+v", got.Messages)
	}

	if _, err := env.svc.Get(ctx, doctorD2, c.ID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	if _, err := env.svc.Messages(ctx, Actor{Ref: "P2", Role: "patient"}, c.ID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
}

func TestService_Lists(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()
	a := mustCreate(t, svc)
	mustCreate(t, svc)
	_, _ = svc.Accept(ctx, doctorD1, a.ID)

	pending, err := svc.ListPending(ctx, doctorD1)
	if err != nil || len(pending) != 1 {
		t.Fatalf("pending: %v %v", pending, err)
	}
	active, err := svc.ListActive(ctx, doctorD1)
	if err != nil || len(active) != 1 || active[0].ID != a.ID {
		t.Fatalf("active: %v %v", active, err)
	}

	_, _ = svc.End(ctx, patientP1, a.ID)
	history, total, err := svc.ListHistory(ctx, doctorD1, 0, 0)
	if err != nil || total != 1 || len(history) != 1 {
		t.Fatalf("history: %v %d %v", history, total, err)
	}

	mine, total, err := svc.ListForPatient(ctx, patientP1, 10, 0)
	if err != nil || total != 2 || len(mine) != 2 {
		t.Fatalf("patient list: %v %d %v", mine, total, err)
	}

	if _, err := svc.ListPending(ctx, patientP1); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden for patient on doctor list, got %v", err)
	}
	if _, _, err := svc.ListForPatient(ctx, doctorD1, 10, 0); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden for doctor on patient list, got %v", err)
	}
}

func TestService_Stats(t *testing.T) {
	svc, _, _ := newTestService()
	fixed := time.Date(2026, 5, 10, 15, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return fixed }
	ctx := context.Background()

	c := mustCreate(t, svc)
	_, _ = svc.Accept(ctx, doctorD1, c.ID)
	_, _ = svc.SetEmergency(ctx, doctorD1, c.ID, true)
	mustCreate(t, svc)

	st, err := svc.Stats(ctx, doctorD1)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if st.ActiveConsultations != 1 || st.TodayConsultations != 2 || st.EmergencyConsultations != 1 {
		t.Fatalf("unexpected stats %+v", st)
	}
}
