package consultation

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// EventKind names a state change the fan-out layer should announce.
type EventKind string

const (
	EventCreated          EventKind = "created"
	EventAccepted         EventKind = "accepted"
	EventRejected         EventKind = "rejected"
	EventEnded            EventKind = "ended"
	EventEmergencyUpdated EventKind = "emergency_updated"
	EventClinicalUpdated  EventKind = "clinical_updated"
)

// Event is a broadcast instruction carrying the consultation as it was just
// written.
type Event struct {
	Kind         EventKind
	Consultation *Consultation
}

// Notifier turns lifecycle events into broadcasts. Notify is called while
// the consultation's lock is held and after the durable write succeeded.
type Notifier interface {
	Notify(ctx context.Context, ev Event)
}

// HistoryLimit is the default page size for a doctor's history.
const HistoryLimit = 50

// Service is the consultation lifecycle: the state machine and the
// participant checks guarding each transition. It owns no connection state;
// every decision is made on a fresh read from the store.
type Service struct {
	store    Store
	locks    *Locker
	notifier Notifier
	logger   zerolog.Logger
	now      func() time.Time
}

func NewService(store Store, locks *Locker, notifier Notifier, logger zerolog.Logger) *Service {
	return &Service{
		store:    store,
		locks:    locks,
		notifier: notifier,
		logger:   logger.With().Str("component", "lifecycle").Logger(),
		now:      time.Now,
	}
}

func (s *Service) notify(ctx context.Context, kind EventKind, c *Consultation) {
	if s.notifier != nil {
		s.notifier.Notify(ctx, Event{Kind: kind, Consultation: c})
	}
}

// Create opens a pending consultation for the calling patient.
func (s *Service) Create(ctx context.Context, actor Actor, req CreateRequest) (*Consultation, error) {
	if actor.Role != string(SenderPatient) || actor.Ref == "" {
		return nil, fmt.Errorf("%w: only patients can request a consultation", ErrForbidden)
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	c := &Consultation{
		ID:           uuid.New(),
		PatientRef:   actor.Ref,
		DoctorRef:    req.DoctorRef,
		PatientName:  req.PatientName,
		PatientPhone: req.PatientPhone,
		Mode:         req.Mode,
		Symptoms:     req.Symptoms,
		Status:       StatusPending,
		CreatedAt:    s.now().UTC(),
	}
	if err := s.store.Create(ctx, c); err != nil {
		return nil, fmt.Errorf("create consultation: %w", err)
	}

	s.logger.Info().Str("consultation_id", c.ID.String()).Str("doctor_ref", c.DoctorRef).Str("mode", string(c.Mode)).Msg("consultation requested")
	s.notify(ctx, EventCreated, c)
	return c, nil
}

// loadFor reads id and checks that actor participates in it.
func (s *Service) loadFor(ctx context.Context, actor Actor, id uuid.UUID) (*Consultation, error) {
	c, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, ok := c.senderFor(actor); !ok {
		return nil, fmt.Errorf("%w: %s is not on consultation %s", ErrForbidden, actor.Ref, id)
	}
	return c, nil
}

// loadForDoctor reads id and checks that actor is its assigned doctor.
func (s *Service) loadForDoctor(ctx context.Context, actor Actor, id uuid.UUID) (*Consultation, error) {
	c, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !c.isDoctor(actor) {
		return nil, fmt.Errorf("%w: only the assigned doctor may do this", ErrForbidden)
	}
	return c, nil
}

// Get returns a consultation with its message log.
func (s *Service) Get(ctx context.Context, actor Actor, id uuid.UUID) (*Consultation, error) {
	c, err := s.loadFor(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	msgs, err := s.store.ListMessages(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	c.Messages = msgs
	return c, nil
}

// Messages returns the full log in append order. Clients fetch this once
// on join and merge live events by seq.
func (s *Service) Messages(ctx context.Context, actor Actor, id uuid.UUID) ([]Message, error) {
	if _, err := s.loadFor(ctx, actor, id); err != nil {
		return nil, err
	}
	return s.store.ListMessages(ctx, id)
}

func (s *Service) Accept(ctx context.Context, actor Actor, id uuid.UUID) (*Consultation, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	c, err := s.loadForDoctor(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	if c.Status != StatusPending || c.AcceptedAt != nil {
		return nil, fmt.Errorf("%w: cannot accept a %s consultation", ErrConflict, c.Status)
	}

	now := s.now().UTC()
	updated, err := s.store.SetStatus(ctx, id, StatusChange{From: StatusPending, To: StatusActive, AcceptedAt: &now})
	if err != nil {
		return nil, err
	}

	s.logger.Info().Str("consultation_id", id.String()).Msg("consultation accepted")
	s.notify(ctx, EventAccepted, updated)
	return updated, nil
}

func (s *Service) Reject(ctx context.Context, actor Actor, id uuid.UUID) (*Consultation, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	c, err := s.loadForDoctor(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	if c.Status != StatusPending {
		return nil, fmt.Errorf("%w: cannot reject a %s consultation", ErrConflict, c.Status)
	}

	now := s.now().UTC()
	updated, err := s.store.SetStatus(ctx, id, StatusChange{From: StatusPending, To: StatusRejected, EndedAt: &now})
	if err != nil {
		return nil, err
	}

	s.logger.Info().Str("consultation_id", id.String()).Msg("consultation rejected")
	s.notify(ctx, EventRejected, updated)
	return updated, nil
}

// End closes a pending or active consultation. Either participant may end
// it; ending one that is already terminal is a conflict.
func (s *Service) End(ctx context.Context, actor Actor, id uuid.UUID) (*Consultation, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	c, err := s.loadFor(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	if c.Status.Terminal() {
		return nil, fmt.Errorf("%w: consultation is already %s", ErrConflict, c.Status)
	}

	now := s.now().UTC()
	updated, err := s.store.SetStatus(ctx, id, StatusChange{From: c.Status, To: StatusEnded, EndedAt: &now})
	if err != nil {
		return nil, err
	}

	s.logger.Info().Str("consultation_id", id.String()).Str("ended_by", actor.Ref).Msg("consultation ended")
	s.notify(ctx, EventEnded, updated)
	return updated, nil
}

func (s *Service) SetEmergency(ctx context.Context, actor Actor, id uuid.UUID, emergency bool) (*Consultation, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	c, err := s.loadForDoctor(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	if c.Status.Terminal() {
		return nil, fmt.Errorf("%w: consultation is %s", ErrConflict, c.Status)
	}

	updated, err := s.store.SetEmergency(ctx, id, emergency)
	if err != nil {
		return nil, err
	}
	s.notify(ctx, EventEmergencyUpdated, updated)
	return updated, nil
}

// UpdateClinical sets the doctor's notes, prescription or follow-up
// instructions. These stay editable after the consultation ends.
func (s *Service) UpdateClinical(ctx context.Context, actor Actor, id uuid.UUID, u ClinicalUpdate) (*Consultation, error) {
	if u.Empty() {
		return nil, fmt.Errorf("%w: no clinical fields to update", ErrValidation)
	}

	unlock := s.locks.Lock(id)
	defer unlock()

	if _, err := s.loadForDoctor(ctx, actor, id); err != nil {
		return nil, err
	}
	updated, err := s.store.SetClinicalFields(ctx, id, u)
	if err != nil {
		return nil, err
	}
	s.notify(ctx, EventClinicalUpdated, updated)
	return updated, nil
}

func requireRole(actor Actor, role Sender) error {
	if actor.Role != string(role) || actor.Ref == "" {
		return fmt.Errorf("%w: requires %s role", ErrForbidden, role)
	}
	return nil
}

// ListForPatient returns the caller's own consultations, newest first.
func (s *Service) ListForPatient(ctx context.Context, actor Actor, limit, offset int) ([]*Consultation, int, error) {
	if err := requireRole(actor, SenderPatient); err != nil {
		return nil, 0, err
	}
	return s.store.ListByPatient(ctx, actor.Ref, limit, offset)
}

func (s *Service) ListPending(ctx context.Context, actor Actor) ([]*Consultation, error) {
	if err := requireRole(actor, SenderDoctor); err != nil {
		return nil, err
	}
	return s.store.ListPending(ctx, actor.Ref)
}

func (s *Service) ListActive(ctx context.Context, actor Actor) ([]*Consultation, error) {
	if err := requireRole(actor, SenderDoctor); err != nil {
		return nil, err
	}
	return s.store.ListActive(ctx, actor.Ref)
}

func (s *Service) ListHistory(ctx context.Context, actor Actor, limit, offset int) ([]*Consultation, int, error) {
	if err := requireRole(actor, SenderDoctor); err != nil {
		return nil, 0, err
	}
	if limit <= 0 {
		limit = HistoryLimit
	}
	return s.store.ListHistory(ctx, actor.Ref, limit, offset)
}

// Stats counts the doctor's active and emergency consultations and those
// created since local midnight.
func (s *Service) Stats(ctx context.Context, actor Actor) (*Stats, error) {
	if err := requireRole(actor, SenderDoctor); err != nil {
		return nil, err
	}
	now := s.now()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	return s.store.CountStats(ctx, actor.Ref, midnight)
}
