package consultation

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type memoryRecord struct {
	c        Consultation
	messages []Message
}

type memoryStore struct {
	mu      sync.RWMutex
	records map[uuid.UUID]*memoryRecord
	now     func() time.Time
}

// NewMemoryStore returns a process-local Store for development and tests.
// Values are copied in and out so callers never share state with it.
func NewMemoryStore() Store {
	return &memoryStore{
		records: make(map[uuid.UUID]*memoryRecord),
		now:     time.Now,
	}
}

func (s *memoryStore) Create(_ context.Context, c *Consultation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	if _, exists := s.records[c.ID]; exists {
		return fmt.Errorf("%w: consultation %s already exists", ErrConflict, c.ID)
	}
	now := s.now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	if c.Status == "" {
		c.Status = StatusPending
	}
	s.records[c.ID] = &memoryRecord{c: cloneConsultation(*c)}
	return nil
}

func (s *memoryStore) GetByID(_ context.Context, id uuid.UUID) (*Consultation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := cloneConsultation(rec.c)
	return &c, nil
}

func (s *memoryStore) AppendMessage(_ context.Context, id uuid.UUID, m *Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return ErrNotFound
	}
	if rec.c.Status.Terminal() {
		return fmt.Errorf("%w: consultation is %s", ErrConflict, rec.c.Status)
	}
	if n := len(rec.messages); n > 0 && m.Timestamp.Before(rec.messages[n-1].Timestamp) {
		m.Timestamp = rec.messages[n-1].Timestamp
	}
	m.Seq = len(rec.messages) + 1
	rec.messages = append(rec.messages, *m)
	return nil
}

func (s *memoryStore) ListMessages(_ context.Context, id uuid.UUID) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]Message, len(rec.messages))
	copy(out, rec.messages)
	return out, nil
}

func (s *memoryStore) SetStatus(_ context.Context, id uuid.UUID, ch StatusChange) (*Consultation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	if rec.c.Status != ch.From {
		return nil, fmt.Errorf("%w: status is %s, expected %s", ErrConflict, rec.c.Status, ch.From)
	}
	if ch.AcceptedAt != nil {
		if rec.c.AcceptedAt != nil {
			return nil, fmt.Errorf("%w: already accepted", ErrConflict)
		}
		t := *ch.AcceptedAt
		rec.c.AcceptedAt = &t
	}
	if ch.EndedAt != nil {
		if rec.c.EndedAt != nil {
			return nil, fmt.Errorf("%w: already ended", ErrConflict)
		}
		t := *ch.EndedAt
		rec.c.EndedAt = &t
	}
	rec.c.Status = ch.To
	rec.c.UpdatedAt = s.now().UTC()

	c := cloneConsultation(rec.c)
	return &c, nil
}

func (s *memoryStore) SetEmergency(_ context.Context, id uuid.UUID, emergency bool) (*Consultation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	if rec.c.Status.Terminal() {
		return nil, fmt.Errorf("%w: consultation is %s", ErrConflict, rec.c.Status)
	}
	rec.c.IsEmergency = emergency
	rec.c.UpdatedAt = s.now().UTC()

	c := cloneConsultation(rec.c)
	return &c, nil
}

func (s *memoryStore) SetClinicalFields(_ context.Context, id uuid.UUID, u ClinicalUpdate) (*Consultation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	if u.DoctorNotes != nil {
		rec.c.DoctorNotes = cloneString(u.DoctorNotes)
	}
	if u.Prescription != nil {
		rec.c.Prescription = cloneString(u.Prescription)
	}
	if u.FollowUpInstructions != nil {
		rec.c.FollowUpInstructions = cloneString(u.FollowUpInstructions)
	}
	rec.c.UpdatedAt = s.now().UTC()

	c := cloneConsultation(rec.c)
	return &c, nil
}

func (s *memoryStore) filter(match func(*Consultation) bool) []*Consultation {
	out := []*Consultation{}
	for _, rec := range s.records {
		if match(&rec.c) {
			c := cloneConsultation(rec.c)
			out = append(out, &c)
		}
	}
	return out
}

func (s *memoryStore) ListPending(_ context.Context, doctorRef string) ([]*Consultation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := s.filter(func(c *Consultation) bool {
		return c.DoctorRef == doctorRef && c.Status == StatusPending
	})
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *memoryStore) ListActive(_ context.Context, doctorRef string) ([]*Consultation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := s.filter(func(c *Consultation) bool {
		return c.DoctorRef == doctorRef && c.Status == StatusActive
	})
	sort.Slice(out, func(i, j int) bool { return timeOrZero(out[i].AcceptedAt).After(timeOrZero(out[j].AcceptedAt)) })
	return out, nil
}

func (s *memoryStore) ListHistory(_ context.Context, doctorRef string, limit, offset int) ([]*Consultation, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := s.filter(func(c *Consultation) bool {
		return c.DoctorRef == doctorRef && c.Status.Terminal()
	})
	sort.Slice(out, func(i, j int) bool { return timeOrZero(out[i].EndedAt).After(timeOrZero(out[j].EndedAt)) })
	total := len(out)
	return page(out, limit, offset), total, nil
}

func (s *memoryStore) ListByPatient(_ context.Context, patientRef string, limit, offset int) ([]*Consultation, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := s.filter(func(c *Consultation) bool { return c.PatientRef == patientRef })
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	total := len(out)
	return page(out, limit, offset), total, nil
}

func (s *memoryStore) CountStats(_ context.Context, doctorRef string, since time.Time) (*Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var st Stats
	for _, rec := range s.records {
		c := &rec.c
		if c.DoctorRef != doctorRef {
			continue
		}
		if c.Status == StatusActive {
			st.ActiveConsultations++
			if c.IsEmergency {
				st.EmergencyConsultations++
			}
		}
		if !c.CreatedAt.Before(since) {
			st.TodayConsultations++
		}
	}
	return &st, nil
}

func page(items []*Consultation, limit, offset int) []*Consultation {
	if offset >= len(items) {
		return []*Consultation{}
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

func timeOrZero(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneConsultation(c Consultation) Consultation {
	c.PatientName = cloneString(c.PatientName)
	c.PatientPhone = cloneString(c.PatientPhone)
	c.DoctorNotes = cloneString(c.DoctorNotes)
	c.Prescription = cloneString(c.Prescription)
	c.FollowUpInstructions = cloneString(c.FollowUpInstructions)
	c.AcceptedAt = cloneTime(c.AcceptedAt)
	c.EndedAt = cloneTime(c.EndedAt)
	c.Messages = nil
	return c
}
