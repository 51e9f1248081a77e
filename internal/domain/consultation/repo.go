package consultation

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Store is the durable consultation record. Implementations translate a
// missing id into ErrNotFound and a failed compare-and-set into ErrConflict.
type Store interface {
	Create(ctx context.Context, c *Consultation) error
	GetByID(ctx context.Context, id uuid.UUID) (*Consultation, error)

	// AppendMessage assigns m.Seq as the next log position and clamps
	// m.Timestamp so the log never goes backwards in time. It fails with
	// ErrConflict once the consultation is terminal.
	AppendMessage(ctx context.Context, id uuid.UUID, m *Message) error
	ListMessages(ctx context.Context, id uuid.UUID) ([]Message, error)

	// SetStatus applies ch only if the stored status still equals ch.From.
	SetStatus(ctx context.Context, id uuid.UUID, ch StatusChange) (*Consultation, error)
	SetEmergency(ctx context.Context, id uuid.UUID, emergency bool) (*Consultation, error)
	SetClinicalFields(ctx context.Context, id uuid.UUID, u ClinicalUpdate) (*Consultation, error)

	ListPending(ctx context.Context, doctorRef string) ([]*Consultation, error)
	ListActive(ctx context.Context, doctorRef string) ([]*Consultation, error)
	ListHistory(ctx context.Context, doctorRef string, limit, offset int) ([]*Consultation, int, error)
	ListByPatient(ctx context.Context, patientRef string, limit, offset int) ([]*Consultation, int, error)
	CountStats(ctx context.Context, doctorRef string, since time.Time) (*Stats, error)
}
