package consultation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type storePG struct{ pool *pgxpool.Pool }

func NewStorePG(pool *pgxpool.Pool) Store {
	return &storePG{pool: pool}
}

const consultationCols = `id, patient_ref, doctor_ref, patient_name, patient_phone, mode, symptoms,
	status, is_emergency, doctor_notes, prescription, follow_up_instructions,
	created_at, accepted_at, ended_at, updated_at`

func scanConsultation(row pgx.Row) (*Consultation, error) {
	var c Consultation
	err := row.Scan(&c.ID, &c.PatientRef, &c.DoctorRef, &c.PatientName, &c.PatientPhone,
		&c.Mode, &c.Symptoms, &c.Status, &c.IsEmergency, &c.DoctorNotes, &c.Prescription,
		&c.FollowUpInstructions, &c.CreatedAt, &c.AcceptedAt, &c.EndedAt, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &c, nil
}

func collectConsultations(rows pgx.Rows) ([]*Consultation, error) {
	defer rows.Close()
	items := []*Consultation{}
	for rows.Next() {
		c, err := scanConsultation(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, c)
	}
	return items, rows.Err()
}

func (r *storePG) Create(ctx context.Context, c *Consultation) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	if c.Status == "" {
		c.Status = StatusPending
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	err := r.pool.QueryRow(ctx, `
		INSERT INTO consultation (id, patient_ref, doctor_ref, patient_name, patient_phone,
			mode, symptoms, status, is_emergency, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		RETURNING updated_at`,
		c.ID, c.PatientRef, c.DoctorRef, c.PatientName, c.PatientPhone,
		string(c.Mode), c.Symptoms, string(c.Status), c.IsEmergency, c.CreatedAt,
	).Scan(&c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert consultation: %w", err)
	}
	return nil
}

func (r *storePG) GetByID(ctx context.Context, id uuid.UUID) (*Consultation, error) {
	return scanConsultation(r.pool.QueryRow(ctx, `SELECT `+consultationCols+` FROM consultation WHERE id = $1`, id))
}

// AppendMessage locks the consultation row so the status check, the seq
// assignment and the insert are atomic with respect to other writers,
// including other server processes.
func (r *storePG) AppendMessage(ctx context.Context, id uuid.UUID, m *Message) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var status Status
	err = tx.QueryRow(ctx, `SELECT status FROM consultation WHERE id = $1 FOR UPDATE`, id).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("lock consultation: %w", err)
	}
	if status.Terminal() {
		return fmt.Errorf("%w: consultation is %s", ErrConflict, status)
	}

	err = tx.QueryRow(ctx, `
		INSERT INTO consultation_message (consultation_id, seq, sender, text, client_id, sent_at)
		SELECT $1, COALESCE(MAX(seq), 0) + 1, $2::text, $3::text, NULLIF($4::text, ''),
			GREATEST($5::timestamptz, COALESCE(MAX(sent_at), $5::timestamptz))
		FROM consultation_message WHERE consultation_id = $1
		RETURNING seq, sent_at`,
		id, string(m.Sender), m.Text, m.ClientID, m.Timestamp,
	).Scan(&m.Seq, &m.Timestamp)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}

	if _, err := tx.Exec(ctx, `UPDATE consultation SET updated_at = NOW() WHERE id = $1`, id); err != nil {
		return fmt.Errorf("touch consultation: %w", err)
	}
	return tx.Commit(ctx)
}

func (r *storePG) ListMessages(ctx context.Context, id uuid.UUID) ([]Message, error) {
	var exists bool
	if err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM consultation WHERE id = $1)`, id).Scan(&exists); err != nil {
		return nil, err
	}
	if !exists {
		return nil, ErrNotFound
	}

	rows, err := r.pool.Query(ctx, `
		SELECT seq, sender, text, COALESCE(client_id, ''), sent_at
		FROM consultation_message WHERE consultation_id = $1 ORDER BY seq`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	msgs := []Message{}
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.Seq, &m.Sender, &m.Text, &m.ClientID, &m.Timestamp); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// missingOrConflict explains why a guarded UPDATE touched no rows.
func (r *storePG) missingOrConflict(ctx context.Context, q queryable, id uuid.UUID) error {
	var status Status
	err := q.QueryRow(ctx, `SELECT status FROM consultation WHERE id = $1`, id).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return err
	}
	return fmt.Errorf("%w: consultation is %s", ErrConflict, status)
}

func (r *storePG) SetStatus(ctx context.Context, id uuid.UUID, ch StatusChange) (*Consultation, error) {
	c, err := scanConsultation(r.pool.QueryRow(ctx, `
		UPDATE consultation SET
			status = $3,
			accepted_at = COALESCE($4, accepted_at),
			ended_at = COALESCE($5, ended_at),
			updated_at = NOW()
		WHERE id = $1 AND status = $2
			AND ($4::timestamptz IS NULL OR accepted_at IS NULL)
			AND ($5::timestamptz IS NULL OR ended_at IS NULL)
		RETURNING `+consultationCols,
		id, string(ch.From), string(ch.To), ch.AcceptedAt, ch.EndedAt))
	if errors.Is(err, ErrNotFound) {
		return nil, r.missingOrConflict(ctx, r.pool, id)
	}
	return c, err
}

func (r *storePG) SetEmergency(ctx context.Context, id uuid.UUID, emergency bool) (*Consultation, error) {
	c, err := scanConsultation(r.pool.QueryRow(ctx, `
		UPDATE consultation SET is_emergency = $2, updated_at = NOW()
		WHERE id = $1 AND status IN ('pending', 'active')
		RETURNING `+consultationCols, id, emergency))
	if errors.Is(err, ErrNotFound) {
		return nil, r.missingOrConflict(ctx, r.pool, id)
	}
	return c, err
}

func (r *storePG) SetClinicalFields(ctx context.Context, id uuid.UUID, u ClinicalUpdate) (*Consultation, error) {
	return scanConsultation(r.pool.QueryRow(ctx, `
		UPDATE consultation SET
			doctor_notes = COALESCE($2, doctor_notes),
			prescription = COALESCE($3, prescription),
			follow_up_instructions = COALESCE($4, follow_up_instructions),
			updated_at = NOW()
		WHERE id = $1
		RETURNING `+consultationCols,
		id, u.DoctorNotes, u.Prescription, u.FollowUpInstructions))
}

func (r *storePG) ListPending(ctx context.Context, doctorRef string) ([]*Consultation, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+consultationCols+` FROM consultation
		WHERE doctor_ref = $1 AND status = 'pending'
		ORDER BY created_at DESC`, doctorRef)
	if err != nil {
		return nil, err
	}
	return collectConsultations(rows)
}

func (r *storePG) ListActive(ctx context.Context, doctorRef string) ([]*Consultation, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+consultationCols+` FROM consultation
		WHERE doctor_ref = $1 AND status = 'active'
		ORDER BY accepted_at DESC`, doctorRef)
	if err != nil {
		return nil, err
	}
	return collectConsultations(rows)
}

func (r *storePG) ListHistory(ctx context.Context, doctorRef string, limit, offset int) ([]*Consultation, int, error) {
	var total int
	if err := r.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM consultation
		WHERE doctor_ref = $1 AND status IN ('ended', 'rejected')`, doctorRef).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.pool.Query(ctx, `
		SELECT `+consultationCols+` FROM consultation
		WHERE doctor_ref = $1 AND status IN ('ended', 'rejected')
		ORDER BY ended_at DESC NULLS LAST
		LIMIT $2 OFFSET $3`, doctorRef, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	items, err := collectConsultations(rows)
	return items, total, err
}

func (r *storePG) ListByPatient(ctx context.Context, patientRef string, limit, offset int) ([]*Consultation, int, error) {
	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM consultation WHERE patient_ref = $1`, patientRef).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.pool.Query(ctx, `
		SELECT `+consultationCols+` FROM consultation
		WHERE patient_ref = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`, patientRef, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	items, err := collectConsultations(rows)
	return items, total, err
}

func (r *storePG) CountStats(ctx context.Context, doctorRef string, since time.Time) (*Stats, error) {
	var st Stats
	err := r.pool.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE status = 'active'),
			COUNT(*) FILTER (WHERE created_at >= $2),
			COUNT(*) FILTER (WHERE status = 'active' AND is_emergency)
		FROM consultation WHERE doctor_ref = $1`, doctorRef, since,
	).Scan(&st.ActiveConsultations, &st.TodayConsultations, &st.EmergencyConsultations)
	if err != nil {
		return nil, fmt.Errorf("count stats: %w", err)
	}
	return &st, nil
}
