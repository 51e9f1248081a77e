package consultation

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Mode is the channel a consultation runs over. Signaling is only
// meaningful for audio and video.
type Mode string

const (
	ModeChat  Mode = "chat"
	ModeAudio Mode = "audio"
	ModeVideo Mode = "video"
)

func (m Mode) Valid() bool {
	switch m {
	case ModeChat, ModeAudio, ModeVideo:
		return true
	}
	return false
}

type Status string

const (
	StatusPending  Status = "pending"
	StatusActive   Status = "active"
	StatusEnded    Status = "ended"
	StatusRejected Status = "rejected"
)

// Terminal reports whether no further transitions or messages are accepted.
func (s Status) Terminal() bool {
	return s == StatusEnded || s == StatusRejected
}

type Sender string

const (
	SenderPatient Sender = "patient"
	SenderDoctor  Sender = "doctor"
	SenderSystem  Sender = "system"
)

// Actor is the authenticated caller of an operation. Ref is compared
// against the participant references stored on the consultation; Role
// alone never grants access.
type Actor struct {
	Ref  string
	Role string
}

type Consultation struct {
	ID                   uuid.UUID  `json:"id"`
	PatientRef           string     `json:"patientId"`
	DoctorRef            string     `json:"doctorId"`
	PatientName          *string    `json:"patientName,omitempty"`
	PatientPhone         *string    `json:"patientPhone,omitempty"`
	Mode                 Mode       `json:"mode"`
	Symptoms             string     `json:"symptoms"`
	Status               Status     `json:"status"`
	IsEmergency          bool       `json:"isEmergency"`
	DoctorNotes          *string    `json:"doctorNotes,omitempty"`
	Prescription         *string    `json:"prescription,omitempty"`
	FollowUpInstructions *string    `json:"followUpInstructions,omitempty"`
	CreatedAt            time.Time  `json:"createdAt"`
	AcceptedAt           *time.Time `json:"acceptedAt,omitempty"`
	EndedAt              *time.Time `json:"endedAt,omitempty"`
	UpdatedAt            time.Time  `json:"updatedAt"`

	// Messages is only populated on single-consultation reads.
	Messages []Message `json:"messages,omitempty"`
}

// senderFor resolves which participant a is on c.
func (c *Consultation) senderFor(a Actor) (Sender, bool) {
	switch {
	case a.Role == string(SenderPatient) && a.Ref == c.PatientRef:
		return SenderPatient, true
	case a.Role == string(SenderDoctor) && a.Ref == c.DoctorRef:
		return SenderDoctor, true
	}
	return "", false
}

func (c *Consultation) isDoctor(a Actor) bool {
	s, ok := c.senderFor(a)
	return ok && s == SenderDoctor
}

// Message is one entry in a consultation's append-only log. Seq is the
// 1-based log position and is the identity clients de-duplicate on.
type Message struct {
	Seq       int       `json:"seq"`
	Sender    Sender    `json:"sender"`
	Text      string    `json:"text"`
	ClientID  string    `json:"clientId,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type CreateRequest struct {
	DoctorRef    string  `json:"doctorId"`
	Mode         Mode    `json:"mode"`
	Symptoms     string  `json:"symptoms"`
	PatientName  *string `json:"patientName,omitempty"`
	PatientPhone *string `json:"patientPhone,omitempty"`
}

func (r *CreateRequest) Validate() error {
	if strings.TrimSpace(r.DoctorRef) == "" {
		return fmt.Errorf("%w: doctorId is required", ErrValidation)
	}
	if !r.Mode.Valid() {
		return fmt.Errorf("%w: mode must be chat, audio or video, got %q", ErrValidation, r.Mode)
	}
	if strings.TrimSpace(r.Symptoms) == "" {
		return fmt.Errorf("%w: symptoms is required", ErrValidation)
	}
	return nil
}

// ClinicalUpdate sets any subset of the doctor's clinical fields. Nil fields
// are left unchanged.
type ClinicalUpdate struct {
	DoctorNotes          *string `json:"doctorNotes,omitempty"`
	Prescription         *string `json:"prescription,omitempty"`
	FollowUpInstructions *string `json:"followUpInstructions,omitempty"`
}

func (u ClinicalUpdate) Empty() bool {
	return u.DoctorNotes == nil && u.Prescription == nil && u.FollowUpInstructions == nil
}

// StatusChange is a compare-and-set transition applied by the store.
type StatusChange struct {
	From       Status
	To         Status
	AcceptedAt *time.Time
	EndedAt    *time.Time
}

type Stats struct {
	ActiveConsultations    int `json:"activeConsultations"`
	TodayConsultations     int `json:"todayConsultations"`
	EmergencyConsultations int `json:"emergencyConsultations"`
}
