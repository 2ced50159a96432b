package domain

import (
	"time"
)

// LeadStatus enumerates the lifecycle of a lead.
type LeadStatus string

const (
	LeadStatusOpen   LeadStatus = "open"
	LeadStatusClosed LeadStatus = "closed"
)

// CallStatus reflects the dialing state of a lead. The zero value means no
// call activity has been recorded (stored as NULL).
type CallStatus string

const (
	CallStatusCalling   CallStatus = "calling"
	CallStatusCompleted CallStatus = "completed"
	CallStatusError     CallStatus = "error"
	CallStatusBusy      CallStatus = "busy"
	CallStatusNoAnswer  CallStatus = "no_answer"
)

// Level-1 disposition values. These are the canonical strings persisted on
// leads; they match what operators see on the dashboards.
const (
	Level1CallBack          = "Volver a llamar"
	Level1Appointment       = "Cita Agendada"
	Level1ManualAppointment = "Cita manual"
	Level1NotInterested     = "No Interesado"
	Level1WrongNumber       = "Numero erroneo"
	Level1MaxAttempts       = "Maximo intentos"
)

// Level-2 refinements grouped by their level-1 parent.
const (
	Level2Voicemail       = "buzon"
	Level2Unavailable     = "no disponible cliente"
	Level2HangUp          = "cortado"
	Level2ExchangeFailure = "fallo centralita"

	Level2FailedRepeatedly = "Fallo multiple veces"

	Level2NoAvailability   = "no disponibilidad cliente"
	Level2ShortTermLeave   = "no disponibilidad corto plazo"
	Level2Unhappy          = "descontento con el servicio"
	Level2NoReason         = "sin motivo"
	Level2NearCancellation = "proxima baja"
	Level2AlreadyAttended  = "ya asistio"
	Level2OtherReason      = "otros"

	Level2WithPack    = "Con Pack"
	Level2WithoutPack = "Sin Pack"
)

// Lead is the authoritative record of a prospect.
type Lead struct {
	ID         int64      `db:"id"`
	FirstName  string     `db:"nombre"`
	LastName   string     `db:"apellidos"`
	NationalID string     `db:"nif"`
	BirthDate  *time.Time `db:"fecha_nacimiento"`
	Gender     string     `db:"sexo"`
	Phone      string     `db:"telefono"`
	PhoneAlt   string     `db:"telefono2"`
	Email      string     `db:"email"`

	ClinicID      string `db:"clinica_id"`
	ClinicName    string `db:"nombre_clinica"`
	ClinicAddress string `db:"direccion_clinica"`
	City          string `db:"ciudad"`
	PostalCode    string `db:"codigo_postal"`
	Region        string `db:"delegacion"`

	Certificate string `db:"certificado"`
	PolicyNum   string `db:"poliza"`
	OrderNum    *int   `db:"orden"`
	Segment     string `db:"segmento"`

	StatusLevel1 *string `db:"status_level_1"`
	StatusLevel2 *string `db:"status_level_2"`

	AppointmentDate *time.Time `db:"cita"`
	AppointmentTime *string    `db:"hora_cita"`

	CallAttempts     int         `db:"call_attempts_count"`
	LastCallAttempt  *time.Time  `db:"last_call_attempt"`
	CallStatus       *CallStatus `db:"call_status"`
	SelectedForCall  bool        `db:"selected_for_calling"`
	ManualManagement bool        `db:"manual_management"`
	CallError        *string     `db:"call_error_message"`
	ProviderResponse []byte      `db:"pearl_call_response"`

	LeadStatus    LeadStatus `db:"lead_status"`
	ClosureReason *string    `db:"closure_reason"`

	Notes      *string   `db:"notas"`
	OriginFile string    `db:"origen_archivo"`
	CreatedAt  time.Time `db:"created_at"`
	UpdatedAt  time.Time `db:"updated_at"`
}

// Closed reports whether the lead's lifecycle is terminal.
func (l *Lead) Closed() bool {
	return l.LeadStatus == LeadStatusClosed
}

// FullName joins the name parts for log lines.
func (l *Lead) FullName() string {
	if l.LastName == "" {
		return l.FirstName
	}
	return l.FirstName + " " + l.LastName
}

// DialPhone returns the number the dispatcher should dial: the primary
// phone, falling back to the secondary one.
func (l *Lead) DialPhone() string {
	if l.Phone != "" {
		return l.Phone
	}
	return l.PhoneAlt
}
