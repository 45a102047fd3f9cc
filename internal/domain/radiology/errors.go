package radiology

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/ehr/ris/internal/platform/hl7v2"
)

// Error kind names carried in API error responses and the message log. The
// caller may blindly retry only ConcurrencyConflict; every other kind needs
// message correction upstream.
const (
	KindParse                    = "ParseError"
	KindUnsupportedMessageType   = "UnsupportedMessageTypeError"
	KindMissingIdentifier        = "MissingIdentifierError"
	KindPatientNotFound          = "PatientNotFoundError"
	KindInvalidPattern           = "InvalidPatternError"
	KindAccessionPatientConflict = "AccessionPatientConflictError"
	KindAccessionRequired        = "AccessionRequiredError"
	KindConcurrencyConflict      = "ConcurrencyConflictError"
	KindMapping                  = "MappingError"
	KindStudyUIDConflict         = "StudyUIDConflictError"
)

// UnsupportedMessageTypeError means the message parsed but is not an order
// message. Intake only handles ORM feeds.
type UnsupportedMessageTypeError struct {
	Type string
}

func (e *UnsupportedMessageTypeError) Error() string {
	return fmt.Sprintf("unsupported message type %q, expected ORM", e.Type)
}

// MissingIdentifierError means no requested procedure ID could be derived
// from the message.
type MissingIdentifierError struct {
	Detail string
}

func (e *MissingIdentifierError) Error() string {
	return "missing requested procedure identifier: " + e.Detail
}

// PatientNotFoundError means no registered patient matched the message's
// identifiers. Patients are never auto-created by intake.
type PatientNotFoundError struct {
	MRN  string
	Name string
}

func (e *PatientNotFoundError) Error() string {
	if e.MRN != "" {
		return fmt.Sprintf("no registered patient with identifier %q", e.MRN)
	}
	return fmt.Sprintf("no registered patient matching %q", e.Name)
}

// InvalidPatternError means the accession pattern is malformed.
type InvalidPatternError struct {
	Pattern string
	Detail  string
}

func (e *InvalidPatternError) Error() string {
	return fmt.Sprintf("invalid accession pattern %q: %s", e.Pattern, e.Detail)
}

// AccessionPatientConflictError means the hinted accession number belongs to
// a different patient. The message is rejected, never silently relinked.
type AccessionPatientConflictError struct {
	AccessionNumber string
	ExistingPatient uuid.UUID
	IncomingPatient uuid.UUID
}

func (e *AccessionPatientConflictError) Error() string {
	return fmt.Sprintf("accession %s belongs to a different patient", e.AccessionNumber)
}

// AccessionRequiredError means the message carried no accession number and
// auto-generation is disabled.
type AccessionRequiredError struct{}

func (e *AccessionRequiredError) Error() string {
	return "accession number required: message has none and auto-generation is disabled"
}

// ConcurrencyConflictError means a contended key could not be locked within
// the bounded wait. The whole message is safe to retry.
type ConcurrencyConflictError struct {
	Key string
}

func (e *ConcurrencyConflictError) Error() string {
	return fmt.Sprintf("concurrent update on %q, retry the message", e.Key)
}

// MappingError means a FHIR mapping input was missing a required field.
type MappingError struct {
	Field string
}

func (e *MappingError) Error() string {
	return "fhir mapping: missing required field " + e.Field
}

// StudyUIDConflictError means a second, different study instance UID write
// was attempted on an accession. The slot is write-once.
type StudyUIDConflictError struct {
	AccessionNumber string
	Existing        string
	Proposed        string
}

func (e *StudyUIDConflictError) Error() string {
	return fmt.Sprintf("accession %s already has study instance UID %s", e.AccessionNumber, e.Existing)
}

// ErrInvalidTransition is returned for a status change the state machine
// does not allow.
var ErrInvalidTransition = errors.New("invalid status transition")

// ErrNotFound is returned when a request or accession does not exist.
var ErrNotFound = errors.New("not found")

// Retryable reports whether the caller may blindly redeliver the message.
// Intake is idempotent per external request ID, so redelivery after a
// transient conflict is safe.
func Retryable(err error) bool {
	var cc *ConcurrencyConflictError
	return errors.As(err, &cc)
}

// ErrorKind returns the wire name for a domain error, or "" for errors that
// are not part of the intake contract.
func ErrorKind(err error) string {
	var (
		pe  *hl7v2.ParseError
		umt *UnsupportedMessageTypeError
		mi  *MissingIdentifierError
		pnf *PatientNotFoundError
		ip  *InvalidPatternError
		apc *AccessionPatientConflictError
		ar  *AccessionRequiredError
		cc  *ConcurrencyConflictError
		me  *MappingError
		suc *StudyUIDConflictError
	)
	switch {
	case errors.As(err, &pe):
		return KindParse
	case errors.As(err, &umt):
		return KindUnsupportedMessageType
	case errors.As(err, &mi):
		return KindMissingIdentifier
	case errors.As(err, &pnf):
		return KindPatientNotFound
	case errors.As(err, &ip):
		return KindInvalidPattern
	case errors.As(err, &apc):
		return KindAccessionPatientConflict
	case errors.As(err, &ar):
		return KindAccessionRequired
	case errors.As(err, &cc):
		return KindConcurrencyConflict
	case errors.As(err, &me):
		return KindMapping
	case errors.As(err, &suc):
		return KindStudyUIDConflict
	}
	return ""
}

// errorKindOrInternal is ErrorKind with a stable fallback for errors outside
// the intake contract, used in API responses and metric labels.
func errorKindOrInternal(err error) string {
	if kind := ErrorKind(err); kind != "" {
		return kind
	}
	return "InternalError"
}
