// Package radiology implements the order filler: HL7 ORM intake, requested
// procedure reconciliation against accessions, accession number generation,
// and the FHIR projection of both entities.
package radiology

import (
	"time"

	"github.com/google/uuid"
)

// RequestStatus is the lifecycle state of a procedure request.
type RequestStatus string

const (
	RequestStatusPending    RequestStatus = "Pending"
	RequestStatusScheduled  RequestStatus = "Scheduled"
	RequestStatusInProgress RequestStatus = "InProgress"
	RequestStatusCompleted  RequestStatus = "Completed"
	RequestStatusCancelled  RequestStatus = "Cancelled"
)

// requestTransitions lists the allowed forward transitions. Cancelled is
// reachable from every non-terminal state; Completed and Cancelled are
// terminal.
var requestTransitions = map[RequestStatus][]RequestStatus{
	RequestStatusPending:    {RequestStatusScheduled, RequestStatusInProgress, RequestStatusCancelled},
	RequestStatusScheduled:  {RequestStatusInProgress, RequestStatusCancelled},
	RequestStatusInProgress: {RequestStatusCompleted, RequestStatusCancelled},
}

// CanTransition reports whether a request may move from its current status
// to next.
func (s RequestStatus) CanTransition(next RequestStatus) bool {
	for _, allowed := range requestTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Valid reports whether s is a known request status.
func (s RequestStatus) Valid() bool {
	switch s {
	case RequestStatusPending, RequestStatusScheduled, RequestStatusInProgress,
		RequestStatusCompleted, RequestStatusCancelled:
		return true
	}
	return false
}

// AccessionStatus is the lifecycle state of an accession (imaging study).
type AccessionStatus string

const (
	AccessionStatusScheduled  AccessionStatus = "Scheduled"
	AccessionStatusArrived    AccessionStatus = "Arrived"
	AccessionStatusInProgress AccessionStatus = "InProgress"
	AccessionStatusCompleted  AccessionStatus = "Completed"
	AccessionStatusCancelled  AccessionStatus = "Cancelled"
)

var accessionTransitions = map[AccessionStatus][]AccessionStatus{
	AccessionStatusScheduled:  {AccessionStatusArrived, AccessionStatusInProgress, AccessionStatusCancelled},
	AccessionStatusArrived:    {AccessionStatusInProgress, AccessionStatusCancelled},
	AccessionStatusInProgress: {AccessionStatusCompleted, AccessionStatusCancelled},
}

func (s AccessionStatus) CanTransition(next AccessionStatus) bool {
	for _, allowed := range accessionTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

func (s AccessionStatus) Valid() bool {
	switch s {
	case AccessionStatusScheduled, AccessionStatusArrived, AccessionStatusInProgress,
		AccessionStatusCompleted, AccessionStatusCancelled:
		return true
	}
	return false
}

// ProcedureRequest is one imaging order line. Identifier and service fields
// are immutable after creation; only Status changes.
type ProcedureRequest struct {
	ID                uuid.UUID     `json:"id"`
	ExternalRequestID string        `json:"external_request_id"`
	SourceSystem      string        `json:"source_system,omitempty"`
	PlacerOrderNumber string        `json:"placer_order_number,omitempty"`
	FillerOrderNumber string        `json:"filler_order_number,omitempty"`
	ServiceCode       string        `json:"service_code"`
	ServiceName       string        `json:"service_name,omitempty"`
	Priority          string        `json:"priority,omitempty"`
	OrderingProvider  string        `json:"ordering_provider,omitempty"`
	RequestedAt       *time.Time    `json:"requested_at,omitempty"`
	PatientID         uuid.UUID     `json:"patient_id"`
	AccessionID       uuid.UUID     `json:"accession_id"`
	Status            RequestStatus `json:"status"`
	RawMessage        string        `json:"-"`
	CreatedAt         time.Time     `json:"created_at"`
	UpdatedAt         time.Time     `json:"updated_at"`
}

// Accession is one imaging study, the unit DICOM images attach to. The
// accession number is globally unique and never mutated or reused. The
// study instance UID is a single-assignment slot written by the imaging
// system.
type Accession struct {
	ID               uuid.UUID       `json:"id"`
	AccessionNumber  string          `json:"accession_number"`
	PatientID        uuid.UUID       `json:"patient_id"`
	StudyInstanceUID string          `json:"study_instance_uid,omitempty"`
	StudyDate        *time.Time      `json:"study_date,omitempty"`
	Modality         string          `json:"modality,omitempty"`
	Status           AccessionStatus `json:"status"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// MessageLogStatus is the processing outcome recorded for an inbound message.
type MessageLogStatus string

const (
	MessageLogProcessed MessageLogStatus = "Processed"
	MessageLogFailed    MessageLogStatus = "Failed"
)

// MessageLog is the audit record for one inbound HL7 message. Every message
// produces exactly one row, success or failure.
type MessageLog struct {
	ID              uuid.UUID        `json:"id"`
	ControlID       string           `json:"control_id,omitempty"`
	MessageType     string           `json:"message_type,omitempty"`
	SourceSystem    string           `json:"source_system,omitempty"`
	Transport       string           `json:"transport"` // "http" or "mllp"
	Status          MessageLogStatus `json:"status"`
	ErrorKind       string           `json:"error_kind,omitempty"`
	ErrorText       string           `json:"error_text,omitempty"`
	PatientID       *uuid.UUID       `json:"patient_id,omitempty"`
	RequestID       *uuid.UUID       `json:"request_id,omitempty"`
	AccessionNumber string           `json:"accession_number,omitempty"`
	RawMessage      string           `json:"raw_message,omitempty"`
	ReceivedAt      time.Time        `json:"received_at"`
}

// priorityNames maps HL7 priority codes (OBR-5) to display names.
var priorityNames = map[string]string{
	"R": "Routine",
	"S": "Stat",
	"A": "Asap",
	"U": "Urgent",
}

// PriorityName returns the display name for an HL7 priority code, or the
// code itself when unrecognized.
func PriorityName(code string) string {
	if name, ok := priorityNames[code]; ok {
		return name
	}
	return code
}
