package radiology

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/ehr/ris/internal/domain/identity"
	"github.com/ehr/ris/internal/platform/db"
	"github.com/ehr/ris/internal/platform/hl7v2"
	"github.com/ehr/ris/internal/platform/metrics"
)

// PatientResolver finds a registered patient from incoming identifiers.
type PatientResolver interface {
	Resolve(ctx context.Context, mrn, lastName, firstName string, dob *time.Time) (*identity.Patient, error)
}

// TxRunner executes fn inside one transaction. Repositories called from fn
// join it through the context.
type TxRunner func(ctx context.Context, fn func(ctx context.Context) error) error

// Config is the order intake configuration surface.
type Config struct {
	AutoGenerateAccession bool
	FacilityCode          string
	AccessionPattern      string
}

// Service is the reconciliation engine. It owns order intake end to end:
// parse, extract, resolve the patient, then create or attach the request to
// its accession in one transaction.
type Service struct {
	requests   RequestRepository
	accessions AccessionRepository
	msgLog     MessageLogRepository
	patients   PatientResolver
	gen        *Generator
	runTx      TxRunner
	cfg        Config
	now        func() time.Time
}

func NewService(
	requests RequestRepository,
	accessions AccessionRepository,
	msgLog MessageLogRepository,
	patients PatientResolver,
	gen *Generator,
	runTx TxRunner,
	cfg Config,
) *Service {
	return &Service{
		requests:   requests,
		accessions: accessions,
		msgLog:     msgLog,
		patients:   patients,
		gen:        gen,
		runTx:      runTx,
		cfg:        cfg,
		now:        time.Now,
	}
}

// ReceiveResult is the structured outcome of one accepted message.
type ReceiveResult struct {
	Status             string `json:"status"`
	Message            string `json:"message"`
	Patient            string `json:"patient"`
	RequestID          string `json:"request_id"`
	ExternalRequestID  string `json:"external_request_id"`
	AccessionNumber    string `json:"accession_number"`
	AccessionGenerated bool   `json:"accession_generated"`
}

// ProcessMessage handles one inbound HL7 message end to end. Every call
// records exactly one message log row, success or failure, and the failure
// carries the raw message for operator diagnosis.
func (s *Service) ProcessMessage(ctx context.Context, raw []byte, transport string) (*ReceiveResult, error) {
	started := s.now()
	logEntry := &MessageLog{Transport: transport, RawMessage: string(raw)}

	result, err := s.processMessage(ctx, raw, logEntry)

	if err != nil {
		logEntry.Status = MessageLogFailed
		logEntry.ErrorKind = ErrorKind(err)
		logEntry.ErrorText = err.Error()
		metrics.RecordMessage(transport, errorKindOrInternal(err))
	} else {
		logEntry.Status = MessageLogProcessed
		metrics.RecordMessage(transport, "success")
	}
	metrics.RecordReconcile(time.Since(started))

	if logErr := s.msgLog.Record(ctx, logEntry); logErr != nil {
		log.Error().Err(logErr).Str("control_id", logEntry.ControlID).Msg("message log write failed")
	}

	if err != nil {
		log.Warn().Err(err).
			Str("transport", transport).
			Str("control_id", logEntry.ControlID).
			Str("raw_message", string(raw)).
			Msg("HL7 message rejected")
		return nil, err
	}

	log.Info().
		Str("transport", transport).
		Str("control_id", logEntry.ControlID).
		Str("external_request_id", result.ExternalRequestID).
		Str("accession_number", result.AccessionNumber).
		Bool("accession_generated", result.AccessionGenerated).
		Msg("HL7 message processed")
	return result, nil
}

func (s *Service) processMessage(ctx context.Context, raw []byte, logEntry *MessageLog) (*ReceiveResult, error) {
	msg, err := hl7v2.Parse(raw)
	if err != nil {
		return nil, err
	}
	logEntry.ControlID = msg.ControlID
	logEntry.MessageType = msg.Type

	// Only order messages are ingested; ADT and result feeds belong to
	// other interfaces.
	if !strings.HasPrefix(msg.Type, "ORM") {
		return nil, &UnsupportedMessageTypeError{Type: msg.Type}
	}

	order, err := ExtractOrder(msg)
	if err != nil {
		return nil, err
	}
	logEntry.SourceSystem = order.SourceSystem

	patient, err := s.patients.Resolve(ctx, order.MRN, order.LastName, order.FirstName, order.BirthDate)
	if err != nil {
		if errors.Is(err, identity.ErrPatientNotFound) {
			return nil, &PatientNotFoundError{MRN: order.MRN, Name: order.LastName + ", " + order.FirstName}
		}
		return nil, fmt.Errorf("patient resolution: %w", err)
	}
	logEntry.PatientID = &patient.ID

	req, acc, generated, err := s.Reconcile(ctx, order, patient.ID, string(raw))
	if err != nil {
		return nil, err
	}
	logEntry.RequestID = &req.ID
	logEntry.AccessionNumber = acc.AccessionNumber

	return &ReceiveResult{
		Status:             "success",
		Message:            "order processed",
		Patient:            patient.ID.String(),
		RequestID:          req.ID.String(),
		ExternalRequestID:  req.ExternalRequestID,
		AccessionNumber:    acc.AccessionNumber,
		AccessionGenerated: generated,
	}, nil
}

// Reconcile creates the procedure request and attaches it to its accession.
//
// A redelivered message (same external request ID within the same source
// system) is an idempotent replay: the stored request and accession come
// back unchanged with generated=false. Otherwise the request is created at
// Pending together with its accession in one transaction; the accession is
// looked up by the message's hint, created under that hint, or created with
// a generated number when no hint is present.
func (s *Service) Reconcile(ctx context.Context, order *Order, patientID uuid.UUID, raw string) (*ProcedureRequest, *Accession, bool, error) {
	if req, acc, err := s.findReplay(ctx, order); err != nil {
		return nil, nil, false, err
	} else if req != nil {
		return req, acc, false, nil
	}

	var (
		req       *ProcedureRequest
		acc       *Accession
		generated bool
	)

	err := s.runTx(ctx, func(ctx context.Context) error {
		var err error
		acc, generated, err = s.resolveAccession(ctx, order, patientID)
		if err != nil {
			return err
		}

		req = &ProcedureRequest{
			ExternalRequestID: order.ExternalRequestID,
			SourceSystem:      order.SourceSystem,
			PlacerOrderNumber: order.PlacerOrderNumber,
			FillerOrderNumber: order.FillerOrderNumber,
			ServiceCode:       order.ServiceCode,
			ServiceName:       order.ServiceName,
			Priority:          order.Priority,
			OrderingProvider:  order.OrderingProvider,
			RequestedAt:       order.RequestedAt,
			PatientID:         patientID,
			AccessionID:       acc.ID,
			Status:            RequestStatusPending,
			RawMessage:        raw,
		}
		return s.requests.Create(ctx, req)
	})

	if err != nil {
		if db.IsLockTimeout(err) {
			return nil, nil, false, &ConcurrencyConflictError{Key: contendedKey(order)}
		}
		if db.IsUniqueViolation(err) {
			// A concurrent delivery of the same order won the race; fall back
			// to the replay path.
			if req, acc, rerr := s.findReplay(ctx, order); rerr == nil && req != nil {
				return req, acc, false, nil
			}
			return nil, nil, false, &ConcurrencyConflictError{Key: contendedKey(order)}
		}
		return nil, nil, false, err
	}

	if generated {
		metrics.RecordAccessionGenerated()
	}
	return req, acc, generated, nil
}

// findReplay returns the stored request and accession for a redelivered
// order, or nil when the order is new.
func (s *Service) findReplay(ctx context.Context, order *Order) (*ProcedureRequest, *Accession, error) {
	req, err := s.requests.GetByExternalID(ctx, order.SourceSystem, order.ExternalRequestID)
	if err != nil {
		if db.IsNoRows(err) {
			return nil, nil, nil
		}
		return nil, nil, fmt.Errorf("request lookup: %w", err)
	}
	acc, err := s.accessions.GetByID(ctx, req.AccessionID)
	if err != nil {
		return nil, nil, fmt.Errorf("accession lookup for replay: %w", err)
	}
	return req, acc, nil
}

// resolveAccession finds or creates the accession for a new order inside
// the surrounding transaction. It returns generated=true only when the
// accession number came from the generator.
func (s *Service) resolveAccession(ctx context.Context, order *Order, patientID uuid.UUID) (*Accession, bool, error) {
	if order.AccessionHint != "" {
		// Serialize concurrent deliveries for the same number so only one
		// creates it.
		if err := s.accessions.LockNumber(ctx, order.AccessionHint); err != nil {
			return nil, false, err
		}

		existing, err := s.accessions.GetByNumber(ctx, order.AccessionHint)
		if err == nil {
			if existing.PatientID != patientID {
				return nil, false, &AccessionPatientConflictError{
					AccessionNumber: existing.AccessionNumber,
					ExistingPatient: existing.PatientID,
					IncomingPatient: patientID,
				}
			}
			return existing, false, nil
		}
		if !db.IsNoRows(err) {
			return nil, false, fmt.Errorf("accession lookup: %w", err)
		}

		acc := s.newAccession(order, patientID, order.AccessionHint)
		if err := s.accessions.Create(ctx, acc); err != nil {
			return nil, false, err
		}
		return acc, false, nil
	}

	if !s.cfg.AutoGenerateAccession {
		return nil, false, &AccessionRequiredError{}
	}

	number, err := s.gen.Generate(ctx, s.cfg.FacilityCode, s.cfg.AccessionPattern, s.now())
	if err != nil {
		return nil, false, err
	}

	acc := s.newAccession(order, patientID, number)
	if err := s.accessions.Create(ctx, acc); err != nil {
		return nil, false, err
	}
	return acc, true, nil
}

func (s *Service) newAccession(order *Order, patientID uuid.UUID, number string) *Accession {
	return &Accession{
		AccessionNumber: number,
		PatientID:       patientID,
		StudyDate:       order.RequestedAt,
		Status:          AccessionStatusScheduled,
	}
}

func contendedKey(order *Order) string {
	if order.AccessionHint != "" {
		return "accession:" + order.AccessionHint
	}
	return "sequence"
}

// -- Read operations --

func (s *Service) GetRequest(ctx context.Context, id uuid.UUID) (*ProcedureRequest, error) {
	req, err := s.requests.GetByID(ctx, id)
	if err != nil {
		if db.IsNoRows(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return req, nil
}

func (s *Service) ListRequests(ctx context.Context, limit, offset int) ([]*ProcedureRequest, error) {
	return s.requests.List(ctx, clampLimit(limit), clampOffset(offset))
}

func (s *Service) GetAccession(ctx context.Context, id uuid.UUID) (*Accession, error) {
	acc, err := s.accessions.GetByID(ctx, id)
	if err != nil {
		if db.IsNoRows(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return acc, nil
}

func (s *Service) GetAccessionByNumber(ctx context.Context, number string) (*Accession, error) {
	acc, err := s.accessions.GetByNumber(ctx, number)
	if err != nil {
		if db.IsNoRows(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return acc, nil
}

func (s *Service) ListAccessions(ctx context.Context, limit, offset int) ([]*Accession, error) {
	return s.accessions.List(ctx, clampLimit(limit), clampOffset(offset))
}

// AccessionRequests returns the requests linked to an accession in arrival
// order.
func (s *Service) AccessionRequests(ctx context.Context, accessionID uuid.UUID) ([]*ProcedureRequest, error) {
	if _, err := s.GetAccession(ctx, accessionID); err != nil {
		return nil, err
	}
	return s.requests.ListByAccession(ctx, accessionID)
}

func (s *Service) ListMessages(ctx context.Context, limit, offset int) ([]*MessageLog, error) {
	return s.msgLog.List(ctx, clampLimit(limit), clampOffset(offset))
}

// -- Workflow operations --

// TransitionRequest applies a status change to a request, enforcing the
// state machine.
func (s *Service) TransitionRequest(ctx context.Context, id uuid.UUID, next RequestStatus) (*ProcedureRequest, error) {
	if !next.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, next)
	}

	req, err := s.GetRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	if !req.Status.CanTransition(next) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, req.Status, next)
	}

	if err := s.requests.UpdateStatus(ctx, id, next); err != nil {
		return nil, err
	}
	req.Status = next

	log.Info().Str("request_id", id.String()).Str("status", string(next)).Msg("request status changed")
	return req, nil
}

// TransitionAccession applies a status change to an accession.
func (s *Service) TransitionAccession(ctx context.Context, id uuid.UUID, next AccessionStatus) (*Accession, error) {
	if !next.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, next)
	}

	acc, err := s.GetAccession(ctx, id)
	if err != nil {
		return nil, err
	}
	if !acc.Status.CanTransition(next) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, acc.Status, next)
	}

	if err := s.accessions.UpdateStatus(ctx, id, next); err != nil {
		return nil, err
	}
	acc.Status = next

	log.Info().Str("accession_id", id.String()).Str("status", string(next)).Msg("accession status changed")
	return acc, nil
}

// AssignStudyUID fills the accession's write-once study instance UID slot.
// Repeating the same UID is a no-op; a different UID is rejected.
func (s *Service) AssignStudyUID(ctx context.Context, id uuid.UUID, uid string) (*Accession, error) {
	acc, err := s.GetAccession(ctx, id)
	if err != nil {
		return nil, err
	}

	if acc.StudyInstanceUID != "" {
		if acc.StudyInstanceUID == uid {
			return acc, nil
		}
		return nil, &StudyUIDConflictError{
			AccessionNumber: acc.AccessionNumber,
			Existing:        acc.StudyInstanceUID,
			Proposed:        uid,
		}
	}

	wrote, err := s.accessions.SetStudyUID(ctx, id, uid)
	if err != nil {
		return nil, err
	}
	if !wrote {
		// Another writer filled the slot between the read and the write.
		current, err := s.GetAccession(ctx, id)
		if err != nil {
			return nil, err
		}
		if current.StudyInstanceUID == uid {
			return current, nil
		}
		return nil, &StudyUIDConflictError{
			AccessionNumber: current.AccessionNumber,
			Existing:        current.StudyInstanceUID,
			Proposed:        uid,
		}
	}

	acc.StudyInstanceUID = uid
	return acc, nil
}

// LinkRequest moves a non-terminal request onto the accession with the
// given number. The target must belong to the same patient.
func (s *Service) LinkRequest(ctx context.Context, requestID uuid.UUID, accessionNumber string) (*ProcedureRequest, *Accession, error) {
	req, err := s.GetRequest(ctx, requestID)
	if err != nil {
		return nil, nil, err
	}
	if req.Status == RequestStatusCompleted || req.Status == RequestStatusCancelled {
		return nil, nil, fmt.Errorf("%w: request is %s", ErrInvalidTransition, req.Status)
	}

	acc, err := s.GetAccessionByNumber(ctx, accessionNumber)
	if err != nil {
		return nil, nil, err
	}
	if acc.PatientID != req.PatientID {
		return nil, nil, &AccessionPatientConflictError{
			AccessionNumber: acc.AccessionNumber,
			ExistingPatient: acc.PatientID,
			IncomingPatient: req.PatientID,
		}
	}
	if req.AccessionID == acc.ID {
		return req, acc, nil
	}

	if err := s.requests.UpdateAccession(ctx, requestID, acc.ID); err != nil {
		return nil, nil, err
	}
	req.AccessionID = acc.ID

	log.Info().Str("request_id", requestID.String()).Str("accession_number", accessionNumber).Msg("request relinked")
	return req, acc, nil
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > 200 {
		return 50
	}
	return limit
}

func clampOffset(offset int) int {
	if offset < 0 {
		return 0
	}
	return offset
}
