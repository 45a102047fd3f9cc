package radiology

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/ehr/ris/internal/domain/identity"
)

// -- mocks --

type mockRequestRepo struct {
	mu   sync.Mutex
	byID map[uuid.UUID]*ProcedureRequest
	seq  int
}

func newMockRequestRepo() *mockRequestRepo {
	return &mockRequestRepo{byID: make(map[uuid.UUID]*ProcedureRequest)}
}

func (m *mockRequestRepo) Create(ctx context.Context, r *ProcedureRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	m.seq++
	r.CreatedAt = time.Now().Add(time.Duration(m.seq) * time.Millisecond)
	cp := *r
	m.byID[r.ID] = &cp
	return nil
}

func (m *mockRequestRepo) GetByID(ctx context.Context, id uuid.UUID) (*ProcedureRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.byID[id]; ok {
		cp := *r
		return &cp, nil
	}
	return nil, pgx.ErrNoRows
}

func (m *mockRequestRepo) GetByExternalID(ctx context.Context, sourceSystem, externalID string) (*ProcedureRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.byID {
		if r.SourceSystem == sourceSystem && r.ExternalRequestID == externalID {
			cp := *r
			return &cp, nil
		}
	}
	return nil, pgx.ErrNoRows
}

func (m *mockRequestRepo) ListByAccession(ctx context.Context, accessionID uuid.UUID) ([]*ProcedureRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*ProcedureRequest
	for _, r := range m.byID {
		if r.AccessionID == accessionID {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *mockRequestRepo) List(ctx context.Context, limit, offset int) ([]*ProcedureRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*ProcedureRequest
	for _, r := range m.byID {
		cp := *r
		out = append(out, &cp)
	}
	return out, nil
}

func (m *mockRequestRepo) UpdateStatus(ctx context.Context, id uuid.UUID, status RequestStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.byID[id]
	if !ok {
		return pgx.ErrNoRows
	}
	r.Status = status
	return nil
}

func (m *mockRequestRepo) UpdateAccession(ctx context.Context, id, accessionID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.byID[id]
	if !ok {
		return pgx.ErrNoRows
	}
	r.AccessionID = accessionID
	return nil
}

func (m *mockRequestRepo) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byID)
}

// erroringRequestRepo fails the next Create with a fixed error, running
// beforeFail first so tests can stage the state a concurrent writer would
// have committed.
type erroringRequestRepo struct {
	*mockRequestRepo
	createErr  error
	beforeFail func()
}

func (r *erroringRequestRepo) Create(ctx context.Context, req *ProcedureRequest) error {
	if r.createErr != nil {
		err := r.createErr
		r.createErr = nil
		if r.beforeFail != nil {
			r.beforeFail()
		}
		return err
	}
	return r.mockRequestRepo.Create(ctx, req)
}

type mockAccessionRepo struct {
	mu   sync.Mutex
	byID map[uuid.UUID]*Accession
}

func newMockAccessionRepo() *mockAccessionRepo {
	return &mockAccessionRepo{byID: make(map[uuid.UUID]*Accession)}
}

func (m *mockAccessionRepo) Create(ctx context.Context, a *Accession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	cp := *a
	m.byID[a.ID] = &cp
	return nil
}

func (m *mockAccessionRepo) GetByID(ctx context.Context, id uuid.UUID) (*Accession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.byID[id]; ok {
		cp := *a
		return &cp, nil
	}
	return nil, pgx.ErrNoRows
}

func (m *mockAccessionRepo) GetByNumber(ctx context.Context, number string) (*Accession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.byID {
		if a.AccessionNumber == number {
			cp := *a
			return &cp, nil
		}
	}
	return nil, pgx.ErrNoRows
}

func (m *mockAccessionRepo) List(ctx context.Context, limit, offset int) ([]*Accession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Accession
	for _, a := range m.byID {
		cp := *a
		out = append(out, &cp)
	}
	return out, nil
}

func (m *mockAccessionRepo) UpdateStatus(ctx context.Context, id uuid.UUID, status AccessionStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.byID[id]
	if !ok {
		return pgx.ErrNoRows
	}
	a.Status = status
	return nil
}

func (m *mockAccessionRepo) SetStudyUID(ctx context.Context, id uuid.UUID, uid string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.byID[id]
	if !ok {
		return false, nil
	}
	if a.StudyInstanceUID != "" {
		return false, nil
	}
	a.StudyInstanceUID = uid
	return true, nil
}

func (m *mockAccessionRepo) LockNumber(ctx context.Context, number string) error {
	return nil
}

func (m *mockAccessionRepo) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byID)
}

type mockMessageLog struct {
	mu      sync.Mutex
	entries []*MessageLog
}

func (m *mockMessageLog) Record(ctx context.Context, entry *MessageLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *entry
	m.entries = append(m.entries, &cp)
	return nil
}

func (m *mockMessageLog) List(ctx context.Context, limit, offset int) ([]*MessageLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*MessageLog(nil), m.entries...), nil
}

func (m *mockMessageLog) last(t *testing.T) *MessageLog {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.entries) == 0 {
		t.Fatal("no message log entries")
	}
	return m.entries[len(m.entries)-1]
}

type mockResolver struct {
	byMRN map[string]*identity.Patient
}

func (m *mockResolver) Resolve(ctx context.Context, mrn, lastName, firstName string, dob *time.Time) (*identity.Patient, error) {
	if p, ok := m.byMRN[mrn]; ok {
		return p, nil
	}
	for _, p := range m.byMRN {
		if p.LastName == lastName && p.FirstName == firstName &&
			p.BirthDate != nil && dob != nil && p.BirthDate.Equal(*dob) {
			return p, nil
		}
	}
	return nil, identity.ErrPatientNotFound
}

// -- fixture --

type fixture struct {
	svc        *Service
	requests   *mockRequestRepo
	accessions *mockAccessionRepo
	msgs       *mockMessageLog
	jane       *identity.Patient
	john       *identity.Patient
}

func defaultConfig() Config {
	return Config{
		AutoGenerateAccession: true,
		FacilityCode:          "RAD",
		AccessionPattern:      "{facility_code}-{YYYYMMDD}-{seq:06d}",
	}
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()

	dobJane := time.Date(1980, 2, 15, 0, 0, 0, 0, time.UTC)
	dobJohn := time.Date(1975, 6, 1, 0, 0, 0, 0, time.UTC)
	jane := &identity.Patient{ID: uuid.New(), MRN: "MRN12345", LastName: "Doe", FirstName: "Jane", BirthDate: &dobJane}
	john := &identity.Patient{ID: uuid.New(), MRN: "MRN99999", LastName: "Roe", FirstName: "John", BirthDate: &dobJohn}

	f := &fixture{
		requests:   newMockRequestRepo(),
		accessions: newMockAccessionRepo(),
		msgs:       &mockMessageLog{},
		jane:       jane,
		john:       john,
	}

	runTx := func(ctx context.Context, fn func(ctx context.Context) error) error {
		return fn(ctx)
	}

	f.svc = NewService(
		f.requests,
		f.accessions,
		f.msgs,
		&mockResolver{byMRN: map[string]*identity.Patient{jane.MRN: jane, john.MRN: john}},
		NewGenerator(newMockSequenceRepo()),
		runTx,
		cfg,
	)
	f.svc.now = func() time.Time { return time.Date(2025, 11, 10, 9, 30, 0, 0, time.UTC) }
	return f
}

// ormMessage builds an ORM^O01 with the given control ID, patient MRN,
// requested procedure ID (OBR-20), and optional accession hint (OBR-18).
func ormMessage(controlID, mrn, rpid, accessionHint string) []byte {
	raw := "MSH|^~\\&|RIS_SENDER|HOSP_A|RAD_FILLER|HOSP_A|20251110093000||ORM^O01|" + controlID + "|P|2.5.1\r" +
		"PID|1||" + mrn + "^^^HOSP_A^MR||Doe^Jane||19800215|F\r" +
		"ORC|NW|PL-" + rpid + "|FL-" + rpid + "\r" +
		"OBR|1|PL-" + rpid + "|FL-" + rpid + "|71020^CHEST XRAY 2 VIEWS^CPT|||20251110090000" +
		strings.Repeat("|", 11) + accessionHint + "||" + rpid + "\r"
	return []byte(raw)
}

// -- intake tests --

func TestProcessMessage_GeneratesAccession(t *testing.T) {
	f := newFixture(t, defaultConfig())

	result, err := f.svc.ProcessMessage(context.Background(), ormMessage("M1", "MRN12345", "RP-1", ""), "http")
	if err != nil {
		t.Fatalf("ProcessMessage failed: %v", err)
	}

	if result.Status != "success" {
		t.Errorf("expected success status, got %s", result.Status)
	}
	if !result.AccessionGenerated {
		t.Error("expected accession_generated=true")
	}
	if result.AccessionNumber != "RAD-20251110-000001" {
		t.Errorf("unexpected accession number %s", result.AccessionNumber)
	}
	if result.ExternalRequestID != "RP-1" {
		t.Errorf("unexpected external request id %s", result.ExternalRequestID)
	}
	if result.Patient != f.jane.ID.String() {
		t.Errorf("unexpected patient %s", result.Patient)
	}

	req, err := f.requests.GetByExternalID(context.Background(), "RIS_SENDER^HOSP_A", "RP-1")
	if err != nil {
		t.Fatalf("request not persisted: %v", err)
	}
	if req.Status != RequestStatusPending {
		t.Errorf("expected Pending, got %s", req.Status)
	}

	entry := f.msgs.last(t)
	if entry.Status != MessageLogProcessed {
		t.Errorf("expected Processed log entry, got %s", entry.Status)
	}
	if entry.ControlID != "M1" || entry.AccessionNumber != "RAD-20251110-000001" {
		t.Errorf("log entry missing fields: %+v", entry)
	}
}

func TestProcessMessage_Idempotence(t *testing.T) {
	f := newFixture(t, defaultConfig())
	msg := ormMessage("M1", "MRN12345", "RP-1", "")

	first, err := f.svc.ProcessMessage(context.Background(), msg, "http")
	if err != nil {
		t.Fatalf("first delivery failed: %v", err)
	}
	second, err := f.svc.ProcessMessage(context.Background(), msg, "http")
	if err != nil {
		t.Fatalf("second delivery failed: %v", err)
	}

	if f.requests.count() != 1 {
		t.Errorf("expected 1 request after redelivery, got %d", f.requests.count())
	}
	if f.accessions.count() != 1 {
		t.Errorf("expected 1 accession after redelivery, got %d", f.accessions.count())
	}
	if second.AccessionGenerated {
		t.Error("replay must report accession_generated=false")
	}
	if second.AccessionNumber != first.AccessionNumber {
		t.Errorf("replay returned different accession: %s vs %s", second.AccessionNumber, first.AccessionNumber)
	}
	if second.RequestID != first.RequestID {
		t.Errorf("replay returned different request: %s vs %s", second.RequestID, first.RequestID)
	}
}

func TestProcessMessage_HintCreatesAccession(t *testing.T) {
	f := newFixture(t, defaultConfig())

	result, err := f.svc.ProcessMessage(context.Background(), ormMessage("M1", "MRN12345", "RP-1", "ACC20251110001"), "http")
	if err != nil {
		t.Fatalf("ProcessMessage failed: %v", err)
	}

	if result.AccessionGenerated {
		t.Error("expected accession_generated=false for hinted number")
	}
	if result.AccessionNumber != "ACC20251110001" {
		t.Errorf("unexpected accession number %s", result.AccessionNumber)
	}

	acc, err := f.accessions.GetByNumber(context.Background(), "ACC20251110001")
	if err != nil {
		t.Fatalf("accession not persisted: %v", err)
	}
	if acc.PatientID != f.jane.ID {
		t.Error("accession linked to wrong patient")
	}
	if acc.Status != AccessionStatusScheduled {
		t.Errorf("expected Scheduled, got %s", acc.Status)
	}
}

func TestProcessMessage_HintAttachesToExisting(t *testing.T) {
	f := newFixture(t, defaultConfig())
	ctx := context.Background()

	if _, err := f.svc.ProcessMessage(ctx, ormMessage("M1", "MRN12345", "RP-1", "ACC001"), "http"); err != nil {
		t.Fatalf("first order failed: %v", err)
	}
	result, err := f.svc.ProcessMessage(ctx, ormMessage("M2", "MRN12345", "RP-2", "ACC001"), "http")
	if err != nil {
		t.Fatalf("second order failed: %v", err)
	}

	if f.accessions.count() != 1 {
		t.Fatalf("expected 1 accession, got %d", f.accessions.count())
	}
	if result.AccessionNumber != "ACC001" || result.AccessionGenerated {
		t.Errorf("unexpected result %+v", result)
	}

	acc, _ := f.accessions.GetByNumber(ctx, "ACC001")
	linked, err := f.requests.ListByAccession(ctx, acc.ID)
	if err != nil {
		t.Fatalf("list linked requests: %v", err)
	}
	if len(linked) != 2 {
		t.Fatalf("expected 2 linked requests, got %d", len(linked))
	}
	// Many-to-one invariant: every linked request shares the accession's patient.
	for _, req := range linked {
		if req.PatientID != acc.PatientID {
			t.Errorf("request %s has different patient than its accession", req.ID)
		}
	}
}

func TestProcessMessage_AccessionPatientConflict(t *testing.T) {
	f := newFixture(t, defaultConfig())
	ctx := context.Background()

	// John owns ACC001.
	if err := f.accessions.Create(ctx, &Accession{
		AccessionNumber: "ACC001",
		PatientID:       f.john.ID,
		Status:          AccessionStatusScheduled,
	}); err != nil {
		t.Fatalf("seed accession: %v", err)
	}

	// Jane's order arrives hinting at John's accession.
	_, err := f.svc.ProcessMessage(ctx, ormMessage("M1", "MRN12345", "RP-1", "ACC001"), "http")
	var conflict *AccessionPatientConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected AccessionPatientConflictError, got %v", err)
	}
	if conflict.AccessionNumber != "ACC001" {
		t.Errorf("conflict names wrong accession %s", conflict.AccessionNumber)
	}

	// The rejected message must leave no request behind.
	if f.requests.count() != 0 {
		t.Errorf("expected no requests after conflict, got %d", f.requests.count())
	}

	entry := f.msgs.last(t)
	if entry.Status != MessageLogFailed || entry.ErrorKind != KindAccessionPatientConflict {
		t.Errorf("unexpected log entry %+v", entry)
	}
}

func TestProcessMessage_AccessionRequired(t *testing.T) {
	cfg := defaultConfig()
	cfg.AutoGenerateAccession = false
	f := newFixture(t, cfg)

	_, err := f.svc.ProcessMessage(context.Background(), ormMessage("M1", "MRN12345", "RP-1", ""), "http")
	var required *AccessionRequiredError
	if !errors.As(err, &required) {
		t.Fatalf("expected AccessionRequiredError, got %v", err)
	}
	if f.requests.count() != 0 || f.accessions.count() != 0 {
		t.Error("rejected message must not persist entities")
	}
}

func TestProcessMessage_PatientNotFound(t *testing.T) {
	f := newFixture(t, defaultConfig())

	// Unknown MRN and unknown demographics: neither lookup path matches.
	raw := []byte("MSH|^~\\&|RIS_SENDER|HOSP_A|RAD_FILLER|HOSP_A|20251110093000||ORM^O01|M1|P|2.5.1\r" +
		"PID|1||UNKNOWN^^^HOSP_A^MR||Nobody^No||19990101|M\r" +
		"OBR|1|PL-1||71020^CHEST XRAY^CPT\r")

	_, err := f.svc.ProcessMessage(context.Background(), raw, "http")
	var notFound *PatientNotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("expected PatientNotFoundError, got %v", err)
	}

	entry := f.msgs.last(t)
	if entry.ErrorKind != KindPatientNotFound {
		t.Errorf("expected PatientNotFoundError kind in log, got %s", entry.ErrorKind)
	}
}

func TestProcessMessage_NonOrderTypeRejected(t *testing.T) {
	f := newFixture(t, defaultConfig())

	// A result message for a known patient: parseable, carries an OBR, but
	// is not an order.
	raw := []byte("MSH|^~\\&|LAB|HOSP_A|RAD_FILLER|HOSP_A|20251110093000||ORU^R01|M1|P|2.5.1\r" +
		"PID|1||MRN12345^^^HOSP_A^MR||Doe^Jane||19800215|F\r" +
		"OBR|1|PL-1||71020^CHEST XRAY^CPT\r")

	_, err := f.svc.ProcessMessage(context.Background(), raw, "http")
	var unsupported *UnsupportedMessageTypeError
	if !errors.As(err, &unsupported) {
		t.Fatalf("expected UnsupportedMessageTypeError, got %v", err)
	}
	if unsupported.Type != "ORU^R01" {
		t.Errorf("error names wrong type %q", unsupported.Type)
	}

	if f.requests.count() != 0 || f.accessions.count() != 0 {
		t.Error("non-order message must not create entities")
	}

	entry := f.msgs.last(t)
	if entry.Status != MessageLogFailed || entry.ErrorKind != KindUnsupportedMessageType {
		t.Errorf("unexpected log entry %+v", entry)
	}
	if entry.MessageType != "ORU^R01" {
		t.Errorf("log entry must record the rejected type, got %q", entry.MessageType)
	}
}

func TestReconcile_LockTimeoutIsRetryableConflict(t *testing.T) {
	f := newFixture(t, defaultConfig())
	f.svc.requests = &erroringRequestRepo{
		mockRequestRepo: f.requests,
		createErr:       &pgconn.PgError{Code: "55P03"},
	}

	_, err := f.svc.ProcessMessage(context.Background(), ormMessage("M1", "MRN12345", "RP-1", ""), "http")
	var conflict *ConcurrencyConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected ConcurrencyConflictError, got %v", err)
	}
	if !Retryable(err) {
		t.Error("lock timeout must surface as retryable")
	}

	entry := f.msgs.last(t)
	if entry.ErrorKind != KindConcurrencyConflict {
		t.Errorf("expected ConcurrencyConflictError kind in log, got %s", entry.ErrorKind)
	}
}

func TestReconcile_UniqueViolationFallsBackToReplay(t *testing.T) {
	f := newFixture(t, defaultConfig())
	ctx := context.Background()

	winner := &Accession{AccessionNumber: "ACC-WINNER", PatientID: f.jane.ID, Status: AccessionStatusScheduled}
	wrapped := &erroringRequestRepo{
		mockRequestRepo: f.requests,
		createErr:       &pgconn.PgError{Code: "23505"},
		beforeFail: func() {
			// The concurrent delivery commits first.
			if err := f.accessions.Create(ctx, winner); err != nil {
				t.Errorf("seed winner accession: %v", err)
			}
			if err := f.requests.Create(ctx, &ProcedureRequest{
				ExternalRequestID: "RP-1",
				SourceSystem:      "RIS_SENDER^HOSP_A",
				PatientID:         f.jane.ID,
				AccessionID:       winner.ID,
				Status:            RequestStatusPending,
			}); err != nil {
				t.Errorf("seed winner request: %v", err)
			}
		},
	}
	f.svc.requests = wrapped

	result, err := f.svc.ProcessMessage(ctx, ormMessage("M1", "MRN12345", "RP-1", ""), "http")
	if err != nil {
		t.Fatalf("expected replay result after losing the race, got %v", err)
	}
	if result.AccessionGenerated {
		t.Error("replay after unique violation must report accession_generated=false")
	}
	if result.AccessionNumber != "ACC-WINNER" {
		t.Errorf("expected the winner's accession, got %s", result.AccessionNumber)
	}
	if result.ExternalRequestID != "RP-1" {
		t.Errorf("unexpected external request id %s", result.ExternalRequestID)
	}
}

func TestProcessMessage_ParseFailureLogged(t *testing.T) {
	f := newFixture(t, defaultConfig())

	_, err := f.svc.ProcessMessage(context.Background(), []byte("PID|1||MRN1\r"), "mllp")
	if err == nil {
		t.Fatal("expected parse error")
	}

	entry := f.msgs.last(t)
	if entry.Status != MessageLogFailed || entry.ErrorKind != KindParse {
		t.Errorf("unexpected log entry %+v", entry)
	}
	if entry.Transport != "mllp" {
		t.Errorf("expected mllp transport in log, got %s", entry.Transport)
	}
	if entry.RawMessage == "" {
		t.Error("failed message must keep its raw text for diagnosis")
	}
}

func TestProcessMessage_EveryMessageLoggedOnce(t *testing.T) {
	f := newFixture(t, defaultConfig())
	ctx := context.Background()

	f.svc.ProcessMessage(ctx, ormMessage("M1", "MRN12345", "RP-1", ""), "http")
	f.svc.ProcessMessage(ctx, ormMessage("M2", "MRN99999", "RP-2", ""), "http")
	f.svc.ProcessMessage(ctx, []byte("garbage"), "http")

	entries, _ := f.msgs.List(ctx, 10, 0)
	if len(entries) != 3 {
		t.Fatalf("expected 3 log entries, got %d", len(entries))
	}
}

// -- workflow tests --

func seedOrder(t *testing.T, f *fixture, rpid, hint string) (*ProcedureRequest, *Accession) {
	t.Helper()
	result, err := f.svc.ProcessMessage(context.Background(), ormMessage("M-"+rpid, "MRN12345", rpid, hint), "http")
	if err != nil {
		t.Fatalf("seed order: %v", err)
	}
	id, _ := uuid.Parse(result.RequestID)
	req, err := f.svc.GetRequest(context.Background(), id)
	if err != nil {
		t.Fatalf("seed order fetch: %v", err)
	}
	acc, err := f.svc.GetAccession(context.Background(), req.AccessionID)
	if err != nil {
		t.Fatalf("seed accession fetch: %v", err)
	}
	return req, acc
}

func TestTransitionRequest(t *testing.T) {
	f := newFixture(t, defaultConfig())
	req, _ := seedOrder(t, f, "RP-1", "")
	ctx := context.Background()

	for _, next := range []RequestStatus{RequestStatusScheduled, RequestStatusInProgress, RequestStatusCompleted} {
		updated, err := f.svc.TransitionRequest(ctx, req.ID, next)
		if err != nil {
			t.Fatalf("transition to %s failed: %v", next, err)
		}
		if updated.Status != next {
			t.Errorf("expected %s, got %s", next, updated.Status)
		}
	}

	// Completed is terminal.
	if _, err := f.svc.TransitionRequest(ctx, req.ID, RequestStatusCancelled); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition from Completed, got %v", err)
	}
}

func TestTransitionRequest_CancelFromNonTerminal(t *testing.T) {
	f := newFixture(t, defaultConfig())
	req, _ := seedOrder(t, f, "RP-1", "")
	ctx := context.Background()

	if _, err := f.svc.TransitionRequest(ctx, req.ID, RequestStatusScheduled); err != nil {
		t.Fatalf("schedule failed: %v", err)
	}
	updated, err := f.svc.TransitionRequest(ctx, req.ID, RequestStatusCancelled)
	if err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	if updated.Status != RequestStatusCancelled {
		t.Errorf("expected Cancelled, got %s", updated.Status)
	}

	// Cancelled is terminal too.
	if _, err := f.svc.TransitionRequest(ctx, req.ID, RequestStatusScheduled); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition from Cancelled, got %v", err)
	}
}

func TestTransitionRequest_UnknownStatus(t *testing.T) {
	f := newFixture(t, defaultConfig())
	req, _ := seedOrder(t, f, "RP-1", "")

	if _, err := f.svc.TransitionRequest(context.Background(), req.ID, RequestStatus("Bogus")); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition for unknown status, got %v", err)
	}
}

func TestTransitionAccession(t *testing.T) {
	f := newFixture(t, defaultConfig())
	_, acc := seedOrder(t, f, "RP-1", "")
	ctx := context.Background()

	for _, next := range []AccessionStatus{AccessionStatusArrived, AccessionStatusInProgress, AccessionStatusCompleted} {
		updated, err := f.svc.TransitionAccession(ctx, acc.ID, next)
		if err != nil {
			t.Fatalf("transition to %s failed: %v", next, err)
		}
		if updated.Status != next {
			t.Errorf("expected %s, got %s", next, updated.Status)
		}
	}

	if _, err := f.svc.TransitionAccession(ctx, acc.ID, AccessionStatusCancelled); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition from Completed, got %v", err)
	}
}

func TestAssignStudyUID(t *testing.T) {
	f := newFixture(t, defaultConfig())
	_, acc := seedOrder(t, f, "RP-1", "")
	ctx := context.Background()

	updated, err := f.svc.AssignStudyUID(ctx, acc.ID, "1.2.840.113619.2.1")
	if err != nil {
		t.Fatalf("first write failed: %v", err)
	}
	if updated.StudyInstanceUID != "1.2.840.113619.2.1" {
		t.Errorf("uid not set: %q", updated.StudyInstanceUID)
	}

	// Re-sending the same UID is a no-op.
	if _, err := f.svc.AssignStudyUID(ctx, acc.ID, "1.2.840.113619.2.1"); err != nil {
		t.Errorf("idempotent rewrite failed: %v", err)
	}

	// A different UID is rejected, not overwritten.
	_, err = f.svc.AssignStudyUID(ctx, acc.ID, "1.2.840.113619.9.9")
	var conflict *StudyUIDConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected StudyUIDConflictError, got %v", err)
	}

	current, _ := f.svc.GetAccession(ctx, acc.ID)
	if current.StudyInstanceUID != "1.2.840.113619.2.1" {
		t.Error("conflicting write must not change the stored uid")
	}
}

func TestLinkRequest(t *testing.T) {
	f := newFixture(t, defaultConfig())
	req, _ := seedOrder(t, f, "RP-1", "ACC001")
	_, target := seedOrder(t, f, "RP-2", "ACC002")
	ctx := context.Background()

	linked, acc, err := f.svc.LinkRequest(ctx, req.ID, "ACC002")
	if err != nil {
		t.Fatalf("link failed: %v", err)
	}
	if linked.AccessionID != target.ID || acc.ID != target.ID {
		t.Error("request not linked to target accession")
	}
}

func TestLinkRequest_PatientMismatch(t *testing.T) {
	f := newFixture(t, defaultConfig())
	req, _ := seedOrder(t, f, "RP-1", "ACC001")
	ctx := context.Background()

	// John's accession.
	if err := f.accessions.Create(ctx, &Accession{
		AccessionNumber: "ACC-JOHN",
		PatientID:       f.john.ID,
		Status:          AccessionStatusScheduled,
	}); err != nil {
		t.Fatalf("seed accession: %v", err)
	}

	_, _, err := f.svc.LinkRequest(ctx, req.ID, "ACC-JOHN")
	var conflict *AccessionPatientConflictError
	if !errors.As(err, &conflict) {
		t.Errorf("expected AccessionPatientConflictError, got %v", err)
	}
}

func TestLinkRequest_TerminalRequestRejected(t *testing.T) {
	f := newFixture(t, defaultConfig())
	req, _ := seedOrder(t, f, "RP-1", "ACC001")
	seedOrder(t, f, "RP-2", "ACC002")
	ctx := context.Background()

	if _, err := f.svc.TransitionRequest(ctx, req.ID, RequestStatusCancelled); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}

	if _, _, err := f.svc.LinkRequest(ctx, req.ID, "ACC002"); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition for terminal request, got %v", err)
	}
}

func TestRetryable(t *testing.T) {
	if !Retryable(&ConcurrencyConflictError{Key: "accession:ACC001"}) {
		t.Error("concurrency conflicts must be retryable")
	}
	if Retryable(&AccessionRequiredError{}) {
		t.Error("data errors must not be retryable")
	}
}
