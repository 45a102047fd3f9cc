package radiology

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/ris/internal/platform/db"
)

// -- Procedure Request repository --

type requestRepoPG struct {
	pool *pgxpool.Pool
}

func NewRequestRepo(pool *pgxpool.Pool) RequestRepository {
	return &requestRepoPG{pool: pool}
}

func (r *requestRepoPG) conn(ctx context.Context) db.Queryable {
	if tx := db.ConnFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const requestCols = `id, external_request_id, source_system, placer_order_number, filler_order_number,
	service_code, service_name, priority, ordering_provider, requested_at,
	patient_id, accession_id, status, raw_message, created_at, updated_at`

func (r *requestRepoPG) Create(ctx context.Context, req *ProcedureRequest) error {
	if req.ID == uuid.Nil {
		req.ID = uuid.New()
	}
	now := time.Now().UTC()
	req.CreatedAt = now
	req.UpdatedAt = now

	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO procedure_request (
			id, external_request_id, source_system, placer_order_number, filler_order_number,
			service_code, service_name, priority, ordering_provider, requested_at,
			patient_id, accession_id, status, raw_message, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`,
		req.ID, req.ExternalRequestID, req.SourceSystem, req.PlacerOrderNumber, req.FillerOrderNumber,
		req.ServiceCode, req.ServiceName, req.Priority, req.OrderingProvider, req.RequestedAt,
		req.PatientID, req.AccessionID, req.Status, req.RawMessage, req.CreatedAt, req.UpdatedAt,
	)
	return err
}

func (r *requestRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*ProcedureRequest, error) {
	return scanRequest(r.conn(ctx).QueryRow(ctx,
		`SELECT `+requestCols+` FROM procedure_request WHERE id = $1`, id))
}

func (r *requestRepoPG) GetByExternalID(ctx context.Context, sourceSystem, externalID string) (*ProcedureRequest, error) {
	return scanRequest(r.conn(ctx).QueryRow(ctx,
		`SELECT `+requestCols+` FROM procedure_request
		 WHERE source_system = $1 AND external_request_id = $2`,
		sourceSystem, externalID))
}

func (r *requestRepoPG) ListByAccession(ctx context.Context, accessionID uuid.UUID) ([]*ProcedureRequest, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+requestCols+` FROM procedure_request WHERE accession_id = $1 ORDER BY created_at`,
		accessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRequests(rows)
}

func (r *requestRepoPG) List(ctx context.Context, limit, offset int) ([]*ProcedureRequest, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+requestCols+` FROM procedure_request ORDER BY created_at DESC LIMIT $1 OFFSET $2`,
		limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRequests(rows)
}

func (r *requestRepoPG) UpdateStatus(ctx context.Context, id uuid.UUID, status RequestStatus) error {
	tag, err := r.conn(ctx).Exec(ctx,
		`UPDATE procedure_request SET status = $2, updated_at = now() WHERE id = $1`,
		id, status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

func (r *requestRepoPG) UpdateAccession(ctx context.Context, id, accessionID uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx,
		`UPDATE procedure_request SET accession_id = $2, updated_at = now() WHERE id = $1`,
		id, accessionID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

func collectRequests(rows pgx.Rows) ([]*ProcedureRequest, error) {
	var out []*ProcedureRequest
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

func scanRequest(row pgx.Row) (*ProcedureRequest, error) {
	var req ProcedureRequest
	err := row.Scan(&req.ID, &req.ExternalRequestID, &req.SourceSystem,
		&req.PlacerOrderNumber, &req.FillerOrderNumber,
		&req.ServiceCode, &req.ServiceName, &req.Priority, &req.OrderingProvider, &req.RequestedAt,
		&req.PatientID, &req.AccessionID, &req.Status, &req.RawMessage,
		&req.CreatedAt, &req.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &req, nil
}

// -- Accession repository --

type accessionRepoPG struct {
	pool *pgxpool.Pool
}

func NewAccessionRepo(pool *pgxpool.Pool) AccessionRepository {
	return &accessionRepoPG{pool: pool}
}

func (r *accessionRepoPG) conn(ctx context.Context) db.Queryable {
	if tx := db.ConnFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const accessionCols = `id, accession_number, patient_id, study_instance_uid, study_date, modality,
	status, created_at, updated_at`

func (r *accessionRepoPG) Create(ctx context.Context, a *Accession) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	now := time.Now().UTC()
	a.CreatedAt = now
	a.UpdatedAt = now

	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO accession (
			id, accession_number, patient_id, study_instance_uid, study_date, modality,
			status, created_at, updated_at
		) VALUES ($1,$2,$3,NULLIF($4,''),$5,$6,$7,$8,$9)`,
		a.ID, a.AccessionNumber, a.PatientID, a.StudyInstanceUID, a.StudyDate, a.Modality,
		a.Status, a.CreatedAt, a.UpdatedAt,
	)
	return err
}

func (r *accessionRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Accession, error) {
	return scanAccession(r.conn(ctx).QueryRow(ctx,
		`SELECT `+accessionCols+` FROM accession WHERE id = $1`, id))
}

func (r *accessionRepoPG) GetByNumber(ctx context.Context, number string) (*Accession, error) {
	return scanAccession(r.conn(ctx).QueryRow(ctx,
		`SELECT `+accessionCols+` FROM accession WHERE accession_number = $1`, number))
}

func (r *accessionRepoPG) List(ctx context.Context, limit, offset int) ([]*Accession, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+accessionCols+` FROM accession ORDER BY created_at DESC LIMIT $1 OFFSET $2`,
		limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Accession
	for rows.Next() {
		a, err := scanAccession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r *accessionRepoPG) UpdateStatus(ctx context.Context, id uuid.UUID, status AccessionStatus) error {
	tag, err := r.conn(ctx).Exec(ctx,
		`UPDATE accession SET status = $2, updated_at = now() WHERE id = $1`,
		id, status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

func (r *accessionRepoPG) SetStudyUID(ctx context.Context, id uuid.UUID, uid string) (bool, error) {
	tag, err := r.conn(ctx).Exec(ctx,
		`UPDATE accession SET study_instance_uid = $2, updated_at = now()
		 WHERE id = $1 AND study_instance_uid IS NULL`,
		id, uid)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// LockNumber takes a transaction-scoped advisory lock on the accession
// number so concurrent deliveries for one number serialize on lookup-or-
// create. The surrounding transaction's lock_timeout bounds the wait.
func (r *accessionRepoPG) LockNumber(ctx context.Context, number string) error {
	_, err := r.conn(ctx).Exec(ctx,
		`SELECT pg_advisory_xact_lock(hashtext('accession:' || $1))`, number)
	return err
}

func scanAccession(row pgx.Row) (*Accession, error) {
	var (
		a   Accession
		uid *string
	)
	err := row.Scan(&a.ID, &a.AccessionNumber, &a.PatientID, &uid, &a.StudyDate, &a.Modality,
		&a.Status, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if uid != nil {
		a.StudyInstanceUID = *uid
	}
	return &a, nil
}

// -- Accession sequence repository --

type sequenceRepoPG struct {
	pool *pgxpool.Pool
}

func NewSequenceRepo(pool *pgxpool.Pool) SequenceRepository {
	return &sequenceRepoPG{pool: pool}
}

func (r *sequenceRepoPG) conn(ctx context.Context) db.Queryable {
	if tx := db.ConnFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

// NextValue relies on the upsert being atomic: the first caller for a date
// key inserts 1, later callers increment under the row lock. Values are
// gapless per key for committed transactions.
func (r *sequenceRepoPG) NextValue(ctx context.Context, key string) (int64, error) {
	var value int64
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO accession_sequence (date_key, value) VALUES ($1, 1)
		ON CONFLICT (date_key) DO UPDATE SET value = accession_sequence.value + 1
		RETURNING value`, key).Scan(&value)
	return value, err
}

// -- Message log repository --

type messageLogRepoPG struct {
	pool *pgxpool.Pool
}

func NewMessageLogRepo(pool *pgxpool.Pool) MessageLogRepository {
	return &messageLogRepoPG{pool: pool}
}

func (r *messageLogRepoPG) conn(ctx context.Context) db.Queryable {
	if tx := db.ConnFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const messageLogCols = `id, control_id, message_type, source_system, transport, status,
	error_kind, error_text, patient_id, request_id, accession_number, raw_message, received_at`

func (r *messageLogRepoPG) Record(ctx context.Context, m *MessageLog) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	if m.ReceivedAt.IsZero() {
		m.ReceivedAt = time.Now().UTC()
	}

	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO hl7_message_log (
			id, control_id, message_type, source_system, transport, status,
			error_kind, error_text, patient_id, request_id, accession_number, raw_message, received_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		m.ID, m.ControlID, m.MessageType, m.SourceSystem, m.Transport, m.Status,
		m.ErrorKind, m.ErrorText, m.PatientID, m.RequestID, m.AccessionNumber, m.RawMessage, m.ReceivedAt,
	)
	return err
}

func (r *messageLogRepoPG) List(ctx context.Context, limit, offset int) ([]*MessageLog, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+messageLogCols+` FROM hl7_message_log ORDER BY received_at DESC LIMIT $1 OFFSET $2`,
		limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*MessageLog
	for rows.Next() {
		var m MessageLog
		if err := rows.Scan(&m.ID, &m.ControlID, &m.MessageType, &m.SourceSystem, &m.Transport, &m.Status,
			&m.ErrorKind, &m.ErrorText, &m.PatientID, &m.RequestID, &m.AccessionNumber, &m.RawMessage,
			&m.ReceivedAt); err != nil {
			return nil, err
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}
