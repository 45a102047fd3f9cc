package radiology

import (
	"context"

	"github.com/google/uuid"
)

// RequestRepository is the persistence interface for procedure requests.
type RequestRepository interface {
	Create(ctx context.Context, r *ProcedureRequest) error
	GetByID(ctx context.Context, id uuid.UUID) (*ProcedureRequest, error)
	// GetByExternalID resolves a request by its requested procedure ID within
	// one source system scope. sourceSystem is "" for anonymous senders.
	GetByExternalID(ctx context.Context, sourceSystem, externalID string) (*ProcedureRequest, error)
	ListByAccession(ctx context.Context, accessionID uuid.UUID) ([]*ProcedureRequest, error)
	List(ctx context.Context, limit, offset int) ([]*ProcedureRequest, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status RequestStatus) error
	UpdateAccession(ctx context.Context, id, accessionID uuid.UUID) error
}

// AccessionRepository is the persistence interface for accessions.
type AccessionRepository interface {
	Create(ctx context.Context, a *Accession) error
	GetByID(ctx context.Context, id uuid.UUID) (*Accession, error)
	GetByNumber(ctx context.Context, number string) (*Accession, error)
	List(ctx context.Context, limit, offset int) ([]*Accession, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status AccessionStatus) error
	// SetStudyUID fills the study instance UID slot. It only writes when the
	// slot is empty and reports whether a row changed.
	SetStudyUID(ctx context.Context, id uuid.UUID, uid string) (bool, error)
	// LockNumber serializes concurrent work on one accession number for the
	// duration of the surrounding transaction.
	LockNumber(ctx context.Context, number string) error
}

// SequenceRepository hands out sequence values for accession generation.
type SequenceRepository interface {
	// NextValue atomically increments and returns the counter for key.
	// A key seen for the first time yields 1.
	NextValue(ctx context.Context, key string) (int64, error)
}

// MessageLogRepository records the audit trail of inbound messages.
type MessageLogRepository interface {
	Record(ctx context.Context, m *MessageLog) error
	List(ctx context.Context, limit, offset int) ([]*MessageLog, error)
}
