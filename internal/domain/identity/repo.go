package identity

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// PatientRepository is the persistence interface for patients.
type PatientRepository interface {
	Create(ctx context.Context, p *Patient) error
	GetByID(ctx context.Context, id uuid.UUID) (*Patient, error)
	GetByMRN(ctx context.Context, mrn string) (*Patient, error)
	// FindByNameDOB matches on exact last name, first name, and birth date.
	// It is the fallback when the incoming message carries no usable MRN.
	FindByNameDOB(ctx context.Context, lastName, firstName string, dob time.Time) (*Patient, error)
	List(ctx context.Context, limit, offset int) ([]*Patient, error)
}
