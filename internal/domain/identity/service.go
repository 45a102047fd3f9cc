package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/ehr/ris/internal/platform/db"
)

// ErrPatientNotFound is returned when no registered patient matches the
// given identifiers.
var ErrPatientNotFound = errors.New("patient not found")

// ErrDuplicateMRN is returned when registering a patient under an MRN that
// is already taken.
var ErrDuplicateMRN = errors.New("mrn already registered")

// Service handles patient registration and resolution.
type Service struct {
	repo PatientRepository
}

func NewService(repo PatientRepository) *Service {
	return &Service{repo: repo}
}

// RegisterInput holds the fields needed to register a patient.
type RegisterInput struct {
	MRN       string     `json:"mrn"`
	FirstName string     `json:"first_name"`
	LastName  string     `json:"last_name"`
	BirthDate *time.Time `json:"birth_date,omitempty"`
	Sex       string     `json:"sex,omitempty"`
}

func (in *RegisterInput) validate() error {
	if strings.TrimSpace(in.MRN) == "" {
		return fmt.Errorf("mrn is required")
	}
	if strings.TrimSpace(in.LastName) == "" {
		return fmt.Errorf("last_name is required")
	}
	return nil
}

// Register creates a new patient record.
func (s *Service) Register(ctx context.Context, in RegisterInput) (*Patient, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}

	if existing, err := s.repo.GetByMRN(ctx, in.MRN); err == nil && existing != nil {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateMRN, in.MRN)
	} else if err != nil && !db.IsNoRows(err) {
		return nil, fmt.Errorf("register patient: %w", err)
	}

	p := &Patient{
		MRN:       strings.TrimSpace(in.MRN),
		FirstName: strings.TrimSpace(in.FirstName),
		LastName:  strings.TrimSpace(in.LastName),
		BirthDate: in.BirthDate,
		Sex:       in.Sex,
	}
	if err := s.repo.Create(ctx, p); err != nil {
		return nil, fmt.Errorf("register patient: %w", err)
	}

	log.Info().Str("patient_id", p.ID.String()).Str("mrn", p.MRN).Msg("patient registered")
	return p, nil
}

// Get returns a patient by internal ID.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Patient, error) {
	p, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if db.IsNoRows(err) {
			return nil, ErrPatientNotFound
		}
		return nil, err
	}
	return p, nil
}

// List returns registered patients, newest first.
func (s *Service) List(ctx context.Context, limit, offset int) ([]*Patient, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return s.repo.List(ctx, limit, offset)
}

// Resolve finds the registered patient matching incoming demographics. The
// MRN is authoritative when present; otherwise an exact name plus birth date
// match is attempted. Unknown patients are never created here.
func (s *Service) Resolve(ctx context.Context, mrn, lastName, firstName string, dob *time.Time) (*Patient, error) {
	if mrn != "" {
		p, err := s.repo.GetByMRN(ctx, mrn)
		if err == nil {
			return p, nil
		}
		if !db.IsNoRows(err) {
			return nil, fmt.Errorf("resolve patient by mrn: %w", err)
		}
	}

	if lastName != "" && dob != nil {
		p, err := s.repo.FindByNameDOB(ctx, lastName, firstName, *dob)
		if err == nil {
			return p, nil
		}
		if !db.IsNoRows(err) {
			return nil, fmt.Errorf("resolve patient by demographics: %w", err)
		}
	}

	return nil, ErrPatientNotFound
}
