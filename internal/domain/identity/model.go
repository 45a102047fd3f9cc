// Package identity holds the patient registry. Order intake resolves
// incoming patient identifiers against this registry; it never creates
// patients on its own.
package identity

import (
	"time"

	"github.com/google/uuid"

	"github.com/ehr/ris/internal/platform/fhir"
)

// Patient is a registered patient demographic record.
type Patient struct {
	ID        uuid.UUID  `json:"id"`
	MRN       string     `json:"mrn"`
	FirstName string     `json:"first_name"`
	LastName  string     `json:"last_name"`
	BirthDate *time.Time `json:"birth_date,omitempty"`
	Sex       string     `json:"sex,omitempty"`
	Active    bool       `json:"active"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// MRNSystem is the identifier system for medical record numbers issued by
// this registry.
const MRNSystem = "urn:ris:mrn"

// ToFHIR renders the patient as a FHIR R4 Patient resource.
func (p *Patient) ToFHIR() map[string]interface{} {
	resource := map[string]interface{}{
		"resourceType": "Patient",
		"id":           p.ID.String(),
		"meta":         fhir.Meta{LastUpdated: p.UpdatedAt},
		"active":       p.Active,
		"identifier": []fhir.Identifier{
			fhir.TypedIdentifier(fhir.IdentifierTypeMRN, MRNSystem, p.MRN),
		},
		"name": []fhir.HumanName{
			{Use: "official", Family: p.LastName, Given: givenNames(p.FirstName)},
		},
	}

	if p.BirthDate != nil {
		resource["birthDate"] = p.BirthDate.Format("2006-01-02")
	}
	if p.Sex != "" {
		resource["gender"] = fhirGender(p.Sex)
	}

	return resource
}

func givenNames(first string) []string {
	if first == "" {
		return nil
	}
	return []string{first}
}

// fhirGender maps HL7 v2 administrative sex codes to FHIR gender codes.
func fhirGender(sex string) string {
	switch sex {
	case "M":
		return "male"
	case "F":
		return "female"
	case "O":
		return "other"
	default:
		return "unknown"
	}
}
