package fhir

import "fmt"

// HL7 v2 identifier type codes carried on FHIR Identifier.Type
// (http://terminology.hl7.org/CodeSystem/v2-0203).
const (
	IdentifierTypeSystem = "http://terminology.hl7.org/CodeSystem/v2-0203"

	IdentifierTypePlacer      = "PLAC" // placer order number
	IdentifierTypeFiller      = "FILL" // filler order number
	IdentifierTypeAccession   = "ACSN" // accession number
	IdentifierTypeMRN         = "MR"   // medical record number
	IdentifierTypeRequestedID = "RPID" // requested procedure ID
)

// DICOMUIDSystem is the identifier system for DICOM UIDs such as the Study
// Instance UID on ImagingStudy.
const DICOMUIDSystem = "urn:dicom:uid"

// TypedIdentifier builds an Identifier carrying a v2-0203 type code.
func TypedIdentifier(typeCode, system, value string) Identifier {
	return Identifier{
		Type: &CodeableConcept{
			Coding: []Coding{{System: IdentifierTypeSystem, Code: typeCode}},
		},
		System: system,
		Value:  value,
	}
}

// IdentifierTypeCode returns the v2-0203 type code of an identifier, or ""
// when the identifier carries no typed coding.
func IdentifierTypeCode(id Identifier) string {
	if id.Type == nil {
		return ""
	}
	for _, c := range id.Type.Coding {
		if c.System == IdentifierTypeSystem {
			return c.Code
		}
	}
	return ""
}

// FindIdentifier returns the value of the first identifier with the given
// v2-0203 type code.
func FindIdentifier(ids []Identifier, typeCode string) (string, bool) {
	for _, id := range ids {
		if IdentifierTypeCode(id) == typeCode {
			return id.Value, true
		}
	}
	return "", false
}

// FormatReference renders a literal reference like "Patient/123".
func FormatReference(resourceType, id string) string {
	return fmt.Sprintf("%s/%s", resourceType, id)
}
