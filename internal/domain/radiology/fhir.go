package radiology

import (
	"strings"

	"github.com/google/uuid"

	"github.com/ehr/ris/internal/platform/fhir"
)

// AccessionSystem is the identifier system for accession numbers issued or
// recorded by this filler.
const AccessionSystem = "urn:ris:accession"

// requestStatusFHIR maps request statuses to FHIR request status codes.
var requestStatusFHIR = map[RequestStatus]string{
	RequestStatusPending:    "draft",
	RequestStatusScheduled:  "active",
	RequestStatusInProgress: "active",
	RequestStatusCompleted:  "completed",
	RequestStatusCancelled:  "revoked",
}

// fhirRequestStatus is the reverse map. "active" folds back to Scheduled;
// InProgress is not distinguishable in the FHIR status alone.
var fhirRequestStatus = map[string]RequestStatus{
	"draft":     RequestStatusPending,
	"active":    RequestStatusScheduled,
	"completed": RequestStatusCompleted,
	"revoked":   RequestStatusCancelled,
}

// accessionStatusFHIR maps accession statuses to ImagingStudy status codes.
var accessionStatusFHIR = map[AccessionStatus]string{
	AccessionStatusScheduled:  "registered",
	AccessionStatusArrived:    "registered",
	AccessionStatusInProgress: "available",
	AccessionStatusCompleted:  "available",
	AccessionStatusCancelled:  "cancelled",
}

var fhirAccessionStatus = map[string]AccessionStatus{
	"registered": AccessionStatusScheduled,
	"available":  AccessionStatusInProgress,
	"cancelled":  AccessionStatusCancelled,
}

// RequestToFHIR renders a procedure request as a FHIR ProcedureRequest
// resource. The accession supplies the ACSN identifier and must be the one
// the request links to.
func RequestToFHIR(req *ProcedureRequest, acc *Accession) (map[string]interface{}, error) {
	switch {
	case req == nil:
		return nil, &MappingError{Field: "request"}
	case req.ExternalRequestID == "":
		return nil, &MappingError{Field: "external_request_id"}
	case req.ServiceCode == "":
		return nil, &MappingError{Field: "service_code"}
	case req.PatientID == uuid.Nil:
		return nil, &MappingError{Field: "patient_id"}
	case acc == nil || acc.AccessionNumber == "":
		return nil, &MappingError{Field: "accession_number"}
	}

	identifiers := []fhir.Identifier{
		fhir.TypedIdentifier(fhir.IdentifierTypeRequestedID, "", req.ExternalRequestID),
		fhir.TypedIdentifier(fhir.IdentifierTypeAccession, AccessionSystem, acc.AccessionNumber),
	}
	if req.PlacerOrderNumber != "" {
		identifiers = append(identifiers, fhir.TypedIdentifier(fhir.IdentifierTypePlacer, "", req.PlacerOrderNumber))
	}
	if req.FillerOrderNumber != "" {
		identifiers = append(identifiers, fhir.TypedIdentifier(fhir.IdentifierTypeFiller, "", req.FillerOrderNumber))
	}

	resource := map[string]interface{}{
		"resourceType": "ProcedureRequest",
		"id":           req.ID.String(),
		"meta":         fhir.Meta{LastUpdated: req.UpdatedAt},
		"status":       requestStatusFHIR[req.Status],
		"intent":       "order",
		"identifier":   identifiers,
		"code": fhir.CodeableConcept{
			Coding: []fhir.Coding{{Code: req.ServiceCode, Display: req.ServiceName}},
			Text:   req.ServiceName,
		},
		"subject": fhir.Reference{Reference: fhir.FormatReference("Patient", req.PatientID.String())},
	}

	if req.Priority != "" {
		resource["priority"] = strings.ToLower(PriorityName(req.Priority))
	}
	if req.RequestedAt != nil {
		resource["authoredOn"] = req.RequestedAt.Format("2006-01-02T15:04:05Z07:00")
	}
	if req.OrderingProvider != "" {
		resource["requester"] = fhir.Reference{Display: req.OrderingProvider}
	}

	return resource, nil
}

// RequestFromFHIR maps a FHIR ProcedureRequest resource back to a request
// skeleton plus the accession number carried in its ACSN identifier. Fields
// this filler does not track are dropped; nothing is invented.
func RequestFromFHIR(res map[string]interface{}) (*ProcedureRequest, string, error) {
	if res["resourceType"] != "ProcedureRequest" {
		return nil, "", &MappingError{Field: "resourceType"}
	}

	ids := rawIdentifiers(res)
	rpid := identifierValue(ids, fhir.IdentifierTypeRequestedID)
	if rpid == "" {
		return nil, "", &MappingError{Field: "identifier[RPID]"}
	}

	code, display := codeFromConcept(res["code"])
	if code == "" {
		return nil, "", &MappingError{Field: "code"}
	}

	req := &ProcedureRequest{
		ExternalRequestID: rpid,
		PlacerOrderNumber: identifierValue(ids, fhir.IdentifierTypePlacer),
		FillerOrderNumber: identifierValue(ids, fhir.IdentifierTypeFiller),
		ServiceCode:       code,
		ServiceName:       display,
		Status:            RequestStatusPending,
	}

	if status, ok := res["status"].(string); ok && status != "" {
		mapped, known := fhirRequestStatus[status]
		if !known {
			return nil, "", &MappingError{Field: "status"}
		}
		req.Status = mapped
	}

	if ref := referenceString(res["subject"]); ref != "" {
		if id, err := uuid.Parse(strings.TrimPrefix(ref, "Patient/")); err == nil {
			req.PatientID = id
		}
	}

	return req, identifierValue(ids, fhir.IdentifierTypeAccession), nil
}

// AccessionToImagingStudy renders an accession as a FHIR ImagingStudy
// resource.
func AccessionToImagingStudy(acc *Accession) (map[string]interface{}, error) {
	switch {
	case acc == nil:
		return nil, &MappingError{Field: "accession"}
	case acc.AccessionNumber == "":
		return nil, &MappingError{Field: "accession_number"}
	case acc.PatientID == uuid.Nil:
		return nil, &MappingError{Field: "patient_id"}
	}

	identifiers := []fhir.Identifier{
		fhir.TypedIdentifier(fhir.IdentifierTypeAccession, AccessionSystem, acc.AccessionNumber),
	}
	if acc.StudyInstanceUID != "" {
		identifiers = append(identifiers, fhir.Identifier{
			System: fhir.DICOMUIDSystem,
			Value:  acc.StudyInstanceUID,
		})
	}

	resource := map[string]interface{}{
		"resourceType": "ImagingStudy",
		"id":           acc.ID.String(),
		"meta":         fhir.Meta{LastUpdated: acc.UpdatedAt},
		"status":       accessionStatusFHIR[acc.Status],
		"identifier":   identifiers,
		"subject":      fhir.Reference{Reference: fhir.FormatReference("Patient", acc.PatientID.String())},
	}

	if acc.StudyDate != nil {
		resource["started"] = acc.StudyDate.Format("2006-01-02T15:04:05Z07:00")
	}
	if acc.Modality != "" {
		resource["modality"] = []fhir.Coding{{
			System: "http://dicom.nema.org/resources/ontology/DCM",
			Code:   acc.Modality,
		}}
	}

	return resource, nil
}

// ImagingStudyFromFHIR maps an ImagingStudy resource back to an accession
// skeleton.
func ImagingStudyFromFHIR(res map[string]interface{}) (*Accession, error) {
	if res["resourceType"] != "ImagingStudy" {
		return nil, &MappingError{Field: "resourceType"}
	}

	ids := rawIdentifiers(res)
	number := identifierValue(ids, fhir.IdentifierTypeAccession)
	if number == "" {
		return nil, &MappingError{Field: "identifier[ACSN]"}
	}

	acc := &Accession{
		AccessionNumber:  number,
		StudyInstanceUID: systemIdentifierValue(ids, fhir.DICOMUIDSystem),
		Status:           AccessionStatusScheduled,
	}

	if status, ok := res["status"].(string); ok && status != "" {
		mapped, known := fhirAccessionStatus[status]
		if !known {
			return nil, &MappingError{Field: "status"}
		}
		acc.Status = mapped
	}

	if ref := referenceString(res["subject"]); ref != "" {
		if id, err := uuid.Parse(strings.TrimPrefix(ref, "Patient/")); err == nil {
			acc.PatientID = id
		}
	}

	return acc, nil
}

// -- JSON map helpers for inbound resources --

func rawIdentifiers(res map[string]interface{}) []map[string]interface{} {
	list, ok := res["identifier"].([]interface{})
	if !ok {
		return nil
	}
	var out []map[string]interface{}
	for _, item := range list {
		if m, ok := item.(map[string]interface{}); ok {
			out = append(out, m)
		}
	}
	return out
}

func identifierValue(ids []map[string]interface{}, typeCode string) string {
	for _, id := range ids {
		if identifierTypeCode(id) == typeCode {
			value, _ := id["value"].(string)
			return value
		}
	}
	return ""
}

func systemIdentifierValue(ids []map[string]interface{}, system string) string {
	for _, id := range ids {
		if s, _ := id["system"].(string); s == system {
			value, _ := id["value"].(string)
			return value
		}
	}
	return ""
}

func identifierTypeCode(id map[string]interface{}) string {
	typ, ok := id["type"].(map[string]interface{})
	if !ok {
		return ""
	}
	codings, ok := typ["coding"].([]interface{})
	if !ok {
		return ""
	}
	for _, c := range codings {
		coding, ok := c.(map[string]interface{})
		if !ok {
			continue
		}
		if system, _ := coding["system"].(string); system == fhir.IdentifierTypeSystem {
			code, _ := coding["code"].(string)
			return code
		}
	}
	return ""
}

func referenceString(v interface{}) string {
	ref, ok := v.(map[string]interface{})
	if !ok {
		return ""
	}
	s, _ := ref["reference"].(string)
	return s
}

func codeFromConcept(v interface{}) (code, display string) {
	concept, ok := v.(map[string]interface{})
	if !ok {
		return "", ""
	}
	codings, ok := concept["coding"].([]interface{})
	if !ok || len(codings) == 0 {
		return "", ""
	}
	coding, ok := codings[0].(map[string]interface{})
	if !ok {
		return "", ""
	}
	code, _ = coding["code"].(string)
	display, _ = coding["display"].(string)
	if display == "" {
		display, _ = concept["text"].(string)
	}
	return code, display
}
