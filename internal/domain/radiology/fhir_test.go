package radiology

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/ris/internal/platform/fhir"
)

func sampleRequest() (*ProcedureRequest, *Accession) {
	patientID := uuid.New()
	requestedAt := time.Date(2025, 11, 10, 9, 0, 0, 0, time.UTC)
	acc := &Accession{
		ID:              uuid.New(),
		AccessionNumber: "RAD-20251110-000001",
		PatientID:       patientID,
		Status:          AccessionStatusScheduled,
	}
	req := &ProcedureRequest{
		ID:                uuid.New(),
		UpdatedAt:         time.Date(2025, 11, 10, 9, 5, 0, 0, time.UTC),
		ExternalRequestID: "RP-9001",
		PlacerOrderNumber: "PLACER-001",
		FillerOrderNumber: "FILLER-001",
		ServiceCode:       "71020",
		ServiceName:       "CHEST XRAY 2 VIEWS",
		Priority:          "S",
		RequestedAt:       &requestedAt,
		PatientID:         patientID,
		AccessionID:       acc.ID,
		Status:            RequestStatusPending,
	}
	return req, acc
}

func TestRequestToFHIR(t *testing.T) {
	req, acc := sampleRequest()

	res, err := RequestToFHIR(req, acc)
	if err != nil {
		t.Fatalf("RequestToFHIR failed: %v", err)
	}

	if res["resourceType"] != "ProcedureRequest" {
		t.Errorf("unexpected resourceType %v", res["resourceType"])
	}
	if res["status"] != "draft" {
		t.Errorf("Pending should map to draft, got %v", res["status"])
	}
	if res["intent"] != "order" {
		t.Errorf("unexpected intent %v", res["intent"])
	}
	if res["priority"] != "stat" {
		t.Errorf("S should map to stat, got %v", res["priority"])
	}

	ids := res["identifier"].([]fhir.Identifier)
	if v, ok := fhir.FindIdentifier(ids, fhir.IdentifierTypeRequestedID); !ok || v != "RP-9001" {
		t.Errorf("RPID identifier wrong: %q %v", v, ok)
	}
	if v, ok := fhir.FindIdentifier(ids, fhir.IdentifierTypeAccession); !ok || v != "RAD-20251110-000001" {
		t.Errorf("ACSN identifier wrong: %q %v", v, ok)
	}
	if v, ok := fhir.FindIdentifier(ids, fhir.IdentifierTypePlacer); !ok || v != "PLACER-001" {
		t.Errorf("PLAC identifier wrong: %q %v", v, ok)
	}

	subject := res["subject"].(fhir.Reference)
	if subject.Reference != "Patient/"+req.PatientID.String() {
		t.Errorf("unexpected subject %s", subject.Reference)
	}

	meta := res["meta"].(fhir.Meta)
	if !meta.LastUpdated.Equal(req.UpdatedAt) {
		t.Errorf("unexpected meta.lastUpdated %v", meta.LastUpdated)
	}
}

func TestRequestToFHIR_StatusMap(t *testing.T) {
	req, acc := sampleRequest()

	tests := []struct {
		status RequestStatus
		want   string
	}{
		{RequestStatusPending, "draft"},
		{RequestStatusScheduled, "active"},
		{RequestStatusInProgress, "active"},
		{RequestStatusCompleted, "completed"},
		{RequestStatusCancelled, "revoked"},
	}

	for _, tt := range tests {
		req.Status = tt.status
		res, err := RequestToFHIR(req, acc)
		if err != nil {
			t.Fatalf("%s: %v", tt.status, err)
		}
		if res["status"] != tt.want {
			t.Errorf("%s: expected %s, got %v", tt.status, tt.want, res["status"])
		}
	}
}

func TestRequestToFHIR_MissingFields(t *testing.T) {
	req, acc := sampleRequest()
	req.ExternalRequestID = ""

	_, err := RequestToFHIR(req, acc)
	var me *MappingError
	if !errors.As(err, &me) {
		t.Fatalf("expected MappingError, got %v", err)
	}

	req2, _ := sampleRequest()
	if _, err := RequestToFHIR(req2, nil); !errors.As(err, &me) {
		t.Errorf("expected MappingError for missing accession, got %v", err)
	}
}

func TestRequestFHIRRoundTrip(t *testing.T) {
	req, acc := sampleRequest()

	res, err := RequestToFHIR(req, acc)
	if err != nil {
		t.Fatalf("to fhir: %v", err)
	}

	// Through JSON, as an API consumer would send it back.
	data, err := json.Marshal(res)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	back, accessionNumber, err := RequestFromFHIR(raw)
	if err != nil {
		t.Fatalf("from fhir: %v", err)
	}

	if back.ExternalRequestID != req.ExternalRequestID {
		t.Errorf("RPID lost: %q", back.ExternalRequestID)
	}
	if accessionNumber != acc.AccessionNumber {
		t.Errorf("accession number lost: %q", accessionNumber)
	}
	if back.ServiceCode != req.ServiceCode || back.ServiceName != req.ServiceName {
		t.Errorf("service lost: %q %q", back.ServiceCode, back.ServiceName)
	}
	if back.PlacerOrderNumber != req.PlacerOrderNumber {
		t.Errorf("placer number lost: %q", back.PlacerOrderNumber)
	}
	if back.PatientID != req.PatientID {
		t.Errorf("patient reference lost: %s", back.PatientID)
	}
	if back.Status != RequestStatusPending {
		t.Errorf("status lost: %s", back.Status)
	}
}

func TestRequestFromFHIR_Errors(t *testing.T) {
	var me *MappingError

	_, _, err := RequestFromFHIR(map[string]interface{}{"resourceType": "Observation"})
	if !errors.As(err, &me) {
		t.Errorf("expected MappingError for wrong type, got %v", err)
	}

	_, _, err = RequestFromFHIR(map[string]interface{}{"resourceType": "ProcedureRequest"})
	if !errors.As(err, &me) {
		t.Errorf("expected MappingError for missing identifier, got %v", err)
	}
}

func TestAccessionToImagingStudy(t *testing.T) {
	studyDate := time.Date(2025, 11, 10, 9, 0, 0, 0, time.UTC)
	acc := &Accession{
		ID:               uuid.New(),
		AccessionNumber:  "RAD-20251110-000001",
		PatientID:        uuid.New(),
		StudyInstanceUID: "1.2.840.113619.2.1",
		StudyDate:        &studyDate,
		Modality:         "CR",
		Status:           AccessionStatusInProgress,
	}

	res, err := AccessionToImagingStudy(acc)
	if err != nil {
		t.Fatalf("AccessionToImagingStudy failed: %v", err)
	}

	if res["resourceType"] != "ImagingStudy" {
		t.Errorf("unexpected resourceType %v", res["resourceType"])
	}
	if res["status"] != "available" {
		t.Errorf("InProgress should map to available, got %v", res["status"])
	}

	ids := res["identifier"].([]fhir.Identifier)
	if v, ok := fhir.FindIdentifier(ids, fhir.IdentifierTypeAccession); !ok || v != acc.AccessionNumber {
		t.Errorf("ACSN identifier wrong: %q", v)
	}

	var foundUID bool
	for _, id := range ids {
		if id.System == fhir.DICOMUIDSystem && id.Value == acc.StudyInstanceUID {
			foundUID = true
		}
	}
	if !foundUID {
		t.Error("study instance UID identifier missing")
	}
}

func TestImagingStudyFHIRRoundTrip(t *testing.T) {
	acc := &Accession{
		ID:               uuid.New(),
		AccessionNumber:  "ACC001",
		PatientID:        uuid.New(),
		StudyInstanceUID: "1.2.3.4",
		Status:           AccessionStatusCancelled,
	}

	res, err := AccessionToImagingStudy(acc)
	if err != nil {
		t.Fatalf("to fhir: %v", err)
	}

	data, _ := json.Marshal(res)
	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	back, err := ImagingStudyFromFHIR(raw)
	if err != nil {
		t.Fatalf("from fhir: %v", err)
	}
	if back.AccessionNumber != "ACC001" {
		t.Errorf("accession number lost: %q", back.AccessionNumber)
	}
	if back.StudyInstanceUID != "1.2.3.4" {
		t.Errorf("study uid lost: %q", back.StudyInstanceUID)
	}
	if back.Status != AccessionStatusCancelled {
		t.Errorf("status lost: %s", back.Status)
	}
	if back.PatientID != acc.PatientID {
		t.Errorf("patient lost: %s", back.PatientID)
	}
}
