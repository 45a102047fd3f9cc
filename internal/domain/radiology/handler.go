package radiology

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/ris/internal/platform/auth"
	"github.com/ehr/ris/internal/platform/fhir"
)

// Handler exposes order intake and workflow over HTTP.
type Handler struct {
	service *Service
}

func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes mounts the intake, workflow, and FHIR read endpoints.
func (h *Handler) RegisterRoutes(api *echo.Group, fhirGroup *echo.Group) {
	api.POST("/hl7v2/receive", h.Receive, auth.RequireRole("integration"))
	api.GET("/hl7v2/messages", h.ListMessages)

	api.GET("/requests", h.ListRequests)
	api.GET("/requests/:id", h.GetRequest)
	api.POST("/requests/:id/status", h.TransitionRequest, auth.RequireRole("technologist"))
	api.POST("/requests/:id/link", h.LinkRequest, auth.RequireRole("technologist"))

	api.GET("/accessions", h.ListAccessions)
	api.GET("/accessions/:id", h.GetAccession)
	api.GET("/accessions/:id/requests", h.AccessionRequests)
	api.POST("/accessions/:id/status", h.TransitionAccession, auth.RequireRole("technologist"))
	api.PUT("/accessions/:id/study-uid", h.AssignStudyUID, auth.RequireRole("technologist"))

	fhirGroup.GET("/ProcedureRequest/:id", h.GetRequestFHIR)
	fhirGroup.GET("/ImagingStudy/:id", h.GetImagingStudyFHIR)
}

type receiveRequest struct {
	Message string `json:"message"`
}

type errorResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Error   string `json:"error"`
}

// Receive accepts one HL7 message and returns the reconciliation outcome.
func (h *Handler) Receive(c echo.Context) error {
	var body receiveRequest
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if body.Message == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "message is required")
	}

	result, err := h.service.ProcessMessage(c.Request().Context(), []byte(body.Message), "http")
	if err != nil {
		return c.JSON(intakeStatusCode(err), errorResponse{
			Status:  "error",
			Message: err.Error(),
			Error:   errorKindOrInternal(err),
		})
	}

	return c.JSON(http.StatusOK, result)
}

// intakeStatusCode maps intake error kinds to HTTP status codes. Retryable
// conflicts get 503 so transport-level retry policies kick in; data
// conflicts get 409; everything needing upstream correction gets 400.
func intakeStatusCode(err error) int {
	switch ErrorKind(err) {
	case KindParse, KindUnsupportedMessageType, KindMissingIdentifier, KindAccessionRequired, KindInvalidPattern, KindMapping:
		return http.StatusBadRequest
	case KindPatientNotFound:
		return http.StatusNotFound
	case KindAccessionPatientConflict, KindStudyUIDConflict:
		return http.StatusConflict
	case KindConcurrencyConflict:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (h *Handler) ListMessages(c echo.Context) error {
	limit, offset := pageParams(c)
	messages, err := h.service.ListMessages(c.Request().Context(), limit, offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to list messages")
	}
	if messages == nil {
		messages = []*MessageLog{}
	}
	return c.JSON(http.StatusOK, messages)
}

func (h *Handler) ListRequests(c echo.Context) error {
	limit, offset := pageParams(c)
	requests, err := h.service.ListRequests(c.Request().Context(), limit, offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to list requests")
	}
	if requests == nil {
		requests = []*ProcedureRequest{}
	}
	return c.JSON(http.StatusOK, requests)
}

func (h *Handler) GetRequest(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}

	req, err := h.service.GetRequest(c.Request().Context(), id)
	if err != nil {
		return notFoundOr500(err, "request")
	}
	return c.JSON(http.StatusOK, req)
}

type statusRequest struct {
	Status string `json:"status"`
}

func (h *Handler) TransitionRequest(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}

	var body statusRequest
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	req, err := h.service.TransitionRequest(c.Request().Context(), id, RequestStatus(body.Status))
	if err != nil {
		switch {
		case errors.Is(err, ErrNotFound):
			return echo.NewHTTPError(http.StatusNotFound, "request not found")
		case errors.Is(err, ErrInvalidTransition):
			return echo.NewHTTPError(http.StatusConflict, err.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to update request")
	}
	return c.JSON(http.StatusOK, req)
}

type linkRequest struct {
	AccessionNumber string `json:"accession_number"`
}

func (h *Handler) LinkRequest(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}

	var body linkRequest
	if err := c.Bind(&body); err != nil || body.AccessionNumber == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "accession_number is required")
	}

	req, acc, err := h.service.LinkRequest(c.Request().Context(), id, body.AccessionNumber)
	if err != nil {
		var conflict *AccessionPatientConflictError
		switch {
		case errors.Is(err, ErrNotFound):
			return echo.NewHTTPError(http.StatusNotFound, err.Error())
		case errors.As(err, &conflict), errors.Is(err, ErrInvalidTransition):
			return echo.NewHTTPError(http.StatusConflict, err.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to link request")
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"request":   req,
		"accession": acc,
	})
}

func (h *Handler) ListAccessions(c echo.Context) error {
	limit, offset := pageParams(c)
	accessions, err := h.service.ListAccessions(c.Request().Context(), limit, offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to list accessions")
	}
	if accessions == nil {
		accessions = []*Accession{}
	}
	return c.JSON(http.StatusOK, accessions)
}

func (h *Handler) GetAccession(c echo.Context) error {
	acc, err := h.lookupAccession(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, acc)
}

func (h *Handler) AccessionRequests(c echo.Context) error {
	acc, err := h.lookupAccession(c)
	if err != nil {
		return err
	}

	requests, err := h.service.AccessionRequests(c.Request().Context(), acc.ID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to list accession requests")
	}
	if requests == nil {
		requests = []*ProcedureRequest{}
	}
	return c.JSON(http.StatusOK, requests)
}

func (h *Handler) TransitionAccession(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}

	var body statusRequest
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	acc, err := h.service.TransitionAccession(c.Request().Context(), id, AccessionStatus(body.Status))
	if err != nil {
		switch {
		case errors.Is(err, ErrNotFound):
			return echo.NewHTTPError(http.StatusNotFound, "accession not found")
		case errors.Is(err, ErrInvalidTransition):
			return echo.NewHTTPError(http.StatusConflict, err.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to update accession")
	}
	return c.JSON(http.StatusOK, acc)
}

type studyUIDRequest struct {
	StudyInstanceUID string `json:"study_instance_uid"`
}

// AssignStudyUID is the DICOM boundary: a single-assignment slot filled by
// the imaging system after study creation.
func (h *Handler) AssignStudyUID(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}

	var body studyUIDRequest
	if err := c.Bind(&body); err != nil || body.StudyInstanceUID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "study_instance_uid is required")
	}

	acc, err := h.service.AssignStudyUID(c.Request().Context(), id, body.StudyInstanceUID)
	if err != nil {
		var conflict *StudyUIDConflictError
		switch {
		case errors.Is(err, ErrNotFound):
			return echo.NewHTTPError(http.StatusNotFound, "accession not found")
		case errors.As(err, &conflict):
			return echo.NewHTTPError(http.StatusConflict, err.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to assign study uid")
	}
	return c.JSON(http.StatusOK, acc)
}

func (h *Handler) GetRequestFHIR(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}

	ctx := c.Request().Context()
	req, err := h.service.GetRequest(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return c.JSON(http.StatusNotFound, fhir.NotFoundOutcome("ProcedureRequest", c.Param("id")))
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to load request")
	}

	acc, err := h.service.GetAccession(ctx, req.AccessionID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to load accession")
	}

	resource, err := RequestToFHIR(req, acc)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, fhir.ErrorOutcome(err.Error()))
	}
	return c.JSON(http.StatusOK, resource)
}

func (h *Handler) GetImagingStudyFHIR(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}

	acc, err := h.service.GetAccession(c.Request().Context(), id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return c.JSON(http.StatusNotFound, fhir.NotFoundOutcome("ImagingStudy", c.Param("id")))
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to load accession")
	}

	resource, err := AccessionToImagingStudy(acc)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, fhir.ErrorOutcome(err.Error()))
	}
	return c.JSON(http.StatusOK, resource)
}

func (h *Handler) lookupAccession(c echo.Context) (*Accession, error) {
	id, err := parseID(c)
	if err != nil {
		return nil, err
	}

	acc, err := h.service.GetAccession(c.Request().Context(), id)
	if err != nil {
		return nil, notFoundOr500(err, "accession")
	}
	return acc, nil
}

func parseID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

func notFoundOr500(err error, entity string) error {
	if errors.Is(err, ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, entity+" not found")
	}
	return echo.NewHTTPError(http.StatusInternalServerError, "failed to load "+entity)
}

func pageParams(c echo.Context) (limit, offset int) {
	limit, _ = strconv.Atoi(c.QueryParam("limit"))
	offset, _ = strconv.Atoi(c.QueryParam("offset"))
	return limit, offset
}
