package anchoring

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/ehr/anchor/internal/platform/auth"
	"github.com/ehr/anchor/internal/platform/middleware"
	"github.com/ehr/anchor/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	// Read endpoints – patient, doctor, hospital (patients are further
	// limited to their own records)
	readGroup := api.Group("", auth.RequireRole(auth.RolePatient, auth.RoleDoctor, auth.RoleHospital))
	readGroup.POST("/records/verify", h.VerifyRecord)
	readGroup.GET("/records/:receiptId", h.GetRecord)
	readGroup.GET("/receipts", h.ListReceipts)
	readGroup.GET("/receipts/:receiptId/handoff", h.GetHandoff)
	readGroup.POST("/handoff/decode", h.DecodeHandoff)

	// Patient endpoints
	patientGroup := api.Group("", auth.RequireRole(auth.RolePatient))
	patientGroup.GET("/handoff/patient-access", h.GetPatientAccessHandoff)

	// Write endpoints – doctor, hospital
	writeGroup := api.Group("", auth.RequireRole(auth.RoleDoctor, auth.RoleHospital))
	writeGroup.POST("/records/anchor", h.AnchorRecord)
	writeGroup.GET("/wallet", h.GetWallet)

	// Local copies may only be removed by the hospital (or an admin)
	adminGroup := api.Group("", auth.RequireRole(auth.RoleHospital))
	adminGroup.DELETE("/records/:receiptId", h.EvictRecord)
}

// payloadBody is embedded in requests that carry a record payload. Payload
// is the record as JSON; PayloadB64 is the exact bytes, base64 encoded.
// Exactly one must be present.
type payloadBody struct {
	Payload    json.RawMessage `json:"payload"`
	PayloadB64 *string         `json:"payload_b64"`
}

// bytes returns the payload to fingerprint. A JSON string payload
// contributes the string's bytes; any other JSON value contributes the raw
// bytes as sent, so the caller controls the serialization.
func (p payloadBody) bytes() ([]byte, error) {
	raw := json.RawMessage(strings.TrimSpace(string(p.Payload)))
	hasJSON := len(raw) > 0 && string(raw) != "null"

	switch {
	case hasJSON && p.PayloadB64 != nil:
		return nil, errors.New("provide either payload or payload_b64, not both")
	case p.PayloadB64 != nil:
		b, err := base64.StdEncoding.DecodeString(*p.PayloadB64)
		if err != nil {
			return nil, errors.New("payload_b64 is not valid base64")
		}
		return b, nil
	case !hasJSON:
		return nil, errors.New("payload or payload_b64 is required")
	case raw[0] == '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, errors.New("payload is not a valid JSON string")
		}
		return []byte(s), nil
	default:
		return []byte(raw), nil
	}
}

type anchorRequest struct {
	SubjectID string `json:"subject_id"`
	IssuerID  string `json:"issuer_id"`
	payloadBody
}

type anchorResponse struct {
	Receipt *AnchorReceipt `json:"receipt"`
	Handoff string         `json:"handoff"`
}

type verifyRequest struct {
	ReceiptID      string `json:"receipt_id"`
	Handoff        string `json:"handoff"`
	ExpectedIssuer string `json:"expected_issuer"`
	payloadBody
}

type verifyResponse struct {
	Status string `json:"status"`
	*VerificationResult
}

type recordResponse struct {
	Receipt *AnchorReceipt `json:"receipt"`
	Payload []byte         `json:"payload,omitempty"`
}

type handoffResponse struct {
	Code    string  `json:"code"`
	Handoff Handoff `json:"handoff"`
}

func toHTTPError(err error) error {
	return echo.NewHTTPError(HTTPStatus(err), err.Error())
}

func (h *Handler) AnchorRecord(c echo.Context) error {
	var req anchorRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if strings.TrimSpace(req.SubjectID) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "subject_id is required")
	}
	payload, err := req.bytes()
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	c.Set(middleware.AuditSubjectKey, req.SubjectID)

	ctx := c.Request().Context()
	issuer := req.IssuerID
	if issuer == "" {
		if issuer, err = h.svc.DefaultIssuer(ctx, auth.UserIDFromContext(ctx)); err != nil {
			return toHTTPError(err)
		}
	}

	rec, err := h.svc.Anchor(ctx, req.SubjectID, issuer, payload)
	if err != nil {
		return toHTTPError(err)
	}
	c.Set(middleware.AuditReceiptKey, rec.ReceiptID)

	code, err := NewHandoff(rec).Encode()
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusCreated, anchorResponse{Receipt: rec, Handoff: code})
}

func (h *Handler) VerifyRecord(c echo.Context) error {
	var req verifyRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.ReceiptID == "" && req.Handoff != "" {
		ho, err := DecodeHandoff(req.Handoff)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		if ho.Kind != HandoffRecord {
			return echo.NewHTTPError(http.StatusBadRequest, "handoff does not reference a record")
		}
		req.ReceiptID = ho.ReceiptID
	}
	if strings.TrimSpace(req.ReceiptID) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "receipt_id is required")
	}
	payload, err := req.bytes()
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	c.Set(middleware.AuditReceiptKey, req.ReceiptID)

	res, err := h.svc.Verify(c.Request().Context(), req.ReceiptID, payload, req.ExpectedIssuer)
	if err != nil {
		return c.JSON(HTTPStatus(err), map[string]string{
			"status": StatusUnverified,
			"error":  err.Error(),
		})
	}
	c.Set(middleware.AuditSubjectKey, res.Receipt.SubjectID)
	if !auth.CanAccessSubject(c.Request().Context(), res.Receipt.SubjectID) {
		return echo.NewHTTPError(http.StatusForbidden, "access to this record is not permitted")
	}
	return c.JSON(http.StatusOK, verifyResponse{Status: res.Status(), VerificationResult: res})
}

func (h *Handler) GetRecord(c echo.Context) error {
	stored, err := h.svc.Resolve(c.Request().Context(), c.Param("receiptId"))
	if err != nil {
		return toHTTPError(err)
	}
	c.Set(middleware.AuditSubjectKey, stored.Receipt.SubjectID)
	if !auth.CanAccessSubject(c.Request().Context(), stored.Receipt.SubjectID) {
		return echo.NewHTTPError(http.StatusForbidden, "access to this record is not permitted")
	}
	return c.JSON(http.StatusOK, recordResponse{Receipt: stored.Receipt, Payload: stored.Payload})
}

func (h *Handler) EvictRecord(c echo.Context) error {
	if err := h.svc.Evict(c.Request().Context(), c.Param("receiptId")); err != nil {
		return toHTTPError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) ListReceipts(c echo.Context) error {
	ctx := c.Request().Context()
	subject := c.QueryParam("subject_id")
	if subject == "" && !auth.HasRole(ctx, auth.RoleDoctor, auth.RoleHospital) {
		subject = auth.PatientIDFromContext(ctx)
	}
	if subject == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "subject_id is required")
	}
	c.Set(middleware.AuditSubjectKey, subject)
	if !auth.CanAccessSubject(ctx, subject) {
		return echo.NewHTTPError(http.StatusForbidden, "access to this subject is not permitted")
	}

	pg := pagination.FromContext(c)
	entries, total, err := h.svc.ListBySubject(ctx, subject, pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	resp := pagination.NewResponse(entries, total, pg.Limit, pg.Offset).
		WithLinks(c.Request().URL.Path, "subject_id="+url.QueryEscape(subject))
	return c.JSON(http.StatusOK, resp)
}

func (h *Handler) GetHandoff(c echo.Context) error {
	code, rec, err := h.svc.HandoffCode(c.Request().Context(), c.Param("receiptId"))
	if err != nil {
		return toHTTPError(err)
	}
	c.Set(middleware.AuditSubjectKey, rec.SubjectID)
	if !auth.CanAccessSubject(c.Request().Context(), rec.SubjectID) {
		return echo.NewHTTPError(http.StatusForbidden, "access to this record is not permitted")
	}
	return c.JSON(http.StatusOK, handoffResponse{Code: code, Handoff: NewHandoff(rec)})
}

func (h *Handler) GetPatientAccessHandoff(c echo.Context) error {
	subject := auth.PatientIDFromContext(c.Request().Context())
	if subject == "" {
		return echo.NewHTTPError(http.StatusForbidden, "token carries no patient id")
	}
	c.Set(middleware.AuditSubjectKey, subject)

	ho := NewPatientAccessHandoff(subject)
	code, err := ho.Encode()
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, handoffResponse{Code: code, Handoff: ho})
}

func (h *Handler) DecodeHandoff(c echo.Context) error {
	var req struct {
		Code string `json:"code"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ho, err := DecodeHandoff(req.Code)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	c.Set(middleware.AuditSubjectKey, ho.SubjectID)
	c.Set(middleware.AuditReceiptKey, ho.ReceiptID)
	return c.JSON(http.StatusOK, ho)
}

func (h *Handler) GetWallet(c echo.Context) error {
	ids, err := h.svc.Identities(c.Request().Context())
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"backend":    h.svc.BackendName(),
		"validator":  h.svc.ValidatorReference(),
		"identities": ids,
	})
}
