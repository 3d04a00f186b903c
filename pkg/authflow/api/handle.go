package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/polisafe/securecore/pkg/authflow"
	"github.com/polisafe/securecore/pkg/devicetrust"
	"github.com/polisafe/securecore/pkg/fingerprint"
	"github.com/polisafe/securecore/pkg/subject"
	"github.com/polisafe/securecore/pkg/twofa"
)

// AuthFlowHandler handles HTTP requests for the authentication flow. The
// primary credential is assumed verified by the caller; these endpoints cover
// the device and second-factor stages.
type AuthFlowHandler struct {
	flow *authflow.Flow
}

// NewAuthFlowHandler creates a new authentication flow handler
func NewAuthFlowHandler(flow *authflow.Flow) *AuthFlowHandler {
	return &AuthFlowHandler{
		flow: flow,
	}
}

// LoginRequest represents the request body for processing a login
type LoginRequest struct {
	Location string `json:"location,omitempty"`
}

// CompleteTwoFactorRequest represents the request body for completing a 2FA challenge
type CompleteTwoFactorRequest struct {
	DeviceID       string `json:"device_id"`
	Code           string `json:"code"`
	CodeType       string `json:"code_type,omitempty"`
	RememberDevice bool   `json:"remember_device"`
}

// FlowResponse represents the flow decision in API responses
type FlowResponse struct {
	Status   string             `json:"status"`
	Outcome  authflow.Outcome   `json:"outcome"`
	DeviceID string             `json:"device_id"`
	Device   devicetrust.Device `json:"device"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// Routes registers the authentication flow endpoints on the router
func Routes(r chi.Router, handler *AuthFlowHandler) {
	r.Route("/auth/{kind}/{id}", func(r chi.Router) {
		r.Post("/login", handler.ProcessLogin)
		r.Post("/2fa", handler.CompleteTwoFactor)
	})
}

// ProcessLogin evaluates an authentication event after primary credential verification
func (h *AuthFlowHandler) ProcessLogin(w http.ResponseWriter, r *http.Request) {
	subj, ok := subjectFromRequest(w, r)
	if !ok {
		return
	}

	var req LoginRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	result, err := h.flow.ProcessAuthentication(r.Context(), subj, requestSignals(r, req.Location))
	if err != nil {
		renderFlowError(w, r, result, err)
		return
	}
	render.JSON(w, r, FlowResponse{
		Status:   "success",
		Outcome:  result.Outcome,
		DeviceID: result.DeviceID,
		Device:   result.Device,
	})
}

// CompleteTwoFactor verifies a second-factor code for a pending login
func (h *AuthFlowHandler) CompleteTwoFactor(w http.ResponseWriter, r *http.Request) {
	subj, ok := subjectFromRequest(w, r)
	if !ok {
		return
	}

	var req CompleteTwoFactorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.DeviceID == "" || req.Code == "" {
		renderBadRequest(w, r, "device_id and code are required")
		return
	}
	codeType := twofa.CodeType(req.CodeType)
	if req.CodeType == "" {
		codeType = twofa.CodeTypeTotp
	}

	result, err := h.flow.CompleteTwoFactor(r.Context(), subj, req.DeviceID, req.Code, codeType, requestSignals(r, ""), req.RememberDevice)
	if err != nil {
		renderFlowError(w, r, result, err)
		return
	}
	render.JSON(w, r, FlowResponse{
		Status:   "success",
		Outcome:  result.Outcome,
		DeviceID: result.DeviceID,
		Device:   result.Device,
	})
}

func requestSignals(r *http.Request, location string) authflow.RequestSignals {
	data := fingerprint.FromRequest(r)
	return authflow.RequestSignals{
		IPAddress: data.IPAddress,
		UserAgent: data.UserAgent,
		Location:  location,
		Extra:     data.Extra,
	}
}

func subjectFromRequest(w http.ResponseWriter, r *http.Request) (subject.Subject, bool) {
	subj, err := subject.New(subject.SubjectKind(chi.URLParam(r, "kind")), chi.URLParam(r, "id"))
	if err != nil {
		renderBadRequest(w, r, err.Error())
		return subject.Subject{}, false
	}
	return subj, true
}

func renderBadRequest(w http.ResponseWriter, r *http.Request, message string) {
	render.Status(r, http.StatusBadRequest)
	render.JSON(w, r, ErrorResponse{Status: "error", Message: message})
}

// renderFlowError maps flow errors to statuses. A blocked outcome still
// carries the device so the caller can show the block reason.
func renderFlowError(w http.ResponseWriter, r *http.Request, result authflow.Result, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, devicetrust.ErrDeviceBlocked):
		status = http.StatusForbidden
	case errors.Is(err, twofa.ErrInvalidTotpCode), errors.Is(err, twofa.ErrInvalidRecoveryCode):
		status = http.StatusUnauthorized
	case errors.Is(err, twofa.ErrTooManyRecentAttempts):
		status = http.StatusTooManyRequests
	case errors.Is(err, twofa.ErrNotConfigured):
		status = http.StatusNotFound
	default:
		slog.Error("Authentication flow failed", "error", err)
	}
	render.Status(r, status)
	if result.Outcome != "" {
		render.JSON(w, r, FlowResponse{
			Status:   "error",
			Outcome:  result.Outcome,
			DeviceID: result.DeviceID,
			Device:   result.Device,
		})
		return
	}
	render.JSON(w, r, ErrorResponse{Status: "error", Message: err.Error()})
}
