package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/jinzhu/copier"
	"github.com/polisafe/securecore/pkg/fingerprint"
	"github.com/polisafe/securecore/pkg/secrets"
	"github.com/polisafe/securecore/pkg/subject"
	"github.com/polisafe/securecore/pkg/twofa"
)

// TwoFaHandler handles HTTP requests for two-factor management
type TwoFaHandler struct {
	twoFaService *twofa.TwoFaService
}

// NewTwoFaHandler creates a new two-factor handler
func NewTwoFaHandler(twoFaService *twofa.TwoFaService) *TwoFaHandler {
	return &TwoFaHandler{
		twoFaService: twoFaService,
	}
}

// SetupResponse represents the response body for starting 2FA setup
type SetupResponse struct {
	Status          string `json:"status"`
	Secret          string `json:"secret"`
	ProvisioningURI string `json:"provisioning_uri"`
}

// ConfirmRequest represents the request body for confirming 2FA setup
type ConfirmRequest struct {
	Code string `json:"code"`
}

// ConfirmResponse carries the recovery codes returned exactly once
type ConfirmResponse struct {
	Status        string   `json:"status"`
	RecoveryCodes []string `json:"recovery_codes"`
}

// VerifyRequest represents the request body for verifying a code
type VerifyRequest struct {
	Code     string `json:"code"`
	CodeType string `json:"code_type"`
}

// StatusResponse represents the 2FA status for a subject
type StatusResponse struct {
	Status                 string `json:"status"`
	Configured             bool   `json:"configured"`
	RemainingRecoveryCodes int    `json:"remaining_recovery_codes,omitempty"`
}

// SuccessResponse represents a generic success response
type SuccessResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// Routes registers the two-factor endpoints on the router
func Routes(r chi.Router, handler *TwoFaHandler) {
	r.Route("/subjects/{kind}/{id}/2fa", func(r chi.Router) {
		r.Get("/", handler.GetStatus)
		r.Post("/setup", handler.BeginSetup)
		r.Post("/confirm", handler.ConfirmSetup)
		r.Post("/verify", handler.VerifyCode)
		r.Post("/disable", handler.Disable)
	})
}

// GetStatus reports whether the subject has 2FA fully configured
func (h *TwoFaHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	subj, ok := subjectFromRequest(w, r)
	if !ok {
		return
	}

	configured, err := h.twoFaService.IsFullyConfigured(r.Context(), subj)
	if err != nil {
		renderError(w, r, err)
		return
	}

	resp := StatusResponse{Status: "success", Configured: configured}
	if configured {
		remaining, err := h.twoFaService.RemainingRecoveryCodes(r.Context(), subj)
		if err != nil {
			renderError(w, r, err)
			return
		}
		resp.RemainingRecoveryCodes = remaining
	}
	render.JSON(w, r, resp)
}

// BeginSetup starts 2FA setup and returns the provisioning secret
func (h *TwoFaHandler) BeginSetup(w http.ResponseWriter, r *http.Request) {
	subj, ok := subjectFromRequest(w, r)
	if !ok {
		return
	}

	result, err := h.twoFaService.BeginSetup(r.Context(), subj)
	if err != nil {
		renderError(w, r, err)
		return
	}

	resp := SetupResponse{Status: "success"}
	if err := copier.Copy(&resp, &result); err != nil {
		renderError(w, r, err)
		return
	}
	render.JSON(w, r, resp)
}

// ConfirmSetup activates the pending credential and returns the recovery codes
func (h *TwoFaHandler) ConfirmSetup(w http.ResponseWriter, r *http.Request) {
	subj, ok := subjectFromRequest(w, r)
	if !ok {
		return
	}

	var req ConfirmRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Code == "" {
		renderBadRequest(w, r, "code is required")
		return
	}

	codes, err := h.twoFaService.ConfirmSetup(r.Context(), subj, req.Code, requestMeta(r))
	if err != nil {
		renderError(w, r, err)
		return
	}
	render.JSON(w, r, ConfirmResponse{Status: "success", RecoveryCodes: codes})
}

// VerifyCode verifies a second-factor code
func (h *TwoFaHandler) VerifyCode(w http.ResponseWriter, r *http.Request) {
	subj, ok := subjectFromRequest(w, r)
	if !ok {
		return
	}

	var req VerifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Code == "" {
		renderBadRequest(w, r, "code is required")
		return
	}
	codeType := twofa.CodeType(req.CodeType)
	if req.CodeType == "" {
		codeType = twofa.CodeTypeTotp
	}

	if err := h.twoFaService.VerifyCode(r.Context(), subj, req.Code, codeType, requestMeta(r)); err != nil {
		renderError(w, r, err)
		return
	}
	render.JSON(w, r, SuccessResponse{Status: "success", Message: "code verified"})
}

// Disable erases the subject's 2FA credential
func (h *TwoFaHandler) Disable(w http.ResponseWriter, r *http.Request) {
	subj, ok := subjectFromRequest(w, r)
	if !ok {
		return
	}

	if err := h.twoFaService.Disable(r.Context(), subj); err != nil {
		renderError(w, r, err)
		return
	}
	render.JSON(w, r, SuccessResponse{Status: "success", Message: "two-factor authentication disabled"})
}

func requestMeta(r *http.Request) twofa.RequestMeta {
	data := fingerprint.FromRequest(r)
	return twofa.RequestMeta{
		IPAddress: data.IPAddress,
		UserAgent: data.UserAgent,
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

func renderError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, twofa.ErrNotConfigured):
		status = http.StatusNotFound
	case errors.Is(err, twofa.ErrAlreadyConfigured):
		status = http.StatusConflict
	case errors.Is(err, twofa.ErrInvalidTotpCode), errors.Is(err, twofa.ErrInvalidRecoveryCode), errors.Is(err, twofa.ErrUnknownCodeType):
		status = http.StatusUnauthorized
	case errors.Is(err, twofa.ErrTooManyRecentAttempts):
		status = http.StatusTooManyRequests
	case errors.Is(err, twofa.ErrStorageConflict):
		status = http.StatusConflict
	case errors.Is(err, secrets.ErrDecryptionFailure):
		slog.Error("Secret decryption failure, check encryption key configuration", "error", err)
	default:
		slog.Error("Two-factor operation failed", "error", err)
	}
	render.Status(r, status)
	render.JSON(w, r, ErrorResponse{Status: "error", Message: err.Error()})
}
