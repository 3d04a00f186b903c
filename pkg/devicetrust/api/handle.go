package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/polisafe/securecore/pkg/devicetrust"
	"github.com/polisafe/securecore/pkg/subject"
)

// DeviceTrustHandler handles HTTP requests for device trust management
type DeviceTrustHandler struct {
	deviceService *devicetrust.DeviceTrustService
}

// NewDeviceTrustHandler creates a new device trust handler
func NewDeviceTrustHandler(deviceService *devicetrust.DeviceTrustService) *DeviceTrustHandler {
	return &DeviceTrustHandler{
		deviceService: deviceService,
	}
}

// GrantTrustRequest represents the request body for granting trust to a device
type GrantTrustRequest struct {
	DurationDays int    `json:"duration_days"`
	Reason       string `json:"reason,omitempty"`
}

// BlockDeviceRequest represents the request body for blocking a device
type BlockDeviceRequest struct {
	Reason string `json:"reason"`
}

// ReasonRequest represents a request body carrying only an optional reason
type ReasonRequest struct {
	Reason string `json:"reason,omitempty"`
}

// DeviceResponse represents a device in API responses
type DeviceResponse struct {
	Status string             `json:"status"`
	Device devicetrust.Device `json:"device"`
}

// DeviceListResponse represents a list of devices
type DeviceListResponse struct {
	Status  string               `json:"status"`
	Devices []devicetrust.Device `json:"devices"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// Routes registers the device trust endpoints on the router
func Routes(r chi.Router, handler *DeviceTrustHandler) {
	r.Route("/subjects/{kind}/{id}/devices", func(r chi.Router) {
		r.Get("/", handler.ListDevices)
		r.Route("/{deviceID}", func(r chi.Router) {
			r.Get("/", handler.GetDevice)
			r.Post("/trust", handler.GrantTrust)
			r.Post("/revoke-trust", handler.RevokeTrust)
			r.Post("/block", handler.BlockDevice)
			r.Post("/unblock", handler.UnblockDevice)
			r.Post("/recalculate", handler.RecalculateTrustScore)
		})
	})
}

// ListDevices returns all devices for a subject
func (h *DeviceTrustHandler) ListDevices(w http.ResponseWriter, r *http.Request) {
	subj, ok := subjectFromRequest(w, r)
	if !ok {
		return
	}

	devices, err := h.deviceService.FindDevicesBySubject(r.Context(), subj)
	if err != nil {
		renderError(w, r, err)
		return
	}
	render.JSON(w, r, DeviceListResponse{Status: "success", Devices: devices})
}

// GetDevice returns a single device
func (h *DeviceTrustHandler) GetDevice(w http.ResponseWriter, r *http.Request) {
	subj, ok := subjectFromRequest(w, r)
	if !ok {
		return
	}

	device, err := h.deviceService.GetDevice(r.Context(), subj, chi.URLParam(r, "deviceID"))
	if err != nil {
		renderError(w, r, err)
		return
	}
	render.JSON(w, r, DeviceResponse{Status: "success", Device: device})
}

// GrantTrust marks a device as trusted for a duration
func (h *DeviceTrustHandler) GrantTrust(w http.ResponseWriter, r *http.Request) {
	subj, ok := subjectFromRequest(w, r)
	if !ok {
		return
	}

	var req GrantTrustRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		renderBadRequest(w, r, "invalid request body")
		return
	}
	if req.DurationDays <= 0 {
		renderBadRequest(w, r, "duration_days must be positive")
		return
	}

	device, err := h.deviceService.GrantTrust(r.Context(), subj, chi.URLParam(r, "deviceID"), req.DurationDays, req.Reason)
	if err != nil {
		renderError(w, r, err)
		return
	}
	render.JSON(w, r, DeviceResponse{Status: "success", Device: device})
}

// RevokeTrust clears a device's trust grant
func (h *DeviceTrustHandler) RevokeTrust(w http.ResponseWriter, r *http.Request) {
	subj, ok := subjectFromRequest(w, r)
	if !ok {
		return
	}

	var req ReasonRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	device, err := h.deviceService.RevokeTrust(r.Context(), subj, chi.URLParam(r, "deviceID"), req.Reason)
	if err != nil {
		renderError(w, r, err)
		return
	}
	render.JSON(w, r, DeviceResponse{Status: "success", Device: device})
}

// BlockDevice blocks a device
func (h *DeviceTrustHandler) BlockDevice(w http.ResponseWriter, r *http.Request) {
	subj, ok := subjectFromRequest(w, r)
	if !ok {
		return
	}

	var req BlockDeviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Reason == "" {
		renderBadRequest(w, r, "reason is required")
		return
	}

	device, err := h.deviceService.BlockDevice(r.Context(), subj, chi.URLParam(r, "deviceID"), req.Reason)
	if err != nil {
		renderError(w, r, err)
		return
	}
	render.JSON(w, r, DeviceResponse{Status: "success", Device: device})
}

// UnblockDevice clears a device's block
func (h *DeviceTrustHandler) UnblockDevice(w http.ResponseWriter, r *http.Request) {
	subj, ok := subjectFromRequest(w, r)
	if !ok {
		return
	}

	var req ReasonRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	device, err := h.deviceService.UnblockDevice(r.Context(), subj, chi.URLParam(r, "deviceID"), req.Reason)
	if err != nil {
		renderError(w, r, err)
		return
	}
	render.JSON(w, r, DeviceResponse{Status: "success", Device: device})
}

// RecalculateTrustScore recomputes a device's trust score from its full state
func (h *DeviceTrustHandler) RecalculateTrustScore(w http.ResponseWriter, r *http.Request) {
	subj, ok := subjectFromRequest(w, r)
	if !ok {
		return
	}

	device, err := h.deviceService.RecalculateTrustScore(r.Context(), subj, chi.URLParam(r, "deviceID"))
	if err != nil {
		renderError(w, r, err)
		return
	}
	render.JSON(w, r, DeviceResponse{Status: "success", Device: device})
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
	case errors.Is(err, devicetrust.ErrDeviceNotFound):
		status = http.StatusNotFound
	case errors.Is(err, devicetrust.ErrDeviceBlocked):
		status = http.StatusForbidden
	case errors.Is(err, devicetrust.ErrStorageConflict):
		status = http.StatusConflict
	default:
		slog.Error("Device trust operation failed", "error", err)
	}
	render.Status(r, status)
	render.JSON(w, r, ErrorResponse{Status: "error", Message: err.Error()})
}
