package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/carelink-health/carelink/libs/auth"
	"github.com/carelink-health/carelink/libs/httpx"
	"github.com/carelink-health/carelink/services/appointment-service/internal/cancellation"
	"github.com/carelink-health/carelink/services/appointment-service/internal/lifecycle"
	"github.com/carelink-health/carelink/services/appointment-service/internal/model"
	"github.com/go-playground/validator/v10"
)

type Canceller interface {
	Cancel(ctx context.Context, req cancellation.Request) (cancellation.Result, error)
}

type Appointments interface {
	Get(ctx context.Context, id int64) (model.Appointment, error)
	ChangeStatus(ctx context.Context, id int64, to model.Status, actor string) (model.Appointment, error)
}

type AppointmentHandler struct {
	cancel   Canceller
	appts    Appointments
	logger   *slog.Logger
	validate *validator.Validate
}

func NewAppointmentHandler(cancel Canceller, appts Appointments, logger *slog.Logger) *AppointmentHandler {
	return &AppointmentHandler{
		cancel:   cancel,
		appts:    appts,
		logger:   logger,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

type cancelRequest struct {
	Reason string `json:"reason" validate:"max=500"`
}

type statusRequest struct {
	Status string `json:"status" validate:"required,oneof=pending approved confirmed cancelled completed"`
}

type appointmentView struct {
	ID              int64  `json:"id"`
	ElderID         int64  `json:"elder_id"`
	FamilyID        int64  `json:"family_id"`
	DoctorID        int64  `json:"doctor_id"`
	AppointmentDate string `json:"appointment_date"`
	AppointmentType string `json:"appointment_type"`
	Status          string `json:"status"`
	Notes           string `json:"notes"`
	CreatedAt       string `json:"created_at"`
	UpdatedAt       string `json:"updated_at"`
}

type refundView struct {
	RefundID         string      `json:"refund_id,omitempty"`
	Amount           json.Number `json:"amount,omitempty"`
	Status           string      `json:"status,omitempty"`
	EstimatedArrival string      `json:"estimated_arrival,omitempty"`
	Error            string      `json:"error,omitempty"`
	Details          string      `json:"details,omitempty"`
}

type cancellationInfo struct {
	DaysSinceCreated    float64     `json:"daysSinceCreated"`
	RefundProcessed     bool        `json:"refundProcessed"`
	RefundAmount        json.Number `json:"refundAmount"`
	EstimatedRefundDays string      `json:"estimatedRefundDays,omitempty"`
}

type cancelResponse struct {
	Message          string           `json:"message"`
	Appointment      appointmentView  `json:"appointment"`
	Refund           *refundView      `json:"refund,omitempty"`
	CancellationInfo cancellationInfo `json:"cancellationInfo"`
}

type notAllowedResponse struct {
	Error            string  `json:"error"`
	CanCancel        bool    `json:"canCancel"`
	DaysSinceCreated float64 `json:"daysSinceCreated"`
}

func (h *AppointmentHandler) Register(mux *http.ServeMux, cancelMiddleware ...httpx.Middleware) {
	mux.Handle("POST /api/v1/appointments/{id}/cancel", httpx.Chain(http.HandlerFunc(h.Cancel),
		append([]httpx.Middleware{httpx.RequireRole(auth.RoleFamily, auth.RoleElder, auth.RoleAdmin)}, cancelMiddleware...)...))
	mux.Handle("GET /api/v1/appointments/{id}", http.HandlerFunc(h.Get))
	mux.Handle("PATCH /api/v1/appointments/{id}/status", httpx.Chain(http.HandlerFunc(h.UpdateStatus),
		httpx.RequireRole(auth.RoleDoctor, auth.RoleAdmin, auth.RoleCaregiver)))
}

func (h *AppointmentHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	principal, _ := httpx.PrincipalFromContext(r.Context())

	var req cancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		httpx.WriteError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "reason must be at most 500 characters")
		return
	}

	requesterID, err := requesterScope(principal)
	if err != nil {
		httpx.WriteError(w, http.StatusForbidden, "forbidden")
		return
	}

	res, err := h.cancel.Cancel(r.Context(), cancellation.Request{
		AppointmentID: id,
		Reason:        strings.TrimSpace(req.Reason),
		RequesterID:   requesterID,
		RequesterRole: principal.Role,
	})
	if err != nil {
		var notAllowed *cancellation.NotAllowedError
		switch {
		case errors.Is(err, cancellation.ErrNotFound):
			httpx.WriteError(w, http.StatusNotFound, "appointment not found or cannot be cancelled")
		case errors.As(err, &notAllowed):
			httpx.WriteJSON(w, http.StatusUnprocessableEntity, notAllowedResponse{
				Error:            "appointments can only be cancelled within 3 days of booking",
				CanCancel:        false,
				DaysSinceCreated: roundDays(notAllowed.DaysSinceCreated),
			})
		default:
			h.logger.Error("cancel appointment", "appointment_id", id, "err", err)
			httpx.WriteError(w, http.StatusInternalServerError, "failed to cancel appointment")
		}
		return
	}

	httpx.WriteJSON(w, http.StatusOK, buildCancelResponse(res))
}

func buildCancelResponse(res cancellation.Result) cancelResponse {
	out := cancelResponse{
		Message:     "Appointment cancelled successfully",
		Appointment: toView(res.Appointment),
		CancellationInfo: cancellationInfo{
			DaysSinceCreated: roundDays(res.DaysSinceCreated),
			RefundProcessed:  res.RefundProcessed(),
			RefundAmount:     "0",
		},
	}
	switch res.Refund.Outcome {
	case cancellation.RefundSucceeded:
		amount := json.Number(res.Refund.Amount.StringFixed(2))
		out.Refund = &refundView{
			RefundID:         res.Refund.RefundID,
			Amount:           amount,
			Status:           res.Refund.Status,
			EstimatedArrival: res.Refund.EstimatedArrival,
		}
		out.Message = "Appointment cancelled and refund processed successfully"
		out.CancellationInfo.RefundAmount = amount
		out.CancellationInfo.EstimatedRefundDays = res.Refund.EstimatedArrival
	case cancellation.RefundFailed:
		out.Refund = &refundView{Error: res.Refund.Error, Details: res.Refund.Details}
		out.Message = "Appointment cancelled, but the refund could not be processed"
	}
	return out
}

func (h *AppointmentHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	principal, _ := httpx.PrincipalFromContext(r.Context())

	a, err := h.appts.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, lifecycle.ErrNotFound) {
			httpx.WriteError(w, http.StatusNotFound, "appointment not found")
			return
		}
		h.logger.Error("get appointment", "appointment_id", id, "err", err)
		httpx.WriteError(w, http.StatusInternalServerError, "db error")
		return
	}
	if !visibleTo(a, principal) {
		httpx.WriteError(w, http.StatusNotFound, "appointment not found")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, toView(a))
}

func (h *AppointmentHandler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	principal, _ := httpx.PrincipalFromContext(r.Context())

	var req statusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	req.Status = strings.ToLower(strings.TrimSpace(req.Status))
	if err := h.validate.Struct(req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid status")
		return
	}

	a, err := h.appts.ChangeStatus(r.Context(), id, model.Status(req.Status), principal.UserID)
	if err != nil {
		var te *lifecycle.TransitionError
		switch {
		case errors.Is(err, lifecycle.ErrNotFound):
			httpx.WriteError(w, http.StatusNotFound, "appointment not found")
		case errors.Is(err, lifecycle.ErrUseCancellation), errors.Is(err, lifecycle.ErrConflict), errors.As(err, &te):
			httpx.WriteError(w, http.StatusConflict, err.Error())
		default:
			h.logger.Error("update appointment status", "appointment_id", id, "err", err)
			httpx.WriteError(w, http.StatusInternalServerError, "failed to update status")
		}
		return
	}
	httpx.WriteJSON(w, http.StatusOK, toView(a))
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		httpx.WriteError(w, http.StatusBadRequest, "invalid appointment id")
		return 0, false
	}
	return id, true
}

// requesterScope is 0 for admins (no ownership filter), otherwise the
// caller's numeric user id.
func requesterScope(p httpx.Principal) (int64, error) {
	if p.IsAdmin() {
		return 0, nil
	}
	id, err := strconv.ParseInt(p.UserID, 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.New("principal has no numeric user id")
	}
	return id, nil
}

func visibleTo(a model.Appointment, p httpx.Principal) bool {
	if p.IsAdmin() || p.Role == auth.RoleCaregiver {
		return true
	}
	id, err := strconv.ParseInt(p.UserID, 10, 64)
	if err != nil {
		return false
	}
	return id == a.ElderID || id == a.FamilyID || id == a.DoctorID
}

func toView(a model.Appointment) appointmentView {
	return appointmentView{
		ID:              a.ID,
		ElderID:         a.ElderID,
		FamilyID:        a.FamilyID,
		DoctorID:        a.DoctorID,
		AppointmentDate: a.ScheduledAt.UTC().Format(time.RFC3339),
		AppointmentType: string(a.AppointmentType),
		Status:          string(a.Status),
		Notes:           a.Notes,
		CreatedAt:       a.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:       a.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

func roundDays(d float64) float64 {
	return math.Round(d*100) / 100
}
