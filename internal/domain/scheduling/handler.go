package scheduling

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/shopspring/decimal"

	"github.com/ehr/practice/internal/domain/billing"
	"github.com/ehr/practice/internal/platform/auth"
	"github.com/ehr/practice/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	// Read endpoints – admin, billing, therapist
	readGroup := api.Group("", auth.RequireRole(auth.RoleAdmin, auth.RoleBilling, auth.RoleTherapist))
	readGroup.GET("/appointments", h.ListAppointments)
	readGroup.GET("/appointments/:id", h.GetAppointment)

	// Write endpoints – admin, therapist
	writeGroup := api.Group("", auth.RequireRole(auth.RoleAdmin, auth.RoleTherapist))
	writeGroup.POST("/appointments", h.CreateAppointment)
	writeGroup.PUT("/appointments/:id", h.UpdateAppointment)
	writeGroup.POST("/appointments/:id/cancel", h.CancelAppointment)

	// Billing redrive – admin, billing
	billingGroup := api.Group("", auth.RequireRole(auth.RoleAdmin, auth.RoleBilling))
	billingGroup.POST("/appointments/:id/reconcile", h.ReconcileAppointment)
}

func httpError(err error) error {
	var ve *billing.ValidationError
	switch {
	case errors.Is(err, ErrInvalid), errors.As(err, &ve):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "appointment not found")
	case errors.Is(err, ErrVersionConflict), errors.Is(err, ErrInvalidTransition),
		errors.Is(err, billing.ErrConcurrentUpdate):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error").SetInternal(err)
	}
}

func pathID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

type createAppointmentRequest struct {
	TherapistID   uuid.UUID       `json:"therapist_id" validate:"required"`
	ClientID      uuid.UUID       `json:"client_id" validate:"required"`
	StartsAt      time.Time       `json:"starts_at" validate:"required"`
	EndsAt        time.Time       `json:"ends_at"`
	Price         decimal.Decimal `json:"price"`
	Currency      string          `json:"currency" validate:"omitempty,len=3"`
	BillingPolicy string          `json:"billing_policy" validate:"omitempty,oneof=PER_SESSION PACKAGE FREE"`
	PackageID     *uuid.UUID      `json:"package_id"`
	Notes         string          `json:"notes" validate:"max=2000"`
}

type updateAppointmentRequest struct {
	Version       int              `json:"version"`
	TherapistID   *uuid.UUID       `json:"therapist_id"`
	StartsAt      *time.Time       `json:"starts_at"`
	EndsAt        *time.Time       `json:"ends_at"`
	Status        *string          `json:"status" validate:"omitempty,oneof=scheduled confirmed completed cancelled no_show"`
	Price         *decimal.Decimal `json:"price"`
	Currency      *string          `json:"currency" validate:"omitempty,len=3"`
	BillingPolicy *string          `json:"billing_policy" validate:"omitempty,oneof=PER_SESSION PACKAGE FREE"`
	PackageID     *uuid.UUID       `json:"package_id"`
	Notes         *string          `json:"notes" validate:"omitempty,max=2000"`
}

func (h *Handler) CreateAppointment(c echo.Context) error {
	var req createAppointmentRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := c.Validate(&req); err != nil {
		return err
	}
	a := &Appointment{
		TherapistID:   req.TherapistID,
		ClientID:      req.ClientID,
		StartsAt:      req.StartsAt,
		EndsAt:        req.EndsAt,
		Price:         req.Price,
		Currency:      req.Currency,
		BillingPolicy: billing.BillingPolicy(req.BillingPolicy),
		PackageID:     req.PackageID,
		Notes:         req.Notes,
	}
	if err := h.svc.CreateAppointment(c.Request().Context(), a); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, a)
}

func (h *Handler) GetAppointment(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	a, err := h.svc.GetAppointment(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, a)
}

func (h *Handler) ListAppointments(c echo.Context) error {
	pg := pagination.FromContext(c)
	ctx := c.Request().Context()
	var (
		items []*Appointment
		total int
		err   error
	)
	if v := c.QueryParam("client_id"); v != "" {
		id, perr := uuid.Parse(v)
		if perr != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid client_id")
		}
		items, total, err = h.svc.ListAppointmentsByClient(ctx, id, pg.Limit, pg.Offset)
	} else if v := c.QueryParam("therapist_id"); v != "" {
		id, perr := uuid.Parse(v)
		if perr != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid therapist_id")
		}
		items, total, err = h.svc.ListAppointmentsByTherapist(ctx, id, pg.Limit, pg.Offset)
	} else {
		return echo.NewHTTPError(http.StatusBadRequest, "client_id or therapist_id is required")
	}
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) UpdateAppointment(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	var req updateAppointmentRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := c.Validate(&req); err != nil {
		return err
	}
	in := UpdateAppointmentInput{
		Version:     req.Version,
		TherapistID: req.TherapistID,
		StartsAt:    req.StartsAt,
		EndsAt:      req.EndsAt,
		Price:       req.Price,
		Currency:    req.Currency,
		PackageID:   req.PackageID,
		Notes:       req.Notes,
	}
	if req.Status != nil {
		st := AppointmentStatus(*req.Status)
		in.Status = &st
	}
	if req.BillingPolicy != nil {
		p := billing.BillingPolicy(*req.BillingPolicy)
		in.BillingPolicy = &p
	}
	a, err := h.svc.UpdateAppointment(c.Request().Context(), id, in)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, a)
}

func (h *Handler) CancelAppointment(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	a, err := h.svc.CancelAppointment(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, a)
}

type reconcileResponse struct {
	Appointment *Appointment        `json:"appointment"`
	Charge      *billing.ChargeView `json:"charge,omitempty"`
}

func (h *Handler) ReconcileAppointment(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	a, ch, err := h.svc.Reconcile(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	resp := reconcileResponse{Appointment: a}
	if ch != nil {
		v := billing.ViewOf(ch)
		resp.Charge = &v
	}
	return c.JSON(http.StatusOK, resp)
}
