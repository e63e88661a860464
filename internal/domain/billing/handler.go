package billing

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/shopspring/decimal"

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
	// Read endpoints – admin, billing
	read := api.Group("", auth.RequireRole(auth.RoleAdmin, auth.RoleBilling))
	read.GET("/charges", h.ListCharges)
	read.GET("/charges/:id", h.GetCharge)
	read.GET("/charges/:id/audit", h.GetChargeAudit)
	read.GET("/payments", h.ListPayments)
	read.GET("/payments/:id", h.GetPayment)
	read.GET("/payments/:id/verify", h.VerifyPayment)
	read.GET("/packages", h.ListPackages)
	read.GET("/packages/:id", h.GetPackage)
	read.GET("/clients/:id/balance", h.GetClientBalance)
	read.GET("/clients/:id/open-charges", h.ListOpenCharges)

	// Write endpoints – admin, billing
	write := api.Group("", auth.RequireRole(auth.RoleAdmin, auth.RoleBilling))
	write.POST("/charges", h.CreateCharge)
	write.POST("/charges/:id/issue", h.IssueCharge)
	write.POST("/charges/:id/write-off", h.WriteOffCharge)
	write.POST("/charges/:id/cancel", h.CancelCharge)
	write.POST("/payments", h.CreatePayment)
	write.POST("/payments/:id/apply", h.ApplyPayment)
	write.POST("/payments/:id/refund", h.RefundPayment)
	write.POST("/payments/:id/cancel", h.CancelPayment)
	write.POST("/payments/:id/invoice", h.IssueInvoice)
	write.POST("/payments/:id/settle", h.RedriveSettlement)
	write.POST("/packages", h.CreatePackage)
	write.POST("/packages/:id/pause", h.PausePackage)
	write.POST("/packages/:id/resume", h.ResumePackage)
	write.POST("/packages/:id/cancel", h.CancelPackage)
}

// statusFor maps engine errors onto HTTP status codes.
func statusFor(err error) int {
	var ve *ValidationError
	switch {
	case errors.As(err, &ve), errors.Is(err, ErrCurrencyMismatch), errors.Is(err, ErrRefundExceedsPaid):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrPaymentNotPaid), errors.Is(err, ErrSettlementModeConflict),
		errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrConcurrentUpdate),
		errors.Is(err, ErrVersionConflict):
		return http.StatusConflict
	case errors.Is(err, ErrProviderUnavailable), errors.Is(err, ErrProviderDeclined):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func httpError(err error) error {
	code := statusFor(err)
	if code == http.StatusInternalServerError && !errors.Is(err, ErrUnrecordedProviderCharge) {
		return echo.NewHTTPError(code, "internal error").SetInternal(err)
	}
	return echo.NewHTTPError(code, err.Error()).SetInternal(err)
}

func pathID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

func bindValid(c echo.Context, req interface{}) error {
	if err := c.Bind(req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.Validate(req)
}

// -- Charges --

type createChargeRequest struct {
	TherapistID uuid.UUID       `json:"therapist_id" validate:"required"`
	ClientID    uuid.UUID       `json:"client_id" validate:"required"`
	Currency    string          `json:"currency" validate:"omitempty,len=3"`
	LineItems   []LineItem      `json:"line_items" validate:"required,min=1"`
	TaxAmount   decimal.Decimal `json:"tax_amount"`
	DueAt       *time.Time      `json:"due_at"`
	Notes       string          `json:"notes" validate:"max=1000"`
	Draft       bool            `json:"draft"`
}

type reasonRequest struct {
	Reason string `json:"reason" validate:"max=500"`
}

type requiredReasonRequest struct {
	Reason string `json:"reason" validate:"required,max=500"`
}

func (h *Handler) CreateCharge(c echo.Context) error {
	var req createChargeRequest
	if err := bindValid(c, &req); err != nil {
		return err
	}
	ch, err := h.svc.CreateCharge(c.Request().Context(), CreateChargeInput{
		TherapistID: req.TherapistID,
		ClientID:    req.ClientID,
		Currency:    req.Currency,
		LineItems:   req.LineItems,
		TaxAmount:   req.TaxAmount,
		DueAt:       req.DueAt,
		Notes:       req.Notes,
		Draft:       req.Draft,
	})
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, ViewOf(ch))
}

func (h *Handler) GetCharge(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	ch, err := h.svc.GetCharge(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, ViewOf(ch))
}

func (h *Handler) ListCharges(c echo.Context) error {
	pg := pagination.FromContext(c)
	var f ChargeFilter
	if v := c.QueryParam("client_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid client_id")
		}
		f.ClientID = id
	}
	f.Status = ChargeStatus(c.QueryParam("status"))
	items, total, err := h.svc.ListCharges(c.Request().Context(), f, pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(ViewsOf(items), total, pg.Limit, pg.Offset))
}

func (h *Handler) GetChargeAudit(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	entries, err := h.svc.ChargeAudit(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, entries)
}

func (h *Handler) IssueCharge(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	ch, err := h.svc.IssueCharge(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, ViewOf(ch))
}

func (h *Handler) WriteOffCharge(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	var req requiredReasonRequest
	if err := bindValid(c, &req); err != nil {
		return err
	}
	ch, err := h.svc.WriteOffCharge(c.Request().Context(), id, req.Reason)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, ViewOf(ch))
}

func (h *Handler) CancelCharge(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	var req reasonRequest
	if err := bindValid(c, &req); err != nil {
		return err
	}
	ch, err := h.svc.CancelCharge(c.Request().Context(), id, req.Reason)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, ViewOf(ch))
}

// -- Payments --

type createPaymentRequest struct {
	ClientID      uuid.UUID              `json:"client_id" validate:"required"`
	Amount        decimal.Decimal        `json:"amount"`
	Currency      string                 `json:"currency" validate:"omitempty,len=3"`
	Method        string                 `json:"method" validate:"omitempty,oneof=card cash bank_transfer bit check"`
	AppointmentID *uuid.UUID             `json:"appointment_id"`
	ChargeID      *uuid.UUID             `json:"charge_id"`
	Metadata      map[string]interface{} `json:"metadata"`
}

type applyPaymentRequest struct {
	ChargeIDs []uuid.UUID `json:"charge_ids" validate:"required,min=1"`
}

type refundRequest struct {
	Amount *decimal.Decimal `json:"amount"`
	Reason string           `json:"reason" validate:"max=500"`
}

func (h *Handler) CreatePayment(c echo.Context) error {
	var req createPaymentRequest
	if err := bindValid(c, &req); err != nil {
		return err
	}
	out, err := h.svc.CreatePayment(c.Request().Context(), CreatePaymentInput{
		ClientID:      req.ClientID,
		Amount:        req.Amount,
		Currency:      req.Currency,
		Method:        PaymentMethod(req.Method),
		AppointmentID: req.AppointmentID,
		ChargeID:      req.ChargeID,
		Metadata:      req.Metadata,
	})
	if err != nil {
		if out != nil {
			return c.JSON(statusFor(err), out)
		}
		return httpError(err)
	}
	if !out.Success {
		return c.JSON(http.StatusPaymentRequired, out)
	}
	return c.JSON(http.StatusCreated, out)
}

func (h *Handler) GetPayment(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	p, err := h.svc.GetPayment(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) ListPayments(c echo.Context) error {
	pg := pagination.FromContext(c)
	clientID, err := uuid.Parse(c.QueryParam("client_id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "client_id is required")
	}
	items, total, err := h.svc.ListPayments(c.Request().Context(), clientID, pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) ApplyPayment(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	var req applyPaymentRequest
	if err := bindValid(c, &req); err != nil {
		return err
	}
	res, err := h.svc.ApplyPaymentToCharges(c.Request().Context(), id, req.ChargeIDs)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) RefundPayment(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	var req refundRequest
	if err := bindValid(c, &req); err != nil {
		return err
	}
	out, err := h.svc.RefundPayment(c.Request().Context(), RefundInput{PaymentID: id, Amount: req.Amount, Reason: req.Reason})
	if err != nil {
		if out != nil {
			return c.JSON(statusFor(err), out)
		}
		return httpError(err)
	}
	if !out.Success {
		return c.JSON(http.StatusBadGateway, out)
	}
	return c.JSON(http.StatusOK, out)
}

func (h *Handler) CancelPayment(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	var req reasonRequest
	if err := bindValid(c, &req); err != nil {
		return err
	}
	p, err := h.svc.CancelPayment(c.Request().Context(), id, req.Reason)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) IssueInvoice(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	p, err := h.svc.IssueInvoice(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) VerifyPayment(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	res, err := h.svc.VerifyPayment(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) RedriveSettlement(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	ch, err := h.svc.RedriveSettlement(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	if ch == nil {
		return c.NoContent(http.StatusNoContent)
	}
	return c.JSON(http.StatusOK, ViewOf(ch))
}

// -- Packages --

type createPackageRequest struct {
	TherapistID   uuid.UUID       `json:"therapist_id" validate:"required"`
	ClientID      uuid.UUID       `json:"client_id" validate:"required"`
	Name          string          `json:"name" validate:"required,max=200"`
	SessionsTotal int             `json:"sessions_total" validate:"required,min=1"`
	Price         decimal.Decimal `json:"price"`
	Currency      string          `json:"currency" validate:"omitempty,len=3"`
	ExpiresAt     *time.Time      `json:"expires_at"`
}

func (h *Handler) CreatePackage(c echo.Context) error {
	var req createPackageRequest
	if err := bindValid(c, &req); err != nil {
		return err
	}
	p := &Package{
		TherapistID:   req.TherapistID,
		ClientID:      req.ClientID,
		Name:          req.Name,
		SessionsTotal: req.SessionsTotal,
		Price:         req.Price,
		Currency:      req.Currency,
		ExpiresAt:     req.ExpiresAt,
	}
	if err := h.svc.CreatePackage(c.Request().Context(), p); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, PackageViewOf(p))
}

func (h *Handler) GetPackage(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	p, err := h.svc.GetPackage(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, PackageViewOf(p))
}

func (h *Handler) ListPackages(c echo.Context) error {
	pg := pagination.FromContext(c)
	clientID, err := uuid.Parse(c.QueryParam("client_id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "client_id is required")
	}
	items, total, err := h.svc.ListPackages(c.Request().Context(), clientID, pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	views := make([]PackageView, 0, len(items))
	for _, p := range items {
		views = append(views, PackageViewOf(p))
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(views, total, pg.Limit, pg.Offset))
}

func (h *Handler) PausePackage(c echo.Context) error {
	return h.transitionPackage(c, h.svc.PausePackage)
}

func (h *Handler) ResumePackage(c echo.Context) error {
	return h.transitionPackage(c, h.svc.ResumePackage)
}

func (h *Handler) CancelPackage(c echo.Context) error {
	return h.transitionPackage(c, h.svc.CancelPackage)
}

func (h *Handler) transitionPackage(c echo.Context, fn func(ctx context.Context, id uuid.UUID) (*Package, error)) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	p, err := fn(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, PackageViewOf(p))
}

// -- Clients --

func (h *Handler) GetClientBalance(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	sum, err := h.svc.ClientBalance(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, sum)
}

func (h *Handler) ListOpenCharges(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	items, err := h.svc.OpenCharges(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, ViewsOf(items))
}
