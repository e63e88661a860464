package scheduling

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehr/practice/internal/platform/validation"
)

func newTestHandler(t *testing.T) (*Handler, *echo.Echo, *harness) {
	h := newHarness(t)
	e := echo.New()
	e.Validator = validation.New()
	return NewHandler(h.svc), e, h
}

func jsonContext(e *echo.Echo, method, target, body, id string) (echo.Context, *httptest.ResponseRecorder) {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	if id != "" {
		c.SetParamNames("id")
		c.SetParamValues(id)
	}
	return c, rec
}

func httpCode(t *testing.T, err error) int {
	t.Helper()
	var he *echo.HTTPError
	require.True(t, errors.As(err, &he), "expected *echo.HTTPError, got %v", err)
	return he.Code
}

func TestHandler_CreateAppointment(t *testing.T) {
	hd, e, h := newTestHandler(t)
	body := fmt.Sprintf(`{"therapist_id":%q,"client_id":%q,"starts_at":"2026-05-04T10:00:00Z","price":"300","currency":"ILS"}`,
		h.therapistID, h.clientID)
	c, rec := jsonContext(e, http.MethodPost, "/", body, "")

	require.NoError(t, hd.CreateAppointment(c))
	assert.Equal(t, http.StatusCreated, rec.Code)

	var got Appointment
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.NotNil(t, got.ChargeID)
	assert.Equal(t, "pending", string(got.PaymentStatus))
}

func TestHandler_CreateAppointment_Invalid(t *testing.T) {
	hd, e, h := newTestHandler(t)
	body := fmt.Sprintf(`{"client_id":%q,"starts_at":"2026-05-04T10:00:00Z","billing_policy":"BARTER"}`, h.clientID)
	c, _ := jsonContext(e, http.MethodPost, "/", body, "")
	assert.Equal(t, http.StatusBadRequest, httpCode(t, hd.CreateAppointment(c)))
}

func TestHandler_UpdateAndCancel(t *testing.T) {
	hd, e, h := newTestHandler(t)
	a := h.book(t, "200")

	c, rec := jsonContext(e, http.MethodPut, "/", `{"version":1,"price":"250","status":"confirmed"}`, a.ID.String())
	require.NoError(t, hd.UpdateAppointment(c))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "250", h.chargeFor(t, a.ID).Amount.String())

	c, _ = jsonContext(e, http.MethodPut, "/", `{"version":1,"price":"260"}`, a.ID.String())
	assert.Equal(t, http.StatusConflict, httpCode(t, hd.UpdateAppointment(c)))

	c, rec = jsonContext(e, http.MethodPost, "/", ``, a.ID.String())
	require.NoError(t, hd.CancelAppointment(c))
	assert.Contains(t, rec.Body.String(), `"cancelled"`)

	c, _ = jsonContext(e, http.MethodPut, "/", `{"status":"scheduled"}`, a.ID.String())
	assert.Equal(t, http.StatusConflict, httpCode(t, hd.UpdateAppointment(c)))
}

func TestHandler_GetAppointment(t *testing.T) {
	hd, e, h := newTestHandler(t)
	a := h.book(t, "200")

	c, rec := jsonContext(e, http.MethodGet, "/", "", a.ID.String())
	require.NoError(t, hd.GetAppointment(c))
	assert.Equal(t, http.StatusOK, rec.Code)

	c, _ = jsonContext(e, http.MethodGet, "/", "", uuid.New().String())
	assert.Equal(t, http.StatusNotFound, httpCode(t, hd.GetAppointment(c)))
}

func TestHandler_ListAppointments(t *testing.T) {
	hd, e, h := newTestHandler(t)
	h.book(t, "100")
	h.book(t, "100")

	c, _ := jsonContext(e, http.MethodGet, "/", "", "")
	assert.Equal(t, http.StatusBadRequest, httpCode(t, hd.ListAppointments(c)))

	c, rec := jsonContext(e, http.MethodGet, "/?therapist_id="+h.therapistID.String(), "", "")
	require.NoError(t, hd.ListAppointments(c))
	assert.Contains(t, rec.Body.String(), `"total":2`)
}

func TestHandler_ReconcileAppointment(t *testing.T) {
	hd, e, h := newTestHandler(t)
	a := h.book(t, "180")

	c, rec := jsonContext(e, http.MethodPost, "/", "", a.ID.String())
	require.NoError(t, hd.ReconcileAppointment(c))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"charge"`)
}
