package validation

import (
	"net/http"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sample struct {
	Name     string `json:"name" validate:"required"`
	Currency string `json:"currency" validate:"omitempty,len=3"`
	Method   string `json:"method,omitempty" validate:"omitempty,oneof=card cash"`
}

func TestValidate_OK(t *testing.T) {
	v := New()
	assert.NoError(t, v.Validate(&sample{Name: "x", Currency: "ILS", Method: "cash"}))
}

func TestValidate_ReportsJSONFieldNames(t *testing.T) {
	v := New()
	err := v.Validate(&sample{Currency: "SHEKEL", Method: "crypto"})
	require.Error(t, err)

	he, ok := err.(*echo.HTTPError)
	require.True(t, ok)
	assert.Equal(t, http.StatusBadRequest, he.Code)
	msg, _ := he.Message.(string)
	assert.Contains(t, msg, "name: required")
	assert.Contains(t, msg, "currency: must have length 3")
	assert.Contains(t, msg, "method: must be one of [card cash]")
}
