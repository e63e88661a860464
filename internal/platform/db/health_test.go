package db

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthHandler_MemoryStore(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/health/db", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	require.NoError(t, HealthHandler(nil)(c))
	assert.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "memory", body["store"])
}

func TestPoolStats_JSONShape(t *testing.T) {
	raw, err := json.Marshal(PoolStats{TotalConns: 2, MaxConns: 20, AcquireDuration: "1ms", Healthy: true})
	require.NoError(t, err)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &body))
	assert.EqualValues(t, 2, body["total_conns"])
	assert.EqualValues(t, 20, body["max_conns"])
	assert.Equal(t, true, body["healthy"])
}
