package ops

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/bookstore/services/commerce/internal/metrics"
	"github.com/bookstore/services/commerce/pkg/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
)

type stubReady struct{ err error }

func (s stubReady) Ready() error { return s.err }

func serve(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHealthz(t *testing.T) {
	h := NewHandler(stubReady{err: errors.New("down")}, prometheus.NewRegistry(), logger.NewLogger("test", "info"))

	rec := serve(t, h.Router(), "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestReadyz(t *testing.T) {
	log := logger.NewLogger("test", "info")

	rec := serve(t, NewHandler(stubReady{}, prometheus.NewRegistry(), log).Router(), "/readyz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", rec.Body.String())

	rec = serve(t, NewHandler(stubReady{err: errors.New("database connection failed")}, prometheus.NewRegistry(), log).Router(), "/readyz")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "database connection failed")
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	m.LowStockAlert()

	rec := serve(t, NewHandler(stubReady{}, reg, logger.NewLogger("test", "info")).Router(), "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "low_stock_alerts_total")
}

func TestUnknownRoute(t *testing.T) {
	rec := serve(t, NewHandler(stubReady{}, prometheus.NewRegistry(), logger.NewLogger("test", "info")).Router(), "/nope")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
