package observability

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func healthyDB(t *testing.T) (sqlmock.Sqlmock, *HealthChecker) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return mock, NewHealthChecker(db, nil)
}

func expectSelectOne(mock sqlmock.Sqlmock) {
	mock.ExpectQuery("SELECT 1").WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))
}

func TestLivenessAlwaysHealthy(t *testing.T) {
	checker := NewHealthChecker(nil, nil)

	rec := httptest.NewRecorder()
	checker.Liveness(rec, httptest.NewRequest("GET", "/health/live", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), StatusHealthy)
}

func TestReadinessHealthyDatabase(t *testing.T) {
	mock, checker := healthyDB(t)
	expectSelectOne(mock)

	rec := httptest.NewRecorder()
	checker.Readiness(rec, httptest.NewRequest("GET", "/health/ready", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	var status HealthStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, StatusHealthy, status.Status)
	assert.Equal(t, StatusHealthy, status.Dependencies["database"].Status)
}

func TestReadinessDatabaseDownIsUnhealthy(t *testing.T) {
	mock, checker := healthyDB(t)
	mock.ExpectQuery("SELECT 1").WillReturnError(errors.New("connection refused"))

	rec := httptest.NewRecorder()
	checker.Readiness(rec, httptest.NewRequest("GET", "/health/ready", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var status HealthStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, StatusUnhealthy, status.Status)
	assert.Contains(t, status.Dependencies["database"].Message, "connection refused")
}

func TestCheckRedisDownOnlyDegrades(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	expectSelectOne(mock)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	checker := NewHealthChecker(db, rdb)

	mr.SetError("LOADING Redis is loading the dataset in memory")
	status := checker.Check(context.Background())

	assert.Equal(t, StatusDegraded, status.Status)
	assert.Equal(t, StatusDegraded, status.Dependencies["redis"].Status)
	assert.Equal(t, StatusHealthy, status.Dependencies["database"].Status)
}

func TestCheckGatewayProbe(t *testing.T) {
	mock, checker := healthyDB(t)
	expectSelectOne(mock)
	checker.AddProbe("gateway", true, func(ctx context.Context) error {
		return errors.New("oauth token fetch failed")
	})

	status := checker.Check(context.Background())

	assert.Equal(t, StatusDegraded, status.Status)
	assert.Equal(t, StatusDegraded, status.Dependencies["gateway"].Status)
	assert.Contains(t, status.Dependencies["gateway"].Message, "oauth")
}

func TestCheckRequiredProbeFailureIsUnhealthy(t *testing.T) {
	mock, checker := healthyDB(t)
	expectSelectOne(mock)
	checker.AddProbe("ledger", false, func(ctx context.Context) error {
		return errors.New("unreachable")
	})

	status := checker.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, status.Status)
}

func TestRegisterHealthRoutes(t *testing.T) {
	mux := http.NewServeMux()
	RegisterHealthRoutes(mux, NewHealthChecker(nil, nil))

	for _, path := range []string{"/health", "/health/live", "/health/ready"} {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest("GET", path, nil))
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}
}
