package webapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/apex/log"
	"github.com/materials-commons/diode/pkg/clog"
	"github.com/materials-commons/diode/pkg/diodedb/stor"
	"github.com/materials-commons/diode/pkg/tutil"
	"github.com/stretchr/testify/require"
)

func getStatus(t *testing.T, s *Server) Status {
	t.Helper()

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var status Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	return status
}

func TestStatus(t *testing.T) {
	liveness := stor.NewGormLivenessStor(tutil.NewTestDB(t))
	s := NewServer("127.0.0.1:0", liveness, time.Minute)

	status := getStatus(t, s)
	require.Nil(t, status.LastPacketReceivedAt)
	require.True(t, status.Stale, "never having seen a packet is stale")

	now := time.Now().UTC().Truncate(time.Millisecond)
	require.NoError(t, liveness.SetLastPacketReceivedAt(now))
	status = getStatus(t, s)
	require.NotNil(t, status.LastPacketReceivedAt)
	require.True(t, now.Equal(*status.LastPacketReceivedAt))
	require.False(t, status.Stale)

	require.NoError(t, liveness.SetLastPacketReceivedAt(now.Add(-time.Hour)))
	require.True(t, getStatus(t, s).Stale)
}

func TestSetLogLevel(t *testing.T) {
	s := NewServer("127.0.0.1:0", stor.NewGormLivenessStor(tutil.NewTestDB(t)), time.Minute)
	t.Cleanup(func() { clog.SetDefaultLevel(log.InfoLevel) })

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPut, "/log-level", strings.NewReader(`{"log_level":"debug"}`))
	req.Header.Set("Content-Type", "application/json")
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, log.DebugLevel, clog.DefaultLevel())

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPut, "/log-level", strings.NewReader(`{"log_level":"loud"}`))
	req.Header.Set("Content-Type", "application/json")
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}
