package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordAdmission(true, "")
		m.RecordDrift(0.4)
		m.RecordReview("success")
		m.RecordAutoLinks(2)
		m.RecordEmbedFailure()
		m.RecordPhase("fade", time.Second, 3, nil)
		m.RecordCycle("timer")
		m.SetRecords(map[string]int{"active": 1})
	})
}

func TestCounters(t *testing.T) {
	m := New()
	m.RecordAdmission(true, "")
	m.RecordAdmission(false, "quality_too_low")
	m.RecordAdmission(false, "quality_too_low")
	m.RecordPhase("fade", 10*time.Millisecond, 4, nil)
	m.RecordPhase("reflect", time.Millisecond, 0, errors.New("llm down"))
	m.RecordAutoLinks(3)
	m.RecordDrift(0.3)
	m.RecordDrift(0.9)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.admissions.WithLabelValues("admitted", "")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.admissions.WithLabelValues("rejected", "quality_too_low")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.phaseAffected.WithLabelValues("fade")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.phaseRuns.WithLabelValues("reflect", "error")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.autoLinks))
	assert.Equal(t, 1, testutil.CollectAndCount(m.drift))
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New()
	m.SetRecords(map[string]int{"active": 7, "dormant": 2})

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `engram_records{state="active"} 7`)
}
