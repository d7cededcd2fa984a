package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.IncTransition("maintenance", "immediate")
		m.AddBatchResults("state", "immediate", 2)
		m.IncPlaceholderUpsert("insert")
		m.IncSemaphoreContention()
		m.ObserveSemaphoreWait(time.Second)
		m.IncPendingOperation("taken")
	})
	assert.Nil(t, m.Registry())

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// counterValue sums a gathered counter family, optionally filtered by labels.
func counterValue(t *testing.T, m *Metrics, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := m.Registry().Gather()
	require.NoError(t, err)
	total := 0.0
	for _, family := range families {
		if family.GetName() != name {
			continue
		}
		for _, metric := range family.GetMetric() {
			match := true
			for _, pair := range metric.GetLabel() {
				if want, ok := labels[pair.GetName()]; ok && want != pair.GetValue() {
					match = false
				}
			}
			if match {
				total += metric.GetCounter().GetValue()
			}
		}
	}
	return total
}

func TestCounters(t *testing.T) {
	m := New()
	m.IncTransition("maintenance", "immediate")
	m.IncTransition("maintenance", "immediate")
	m.IncTransition("hpc", "rejected")
	m.AddBatchResults("state", "deferred", 3)
	m.AddBatchResults("state", "deferred", 0)
	m.IncPlaceholderUpsert("")
	m.IncSemaphoreContention()

	assert.Equal(t, 2.0, counterValue(t, m, "vclsched_computer_transitions_total", map[string]string{"action": "maintenance"}))
	assert.Equal(t, 3.0, counterValue(t, m, "vclsched_batch_results_total", map[string]string{"bucket": "deferred"}))
	assert.Equal(t, 1.0, counterValue(t, m, "vclsched_scheduler_placeholder_upserts_total", map[string]string{"result": "unknown"}))
	assert.Equal(t, 1.0, counterValue(t, m, "vclsched_semaphore_contention_total", nil))
}

func TestHandlerServesRegistry(t *testing.T) {
	m := New()
	m.ObserveSemaphoreWait(150 * time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "vclsched_semaphore_wait_seconds")
}
