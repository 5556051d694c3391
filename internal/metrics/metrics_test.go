package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLifecycle_CountsByLabel(t *testing.T) {
	m := New()
	m.Op("complete", OutcomeOK)
	m.Op("complete", OutcomeRejected)
	m.Op("complete", OutcomeRejected)
	m.ProviderFailure("provision")
	m.CompletionRace()

	assert.Equal(t, 1.0, testutil.ToFloat64(m.ops.WithLabelValues("complete", OutcomeOK)))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ops.WithLabelValues("complete", OutcomeRejected)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.providerFailures.WithLabelValues("provision")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.completionRaces))
}

func TestLifecycle_NilIsNoop(t *testing.T) {
	var m *Lifecycle
	m.Op("join", OutcomeOK)
	m.ProviderFailure("token")
	m.CompletionRace()
	m.StreamOpened()
	m.StreamClosed()
}

func TestLifecycle_Handler(t *testing.T) {
	m := New()
	m.Op("create", OutcomeOK)

	w := httptest.NewRecorder()
	m.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.Contains(w.Body.String(), `meetai_call_operations_total{op="create",outcome="ok"} 1`))
}
