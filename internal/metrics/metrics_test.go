package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounters(t *testing.T) {
	m := New()

	m.PurchaseFinished("vended", "")
	m.PurchaseFinished("vended", "")
	m.PurchaseFinished("vend_failed", "ambiguous_vend_outcome")
	m.AnomalyFlagged()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.purchasesTotal.WithLabelValues("vended", "")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.purchasesTotal.WithLabelValues("vend_failed", "ambiguous_vend_outcome")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.anomaliesTotal))
}

func TestHandlerExposesRegistry(t *testing.T) {
	m := New()
	m.ObserveVend(150*time.Millisecond, "vended")
	m.SettlementReceived("mq")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	out := string(body)
	assert.True(t, strings.Contains(out, "vending_vend_duration_seconds_count"))
	assert.True(t, strings.Contains(out, `vending_settlements_total{source="mq"} 1`))
	assert.True(t, strings.Contains(out, "go_goroutines"))
}
