package metrics

import (
	"errors"
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
	m.RecordBar("CE")
	m.RecordBar("CE")
	m.RecordBar("PE")
	m.RecordTrade("CE", "TARGET")
	m.RecordTick()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Bars.WithLabelValues("CE")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Bars.WithLabelValues("PE")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Trades.WithLabelValues("CE", "TARGET")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Ticks))
}

func TestSetSession(t *testing.T) {
	m := New()
	m.SetSession(-12.5, false)
	assert.Equal(t, -12.5, testutil.ToFloat64(m.SessionMTM))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.Halted))

	m.SetSession(40, true)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Halted))
}

func TestObserveAPI(t *testing.T) {
	m := New()
	m.ObserveAPI("/charts/intraday", 120*time.Millisecond, nil)
	m.ObserveAPI("/charts/intraday", 80*time.Millisecond, errors.New("boom"))

	assert.Equal(t, 1, testutil.CollectAndCount(m.APILatency))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.APIErrors.WithLabelValues("/charts/intraday")))
}

func TestHandlerExposesNamespace(t *testing.T) {
	m := New()
	m.RecordTick()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Result().Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), "optsim_ticks_total 1"))
}
