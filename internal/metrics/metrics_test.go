package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/geebatch/pkg/types"
)

func newTestCollector(t *testing.T) (*Collector, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	return NewCollector(reg), reg
}

func TestNewCollectorRegistersInstruments(t *testing.T) {
	c, reg := newTestCollector(t)
	require.NotNil(t, c)

	c.RecordLaunch(types.KindImageExport, true)
	c.RecordTerminal(types.StateCompleted, time.Second)
	c.RecordStatusError()
	c.RecordBatch(true, 10*time.Millisecond)
	c.RecordSweep(2)

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, want := range []string{
		"geebatch_jobs_launched_total",
		"geebatch_jobs_terminal_total",
		"geebatch_status_errors_total",
		"geebatch_batches_total",
		"geebatch_monitor_sweeps_total",
		"geebatch_job_duration_seconds",
		"geebatch_batch_duration_seconds",
		"geebatch_jobs_outstanding",
	} {
		assert.True(t, names[want], "missing %s", want)
	}
}

func TestNewCollectorTwiceOnSameRegistryPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewCollector(reg)
	assert.Panics(t, func() { NewCollector(reg) })
}

func TestRecordLaunch(t *testing.T) {
	c, _ := newTestCollector(t)

	c.RecordLaunch(types.KindImageExport, true)
	c.RecordLaunch(types.KindImageExport, true)
	c.RecordLaunch(types.KindTableExport, false)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.jobsLaunched.WithLabelValues("image-export", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.jobsLaunched.WithLabelValues("table-export", "failure")))
}

func TestRecordTerminal(t *testing.T) {
	c, reg := newTestCollector(t)

	c.RecordTerminal(types.StateCompleted, 3*time.Second)
	c.RecordTerminal(types.StateFailed, 0)
	c.RecordTerminal(types.StateFailed, time.Second)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.jobsTerminal.WithLabelValues("COMPLETED")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.jobsTerminal.WithLabelValues("FAILED")))

	families, err := reg.Gather()
	require.NoError(t, err)
	var observed uint64
	for _, f := range families {
		if f.GetName() == "geebatch_job_duration_seconds" {
			observed = f.GetMetric()[0].GetHistogram().GetSampleCount()
		}
	}
	assert.Equal(t, uint64(2), observed, "zero durations are not observed")
}

func TestRecordBatchAndSweep(t *testing.T) {
	c, _ := newTestCollector(t)

	c.RecordBatch(true, time.Millisecond)
	c.RecordBatch(false, 0)
	c.RecordSweep(5)
	c.RecordSweep(1)
	c.RecordStatusError()

	assert.Equal(t, 1.0, testutil.ToFloat64(c.batches.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.batches.WithLabelValues("failure")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.sweeps))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.outstanding))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.statusErrors))
}

func TestNilCollectorIsNoop(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.RecordLaunch(types.KindCompute, true)
		c.RecordTerminal(types.StateCancelled, time.Second)
		c.RecordStatusError()
		c.RecordBatch(false, 0)
		c.RecordSweep(0)
	})
}

func TestHandlerExposesMetrics(t *testing.T) {
	c, reg := newTestCollector(t)
	c.RecordLaunch(types.KindVideoExport, true)

	srv := httptest.NewServer(Handler(reg))
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	buf := new(strings.Builder)
	_, err = io.Copy(buf, resp.Body)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), `geebatch_jobs_launched_total{kind="video-export",outcome="success"} 1`)
}
