package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCollector(t *testing.T) *Collector {
	t.Helper()
	return NewCollector(prometheus.NewRegistry())
}

func TestNewCollector(t *testing.T) {
	collector := newTestCollector(t)
	assert.NotNil(t, collector.jobsEnqueued)
	assert.NotNil(t, collector.stageDuration)
	assert.NotNil(t, collector.mutations)
}

func TestQueueCounters(t *testing.T) {
	c := newTestCollector(t)

	for i := 0; i < 5; i++ {
		c.RecordEnqueue()
	}
	c.RecordDispatch()
	c.RecordCompleted(250 * time.Millisecond)
	c.RecordFailed()
	c.RecordDead()
	c.RecordDeleted()

	assert.Equal(t, 5.0, testutil.ToFloat64(c.jobsEnqueued))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.jobsDispatched))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.jobsCompleted))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.jobsFailed))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.jobsDead))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.jobsDeleted))
}

func TestQueueGauges(t *testing.T) {
	c := newTestCollector(t)
	c.UpdateQueueStats(7, 2, 3)
	c.SetRecoveryTime(1500 * time.Millisecond)

	assert.Equal(t, 7.0, testutil.ToFloat64(c.jobsPending))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.jobsProcessing))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.recurring))
	assert.Equal(t, 1.5, testutil.ToFloat64(c.recoveryTime))

	c.UpdateQueueStats(0, 0, 0)
	assert.Equal(t, 0.0, testutil.ToFloat64(c.jobsPending))
}

func TestObserveStage(t *testing.T) {
	c := newTestCollector(t)
	c.ObserveStage("Parse reports", OutcomeSkipped, 0)
	c.ObserveStage("Parse reports", OutcomeSucceeded, time.Second)
	c.ObserveStage("Parse reports", OutcomeFailed, time.Second)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.stageTotal.WithLabelValues("Parse reports", OutcomeSkipped)))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.stageTotal.WithLabelValues("Parse reports", OutcomeSucceeded)))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.stageTotal.WithLabelValues("Parse reports", OutcomeFailed)))
	assert.Equal(t, 1, testutil.CollectAndCount(c.stageDuration), "one stage label observed")
}

func TestReconcileMetrics(t *testing.T) {
	c := newTestCollector(t)
	c.RecordMutation("upsert")
	c.RecordMutation("upsert")
	c.RecordMutation("remove")
	c.RecordReconcileError()

	assert.Equal(t, 2.0, testutil.ToFloat64(c.mutations.WithLabelValues("upsert")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.mutations.WithLabelValues("remove")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.reconcileErrors))
}

func TestNilCollectorIsNoop(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.RecordEnqueue()
		c.RecordCompleted(time.Second)
		c.UpdateQueueStats(1, 1, 1)
		c.ObserveStage("x", OutcomeSucceeded, time.Second)
		c.RecordMutation("upsert")
	})
}

func TestCollectorIsolation(t *testing.T) {
	a := newTestCollector(t)
	b := newTestCollector(t)
	a.RecordEnqueue()
	assert.Equal(t, 1.0, testutil.ToFloat64(a.jobsEnqueued))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.jobsEnqueued))
}

func TestConcurrentMetricUpdates(t *testing.T) {
	c := newTestCollector(t)
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				c.RecordEnqueue()
				c.ObserveStage("Statistics", OutcomeSucceeded, time.Millisecond)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1000.0, testutil.ToFloat64(c.jobsEnqueued))
}

func TestHandlerExposesMetrics(t *testing.T) {
	c := newTestCollector(t)
	c.RecordEnqueue()

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), "pbem_queue_jobs_enqueued_total 1"))
}
