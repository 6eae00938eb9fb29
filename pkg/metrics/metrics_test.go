package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestReleaseCounter(t *testing.T) {
	before := testutil.ToFloat64(ReleaseOutcomes.WithLabelValues("confirmed"))
	IncrementRelease("confirmed")
	assert.Equal(t, before+1, testutil.ToFloat64(ReleaseOutcomes.WithLabelValues("confirmed")))
}

func TestOrphanedGauge(t *testing.T) {
	SetOrphanedBindings(3)
	assert.Equal(t, float64(3), testutil.ToFloat64(OrphanedBindings))
	SetOrphanedBindings(0)
	assert.Equal(t, float64(0), testutil.ToFloat64(OrphanedBindings))
}

func TestSlowQueryCounter(t *testing.T) {
	before := testutil.ToFloat64(SlowQueryCount.WithLabelValues("SELECT"))
	IncrementSlowQuery("SELECT", 300*time.Millisecond)
	assert.Equal(t, before+1, testutil.ToFloat64(SlowQueryCount.WithLabelValues("SELECT")))
}
