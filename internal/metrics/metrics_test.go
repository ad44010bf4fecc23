package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestObserveState(t *testing.T) {
	ObserveState(3, 40, 64, true)
	assert.Equal(t, float64(3), testutil.ToFloat64(Epoch))
	assert.Equal(t, float64(40), testutil.ToFloat64(Watermark))
	assert.Equal(t, float64(64), testutil.ToFloat64(NextIndex))
	assert.Equal(t, float64(1), testutil.ToFloat64(IsLeader))

	ObserveState(3, 40, 64, false)
	assert.Equal(t, float64(0), testutil.ToFloat64(IsLeader))
}

func TestClaimsCounter(t *testing.T) {
	before := testutil.ToFloat64(ClaimsTotal.WithLabelValues("granted"))
	ClaimsTotal.WithLabelValues("granted").Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(ClaimsTotal.WithLabelValues("granted")))
}
