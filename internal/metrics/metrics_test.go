package metrics

import (
	"testing"

	"github.com/invulnerable/scancore/internal/models"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestSetRegistrySize(t *testing.T) {
	s := New()
	s.SetRegistrySize(7)
	assert.Equal(t, float64(7), testutil.ToFloat64(s.registrySize))
}

func TestSetQueueDepth(t *testing.T) {
	s := New()
	s.SetQueueDepth(3, 2)
	assert.Equal(t, float64(3), testutil.ToFloat64(s.queuePending))
	assert.Equal(t, float64(2), testutil.ToFloat64(s.queueActive))
}

func TestObserveAdmittedAndRejected(t *testing.T) {
	s := New()
	s.ObserveAdmitted()
	s.ObserveAdmitted()
	s.ObserveRejected()
	assert.Equal(t, float64(2), testutil.ToFloat64(s.scansStarted))
	assert.Equal(t, float64(1), testutil.ToFloat64(s.queueRejected))
}

func TestObserveOutcome(t *testing.T) {
	s := New()

	s.ObserveOutcome(&models.Record{Status: models.StatusFinished})
	assert.Equal(t, float64(1), testutil.ToFloat64(s.scansFinished))

	s.ObserveOutcome(&models.Record{
		Status: models.StatusFailed,
		Error:  &models.ScanError{Code: models.ErrTimeout},
	})
	assert.Equal(t, float64(1), testutil.ToFloat64(s.scansFailed.WithLabelValues(string(models.ErrTimeout))))
}

func TestObserveOutcomeNilRecordIsNoop(t *testing.T) {
	s := New()
	assert.NotPanics(t, func() { s.ObserveOutcome(nil) })
}
