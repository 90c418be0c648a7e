package telemetry

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeProvider struct {
	calls atomic.Int32
}

func (f *fakeProvider) Stats() CoreStats {
	f.calls.Add(1)
	return CoreStats{ActiveBackends: 2, MultiXactNext: 10}
}

func TestCollectorPollsProvider(t *testing.T) {
	p := &fakeProvider{}
	mc := NewMetricsCollector(p, 5*time.Millisecond)
	mc.Start()
	time.Sleep(30 * time.Millisecond)
	mc.Stop()

	assert.GreaterOrEqual(t, p.calls.Load(), int32(2))
}

func TestNoopMetricsWhenDisabled(t *testing.T) {
	assert.False(t, Enabled())
	c := NewCounterVec("x", "y_total", "help", []string{"l"})
	assert.NotPanics(t, func() { c.With("a").Inc() })
	assert.Nil(t, GetMetricsHandler())
}
