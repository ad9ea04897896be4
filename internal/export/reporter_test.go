package export

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestReporter_SpeedSlope(t *testing.T) {
	r := NewReporter()
	clock := time.Unix(1700000000, 0)
	r.now = func() time.Time { return clock }

	r.Tick(1000)
	clock = clock.Add(time.Second)
	r.Tick(1000)
	clock = clock.Add(time.Second)
	r.Tick(1000)

	// 2000 bytes over 2 seconds between first and last sample
	assert.InDelta(t, 1000.0, r.Speed(), 1.0)
	assert.Equal(t, int64(3000), r.Total())
}

func TestReporter_WindowExpiry(t *testing.T) {
	r := NewReporter()
	clock := time.Unix(1700000000, 0)
	r.now = func() time.Time { return clock }

	r.Tick(5000)
	clock = clock.Add(speedWindow + time.Second)

	// the only sample fell out of the window: no slope
	assert.Zero(t, r.Speed())
	assert.Equal(t, int64(5000), r.Total())
}

func TestReporter_EmptyAndReset(t *testing.T) {
	r := NewReporter()
	assert.Zero(t, r.Speed())

	r.Tick(100)
	r.Reset()
	assert.Zero(t, r.Speed())
	// total survives a window reset
	assert.Equal(t, int64(100), r.Total())
}
