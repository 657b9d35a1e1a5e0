package peer

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClockStateAdoptsMinimumRTTSample(t *testing.T) {
	var c ClockState
	c.RecordSample(0.050, 0.100)
	c.RecordSample(0.010, 0.200)
	c.RecordSample(0.030, 0.300)

	assert.True(t, c.HasSync)
	assert.Equal(t, 0.200, c.Offset)
}

func TestClockStateRingWrapsAfterFiveSamples(t *testing.T) {
	var c ClockState
	for i := 0; i < 5; i++ {
		c.RecordSample(1.0, float64(i))
	}
	// the 6th sample overwrites the first (rtt 1.0, offset 0) with a
	// much smaller rtt, so it must now be adopted.
	c.RecordSample(0.001, 99)
	assert.Equal(t, 99.0, c.Offset)
}

func TestRoundtripReportsMeanAndMin(t *testing.T) {
	var c ClockState
	c.RecordSample(0.010, 0)
	c.RecordSample(0.030, 0)
	mean, min, ok := c.Roundtrip()
	assert.True(t, ok)
	assert.InDelta(t, 0.020, mean, 1e-9)
	assert.InDelta(t, 0.010, min, 1e-9)
}

func TestRoundtripNotOKBeforeAnySample(t *testing.T) {
	var c ClockState
	_, _, ok := c.Roundtrip()
	assert.False(t, ok)
}

func TestPeerCopyIsIndependent(t *testing.T) {
	p := &Peer{PeerID: "a", Services: map[string]struct{}{"synth": {}}}
	cp := p.Copy()
	cp.Services["extra"] = struct{}{}
	assert.Len(t, p.Services, 1)
	assert.Len(t, cp.Services, 2)
}
