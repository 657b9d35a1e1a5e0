// Package peer implements the peer table: known remote processes,
// their transport endpoints, clock-synchronization state, and the
// set of services they offer.
package peer

// ClockState is a peer's view of its synchronization against the
// ensemble master: whether a sync has ever succeeded, the adopted
// offset, and a bounded ring of the 5 most recent round-trip samples,
// matching the data model's clock_state exactly (fixed arrays, not
// slices, so the synchronization hot path never allocates).
type ClockState struct {
	HasSync bool
	Offset  float64

	rtt     [5]float64
	offset  [5]float64
	filled  int
	cursor  int
}

// RecordSample folds a new round-trip/offset pair into the ring and
// adopts the offset corresponding to the sample with the smallest
// round trip among the retained samples.
func (c *ClockState) RecordSample(rtt, offset float64) {
	c.rtt[c.cursor] = rtt
	c.offset[c.cursor] = offset
	c.cursor = (c.cursor + 1) % len(c.rtt)
	if c.filled < len(c.rtt) {
		c.filled++
	}
	c.HasSync = true
	c.Offset = c.bestOffset()
}

func (c *ClockState) bestOffset() float64 {
	best := 0
	for i := 1; i < c.filled; i++ {
		if c.rtt[i] < c.rtt[best] {
			best = i
		}
	}
	return c.offset[best]
}

// Roundtrip reports the mean and minimum round trip over the
// retained samples. ok is false if no sample has been recorded yet.
func (c *ClockState) Roundtrip() (mean, min float64, ok bool) {
	if c.filled == 0 {
		return 0, 0, false
	}
	sum := 0.0
	min = c.rtt[0]
	for i := 0; i < c.filled; i++ {
		sum += c.rtt[i]
		if c.rtt[i] < min {
			min = c.rtt[i]
		}
	}
	return sum / float64(c.filled), min, true
}

// Peer is a single known remote process.
type Peer struct {
	PeerID            string
	DiscoveryAddr     string // host:port of its discovery UDP socket
	DataAddr          string // host:port of its data UDP socket
	TCPAddr           string // host:port of its discovery handshake TCP listener
	DataTCPAddr       string // host:port of its reliable-delivery data TCP listener
	IsMasterCandidate bool
	Services          map[string]struct{}
	Clock             ClockState
	LastHeard         float64 // local time of last heartbeat/handshake byte seen
	MissedHeartbeats  int
}

// Copy returns a deep-enough copy of p suitable for safe hand-off
// across the event bus (the Services set is copied; ClockState,
// being all value fields, copies by assignment).
func (p *Peer) Copy() *Peer {
	cp := *p
	cp.Services = make(map[string]struct{}, len(p.Services))
	for s := range p.Services {
		cp.Services[s] = struct{}{}
	}
	return &cp
}
