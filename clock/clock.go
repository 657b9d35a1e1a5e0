// Package clock implements master election and clock synchronization:
// promoting this process to master-candidate status when a local
// clock source is installed, tracking which peer currently holds
// the minimum-peer_id election, issuing clock-get probes at a
// fast-then-slow cadence, and slewing a skew value toward the
// adopted offset so that global time stays monotonic. Grounded on
// the teacher's cluster layer for the notion of a singleton
// coordinator role decided by comparing node identities
// (cluster/mesh.go), generalized from memberlist's SWIM-based leader
// hint to O2's explicit min-peer_id rule driven by the peer table's
// ordered candidate index.
package clock

import (
	"github.com/aaronvark/o2/peer"
)

// Source supplies a monotonically non-decreasing local time in
// seconds; installing one promotes this process to master-candidate
// status, matching o2_set_clock in the original API.
type Source func() float64

const (
	slowProbeInterval = 2.0 // seconds, steady-state clock-get cadence (~0.5 Hz)
	fastProbeInterval = 0.2 // seconds, cadence for the first fastProbeSamples samples
	fastProbeSamples  = 5
	maxSkewRate       = 0.10 // skew may move at most this fraction of real time per second
)

// Clock owns this process's view of global time: whether it is the
// master, its election state, and (if not master) its synchronization
// against whichever peer is.
type Clock struct {
	local Source

	isMasterCandidate bool
	isMaster          bool
	masterPeerID      string
	selfPeerID        string

	skew       float64
	hasSync    bool
	lastTick   float64
	probeCount int
	probeSent  bool

	rtt    [5]float64
	offset [5]float64
	filled int
	cursor int

	pendingT0     float64
	pendingActive bool
}

// New creates a Clock for a process identified by selfPeerID. No
// local time source is installed yet, so the process starts as a
// plain (non-candidate) peer.
func New(selfPeerID string) *Clock {
	return &Clock{selfPeerID: selfPeerID}
}

// SetSource installs a local time source, promoting this process to
// master-candidate status.
func (c *Clock) SetSource(src Source) {
	c.local = src
	c.isMasterCandidate = true
}

// IsMasterCandidate reports whether a local clock source has been
// installed.
func (c *Clock) IsMasterCandidate() bool {
	return c.isMasterCandidate
}

// IsMaster reports whether this process currently holds the
// election.
func (c *Clock) IsMaster() bool {
	return c.isMaster
}

// LocalTime returns the installed local time source's current value,
// or 0 if none is installed.
func (c *Clock) LocalTime() float64 {
	if c.local == nil {
		return 0
	}
	return c.local()
}

// ReconcileElection updates master/candidate status from the peer
// table's current minimum candidate id; elected is "" if there are
// no candidates anywhere in the ensemble (including self).
func (c *Clock) ReconcileElection(store *peer.Store) {
	elected := store.ElectedMaster()
	if c.isMasterCandidate && (elected == "" || c.selfPeerID < elected) {
		elected = c.selfPeerID
	}
	c.isMaster = elected == c.selfPeerID && c.isMasterCandidate
	c.masterPeerID = elected
	if c.isMaster {
		c.hasSync = true
		c.skew = 0
	}
}

// MasterPeerID reports the currently elected master, or "" if none
// has been determined yet.
func (c *Clock) MasterPeerID() string {
	return c.masterPeerID
}

// GetTime returns −1 until the first successful sync, local time
// immediately if this process is master, and local time plus the
// slewed skew otherwise.
func (c *Clock) GetTime() float64 {
	if c.isMaster {
		return c.LocalTime()
	}
	if !c.hasSync {
		return -1
	}
	return c.LocalTime() + c.skew
}

// Roundtrip reports the mean and minimum round trip over the
// retained probe samples; ok is false if unsynced.
func (c *Clock) Roundtrip() (mean, min float64, ok bool) {
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

// ShouldProbe reports whether, given the current local time, a new
// clock-get probe to the master is due.
func (c *Clock) ShouldProbe(now float64) bool {
	if c.isMaster || c.masterPeerID == "" {
		return false
	}
	if !c.probeSent {
		return true
	}
	interval := slowProbeInterval
	if c.probeCount < fastProbeSamples {
		interval = fastProbeInterval
	}
	return now-c.lastTick >= interval
}

// BeginProbe records the local send time of an outgoing clock-get
// request and returns it for the caller to embed in the RPC.
func (c *Clock) BeginProbe(now float64) float64 {
	c.lastTick = now
	c.probeSent = true
	c.pendingT0 = now
	c.pendingActive = true
	return now
}

// CompleteProbe folds a clock-get reply into the sample ring: t1 is
// the local time the reply was received, masterTime is the time the
// master reported.
func (c *Clock) CompleteProbe(t1, masterTime float64) {
	if !c.pendingActive {
		return
	}
	c.pendingActive = false
	t0 := c.pendingT0
	rtt := t1 - t0
	if rtt < 0 {
		rtt = 0
	}
	masterEstimate := masterTime
	offset := masterEstimate - (t0 + rtt/2)

	c.rtt[c.cursor] = rtt
	c.offset[c.cursor] = offset
	c.cursor = (c.cursor + 1) % len(c.rtt)
	if c.filled < len(c.rtt) {
		c.filled++
	}
	c.probeCount++
	c.hasSync = true
}

func (c *Clock) bestOffset() float64 {
	best := 0
	for i := 1; i < c.filled; i++ {
		if c.rtt[i] < c.rtt[best] {
			best = i
		}
	}
	return c.offset[best]
}

// SlewSkew moves skew toward the currently adopted offset by at most
// maxSkewRate of the elapsed dt seconds, keeping global time
// monotonic and smooth.
func (c *Clock) SlewSkew(dt float64) {
	if !c.hasSync || c.isMaster || c.filled == 0 {
		return
	}
	target := c.bestOffset()
	delta := target - c.skew
	maxStep := maxSkewRate * dt
	if delta > maxStep {
		delta = maxStep
	} else if delta < -maxStep {
		delta = -maxStep
	}
	c.skew += delta
}
