package clock

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aaronvark/o2/notify"
	"github.com/aaronvark/o2/peer"
)

func TestGetTimeUnsyncedReturnsNegativeOne(t *testing.T) {
	c := New("self")
	assert.Equal(t, -1.0, c.GetTime())
}

func TestMasterGetTimeIsLocalTimeImmediately(t *testing.T) {
	c := New("self")
	c.SetSource(func() float64 { return 42 })
	store, err := peer.New(notify.New())
	require.NoError(t, err)
	c.ReconcileElection(store)

	assert.True(t, c.IsMaster())
	assert.Equal(t, 42.0, c.GetTime())
}

func TestElectionPicksSmallestCandidateAcrossSelfAndPeers(t *testing.T) {
	store, err := peer.New(notify.New())
	require.NoError(t, err)
	require.NoError(t, store.Upsert(&peer.Peer{PeerID: "aaa", IsMasterCandidate: true, Services: map[string]struct{}{}}))

	c := New("zzz")
	c.SetSource(func() float64 { return 1 })
	c.ReconcileElection(store)

	assert.False(t, c.IsMaster())
	assert.Equal(t, "aaa", c.MasterPeerID())
}

func TestNonCandidateNeverBecomesMaster(t *testing.T) {
	store, err := peer.New(notify.New())
	require.NoError(t, err)
	c := New("aaa") // no SetSource call
	c.ReconcileElection(store)
	assert.False(t, c.IsMaster())
}

func TestProbeCycleAdoptsMinimumRTTOffset(t *testing.T) {
	c := New("self")
	store, err := peer.New(notify.New())
	require.NoError(t, err)
	require.NoError(t, store.Upsert(&peer.Peer{PeerID: "master", IsMasterCandidate: true, Services: map[string]struct{}{}}))
	c.ReconcileElection(store)
	require.Equal(t, "master", c.MasterPeerID())
	require.False(t, c.IsMaster())

	assert.True(t, c.ShouldProbe(0))
	t0 := c.BeginProbe(0)
	assert.Equal(t, 0.0, t0)
	c.CompleteProbe(0.050, 100.0) // rtt 0.050, offset ~= 100 - 0.025

	mean, min, ok := c.Roundtrip()
	assert.True(t, ok)
	assert.InDelta(t, 0.050, mean, 1e-9)
	assert.InDelta(t, 0.050, min, 1e-9)
	assert.InDelta(t, 99.975, c.bestOffset(), 1e-9)
}

func TestSlewSkewMovesTowardTargetBoundedByRate(t *testing.T) {
	c := New("self")
	store, err := peer.New(notify.New())
	require.NoError(t, err)
	require.NoError(t, store.Upsert(&peer.Peer{PeerID: "master", IsMasterCandidate: true, Services: map[string]struct{}{}}))
	c.ReconcileElection(store)

	c.BeginProbe(0)
	c.CompleteProbe(0, 10.0) // offset ~= 10

	c.SlewSkew(1.0) // at most 10% of 1s = 0.1
	assert.InDelta(t, 0.1, c.skew, 1e-9)

	// keep slewing; skew should never overshoot the target.
	for i := 0; i < 200; i++ {
		c.SlewSkew(1.0)
	}
	assert.InDelta(t, 10.0, c.skew, 1e-6)
}

func TestShouldProbeFasterDuringInitialSamples(t *testing.T) {
	c := New("self")
	store, err := peer.New(notify.New())
	require.NoError(t, err)
	require.NoError(t, store.Upsert(&peer.Peer{PeerID: "master", IsMasterCandidate: true, Services: map[string]struct{}{}}))
	c.ReconcileElection(store)

	assert.True(t, c.ShouldProbe(0))
	c.BeginProbe(0)
	c.CompleteProbe(0.01, 1)

	// fast cadence is 0.2s; 2s (slow cadence) hasn't elapsed but fast has.
	assert.False(t, c.ShouldProbe(0.1))
	assert.True(t, c.ShouldProbe(0.25))
}
