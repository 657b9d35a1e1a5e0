package peer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aaronvark/o2/notify"
)

func newTestStore(t *testing.T) *Store {
	s, err := New(notify.New())
	require.NoError(t, err)
	return s
}

func TestUpsertAndByID(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Upsert(&Peer{PeerID: "b", Services: map[string]struct{}{}}))

	got, err := s.ByID("b")
	require.NoError(t, err)
	assert.Equal(t, "b", got.PeerID)

	_, err = s.ByID("missing")
	assert.ErrorIs(t, err, ErrPeerNotFound)
}

func TestAllReturnsEveryPeer(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Upsert(&Peer{PeerID: "a", Services: map[string]struct{}{}}))
	require.NoError(t, s.Upsert(&Peer{PeerID: "b", Services: map[string]struct{}{}}))

	all, err := s.All()
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestRemoveDeletesAndEmits(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Upsert(&Peer{PeerID: "a", Services: map[string]struct{}{}}))

	var removed *Peer
	s.On(PeerRemoved, func(p *Peer) { removed = p })

	require.NoError(t, s.Remove("a"))
	_, err := s.ByID("a")
	assert.ErrorIs(t, err, ErrPeerNotFound)
	require.NotNil(t, removed)
	assert.Equal(t, "a", removed.PeerID)
}

func TestRemoveOfUnknownPeerIsNoop(t *testing.T) {
	s := newTestStore(t)
	assert.NoError(t, s.Remove("nope"))
}

func TestUpsertEmitsAddedThenUpdated(t *testing.T) {
	s := newTestStore(t)
	var topics []string
	s.On(PeerAdded, func(*Peer) { topics = append(topics, PeerAdded) })
	s.On(PeerUpdated, func(*Peer) { topics = append(topics, PeerUpdated) })

	p := &Peer{PeerID: "a", Services: map[string]struct{}{}}
	require.NoError(t, s.Upsert(p))
	require.NoError(t, s.Upsert(p))

	assert.Equal(t, []string{PeerAdded, PeerUpdated}, topics)
}

func TestElectedMasterPicksSmallestCandidateID(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Upsert(&Peer{PeerID: "zz", IsMasterCandidate: true, Services: map[string]struct{}{}}))
	require.NoError(t, s.Upsert(&Peer{PeerID: "aa", IsMasterCandidate: true, Services: map[string]struct{}{}}))
	require.NoError(t, s.Upsert(&Peer{PeerID: "mm", IsMasterCandidate: false, Services: map[string]struct{}{}}))

	assert.Equal(t, "aa", s.ElectedMaster())
	assert.Equal(t, 2, s.CandidateCount())
}

func TestElectedMasterEmptyWhenNoCandidates(t *testing.T) {
	s := newTestStore(t)
	assert.Equal(t, "", s.ElectedMaster())
}

func TestRevokingCandidacyRemovesFromElection(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Upsert(&Peer{PeerID: "aa", IsMasterCandidate: true, Services: map[string]struct{}{}}))
	require.NoError(t, s.Upsert(&Peer{PeerID: "bb", IsMasterCandidate: true, Services: map[string]struct{}{}}))
	assert.Equal(t, "aa", s.ElectedMaster())

	require.NoError(t, s.Upsert(&Peer{PeerID: "aa", IsMasterCandidate: false, Services: map[string]struct{}{}}))
	assert.Equal(t, "bb", s.ElectedMaster())
}
