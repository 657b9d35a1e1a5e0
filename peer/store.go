package peer

import (
	memdb "github.com/hashicorp/go-memdb"
	"github.com/google/btree"
	"github.com/pkg/errors"

	"github.com/aaronvark/o2/notify"
)

const table = "peers"

// Lifecycle topics emitted on Store's bus.
const (
	PeerAdded   = "peer_added"
	PeerUpdated = "peer_updated"
	PeerRemoved = "peer_removed"
)

// ErrPeerNotFound is returned by ByID when no peer with that id is
// known.
var ErrPeerNotFound = errors.New("peer not found")

// candidateItem orders master candidates by peer id, matching the
// min-peer_id election rule: the master is always the candidate this
// btree.Min() returns.
type candidateItem struct {
	peerID string
}

func (c candidateItem) Less(other btree.Item) bool {
	return c.peerID < other.(candidateItem).peerID
}

// Store is the peer table, backed by go-memdb for id lookup and a
// google/btree ordered index of master-candidate peer ids so that
// electing the master is an O(log n) minimum lookup rather than a
// linear scan. Grounded on peers.PeerStore (peers/store.go) for the
// memdb table shape and lifecycle events, and on btree.BTree's use as
// an ordered in-memory index for message-id acknowledgement tracking
// (queues/inflight/inflight.go), generalized here from int32 message
// ids to string peer ids.
type Store struct {
	db         *memdb.MemDB
	candidates *btree.BTree
	bus        *notify.Bus
}

// New creates an empty peer table.
func New(bus *notify.Bus) (*Store, error) {
	db, err := memdb.NewMemDB(&memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			table: {
				Name: table,
				Indexes: map[string]*memdb.IndexSchema{
					"id": {
						Name:         "id",
						Unique:       true,
						AllowMissing: false,
						Indexer:      &memdb.StringFieldIndex{Field: "PeerID"},
					},
				},
			},
		},
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to build peer table schema")
	}
	return &Store{
		db:         db,
		candidates: btree.New(2),
		bus:        bus,
	}, nil
}

// On subscribes handler to a peer lifecycle topic (PeerAdded,
// PeerUpdated, PeerRemoved); the payload is always a *Peer.
func (s *Store) On(topic string, handler func(*Peer)) notify.CancelFunc {
	return s.bus.On(topic, func(v interface{}) { handler(v.(*Peer)) })
}

// ByID returns the peer with the given id, or ErrPeerNotFound.
func (s *Store) ByID(id string) (*Peer, error) {
	tx := s.db.Txn(false)
	defer tx.Abort()
	v, err := tx.First(table, "id", id)
	if err != nil {
		return nil, errors.Wrap(err, "peer table lookup failed")
	}
	if v == nil {
		return nil, ErrPeerNotFound
	}
	return v.(*Peer), nil
}

// All returns every known peer in id order.
func (s *Store) All() ([]*Peer, error) {
	tx := s.db.Txn(false)
	defer tx.Abort()
	it, err := tx.Get(table, "id")
	if err != nil {
		return nil, errors.Wrap(err, "peer table scan failed")
	}
	var peers []*Peer
	for v := it.Next(); v != nil; v = it.Next() {
		peers = append(peers, v.(*Peer))
	}
	return peers, nil
}

// Upsert inserts or replaces a peer, updates the master-candidate
// index if the peer's candidacy changed, and then emits PeerAdded or
// PeerUpdated accordingly.
func (s *Store) Upsert(p *Peer) error {
	existed := false
	if prev, err := s.ByID(p.PeerID); err == nil {
		existed = true
		if prev.IsMasterCandidate && !p.IsMasterCandidate {
			s.candidates.Delete(candidateItem{peerID: p.PeerID})
		}
	}
	tx := s.db.Txn(true)
	if err := tx.Insert(table, p); err != nil {
		tx.Abort()
		return errors.Wrap(err, "peer table insert failed")
	}
	tx.Commit()

	if p.IsMasterCandidate {
		s.candidates.ReplaceOrInsert(candidateItem{peerID: p.PeerID})
	}

	topic := PeerAdded
	if existed {
		topic = PeerUpdated
	}
	s.bus.Emit(topic, p)
	return nil
}

// Remove deletes the peer with the given id, if present, and emits
// PeerRemoved.
func (s *Store) Remove(id string) error {
	p, err := s.ByID(id)
	if err != nil {
		if err == ErrPeerNotFound {
			return nil
		}
		return err
	}
	tx := s.db.Txn(true)
	if err := tx.Delete(table, p); err != nil {
		tx.Abort()
		return errors.Wrap(err, "peer table delete failed")
	}
	tx.Commit()
	s.candidates.Delete(candidateItem{peerID: id})
	s.bus.Emit(PeerRemoved, p)
	return nil
}

// ElectedMaster returns the peer id of the current master candidate
// with the lexicographically smallest peer id, or "" if there are no
// candidates at all.
func (s *Store) ElectedMaster() string {
	min := s.candidates.Min()
	if min == nil {
		return ""
	}
	return min.(candidateItem).peerID
}

// CandidateCount reports how many peers are currently master
// candidates.
func (s *Store) CandidateCount() int {
	return s.candidates.Len()
}
