// Package discovery implements O2's peer discovery: periodic UDP
// broadcast of a self-announcement, and a TCP handshake triggered
// when two processes in the same ensemble first see each other,
// after which the pair exchanges its full service list and then
// relies on incremental updates. Grounded on the accept/backoff
// shape of the cluster layer's gossip transport (cluster/mesh.go,
// cluster/pool/caller.go) and on cenkalti/backoff's exponential
// retry timer (services/listener/poller.go), repurposed here from
// retrying a failed RPC to pacing a broadcast that should slow down
// once the ensemble has stabilized.
package discovery

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/aaronvark/o2/peer"
	"github.com/aaronvark/o2/transport"
)

// Address is the reserved O2 address discovery datagrams are sent
// to; it is never routed through the service directory.
const Address = "/_o2/disc"

const (
	minBroadcastInterval = 100 * time.Millisecond
	maxBroadcastInterval = 4 * time.Second
)

// handshakeTimeout bounds how long an accepted or dialed handshake
// connection is kept waiting for its counterpart frame before the
// poll loop gives up on it and closes it.
const handshakeTimeout = 5 * time.Second

// announcement is the payload of a discovery broadcast: enough for a
// receiving process to decide whether it already knows this peer and,
// if not, who should initiate the TCP handshake.
type announcement struct {
	Ensemble          string   `json:"ensemble"`
	PeerID            string   `json:"peer_id"`
	TCPAddr           string   `json:"tcp_addr"`
	DataAddr          string   `json:"data_addr"`
	DataTCPAddr       string   `json:"data_tcp_addr"`
	IsMasterCandidate bool     `json:"is_master_candidate"`
	Services          []string `json:"services"`
}

// handshakeMessage is exchanged once over TCP after a discovery hit,
// replicating each side's full service list and candidacy. The
// connection it arrives on is kept open afterward so later service
// changes can be pushed as a serviceDelta instead of requiring a
// fresh handshake.
type handshakeMessage struct {
	PeerID            string   `json:"peer_id"`
	TCPAddr           string   `json:"tcp_addr"`
	DataAddr          string   `json:"data_addr"`
	DataTCPAddr       string   `json:"data_tcp_addr"`
	IsMasterCandidate bool     `json:"is_master_candidate"`
	Services          []string `json:"services"`
}

// serviceDelta is pushed over an established connection whenever the
// local service set changes after the initial handshake.
type serviceDelta struct {
	Added   []string `json:"added"`
	Removed []string `json:"removed"`
}

// pendingConn is a handshake connection awaiting its counterpart
// frame, tracked by the poll loop rather than a background goroutine
// so that adoptPeer and every peer.Store mutation happen only on the
// single thread driving Poll.
type pendingConn struct {
	conn    *transport.Conn
	expires time.Time
}

// Agent owns the discovery socket and drives both broadcasting this
// process's presence and reacting to peers it hears.
type Agent struct {
	logger   *zap.Logger
	ensemble string
	self     *peer.Peer
	selfFn   func() []string // current local service names, read fresh on every broadcast

	sock *transport.UDPSocket
	tcp  *transport.Listener

	peers *peer.Store

	backoff  *backoff.ExponentialBackOff
	nextSend time.Time

	accepted []*pendingConn          // inbound conns awaiting the initiator's handshake frame
	dialing  map[string]*pendingConn // tcp addr dialed -> conn awaiting the reply handshake frame

	established map[string]*transport.Conn // peer id -> live post-handshake connection

	lastServices  map[string]struct{}
	deltaBaseline bool // false until lastServices reflects a real snapshot
}

// New opens the discovery UDP socket and TCP listener and returns an
// Agent ready to Poll.
func New(logger *zap.Logger, ensemble string, self *peer.Peer, services func() []string, peers *peer.Store, discoveryPort, tcpPort int) (*Agent, error) {
	sock, err := transport.ListenBroadcastUDP(addrFor(discoveryPort))
	if err != nil {
		return nil, errors.Wrap(err, "failed to open discovery socket")
	}
	ln, err := transport.ListenTCP(addrFor(tcpPort))
	if err != nil {
		sock.Close()
		return nil, errors.Wrap(err, "failed to open handshake listener")
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = minBroadcastInterval
	b.MaxInterval = maxBroadcastInterval
	b.Multiplier = 1.5
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0 // never return backoff.Stop; stay at the cap
	b.Reset()

	return &Agent{
		logger:      logger,
		ensemble:    ensemble,
		self:        self,
		selfFn:      services,
		sock:        sock,
		tcp:         ln,
		peers:       peers,
		backoff:     b,
		nextSend:    time.Time{},
		dialing:     make(map[string]*pendingConn),
		established: make(map[string]*transport.Conn),
	}, nil
}

func addrFor(port int) string {
	return fmt.Sprintf(":%d", port)
}

// Poll drains pending discovery datagrams and handshake frames and
// grows the broadcast interval. now is the caller's local clock so
// the broadcast cadence stays deterministic under test.
func (a *Agent) Poll(now time.Time) {
	a.drainDatagrams()
	a.drainHandshakes()
	a.pollAccepted(now)
	a.pollDialing(now)
	a.pollEstablished()
	a.pushServiceDeltas()
	if a.nextSend.IsZero() || !now.Before(a.nextSend) {
		a.broadcast()
		a.nextSend = now.Add(a.backoff.NextBackOff())
	}
}

func (a *Agent) broadcast() {
	msg := announcement{
		Ensemble:          a.ensemble,
		PeerID:            a.self.PeerID,
		TCPAddr:           a.tcp.Addr().String(),
		DataAddr:          a.self.DataAddr,
		DataTCPAddr:       a.self.DataTCPAddr,
		IsMasterCandidate: a.self.IsMasterCandidate,
		Services:          a.selfFn(),
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		a.logger.Error("failed to marshal discovery announcement", zap.Error(err))
		return
	}
	target := transport.BroadcastAddr(a.sock.LocalAddr().Port)
	if err := a.sock.SendTo(target, payload); err != nil {
		a.logger.Warn("discovery broadcast failed", zap.Error(err))
	}
}

func (a *Agent) drainDatagrams() {
	for {
		select {
		case dg, ok := <-a.sock.Inbound:
			if !ok {
				return
			}
			a.handleDatagram(dg)
		default:
			return
		}
	}
}

func (a *Agent) handleDatagram(dg transport.Datagram) {
	var msg announcement
	if err := json.Unmarshal(dg.Data, &msg); err != nil {
		return
	}
	if msg.Ensemble != a.ensemble || msg.PeerID == a.self.PeerID {
		return
	}
	if _, err := a.peers.ByID(msg.PeerID); err == nil {
		return // already known; handshake already happened
	}

	// The side with the lower peer_id initiates the TCP handshake so
	// exactly one side dials.
	if a.self.PeerID > msg.PeerID {
		return
	}
	if _, dialing := a.dialing[msg.TCPAddr]; dialing {
		return
	}
	conn, err := transport.Dial(msg.TCPAddr)
	if err != nil {
		a.logger.Warn("handshake dial failed", zap.String("peer", msg.PeerID), zap.Error(err))
		return
	}
	a.dialing[msg.TCPAddr] = &pendingConn{conn: conn, expires: time.Now().Add(handshakeTimeout)}
	a.sendHandshake(conn)
}

func (a *Agent) sendHandshake(conn *transport.Conn) {
	hs := handshakeMessage{
		PeerID:            a.self.PeerID,
		TCPAddr:           a.tcp.Addr().String(),
		DataAddr:          a.self.DataAddr,
		DataTCPAddr:       a.self.DataTCPAddr,
		IsMasterCandidate: a.self.IsMasterCandidate,
		Services:          a.selfFn(),
	}
	payload, err := json.Marshal(hs)
	if err != nil {
		a.logger.Error("failed to marshal handshake", zap.Error(err))
		return
	}
	if err := conn.Send(payload); err != nil {
		a.logger.Warn("handshake send failed", zap.Error(err))
	}
}

// drainHandshakes moves newly accepted handshake connections off the
// listener's background-fed channel and into the tracked pending
// list; nothing touches peer.Store here.
func (a *Agent) drainHandshakes() {
	for {
		select {
		case conn, ok := <-a.tcp.Accepted:
			if !ok {
				return
			}
			a.accepted = append(a.accepted, &pendingConn{conn: conn, expires: time.Now().Add(handshakeTimeout)})
		default:
			return
		}
	}
}

// pollAccepted drains the initiator's handshake frame off each
// inbound connection without blocking, adopts the sender into the
// peer table, and replies with our own handshake. The connection is
// kept open in established so later service changes can be pushed
// without a fresh handshake. Expired or closed connections are
// dropped.
func (a *Agent) pollAccepted(now time.Time) {
	live := a.accepted[:0]
	for _, pc := range a.accepted {
		select {
		case frame, ok := <-pc.conn.Inbound:
			if !ok {
				continue
			}
			var hs handshakeMessage
			if err := json.Unmarshal(frame, &hs); err != nil {
				pc.conn.Close()
				continue
			}
			a.adoptPeer(hs)
			a.sendHandshake(pc.conn)
			a.established[hs.PeerID] = pc.conn
		default:
			if now.After(pc.expires) {
				pc.conn.Close()
				continue
			}
			live = append(live, pc)
		}
	}
	a.accepted = live
}

// pollDialing drains the reply handshake frame off each connection we
// dialed without blocking and adopts the replier into the peer table.
// The connection moves into established rather than closing, the same
// as pollAccepted's success path. Expired or closed connections are
// dropped.
func (a *Agent) pollDialing(now time.Time) {
	for addr, pc := range a.dialing {
		select {
		case frame, ok := <-pc.conn.Inbound:
			if !ok {
				delete(a.dialing, addr)
				continue
			}
			var hs handshakeMessage
			if err := json.Unmarshal(frame, &hs); err != nil {
				pc.conn.Close()
				delete(a.dialing, addr)
				continue
			}
			a.adoptPeer(hs)
			a.established[hs.PeerID] = pc.conn
			delete(a.dialing, addr)
		default:
			if now.After(pc.expires) {
				pc.conn.Close()
				delete(a.dialing, addr)
			}
		}
	}
}

func (a *Agent) adoptPeer(hs handshakeMessage) {
	svcSet := make(map[string]struct{}, len(hs.Services))
	for _, s := range hs.Services {
		svcSet[s] = struct{}{}
	}
	p := &peer.Peer{
		PeerID:            hs.PeerID,
		TCPAddr:           hs.TCPAddr,
		DataAddr:          hs.DataAddr,
		DataTCPAddr:       hs.DataTCPAddr,
		Services:          svcSet,
		IsMasterCandidate: hs.IsMasterCandidate,
	}
	if err := a.peers.Upsert(p); err != nil {
		a.logger.Error("failed to record discovered peer", zap.String("peer", hs.PeerID), zap.Error(err))
	}
}

// pollEstablished drains every pending serviceDelta frame off each
// live post-handshake connection without blocking, applying each to
// the sender's entry in peer.Store. A connection whose read loop has
// exited is dropped from established.
func (a *Agent) pollEstablished() {
	for id, conn := range a.established {
		closed := false
	drain:
		for {
			select {
			case frame, ok := <-conn.Inbound:
				if !ok {
					closed = true
					break drain
				}
				var delta serviceDelta
				if err := json.Unmarshal(frame, &delta); err != nil {
					a.logger.Debug("dropping malformed service delta", zap.String("peer", id), zap.Error(err))
					continue
				}
				a.applyServiceDelta(id, delta)
			default:
				break drain
			}
		}
		if closed {
			delete(a.established, id)
		}
	}
}

// applyServiceDelta folds an add/remove delta announced by peerID into
// that peer's recorded service set and re-upserts it, driving the same
// PeerUpdated reconciliation path a full handshake would.
func (a *Agent) applyServiceDelta(peerID string, delta serviceDelta) {
	p, err := a.peers.ByID(peerID)
	if err != nil {
		a.logger.Warn("service delta from unknown peer", zap.String("peer", peerID), zap.Error(err))
		return
	}
	updated := p.Copy()
	for _, s := range delta.Added {
		updated.Services[s] = struct{}{}
	}
	for _, s := range delta.Removed {
		delete(updated.Services, s)
	}
	if err := a.peers.Upsert(updated); err != nil {
		a.logger.Error("failed to apply service delta", zap.String("peer", peerID), zap.Error(err))
	}
}

// pushServiceDeltas diffs the local service set against the one last
// pushed and, if it changed, sends the add/remove delta to every
// established peer connection. The first call only seeds the
// baseline: the handshake itself already carried the full list to
// every peer connected by then, so diffing against an empty baseline
// would just resend it.
func (a *Agent) pushServiceDeltas() {
	current := make(map[string]struct{})
	for _, s := range a.selfFn() {
		current[s] = struct{}{}
	}

	if !a.deltaBaseline {
		a.lastServices = current
		a.deltaBaseline = true
		return
	}

	var delta serviceDelta
	for s := range current {
		if _, ok := a.lastServices[s]; !ok {
			delta.Added = append(delta.Added, s)
		}
	}
	for s := range a.lastServices {
		if _, ok := current[s]; !ok {
			delta.Removed = append(delta.Removed, s)
		}
	}
	a.lastServices = current
	if len(delta.Added) == 0 && len(delta.Removed) == 0 {
		return
	}

	payload, err := json.Marshal(delta)
	if err != nil {
		a.logger.Error("failed to marshal service delta", zap.Error(err))
		return
	}
	for id, conn := range a.established {
		if err := conn.Send(payload); err != nil {
			a.logger.Warn("service delta send failed", zap.String("peer", id), zap.Error(err))
		}
	}
}

// Close releases the discovery socket, handshake listener, and every
// established post-handshake connection.
func (a *Agent) Close() error {
	a.sock.Close()
	for _, conn := range a.established {
		conn.Close()
	}
	return a.tcp.Close()
}
