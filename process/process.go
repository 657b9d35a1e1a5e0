// Package process wires the message codec, service directory, peer
// table, clock subsystem, and dual scheduler into the single
// polling-thread core described by the data model's Local Process
// State singleton: one Process per ensemble membership, driving
// every subsystem from one Poll call. Grounded on the teacher's
// cluster.memberlistMesh (cluster/mesh.go) for the shape of "one
// object owns transport + peer table + election and exposes a small
// public API to the rest of the broker", generalized from an
// always-on gRPC/memberlist stack to O2's bespoke UDP/TCP protocol.
package process

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/aaronvark/o2/clock"
	"github.com/aaronvark/o2/directory"
	"github.com/aaronvark/o2/discovery"
	"github.com/aaronvark/o2/message"
	"github.com/aaronvark/o2/notify"
	"github.com/aaronvark/o2/peer"
	"github.com/aaronvark/o2/schedule"
	"github.com/aaronvark/o2/transport"
)

// Result codes mirror the external return codes of the original API;
// their numeric values are not load-bearing (unlike Status) but are
// kept small and named for readability at call sites.
const (
	Success  = 0
	Fail     = -1
	NoMemory = -4
	Running  = -5
	BadName  = -6
	TCPHangup = -7
)

// schedGranularity is the timing wheel bin width in seconds. At 128
// bins this gives roughly a 12.8-second horizon before a bin wraps,
// comfortably covering the ~10s scheduling scenario this protocol is
// tuned for.
const schedGranularity = 0.1

// Process is one O2 process's core: the directory, peer table, clock,
// two timing wheels, and the sockets that move bytes between peers.
// It is not safe for concurrent use from more than one goroutine at a
// time — like the protocol it implements, its public methods are
// meant to be called from a single polling goroutine; Run enforces
// this by owning that goroutine itself.
type Process struct {
	cfg    Config
	logger *zap.Logger
	metrics *Metrics

	dir    *directory.Directory
	peers  *peer.Store
	clk    *clock.Clock
	bus    *notify.Bus

	ltsched *schedule.Wheel
	gtsched *schedule.Wheel

	msgStore *message.Store

	data    *transport.UDPSocket
	dataTCP *transport.Listener
	disc    *discovery.Agent

	self *peer.Peer

	dataConns []*transport.Conn

	pendingDispatch []*message.Message
	pendingMu       sync.Mutex

	stop chan struct{}
	wg   sync.WaitGroup

	localTime func() float64
}

// New initializes the process singleton: opens its transport sockets,
// builds an empty directory and peer table, and starts the
// discovery agent. It does not start polling; call Run or Poll
// yourself.
func New(cfg Config, logger *zap.Logger, metrics *Metrics) (*Process, error) {
	if cfg.Ensemble == "" {
		return nil, errors.New("process: ensemble name must not be empty")
	}

	data, err := transport.ListenUDP(addrWithPort(cfg.BindAddress, cfg.DataPort))
	if err != nil {
		return nil, errors.Wrap(err, "failed to open data socket")
	}

	dataTCP, err := transport.ListenTCP(addrWithPort(cfg.BindAddress, cfg.DataTCPPort))
	if err != nil {
		data.Close()
		return nil, errors.Wrap(err, "failed to open data tcp listener")
	}

	self := &peer.Peer{
		PeerID:      cfg.PeerID,
		DataAddr:    data.LocalAddr().String(),
		DataTCPAddr: dataTCP.Addr().String(),
	}

	p := &Process{
		cfg:       cfg,
		logger:    logger,
		metrics:   metrics,
		dir:       directory.New(),
		bus:       notify.New(),
		ltsched:   schedule.New(schedGranularity),
		gtsched:   schedule.New(schedGranularity),
		msgStore:  message.NewStore(message.DefaultAllocator),
		data:      data,
		dataTCP:   dataTCP,
		self:      self,
		stop:      make(chan struct{}),
		localTime: func() float64 { return float64(time.Now().UnixNano()) / 1e9 },
	}
	peers, err := peer.New(p.bus)
	if err != nil {
		data.Close()
		dataTCP.Close()
		return nil, errors.Wrap(err, "failed to build peer table")
	}
	p.peers = peers
	p.clk = clock.New(cfg.PeerID)

	disc, err := discovery.New(logger, cfg.Ensemble, self, p.serviceNames, peers, cfg.DiscoveryPort, cfg.TCPPort)
	if err != nil {
		data.Close()
		dataTCP.Close()
		return nil, errors.Wrap(err, "failed to start discovery agent")
	}
	p.disc = disc

	p.peers.On(peer.PeerAdded, p.onPeerUpserted)
	p.peers.On(peer.PeerUpdated, p.onPeerUpserted)
	p.peers.On(peer.PeerRemoved, p.onPeerRemoved)

	return p, nil
}

func addrWithPort(bindAddr string, port int) string {
	return fmt.Sprintf("%s:%d", bindAddr, port)
}

func resolveUDPAddr(addr string) (*net.UDPAddr, error) {
	return net.ResolveUDPAddr("udp4", addr)
}

// SetClock installs a local time source, promoting this process to a
// master candidate.
func (p *Process) SetClock(src clock.Source) {
	p.clk.SetSource(src)
	p.self.IsMasterCandidate = true
}

// serviceNames lists every currently-registered service name, for the
// discovery agent to broadcast and replicate.
func (p *Process) serviceNames() []string {
	svcs := p.dir.Services()
	names := make([]string, 0, len(svcs))
	for _, s := range svcs {
		if s.Kind == directory.KindLocal {
			names = append(names, s.Name)
		}
	}
	return names
}

// AddService registers a local service by name.
func (p *Process) AddService(name string) (*directory.Service, error) {
	return p.dir.AddService(name, directory.KindLocal, "")
}

// AddMethod installs a handler under a local service's address.
func (p *Process) AddMethod(address, typespec string, hasTypespec, coerce, parse bool, handler directory.Handler, userData interface{}) (*directory.Method, error) {
	return p.dir.AddMethod(address, typespec, hasTypespec, coerce, parse, handler, userData)
}

// Status reports the external status code for a named service, or
// Fail if the name is unknown.
func (p *Process) Status(name string) directory.Status {
	svc, ok := p.dir.Service(name)
	if !ok {
		return directory.StatusFail
	}
	return svc.Status()
}

// Services lists every known service for introspection.
func (p *Process) Services() []*directory.Service {
	return p.dir.Services()
}

// onPeerUpserted merges a discovered or updated peer's advertised
// services into the directory as KindRemoteO2 entries, and drops any
// remote entry previously attributed to this peer that is no longer
// advertised.
func (p *Process) onPeerUpserted(pr *peer.Peer) {
	remaining := p.servicesByPeer(pr.PeerID)
	for name := range pr.Services {
		if _, ok := remaining[name]; ok {
			delete(remaining, name)
			continue
		}
		if _, exists := p.dir.Service(name); exists {
			p.logger.Warn("remote service name collides with an existing entry",
				zap.String("service", name), zap.String("peer_id", pr.PeerID))
			continue
		}
		if _, err := p.dir.AddService(name, directory.KindRemoteO2, pr.PeerID); err != nil {
			p.logger.Warn("failed to register remote service",
				zap.String("service", name), zap.String("peer_id", pr.PeerID), zap.Error(err))
		}
	}
	for name := range remaining {
		p.dir.RemoveService(name)
	}
}

func (p *Process) onPeerRemoved(pr *peer.Peer) {
	for name := range p.servicesByPeer(pr.PeerID) {
		p.dir.RemoveService(name)
	}
}

func (p *Process) servicesByPeer(peerID string) map[string]*directory.Service {
	out := make(map[string]*directory.Service)
	for _, svc := range p.dir.Services() {
		if svc.Kind == directory.KindRemoteO2 && svc.PeerID == peerID {
			out[svc.Name] = svc
		}
	}
	return out
}

// Send transmits a best-effort message: UDP if it fits a datagram,
// promoted to TCP automatically if not. timestamp 0 means deliver as
// soon as possible.
func (p *Process) Send(address string, timestamp float64, typetag string, args ...interface{}) int {
	return p.send(address, timestamp, typetag, args, false)
}

// SendCmd transmits a reliable message, always over TCP to a remote
// peer (local delivery is unaffected by transport, since it never
// leaves the process).
func (p *Process) SendCmd(address string, timestamp float64, typetag string, args ...interface{}) int {
	return p.send(address, timestamp, typetag, args, true)
}

func (p *Process) send(address string, timestamp float64, typetag string, args []interface{}, reliable bool) int {
	msg, err := buildMessage(p.msgStore, timestamp, address, typetag, args)
	if err != nil {
		p.logger.Debug("failed to build message", zap.String("address", address), zap.Error(err))
		return Fail
	}
	return p.dispatch(msg, reliable)
}

// Schedule hands a message to the local-time wheel for future
// delivery; unlike Send/SendCmd it does not require clock
// synchronization, since it only ever fires locally.
func (p *Process) Schedule(address string, timestamp float64, typetag string, args ...interface{}) int {
	msg, err := buildMessage(p.msgStore, timestamp, address, typetag, args)
	if err != nil {
		return Fail
	}
	if timestamp <= 0 {
		return p.dispatch(msg, false)
	}
	p.ltsched.Schedule(msg, timestamp)
	return Success
}

func (p *Process) dispatch(msg *message.Message, reliable bool) int {
	svc, segs, err := p.dir.Resolve(msg.Address)
	if err != nil {
		p.metrics.MessagesDropped.WithLabelValues("unresolved").Inc()
		return Fail
	}

	// A future timestamp only gates local delivery: the global clock
	// it's measured against is shared ensemble-wide, so a remote
	// destination schedules the message itself once it arrives there.
	// Scheduling it again here would double the delay.
	if msg.Timestamp > 0 && svc.Kind == directory.KindLocal {
		if p.clk.GetTime() < 0 {
			p.metrics.MessagesDropped.WithLabelValues("clock_not_synced").Inc()
			return Fail
		}
		p.gtsched.Schedule(msg, msg.Timestamp)
		return Success
	}

	return p.deliverNow(svc, segs, msg, reliable)
}

func (p *Process) deliverNow(svc *directory.Service, segs []string, msg *message.Message, reliable bool) int {
	switch svc.Kind {
	case directory.KindLocal:
		invoked := p.dir.DispatchLocal(svc, segs, msg)
		p.metrics.MessagesDispatched.WithLabelValues(svc.Name).Add(float64(invoked))
		return Success
	case directory.KindRemoteO2:
		return p.forward(svc, msg, reliable)
	default:
		// Bridge and OSC-forwarder services are reserved extension
		// points; nothing implements their wire format here.
		p.metrics.MessagesDropped.WithLabelValues("unimplemented_kind").Inc()
		return Fail
	}
}

func (p *Process) forward(svc *directory.Service, msg *message.Message, reliable bool) int {
	pr, err := p.peers.ByID(svc.PeerID)
	if err != nil {
		p.metrics.MessagesDropped.WithLabelValues("peer_unknown").Inc()
		return Fail
	}
	payload, err := message.EncodeMessage(p.msgStore, msg)
	if err != nil {
		p.metrics.MessagesDropped.WithLabelValues("encode_failed").Inc()
		return Fail
	}
	if !reliable && len(payload) <= 1200 {
		addr, err := resolveUDPAddr(pr.DataAddr)
		if err == nil && p.data.SendTo(addr, payload) == nil {
			p.msgStore.Recycle(msg)
			p.metrics.MessagesDispatched.WithLabelValues(svc.Name).Inc()
			return Success
		}
	}
	conn, err := transport.Dial(pr.DataTCPAddr)
	if err != nil {
		p.metrics.MessagesDropped.WithLabelValues("dial_failed").Inc()
		return Fail
	}
	defer conn.Close()
	if err := conn.Send(payload); err != nil {
		p.metrics.MessagesDropped.WithLabelValues("send_failed").Inc()
		return Fail
	}
	p.msgStore.Recycle(msg)
	p.metrics.MessagesDispatched.WithLabelValues(svc.Name).Inc()
	return Success
}

func buildMessage(store *message.Store, timestamp float64, address, typetag string, args []interface{}) (*message.Message, error) {
	b, err := store.Start()
	if err != nil {
		return nil, err
	}
	if len(typetag) != len(args) {
		b.Abort()
		return nil, errors.New("process: typetag/argument count mismatch")
	}
	for i, t := range typetag {
		if err := addArg(b, byte(t), args[i]); err != nil {
			b.Abort()
			return nil, err
		}
	}
	return b.Finish(timestamp, address)
}

func addArg(b *message.Builder, t byte, v interface{}) error {
	switch t {
	case message.TypeInt32:
		i, ok := v.(int32)
		if !ok {
			return errors.Errorf("process: arg for typetag %q must be int32", t)
		}
		b.AddInt32(i)
	case message.TypeInt64:
		h, ok := v.(int64)
		if !ok {
			return errors.Errorf("process: arg for typetag %q must be int64", t)
		}
		b.AddInt64(h)
	case message.TypeFloat32:
		f, ok := v.(float32)
		if !ok {
			return errors.Errorf("process: arg for typetag %q must be float32", t)
		}
		b.AddFloat32(f)
	case message.TypeFloat64, message.TypeTimetag:
		d, ok := v.(float64)
		if !ok {
			return errors.Errorf("process: arg for typetag %q must be float64", t)
		}
		if t == message.TypeTimetag {
			b.AddTimetag(d)
		} else {
			b.AddFloat64(d)
		}
	case message.TypeString:
		s, ok := v.(string)
		if !ok {
			return errors.Errorf("process: arg for typetag %q must be string", t)
		}
		b.AddString(s)
	case message.TypeSymbol:
		s, ok := v.(string)
		if !ok {
			return errors.Errorf("process: arg for typetag %q must be string", t)
		}
		b.AddSymbol(s)
	case message.TypeBlob:
		if blob, ok := v.(message.Blob); ok {
			b.AddBlob(blob.Bytes())
			break
		}
		raw, ok := v.([]byte)
		if !ok {
			return errors.Errorf("process: arg for typetag %q must be message.Blob or []byte", t)
		}
		b.AddBlob(raw)
	case message.TypeChar:
		c, ok := v.(int32)
		if !ok {
			return errors.Errorf("process: arg for typetag %q must be int32", t)
		}
		b.AddChar(c)
	case message.TypeMidi:
		m, ok := v.([4]byte)
		if !ok {
			return errors.Errorf("process: arg for typetag %q must be [4]byte", t)
		}
		b.AddMidi(m)
	case message.TypeTrue:
		b.AddTrue()
	case message.TypeFalse:
		b.AddFalse()
	case message.TypeNil:
		b.AddNil()
	case message.TypeInfinity:
		b.AddInfinitum()
	case message.TypeBool:
		bv, ok := v.(bool)
		if !ok {
			return errors.Errorf("process: arg for typetag %q must be bool", t)
		}
		b.AddBool(bv)
	default:
		return errors.Errorf("process: unknown typetag code %q", t)
	}
	return nil
}
