package process

import (
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/aaronvark/o2/directory"
	"github.com/aaronvark/o2/message"
	"github.com/aaronvark/o2/schedule"
)

// Poll performs one pass of the core loop: drain ready sockets, tick
// discovery, tick the clock, sweep both timing wheels, and drain the
// pending-dispatch queue accumulated by handlers scheduling new
// messages during the sweep. It does not wait for input to arrive;
// dialing a newly discovered peer's handshake listener and forwarding
// to a remote service over TCP are synchronous, each bounded by a
// 5-second timeout.
func (p *Process) Poll() {
	start := time.Now()
	defer func() {
		p.metrics.PollDuration.Observe(time.Since(start).Seconds())
	}()

	p.drainDataSocket()
	p.disc.Poll(time.Now())
	p.tickClock()
	p.syncServiceStatus()

	local := p.localTime()
	for _, msg := range p.ltsched.Sweep(local) {
		p.enqueuePending(msg)
	}

	if gt := p.clk.GetTime(); gt >= 0 {
		for _, msg := range p.gtsched.Sweep(gt) {
			p.enqueuePending(msg)
		}
	}

	p.drainPending()
	p.acceptDataConns()
	p.drainDataConns()
	if all, err := p.peers.All(); err == nil {
		p.metrics.Peers.Set(float64(len(all)))
	}
}

// enqueuePending defers dispatch of a message due off a scheduler
// sweep until after the sweep finishes, so a handler scheduling a
// new message during dispatch never recurses into the dispatch path.
func (p *Process) enqueuePending(msg *message.Message) {
	p.pendingMu.Lock()
	p.pendingDispatch = append(p.pendingDispatch, msg)
	p.pendingMu.Unlock()
}

func (p *Process) drainPending() {
	p.pendingMu.Lock()
	due := p.pendingDispatch
	p.pendingDispatch = nil
	p.pendingMu.Unlock()

	for _, msg := range due {
		svc, segs, err := p.dir.Resolve(msg.Address)
		if err != nil {
			p.metrics.MessagesDropped.WithLabelValues("unresolved").Inc()
			continue
		}
		p.deliverNow(svc, segs, msg, false)
	}
}

func (p *Process) drainDataSocket() {
	for {
		select {
		case dg, ok := <-p.data.Inbound:
			if !ok {
				return
			}
			p.handleInbound(dg.Data, dg.From)
		default:
			return
		}
	}
}

func (p *Process) handleInbound(raw []byte, from *net.UDPAddr) {
	msg, err := message.DecodeMessage(raw)
	if err != nil {
		p.logger.Debug("dropping malformed inbound message", zap.Error(err))
		p.metrics.MessagesDropped.WithLabelValues("malformed").Inc()
		return
	}
	if msg.Address == clockGetAddress || msg.Address == clockPutAddress {
		p.handleClockMessage(msg, from)
		return
	}
	svc, segs, err := p.dir.Resolve(msg.Address)
	if err != nil {
		p.metrics.MessagesDropped.WithLabelValues("unresolved").Inc()
		return
	}
	if msg.Timestamp > 0 {
		p.dispatch(msg, false)
		return
	}
	p.deliverNow(svc, segs, msg, false)
}

// acceptDataConns moves newly accepted reliable-delivery connections
// off the listener's background-fed channel and into the tracked
// connection list, without blocking if none are waiting.
func (p *Process) acceptDataConns() {
	for {
		select {
		case conn, ok := <-p.dataTCP.Accepted:
			if !ok {
				return
			}
			p.dataConns = append(p.dataConns, conn)
		default:
			return
		}
	}
}

// drainDataConns drains every pending frame off each tracked
// connection's Inbound channel without blocking, and drops
// connections whose read loop has exited.
func (p *Process) drainDataConns() {
	live := p.dataConns[:0]
	for _, conn := range p.dataConns {
		closed := false
	drain:
		for {
			select {
			case frame, ok := <-conn.Inbound:
				if !ok {
					closed = true
					break drain
				}
				p.handleReliableFrame(frame)
			default:
				break drain
			}
		}
		if closed {
			continue
		}
		live = append(live, conn)
	}
	p.dataConns = live
}

// handleReliableFrame decodes a frame received over the data TCP
// listener and dispatches it exactly as an inbound UDP datagram would
// be, except it is never eligible for the unreliable fast path.
func (p *Process) handleReliableFrame(frame []byte) {
	msg, err := message.DecodeMessage(frame)
	if err != nil {
		p.logger.Debug("dropping malformed reliable frame", zap.Error(err))
		p.metrics.MessagesDropped.WithLabelValues("malformed").Inc()
		return
	}
	if msg.Address == clockGetAddress || msg.Address == clockPutAddress {
		return
	}
	svc, segs, err := p.dir.Resolve(msg.Address)
	if err != nil {
		p.metrics.MessagesDropped.WithLabelValues("unresolved").Inc()
		return
	}
	if msg.Timestamp > 0 {
		p.dispatch(msg, true)
		return
	}
	p.deliverNow(svc, segs, msg, true)
}

func (p *Process) tickClock() {
	p.clk.ReconcileElection(p.peers)
	p.clk.SlewSkew(0.005) // approximate inter-poll interval; bounded either way

	now := p.localTime()
	if p.clk.ShouldProbe(now) {
		p.sendClockProbe(now)
	}

	if mean, min, ok := p.clk.Roundtrip(); ok {
		p.metrics.ClockRoundtrip.Set(min)
		_ = mean
	}
	p.metrics.ClockOffset.Set(p.clk.GetTime() - now)
}

func (p *Process) syncServiceStatus() {
	globalDefined := p.clk.GetTime() >= 0
	for _, svc := range p.dir.Services() {
		switch svc.Kind {
		case directory.KindLocal:
			svc.Synced = globalDefined
		case directory.KindRemoteO2:
			if pr, err := p.peers.ByID(svc.PeerID); err == nil {
				svc.Synced = pr.Clock.HasSync
			}
		}
	}
}

// Run drives Poll at the given rate (Hz) until Stop is called.
func (p *Process) Run(rate float64) {
	if rate <= 0 {
		rate = 200
	}
	interval := time.Duration(float64(time.Second) / rate)
	p.wg.Add(1)
	defer p.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.Poll()
		}
	}
}

// Stop signals Run to return and waits for it to do so.
func (p *Process) Stop() {
	close(p.stop)
	p.wg.Wait()
}

// Finish tears down every subsystem: sockets, discovery agent, and
// pending timers (both timing wheels are replaced by empty ones). It does not call Stop; callers running via Run
// must Stop before Finish.
func (p *Process) Finish() error {
	p.data.Close()
	for _, conn := range p.dataConns {
		conn.Close()
	}
	p.dataTCP.Close()
	p.ltsched = schedule.New(schedGranularity)
	p.gtsched = schedule.New(schedGranularity)
	p.msgStore.Destroy()
	return p.disc.Close()
}
