package process

import (
	"net"

	"go.uber.org/zap"

	"github.com/aaronvark/o2/message"
)

// clockGetAddress and clockPutAddress are the reserved internal
// addresses the clock subsystem's probe RPC runs over; neither is
// ever routed through the service directory.
const (
	clockGetAddress = "/_o2/cs/get"
	clockPutAddress = "/_o2/cs/put"
)

// sendClockProbe issues a clock-get probe to the current master over
// UDP, recording its send time so the eventual clock-put reply can be
// turned into a round-trip sample.
func (p *Process) sendClockProbe(now float64) {
	masterID := p.clk.MasterPeerID()
	if masterID == "" || masterID == p.cfg.PeerID {
		return
	}
	master, err := p.peers.ByID(masterID)
	if err != nil {
		return
	}
	addr, err := resolveUDPAddr(master.DataAddr)
	if err != nil {
		return
	}

	p.clk.BeginProbe(now)
	msg, err := buildMessage(p.msgStore, 0, clockGetAddress, "is", []interface{}{int32(0), p.cfg.PeerID})
	if err != nil {
		return
	}
	payload, err := message.EncodeMessage(p.msgStore, msg)
	if err != nil {
		return
	}
	if err := p.data.SendTo(addr, payload); err != nil {
		p.logger.Debug("clock probe send failed", zap.Error(err))
	} else {
		p.msgStore.Recycle(msg)
	}
}

// handleClockMessage answers a clock-get probe (if this process is
// master) or folds a clock-put reply into the clock subsystem's
// sample ring (if this process was the requester). from is the UDP
// source address of the datagram the message arrived on.
func (p *Process) handleClockMessage(msg *message.Message, from *net.UDPAddr) {
	switch msg.Address {
	case clockGetAddress:
		if !p.clk.IsMaster() {
			return
		}
		reply, err := buildMessage(p.msgStore, 0, clockPutAddress, "id", []interface{}{int32(0), p.clk.GetTime()})
		if err != nil {
			return
		}
		payload, err := message.EncodeMessage(p.msgStore, reply)
		if err != nil {
			return
		}
		if err := p.data.SendTo(from, payload); err != nil {
			p.logger.Debug("clock reply send failed", zap.Error(err))
		} else {
			p.msgStore.Recycle(reply)
		}
	case clockPutAddress:
		if len(msg.Args) != 2 {
			return
		}
		masterTime := msg.Args[1].D
		p.clk.CompleteProbe(p.localTime(), masterTime)
	}
}
