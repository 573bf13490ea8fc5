// Package relay implements the UDP audio relay hub.
//
// The relay receives datagrams from every intercom client, tracks senders
// in a peer registry keyed by remote address, and fans each payload out to
// all other known peers. Audio payloads pass through untouched; the small
// control vocabulary (presence, peer count, departure) is defined in the
// protocol package. Peers that stay silent past a TTL are purged by a
// periodic sweep.
package relay

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/gravityyfh/omega-intercom/protocol"
	"github.com/gravityyfh/omega-intercom/registry"
)

const (
	// DefaultPort is the canonical intercom relay port.
	DefaultPort = 55667

	// DefaultSweepInterval is how often the stale-peer sweep runs.
	DefaultSweepInterval = 5 * time.Second

	readTimeout = 100 * time.Millisecond

	// maxDatagram is the standard maximum UDP packet size. Frame length
	// is sender-driven, so the relay must never clip a payload it will
	// forward verbatim.
	maxDatagram = 65535
)

// Config controls a Relay instance. Zero values select the defaults,
// except Port, where zero binds an ephemeral port (useful in tests);
// the CLI applies DefaultPort.
type Config struct {
	// Host is the bind address. Empty means all interfaces.
	Host string
	// Port is the UDP port.
	Port int
	// TTL is the silence window after which a peer is purged.
	// Zero means registry.DefaultTTL.
	TTL time.Duration
	// SweepInterval is the purge cadence. Zero means DefaultSweepInterval.
	SweepInterval time.Duration
	// TimeProvider overrides the clock used for liveness tracking.
	// Nil means the system clock.
	TimeProvider registry.TimeProvider
}

// Stats holds relay counters. Values are cumulative since start.
type Stats struct {
	DatagramsReceived uint64
	DatagramsRelayed  uint64
	ControlFrames     uint64
	SendFailures      uint64
}

// Relay is the UDP hub. It owns the socket, the peer registry and the
// sweep goroutine.
type Relay struct {
	conn          net.PacketConn
	reg           *registry.Registry
	ttl           time.Duration
	sweepInterval time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	datagramsReceived atomic.Uint64
	datagramsRelayed  atomic.Uint64
	controlFrames     atomic.Uint64
	sendFailures      atomic.Uint64
}

// New binds the relay socket and starts the receive and sweep loops.
// A bind failure is returned to the caller; the relay has no purpose
// without its listening socket.
func New(cfg Config) (*Relay, error) {
	if cfg.TTL == 0 {
		cfg.TTL = registry.DefaultTTL
	}
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}

	listenAddr := net.JoinHostPort(cfg.Host, fmt.Sprintf("%d", cfg.Port))
	conn, err := net.ListenPacket("udp", listenAddr)
	if err != nil {
		return nil, fmt.Errorf("bind %s: %w", listenAddr, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Relay{
		conn:          conn,
		reg:           registry.New(cfg.TimeProvider),
		ttl:           cfg.TTL,
		sweepInterval: cfg.SweepInterval,
		ctx:           ctx,
		cancel:        cancel,
	}

	logrus.WithFields(logrus.Fields{
		"addr":  conn.LocalAddr().String(),
		"ttl":   r.ttl,
		"sweep": r.sweepInterval,
	}).Info("Intercom UDP relay listening")

	r.wg.Add(2)
	go r.readLoop()
	go r.sweepLoop()
	return r, nil
}

// LocalAddr returns the bound socket address.
func (r *Relay) LocalAddr() net.Addr {
	return r.conn.LocalAddr()
}

// PeerCount returns the current registry size.
func (r *Relay) PeerCount() int {
	return r.reg.Len()
}

// Stats returns a snapshot of the relay counters.
func (r *Relay) Stats() Stats {
	return Stats{
		DatagramsReceived: r.datagramsReceived.Load(),
		DatagramsRelayed:  r.datagramsRelayed.Load(),
		ControlFrames:     r.controlFrames.Load(),
		SendFailures:      r.sendFailures.Load(),
	}
}

// Close stops both loops and releases the socket. Safe to call more
// than once.
func (r *Relay) Close() error {
	r.cancel()
	err := r.conn.Close()
	r.wg.Wait()
	return err
}

// readLoop receives datagrams until the relay is closed. Reads use a
// short deadline so cancellation is observed promptly.
func (r *Relay) readLoop() {
	defer r.wg.Done()

	buffer := make([]byte, maxDatagram)
	for {
		select {
		case <-r.ctx.Done():
			return
		default:
		}

		_ = r.conn.SetReadDeadline(time.Now().Add(readTimeout))
		n, addr, err := r.conn.ReadFrom(buffer)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			if r.ctx.Err() != nil {
				return
			}
			logrus.WithError(err).Warn("Relay read error")
			continue
		}
		r.handleDatagram(buffer[:n], addr)
	}
}

// handleDatagram processes one inbound payload from addr. Registry
// mutation happens here and in the sweep only; both go through the
// registry lock, so they never interleave unsafely.
func (r *Relay) handleDatagram(payload []byte, addr net.Addr) {
	r.datagramsReceived.Add(1)
	sender := addr.String()

	_, isNew := r.reg.Upsert(sender, addr)
	if isNew {
		// Everyone, including the newcomer, learns the new count.
		r.broadcast(protocol.PeerCountMessage(r.reg.Len()))
		r.replayPresence(addr, sender)
	}

	if protocol.Classify(payload) == protocol.FrameControl {
		r.controlFrames.Add(1)
		msg, err := protocol.ParseControl(payload)
		if err == nil && msg.Kind == protocol.ControlPresence {
			r.reg.SetPresence(sender, msg.ID, msg.Name)
			r.reg.SetAnnounce(sender, payload)
			// Presence is the one frame echoed to its sender, so the
			// new peer can confirm it is registered.
			r.broadcast(payload)
			return
		}
		if err != nil {
			logrus.WithError(err).WithField("sender", sender).Debug("Unparseable control frame, forwarding as-is")
		}
	}

	r.forward(payload, sender)
}

// forward fans the payload out to every peer except the sender. A failed
// send is logged and skipped; only the TTL sweep removes peers, so a
// transient socket error is not treated as a departure.
func (r *Relay) forward(payload []byte, sender string) {
	fanout := 0
	for _, peer := range r.reg.All() {
		if peer.Identity == sender {
			continue
		}
		if _, err := r.conn.WriteTo(payload, peer.Address); err != nil {
			r.sendFailures.Add(1)
			logrus.WithError(err).WithField("peer", peer.Identity).Warn("Relay send failed")
			continue
		}
		fanout++
	}
	r.datagramsRelayed.Add(1)

	logrus.WithFields(logrus.Fields{
		"bytes":  len(payload),
		"sender": sender,
		"fanout": fanout,
	}).Debug("Relayed datagram")
}

// replayPresence sends the stored announce of every already-known peer
// to a newcomer, so late joiners start with a full presence snapshot.
// The replay uses the bytes exactly as the announcer sent them.
func (r *Relay) replayPresence(addr net.Addr, newcomer string) {
	for _, peer := range r.reg.All() {
		if peer.Identity == newcomer || len(peer.Announce) == 0 {
			continue
		}
		if _, err := r.conn.WriteTo(peer.Announce, addr); err != nil {
			r.sendFailures.Add(1)
			logrus.WithError(err).WithField("peer", newcomer).Warn("Presence replay send failed")
		}
	}
}

// broadcast sends payload to every known peer, the sender included.
func (r *Relay) broadcast(payload []byte) {
	for _, peer := range r.reg.All() {
		if _, err := r.conn.WriteTo(payload, peer.Address); err != nil {
			r.sendFailures.Add(1)
			logrus.WithError(err).WithField("peer", peer.Identity).Warn("Relay broadcast send failed")
		}
	}
}

// sweepLoop purges stale peers on a fixed cadence.
func (r *Relay) sweepLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.sweepStale()
		}
	}
}

// sweepStale removes peers silent past the TTL. Each removed peer that
// had announced a presence id yields one departure notice; any removal
// yields one updated peer count.
func (r *Relay) sweepStale() {
	removed := r.reg.SweepExpired(r.ttl)
	if len(removed) == 0 {
		return
	}
	for _, peer := range removed {
		if peer.PresenceID == "" {
			continue
		}
		r.broadcast(protocol.DepartureMessage(peer.PresenceID))
	}
	r.broadcast(protocol.PeerCountMessage(r.reg.Len()))
}
