// Package signaling implements the WebSocket signaling relay.
//
// Each intercom client keeps one persistent bidirectional channel to the
// hub. The hub assigns a fresh session id on connect, relays call-setup
// envelopes (offer, answer, candidate) point-to-point, and broadcasts
// join and leave events. Delivery is fire-and-forget: an envelope
// addressed to a peer with no open channel is dropped silently, with no
// retry and no queuing.
package signaling

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/gravityyfh/omega-intercom/registry"
)

// sendQueueSize bounds the per-client writer queue. A slow reader sheds
// envelopes rather than stalling the hub.
const sendQueueSize = 64

// maxEnvelopeSize caps inbound messages; SDP blobs stay well under this.
const maxEnvelopeSize = 64 * 1024

// Keepalive timing. A peer that answers no ping within pongWait is
// treated as departed, so ghosts that vanish without a TCP FIN do not
// linger in the hub. Vars so tests can shrink the window.
var (
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	writeWait  = 10 * time.Second
)

// Hub relays signaling envelopes between connected peers.
type Hub struct {
	mu       sync.Mutex
	clients  map[string]*client
	reg      *registry.Registry
	upgrader websocket.Upgrader
}

// client is one connected peer: its socket and outbound queue.
type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	gone sync.Once
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		clients: make(map[string]*client),
		reg:     registry.New(nil),
		upgrader: websocket.Upgrader{
			// The hub fronts devices on arbitrary networks.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// PeerCount returns the number of connected peers.
func (h *Hub) PeerCount() int {
	return h.reg.Len()
}

// ServeHTTP upgrades the request and runs the peer session until the
// connection closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logrus.WithError(err).Warn("Signaling upgrade failed")
		return
	}

	c := &client{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, sendQueueSize),
	}
	h.register(c)

	logrus.WithField("peer", c.id).Info("Signaling peer connected")

	go c.writePump()
	h.readPump(c)
}

// register snapshots the current peer list, queues the welcome envelope
// and adds the newcomer. The welcome list never includes the newcomer
// itself.
func (h *Hub) register(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	peers := make([]PeerInfo, 0, len(h.clients))
	for _, entry := range h.reg.All() {
		peers = append(peers, PeerInfo{ID: entry.Identity, Name: entry.DisplayName})
	}
	c.queue(&Envelope{Type: TypeWelcome, ID: c.id, Peers: peers})

	h.clients[c.id] = c
	h.reg.Upsert(c.id, nil)
	h.reg.SetPresence(c.id, c.id, "Anonymous")
}

// unregister removes the peer and tells everyone else it left. It runs
// exactly once per connection whether the close was clean or an error.
func (h *Hub) unregister(c *client) {
	c.gone.Do(func() {
		h.mu.Lock()
		delete(h.clients, c.id)
		h.reg.Remove(c.id)
		close(c.send)
		h.mu.Unlock()

		_ = c.conn.Close()
		h.broadcast(&Envelope{Type: TypePeerLeft, ID: c.id}, c.id)

		logrus.WithField("peer", c.id).Info("Signaling peer disconnected")
	})
}

// readPump consumes envelopes until the connection dies or the peer
// stops answering pings.
func (h *Hub) readPump(c *client) {
	defer h.unregister(c)

	c.conn.SetReadLimit(maxEnvelopeSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logrus.WithError(err).WithField("peer", c.id).Debug("Signaling read error")
			}
			return
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			// Malformed bodies never take the session down.
			logrus.WithError(err).WithField("peer", c.id).Warn("Malformed signaling message")
			continue
		}
		h.dispatch(c, &env)
	}
}

// dispatch routes one inbound envelope.
func (h *Hub) dispatch(c *client, env *Envelope) {
	switch env.Type {
	case TypeAnnounce:
		h.reg.SetPresence(c.id, c.id, env.Name)
		h.broadcast(&Envelope{Type: TypePeerJoined, ID: c.id, Name: env.Name}, c.id)
		logrus.WithFields(logrus.Fields{
			"peer": c.id,
			"name": env.Name,
		}).Info("Peer announced")

	case TypeOffer, TypeAnswer, TypeCandidate:
		h.forward(env)

	default:
		logrus.WithFields(logrus.Fields{
			"peer": c.id,
			"type": env.Type,
		}).Debug("Ignoring unknown signaling type")
	}
}

// forward delivers a handshake envelope to its named target, or drops it
// silently when the target has no open channel.
func (h *Hub) forward(env *Envelope) {
	h.mu.Lock()
	target, ok := h.clients[env.To]
	if ok {
		target.queue(&Envelope{
			Type:      env.Type,
			From:      env.From,
			SDP:       env.SDP,
			Candidate: env.Candidate,
		})
	}
	h.mu.Unlock()

	if !ok {
		logrus.WithFields(logrus.Fields{
			"type": env.Type,
			"to":   env.To,
		}).Debug("Dropping envelope for absent peer")
	}
}

// broadcast queues env for every connected peer except exclude.
func (h *Hub) broadcast(env *Envelope, exclude string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for id, c := range h.clients {
		if id == exclude {
			continue
		}
		c.queue(env)
	}
}

// queue marshals and enqueues an envelope without blocking. A full queue
// sheds the envelope; signaling is fire-and-forget end to end.
func (c *client) queue(env *Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		logrus.WithError(err).Warn("Failed to marshal signaling envelope")
		return
	}
	select {
	case c.send <- data:
	default:
		logrus.WithField("peer", c.id).Warn("Signaling send queue full, dropping envelope")
	}
}

// writePump owns all writes to the socket, as the websocket library
// requires a single concurrent writer. It also drives the keepalive
// pings whose pongs refresh the read deadline.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				logrus.WithError(err).WithField("peer", c.id).Debug("Signaling write error")
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
