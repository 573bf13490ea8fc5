package signaling

import "encoding/json"

// Envelope types. The welcome, peer-joined and peer-left envelopes are
// server-originated; announce, offer, answer and candidate come from
// clients.
const (
	TypeWelcome    = "welcome"
	TypeAnnounce   = "announce"
	TypePeerJoined = "peer-joined"
	TypePeerLeft   = "peer-left"
	TypeOffer      = "offer"
	TypeAnswer     = "answer"
	TypeCandidate  = "candidate"
)

// PeerInfo is one entry of the welcome peer list.
type PeerInfo struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Envelope is the signaling message structure. SDP and candidate blobs
// are relayed opaquely; the hub never interprets them.
type Envelope struct {
	Type      string          `json:"type"`
	From      string          `json:"from,omitempty"`
	To        string          `json:"to,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	SDP       json.RawMessage `json:"sdp,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
	Peers     []PeerInfo      `json:"peers,omitempty"`
}
