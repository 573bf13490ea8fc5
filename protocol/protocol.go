// Package protocol implements the intercom wire protocol shared by the
// relay server and its clients.
//
// Every datagram on the wire is either an opaque audio frame or a small
// textual control frame. Control frames are UTF-8 strings of the form
//
//	ICSV1|<KIND>|<fields...>
//
// where KIND is one of PRES (presence announce), PEERS (peer-count
// broadcast) and GONE (departure notice). Anything that does not carry the
// two-byte magic and the full version prefix is an audio payload and is
// forwarded verbatim; the relay never inspects or mutates audio bytes.
//
// Example:
//
//	switch protocol.Classify(payload) {
//	case protocol.FrameControl:
//	    msg, err := protocol.ParseControl(payload)
//	    ...
//	case protocol.FrameAudio:
//	    // fan out untouched
//	}
package protocol

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Version is the control-frame version prefix. The first two bytes double
// as the classification magic.
const Version = "ICSV1"

// minControlLen is the shortest possible control frame ("ICSV1|").
const minControlLen = 6

// FrameKind classifies a raw datagram payload.
type FrameKind uint8

const (
	// FrameAudio is an opaque PCM payload, forwarded without inspection.
	FrameAudio FrameKind = iota
	// FrameControl is a versioned textual control message.
	FrameControl
)

// ControlKind identifies the control message type.
type ControlKind string

const (
	// ControlPresence announces a peer's chosen id and display name.
	// It is the only frame echoed back to its sender.
	ControlPresence ControlKind = "PRES"
	// ControlPeerCount carries the current registry size. Server-originated.
	ControlPeerCount ControlKind = "PEERS"
	// ControlDeparture carries the presence id of an expired peer.
	// Server-originated.
	ControlDeparture ControlKind = "GONE"
)

// ErrNotControl is returned by ParseControl for payloads that classify
// as audio.
var ErrNotControl = errors.New("payload is not a control frame")

// ControlMessage is a parsed control frame.
type ControlMessage struct {
	Kind ControlKind

	// ID is the peer presence id (PRES, GONE).
	ID string
	// Name is the peer display name (PRES). May contain '|'.
	Name string
	// Count is the registry size (PEERS).
	Count int
}

// Classify reports whether a payload is audio or a control frame.
// Only the two-byte magic and the version prefix are examined.
func Classify(payload []byte) FrameKind {
	if len(payload) < minControlLen || payload[0] != 'I' || payload[1] != 'C' {
		return FrameAudio
	}
	if !strings.HasPrefix(string(payload[:minControlLen]), Version+"|") {
		return FrameAudio
	}
	return FrameControl
}

// ParseControl decodes a control frame. Payloads that classify as audio
// yield ErrNotControl; frames with a recognized prefix but a malformed
// body yield a descriptive error so callers can log and discard them.
func ParseControl(payload []byte) (*ControlMessage, error) {
	if Classify(payload) != FrameControl {
		return nil, ErrNotControl
	}

	fields := strings.Split(string(payload), "|")
	if len(fields) < 2 || fields[1] == "" {
		return nil, errors.New("control frame missing kind")
	}

	switch ControlKind(fields[1]) {
	case ControlPresence:
		if len(fields) < 3 {
			return nil, errors.New("presence frame missing id")
		}
		// The display name may itself contain '|'; everything after the
		// id belongs to it.
		return &ControlMessage{
			Kind: ControlPresence,
			ID:   fields[2],
			Name: strings.Join(fields[3:], "|"),
		}, nil

	case ControlPeerCount:
		if len(fields) < 3 {
			return nil, errors.New("peer-count frame missing count")
		}
		n, err := strconv.Atoi(fields[2])
		if err != nil {
			return nil, fmt.Errorf("peer-count frame has bad count %q: %w", fields[2], err)
		}
		return &ControlMessage{Kind: ControlPeerCount, Count: n}, nil

	case ControlDeparture:
		if len(fields) < 3 {
			return nil, errors.New("departure frame missing id")
		}
		return &ControlMessage{Kind: ControlDeparture, ID: fields[2]}, nil

	default:
		return nil, fmt.Errorf("unknown control kind %q", fields[1])
	}
}

// PresenceMessage encodes a PRES frame.
func PresenceMessage(id, name string) []byte {
	return []byte(Version + "|" + string(ControlPresence) + "|" + id + "|" + name)
}

// PeerCountMessage encodes a PEERS frame for n registered peers.
func PeerCountMessage(n int) []byte {
	return []byte(Version + "|" + string(ControlPeerCount) + "|" + strconv.Itoa(n))
}

// DepartureMessage encodes a GONE frame for the given presence id.
func DepartureMessage(id string) []byte {
	return []byte(Version + "|" + string(ControlDeparture) + "|" + id)
}
