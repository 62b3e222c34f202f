// Package peerconn implements one peer connection's state machine and wire
// protocol handling, grounded on the teacher's netadapter.go per-connection
// send/receive goroutine pair and peer/log.go's subsystem logger + spawn
// wrapper.
package peerconn

import "time"

// PeerInfo describes a connected peer as advertised in an addr response.
type PeerInfo struct {
	ID       string
	Host     string
	Port     int
	LastSeen time.Time
}

// State is a peer connection's handshake/lifecycle stage.
type State int32

// States, exactly as spec.md §4.8 names them.
const (
	StateNew State = iota
	StateVersionSent
	StateVerified
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateVersionSent:
		return "version_sent"
	case StateVerified:
		return "verified"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Tuning constants, exactly as spec.md §4.8/§4.9 names them.
const (
	// Heartbeat is the server-side ping interval.
	Heartbeat = 60 * time.Second
	// GetAddrInterval is the periodic getaddr solicitation interval.
	GetAddrInterval = 60 * time.Second
	// PeerTimeout is the idle duration after which a peer is expelled from
	// an addr response.
	PeerTimeout = 120 * time.Second
	// MaxPeers bounds the manager's connection table.
	MaxPeers = 300
	// RejectStateDuration bounds how long a reject-memory entry is kept.
	RejectStateDuration = 60 * time.Second
)
