// Package visitor implements the per-visitor socket pump (spec section 4.5),
// shared by the broker and agent sessions, and the events it reports
// upstream to a session.
package visitor

import "github.com/fluxusproxy/fluxus/registry"

// EventKind discriminates the three things a VisitorWorker (or the
// PublicListener that spawns one) ever reports to a session's inbox.
type EventKind uint8

const (
	EventConnected EventKind = iota
	EventForward
	EventDisconnected
)

// DisconnectReason classifies why a VisitorWorker's runloop exited, so
// metrics can tell a remote hangup apart from a broker-initiated teardown.
type DisconnectReason uint8

const (
	// ReasonPeerClosed: the visitor socket's remote end closed the
	// connection (a clean EOF or a zero-length read).
	ReasonPeerClosed DisconnectReason = iota
	// ReasonLocalEOF: the session told the worker to disconnect
	// (registry.CmdDisconnect), or its command channel was closed.
	ReasonLocalEOF
	// ReasonLocalError: the visitor socket failed on this end, either a
	// non-EOF read error or a failed write.
	ReasonLocalError
)

func (r DisconnectReason) String() string {
	switch r {
	case ReasonPeerClosed:
		return "peer_closed"
	case ReasonLocalEOF:
		return "local_eof"
	case ReasonLocalError:
		return "local_error"
	default:
		return "unknown"
	}
}

// Event is one item in a session's inbox, produced by a VisitorWorker or
// the PublicListener that owns it (spec's SessionEvent).
type Event struct {
	Kind    EventKind
	ID      uint16
	Handle  registry.Handle  // set on EventConnected
	Payload []byte           // set on EventForward
	Reason  DisconnectReason // set on EventDisconnected
}
