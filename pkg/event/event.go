// Package event defines the payloads exchanged between the endpoint and its
// actors. Each direction is a sealed interface; adding a variant never
// changes the shape of the channels that carry it.
package event

import (
    "net"
    "net/netip"
    "time"

    "rircd/pkg/mailbox"
)

// ---- listener -> endpoint ----

// ListenerEvent is emitted by a listener actor.
type ListenerEvent interface{ listenerEvent() }

// Accepted reports a connection that has been registered and spawned.
type Accepted struct {
    ConnID string
    Peer   netip.AddrPort
    Local  net.Addr
    // Superseded is set when an older connection from the same peer
    // address was displaced from the registry.
    Superseded string
}

// AcceptFailed reports a non-fatal accept error.
type AcceptFailed struct {
    Listener net.Addr
    Err      error
}

func (Accepted) listenerEvent()     {}
func (AcceptFailed) listenerEvent() {}

// ---- endpoint -> listener ----

// ListenerCommand is issued by the endpoint to a listener actor.
type ListenerCommand interface{ listenerCommand() }

// Drain stops accepting and ends the listener actor.
type Drain struct{}

// Stats asks for the listener's accept counters.
type Stats struct{}

func (Drain) listenerCommand() {}
func (Stats) listenerCommand() {}

// ListenerReply answers a ListenerCommand.
type ListenerReply interface{ listenerReply() }

// AcceptStats is the reply to Stats.
type AcceptStats struct {
    Addr     net.Addr
    Accepted uint64
    Failed   uint64
}

func (Ack) listenerReply()         {}
func (AcceptStats) listenerReply() {}

// ---- connection -> endpoint ----

// ConnEvent is emitted by a connection actor.
type ConnEvent interface{ connEvent() }

// Line is one framed protocol line read from the socket, without its
// terminator.
type Line struct {
    ConnID string
    Peer   netip.AddrPort
    Data   []byte
    // Truncated is set when the line exceeded the framer's limit.
    Truncated bool
}

// Closed announces that the connection actor is exiting.
type Closed struct {
    ConnID string
    Peer   netip.AddrPort
    Reason string
    Err    error
}

func (Line) connEvent()   {}
func (Closed) connEvent() {}

// EndpointReply answers an upward ConnEvent or ListenerEvent call.
type EndpointReply interface{ endpointReply() }

// Deny refuses the action an actor asked to be authorised.
type Deny struct{ Reason string }

func (Ack) endpointReply()  {}
func (Deny) endpointReply() {}

// ---- endpoint -> connection ----

// ConnCommand is issued by the endpoint to a connection actor.
type ConnCommand interface{ connCommand() }

// Write sends Data to the peer as-is.
type Write struct{ Data []byte }

// Close terminates the connection.
type Close struct{ Reason string }

// Ping asks the actor to echo Token back; it proves a handle routes to a
// live actor.
type Ping struct{ Token string }

func (Write) connCommand() {}
func (Close) connCommand() {}
func (Ping) connCommand()  {}

// ConnReply answers a ConnCommand.
type ConnReply interface{ connReply() }

// Pong is the reply to Ping.
type Pong struct {
    ConnID string
    Token  string
}

func (Ack) connReply()  {}
func (Pong) connReply() {}

// Ack is the generic positive reply, valid in every direction.
type Ack struct{ At time.Time }

// Channel element types, one per direction.
type (
    ListenerEventEnvelope   = mailbox.Envelope[ListenerEvent, EndpointReply]
    ListenerCommandEnvelope = mailbox.Envelope[ListenerCommand, ListenerReply]
    ConnEventEnvelope       = mailbox.Envelope[ConnEvent, EndpointReply]
    ConnCommandEnvelope     = mailbox.Envelope[ConnCommand, ConnReply]
)
