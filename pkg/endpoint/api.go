package endpoint

import (
    "context"
    "errors"
    "fmt"
    "net/netip"
    "time"

    "go.uber.org/multierr"

    "rircd/pkg/event"
    "rircd/pkg/mailbox"
    "rircd/pkg/registry"
)

// Connections lists the registered connection handles.
func (e *Endpoint) Connections() []registry.Handle { return e.reg.Handles() }

// Lookup returns the handle registered for peer.
func (e *Endpoint) Lookup(peer netip.AddrPort) (registry.Handle, bool) { return e.reg.Lookup(peer) }

// Send issues cmd to the connection of peer and waits for its reply.
func (e *Endpoint) Send(ctx context.Context, peer netip.AddrPort, cmd event.ConnCommand) (event.ConnReply, error) {
    h, ok := e.reg.Lookup(peer)
    if !ok { return nil, fmt.Errorf("%w: %s", ErrUnknownPeer, peer) }
    start := time.Now()
    r, err := mailbox.Call(ctx, h.Commands, cmd, e.opts.CallTimeout)
    e.opts.Metrics.ObserveCall("endpoint_to_conn", start, err)
    if err != nil { return nil, fmt.Errorf("send to %s: %w", peer, err) }
    return r, nil
}

// Post issues cmd to the connection of peer without waiting for a reply.
// It suspends while that connection's inbox is full.
func (e *Endpoint) Post(ctx context.Context, peer netip.AddrPort, cmd event.ConnCommand) error {
    h, ok := e.reg.Lookup(peer)
    if !ok { return fmt.Errorf("%w: %s", ErrUnknownPeer, peer) }
    return mailbox.Notify(ctx, h.Commands, cmd, e.opts.CallTimeout)
}

// Broadcast posts cmd to every registered connection and returns the
// combined delivery errors.
func (e *Endpoint) Broadcast(ctx context.Context, cmd event.ConnCommand) error {
    var err error
    for _, h := range e.reg.Handles() {
        if nerr := mailbox.Notify(ctx, h.Commands, cmd, e.opts.CallTimeout); nerr != nil {
            err = multierr.Append(err, fmt.Errorf("broadcast to %s: %w", h.Peer, nerr))
        }
    }
    return err
}

// Disconnect closes the connection of peer. The registry entry is removed
// once the actor reports its exit.
func (e *Endpoint) Disconnect(ctx context.Context, peer netip.AddrPort, reason string) error {
    _, err := e.Send(ctx, peer, event.Close{Reason: reason})
    return err
}

// ListenerStats asks every listener actor for its accept counters.
func (e *Endpoint) ListenerStats(ctx context.Context) ([]event.AcceptStats, error) {
    var (
        out []event.AcceptStats
        err error
    )
    for _, lh := range e.Listeners() {
        r, cerr := e.callListener(ctx, lh, event.Stats{})
        if errors.Is(cerr, errListenerGone) { continue }
        if cerr != nil {
            err = multierr.Append(err, fmt.Errorf("stats %s: %w", lh.Addr, cerr))
            continue
        }
        if st, ok := r.(event.AcceptStats); ok { out = append(out, st) }
    }
    return out, err
}

// Drain stops every listener actor from accepting. Live connections are
// left running.
func (e *Endpoint) Drain(ctx context.Context) error {
    e.mu.Lock()
    started := e.started
    e.mu.Unlock()
    if !started { return ErrNotStarted }
    var err error
    for _, lh := range e.Listeners() {
        if _, cerr := e.callListener(ctx, lh, event.Drain{}); cerr != nil && !errors.Is(cerr, errListenerGone) {
            err = multierr.Append(err, fmt.Errorf("drain %s: %w", lh.Addr, cerr))
        }
    }
    return err
}

var errListenerGone = errors.New("listener actor exited")

// callListener calls a listener actor, giving up early once it has exited
// instead of waiting out the deadline.
func (e *Endpoint) callListener(ctx context.Context, lh ListenerHandle, cmd event.ListenerCommand) (event.ListenerReply, error) {
    select {
    case <-lh.done:
        return nil, errListenerGone
    default:
    }
    cctx, cancel := context.WithCancel(ctx)
    defer cancel()
    go func() {
        select {
        case <-lh.done:
            cancel()
        case <-cctx.Done():
        }
    }()
    start := time.Now()
    r, err := mailbox.Call(cctx, lh.Commands, cmd, e.opts.CallTimeout)
    e.opts.Metrics.ObserveCall("endpoint_to_listener", start, err)
    if err != nil && ctx.Err() == nil && cctx.Err() != nil { return nil, errListenerGone }
    return r, err
}

// Shutdown drains the listeners, cancels every actor and waits until every
// actor and the event loop have exited, or ctx ends. Each connection actor
// leaves the registry as it exits, so the registry is empty afterwards.
func (e *Endpoint) Shutdown(ctx context.Context) error {
    err := e.Drain(ctx)
    if errors.Is(err, ErrNotStarted) { return err }
    e.mu.Lock()
    cancel := e.cancel
    e.mu.Unlock()
    cancel()
    for _, done := range []<-chan struct{}{e.actorsDone, e.loopDone} {
        select {
        case <-done:
        case <-ctx.Done():
            return multierr.Append(err, ctx.Err())
        }
    }
    return err
}

// ConnInfo is the serialisable view of one registry entry.
type ConnInfo struct {
    ID    string    `json:"id" cbor:"id"`
    Peer  string    `json:"peer" cbor:"peer"`
    Local string    `json:"local" cbor:"local"`
    Since time.Time `json:"since" cbor:"since"`
}

// ListenerInfo is the serialisable view of one listener.
type ListenerInfo struct {
    Addr string `json:"addr" cbor:"addr"`
    Mode string `json:"mode" cbor:"mode"`
}

// Snapshot returns the registry contents in peer order.
func (e *Endpoint) Snapshot() []ConnInfo {
    hs := e.reg.Handles()
    out := make([]ConnInfo, 0, len(hs))
    for _, h := range hs {
        ci := ConnInfo{ID: h.ID, Peer: h.Peer.String(), Since: h.Since}
        if h.Local != nil { ci.Local = h.Local.String() }
        out = append(out, ci)
    }
    return out
}

// ListenerSnapshot describes the running listeners.
func (e *Endpoint) ListenerSnapshot() []ListenerInfo {
    ls := e.Listeners()
    out := make([]ListenerInfo, 0, len(ls))
    for _, l := range ls {
        out = append(out, ListenerInfo{Addr: l.Addr.String(), Mode: l.Mode.String()})
    }
    return out
}
