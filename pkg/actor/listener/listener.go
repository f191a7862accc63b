// Package listener implements the listener actor: it owns one bound socket,
// registers every accepted connection and spawns its connection actor.
package listener

import (
    "context"
    "errors"
    "net"
    "net/netip"
    "sync/atomic"
    "time"

    "github.com/google/uuid"
    "go.uber.org/zap"

    "rircd/pkg/actor/conn"
    "rircd/pkg/event"
    "rircd/pkg/mailbox"
    "rircd/pkg/metrics"
    "rircd/pkg/registry"
    "rircd/pkg/wire"
)

// DefaultChannelCapacity bounds every actor inbox unless configured.
const DefaultChannelCapacity = 99

const (
    minAcceptBackoff = 5 * time.Millisecond
    maxAcceptBackoff = time.Second
)

// Options configure a listener actor and the connection actors it spawns.
type Options struct {
    ChannelCapacity int
    CallTimeout     time.Duration
    ReadBufferSize  int
    // NewDecoder builds the framer of each connection; nil selects the
    // IRC line framer.
    NewDecoder func() wire.Decoder
    // Spawn runs f on a new goroutine. The endpoint uses it to track actor
    // lifetimes; nil means a bare go statement.
    Spawn   func(f func())
    Logger  *zap.Logger
    Metrics *metrics.Metrics
}

// Actor owns one listening socket.
type Actor struct {
    l        net.Listener
    reg      *registry.Store
    cmds     <-chan event.ListenerCommandEnvelope
    events   chan<- event.ListenerEventEnvelope
    connOut  chan<- event.ConnEventEnvelope
    opts     Options
    log      *zap.Logger
    label    string

    accepted atomic.Uint64
    failed   atomic.Uint64
}

func New(l net.Listener, reg *registry.Store, cmds <-chan event.ListenerCommandEnvelope, events chan<- event.ListenerEventEnvelope, connOut chan<- event.ConnEventEnvelope, opts Options) *Actor {
    if opts.ChannelCapacity <= 0 { opts.ChannelCapacity = DefaultChannelCapacity }
    if opts.Spawn == nil { opts.Spawn = func(f func()) { go f() } }
    log := opts.Logger
    if log == nil { log = zap.L() }
    label := l.Addr().String()
    return &Actor{
        l: l, reg: reg, cmds: cmds, events: events, connOut: connOut, opts: opts,
        log:   log.With(zap.String("listener", label)),
        label: label,
    }
}

func (a *Actor) Addr() net.Addr { return a.l.Addr() }

type acceptResult struct {
    c   net.Conn
    err error
}

// Run accepts until the socket is closed, a Drain command arrives, or ctx
// ends. Accept errors other than a closed socket never end it.
func (a *Actor) Run(ctx context.Context) {
    accepts := make(chan acceptResult)
    next := make(chan struct{})
    done := make(chan struct{})
    defer close(done)
    defer func() { _ = a.l.Close() }()
    go a.acceptLoop(accepts, next, done)

    a.opts.Metrics.ListenerUp()
    defer a.opts.Metrics.ListenerDown()
    a.log.Info("listening")

    backoff := time.Duration(0)
    for {
        select {
        case r := <-accepts:
            if r.err != nil {
                if errors.Is(r.err, net.ErrClosed) {
                    a.log.Info("listener closed")
                    return
                }
                backoff = nextBackoff(backoff)
                a.acceptFailed(ctx, r.err, backoff)
                if a.pause(ctx, backoff) { return }
            } else {
                backoff = 0
                a.handleConn(ctx, r.c)
            }
            select {
            case next <- struct{}{}:
            case <-ctx.Done():
                return
            }
        case env, ok := <-a.cmds:
            if !ok { a.cmds = nil; continue }
            if a.apply(env) {
                a.log.Info("listener drained")
                return
            }
        case <-ctx.Done():
            return
        }
    }
}

// acceptLoop keeps exactly one Accept in flight and waits for the actor to
// finish with each result, so accepts are handled serially.
func (a *Actor) acceptLoop(accepts chan<- acceptResult, next <-chan struct{}, done <-chan struct{}) {
    for {
        c, err := a.l.Accept()
        select {
        case accepts <- acceptResult{c: c, err: err}:
        case <-done:
            if c != nil { _ = c.Close() }
            return
        }
        if err != nil && errors.Is(err, net.ErrClosed) { return }
        select {
        case <-next:
        case <-done:
            return
        }
    }
}

// handleConn registers c and spawns its actor. The command channel's
// sending half goes into the registry, the receiving half to the actor.
func (a *Actor) handleConn(ctx context.Context, c net.Conn) {
    peer := peerAddr(c.RemoteAddr())
    id := uuid.NewString()
    cmds := make(chan event.ConnCommandEnvelope, a.opts.ChannelCapacity)
    h := registry.Handle{ID: id, Peer: peer, Local: c.LocalAddr(), Since: time.Now(), Commands: cmds}

    var dec wire.Decoder
    if a.opts.NewDecoder != nil { dec = a.opts.NewDecoder() }
    actor := conn.New(id, peer, c, cmds, a.connOut, conn.Options{
        ReadBufferSize: a.opts.ReadBufferSize,
        CallTimeout:    a.opts.CallTimeout,
        Decoder:        dec,
        Logger:         a.opts.Logger,
        Metrics:        a.opts.Metrics,
    })

    old, replaced := a.reg.Register(h)
    a.opts.Spawn(func() {
        // the entry goes when the actor does, whether or not its Closed
        // call was acknowledged; a successor's entry is left alone
        defer a.reg.Remove(peer, id)
        actor.Run(ctx)
    })
    a.accepted.Add(1)
    a.opts.Metrics.Accepted(a.label)
    a.log.Debug("connection accepted", zap.String("peer", peer.String()), zap.String("conn_id", id))

    ev := event.Accepted{ConnID: id, Peer: peer, Local: c.LocalAddr()}
    if replaced {
        ev.Superseded = old.ID
        a.retire(ctx, old)
    }
    if err := mailbox.Notify(ctx, a.events, event.ListenerEvent(ev), a.opts.CallTimeout); err != nil {
        a.log.Debug("accept notification not delivered", zap.Error(err))
    }
}

func (a *Actor) acceptFailed(ctx context.Context, err error, backoff time.Duration) {
    a.failed.Add(1)
    a.opts.Metrics.AcceptFailed(a.label)
    a.log.Warn("accept failed", zap.Error(err), zap.Duration("retry_in", backoff))
    ev := event.AcceptFailed{Listener: a.l.Addr(), Err: err}
    if nerr := mailbox.Notify(ctx, a.events, event.ListenerEvent(ev), a.opts.CallTimeout); nerr != nil {
        a.log.Debug("accept failure notification not delivered", zap.Error(nerr))
    }
}

// apply handles one endpoint command and reports whether to stop.
func (a *Actor) apply(env event.ListenerCommandEnvelope) bool {
    switch env.Payload.(type) {
    case event.Drain:
        _ = a.l.Close()
        mailbox.Respond[event.ListenerCommand, event.ListenerReply](env, event.Ack{At: time.Now()})
        return true
    case event.Stats:
        mailbox.Respond[event.ListenerCommand, event.ListenerReply](env, event.AcceptStats{
            Addr: a.l.Addr(), Accepted: a.accepted.Load(), Failed: a.failed.Load(),
        })
    default:
        mailbox.Drop(env)
    }
    return false
}

// retire asks a superseded connection actor to close. The listener must keep
// accepting, so a full inbox hands delivery to a goroutine bounded by the
// call deadline; if that fails too the displaced actor lives on until its
// peer hangs up, unreachable from the registry.
func (a *Actor) retire(ctx context.Context, old registry.Handle) {
    env := event.ConnCommandEnvelope{Payload: event.Close{Reason: "superseded"}}
    select {
    case old.Commands <- env:
        return
    default:
    }
    a.log.Warn("superseded connection inbox full, retiring asynchronously", zap.String("conn_id", old.ID))
    go func() {
        err := mailbox.Notify(ctx, old.Commands, event.ConnCommand(event.Close{Reason: "superseded"}), a.opts.CallTimeout)
        if err != nil {
            a.opts.Metrics.RetireFailed()
            a.log.Warn("superseded connection not retired", zap.String("conn_id", old.ID),
                zap.String("peer", old.Peer.String()), zap.Error(err))
        }
    }()
}

func nextBackoff(d time.Duration) time.Duration {
    if d == 0 { return minAcceptBackoff }
    d *= 2
    if d > maxAcceptBackoff { d = maxAcceptBackoff }
    return d
}

// pause waits out an accept backoff while still serving commands. It
// reports whether the actor must stop.
func (a *Actor) pause(ctx context.Context, d time.Duration) bool {
    t := time.NewTimer(d)
    defer t.Stop()
    for {
        select {
        case <-t.C:
            return false
        case env, ok := <-a.cmds:
            if !ok { a.cmds = nil; continue }
            if a.apply(env) {
                a.log.Info("listener drained")
                return true
            }
        case <-ctx.Done():
            return true
        }
    }
}

// peerAddr converts a remote address to its registry key. IPv4-mapped
// addresses are unmapped; anything that is not ip:port maps to the zero
// AddrPort.
func peerAddr(addr net.Addr) netip.AddrPort {
    var ap netip.AddrPort
    if ta, ok := addr.(*net.TCPAddr); ok {
        ap = ta.AddrPort()
    } else if p, err := netip.ParseAddrPort(addr.String()); err == nil {
        ap = p
    }
    return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}
