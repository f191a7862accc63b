// Package conn implements the connection actor: the one goroutine that owns
// an accepted socket. It frames what the peer sends into lines for the
// endpoint and applies the endpoint's commands to the socket.
package conn

import (
    "context"
    "errors"
    "io"
    "net"
    "net/netip"
    "sync/atomic"
    "time"

    "go.uber.org/zap"

    "rircd/pkg/event"
    "rircd/pkg/mailbox"
    "rircd/pkg/metrics"
    "rircd/pkg/wire"
)

// ReadBufferSize fits one protocol line plus slack.
const ReadBufferSize = 512 + 4096

// State is the actor's lifecycle position.
type State int32

const (
    Established State = iota
    Reading
    Dispatching
    Closed
)

func (s State) String() string {
    switch s {
    case Established:
        return "established"
    case Reading:
        return "reading"
    case Dispatching:
        return "dispatching"
    case Closed:
        return "closed"
    default:
        return "unknown"
    }
}

// Options tune an actor; zero values select defaults.
type Options struct {
    ReadBufferSize int
    CallTimeout    time.Duration
    Decoder        wire.Decoder
    Logger         *zap.Logger
    Metrics        *metrics.Metrics
}

// Actor owns one socket exclusively. Build it with New and run it with Run
// on its own goroutine.
type Actor struct {
    id   string
    peer netip.AddrPort
    c    net.Conn
    in   <-chan event.ConnCommandEnvelope
    out  chan<- event.ConnEventEnvelope

    buf     []byte
    dec     wire.Decoder
    timeout time.Duration
    log     *zap.Logger
    m       *metrics.Metrics

    state atomic.Int32
}

func New(id string, peer netip.AddrPort, c net.Conn, in <-chan event.ConnCommandEnvelope, out chan<- event.ConnEventEnvelope, opts Options) *Actor {
    size := opts.ReadBufferSize
    if size <= 0 { size = ReadBufferSize }
    dec := opts.Decoder
    if dec == nil { dec = wire.NewLineDecoder(wire.MaxLine) }
    log := opts.Logger
    if log == nil { log = zap.L() }
    a := &Actor{
        id: id, peer: peer, c: c, in: in, out: out,
        buf:     make([]byte, size),
        dec:     dec,
        timeout: opts.CallTimeout,
        log:     log.With(zap.String("conn_id", id), zap.String("peer", peer.String())),
        m:       opts.Metrics,
    }
    a.state.Store(int32(Established))
    return a
}

func (a *Actor) ID() string           { return a.id }
func (a *Actor) Peer() netip.AddrPort { return a.peer }
func (a *Actor) State() State         { return State(a.state.Load()) }

type readResult struct {
    n   int
    err error
}

// closeCause records why the actor left its loop.
type closeCause struct {
    reason string
    err    error
    // upstreamGone suppresses the final Closed call.
    upstreamGone bool
}

// Run drives the actor until the socket or the endpoint goes away, or ctx
// ends. The socket is closed and the endpoint told before Run returns.
func (a *Actor) Run(ctx context.Context) {
    reads := make(chan readResult)
    resume := make(chan struct{})
    done := make(chan struct{})
    go a.readLoop(reads, resume, done)

    a.state.Store(int32(Reading))
    a.log.Debug("connection actor started")
    cause := a.loop(ctx, reads, resume)

    a.state.Store(int32(Closed))
    close(done)
    _ = a.c.Close()
    a.finish(ctx, cause)
}

func (a *Actor) loop(ctx context.Context, reads <-chan readResult, resume chan<- struct{}) closeCause {
    for {
        select {
        case r := <-reads:
            if r.err != nil {
                if errors.Is(r.err, io.EOF) { return closeCause{reason: "eof"} }
                return closeCause{reason: "read error", err: r.err}
            }
            if r.n == 0 { return closeCause{reason: "eof"} }
            a.state.Store(int32(Dispatching))
            err := a.dispatch(ctx, a.buf[:r.n])
            a.state.Store(int32(Reading))
            if err != nil {
                if errors.Is(err, mailbox.ErrSendFailed) {
                    return closeCause{reason: "endpoint gone", err: err, upstreamGone: true}
                }
                return closeCause{reason: "shutdown", err: err}
            }
            resume <- struct{}{}
        case env, ok := <-a.in:
            if !ok { return closeCause{reason: "command channel closed", upstreamGone: true} }
            if c, stop := a.apply(env); stop { return c }
        case <-ctx.Done():
            return closeCause{reason: "shutdown", err: ctx.Err()}
        }
    }
}

// readLoop owns the blocking Read. It reuses the actor's buffer, so it waits
// for the loop to hand the buffer back before reading again.
func (a *Actor) readLoop(reads chan<- readResult, resume <-chan struct{}, done <-chan struct{}) {
    for {
        n, err := a.c.Read(a.buf)
        select {
        case reads <- readResult{n: n, err: err}:
        case <-done:
            return
        }
        if err != nil || n == 0 { return }
        select {
        case <-resume:
        case <-done:
            return
        }
    }
}

// dispatch frames p and forwards every complete line as a notification.
// Only a gone endpoint or an ended ctx is returned as an error.
func (a *Actor) dispatch(ctx context.Context, p []byte) error {
    a.m.Read(len(p))
    for _, f := range a.dec.Feed(p) {
        ev := event.Line{ConnID: a.id, Peer: a.peer, Data: f.Data, Truncated: f.Truncated}
        err := mailbox.Notify(ctx, a.out, event.ConnEvent(ev), a.timeout)
        switch {
        case err == nil:
            a.m.Line()
        case errors.Is(err, mailbox.ErrTimeout):
            a.log.Warn("endpoint saturated, line dropped", zap.Int("bytes", len(f.Data)))
        default:
            return err
        }
    }
    return nil
}

// apply executes one endpoint command. stop reports a transition to Closed.
func (a *Actor) apply(env event.ConnCommandEnvelope) (closeCause, bool) {
    switch cmd := env.Payload.(type) {
    case event.Write:
        if a.timeout > 0 { _ = a.c.SetWriteDeadline(time.Now().Add(a.timeout)) }
        if _, err := a.c.Write(cmd.Data); err != nil {
            mailbox.Drop(env)
            return closeCause{reason: "write error", err: err}, true
        }
        mailbox.Respond[event.ConnCommand, event.ConnReply](env, event.Ack{At: time.Now()})
    case event.Ping:
        mailbox.Respond[event.ConnCommand, event.ConnReply](env, event.Pong{ConnID: a.id, Token: cmd.Token})
    case event.Close:
        mailbox.Respond[event.ConnCommand, event.ConnReply](env, event.Ack{At: time.Now()})
        reason := cmd.Reason
        if reason == "" { reason = "closed by endpoint" }
        return closeCause{reason: reason}, true
    default:
        a.log.Debug("unknown command dropped")
        mailbox.Drop(env)
    }
    return closeCause{}, false
}

// finish tells the endpoint the actor is gone and waits for the
// acknowledgement. The spawner deregisters the actor after Run returns in
// any case. Commands that race with the shutdown are refused meanwhile.
func (a *Actor) finish(ctx context.Context, cause closeCause) {
    fields := []zap.Field{zap.String("reason", cause.reason)}
    if cause.err != nil { fields = append(fields, zap.Error(cause.err)) }
    a.log.Debug("connection actor closing", fields...)
    if cause.upstreamGone || ctx.Err() != nil { return }

    stop := make(chan struct{})
    defer close(stop)
    go func() {
        for {
            select {
            case env, ok := <-a.in:
                if !ok { return }
                mailbox.Drop(env)
            case <-stop:
                return
            }
        }
    }()

    start := time.Now()
    ev := event.Closed{ConnID: a.id, Peer: a.peer, Reason: cause.reason, Err: cause.err}
    _, err := mailbox.Call(ctx, a.out, event.ConnEvent(ev), a.timeout)
    a.m.ObserveCall("conn_to_endpoint", start, err)
    if err != nil {
        a.log.Warn("endpoint did not acknowledge close", zap.Error(err))
    }
}
