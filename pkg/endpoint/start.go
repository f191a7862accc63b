package endpoint

import (
    "context"
    "crypto/tls"
    "net"

    "go.uber.org/multierr"
    "go.uber.org/zap"
    "golang.org/x/sync/errgroup"

    "rircd/pkg/actor/listener"
    "rircd/pkg/event"
)

type bound struct {
    spec BindSpec
    l    net.Listener
}

// Start binds every address, spawns one listener actor per socket plus the
// event loop, and returns without waiting for them. Binding is
// all-or-nothing: when any address fails, every socket bound so far is
// closed and a *BindError is returned. ctx bounds the lifetime of all
// actors.
func (e *Endpoint) Start(ctx context.Context) error {
    e.mu.Lock()
    defer e.mu.Unlock()
    if e.started { return ErrAlreadyStarted }

    ls, err := e.bindAll(ctx)
    if err != nil { return err }
    e.started = true

    runCtx, cancel := context.WithCancel(ctx)
    e.cancel = cancel
    e.listenerEvents = make(chan event.ListenerEventEnvelope, e.opts.ChannelCapacity)
    e.connEvents = make(chan event.ConnEventEnvelope, e.opts.ChannelCapacity)

    for _, b := range ls {
        cmds := make(chan event.ListenerCommandEnvelope, e.opts.ChannelCapacity)
        a := listener.New(b.l, e.reg, cmds, e.listenerEvents, e.connEvents, listener.Options{
            ChannelCapacity: e.opts.ChannelCapacity,
            CallTimeout:     e.opts.CallTimeout,
            ReadBufferSize:  e.opts.ReadBufferSize,
            NewDecoder:      e.opts.NewDecoder,
            Spawn:           e.spawn,
            Logger:          e.log,
            Metrics:         e.opts.Metrics,
        })
        done := make(chan struct{})
        e.listeners = append(e.listeners, ListenerHandle{Addr: b.l.Addr(), Mode: b.spec.Mode, Commands: cmds, done: done})
        e.spawn(func() {
            defer close(done)
            a.Run(runCtx)
        })
        e.log.Info("listener started", zap.String("addr", b.l.Addr().String()), zap.Stringer("mode", b.spec.Mode))
    }

    // Every sender is an actor; once all have exited nothing can reach the
    // loop any more.
    go func() {
        e.actors.Wait()
        close(e.actorsDone)
        close(e.listenerEvents)
        close(e.connEvents)
    }()
    go func() {
        defer close(e.loopDone)
        e.loop(runCtx, e.listenerEvents, e.connEvents)
    }()
    return nil
}

// spawn runs f as a tracked actor goroutine.
func (e *Endpoint) spawn(f func()) {
    e.actors.Add(1)
    go func() {
        defer e.actors.Done()
        f()
    }()
}

// bindAll binds the plain addresses, and the TLS ones when a TLS config is
// present, in parallel.
func (e *Endpoint) bindAll(ctx context.Context) ([]bound, error) {
    var specs []BindSpec
    for _, s := range e.specs {
        if s.Mode == ModeTLS && e.opts.TLSConfig == nil {
            e.log.Warn("no TLS configuration, skipping TLS bind address", zap.String("addr", s.Addr.String()))
            continue
        }
        specs = append(specs, s)
    }

    out := make([]bound, len(specs))
    g, gctx := errgroup.WithContext(ctx)
    for i, s := range specs {
        i, s := i, s
        g.Go(func() error {
            var lc net.ListenConfig
            l, err := lc.Listen(gctx, "tcp", s.Addr.String())
            if err != nil { return &BindError{Address: s.Addr.String(), Err: err} }
            if s.Mode == ModeTLS { l = tls.NewListener(l, e.opts.TLSConfig) }
            out[i] = bound{spec: s, l: l}
            return nil
        })
    }
    if err := g.Wait(); err != nil {
        var cerr error
        for _, b := range out {
            if b.l != nil { cerr = multierr.Append(cerr, b.l.Close()) }
        }
        if cerr != nil { e.log.Warn("closing listeners after failed bind", zap.Error(cerr)) }
        return nil, err
    }
    return out, nil
}
