package endpoint

import (
    "context"
    "fmt"
    "time"

    "go.uber.org/zap"

    "rircd/pkg/event"
    "rircd/pkg/mailbox"
)

// Handler is the protocol layer's hook into the event loop. It runs on the
// loop goroutine, so it must not block on calls to actors; spawn a
// goroutine for Endpoint.Send. Returning ok=false drops the reply and the
// calling actor observes mailbox.ErrNoResponse.
type Handler interface {
    HandleListener(ctx context.Context, ev event.ListenerEvent) (reply event.EndpointReply, ok bool)
    HandleConn(ctx context.Context, ev event.ConnEvent) (reply event.EndpointReply, ok bool)
}

// NopHandler answers nothing: until a protocol layer is plugged in, every
// request an actor makes is deliberately dropped.
type NopHandler struct{}

func (NopHandler) HandleListener(context.Context, event.ListenerEvent) (event.EndpointReply, bool) {
    return nil, false
}

func (NopHandler) HandleConn(context.Context, event.ConnEvent) (event.EndpointReply, bool) {
    return nil, false
}

// HandlerFuncs adapts plain functions to Handler; nil fields answer nothing.
type HandlerFuncs struct {
    Listener func(context.Context, event.ListenerEvent) (event.EndpointReply, bool)
    Conn     func(context.Context, event.ConnEvent) (event.EndpointReply, bool)
}

func (h HandlerFuncs) HandleListener(ctx context.Context, ev event.ListenerEvent) (event.EndpointReply, bool) {
    if h.Listener == nil { return nil, false }
    return h.Listener(ctx, ev)
}

func (h HandlerFuncs) HandleConn(ctx context.Context, ev event.ConnEvent) (event.EndpointReply, bool) {
    if h.Conn == nil { return nil, false }
    return h.Conn(ctx, ev)
}

// loop handles one envelope per wakeup until ctx ends or both upward
// channels are closed.
func (e *Endpoint) loop(ctx context.Context, lev <-chan event.ListenerEventEnvelope, cev <-chan event.ConnEventEnvelope) {
    e.log.Debug("event loop started")
    defer e.log.Debug("event loop stopped")
    for lev != nil || cev != nil {
        select {
        case env, ok := <-lev:
            if !ok { lev = nil; continue }
            e.onListenerEvent(ctx, env)
        case env, ok := <-cev:
            if !ok { cev = nil; continue }
            e.onConnEvent(ctx, env)
        case <-ctx.Done():
            return
        }
    }
}

func (e *Endpoint) onListenerEvent(ctx context.Context, env event.ListenerEventEnvelope) {
    var reply event.EndpointReply
    switch ev := env.Payload.(type) {
    case event.Accepted:
        e.log.Debug("connection registered", zap.String("peer", ev.Peer.String()), zap.String("conn_id", ev.ConnID))
        if ev.Superseded != "" {
            e.log.Info("connection superseded by reconnect", zap.String("peer", ev.Peer.String()), zap.String("old_conn", ev.Superseded))
        }
        reply = event.Ack{At: time.Now()}
    case event.AcceptFailed:
        reply = event.Ack{At: time.Now()}
    }
    hr, ok := e.guard(func() (event.EndpointReply, bool) { return e.opts.Handler.HandleListener(ctx, env.Payload) })
    if reply == nil && ok { reply = hr }
    answer(env, reply, e.log)
}

func (e *Endpoint) onConnEvent(ctx context.Context, env event.ConnEventEnvelope) {
    var reply event.EndpointReply
    if ev, ok := env.Payload.(event.Closed); ok {
        removed := e.reg.Remove(ev.Peer, ev.ConnID)
        e.log.Debug("connection closed", zap.String("peer", ev.Peer.String()), zap.String("conn_id", ev.ConnID),
            zap.String("reason", ev.Reason), zap.Bool("deregistered", removed))
        reply = event.Ack{At: time.Now()}
    }
    hr, ok := e.guard(func() (event.EndpointReply, bool) { return e.opts.Handler.HandleConn(ctx, env.Payload) })
    if reply == nil && ok { reply = hr }
    answer(env, reply, e.log)
}

// guard keeps a misbehaving handler from taking the loop down.
func (e *Endpoint) guard(f func() (event.EndpointReply, bool)) (r event.EndpointReply, ok bool) {
    defer func() {
        if p := recover(); p != nil {
            e.log.Error("event handler panicked", zap.String("panic", fmt.Sprint(p)))
            r, ok = nil, false
        }
    }()
    return f()
}

// answer replies exactly once, or drops the reply channel when there is
// nothing to say.
func answer[T any](env mailbox.Envelope[T, event.EndpointReply], reply event.EndpointReply, log *zap.Logger) {
    if env.IsNotification() { return }
    if reply == nil {
        log.Debug("no reply for event, dropping", zap.String("event", fmt.Sprintf("%T", env.Payload)))
        mailbox.Drop(env)
        return
    }
    mailbox.Respond(env, reply)
}
