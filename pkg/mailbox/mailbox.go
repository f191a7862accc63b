// Package mailbox implements request/response over one-directional channels.
//
// Every request travels as an Envelope that bundles the payload with a
// single-use reply channel. The receiving actor answers with Respond or
// refuses with Drop; the caller blocks in Call until one of those happens,
// its deadline elapses, or its context ends.
package mailbox

import (
    "context"
    "errors"
    "sync"
    "time"
)

// DefaultDeadline bounds a Call when the caller does not pick one.
const DefaultDeadline = 5 * time.Second

var (
    // ErrTimeout means the deadline elapsed before a reply arrived.
    ErrTimeout = errors.New("mailbox: timed out waiting for response")
    // ErrNoResponse means the receiver released the reply channel without replying.
    ErrNoResponse = errors.New("mailbox: reply channel closed without response")
    // ErrSendFailed means the outbound channel is closed; the receiver is gone.
    ErrSendFailed = errors.New("mailbox: outbound channel closed")
)

// Envelope carries a payload and, for requests, the channel its single
// reply must be written to. Reply is nil for notifications.
type Envelope[T, R any] struct {
    Payload T
    Reply   chan<- R

    once *sync.Once
}

// IsNotification reports whether no reply is expected.
func (e Envelope[T, R]) IsNotification() bool { return e.Reply == nil }

// NewRequest builds a request envelope and returns the receiving side of
// its reply channel.
func NewRequest[T, R any](payload T) (Envelope[T, R], <-chan R) {
    reply := make(chan R, 1)
    return Envelope[T, R]{Payload: payload, Reply: reply, once: new(sync.Once)}, reply
}

// Respond delivers r as the one reply to e. Later Respond/Drop calls are
// no-ops. Respond never blocks.
func Respond[T, R any](e Envelope[T, R], r R) {
    if e.Reply == nil { return }
    if e.once == nil { deliver(e.Reply, r, true); return }
    e.once.Do(func() { deliver(e.Reply, r, true) })
}

// Drop releases e without replying; the caller observes ErrNoResponse.
func Drop[T, R any](e Envelope[T, R]) {
    if e.Reply == nil { return }
    var zero R
    if e.once == nil { deliver(e.Reply, zero, false); return }
    e.once.Do(func() { deliver(e.Reply, zero, false) })
}

func deliver[R any](ch chan<- R, r R, withValue bool) {
    // envelopes built outside NewRequest have no once guard
    defer func() { _ = recover() }()
    if withValue {
        select {
        case ch <- r:
        default:
        }
    }
    close(ch)
}

// Call sends payload on out and waits for the correlated reply. The
// deadline covers both the (possibly suspended) send and the wait; a
// non-positive deadline selects DefaultDeadline. Call never retries.
func Call[T, R any](ctx context.Context, out chan<- Envelope[T, R], payload T, deadline time.Duration) (R, error) {
    var zero R
    if deadline <= 0 { deadline = DefaultDeadline }
    timer := time.NewTimer(deadline)
    defer timer.Stop()

    env, reply := NewRequest[T, R](payload)
    if err := send(ctx, out, env, timer.C); err != nil { return zero, err }

    select {
    case r, ok := <-reply:
        if !ok { return zero, ErrNoResponse }
        return r, nil
    case <-timer.C:
        return zero, ErrTimeout
    case <-ctx.Done():
        return zero, ctx.Err()
    }
}

// Notify sends payload without expecting a reply.
func Notify[T, R any](ctx context.Context, out chan<- Envelope[T, R], payload T, deadline time.Duration) error {
    if deadline <= 0 { deadline = DefaultDeadline }
    timer := time.NewTimer(deadline)
    defer timer.Stop()
    return send(ctx, out, Envelope[T, R]{Payload: payload}, timer.C)
}

// send treats a closed outbound channel as ErrSendFailed instead of
// letting the runtime panic escape.
func send[T, R any](ctx context.Context, out chan<- Envelope[T, R], env Envelope[T, R], expired <-chan time.Time) (err error) {
    if out == nil { return ErrSendFailed }
    defer func() {
        if recover() != nil { err = ErrSendFailed }
    }()
    select {
    case out <- env:
        return nil
    case <-expired:
        return ErrTimeout
    case <-ctx.Done():
        return ctx.Err()
    }
}
