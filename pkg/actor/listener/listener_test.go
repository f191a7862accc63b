package listener

import (
    "context"
    "errors"
    "net"
    "net/netip"
    "sync"
    "testing"
    "time"

    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"
    "go.uber.org/zap/zaptest"

    "rircd/pkg/event"
    "rircd/pkg/mailbox"
    "rircd/pkg/registry"
)

// fakeListener hands out scripted accept results.
type fakeListener struct {
    results chan acceptResult
    once    sync.Once
    closed  chan struct{}
}

func newFakeListener() *fakeListener {
    return &fakeListener{results: make(chan acceptResult, 8), closed: make(chan struct{})}
}

func (f *fakeListener) Accept() (net.Conn, error) {
    select {
    case r := <-f.results:
        return r.c, r.err
    case <-f.closed:
        return nil, net.ErrClosed
    }
}

func (f *fakeListener) Close() error {
    f.once.Do(func() { close(f.closed) })
    return nil
}

func (f *fakeListener) Addr() net.Addr { return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 6667} }

// peerConn gives a pipe end a TCP remote address.
type peerConn struct {
    net.Conn
    remote net.Addr
}

func (c peerConn) RemoteAddr() net.Addr { return c.remote }

func pipeFrom(t *testing.T, peer string) (server net.Conn, client net.Conn) {
    s, c := net.Pipe()
    t.Cleanup(func() { _ = c.Close(); _ = s.Close() })
    return peerConn{Conn: s, remote: net.TCPAddrFromAddrPort(netip.MustParseAddrPort(peer))}, c
}

type harness struct {
    l       *fakeListener
    reg     *registry.Store
    cmds    chan event.ListenerCommandEnvelope
    events  chan event.ListenerEventEnvelope
    connOut chan event.ConnEventEnvelope
    actor   *Actor
    done    chan struct{}
    cancel  context.CancelFunc
    // conns tracks the spawned connection actors
    conns sync.WaitGroup
}

func start(t *testing.T) *harness { return startWith(t, time.Second) }

func startWith(t *testing.T, callTimeout time.Duration) *harness {
    t.Helper()
    log := zaptest.NewLogger(t)
    h := &harness{
        l:       newFakeListener(),
        reg:     registry.NewStore(log),
        cmds:    make(chan event.ListenerCommandEnvelope, 4),
        events:  make(chan event.ListenerEventEnvelope, 32),
        connOut: make(chan event.ConnEventEnvelope, 16),
        done:    make(chan struct{}),
    }
    h.actor = New(h.l, h.reg, h.cmds, h.events, h.connOut, Options{
        CallTimeout: callTimeout,
        Logger:      log,
        Spawn: func(f func()) {
            h.conns.Add(1)
            go func() {
                defer h.conns.Done()
                f()
            }()
        },
    })
    ctx, cancel := context.WithCancel(context.Background())
    h.cancel = cancel
    go func() {
        defer close(h.done)
        h.actor.Run(ctx)
    }()
    t.Cleanup(func() {
        cancel()
        <-h.done
        h.conns.Wait()
    })
    return h
}

func waitGroup(t *testing.T, wg *sync.WaitGroup) {
    t.Helper()
    ch := make(chan struct{})
    go func() { wg.Wait(); close(ch) }()
    select {
    case <-ch:
    case <-time.After(3 * time.Second):
        t.Fatal("connection actors did not exit")
    }
}

func (h *harness) nextEvent(t *testing.T) event.ListenerEvent {
    t.Helper()
    select {
    case env := <-h.events:
        assert.True(t, env.IsNotification())
        return env.Payload
    case <-time.After(2 * time.Second):
        t.Fatal("no listener event")
        return nil
    }
}

func TestAcceptErrorsDoNotStopListener(t *testing.T) {
    h := start(t)
    boom := errors.New("too many open files")
    h.l.results <- acceptResult{err: boom}
    h.l.results <- acceptResult{err: boom}
    c, _ := pipeFrom(t, "198.51.100.1:1234")
    h.l.results <- acceptResult{c: c}

    for i := 0; i < 2; i++ {
        f, ok := h.nextEvent(t).(event.AcceptFailed)
        require.True(t, ok)
        assert.ErrorIs(t, f.Err, boom)
    }
    acc, ok := h.nextEvent(t).(event.Accepted)
    require.True(t, ok)
    assert.Equal(t, netip.MustParseAddrPort("198.51.100.1:1234"), acc.Peer)
    assert.NotEmpty(t, acc.ConnID)
    assert.Empty(t, acc.Superseded)

    hd, ok := h.reg.Lookup(acc.Peer)
    require.True(t, ok)
    assert.Equal(t, acc.ConnID, hd.ID)

    r, err := mailbox.Call(context.Background(), h.cmds, event.ListenerCommand(event.Stats{}), time.Second)
    require.NoError(t, err)
    st, ok := r.(event.AcceptStats)
    require.True(t, ok)
    assert.EqualValues(t, 1, st.Accepted)
    assert.EqualValues(t, 2, st.Failed)
}

func TestAcceptedConnectionIsReachable(t *testing.T) {
    h := start(t)
    c, _ := pipeFrom(t, "198.51.100.2:999")
    h.l.results <- acceptResult{c: c}
    acc := h.nextEvent(t).(event.Accepted)

    hd, ok := h.reg.Lookup(acc.Peer)
    require.True(t, ok)
    r, err := mailbox.Call(context.Background(), hd.Commands, event.ConnCommand(event.Ping{Token: "x"}), time.Second)
    require.NoError(t, err)
    assert.Equal(t, event.Pong{ConnID: acc.ConnID, Token: "x"}, r)
}

func TestDrain(t *testing.T) {
    h := start(t)
    r, err := mailbox.Call(context.Background(), h.cmds, event.ListenerCommand(event.Drain{}), time.Second)
    require.NoError(t, err)
    assert.IsType(t, event.Ack{}, r)
    select {
    case <-h.done:
    case <-time.After(2 * time.Second):
        t.Fatal("listener actor did not exit after Drain")
    }
    _, err = h.l.Accept()
    assert.ErrorIs(t, err, net.ErrClosed)
}

func TestSupersededConnectionIsRetired(t *testing.T) {
    h := start(t)
    first, _ := pipeFrom(t, "203.0.113.5:7000")
    h.l.results <- acceptResult{c: first}
    a1 := h.nextEvent(t).(event.Accepted)

    second, _ := pipeFrom(t, "203.0.113.5:7000")
    h.l.results <- acceptResult{c: second}
    a2 := h.nextEvent(t).(event.Accepted)
    assert.Equal(t, a1.ConnID, a2.Superseded)

    // the displaced actor closes and reports it
    select {
    case env := <-h.connOut:
        c, ok := env.Payload.(event.Closed)
        require.True(t, ok)
        assert.Equal(t, a1.ConnID, c.ConnID)
        assert.Equal(t, "superseded", c.Reason)
        assert.False(t, h.reg.Remove(c.Peer, c.ConnID))
        mailbox.Respond[event.ConnEvent, event.EndpointReply](env, event.Ack{At: time.Now()})
    case <-time.After(2 * time.Second):
        t.Fatal("superseded actor did not close")
    }

    hd, ok := h.reg.Lookup(a2.Peer)
    require.True(t, ok)
    assert.Equal(t, a2.ConnID, hd.ID)
}

func TestPeerAddr(t *testing.T) {
    mapped := &net.TCPAddr{IP: net.ParseIP("::ffff:10.1.2.3"), Port: 80}
    assert.Equal(t, netip.MustParseAddrPort("10.1.2.3:80"), peerAddr(mapped))
    assert.Equal(t, netip.MustParseAddrPort("[::1]:6667"), peerAddr(&net.TCPAddr{IP: net.IPv6loopback, Port: 6667}))
    assert.False(t, peerAddr(&net.UnixAddr{Name: "/tmp/x", Net: "unix"}).IsValid())
}

func TestBackoff(t *testing.T) {
    d := time.Duration(0)
    var seen []time.Duration
    for i := 0; i < 10; i++ {
        d = nextBackoff(d)
        seen = append(seen, d)
    }
    assert.Equal(t, minAcceptBackoff, seen[0])
    assert.Equal(t, 2*minAcceptBackoff, seen[1])
    assert.Equal(t, maxAcceptBackoff, seen[len(seen)-1])
}

func TestCanceledConnectionIsDeregistered(t *testing.T) {
    h := start(t)
    c, _ := pipeFrom(t, "198.51.100.3:4000")
    h.l.results <- acceptResult{c: c}
    acc := h.nextEvent(t).(event.Accepted)
    _, ok := h.reg.Lookup(acc.Peer)
    require.True(t, ok)

    h.cancel()
    <-h.done
    waitGroup(t, &h.conns)

    // the actor exited on cancellation without a Closed call, yet its
    // entry is gone
    assert.Empty(t, h.connOut)
    assert.Zero(t, h.reg.Len())
}

func TestUnacknowledgedCloseIsDeregistered(t *testing.T) {
    h := startWith(t, 50*time.Millisecond)
    c, client := pipeFrom(t, "198.51.100.4:4000")
    h.l.results <- acceptResult{c: c}
    acc := h.nextEvent(t).(event.Accepted)

    require.NoError(t, client.Close())
    select {
    case env := <-h.connOut:
        _, ok := env.Payload.(event.Closed)
        require.True(t, ok)
        // never answered: the actor's call times out
    case <-time.After(2 * time.Second):
        t.Fatal("no Closed call")
    }
    require.Eventually(t, func() bool { _, ok := h.reg.Lookup(acc.Peer); return !ok }, 2*time.Second, 10*time.Millisecond)
}

func TestCommandsServedDuringBackoff(t *testing.T) {
    h := start(t)
    boom := errors.New("accept: resource exhausted")
    const failures = 8
    for i := 0; i < failures; i++ {
        h.l.results <- acceptResult{err: boom}
    }
    for i := 0; i < failures; i++ {
        _, ok := h.nextEvent(t).(event.AcceptFailed)
        require.True(t, ok)
    }
    // the actor now sits in a backoff far longer than these deadlines
    r, err := mailbox.Call(context.Background(), h.cmds, event.ListenerCommand(event.Stats{}), 200*time.Millisecond)
    require.NoError(t, err)
    assert.EqualValues(t, failures, r.(event.AcceptStats).Failed)

    _, err = mailbox.Call(context.Background(), h.cmds, event.ListenerCommand(event.Drain{}), 200*time.Millisecond)
    require.NoError(t, err)
    select {
    case <-h.done:
    case <-time.After(time.Second):
        t.Fatal("listener actor did not exit after Drain during backoff")
    }
}

func TestRetireWithFullInbox(t *testing.T) {
    h := start(t)
    inbox := make(chan event.ConnCommandEnvelope, 1)
    inbox <- event.ConnCommandEnvelope{Payload: event.Ping{Token: "queued"}}
    old := registry.Handle{ID: "old", Peer: netip.MustParseAddrPort("203.0.113.9:1"), Commands: inbox}

    h.actor.retire(context.Background(), old)

    first := <-inbox
    assert.Equal(t, event.Ping{Token: "queued"}, first.Payload)
    select {
    case env := <-inbox:
        assert.Equal(t, event.Close{Reason: "superseded"}, env.Payload)
    case <-time.After(2 * time.Second):
        t.Fatal("retire was dropped while the inbox was full")
    }
}
