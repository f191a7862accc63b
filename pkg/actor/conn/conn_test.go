package conn

import (
    "context"
    "io"
    "net"
    "net/netip"
    "testing"
    "time"

    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"
    "go.uber.org/zap/zaptest"

    "rircd/pkg/event"
    "rircd/pkg/mailbox"
)

var testPeer = netip.MustParseAddrPort("192.0.2.7:40000")

type harness struct {
    client net.Conn
    in     chan event.ConnCommandEnvelope
    out    chan event.ConnEventEnvelope
    actor  *Actor
    done   chan struct{}
    cancel context.CancelFunc
}

func start(t *testing.T) *harness {
    t.Helper()
    server, client := net.Pipe()
    h := &harness{
        client: client,
        in:     make(chan event.ConnCommandEnvelope, 4),
        out:    make(chan event.ConnEventEnvelope, 8),
        done:   make(chan struct{}),
    }
    h.actor = New("c1", testPeer, server, h.in, h.out, Options{CallTimeout: time.Second, Logger: zaptest.NewLogger(t)})
    ctx, cancel := context.WithCancel(context.Background())
    h.cancel = cancel
    go func() {
        defer close(h.done)
        h.actor.Run(ctx)
    }()
    t.Cleanup(func() {
        cancel()
        _ = client.Close()
        <-h.done
    })
    return h
}

func (h *harness) next(t *testing.T) event.ConnEventEnvelope {
    t.Helper()
    select {
    case env := <-h.out:
        return env
    case <-time.After(2 * time.Second):
        t.Fatal("no event from connection actor")
        return event.ConnEventEnvelope{}
    }
}

func (h *harness) waitDone(t *testing.T) {
    t.Helper()
    select {
    case <-h.done:
    case <-time.After(2 * time.Second):
        t.Fatal("connection actor did not exit")
    }
}

func TestLinesAreForwarded(t *testing.T) {
    h := start(t)
    go func() { _, _ = h.client.Write([]byte("NICK alice\r\nUSER alice 0 * :A\r\n")) }()

    for _, want := range []string{"NICK alice", "USER alice 0 * :A"} {
        env := h.next(t)
        assert.True(t, env.IsNotification())
        l, ok := env.Payload.(event.Line)
        require.True(t, ok, "got %T", env.Payload)
        assert.Equal(t, want, string(l.Data))
        assert.Equal(t, "c1", l.ConnID)
        assert.Equal(t, testPeer, l.Peer)
    }
}

func TestPingRoutesToActor(t *testing.T) {
    h := start(t)
    r, err := mailbox.Call(context.Background(), h.in, event.ConnCommand(event.Ping{Token: "tok-1"}), time.Second)
    require.NoError(t, err)
    assert.Equal(t, event.Pong{ConnID: "c1", Token: "tok-1"}, r)
}

func TestWriteCommand(t *testing.T) {
    h := start(t)
    got := make(chan string, 1)
    go func() {
        buf := make([]byte, 64)
        n, _ := h.client.Read(buf)
        got <- string(buf[:n])
    }()
    r, err := mailbox.Call(context.Background(), h.in, event.ConnCommand(event.Write{Data: []byte(":srv 001 alice :hi\r\n")}), time.Second)
    require.NoError(t, err)
    assert.IsType(t, event.Ack{}, r)
    assert.Equal(t, ":srv 001 alice :hi\r\n", <-got)
}

func TestPeerCloseReportsClosed(t *testing.T) {
    h := start(t)
    require.NoError(t, h.client.Close())

    env := h.next(t)
    require.False(t, env.IsNotification(), "Closed must be a call")
    c, ok := env.Payload.(event.Closed)
    require.True(t, ok, "got %T", env.Payload)
    assert.Equal(t, "c1", c.ConnID)
    assert.Equal(t, "eof", c.Reason)
    mailbox.Respond[event.ConnEvent, event.EndpointReply](env, event.Ack{At: time.Now()})

    h.waitDone(t)
    assert.Equal(t, Closed, h.actor.State())
}

func TestCloseCommand(t *testing.T) {
    h := start(t)
    r, err := mailbox.Call(context.Background(), h.in, event.ConnCommand(event.Close{Reason: "bye"}), time.Second)
    require.NoError(t, err)
    assert.IsType(t, event.Ack{}, r)

    env := h.next(t)
    c, ok := env.Payload.(event.Closed)
    require.True(t, ok)
    assert.Equal(t, "bye", c.Reason)
    mailbox.Respond[event.ConnEvent, event.EndpointReply](env, event.Ack{At: time.Now()})
    h.waitDone(t)

    // the socket is closed
    _, err = h.client.Read(make([]byte, 1))
    assert.ErrorIs(t, err, io.EOF)
}

func TestUnansweredCloseStillExits(t *testing.T) {
    h := start(t)
    require.NoError(t, h.client.Close())
    env := h.next(t)
    mailbox.Drop(env)
    h.waitDone(t)
}

func TestEndpointGoneEndsActor(t *testing.T) {
    h := start(t)
    close(h.out)
    go func() { _, _ = h.client.Write([]byte("PING x\r\n")) }()
    h.waitDone(t)
    assert.Equal(t, Closed, h.actor.State())
}

func TestCommandChannelClosedEndsActor(t *testing.T) {
    h := start(t)
    close(h.in)
    h.waitDone(t)
    select {
    case env := <-h.out:
        t.Fatalf("unexpected event %T", env.Payload)
    default:
    }
}

func TestCancelEndsActorWithoutClosedCall(t *testing.T) {
    h := start(t)
    h.cancel()
    h.waitDone(t)
    assert.Empty(t, h.out)
    assert.Equal(t, Closed, h.actor.State())
    // the socket is closed; deregistration on this path is done by whoever
    // spawned the actor, see listener.TestCanceledConnectionIsDeregistered
    _, err := h.client.Read(make([]byte, 1))
    assert.ErrorIs(t, err, io.EOF)
}
