package admin

import (
    "context"
    "encoding/json"
    "fmt"
    "io"
    "net"
    "net/http"
    "net/http/httptest"
    "net/netip"
    "strings"
    "testing"
    "time"

    "github.com/prometheus/client_golang/prometheus"
    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"
    "go.uber.org/zap"
    "go.uber.org/zap/zaptest"

    "rircd/pkg/codec"
    "rircd/pkg/endpoint"
    "rircd/pkg/event"
    "rircd/pkg/metrics"
)

type fakeSource struct {
    conns     []endpoint.ConnInfo
    listeners []endpoint.ListenerInfo
    stats     []event.AcceptStats
    kicked    []string
}

func (f *fakeSource) Snapshot() []endpoint.ConnInfo             { return f.conns }
func (f *fakeSource) ListenerSnapshot() []endpoint.ListenerInfo { return f.listeners }

func (f *fakeSource) ListenerStats(context.Context) ([]event.AcceptStats, error) {
    return f.stats, nil
}

func (f *fakeSource) Disconnect(_ context.Context, peer netip.AddrPort, reason string) error {
    for _, c := range f.conns {
        if c.Peer == peer.String() {
            f.kicked = append(f.kicked, peer.String()+" "+reason)
            return nil
        }
    }
    return fmt.Errorf("%w: %s", endpoint.ErrUnknownPeer, peer)
}

func newTestServer(t *testing.T, src Source, opts Options) *httptest.Server {
    t.Helper()
    opts.Logger = zaptest.NewLogger(t)
    s, err := NewServer(src, opts)
    require.NoError(t, err)
    ts := httptest.NewServer(s.Handler())
    t.Cleanup(ts.Close)
    return ts
}

func sample() *fakeSource {
    return &fakeSource{
        conns: []endpoint.ConnInfo{{ID: "c1", Peer: "127.0.0.1:5000", Local: "127.0.0.1:6667", Since: time.Unix(1700000000, 0).UTC()}},
        listeners: []endpoint.ListenerInfo{{Addr: "127.0.0.1:6667", Mode: "plain"}},
        stats: []event.AcceptStats{{Addr: &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 6667}, Accepted: 3, Failed: 1}},
    }
}

func get(t *testing.T, url, accept string) (*http.Response, []byte) {
    t.Helper()
    req, err := http.NewRequest(http.MethodGet, url, nil)
    require.NoError(t, err)
    if accept != "" { req.Header.Set("Accept", accept) }
    resp, err := http.DefaultClient.Do(req)
    require.NoError(t, err)
    defer resp.Body.Close()
    b, err := io.ReadAll(resp.Body)
    require.NoError(t, err)
    return resp, b
}

func TestConnectionsJSON(t *testing.T) {
    ts := newTestServer(t, sample(), Options{})
    resp, body := get(t, ts.URL+"/connections", "")
    require.Equal(t, http.StatusOK, resp.StatusCode)
    assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
    var got []endpoint.ConnInfo
    require.NoError(t, json.Unmarshal(body, &got))
    require.Len(t, got, 1)
    assert.Equal(t, "c1", got[0].ID)
}

func TestConnectionsCBOR(t *testing.T) {
    ts := newTestServer(t, sample(), Options{})
    resp, body := get(t, ts.URL+"/connections", "application/cbor")
    require.Equal(t, http.StatusOK, resp.StatusCode)
    assert.Equal(t, "application/cbor", resp.Header.Get("Content-Type"))
    c, err := codec.CBOR()
    require.NoError(t, err)
    var got []endpoint.ConnInfo
    require.NoError(t, c.Unmarshal(body, &got))
    require.Len(t, got, 1)
    assert.Equal(t, "127.0.0.1:5000", got[0].Peer)
    assert.True(t, got[0].Since.Equal(time.Unix(1700000000, 0)))
}

func TestListenersMergeStats(t *testing.T) {
    ts := newTestServer(t, sample(), Options{})
    _, body := get(t, ts.URL+"/listeners", "application/json")
    var got []ListenerView
    require.NoError(t, json.Unmarshal(body, &got))
    assert.Equal(t, []ListenerView{{Addr: "127.0.0.1:6667", Mode: "plain", Accepted: 3, Failed: 1}}, got)
}

func TestDisconnect(t *testing.T) {
    src := sample()
    ts := newTestServer(t, src, Options{})
    do := func(path string) int {
        req, err := http.NewRequest(http.MethodDelete, ts.URL+path, nil)
        require.NoError(t, err)
        resp, err := http.DefaultClient.Do(req)
        require.NoError(t, err)
        resp.Body.Close()
        return resp.StatusCode
    }
    assert.Equal(t, http.StatusNoContent, do("/connections/127.0.0.1:5000?reason=flood"))
    assert.Equal(t, []string{"127.0.0.1:5000 flood"}, src.kicked)
    assert.Equal(t, http.StatusNotFound, do("/connections/127.0.0.1:5001"))
    assert.Equal(t, http.StatusBadRequest, do("/connections/not-an-address"))
}

func TestMetricsAndHealth(t *testing.T) {
    reg := prometheus.NewRegistry()
    m, err := metrics.New(reg)
    require.NoError(t, err)
    m.SetConnections(4)
    ts := newTestServer(t, sample(), Options{Gatherer: reg})

    resp, body := get(t, ts.URL+"/metrics", "")
    require.Equal(t, http.StatusOK, resp.StatusCode)
    assert.Contains(t, string(body), "rircd_connections 4")

    resp, _ = get(t, ts.URL+"/healthz", "")
    assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRoutesDisabledWithoutBackends(t *testing.T) {
    ts := newTestServer(t, sample(), Options{})
    resp, _ := get(t, ts.URL+"/metrics", "")
    assert.Equal(t, http.StatusNotFound, resp.StatusCode)
    resp, _ = get(t, ts.URL+"/log/level", "")
    assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestLogLevel(t *testing.T) {
    lvl := zap.NewAtomicLevelAt(zap.InfoLevel)
    ts := newTestServer(t, sample(), Options{Level: &lvl})
    req, err := http.NewRequest(http.MethodPut, ts.URL+"/log/level", strings.NewReader(`{"level":"debug"}`))
    require.NoError(t, err)
    req.Header.Set("Content-Type", "application/json")
    resp, err := http.DefaultClient.Do(req)
    require.NoError(t, err)
    resp.Body.Close()
    assert.Equal(t, http.StatusOK, resp.StatusCode)
    assert.Equal(t, zap.DebugLevel, lvl.Level())
}

func TestServeListenerShutsDownOnCancel(t *testing.T) {
    s, err := NewServer(sample(), Options{Logger: zaptest.NewLogger(t)})
    require.NoError(t, err)
    l, err := net.Listen("tcp", "127.0.0.1:0")
    require.NoError(t, err)
    ctx, cancel := context.WithCancel(context.Background())
    errCh := make(chan error, 1)
    go func() { errCh <- s.ServeListener(ctx, l) }()

    require.Eventually(t, func() bool {
        resp, err := http.Get("http://" + l.Addr().String() + "/healthz")
        if err != nil { return false }
        resp.Body.Close()
        return resp.StatusCode == http.StatusOK
    }, 2*time.Second, 10*time.Millisecond)

    cancel()
    select {
    case err := <-errCh:
        assert.NoError(t, err)
    case <-time.After(5 * time.Second):
        t.Fatal("admin server did not stop")
    }
}
