// Package admin serves the operator HTTP interface: registry and listener
// snapshots, forced disconnects, the runtime log level and Prometheus
// metrics.
package admin

import (
    "context"
    "errors"
    "net"
    "net/http"
    "net/netip"
    "time"

    "github.com/julienschmidt/httprouter"
    "github.com/prometheus/client_golang/prometheus"
    "github.com/prometheus/client_golang/prometheus/promhttp"
    "go.uber.org/zap"

    "rircd/pkg/codec"
    "rircd/pkg/endpoint"
    "rircd/pkg/event"
)

// Source is the part of the endpoint the admin server reads and drives.
type Source interface {
    Snapshot() []endpoint.ConnInfo
    ListenerSnapshot() []endpoint.ListenerInfo
    ListenerStats(ctx context.Context) ([]event.AcceptStats, error)
    Disconnect(ctx context.Context, peer netip.AddrPort, reason string) error
}

// Options configure a Server; nil fields disable the routes they back.
type Options struct {
    // Gatherer backs GET /metrics.
    Gatherer prometheus.Gatherer
    // Level backs GET and PUT /log/level.
    Level  *zap.AtomicLevel
    Codecs *codec.Registry
    Logger *zap.Logger
}

// Server provides the HTTP interface for operators.
type Server struct {
    src    Source
    opts   Options
    log    *zap.Logger
    router *httprouter.Router
}

// ListenerView merges a listener's identity with its accept counters.
type ListenerView struct {
    Addr     string `json:"addr" cbor:"addr"`
    Mode     string `json:"mode" cbor:"mode"`
    Accepted uint64 `json:"accepted" cbor:"accepted"`
    Failed   uint64 `json:"failed" cbor:"failed"`
}

// NewServer creates a new admin server over src.
func NewServer(src Source, opts Options) (*Server, error) {
    if opts.Codecs == nil {
        reg, err := codec.NewRegistry()
        if err != nil { return nil, err }
        opts.Codecs = reg
    }
    log := opts.Logger
    if log == nil { log = zap.L() }
    s := &Server{src: src, opts: opts, log: log.Named("admin"), router: httprouter.New()}
    s.setupRoutes()
    return s, nil
}

func (s *Server) setupRoutes() {
    s.router.GET("/healthz", s.handleHealth)
    s.router.GET("/connections", s.handleConnections)
    s.router.DELETE("/connections/:peer", s.handleDisconnect)
    s.router.GET("/listeners", s.handleListeners)
    if s.opts.Gatherer != nil {
        s.router.Handler(http.MethodGet, "/metrics", promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{}))
    }
    if s.opts.Level != nil {
        s.router.Handler(http.MethodGet, "/log/level", s.opts.Level)
        s.router.Handler(http.MethodPut, "/log/level", s.opts.Level)
    }
}

// Handler returns the routed handler, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.router }

// Serve listens on addr until ctx ends, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, addr string) error {
    l, err := net.Listen("tcp", addr)
    if err != nil { return err }
    return s.ServeListener(ctx, l)
}

// ServeListener is Serve on an already bound listener.
func (s *Server) ServeListener(ctx context.Context, l net.Listener) error {
    srv := &http.Server{Handler: s.router, ReadHeaderTimeout: 5 * time.Second}
    errCh := make(chan error, 1)
    go func() { errCh <- srv.Serve(l) }()
    s.log.Info("admin server listening", zap.String("addr", l.Addr().String()))

    select {
    case err := <-errCh:
        return err
    case <-ctx.Done():
    }
    sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
    defer cancel()
    if err := srv.Shutdown(sctx); err != nil { return err }
    if err := <-errCh; !errors.Is(err, http.ErrServerClosed) { return err }
    return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
    s.write(w, r, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleConnections(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
    s.write(w, r, http.StatusOK, s.src.Snapshot())
}

func (s *Server) handleListeners(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
    stats, err := s.src.ListenerStats(r.Context())
    if err != nil {
        // partial counters are still worth returning
        s.log.Warn("listener stats incomplete", zap.Error(err))
    }
    byAddr := make(map[string]event.AcceptStats, len(stats))
    for _, st := range stats {
        if st.Addr != nil { byAddr[st.Addr.String()] = st }
    }
    ls := s.src.ListenerSnapshot()
    out := make([]ListenerView, 0, len(ls))
    for _, l := range ls {
        st := byAddr[l.Addr]
        out = append(out, ListenerView{Addr: l.Addr, Mode: l.Mode, Accepted: st.Accepted, Failed: st.Failed})
    }
    s.write(w, r, http.StatusOK, out)
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
    peer, err := netip.ParseAddrPort(ps.ByName("peer"))
    if err != nil {
        http.Error(w, "invalid peer address: "+err.Error(), http.StatusBadRequest)
        return
    }
    reason := r.URL.Query().Get("reason")
    if reason == "" { reason = "disconnected by operator" }
    if err := s.src.Disconnect(r.Context(), peer, reason); err != nil {
        if errors.Is(err, endpoint.ErrUnknownPeer) {
            http.Error(w, err.Error(), http.StatusNotFound)
            return
        }
        http.Error(w, err.Error(), http.StatusBadGateway)
        return
    }
    s.log.Info("operator disconnect", zap.String("peer", peer.String()), zap.String("reason", reason))
    w.WriteHeader(http.StatusNoContent)
}

func (s *Server) write(w http.ResponseWriter, r *http.Request, status int, v any) {
    c := s.opts.Codecs.Negotiate(r.Header.Get("Accept"))
    b, err := c.Marshal(v)
    if err != nil {
        http.Error(w, err.Error(), http.StatusInternalServerError)
        return
    }
    w.Header().Set("Content-Type", c.ContentType())
    w.WriteHeader(status)
    _, _ = w.Write(b)
}
