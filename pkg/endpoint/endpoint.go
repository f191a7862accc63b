// Package endpoint is the coordinator of the connection core. It binds the
// configured sockets, runs one listener actor per socket, and multiplexes
// the events of every listener and connection actor in a single loop. It is
// the only component that issues commands to actors.
package endpoint

import (
    "context"
    "crypto/tls"
    "errors"
    "fmt"
    "net"
    "net/netip"
    "sync"
    "time"

    "go.uber.org/zap"

    "rircd/pkg/actor/listener"
    "rircd/pkg/event"
    "rircd/pkg/mailbox"
    "rircd/pkg/metrics"
    "rircd/pkg/registry"
    "rircd/pkg/wire"
)

var (
    ErrNoBindAddresses = errors.New("endpoint: no bind addresses specified")
    ErrAddressParse    = errors.New("endpoint: invalid bind address")
    ErrBindFailed      = errors.New("endpoint: bind failed")
    ErrAlreadyStarted  = errors.New("endpoint: already started")
    ErrNotStarted      = errors.New("endpoint: not started")
    ErrUnknownPeer     = errors.New("endpoint: no connection for peer")
)

// AddressParseError reports a bind address that is not an ip:port literal.
type AddressParseError struct {
    Address string
    Err     error
}

func (e *AddressParseError) Error() string {
    return fmt.Sprintf("endpoint: invalid bind address %q: %v", e.Address, e.Err)
}

func (e *AddressParseError) Unwrap() []error { return []error{ErrAddressParse, e.Err} }

// BindError reports the address whose bind made Start fail.
type BindError struct {
    Address string
    Err     error
}

func (e *BindError) Error() string {
    return fmt.Sprintf("endpoint: bind %s: %v", e.Address, e.Err)
}

func (e *BindError) Unwrap() []error { return []error{ErrBindFailed, e.Err} }

// Mode is the transport a BindSpec is served with.
type Mode int

const (
    ModePlain Mode = iota
    ModeTLS
)

func (m Mode) String() string {
    if m == ModeTLS { return "tls" }
    return "plain"
}

// BindSpec is one validated address the endpoint listens on.
type BindSpec struct {
    Addr netip.AddrPort
    Mode Mode
}

// ListenerHandle identifies a running listener actor.
type ListenerHandle struct {
    Addr     net.Addr
    Mode     Mode
    Commands chan<- event.ListenerCommandEnvelope

    done <-chan struct{}
}

// Options configure an Endpoint; zero values select defaults.
type Options struct {
    // ChannelCapacity bounds every actor channel (default 99).
    ChannelCapacity int
    // CallTimeout is the correlator deadline (default 5s).
    CallTimeout time.Duration
    // ReadBufferSize sizes each connection's read buffer (default 512+4096).
    ReadBufferSize int
    // TLSConfig enables the TLS bind addresses. Without it they are
    // skipped; certificate management belongs to the caller.
    TLSConfig *tls.Config
    // Handler receives protocol events; nil drops every reply.
    Handler Handler
    // NewDecoder builds each connection's framer; nil selects IRC lines.
    NewDecoder func() wire.Decoder
    Logger     *zap.Logger
    Metrics    *metrics.Metrics
}

// Endpoint owns the bind addresses, the bound listeners and the
// connection registry.
type Endpoint struct {
    specs []BindSpec
    opts  Options
    log   *zap.Logger
    reg   *registry.Store

    mu        sync.Mutex
    started   bool
    listeners []ListenerHandle
    cancel    context.CancelFunc

    listenerEvents chan event.ListenerEventEnvelope
    connEvents     chan event.ConnEventEnvelope

    actors     sync.WaitGroup
    actorsDone chan struct{}
    loopDone   chan struct{}
}

// New validates the bind addresses and prepares an endpoint. It binds
// nothing; see Start.
func New(plain, tlsAddrs []string, opts Options) (*Endpoint, error) {
    if len(plain) == 0 && len(tlsAddrs) == 0 { return nil, ErrNoBindAddresses }

    specs := make([]BindSpec, 0, len(plain)+len(tlsAddrs))
    for _, group := range []struct {
        addrs []string
        mode  Mode
    }{{plain, ModePlain}, {tlsAddrs, ModeTLS}} {
        for _, a := range group.addrs {
            ap, err := netip.ParseAddrPort(a)
            if err != nil { return nil, &AddressParseError{Address: a, Err: err} }
            specs = append(specs, BindSpec{Addr: ap, Mode: group.mode})
        }
    }

    if opts.ChannelCapacity <= 0 { opts.ChannelCapacity = listener.DefaultChannelCapacity }
    if opts.CallTimeout <= 0 { opts.CallTimeout = mailbox.DefaultDeadline }
    if opts.Handler == nil { opts.Handler = NopHandler{} }
    log := opts.Logger
    if log == nil { log = zap.L() }
    log = log.Named("endpoint")
    opts.Logger = log

    reg := registry.NewStore(log)
    m := opts.Metrics
    reg.OnChange(m.SetConnections)

    return &Endpoint{
        specs:    specs,
        opts:     opts,
        log:      log,
        reg:      reg,
        actorsDone: make(chan struct{}),
        loopDone:   make(chan struct{}),
    }, nil
}

// BindSpecs returns the validated bind addresses.
func (e *Endpoint) BindSpecs() []BindSpec { return append([]BindSpec(nil), e.specs...) }

// Registry exposes the shared connection registry for read access.
func (e *Endpoint) Registry() *registry.Store { return e.reg }

// Listeners returns the handles of the running listener actors.
func (e *Endpoint) Listeners() []ListenerHandle {
    e.mu.Lock(); defer e.mu.Unlock()
    return append([]ListenerHandle(nil), e.listeners...)
}

// Wait blocks until the event loop has exited.
func (e *Endpoint) Wait() { <-e.loopDone }

// Done is closed when the event loop has exited.
func (e *Endpoint) Done() <-chan struct{} { return e.loopDone }
