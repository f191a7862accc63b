package main

import (
    "context"
    "os"
    "os/signal"
    "syscall"
    "time"

    "github.com/prometheus/client_golang/prometheus"
    "github.com/prometheus/client_golang/prometheus/collectors"
    "go.uber.org/zap"

    "rircd/pkg/admin"
    "rircd/pkg/config"
    "rircd/pkg/endpoint"
    "rircd/pkg/event"
    "rircd/pkg/metrics"
    "rircd/pkg/observability"
    "rircd/pkg/tlsutil"
)

const shutdownGrace = 10 * time.Second

// run is the main entry point after CLI parsing.
func run(opts Options) int {
    cfg, err := config.LoadWithFlags(opts.ConfigPath, opts.Flags)
    if err != nil {
        _, _ = os.Stderr.WriteString("failed to load config: " + err.Error() + "\n")
        return 1
    }

    logger, level, err := observability.SetupLogger(cfg.Log)
    if err != nil {
        _, _ = os.Stderr.WriteString("failed to setup logger: " + err.Error() + "\n")
        return 1
    }
    defer func() { _ = logger.Sync() }()

    zap.L().Info("rircd starting", zap.String("app", cfg.AppName))
    zap.L().Debug("effective configuration", zap.Any("config", cfg))

    reg := prometheus.NewRegistry()
    reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
    m, err := metrics.New(reg)
    if err != nil {
        zap.L().Error("failed to register metrics", zap.Error(err))
        return 1
    }

    tlsConf, err := tlsutil.ServerConfig(cfg.TLS, logger)
    if err != nil {
        zap.L().Error("failed to load TLS configuration", zap.Error(err))
        return 1
    }

    ep, err := endpoint.New(cfg.Listen.Plain, cfg.Listen.TLS, endpoint.Options{
        ChannelCapacity: cfg.Actor.ChannelCapacity,
        CallTimeout:     cfg.Actor.CallTimeout(),
        ReadBufferSize:  cfg.Actor.ReadBufferBytes,
        TLSConfig:       tlsConf,
        Handler:         lineLogger(logger),
        Logger:          logger,
        Metrics:         m,
    })
    if err != nil {
        zap.L().Error("invalid listen configuration", zap.Error(err))
        return 1
    }

    ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
    defer stop()

    if err := ep.Start(ctx); err != nil {
        zap.L().Error("failed to start endpoint", zap.Error(err))
        return 1
    }

    if cfg.Admin.Listen != "" {
        srv, err := admin.NewServer(ep, admin.Options{Gatherer: reg, Level: &level, Logger: logger})
        if err != nil {
            zap.L().Error("failed to build admin server", zap.Error(err))
            return 1
        }
        go func() {
            if err := srv.Serve(ctx, cfg.Admin.Listen); err != nil {
                zap.L().Error("admin server stopped", zap.Error(err))
            }
        }()
    }

    zap.L().Info("rircd is running; press Ctrl+C to exit")
    select {
    case <-ctx.Done():
        zap.L().Info("shutdown requested")
    case <-ep.Done():
        zap.L().Warn("event loop exited; no listener left")
    }

    sctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
    defer cancel()
    if err := ep.Shutdown(sctx); err != nil {
        zap.L().Warn("unclean shutdown", zap.Error(err))
    }
    zap.L().Info("rircd stopped")
    return 0
}

// lineLogger is the stand-in protocol layer: it logs what clients send.
func lineLogger(log *zap.Logger) endpoint.Handler {
    log = log.Named("lines")
    return endpoint.HandlerFuncs{
        Conn: func(_ context.Context, ev event.ConnEvent) (event.EndpointReply, bool) {
            if l, ok := ev.(event.Line); ok {
                log.Debug("line", zap.String("peer", l.Peer.String()), zap.ByteString("data", l.Data), zap.Bool("truncated", l.Truncated))
            }
            return nil, false
        },
    }
}
