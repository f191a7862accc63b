package main

import (
    "context"
    "fmt"
    "io"
    "net/http"
    "net/url"
    "os"
    "text/tabwriter"
    "time"

    "github.com/spf13/pflag"

    "rircd/pkg/admin"
    "rircd/pkg/codec"
    "rircd/pkg/endpoint"
)

func main() {
    fs := pflag.NewFlagSet("rircd-ctl", pflag.ExitOnError)
    addr := fs.String("admin", "127.0.0.1:6680", "admin server address")
    format := fs.String("format", "cbor", "wire format: json|cbor")
    timeout := fs.Duration("timeout", 5*time.Second, "request timeout")
    reason := fs.String("reason", "", "disconnect reason (kick)")
    fs.Usage = func() {
        fmt.Fprintln(os.Stderr, "usage: rircd-ctl [flags] connections|listeners|kick <peer>")
        fs.PrintDefaults()
    }
    _ = fs.Parse(os.Args[1:])
    if fs.NArg() == 0 { fs.Usage(); os.Exit(2) }

    reg, err := codec.NewRegistry()
    if err != nil { fatalf("codecs: %v", err) }
    c := reg.Get("application/" + *format)
    if c == nil { fatalf("unknown format %q", *format) }

    ctx, cancel := context.WithTimeout(context.Background(), *timeout)
    defer cancel()
    base := "http://" + *addr

    switch fs.Arg(0) {
    case "connections":
        var conns []endpoint.ConnInfo
        get(ctx, c, base+"/connections", &conns)
        tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
        fmt.Fprintln(tw, "PEER\tLOCAL\tID\tSINCE")
        for _, ci := range conns {
            fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", ci.Peer, ci.Local, ci.ID, ci.Since.Format(time.RFC3339))
        }
        _ = tw.Flush()
    case "listeners":
        var ls []admin.ListenerView
        get(ctx, c, base+"/listeners", &ls)
        tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
        fmt.Fprintln(tw, "ADDR\tMODE\tACCEPTED\tFAILED")
        for _, l := range ls {
            fmt.Fprintf(tw, "%s\t%s\t%d\t%d\n", l.Addr, l.Mode, l.Accepted, l.Failed)
        }
        _ = tw.Flush()
    case "kick":
        if fs.NArg() < 2 { fatalf("kick needs a peer address") }
        u := base + "/connections/" + url.PathEscape(fs.Arg(1))
        if *reason != "" { u += "?reason=" + url.QueryEscape(*reason) }
        req, err := http.NewRequestWithContext(ctx, http.MethodDelete, u, nil)
        if err != nil { fatalf("request: %v", err) }
        resp, err := http.DefaultClient.Do(req)
        if err != nil { fatalf("kick: %v", err) }
        defer resp.Body.Close()
        if resp.StatusCode != http.StatusNoContent {
            b, _ := io.ReadAll(resp.Body)
            fatalf("kick: %s: %s", resp.Status, b)
        }
        fmt.Println("disconnected", fs.Arg(1))
    default:
        fs.Usage()
        os.Exit(2)
    }
}

func get(ctx context.Context, c codec.Codec, u string, v any) {
    req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
    if err != nil { fatalf("request: %v", err) }
    req.Header.Set("Accept", c.ContentType())
    resp, err := http.DefaultClient.Do(req)
    if err != nil { fatalf("get %s: %v", u, err) }
    defer resp.Body.Close()
    b, err := io.ReadAll(resp.Body)
    if err != nil { fatalf("read: %v", err) }
    if resp.StatusCode != http.StatusOK { fatalf("get %s: %s: %s", u, resp.Status, b) }
    if err := c.Unmarshal(b, v); err != nil { fatalf("decode: %v", err) }
}

func fatalf(format string, args ...any) {
    fmt.Fprintf(os.Stderr, "rircd-ctl: "+format+"\n", args...)
    os.Exit(1)
}
