// Package cli holds the cobra commands of ftctl so services can mount them
// under their own root command.
package cli

import (
    "context"
    "encoding/json"
    "fmt"
    "log"
    "os"
    "os/signal"
    "syscall"
    "time"

    "github.com/spf13/cobra"

    "github.com/amirimatin/go-ftcomm/pkg/bootstrap"
    "github.com/amirimatin/go-ftcomm/pkg/ftcomm"
    "github.com/amirimatin/go-ftcomm/pkg/internal/logutil"
    "github.com/amirimatin/go-ftcomm/pkg/observability/metrics"
    tracing "github.com/amirimatin/go-ftcomm/pkg/observability/tracing"
    tlsx "github.com/amirimatin/go-ftcomm/pkg/security/tlsconfig"
    "github.com/amirimatin/go-ftcomm/pkg/transport"
    "github.com/amirimatin/go-ftcomm/pkg/transport/httpjson"
)

// AddAll attaches run/status/health/revoke to the provided root command.
func AddAll(root *cobra.Command) {
    root.AddCommand(NewRunCmd())
    root.AddCommand(NewStatusCmd())
    root.AddCommand(NewHealthCmd())
    root.AddCommand(NewRevokeCmd())
}

// NewRunCmd returns the "run" command used to start one process.
func NewRunCmd() *cobra.Command {
    var (
        cfg                    bootstrap.Config
        id                     uint64
        parent, spawn          string
        interval               time.Duration
        traceEnable, keepGoing bool
    )
    cmd := &cobra.Command{
        Use:   "run",
        Short: "Run one fault-tolerant process over the gRPC fabric",
        RunE: func(cmd *cobra.Command, args []string) error {
            if id == 0 { return fmt.Errorf("missing --id") }
            ctx, cancel := signalContext()
            defer cancel()

            if traceEnable {
                shutdown, err := tracing.Setup(true)
                if err != nil {
                    log.Printf("tracing setup error: %v", err)
                } else {
                    defer func() { _ = shutdown(context.Background()) }()
                }
            }
            metrics.Register()

            p, err := bootstrap.ParseParent(parent)
            if err != nil { return err }
            cfg.ID, cfg.Parent = id, p
            if spawn != "" { cfg.SpawnCommand = splitArgs(spawn) }
            cfg.Logger = log.Default()
            node, err := bootstrap.Start(ctx, cfg)
            if err != nil { return err }
            defer node.Close()

            fmt.Printf("process %v running (rank %d of %d). Press Ctrl+C to exit.\n",
                node.Process.Self(), node.Process.World().Rank(), node.Process.World().Size())
            if interval <= 0 {
                select {
                case <-ctx.Done():
                case <-node.Process.Done():
                }
                return nil
            }
            return agreeLoop(ctx, node.Process, interval, keepGoing, cfg.Logger)
        },
    }
    f := cmd.Flags()
    f.Uint64Var(&id, "id", 0, "process id, unique in the job (required)")
    f.StringVar(&cfg.Bind, "bind", "127.0.0.1:0", "fabric bind addr (host:port)")
    f.StringVar(&cfg.Advertise, "advertise", "", "fabric address registered in the directory")
    f.StringVar(&cfg.WorldCSV, "world", "", "comma-separated process ids in rank order")
    f.IntVar(&cfg.Size, "size", 0, "wait for this many processes in the directory instead of --world")
    f.DurationVar(&cfg.WorldWait, "world-wait", 30*time.Second, "how long to wait for the world to assemble")
    f.StringVar(&cfg.DiscoveryKind, "discovery", "static", "directory backend: static|file|etcd")
    f.StringVar(&cfg.PeersCSV, "peers", "", "comma-separated id=host:port entries, used by discovery=static")
    f.StringVar(&cfg.FilePath, "file-path", "", "path or glob to files with id=host:port entries")
    f.StringVar(&cfg.FileEnv, "file-env", "", "ENV var name with id=host:port entries; overrides the file when set")
    f.DurationVar(&cfg.DiscRefresh, "disc-refresh", 5*time.Second, "file discovery refresh/cache duration")
    f.StringVar(&cfg.EtcdEndpoints, "etcd", "", "comma-separated etcd endpoints, used by discovery=etcd")
    f.StringVar(&cfg.EtcdPrefix, "etcd-prefix", "", "etcd key prefix for this job")
    f.StringVar(&cfg.MemBind, "mem-bind", "", "gossip membership bind addr (host:port); empty disables it")
    f.StringVar(&cfg.MemAdv, "mem-adv", "", "gossip advertise addr (host:port, optional)")
    f.StringVar(&cfg.MemSeedsCSV, "mem-join", "", "comma-separated gossip seeds (host:port)")
    f.StringVar(&cfg.MgmtAddr, "mgmt-addr", "", "management HTTP address; empty disables it")
    f.BoolVar(&cfg.TLSEnable, "tls-enable", false, "enable mTLS for fabric and management")
    f.StringVar(&cfg.TLSCA, "tls-ca", "", "path to CA cert (PEM)")
    f.StringVar(&cfg.TLSCert, "tls-cert", "", "path to process certificate (PEM)")
    f.StringVar(&cfg.TLSKey, "tls-key", "", "path to process private key (PEM)")
    f.BoolVar(&cfg.TLSSkipVerify, "tls-skip-verify", false, "skip server cert verification (DEV ONLY)")
    f.StringVar(&cfg.TLSServerName, "tls-server-name", "", "expected server name (for TLS validation)")
    f.DurationVar(&cfg.TLSReload, "tls-reload", 0, "re-read certificates at most this often (0 disables)")
    f.StringVar(&parent, "parent", "", "parent info JSON, set by the launcher on replacements")
    f.StringVar(&spawn, "spawn", "", "command line used to start replacements, e.g. \"ftctl run --discovery etcd --etcd host:2379\"")
    f.DurationVar(&interval, "agree-every", 0, "run a world agreement at this interval, shrinking on failure (0 idles)")
    f.BoolVar(&keepGoing, "keep-going", true, "with --agree-every, shrink and continue after failures")
    f.BoolVar(&traceEnable, "trace", false, "enable OpenTelemetry stdout tracing (dev)")
    return cmd
}

// agreeLoop agrees on the world at every tick. When a round's decision
// reports failed processes, or the communicator is revoked, it shrinks and
// continues on the survivors.
func agreeLoop(ctx context.Context, p *ftcomm.Process, every time.Duration, keepGoing bool, logger *log.Logger) error {
    comm := p.World()
    t := time.NewTicker(every)
    defer t.Stop()
    for round := int64(1); ; round++ {
        select {
        case <-ctx.Done():
            return nil
        case <-p.Done():
            return nil
        case <-t.C:
        }
        var failed []transport.ProcID
        r, err := comm.IAgree(ftcomm.EncodeInt64s(round), ftcomm.OpMin)
        if err == nil {
            var v []byte
            if v, err = r.Wait(ctx); err == nil {
                failed = r.Failed().Procs()
                logutil.Infof(logger, "round %d agreed %d on %s (%d processes)", round, ftcomm.DecodeInt64s(v)[0], comm.CID(), comm.Size())
            }
        }
        switch ftcomm.Classify(err) {
        case ftcomm.ClassSuccess:
            if len(failed) == 0 { continue }
            if !keepGoing { return fmt.Errorf("round %d: processes %v failed", round, failed) }
        case ftcomm.ClassRevoked:
            if !keepGoing { return err }
            comm.Revoke()
        default:
            if ctx.Err() != nil { return nil }
            return err
        }
        next, err := comm.Shrink(ctx)
        if err != nil {
            if ctx.Err() != nil { return nil }
            return fmt.Errorf("shrink: %w", err)
        }
        if comm != p.World() { comm.Free() }
        logutil.Warnf(logger, "round %d: shrank %s to %s with %d processes", round, comm.CID(), next.CID(), next.Size())
        comm = next
    }
}

// NewStatusCmd returns the "status" command.
func NewStatusCmd() *cobra.Command {
    var mc mgmtFlags
    cmd := &cobra.Command{
        Use:   "status",
        Short: "Fetch a process status as JSON",
        RunE: func(cmd *cobra.Command, args []string) error {
            client, err := mc.client()
            if err != nil { return err }
            ctx, cancel := context.WithTimeout(context.Background(), mc.timeout)
            defer cancel()
            st, err := client.GetStatus(ctx, mc.addr)
            if err != nil { return fmt.Errorf("status error: %w", err) }
            enc := json.NewEncoder(cmd.OutOrStdout())
            enc.SetIndent("", "  ")
            return enc.Encode(st)
        },
    }
    mc.bind(cmd)
    return cmd
}

// NewHealthCmd returns the "health" command; it fails when the process is dead.
func NewHealthCmd() *cobra.Command {
    var mc mgmtFlags
    cmd := &cobra.Command{
        Use:   "health",
        Short: "Check whether a process is alive",
        RunE: func(cmd *cobra.Command, args []string) error {
            client, err := mc.client()
            if err != nil { return err }
            ctx, cancel := context.WithTimeout(context.Background(), mc.timeout)
            defer cancel()
            ok, err := client.Healthy(ctx, mc.addr)
            if err != nil { return fmt.Errorf("health error: %w", err) }
            if !ok { return fmt.Errorf("process at %s is dead", mc.addr) }
            fmt.Fprintln(cmd.OutOrStdout(), "ok")
            return nil
        },
    }
    mc.bind(cmd)
    return cmd
}

// NewRevokeCmd returns the "revoke" command.
func NewRevokeCmd() *cobra.Command {
    var (
        mc     mgmtFlags
        handle int
    )
    cmd := &cobra.Command{
        Use:   "revoke",
        Short: "Revoke a communicator of a running process",
        RunE: func(cmd *cobra.Command, args []string) error {
            client, err := mc.client()
            if err != nil { return err }
            ctx, cancel := context.WithTimeout(context.Background(), mc.timeout)
            defer cancel()
            cid, err := client.Revoke(ctx, mc.addr, handle)
            if err != nil { return fmt.Errorf("revoke error: %w", err) }
            fmt.Fprintf(cmd.OutOrStdout(), "revoked %s\n", cid)
            return nil
        },
    }
    mc.bind(cmd)
    cmd.Flags().IntVar(&handle, "handle", 0, "communicator handle, as listed by status")
    return cmd
}

// mgmtFlags are the flags shared by management client commands.
type mgmtFlags struct {
    addr                                  string
    timeout                               time.Duration
    tlsEnable, tlsSkip                    bool
    tlsCA, tlsCert, tlsKey, tlsServerName string
}

func (m *mgmtFlags) bind(cmd *cobra.Command) {
    f := cmd.Flags()
    f.StringVar(&m.addr, "addr", "127.0.0.1:17946", "management address of a process (host:port)")
    f.DurationVar(&m.timeout, "timeout", 3*time.Second, "request timeout")
    f.BoolVar(&m.tlsEnable, "tls-enable", false, "enable mTLS for management transport")
    f.StringVar(&m.tlsCA, "tls-ca", "", "path to CA cert (PEM)")
    f.StringVar(&m.tlsCert, "tls-cert", "", "path to client certificate (PEM)")
    f.StringVar(&m.tlsKey, "tls-key", "", "path to client private key (PEM)")
    f.BoolVar(&m.tlsSkip, "tls-skip-verify", false, "skip server cert verification (DEV ONLY)")
    f.StringVar(&m.tlsServerName, "tls-server-name", "", "expected server name (for TLS validation)")
}

func (m *mgmtFlags) client() (*httpjson.Client, error) {
    c := httpjson.NewClient(m.timeout)
    if !m.tlsEnable { return c, nil }
    cfg, err := tlsx.Options{Enable: true, CAFile: m.tlsCA, CertFile: m.tlsCert, KeyFile: m.tlsKey, InsecureSkipVerify: m.tlsSkip, ServerName: m.tlsServerName}.Client()
    if err != nil { return nil, fmt.Errorf("tls client config: %w", err) }
    return c.UseTLS(cfg), nil
}

// splitArgs splits a command line on whitespace; quoting is not supported.
func splitArgs(s string) []string {
    var out []string
    start := -1
    for i, r := range s {
        if r == ' ' || r == '\t' {
            if start >= 0 { out = append(out, s[start:i]); start = -1 }
            continue
        }
        if start < 0 { start = i }
    }
    if start >= 0 { out = append(out, s[start:]) }
    return out
}

func signalContext() (context.Context, context.CancelFunc) {
    return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
