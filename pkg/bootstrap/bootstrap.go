// Package bootstrap assembles a networked ftcomm process from flat
// configuration: a directory, a gRPC fabric endpoint, an optional gossip
// membership layer and an optional management API.
package bootstrap

import (
    "context"
    "crypto/tls"
    "errors"
    "fmt"
    "io"
    "log"
    "strconv"
    "strings"
    "time"

    "github.com/amirimatin/go-ftcomm/pkg/detector"
    "github.com/amirimatin/go-ftcomm/pkg/discovery"
    dEtcd "github.com/amirimatin/go-ftcomm/pkg/discovery/etcd"
    dFile "github.com/amirimatin/go-ftcomm/pkg/discovery/file"
    dStatic "github.com/amirimatin/go-ftcomm/pkg/discovery/static"
    "github.com/amirimatin/go-ftcomm/pkg/ftcomm"
    "github.com/amirimatin/go-ftcomm/pkg/internal/logutil"
    "github.com/amirimatin/go-ftcomm/pkg/membership"
    ml "github.com/amirimatin/go-ftcomm/pkg/membership/memberlist"
    tlsx "github.com/amirimatin/go-ftcomm/pkg/security/tlsconfig"
    "github.com/amirimatin/go-ftcomm/pkg/transport"
    fabric "github.com/amirimatin/go-ftcomm/pkg/transport/grpc"
    "github.com/amirimatin/go-ftcomm/pkg/transport/httpjson"
)

// Config defines high-level inputs to assemble a process with sensible
// defaults. Applications embed ftcomm by providing this structure and
// calling Start.
type Config struct {
    // Identity and fabric addresses
    ID        uint64
    Bind      string // fabric bind host:port, default 127.0.0.1:0
    Advertise string // optional address registered in the directory

    // World membership: explicit ids in rank order, or wait until the
    // directory lists Size processes and rank them by id.
    WorldCSV  string
    Size      int
    WorldWait time.Duration

    // Discovery settings
    DiscoveryKind string        // "static" (default), "file" or "etcd"
    PeersCSV      string        // "id=host:port,..." for static
    FilePath      string        // used when kind=file
    FileEnv       string        // used when kind=file
    DiscRefresh   time.Duration // cache/refresh duration for file discovery
    EtcdEndpoints string        // comma-separated, used when kind=etcd
    EtcdPrefix    string
    // Directory overrides DiscoveryKind when set.
    Directory discovery.Directory

    // Gossip membership (optional, enabled by MemBind)
    MemBind     string
    MemAdv      string
    MemSeedsCSV string

    // Management API (optional, enabled by MgmtAddr)
    MgmtAddr string

    // TLS (optional) for the fabric and the management API
    TLSEnable     bool
    TLSCA         string
    TLSCert       string
    TLSKey        string
    TLSServerName string
    TLSSkipVerify bool
    TLSReload     time.Duration

    // Parent is set on replacement processes started by a launcher.
    Parent *ftcomm.ParentInfo
    // SpawnCommand, when set, is the command line used to start replacement
    // processes; see ExecLauncher.
    SpawnCommand []string

    // Logger (optional). If nil, log.Default() is used.
    Logger *log.Logger
}

var (
    ErrNoID      = errors.New("bootstrap: id is required")
    ErrNoWorld   = errors.New("bootstrap: world ids or size required")
    ErrWorldWait = errors.New("bootstrap: timed out waiting for world")
)

func (c *Config) Validate() error {
    if c.ID == 0 { return ErrNoID }
    if c.Parent == nil && strings.TrimSpace(c.WorldCSV) == "" && c.Size <= 0 { return ErrNoWorld }
    return nil
}

func (c *Config) setDefaults() {
    if c.Logger == nil { c.Logger = log.Default() }
    if c.WorldWait <= 0 { c.WorldWait = 30 * time.Second }
}

// Node is a started process and the services around it.
type Node struct {
    Process    *ftcomm.Process
    Endpoint   *fabric.Endpoint
    Directory  discovery.Directory
    Membership membership.Membership
    Mgmt       *httpjson.Server

    cancel context.CancelFunc
    logger *log.Logger
}

func (c *Config) tls() (srv, cli *tls.Config, err error) {
    if !c.TLSEnable { return nil, nil, nil }
    topts := tlsx.Options{Enable: true, CAFile: c.TLSCA, CertFile: c.TLSCert, KeyFile: c.TLSKey, InsecureSkipVerify: c.TLSSkipVerify, ServerName: c.TLSServerName, Reload: c.TLSReload}
    if srv, err = topts.Server(); err != nil { return nil, nil, err }
    if cli, err = topts.Client(); err != nil { return nil, nil, err }
    return srv, cli, nil
}

func (c *Config) directory() (discovery.Directory, error) {
    if c.Directory != nil { return c.Directory, nil }
    switch c.DiscoveryKind {
    case "file":
        opts := dFile.Options{Path: c.FilePath, Env: c.FileEnv}
        if c.DiscRefresh > 0 { opts.Refresh = c.DiscRefresh }
        return dFile.New(opts), nil
    case "etcd":
        return dEtcd.New(dEtcd.Options{Endpoints: splitCSV(c.EtcdEndpoints), Prefix: c.EtcdPrefix, Logger: c.Logger})
    case "", "static":
        return dStatic.Parse(c.PeersCSV)
    default:
        return nil, fmt.Errorf("bootstrap: unknown discovery %q", c.DiscoveryKind)
    }
}

// ParseIDs parses a comma-separated list of process ids.
func ParseIDs(csv string) ([]transport.ProcID, error) {
    var out []transport.ProcID
    for _, s := range splitCSV(csv) {
        v, err := strconv.ParseUint(s, 10, 64)
        if err != nil || v == 0 { return nil, fmt.Errorf("bootstrap: bad process id %q", s) }
        out = append(out, transport.ProcID(v))
    }
    return out, nil
}

func splitCSV(s string) []string {
    var out []string
    for _, part := range strings.Split(s, ",") {
        if p := strings.TrimSpace(part); p != "" { out = append(out, p) }
    }
    return out
}

// awaitWorld polls dir until it lists at least size processes.
func awaitWorld(ctx context.Context, dir discovery.Directory, size int, wait time.Duration, logger *log.Logger) ([]transport.ProcID, error) {
    ctx, cancel := context.WithTimeout(ctx, wait)
    defer cancel()
    t := time.NewTicker(100 * time.Millisecond)
    defer t.Stop()
    for {
        m, err := dir.Members(ctx)
        if err != nil {
            logutil.Debugf(logger, "bootstrap: directory members: %v", err)
        } else if len(m) >= size {
            return discovery.IDs(m)[:size], nil
        }
        select {
        case <-ctx.Done():
            return nil, ErrWorldWait
        case <-t.C:
        }
    }
}

// joinLoop retries the gossip join until one seed answers; seeds started
// concurrently with this process may not be listening yet.
func joinLoop(ctx context.Context, mem membership.Membership, seeds []string, logger *log.Logger) {
    if len(seeds) == 0 { return }
    wait := 200 * time.Millisecond
    for {
        err := mem.Join(seeds)
        if err == nil { return }
        logutil.Warnf(logger, "bootstrap: membership join: %v", err)
        select {
        case <-ctx.Done():
            return
        case <-time.After(wait):
        }
        if wait < 5*time.Second { wait *= 2 }
    }
}

// Start builds and starts a Node. The caller must Close it.
func Start(ctx context.Context, cfg Config) (*Node, error) {
    if err := cfg.Validate(); err != nil { return nil, err }
    cfg.setDefaults()
    self := transport.ProcID(cfg.ID)
    srvTLS, cliTLS, err := cfg.tls()
    if err != nil { return nil, err }
    dir, err := cfg.directory()
    if err != nil { return nil, err }

    ctx, cancel := context.WithCancel(ctx)
    n := &Node{Directory: dir, cancel: cancel, logger: cfg.Logger}
    fail := func(err error) (*Node, error) {
        _ = n.Close()
        return nil, err
    }

    ep, err := fabric.Listen(ctx, fabric.Options{ID: self, Bind: cfg.Bind, Advertise: cfg.Advertise, Directory: dir, ServerTLS: srvTLS, ClientTLS: cliTLS, Logger: cfg.Logger})
    if err != nil { return fail(err) }
    n.Endpoint = ep

    var world []transport.ProcID
    if cfg.Parent == nil {
        if cfg.WorldCSV != "" {
            if world, err = ParseIDs(cfg.WorldCSV); err != nil { return fail(err) }
        } else if world, err = awaitWorld(ctx, dir, cfg.Size, cfg.WorldWait, cfg.Logger); err != nil {
            return fail(err)
        }
    }

    det := detector.New(detector.Options{Self: self, Logger: cfg.Logger})
    popts := ftcomm.Options{Endpoint: ep, World: world, Parent: cfg.Parent, Detector: det, Logger: cfg.Logger}
    if len(cfg.SpawnCommand) > 0 {
        popts.Launcher = &ExecLauncher{Command: cfg.SpawnCommand, Self: self, Detector: det, Logger: cfg.Logger}
    }
    p, err := ftcomm.New(popts)
    if err != nil { return fail(err) }
    n.Process = p

    peers := world
    if cfg.Parent != nil { peers = append(append([]transport.ProcID(nil), cfg.Parent.Parents...), cfg.Parent.Children...) }
    ep.Watch(peers...)

    if cfg.MemBind != "" {
        meta := map[string]string{membership.MetaFabricAddr: ep.Addr()}
        if cfg.MgmtAddr != "" { meta[membership.MetaMgmtAddr] = cfg.MgmtAddr }
        mem, err := ml.New(ml.Options{NodeID: membership.NodeName(self), Bind: cfg.MemBind, Advertise: cfg.MemAdv, Meta: meta, Logger: cfg.Logger})
        if err != nil { return fail(err) }
        if err := mem.Start(ctx); err != nil { return fail(err) }
        n.Membership = mem
        go joinLoop(ctx, mem, splitCSV(cfg.MemSeedsCSV), cfg.Logger)
        go membership.Feed(ctx, mem, det, cfg.Logger)
    }

    if cfg.MgmtAddr != "" {
        s := httpjson.NewServer(cfg.MgmtAddr, cfg.Logger)
        if srvTLS != nil { s.UseTLS(srvTLS) }
        if err := s.Start(ctx, p); err != nil { return fail(err) }
        n.Mgmt = s
    }
    logutil.Infof(cfg.Logger, "bootstrap: %v started, world rank %d of %d", self, p.World().Rank(), p.World().Size())
    return n, nil
}

// Close stops every service of the node. The process is gone for its peers
// once Close returns.
func (n *Node) Close() error {
    if n.cancel != nil { n.cancel() }
    var errs []error
    if n.Mgmt != nil { errs = append(errs, n.Mgmt.Stop(context.Background())) }
    if n.Membership != nil {
        _ = n.Membership.Leave()
        errs = append(errs, n.Membership.Stop())
    }
    if n.Process != nil {
        errs = append(errs, n.Process.Close())
    } else if n.Endpoint != nil {
        errs = append(errs, n.Endpoint.Close())
    }
    if c, ok := n.Directory.(io.Closer); ok { errs = append(errs, c.Close()) }
    return errors.Join(errs...)
}
