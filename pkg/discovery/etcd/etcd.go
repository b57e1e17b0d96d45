// Package etcd keeps the process directory in etcd. Each process registers
// itself under a lease that it keeps alive; when it dies the lease expires
// and its entry disappears.
package etcd

import (
    "context"
    "errors"
    "fmt"
    "log"
    "strconv"
    "strings"
    "sync"
    "time"

    clientv3 "go.etcd.io/etcd/client/v3"
    "go.uber.org/zap"

    "github.com/amirimatin/go-ftcomm/pkg/discovery"
    "github.com/amirimatin/go-ftcomm/pkg/internal/logutil"
    "github.com/amirimatin/go-ftcomm/pkg/transport"
)

// Options configures an etcd directory.
type Options struct {
    Endpoints []string
    // Prefix scopes one job; keys are Prefix + decimal id. Defaults to
    // "/ftcomm/procs/".
    Prefix string
    // TTL of registration leases in seconds. Defaults to 10.
    TTL         int64
    DialTimeout time.Duration
    Logger      *log.Logger
    // ClientLogger receives the etcd client's own logs. Defaults to a no-op
    // logger.
    ClientLogger *zap.Logger
}

var ErrNoEndpoints = errors.New("etcd: no endpoints")

// Directory resolves through etcd and caches nothing.
type Directory struct {
    opts Options
    cli  *clientv3.Client

    mu     sync.Mutex
    leases []clientv3.LeaseID
    cancel []context.CancelFunc
}

func New(opts Options) (*Directory, error) {
    if len(opts.Endpoints) == 0 { return nil, ErrNoEndpoints }
    if opts.Prefix == "" { opts.Prefix = "/ftcomm/procs/" }
    if !strings.HasSuffix(opts.Prefix, "/") { opts.Prefix += "/" }
    if opts.TTL <= 0 { opts.TTL = 10 }
    if opts.DialTimeout <= 0 { opts.DialTimeout = 5 * time.Second }
    if opts.Logger == nil { opts.Logger = log.Default() }
    if opts.ClientLogger == nil { opts.ClientLogger = zap.NewNop() }
    cli, err := clientv3.New(clientv3.Config{Endpoints: opts.Endpoints, DialTimeout: opts.DialTimeout, Logger: opts.ClientLogger})
    if err != nil { return nil, fmt.Errorf("etcd: connect: %w", err) }
    return &Directory{opts: opts, cli: cli}, nil
}

func (d *Directory) key(id transport.ProcID) string {
    return d.opts.Prefix + strconv.FormatUint(uint64(id), 10)
}

// Register publishes addr for id under a fresh lease and keeps the lease
// alive until Close.
func (d *Directory) Register(ctx context.Context, id transport.ProcID, addr string) error {
    lease, err := d.cli.Grant(ctx, d.opts.TTL)
    if err != nil { return fmt.Errorf("etcd: grant: %w", err) }
    if _, err := d.cli.Put(ctx, d.key(id), addr, clientv3.WithLease(lease.ID)); err != nil {
        return fmt.Errorf("etcd: register %v: %w", id, err)
    }
    kctx, cancel := context.WithCancel(context.Background())
    ch, err := d.cli.KeepAlive(kctx, lease.ID)
    if err != nil {
        cancel()
        return fmt.Errorf("etcd: keepalive: %w", err)
    }
    go func() {
        for range ch {
        }
        logutil.Debugf(d.opts.Logger, "etcd: keepalive for %v ended", id)
    }()
    d.mu.Lock()
    d.leases = append(d.leases, lease.ID)
    d.cancel = append(d.cancel, cancel)
    d.mu.Unlock()
    logutil.Infof(d.opts.Logger, "etcd: registered %v at %s", id, addr)
    return nil
}

func (d *Directory) Resolve(ctx context.Context, id transport.ProcID) (string, error) {
    resp, err := d.cli.Get(ctx, d.key(id))
    if err != nil { return "", fmt.Errorf("etcd: get %v: %w", id, err) }
    if len(resp.Kvs) == 0 { return "", fmt.Errorf("%w: %v", discovery.ErrUnknown, id) }
    return string(resp.Kvs[0].Value), nil
}

func (d *Directory) Members(ctx context.Context) (map[transport.ProcID]string, error) {
    resp, err := d.cli.Get(ctx, d.opts.Prefix, clientv3.WithPrefix())
    if err != nil { return nil, fmt.Errorf("etcd: list: %w", err) }
    out := make(map[transport.ProcID]string, len(resp.Kvs))
    for _, kv := range resp.Kvs {
        id, err := strconv.ParseUint(strings.TrimPrefix(string(kv.Key), d.opts.Prefix), 10, 64)
        if err != nil || id == 0 { continue }
        out[transport.ProcID(id)] = string(kv.Value)
    }
    return out, nil
}

// Close revokes this process's leases, removing its entries, and closes
// the client.
func (d *Directory) Close() error {
    d.mu.Lock()
    leases, cancels := d.leases, d.cancel
    d.leases, d.cancel = nil, nil
    d.mu.Unlock()
    for _, c := range cancels { c() }
    ctx, cancel := context.WithTimeout(context.Background(), d.opts.DialTimeout)
    defer cancel()
    for _, l := range leases { _, _ = d.cli.Revoke(ctx, l) }
    return d.cli.Close()
}

var _ discovery.Registrar = (*Directory)(nil)
