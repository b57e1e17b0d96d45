// Package grpc is the networked fabric: every process serves a gRPC
// endpoint, peers are found through a discovery.Directory, and liveness is
// watched over server streams.
package grpc

import (
    "context"
    "crypto/tls"
    "errors"
    "fmt"
    "io"
    "log"
    "net"
    "sync"
    "time"

    "google.golang.org/grpc"
    "google.golang.org/grpc/backoff"
    "google.golang.org/grpc/codes"
    "google.golang.org/grpc/credentials"
    "google.golang.org/grpc/credentials/insecure"
    "google.golang.org/grpc/health"
    healthpb "google.golang.org/grpc/health/grpc_health_v1"
    "google.golang.org/grpc/keepalive"
    "google.golang.org/grpc/status"

    "github.com/amirimatin/go-ftcomm/pkg/discovery"
    "github.com/amirimatin/go-ftcomm/pkg/internal/logutil"
    "github.com/amirimatin/go-ftcomm/pkg/transport"
)

// Options configures an Endpoint.
type Options struct {
    ID        transport.ProcID
    Bind      string
    // Advertise is the address registered in the directory. Defaults to the
    // listener's address.
    Advertise string
    Directory discovery.Directory
    // Timeout bounds one Deliver call. Defaults to 3s.
    Timeout   time.Duration
    // Heartbeat is the watch stream interval. Defaults to 1s.
    Heartbeat time.Duration
    ConnTTL   time.Duration
    ServerTLS *tls.Config
    ClientTLS *tls.Config
    Logger    *log.Logger
}

var (
    ErrNoID        = errors.New("grpc: endpoint id is required")
    ErrNoDirectory = errors.New("grpc: directory is required")
)

func (o *Options) Validate() error {
    if o.ID == 0 { return ErrNoID }
    if o.Directory == nil { return ErrNoDirectory }
    return nil
}

func (o *Options) setDefaults() {
    if o.Bind == "" { o.Bind = "127.0.0.1:0" }
    if o.Timeout <= 0 { o.Timeout = 3 * time.Second }
    if o.Heartbeat <= 0 { o.Heartbeat = time.Second }
    if o.ConnTTL <= 0 { o.ConnTTL = 30 * time.Second }
    if o.Logger == nil { o.Logger = log.Default() }
}

// Endpoint implements transport.Endpoint over gRPC.
type Endpoint struct {
    id   transport.ProcID
    opts Options
    lis  net.Listener
    srv  *grpc.Server
    cm   *ConnManager
    box  *transport.Mailbox

    closing   chan struct{}
    closeOnce sync.Once

    mu       sync.Mutex
    watching map[transport.ProcID]context.CancelFunc
    noticed  map[transport.ProcID]bool
}

// Listen starts serving and registers the endpoint when the directory
// accepts registrations.
func Listen(ctx context.Context, opts Options) (*Endpoint, error) {
    if err := opts.Validate(); err != nil { return nil, err }
    opts.setDefaults()
    lis, err := net.Listen("tcp", opts.Bind)
    if err != nil { return nil, err }
    if opts.Advertise == "" { opts.Advertise = lis.Addr().String() }

    e := &Endpoint{
        id:       opts.ID,
        opts:     opts,
        lis:      lis,
        box:      transport.NewMailbox(),
        closing:  make(chan struct{}),
        watching: make(map[transport.ProcID]context.CancelFunc),
        noticed:  make(map[transport.ProcID]bool),
    }
    e.cm = NewConnManager(opts.ConnTTL, e.dial)

    // Force JSON codec to avoid requiring protobuf types
    var sopts []grpc.ServerOption
    sopts = append(sopts, grpc.ForceServerCodec(jsonCodec{}))
    sopts = append(sopts, grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{MinTime: 5 * time.Second, PermitWithoutStream: true}))
    sopts = append(sopts, grpc.KeepaliveParams(keepalive.ServerParameters{Time: 30 * time.Second, Timeout: 10 * time.Second}))
    if opts.ServerTLS != nil { sopts = append(sopts, grpc.Creds(credentials.NewTLS(opts.ServerTLS))) }
    e.srv = grpc.NewServer(sopts...)
    healthpb.RegisterHealthServer(e.srv, health.NewServer())
    e.srv.RegisterService(&_Fabric_serviceDesc, &fabricImpl{ep: e})
    go func() { _ = e.srv.Serve(lis) }()

    if reg, ok := opts.Directory.(discovery.Registrar); ok {
        if err := reg.Register(ctx, e.id, opts.Advertise); err != nil {
            _ = e.Close()
            return nil, err
        }
    }
    logutil.Infof(opts.Logger, "grpc: %v listening on %s", e.id, opts.Advertise)
    return e, nil
}

func (e *Endpoint) dial(ctx context.Context, target string) (*grpc.ClientConn, error) {
    opts := []grpc.DialOption{
        grpc.WithDefaultCallOptions(grpc.ForceCodec(jsonCodec{}), grpc.CallContentSubtype("json")),
        grpc.WithConnectParams(grpc.ConnectParams{Backoff: backoff.DefaultConfig, MinConnectTimeout: 500 * time.Millisecond}),
        grpc.WithKeepaliveParams(keepalive.ClientParameters{Time: 20 * time.Second, Timeout: 5 * time.Second, PermitWithoutStream: true}),
        grpc.WithBlock(),
        grpc.FailOnNonTempDialError(true),
    }
    if e.opts.ClientTLS != nil {
        opts = append(opts, grpc.WithTransportCredentials(credentials.NewTLS(e.opts.ClientTLS)))
    } else {
        opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
    }
    return grpc.DialContext(ctx, target, opts...)
}

func (e *Endpoint) ID() transport.ProcID { return e.id }

// Addr is the advertised address.
func (e *Endpoint) Addr() string { return e.opts.Advertise }

func (e *Endpoint) isClosed() bool {
    select {
    case <-e.closing:
        return true
    default:
        return false
    }
}

// Send delivers env to its destination. A refused connection or a broken
// transport is ErrUnreachable; running out of time is only ErrTimeout.
func (e *Endpoint) Send(ctx context.Context, env *transport.Envelope) error {
    if e.isClosed() { return transport.ErrClosed }
    if err := ctx.Err(); err != nil { return err }
    addr, err := e.opts.Directory.Resolve(ctx, env.To)
    if err != nil { return fmt.Errorf("%w: %v: %v", transport.ErrUnreachable, env.To, err) }
    cctx, cancel := context.WithTimeout(ctx, e.opts.Timeout)
    defer cancel()
    cc, rel, err := e.cm.Get(cctx, addr)
    if err != nil {
        if ctx.Err() != nil { return ctx.Err() }
        return sendError(env.To, "dial "+addr, err)
    }
    defer rel()
    cp := *env
    cp.From = e.id
    if err := cc.Invoke(cctx, methodDeliver, &cp, &deliverAck{}); err != nil {
        if ctx.Err() != nil { return ctx.Err() }
        if hardFailure(err) { e.cm.Drop(addr) }
        return sendError(env.To, "deliver", err)
    }
    return nil
}

// hardFailure reports whether err is evidence against the peer: a refused
// or reset connection, or a transport gRPC gave up on. Deadlines are not.
func hardFailure(err error) bool {
    if err == nil { return false }
    if errors.Is(err, io.EOF) { return true }
    if s, ok := status.FromError(err); ok { return s.Code() == codes.Unavailable }
    return !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled)
}

func sendError(to transport.ProcID, what string, err error) error {
    switch {
    case hardFailure(err):
        return fmt.Errorf("%w: %v: %s: %v", transport.ErrUnreachable, to, what, err)
    case errors.Is(err, context.DeadlineExceeded), status.Code(err) == codes.DeadlineExceeded:
        return fmt.Errorf("%w: %v: %s: %v", transport.ErrTimeout, to, what, err)
    default:
        return fmt.Errorf("grpc: %v: %s: %w", to, what, err)
    }
}

func (e *Endpoint) Recv(ctx context.Context) (transport.Delivery, error) { return e.box.Next(ctx) }

func (e *Endpoint) Done() <-chan struct{} { return e.box.Done() }

// Close tells watchers this process is leaving, then stops serving.
func (e *Endpoint) Close() error {
    e.closeOnce.Do(func() {
        close(e.closing)
        e.mu.Lock()
        for _, cancel := range e.watching { cancel() }
        e.mu.Unlock()
        e.box.Close()
        // Graceful stop with a small timeout fallback
        ch := make(chan struct{})
        go func() { e.srv.GracefulStop(); close(ch) }()
        select {
        case <-ch:
        case <-time.After(2 * time.Second):
            e.srv.Stop()
        }
        e.cm.Close()
    })
    return nil
}

var _ transport.Endpoint = (*Endpoint)(nil)
