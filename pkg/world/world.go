// Package world runs a whole job in one address space: one ftcomm.Process per
// goroutine on an inmem fabric, with kill injection and an in-memory launcher
// for replacements.
package world

import (
    "context"
    "errors"
    "fmt"
    "log"
    "sync"

    "github.com/amirimatin/go-ftcomm/pkg/ftcomm"
    "github.com/amirimatin/go-ftcomm/pkg/internal/logutil"
    "github.com/amirimatin/go-ftcomm/pkg/transport"
    "github.com/amirimatin/go-ftcomm/pkg/transport/inmem"
)

// Main is the body every process of a world runs.
type Main func(ctx context.Context, p *ftcomm.Process) error

// Options configures a World.
type Options struct {
    Size int
    // SilentKills: peers learn of a kill only through failed sends.
    SilentKills bool
    // LaunchHook may veto a launch; a non-nil error makes it fail.
    LaunchHook func(req ftcomm.SpawnRequest) error
    // Configure adjusts each process's options before it starts.
    Configure func(o *ftcomm.Options)
    Logger    *log.Logger
}

var (
    ErrBadSize = errors.New("world: size must be positive")
    ErrNoMain  = errors.New("world: no main set for spawned processes")
)

// World is a simulated job.
type World struct {
    opts   Options
    fabric *inmem.Fabric

    mu      sync.Mutex
    procs   map[transport.ProcID]*ftcomm.Process
    initial []transport.ProcID
    spawned []transport.ProcID
    main    Main
    results map[transport.ProcID]error
    ctx     context.Context
    wg      sync.WaitGroup
}

// New attaches Size processes sharing one world communicator.
func New(opts Options) (*World, error) {
    if opts.Size <= 0 { return nil, ErrBadSize }
    if opts.Logger == nil { opts.Logger = log.Default() }
    w := &World{
        opts:    opts,
        fabric:  inmem.New(inmem.Options{SilentKills: opts.SilentKills, Logger: opts.Logger}),
        procs:   make(map[transport.ProcID]*ftcomm.Process),
        results: make(map[transport.ProcID]error),
        ctx:     context.Background(),
    }
    eps := w.fabric.AttachN(opts.Size)
    for _, ep := range eps { w.initial = append(w.initial, ep.ID()) }
    for _, ep := range eps {
        p, err := w.start(ftcomm.Options{Endpoint: ep, World: w.initial})
        if err != nil {
            w.Close()
            return nil, err
        }
        w.procs[ep.ID()] = p
    }
    return w, nil
}

func (w *World) start(o ftcomm.Options) (*ftcomm.Process, error) {
    o.Launcher = w
    o.Logger = w.opts.Logger
    if w.opts.Configure != nil { w.opts.Configure(&o) }
    return ftcomm.New(o)
}

// Procs returns the original processes in world rank order.
func (w *World) Procs() []*ftcomm.Process {
    w.mu.Lock()
    defer w.mu.Unlock()
    out := make([]*ftcomm.Process, len(w.initial))
    for i, id := range w.initial { out[i] = w.procs[id] }
    return out
}

// Proc returns any process, original or spawned, by id.
func (w *World) Proc(id transport.ProcID) *ftcomm.Process {
    w.mu.Lock()
    defer w.mu.Unlock()
    return w.procs[id]
}

// Spawned lists replacement processes in launch order.
func (w *World) Spawned() []transport.ProcID {
    w.mu.Lock()
    defer w.mu.Unlock()
    return append([]transport.ProcID(nil), w.spawned...)
}

// Kill terminates a process abruptly.
func (w *World) Kill(id transport.ProcID) bool {
    ok := w.fabric.Kill(id)
    if ok { logutil.Infof(w.opts.Logger, "world: killed %v", id) }
    return ok
}

// KillRank kills the process holding rank in the original world.
func (w *World) KillRank(rank int) bool {
    w.mu.Lock()
    if rank < 0 || rank >= len(w.initial) {
        w.mu.Unlock()
        return false
    }
    id := w.initial[rank]
    w.mu.Unlock()
    return w.Kill(id)
}

func (w *World) Alive(id transport.ProcID) bool { return w.fabric.Alive(id) }

// Run starts main on every original process and, for replacements launched
// later, on each of them too. Wait collects the outcomes.
func (w *World) Run(ctx context.Context, main Main) {
    w.mu.Lock()
    w.main = main
    w.ctx = ctx
    procs := make([]*ftcomm.Process, 0, len(w.initial))
    for _, id := range w.initial { procs = append(procs, w.procs[id]) }
    w.mu.Unlock()
    for _, p := range procs { w.goMain(ctx, p, main) }
}

func (w *World) goMain(ctx context.Context, p *ftcomm.Process, main Main) {
    w.wg.Add(1)
    go func() {
        defer w.wg.Done()
        err := main(ctx, p)
        w.mu.Lock()
        w.results[p.Self()] = err
        w.mu.Unlock()
    }()
}

// Wait blocks until every main returned and reports each outcome by process.
// Killed processes report whatever their main returned after dying.
func (w *World) Wait() map[transport.ProcID]error {
    w.wg.Wait()
    w.mu.Lock()
    defer w.mu.Unlock()
    out := make(map[transport.ProcID]error, len(w.results))
    for k, v := range w.results { out[k] = v }
    return out
}

// Launch implements ftcomm.Launcher on the fabric: new endpoints, processes
// whose Parent() links to the spawners, each running the world's main.
func (w *World) Launch(ctx context.Context, req ftcomm.SpawnRequest) ([]transport.ProcID, error) {
    if w.opts.LaunchHook != nil {
        if err := w.opts.LaunchHook(req); err != nil { return nil, err }
    }
    w.mu.Lock()
    main, runCtx := w.main, w.ctx
    w.mu.Unlock()
    if main == nil { return nil, ErrNoMain }

    eps := w.fabric.AttachN(req.N)
    children := make([]transport.ProcID, len(eps))
    for i, ep := range eps { children[i] = ep.ID() }
    info := &ftcomm.ParentInfo{CID: req.CID, Epoch: req.Epoch, Parents: req.Parents, Children: children}
    var started []*ftcomm.Process
    for _, ep := range eps {
        p, err := w.start(ftcomm.Options{Endpoint: ep, Parent: info})
        if err != nil {
            for _, q := range started { _ = q.Close() }
            return nil, fmt.Errorf("world: launch: %w", err)
        }
        started = append(started, p)
    }
    w.mu.Lock()
    for _, p := range started {
        w.procs[p.Self()] = p
        w.spawned = append(w.spawned, p.Self())
    }
    w.mu.Unlock()
    for _, p := range started { w.goMain(runCtx, p, main) }
    logutil.Infof(w.opts.Logger, "world: launched %v for %s", children, req.CID)
    return children, nil
}

// Close stops every process.
func (w *World) Close() {
    w.mu.Lock()
    procs := make([]*ftcomm.Process, 0, len(w.procs))
    for _, p := range w.procs { procs = append(procs, p) }
    w.mu.Unlock()
    for _, p := range procs { _ = p.Close() }
}

var _ ftcomm.Launcher = (*World)(nil)
