// Package inmem is an in-process fabric: every process is a goroutine with an
// endpoint, and killing a process makes every later send to it fail.
package inmem

import (
    "context"
    "fmt"
    "log"
    "sort"
    "sync"

    "github.com/amirimatin/go-ftcomm/pkg/internal/logutil"
    "github.com/amirimatin/go-ftcomm/pkg/transport"
)

// Options configures a Fabric.
type Options struct {
    // SilentKills disables the termination notice broadcast on Kill; peers
    // then learn about a death only from failed sends.
    SilentKills bool
    Logger      *log.Logger
}

// Fabric connects endpoints of one simulated job.
type Fabric struct {
    mu   sync.Mutex
    opts Options
    eps  map[transport.ProcID]*Endpoint
    dead map[transport.ProcID]struct{}
    next transport.ProcID
}

func New(opts Options) *Fabric {
    if opts.Logger == nil { opts.Logger = log.Default() }
    return &Fabric{opts: opts, eps: make(map[transport.ProcID]*Endpoint), dead: make(map[transport.ProcID]struct{})}
}

// Attach creates an endpoint with a fresh ProcID.
func (f *Fabric) Attach() *Endpoint {
    f.mu.Lock()
    defer f.mu.Unlock()
    f.next++
    ep := &Endpoint{f: f, id: f.next, box: transport.NewMailbox()}
    f.eps[ep.id] = ep
    return ep
}

// AttachN attaches n endpoints with consecutive ids.
func (f *Fabric) AttachN(n int) []*Endpoint {
    out := make([]*Endpoint, n)
    for i := range out { out[i] = f.Attach() }
    return out
}

// Kill terminates p: its endpoint closes, sends to it fail, and unless the
// fabric is silent every live endpoint receives an authoritative notice.
func (f *Fabric) Kill(p transport.ProcID) bool { return f.remove(p, "killed") }

// Alive reports whether p is attached and not killed.
func (f *Fabric) Alive(p transport.ProcID) bool {
    f.mu.Lock()
    defer f.mu.Unlock()
    _, ok := f.eps[p]
    return ok
}

// Procs lists live processes in id order.
func (f *Fabric) Procs() []transport.ProcID {
    f.mu.Lock()
    out := make([]transport.ProcID, 0, len(f.eps))
    for id := range f.eps { out = append(out, id) }
    f.mu.Unlock()
    sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
    return out
}

func (f *Fabric) remove(p transport.ProcID, reason string) bool {
    f.mu.Lock()
    ep, ok := f.eps[p]
    if !ok { f.mu.Unlock(); return false }
    delete(f.eps, p)
    f.dead[p] = struct{}{}
    var peers []*Endpoint
    if !f.opts.SilentKills {
        for _, o := range f.eps { peers = append(peers, o) }
    }
    f.mu.Unlock()

    ep.box.Close()
    logutil.Debugf(f.opts.Logger, "inmem: %v %s", p, reason)
    for _, o := range peers {
        o.box.Put(transport.Delivery{Notice: &transport.Notice{Proc: p, Authoritative: true, Reason: reason}})
    }
    return true
}

func (f *Fabric) lookup(p transport.ProcID) (*Endpoint, bool) {
    f.mu.Lock()
    defer f.mu.Unlock()
    ep, ok := f.eps[p]
    return ep, ok
}

// Endpoint implements transport.Endpoint on a Fabric.
type Endpoint struct {
    f   *Fabric
    id  transport.ProcID
    box *transport.Mailbox
}

func (e *Endpoint) ID() transport.ProcID { return e.id }

func (e *Endpoint) Send(ctx context.Context, env *transport.Envelope) error {
    if err := ctx.Err(); err != nil { return err }
    if _, ok := e.f.lookup(e.id); !ok { return transport.ErrClosed }
    dst, ok := e.f.lookup(env.To)
    if !ok { return fmt.Errorf("%w: %v", transport.ErrUnreachable, env.To) }
    cp := *env
    cp.From = e.id
    if env.Payload != nil { cp.Payload = append([]byte(nil), env.Payload...) }
    if !dst.box.Put(transport.Delivery{Env: &cp}) {
        return fmt.Errorf("%w: %v", transport.ErrUnreachable, env.To)
    }
    return nil
}

func (e *Endpoint) Recv(ctx context.Context) (transport.Delivery, error) { return e.box.Next(ctx) }

func (e *Endpoint) Done() <-chan struct{} { return e.box.Done() }

// Close detaches the endpoint; peers observe it like a termination.
func (e *Endpoint) Close() error {
    e.f.remove(e.id, "closed")
    return nil
}

var _ transport.Endpoint = (*Endpoint)(nil)
