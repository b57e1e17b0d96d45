// Package ftcomm implements fault-tolerant communicators: failure-aware
// point-to-point and collective operations, revocation, uniform agreement,
// shrink and spawn-based replacement, over a transport.Endpoint.
package ftcomm

import (
    "context"
    "errors"
    "log"
    "sync"

    "github.com/amirimatin/go-ftcomm/pkg/detector"
    "github.com/amirimatin/go-ftcomm/pkg/group"
    "github.com/amirimatin/go-ftcomm/pkg/internal/logutil"
    obsmetrics "github.com/amirimatin/go-ftcomm/pkg/observability/metrics"
    "github.com/amirimatin/go-ftcomm/pkg/transport"
)

// Process is one participant: an endpoint, a failure detector, the
// communicators created on it and a progress goroutine draining the endpoint.
type Process struct {
    opts Options
    ep   transport.Endpoint
    det  *detector.Detector
    self transport.ProcID
    log  *log.Logger

    mu             sync.Mutex
    wake           chan struct{}
    outq           []*transport.Envelope
    comms          map[string]*Communicator
    freed          []string
    retired        map[string]struct{}
    early          map[string][]*transport.Envelope
    pendingRevoked map[string]struct{}
    arena          arena
    world          *Communicator
    parent         *Communicator

    eb eventBus

    ctx      context.Context
    cancel   context.CancelFunc
    dead     chan struct{}
    deadOnce sync.Once
    loopDone chan struct{}
}

// New starts a process on opts.Endpoint.
func New(opts Options) (*Process, error) {
    if err := opts.Validate(); err != nil { return nil, err }
    opts.setDefaults()
    p := &Process{
        opts:           opts,
        ep:             opts.Endpoint,
        self:           opts.Endpoint.ID(),
        log:            opts.Logger,
        wake:           make(chan struct{}),
        comms:          make(map[string]*Communicator),
        retired:        make(map[string]struct{}),
        early:          make(map[string][]*transport.Envelope),
        pendingRevoked: make(map[string]struct{}),
        arena:          newArena(),
        dead:           make(chan struct{}),
        loopDone:       make(chan struct{}),
    }
    if opts.Detector == nil {
        opts.Detector = detector.New(detector.Options{Self: p.self, Logger: opts.Logger})
        p.opts.Detector = opts.Detector
    }
    p.det = opts.Detector
    p.ctx, p.cancel = context.WithCancel(context.Background())

    p.mu.Lock()
    if pi := opts.Parent; pi != nil {
        children := group.New(pi.Children...)
        p.parent = p.newInterLocked(pi.CID, pi.Epoch, children, group.New(pi.Parents...), false)
        p.world = p.newIntraLocked(pi.CID+"/w", pi.Epoch, children)
    } else {
        p.world = p.newIntraLocked(opts.WorldCID, 0, group.New(opts.World...))
    }
    p.mu.Unlock()

    p.det.Subscribe(p.onConfirmed)
    go p.run()
    logutil.Debugf(p.log, "ftcomm: %v started (world %s size %d)", p.self, p.world.cid, p.world.Size())
    return p, nil
}

func (p *Process) Self() transport.ProcID { return p.self }

// World is the initial communicator.
func (p *Process) World() *Communicator { return p.world }

// Parent is the intercommunicator to the spawners, nil for original processes.
func (p *Process) Parent() *Communicator { return p.parent }

func (p *Process) Detector() *detector.Detector { return p.det }

// Done is closed once the process stops, by Close, abort or being killed.
func (p *Process) Done() <-chan struct{} { return p.dead }

func (p *Process) Alive() bool {
    select {
    case <-p.dead:
        return false
    default:
        return true
    }
}

// Close detaches the endpoint and stops the progress goroutine.
func (p *Process) Close() error {
    err := p.ep.Close()
    p.markDead(ErrKilled)
    <-p.loopDone
    return err
}

func (p *Process) abort(cause error) {
    logutil.Errorf(p.log, "ftcomm: %v aborting: %v", p.self, cause)
    if p.opts.OnAbort != nil {
        p.opts.OnAbort(cause)
        return
    }
    _ = p.ep.Close()
    p.markDead(cause)
}

func (p *Process) markDead(cause error) {
    p.deadOnce.Do(func() {
        logutil.Debugf(p.log, "ftcomm: %v stopped: %v", p.self, cause)
        close(p.dead)
        p.cancel()
        p.mu.Lock()
        p.signalLocked()
        p.mu.Unlock()
    })
}

func (p *Process) run() {
    defer close(p.loopDone)
    for {
        d, err := p.ep.Recv(p.ctx)
        if err != nil {
            p.markDead(err)
            return
        }
        switch {
        case d.Notice != nil:
            src := detector.SourceTransport
            if d.Notice.Authoritative { src = detector.SourceRuntime }
            p.det.OnCommunicationFailure(d.Notice.Proc, src)
        case d.Env != nil:
            p.onEnvelope(d.Env)
        }
    }
}

func (p *Process) onEnvelope(env *transport.Envelope) {
    for _, f := range env.Failed {
        if f != p.self && !p.det.IsConfirmed(f) {
            p.det.OnCommunicationFailure(f, detector.SourceGossip)
        }
    }
    p.mu.Lock()
    for _, cid := range env.Revoked { p.revokeCIDLocked(cid) }
    p.dispatchLocked(env)
    p.signalLocked()
    p.unlockAndFlush()
}

func (p *Process) dispatchLocked(env *transport.Envelope) {
    c := p.comms[env.CID]
    if c == nil {
        if _, gone := p.retired[env.CID]; gone { return }
        if env.Kind == transport.KindRevoke {
            p.pendingRevoked[env.CID] = struct{}{}
            return
        }
        // A peer created the communicator first.
        p.early[env.CID] = append(p.early[env.CID], env)
        return
    }
    switch env.Kind {
    case transport.KindRevoke:
        c.revokeLocked("remote")
    case transport.KindData:
        c.deliverDataLocked(env)
    case transport.KindColl:
        c.deliverCollLocked(env)
    case transport.KindAgree:
        c.onAgreeLocked(env)
    }
}

func (p *Process) revokeCIDLocked(cid string) {
    if c := p.comms[cid]; c != nil {
        c.revokeLocked("remote")
        return
    }
    if _, gone := p.retired[cid]; !gone { p.pendingRevoked[cid] = struct{}{} }
}

func (p *Process) onConfirmed(proc transport.ProcID) {
    p.mu.Lock()
    for _, c := range p.comms { c.onConfirmedLocked(proc) }
    p.signalLocked()
    p.unlockAndFlush()
    p.eb.publish(Event{Type: EventFailureConfirmed, Proc: proc})
}

// signalLocked wakes every goroutine blocked in await.
func (p *Process) signalLocked() {
    close(p.wake)
    p.wake = make(chan struct{})
}

// await blocks until cond reports done or fails. cond runs with p.mu held.
func (p *Process) await(ctx context.Context, cond func() (bool, error)) error {
    for {
        p.mu.Lock()
        done, err := cond()
        ch := p.wake
        p.mu.Unlock()
        if done || err != nil { return err }
        select {
        case <-ch:
        case <-ctx.Done():
            return ctx.Err()
        case <-p.dead:
            return ErrKilled
        }
    }
}

func (p *Process) queueLocked(env *transport.Envelope) { p.outq = append(p.outq, env) }

// unlockAndFlush releases p.mu and sends whatever protocol traffic was queued
// while it was held.
func (p *Process) unlockAndFlush() {
    out := p.outq
    p.outq = nil
    p.mu.Unlock()
    for _, env := range out { _ = p.deliver(p.ctx, env) }
}

// deliver sends env with piggybacked revocation and failure knowledge. An
// unreachable peer is one transport observation and the single retry is the
// corroborating second one. A timed out send is retried without observing
// anything, until the peer is confirmed failed some other way.
func (p *Process) deliver(ctx context.Context, env *transport.Envelope) error {
    p.mu.Lock()
    p.decorateLocked(env)
    p.mu.Unlock()

    observed := 0
    for {
        err := p.ep.Send(ctx, env)
        if err == nil {
            obsmetrics.EnvelopesSent.WithLabelValues(env.Kind.String()).Inc()
            return nil
        }
        if isCtxErr(err) || errors.Is(err, transport.ErrClosed) { return err }
        if !errors.Is(err, transport.ErrUnreachable) {
            if errors.Is(err, transport.ErrTimeout) && !p.det.IsConfirmed(env.To) {
                logutil.Debugf(p.log, "ftcomm: %v -> %v %s slow, retrying: %v", p.self, env.To, env.Kind, err)
                continue
            }
            logutil.Warnf(p.log, "ftcomm: %v -> %v %s dropped: %v", p.self, env.To, env.Kind, err)
            return err
        }
        obsmetrics.SendFailures.Inc()
        p.det.OnCommunicationFailure(env.To, detector.SourceTransport)
        if observed++; observed >= 2 || p.det.IsConfirmed(env.To) {
            logutil.Debugf(p.log, "ftcomm: %v -> %v %s failed: %v", p.self, env.To, env.Kind, err)
            return err
        }
    }
}

func (p *Process) decorateLocked(env *transport.Envelope) {
    env.Revoked = env.Revoked[:0]
    for cid, c := range p.comms {
        if c.revoked && !c.freed && cid != env.CID && c.universe.Contains(env.To) {
            env.Revoked = append(env.Revoked, cid)
        }
    }
    if c := p.comms[env.CID]; c != nil && c.revoked && env.Kind != transport.KindRevoke {
        env.Revoked = append(env.Revoked, env.CID)
    }
    env.Failed = p.det.Confirmed()
}
