package ftcomm

import (
    "context"
    "fmt"
    "strconv"

    "github.com/amirimatin/go-ftcomm/pkg/internal/logutil"
    obsmetrics "github.com/amirimatin/go-ftcomm/pkg/observability/metrics"
    "github.com/amirimatin/go-ftcomm/pkg/observability/tracing"
    "github.com/amirimatin/go-ftcomm/pkg/transport"
)

// ShrinkRequest is a posted shrink.
type ShrinkRequest struct {
    c  *Communicator
    ar *AgreeRequest
    nc *Communicator
}

// IShrink posts this process's failure knowledge for a shrink. It works on
// revoked communicators.
func (c *Communicator) IShrink() (*ShrinkRequest, error) {
    r, err := c.ishrink()
    return r, c.raise(err)
}

func (c *Communicator) ishrink() (*ShrinkRequest, error) {
    if c.inter { return nil, fmt.Errorf("%w: shrink", ErrInterComm) }
    c.p.mu.Lock()
    bm := NewBitmap(c.universe.Size())
    for _, proc := range c.failOrder { bm.Set(c.universe.Rank(proc)) }
    c.p.mu.Unlock()
    ar, err := c.iagree("shrink", bm, OpUnion, true)
    if err != nil { return nil, err }
    return &ShrinkRequest{c: c, ar: ar}, nil
}

// Wait returns the shrunk communicator: the old membership in order, minus
// every failure any participant knew of when the agreement decided.
func (r *ShrinkRequest) Wait(ctx context.Context) (*Communicator, error) {
    nc, err := r.wait(ctx)
    return nc, r.c.raise(err)
}

func (r *ShrinkRequest) wait(ctx context.Context) (*Communicator, error) {
    res, err := r.ar.wait(ctx)
    if err != nil { return nil, err }
    c, p := r.c, r.c.p

    p.mu.Lock()
    if r.nc != nil {
        p.mu.Unlock()
        return r.nc, nil
    }
    excluded := Bitmap(res)
    for _, i := range r.ar.a.dfailed { excluded.Set(i) }
    var keep []transport.ProcID
    for i, proc := range c.universe.Procs() {
        if !excluded.Has(i) { keep = append(keep, proc) }
    }
    nc := p.newIntraLocked(fmt.Sprintf("%s/k%d", c.cid, r.ar.a.seq), c.epoch+1, groupOf(keep))
    nc.policy, nc.handler = c.policy, c.handler
    r.nc = nc
    p.unlockAndFlush()

    dropped := c.universe.Size() - nc.Size()
    obsmetrics.Shrinks.WithLabelValues(strconv.FormatBool(dropped > 0)).Inc()
    logutil.Infof(p.log, "ftcomm: %v shrank %s to %s (%d excluded)", p.self, c.cid, nc.cid, dropped)
    return nc, nil
}

// Shrink builds a communicator of the live members, identical at every
// survivor. Failures during the call are absorbed, not reported.
func (c *Communicator) Shrink(ctx context.Context) (*Communicator, error) {
    ctx, end := tracing.StartSpan(ctx, "ftcomm.shrink", "cid", c.cid)
    defer end()
    r, err := c.ishrink()
    if err != nil { return nil, c.raise(err) }
    return r.Wait(ctx)
}
