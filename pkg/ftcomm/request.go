package ftcomm

import (
    "context"

    "github.com/amirimatin/go-ftcomm/pkg/group"
)

const (
    // AnySource matches a message from any member.
    AnySource = -2
    // AnyTag matches any tag.
    AnyTag = -1
)

// Status describes a completed receive.
type Status struct {
    Source    int
    Tag       int
    Count     int
    Cancelled bool
}

// Request is a posted point-to-point operation. Once a ProcFailed or Revoked
// outcome is fixed on it, Cancel no longer changes anything, but Wait must
// still be called to release it.
type Request struct {
    c    *Communicator
    op   string
    src  int
    tag  int
    done bool

    data   []byte
    status Status
    err    error
}

func (r *Request) matches(src, tag int) bool {
    return (r.src == AnySource || r.src == src) && (r.tag == AnyTag || r.tag == tag)
}

func (r *Request) finishLocked(data []byte, st Status, err error) {
    if r.done { return }
    r.done = true
    r.data, r.status, r.err = data, st, err
}

// checkLocked fixes the outcome if the request can no longer complete, and
// reports whether it is done. A wildcard receive with unacknowledged failures
// returns a pending error without fixing anything.
func (r *Request) checkLocked() (bool, error) {
    if r.done { return true, nil }
    c := r.c
    switch {
    case c.revoked:
        c.unpostLocked(r)
        r.finishLocked(nil, Status{Source: group.Undefined}, c.errorf(ClassRevoked, r.op, group.Undefined))
        return true, nil
    case r.src != AnySource && c.p.det.IsConfirmed(c.remote.Proc(r.src)):
        c.unpostLocked(r)
        r.finishLocked(nil, Status{Source: group.Undefined}, c.errorf(ClassProcFailed, r.op, r.src))
        return true, nil
    case r.src == AnySource && c.unackedLocked():
        return false, c.errorf(ClassProcFailedPending, r.op, group.Undefined)
    }
    return false, nil
}

// Wait blocks until the request completes. A wildcard receive returns
// ProcFailedPending while unacknowledged failures exist; the request stays
// posted, so acknowledge and wait again, or cancel and wait.
func (r *Request) Wait(ctx context.Context) ([]byte, Status, error) {
    data, st, err := r.wait(ctx)
    return data, st, r.c.raise(err)
}

func (r *Request) wait(ctx context.Context) ([]byte, Status, error) {
    err := r.c.p.await(ctx, r.checkLocked)
    if err != nil { return nil, Status{Source: group.Undefined}, err }
    return r.result()
}

func (r *Request) result() ([]byte, Status, error) {
    r.c.p.mu.Lock()
    defer r.c.p.mu.Unlock()
    return r.data, r.status, r.err
}

// Test polls the request. It reports done=false with a pending error under
// the same conditions Wait would.
func (r *Request) Test() (bool, []byte, Status, error) {
    r.c.p.mu.Lock()
    done, err := r.checkLocked()
    data, st, rerr := r.data, r.status, r.err
    r.c.p.mu.Unlock()
    if err != nil { return false, nil, Status{Source: group.Undefined}, r.c.raise(err) }
    if !done { return false, nil, Status{}, nil }
    return true, data, st, r.c.raise(rerr)
}

// Cancel withdraws a request that has not completed. A later Wait returns
// with Status.Cancelled set.
func (r *Request) Cancel() {
    r.c.p.mu.Lock()
    if !r.done {
        r.c.unpostLocked(r)
        r.finishLocked(nil, Status{Source: group.Undefined, Cancelled: true}, nil)
        r.c.p.signalLocked()
    }
    r.c.p.mu.Unlock()
}

// Free releases the request, cancelling it if still active.
func (r *Request) Free() { r.Cancel() }

func (c *Communicator) unpostLocked(r *Request) {
    for i, x := range c.posted {
        if x == r {
            c.posted = append(c.posted[:i], c.posted[i+1:]...)
            return
        }
    }
}
