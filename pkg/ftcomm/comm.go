package ftcomm

import (
    "fmt"

    "github.com/amirimatin/go-ftcomm/pkg/group"
    "github.com/amirimatin/go-ftcomm/pkg/transport"
)

// FailureRecord is one confirmed failure as seen by a communicator.
type FailureRecord struct {
    Proc transport.ProcID
    // Rank within the local group, or within the remote group when Remote.
    Rank            int
    Remote          bool
    DetectedAtEpoch uint64
    Confirmed       bool
}

// Communicator is an ordered membership with its own context id, failure
// bookkeeping, revocation flag and error policy. All state is guarded by the
// owning Process's mutex.
type Communicator struct {
    p      *Process
    handle int
    refs   int
    cid    string
    epoch  uint64
    local  group.Group
    remote group.Group
    inter  bool
    // parentSide marks the spawning side of a spawn intercommunicator.
    parentSide bool
    // universe orders every participant for agreement: the local group for
    // intracommunicators, parents then children for intercommunicators.
    universe group.Group
    rank     int
    uself    int

    revoked   bool
    freed     bool
    failOrder []transport.ProcID
    failRecs  map[transport.ProcID]FailureRecord
    acked     int

    policy  ErrorPolicy
    handler ErrorHandler

    collSeq   uint64
    collFloor uint64
    agreeSeq  uint64
    createSeq uint64
    coll      map[collKey][]byte

    unexpected []*transport.Envelope
    posted     []*Request

    agree   map[uint64]*agreement
    decided []uint64
}

type collKey struct {
    seq  uint64
    step int
    from transport.ProcID
}

func (p *Process) newIntraLocked(cid string, epoch uint64, members group.Group) *Communicator {
    c := &Communicator{p: p, cid: cid, epoch: epoch, local: members, remote: members, universe: members}
    return p.registerLocked(c)
}

func (p *Process) newInterLocked(cid string, epoch uint64, local, remote group.Group, parentSide bool) *Communicator {
    c := &Communicator{p: p, cid: cid, epoch: epoch, local: local, remote: remote, inter: true, parentSide: parentSide}
    if parentSide {
        c.universe = local.Union(remote)
    } else {
        c.universe = remote.Union(local)
    }
    return p.registerLocked(c)
}

func (p *Process) registerLocked(c *Communicator) *Communicator {
    c.refs = 1
    c.rank = c.local.Rank(p.self)
    c.uself = c.universe.Rank(p.self)
    c.failRecs = make(map[transport.ProcID]FailureRecord)
    c.coll = make(map[collKey][]byte)
    c.agree = make(map[uint64]*agreement)
    c.collSeq = 1
    c.handle = p.arena.alloc()
    p.arena.comms[c.handle] = c
    p.comms[c.cid] = c
    for _, proc := range c.universe.Procs() {
        if p.det.IsConfirmed(proc) { c.onConfirmedLocked(proc) }
    }
    if _, ok := p.pendingRevoked[c.cid]; ok {
        delete(p.pendingRevoked, c.cid)
        c.revokeLocked("remote")
    }
    if early := p.early[c.cid]; len(early) > 0 {
        delete(p.early, c.cid)
        for _, env := range early { p.dispatchLocked(env) }
    }
    return c
}

func (c *Communicator) Process() *Process { return c.p }

func (c *Communicator) Handle() int { return c.handle }

func (c *Communicator) CID() string { return c.cid }

func (c *Communicator) Epoch() uint64 { return c.epoch }

// Rank is the local process's rank in the local group.
func (c *Communicator) Rank() int { return c.rank }

// Size of the local group.
func (c *Communicator) Size() int { return c.local.Size() }

func (c *Communicator) Group() group.Group { return c.local }

// Remote is the peer group of an intercommunicator, or the local group.
func (c *Communicator) Remote() group.Group { return c.remote }

func (c *Communicator) RemoteSize() int { return c.remote.Size() }

func (c *Communicator) IsInter() bool { return c.inter }

func (c *Communicator) IsRevoked() bool {
    c.p.mu.Lock()
    defer c.p.mu.Unlock()
    return c.revoked
}

func (c *Communicator) IsFreed() bool {
    c.p.mu.Lock()
    defer c.p.mu.Unlock()
    return c.freed
}

func (c *Communicator) String() string {
    kind := "intra"
    if c.inter { kind = "inter" }
    return fmt.Sprintf("%s(%s rank=%d size=%d epoch=%d)", c.cid, kind, c.rank, c.local.Size(), c.epoch)
}

// IsSuspected reports whether the member at rank (in the remote group for
// intercommunicators) is suspected or confirmed dead.
func (c *Communicator) IsSuspected(rank int) bool {
    proc := c.remote.Proc(rank)
    return proc != 0 && c.p.det.IsSuspected(proc)
}

func (c *Communicator) IsConfirmed(rank int) bool {
    proc := c.remote.Proc(rank)
    return proc != 0 && c.p.det.IsConfirmed(proc)
}

// onConfirmedLocked records a confirmed failure of a member and interrupts
// whatever was waiting on it.
func (c *Communicator) onConfirmedLocked(proc transport.ProcID) {
    idx := c.universe.Rank(proc)
    if idx == group.Undefined { return }
    if _, ok := c.failRecs[proc]; ok { return }
    rec := FailureRecord{Proc: proc, Rank: c.local.Rank(proc), DetectedAtEpoch: c.epoch, Confirmed: true}
    if rec.Rank == group.Undefined {
        rec.Rank, rec.Remote = c.remote.Rank(proc), true
    }
    c.failRecs[proc] = rec
    c.failOrder = append(c.failOrder, proc)

    if !c.freed {
        src := c.remote.Rank(proc)
        kept := c.posted[:0]
        for _, r := range c.posted {
            if r.src != AnySource && r.src == src {
                r.finishLocked(nil, Status{}, c.errorf(ClassProcFailed, "recv", src))
                continue
            }
            kept = append(kept, r)
        }
        c.posted = kept
    }
    c.agreeViewChangeLocked(idx)
}

// Failures lists confirmed failures in detection order followed by members
// that are only suspected.
func (c *Communicator) Failures() []FailureRecord {
    c.p.mu.Lock()
    defer c.p.mu.Unlock()
    out := make([]FailureRecord, 0, len(c.failOrder))
    for _, proc := range c.failOrder { out = append(out, c.failRecs[proc]) }
    for i, proc := range c.remote.Procs() {
        if _, ok := c.failRecs[proc]; ok { continue }
        if c.p.det.IsSuspected(proc) {
            out = append(out, FailureRecord{Proc: proc, Rank: i, Remote: c.inter, DetectedAtEpoch: c.epoch})
        }
    }
    return out
}

// FailureAck acknowledges every failure confirmed so far.
func (c *Communicator) FailureAck() {
    c.p.mu.Lock()
    c.acked = len(c.failOrder)
    c.p.signalLocked()
    c.p.mu.Unlock()
}

// FailureGetAcked returns the failures frozen by the last acknowledgement.
func (c *Communicator) FailureGetAcked() group.Group {
    c.p.mu.Lock()
    defer c.p.mu.Unlock()
    return group.New(c.failOrder[:c.acked]...)
}

// GetFailed returns every failure confirmed so far; it grows without an ack.
func (c *Communicator) GetFailed() group.Group {
    c.p.mu.Lock()
    defer c.p.mu.Unlock()
    return group.New(c.failOrder...)
}

// AckFailed acknowledges the first n failures in detection order and returns
// how many are acknowledged in total. The acknowledged set is shared with
// FailureAck, so it never shrinks.
func (c *Communicator) AckFailed(n int) int {
    c.p.mu.Lock()
    defer c.p.mu.Unlock()
    if n > len(c.failOrder) { n = len(c.failOrder) }
    if n > c.acked {
        c.acked = n
        c.p.signalLocked()
    }
    return c.acked
}

func (c *Communicator) unackedLocked() bool { return len(c.failOrder) > c.acked }

// usableLocked rejects operations on freed or revoked communicators.
func (c *Communicator) usableLocked(op string) error {
    if c.freed { return fmt.Errorf("%w: %s on %s", ErrFreed, op, c.cid) }
    if c.revoked { return c.errorf(ClassRevoked, op, group.Undefined) }
    return nil
}

// firstDeadLocked returns the rank of a confirmed-dead member, or Undefined.
func (c *Communicator) firstDeadLocked() int {
    if len(c.failOrder) == 0 { return group.Undefined }
    rec := c.failRecs[c.failOrder[0]]
    return rec.Rank
}

func (c *Communicator) errorf(class ErrorClass, op string, rank int) *Error {
    return newError(class, op, c.cid, rank)
}

// Retain adds a local reference released by a matching Free.
func (c *Communicator) Retain() *Communicator {
    c.p.mu.Lock()
    c.refs++
    c.p.mu.Unlock()
    return c
}

// Free releases one reference. The last release drops the handle without
// communicating, so it succeeds on revoked communicators and with dead
// members. Pending requests complete as cancelled.
func (c *Communicator) Free() {
    p := c.p
    p.mu.Lock()
    if c.freed {
        p.mu.Unlock()
        return
    }
    if c.refs--; c.refs > 0 {
        p.mu.Unlock()
        return
    }
    c.freed = true
    delete(p.arena.comms, c.handle)
    for _, r := range c.posted { r.finishLocked(nil, Status{Source: group.Undefined, Cancelled: true}, nil) }
    c.posted, c.unexpected = nil, nil
    c.coll = make(map[collKey][]byte)
    // Freed communicators keep answering agreement traffic for a while.
    p.freed = append(p.freed, c.cid)
    for len(p.freed) > p.opts.RetainFreed {
        old := p.freed[0]
        p.freed = p.freed[1:]
        delete(p.comms, old)
        p.retired[old] = struct{}{}
    }
    p.signalLocked()
    p.mu.Unlock()
    p.eb.publish(Event{Type: EventCommFreed, CID: c.cid})
}

// Dup creates a congruent communicator with a fresh context id. It inherits
// the error policy and handler.
func (c *Communicator) Dup() (*Communicator, error) {
    p := c.p
    p.mu.Lock()
    seq := c.createSeq
    c.createSeq++
    if err := c.usableLocked("dup"); err != nil {
        p.mu.Unlock()
        return nil, c.raise(err)
    }
    cid := fmt.Sprintf("%s/d%d", c.cid, seq)
    var nc *Communicator
    if c.inter {
        nc = p.newInterLocked(cid, c.epoch+1, c.local, c.remote, c.parentSide)
    } else {
        nc = p.newIntraLocked(cid, c.epoch+1, c.local)
    }
    nc.policy, nc.handler = c.policy, c.handler
    p.unlockAndFlush()
    return nc, nil
}

// Merge turns an intercommunicator into an intracommunicator over both
// groups. The spawning side takes the low ranks. It fails with ProcFailed
// when a member of either group is known dead.
func (c *Communicator) Merge() (*Communicator, error) {
    p := c.p
    p.mu.Lock()
    seq := c.createSeq
    c.createSeq++
    err := c.usableLocked("merge")
    if err == nil && !c.inter { err = fmt.Errorf("%w: merge", ErrIntraComm) }
    if err == nil && len(c.failOrder) > 0 {
        rec := c.failRecs[c.failOrder[0]]
        err = c.errorf(ClassProcFailed, "merge", rec.Rank)
    }
    if err != nil {
        p.mu.Unlock()
        return nil, c.raise(err)
    }
    nc := p.newIntraLocked(fmt.Sprintf("%s/m%d", c.cid, seq), c.epoch+1, c.universe)
    p.unlockAndFlush()
    return nc, nil
}
