package ftcomm

import (
    "context"
    "encoding/json"
    "errors"
    "fmt"
    "sort"

    "github.com/amirimatin/go-ftcomm/pkg/group"
    "github.com/amirimatin/go-ftcomm/pkg/transport"
)

// ColorUndefined excludes the caller from every Split result.
const ColorUndefined = -1

const (
    stepUp    = 0
    stepDown  = 1
    stepBcast = 2
)

// Binomial tree over positions 0..n-1 rooted at 0.
func treeParent(pos int) int {
    if pos == 0 { return -1 }
    return pos & (pos - 1)
}

func treeChildren(pos, n int) []int {
    var out []int
    for mask := 1; mask < n; mask <<= 1 {
        if pos&mask != 0 { break }
        if ch := pos | mask; ch < n { out = append(out, ch) }
    }
    return out
}

func (c *Communicator) beginColl(op string) (uint64, error) {
    c.p.mu.Lock()
    defer c.p.mu.Unlock()
    seq := c.collSeq
    c.collSeq++
    if err := c.usableLocked(op); err != nil { return seq, err }
    if c.inter { return seq, fmt.Errorf("%w: %s", ErrInterComm, op) }
    if r := c.firstDeadLocked(); r != group.Undefined { return seq, c.errorf(ClassProcFailed, op, r) }
    return seq, nil
}

func (c *Communicator) endColl(seq uint64) {
    c.p.mu.Lock()
    if seq > c.collFloor { c.collFloor = seq }
    for k := range c.coll {
        if k.seq <= c.collFloor { delete(c.coll, k) }
    }
    c.p.mu.Unlock()
}

func (c *Communicator) deliverCollLocked(env *transport.Envelope) {
    if c.revoked || c.freed || env.Seq <= c.collFloor { return }
    c.coll[collKey{seq: env.Seq, step: env.Step, from: env.From}] = env.Payload
}

func (c *Communicator) collSend(ctx context.Context, op string, seq uint64, step, rank int, payload []byte) error {
    env := &transport.Envelope{To: c.local.Proc(rank), CID: c.cid, Kind: transport.KindColl, Seq: seq, Step: step, Payload: payload}
    if err := c.p.deliver(ctx, env); err != nil {
        if isCtxErr(err) { return err }
        if errors.Is(err, transport.ErrClosed) { return ErrKilled }
        e := c.errorf(ClassProcFailed, op, rank)
        e.Err = err
        return e
    }
    return nil
}

// collRecv waits for one collective message. Any confirmed-dead member or a
// revocation ends the wait.
func (c *Communicator) collRecv(ctx context.Context, op string, seq uint64, step, rank int) ([]byte, error) {
    key := collKey{seq: seq, step: step, from: c.local.Proc(rank)}
    var out []byte
    err := c.p.await(ctx, func() (bool, error) {
        if v, ok := c.coll[key]; ok {
            out = v
            delete(c.coll, key)
            return true, nil
        }
        if c.revoked { return false, c.errorf(ClassRevoked, op, group.Undefined) }
        if c.freed { return false, fmt.Errorf("%w: %s on %s", ErrFreed, op, c.cid) }
        if r := c.firstDeadLocked(); r != group.Undefined { return false, c.errorf(ClassProcFailed, op, r) }
        return false, nil
    })
    return out, err
}

// gatherAll collects one value per rank up the tree and sends the full set
// back down, so every rank ends with the same map.
func (c *Communicator) gatherAll(ctx context.Context, op string, mine []byte) (map[int][]byte, error) {
    seq, err := c.beginColl(op)
    defer c.endColl(seq)
    if err != nil { return nil, err }

    n, me := c.local.Size(), c.rank
    acc := map[int][]byte{me: mine}
    children := treeChildren(me, n)
    for _, ch := range children {
        b, err := c.collRecv(ctx, op, seq, stepUp, ch)
        if err != nil { return nil, err }
        var part map[int][]byte
        if err := json.Unmarshal(b, &part); err != nil { return nil, fmt.Errorf("ftcomm: %s: decode: %w", op, err) }
        for k, v := range part { acc[k] = v }
    }
    if me != 0 {
        parent := treeParent(me)
        b, _ := json.Marshal(acc)
        if err := c.collSend(ctx, op, seq, stepUp, parent, b); err != nil { return nil, err }
        b, err := c.collRecv(ctx, op, seq, stepDown, parent)
        if err != nil { return nil, err }
        acc = nil
        if err := json.Unmarshal(b, &acc); err != nil { return nil, fmt.Errorf("ftcomm: %s: decode: %w", op, err) }
    }
    b, _ := json.Marshal(acc)
    for _, ch := range children {
        if err := c.collSend(ctx, op, seq, stepDown, ch, b); err != nil { return nil, err }
    }
    return acc, nil
}

// Barrier returns once every member entered it. Not uniform: some members
// may succeed while others see ProcFailed.
func (c *Communicator) Barrier(ctx context.Context) error {
    _, err := c.gatherAll(ctx, "barrier", nil)
    return c.raise(err)
}

// Allgather returns every member's value in rank order.
func (c *Communicator) Allgather(ctx context.Context, value []byte) ([][]byte, error) {
    out, err := c.allgather(ctx, "allgather", value)
    return out, c.raise(err)
}

func (c *Communicator) allgather(ctx context.Context, op string, value []byte) ([][]byte, error) {
    acc, err := c.gatherAll(ctx, op, value)
    if err != nil { return nil, err }
    out := make([][]byte, c.local.Size())
    for k, v := range acc {
        if k >= 0 && k < len(out) { out[k] = v }
    }
    return out, nil
}

// Allreduce folds every member's value with op in rank order.
func (c *Communicator) Allreduce(ctx context.Context, value []byte, op Op) ([]byte, error) {
    vals, err := c.allgather(ctx, "allreduce", value)
    if err != nil { return nil, c.raise(err) }
    return fold(op, len(value), vals), nil
}

// Bcast distributes root's data; other ranks' data argument is ignored.
func (c *Communicator) Bcast(ctx context.Context, root int, data []byte) ([]byte, error) {
    out, err := c.bcast(ctx, "bcast", root, data)
    return out, c.raise(err)
}

func (c *Communicator) bcast(ctx context.Context, op string, root int, data []byte) ([]byte, error) {
    seq, err := c.beginColl(op)
    defer c.endColl(seq)
    if err != nil { return nil, err }
    n := c.local.Size()
    if root < 0 || root >= n { return nil, fmt.Errorf("%w: %s root %d", ErrInvalidRank, op, root) }
    vr := (c.rank - root + n) % n
    abs := func(v int) int { return (v + root) % n }
    if vr != 0 {
        data, err = c.collRecv(ctx, op, seq, stepBcast, abs(treeParent(vr)))
        if err != nil { return nil, err }
    }
    for _, ch := range treeChildren(vr, n) {
        if err := c.collSend(ctx, op, seq, stepBcast, abs(ch), data); err != nil { return nil, err }
    }
    return data, nil
}

// Split partitions the communicator by color, ordering each part by key then
// by old rank. Callers passing ColorUndefined get nil.
func (c *Communicator) Split(ctx context.Context, color, key int) (*Communicator, error) {
    c.p.mu.Lock()
    seq := c.createSeq
    c.createSeq++
    c.p.mu.Unlock()

    all, err := c.allgather(ctx, "split", EncodeInt64s(int64(color), int64(key)))
    if err != nil { return nil, c.raise(err) }
    if color < 0 { return nil, nil }

    type entry struct{ rank, key int }
    var part []entry
    for r, b := range all {
        v := DecodeInt64s(b)
        if len(v) == 2 && int(v[0]) == color { part = append(part, entry{rank: r, key: int(v[1])}) }
    }
    sort.SliceStable(part, func(i, j int) bool {
        if part[i].key != part[j].key { return part[i].key < part[j].key }
        return part[i].rank < part[j].rank
    })
    procs := make([]transport.ProcID, len(part))
    for i, e := range part { procs[i] = c.local.Proc(e.rank) }

    c.p.mu.Lock()
    nc := c.p.newIntraLocked(fmt.Sprintf("%s/s%d.%d", c.cid, seq, color), c.epoch+1, group.New(procs...))
    c.p.unlockAndFlush()
    return nc, nil
}
