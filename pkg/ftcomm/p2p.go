package ftcomm

import (
    "context"
    "errors"
    "fmt"

    "github.com/amirimatin/go-ftcomm/pkg/group"
    "github.com/amirimatin/go-ftcomm/pkg/transport"
)

// Send delivers data to rank dst (in the remote group for
// intercommunicators). Sends are eager: success means the transport accepted
// the message.
func (c *Communicator) Send(ctx context.Context, dst, tag int, data []byte) error {
    return c.raise(c.send(ctx, "send", dst, tag, data))
}

func (c *Communicator) send(ctx context.Context, op string, dst, tag int, data []byte) error {
    p := c.p
    p.mu.Lock()
    if err := c.usableLocked(op); err != nil {
        p.mu.Unlock()
        return err
    }
    if dst < 0 || dst >= c.remote.Size() {
        p.mu.Unlock()
        return fmt.Errorf("%w: %s to %d", ErrInvalidRank, op, dst)
    }
    to := c.remote.Proc(dst)
    if p.det.IsConfirmed(to) {
        p.mu.Unlock()
        return c.errorf(ClassProcFailed, op, dst)
    }
    p.mu.Unlock()

    env := &transport.Envelope{To: to, CID: c.cid, Kind: transport.KindData, Tag: tag, Payload: data}
    if err := p.deliver(ctx, env); err != nil {
        if isCtxErr(err) { return err }
        if errors.Is(err, transport.ErrClosed) { return ErrKilled }
        e := c.errorf(ClassProcFailed, op, dst)
        e.Err = err
        return e
    }
    return nil
}

// ISend sends eagerly and returns an already completed request carrying the
// outcome.
func (c *Communicator) ISend(ctx context.Context, dst, tag int, data []byte) *Request {
    r := &Request{c: c, op: "isend", src: dst, tag: tag}
    err := c.send(ctx, "isend", dst, tag, data)
    c.p.mu.Lock()
    r.finishLocked(nil, Status{Source: dst, Tag: tag, Count: len(data)}, err)
    c.p.mu.Unlock()
    return r
}

// Recv blocks for a message from src (or AnySource) with tag (or AnyTag). A
// wildcard receive fails with ProcFailed while unacknowledged failures exist.
func (c *Communicator) Recv(ctx context.Context, src, tag int) ([]byte, Status, error) {
    data, st, err := c.recv(ctx, "recv", src, tag)
    return data, st, c.raise(err)
}

func (c *Communicator) recv(ctx context.Context, op string, src, tag int) ([]byte, Status, error) {
    r, err := c.irecv(op, src, tag)
    if err != nil { return nil, Status{Source: group.Undefined}, err }
    data, st, err := r.wait(ctx)
    if err == nil { return data, st, nil }
    r.Cancel()
    // The message may have matched between the wait and the cancel.
    if d, s, rerr := r.result(); rerr == nil && !s.Cancelled { return d, s, nil }
    var fe *Error
    if errors.As(err, &fe) && fe.Class == ClassProcFailedPending {
        return nil, Status{Source: group.Undefined}, c.errorf(ClassProcFailed, op, group.Undefined)
    }
    return nil, Status{Source: group.Undefined}, err
}

// IRecv posts a receive. Matching follows post order, then arrival order.
func (c *Communicator) IRecv(src, tag int) (*Request, error) {
    r, err := c.irecv("irecv", src, tag)
    return r, c.raise(err)
}

func (c *Communicator) irecv(op string, src, tag int) (*Request, error) {
    p := c.p
    p.mu.Lock()
    defer p.mu.Unlock()
    if err := c.usableLocked(op); err != nil { return nil, err }
    if src != AnySource && (src < 0 || src >= c.remote.Size()) {
        return nil, fmt.Errorf("%w: %s from %d", ErrInvalidRank, op, src)
    }
    r := &Request{c: c, op: op, src: src, tag: tag}
    for i, env := range c.unexpected {
        from := c.remote.Rank(env.From)
        if r.matches(from, env.Tag) {
            c.unexpected = append(c.unexpected[:i], c.unexpected[i+1:]...)
            r.finishLocked(env.Payload, Status{Source: from, Tag: env.Tag, Count: len(env.Payload)}, nil)
            return r, nil
        }
    }
    c.posted = append(c.posted, r)
    return r, nil
}

// SendRecv posts the receive, sends, then waits for the receive.
func (c *Communicator) SendRecv(ctx context.Context, dst, sendTag int, data []byte, src, recvTag int) ([]byte, Status, error) {
    r, err := c.irecv("sendrecv", src, recvTag)
    if err != nil { return nil, Status{Source: group.Undefined}, c.raise(err) }
    if err := c.send(ctx, "sendrecv", dst, sendTag, data); err != nil {
        r.Cancel()
        return nil, Status{Source: group.Undefined}, c.raise(err)
    }
    out, st, err := r.wait(ctx)
    if err != nil { r.Cancel() }
    return out, st, c.raise(err)
}

func (c *Communicator) deliverDataLocked(env *transport.Envelope) {
    if c.revoked || c.freed { return }
    from := c.remote.Rank(env.From)
    if from == group.Undefined { return }
    for i, r := range c.posted {
        if r.matches(from, env.Tag) {
            c.posted = append(c.posted[:i], c.posted[i+1:]...)
            r.finishLocked(env.Payload, Status{Source: from, Tag: env.Tag, Count: len(env.Payload)}, nil)
            return
        }
    }
    c.unexpected = append(c.unexpected, env)
}
