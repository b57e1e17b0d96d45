package grpc

import (
    "context"
    "time"

    "google.golang.org/grpc"

    "github.com/amirimatin/go-ftcomm/pkg/internal/logutil"
    "github.com/amirimatin/go-ftcomm/pkg/transport"
)

// watchAttempts bounds consecutive refused stream setups before the peer is
// reported.
const watchAttempts = 3

// Watch follows the liveness of peers over server streams. A peer whose
// stream breaks, or that refuses connections, is reported once as a Notice;
// one that announces its own shutdown is reported authoritatively. A stream
// that only goes quiet is reopened, never reported.
func (e *Endpoint) Watch(peers ...transport.ProcID) {
    e.mu.Lock()
    defer e.mu.Unlock()
    if e.isClosed() { return }
    for _, p := range peers {
        if p == e.id || e.watching[p] != nil { continue }
        ctx, cancel := context.WithCancel(context.Background())
        e.watching[p] = cancel
        go e.watch(ctx, p)
    }
}

func (e *Endpoint) watch(ctx context.Context, peer transport.ProcID) {
    fails := 0
    for ctx.Err() == nil {
        closing, established, err := e.follow(ctx, peer)
        if ctx.Err() != nil { return }
        switch {
        case closing:
            e.notice(peer, true, "peer shut down")
            return
        case !hardFailure(err):
            logutil.Debugf(e.opts.Logger, "grpc: %v watch on %v reopened: %s", e.id, peer, errString(err))
            fails = 0
        case established:
            e.notice(peer, false, "watch stream broken: "+errString(err))
            return
        default:
            if fails++; fails >= watchAttempts {
                e.notice(peer, false, "unreachable: "+errString(err))
                return
            }
        }
        select {
        case <-ctx.Done():
            return
        case <-time.After(e.opts.Heartbeat):
        }
    }
}

// follow runs one watch stream until it ends. established reports whether
// at least one heartbeat arrived.
func (e *Endpoint) follow(ctx context.Context, peer transport.ProcID) (closing, established bool, err error) {
    addr, err := e.opts.Directory.Resolve(ctx, peer)
    if err != nil { return false, false, err }
    dctx, cancel := context.WithTimeout(ctx, e.opts.Timeout)
    cc, rel, err := e.cm.Get(dctx, addr)
    cancel()
    if err != nil { return false, false, err }
    defer rel()
    sctx, stop := context.WithCancel(ctx)
    defer stop()
    sd := &grpc.StreamDesc{ServerStreams: true}
    cs, err := cc.NewStream(sctx, sd, methodWatch)
    if err != nil { return false, false, err }
    if err := cs.SendMsg(&watchReq{From: e.id}); err != nil { return false, false, err }
    _ = cs.CloseSend()
    // A silent stream is dropped and reopened by the caller.
    beats := make(chan *watchMsg)
    errs := make(chan error, 1)
    go func() {
        for {
            m := new(watchMsg)
            if err := cs.RecvMsg(m); err != nil {
                errs <- err
                return
            }
            select {
            case beats <- m:
            case <-sctx.Done():
                return
            }
        }
    }()
    for {
        select {
        case m := <-beats:
            established = true
            if m.Closing { return true, true, nil }
        case err := <-errs:
            return false, established, err
        case <-time.After(3 * e.opts.Heartbeat):
            return false, established, context.DeadlineExceeded
        case <-ctx.Done():
            return false, established, ctx.Err()
        }
    }
}

func (e *Endpoint) notice(peer transport.ProcID, authoritative bool, reason string) {
    e.mu.Lock()
    if e.noticed[peer] {
        e.mu.Unlock()
        return
    }
    e.noticed[peer] = true
    e.mu.Unlock()
    logutil.Warnf(e.opts.Logger, "grpc: %v reports %v: %s", e.id, peer, reason)
    e.box.Put(transport.Delivery{Notice: &transport.Notice{Proc: peer, Authoritative: authoritative, Reason: reason}})
}

func errString(err error) string {
    if err == nil { return "eof" }
    return err.Error()
}
