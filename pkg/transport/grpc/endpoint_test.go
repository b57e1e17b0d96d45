package grpc

import (
    "context"
    "errors"
    "net"
    "sync"
    "testing"
    "time"

    "github.com/amirimatin/go-ftcomm/pkg/discovery/static"
    "github.com/amirimatin/go-ftcomm/pkg/ftcomm"
    "github.com/amirimatin/go-ftcomm/pkg/transport"
)

func listen(t *testing.T, dir *static.Directory, id transport.ProcID) *Endpoint {
    t.Helper()
    ep, err := Listen(context.Background(), Options{ID: id, Directory: dir, Heartbeat: 50 * time.Millisecond, Timeout: time.Second})
    if err != nil { t.Fatalf("listen %v: %v", id, err) }
    t.Cleanup(func() { _ = ep.Close() })
    return ep
}

func recvWithin(t *testing.T, ep *Endpoint, d time.Duration) transport.Delivery {
    t.Helper()
    ctx, cancel := context.WithTimeout(context.Background(), d)
    defer cancel()
    got, err := ep.Recv(ctx)
    if err != nil { t.Fatalf("recv on %v: %v", ep.ID(), err) }
    return got
}

func TestValidate(t *testing.T) {
    if _, err := Listen(context.Background(), Options{}); !errors.Is(err, ErrNoID) { t.Fatalf("expected ErrNoID, got %v", err) }
    if _, err := Listen(context.Background(), Options{ID: 1}); !errors.Is(err, ErrNoDirectory) { t.Fatalf("expected ErrNoDirectory, got %v", err) }
}

func TestDeliverBetweenEndpoints(t *testing.T) {
    dir := static.New(nil)
    a, b := listen(t, dir, 1), listen(t, dir, 2)
    ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
    defer cancel()
    env := &transport.Envelope{To: 2, CID: "w", Kind: transport.KindData, Tag: 7, Payload: []byte("hi")}
    if err := a.Send(ctx, env); err != nil { t.Fatalf("send: %v", err) }
    got := recvWithin(t, b, 5*time.Second)
    if got.Env == nil || got.Env.From != 1 || string(got.Env.Payload) != "hi" || got.Env.Tag != 7 {
        t.Fatalf("unexpected delivery %+v", got.Env)
    }
    if a.cm.Len() != 1 { t.Fatalf("expected one cached connection, got %d", a.cm.Len()) }
}

func TestSendToClosedPeerIsUnreachable(t *testing.T) {
    dir := static.New(nil)
    a, b := listen(t, dir, 1), listen(t, dir, 2)
    _ = b.Close()
    ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
    defer cancel()
    err := a.Send(ctx, &transport.Envelope{To: 2, CID: "w", Kind: transport.KindData})
    if !errors.Is(err, transport.ErrUnreachable) { t.Fatalf("expected ErrUnreachable, got %v", err) }
    if err := a.Send(ctx, &transport.Envelope{To: 9, CID: "w", Kind: transport.KindData}); !errors.Is(err, transport.ErrUnreachable) {
        t.Fatalf("unknown peer: expected ErrUnreachable, got %v", err)
    }
}

// stallingListener accepts connections and never answers, like a peer that
// is alive but too slow to respond.
func stallingListener(t *testing.T) string {
    t.Helper()
    ln, err := net.Listen("tcp", "127.0.0.1:0")
    if err != nil { t.Fatalf("listen: %v", err) }
    var mu sync.Mutex
    var conns []net.Conn
    go func() {
        for {
            c, err := ln.Accept()
            if err != nil { return }
            mu.Lock()
            conns = append(conns, c)
            mu.Unlock()
        }
    }()
    t.Cleanup(func() {
        _ = ln.Close()
        mu.Lock()
        defer mu.Unlock()
        for _, c := range conns { _ = c.Close() }
    })
    return ln.Addr().String()
}

func TestSendToSlowPeerTimesOut(t *testing.T) {
    dir := static.New(map[transport.ProcID]string{4: stallingListener(t)})
    a, err := Listen(context.Background(), Options{ID: 1, Directory: dir, Heartbeat: 50 * time.Millisecond, Timeout: 200 * time.Millisecond})
    if err != nil { t.Fatalf("listen: %v", err) }
    defer a.Close()
    ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
    defer cancel()
    err = a.Send(ctx, &transport.Envelope{To: 4, CID: "w", Kind: transport.KindData})
    if !errors.Is(err, transport.ErrTimeout) || errors.Is(err, transport.ErrUnreachable) {
        t.Fatalf("expected ErrTimeout only, got %v", err)
    }
}

func TestWatchIgnoresSilentPeer(t *testing.T) {
    dir := static.New(map[transport.ProcID]string{4: stallingListener(t)})
    a, err := Listen(context.Background(), Options{ID: 1, Directory: dir, Heartbeat: 20 * time.Millisecond, Timeout: 100 * time.Millisecond})
    if err != nil { t.Fatalf("listen: %v", err) }
    defer a.Close()
    a.Watch(4)
    ctx, cancel := context.WithTimeout(context.Background(), time.Second)
    defer cancel()
    if got, err := a.Recv(ctx); err == nil { t.Fatalf("silent peer reported: %+v", got) }
}

func TestWatchReportsShutdown(t *testing.T) {
    dir := static.New(nil)
    a, b := listen(t, dir, 1), listen(t, dir, 2)
    a.Watch(2)
    time.Sleep(150 * time.Millisecond)
    _ = b.Close()
    got := recvWithin(t, a, 5*time.Second)
    if got.Notice == nil || got.Notice.Proc != 2 || !got.Notice.Authoritative {
        t.Fatalf("expected authoritative notice for 2, got %+v", got)
    }
}

func TestWatchReportsUnreachablePeer(t *testing.T) {
    dir := static.New(map[transport.ProcID]string{3: "127.0.0.1:1"})
    a := listen(t, dir, 1)
    a.Watch(3, 1)
    got := recvWithin(t, a, 10*time.Second)
    if got.Notice == nil || got.Notice.Proc != 3 || got.Notice.Authoritative {
        t.Fatalf("expected suspicion notice for 3, got %+v", got)
    }
}

func TestProcessesOverGRPC(t *testing.T) {
    dir := static.New(nil)
    ids := []transport.ProcID{1, 2, 3}
    procs := make([]*ftcomm.Process, len(ids))
    for i, id := range ids {
        p, err := ftcomm.New(ftcomm.Options{Endpoint: listen(t, dir, id), World: ids})
        if err != nil { t.Fatalf("process %v: %v", id, err) }
        t.Cleanup(func() { _ = p.Close() })
        procs[i] = p
    }
    ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
    defer cancel()
    errs := make(chan error, len(procs))
    out := make(chan uint32, len(procs))
    for _, p := range procs {
        go func(p *ftcomm.Process) {
            if err := p.World().Barrier(ctx); err != nil { errs <- err; return }
            v, err := p.World().Agree(ctx, 0x6|uint32(p.World().Rank()))
            if err != nil { errs <- err; return }
            out <- v
        }(p)
    }
    for range procs {
        select {
        case err := <-errs:
            t.Fatalf("process failed: %v", err)
        case v := <-out:
            if v != 0x6 { t.Fatalf("agreed %#x", v) }
        }
    }
}
