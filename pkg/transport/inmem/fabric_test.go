package inmem

import (
    "context"
    "errors"
    "testing"
    "time"

    "github.com/amirimatin/go-ftcomm/pkg/transport"
)

func TestSendRecv(t *testing.T) {
    f := New(Options{})
    eps := f.AttachN(2)
    ctx, cancel := context.WithTimeout(context.Background(), time.Second)
    defer cancel()
    payload := []byte("hi")
    if err := eps[0].Send(ctx, &transport.Envelope{To: eps[1].ID(), Kind: transport.KindData, Payload: payload}); err != nil {
        t.Fatalf("send: %v", err)
    }
    payload[0] = 'X'
    d, err := eps[1].Recv(ctx)
    if err != nil { t.Fatalf("recv: %v", err) }
    if d.Env == nil || d.Env.From != eps[0].ID() || string(d.Env.Payload) != "hi" {
        t.Fatalf("unexpected delivery %+v", d.Env)
    }
}

func TestKillMakesSendFailAndNotifies(t *testing.T) {
    f := New(Options{})
    eps := f.AttachN(3)
    if !f.Kill(eps[2].ID()) { t.Fatalf("kill returned false") }
    ctx, cancel := context.WithTimeout(context.Background(), time.Second)
    defer cancel()
    err := eps[0].Send(ctx, &transport.Envelope{To: eps[2].ID(), Kind: transport.KindData})
    if !errors.Is(err, transport.ErrUnreachable) { t.Fatalf("send to dead: %v", err) }
    d, err := eps[1].Recv(ctx)
    if err != nil { t.Fatalf("recv: %v", err) }
    if d.Notice == nil || d.Notice.Proc != eps[2].ID() || !d.Notice.Authoritative {
        t.Fatalf("expected termination notice, got %+v", d)
    }
    select {
    case <-eps[2].Done():
    default:
        t.Fatalf("killed endpoint not done")
    }
    if f.Alive(eps[2].ID()) || len(f.Procs()) != 2 { t.Fatalf("fabric still lists killed proc") }
}

func TestSilentKill(t *testing.T) {
    f := New(Options{SilentKills: true})
    eps := f.AttachN(2)
    f.Kill(eps[1].ID())
    ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
    defer cancel()
    if _, err := eps[0].Recv(ctx); !errors.Is(err, context.DeadlineExceeded) {
        t.Fatalf("expected no notice, got %v", err)
    }
}

func TestDeadSenderClosed(t *testing.T) {
    f := New(Options{})
    eps := f.AttachN(2)
    _ = eps[0].Close()
    err := eps[0].Send(context.Background(), &transport.Envelope{To: eps[1].ID()})
    if !errors.Is(err, transport.ErrClosed) { t.Fatalf("send from closed: %v", err) }
}
