package memberlist

import (
    "context"
    "testing"
    "time"

    base "github.com/amirimatin/go-ftcomm/pkg/membership"
)

func TestMemberlist_StartLocal(t *testing.T) {
    m, err := New(Options{NodeID: "p1", Bind: "127.0.0.1:0", Meta: map[string]string{base.MetaFabricAddr: "127.0.0.1:9000"}, PingInterval: 100 * time.Millisecond})
    if err != nil { t.Fatalf("new: %v", err) }
    ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
    defer cancel()
    if err := m.Start(ctx); err != nil { t.Fatalf("start: %v", err) }
    defer m.Stop()

    local := m.Local()
    if local.ID != "p1" { t.Fatalf("local id = %q, want p1", local.ID) }
    if local.Meta[base.MetaFabricAddr] != "127.0.0.1:9000" { t.Fatalf("meta not propagated: %v", local.Meta) }
    hr, ok := m.(base.HealthReporter)
    if !ok { t.Fatalf("impl does not implement HealthReporter") }
    if s := hr.HealthScore(); s < 0 { t.Fatalf("unexpected health score: %d", s) }
}

func TestStartReportsOwnJoin(t *testing.T) {
    m, err := New(Options{NodeID: "p4", Bind: "127.0.0.1:0"})
    if err != nil { t.Fatalf("new: %v", err) }
    ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
    defer cancel()
    started := make(chan error, 1)
    go func() { started <- m.Start(ctx) }()
    select {
    case err := <-started:
        if err != nil { t.Fatalf("start: %v", err) }
    case <-time.After(3 * time.Second):
        t.Fatalf("start did not return")
    }
    awaitEvent(t, m, "p4", base.EventJoin, 2*time.Second)
    if err := m.Stop(); err != nil { t.Fatalf("stop: %v", err) }
    if err := m.Stop(); err != nil { t.Fatalf("second stop: %v", err) }
}

func TestNewValidates(t *testing.T) {
    if _, err := New(Options{Bind: "127.0.0.1:0"}); err == nil { t.Fatalf("expected error for empty NodeID") }
    if _, err := New(Options{NodeID: "p1"}); err == nil { t.Fatalf("expected error for empty Bind") }
}

func TestLeaveAndFailureEvents(t *testing.T) {
    ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
    defer cancel()

    n1, addr1 := startNode(t, ctx, "p1")
    defer n1.Stop()
    n2, _ := startNode(t, ctx, "p2")
    defer n2.Stop()
    n3, _ := startNode(t, ctx, "p3")
    defer n3.Stop()
    if err := n2.Join([]string{addr1}); err != nil { t.Fatalf("p2 join: %v", err) }
    if err := n3.Join([]string{addr1}); err != nil { t.Fatalf("p3 join: %v", err) }
    awaitMembers(t, n1, 3, 5*time.Second)

    _ = n2.Leave()
    _ = n2.Stop()
    awaitEvent(t, n1, "p2", base.EventLeave, 5*time.Second)

    // shutdown without leave looks like a crash
    _ = n3.Stop()
    awaitEvent(t, n1, "p3", base.EventFailed, 10*time.Second)
}

func startNode(t *testing.T, ctx context.Context, id string) (*impl, string) {
    t.Helper()
    m, err := New(Options{NodeID: id, Bind: "127.0.0.1:0", PingInterval: 100 * time.Millisecond, PingTimeout: 50 * time.Millisecond, SuspicionMult: 1})
    if err != nil { t.Fatalf("new %s: %v", id, err) }
    if err := m.Start(ctx); err != nil { t.Fatalf("start %s: %v", id, err) }
    la := m.Local().Addr
    if la == "" { t.Fatalf("local addr empty for %s", id) }
    return m.(*impl), la
}

func awaitMembers(t *testing.T, m base.Membership, want int, timeout time.Duration) {
    t.Helper()
    deadline := time.Now().Add(timeout)
    for {
        got := m.Members()
        if len(got) == want { return }
        if time.Now().After(deadline) {
            t.Fatalf("members timeout: got=%d want=%d list=%v", len(got), want, got)
        }
        time.Sleep(100 * time.Millisecond)
    }
}

func awaitEvent(t *testing.T, m base.Membership, id string, typ base.EventType, timeout time.Duration) {
    t.Helper()
    timer := time.NewTimer(timeout)
    defer timer.Stop()
    for {
        select {
        case ev, ok := <-m.Events():
            if !ok { t.Fatalf("events closed before %s %s", typ, id) }
            if ev.Member.ID == id && ev.Type == typ { return }
        case <-timer.C:
            t.Fatalf("timeout waiting for %s %s", typ, id)
        }
    }
}
