package detector

import (
    "sync"
    "testing"

    "github.com/amirimatin/go-ftcomm/pkg/transport"
)

func TestSuspectThenConfirm(t *testing.T) {
    d := New(Options{Self: 1})
    if s := d.OnCommunicationFailure(2, SourceTransport); s != StateSuspected {
        t.Fatalf("first observation: %v", s)
    }
    if !d.IsSuspected(2) || d.IsConfirmed(2) { t.Fatalf("expected suspected only") }
    if s := d.OnCommunicationFailure(2, SourceTransport); s != StateConfirmed {
        t.Fatalf("second observation: %v", s)
    }
    if !d.IsConfirmed(2) { t.Fatalf("expected confirmed") }
}

func TestThirdPartyCorroborates(t *testing.T) {
    d := New(Options{Self: 1})
    d.OnCommunicationFailure(3, SourceGossip)
    if d.IsConfirmed(3) { t.Fatalf("gossip alone must not confirm") }
    d.OnCommunicationFailure(3, SourceTransport)
    if !d.IsConfirmed(3) { t.Fatalf("gossip plus transport must confirm") }
}

func TestRuntimeConfirmsImmediately(t *testing.T) {
    d := New(Options{Self: 1})
    if s := d.OnCommunicationFailure(4, SourceRuntime); s != StateConfirmed {
        t.Fatalf("runtime observation: %v", s)
    }
}

func TestSelfAndZeroIgnored(t *testing.T) {
    d := New(Options{Self: 1})
    d.OnCommunicationFailure(1, SourceRuntime)
    d.OnCommunicationFailure(0, SourceRuntime)
    if d.IsSuspected(1) || len(d.Confirmed()) != 0 { t.Fatalf("self or zero recorded") }
}

func TestConfirmationOrderAndSubscribers(t *testing.T) {
    d := New(Options{Self: 1})
    var mu sync.Mutex
    var seen []transport.ProcID
    d.Subscribe(func(p transport.ProcID) { mu.Lock(); seen = append(seen, p); mu.Unlock() })
    d.OnCommunicationFailure(5, SourceRuntime)
    d.OnCommunicationFailure(3, SourceRuntime)
    d.OnCommunicationFailure(5, SourceRuntime) // already confirmed, no second callback
    got := d.Confirmed()
    if len(got) != 2 || got[0] != 5 || got[1] != 3 { t.Fatalf("order = %v", got) }
    mu.Lock()
    defer mu.Unlock()
    if len(seen) != 2 { t.Fatalf("subscriber calls = %v", seen) }
}

func TestSnapshotIsCopy(t *testing.T) {
    d := New(Options{Self: 1})
    d.OnCommunicationFailure(2, SourceTransport)
    snap := d.Snapshot()
    if len(snap) != 1 || snap[0].Confirmed { t.Fatalf("snapshot = %+v", snap) }
    snap[0].Sources[0] = SourceRuntime
    if d.Snapshot()[0].Sources[0] != SourceTransport { t.Fatalf("snapshot aliased internal state") }
}
