package world

import (
    "context"
    "errors"
    "testing"
    "time"

    "github.com/amirimatin/go-ftcomm/pkg/ftcomm"
)

func TestNewRejectsBadSize(t *testing.T) {
    if _, err := New(Options{Size: 0}); !errors.Is(err, ErrBadSize) {
        t.Fatalf("expected ErrBadSize, got %v", err)
    }
}

func TestRunCollectsResults(t *testing.T) {
    w, err := New(Options{Size: 3})
    if err != nil { t.Fatalf("new: %v", err) }
    defer w.Close()
    ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
    defer cancel()

    boom := errors.New("boom")
    w.Run(ctx, func(ctx context.Context, p *ftcomm.Process) error {
        if err := p.World().Barrier(ctx); err != nil { return err }
        if p.World().Rank() == 1 { return boom }
        return nil
    })
    res := w.Wait()
    if len(res) != 3 { t.Fatalf("expected 3 results, got %d", len(res)) }
    for rank, p := range w.Procs() {
        got := res[p.Self()]
        if rank == 1 && !errors.Is(got, boom) { t.Fatalf("rank 1: %v", got) }
        if rank != 1 && got != nil { t.Fatalf("rank %d: %v", rank, got) }
    }
}

func TestKillRank(t *testing.T) {
    w, err := New(Options{Size: 2})
    if err != nil { t.Fatalf("new: %v", err) }
    defer w.Close()
    if w.KillRank(5) { t.Fatalf("out of range rank must not kill") }
    victim := w.Procs()[1]
    if !w.KillRank(1) { t.Fatalf("kill failed") }
    if w.Alive(victim.Self()) { t.Fatalf("victim still alive") }
    select {
    case <-victim.Done():
    case <-time.After(2 * time.Second):
        t.Fatalf("victim process did not stop")
    }
}

func TestLaunchWithoutMain(t *testing.T) {
    w, err := New(Options{Size: 1})
    if err != nil { t.Fatalf("new: %v", err) }
    defer w.Close()
    _, err = w.Launch(context.Background(), ftcomm.SpawnRequest{N: 1, CID: "w/x1"})
    if !errors.Is(err, ErrNoMain) { t.Fatalf("expected ErrNoMain, got %v", err) }
}

func TestLaunchHookVeto(t *testing.T) {
    veto := errors.New("vetoed")
    w, err := New(Options{Size: 1, LaunchHook: func(ftcomm.SpawnRequest) error { return veto }})
    if err != nil { t.Fatalf("new: %v", err) }
    defer w.Close()
    if _, err := w.Launch(context.Background(), ftcomm.SpawnRequest{N: 1}); !errors.Is(err, veto) {
        t.Fatalf("expected veto, got %v", err)
    }
    if len(w.Spawned()) != 0 { t.Fatalf("nothing should have spawned") }
}
