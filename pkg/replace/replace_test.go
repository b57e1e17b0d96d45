package replace_test

import (
    "context"
    "errors"
    "sync"
    "sync/atomic"
    "testing"
    "time"

    "github.com/stretchr/testify/require"

    "github.com/amirimatin/go-ftcomm/pkg/ftcomm"
    "github.com/amirimatin/go-ftcomm/pkg/replace"
    "github.com/amirimatin/go-ftcomm/pkg/transport"
    "github.com/amirimatin/go-ftcomm/pkg/world"
)

type outcome struct {
    rank int
    size int
}

// runReplace kills victims, then repairs the world on every process. A hook
// returning true ends that process's main before it takes part.
func runReplace(t *testing.T, w *world.World, victims []int, opts replace.Options, hook func(p *ftcomm.Process) bool) (map[transport.ProcID]outcome, map[transport.ProcID]error) {
    t.Helper()
    ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
    t.Cleanup(cancel)
    for _, v := range victims { require.True(t, w.KillRank(v)) }

    var mu sync.Mutex
    out := make(map[transport.ProcID]outcome)
    w.Run(ctx, func(ctx context.Context, p *ftcomm.Process) error {
        if hook != nil && hook(p) { return nil }
        var nc *ftcomm.Communicator
        var err error
        if p.Parent() != nil {
            nc, err = replace.Join(ctx, p, opts)
        } else {
            nc, err = replace.Replace(ctx, p.World(), opts)
        }
        if err != nil { return err }
        if err := nc.Barrier(ctx); err != nil { return err }
        mu.Lock()
        out[p.Self()] = outcome{rank: nc.Rank(), size: nc.Size()}
        mu.Unlock()
        return nil
    })
    return out, w.Wait()
}

func TestReplaceRestoresRanks(t *testing.T) {
    w, err := world.New(world.Options{Size: 5})
    require.NoError(t, err)
    t.Cleanup(w.Close)
    procs := w.Procs()

    out, errs := runReplace(t, w, []int{1, 3}, replace.Options{}, nil)
    for rank, p := range procs {
        if rank == 1 || rank == 3 { continue }
        require.NoError(t, errs[p.Self()])
        require.Equal(t, outcome{rank: rank, size: 5}, out[p.Self()], "survivor %d", rank)
    }
    spawned := w.Spawned()
    require.Len(t, spawned, 2)
    got := map[int]bool{}
    for _, id := range spawned {
        require.NoError(t, errs[id])
        require.Equal(t, 5, out[id].size)
        got[out[id].rank] = true
    }
    require.Equal(t, map[int]bool{1: true, 3: true}, got)
}

func TestReplaceWithoutFailuresReturnsSameComm(t *testing.T) {
    w, err := world.New(world.Options{Size: 3})
    require.NoError(t, err)
    t.Cleanup(w.Close)
    ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
    defer cancel()
    var same atomic.Int32
    w.Run(ctx, func(ctx context.Context, p *ftcomm.Process) error {
        nc, err := replace.Replace(ctx, p.World(), replace.Options{})
        if err != nil { return err }
        if nc == p.World() { same.Add(1) }
        return nil
    })
    for _, err := range w.Wait() { require.NoError(t, err) }
    require.Equal(t, int32(3), same.Load())
    require.Empty(t, w.Spawned())
}

func TestReplaceRetriesAfterSpawnFailure(t *testing.T) {
    var launches atomic.Int32
    w, err := world.New(world.Options{Size: 4, LaunchHook: func(ftcomm.SpawnRequest) error {
        if launches.Add(1) == 1 { return errors.New("transient launcher failure") }
        return nil
    }})
    require.NoError(t, err)
    t.Cleanup(w.Close)

    out, errs := runReplace(t, w, []int{2}, replace.Options{MaxWait: 20 * time.Millisecond}, nil)
    require.Equal(t, int32(2), launches.Load())
    for rank, p := range w.Procs() {
        if rank == 2 { continue }
        require.NoError(t, errs[p.Self()])
        require.Equal(t, rank, out[p.Self()].rank)
    }
    spawned := w.Spawned()
    require.Len(t, spawned, 1)
    require.Equal(t, outcome{rank: 2, size: 4}, out[spawned[0]])
}

// requireRepaired checks that every survivor kept its rank in a full size
// communicator and that live replacements filled exactly the vacated ranks.
func requireRepaired(t *testing.T, w *world.World, out map[transport.ProcID]outcome, errs map[transport.ProcID]error, dead map[int]bool) {
    t.Helper()
    size := len(w.Procs())
    for rank, p := range w.Procs() {
        if dead[rank] { continue }
        require.NoError(t, errs[p.Self()], "survivor %d", rank)
        require.Equal(t, outcome{rank: rank, size: size}, out[p.Self()], "survivor %d", rank)
    }
    filled := map[int]bool{}
    for _, id := range w.Spawned() {
        o, ok := out[id]
        if !ok { continue }
        require.Equal(t, size, o.size)
        require.False(t, filled[o.rank], "rank %d filled twice", o.rank)
        filled[o.rank] = true
    }
    require.Equal(t, dead, filled)
}

func TestReplaceSurvivesDeadReplacement(t *testing.T) {
    for i := 0; i < 5; i++ {
        w, err := world.New(world.Options{Size: 5})
        require.NoError(t, err)
        var first atomic.Bool
        out, errs := runReplace(t, w, []int{1}, replace.Options{MaxWait: 20 * time.Millisecond}, func(p *ftcomm.Process) bool {
            if p.Parent() == nil || !first.CompareAndSwap(false, true) { return false }
            w.Kill(p.Self())
            return true
        })
        requireRepaired(t, w, out, errs, map[int]bool{1: true})
        require.GreaterOrEqual(t, len(w.Spawned()), 2)
        w.Close()
    }
}

func TestReplaceSurvivesSurvivorLossMidRecovery(t *testing.T) {
    for i := 0; i < 5; i++ {
        var w *world.World
        var launches atomic.Int32
        w, err := world.New(world.Options{Size: 5, LaunchHook: func(ftcomm.SpawnRequest) error {
            if launches.Add(1) == 1 { w.KillRank(3) }
            return nil
        }})
        require.NoError(t, err)
        out, errs := runReplace(t, w, []int{1}, replace.Options{MaxWait: 20 * time.Millisecond}, nil)
        requireRepaired(t, w, out, errs, map[int]bool{1: true, 3: true})
        w.Close()
    }
}

func TestReplaceGivesUp(t *testing.T) {
    w, err := world.New(world.Options{Size: 3, LaunchHook: func(ftcomm.SpawnRequest) error {
        return errors.New("no capacity")
    }})
    require.NoError(t, err)
    t.Cleanup(w.Close)

    _, errs := runReplace(t, w, []int{0}, replace.Options{MaxAttempts: 2, MaxWait: 5 * time.Millisecond}, nil)
    for rank, p := range w.Procs() {
        if rank == 0 { continue }
        require.ErrorIs(t, errs[p.Self()], replace.ErrExhausted)
    }
}

func TestJoinRequiresParent(t *testing.T) {
    w, err := world.New(world.Options{Size: 1})
    require.NoError(t, err)
    t.Cleanup(w.Close)
    _, err = replace.Join(context.Background(), w.Procs()[0], replace.Options{})
    require.ErrorIs(t, err, replace.ErrNoParent)
}
