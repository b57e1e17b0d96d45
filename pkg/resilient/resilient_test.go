package resilient_test

import (
    "context"
    "sync"
    "testing"
    "time"

    "github.com/stretchr/testify/require"

    "github.com/amirimatin/go-ftcomm/pkg/checkpoint"
    "github.com/amirimatin/go-ftcomm/pkg/ftcomm"
    "github.com/amirimatin/go-ftcomm/pkg/resilient"
    "github.com/amirimatin/go-ftcomm/pkg/transport"
    "github.com/amirimatin/go-ftcomm/pkg/world"
)

// sumStep adds the iteration number, broadcast from rank 0, to the state.
func sumStep(ctx context.Context, c *ftcomm.Communicator, it uint64, state []byte) ([]byte, error) {
    out, err := c.Bcast(ctx, 0, ftcomm.EncodeInt64s(int64(it)))
    if err != nil { return nil, err }
    return ftcomm.EncodeInt64s(ftcomm.DecodeInt64s(state)[0] + ftcomm.DecodeInt64s(out)[0]), nil
}

type run struct {
    mu      sync.Mutex
    results map[transport.ProcID]*resilient.Result
}

func (r *run) main(store checkpoint.Store, iterations uint64, step func(p *ftcomm.Process) resilient.Step) world.Main {
    return func(ctx context.Context, p *ftcomm.Process) error {
        rn := &resilient.Runner{
            Process:    p,
            Store:      store,
            Key:        "sum",
            Iterations: iterations,
            Initial:    ftcomm.EncodeInt64s(0),
        }
        res, err := rn.Run(ctx, step(p))
        if err != nil { return err }
        r.mu.Lock()
        r.results[p.Self()] = res
        r.mu.Unlock()
        return res.Comm.Barrier(ctx)
    }
}

func TestRunWithoutFailures(t *testing.T) {
    w, err := world.New(world.Options{Size: 3})
    require.NoError(t, err)
    t.Cleanup(w.Close)
    ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
    defer cancel()

    r := &run{results: map[transport.ProcID]*resilient.Result{}}
    w.Run(ctx, r.main(checkpoint.NewMemory(), 5, func(*ftcomm.Process) resilient.Step { return sumStep }))
    for id, err := range w.Wait() { require.NoError(t, err, "proc %v", id) }
    for _, p := range w.Procs() {
        res := r.results[p.Self()]
        require.NotNil(t, res)
        require.Equal(t, uint64(5), res.Iteration)
        require.Equal(t, int64(15), ftcomm.DecodeInt64s(res.State)[0])
        require.Zero(t, res.Repairs)
    }
}

func TestRunRepairsAndRedoes(t *testing.T) {
    w, err := world.New(world.Options{Size: 5})
    require.NoError(t, err)
    t.Cleanup(w.Close)
    ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
    defer cancel()
    victim := w.Procs()[2].Self()

    r := &run{results: map[transport.ProcID]*resilient.Result{}}
    w.Run(ctx, r.main(checkpoint.NewMemory(), 6, func(p *ftcomm.Process) resilient.Step {
        if p.Self() != victim { return sumStep }
        return func(ctx context.Context, c *ftcomm.Communicator, it uint64, state []byte) ([]byte, error) {
            if it == 3 {
                w.Kill(victim)
                return nil, ftcomm.ErrKilled
            }
            return sumStep(ctx, c, it, state)
        }
    }))
    res := w.Wait()
    spawned := w.Spawned()
    require.Len(t, spawned, 1)

    ranks := map[int]bool{}
    for _, id := range append(procIDs(w), spawned...) {
        if id == victim { continue }
        require.NoError(t, res[id], "proc %v", id)
        out := r.results[id]
        require.NotNil(t, out)
        require.Equal(t, uint64(6), out.Iteration)
        require.Equal(t, int64(21), ftcomm.DecodeInt64s(out.State)[0])
        require.Equal(t, 5, out.Comm.Size())
        ranks[out.Comm.Rank()] = true
    }
    require.Len(t, ranks, 5)
    for _, p := range w.Procs() {
        if p.Self() == victim { continue }
        out := r.results[p.Self()]
        require.Equal(t, p.World().Rank(), out.Comm.Rank())
        require.GreaterOrEqual(t, out.Repairs, 1)
    }
}

func TestRunRequiresStore(t *testing.T) {
    w, err := world.New(world.Options{Size: 1})
    require.NoError(t, err)
    t.Cleanup(w.Close)
    _, err = (&resilient.Runner{Process: w.Procs()[0]}).Run(context.Background(), sumStep)
    require.ErrorIs(t, err, resilient.ErrNoStore)
}

func procIDs(w *world.World) []transport.ProcID {
    var out []transport.ProcID
    for _, p := range w.Procs() { out = append(out, p.Self()) }
    return out
}
