// Package resilient drives an iterative computation that survives process
// crashes. Each iteration ends with an agreement that commits it; when a
// member failed or the communicator was revoked, the survivors replace the
// dead with fresh processes, everyone rolls back to the newest checkpoint
// all of them hold, and the lost iterations run again.
package resilient

import (
    "context"
    "errors"
    "fmt"
    "log"

    "github.com/amirimatin/go-ftcomm/pkg/checkpoint"
    "github.com/amirimatin/go-ftcomm/pkg/ftcomm"
    "github.com/amirimatin/go-ftcomm/pkg/internal/logutil"
    "github.com/amirimatin/go-ftcomm/pkg/replace"
)

// Step computes iteration from the state left by the previous one.
type Step func(ctx context.Context, c *ftcomm.Communicator, iteration uint64, state []byte) ([]byte, error)

var (
    ErrNoStore      = errors.New("resilient: checkpoint store is required")
    ErrNoProcess    = errors.New("resilient: process is required")
    ErrNoCheckpoint = errors.New("resilient: no common checkpoint to roll back to")
)

// Runner runs Iterations steps on a duplicate of the world. Replacements
// launched during a repair run the same Runner and join on their own.
type Runner struct {
    Process    *ftcomm.Process
    Store      checkpoint.Store
    Key        string
    Iterations uint64
    Initial    []byte
    Replace    replace.Options
    Logger     *log.Logger
}

// Result is what Run leaves behind. Comm is owned by the caller.
type Result struct {
    Comm      *ftcomm.Communicator
    State     []byte
    Iteration uint64
    Repairs   int
    Redone    uint64
}

func (r *Runner) validate() error {
    if r.Process == nil { return ErrNoProcess }
    if r.Store == nil { return ErrNoStore }
    if r.Key == "" { r.Key = "resilient" }
    if r.Logger == nil { r.Logger = log.Default() }
    if r.Replace.Logger == nil { r.Replace.Logger = r.Logger }
    return nil
}

// Two slots per rank: members may be one committed iteration apart.
func (r *Runner) slot(rank int, it uint64) string {
    return fmt.Sprintf("%s/%d/%d", r.Key, rank, it%2)
}

func isFault(err error) bool {
    switch ftcomm.Classify(err) {
    case ftcomm.ClassProcFailed, ftcomm.ClassProcFailedPending, ftcomm.ClassRevoked, ftcomm.ClassSpawnFailed:
        return true
    }
    return false
}

// install makes any fault on c revoke it, so that members still blocked on
// c return and head for the commit agreement.
func (r *Runner) install(c *ftcomm.Communicator) {
    c.SetErrorHandler(ftcomm.ErrorHandlerFunc(func(c *ftcomm.Communicator, class ftcomm.ErrorClass) {
        if class != ftcomm.ClassProcFailed && class != ftcomm.ClassRevoked { return }
        if !c.IsRevoked() { logutil.Warnf(r.Logger, "resilient: %s on %s, revoking", class, c.CID()) }
        c.Revoke()
    }))
}

// Run executes the iterations and returns once all of them are committed.
func (r *Runner) Run(ctx context.Context, step Step) (*Result, error) {
    if err := r.validate(); err != nil { return nil, err }
    res := &Result{}
    var world *ftcomm.Communicator
    if r.Process.Parent() != nil {
        var err error
        if world, err = r.recover(ctx, nil, res); err != nil { return nil, err }
    } else {
        dup, err := r.Process.World().Dup()
        if err != nil { return nil, err }
        world = dup
        r.install(world)
        res.State = append([]byte(nil), r.Initial...)
        if err := r.Store.Save(r.slot(world.Rank(), 0), 0, res.State); err != nil { return nil, err }
    }

    for res.Iteration < r.Iterations {
        it := res.Iteration + 1
        next, serr := step(ctx, world, it, res.State)
        if serr != nil && !isFault(serr) { return nil, fmt.Errorf("resilient: iteration %d: %w", it, serr) }
        commit, err := r.commit(ctx, world, serr == nil)
        if err != nil { return nil, err }
        if commit {
            res.Iteration, res.State = it, next
            if err := r.Store.Save(r.slot(world.Rank(), it), it, next); err != nil { return nil, err }
            continue
        }
        logutil.Infof(r.Logger, "resilient: iteration %d on %s not committed, repairing", it, world.CID())
        if world, err = r.recover(ctx, world, res); err != nil { return nil, err }
    }
    res.Comm = world
    return res, nil
}

// commit agrees on whether every live member finished the iteration. A
// decision that carries failures is a failed commit, so a crash is noticed
// even by members whose step never touched the dead process.
func (r *Runner) commit(ctx context.Context, c *ftcomm.Communicator, ok bool) (bool, error) {
    var flag int64
    if ok { flag = 1 }
    ar, err := c.IAgree(ftcomm.EncodeInt64s(flag), ftcomm.OpMin)
    if err != nil {
        if isFault(err) { return false, nil }
        return false, err
    }
    out, err := ar.Wait(ctx)
    if err != nil {
        if isFault(err) { return false, nil }
        return false, err
    }
    return ftcomm.DecodeInt64s(out)[0] == 1 && ar.Failed().IsEmpty(), nil
}

// recover repairs world (or joins, when world is nil) and rolls back until
// a rollback completes without a new fault.
func (r *Runner) recover(ctx context.Context, world *ftcomm.Communicator, res *Result) (*ftcomm.Communicator, error) {
    for {
        var nc *ftcomm.Communicator
        var err error
        if world == nil {
            nc, err = replace.Join(ctx, r.Process, r.Replace)
        } else {
            res.Repairs++
            nc, err = replace.Replace(ctx, world, r.Replace)
            if err == nil && nc == world {
                // Nothing died; start over on an unrevoked copy.
                nc, err = world.Shrink(ctx)
            }
            if err == nil { world.Free() }
        }
        if err != nil { return nil, err }
        world = nc
        r.install(world)

        target, err := r.rollback(ctx, world, res)
        if err == nil {
            logutil.Infof(r.Logger, "resilient: rank %d resumes after iteration %d on %s", world.Rank(), target, world.CID())
            return world, nil
        }
        if !isFault(err) { return nil, err }
        logutil.Warnf(r.Logger, "resilient: rollback on %s: %v", world.CID(), err)
    }
}

// rollback agrees on the newest iteration every member has saved and loads
// this rank's state for it.
func (r *Runner) rollback(ctx context.Context, c *ftcomm.Communicator, res *Result) (uint64, error) {
    rank := c.Rank()
    latest := int64(-1)
    for s := uint64(0); s < 2; s++ {
        it, _, err := r.Store.Load(r.slot(rank, s))
        if err != nil {
            if errors.Is(err, checkpoint.ErrNotFound) { continue }
            return 0, err
        }
        if int64(it) > latest { latest = int64(it) }
    }
    out, err := c.Allreduce(ctx, ftcomm.EncodeInt64s(latest), ftcomm.OpMin)
    if err != nil { return 0, err }
    target := ftcomm.DecodeInt64s(out)[0]
    if target < 0 { return 0, ErrNoCheckpoint }
    it, data, err := r.Store.Load(r.slot(rank, uint64(target)))
    if err != nil { return 0, err }
    if it != uint64(target) { return 0, fmt.Errorf("%w: rank %d holds %d, need %d", ErrNoCheckpoint, rank, it, target) }
    if res.Iteration > it { res.Redone += res.Iteration - it }
    res.Iteration, res.State = it, data
    return it, nil
}
