package ftcomm

import (
    "context"
    "encoding/json"
    "errors"
    "fmt"

    "github.com/amirimatin/go-ftcomm/pkg/group"
    obsmetrics "github.com/amirimatin/go-ftcomm/pkg/observability/metrics"
    "github.com/amirimatin/go-ftcomm/pkg/transport"
)

// SpawnRequest is what the spawning side asks a Launcher for. Launched
// processes must be started with ParentInfo{CID, Epoch, Parents, Children}
// where Children are the returned ids in order.
type SpawnRequest struct {
    N       int
    CID     string
    Epoch   uint64
    Parents []transport.ProcID
}

// Launcher starts replacement processes.
type Launcher interface {
    Launch(ctx context.Context, req SpawnRequest) ([]transport.ProcID, error)
}

type LauncherFunc func(ctx context.Context, req SpawnRequest) ([]transport.ProcID, error)

func (f LauncherFunc) Launch(ctx context.Context, req SpawnRequest) ([]transport.ProcID, error) {
    return f(ctx, req)
}

type spawnResult struct {
    Procs []transport.ProcID `json:"procs,omitempty"`
    Err   string             `json:"err,omitempty"`
}

func groupOf(procs []transport.ProcID) group.Group { return group.New(procs...) }

// SpawnReplacements starts n processes through l (or the process's default
// launcher) and returns an intercommunicator to them. Rank 0 launches and
// broadcasts the outcome; a launcher error is SpawnFailed everywhere the
// broadcast arrived.
func (c *Communicator) SpawnReplacements(ctx context.Context, n int, l Launcher) (*Communicator, error) {
    p := c.p
    if l == nil { l = p.opts.Launcher }
    p.mu.Lock()
    seq := c.createSeq
    c.createSeq++
    err := c.usableLocked("spawn")
    if err == nil && c.inter { err = fmt.Errorf("%w: spawn", ErrInterComm) }
    cid := fmt.Sprintf("%s/x%d", c.cid, seq)
    epoch := c.epoch + 1
    parents := c.local.Procs()
    p.mu.Unlock()
    if err != nil { return nil, c.raise(err) }

    var payload []byte
    if c.rank == 0 {
        var res spawnResult
        if l == nil {
            res.Err = ErrNoLauncher.Error()
        } else if procs, err := l.Launch(ctx, SpawnRequest{N: n, CID: cid, Epoch: epoch, Parents: parents}); err != nil {
            res.Err = err.Error()
        } else {
            res.Procs = procs
            obsmetrics.Spawned.Add(float64(len(procs)))
        }
        payload, _ = json.Marshal(res)
    }
    payload, err = c.bcast(ctx, "spawn", 0, payload)
    if err != nil { return nil, c.raise(err) }
    var res spawnResult
    if err := json.Unmarshal(payload, &res); err != nil { return nil, fmt.Errorf("ftcomm: spawn: decode: %w", err) }
    if res.Err == "" && len(res.Procs) != n { res.Err = fmt.Sprintf("launched %d of %d", len(res.Procs), n) }
    if res.Err != "" {
        e := c.errorf(ClassSpawnFailed, "spawn", group.Undefined)
        e.Err = errors.New(res.Err)
        return nil, c.raise(e)
    }

    p.mu.Lock()
    ic := p.newInterLocked(cid, epoch, c.local, groupOf(res.Procs), true)
    p.unlockAndFlush()
    return ic, nil
}
