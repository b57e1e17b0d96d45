package main

import (
    "context"
    "flag"
    "fmt"
    "log"
    "os"
    "os/signal"
    "sort"
    "strconv"
    "strings"
    "syscall"
    "time"

    "github.com/amirimatin/go-ftcomm/pkg/checkpoint"
    "github.com/amirimatin/go-ftcomm/pkg/ftcomm"
    "github.com/amirimatin/go-ftcomm/pkg/resilient"
    "github.com/amirimatin/go-ftcomm/pkg/taskfarm"
    "github.com/amirimatin/go-ftcomm/pkg/world"
)

// memdemo runs a whole job in memory and kills ranks while it works.
func main() {
    var (
        app        = flag.String("app", "farm", "workload: farm|resilient")
        size       = flag.Int("size", 5, "number of processes")
        killCSV    = flag.String("kill", "2", "comma-separated ranks to kill")
        killAfter  = flag.Duration("kill-after", 150*time.Millisecond, "delay before the kills")
        tasks      = flag.Int("tasks", 40, "farm: number of tasks")
        iterations = flag.Uint64("iterations", 10, "resilient: number of iterations")
        stepDelay  = flag.Duration("step-delay", 30*time.Millisecond, "time one task or iteration takes")
        boltPath   = flag.String("bolt", "", "resilient: checkpoint to this bolt file instead of memory")
        timeout    = flag.Duration("timeout", time.Minute, "give up after this long")
    )
    flag.Parse()

    ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
    defer cancel()
    ctx, cancelTimeout := context.WithTimeout(ctx, *timeout)
    defer cancelTimeout()

    w, err := world.New(world.Options{Size: *size})
    if err != nil { log.Fatal(err) }
    defer w.Close()

    var body world.Main
    switch *app {
    case "farm":
        body = farmMain(*tasks, *stepDelay)
    case "resilient":
        var store checkpoint.Store = checkpoint.NewMemory()
        if *boltPath != "" {
            if store, err = checkpoint.NewBolt(*boltPath); err != nil { log.Fatal(err) }
        }
        defer store.Close()
        body = resilientMain(store, *iterations, *stepDelay)
    default:
        log.Fatalf("unknown app %q", *app)
    }

    w.Run(ctx, body)
    kills := splitCSV(*killCSV)
    time.AfterFunc(*killAfter, func() {
        for _, s := range kills {
            r, err := strconv.Atoi(s)
            if err != nil { log.Printf("bad rank %q", s); continue }
            fmt.Printf("killing rank %d\n", r)
            w.KillRank(r)
        }
    })

    res := w.Wait()
    ids := make([]string, 0, len(res))
    for id, err := range res { ids = append(ids, fmt.Sprintf("%v: %v", id, err)) }
    sort.Strings(ids)
    for _, line := range ids { fmt.Println(line) }
    if len(w.Spawned()) > 0 { fmt.Printf("replacements: %v\n", w.Spawned()) }
    if ctx.Err() != nil { os.Exit(1) }
}

func farmMain(n int, delay time.Duration) world.Main {
    square := func(ctx context.Context, id int, task []byte) ([]byte, error) {
        select {
        case <-ctx.Done():
            return nil, ctx.Err()
        case <-time.After(delay):
        }
        v := ftcomm.DecodeInt64s(task)[0]
        return ftcomm.EncodeInt64s(v * v), nil
    }
    return func(ctx context.Context, p *ftcomm.Process) error {
        c := p.World()
        if c.Rank() != 0 { return taskfarm.Work(ctx, c, square) }
        var in [][]byte
        for i := 0; i < n; i++ { in = append(in, ftcomm.EncodeInt64s(int64(i))) }
        rep, err := (&taskfarm.Master{Comm: c}).Run(ctx, in)
        if err != nil { return err }
        var sum int64
        for _, r := range rep.Results { sum += ftcomm.DecodeInt64s(r)[0] }
        fmt.Printf("farm: %d results, sum of squares %d, lost workers %v, requeued %d\n", len(rep.Results), sum, rep.Lost, rep.Requeued)
        return nil
    }
}

func resilientMain(store checkpoint.Store, iterations uint64, delay time.Duration) world.Main {
    step := func(ctx context.Context, c *ftcomm.Communicator, it uint64, state []byte) ([]byte, error) {
        time.Sleep(delay)
        out, err := c.Allreduce(ctx, ftcomm.EncodeInt64s(int64(it)), ftcomm.OpMax)
        if err != nil { return nil, err }
        return ftcomm.EncodeInt64s(ftcomm.DecodeInt64s(state)[0] + ftcomm.DecodeInt64s(out)[0]), nil
    }
    return func(ctx context.Context, p *ftcomm.Process) error {
        r := &resilient.Runner{Process: p, Store: store, Key: "demo", Iterations: iterations, Initial: ftcomm.EncodeInt64s(0)}
        res, err := r.Run(ctx, step)
        if err != nil { return err }
        if res.Comm.Rank() == 0 {
            fmt.Printf("resilient: state %d after %d iterations, %d repairs, %d redone\n",
                ftcomm.DecodeInt64s(res.State)[0], res.Iteration, res.Repairs, res.Redone)
        }
        return res.Comm.Barrier(ctx)
    }
}

func splitCSV(s string) []string {
    if s == "" { return nil }
    parts := strings.Split(s, ",")
    out := make([]string, 0, len(parts))
    for _, p := range parts { p = strings.TrimSpace(p); if p != "" { out = append(out, p) } }
    return out
}
