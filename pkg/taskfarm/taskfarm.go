// Package taskfarm distributes independent tasks from rank 0 of a
// communicator to the other ranks and survives worker crashes: results are
// collected with a wildcard receive, failures are acknowledged as they show
// up, and the task a dead worker held goes back in the queue.
package taskfarm

import (
    "context"
    "encoding/binary"
    "errors"
    "fmt"
    "log"

    "github.com/amirimatin/go-ftcomm/pkg/ftcomm"
    "github.com/amirimatin/go-ftcomm/pkg/internal/logutil"
)

const (
    TagTask   = 10
    TagResult = 11
    TagStop   = 12
)

var (
    ErrNoWorkers = errors.New("taskfarm: every worker failed with tasks left")
    ErrNotMaster = errors.New("taskfarm: master must be rank 0")
    ErrMalformed = errors.New("taskfarm: malformed message")
)

// Func computes the result of one task.
type Func func(ctx context.Context, id int, task []byte) ([]byte, error)

// Master hands out tasks from rank 0.
type Master struct {
    Comm   *ftcomm.Communicator
    Logger *log.Logger
}

// Report is the outcome of a Run. Results holds every completed task by id;
// Lost lists the workers that died during the run.
type Report struct {
    Results  map[int][]byte
    Lost     []int
    Requeued int
}

const idle = -1

// run is the per-call state of a farm.
type run struct {
    m       *Master
    tasks   [][]byte
    queue   []int
    holding map[int]int // worker rank -> task id or idle
    dead    map[int]bool
    report  Report
}

// Run computes every task on the workers and stops them. It fails with
// ErrNoWorkers when all workers died before the queue drained; the partial
// report is returned with it.
func (m *Master) Run(ctx context.Context, tasks [][]byte) (*Report, error) {
    if m.Logger == nil { m.Logger = log.Default() }
    c := m.Comm
    if c.Rank() != 0 { return nil, ErrNotMaster }
    r := &run{
        m:       m,
        tasks:   tasks,
        holding: make(map[int]int),
        dead:    make(map[int]bool),
        report:  Report{Results: make(map[int][]byte, len(tasks))},
    }
    for i := range tasks { r.queue = append(r.queue, i) }
    for w := 1; w < c.Size(); w++ { r.holding[w] = idle }
    err := r.loop(ctx)
    r.stop(ctx)
    return &r.report, err
}

func (r *run) loop(ctx context.Context) error {
    c := r.m.Comm
    var req *ftcomm.Request
    defer func() {
        if req != nil {
            req.Cancel()
            _, _, _ = req.Wait(ctx)
        }
    }()
    for {
        r.dispatch(ctx)
        if r.outstanding() == 0 {
            if len(r.queue) == 0 { return nil }
            return ErrNoWorkers
        }
        if req == nil {
            var err error
            if req, err = c.IRecv(ftcomm.AnySource, TagResult); err != nil { return err }
        }
        data, st, err := req.Wait(ctx)
        switch ftcomm.Classify(err) {
        case ftcomm.ClassSuccess:
            req = nil
            if err := r.collect(st.Source, data); err != nil { return err }
        case ftcomm.ClassProcFailedPending:
            // The request stays posted; acknowledge and wait again.
            r.reap()
        case ftcomm.ClassProcFailed:
            req = nil
            r.reap()
        default:
            return fmt.Errorf("taskfarm: collect results: %w", err)
        }
    }
}

// dispatch gives a queued task to every idle live worker.
func (r *run) dispatch(ctx context.Context) {
    c := r.m.Comm
    for w := 1; w < c.Size() && len(r.queue) > 0; w++ {
        if r.dead[w] || r.holding[w] != idle { continue }
        id := r.queue[0]
        msg := make([]byte, 8+len(r.tasks[id]))
        binary.LittleEndian.PutUint64(msg, uint64(id))
        copy(msg[8:], r.tasks[id])
        if err := c.Send(ctx, w, TagTask, msg); err != nil {
            logutil.Warnf(r.m.Logger, "taskfarm: send task %d to %d: %v", id, w, err)
            if ftcomm.Classify(err) == ftcomm.ClassProcFailed { r.reap() }
            continue
        }
        r.queue = r.queue[1:]
        r.holding[w] = id
    }
}

func (r *run) collect(src int, data []byte) error {
    if len(data) < 8 { return fmt.Errorf("%w: result of %d bytes from %d", ErrMalformed, len(data), src) }
    id := int(binary.LittleEndian.Uint64(data))
    r.report.Results[id] = append([]byte(nil), data[8:]...)
    if r.holding[src] == id { r.holding[src] = idle }
    return nil
}

// reap acknowledges the failures known so far and requeues what the dead
// workers held.
func (r *run) reap() {
    c := r.m.Comm
    c.FailureAck()
    for w := 1; w < c.Size(); w++ {
        if r.dead[w] || !c.IsConfirmed(w) { continue }
        r.dead[w] = true
        r.report.Lost = append(r.report.Lost, w)
        if id := r.holding[w]; id != idle {
            if _, done := r.report.Results[id]; !done {
                r.queue = append(r.queue, id)
                r.report.Requeued++
            }
        }
        r.holding[w] = idle
        logutil.Warnf(r.m.Logger, "taskfarm: worker %d lost", w)
    }
}

func (r *run) outstanding() int {
    n := 0
    for w, id := range r.holding {
        if id != idle && !r.dead[w] { n++ }
    }
    return n
}

func (r *run) stop(ctx context.Context) {
    c := r.m.Comm
    for w := 1; w < c.Size(); w++ {
        if r.dead[w] { continue }
        if err := c.Send(ctx, w, TagStop, nil); err != nil {
            logutil.Debugf(r.m.Logger, "taskfarm: stop %d: %v", w, err)
        }
    }
}

// Work serves tasks from rank 0 until told to stop. It returns the error
// that ended the loop when the master becomes unreachable.
func Work(ctx context.Context, c *ftcomm.Communicator, fn Func) error {
    for {
        data, st, err := c.Recv(ctx, 0, ftcomm.AnyTag)
        if err != nil { return err }
        if st.Tag == TagStop { return nil }
        if st.Tag != TagTask { continue }
        if len(data) < 8 { return fmt.Errorf("%w: task of %d bytes", ErrMalformed, len(data)) }
        id := int(binary.LittleEndian.Uint64(data))
        out, err := fn(ctx, id, data[8:])
        if err != nil { return fmt.Errorf("taskfarm: task %d: %w", id, err) }
        msg := make([]byte, 8+len(out))
        copy(msg, data[:8])
        copy(msg[8:], out)
        if err := c.Send(ctx, 0, TagResult, msg); err != nil { return err }
    }
}
