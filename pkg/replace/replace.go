// Package replace restores a damaged communicator to its original size:
// shrink away the dead, spawn as many replacements, hand each one a vacated
// rank, merge and reorder. Promote does the same from processes kept aside
// as spares instead of spawning. Every step ends with an agreement, and any
// failed step restarts the whole recovery from the shrink.
package replace

import (
    "context"
    "errors"
    "fmt"
    "log"
    "time"

    "github.com/cenkalti/backoff/v4"

    "github.com/amirimatin/go-ftcomm/pkg/ftcomm"
    "github.com/amirimatin/go-ftcomm/pkg/group"
    "github.com/amirimatin/go-ftcomm/pkg/internal/logutil"
    obsmetrics "github.com/amirimatin/go-ftcomm/pkg/observability/metrics"
    "github.com/amirimatin/go-ftcomm/pkg/observability/tracing"
)

// Options configures a recovery.
type Options struct {
    // Process is required when Replace runs on a replacement (comm == nil).
    Process *ftcomm.Process
    // Launcher overrides the process's default launcher.
    Launcher ftcomm.Launcher
    // MaxAttempts bounds restarts from the shrink. Defaults to 8.
    MaxAttempts int
    // MaxWait caps the randomized exponential pause between attempts.
    // Defaults to 500ms.
    MaxWait time.Duration
    // AssignTag carries rank assignments to replacements. Defaults to 1.
    AssignTag int
    Logger    *log.Logger
}

func (o *Options) setDefaults() {
    if o.MaxAttempts <= 0 { o.MaxAttempts = 8 }
    if o.MaxWait <= 0 { o.MaxWait = 500 * time.Millisecond }
    if o.AssignTag == 0 { o.AssignTag = 1 }
    if o.Logger == nil { o.Logger = log.Default() }
}

var (
    ErrExhausted = errors.New("replace: recovery attempts exhausted")
    ErrNoParent  = errors.New("replace: process was not spawned as a replacement")
    // ErrAbandoned tells a replacement that the survivors gave up on the
    // attempt that launched it; it should exit.
    ErrAbandoned = errors.New("replace: attempt abandoned by survivors")
)

type redoError struct {
    step  string
    cause error
}

func (e *redoError) Error() string {
    if e.cause != nil { return fmt.Sprintf("replace: %s failed: %v", e.step, e.cause) }
    return fmt.Sprintf("replace: %s failed at some rank", e.step)
}

func (e *redoError) Unwrap() error { return e.cause }

// Replace repairs comm and returns a communicator of the same size where
// every survivor keeps its rank. With no dead members it returns comm itself.
// A nil comm means the caller is a replacement: it waits for its assignment
// over opts.Process.Parent() and joins.
func Replace(ctx context.Context, comm *ftcomm.Communicator, opts Options) (*ftcomm.Communicator, error) {
    opts.setDefaults()
    ctx, end := tracing.StartSpan(ctx, "replace.replace")
    defer end()
    if comm == nil { return join(ctx, opts) }

    policy, handler := comm.ErrorHandler()
    nc, attempts, err := retry(ctx, comm.CID(), opts, func() (*ftcomm.Communicator, error) { return survive(ctx, comm, opts) })
    if err != nil { return nil, err }
    outcome := "ok"
    if nc == comm { outcome = "noop" }
    obsmetrics.ReplaceAttempts.WithLabelValues(outcome).Inc()
    if nc != comm {
        nc.SetErrorPolicy(policy)
        if policy == ftcomm.PolicyCustom { nc.SetErrorHandler(handler) }
        logutil.Infof(opts.Logger, "replace: %s repaired as %s after %d attempt(s)", comm.CID(), nc.CID(), attempts)
    }
    return nc, nil
}

// retry runs step until it succeeds or fails with anything but a redo,
// pausing under a capped exponential backoff between attempts.
func retry(ctx context.Context, cid string, opts Options, step func() (*ftcomm.Communicator, error)) (*ftcomm.Communicator, int, error) {
    eb := backoff.NewExponentialBackOff()
    eb.InitialInterval = time.Millisecond
    eb.MaxInterval = opts.MaxWait
    eb.MaxElapsedTime = 0
    b := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(opts.MaxAttempts-1)), ctx)

    attempt := 0
    var nc *ftcomm.Communicator
    err := backoff.RetryNotify(func() error {
        attempt++
        c, err := step()
        if err == nil {
            nc = c
            return nil
        }
        var redo *redoError
        if !errors.As(err, &redo) { return backoff.Permanent(err) }
        obsmetrics.ReplaceAttempts.WithLabelValues("retry").Inc()
        return err
    }, b, func(err error, wait time.Duration) {
        logutil.Warnf(opts.Logger, "replace: %s attempt %d: %v (next in %v)", cid, attempt, err, wait)
    })
    if err == nil { return nc, attempt, nil }
    var redo *redoError
    switch {
    case errors.As(err, &redo):
        return nil, attempt, fmt.Errorf("%w after %d: %v", ErrExhausted, attempt, err)
    case ctx.Err() != nil:
        return nil, attempt, ctx.Err()
    }
    obsmetrics.ReplaceAttempts.WithLabelValues("failed").Inc()
    return nil, attempt, err
}

// Join is Replace for a replacement process.
func Join(ctx context.Context, p *ftcomm.Process, opts Options) (*ftcomm.Communicator, error) {
    opts.Process = p
    return Replace(ctx, nil, opts)
}

func survive(ctx context.Context, comm *ftcomm.Communicator, opts Options) (*ftcomm.Communicator, error) {
    scomm, err := comm.Shrink(ctx)
    if err != nil { return nil, err }
    nd := comm.Size() - scomm.Size()
    if nd == 0 {
        scomm.Free()
        return comm, nil
    }
    scomm.SetErrorHandler(nil)

    icomm, err := scomm.SpawnReplacements(ctx, nd, opts.Launcher)
    ok, aerr := agreeFlag(ctx, scomm, err == nil)
    if aerr != nil {
        scomm.Free()
        return nil, aerr
    }
    if !ok {
        if icomm != nil {
            icomm.Revoke()
            icomm.Free()
        }
        scomm.Free()
        return nil, &redoError{step: "spawn", cause: err}
    }

    crank := comm.Rank()
    if scomm.Rank() == 0 {
        dead := comm.Group().Difference(scomm.Group())
        for i := 0; i < nd; i++ {
            drank := group.TranslateRanks(dead, []int{i}, comm.Group())[0]
            // Failures here surface in the merge agreement.
            _ = icomm.Send(ctx, i, opts.AssignTag, ftcomm.EncodeInt64s(int64(drank)))
        }
    }
    return splice(ctx, scomm, icomm, crank, true)
}

func join(ctx context.Context, opts Options) (*ftcomm.Communicator, error) {
    if opts.Process == nil || opts.Process.Parent() == nil { return nil, ErrNoParent }
    icomm, scomm := opts.Process.Parent(), opts.Process.World()
    data, _, err := icomm.Recv(ctx, 0, opts.AssignTag)
    if err != nil { return nil, fmt.Errorf("%w: %v", ErrAbandoned, err) }
    vals := ftcomm.DecodeInt64s(data)
    if len(vals) != 1 { return nil, fmt.Errorf("replace: malformed assignment %x", data) }
    nc, err := splice(ctx, scomm, icomm, int(vals[0]), false)
    var redo *redoError
    if errors.As(err, &redo) { return nil, fmt.Errorf("%w: %v", ErrAbandoned, err) }
    return nc, err
}

// splice merges icomm, checks the merge on both sides, and reorders so that
// each process lands on rank crank.
func splice(ctx context.Context, scomm, icomm *ftcomm.Communicator, crank int, survivor bool) (*ftcomm.Communicator, error) {
    mcomm, merr := icomm.Merge()
    flag, err := agreeFlag(ctx, scomm, merr == nil)
    if survivor { scomm.Free() }
    if err != nil { return nil, err }
    rflag, err := agreeFlag(ctx, icomm, merr == nil)
    icomm.Free()
    if err != nil { return nil, err }
    if !(flag && rflag) {
        if merr == nil { mcomm.Free() }
        return nil, &redoError{step: "merge", cause: merr}
    }

    newcomm, serr := mcomm.Split(ctx, 1, crank)
    flag, err = agreeFlag(ctx, mcomm, serr == nil)
    mcomm.Free()
    if err != nil { return nil, err }
    if !flag {
        if serr == nil { newcomm.Free() }
        return nil, &redoError{step: "split", cause: serr}
    }
    return newcomm, nil
}

// agreeFlag ANDs a success flag over c. A revoked c counts as failure; only
// local termination or cancellation is returned as an error.
func agreeFlag(ctx context.Context, c *ftcomm.Communicator, ok bool) (bool, error) {
    var v uint32
    if ok { v = 1 }
    out, err := c.Agree(ctx, v)
    if err != nil {
        if ftcomm.Classify(err) != ftcomm.ClassOther { return false, nil }
        return false, err
    }
    return out == 1, nil
}
