package replace

import (
    "context"
    "errors"
    "fmt"

    "github.com/amirimatin/go-ftcomm/pkg/ftcomm"
    "github.com/amirimatin/go-ftcomm/pkg/internal/logutil"
    obsmetrics "github.com/amirimatin/go-ftcomm/pkg/observability/metrics"
    "github.com/amirimatin/go-ftcomm/pkg/observability/tracing"
)

var (
    ErrNoSpares = errors.New("replace: not enough spares left")
    // ErrReleased tells a spare that the workers finished without it.
    ErrReleased = errors.New("replace: spares released")
)

// SplitSpares sets the last n ranks of wspares aside as spares. Workers get
// their work communicator, spares get nil and should call Promote until it
// hands them one.
func SplitSpares(ctx context.Context, wspares *ftcomm.Communicator, n int) (*ftcomm.Communicator, error) {
    if n < 0 || n >= wspares.Size() { return nil, fmt.Errorf("replace: %d spares out of %d processes", n, wspares.Size()) }
    color := 1
    if wspares.Rank() >= wspares.Size()-n { color = ftcomm.ColorUndefined }
    return wspares.Split(ctx, color, wspares.Rank())
}

// Promote repairs comm from the spares of wspares instead of spawning: the
// dead are shrunk away and live spares take over their ranks in order, so
// every surviving worker keeps its rank. Workers and spares must all call it;
// spares pass a nil comm and get nil back while they stay spares.
func Promote(ctx context.Context, wspares, comm *ftcomm.Communicator, opts Options) (*ftcomm.Communicator, error) {
    opts.setDefaults()
    ctx, end := tracing.StartSpan(ctx, "replace.promote")
    defer end()
    nc, attempts, err := retry(ctx, wspares.CID(), opts, func() (*ftcomm.Communicator, error) {
        return promoteOnce(ctx, wspares, comm, false)
    })
    if err != nil { return nil, err }
    obsmetrics.ReplaceAttempts.WithLabelValues("ok").Inc()
    if comm != nil && nc != nil && nc != comm {
        policy, handler := comm.ErrorHandler()
        nc.SetErrorPolicy(policy)
        if policy == ftcomm.PolicyCustom { nc.SetErrorHandler(handler) }
        logutil.Infof(opts.Logger, "replace: %s refilled from spares as %s after %d attempt(s)", comm.CID(), nc.CID(), attempts)
    }
    return nc, nil
}

// Release ends the wait of every spare still blocked in Promote. Workers call
// it together once they are done; the spares' Promote returns ErrReleased.
func Release(ctx context.Context, wspares, comm *ftcomm.Communicator, opts Options) error {
    opts.setDefaults()
    _, _, err := retry(ctx, wspares.CID(), opts, func() (*ftcomm.Communicator, error) {
        return promoteOnce(ctx, wspares, comm, true)
    })
    return err
}

// promoteOnce is one shrink, exchange and split round over wspares. Each
// process contributes its rank in comm (-1 for a spare), comm's size and the
// release bit; everyone derives the same assignment from the exchange.
func promoteOnce(ctx context.Context, wspares, comm *ftcomm.Communicator, release bool) (*ftcomm.Communicator, error) {
    shrunk, err := wspares.Shrink(ctx)
    if err != nil { return nil, err }
    defer shrunk.Free()
    shrunk.SetErrorPolicy(ftcomm.PolicyReturn)

    crank, size, done := int64(-1), int64(0), int64(0)
    if comm != nil { crank, size = int64(comm.Rank()), int64(comm.Size()) }
    if release { done = 1 }
    all, gerr := shrunk.Allgather(ctx, ftcomm.EncodeInt64s(crank, size, done))
    ok, err := agreeFlag(ctx, shrunk, gerr == nil)
    if err != nil { return nil, err }
    if !ok { return nil, &redoError{step: "exchange", cause: gerr} }

    // Spares are listed in shrunk rank order and fill vacated ranks in order.
    var want int
    taken := make(map[int]bool)
    var spares []int
    released := false
    for r, b := range all {
        v := ftcomm.DecodeInt64s(b)
        if len(v) != 3 { return nil, fmt.Errorf("replace: malformed exchange from rank %d", r) }
        if int(v[1]) > want { want = int(v[1]) }
        if v[2] != 0 { released = true }
        if v[0] >= 0 {
            taken[int(v[0])] = true
        } else {
            spares = append(spares, r)
        }
    }
    if released {
        if comm == nil { return nil, ErrReleased }
        return nil, nil
    }
    var vacated []int
    for i := 0; i < want; i++ {
        if !taken[i] { vacated = append(vacated, i) }
    }
    if len(vacated) == 0 { return comm, nil }
    if len(vacated) > len(spares) { return nil, fmt.Errorf("%w: %d ranks vacated, %d spares", ErrNoSpares, len(vacated), len(spares)) }

    key := int(crank)
    if comm == nil {
        key = -1
        for i, r := range spares {
            if r == shrunk.Rank() && i < len(vacated) { key = vacated[i] }
        }
    }
    color := 1
    if key < 0 { color = ftcomm.ColorUndefined }
    nc, serr := shrunk.Split(ctx, color, key)
    ok, err = agreeFlag(ctx, shrunk, serr == nil)
    if err != nil { return nil, err }
    if !ok {
        if nc != nil { nc.Free() }
        return nil, &redoError{step: "split", cause: serr}
    }
    return nc, nil
}
