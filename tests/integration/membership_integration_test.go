//go:build integration

package integration

import (
    "context"
    "fmt"
    "testing"
    "time"

    "github.com/stretchr/testify/require"

    "github.com/amirimatin/go-ftcomm/pkg/bootstrap"
    "github.com/amirimatin/go-ftcomm/pkg/detector"
    dStatic "github.com/amirimatin/go-ftcomm/pkg/discovery/static"
    "github.com/amirimatin/go-ftcomm/pkg/ftcomm"
    "github.com/amirimatin/go-ftcomm/pkg/transport"
)

// Gossip alone only suspects; the fabric's own notice confirms.
func TestGossipSuspicionThenFabricConfirmation(t *testing.T) {
    ctx, cancel := context.WithTimeout(context.Background(), 90*time.Second)
    defer cancel()

    seed := fmt.Sprintf("127.0.0.1:%d", freePort(t))
    dir := dStatic.New(nil)
    var cfgs []bootstrap.Config
    for id := uint64(1); id <= 3; id++ {
        cfg := bootstrap.Config{ID: id, Size: 3, Directory: dir, MemBind: "127.0.0.1:0", MemSeedsCSV: seed}
        if id == 1 { cfg.MemBind, cfg.MemSeedsCSV = seed, "" }
        cfgs = append(cfgs, cfg)
    }
    nodes := startNodes(t, ctx, cfgs)
    for _, n := range nodes {
        waitUntil(t, 15*time.Second, func() error {
            if len(n.Membership.Members()) != 3 { return errNotYet }
            return nil
        })
    }

    victim := transport.ProcID(3)
    require.NoError(t, nodes[2].Membership.Stop())
    for _, n := range nodes[:2] {
        det := n.Process.Detector()
        waitUntil(t, 30*time.Second, func() error {
            if det.State(victim) != detector.StateSuspected { return errNotYet }
            return nil
        })
        require.False(t, n.Process.World().IsConfirmed(2))
    }

    require.NoError(t, nodes[2].Close())
    errs := make(chan error, 2)
    sizes := make(chan int, 2)
    for _, n := range nodes[:2] {
        go func(p *ftcomm.Process) {
            c, err := p.World().Shrink(ctx)
            if err != nil { errs <- err; return }
            sizes <- c.Size()
        }(n.Process)
    }
    for range nodes[:2] {
        select {
        case err := <-errs:
            t.Fatalf("shrink: %v", err)
        case s := <-sizes:
            require.Equal(t, 2, s)
        }
    }
    for _, n := range nodes[:2] {
        var rec detector.Record
        for _, r := range n.Process.Detector().Snapshot() {
            if r.Proc == victim { rec = r }
        }
        require.True(t, rec.Confirmed)
        require.Equal(t, detector.SourceMembership, rec.Sources[0])
    }
}
