package ftcomm

import (
    "context"

    "github.com/amirimatin/go-ftcomm/pkg/group"
    "github.com/amirimatin/go-ftcomm/pkg/internal/logutil"
    obsmetrics "github.com/amirimatin/go-ftcomm/pkg/observability/metrics"
    "github.com/amirimatin/go-ftcomm/pkg/observability/tracing"
    "github.com/amirimatin/go-ftcomm/pkg/transport"
)

// Revoke condemns the communicator at every live member. It returns at once;
// pending and future operations other than agreement and shrink fail with
// Revoked here, and at each peer once the notice reaches it.
func (c *Communicator) Revoke() {
    _, end := tracing.StartSpan(context.Background(), "ftcomm.revoke", "cid", c.cid)
    defer end()
    c.p.mu.Lock()
    if c.freed {
        c.p.mu.Unlock()
        return
    }
    c.revokeLocked("local")
    c.p.unlockAndFlush()
}

// revokeLocked flips the flag once, fails everything in flight and floods the
// notice to the other members. Receivers re-flood exactly once, on their own
// first revocation, so the notice routes around broken links.
func (c *Communicator) revokeLocked(origin string) {
    if c.revoked { return }
    c.revoked = true
    p := c.p
    obsmetrics.Revocations.WithLabelValues(origin).Inc()
    logutil.Infof(p.log, "ftcomm: %v revoked %s (%s)", p.self, c.cid, origin)

    for _, r := range c.posted {
        r.finishLocked(nil, Status{Source: group.Undefined}, c.errorf(ClassRevoked, r.op, group.Undefined))
    }
    c.posted, c.unexpected = nil, nil
    c.coll = make(map[collKey][]byte)

    if !c.freed {
        for _, proc := range c.universe.Procs() {
            if proc == p.self || p.det.IsConfirmed(proc) { continue }
            p.queueLocked(&transport.Envelope{To: proc, CID: c.cid, Kind: transport.KindRevoke})
        }
    }
    p.signalLocked()
    p.eb.publish(Event{Type: EventRevoked, CID: c.cid, Details: map[string]string{"origin": origin}})
}
