// Package detector keeps one process's local knowledge of which peers are
// dead. Knowledge is derived only from failure signals raised by the
// transport, the launcher, membership gossip or third-party reports; there is
// no heartbeat and no timeout-based suspicion.
package detector

import (
    "log"
    "sync"
    "time"

    "github.com/amirimatin/go-ftcomm/pkg/internal/logutil"
    obsmetrics "github.com/amirimatin/go-ftcomm/pkg/observability/metrics"
    "github.com/amirimatin/go-ftcomm/pkg/transport"
)

// Source names where a failure observation came from.
type Source uint8

const (
    // SourceTransport: a send, connect or stream to the peer errored out.
    SourceTransport Source = iota + 1
    // SourceGossip: another process reported the peer as confirmed dead.
    SourceGossip
    // SourceMembership: the gossip membership layer declared the node failed.
    SourceMembership
    // SourceRuntime: the launcher observed the termination itself.
    SourceRuntime
)

func (s Source) String() string {
    switch s {
    case SourceTransport:
        return "transport"
    case SourceGossip:
        return "gossip"
    case SourceMembership:
        return "membership"
    case SourceRuntime:
        return "runtime"
    }
    return "unknown"
}

// State of a peer in the local view.
type State uint8

const (
    StateAlive State = iota
    StateSuspected
    StateConfirmed
)

func (s State) String() string {
    switch s {
    case StateSuspected:
        return "suspected"
    case StateConfirmed:
        return "confirmed"
    }
    return "alive"
}

// Record is the local history of one peer.
type Record struct {
    Proc         transport.ProcID
    Sources      []Source
    Observations int
    Confirmed    bool
    FirstSeen    time.Time
    ConfirmedAt  time.Time
}

// Options configures a Detector.
type Options struct {
    // Self is never recorded as failed.
    Self   transport.ProcID
    Logger *log.Logger
}

// Detector is safe for concurrent use.
type Detector struct {
    mu      sync.Mutex
    opts    Options
    records map[transport.ProcID]*Record
    order   []transport.ProcID
    subs    []func(transport.ProcID)
}

func New(opts Options) *Detector {
    if opts.Logger == nil { opts.Logger = log.Default() }
    return &Detector{opts: opts, records: make(map[transport.ProcID]*Record)}
}

// OnCommunicationFailure records one observation about p and returns the
// resulting state. A first observation marks p suspected; a second one of any
// source, or a single runtime observation, confirms it. Confirmation is final.
func (d *Detector) OnCommunicationFailure(p transport.ProcID, src Source) State {
    if p == 0 || p == d.opts.Self { return StateAlive }
    obsmetrics.FailuresObserved.WithLabelValues(src.String()).Inc()

    d.mu.Lock()
    rec, ok := d.records[p]
    if !ok {
        rec = &Record{Proc: p, FirstSeen: time.Now()}
        d.records[p] = rec
    }
    if rec.Confirmed {
        d.mu.Unlock()
        return StateConfirmed
    }
    rec.Observations++
    seen := false
    for _, s := range rec.Sources {
        if s == src { seen = true; break }
    }
    if !seen { rec.Sources = append(rec.Sources, src) }
    if src != SourceRuntime && rec.Observations < 2 {
        d.mu.Unlock()
        logutil.Debugf(d.opts.Logger, "detector: %v suspected via %v", p, src)
        return StateSuspected
    }
    rec.Confirmed = true
    rec.ConfirmedAt = time.Now()
    d.order = append(d.order, p)
    subs := make([]func(transport.ProcID), len(d.subs))
    copy(subs, d.subs)
    d.mu.Unlock()

    obsmetrics.FailuresConfirmed.Inc()
    logutil.Infof(d.opts.Logger, "detector: %v confirmed dead (%v)", p, src)
    for _, fn := range subs { fn(p) }
    return StateConfirmed
}

// State returns the local view of p.
func (d *Detector) State(p transport.ProcID) State {
    d.mu.Lock()
    defer d.mu.Unlock()
    rec, ok := d.records[p]
    switch {
    case !ok:
        return StateAlive
    case rec.Confirmed:
        return StateConfirmed
    }
    return StateSuspected
}

// IsSuspected is true for suspected and confirmed peers.
func (d *Detector) IsSuspected(p transport.ProcID) bool { return d.State(p) != StateAlive }

func (d *Detector) IsConfirmed(p transport.ProcID) bool { return d.State(p) == StateConfirmed }

// Confirmed returns every confirmed peer in confirmation order.
func (d *Detector) Confirmed() []transport.ProcID {
    d.mu.Lock()
    defer d.mu.Unlock()
    return append([]transport.ProcID(nil), d.order...)
}

// Subscribe registers fn to be called once per confirmation, after the
// detector lock is released. Already-confirmed peers are not replayed.
func (d *Detector) Subscribe(fn func(transport.ProcID)) {
    d.mu.Lock()
    d.subs = append(d.subs, fn)
    d.mu.Unlock()
}

// Snapshot copies every record, suspected ones included.
func (d *Detector) Snapshot() []Record {
    d.mu.Lock()
    defer d.mu.Unlock()
    out := make([]Record, 0, len(d.records))
    for _, r := range d.records {
        c := *r
        c.Sources = append([]Source(nil), r.Sources...)
        out = append(out, c)
    }
    return out
}
