package ftcomm

import (
    "context"
    "encoding/json"
    "fmt"
    "sort"
    "strconv"
    "time"

    "github.com/amirimatin/go-ftcomm/pkg/group"
    "github.com/amirimatin/go-ftcomm/pkg/internal/logutil"
    obsmetrics "github.com/amirimatin/go-ftcomm/pkg/observability/metrics"
    "github.com/amirimatin/go-ftcomm/pkg/observability/tracing"
    "github.com/amirimatin/go-ftcomm/pkg/transport"
)

// Agreement protocol.
//
// Participants are indexed by their position in the communicator's universe.
// The leader of an instance is the lowest participant not known to be failed,
// and its ballot is that index, so ballots only grow as leaders die. A leader
// runs two phases against every participant it believes alive:
//
//   prepare/promise: participants promise the ballot and return their value
//   together with the last proposal they accepted;
//   accept/accepted: the leader proposes the highest accepted proposal, or,
//   when there is none, the fold of the values and its failure set.
//
// Once every live participant accepted, the proposal is decided and sent to
// all of them. A participant ignores requests below the ballot it promised. A
// decided participant answers every agreement message with its decision, and a
// participant that becomes leader after deciding resends the decision, so a
// decision lost with a dying leader is always recovered by the next one.

type agreeKind uint8

const (
    agreePrepare agreeKind = iota + 1
    agreePromise
    agreeAccept
    agreeAccepted
    agreeDecided
)

type proposal struct {
    Ballot int    `json:"ballot"`
    Result []byte `json:"result"`
    Failed []int  `json:"failed,omitempty"`
}

type agreeMsg struct {
    Kind     agreeKind `json:"kind"`
    Ballot   int       `json:"ballot"`
    Value    []byte    `json:"value,omitempty"`
    Accepted *proposal `json:"accepted,omitempty"`
    Proposal *proposal `json:"proposal,omitempty"`
    Failed   []int     `json:"failed,omitempty"`
}

type agreement struct {
    seq      uint64
    started  bool
    op       Op
    size     int
    value    []byte
    failed   map[int]bool
    promise  int
    accepted *proposal

    leading  bool
    promises map[int]agreeMsg
    proposal *proposal
    acks     map[int]bool

    decided bool
    result  []byte
    dfailed []int
    begun   time.Time
}

func (a *agreement) alive(n int) []int {
    out := make([]int, 0, n)
    for i := 0; i < n; i++ {
        if !a.failed[i] { out = append(out, i) }
    }
    return out
}

func (a *agreement) leader(n int) int {
    for i := 0; i < n; i++ {
        if !a.failed[i] { return i }
    }
    return -1
}

func (a *agreement) failedList() []int {
    out := make([]int, 0, len(a.failed))
    for i := range a.failed { out = append(out, i) }
    sort.Ints(out)
    return out
}

func (a *agreement) decision() agreeMsg {
    return agreeMsg{Kind: agreeDecided, Proposal: &proposal{Ballot: a.promise, Result: a.result, Failed: a.dfailed}}
}

func (c *Communicator) instanceLocked(seq uint64) *agreement {
    if a := c.agree[seq]; a != nil { return a }
    a := &agreement{
        seq:     seq,
        failed:  make(map[int]bool),
        promise: -1,
    }
    for _, proc := range c.failOrder { a.failed[c.universe.Rank(proc)] = true }
    c.agree[seq] = a
    return a
}

func (c *Communicator) queueAgreeLocked(a *agreement, to int, m agreeMsg) {
    if m.Kind != agreeDecided { m.Failed = a.failedList() }
    b, err := json.Marshal(m)
    if err != nil { return }
    c.p.queueLocked(&transport.Envelope{To: c.universe.Proc(to), CID: c.cid, Kind: transport.KindAgree, Seq: a.seq, Payload: b})
}

// failInstanceLocked marks participant idx failed in a. It reports whether
// this process became the leader because of it.
func (c *Communicator) failInstanceLocked(a *agreement, idx int) bool {
    if idx == c.uself || a.failed[idx] { return false }
    n := c.universe.Size()
    was := a.leader(n)
    a.failed[idx] = true
    now := a.leader(n)
    if was == idx && !a.decided && a.started {
        obsmetrics.AgreementRestarts.Inc()
        logutil.Infof(c.p.log, "ftcomm: %s agreement %d restarts under leader %d", c.cid, a.seq, now)
        c.p.eb.publish(Event{Type: EventAgreementRestart, CID: c.cid, Seq: a.seq,
            Details: map[string]string{"root": strconv.Itoa(now)}})
    }
    return was != c.uself && now == c.uself
}

// driveLocked advances the instance when this process leads it.
func (c *Communicator) driveLocked(a *agreement) {
    me := c.uself
    if a.decided || !a.started || a.promise > me { return }
    alive := a.alive(c.universe.Size())
    if len(alive) == 0 || alive[0] != me { return }
    if !a.leading {
        a.leading = true
        a.promise = me
        a.promises = map[int]agreeMsg{me: {Value: a.value, Accepted: a.accepted}}
        for _, i := range alive[1:] { c.queueAgreeLocked(a, i, agreeMsg{Kind: agreePrepare, Ballot: me}) }
    }
    if a.proposal == nil {
        for _, i := range alive {
            if _, ok := a.promises[i]; !ok { return }
        }
        var best *proposal
        for _, pm := range a.promises {
            if pm.Accepted != nil && (best == nil || pm.Accepted.Ballot > best.Ballot) { best = pm.Accepted }
        }
        prop := &proposal{Ballot: me}
        if best != nil {
            prop.Result, prop.Failed = best.Result, best.Failed
        } else {
            vals := make([][]byte, 0, len(alive))
            for _, i := range alive { vals = append(vals, a.promises[i].Value) }
            prop.Result, prop.Failed = fold(a.op, a.size, vals), a.failedList()
        }
        a.proposal, a.accepted = prop, prop
        a.acks = map[int]bool{me: true}
        for _, i := range alive[1:] { c.queueAgreeLocked(a, i, agreeMsg{Kind: agreeAccept, Ballot: me, Proposal: prop}) }
    }
    for _, i := range alive {
        if !a.acks[i] { return }
    }
    c.decideLocked(a, a.proposal, true)
}

func (c *Communicator) decideLocked(a *agreement, prop *proposal, own bool) {
    a.decided = true
    if prop.Ballot > a.promise { a.promise = prop.Ballot }
    a.result = prop.Result
    a.dfailed = append([]int(nil), prop.Failed...)
    for _, f := range prop.Failed {
        if f != c.uself { a.failed[f] = true }
    }
    a.value, a.promises, a.acks = nil, nil, nil

    how := "adopted"
    if own { how = "decided" }
    obsmetrics.Agreements.WithLabelValues(how).Inc()
    if a.started {
        obsmetrics.AgreementLatency.Observe(time.Since(a.begun).Seconds())
        c.decided = append(c.decided, a.seq)
        c.pruneAgreementsLocked()
    }
    logutil.Debugf(c.p.log, "ftcomm: %s agreement %d %s (ballot %d, failed %v)", c.cid, a.seq, how, prop.Ballot, a.dfailed)
    if a.leader(c.universe.Size()) == c.uself { c.spreadDecisionLocked(a) }
    c.p.signalLocked()
}

func (c *Communicator) spreadDecisionLocked(a *agreement) {
    m := a.decision()
    for _, i := range a.alive(c.universe.Size()) {
        if i != c.uself { c.queueAgreeLocked(a, i, m) }
    }
}

// answerLocked sends this participant's promise to the leader it promised.
func (c *Communicator) answerLocked(a *agreement) {
    if a.promise < 0 || a.promise == c.uself || !a.started { return }
    c.queueAgreeLocked(a, a.promise, agreeMsg{Kind: agreePromise, Ballot: a.promise, Value: a.value, Accepted: a.accepted})
}

func (c *Communicator) onAgreeLocked(env *transport.Envelope) {
    me := c.uself
    from := c.universe.Rank(env.From)
    if from == group.Undefined || from == me || me == group.Undefined { return }
    var m agreeMsg
    if err := json.Unmarshal(env.Payload, &m); err != nil {
        logutil.Warnf(c.p.log, "ftcomm: %s: bad agreement message from %v: %v", c.cid, env.From, err)
        return
    }
    a := c.agree[env.Seq]
    if a == nil {
        // Already pruned: this process decided and moved on long ago.
        if env.Seq < c.agreeSeq { return }
        a = c.instanceLocked(env.Seq)
    }
    n := c.universe.Size()
    lead := false
    for _, f := range m.Failed {
        if f >= 0 && f < n && c.failInstanceLocked(a, f) { lead = true }
    }

    if a.decided {
        if m.Kind != agreeDecided { c.queueAgreeLocked(a, from, a.decision()) }
        if lead { c.spreadDecisionLocked(a) }
        return
    }
    switch m.Kind {
    case agreeDecided:
        if m.Proposal != nil { c.decideLocked(a, m.Proposal, false) }
        return
    case agreePrepare:
        if m.Ballot >= a.promise {
            a.promise = m.Ballot
            c.answerLocked(a)
        }
    case agreePromise:
        if a.leading && m.Ballot == me && a.proposal == nil { a.promises[from] = m }
    case agreeAccept:
        if m.Ballot >= a.promise && m.Proposal != nil {
            a.promise = m.Ballot
            a.accepted = m.Proposal
            c.queueAgreeLocked(a, from, agreeMsg{Kind: agreeAccepted, Ballot: m.Ballot})
        }
    case agreeAccepted:
        if a.leading && m.Ballot == me && a.proposal != nil { a.acks[from] = true }
    }
    c.driveLocked(a)
}

// agreeViewChangeLocked folds a newly confirmed failure into every instance.
func (c *Communicator) agreeViewChangeLocked(idx int) {
    for _, a := range c.agree {
        lead := c.failInstanceLocked(a, idx)
        if a.decided {
            if lead { c.spreadDecisionLocked(a) }
            continue
        }
        c.driveLocked(a)
    }
}

func (c *Communicator) pruneAgreementsLocked() {
    for len(c.decided) > c.p.opts.RetainDecided {
        delete(c.agree, c.decided[0])
        c.decided = c.decided[1:]
    }
}

// AgreeRequest is a posted agreement. It cannot be cancelled; Wait it.
type AgreeRequest struct {
    c        *Communicator
    a        *agreement
    op       string
    internal bool
}

// IAgree posts value for an agreement under op and returns at once.
func (c *Communicator) IAgree(value []byte, op Op) (*AgreeRequest, error) {
    r, err := c.iagree("iagree", value, op, false)
    return r, c.raise(err)
}

// iagree posts the local contribution. internal instances (shrink) ignore
// revocation.
func (c *Communicator) iagree(name string, value []byte, op Op, internal bool) (*AgreeRequest, error) {
    p := c.p
    p.mu.Lock()
    if c.freed {
        p.mu.Unlock()
        return nil, fmt.Errorf("%w: %s on %s", ErrFreed, name, c.cid)
    }
    if !internal && c.revoked {
        p.mu.Unlock()
        return nil, c.errorf(ClassRevoked, name, group.Undefined)
    }
    // Rejected calls take no sequence number.
    seq := c.agreeSeq
    c.agreeSeq++
    a := c.instanceLocked(seq)
    a.started = true
    a.op = op
    a.size = len(value)
    a.begun = time.Now()
    if a.decided {
        // Adopted before this process got here.
        c.decided = append(c.decided, seq)
        c.pruneAgreementsLocked()
    } else {
        a.value = append([]byte(nil), value...)
        c.answerLocked(a)
        c.driveLocked(a)
    }
    p.signalLocked()
    p.unlockAndFlush()
    return &AgreeRequest{c: c, a: a, op: name, internal: internal}, nil
}

// Wait blocks until the agreement is decided. A public agreement returns
// Revoked if the communicator is revoked first.
func (r *AgreeRequest) Wait(ctx context.Context) ([]byte, error) {
    out, err := r.wait(ctx)
    return out, r.c.raise(err)
}

func (r *AgreeRequest) wait(ctx context.Context) ([]byte, error) {
    c := r.c
    err := c.p.await(ctx, func() (bool, error) {
        if r.a.decided { return true, nil }
        if !r.internal && c.revoked { return false, c.errorf(ClassRevoked, r.op, group.Undefined) }
        return false, nil
    })
    if err != nil { return nil, err }
    c.p.mu.Lock()
    defer c.p.mu.Unlock()
    return append([]byte(nil), r.a.result...), nil
}

// Failed returns the failures carried by the decision, identical at every
// participant. Empty until decided.
func (r *AgreeRequest) Failed() group.Group {
    c := r.c
    c.p.mu.Lock()
    defer c.p.mu.Unlock()
    procs := make([]transport.ProcID, 0, len(r.a.dfailed))
    for _, i := range r.a.dfailed { procs = append(procs, c.universe.Proc(i)) }
    return group.New(procs...)
}

// Agree computes the bitwise AND of flag over every live member. Every live
// member that returns gets the same value.
func (c *Communicator) Agree(ctx context.Context, flag uint32) (uint32, error) {
    out, err := c.AgreeOp(ctx, encodeUint32(flag), OpBAnd)
    if err != nil { return 0, err }
    return decodeUint32(out), nil
}

// AgreeOp is Agree with any fixed-size value and operator.
func (c *Communicator) AgreeOp(ctx context.Context, value []byte, op Op) ([]byte, error) {
    ctx, end := tracing.StartSpan(ctx, "ftcomm.agree", "cid", c.cid, "op", op.Name())
    defer end()
    r, err := c.iagree("agree", value, op, false)
    if err != nil { return nil, c.raise(err) }
    return r.Wait(ctx)
}
