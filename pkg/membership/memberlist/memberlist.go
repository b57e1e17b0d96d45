package memberlist

import (
    "context"
    "encoding/json"
    "fmt"
    "log"
    "net"
    "strconv"
    "sync"
    "time"

    "github.com/hashicorp/memberlist"

    base "github.com/amirimatin/go-ftcomm/pkg/membership"
    "github.com/amirimatin/go-ftcomm/pkg/internal/logutil"
)

// Options configures the memberlist-based membership implementation.
type Options struct {
    // NodeID is the gossip node name, membership.NodeName of the process.
    NodeID string

    // Bind is the bind address in host:port form (e.g. ":7946" or "0.0.0.0:7946").
    Bind string

    // Advertise is the address peers will use to reach this node.
    // If empty, memberlist derives it from Bind.
    Advertise string

    // Meta is gossiped with the node (fabric and management addresses).
    Meta map[string]string

    Logger *log.Logger

    // Tuning parameters (optional). Zero means use defaults. PingInterval
    // and PingTimeout map to memberlist's failure-detection round.
    PingInterval  time.Duration
    PingTimeout   time.Duration
    SuspicionMult int
}

// impl implements base.Membership using HashiCorp memberlist.
type impl struct {
    mu   sync.RWMutex
    opts Options
    ml   *memberlist.Memberlist

    // evMu guards evts and closed. memberlist invokes the event delegate
    // from Create, while mu is held.
    evMu   sync.Mutex
    evts   chan base.Event
    closed bool
}

// New constructs a memberlist-backed membership.
func New(opts Options) (base.Membership, error) {
    if opts.NodeID == "" { return nil, fmt.Errorf("memberlist: empty NodeID") }
    if opts.Bind == "" { return nil, fmt.Errorf("memberlist: empty Bind address") }
    if opts.Logger == nil { opts.Logger = log.Default() }
    return &impl{opts: opts, evts: make(chan base.Event, 64)}, nil
}

func splitAddr(addr string) (string, int, error) {
    host, portStr, err := net.SplitHostPort(addr)
    if err != nil { return "", 0, fmt.Errorf("memberlist: invalid address %q: %w", addr, err) }
    port, err := strconv.Atoi(portStr)
    if err != nil || port < 0 || port > 65535 { return "", 0, fmt.Errorf("memberlist: invalid port %q", portStr) }
    return host, port, nil
}

// Start creates and launches the underlying memberlist instance.
func (m *impl) Start(ctx context.Context) error {
    m.mu.Lock()
    defer m.mu.Unlock()
    if m.ml != nil { return nil }

    cfg := memberlist.DefaultLANConfig()
    cfg.Name = m.opts.NodeID
    host, port, err := splitAddr(m.opts.Bind)
    if err != nil { return err }
    cfg.BindAddr, cfg.BindPort = host, port
    if m.opts.Advertise != "" {
        ahost, aport, err := splitAddr(m.opts.Advertise)
        if err != nil { return err }
        cfg.AdvertiseAddr, cfg.AdvertisePort = ahost, aport
    }
    if m.opts.PingInterval > 0 { cfg.ProbeInterval = m.opts.PingInterval }
    if m.opts.PingTimeout > 0 { cfg.ProbeTimeout = m.opts.PingTimeout }
    if m.opts.SuspicionMult > 0 { cfg.SuspicionMult = m.opts.SuspicionMult }
    cfg.LogOutput = m.opts.Logger.Writer()

    cfg.Events = &eventDelegate{emit: m.emit}
    metaBytes, _ := json.Marshal(m.opts.Meta)
    cfg.Delegate = &nodeDelegate{meta: metaBytes}

    ml, err := memberlist.Create(cfg)
    if err != nil { return err }
    m.ml = ml

    go func() {
        <-ctx.Done()
        _ = m.Stop()
    }()
    return nil
}

func (m *impl) Join(seeds []string) error {
    m.mu.RLock()
    ml := m.ml
    m.mu.RUnlock()
    if ml == nil { return fmt.Errorf("memberlist: not started") }
    if len(seeds) == 0 { return nil }
    _, err := ml.Join(seeds)
    return err
}

func (m *impl) Local() base.MemberInfo {
    m.mu.RLock()
    defer m.mu.RUnlock()
    if m.ml == nil { return base.MemberInfo{} }
    return info(m.ml.LocalNode())
}

func (m *impl) Members() []base.MemberInfo {
    m.mu.RLock()
    defer m.mu.RUnlock()
    if m.ml == nil { return nil }
    nodes := m.ml.Members()
    out := make([]base.MemberInfo, 0, len(nodes))
    for _, n := range nodes { out = append(out, info(n)) }
    return out
}

func (m *impl) Events() <-chan base.Event { return m.evts }

func (m *impl) Leave() error {
    m.mu.RLock()
    ml := m.ml
    m.mu.RUnlock()
    if ml == nil { return nil }
    // best-effort: leave and give some time to broadcast
    _ = ml.Leave(time.Second)
    return nil
}

func (m *impl) Stop() error {
    m.mu.Lock()
    ml := m.ml
    m.ml = nil
    m.mu.Unlock()
    if ml != nil { _ = ml.Shutdown() }

    m.evMu.Lock()
    defer m.evMu.Unlock()
    if m.closed { return nil }
    m.closed = true
    close(m.evts)
    return nil
}

// HealthScore exposes memberlist's awareness score.
func (m *impl) HealthScore() int {
    m.mu.RLock()
    defer m.mu.RUnlock()
    if m.ml == nil { return -1 }
    return m.ml.GetHealthScore()
}

func (m *impl) emit(e base.Event) {
    m.evMu.Lock()
    defer m.evMu.Unlock()
    if m.closed { return }
    select {
    case m.evts <- e:
    default:
        logutil.Warnf(m.opts.Logger, "memberlist: dropping %s event for %s: channel full", e.Type, e.Member.ID)
    }
}

func info(n *memberlist.Node) base.MemberInfo {
    meta := map[string]string{}
    if len(n.Meta) > 0 { _ = json.Unmarshal(n.Meta, &meta) }
    return base.MemberInfo{ID: n.Name, Addr: net.JoinHostPort(n.Addr.String(), strconv.Itoa(int(n.Port))), Meta: meta}
}

// eventDelegate adapts memberlist events to base.Event.
type eventDelegate struct {
    emit func(e base.Event)
}

func (d *eventDelegate) NotifyJoin(n *memberlist.Node) {
    if n == nil { return }
    d.emit(base.Event{Type: base.EventJoin, Member: info(n), At: time.Now()})
}

// NotifyLeave fires for both graceful leaves and dead nodes; the node state
// tells them apart.
func (d *eventDelegate) NotifyLeave(n *memberlist.Node) {
    if n == nil { return }
    typ := base.EventFailed
    if n.State == memberlist.StateLeft { typ = base.EventLeave }
    d.emit(base.Event{Type: typ, Member: info(n), At: time.Now()})
}

func (d *eventDelegate) NotifyUpdate(n *memberlist.Node) {
    if n == nil { return }
    d.emit(base.Event{Type: base.EventJoin, Member: info(n), At: time.Now()})
}

// nodeDelegate gossips the node metadata.
type nodeDelegate struct{ meta []byte }

func (d *nodeDelegate) NodeMeta(limit int) []byte {
    if len(d.meta) <= limit { return d.meta }
    return nil
}

func (d *nodeDelegate) NotifyMsg([]byte)                       {}
func (d *nodeDelegate) GetBroadcasts(int, int) [][]byte        { return nil }
func (d *nodeDelegate) LocalState(join bool) []byte            { return nil }
func (d *nodeDelegate) MergeRemoteState(buf []byte, join bool) {}
