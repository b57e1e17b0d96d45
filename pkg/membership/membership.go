// Package membership is the optional gossip layer that corroborates the
// fabric's own failure observations. Node names are process ids, so a
// membership failure event can be fed straight into a failure detector.
package membership

import (
    "context"
    "fmt"
    "log"
    "strconv"
    "strings"
    "time"

    "github.com/amirimatin/go-ftcomm/pkg/detector"
    "github.com/amirimatin/go-ftcomm/pkg/internal/logutil"
    "github.com/amirimatin/go-ftcomm/pkg/transport"
)

// MemberInfo describes a member as observed by the membership layer.
// Meta carries auxiliary data such as the fabric or management address.
type MemberInfo struct {
    ID   string
    Addr string
    Meta map[string]string
}

type EventType string

const (
    // EventJoin indicates a member joined or became visible.
    EventJoin   EventType = "join"
    // EventLeave indicates a member left on purpose.
    EventLeave  EventType = "leave"
    // EventFailed indicates membership marked the node as failed/unreachable.
    EventFailed EventType = "failed"
)

// Event is the translated membership change notification.
type Event struct {
    Type   EventType
    Member MemberInfo
    At     time.Time
}

// Membership is the abstraction over the underlying gossip/failure-detection
// layer. It is responsible for peer discovery, join/leave and event delivery.
type Membership interface {
    Start(ctx context.Context) error
    Join(seeds []string) error
    Local() MemberInfo
    Members() []MemberInfo
    Events() <-chan Event
    Leave() error
    Stop() error
}

// Meta keys published by ftcomm processes.
const (
    MetaFabricAddr = "fabric"
    MetaMgmtAddr   = "mgmt"
)

// NodeName is the gossip node name of process p.
func NodeName(p transport.ProcID) string { return p.String() }

// ParseNodeName is the inverse of NodeName.
func ParseNodeName(name string) (transport.ProcID, error) {
    if !strings.HasPrefix(name, "p") { return 0, fmt.Errorf("membership: bad node name %q", name) }
    v, err := strconv.ParseUint(name[1:], 10, 64)
    if err != nil || v == 0 { return 0, fmt.Errorf("membership: bad node name %q", name) }
    return transport.ProcID(v), nil
}

// Feed forwards failure and leave events from m into det until the event
// channel closes or ctx is done. Both count as one membership observation;
// a process is confirmed only once a second source agrees.
func Feed(ctx context.Context, m Membership, det *detector.Detector, logger *log.Logger) {
    if logger == nil { logger = log.Default() }
    evts := m.Events()
    for {
        select {
        case <-ctx.Done():
            return
        case ev, ok := <-evts:
            if !ok { return }
            if ev.Type == EventJoin { continue }
            p, err := ParseNodeName(ev.Member.ID)
            if err != nil {
                logutil.Warnf(logger, "%v", err)
                continue
            }
            st := det.OnCommunicationFailure(p, detector.SourceMembership)
            logutil.Debugf(logger, "membership: %s %v -> %v", ev.Type, p, st)
        }
    }
}
