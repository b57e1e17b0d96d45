package ftcomm

import (
    "context"
    "sync"
    "time"

    "github.com/amirimatin/go-ftcomm/pkg/transport"
)

type EventType string

const (
    EventFailureConfirmed EventType = "failure_confirmed"
    EventRevoked          EventType = "revoked"
    EventAgreementRestart EventType = "agreement_restart"
    EventCommFreed        EventType = "comm_freed"
)

// Event describes a local protocol state change. Only relevant fields for an
// event type are populated.
type Event struct {
    Type    EventType
    At      time.Time
    Proc    transport.ProcID
    CID     string
    Seq     uint64
    Details map[string]string
}

// Subscribe returns a channel of events. The returned channel is buffered and
// closed automatically when ctx is done. Events may be dropped if the consumer
// is too slow (best-effort delivery) to avoid back-pressuring the progress
// goroutine.
func (p *Process) Subscribe(ctx context.Context) <-chan Event {
    ch := make(chan Event, 64)
    p.eb.add(ch)
    go func() {
        <-ctx.Done()
        p.eb.remove(ch)
        close(ch)
    }()
    return ch
}

// internal event bus
type eventBus struct {
    mu   sync.Mutex
    subs map[chan Event]struct{}
}

func (e *eventBus) add(ch chan Event) {
    e.mu.Lock()
    if e.subs == nil { e.subs = make(map[chan Event]struct{}) }
    e.subs[ch] = struct{}{}
    e.mu.Unlock()
}

func (e *eventBus) remove(ch chan Event) {
    e.mu.Lock()
    if e.subs != nil { delete(e.subs, ch) }
    e.mu.Unlock()
}

func (e *eventBus) publish(ev Event) {
    if ev.At.IsZero() { ev.At = time.Now() }
    e.mu.Lock()
    for ch := range e.subs {
        select {
        case ch <- ev:
        default:
            // drop if receiver is slow
        }
    }
    e.mu.Unlock()
}
