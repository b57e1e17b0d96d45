package transport

import (
    "context"
    "errors"
    "fmt"
)

// ProcID identifies a process across every communicator it belongs to.
// Zero is never assigned.
type ProcID uint64

func (p ProcID) String() string { return fmt.Sprintf("p%d", uint64(p)) }

// Kind selects which engine of the receiving process consumes an envelope.
type Kind uint8

const (
    // KindData carries point-to-point payloads.
    KindData Kind = iota + 1
    // KindColl carries one step of an ordinary collective.
    KindColl
    // KindAgree carries agreement protocol traffic.
    KindAgree
    // KindRevoke floods a revocation marker.
    KindRevoke
)

func (k Kind) String() string {
    switch k {
    case KindData:
        return "data"
    case KindColl:
        return "coll"
    case KindAgree:
        return "agree"
    case KindRevoke:
        return "revoke"
    }
    return "unknown"
}

// Envelope is the unit exchanged between endpoints. Revoked and Failed are
// piggybacked control state; receivers merge them before dispatch.
type Envelope struct {
    From    ProcID   `json:"from"`
    To      ProcID   `json:"to"`
    CID     string   `json:"cid"`
    Kind    Kind     `json:"kind"`
    Tag     int      `json:"tag,omitempty"`
    Seq     uint64   `json:"seq,omitempty"`
    Step    int      `json:"step,omitempty"`
    Payload []byte   `json:"payload,omitempty"`
    Revoked []string `json:"revoked,omitempty"`
    Failed  []ProcID `json:"failed,omitempty"`
}

// Notice reports that a peer looks gone. Authoritative notices come from the
// launcher or fabric that observed the termination itself.
type Notice struct {
    Proc          ProcID
    Authoritative bool
    Reason        string
}

// Delivery is one item drained from an endpoint: exactly one field is set.
type Delivery struct {
    Env    *Envelope
    Notice *Notice
}

// Endpoint is a process's attachment to the fabric. Send must return an error
// wrapping ErrUnreachable when the peer's process is gone, and ErrTimeout,
// never ErrUnreachable, when it merely could not finish in time.
type Endpoint interface {
    ID() ProcID
    Send(ctx context.Context, env *Envelope) error
    Recv(ctx context.Context) (Delivery, error)
    // Done is closed once the endpoint is closed or its process was killed.
    Done() <-chan struct{}
    Close() error
}

var (
    ErrUnreachable = errors.New("transport: peer unreachable")
    ErrClosed      = errors.New("transport: endpoint closed")
    // ErrTimeout is a send that ran out of time. It says nothing about the
    // peer being alive or not.
    ErrTimeout     = errors.New("transport: send timed out")
)
