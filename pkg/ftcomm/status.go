package ftcomm

import (
    "sort"

    "github.com/amirimatin/go-ftcomm/pkg/detector"
    "github.com/amirimatin/go-ftcomm/pkg/transport"
)

// CommStatus summarizes one live communicator.
type CommStatus struct {
    Handle  int    `json:"handle"`
    CID     string `json:"cid"`
    Epoch   uint64 `json:"epoch"`
    Rank    int    `json:"rank"`
    Size    int    `json:"size"`
    Inter   bool   `json:"inter,omitempty"`
    Revoked bool   `json:"revoked,omitempty"`
    // Failed lists confirmed failures in detection order; the first Acked of
    // them are acknowledged.
    Failed []transport.ProcID `json:"failed,omitempty"`
    Acked  int                `json:"acked,omitempty"`
}

// ProcessStatus is a JSON-serializable snapshot of a process for status
// endpoints and tooling.
type ProcessStatus struct {
    Self  transport.ProcID `json:"self"`
    Alive bool             `json:"alive"`
    // Spawned is set on replacements.
    Spawned  bool              `json:"spawned,omitempty"`
    Comms    []CommStatus      `json:"comms"`
    Failures []detector.Record `json:"failures,omitempty"`
    Warnings []string          `json:"warnings,omitempty"`
}

// Status takes a snapshot of the process.
func (p *Process) Status() ProcessStatus {
    st := ProcessStatus{Self: p.self, Alive: p.Alive(), Spawned: p.parent != nil, Failures: p.det.Snapshot()}
    p.mu.Lock()
    for h, c := range p.arena.comms {
        st.Comms = append(st.Comms, CommStatus{
            Handle:  h,
            CID:     c.cid,
            Epoch:   c.epoch,
            Rank:    c.rank,
            Size:    c.local.Size(),
            Inter:   c.inter,
            Revoked: c.revoked,
            Failed:  append([]transport.ProcID(nil), c.failOrder...),
            Acked:   c.acked,
        })
        if c.revoked { st.Warnings = append(st.Warnings, "communicator "+c.cid+" is revoked") }
    }
    p.mu.Unlock()
    sort.Slice(st.Comms, func(i, j int) bool { return st.Comms[i].Handle < st.Comms[j].Handle })
    sort.Strings(st.Warnings)
    if !st.Alive { st.Warnings = append(st.Warnings, "process is dead") }
    return st
}
