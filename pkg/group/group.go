// Package group provides immutable, ordered snapshots of process sets and
// rank translation between them.
package group

import (
    "fmt"
    "strings"

    "github.com/amirimatin/go-ftcomm/pkg/transport"
)

// Undefined is the rank reported for a process that is not a member.
const Undefined = -1

// Relation is the result of Compare.
type Relation int

const (
    // Ident: same members in the same order.
    Ident Relation = iota
    // Similar: same members, different order.
    Similar
    // Unequal: different members.
    Unequal
)

func (r Relation) String() string {
    switch r {
    case Ident:
        return "ident"
    case Similar:
        return "similar"
    }
    return "unequal"
}

// Group is an immutable ordered set of processes. The zero value is the
// empty group.
type Group struct {
    procs []transport.ProcID
    index map[transport.ProcID]int
}

// Empty is the group with no members.
var Empty = Group{}

// New builds a group from procs in the given order. Duplicates keep their
// first position.
func New(procs ...transport.ProcID) Group {
    if len(procs) == 0 { return Empty }
    g := Group{procs: make([]transport.ProcID, 0, len(procs)), index: make(map[transport.ProcID]int, len(procs))}
    for _, p := range procs {
        if _, dup := g.index[p]; dup { continue }
        g.index[p] = len(g.procs)
        g.procs = append(g.procs, p)
    }
    return g
}

func (g Group) Size() int { return len(g.procs) }

func (g Group) IsEmpty() bool { return len(g.procs) == 0 }

// Proc returns the process at rank, or zero when rank is out of range.
func (g Group) Proc(rank int) transport.ProcID {
    if rank < 0 || rank >= len(g.procs) { return 0 }
    return g.procs[rank]
}

// Rank returns the rank of p or Undefined.
func (g Group) Rank(p transport.ProcID) int {
    if r, ok := g.index[p]; ok { return r }
    return Undefined
}

func (g Group) Contains(p transport.ProcID) bool {
    _, ok := g.index[p]
    return ok
}

// Procs returns a copy of the members in rank order.
func (g Group) Procs() []transport.ProcID {
    return append([]transport.ProcID(nil), g.procs...)
}

// Difference returns the members of g absent from h, in g's order.
func (g Group) Difference(h Group) Group {
    out := make([]transport.ProcID, 0, len(g.procs))
    for _, p := range g.procs {
        if !h.Contains(p) { out = append(out, p) }
    }
    return New(out...)
}

// Intersection returns the members of g present in h, in g's order.
func (g Group) Intersection(h Group) Group {
    out := make([]transport.ProcID, 0, len(g.procs))
    for _, p := range g.procs {
        if h.Contains(p) { out = append(out, p) }
    }
    return New(out...)
}

// Union returns g followed by the members of h not in g.
func (g Group) Union(h Group) Group {
    out := append([]transport.ProcID(nil), g.procs...)
    for _, p := range h.procs {
        if !g.Contains(p) { out = append(out, p) }
    }
    return New(out...)
}

// Incl returns the group made of the given ranks of g, in the given order.
func (g Group) Incl(ranks []int) (Group, error) {
    out := make([]transport.ProcID, 0, len(ranks))
    for _, r := range ranks {
        if r < 0 || r >= len(g.procs) { return Empty, fmt.Errorf("group: rank %d out of range [0,%d)", r, len(g.procs)) }
        out = append(out, g.procs[r])
    }
    return New(out...), nil
}

// Excl returns g without the given ranks, preserving order.
func (g Group) Excl(ranks []int) (Group, error) {
    drop := make(map[int]struct{}, len(ranks))
    for _, r := range ranks {
        if r < 0 || r >= len(g.procs) { return Empty, fmt.Errorf("group: rank %d out of range [0,%d)", r, len(g.procs)) }
        drop[r] = struct{}{}
    }
    out := make([]transport.ProcID, 0, len(g.procs))
    for r, p := range g.procs {
        if _, ok := drop[r]; !ok { out = append(out, p) }
    }
    return New(out...), nil
}

// Compare reports how g relates to h.
func (g Group) Compare(h Group) Relation {
    if len(g.procs) != len(h.procs) { return Unequal }
    same := true
    for i, p := range g.procs {
        if !h.Contains(p) { return Unequal }
        if h.procs[i] != p { same = false }
    }
    if same { return Ident }
    return Similar
}

func (g Group) String() string {
    parts := make([]string, len(g.procs))
    for i, p := range g.procs { parts[i] = p.String() }
    return "{" + strings.Join(parts, ",") + "}"
}

// TranslateRanks maps ranks of a to the ranks of the same processes in b.
// Ranks absent from b, or out of range in a, map to Undefined.
func TranslateRanks(a Group, ranks []int, b Group) []int {
    out := make([]int, len(ranks))
    for i, r := range ranks {
        p := a.Proc(r)
        if p == 0 { out[i] = Undefined; continue }
        out[i] = b.Rank(p)
    }
    return out
}
