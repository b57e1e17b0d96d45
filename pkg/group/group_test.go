package group

import (
    "testing"

    "github.com/amirimatin/go-ftcomm/pkg/transport"
)

func ids(v ...uint64) []transport.ProcID {
    out := make([]transport.ProcID, len(v))
    for i, x := range v { out[i] = transport.ProcID(x) }
    return out
}

func TestRankAndProc(t *testing.T) {
    g := New(ids(10, 20, 30)...)
    if g.Size() != 3 { t.Fatalf("size = %d", g.Size()) }
    if r := g.Rank(20); r != 1 { t.Fatalf("rank(20) = %d", r) }
    if r := g.Rank(99); r != Undefined { t.Fatalf("rank(99) = %d", r) }
    if p := g.Proc(5); p != 0 { t.Fatalf("proc(5) = %v", p) }
    if !Empty.IsEmpty() || Empty.Rank(1) != Undefined { t.Fatalf("empty group misbehaves") }
}

func TestDuplicatesKeepFirst(t *testing.T) {
    g := New(ids(1, 2, 1, 3)...)
    if g.Size() != 3 || g.Proc(2) != 3 { t.Fatalf("unexpected group %v", g) }
}

func TestDifferencePreservesOrder(t *testing.T) {
    orig := New(ids(1, 2, 3, 4, 5)...)
    survivors := New(ids(1, 3, 5)...)
    dead := orig.Difference(survivors)
    if dead.String() != "{p2,p4}" { t.Fatalf("difference = %v", dead) }
    // Replacement ranks come from translating dead ranks into the original.
    got := TranslateRanks(dead, []int{0, 1}, orig)
    if got[0] != 1 || got[1] != 3 { t.Fatalf("translate = %v", got) }
}

func TestTranslateRanksUndefined(t *testing.T) {
    a := New(ids(1, 2, 3)...)
    b := New(ids(3, 1)...)
    got := TranslateRanks(a, []int{0, 1, 2, 7}, b)
    want := []int{1, Undefined, 0, Undefined}
    for i := range want {
        if got[i] != want[i] { t.Fatalf("translate[%d] = %d want %d", i, got[i], want[i]) }
    }
}

func TestSetOps(t *testing.T) {
    a := New(ids(1, 2, 3)...)
    b := New(ids(3, 4)...)
    if u := a.Union(b); u.String() != "{p1,p2,p3,p4}" { t.Fatalf("union = %v", u) }
    if i := a.Intersection(b); i.String() != "{p3}" { t.Fatalf("intersection = %v", i) }
    ex, err := a.Excl([]int{1})
    if err != nil || ex.String() != "{p1,p3}" { t.Fatalf("excl = %v, %v", ex, err) }
    in, err := a.Incl([]int{2, 0})
    if err != nil || in.String() != "{p3,p1}" { t.Fatalf("incl = %v, %v", in, err) }
    if _, err := a.Incl([]int{3}); err == nil { t.Fatalf("expected range error") }
}

func TestCompare(t *testing.T) {
    a := New(ids(1, 2, 3)...)
    cases := []struct {
        other Group
        want  Relation
    }{
        {New(ids(1, 2, 3)...), Ident},
        {New(ids(3, 2, 1)...), Similar},
        {New(ids(1, 2)...), Unequal},
        {New(ids(1, 2, 4)...), Unequal},
    }
    for _, c := range cases {
        if got := a.Compare(c.other); got != c.want {
            t.Fatalf("compare(%v) = %v want %v", c.other, got, c.want)
        }
    }
}

func TestProcsIsCopy(t *testing.T) {
    g := New(ids(1, 2)...)
    p := g.Procs()
    p[0] = 42
    if g.Proc(0) != 1 { t.Fatalf("group mutated through Procs()") }
}
