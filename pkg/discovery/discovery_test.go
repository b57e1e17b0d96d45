package discovery

import (
    "errors"
    "testing"

    "github.com/amirimatin/go-ftcomm/pkg/transport"
)

func TestParseEntry(t *testing.T) {
    id, addr, err := ParseEntry(" 3 = 127.0.0.1:7003 ")
    if err != nil || id != 3 || addr != "127.0.0.1:7003" { t.Fatalf("got %v %q %v", id, addr, err) }
    for _, bad := range []string{"", "3", "x=a:1", "0=a:1", "4="} {
        if _, _, err := ParseEntry(bad); !errors.Is(err, ErrBadEntry) {
            t.Fatalf("%q: expected ErrBadEntry, got %v", bad, err)
        }
    }
}

func TestParseListAndIDs(t *testing.T) {
    m, err := ParseList("2=b:2, ,1=a:1,")
    if err != nil { t.Fatalf("parse: %v", err) }
    ids := IDs(m)
    if len(ids) != 2 || ids[0] != 1 || ids[1] != 2 { t.Fatalf("ids %v", ids) }
    if m[transport.ProcID(2)] != "b:2" { t.Fatalf("map %v", m) }
    if _, err := ParseList("1=a:1,broken"); err == nil { t.Fatalf("expected error") }
}
