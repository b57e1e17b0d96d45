// Package discovery maps process ids to the addresses their fabric
// endpoints listen on.
package discovery

import (
    "context"
    "errors"
    "fmt"
    "sort"
    "strconv"
    "strings"

    "github.com/amirimatin/go-ftcomm/pkg/transport"
)

// Directory resolves process ids to dialable addresses.
type Directory interface {
    Resolve(ctx context.Context, id transport.ProcID) (string, error)
    // Members lists every known process.
    Members(ctx context.Context) (map[transport.ProcID]string, error)
}

// Registrar is a Directory that processes can add themselves to.
type Registrar interface {
    Directory
    Register(ctx context.Context, id transport.ProcID, addr string) error
}

var (
    ErrUnknown  = errors.New("discovery: unknown process")
    ErrBadEntry = errors.New("discovery: malformed entry")
)

// ParseEntry parses "id=host:port".
func ParseEntry(s string) (transport.ProcID, string, error) {
    k, v, ok := strings.Cut(strings.TrimSpace(s), "=")
    if !ok { return 0, "", fmt.Errorf("%w: %q", ErrBadEntry, s) }
    id, err := strconv.ParseUint(strings.TrimSpace(k), 10, 64)
    addr := strings.TrimSpace(v)
    if err != nil || id == 0 || addr == "" { return 0, "", fmt.Errorf("%w: %q", ErrBadEntry, s) }
    return transport.ProcID(id), addr, nil
}

// ParseList parses a comma-separated list of entries; blanks are skipped.
func ParseList(csv string) (map[transport.ProcID]string, error) {
    out := make(map[transport.ProcID]string)
    for _, part := range strings.Split(csv, ",") {
        if strings.TrimSpace(part) == "" { continue }
        id, addr, err := ParseEntry(part)
        if err != nil { return nil, err }
        out[id] = addr
    }
    return out, nil
}

// IDs returns the ids of m in ascending order.
func IDs(m map[transport.ProcID]string) []transport.ProcID {
    out := make([]transport.ProcID, 0, len(m))
    for id := range m { out = append(out, id) }
    sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
    return out
}
