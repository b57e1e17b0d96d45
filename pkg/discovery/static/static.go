package static

import (
    "context"
    "fmt"
    "sync"

    "github.com/amirimatin/go-ftcomm/pkg/discovery"
    "github.com/amirimatin/go-ftcomm/pkg/transport"
)

// Directory is a fixed table, extended by Register.
type Directory struct {
    mu sync.RWMutex
    m  map[transport.ProcID]string
}

// New returns a Directory holding a copy of entries.
func New(entries map[transport.ProcID]string) *Directory {
    m := make(map[transport.ProcID]string, len(entries))
    for k, v := range entries { m[k] = v }
    return &Directory{m: m}
}

// Parse builds a Directory from "id=addr,id=addr".
func Parse(csv string) (*Directory, error) {
    m, err := discovery.ParseList(csv)
    if err != nil { return nil, err }
    return &Directory{m: m}, nil
}

func (d *Directory) Resolve(_ context.Context, id transport.ProcID) (string, error) {
    d.mu.RLock()
    defer d.mu.RUnlock()
    addr, ok := d.m[id]
    if !ok { return "", fmt.Errorf("%w: %v", discovery.ErrUnknown, id) }
    return addr, nil
}

func (d *Directory) Members(context.Context) (map[transport.ProcID]string, error) {
    d.mu.RLock()
    defer d.mu.RUnlock()
    out := make(map[transport.ProcID]string, len(d.m))
    for k, v := range d.m { out[k] = v }
    return out, nil
}

func (d *Directory) Register(_ context.Context, id transport.ProcID, addr string) error {
    d.mu.Lock()
    d.m[id] = addr
    d.mu.Unlock()
    return nil
}

var _ discovery.Registrar = (*Directory)(nil)
