package file

import (
    "bufio"
    "context"
    "fmt"
    "os"
    "path/filepath"
    "strings"
    "sync"
    "time"

    "github.com/amirimatin/go-ftcomm/pkg/discovery"
    "github.com/amirimatin/go-ftcomm/pkg/transport"
)

// Options configures file/ENV-based directories.
type Options struct {
    // Path to a file with one "id=addr" per line (comma-separated lists are
    // accepted too), or a glob matching several such files.
    Path string
    // Env overrides the file when non-empty.
    Env string
    // Refresh controls cache staleness; if zero, defaults to 5s.
    Refresh time.Duration
}

// Directory re-reads its source when the file changes or the cache is stale.
type Directory struct {
    opts  Options
    mu    sync.Mutex
    last  time.Time
    mtime time.Time
    cache map[transport.ProcID]string
}

func New(opts Options) *Directory {
    if opts.Refresh <= 0 { opts.Refresh = 5 * time.Second }
    return &Directory{opts: opts, cache: map[transport.ProcID]string{}}
}

func (d *Directory) Resolve(ctx context.Context, id transport.ProcID) (string, error) {
    m, err := d.Members(ctx)
    if err != nil { return "", err }
    addr, ok := m[id]
    if !ok { return "", fmt.Errorf("%w: %v", discovery.ErrUnknown, id) }
    return addr, nil
}

func (d *Directory) Members(context.Context) (map[transport.ProcID]string, error) {
    d.mu.Lock()
    defer d.mu.Unlock()
    // ENV takes precedence
    if v := strings.TrimSpace(os.Getenv(d.opts.Env)); d.opts.Env != "" && v != "" {
        return discovery.ParseList(v)
    }
    if d.opts.Path == "" { return copyOf(d.cache), nil }
    now := time.Now()
    if stat, err := os.Stat(d.opts.Path); err == nil {
        if stat.ModTime().After(d.mtime) || now.Sub(d.last) >= d.opts.Refresh {
            m, err := loadFile(d.opts.Path)
            if err != nil { return nil, err }
            d.cache, d.last, d.mtime = m, now, stat.ModTime()
        }
        return copyOf(d.cache), nil
    }
    matches, _ := filepath.Glob(d.opts.Path)
    if len(matches) > 0 {
        out := make(map[transport.ProcID]string)
        for _, p := range matches {
            m, err := loadFile(p)
            if err != nil { return nil, err }
            for k, v := range m { out[k] = v }
        }
        d.cache, d.last = out, now
    }
    return copyOf(d.cache), nil
}

func copyOf(m map[transport.ProcID]string) map[transport.ProcID]string {
    out := make(map[transport.ProcID]string, len(m))
    for k, v := range m { out[k] = v }
    return out
}

func loadFile(path string) (map[transport.ProcID]string, error) {
    f, err := os.Open(path)
    if err != nil { return nil, err }
    defer f.Close()
    out := make(map[transport.ProcID]string)
    s := bufio.NewScanner(f)
    for n := 1; s.Scan(); n++ {
        line := strings.TrimSpace(s.Text())
        if line == "" || strings.HasPrefix(line, "#") { continue }
        m, err := discovery.ParseList(line)
        if err != nil { return nil, fmt.Errorf("%s:%d: %w", path, n, err) }
        for k, v := range m { out[k] = v }
    }
    if err := s.Err(); err != nil { return nil, err }
    return out, nil
}

var _ discovery.Directory = (*Directory)(nil)
