package bootstrap

import (
    "context"
    "encoding/json"
    "fmt"
    "log"
    "os"
    "os/exec"
    "strconv"
    "sync"

    "github.com/amirimatin/go-ftcomm/pkg/detector"
    "github.com/amirimatin/go-ftcomm/pkg/ftcomm"
    "github.com/amirimatin/go-ftcomm/pkg/internal/logutil"
    "github.com/amirimatin/go-ftcomm/pkg/transport"
)

// ExecLauncher starts replacements as operating system processes. Each child
// runs Command with "--id <id> --parent <json>" appended and must register
// with a directory the spawning side can resolve (etcd, in practice).
//
// Child ids are Self<<20 + n, so two launchers never hand out the same id.
// When a child exits the detector gets a runtime observation for it.
type ExecLauncher struct {
    Command  []string
    Self     transport.ProcID
    Detector *detector.Detector
    Logger   *log.Logger

    mu   sync.Mutex
    next uint64
}

func (l *ExecLauncher) allocate(n int) []transport.ProcID {
    l.mu.Lock()
    defer l.mu.Unlock()
    out := make([]transport.ProcID, n)
    for i := range out {
        l.next++
        out[i] = transport.ProcID(uint64(l.Self)<<20 + l.next)
    }
    return out
}

func (l *ExecLauncher) Launch(ctx context.Context, req ftcomm.SpawnRequest) ([]transport.ProcID, error) {
    if len(l.Command) == 0 { return nil, fmt.Errorf("bootstrap: empty spawn command") }
    logger := l.Logger
    if logger == nil { logger = log.Default() }
    ids := l.allocate(req.N)
    info := ftcomm.ParentInfo{CID: req.CID, Epoch: req.Epoch, Parents: req.Parents, Children: ids}
    parent, err := json.Marshal(info)
    if err != nil { return nil, err }
    for i, id := range ids {
        if err := ctx.Err(); err != nil { return nil, err }
        args := append(append([]string(nil), l.Command[1:]...), "--id", strconv.FormatUint(uint64(id), 10), "--parent", string(parent))
        cmd := exec.Command(l.Command[0], args...)
        cmd.Stdout, cmd.Stderr = os.Stdout, os.Stderr
        if err := cmd.Start(); err != nil {
            // children already started will find no peers and exit
            logutil.Errorf(logger, "bootstrap: spawn %v: %v", id, err)
            for _, started := range ids[:i] { l.observe(started) }
            return nil, fmt.Errorf("bootstrap: spawn %v: %w", id, err)
        }
        logutil.Infof(logger, "bootstrap: spawned %v as pid %d", id, cmd.Process.Pid)
        go func(id transport.ProcID) {
            err := cmd.Wait()
            logutil.Infof(logger, "bootstrap: replacement %v exited: %v", id, err)
            l.observe(id)
        }(id)
    }
    return ids, nil
}

func (l *ExecLauncher) observe(id transport.ProcID) {
    if l.Detector != nil { l.Detector.OnCommunicationFailure(id, detector.SourceRuntime) }
}

// ParseParent decodes the --parent flag value a launcher passes.
func ParseParent(s string) (*ftcomm.ParentInfo, error) {
    if s == "" { return nil, nil }
    var info ftcomm.ParentInfo
    if err := json.Unmarshal([]byte(s), &info); err != nil { return nil, fmt.Errorf("bootstrap: bad parent: %w", err) }
    if info.CID == "" || len(info.Children) == 0 { return nil, fmt.Errorf("bootstrap: bad parent: missing cid or children") }
    return &info, nil
}
