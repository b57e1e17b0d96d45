package ftcomm

import (
    "errors"
    "log"

    "github.com/amirimatin/go-ftcomm/pkg/detector"
    "github.com/amirimatin/go-ftcomm/pkg/transport"
)

// Options configures a Process.
type Options struct {
    // Endpoint is the process's attachment to the fabric. Required.
    Endpoint transport.Endpoint
    // World lists the initial participants in rank order, self included.
    // Ignored when Parent is set.
    World []transport.ProcID
    // WorldCID names the initial communicator. Defaults to "w".
    WorldCID string
    // Parent is set for processes started by SpawnReplacements.
    Parent *ParentInfo
    // Launcher is used by SpawnReplacements when the caller passes nil.
    Launcher Launcher
    // Detector lets several failure sources share one view; nil creates one.
    Detector *detector.Detector
    // OnAbort runs when an ABORT error policy fires. The default closes the
    // endpoint, which terminates the process as far as its peers can tell.
    OnAbort func(error)
    // RetainFreed bounds how many freed communicators keep answering
    // agreement traffic for slower peers. Defaults to 64.
    RetainFreed int
    // RetainDecided bounds decided agreement instances kept per
    // communicator. Defaults to 16.
    RetainDecided int
    Logger *log.Logger
}

// ParentInfo is what a launcher hands a replacement process.
type ParentInfo struct {
    // CID of the intercommunicator that links spawners and spawnees.
    CID      string             `json:"cid"`
    Epoch    uint64             `json:"epoch"`
    Parents  []transport.ProcID `json:"parents"`
    Children []transport.ProcID `json:"children"`
}

var (
    ErrNoEndpoint  = errors.New("ftcomm: endpoint is required")
    ErrSelfMissing = errors.New("ftcomm: local process not in world")
)

func (o *Options) Validate() error {
    if o.Endpoint == nil { return ErrNoEndpoint }
    self := o.Endpoint.ID()
    members := o.World
    if o.Parent != nil { members = o.Parent.Children }
    for _, p := range members {
        if p == self { return nil }
    }
    return ErrSelfMissing
}

func (o *Options) setDefaults() {
    if o.WorldCID == "" { o.WorldCID = "w" }
    if o.RetainFreed <= 0 { o.RetainFreed = 64 }
    if o.RetainDecided <= 0 { o.RetainDecided = 16 }
    if o.Logger == nil { o.Logger = log.Default() }
}
