// Package checkpoint keeps the last saved state of an iterative computation
// under a key, so that replacements can resume from it.
package checkpoint

import (
    "encoding/binary"
    "errors"
    "fmt"
    "sync"

    "github.com/hashicorp/raft"
    raftboltdb "github.com/hashicorp/raft-boltdb"
)

var (
    ErrNotFound = errors.New("checkpoint: not found")
    ErrCorrupt  = errors.New("checkpoint: corrupt record")
    ErrClosed   = errors.New("checkpoint: store closed")
)

// Store saves and loads checkpoints. Save replaces the previous checkpoint
// under key.
type Store interface {
    Save(key string, iteration uint64, data []byte) error
    Load(key string) (iteration uint64, data []byte, err error)
    Close() error
}

type entry struct {
    iteration uint64
    data      []byte
}

// Memory is a Store for a single address space.
type Memory struct {
    mu     sync.RWMutex
    m      map[string]entry
    closed bool
}

func NewMemory() *Memory { return &Memory{m: make(map[string]entry)} }

func (s *Memory) Save(key string, iteration uint64, data []byte) error {
    s.mu.Lock()
    defer s.mu.Unlock()
    if s.closed { return ErrClosed }
    s.m[key] = entry{iteration: iteration, data: append([]byte(nil), data...)}
    return nil
}

func (s *Memory) Load(key string) (uint64, []byte, error) {
    s.mu.RLock()
    defer s.mu.RUnlock()
    if s.closed { return 0, nil, ErrClosed }
    e, ok := s.m[key]
    if !ok { return 0, nil, fmt.Errorf("%w: %s", ErrNotFound, key) }
    return e.iteration, append([]byte(nil), e.data...), nil
}

func (s *Memory) Close() error {
    s.mu.Lock()
    s.closed = true
    s.mu.Unlock()
    return nil
}

// Bolt persists checkpoints in a bolt file through the raft stable-store
// surface. Iteration and data go into one record so a save is atomic.
type Bolt struct {
    bolt   *raftboltdb.BoltStore
    stable raft.StableStore
}

// NewBolt opens or creates the bolt file at path.
func NewBolt(path string) (*Bolt, error) {
    bs, err := raftboltdb.NewBoltStore(path)
    if err != nil { return nil, fmt.Errorf("checkpoint: open %s: %w", path, err) }
    return &Bolt{bolt: bs, stable: bs}, nil
}

func recordKey(key string) []byte { return []byte("ckpt/" + key) }

func (s *Bolt) Save(key string, iteration uint64, data []byte) error {
    rec := make([]byte, 8+len(data))
    binary.BigEndian.PutUint64(rec, iteration)
    copy(rec[8:], data)
    if err := s.stable.Set(recordKey(key), rec); err != nil { return fmt.Errorf("checkpoint: save %s: %w", key, err) }
    return nil
}

func (s *Bolt) Load(key string) (uint64, []byte, error) {
    rec, err := s.stable.Get(recordKey(key))
    if err != nil {
        if errors.Is(err, raftboltdb.ErrKeyNotFound) { return 0, nil, fmt.Errorf("%w: %s", ErrNotFound, key) }
        return 0, nil, fmt.Errorf("checkpoint: load %s: %w", key, err)
    }
    if len(rec) < 8 { return 0, nil, fmt.Errorf("%w: %s", ErrCorrupt, key) }
    return binary.BigEndian.Uint64(rec), append([]byte(nil), rec[8:]...), nil
}

func (s *Bolt) Close() error { return s.bolt.Close() }

var (
    _ Store            = (*Memory)(nil)
    _ Store            = (*Bolt)(nil)
    _ raft.StableStore = (*raftboltdb.BoltStore)(nil)
)
