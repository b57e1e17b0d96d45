package ftcomm

import "github.com/amirimatin/go-ftcomm/pkg/group"

// arena maps stable integer handles to communicators and groups. Guarded by
// the owning process's mutex.
type arena struct {
    next   int
    comms  map[int]*Communicator
    groups map[int]group.Group
}

func newArena() arena {
    return arena{comms: make(map[int]*Communicator), groups: make(map[int]group.Group)}
}

func (a *arena) alloc() int {
    a.next++
    return a.next
}

// Lookup resolves a communicator handle; freed communicators are gone.
func (p *Process) Lookup(handle int) (*Communicator, bool) {
    p.mu.Lock()
    defer p.mu.Unlock()
    c, ok := p.arena.comms[handle]
    return c, ok
}

// GroupHandle stores g and returns a handle for it.
func (p *Process) GroupHandle(g group.Group) int {
    p.mu.Lock()
    defer p.mu.Unlock()
    h := p.arena.alloc()
    p.arena.groups[h] = g
    return h
}

func (p *Process) LookupGroup(handle int) (group.Group, bool) {
    p.mu.Lock()
    defer p.mu.Unlock()
    g, ok := p.arena.groups[handle]
    return g, ok
}

func (p *Process) FreeGroup(handle int) {
    p.mu.Lock()
    delete(p.arena.groups, handle)
    p.mu.Unlock()
}

// Handles lists live communicator handles.
func (p *Process) Handles() []int {
    p.mu.Lock()
    defer p.mu.Unlock()
    out := make([]int, 0, len(p.arena.comms))
    for h := range p.arena.comms { out = append(out, h) }
    return out
}
