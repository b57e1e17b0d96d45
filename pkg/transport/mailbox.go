package transport

import (
    "context"
    "sync"
)

// Mailbox is an unbounded FIFO of deliveries shared by endpoint
// implementations. Put never blocks so a slow consumer cannot stall senders.
type Mailbox struct {
    mu     sync.Mutex
    items  []Delivery
    ready  chan struct{}
    done   chan struct{}
    closed bool
}

func NewMailbox() *Mailbox {
    return &Mailbox{ready: make(chan struct{}, 1), done: make(chan struct{})}
}

// Put enqueues d and reports false when the mailbox is closed.
func (m *Mailbox) Put(d Delivery) bool {
    m.mu.Lock()
    if m.closed { m.mu.Unlock(); return false }
    m.items = append(m.items, d)
    m.mu.Unlock()
    select {
    case m.ready <- struct{}{}:
    default:
    }
    return true
}

// Next blocks until an item is available, ctx is done or the mailbox closes.
func (m *Mailbox) Next(ctx context.Context) (Delivery, error) {
    for {
        m.mu.Lock()
        if m.closed {
            m.mu.Unlock()
            return Delivery{}, ErrClosed
        }
        if len(m.items) > 0 {
            d := m.items[0]
            m.items[0] = Delivery{}
            m.items = m.items[1:]
            m.mu.Unlock()
            return d, nil
        }
        m.mu.Unlock()
        select {
        case <-m.ready:
        case <-m.done:
            return Delivery{}, ErrClosed
        case <-ctx.Done():
            return Delivery{}, ctx.Err()
        }
    }
}

// Len returns the number of queued deliveries.
func (m *Mailbox) Len() int {
    m.mu.Lock()
    defer m.mu.Unlock()
    return len(m.items)
}

// Close drops queued items and wakes every waiter.
func (m *Mailbox) Close() {
    m.mu.Lock()
    defer m.mu.Unlock()
    if m.closed { return }
    m.closed = true
    m.items = nil
    close(m.done)
}

// Done is closed by Close.
func (m *Mailbox) Done() <-chan struct{} { return m.done }
