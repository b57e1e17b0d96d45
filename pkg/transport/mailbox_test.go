package transport

import (
    "context"
    "errors"
    "testing"
    "time"
)

func TestMailboxFIFO(t *testing.T) {
    m := NewMailbox()
    for i := 1; i <= 3; i++ {
        m.Put(Delivery{Env: &Envelope{Tag: i}})
    }
    ctx, cancel := context.WithTimeout(context.Background(), time.Second)
    defer cancel()
    for want := 1; want <= 3; want++ {
        d, err := m.Next(ctx)
        if err != nil { t.Fatalf("next: %v", err) }
        if d.Env.Tag != want { t.Fatalf("got tag %d want %d", d.Env.Tag, want) }
    }
    if m.Len() != 0 { t.Fatalf("expected empty mailbox, len=%d", m.Len()) }
}

func TestMailboxWakesBlockedReader(t *testing.T) {
    m := NewMailbox()
    got := make(chan Delivery, 1)
    go func() {
        d, err := m.Next(context.Background())
        if err == nil { got <- d }
    }()
    time.Sleep(10 * time.Millisecond)
    m.Put(Delivery{Notice: &Notice{Proc: 7}})
    select {
    case d := <-got:
        if d.Notice == nil || d.Notice.Proc != 7 { t.Fatalf("unexpected delivery %+v", d) }
    case <-time.After(time.Second):
        t.Fatalf("reader not woken")
    }
}

func TestMailboxClose(t *testing.T) {
    m := NewMailbox()
    m.Close()
    if m.Put(Delivery{Env: &Envelope{}}) { t.Fatalf("put after close accepted") }
    if _, err := m.Next(context.Background()); !errors.Is(err, ErrClosed) {
        t.Fatalf("next after close: %v", err)
    }
    m.Close()
}
