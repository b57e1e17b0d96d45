package cli

import (
    "bytes"
    "context"
    "net/http/httptest"
    "reflect"
    "strings"
    "testing"
    "time"

    "github.com/amirimatin/go-ftcomm/pkg/ftcomm"
    "github.com/amirimatin/go-ftcomm/pkg/transport/httpjson"
    "github.com/amirimatin/go-ftcomm/pkg/world"
)

func TestSplitArgs(t *testing.T) {
    got := splitArgs("  ftctl run\t--discovery etcd  ")
    want := []string{"ftctl", "run", "--discovery", "etcd"}
    if !reflect.DeepEqual(got, want) { t.Fatalf("got %q, want %q", got, want) }
    if got := splitArgs(""); len(got) != 0 { t.Fatalf("expected no args, got %q", got) }
}

func TestAgreeLoopShrinksPastFailure(t *testing.T) {
    w, err := world.New(world.Options{Size: 3})
    if err != nil { t.Fatalf("world: %v", err) }
    defer w.Close()
    ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
    defer cancel()
    w.Run(ctx, func(ctx context.Context, p *ftcomm.Process) error {
        return agreeLoop(ctx, p, 20*time.Millisecond, true, nil)
    })
    time.Sleep(200 * time.Millisecond)
    w.KillRank(2)
    res := w.Wait()

    for _, p := range w.Procs()[:2] {
        if err := res[p.Self()]; err != nil { t.Fatalf("%v: %v", p.Self(), err) }
        shrunk := false
        for _, c := range p.Status().Comms {
            if strings.Contains(c.CID, "/k") && c.Size == 2 { shrunk = true }
        }
        if !shrunk { t.Fatalf("%v never shrank: %+v", p.Self(), p.Status().Comms) }
    }
}

func TestStatusCommand(t *testing.T) {
    w, err := world.New(world.Options{Size: 1})
    if err != nil { t.Fatalf("world: %v", err) }
    defer w.Close()
    ts := httptest.NewServer(httpjson.Handler(w.Procs()[0]))
    defer ts.Close()

    cmd := NewHealthCmd()
    var out bytes.Buffer
    cmd.SetOut(&out)
    cmd.SetArgs([]string{"--addr", strings.TrimPrefix(ts.URL, "http://")})
    if err := cmd.Execute(); err != nil { t.Fatalf("health: %v", err) }

    w.KillRank(0)
    cmd = NewHealthCmd()
    cmd.SetOut(&out)
    cmd.SetErr(&out)
    cmd.SetArgs([]string{"--addr", strings.TrimPrefix(ts.URL, "http://")})
    if err := cmd.Execute(); err == nil || !strings.Contains(err.Error(), "dead") { t.Fatalf("expected dead process error, got %v", err) }
}
