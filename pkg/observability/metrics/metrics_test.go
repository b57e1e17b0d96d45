package metrics

import (
    "testing"

    "github.com/prometheus/client_golang/prometheus"
    "github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRegisterIdempotent(t *testing.T) {
    Register()
    Register()
    FailuresConfirmed.Inc()
    if v := testutil.ToFloat64(FailuresConfirmed); v < 1 {
        t.Fatalf("confirmed counter = %v", v)
    }
    mfs, err := prometheus.DefaultGatherer.Gather()
    if err != nil { t.Fatalf("gather: %v", err) }
    found := false
    for _, mf := range mfs {
        if mf.GetName() == "ftcomm_detector_confirmed_total" { found = true }
    }
    if !found { t.Fatalf("ftcomm_detector_confirmed_total not registered") }
}
