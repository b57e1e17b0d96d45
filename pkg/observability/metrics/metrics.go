package metrics

import (
    "sync"

    "github.com/prometheus/client_golang/prometheus"
)

var (
    once sync.Once

    FailuresObserved = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: "ftcomm",
        Subsystem: "detector",
        Name:      "observations_total",
        Help:      "Failure observations recorded by the local detector, by source",
    }, []string{"source"})

    FailuresConfirmed = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: "ftcomm",
        Subsystem: "detector",
        Name:      "confirmed_total",
        Help:      "Processes confirmed dead by the local detector",
    })

    Revocations = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: "ftcomm",
        Name:      "revocations_total",
        Help:      "Communicators revoked, by origin (local or remote)",
    }, []string{"origin"})

    Agreements = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: "ftcomm",
        Subsystem: "agree",
        Name:      "completed_total",
        Help:      "Agreement instances completed, by how the decision was reached",
    }, []string{"result"})

    AgreementRestarts = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: "ftcomm",
        Subsystem: "agree",
        Name:      "restarts_total",
        Help:      "Agreement tree recomputations caused by newly confirmed failures",
    })

    AgreementLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
        Namespace: "ftcomm",
        Subsystem: "agree",
        Name:      "duration_seconds",
        Help:      "Wall time from posting an agreement to its decision",
        Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
    })

    Shrinks = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: "ftcomm",
        Name:      "shrinks_total",
        Help:      "Shrink operations completed, by whether members were excluded",
    }, []string{"excluded"})

    ReplaceAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: "ftcomm",
        Subsystem: "replace",
        Name:      "attempts_total",
        Help:      "Replace protocol attempts, by outcome",
    }, []string{"outcome"})

    Spawned = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: "ftcomm",
        Subsystem: "replace",
        Name:      "spawned_total",
        Help:      "Replacement processes launched",
    })

    EnvelopesSent = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: "ftcomm",
        Subsystem: "fabric",
        Name:      "envelopes_sent_total",
        Help:      "Envelopes handed to the transport, by kind",
    }, []string{"kind"})

    SendFailures = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: "ftcomm",
        Subsystem: "fabric",
        Name:      "send_failures_total",
        Help:      "Transport sends that failed because the peer was unreachable",
    })

    GRPCConnDials = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: "ftcomm",
        Subsystem: "grpc_conn",
        Name:      "dials_total",
        Help:      "Total number of new gRPC connections dialed",
    })
    GRPCConnReuse = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: "ftcomm",
        Subsystem: "grpc_conn",
        Name:      "reuse_total",
        Help:      "Total number of gRPC connection reuses from cache",
    })
    GRPCConnEvictions = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: "ftcomm",
        Subsystem: "grpc_conn",
        Name:      "evictions_total",
        Help:      "Total number of cached gRPC connections evicted",
    })
    GRPCConnActive = prometheus.NewGauge(prometheus.GaugeOpts{
        Namespace: "ftcomm",
        Subsystem: "grpc_conn",
        Name:      "active",
        Help:      "Number of active cached gRPC connections",
    })
)

// Register registers metrics into the default Prometheus registry (idempotent).
func Register() {
    once.Do(func() {
        prometheus.MustRegister(FailuresObserved)
        prometheus.MustRegister(FailuresConfirmed)
        prometheus.MustRegister(Revocations)
        prometheus.MustRegister(Agreements)
        prometheus.MustRegister(AgreementRestarts)
        prometheus.MustRegister(AgreementLatency)
        prometheus.MustRegister(Shrinks)
        prometheus.MustRegister(ReplaceAttempts)
        prometheus.MustRegister(Spawned)
        prometheus.MustRegister(EnvelopesSent)
        prometheus.MustRegister(SendFailures)
        prometheus.MustRegister(GRPCConnDials)
        prometheus.MustRegister(GRPCConnReuse)
        prometheus.MustRegister(GRPCConnEvictions)
        prometheus.MustRegister(GRPCConnActive)
    })
}
