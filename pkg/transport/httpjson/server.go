package httpjson

import (
    "context"
    "crypto/tls"
    "encoding/json"
    "fmt"
    "log"
    "net"
    "net/http"
    "strconv"
    "sync"
    "time"

    "github.com/prometheus/client_golang/prometheus/promhttp"

    "github.com/amirimatin/go-ftcomm/pkg/ftcomm"
    "github.com/amirimatin/go-ftcomm/pkg/internal/logutil"
    "github.com/amirimatin/go-ftcomm/pkg/observability/tracing"
)

// Target is what the management API inspects; *ftcomm.Process implements it.
type Target interface {
    Status() ftcomm.ProcessStatus
    Alive() bool
    Lookup(handle int) (*ftcomm.Communicator, bool)
}

// Server is a minimal HTTP server exposing management endpoints for status,
// health, operator revocation and metrics. It is intended for operators and
// development tooling, never for fabric traffic.
type Server struct {
    bind   string
    mu     sync.Mutex
    srv    *http.Server
    addr   string
    logger *log.Logger
    tlsCfg *tls.Config
}

// NewServer binds to the given TCP address (e.g., ":17946").
func NewServer(bind string, logger *log.Logger) *Server {
    if logger == nil { logger = log.Default() }
    return &Server{bind: bind, logger: logger}
}

// UseTLS enables TLS for the HTTP server using the provided config.
func (s *Server) UseTLS(cfg *tls.Config) *Server { s.tlsCfg = cfg; return s }

type revokeResponse struct {
    CID   string `json:"cid,omitempty"`
    Error string `json:"error,omitempty"`
}

// Handler builds the management mux for t.
func Handler(t Target) http.Handler {
    mux := http.NewServeMux()
    mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
        if r.Method != http.MethodGet { http.Error(w, "method not allowed", http.StatusMethodNotAllowed); return }
        _, end := tracing.StartSpan(r.Context(), "http.status")
        defer end()
        w.Header().Set("Content-Type", "application/json")
        _ = json.NewEncoder(w).Encode(t.Status())
    })
    mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
        if r.Method != http.MethodGet { http.Error(w, "method not allowed", http.StatusMethodNotAllowed); return }
        if !t.Alive() { http.Error(w, "dead", http.StatusServiceUnavailable); return }
        w.WriteHeader(http.StatusOK)
        _, _ = w.Write([]byte("ok"))
    })
    // Prometheus metrics
    mux.Handle("/metrics", promhttp.Handler())
    mux.HandleFunc("/revoke", func(w http.ResponseWriter, r *http.Request) {
        if r.Method != http.MethodPost { http.Error(w, "method not allowed", http.StatusMethodNotAllowed); return }
        w.Header().Set("Content-Type", "application/json")
        h, err := strconv.Atoi(r.URL.Query().Get("handle"))
        if err != nil {
            w.WriteHeader(http.StatusBadRequest)
            _ = json.NewEncoder(w).Encode(revokeResponse{Error: fmt.Sprintf("bad handle: %v", err)})
            return
        }
        c, ok := t.Lookup(h)
        if !ok {
            w.WriteHeader(http.StatusNotFound)
            _ = json.NewEncoder(w).Encode(revokeResponse{Error: fmt.Sprintf("no communicator with handle %d", h)})
            return
        }
        _, end := tracing.StartSpan(r.Context(), "http.revoke", "cid", c.CID())
        defer end()
        c.Revoke()
        _ = json.NewEncoder(w).Encode(revokeResponse{CID: c.CID()})
    })
    return mux
}

// Start launches the HTTP server for t. The server is shut down when the
// context is canceled.
func (s *Server) Start(ctx context.Context, t Target) error {
    ln, err := net.Listen("tcp", s.bind)
    if err != nil { return err }
    if s.tlsCfg != nil {
        ln = tls.NewListener(ln, s.tlsCfg)
    }
    srv := &http.Server{Handler: Handler(t), ReadHeaderTimeout: 5 * time.Second}
    s.mu.Lock()
    s.srv, s.addr = srv, ln.Addr().String()
    s.mu.Unlock()

    go func() {
        <-ctx.Done()
        _ = s.Stop(context.Background())
    }()
    go func() {
        if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
            logutil.Errorf(s.logger, "httpjson: server error: %v", err)
        }
    }()
    return nil
}

// Addr returns the bound address once started, else the configured one.
func (s *Server) Addr() string {
    s.mu.Lock()
    defer s.mu.Unlock()
    if s.addr != "" { return s.addr }
    return s.bind
}

// Stop attempts a graceful shutdown with a short timeout.
func (s *Server) Stop(ctx context.Context) error {
    s.mu.Lock()
    srv := s.srv
    s.srv = nil
    s.mu.Unlock()
    if srv == nil { return nil }
    c, cancel := context.WithTimeout(ctx, 2*time.Second)
    defer cancel()
    return srv.Shutdown(c)
}
