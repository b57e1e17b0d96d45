package httpjson

import (
    "context"
    "crypto/tls"
    "encoding/json"
    "fmt"
    "io"
    "net/http"
    "time"

    "github.com/amirimatin/go-ftcomm/pkg/ftcomm"
)

// Client is a thin HTTP client for the management API. It supports optional
// TLS configuration and simple retry with backoff for robustness.
type Client struct {
    httpc     *http.Client
    transport *http.Transport
    isTLS     bool
}

// NewClient constructs a new Client with the given timeout.
func NewClient(timeout time.Duration) *Client {
    if timeout <= 0 { timeout = 3 * time.Second }
    tr := &http.Transport{}
    return &Client{httpc: &http.Client{Timeout: timeout, Transport: tr}, transport: tr}
}

// UseTLS sets the TLS config for the underlying HTTP client and switches the
// request scheme to https.
func (c *Client) UseTLS(cfg *tls.Config) *Client {
    if c.transport != nil { c.transport.TLSClientConfig = cfg }
    c.isTLS = cfg != nil
    return c
}

func (c *Client) url(addr, path string) string {
    scheme := "http"
    if c.isTLS { scheme = "https" }
    return fmt.Sprintf("%s://%s%s", scheme, addr, path)
}

// do sends the request up to three times with exponential pauses, and
// returns the body of the first response with an expected status.
func (c *Client) do(ctx context.Context, method, url string, ok ...int) (int, []byte, error) {
    var lastErr error
    for attempt := 0; attempt < 3; attempt++ {
        req, err := http.NewRequestWithContext(ctx, method, url, nil)
        if err != nil { return 0, nil, err }
        resp, err := c.httpc.Do(req)
        if err != nil {
            lastErr = err
        } else {
            b, rerr := io.ReadAll(resp.Body)
            resp.Body.Close()
            if rerr != nil {
                lastErr = rerr
            } else {
                for _, code := range ok {
                    if resp.StatusCode == code { return code, b, nil }
                }
                lastErr = fmt.Errorf("status %d: %s", resp.StatusCode, string(b))
                if resp.StatusCode < 500 { return resp.StatusCode, b, lastErr }
            }
        }
        // backoff unless context is done
        select {
        case <-ctx.Done():
            return 0, nil, ctx.Err()
        case <-time.After(time.Duration(100*(1<<attempt)) * time.Millisecond):
        }
    }
    return 0, nil, lastErr
}

// GetStatus fetches the status snapshot of the process managed at addr.
func (c *Client) GetStatus(ctx context.Context, addr string) (ftcomm.ProcessStatus, error) {
    var out ftcomm.ProcessStatus
    _, b, err := c.do(ctx, http.MethodGet, c.url(addr, "/status"), http.StatusOK)
    if err != nil { return out, err }
    if err := json.Unmarshal(b, &out); err != nil { return out, fmt.Errorf("httpjson: decode status: %w", err) }
    return out, nil
}

// Healthy reports whether the process at addr is alive. A dead process
// answers 503, which is not an error.
func (c *Client) Healthy(ctx context.Context, addr string) (bool, error) {
    code, _, err := c.do(ctx, http.MethodGet, c.url(addr, "/healthz"), http.StatusOK, http.StatusServiceUnavailable)
    if err != nil { return false, err }
    return code == http.StatusOK, nil
}

// Revoke asks the process at addr to revoke the communicator with handle,
// and returns its context id.
func (c *Client) Revoke(ctx context.Context, addr string, handle int) (string, error) {
    _, b, err := c.do(ctx, http.MethodPost, c.url(addr, fmt.Sprintf("/revoke?handle=%d", handle)), http.StatusOK)
    var out revokeResponse
    _ = json.Unmarshal(b, &out)
    if err != nil {
        if out.Error != "" { return "", fmt.Errorf("httpjson: revoke: %s", out.Error) }
        return "", err
    }
    return out.CID, nil
}
