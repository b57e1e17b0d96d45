// Package tlsconfig turns file-based mTLS settings into tls.Config values for
// the fabric endpoint and the management API.
package tlsconfig

import (
    "crypto/tls"
    "crypto/x509"
    "errors"
    "fmt"
    "os"
    "sync"
    "time"
)

var ErrNoKeyPair = errors.New("tls: server cert/key required when TLS enabled")

// Options defines mTLS configuration inputs. Reload > 0 makes the key pair
// re-read from disk at most once per interval, for certificate rotation
// without a restart.
type Options struct {
    Enable             bool
    CAFile             string
    CertFile           string
    KeyFile            string
    InsecureSkipVerify bool
    ServerName         string
    Reload             time.Duration
}

func loadPool(path string) (*x509.CertPool, error) {
    pem, err := os.ReadFile(path)
    if err != nil { return nil, err }
    pool := x509.NewCertPool()
    if !pool.AppendCertsFromPEM(pem) { return nil, fmt.Errorf("tls: no certificates in %s", path) }
    return pool, nil
}

// keyPair caches the certificate loaded from disk.
type keyPair struct {
    cert, key string
    ttl       time.Duration

    mu       sync.Mutex
    cached   *tls.Certificate
    lastLoad time.Time
}

func (k *keyPair) get() (*tls.Certificate, error) {
    k.mu.Lock()
    defer k.mu.Unlock()
    if k.cached != nil && (k.ttl <= 0 || time.Since(k.lastLoad) < k.ttl) { return k.cached, nil }
    cert, err := tls.LoadX509KeyPair(k.cert, k.key)
    if err != nil {
        // keep serving the previous pair while a rotation is half written
        if k.cached != nil { return k.cached, nil }
        return nil, err
    }
    k.cached, k.lastLoad = &cert, time.Now()
    return k.cached, nil
}

// Server returns a tls.Config for servers if enabled, otherwise nil. With a
// CA file, client certificates are required and verified.
func (o Options) Server() (*tls.Config, error) {
    if !o.Enable { return nil, nil }
    if o.CertFile == "" || o.KeyFile == "" { return nil, ErrNoKeyPair }
    kp := &keyPair{cert: o.CertFile, key: o.KeyFile, ttl: o.Reload}
    if _, err := kp.get(); err != nil { return nil, err }
    cfg := &tls.Config{MinVersion: tls.VersionTLS12}
    cfg.GetCertificate = func(*tls.ClientHelloInfo) (*tls.Certificate, error) { return kp.get() }
    if o.CAFile != "" {
        pool, err := loadPool(o.CAFile)
        if err != nil { return nil, err }
        cfg.ClientCAs = pool
        cfg.ClientAuth = tls.RequireAndVerifyClientCert
    }
    return cfg, nil
}

// Client returns a tls.Config for clients if enabled, otherwise nil.
func (o Options) Client() (*tls.Config, error) {
    if !o.Enable { return nil, nil }
    cfg := &tls.Config{MinVersion: tls.VersionTLS12, InsecureSkipVerify: o.InsecureSkipVerify} //nolint:gosec
    if o.ServerName != "" { cfg.ServerName = o.ServerName }
    if o.CAFile != "" {
        pool, err := loadPool(o.CAFile)
        if err != nil { return nil, err }
        cfg.RootCAs = pool
    }
    if o.CertFile != "" && o.KeyFile != "" {
        kp := &keyPair{cert: o.CertFile, key: o.KeyFile, ttl: o.Reload}
        if _, err := kp.get(); err != nil { return nil, err }
        cfg.GetClientCertificate = func(*tls.CertificateRequestInfo) (*tls.Certificate, error) { return kp.get() }
    }
    return cfg, nil
}
