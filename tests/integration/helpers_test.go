//go:build integration

package integration

import (
    "context"
    "crypto/rand"
    "crypto/rsa"
    "crypto/x509"
    "crypto/x509/pkix"
    "encoding/pem"
    "errors"
    "math/big"
    "net"
    "os"
    "path/filepath"
    "testing"
    "time"

    "github.com/stretchr/testify/require"

    "github.com/amirimatin/go-ftcomm/pkg/bootstrap"
)

var errNotYet = errors.New("not yet")

func waitUntil(t *testing.T, d time.Duration, f func() error) {
    t.Helper()
    deadline := time.Now().Add(d)
    var last error
    for time.Now().Before(deadline) {
        if last = f(); last == nil { return }
        time.Sleep(100 * time.Millisecond)
    }
    t.Fatalf("condition not met within %s: %v", d, last)
}

func freePort(t *testing.T) int {
    t.Helper()
    l, err := net.Listen("tcp", "127.0.0.1:0")
    require.NoError(t, err)
    defer l.Close()
    return l.Addr().(*net.TCPAddr).Port
}

// startNodes starts every config concurrently, since Start waits for the
// whole world to register.
func startNodes(t *testing.T, ctx context.Context, cfgs []bootstrap.Config) []*bootstrap.Node {
    t.Helper()
    type result struct {
        i   int
        n   *bootstrap.Node
        err error
    }
    out := make(chan result, len(cfgs))
    for i, cfg := range cfgs {
        go func(i int, cfg bootstrap.Config) {
            n, err := bootstrap.Start(ctx, cfg)
            out <- result{i, n, err}
        }(i, cfg)
    }
    nodes := make([]*bootstrap.Node, len(cfgs))
    for range cfgs {
        r := <-out
        require.NoError(t, r.err, "node %d", r.i)
        nodes[r.i] = r.n
        t.Cleanup(func() { _ = r.n.Close() })
    }
    return nodes
}

// mustMakeTestCerts writes a CA plus one node certificate valid for both
// serving and dialing on 127.0.0.1, and a client-only certificate.
func mustMakeTestCerts(t *testing.T, dir string) (caCrt, nodeCrt, nodeKey, cliCrt, cliKey string) {
    t.Helper()
    caPriv, _ := rsa.GenerateKey(rand.Reader, 2048)
    caTpl := &x509.Certificate{SerialNumber: big.NewInt(1), Subject: pkix.Name{CommonName: "go-ftcomm-ca"}, NotBefore: time.Now().Add(-time.Hour), NotAfter: time.Now().Add(48 * time.Hour), KeyUsage: x509.KeyUsageCertSign | x509.KeyUsageCRLSign, IsCA: true, BasicConstraintsValid: true}
    caDER, _ := x509.CreateCertificate(rand.Reader, caTpl, caTpl, &caPriv.PublicKey, caPriv)
    caCrt = filepath.Join(dir, "ca.crt")
    writePEM(t, caCrt, "CERTIFICATE", caDER)

    makeLeaf := func(cn, name string, usage ...x509.ExtKeyUsage) (string, string) {
        priv, _ := rsa.GenerateKey(rand.Reader, 2048)
        tpl := &x509.Certificate{SerialNumber: big.NewInt(time.Now().UnixNano()), Subject: pkix.Name{CommonName: cn}, NotBefore: time.Now().Add(-time.Hour), NotAfter: time.Now().Add(24 * time.Hour), KeyUsage: x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment, ExtKeyUsage: usage}
        tpl.IPAddresses = []net.IP{net.ParseIP("127.0.0.1")}
        der, _ := x509.CreateCertificate(rand.Reader, tpl, caTpl, &priv.PublicKey, caPriv)
        crt, key := filepath.Join(dir, name+".crt"), filepath.Join(dir, name+".key")
        writePEM(t, crt, "CERTIFICATE", der)
        writePEM(t, key, "RSA PRIVATE KEY", x509.MarshalPKCS1PrivateKey(priv))
        return crt, key
    }
    nodeCrt, nodeKey = makeLeaf("go-ftcomm-node", "node", x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth)
    cliCrt, cliKey = makeLeaf("go-ftcomm-client", "client", x509.ExtKeyUsageClientAuth)
    return
}

func writePEM(t *testing.T, path, typ string, der []byte) {
    t.Helper()
    f, err := os.Create(path)
    if err != nil { t.Fatalf("create %s: %v", path, err) }
    defer f.Close()
    if err := pem.Encode(f, &pem.Block{Type: typ, Bytes: der}); err != nil { t.Fatalf("pem encode %s: %v", path, err) }
}
