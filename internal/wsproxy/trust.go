package wsproxy

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"sync"

	"golang.org/x/crypto/pkcs12"
)

// TrustAdditionalCA is one entry of a connection's additional CA bundle: the
// PEM text itself, or a path to read it from on first use.
type TrustAdditionalCA struct {
	Cert     string
	CertPath string
}

// ClientCertificate describes a PKCS#12 bundle used for mutual TLS to a
// specific upstream host.
type ClientCertificate struct {
	PFXPath    string
	Passphrase string
}

// TrustStore materializes the system root pool plus any additional trusted
// CAs exactly once per handler instance (§3's "memoized future" invariant),
// and resolves per-host client certificates for mutual TLS.
type TrustStore struct {
	additional []TrustAdditionalCA
	clientCert map[string]ClientCertificate

	once     sync.Once
	pool     *x509.CertPool
	poolErr  error
	pemCount int
}

// NewTrustStore builds a TrustStore from the Passthrough connection options
// of §3. Materialization is deferred until the first call to Pool.
func NewTrustStore(additional []TrustAdditionalCA, clientCert map[string]ClientCertificate) *TrustStore {
	return &TrustStore{additional: additional, clientCert: clientCert}
}

// Pool returns the materialized trust pool, computing it at most once.
func (t *TrustStore) Pool() (*x509.CertPool, error) {
	t.once.Do(func() {
		pool, err := x509.SystemCertPool()
		if err != nil || pool == nil {
			pool = x509.NewCertPool()
		}
		for _, ca := range t.additional {
			pem := ca.Cert
			if pem == "" && ca.CertPath != "" {
				data, err := os.ReadFile(ca.CertPath) //nolint:gosec // G304: operator-configured path
				if err != nil {
					t.poolErr = fmt.Errorf("reading trustAdditionalCAs certPath %q: %w", ca.CertPath, err)
					return
				}
				pem = string(data)
			}
			if pem == "" {
				continue
			}
			if !pool.AppendCertsFromPEM([]byte(pem)) {
				t.poolErr = fmt.Errorf("trustAdditionalCAs entry is not a valid PEM certificate")
				return
			}
			t.pemCount++
		}
		t.pool = pool
	})
	return t.pool, t.poolErr
}

// PEMCount reports how many additional CA entries were successfully
// materialized into the pool — used to verify the §8 invariant that every
// trustAdditionalCAs entry contributes exactly one PEM string.
func (t *TrustStore) PEMCount() int { return t.pemCount }

// ClientCertificateFor loads the PKCS#12 client certificate configured for
// host, if any. Mutual-TLS bundles are decoded lazily and not cached across
// calls: they are only needed once per dial, unlike the shared trust pool.
func (t *TrustStore) ClientCertificateFor(host string) (*tls.Certificate, error) {
	cc, ok := t.clientCert[host]
	if !ok {
		return nil, nil
	}
	data, err := os.ReadFile(cc.PFXPath) //nolint:gosec // G304: operator-configured path
	if err != nil {
		return nil, fmt.Errorf("reading clientCertificateHostMap pfx for %q: %w", host, err)
	}
	key, cert, err := pkcs12.Decode(data, cc.Passphrase)
	if err != nil {
		return nil, fmt.Errorf("decoding pfx for %q: %w", host, err)
	}
	return &tls.Certificate{
		Certificate: [][]byte{cert.Raw},
		PrivateKey:  key,
		Leaf:        cert,
	}, nil
}
