package tls

import (
	"crypto/x509"
	"encoding/pem"
	"os"
)

// TrustBundle holds the trust anchors extracted from a certificate-chain file
// plus the server name the peer must present. A bundle is built fresh for
// every connection attempt and discarded afterwards; there is no cross-call
// trust-store reuse.
type TrustBundle struct {
	Path string
	Host string

	pool  *x509.CertPool
	count int
}

// LoadTrustBundle reads the PEM file at path and builds a trust-anchor set
// from every certificate it contains. host is the server name to validate the
// peer against. The file is re-read and re-parsed on every call; per-call cost
// is dominated by the network round trip.
func LoadTrustBundle(path, host string) (*TrustBundle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, NewCertificateLoadError(path, err)
	}

	pool := x509.NewCertPool()
	count := 0
	for rest := data; len(rest) > 0; {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			continue
		}
		pool.AddCert(cert)
		count++
	}

	if count == 0 {
		return nil, NewCertificateParseError(path)
	}

	return &TrustBundle{
		Path:  path,
		Host:  host,
		pool:  pool,
		count: count,
	}, nil
}

// CertPool returns the trust-anchor set.
func (b *TrustBundle) CertPool() *x509.CertPool {
	return b.pool
}

// Len reports the number of trust anchors in the bundle.
func (b *TrustBundle) Len() int {
	return b.count
}
