package tls

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"
)

// CertificateOptions controls certificate generation for the cert tool and
// for tests.
type CertificateOptions struct {
	CommonName   string
	Organization []string
	DNSNames     []string
	IPAddresses  []net.IP
	ValidFor     time.Duration
	IsCA         bool
	KeySize      int
	SerialNumber *big.Int
	ParentCert   *x509.Certificate
	ParentKey    any
}

// GenerateCertificate generates a PEM-encoded certificate and PKCS#8 private
// key. Without a parent it is self-signed; with one it is signed by that CA.
func GenerateCertificate(opts CertificateOptions) (certPEM, keyPEM []byte, err error) {
	if opts.ValidFor == 0 {
		opts.ValidFor = 365 * 24 * time.Hour
	}
	if opts.KeySize == 0 {
		opts.KeySize = 2048
	}
	if opts.SerialNumber == nil {
		opts.SerialNumber = big.NewInt(1)
	}
	if opts.CommonName == "" {
		opts.CommonName = "localhost"
	}

	privateKey, err := rsa.GenerateKey(rand.Reader, opts.KeySize)
	if err != nil {
		return nil, nil, fmt.Errorf("generate private key: %w", err)
	}

	template := x509.Certificate{
		SerialNumber: opts.SerialNumber,
		Subject: pkix.Name{
			CommonName:   opts.CommonName,
			Organization: opts.Organization,
		},
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(opts.ValidFor),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              opts.DNSNames,
		IPAddresses:           opts.IPAddresses,
	}

	if len(template.DNSNames) == 0 && len(template.IPAddresses) == 0 {
		template.DNSNames = []string{"localhost"}
		template.IPAddresses = []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback}
	}

	if opts.IsCA {
		template.IsCA = true
		template.KeyUsage |= x509.KeyUsageCertSign
	}

	parentCert := &template
	var parentKey any = privateKey
	if opts.ParentCert != nil && opts.ParentKey != nil {
		parentCert = opts.ParentCert
		parentKey = opts.ParentKey
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, parentCert, &privateKey.PublicKey, parentKey)
	if err != nil {
		return nil, nil, fmt.Errorf("create certificate: %w", err)
	}

	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})

	keyDER, err := x509.MarshalPKCS8PrivateKey(privateKey)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal private key: %w", err)
	}
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER})

	return certPEM, keyPEM, nil
}

// WriteCertificateFiles writes a certificate and key pair to disk, the key
// with restricted permissions.
func WriteCertificateFiles(certPEM, keyPEM []byte, certFile, keyFile string) error {
	if err := os.WriteFile(certFile, certPEM, 0o644); err != nil {
		return fmt.Errorf("write certificate file: %w", err)
	}
	if err := os.WriteFile(keyFile, keyPEM, 0o600); err != nil {
		return fmt.Errorf("write key file: %w", err)
	}
	return nil
}

// ServiceCertificatePaths describes the on-disk material produced for one
// service identity.
type ServiceCertificatePaths struct {
	CertFile   string
	KeyFile    string
	BundleFile string
}

// GenerateServiceCertificates creates a CA plus an end-entity certificate for
// the given service under the conventional layout:
//
//	{root}/{service}/rsa/end.cert    server certificate chain
//	{root}/{service}/rsa/end.key     PKCS#8 private key
//	{root}/{service}/rsa/ca.cert     trust bundle for clients of this service
//
// hosts become the certificate's subject alternative names; clients validate
// the connection against the first one.
func GenerateServiceCertificates(root, service string, hosts []string) (*ServiceCertificatePaths, error) {
	dir := filepath.Join(root, service, "rsa")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create certificate directory: %w", err)
	}

	caCertPEM, caKeyPEM, err := GenerateCertificate(CertificateOptions{
		CommonName:   service + " CA",
		Organization: []string{"meshwire"},
		IsCA:         true,
		ValidFor:     10 * 365 * 24 * time.Hour,
		SerialNumber: big.NewInt(1),
	})
	if err != nil {
		return nil, fmt.Errorf("generate CA certificate: %w", err)
	}

	caBlock, _ := pem.Decode(caCertPEM)
	caCert, err := x509.ParseCertificate(caBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse CA certificate: %w", err)
	}
	caKeyBlock, _ := pem.Decode(caKeyPEM)
	caKey, err := x509.ParsePKCS8PrivateKey(caKeyBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse CA key: %w", err)
	}

	commonName := service
	if len(hosts) > 0 {
		commonName = hosts[0]
	}
	endCertPEM, endKeyPEM, err := GenerateCertificate(CertificateOptions{
		CommonName:   commonName,
		Organization: []string{"meshwire"},
		DNSNames:     hosts,
		SerialNumber: big.NewInt(2),
		ParentCert:   caCert,
		ParentKey:    caKey,
	})
	if err != nil {
		return nil, fmt.Errorf("generate service certificate: %w", err)
	}

	paths := &ServiceCertificatePaths{
		CertFile:   filepath.Join(dir, "end.cert"),
		KeyFile:    filepath.Join(dir, "end.key"),
		BundleFile: filepath.Join(dir, "ca.cert"),
	}

	if err := WriteCertificateFiles(endCertPEM, endKeyPEM, paths.CertFile, paths.KeyFile); err != nil {
		return nil, err
	}
	if err := os.WriteFile(paths.BundleFile, caCertPEM, 0o644); err != nil {
		return nil, fmt.Errorf("write trust bundle: %w", err)
	}

	return paths, nil
}

// InspectCertificateFile parses the first certificate in a PEM file and
// returns its leaf, for the cert tool's inspect and validate commands.
func InspectCertificateFile(path string) (*x509.Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, NewCertificateLoadError(path, err)
	}

	block, _ := pem.Decode(data)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, NewCertificateParseError(path)
	}

	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, NewCertificateParseError(path).WithContext("parse_error", err.Error())
	}
	return cert, nil
}

// ValidateCertificateFile checks that the first certificate in the file is
// currently within its validity period.
func ValidateCertificateFile(path string) error {
	cert, err := InspectCertificateFile(path)
	if err != nil {
		return err
	}

	now := time.Now()
	if now.Before(cert.NotBefore) {
		return NewTransportError(ErrorTypeCertificateLoad, "certificate is not yet valid").
			WithContext("path", path).
			WithContext("not_before", cert.NotBefore)
	}
	if now.After(cert.NotAfter) {
		return NewTransportError(ErrorTypeCertificateLoad, "certificate has expired").
			WithContext("path", path).
			WithContext("not_after", cert.NotAfter)
	}
	return nil
}
