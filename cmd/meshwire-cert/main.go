// Package main is the entry point for the meshwire-cert binary, a utility
// for generating, inspecting and validating the certificate material used by
// meshwire nodes.
package main

import (
	"crypto/tls"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	tlstransport "github.com/meshwire/meshwire/internal/tls"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "meshwire-cert",
		Short: "Certificate utility for meshwire transport nodes",
		Long: `meshwire-cert generates, inspects and validates the certificate
material meshwire nodes serve and trust.

Examples:
  # Generate a full certificate suite for a service identity
  meshwire-cert generate --service users --dns users.internal --root ./certs

  # Generate a standalone self-signed certificate
  meshwire-cert generate --cn localhost --dns localhost --out ./certs

  # Inspect a certificate file
  meshwire-cert inspect ./certs/users/rsa/end.cert

  # Validate a certificate and its key
  meshwire-cert validate ./certs/users/rsa/end.cert --key ./certs/users/rsa/end.key`,
	}

	rootCmd.AddCommand(newGenerateCmd(), newInspectCmd(), newValidateCmd())
	return rootCmd
}

func newGenerateCmd() *cobra.Command {
	var (
		service    string
		root       string
		commonName string
		org        string
		dnsNames   []string
		ips        []string
		validFor   time.Duration
		keySize    int
		isCA       bool
		outDir     string
		certFile   string
		keyFile    string
	)

	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate certificate material",
		RunE: func(_ *cobra.Command, _ []string) error {
			if service != "" {
				hosts := dnsNames
				if len(hosts) == 0 {
					hosts = []string{service + ".internal"}
				}
				paths, err := tlstransport.GenerateServiceCertificates(root, service, hosts)
				if err != nil {
					return err
				}
				fmt.Printf("Certificate suite generated for %s:\n", service)
				fmt.Printf("  Certificate:  %s\n", paths.CertFile)
				fmt.Printf("  Private Key:  %s\n", paths.KeyFile)
				fmt.Printf("  Trust Bundle: %s\n", paths.BundleFile)
				fmt.Printf("  Hosts:        %s\n", strings.Join(hosts, ", "))
				return nil
			}

			var ipAddrs []net.IP
			for _, raw := range ips {
				ip := net.ParseIP(strings.TrimSpace(raw))
				if ip == nil {
					return fmt.Errorf("invalid IP address: %s", raw)
				}
				ipAddrs = append(ipAddrs, ip)
			}

			certPEM, keyPEM, err := tlstransport.GenerateCertificate(tlstransport.CertificateOptions{
				CommonName:   commonName,
				Organization: []string{org},
				DNSNames:     dnsNames,
				IPAddresses:  ipAddrs,
				ValidFor:     validFor,
				KeySize:      keySize,
				IsCA:         isCA,
			})
			if err != nil {
				return err
			}

			if err := os.MkdirAll(outDir, 0o755); err != nil {
				return fmt.Errorf("failed to create output directory: %w", err)
			}
			certPath := filepath.Join(outDir, certFile)
			keyPath := filepath.Join(outDir, keyFile)
			if err := tlstransport.WriteCertificateFiles(certPEM, keyPEM, certPath, keyPath); err != nil {
				return err
			}

			fmt.Printf("Certificate generated:\n")
			fmt.Printf("  Certificate: %s\n", certPath)
			fmt.Printf("  Private Key: %s\n", keyPath)
			fmt.Printf("  Common Name: %s\n", commonName)
			fmt.Printf("  Valid For:   %v\n", validFor)
			return nil
		},
	}

	cmd.Flags().StringVar(&service, "service", "", "Generate a CA-signed suite under {root}/{service}/rsa/")
	cmd.Flags().StringVar(&root, "root", ".", "Certificate root directory for --service")
	cmd.Flags().StringVar(&commonName, "cn", "localhost", "Common name for the certificate")
	cmd.Flags().StringVar(&org, "org", "Meshwire Dev", "Organization name")
	cmd.Flags().StringSliceVar(&dnsNames, "dns", nil, "DNS names (SANs)")
	cmd.Flags().StringSliceVar(&ips, "ips", nil, "IP address SANs")
	cmd.Flags().DurationVar(&validFor, "valid-for", 365*24*time.Hour, "Certificate validity duration")
	cmd.Flags().IntVar(&keySize, "key-size", 2048, "RSA key size in bits")
	cmd.Flags().BoolVar(&isCA, "ca", false, "Generate a CA certificate")
	cmd.Flags().StringVar(&outDir, "out", ".", "Output directory for standalone certificates")
	cmd.Flags().StringVar(&certFile, "cert", "cert.pem", "Output certificate file name")
	cmd.Flags().StringVar(&keyFile, "key", "key.pem", "Output private key file name")

	return cmd
}

func newInspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <cert-file>",
		Short: "Display certificate details",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			cert, err := tlstransport.InspectCertificateFile(args[0])
			if err != nil {
				return err
			}

			fmt.Printf("Certificate Information:\n")
			fmt.Printf("  File:        %s\n", args[0])
			fmt.Printf("  Subject:     %s\n", cert.Subject)
			fmt.Printf("  Issuer:      %s\n", cert.Issuer)
			fmt.Printf("  Valid From:  %s\n", cert.NotBefore.Format(time.RFC3339))
			fmt.Printf("  Valid Until: %s\n", cert.NotAfter.Format(time.RFC3339))
			fmt.Printf("  Status:      %s\n", certStatus(cert.NotBefore, cert.NotAfter))
			if len(cert.DNSNames) > 0 {
				fmt.Printf("  DNS Names:   %s\n", strings.Join(cert.DNSNames, ", "))
			}
			if len(cert.IPAddresses) > 0 {
				ips := make([]string, len(cert.IPAddresses))
				for i, ip := range cert.IPAddresses {
					ips[i] = ip.String()
				}
				fmt.Printf("  IP Addresses: %s\n", strings.Join(ips, ", "))
			}
			return nil
		},
	}
}

func newValidateCmd() *cobra.Command {
	var keyFile string

	cmd := &cobra.Command{
		Use:   "validate <cert-file>",
		Short: "Validate a certificate file and optionally its key pair",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			if err := tlstransport.ValidateCertificateFile(args[0]); err != nil {
				return fmt.Errorf("certificate validation failed: %w", err)
			}
			if keyFile != "" {
				if _, err := tls.LoadX509KeyPair(args[0], keyFile); err != nil {
					return fmt.Errorf("key pair validation failed: %w", err)
				}
			}
			fmt.Println("Certificate is valid")
			return nil
		},
	}

	cmd.Flags().StringVar(&keyFile, "key", "", "Private key file to validate against the certificate")
	return cmd
}

func certStatus(notBefore, notAfter time.Time) string {
	now := time.Now()
	switch {
	case now.After(notAfter):
		return fmt.Sprintf("EXPIRED (%v ago)", now.Sub(notAfter).Truncate(time.Hour))
	case now.Before(notBefore):
		return fmt.Sprintf("NOT YET VALID (valid in %v)", notBefore.Sub(now).Truncate(time.Hour))
	case notAfter.Sub(now) < 30*24*time.Hour:
		return fmt.Sprintf("EXPIRES SOON (in %v)", notAfter.Sub(now).Truncate(time.Hour))
	default:
		return fmt.Sprintf("VALID (expires in %v)", notAfter.Sub(now).Truncate(time.Hour))
	}
}
