// Package tlsbootstrap generates the private CA and server certificate that
// benchroom serves https:// endpoints with. Runners trust the CA and
// authenticate with bearer tokens, so no client certificates are issued.
package tlsbootstrap

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/buildkite/benchroom/internal/tlsconfig"
)

const (
	caValidity     = 5 * 365 * 24 * time.Hour
	serverValidity = 365 * 24 * time.Hour
)

var defaultHosts = []string{"localhost", "127.0.0.1", "::1"}

// KeyPair holds PEM-encoded certificate and private key material.
type KeyPair struct {
	CertPEM []byte
	KeyPEM  []byte
}

type Options struct {
	// Hosts are added to the server certificate alongside localhost.
	Hosts []string
	// Force replaces the CA too. Without it an existing CA is reused so
	// runners that already trust it keep working.
	Force bool
	Now   func() time.Time
}

type pemFile struct {
	name string
	data []byte
	perm os.FileMode
}

// Result reports what Init wrote.
type Result struct {
	ReusedCA bool
	Hosts    []string
}

// Init writes the CA and server key pairs into dir under the names tlsconfig
// discovers, issuing a fresh server certificate every time.
func Init(dir string, opts Options) (Result, error) {
	now := time.Now()
	if opts.Now != nil {
		now = opts.Now()
	}
	hosts := slices.Clone(defaultHosts)
	for _, host := range opts.Hosts {
		if host != "" && !slices.Contains(hosts, host) {
			hosts = append(hosts, host)
		}
	}
	result := Result{Hosts: hosts}

	ca, err := loadCA(dir)
	switch {
	case err == nil && !opts.Force:
		result.ReusedCA = true
	case opts.Force, errors.Is(err, os.ErrNotExist):
		if ca, err = GenerateCA(now); err != nil {
			return Result{}, err
		}
	default:
		return Result{}, fmt.Errorf("existing CA in %s is unusable (use --force to replace it): %w", dir, err)
	}
	server, err := IssueServerCert(ca, hosts, now)
	if err != nil {
		return Result{}, err
	}

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return Result{}, fmt.Errorf("create TLS directory: %w", err)
	}
	files := []pemFile{
		{tlsconfig.CertFile, server.CertPEM, 0o644},
		{tlsconfig.KeyFile, server.KeyPEM, 0o600},
	}
	if !result.ReusedCA {
		files = append(files, pemFile{tlsconfig.CAFile, ca.CertPEM, 0o644}, pemFile{tlsconfig.CAKey, ca.KeyPEM, 0o600})
	}
	for _, f := range files {
		if err := os.WriteFile(filepath.Join(dir, f.name), f.data, f.perm); err != nil {
			return Result{}, fmt.Errorf("write %s: %w", f.name, err)
		}
	}
	return result, nil
}

// GenerateCA creates a self-signed ECDSA P-256 CA certificate.
func GenerateCA(now time.Time) (*KeyPair, error) {
	template := &x509.Certificate{
		Subject:               pkix.Name{CommonName: "benchroom-ca"},
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              now.Add(caValidity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLenZero:        true,
	}
	return sign(template, nil, nil)
}

// IssueServerCert signs a server-auth leaf for hosts. Entries that parse as IP
// addresses become IP SANs.
func IssueServerCert(ca *KeyPair, hosts []string, now time.Time) (*KeyPair, error) {
	if len(hosts) == 0 {
		return nil, errors.New("server certificate needs at least one host")
	}
	caCert, caKey, err := ca.parse()
	if err != nil {
		return nil, fmt.Errorf("CA: %w", err)
	}
	template := &x509.Certificate{
		Subject:     pkix.Name{CommonName: "benchroom-server"},
		NotBefore:   now.Add(-time.Minute),
		NotAfter:    now.Add(serverValidity),
		KeyUsage:    x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	for _, host := range hosts {
		if ip := net.ParseIP(host); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else {
			template.DNSNames = append(template.DNSNames, host)
		}
	}
	return sign(template, caCert, caKey)
}

// sign generates a key for template and signs it with parentKey, or self-signs
// when parent is nil.
func sign(template, parent *x509.Certificate, parentKey *ecdsa.PrivateKey) (*KeyPair, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key for %s: %w", template.Subject.CommonName, err)
	}
	if template.SerialNumber, err = rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128)); err != nil {
		return nil, fmt.Errorf("generate serial number: %w", err)
	}
	if parent == nil {
		parent, parentKey = template, key
	}
	der, err := x509.CreateCertificate(rand.Reader, template, parent, &key.PublicKey, parentKey)
	if err != nil {
		return nil, fmt.Errorf("create %s certificate: %w", template.Subject.CommonName, err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("marshal key: %w", err)
	}
	return &KeyPair{
		CertPEM: pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
		KeyPEM:  pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}),
	}, nil
}

func loadCA(dir string) (*KeyPair, error) {
	certPEM, err := os.ReadFile(filepath.Join(dir, tlsconfig.CAFile))
	if err != nil {
		return nil, err
	}
	keyPEM, err := os.ReadFile(filepath.Join(dir, tlsconfig.CAKey))
	if err != nil {
		return nil, err
	}
	kp := &KeyPair{CertPEM: certPEM, KeyPEM: keyPEM}
	if _, _, err := kp.parse(); err != nil {
		return nil, err
	}
	return kp, nil
}

func (kp *KeyPair) parse() (*x509.Certificate, *ecdsa.PrivateKey, error) {
	block, _ := pem.Decode(kp.CertPEM)
	if block == nil {
		return nil, nil, errors.New("certificate is not PEM")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, nil, fmt.Errorf("parse certificate: %w", err)
	}
	keyBlock, _ := pem.Decode(kp.KeyPEM)
	if keyBlock == nil {
		return nil, nil, errors.New("key is not PEM")
	}
	key, err := x509.ParseECPrivateKey(keyBlock.Bytes)
	if err != nil {
		return nil, nil, fmt.Errorf("parse key: %w", err)
	}
	if !key.PublicKey.Equal(cert.PublicKey) {
		return nil, nil, errors.New("key does not match certificate")
	}
	return cert, key, nil
}
