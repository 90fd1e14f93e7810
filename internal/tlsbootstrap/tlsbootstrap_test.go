package tlsbootstrap

import (
	"bytes"
	"crypto/x509"
	"encoding/pem"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestServerCertVerifiesForEveryHost(t *testing.T) {
	t.Parallel()

	now := time.Now()
	ca, err := GenerateCA(now)
	if err != nil {
		t.Fatalf("GenerateCA: %v", err)
	}
	other, err := GenerateCA(now)
	if err != nil {
		t.Fatalf("GenerateCA: %v", err)
	}
	server, err := IssueServerCert(ca, []string{"bench.internal", "10.0.0.7"}, now)
	if err != nil {
		t.Fatalf("IssueServerCert: %v", err)
	}

	leaf := parseCert(t, server.CertPEM)
	for _, name := range []string{"bench.internal", "10.0.0.7"} {
		if _, err := leaf.Verify(x509.VerifyOptions{DNSName: name, Roots: pool(t, ca)}); err != nil {
			t.Fatalf("verify %s: %v", name, err)
		}
	}
	if _, err := leaf.Verify(x509.VerifyOptions{DNSName: "bench.internal", Roots: pool(t, other)}); err == nil {
		t.Fatal("expected verification against an unrelated CA to fail")
	}
	if len(leaf.IPAddresses) != 1 || !leaf.IPAddresses[0].Equal(net.ParseIP("10.0.0.7")) {
		t.Fatalf("unexpected IP SANs: %v", leaf.IPAddresses)
	}
	if _, err := IssueServerCert(ca, nil, now); err == nil {
		t.Fatal("expected an error without hosts")
	}
}

func TestInitWritesMaterial(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	result, err := Init(dir, Options{Hosts: []string{"bench.internal", "localhost"}})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if result.ReusedCA {
		t.Fatal("expected a fresh CA in an empty directory")
	}
	if got, want := len(result.Hosts), 4; got != want {
		t.Fatalf("unexpected hosts %v: duplicates should be dropped", result.Hosts)
	}

	for name, perm := range map[string]os.FileMode{"ca.pem": 0o644, "ca.key": 0o600, "server.pem": 0o644, "server.key": 0o600} {
		info, err := os.Stat(filepath.Join(dir, name))
		if err != nil {
			t.Fatalf("expected %s to exist: %v", name, err)
		}
		if info.Mode().Perm() != perm {
			t.Fatalf("unexpected %s permissions: got %o want %o", name, info.Mode().Perm(), perm)
		}
	}
	leaf := parseCert(t, readFile(t, dir, "server.pem"))
	if len(leaf.DNSNames) != 2 || leaf.DNSNames[0] != "localhost" || leaf.DNSNames[1] != "bench.internal" {
		t.Fatalf("unexpected DNS SANs: %v", leaf.DNSNames)
	}
}

func TestInitReusesCAUnlessForced(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	if _, err := Init(dir, Options{}); err != nil {
		t.Fatalf("Init: %v", err)
	}
	firstCA := readFile(t, dir, "ca.pem")

	result, err := Init(dir, Options{Hosts: []string{"runner-gw"}})
	if err != nil {
		t.Fatalf("second Init: %v", err)
	}
	if !result.ReusedCA || !bytes.Equal(readFile(t, dir, "ca.pem"), firstCA) {
		t.Fatal("expected the existing CA to be kept")
	}
	ca := &KeyPair{CertPEM: firstCA, KeyPEM: readFile(t, dir, "ca.key")}
	if _, err := parseCert(t, readFile(t, dir, "server.pem")).Verify(x509.VerifyOptions{DNSName: "runner-gw", Roots: pool(t, ca)}); err != nil {
		t.Fatalf("reissued server certificate should chain to the kept CA: %v", err)
	}

	if result, err = Init(dir, Options{Force: true}); err != nil {
		t.Fatalf("forced Init: %v", err)
	}
	if result.ReusedCA || bytes.Equal(readFile(t, dir, "ca.pem"), firstCA) {
		t.Fatal("expected --force to replace the CA")
	}
}

func TestInitRejectsMismatchedCA(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	if _, err := Init(dir, Options{}); err != nil {
		t.Fatalf("Init: %v", err)
	}
	other, err := GenerateCA(time.Now())
	if err != nil {
		t.Fatalf("GenerateCA: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "ca.key"), other.KeyPEM, 0o600); err != nil {
		t.Fatalf("write ca.key: %v", err)
	}
	if _, err := Init(dir, Options{}); err == nil {
		t.Fatal("expected a CA whose key does not match to be refused")
	}
	if _, err := Init(dir, Options{Force: true}); err != nil {
		t.Fatalf("forced Init should replace an unusable CA: %v", err)
	}
}

func readFile(t *testing.T, dir, name string) []byte {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		t.Fatalf("read %s: %v", name, err)
	}
	return data
}

func pool(t *testing.T, ca *KeyPair) *x509.CertPool {
	t.Helper()
	p := x509.NewCertPool()
	p.AddCert(parseCert(t, ca.CertPEM))
	return p
}

func parseCert(t *testing.T, pemData []byte) *x509.Certificate {
	t.Helper()
	block, _ := pem.Decode(pemData)
	if block == nil {
		t.Fatal("failed to decode PEM")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		t.Fatalf("parse certificate: %v", err)
	}
	return cert
}
