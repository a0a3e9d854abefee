package tls

import (
	"crypto/x509"
	"testing"
)

func TestGenerateSelfSignedCert(t *testing.T) {
	t.Parallel()

	cert, err := GenerateSelfSignedCert("relay.example.com")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	parsed, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		t.Fatalf("failed to parse generated certificate: %v", err)
	}

	if parsed.Subject.CommonName != "relay.example.com" {
		t.Errorf("CommonName: got %q", parsed.Subject.CommonName)
	}

	names := map[string]bool{}
	for _, n := range parsed.DNSNames {
		names[n] = true
	}
	if !names["relay.example.com"] || !names["localhost"] {
		t.Errorf("DNSNames: got %v, want hostname and localhost", parsed.DNSNames)
	}
}

func TestGenerateSelfSignedCert_EmptyHostname(t *testing.T) {
	t.Parallel()

	cert, err := GenerateSelfSignedCert("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	parsed, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		t.Fatalf("failed to parse generated certificate: %v", err)
	}
	if parsed.Subject.CommonName != "localhost" {
		t.Errorf("CommonName: got %q, want localhost fallback", parsed.Subject.CommonName)
	}
}

func TestLoadOrGenerate_SelfSigned(t *testing.T) {
	t.Parallel()

	cfg, err := LoadOrGenerate("", "", "relay.example.com")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cfg.Certificates) != 1 {
		t.Errorf("certificates: got %d, want 1", len(cfg.Certificates))
	}
	if cfg.MinVersion < 0x0303 { // TLS 1.2
		t.Errorf("MinVersion: got %x", cfg.MinVersion)
	}
}

func TestLoadOrGenerate_MissingFiles(t *testing.T) {
	t.Parallel()

	if _, err := LoadOrGenerate("/nonexistent/cert.pem", "/nonexistent/key.pem", "x"); err == nil {
		t.Error("expected error for missing certificate files")
	}
}
