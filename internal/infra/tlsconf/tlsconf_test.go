package tlsconf

import (
	"crypto/tls"
	"errors"
	"os"
	"testing"

	"sensorhub/internal/domain"
	"sensorhub/internal/infra/config"
)

func TestDisabledReturnsNil(t *testing.T) {
	for _, build := range []func(config.TLSConfig) (*tls.Config, error){Server, Client} {
		tc, err := build(config.TLSConfig{Enabled: false})
		if err != nil {
			t.Fatalf("disabled TLS errored: %v", err)
		}
		if tc != nil {
			t.Fatal("disabled TLS returned a config")
		}
	}
}

func TestSelfSignedServerConfig(t *testing.T) {
	cfg := config.TLSConfig{Enabled: true, SelfSigned: true, CertDir: t.TempDir()}

	tc, err := Server(cfg)
	if err != nil {
		t.Fatalf("Server: %v", err)
	}
	if tc.MinVersion != tls.VersionTLS12 {
		t.Errorf("min version = %x, want TLS 1.2", tc.MinVersion)
	}
	if len(tc.Certificates) != 1 {
		t.Fatalf("certificates = %d, want 1", len(tc.Certificates))
	}

	certPath, keyPath := selfSignedPaths(cfg)
	if !certValid(certPath, keyPath) {
		t.Error("generated cert pair does not validate")
	}

	// A second build reuses the existing pair instead of regenerating.
	before, err := os.ReadFile(certPath)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := Server(cfg); err != nil {
		t.Fatalf("second Server: %v", err)
	}
	after, err := os.ReadFile(certPath)
	if err != nil {
		t.Fatal(err)
	}
	if string(before) != string(after) {
		t.Error("certificate regenerated despite valid pair on disk")
	}
}

func TestServerMissingCertFiles(t *testing.T) {
	_, err := Server(config.TLSConfig{Enabled: true, CertFile: "/nonexistent.crt", KeyFile: "/nonexistent.key"})
	if !errors.Is(err, domain.ErrTLSConfig) {
		t.Fatalf("err = %v, want ErrTLSConfig", err)
	}
}

func TestServerClientCertRequiresCA(t *testing.T) {
	cfg := config.TLSConfig{
		Enabled: true, SelfSigned: true, CertDir: t.TempDir(),
		RequireClientCert: true,
	}
	if _, err := Server(cfg); !errors.Is(err, domain.ErrTLSConfig) {
		t.Fatalf("err = %v, want ErrTLSConfig without ca_file", err)
	}

	// The hub's own cert can act as the CA for loopback tests.
	certPath, _ := selfSignedPaths(cfg)
	cfg.CAFile = certPath
	tc, err := Server(cfg)
	if err != nil {
		t.Fatalf("Server with ca_file: %v", err)
	}
	if tc.ClientAuth != tls.RequireAndVerifyClientCert {
		t.Errorf("client auth = %v", tc.ClientAuth)
	}
	if tc.ClientCAs == nil {
		t.Error("client CA pool missing")
	}
}

func TestClientTrustModes(t *testing.T) {
	dir := t.TempDir()
	if _, err := Server(config.TLSConfig{Enabled: true, SelfSigned: true, CertDir: dir}); err != nil {
		t.Fatal(err)
	}
	certPath, _ := selfSignedPaths(config.TLSConfig{CertDir: dir})

	// With a CA file: verification on, pool populated.
	tc, err := Client(config.TLSConfig{Enabled: true, CAFile: certPath})
	if err != nil {
		t.Fatalf("Client with CA: %v", err)
	}
	if tc.InsecureSkipVerify || tc.RootCAs == nil {
		t.Error("CA-backed client config wrong")
	}

	// Self-signed without a CA file: bring-up mode skips verification.
	tc, err = Client(config.TLSConfig{Enabled: true, SelfSigned: true})
	if err != nil {
		t.Fatal(err)
	}
	if !tc.InsecureSkipVerify {
		t.Error("self-signed bring-up mode should skip verification")
	}
}

func TestSelfSignedHandshake(t *testing.T) {
	dir := t.TempDir()
	serverConf, err := Server(config.TLSConfig{Enabled: true, SelfSigned: true, CertDir: dir})
	if err != nil {
		t.Fatal(err)
	}
	certPath, _ := selfSignedPaths(config.TLSConfig{CertDir: dir})
	clientConf, err := Client(config.TLSConfig{Enabled: true, CAFile: certPath})
	if err != nil {
		t.Fatal(err)
	}
	clientConf.ServerName = "localhost"

	ln, err := tls.Listen("tcp", "127.0.0.1:0", serverConf)
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	done := make(chan error, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			done <- err
			return
		}
		defer conn.Close()
		buf := make([]byte, 5)
		_, err = conn.Read(buf)
		done <- err
	}()

	conn, err := tls.Dial("tcp", ln.Addr().String(), clientConf)
	if err != nil {
		t.Fatalf("handshake failed: %v", err)
	}
	if _, err := conn.Write([]byte("hello")); err != nil {
		t.Fatal(err)
	}
	conn.Close()
	if err := <-done; err != nil {
		t.Fatalf("server read: %v", err)
	}
}
