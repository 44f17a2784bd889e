// Package tlsconf builds tls.Config values for the command and transfer
// channels. TLS is optional; both channels share one configuration block.
package tlsconf

import (
	"crypto/tls"
	"crypto/x509"
	"os"
	"path/filepath"

	"sensorhub/internal/domain"
	"sensorhub/internal/infra/config"
)

// Server builds the listener-side TLS configuration. Returns (nil, nil)
// when TLS is disabled. Minimum version is TLS 1.2; mutual auth is enforced
// when require_client_cert is set.
func Server(cfg config.TLSConfig) (*tls.Config, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	certFile, keyFile := cfg.CertFile, cfg.KeyFile
	if cfg.SelfSigned {
		var err error
		certFile, keyFile, err = ensureSelfSigned(cfg)
		if err != nil {
			return nil, domain.NewDomainError("tlsconf.Server", domain.ErrTLSConfig, err.Error())
		}
	}

	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, domain.NewDomainError("tlsconf.Server", domain.ErrTLSConfig, err.Error())
	}

	tc := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}

	if cfg.RequireClientCert {
		pool, err := loadCAPool(cfg.CAFile)
		if err != nil {
			return nil, err
		}
		tc.ClientAuth = tls.RequireAndVerifyClientCert
		tc.ClientCAs = pool
	}
	return tc, nil
}

// Client builds the dial-side TLS configuration for hub-to-spoke command
// connections. Returns (nil, nil) when TLS is disabled.
func Client(cfg config.TLSConfig) (*tls.Config, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	tc := &tls.Config{MinVersion: tls.VersionTLS12}

	if cfg.CAFile != "" {
		pool, err := loadCAPool(cfg.CAFile)
		if err != nil {
			return nil, err
		}
		tc.RootCAs = pool
	} else if cfg.SelfSigned {
		// Spokes present self-signed certs during bring-up; without a CA
		// file there is nothing to verify against.
		tc.InsecureSkipVerify = true
	}

	if cfg.CertFile != "" && cfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, domain.NewDomainError("tlsconf.Client", domain.ErrTLSConfig, err.Error())
		}
		tc.Certificates = []tls.Certificate{cert}
	}
	return tc, nil
}

func loadCAPool(caFile string) (*x509.CertPool, error) {
	if caFile == "" {
		return nil, domain.NewDomainError("tlsconf.loadCAPool", domain.ErrTLSConfig,
			"client cert verification requires ca_file")
	}
	pem, err := os.ReadFile(caFile)
	if err != nil {
		return nil, domain.NewDomainError("tlsconf.loadCAPool", domain.ErrTLSConfig, err.Error())
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, domain.NewDomainError("tlsconf.loadCAPool", domain.ErrTLSConfig,
			"no certificates parsed from "+caFile)
	}
	return pool, nil
}

func selfSignedPaths(cfg config.TLSConfig) (string, string) {
	dir := cfg.CertDir
	if dir == "" {
		dir = "./certs"
	}
	return filepath.Join(dir, "hub.crt"), filepath.Join(dir, "hub.key")
}
