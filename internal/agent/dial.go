package agent

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"os"
	"time"
)

// DialConfig selects the transport for the controller connection.
type DialConfig struct {
	Address string

	// UseTLS wraps the connection in TLS. With Insecure set the peer
	// certificate is not verified; traffic is still encrypted. CAFile
	// pins a PEM trust root and implies full verification.
	UseTLS   bool
	Insecure bool
	CAFile   string

	Timeout time.Duration
}

// Dial establishes the raw connection, plain or TLS.
func Dial(ctx context.Context, cfg DialConfig) (net.Conn, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	dialer := &net.Dialer{Timeout: timeout}

	if !cfg.UseTLS {
		conn, err := dialer.DialContext(ctx, "tcp", cfg.Address)
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", cfg.Address, err)
		}
		return conn, nil
	}

	tlsCfg, err := clientTLSConfig(cfg)
	if err != nil {
		return nil, err
	}
	td := &tls.Dialer{NetDialer: dialer, Config: tlsCfg}
	conn, err := td.DialContext(ctx, "tcp", cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("dial tls %s: %w", cfg.Address, err)
	}
	return conn, nil
}

func clientTLSConfig(cfg DialConfig) (*tls.Config, error) {
	if cfg.CAFile != "" {
		pem, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read trust root: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", cfg.CAFile)
		}
		return &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}, nil
	}
	if cfg.Insecure {
		// Encrypted but unauthenticated; acceptable for self-signed
		// controllers on trusted networks.
		return &tls.Config{InsecureSkipVerify: true, MinVersion: tls.VersionTLS12}, nil
	}
	return &tls.Config{MinVersion: tls.VersionTLS12}, nil
}
