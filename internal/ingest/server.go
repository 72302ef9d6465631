package ingest

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
)

// ServerTLSConfig loads the server key pair and the CA used to verify
// gateway client certificates. Clients without a valid certificate are
// rejected during the handshake.
func ServerTLSConfig(certPath, keyPath, caPath string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, fmt.Errorf("load server key pair: %w", err)
	}
	pool, err := loadCAPool(caPath)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientCAs:    pool,
		ClientAuth:   tls.RequireAndVerifyClientCert,
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// ClientTLSConfig builds the gateway side of mutual TLS. The client
// certificate and key must be given together; both empty yields a
// server-authenticated connection only.
func ClientTLSConfig(caPath, certPath, keyPath string) (*tls.Config, error) {
	if (certPath == "") != (keyPath == "") {
		return nil, errors.New("mTLS requires both client cert and client key")
	}
	pool, err := loadCAPool(caPath)
	if err != nil {
		return nil, err
	}
	cfg := &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}
	if certPath != "" {
		cert, err := tls.LoadX509KeyPair(certPath, keyPath)
		if err != nil {
			return nil, fmt.Errorf("load client key pair: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}

func loadCAPool(caPath string) (*x509.CertPool, error) {
	if caPath == "" {
		return nil, errors.New("CA certificate path is required")
	}
	pem, err := os.ReadFile(caPath)
	if err != nil {
		return nil, fmt.Errorf("read CA certificate: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificates found in %s", caPath)
	}
	return pool, nil
}

// NewServer builds a gRPC server serving srv. With a non-nil tlsCfg every
// connection is mutually authenticated.
func NewServer(tlsCfg *tls.Config, srv TelemetryIngestionServer, opts ...grpc.ServerOption) *grpc.Server {
	if tlsCfg != nil {
		opts = append(opts, grpc.Creds(credentials.NewTLS(tlsCfg)))
	}
	s := grpc.NewServer(opts...)
	RegisterTelemetryIngestionServer(s, srv)
	return s
}
