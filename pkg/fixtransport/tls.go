package fixtransport

import (
	"crypto/tls"
	"crypto/x509"
	"os"
)

// TLSConfig enumerates the TLS options spec.md §4.3 lists. Go's own
// crypto/tls and crypto/x509 implement the handshake itself; no pack
// library substitutes for the standard library here; see DESIGN.md.
type TLSConfig struct {
	CertFile          string
	KeyFile           string
	CAFile            string
	VerifyPeer        bool
	BufferSize        int
	ConnectionTimeout int64 // nanoseconds; zero means no explicit handshake deadline beyond the dial/accept timeout
}

// buildTLSConfig turns the enumerated options into a *tls.Config for
// either role. isServer selects client-auth (acceptor) vs server-cert
// validation (initiator) semantics.
func buildTLSConfig(opts TLSConfig, isServer bool) (*tls.Config, error) {
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}

	if opts.CertFile != "" || opts.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(opts.CertFile, opts.KeyFile)
		if err != nil {
			return nil, transportErrf(err, "loading TLS certificate/key pair")
		}
		cfg.Certificates = []tls.Certificate{cert}
	}

	if opts.CAFile != "" {
		pool, err := loadCAPool(opts.CAFile)
		if err != nil {
			return nil, err
		}
		if isServer {
			cfg.ClientCAs = pool
		} else {
			cfg.RootCAs = pool
		}
	}

	if isServer {
		if opts.VerifyPeer {
			cfg.ClientAuth = tls.RequireAndVerifyClientCert
		} else {
			cfg.ClientAuth = tls.NoClientCert
		}
	} else {
		cfg.InsecureSkipVerify = !opts.VerifyPeer
	}

	return cfg, nil
}

func loadCAPool(caFile string) (*x509.CertPool, error) {
	pem, err := os.ReadFile(caFile)
	if err != nil {
		return nil, transportErrf(err, "reading CA file %q", caFile)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, transportErrf(nil, "no certificates parsed from CA file %q", caFile)
	}
	return pool, nil
}
