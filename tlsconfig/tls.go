package tlsconfig

import (
	"crypto/tls"
	"fmt"

	"maildove/internal/config"
)

// Client returns the base TLS configuration used for STARTTLS upgrades.
// ServerName is left empty; the session sets it to the MX host that
// accepted the connection (see ForHost).
func Client(c config.TLSConfig) (*tls.Config, error) {
	conf := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: !c.ValidatePeer,
	}
	if c.ClientCert == "" && c.ClientKey == "" {
		return conf, nil
	}
	if c.ClientCert == "" || c.ClientKey == "" {
		return nil, fmt.Errorf("tls: client certificate and key must be configured together")
	}
	cert, err := tls.LoadX509KeyPair(c.ClientCert, c.ClientKey)
	if err != nil {
		return nil, fmt.Errorf("tls: load client certificate: %w", err)
	}
	conf.Certificates = []tls.Certificate{cert}
	return conf, nil
}

// ForHost returns a copy of base with ServerName set to host. A nil base
// yields a default configuration that validates the peer.
func ForHost(base *tls.Config, host string) *tls.Config {
	var conf *tls.Config
	if base == nil {
		conf = &tls.Config{MinVersion: tls.VersionTLS12}
	} else {
		conf = base.Clone()
	}
	conf.ServerName = host
	return conf
}
