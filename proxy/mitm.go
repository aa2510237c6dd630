package proxy

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"

	"github.com/elazarl/goproxy"
	"github.com/hashicorp/go-rootcerts"
)

// MITMStrategy terminates TLS for every tunnel so that HTTPS exchanges reach
// the tape. Clients must trust the CA returned by Certificate.
type MITMStrategy struct {
	ca        *tls.Certificate
	tlsConfig func(host string, ctx *goproxy.ProxyCtx) (*tls.Config, error)
}

// NewMITMStrategy returns a strategy signing per-host certificates with ca.
func NewMITMStrategy(ca *tls.Certificate) *MITMStrategy {
	return &MITMStrategy{ca: ca, tlsConfig: goproxy.TLSConfigFromCA(ca)}
}

// HandleConnect implements goproxy.HttpsHandler.
func (s *MITMStrategy) HandleConnect(host string, ctx *goproxy.ProxyCtx) (*goproxy.ConnectAction, string) {
	return &goproxy.ConnectAction{Action: goproxy.ConnectMitm, TLSConfig: s.tlsConfig}, host
}

// Certificate returns the CA certificate clients need to trust.
func (s *MITMStrategy) Certificate() *x509.Certificate {
	return s.ca.Leaf
}

// TunnelStrategy relays tunnels without looking inside. HTTPS traffic is
// then neither recorded nor replayed.
type TunnelStrategy struct{}

// HandleConnect implements goproxy.HttpsHandler.
func (TunnelStrategy) HandleConnect(host string, ctx *goproxy.ProxyCtx) (*goproxy.ConnectAction, string) {
	return goproxy.OkConnect, host
}

// LoadCA reads a PEM certificate authority. With no files the built-in
// goproxy CA is returned.
func LoadCA(certFile, keyFile string) (*tls.Certificate, error) {
	var ca tls.Certificate
	if certFile == "" && keyFile == "" {
		ca = goproxy.GoproxyCa
	} else {
		var err error
		ca, err = tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return nil, fmt.Errorf("proxy: load CA: %w", err)
		}
	}
	if ca.Leaf == nil {
		leaf, err := x509.ParseCertificate(ca.Certificate[0])
		if err != nil {
			return nil, fmt.Errorf("proxy: parse CA: %w", err)
		}
		ca.Leaf = leaf
	}
	return &ca, nil
}

// upstreamTLSConfig returns the client TLS configuration used towards
// upstream servers. caFile, when set, replaces the system roots.
func upstreamTLSConfig(caFile string) (*tls.Config, error) {
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if err := rootcerts.ConfigureTLS(cfg, &rootcerts.Config{CAFile: caFile}); err != nil {
		return nil, fmt.Errorf("proxy: upstream roots: %w", err)
	}
	return cfg, nil
}
