// Package tlsutil builds the server TLS configuration for the TLS bind
// addresses: a key pair from disk, or a generated self-signed certificate.
package tlsutil

import (
    "crypto/ecdsa"
    "crypto/elliptic"
    "crypto/rand"
    "crypto/tls"
    "crypto/x509"
    "crypto/x509/pkix"
    "fmt"
    "math/big"
    "time"

    "go.uber.org/zap"

    "rircd/pkg/config"
)

// ServerConfig returns the TLS configuration described by c, or nil when no
// certificate source is configured.
func ServerConfig(c config.TLSConfig, log *zap.Logger) (*tls.Config, error) {
    if log == nil { log = zap.L() }
    var cert tls.Certificate
    switch {
    case c.CertFile != "":
        kp, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
        if err != nil { return nil, fmt.Errorf("load key pair %s: %w", c.CertFile, err) }
        cert = kp
        log.Info("loaded TLS certificate", zap.String("cert_file", c.CertFile))
    case c.SelfSigned:
        kp, err := SelfSigned("localhost")
        if err != nil { return nil, err }
        cert = kp
        log.Warn("serving TLS with a self-signed certificate")
    default:
        return nil, nil
    }
    return &tls.Config{
        Certificates: []tls.Certificate{cert},
        MinVersion:   tls.VersionTLS12,
    }, nil
}

// SelfSigned creates a self-signed server certificate for hosts, valid for
// one year.
func SelfSigned(hosts ...string) (tls.Certificate, error) {
    serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
    if err != nil { return tls.Certificate{}, fmt.Errorf("serial number: %w", err) }
    priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
    if err != nil { return tls.Certificate{}, fmt.Errorf("generate key: %w", err) }

    now := time.Now()
    tmpl := x509.Certificate{
        SerialNumber:          serial,
        Subject:               pkix.Name{Organization: []string{"rircd"}},
        NotBefore:             now.Add(-time.Minute).UTC(),
        NotAfter:              now.Add(365 * 24 * time.Hour).UTC(),
        KeyUsage:              x509.KeyUsageDigitalSignature,
        ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
        BasicConstraintsValid: true,
        DNSNames:              hosts,
    }
    der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &priv.PublicKey, priv)
    if err != nil { return tls.Certificate{}, fmt.Errorf("create certificate: %w", err) }
    leaf, err := x509.ParseCertificate(der)
    if err != nil { return tls.Certificate{}, err }
    return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv, Leaf: leaf}, nil
}
