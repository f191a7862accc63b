package config

// ListenConfig lists the ip:port literals to bind.
// Example YAML:
// listen:
//   plain: ["0.0.0.0:6667", "[::]:6667"]
//   tls:   ["0.0.0.0:6697"]
type ListenConfig struct {
    Plain []string `mapstructure:"plain"`
    TLS   []string `mapstructure:"tls"`
}

// TLSConfig names the certificate for the TLS listeners. Without a key pair
// and with SelfSigned unset the TLS addresses are skipped.
type TLSConfig struct {
    CertFile   string `mapstructure:"cert_file"`
    KeyFile    string `mapstructure:"key_file"`
    SelfSigned bool   `mapstructure:"self_signed"`
}

// Enabled reports whether a certificate source is configured.
func (t TLSConfig) Enabled() bool { return t.CertFile != "" || t.SelfSigned }

// AdminConfig configures the introspection HTTP server; empty Listen
// disables it.
type AdminConfig struct {
    Listen string `mapstructure:"listen"`
}
