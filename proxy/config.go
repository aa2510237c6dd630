package proxy

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"
)

// Defaults used by DefaultConfig.
const (
	DefaultHost              = "127.0.0.1"
	DefaultPort              = 5555
	DefaultTimeoutSeconds    = 5
	DefaultRequestBufferSize = 8 << 20
)

// Config holds the settings of one proxy run. It is read when the proxy
// starts and not consulted again until the next start.
type Config struct {
	// Host and Port the proxy binds to. Port 0 picks a free port.
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// TimeoutSeconds is how long a client connection may stay idle.
	TimeoutSeconds int `yaml:"timeout_seconds"`

	// TLS enables man-in-the-middle termination of HTTPS traffic so it can
	// be recorded and replayed. Without it HTTPS is tunnelled untouched.
	TLS bool `yaml:"tls"`

	// User and Password, when set, are required from every client.
	User     string `yaml:"user,omitempty"`
	Password string `yaml:"password,omitempty"`

	// IgnoreHosts bypass the proxy while the system proxy is overridden.
	IgnoreHosts []string `yaml:"ignore_hosts,omitempty"`

	// IgnoreLocalhost adds the loopback names to IgnoreHosts.
	IgnoreLocalhost bool `yaml:"ignore_localhost"`

	// RequestBufferSize caps the size of a request body the proxy buffers.
	// Zero disables the cap.
	RequestBufferSize int `yaml:"request_buffer_size"`

	// CACertFile and CAKeyFile hold the PEM certificate authority used to
	// sign certificates when TLS is enabled. When empty a built-in CA is
	// used.
	CACertFile string `yaml:"ca_cert_file,omitempty"`
	CAKeyFile  string `yaml:"ca_key_file,omitempty"`

	// UpstreamCAFile replaces the system roots trusted when the proxy
	// connects to servers on behalf of intercepted clients.
	UpstreamCAFile string `yaml:"upstream_ca_file,omitempty"`
}

// DefaultConfig returns the configuration used when nothing is set.
func DefaultConfig() Config {
	return Config{
		Host:              DefaultHost,
		Port:              DefaultPort,
		TimeoutSeconds:    DefaultTimeoutSeconds,
		RequestBufferSize: DefaultRequestBufferSize,
	}
}

// Addr returns the host:port the proxy binds to.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Timeout returns TimeoutSeconds as a duration.
func (c Config) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// EffectiveIgnoreHosts returns IgnoreHosts, extended with the loopback names
// when IgnoreLocalhost is set.
func (c Config) EffectiveIgnoreHosts() []string {
	hosts := append([]string(nil), c.IgnoreHosts...)
	if !c.IgnoreLocalhost {
		return hosts
	}
	for _, h := range []string{"localhost", "127.0.0.1", "::1"} {
		if !contains(hosts, h) {
			hosts = append(hosts, h)
		}
	}
	return hosts
}

// Validate reports the first setting that cannot work.
func (c Config) Validate() error {
	switch {
	case c.Port < 0 || c.Port > 65535:
		return fmt.Errorf("proxy: invalid port %d", c.Port)
	case c.TimeoutSeconds < 0:
		return fmt.Errorf("proxy: invalid timeout %d", c.TimeoutSeconds)
	case c.RequestBufferSize < 0:
		return fmt.Errorf("proxy: invalid request buffer size %d", c.RequestBufferSize)
	case c.User == "" && c.Password != "":
		return errors.New("proxy: password set without user")
	case c.User != "" && c.Password == "":
		return errors.New("proxy: user set without password")
	case (c.CACertFile == "") != (c.CAKeyFile == ""):
		return errors.New("proxy: CA certificate and key must be set together")
	}
	return nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
