// Package sysproxy redirects the proxy configuration of the process to a
// local proxy and restores it afterwards.
//
// The configuration lives in a Store, by default the process environment
// (HTTP_PROXY, HTTPS_PROXY, NO_PROXY and their lower-case forms). Override
// takes a snapshot of every managed key before changing anything, so that
// DeactivateAll can put back exactly what was there, including keys that
// were not set at all.
package sysproxy

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/net/http/httpproxy"
)

// Keys managed by Override.
const (
	KeyHTTPProxy       = "HTTP_PROXY"
	KeyHTTPProxyLower  = "http_proxy"
	KeyHTTPSProxy      = "HTTPS_PROXY"
	KeyHTTPSProxyLower = "https_proxy"
	KeyNoProxy         = "NO_PROXY"
	KeyNoProxyLower    = "no_proxy"
)

var managedKeys = []string{
	KeyHTTPProxy, KeyHTTPProxyLower,
	KeyHTTPSProxy, KeyHTTPSProxyLower,
	KeyNoProxy, KeyNoProxyLower,
}

// Store reads and writes proxy settings.
type Store interface {
	Lookup(key string) (string, bool)
	Set(key, value string) error
	Unset(key string) error
}

// EnvStore is a Store backed by the process environment.
type EnvStore struct{}

// Lookup implements Store.
func (EnvStore) Lookup(key string) (string, bool) { return os.LookupEnv(key) }

// Set implements Store.
func (EnvStore) Set(key, value string) error { return os.Setenv(key, value) }

// Unset implements Store.
func (EnvStore) Unset(key string) error { return os.Unsetenv(key) }

// ConfigurationAccessError is returned when a proxy setting cannot be read or
// written.
type ConfigurationAccessError struct {
	Op  string
	Key string
	Err error
}

func (e *ConfigurationAccessError) Error() string {
	return fmt.Sprintf("sysproxy: %s %s: %v", e.Op, e.Key, e.Err)
}

func (e *ConfigurationAccessError) Unwrap() error { return e.Err }

type setting struct {
	value string
	set   bool
}

type snapshot map[string]setting

// Override installs a proxy in a Store and restores the previous settings.
// It is safe for concurrent use.
type Override struct {
	store Store

	mu   sync.Mutex
	prev snapshot // nil while inactive
}

// New returns an Override operating on store. A nil store means EnvStore.
func New(store Store) *Override {
	if store == nil {
		store = EnvStore{}
	}
	return &Override{store: store}
}

// Active reports whether an override is currently installed.
func (o *Override) Active() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.prev != nil
}

// Activate routes HTTP and HTTPS traffic through host:port, except for
// requests to ignoreHosts.
//
// Activating again while active does not take a new snapshot: the settings
// in place before the first activation are kept until DeactivateAll, since a
// fresh snapshot would record the override itself as the previous settings.
// If any setting cannot be written, the ones already written are rolled back
// and the override stays inactive.
func (o *Override) Activate(host string, port int, ignoreHosts []string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	prev := o.prev
	if prev == nil {
		prev = o.capture()
	}

	proxyURL := "http://" + net.JoinHostPort(advertisedHost(host), strconv.Itoa(port))
	noProxy := strings.Join(ignoreHosts, ",")
	want := map[string]string{
		KeyHTTPProxy:       proxyURL,
		KeyHTTPProxyLower:  proxyURL,
		KeyHTTPSProxy:      proxyURL,
		KeyHTTPSProxyLower: proxyURL,
		KeyNoProxy:         noProxy,
		KeyNoProxyLower:    noProxy,
	}

	for _, key := range managedKeys {
		var err error
		if want[key] == "" {
			err = o.store.Unset(key)
		} else {
			err = o.store.Set(key, want[key])
		}
		if err != nil {
			o.restore(prev, managedKeys) // nolint: errcheck
			o.prev = nil
			return &ConfigurationAccessError{Op: "activate", Key: key, Err: err}
		}
	}
	o.prev = prev
	return nil
}

// DeactivateAll restores the settings captured by Activate and forgets them.
// It is a no-op when nothing is active. Every key is attempted; the first
// failure is returned.
func (o *Override) DeactivateAll() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.prev == nil {
		return nil
	}
	err := o.restore(o.prev, managedKeys)
	o.prev = nil
	return err
}

// Upstream returns the proxy that was configured for u before the override
// was activated, or nil for a direct connection. While inactive the current
// settings are used.
func (o *Override) Upstream(u *url.URL) (*url.URL, error) {
	return o.Previous().ProxyFunc()(u)
}

// Previous returns the proxy configuration in place before activation.
func (o *Override) Previous() *httpproxy.Config {
	o.mu.Lock()
	prev := o.prev
	if prev == nil {
		prev = o.capture()
	}
	o.mu.Unlock()

	return &httpproxy.Config{
		HTTPProxy:  prev.get(KeyHTTPProxy, KeyHTTPProxyLower),
		HTTPSProxy: prev.get(KeyHTTPSProxy, KeyHTTPSProxyLower),
		NoProxy:    prev.get(KeyNoProxy, KeyNoProxyLower),
	}
}

func (o *Override) capture() snapshot {
	s := make(snapshot, len(managedKeys))
	for _, key := range managedKeys {
		v, ok := o.store.Lookup(key)
		s[key] = setting{value: v, set: ok}
	}
	return s
}

func (o *Override) restore(s snapshot, keys []string) error {
	var first error
	for _, key := range keys {
		prev := s[key]
		var err error
		if prev.set {
			err = o.store.Set(key, prev.value)
		} else {
			err = o.store.Unset(key)
		}
		if err != nil && first == nil {
			first = &ConfigurationAccessError{Op: "restore", Key: key, Err: err}
		}
	}
	return first
}

// get returns the first non-empty value of keys, mirroring how
// httpproxy.FromEnvironment prefers upper-case names.
func (s snapshot) get(keys ...string) string {
	for _, key := range keys {
		if v := s[key]; v.set && v.value != "" {
			return v.value
		}
	}
	return ""
}

// advertisedHost maps wildcard bind addresses to loopback, which is where
// local clients can actually reach the proxy.
func advertisedHost(host string) string {
	switch host {
	case "", "0.0.0.0", "::", "[::]":
		return "127.0.0.1"
	}
	return strings.Trim(host, "[]")
}
