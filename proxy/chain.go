package proxy

import (
	"fmt"
	"net"
	"net/http"
	"net/url"

	"github.com/elazarl/goproxy"
)

// Chain sends traffic that is not intercepted through the proxy the host
// used before the system proxy was overridden, so that tunnelled HTTPS keeps
// working behind a corporate proxy.
type Chain struct {
	upstream func(*url.URL) (*url.URL, error)
	proxy    *goproxy.ProxyHttpServer
	dialer   *net.Dialer
}

// NewChain returns a Chain resolving upstream proxies with upstream. A nil
// upstream always connects directly.
func NewChain(p *goproxy.ProxyHttpServer, dialer *net.Dialer, upstream func(*url.URL) (*url.URL, error)) *Chain {
	if upstream == nil {
		upstream = func(*url.URL) (*url.URL, error) { return nil, nil }
	}
	return &Chain{upstream: upstream, proxy: p, dialer: dialer}
}

// Proxy can be used as http.Transport.Proxy.
func (c *Chain) Proxy(req *http.Request) (*url.URL, error) {
	return c.upstream(req.URL)
}

// Dial opens a tunnel to addr, through the upstream proxy if there is one.
func (c *Chain) Dial(network, addr string) (net.Conn, error) {
	u, err := c.upstream(&url.URL{Scheme: "https", Host: addr})
	if err != nil {
		return nil, err
	}
	if u == nil {
		return c.dialer.Dial(network, addr)
	}
	dial := c.proxy.NewConnectDialToProxy(u.String())
	if dial == nil {
		return nil, fmt.Errorf("proxy: unsupported upstream proxy %s", u.Redacted())
	}
	return dial(network, addr)
}
