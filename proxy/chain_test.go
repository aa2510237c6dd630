package proxy_test

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"

	"github.com/akupila/tapeproxy/proxy"
	"github.com/elazarl/goproxy"
	"github.com/stretchr/testify/require"
)

// echoTarget accepts connections and echoes back what it reads.
func echoTarget(t *testing.T) net.Listener {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	go func() {
		for {
			c, err := l.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				io.Copy(c, c) // nolint: errcheck
			}()
		}
	}()
	return l
}

func roundTripLine(t *testing.T, c net.Conn, line string) string {
	t.Helper()
	fmt.Fprintf(c, "%s\n", line)
	got, err := bufio.NewReader(c).ReadString('\n')
	require.NoError(t, err)
	return got[:len(got)-1]
}

func TestChain_direct(t *testing.T) {
	target := echoTarget(t)
	chain := proxy.NewChain(goproxy.NewProxyHttpServer(), &net.Dialer{}, nil)

	c, err := chain.Dial("tcp", target.Addr().String())
	require.NoError(t, err)
	defer c.Close()
	require.Equal(t, "ping", roundTripLine(t, c, "ping"))

	req := httptest.NewRequest(http.MethodGet, "http://example.com/", nil)
	u, err := chain.Proxy(req)
	require.NoError(t, err)
	require.Nil(t, u)
}

func TestChain_upstreamProxy(t *testing.T) {
	target := echoTarget(t)

	var connects int32
	corp := goproxy.NewProxyHttpServer()
	corp.OnRequest().HandleConnectFunc(func(host string, ctx *goproxy.ProxyCtx) (*goproxy.ConnectAction, string) {
		atomic.AddInt32(&connects, 1)
		return goproxy.OkConnect, host
	})
	corpSrv := httptest.NewServer(corp)
	defer corpSrv.Close()
	corpURL, err := url.Parse(corpSrv.URL)
	require.NoError(t, err)

	upstream := func(*url.URL) (*url.URL, error) { return corpURL, nil }
	chain := proxy.NewChain(goproxy.NewProxyHttpServer(), &net.Dialer{}, upstream)

	c, err := chain.Dial("tcp", target.Addr().String())
	require.NoError(t, err)
	defer c.Close()
	require.Equal(t, "ping", roundTripLine(t, c, "ping"))
	require.EqualValues(t, 1, atomic.LoadInt32(&connects))

	req := httptest.NewRequest(http.MethodGet, "http://example.com/", nil)
	u, err := chain.Proxy(req)
	require.NoError(t, err)
	require.Equal(t, corpURL, u)
}
