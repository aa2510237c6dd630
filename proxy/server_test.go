package proxy_test

import (
	"bufio"
	"crypto/tls"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/akupila/tapeproxy/internal/sysproxy"
	"github.com/akupila/tapeproxy/proxy"
	"github.com/akupila/tapeproxy/tape"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

var _ proxy.Tape = (*tape.Tape)(nil)

// fakeStore is an in-memory sysproxy.Store.
type fakeStore struct {
	mu     sync.Mutex
	values map[string]string
	fail   bool
}

func newFakeStore(values map[string]string) *fakeStore {
	if values == nil {
		values = map[string]string{}
	}
	return &fakeStore{values: values}
}

func (s *fakeStore) Lookup(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[key]
	return v, ok
}

func (s *fakeStore) Set(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("permission denied")
	}
	s.values[key] = value
	return nil
}

func (s *fakeStore) Unset(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("permission denied")
	}
	delete(s.values, key)
	return nil
}

func (s *fakeStore) get(key string) string {
	v, _ := s.Lookup(key)
	return v
}

func testConfig() proxy.Config {
	cfg := proxy.DefaultConfig()
	cfg.Port = 0
	return cfg
}

func testLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func newServer(t *testing.T, cfg proxy.Config, store *fakeStore) *proxy.Server {
	t.Helper()
	srv := proxy.New(cfg,
		proxy.WithLogger(testLogger()),
		proxy.WithSystemProxy(sysproxy.New(store)),
		proxy.WithShutdownTimeout(time.Second),
	)
	t.Cleanup(func() { srv.Stop() }) // nolint: errcheck
	return srv
}

// startProxy starts a proxy serving tp and returns a client sending every
// request through it.
func startProxy(t *testing.T, cfg proxy.Config, tp proxy.Tape) (*proxy.Server, *http.Client) {
	t.Helper()
	srv := newServer(t, cfg, newFakeStore(nil))
	require.NoError(t, srv.Start(tp))
	return srv, proxyClient(srv, nil, nil)
}

func proxyClient(srv *proxy.Server, user *url.Userinfo, tlsCfg *tls.Config) *http.Client {
	u := &url.URL{Scheme: "http", Host: srv.Addr().String(), User: user}
	return &http.Client{
		Transport: &http.Transport{
			Proxy:             http.ProxyURL(u),
			TLSClientConfig:   tlsCfg,
			DisableKeepAlives: true,
		},
		Timeout: 10 * time.Second,
	}
}

func newTape(t *testing.T, mode tape.Mode) *tape.Tape {
	return tape.New(filepath.Join(t.TempDir(), "session"), mode)
}

// countingServer responds with the request path and counts the requests it
// receives.
func countingServer(hits *int32) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(hits, 1)
		body, _ := io.ReadAll(r.Body)
		fmt.Fprintf(w, "%s %s %s", r.Method, r.URL.Path, body)
	}
}

func get(t *testing.T, client *http.Client, url string) (*http.Response, string) {
	t.Helper()
	resp, err := client.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(b)
}

func TestServer_recordThenReplay(t *testing.T) {
	var hits int32
	upstream := httptest.NewServer(countingServer(&hits))
	defer upstream.Close()

	tp := newTape(t, tape.ReadWrite)
	_, client := startProxy(t, testConfig(), tp)

	resp, body := get(t, client, upstream.URL+"/hello")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "GET /hello ", body)
	require.Equal(t, "REC", resp.Header.Get(proxy.HeaderTapeproxy))

	resp, body = get(t, client, upstream.URL+"/hello")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "GET /hello ", body)
	require.Equal(t, "PLAY", resp.Header.Get(proxy.HeaderTapeproxy))

	require.EqualValues(t, 1, atomic.LoadInt32(&hits))
	require.Equal(t, 1, tp.Size())
	_, err := os.Stat(tp.Path())
	require.NoError(t, err)
}

func TestServer_readOnlyTape(t *testing.T) {
	var hits int32
	upstream := httptest.NewServer(countingServer(&hits))
	defer upstream.Close()

	_, client := startProxy(t, testConfig(), newTape(t, tape.ReadOnly))

	resp, body := get(t, client, upstream.URL+"/missing")
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	require.Contains(t, body, "tape session is read-only")
	require.Zero(t, atomic.LoadInt32(&hits))
}

func TestServer_writeOnlyTape(t *testing.T) {
	var hits int32
	upstream := httptest.NewServer(countingServer(&hits))
	defer upstream.Close()

	tp := newTape(t, tape.WriteOnly)
	_, client := startProxy(t, testConfig(), tp)

	for i := 0; i < 2; i++ {
		resp, _ := get(t, client, upstream.URL+"/again")
		require.Equal(t, "REC", resp.Header.Get(proxy.HeaderTapeproxy))
	}
	require.EqualValues(t, 2, atomic.LoadInt32(&hits))
	require.Equal(t, 2, tp.Size())
}

func TestServer_requestBodyRecorded(t *testing.T) {
	var hits int32
	upstream := httptest.NewServer(countingServer(&hits))
	defer upstream.Close()

	tp := newTape(t, tape.ReadWrite)
	_, client := startProxy(t, testConfig(), tp)

	resp, err := client.Post(upstream.URL+"/form", "text/plain", strings.NewReader("payload"))
	require.NoError(t, err)
	b, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.Equal(t, "POST /form payload", string(b))

	entries := tp.Entries()
	require.Len(t, entries, 1)
	require.Equal(t, "payload", entries[0].Request.Body)
	require.Equal(t, "POST /form payload", entries[0].Response.Body)
}

func TestServer_requestBufferOverflow(t *testing.T) {
	var hits int32
	upstream := httptest.NewServer(countingServer(&hits))
	defer upstream.Close()

	cfg := testConfig()
	cfg.RequestBufferSize = 16
	srv, client := startProxy(t, cfg, newTape(t, tape.ReadWrite))

	resp, err := client.Post(upstream.URL+"/big", "text/plain", strings.NewReader(strings.Repeat("x", 64)))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
	require.Zero(t, atomic.LoadInt32(&hits))
	require.True(t, srv.IsRunning())

	resp, err = client.Post(upstream.URL+"/small", "text/plain", strings.NewReader("tiny"))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.EqualValues(t, 1, atomic.LoadInt32(&hits))
}

func TestServer_noProxyHeadersUpstream(t *testing.T) {
	seen := make(chan http.Header, 1)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen <- r.Header.Clone()
	}))
	defer upstream.Close()

	cfg := testConfig()
	cfg.User, cfg.Password = "user", "secret"
	srv := newServer(t, cfg, newFakeStore(nil))
	require.NoError(t, srv.Start(newTape(t, tape.ReadWrite)))
	client := proxyClient(srv, url.UserPassword("user", "secret"), nil)

	resp, _ := get(t, client, upstream.URL)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	h := <-seen
	require.Empty(t, h.Get("Via"))
	require.Empty(t, h.Get("Proxy-Authorization"))
}

func TestServer_authentication(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer upstream.Close()

	cfg := testConfig()
	cfg.User, cfg.Password = "user", "secret"
	srv := newServer(t, cfg, newFakeStore(nil))
	require.NoError(t, srv.Start(newTape(t, tape.ReadWrite)))

	tests := map[string]struct {
		user *url.Userinfo
		want int
	}{
		"no credentials":    {user: nil, want: http.StatusProxyAuthRequired},
		"wrong password":    {user: url.UserPassword("user", "nope"), want: http.StatusProxyAuthRequired},
		"wrong user":        {user: url.UserPassword("someone", "secret"), want: http.StatusProxyAuthRequired},
		"valid credentials": {user: url.UserPassword("user", "secret"), want: http.StatusOK},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			resp, _ := get(t, proxyClient(srv, tt.user, nil), upstream.URL)
			require.Equal(t, tt.want, resp.StatusCode)
			if tt.want == http.StatusProxyAuthRequired {
				require.Equal(t, "Basic", resp.Header.Get("Proxy-Authenticate"))
			}
		})
	}
}

func TestServer_authenticationConnect(t *testing.T) {
	cfg := testConfig()
	cfg.User, cfg.Password = "user", "secret"
	srv := newServer(t, cfg, newFakeStore(nil))
	require.NoError(t, srv.Start(newTape(t, tape.ReadWrite)))

	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	fmt.Fprintf(conn, "CONNECT example.com:443 HTTP/1.1\r\nHost: example.com:443\r\n\r\n")
	resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusProxyAuthRequired, resp.StatusCode)
	require.Equal(t, "Basic", resp.Header.Get("Proxy-Authenticate"))
}

func TestServer_mitm(t *testing.T) {
	var hits int32
	upstream := httptest.NewTLSServer(countingServer(&hits))
	defer upstream.Close()

	caFile := filepath.Join(t.TempDir(), "upstream.pem")
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: upstream.Certificate().Raw})
	require.NoError(t, os.WriteFile(caFile, pemBytes, 0600))

	cfg := testConfig()
	cfg.TLS = true
	cfg.UpstreamCAFile = caFile
	tp := newTape(t, tape.ReadWrite)
	srv := newServer(t, cfg, newFakeStore(nil))
	require.NoError(t, srv.Start(tp))
	client := proxyClient(srv, nil, &tls.Config{InsecureSkipVerify: true}) // nolint: gosec

	resp, body := get(t, client, upstream.URL+"/secure")
	require.Equal(t, "REC", resp.Header.Get(proxy.HeaderTapeproxy))
	require.Equal(t, "GET /secure ", body)

	resp, body = get(t, client, upstream.URL+"/secure")
	require.Equal(t, "PLAY", resp.Header.Get(proxy.HeaderTapeproxy))
	require.Equal(t, "GET /secure ", body)

	require.EqualValues(t, 1, atomic.LoadInt32(&hits))
	entries := tp.Entries()
	require.Len(t, entries, 1)
	require.Equal(t, upstream.URL+"/secure", entries[0].Request.URL)
}

func TestServer_tunnelNotIntercepted(t *testing.T) {
	var hits int32
	upstream := httptest.NewTLSServer(countingServer(&hits))
	defer upstream.Close()

	tp := newTape(t, tape.ReadWrite)
	srv := newServer(t, testConfig(), newFakeStore(nil))
	require.NoError(t, srv.Start(tp))
	tlsCfg := upstream.Client().Transport.(*http.Transport).TLSClientConfig.Clone()
	client := proxyClient(srv, nil, tlsCfg)

	for i := 0; i < 2; i++ {
		resp, body := get(t, client, upstream.URL+"/tunnel")
		require.Equal(t, "GET /tunnel ", body)
		require.Empty(t, resp.Header.Get(proxy.HeaderTapeproxy))
	}
	require.EqualValues(t, 2, atomic.LoadInt32(&hits))
	require.Zero(t, tp.Size())
}

func TestServer_stopClosesTunnels(t *testing.T) {
	target := echoTarget(t)

	srv := newServer(t, testConfig(), newFakeStore(nil))
	require.NoError(t, srv.Start(newTape(t, tape.ReadWrite)))

	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	addr := target.Addr().String()
	fmt.Fprintf(conn, "CONNECT %s HTTP/1.1\r\nHost: %s\r\n\r\n", addr, addr)
	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, srv.Stop())

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, err = br.ReadByte()
	require.Error(t, err)
	var nerr net.Error
	if errors.As(err, &nerr) {
		require.False(t, nerr.Timeout(), "tunnel still open after Stop")
	}
}

func TestServer_idleTunnelClosed(t *testing.T) {
	target := echoTarget(t)

	cfg := testConfig()
	cfg.TimeoutSeconds = 1
	srv := newServer(t, cfg, newFakeStore(nil))
	require.NoError(t, srv.Start(newTape(t, tape.ReadWrite)))

	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	addr := target.Addr().String()
	fmt.Fprintf(conn, "CONNECT %s HTTP/1.1\r\nHost: %s\r\n\r\n", addr, addr)
	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// Traffic keeps the tunnel open.
	fmt.Fprintf(conn, "ping\n")
	line, err := br.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "ping\n", line)

	start := time.Now()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, err = br.ReadByte()
	require.Error(t, err)
	var nerr net.Error
	if errors.As(err, &nerr) {
		require.False(t, nerr.Timeout(), "idle tunnel not closed")
	}
	require.True(t, srv.IsRunning())
	require.Less(t, time.Since(start), 5*time.Second)
}

func TestServer_connectAnsweredPromptly(t *testing.T) {
	target := echoTarget(t)

	tests := map[string]struct {
		user string
		want int
	}{
		"tunnel":    {want: http.StatusOK},
		"challenge": {user: "user", want: http.StatusProxyAuthRequired},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			cfg := testConfig()
			cfg.TimeoutSeconds = 5
			if tt.user != "" {
				cfg.User, cfg.Password = tt.user, "secret"
			}
			srv := newServer(t, cfg, newFakeStore(nil))
			require.NoError(t, srv.Start(newTape(t, tape.ReadWrite)))

			conn, err := net.Dial("tcp", srv.Addr().String())
			require.NoError(t, err)
			defer conn.Close()

			start := time.Now()
			addr := target.Addr().String()
			fmt.Fprintf(conn, "CONNECT %s HTTP/1.1\r\nHost: %s\r\n\r\n", addr, addr)
			require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
			resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
			require.NoError(t, err)
			require.Equal(t, tt.want, resp.StatusCode)
			require.Less(t, time.Since(start), 500*time.Millisecond)
		})
	}
}

func TestServer_mitmAuthenticated(t *testing.T) {
	var hits int32
	upstream := httptest.NewTLSServer(countingServer(&hits))
	defer upstream.Close()

	caFile := filepath.Join(t.TempDir(), "upstream.pem")
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: upstream.Certificate().Raw})
	require.NoError(t, os.WriteFile(caFile, pemBytes, 0600))

	cfg := testConfig()
	cfg.TLS = true
	cfg.UpstreamCAFile = caFile
	cfg.User, cfg.Password = "user", "secret"
	tp := newTape(t, tape.ReadWrite)
	srv := newServer(t, cfg, newFakeStore(nil))
	require.NoError(t, srv.Start(tp))
	insecure := &tls.Config{InsecureSkipVerify: true} // nolint: gosec

	// Requests inside an authenticated tunnel are not challenged again.
	client := proxyClient(srv, url.UserPassword("user", "secret"), insecure)
	resp, body := get(t, client, upstream.URL+"/private")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "REC", resp.Header.Get(proxy.HeaderTapeproxy))
	require.Equal(t, "GET /private ", body)

	// The tunnel itself is refused with wrong credentials.
	client = proxyClient(srv, url.UserPassword("user", "wrong"), insecure)
	_, err := client.Get(upstream.URL + "/private")
	require.Error(t, err)
	require.Contains(t, err.Error(), "Proxy Authentication Required")

	require.EqualValues(t, 1, atomic.LoadInt32(&hits))
	require.Equal(t, 1, tp.Size())
}
