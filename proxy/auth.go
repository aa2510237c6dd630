package proxy

import (
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/elazarl/goproxy"
	"github.com/sirupsen/logrus"
)

// Authenticator checks the credentials presented by proxy clients.
type Authenticator interface {
	Authenticate(user, password string) bool

	// Realm is announced in the challenge. An empty realm is omitted.
	Realm() string
}

// CredentialsAuthenticator accepts a single user and password.
type CredentialsAuthenticator struct {
	User     string
	Password string
}

// Authenticate implements Authenticator.
func (a CredentialsAuthenticator) Authenticate(user, password string) bool {
	u := subtle.ConstantTimeCompare([]byte(user), []byte(a.User))
	p := subtle.ConstantTimeCompare([]byte(password), []byte(a.Password))
	return u&p == 1
}

// Realm implements Authenticator.
func (CredentialsAuthenticator) Realm() string { return "" }

// authorizedTunnel marks the context of an authenticated CONNECT. Requests
// decrypted from the tunnel inherit it and are not challenged again.
type authorizedTunnel struct{}

// installAuth requires every client request, including tunnel
// establishment, to carry Basic proxy credentials accepted by a. It must be
// installed before any other handler.
func installAuth(p *goproxy.ProxyHttpServer, a Authenticator, log logrus.FieldLogger) {
	p.OnRequest().HandleConnectFunc(func(host string, ctx *goproxy.ProxyCtx) (*goproxy.ConnectAction, string) {
		if authorized(ctx.Req, a) {
			ctx.UserData = authorizedTunnel{}
			return nil, host
		}
		log.WithError(ErrAuthenticationFailed).WithField("host", host).Warn("rejecting tunnel")
		return &goproxy.ConnectAction{
			Action: goproxy.ConnectHijack,
			Hijack: func(req *http.Request, client net.Conn, ctx *goproxy.ProxyCtx) {
				defer client.Close()
				resp := challenge(req, a.Realm())
				if err := resp.Write(client); err != nil {
					log.WithError(err).Debug("writing challenge")
				}
			},
		}, host
	})

	p.OnRequest(NotConnect).DoFunc(func(req *http.Request, ctx *goproxy.ProxyCtx) (*http.Request, *http.Response) {
		if _, ok := ctx.UserData.(authorizedTunnel); ok {
			return req, nil
		}
		if authorized(req, a) {
			return req, nil
		}
		log.WithError(ErrAuthenticationFailed).WithField("url", req.URL.String()).Warn("rejecting request")
		return req, challenge(req, a.Realm())
	})
}

func authorized(req *http.Request, a Authenticator) bool {
	user, password, ok := proxyCredentials(req)
	return ok && a.Authenticate(user, password)
}

// proxyCredentials parses the Basic Proxy-Authorization header.
func proxyCredentials(req *http.Request) (user, password string, ok bool) {
	const prefix = "Basic "
	h := req.Header.Get("Proxy-Authorization")
	if len(h) < len(prefix) || !strings.EqualFold(h[:len(prefix)], prefix) {
		return "", "", false
	}
	b, err := base64.StdEncoding.DecodeString(h[len(prefix):])
	if err != nil {
		return "", "", false
	}
	return strings.Cut(string(b), ":")
}

func challenge(req *http.Request, realm string) *http.Response {
	resp := textResponse(req, http.StatusProxyAuthRequired, "Proxy Authentication Required")
	scheme := "Basic"
	if realm != "" {
		scheme += fmt.Sprintf(" realm=%q", realm)
	}
	resp.Header.Set("Proxy-Authenticate", scheme)
	return resp
}
