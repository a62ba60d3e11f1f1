// Package client provides the HTTP plumbing shared by all transfers: a
// tuned transport for bulk data movement and the repository control-plane
// client used to negotiate uploads.
package client

import (
	"crypto/tls"
	"net"
	nethttp "net/http"
	"net/url"
	"os"

	ntlmssp "github.com/Azure/go-ntlmssp"
	"golang.org/x/net/http/httpproxy"
	"golang.org/x/net/http2"

	"github.com/rescale/httptransfer/internal/constants"
	"github.com/rescale/httptransfer/internal/xfererr"
)

// ProxyOptions selects how outbound requests reach the repository.
type ProxyOptions struct {
	// Mode is one of "", "system", "basic" or "ntlm". The zero value
	// disables proxying; "system" reads HTTP_PROXY/HTTPS_PROXY/NO_PROXY.
	Mode string

	// URL is the proxy endpoint for basic and ntlm modes.
	URL string

	// User and Password authenticate basic and ntlm proxies.
	User     string
	Password string

	// NoProxy lists hosts that bypass the proxy (comma-separated).
	NoProxy string
}

// New creates the HTTP client used for part transfers.
//
// The transport is tuned for large concurrent transfers: a deep connection
// pool sized for the in-flight part cap, long TLS handshake timeout for
// congested links, compression disabled (transfer payloads rarely benefit)
// and HTTP/2 enabled with a DISABLE_HTTP2 escape hatch. The client carries
// no overall timeout; parts are bounded by their retry loop instead.
func New(proxy *ProxyOptions) (*nethttp.Client, error) {
	tr := &nethttp.Transport{
		DialContext: (&net.Dialer{
			Timeout:   constants.HTTPDialTimeout,
			KeepAlive: constants.HTTPDialKeepAlive,
		}).DialContext,
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
		MaxIdleConns:          512,
		MaxIdleConnsPerHost:   constants.MaxConcurrentLimit,
		MaxConnsPerHost:       constants.MaxConcurrentLimit,
		IdleConnTimeout:       constants.HTTPIdleConnTimeout,
		TLSHandshakeTimeout:   constants.HTTPTLSHandshakeTimeout,
		ExpectContinueTimeout: constants.HTTPExpectContinueTimeout,
		DisableCompression:    true,
		ForceAttemptHTTP2:     true,
	}

	if proxy == nil {
		proxy = &ProxyOptions{}
	}

	switch proxy.Mode {
	case "", "no-proxy":
		tr.Proxy = nil
	case "system":
		tr.Proxy = nethttp.ProxyFromEnvironment
	case "basic", "ntlm":
		proxyURL, err := buildProxyURL(proxy)
		if err != nil {
			return nil, err
		}
		tr.Proxy = proxyFuncWithBypass(proxyURL, proxy.NoProxy)
	default:
		return nil, xfererr.Newf(xfererr.KindInvalidOptions, "unknown proxy mode %q", proxy.Mode)
	}

	_ = http2.ConfigureTransport(tr)
	if os.Getenv("DISABLE_HTTP2") == "true" {
		tr.ForceAttemptHTTP2 = false
		tr.TLSNextProto = make(map[string]func(string, *tls.Conn) nethttp.RoundTripper)
	}

	client := &nethttp.Client{Transport: tr}

	// NTLM wraps the transport in a negotiator that replays the request
	// through the challenge handshake
	if proxy.Mode == "ntlm" {
		client.Transport = ntlmssp.Negotiator{RoundTripper: tr}
	}

	return client, nil
}

func buildProxyURL(p *ProxyOptions) (*url.URL, error) {
	if p.URL == "" {
		return nil, xfererr.New(xfererr.KindInvalidOptions, "proxy mode set but proxy URL is empty")
	}
	u, err := url.Parse(p.URL)
	if err != nil {
		return nil, xfererr.Wrap(xfererr.KindInvalidOptions, err, "invalid proxy URL")
	}
	if p.User != "" {
		u.User = url.UserPassword(p.User, p.Password)
	}
	return u, nil
}

// proxyFuncWithBypass honors the NoProxy list for an explicitly configured
// proxy, with the same host matching rules the environment variables get.
func proxyFuncWithBypass(proxyURL *url.URL, noProxy string) func(*nethttp.Request) (*url.URL, error) {
	cfg := &httpproxy.Config{
		HTTPProxy:  proxyURL.String(),
		HTTPSProxy: proxyURL.String(),
		NoProxy:    noProxy,
	}
	proxyFunc := cfg.ProxyFunc()
	return func(req *nethttp.Request) (*url.URL, error) {
		return proxyFunc(req.URL)
	}
}
