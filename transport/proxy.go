package transport

import (
	"bufio"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/net/proxy"
)

// ErrUnsupportedProxy is returned for proxy types other than socks5 and
// http.
var ErrUnsupportedProxy = errors.New("unsupported proxy type")

// ProxyConfig routes outbound connections through a proxy. Listening is
// never proxied.
type ProxyConfig struct {
	Type     string // "socks5" or "http"
	Host     string
	Port     uint16
	Username string
	Password string
}

// ParseProxyURL parses socks5://[user[:password]@]host:port or the same
// with the http scheme.
func ParseProxyURL(raw string) (*ProxyConfig, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	port, err := strconv.ParseUint(u.Port(), 10, 16)
	if err != nil {
		return nil, fmt.Errorf("invalid proxy port in %q: %w", raw, err)
	}
	cfg := &ProxyConfig{Type: u.Scheme, Host: u.Hostname(), Port: uint16(port)}
	if u.User != nil {
		cfg.Username = u.User.Username()
		cfg.Password, _ = u.User.Password()
	}
	if _, err := newProxyDialer(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Addr returns host:port of the proxy.
func (c *ProxyConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(int(c.Port)))
}

// newProxyDialer returns the dialer for cfg.
func newProxyDialer(cfg *ProxyConfig) (proxy.Dialer, error) {
	addr := cfg.Addr()
	switch cfg.Type {
	case "socks5":
		var auth *proxy.Auth
		if cfg.Username != "" || cfg.Password != "" {
			auth = &proxy.Auth{User: cfg.Username, Password: cfg.Password}
		}
		dialer, err := proxy.SOCKS5("tcp", addr, auth, proxy.Direct)
		if err != nil {
			return nil, fmt.Errorf("create SOCKS5 dialer: %w", err)
		}
		return dialer, nil
	case "http":
		u := &url.URL{Scheme: "http", Host: addr}
		if cfg.Username != "" {
			u.User = url.UserPassword(cfg.Username, cfg.Password)
		}
		return &httpProxyDialer{proxyURL: u, timeout: 10 * time.Second}, nil
	default:
		return nil, fmt.Errorf("%w: %q (must be socks5 or http)", ErrUnsupportedProxy, cfg.Type)
	}
}

// dialProxy connects to addr through dialer. It blocks and must run off
// the reactor loop.
func dialProxy(dialer proxy.Dialer, cfg *ProxyConfig, addr string) (net.Conn, error) {
	logrus.WithFields(logrus.Fields{
		"function":   "dialProxy",
		"address":    addr,
		"proxy_type": cfg.Type,
		"proxy_addr": cfg.Addr(),
	}).Debug("Dialing via proxy")

	conn, err := dialer.Dial("tcp", addr)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "dialProxy",
			"address":    addr,
			"proxy_type": cfg.Type,
			"error":      err.Error(),
		}).Error("Failed to dial via proxy")
		return nil, fmt.Errorf("proxy dial failed: %w", err)
	}
	return conn, nil
}

// httpProxyDialer tunnels TCP through an HTTP CONNECT proxy.
type httpProxyDialer struct {
	proxyURL *url.URL
	timeout  time.Duration
}

// Dial connects to addr via the proxy.
func (d *httpProxyDialer) Dial(network, addr string) (net.Conn, error) {
	if network != "tcp" {
		return nil, fmt.Errorf("HTTP CONNECT proxy only supports TCP, got: %s", network)
	}
	proxyConn, err := net.DialTimeout("tcp", d.proxyURL.Host, d.timeout)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to proxy: %w", err)
	}

	req := &http.Request{
		Method: http.MethodConnect,
		URL:    &url.URL{Opaque: addr},
		Host:   addr,
		Header: make(http.Header),
	}
	if u := d.proxyURL.User; u != nil {
		password, _ := u.Password()
		creds := base64.StdEncoding.EncodeToString([]byte(u.Username() + ":" + password))
		req.Header.Set("Proxy-Authorization", "Basic "+creds)
	}
	if err := req.Write(proxyConn); err != nil {
		proxyConn.Close()
		return nil, fmt.Errorf("failed to write CONNECT request: %w", err)
	}

	if err := proxyConn.SetReadDeadline(time.Now().Add(d.timeout)); err != nil {
		proxyConn.Close()
		return nil, err
	}
	br := bufio.NewReader(proxyConn)
	resp, err := http.ReadResponse(br, req)
	if err != nil {
		proxyConn.Close()
		return nil, fmt.Errorf("failed to read CONNECT response: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		proxyConn.Close()
		return nil, fmt.Errorf("proxy returned non-200 status: %s", resp.Status)
	}
	if err := proxyConn.SetReadDeadline(time.Time{}); err != nil {
		proxyConn.Close()
		return nil, err
	}
	if br.Buffered() > 0 {
		return &bufferedConn{Conn: proxyConn, r: br}, nil
	}
	return proxyConn, nil
}

// bufferedConn serves bytes the peer sent along with the CONNECT
// response before reading from the connection again.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) { return c.r.Read(p) }
