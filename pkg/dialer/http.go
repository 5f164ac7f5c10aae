package dialer

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"
)

const httpRequestTimeout = 10 * time.Second

var errHTTPUnsupportedScheme = errors.New("unsupported scheme for HTTP proxy (use http:// or https://)")

type errHTTPRequestFailed struct {
	Status int
}

func (e errHTTPRequestFailed) Error() string {
	return fmt.Sprintf("HTTP request failed: %d", e.Status)
}

// HTTPProxy opens connections through an HTTP or HTTPS proxy server's
// CONNECT method. Like SOCKS5, the target may be a domain or an IP
// literal, so an installed hook moves resolution to this process.
// HTTPProxy implements the ConnCreator capability.
type HTTPProxy struct {
	dialer     *net.Dialer
	addr       string
	https      bool
	insecure   bool
	serverName string
	basicAuth  string // Base64 encoded

	mu     sync.Mutex
	create DialContextFunc
}

// NewHTTPProxy creates an HTTPProxy from a proxy URL in the format
// http://[user:pass@]host:port or https://[user:pass@]host:port.
func NewHTTPProxy(proxyURL string, insecure bool) (*HTTPProxy, error) {
	u, err := url.Parse(proxyURL)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, errHTTPUnsupportedScheme
	}
	addr := u.Host
	if u.Port() == "" {
		if u.Scheme == "http" {
			addr = net.JoinHostPort(u.Host, "80")
		} else {
			addr = net.JoinHostPort(u.Host, "443")
		}
	}
	var basicAuth string
	if u.User != nil {
		username := u.User.Username()
		password, _ := u.User.Password()
		basicAuth = "Basic " + base64.StdEncoding.EncodeToString([]byte(username+":"+password))
	}
	p := &HTTPProxy{
		dialer:     &net.Dialer{Timeout: defaultDialTimeout},
		addr:       addr,
		https:      u.Scheme == "https",
		insecure:   insecure,
		serverName: u.Hostname(),
		basicAuth:  basicAuth,
	}
	p.create = p.connect
	return p, nil
}

// CreateConn returns the current connection creator.
func (p *HTTPProxy) CreateConn() DialContextFunc {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.create
}

// SetCreateConn replaces the connection creator.
func (p *HTTPProxy) SetCreateConn(fn DialContextFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.create = fn
}

// DialContext opens a proxied connection to address.
func (p *HTTPProxy) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	return p.CreateConn()(ctx, network, address)
}

// connect tunnels one CONNECT request through the proxy.
func (p *HTTPProxy) connect(ctx context.Context, network, address string) (net.Conn, error) {
	switch network {
	case "tcp", "tcp4", "tcp6":
	default:
		return nil, fmt.Errorf("unsupported network %s", network)
	}
	conn, err := p.dialer.DialContext(ctx, "tcp", p.addr)
	if err != nil {
		return nil, err
	}
	if p.https {
		conn = tls.Client(conn, &tls.Config{
			InsecureSkipVerify: p.insecure, //nolint:gosec // user configurable
			ServerName:         p.serverName,
		})
	}
	req := &http.Request{
		Method: http.MethodConnect,
		URL: &url.URL{
			Host: address,
		},
		Header: http.Header{
			"Proxy-Connection": []string{"Keep-Alive"},
		},
	}
	if p.basicAuth != "" {
		req.Header.Add("Proxy-Authorization", p.basicAuth)
	}
	if err := req.Write(conn); err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err := conn.SetDeadline(time.Now().Add(httpRequestTimeout)); err != nil {
		_ = conn.Close()
		return nil, err
	}
	bufReader := bufio.NewReader(conn)
	resp, err := http.ReadResponse(bufReader, req)
	if resp != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		_ = conn.Close()
		return nil, errHTTPRequestFailed{resp.StatusCode}
	}
	if err := conn.SetDeadline(time.Time{}); err != nil {
		_ = conn.Close()
		return nil, err
	}
	if bufReader.Buffered() > 0 {
		data := make([]byte, bufReader.Buffered())
		if _, err := io.ReadFull(bufReader, data); err != nil {
			_ = conn.Close()
			return nil, err
		}
		return &cachedConn{
			Conn:   conn,
			Buffer: *bytes.NewBuffer(data),
		}, nil
	}
	return conn, nil
}

// cachedConn is a net.Conn wrapper that first Read()s from a buffer,
// and then from the underlying net.Conn when the buffer is drained.
type cachedConn struct {
	net.Conn
	Buffer bytes.Buffer
}

func (c *cachedConn) Read(b []byte) (int, error) {
	if c.Buffer.Len() > 0 {
		n, err := c.Buffer.Read(b)
		if err == io.EOF {
			err = nil
		}
		return n, err
	}
	return c.Conn.Read(b)
}
