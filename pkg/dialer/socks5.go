package dialer

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/txthinking/socks5"
)

const (
	socks5NegotiationTimeout = 10 * time.Second
	socks5RequestTimeout     = 10 * time.Second
)

var errSOCKS5AuthFailed = errors.New("SOCKS5 authentication failed")

type errSOCKS5UnsupportedAuthMethod struct {
	Method byte
}

func (e errSOCKS5UnsupportedAuthMethod) Error() string {
	return fmt.Sprintf("unsupported SOCKS5 authentication method: %d", e.Method)
}

type errSOCKS5RequestFailed struct {
	Rep byte
}

func (e errSOCKS5RequestFailed) Error() string {
	var msg string
	// RFC 1928
	switch e.Rep {
	case 0x00:
		msg = "succeeded"
	case 0x01:
		msg = "general SOCKS server failure"
	case 0x02:
		msg = "connection not allowed by ruleset"
	case 0x03:
		msg = "Network unreachable"
	case 0x04:
		msg = "Host unreachable"
	case 0x05:
		msg = "Connection refused"
	case 0x06:
		msg = "TTL expired"
	case 0x07:
		msg = "Command not supported"
	case 0x08:
		msg = "Address type not supported"
	default:
		msg = "undefined"
	}
	return fmt.Sprintf("SOCKS5 request failed: %s (%d)", msg, e.Rep)
}

// SOCKS5 opens connections through a SOCKS5 proxy server. The proxy
// accepts either a domain name or an IP literal as the target, so
// without an installed hook the proxy resolves the name itself; with
// one, resolution happens locally and the proxy sees the address.
// SOCKS5 implements the ConnCreator capability.
type SOCKS5 struct {
	dialer   *net.Dialer
	addr     string
	username string
	password string

	mu     sync.Mutex
	create DialContextFunc
}

// NewSOCKS5 creates a SOCKS5 transport for the proxy at addr.
// Username and password may be empty for an unauthenticated proxy.
func NewSOCKS5(addr, username, password string) *SOCKS5 {
	s := &SOCKS5{
		dialer: &net.Dialer{
			Timeout: defaultDialTimeout,
		},
		addr:     addr,
		username: username,
		password: password,
	}
	s.create = s.connect
	return s
}

// CreateConn returns the current connection creator.
func (s *SOCKS5) CreateConn() DialContextFunc {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.create
}

// SetCreateConn replaces the connection creator.
func (s *SOCKS5) SetCreateConn(fn DialContextFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.create = fn
}

// DialContext opens a proxied connection to address.
func (s *SOCKS5) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	return s.CreateConn()(ctx, network, address)
}

// connect is the raw proxy round: negotiate, then CONNECT to address.
func (s *SOCKS5) connect(ctx context.Context, network, address string) (net.Conn, error) {
	switch network {
	case "tcp", "tcp4", "tcp6":
	default:
		return nil, fmt.Errorf("unsupported network %s", network)
	}
	conn, err := s.negotiate(ctx)
	if err != nil {
		return nil, err
	}
	atyp, dstAddr, dstPort, err := socks5Address(address)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	req := socks5.NewRequest(socks5.CmdConnect, atyp, dstAddr, dstPort)
	if err := s.request(conn, req); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return conn, nil
}

// negotiate creates a new TCP connection to the proxy server and
// performs the negotiation. Returns an established connection ready
// to handle requests, or an error if the process fails.
func (s *SOCKS5) negotiate(ctx context.Context) (net.Conn, error) {
	conn, err := s.dialer.DialContext(ctx, "tcp", s.addr)
	if err != nil {
		return nil, err
	}
	if err := conn.SetDeadline(time.Now().Add(socks5NegotiationTimeout)); err != nil {
		_ = conn.Close()
		return nil, err
	}
	authMethods := []byte{socks5.MethodNone}
	if s.username != "" && s.password != "" {
		authMethods = append(authMethods, socks5.MethodUsernamePassword)
	}
	req := socks5.NewNegotiationRequest(authMethods)
	if _, err := req.WriteTo(conn); err != nil {
		_ = conn.Close()
		return nil, err
	}
	resp, err := socks5.NewNegotiationReplyFrom(conn)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if resp.Method == socks5.MethodUsernamePassword {
		upReq := socks5.NewUserPassNegotiationRequest([]byte(s.username), []byte(s.password))
		if _, err := upReq.WriteTo(conn); err != nil {
			_ = conn.Close()
			return nil, err
		}
		upResp, err := socks5.NewUserPassNegotiationReplyFrom(conn)
		if err != nil {
			_ = conn.Close()
			return nil, err
		}
		if upResp.Status != socks5.UserPassStatusSuccess {
			_ = conn.Close()
			return nil, errSOCKS5AuthFailed
		}
	} else if resp.Method != socks5.MethodNone {
		_ = conn.Close()
		return nil, errSOCKS5UnsupportedAuthMethod{resp.Method}
	}
	// Negotiation succeeded, reset the deadline.
	if err := conn.SetDeadline(time.Time{}); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return conn, nil
}

// request sends a SOCKS5 request to the proxy server and checks the
// reply for success.
func (s *SOCKS5) request(conn net.Conn, req *socks5.Request) error {
	if err := conn.SetDeadline(time.Now().Add(socks5RequestTimeout)); err != nil {
		return err
	}
	if _, err := req.WriteTo(conn); err != nil {
		return err
	}
	resp, err := socks5.NewReplyFrom(conn)
	if err != nil {
		return err
	}
	if resp.Rep != socks5.RepSuccess {
		return errSOCKS5RequestFailed{resp.Rep}
	}
	return conn.SetDeadline(time.Time{})
}

// socks5Address converts a host:port into SOCKS5 request fields. The
// length prefix for domain targets is the request codec's business.
func socks5Address(address string) (atyp byte, dstAddr, dstPort []byte, err error) {
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		return 0, nil, nil, err
	}
	portNum, err := strconv.ParseUint(port, 10, 16)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("invalid port %s: %w", port, err)
	}
	if ip := net.ParseIP(host); ip != nil {
		if ip4 := ip.To4(); ip4 != nil {
			atyp = socks5.ATYPIPv4
			dstAddr = ip4
		} else {
			atyp = socks5.ATYPIPv6
			dstAddr = ip.To16()
		}
	} else {
		atyp = socks5.ATYPDomain
		dstAddr = []byte(host)
	}
	dstPort = make([]byte, 2)
	binary.BigEndian.PutUint16(dstPort, uint16(portNum))
	return atyp, dstAddr, dstPort, nil
}
