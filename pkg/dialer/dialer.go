// Package dialer turns resolver answers into live connections. Its
// Dialer resolves a hostname through the caching resolver and dials
// the chosen address with a configurable family preference, and its
// Installer injects that behavior into transports that expose one of
// the hook capabilities.
package dialer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/xflash-panda/dnsflight/pkg/cache"
	"github.com/xflash-panda/dnsflight/pkg/resolver"
)

// DialContextFunc is the shape of a context-aware dial function.
type DialContextFunc func(ctx context.Context, network, address string) (net.Conn, error)

// Mode specifies the address family preference for connections.
type Mode int

const (
	ModeAuto Mode = iota // Dual-stack race, first connection wins
	Mode64               // Use IPv6 address when available, otherwise IPv4
	Mode46               // Use IPv4 address when available, otherwise IPv6
	Mode6                // Use IPv6 only, fail if not available
	Mode4                // Use IPv4 only, fail if not available

	defaultDialTimeout = 10 * time.Second
)

type noAddressError struct {
	IPv4 bool
	IPv6 bool
}

func (e noAddressError) Error() string {
	if e.IPv4 && e.IPv6 {
		return "no IPv4 or IPv6 address available"
	} else if e.IPv4 {
		return "no IPv4 address available"
	} else if e.IPv6 {
		return "no IPv6 address available"
	} else {
		return "no address available"
	}
}

type invalidModeError struct{}

func (e invalidModeError) Error() string {
	return "invalid dialer mode"
}

type resolveError struct {
	Err error
}

func (e resolveError) Error() string {
	if e.Err == nil {
		return "resolve error"
	}
	return "resolve error: " + e.Err.Error()
}

func (e resolveError) Unwrap() error {
	return e.Err
}

// Dialer dials hostnames through the caching resolver.
type Dialer struct {
	resolver *resolver.Resolver
	mode     Mode

	// dial4 and dial6 carry the per-family dialers so each can bind
	// to its own local address.
	dial4 DialContextFunc
	dial6 DialContextFunc

	logger *zap.Logger
}

// Option configures the Dialer.
type Option func(*dialerOptions)

type dialerOptions struct {
	mode     Mode
	bindIP4  net.IP
	bindIP6  net.IP
	fastOpen bool
	timeout  time.Duration
	logger   *zap.Logger
}

// WithMode sets the address family preference.
func WithMode(m Mode) Option {
	return func(o *dialerOptions) {
		o.mode = m
	}
}

// WithBindIPs binds outgoing IPv4 and IPv6 connections to the given
// local addresses. Either may be nil to leave that family unbound.
func WithBindIPs(ip4, ip6 net.IP) Option {
	return func(o *dialerOptions) {
		o.bindIP4 = ip4
		o.bindIP6 = ip6
	}
}

// WithFastOpen enables TCP Fast Open on outgoing connections.
func WithFastOpen() Option {
	return func(o *dialerOptions) {
		o.fastOpen = true
	}
}

// WithTimeout sets the per-connection dial timeout.
func WithTimeout(d time.Duration) Option {
	return func(o *dialerOptions) {
		o.timeout = d
	}
}

// WithLogger sets the logger. Defaults to a nop logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *dialerOptions) {
		o.logger = l
	}
}

// New creates a Dialer backed by r.
func New(r *resolver.Resolver, opts ...Option) (*Dialer, error) {
	options := &dialerOptions{
		timeout: defaultDialTimeout,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(options)
	}

	dialer4 := &net.Dialer{
		Timeout: options.timeout,
	}
	if options.bindIP4 != nil {
		if options.bindIP4.To4() == nil {
			return nil, errors.New("bind IP for IPv4 must be an IPv4 address")
		}
		dialer4.LocalAddr = &net.TCPAddr{
			IP: options.bindIP4,
		}
	}
	dialer6 := &net.Dialer{
		Timeout: options.timeout,
	}
	if options.bindIP6 != nil {
		if options.bindIP6.To4() != nil {
			return nil, errors.New("bind IP for IPv6 must be an IPv6 address")
		}
		dialer6.LocalAddr = &net.TCPAddr{
			IP: options.bindIP6,
		}
	}

	dial4 := DialContextFunc(dialer4.DialContext)
	dial6 := DialContextFunc(dialer6.DialContext)
	if options.fastOpen {
		dial4 = fastOpenDialContext(dialer4)
		dial6 = fastOpenDialContext(dialer6)
	}

	return &Dialer{
		resolver: r,
		mode:     options.mode,
		dial4:    dial4,
		dial6:    dial6,
		logger:   options.logger,
	}, nil
}

// DialContext resolves the host in address and connects to it. The
// network selects the transport and may pin the family ("tcp4",
// "udp6"); within that constraint the dialer's mode decides which
// address wins, with ModeAuto racing both families.
func (d *Dialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	base, family, err := networkFamily(network)
	if err != nil {
		return nil, err
	}
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		return nil, err
	}

	addrs, err := d.resolver.Lookup(host, resolver.Query{Family: family, All: true})
	if err != nil {
		return nil, resolveError{Err: err}
	}
	v4, v6 := splitFamilies(addrs)
	// A literal of the wrong family can slip past a pinned network.
	if family == cache.Family4 {
		v6 = ""
	}
	if family == cache.Family6 {
		v4 = ""
	}
	if v4 == "" && v6 == "" {
		return nil, noAddressError{IPv4: family == cache.Family4, IPv6: family == cache.Family6}
	}

	if d.mode == ModeAuto && v4 != "" && v6 != "" {
		return d.dualStackDial(ctx, base, v4, v6, port)
	}
	chosen, err := d.pick(v4, v6)
	if err != nil {
		return nil, err
	}
	return d.dialOne(ctx, base, chosen, port)
}

// Resolve rewrites a host:port to a resolved ip:port, honoring the
// dialer's family preference. Literal IP addresses pass through.
func (d *Dialer) Resolve(address string) (string, error) {
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		return "", err
	}
	if net.ParseIP(host) != nil {
		return address, nil
	}
	addrs, err := d.resolver.Lookup(host, resolver.Query{Family: d.lookupFamily(), All: true})
	if err != nil {
		return "", resolveError{Err: err}
	}
	v4, v6 := splitFamilies(addrs)
	chosen, err := d.pick(v4, v6)
	if err != nil {
		return "", err
	}
	return net.JoinHostPort(chosen, port), nil
}

// pick selects one address per the mode. ModeAuto picks IPv4 first
// for maximum compatibility; racing is DialContext's business.
func (d *Dialer) pick(v4, v6 string) (string, error) {
	switch d.mode {
	case ModeAuto, Mode46:
		if v4 != "" {
			return v4, nil
		}
		if v6 != "" {
			return v6, nil
		}
		return "", noAddressError{}
	case Mode64:
		if v6 != "" {
			return v6, nil
		}
		if v4 != "" {
			return v4, nil
		}
		return "", noAddressError{}
	case Mode6:
		if v6 != "" {
			return v6, nil
		}
		return "", noAddressError{IPv6: true}
	case Mode4:
		if v4 != "" {
			return v4, nil
		}
		return "", noAddressError{IPv4: true}
	default:
		return "", invalidModeError{}
	}
}

func (d *Dialer) lookupFamily() cache.Family {
	switch d.mode {
	case Mode4:
		return cache.Family4
	case Mode6:
		return cache.Family6
	}
	return cache.FamilyUnspec
}

// dialOne connects to a single address, choosing the per-family
// dialer by the address's own syntax. IPv4-mapped IPv6 addresses dial
// as IPv4.
func (d *Dialer) dialOne(ctx context.Context, network, address, port string) (net.Conn, error) {
	target := net.JoinHostPort(address, port)
	if ip := net.ParseIP(address); ip != nil && ip.To4() != nil {
		return d.dial4(ctx, network+"4", target)
	}
	return d.dial6(ctx, network+"6", target)
}

type dialResult struct {
	Conn net.Conn
	Err  error
}

// dualStackDial dials the IPv4 and IPv6 addresses simultaneously and
// returns the first successful connection, closing the other when it
// lands. If both fail, the last error is returned.
func (d *Dialer) dualStackDial(ctx context.Context, network, v4, v6, port string) (net.Conn, error) {
	ch := make(chan dialResult, 2)
	go func() {
		conn, err := d.dialOne(ctx, network, v4, port)
		ch <- dialResult{Conn: conn, Err: err}
	}()
	go func() {
		conn, err := d.dialOne(ctx, network, v6, port)
		ch <- dialResult{Conn: conn, Err: err}
	}()
	if r := <-ch; r.Err == nil {
		go func() {
			r2 := <-ch
			if r2.Conn != nil {
				_ = r2.Conn.Close()
			}
		}()
		return r.Conn, nil
	}
	r2 := <-ch
	return r2.Conn, r2.Err
}

// networkFamily splits a network name into its base transport and the
// family it pins, if any.
func networkFamily(network string) (string, cache.Family, error) {
	switch network {
	case "tcp", "udp":
		return network, cache.FamilyUnspec, nil
	case "tcp4", "udp4":
		return network[:3], cache.Family4, nil
	case "tcp6", "udp6":
		return network[:3], cache.Family6, nil
	}
	return "", cache.FamilyUnspec, fmt.Errorf("unsupported network %s", network)
}

// splitFamilies returns the first address of each family, by the
// resolver's own family tags.
func splitFamilies(addrs []cache.Addr) (v4, v6 string) {
	for _, a := range addrs {
		switch {
		case a.Family == cache.Family4 && v4 == "":
			v4 = a.Address
		case a.Family == cache.Family6 && v6 == "":
			v6 = a.Address
		}
	}
	return v4, v6
}
