// Package upstream provides the name-resolution transports that fetch
// address records for one family at a time: plain DNS over UDP or TCP,
// DNS-over-TLS, DNS-over-HTTPS, the operating system resolver, and a
// fixed in-memory table.
package upstream

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/xflash-panda/dnsflight/pkg/cache"
)

const (
	defaultTimeout    = 2 * time.Second
	defaultRetryTimes = 2
	defaultDNSPort    = "53"
	defaultDNSTLSPort = "853"
)

// ErrNoRecords reports that the upstream answered authoritatively but
// held no usable records for the requested family. This covers both a
// name error and a clean answer without records of the asked type.
var ErrNoRecords = errors.New("no records")

// RR is a single address record with its authoritative TTL. A TTL of
// zero means the transport does not expose TTLs.
type RR struct {
	Addr string
	TTL  time.Duration
}

// Queryer fetches the address records of a single family for a
// hostname. family must be cache.Family4 or cache.Family6.
type Queryer interface {
	Query(host string, family cache.Family) ([]RR, error)
}

func noRecords(host string, family cache.Family) error {
	return fmt.Errorf("host %s family %s: %w", host, family, ErrNoRecords)
}

func addDefaultPort(addr, defaultPort string) string {
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return net.JoinHostPort(addr, defaultPort)
	}
	return addr
}

func timeoutOrDefault(timeout time.Duration) time.Duration {
	if timeout == 0 {
		return defaultTimeout
	}
	return timeout
}
