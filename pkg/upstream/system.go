package upstream

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/xflash-panda/dnsflight/pkg/cache"
)

// System is a Queryer that uses the operating system's resolver. It
// cannot see authoritative TTLs, so its records carry TTL zero and
// rely on the caller's minimum-TTL floor.
type System struct{}

// NewSystem creates a new System queryer.
func NewSystem() Queryer {
	return &System{}
}

// Query fetches family records for host from the system resolver.
func (r *System) Query(host string, family cache.Family) ([]RR, error) {
	var network string
	switch family {
	case cache.Family4:
		network = "ip4"
	case cache.Family6:
		network = "ip6"
	default:
		return nil, fmt.Errorf("unsupported family %s", family)
	}
	ips, err := net.DefaultResolver.LookupIP(context.Background(), network, host)
	if err != nil {
		var dnsErr *net.DNSError
		if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
			return nil, noRecords(host, family)
		}
		return nil, err
	}
	records := make([]RR, 0, len(ips))
	for _, ip := range ips {
		records = append(records, RR{Addr: ip.String()})
	}
	if len(records) == 0 {
		return nil, noRecords(host, family)
	}
	return records, nil
}
