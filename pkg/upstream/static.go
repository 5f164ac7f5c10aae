package upstream

import (
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/xflash-panda/dnsflight/pkg/cache"
)

// Static is a fixed in-memory Queryer. It never touches the network
// and serves only the addresses it was given.
type Static struct {
	mu      sync.RWMutex
	ttl     time.Duration
	entries map[string][]string
}

// NewStatic creates an empty static queryer whose records carry ttl.
func NewStatic(ttl time.Duration) *Static {
	return &Static{
		ttl:     ttl,
		entries: make(map[string][]string),
	}
}

// Set replaces host's address literals. Hostnames are matched case
// insensitively.
func (s *Static) Set(host string, addrs ...string) {
	s.mu.Lock()
	s.entries[strings.ToLower(host)] = addrs
	s.mu.Unlock()
}

// Delete removes host from the table.
func (s *Static) Delete(host string) {
	s.mu.Lock()
	delete(s.entries, strings.ToLower(host))
	s.mu.Unlock()
}

// Query returns host's family records from the table.
func (s *Static) Query(host string, family cache.Family) ([]RR, error) {
	if family != cache.Family4 && family != cache.Family6 {
		return nil, fmt.Errorf("unsupported family %s", family)
	}
	s.mu.RLock()
	addrs := s.entries[strings.ToLower(host)]
	s.mu.RUnlock()

	var records []RR
	for _, addr := range addrs {
		ip := net.ParseIP(addr)
		if ip == nil || cache.FamilyOf(ip) != family {
			continue
		}
		records = append(records, RR{Addr: ip.String(), TTL: s.ttl})
	}
	if len(records) == 0 {
		return nil, noRecords(host, family)
	}
	return records, nil
}
