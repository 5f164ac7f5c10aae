package cache

import (
	"fmt"
	"net"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultSize is the default maximum number of hostnames the cache holds.
const DefaultSize = 4096

// Family is the address family of a resolved address.
type Family uint8

const (
	// FamilyUnspec matches records of any family.
	FamilyUnspec Family = 0
	// Family4 is IPv4.
	Family4 Family = 4
	// Family6 is IPv6.
	Family6 Family = 6
)

func (f Family) String() string {
	switch f {
	case FamilyUnspec:
		return "any"
	case Family4:
		return "4"
	case Family6:
		return "6"
	default:
		return fmt.Sprintf("unknown_%d", uint8(f))
	}
}

// FamilyOf classifies an IP address. Four-byte-mappable addresses
// count as IPv4, everything else as IPv6.
func FamilyOf(ip net.IP) Family {
	if ip.To4() != nil {
		return Family4
	}
	return Family6
}

// Record is one resolved address with its own expiration.
// Records are immutable once constructed.
type Record struct {
	Address   string
	Family    Family
	ExpiresAt time.Time
}

// Expired reports whether the record is past its expiration.
func (r Record) Expired() bool {
	return !time.Now().Before(r.ExpiresAt)
}

// Addr is the caller-facing projection of a Record, with the
// expiration dropped.
type Addr struct {
	Address string
	Family  Family
}

// Addr projects the record down to its address/family pair.
func (r Record) Addr() Addr {
	return Addr{Address: r.Address, Family: r.Family}
}

// Cache maps hostnames to their resolved address records. Records of
// both families live in one list per hostname, each with its own
// expiration; expired records are filtered at read time, never evicted
// eagerly. The hostname table itself is LRU-bounded.
type Cache struct {
	mu    sync.RWMutex
	hosts *lru.Cache[string, []Record]
}

// New creates a cache with the default size.
func New() (*Cache, error) {
	return NewWithSize(DefaultSize)
}

// NewWithSize creates a cache holding at most size hostnames.
func NewWithSize(size int) (*Cache, error) {
	hosts, err := lru.New[string, []Record](size)
	if err != nil {
		return nil, fmt.Errorf("create LRU cache: %w", err)
	}
	return &Cache{hosts: hosts}, nil
}

// Read returns the live records for host, filtered by family.
// FamilyUnspec matches records of any family. Returns nil when the
// host is absent or nothing live matches. The returned slice is a
// copy; callers may keep or modify it.
func (c *Cache) Read(host string, family Family) []Record {
	c.mu.RLock()
	records, ok := c.hosts.Get(host)
	c.mu.RUnlock()
	if !ok {
		return nil
	}
	now := time.Now()
	var live []Record
	for _, r := range records {
		if !now.Before(r.ExpiresAt) {
			continue
		}
		if family != FamilyUnspec && r.Family != family {
			continue
		}
		live = append(live, r)
	}
	return live
}

// ReplaceFamily atomically swaps out the named family's records for
// host, preserving records of other families. The host's entry is
// created on first write.
func (c *Cache) ReplaceFamily(host string, family Family, records []Record) {
	c.mu.Lock()
	defer c.mu.Unlock()

	existing, _ := c.hosts.Get(host)
	next := make([]Record, 0, len(existing)+len(records))
	for _, r := range existing {
		if r.Family != family {
			next = append(next, r)
		}
	}
	next = append(next, records...)
	c.hosts.Add(host, next)
}

// Len returns the number of hostnames currently cached.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hosts.Len()
}

// Purge drops every entry.
func (c *Cache) Purge() {
	c.mu.Lock()
	c.hosts.Purge()
	c.mu.Unlock()
}
