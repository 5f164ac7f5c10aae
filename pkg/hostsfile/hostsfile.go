// Package hostsfile loads hosts(5)-format override tables. Every
// record of one load shares a single expiration, so a table goes
// stale as a unit and is replaced by the next load.
package hostsfile

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"github.com/xflash-panda/dnsflight/pkg/cache"
)

// Table maps lowercased hostnames to their override records.
type Table struct {
	entries map[string][]cache.Record
}

// Load reads and parses the hosts file at path. Records expire ttl
// from now.
func Load(path string, ttl time.Duration) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open hosts file %s: %w", path, err)
	}
	defer f.Close()

	t, err := Parse(f, ttl)
	if err != nil {
		return nil, fmt.Errorf("read hosts file %s: %w", path, err)
	}
	return t, nil
}

// Parse reads hosts(5) lines from r. The first field of a line must
// be an IP literal and the rest are hostnames for it, up to a field
// starting with '#'. Lines whose first field is not an IP literal are
// skipped whole.
func Parse(r io.Reader, ttl time.Duration) (*Table, error) {
	expiresAt := time.Now().Add(ttl)
	entries := make(map[string][]cache.Record)

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 || strings.HasPrefix(fields[0], "#") {
			continue
		}
		ip := net.ParseIP(fields[0])
		if ip == nil {
			continue
		}
		rec := cache.Record{
			Address:   ip.String(),
			Family:    cache.FamilyOf(ip),
			ExpiresAt: expiresAt,
		}
		for _, name := range fields[1:] {
			if strings.HasPrefix(name, "#") {
				break
			}
			host := strings.ToLower(name)
			entries[host] = append(entries[host], rec)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return &Table{entries: entries}, nil
}

// Lookup returns host's live records for family, or all families when
// family is FamilyUnspec. The returned slice is the caller's to keep.
func (t *Table) Lookup(host string, family cache.Family) []cache.Record {
	records := t.entries[strings.ToLower(host)]
	if len(records) == 0 {
		return nil
	}
	var out []cache.Record
	for _, rec := range records {
		if rec.Expired() {
			continue
		}
		if family != cache.FamilyUnspec && rec.Family != family {
			continue
		}
		out = append(out, rec)
	}
	return out
}

// Len returns the number of hostnames in the table.
func (t *Table) Len() int {
	return len(t.entries)
}
