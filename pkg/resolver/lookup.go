package resolver

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xflash-panda/dnsflight/pkg/cache"
	"github.com/xflash-panda/dnsflight/pkg/upstream"
)

// Lookup resolves host and shapes the answer per q. Without q.All the
// returned slice holds exactly one address. A literal IP input is
// returned as itself, with its actual family, bypassing the cache and
// the coordination layer entirely.
func (r *Resolver) Lookup(host string, q Query) ([]cache.Addr, error) {
	switch q.Family {
	case cache.FamilyUnspec, cache.Family4, cache.Family6:
	default:
		return nil, fmt.Errorf("unsupported family %s", q.Family)
	}

	if ip := net.ParseIP(host); ip != nil {
		return []cache.Addr{{Address: host, Family: cache.FamilyOf(ip)}}, nil
	}
	host = strings.ToLower(host)

	records := r.cache.Read(host, q.Family)
	if len(records) > 0 {
		r.logger.Debug("cache hit",
			zap.String("host", host), zap.Stringer("family", q.Family),
			zap.Int("records", len(records)))
	} else {
		var err error
		records, err = r.fetch(host, q)
		if err != nil {
			return nil, err
		}
	}
	return shape(host, records, q)
}

// LookupAddr returns one address for host, IPv4 preferred.
func (r *Resolver) LookupAddr(host string) (cache.Addr, error) {
	addrs, err := r.Lookup(host, Query{})
	if err != nil {
		return cache.Addr{}, err
	}
	return addrs[0], nil
}

// LookupAll returns every known address for host.
func (r *Resolver) LookupAll(host string) ([]cache.Addr, error) {
	return r.Lookup(host, Query{All: true})
}

// LookupAsync delivers Lookup's outcome to fn from its own goroutine.
func (r *Resolver) LookupAsync(host string, q Query, fn func([]cache.Addr, error)) {
	go func() {
		fn(r.Lookup(host, q))
	}()
}

// fetch funnels one logical fetch through the coordination registry,
// so concurrent identical lookups collapse into one upstream round
// and its outcome, failure included, serves repeats for a TTL window.
func (r *Resolver) fetch(host string, q Query) ([]cache.Record, error) {
	key := fmt.Sprintf("%s|%s|%t", host, q.Family, q.All)
	return r.fetches.Do(key, r.ttl, false, func() ([]cache.Record, error) {
		return r.doFetch(host, q.Family)
	})
}

// doFetch is one upstream round: override seed, then the IPv4 branch
// ahead of the IPv6 branch, each caching its own family on success.
func (r *Resolver) doFetch(host string, family cache.Family) ([]cache.Record, error) {
	r.logger.Debug("fetching", zap.String("host", host), zap.Stringer("family", family))

	var results []cache.Record
	if table, err := r.overrideTable(); err == nil {
		results = append(results, table.Lookup(host, cache.FamilyUnspec)...)
	} else {
		r.logger.Debug("override table unavailable", zap.Error(err))
	}

	var err4, err6 error
	fetched4 := false

	if family == cache.FamilyUnspec || family == cache.Family4 {
		fetched4 = true
		recs, err := r.queryFamily(host, cache.Family4)
		if err == nil {
			results = append(results, recs...)
			r.cache.ReplaceFamily(host, cache.Family4, recs)
		} else {
			err4 = err
		}
	}

	if family == cache.FamilyUnspec || family == cache.Family6 {
		recs, err := r.queryFamily(host, cache.Family6)
		switch {
		case err == nil:
			results = append(results, recs...)
			r.cache.ReplaceFamily(host, cache.Family6, recs)
		case family == cache.Family6 && errors.Is(err, upstream.ErrNoRecords):
			// No native IPv6 record but the caller insists on family
			// 6: answer with the IPv4-mapped form of the known IPv4
			// addresses, fetching those first if this round has not.
			if !fetched4 {
				if recs4, errDemand := r.queryFamily(host, cache.Family4); errDemand == nil {
					results = append(results, recs4...)
					r.cache.ReplaceFamily(host, cache.Family4, recs4)
				}
			}
			mapped := mapToV6(results, r.cache.Read(host, cache.Family4))
			if len(mapped) > 0 {
				r.logger.Debug("synthesized mapped records",
					zap.String("host", host), zap.Int("records", len(mapped)))
				results = append(results, mapped...)
			} else {
				err6 = err
			}
		default:
			err6 = err
		}
	}

	switch {
	case family == cache.FamilyUnspec && err4 != nil && err6 != nil:
		return nil, &NoDataError{Host: host}
	case family == cache.Family4 && err4 != nil:
		return nil, &FamilyError{Host: host, Family: cache.Family4, Err: err4}
	case family == cache.Family6 && err6 != nil:
		return nil, &FamilyError{Host: host, Family: cache.Family6, Err: err6}
	}
	return results, nil
}

// queryFamily runs one upstream query and stamps each answer with
// now + max(authoritative TTL, minimum TTL).
func (r *Resolver) queryFamily(host string, family cache.Family) ([]cache.Record, error) {
	rrs, err := r.queryer.Query(host, family)
	if err != nil {
		r.logger.Debug("upstream query failed",
			zap.String("host", host), zap.Stringer("family", family), zap.Error(err))
		return nil, err
	}
	now := time.Now()
	records := make([]cache.Record, 0, len(rrs))
	for _, rr := range rrs {
		ttl := rr.TTL
		if ttl < r.ttl {
			ttl = r.ttl
		}
		records = append(records, cache.Record{
			Address:   rr.Addr,
			Family:    family,
			ExpiresAt: now.Add(ttl),
		})
	}
	r.logger.Debug("upstream query",
		zap.String("host", host), zap.Stringer("family", family),
		zap.Int("records", len(records)))
	return records, nil
}

// mapToV6 builds IPv4-mapped IPv6 records from the IPv4 records of
// this round's results and the live cache, deduplicated by address.
// Each mapped record reuses its source's expiration.
func mapToV6(results, cached []cache.Record) []cache.Record {
	seen := make(map[string]struct{})
	var mapped []cache.Record
	for _, list := range [][]cache.Record{results, cached} {
		for _, rec := range list {
			if rec.Family != cache.Family4 {
				continue
			}
			if _, ok := seen[rec.Address]; ok {
				continue
			}
			seen[rec.Address] = struct{}{}
			mapped = append(mapped, cache.Record{
				Address:   "::ffff:" + rec.Address,
				Family:    cache.Family6,
				ExpiresAt: rec.ExpiresAt,
			})
		}
	}
	return mapped
}

// shape projects records down to address/family pairs. With q.All the
// whole family-filtered list comes back; otherwise the first matching
// record wins, IPv4 leading in the family-unspecified case because
// the IPv4 branch merges ahead of the IPv6 one.
func shape(host string, records []cache.Record, q Query) ([]cache.Addr, error) {
	if q.All {
		var out []cache.Addr
		for _, rec := range records {
			if q.Family != cache.FamilyUnspec && rec.Family != q.Family {
				continue
			}
			out = append(out, rec.Addr())
		}
		return out, nil
	}
	if q.Family != cache.FamilyUnspec {
		for _, rec := range records {
			if rec.Family == q.Family {
				return []cache.Addr{rec.Addr()}, nil
			}
		}
		return nil, &NoFamilyMatchError{Host: host, Family: q.Family}
	}
	return []cache.Addr{records[0].Addr()}, nil
}
