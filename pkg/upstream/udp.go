package upstream

import (
	"crypto/tls"
	"fmt"
	"time"

	"github.com/miekg/dns"

	"github.com/xflash-panda/dnsflight/pkg/cache"
)

// maxChaseDepth bounds CNAME chain re-queries.
const maxChaseDepth = 8

// UDP is a Queryer that uses a UDP DNS server.
type UDP struct {
	addr       string
	client     *dns.Client
	retryTimes int
}

// NewUDP creates a new UDP DNS queryer.
func NewUDP(addr string, timeout time.Duration) Queryer {
	return &UDP{
		addr: addDefaultPort(addr, defaultDNSPort),
		client: &dns.Client{
			Timeout: timeoutOrDefault(timeout),
		},
		retryTimes: defaultRetryTimes,
	}
}

// TCP is a Queryer that uses a TCP DNS server.
type TCP struct {
	addr       string
	client     *dns.Client
	retryTimes int
}

// NewTCP creates a new TCP DNS queryer.
func NewTCP(addr string, timeout time.Duration) Queryer {
	return &TCP{
		addr: addDefaultPort(addr, defaultDNSPort),
		client: &dns.Client{
			Net:     "tcp",
			Timeout: timeoutOrDefault(timeout),
		},
		retryTimes: defaultRetryTimes,
	}
}

// TLS is a Queryer that uses a DNS-over-TLS server.
type TLS struct {
	addr       string
	client     *dns.Client
	retryTimes int
}

// NewTLS creates a new DNS-over-TLS queryer.
func NewTLS(addr string, timeout time.Duration, sni string, insecure bool) Queryer {
	return &TLS{
		addr: addDefaultPort(addr, defaultDNSTLSPort),
		client: &dns.Client{
			Net:     "tcp-tls",
			Timeout: timeoutOrDefault(timeout),
			TLSConfig: &tls.Config{
				ServerName:         sni,
				InsecureSkipVerify: insecure, //nolint:gosec // user configurable
			},
		},
		retryTimes: defaultRetryTimes,
	}
}

// skipCNAMEChain skips the CNAME chain and returns the last CNAME target.
func skipCNAMEChain(answers []dns.RR) string {
	var lastCNAME string
	for _, a := range answers {
		if cname, ok := a.(*dns.CNAME); ok {
			if lastCNAME == "" {
				lastCNAME = cname.Target
			} else if cname.Hdr.Name == lastCNAME {
				lastCNAME = cname.Target
			} else {
				return lastCNAME
			}
		}
	}
	return lastCNAME
}

type dnsQueryer interface {
	exchange(m *dns.Msg) (*dns.Msg, error)
	getRetryTimes() int
}

func (r *UDP) exchange(m *dns.Msg) (*dns.Msg, error) {
	resp, _, err := r.client.Exchange(m, r.addr)
	return resp, err
}

func (r *UDP) getRetryTimes() int {
	return r.retryTimes
}

func (r *TCP) exchange(m *dns.Msg) (*dns.Msg, error) {
	resp, _, err := r.client.Exchange(m, r.addr)
	return resp, err
}

func (r *TCP) getRetryTimes() int {
	return r.retryTimes
}

func (r *TLS) exchange(m *dns.Msg) (*dns.Msg, error) {
	resp, _, err := r.client.Exchange(m, r.addr)
	return resp, err
}

func (r *TLS) getRetryTimes() int {
	return r.retryTimes
}

func headerTTL(h dns.RR_Header) time.Duration {
	return time.Duration(h.Ttl) * time.Second
}

// lookup asks for one record type and returns every matching answer.
// An empty result with a nil error means the name resolved cleanly to
// nothing, a name error included.
func lookup(q dnsQueryer, host string, qtype uint16, depth int) ([]RR, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(host), qtype)
	m.RecursionDesired = true
	resp, err := q.exchange(m)
	if err != nil {
		return nil, err
	}
	if resp.Rcode == dns.RcodeNameError {
		return nil, nil
	}
	if resp.Rcode != dns.RcodeSuccess {
		return nil, fmt.Errorf("dns query for %s failed with %s", host, dns.RcodeToString[resp.Rcode])
	}
	var records []RR
	hasCNAME := false
	for _, a := range resp.Answer {
		switch rr := a.(type) {
		case *dns.A:
			if qtype == dns.TypeA {
				records = append(records, RR{Addr: rr.A.String(), TTL: headerTTL(rr.Hdr)})
			}
		case *dns.AAAA:
			if qtype == dns.TypeAAAA {
				records = append(records, RR{Addr: rr.AAAA.String(), TTL: headerTTL(rr.Hdr)})
			}
		case *dns.CNAME:
			hasCNAME = true
		}
	}
	if len(records) == 0 && hasCNAME && depth < maxChaseDepth {
		return lookup(q, skipCNAMEChain(resp.Answer), qtype, depth+1)
	}
	return records, nil
}

func query(q dnsQueryer, host string, family cache.Family) ([]RR, error) {
	var qtype uint16
	switch family {
	case cache.Family4:
		qtype = dns.TypeA
	case cache.Family6:
		qtype = dns.TypeAAAA
	default:
		return nil, fmt.Errorf("unsupported family %s", family)
	}
	var records []RR
	var lookupErr error
	for i := 0; i < q.getRetryTimes(); i++ {
		records, lookupErr = lookup(q, host, qtype, 0)
		if lookupErr == nil {
			break
		}
	}
	if lookupErr != nil {
		return nil, lookupErr
	}
	if len(records) == 0 {
		return nil, noRecords(host, family)
	}
	return records, nil
}

// Query fetches family records for host from the UDP DNS server.
func (r *UDP) Query(host string, family cache.Family) ([]RR, error) {
	return query(r, host, family)
}

// Query fetches family records for host from the TCP DNS server.
func (r *TCP) Query(host string, family cache.Family) ([]RR, error) {
	return query(r, host, family)
}

// Query fetches family records for host from the DNS-over-TLS server.
func (r *TLS) Query(host string, family cache.Family) ([]RR, error) {
	return query(r, host, family)
}
