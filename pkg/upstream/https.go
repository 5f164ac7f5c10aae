package upstream

import (
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"golang.org/x/net/dns/dnsmessage"

	"github.com/xflash-panda/dnsflight/pkg/cache"
)

// HTTPS is a Queryer that uses a DNS-over-HTTPS server.
type HTTPS struct {
	url        string
	httpClient *http.Client
}

// NewHTTPS creates a new DNS-over-HTTPS queryer.
func NewHTTPS(addr string, timeout time.Duration, sni string, insecure bool) Queryer {
	url := addr
	if !strings.HasPrefix(addr, "https://") {
		url = fmt.Sprintf("https://%s/dns-query", addr)
	}
	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.TLSClientConfig = &tls.Config{
		ServerName:         sni,
		InsecureSkipVerify: insecure, //nolint:gosec // user configurable
	}
	return &HTTPS{
		url: url,
		httpClient: &http.Client{
			Transport: tr,
			Timeout:   timeoutOrDefault(timeout),
		},
	}
}

// lookup posts one question and returns the parsed answers. An empty
// result with a nil error means a name error.
func (r *HTTPS) lookup(dnsType dnsmessage.Type, host string) ([]dnsmessage.Resource, error) {
	if r.url == "" {
		return nil, errors.New("no DoH URL provided")
	}
	client := r.httpClient
	if client == nil {
		client = http.DefaultClient
	}
	if !strings.HasSuffix(host, ".") {
		host += "."
	}
	name, err := dnsmessage.NewName(host)
	if err != nil {
		return nil, fmt.Errorf("failed to parse host %s: %w", host, err)
	}

	reqBuilder := dnsmessage.NewBuilder(nil, dnsmessage.Header{
		RecursionDesired: true,
	})
	reqBuilder.EnableCompression()
	err = reqBuilder.StartQuestions()
	if err != nil {
		return nil, fmt.Errorf("failed to start dns questions for host %s: %w", host, err)
	}
	err = reqBuilder.Question(dnsmessage.Question{
		Name:  name,
		Type:  dnsType,
		Class: dnsmessage.ClassINET,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build dns question for host %s: %w", host, err)
	}
	reqMsg, err := reqBuilder.Finish()
	if err != nil {
		return nil, fmt.Errorf("failed to finish dns message for host %s: %w", host, err)
	}
	httpReq, err := http.NewRequest("POST", r.url, strings.NewReader(string(reqMsg)))
	if err != nil {
		return nil, fmt.Errorf("failed to create http request for host %s: %w", host, err)
	}
	httpReq.Header.Set("Content-Type", "application/dns-message")

	httpResp, err := client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to perform http request for host %s: %w", host, err)
	}
	defer func() { _ = httpResp.Body.Close() }()
	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("non-200 status-code=%d for host %s", httpResp.StatusCode, host)
	}
	if httpResp.Header.Get("Content-Type") != "application/dns-message" {
		return nil, fmt.Errorf("unexpected content-type=%s for host %s", httpResp.Header.Get("Content-Type"), host)
	}

	limitedBody := io.LimitReader(httpResp.Body, 65536)
	respMsg, err := io.ReadAll(limitedBody)
	if err != nil {
		return nil, fmt.Errorf("failed to read http response body for host %s: %w", host, err)
	}
	parser := dnsmessage.Parser{}
	header, err := parser.Start(respMsg)
	if err != nil {
		return nil, fmt.Errorf("failed to parse dns message header for host %s: %w", host, err)
	}
	if header.RCode == dnsmessage.RCodeNameError {
		return nil, nil
	}
	if header.RCode != dnsmessage.RCodeSuccess {
		return nil, fmt.Errorf("dns query failed with %s for host %s", header.RCode, host)
	}
	err = parser.SkipAllQuestions()
	if err != nil {
		return nil, fmt.Errorf("failed to skip dns questions for host %s: %w", host, err)
	}
	answers, err := parser.AllAnswers()
	if err != nil {
		return nil, fmt.Errorf("failed to parse dns answers for host %s: %w", host, err)
	}
	return answers, nil
}

// Query fetches family records for host from the DNS-over-HTTPS server.
func (r *HTTPS) Query(host string, family cache.Family) ([]RR, error) {
	var qtype dnsmessage.Type
	switch family {
	case cache.Family4:
		qtype = dnsmessage.TypeA
	case cache.Family6:
		qtype = dnsmessage.TypeAAAA
	default:
		return nil, fmt.Errorf("unsupported family %s", family)
	}
	answers, err := r.lookup(qtype, host)
	if err != nil {
		return nil, err
	}
	var records []RR
	for _, rr := range answers {
		if rr.Header.Type != qtype {
			continue
		}
		ttl := time.Duration(rr.Header.TTL) * time.Second
		switch body := rr.Body.(type) {
		case *dnsmessage.AResource:
			records = append(records, RR{Addr: net.IP(body.A[:]).String(), TTL: ttl})
		case *dnsmessage.AAAAResource:
			records = append(records, RR{Addr: net.IP(body.AAAA[:]).String(), TTL: ttl})
		}
	}
	if len(records) == 0 {
		return nil, noRecords(host, family)
	}
	return records, nil
}
