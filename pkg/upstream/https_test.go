package upstream

import (
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/dns/dnsmessage"

	"github.com/xflash-panda/dnsflight/pkg/cache"
)

func TestNewHTTPS(t *testing.T) {
	t.Run("with full url", func(t *testing.T) {
		r := NewHTTPS("https://dns.google/dns-query", 5*time.Second, "dns.google", false)
		require.NotNil(t, r)

		https, ok := r.(*HTTPS)
		assert.True(t, ok)
		assert.Equal(t, "https://dns.google/dns-query", https.url)
	})

	t.Run("with hostname only", func(t *testing.T) {
		r := NewHTTPS("dns.google", 5*time.Second, "dns.google", false)
		require.NotNil(t, r)

		https, ok := r.(*HTTPS)
		assert.True(t, ok)
		assert.Equal(t, "https://dns.google/dns-query", https.url)
	})

	t.Run("with ip address", func(t *testing.T) {
		r := NewHTTPS("8.8.8.8", 5*time.Second, "dns.google", false)
		require.NotNil(t, r)

		https, ok := r.(*HTTPS)
		assert.True(t, ok)
		assert.Equal(t, "https://8.8.8.8/dns-query", https.url)
	})
}

// dohZone answers DoH posts for a small fixed zone.
func dohZone() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		var parser dnsmessage.Parser
		reqHeader, err := parser.Start(body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		q, err := parser.Question()
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		respHeader := dnsmessage.Header{
			ID:                 reqHeader.ID,
			Response:           true,
			RecursionAvailable: true,
		}
		name := q.Name.String()
		if name == "missing.internal." {
			respHeader.RCode = dnsmessage.RCodeNameError
		}

		b := dnsmessage.NewBuilder(nil, respHeader)
		b.EnableCompression()
		_ = b.StartQuestions()
		_ = b.Question(q)
		_ = b.StartAnswers()
		if respHeader.RCode == dnsmessage.RCodeSuccess && name == "app.internal." {
			switch q.Type {
			case dnsmessage.TypeA:
				_ = b.AResource(
					dnsmessage.ResourceHeader{Name: q.Name, Class: dnsmessage.ClassINET, TTL: 300},
					dnsmessage.AResource{A: [4]byte{192, 0, 2, 10}},
				)
			case dnsmessage.TypeAAAA:
				var aaaa dnsmessage.AAAAResource
				copy(aaaa.AAAA[:], net.ParseIP("2001:db8::10").To16())
				_ = b.AAAAResource(
					dnsmessage.ResourceHeader{Name: q.Name, Class: dnsmessage.ClassINET, TTL: 120},
					aaaa,
				)
			}
		}
		out, err := b.Finish()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/dns-message")
		_, _ = w.Write(out)
	}
}

func TestHTTPSQuery(t *testing.T) {
	srv := httptest.NewTLSServer(dohZone())
	t.Cleanup(srv.Close)
	q := NewHTTPS(srv.URL, 5*time.Second, "", true)

	t.Run("A record with TTL", func(t *testing.T) {
		records, err := q.Query("app.internal", cache.Family4)
		require.NoError(t, err)
		assert.Equal(t, []RR{{Addr: "192.0.2.10", TTL: 300 * time.Second}}, records)
	})

	t.Run("AAAA record with TTL", func(t *testing.T) {
		records, err := q.Query("app.internal", cache.Family6)
		require.NoError(t, err)
		assert.Equal(t, []RR{{Addr: "2001:db8::10", TTL: 120 * time.Second}}, records)
	})

	t.Run("name error maps to ErrNoRecords", func(t *testing.T) {
		_, err := q.Query("missing.internal", cache.Family4)
		require.ErrorIs(t, err, ErrNoRecords)
	})

	t.Run("unknown name maps to ErrNoRecords", func(t *testing.T) {
		_, err := q.Query("other.internal", cache.Family4)
		require.ErrorIs(t, err, ErrNoRecords)
	})

	t.Run("unsupported family", func(t *testing.T) {
		_, err := q.Query("app.internal", cache.FamilyUnspec)
		require.Error(t, err)
	})
}

func TestHTTPSQueryBadStatus(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)
	q := NewHTTPS(srv.URL, 5*time.Second, "", true)

	_, err := q.Query("app.internal", cache.Family4)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "non-200")
}

func TestHTTPSQueryBadContentType(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("hello"))
	}))
	t.Cleanup(srv.Close)
	q := NewHTTPS(srv.URL, 5*time.Second, "", true)

	_, err := q.Query("app.internal", cache.Family4)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected content-type")
}
