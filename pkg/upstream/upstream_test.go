package upstream

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/xflash-panda/dnsflight/pkg/cache"
)

func TestAddDefaultPort(t *testing.T) {
	tests := []struct {
		addr        string
		defaultPort string
		expected    string
	}{
		{"8.8.8.8", "53", "8.8.8.8:53"},
		{"8.8.8.8:5353", "53", "8.8.8.8:5353"},
		{"dns.google", "853", "dns.google:853"},
		{"::1", "53", "[::1]:53"},
		{"[::1]:5353", "53", "[::1]:5353"},
	}

	for _, tt := range tests {
		result := addDefaultPort(tt.addr, tt.defaultPort)
		assert.Equal(t, tt.expected, result)
	}
}

func TestTimeoutOrDefault(t *testing.T) {
	assert.Equal(t, defaultTimeout, timeoutOrDefault(0))
	assert.Equal(t, 5*time.Second, timeoutOrDefault(5*time.Second))
}

func TestNoRecordsError(t *testing.T) {
	err := noRecords("app.internal", cache.Family6)
	assert.True(t, errors.Is(err, ErrNoRecords))
	assert.Contains(t, err.Error(), "app.internal")
	assert.Contains(t, err.Error(), "6")
}
