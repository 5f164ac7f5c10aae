package hostsfile

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xflash-panda/dnsflight/pkg/cache"
)

const sampleHosts = `# local override table
127.0.0.1   localhost loopback
::1         localhost ip6-localhost

203.0.113.5 app.internal www.app.internal # primary backup.internal
2001:db8::7 app.internal
not-an-ip   ghost.internal
198.51.100.9 MiXeD.Example
`

func addresses(records []cache.Record) []string {
	out := make([]string, 0, len(records))
	for _, rec := range records {
		out = append(out, rec.Address)
	}
	return out
}

func TestParse(t *testing.T) {
	table, err := Parse(strings.NewReader(sampleHosts), time.Hour)
	require.NoError(t, err)

	tests := []struct {
		name   string
		host   string
		family cache.Family
		want   []string
	}{
		{
			name:   "both families under one name",
			host:   "localhost",
			family: cache.FamilyUnspec,
			want:   []string{"127.0.0.1", "::1"},
		},
		{
			name:   "family 4 filter",
			host:   "localhost",
			family: cache.Family4,
			want:   []string{"127.0.0.1"},
		},
		{
			name:   "family 6 filter",
			host:   "localhost",
			family: cache.Family6,
			want:   []string{"::1"},
		},
		{
			name:   "alias shares the record",
			host:   "www.app.internal",
			family: cache.FamilyUnspec,
			want:   []string{"203.0.113.5"},
		},
		{
			name:   "records merge across lines",
			host:   "app.internal",
			family: cache.FamilyUnspec,
			want:   []string{"203.0.113.5", "2001:db8::7"},
		},
		{
			name:   "inline comment ends the alias list",
			host:   "backup.internal",
			family: cache.FamilyUnspec,
			want:   nil,
		},
		{
			name:   "invalid leading field skips the line",
			host:   "ghost.internal",
			family: cache.FamilyUnspec,
			want:   nil,
		},
		{
			name:   "lookup is case insensitive",
			host:   "mixed.example",
			family: cache.FamilyUnspec,
			want:   []string{"198.51.100.9"},
		},
		{
			name:   "uppercase lookup matches",
			host:   "LOCALHOST",
			family: cache.Family4,
			want:   []string{"127.0.0.1"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := table.Lookup(tt.host, tt.family)
			assert.ElementsMatch(t, tt.want, addresses(got))
		})
	}
}

func TestParseSharedExpiration(t *testing.T) {
	table, err := Parse(strings.NewReader(sampleHosts), time.Hour)
	require.NoError(t, err)
	require.NotZero(t, table.Len())

	var expiresAt time.Time
	for _, records := range table.entries {
		for _, rec := range records {
			if expiresAt.IsZero() {
				expiresAt = rec.ExpiresAt
				continue
			}
			assert.Equal(t, expiresAt, rec.ExpiresAt, "records of one load must expire together")
		}
	}
}

func TestLookupFiltersExpired(t *testing.T) {
	table, err := Parse(strings.NewReader("192.0.2.1 short.internal\n"), 20*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, table.Lookup("short.internal", cache.FamilyUnspec), 1)

	time.Sleep(50 * time.Millisecond)
	assert.Nil(t, table.Lookup("short.internal", cache.FamilyUnspec))
	assert.Equal(t, 1, table.Len(), "expired entries stay until the next load replaces the table")
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hosts")
	require.NoError(t, os.WriteFile(path, []byte("192.0.2.7 filed.internal\n"), 0o644))

	table, err := Load(path, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, []string{"192.0.2.7"}, addresses(table.Lookup("filed.internal", cache.Family4)))
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope"), time.Hour)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "open hosts file")
}
