package cache

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFamilyString(t *testing.T) {
	tests := []struct {
		family   Family
		expected string
	}{
		{FamilyUnspec, "any"},
		{Family4, "4"},
		{Family6, "6"},
		{Family(9), "unknown_9"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, tt.family.String())
	}
}

func TestFamilyOf(t *testing.T) {
	assert.Equal(t, Family4, FamilyOf(net.ParseIP("192.0.2.1")))
	assert.Equal(t, Family4, FamilyOf(net.ParseIP("::ffff:192.0.2.1")))
	assert.Equal(t, Family6, FamilyOf(net.ParseIP("2001:db8::1")))
}

func TestRecordAddr(t *testing.T) {
	r := Record{Address: "192.0.2.1", Family: Family4, ExpiresAt: time.Now().Add(time.Minute)}
	assert.Equal(t, Addr{Address: "192.0.2.1", Family: Family4}, r.Addr())
}

func TestRecordExpired(t *testing.T) {
	assert.False(t, Record{ExpiresAt: time.Now().Add(time.Minute)}.Expired())
	assert.True(t, Record{ExpiresAt: time.Now().Add(-time.Minute)}.Expired())
}

func TestNewWithSize(t *testing.T) {
	t.Run("valid size", func(t *testing.T) {
		c, err := NewWithSize(16)
		require.NoError(t, err)
		assert.NotNil(t, c)
	})

	t.Run("invalid size", func(t *testing.T) {
		_, err := NewWithSize(0)
		require.Error(t, err)
	})
}

func TestReadAbsentHost(t *testing.T) {
	c, err := New()
	require.NoError(t, err)

	assert.Nil(t, c.Read("example.com", FamilyUnspec))
	assert.Equal(t, 0, c.Len())
}

func TestReadFamilyFilter(t *testing.T) {
	c, err := New()
	require.NoError(t, err)

	expires := time.Now().Add(time.Minute)
	c.ReplaceFamily("example.com", Family4, []Record{
		{Address: "192.0.2.1", Family: Family4, ExpiresAt: expires},
		{Address: "192.0.2.2", Family: Family4, ExpiresAt: expires},
	})
	c.ReplaceFamily("example.com", Family6, []Record{
		{Address: "2001:db8::1", Family: Family6, ExpiresAt: expires},
	})

	t.Run("any family", func(t *testing.T) {
		records := c.Read("example.com", FamilyUnspec)
		require.Len(t, records, 3)
	})

	t.Run("family 4", func(t *testing.T) {
		records := c.Read("example.com", Family4)
		require.Len(t, records, 2)
		for _, r := range records {
			assert.Equal(t, Family4, r.Family)
		}
	})

	t.Run("family 6", func(t *testing.T) {
		records := c.Read("example.com", Family6)
		require.Len(t, records, 1)
		assert.Equal(t, "2001:db8::1", records[0].Address)
	})
}

func TestReadFiltersExpired(t *testing.T) {
	c, err := New()
	require.NoError(t, err)

	c.ReplaceFamily("example.com", Family4, []Record{
		{Address: "192.0.2.1", Family: Family4, ExpiresAt: time.Now().Add(-time.Second)},
		{Address: "192.0.2.2", Family: Family4, ExpiresAt: time.Now().Add(time.Minute)},
	})

	records := c.Read("example.com", Family4)
	require.Len(t, records, 1)
	assert.Equal(t, "192.0.2.2", records[0].Address)

	// Expired records are filtered at read time, not evicted.
	assert.Equal(t, 1, c.Len())
}

func TestReplaceFamilyPreservesOtherFamily(t *testing.T) {
	c, err := New()
	require.NoError(t, err)

	expires := time.Now().Add(time.Minute)
	c.ReplaceFamily("example.com", Family4, []Record{
		{Address: "192.0.2.1", Family: Family4, ExpiresAt: expires},
	})
	c.ReplaceFamily("example.com", Family6, []Record{
		{Address: "2001:db8::1", Family: Family6, ExpiresAt: expires},
	})

	// Refreshing family 4 must not touch family 6, and vice versa.
	c.ReplaceFamily("example.com", Family4, []Record{
		{Address: "192.0.2.9", Family: Family4, ExpiresAt: expires},
	})

	v4 := c.Read("example.com", Family4)
	require.Len(t, v4, 1)
	assert.Equal(t, "192.0.2.9", v4[0].Address)

	v6 := c.Read("example.com", Family6)
	require.Len(t, v6, 1)
	assert.Equal(t, "2001:db8::1", v6[0].Address)

	c.ReplaceFamily("example.com", Family6, nil)
	assert.Nil(t, c.Read("example.com", Family6))
	require.Len(t, c.Read("example.com", Family4), 1)
}

func TestReadReturnsCopy(t *testing.T) {
	c, err := New()
	require.NoError(t, err)

	expires := time.Now().Add(time.Minute)
	c.ReplaceFamily("example.com", Family4, []Record{
		{Address: "192.0.2.1", Family: Family4, ExpiresAt: expires},
	})

	records := c.Read("example.com", Family4)
	require.Len(t, records, 1)
	records[0].Address = "changed"

	again := c.Read("example.com", Family4)
	require.Len(t, again, 1)
	assert.Equal(t, "192.0.2.1", again[0].Address)
}

func TestPurge(t *testing.T) {
	c, err := New()
	require.NoError(t, err)

	c.ReplaceFamily("example.com", Family4, []Record{
		{Address: "192.0.2.1", Family: Family4, ExpiresAt: time.Now().Add(time.Minute)},
	})
	require.Equal(t, 1, c.Len())

	c.Purge()
	assert.Equal(t, 0, c.Len())
	assert.Nil(t, c.Read("example.com", FamilyUnspec))
}
