package gatekeeper

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testMAC() [6]byte {
	return [6]byte{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff}
}

func TestCacheAddAndLookup(t *testing.T) {
	c := NewCache()
	err := c.Add(Entry{
		CommonHeader: CommonHeader{
			DeviceMAC: testMAC(), Action: ActionBlock, TTL: 10 * time.Minute,
			Policy: "default", Category: 17, Confidence: 80,
		},
		Kind:           KindHostname,
		Value:          "www.example.com",
		HostnameSource: HostnameFQDN,
	})
	require.NoError(t, err)

	e, ok := c.Lookup(testMAC(), KindHostname, "www.example.com")
	require.True(t, ok)
	assert.Equal(t, ActionBlock, e.Action)
	assert.Equal(t, 17, e.Category)
}

func TestCacheLookupMissesAfterTTL(t *testing.T) {
	c := NewCache()
	require.NoError(t, c.Add(Entry{
		CommonHeader: CommonHeader{DeviceMAC: testMAC(), TTL: time.Nanosecond},
		Kind:         KindURL,
		Value:        "http://example.com/a",
		insertedAt:   time.Now().Add(-time.Hour),
	}))
	_, ok := c.Lookup(testMAC(), KindURL, "http://example.com/a")
	assert.False(t, ok)
}

func TestCacheIPEntryKeyedByCanonicalString(t *testing.T) {
	c := NewCache()
	ip := net.ParseIP("1.2.3.4")
	require.NoError(t, c.Add(Entry{
		CommonHeader: CommonHeader{DeviceMAC: testMAC()},
		Kind:         KindIPv4,
		IP:           ip,
	}))
	e, ok := c.Lookup(testMAC(), KindIPv4, "1.2.3.4")
	require.True(t, ok)
	assert.Equal(t, ip.String(), e.IP.String())
}

func TestCacheAddRejectsUnrecognizedKind(t *testing.T) {
	c := NewCache()
	err := c.Add(Entry{CommonHeader: CommonHeader{DeviceMAC: testMAC()}, Kind: AttributeKind(99)})
	assert.Error(t, err)
}

func TestCacheRemove(t *testing.T) {
	c := NewCache()
	require.NoError(t, c.Add(Entry{CommonHeader: CommonHeader{DeviceMAC: testMAC()}, Kind: KindApp, Value: "netflix"}))
	c.Remove(testMAC(), KindApp, "netflix")
	_, ok := c.Lookup(testMAC(), KindApp, "netflix")
	assert.False(t, ok)
}

func TestCacheEntriesSortedByKey(t *testing.T) {
	c := NewCache()
	require.NoError(t, c.Add(Entry{CommonHeader: CommonHeader{DeviceMAC: testMAC()}, Kind: KindApp, Value: "zeta"}))
	require.NoError(t, c.Add(Entry{CommonHeader: CommonHeader{DeviceMAC: testMAC()}, Kind: KindApp, Value: "alpha"}))

	entries := c.Entries(testMAC(), KindApp)
	require.Len(t, entries, 2)
	assert.Equal(t, "alpha", entries[0].Value)
	assert.Equal(t, "zeta", entries[1].Value)
}

func TestCacheDevicesSorted(t *testing.T) {
	c := NewCache()
	macA := [6]byte{0, 0, 0, 0, 0, 1}
	macB := [6]byte{0, 0, 0, 0, 0, 2}
	require.NoError(t, c.Add(Entry{CommonHeader: CommonHeader{DeviceMAC: macB}, Kind: KindApp, Value: "x"}))
	require.NoError(t, c.Add(Entry{CommonHeader: CommonHeader{DeviceMAC: macA}, Kind: KindApp, Value: "x"}))

	devices := c.Devices()
	require.Len(t, devices, 2)
	assert.Equal(t, macA, devices[0])
	assert.Equal(t, macB, devices[1])
}

func TestCacheLen(t *testing.T) {
	c := NewCache()
	require.NoError(t, c.Add(Entry{CommonHeader: CommonHeader{DeviceMAC: testMAC()}, Kind: KindApp, Value: "a"}))
	require.NoError(t, c.Add(Entry{CommonHeader: CommonHeader{DeviceMAC: testMAC()}, Kind: KindURL, Value: "b"}))
	assert.Equal(t, 2, c.Len())
}
