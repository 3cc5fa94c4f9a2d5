package gatekeeper

import (
	"fmt"
	"net"
	"time"

	"flowguard/internal/log"
	"flowguard/internal/metrics"
	"flowguard/pkg/wire"

	"go.uber.org/multierr"
)

// Field tags for the TLV entry/device records. These are a private wire
// contract between SerializeCache and RestoreCache; nothing outside this
// package interprets them.
const (
	fieldMAC            uint16 = 1
	fieldDeviceEntry     uint16 = 2
	fieldKind           uint16 = 10
	fieldAction         uint16 = 11
	fieldTTLSeconds     uint16 = 12
	fieldPolicy         uint16 = 13
	fieldCategory       uint16 = 14
	fieldConfidence     uint16 = 15
	fieldFlowMarker     uint16 = 16
	fieldNetworkID      uint16 = 17
	fieldValue          uint16 = 18
	fieldIP             uint16 = 19
	fieldHostnameSource uint16 = 20
	fieldRedirectIPv4   uint16 = 21
	fieldRedirectIPv6   uint16 = 22
	fieldRedirectCNAME  uint16 = 23
)

// SerializeCache packs every device's attribute entries into a single
// length-delimited record: one outer record wrapping one inner record per
// device, each built from fixed-width/TLV fields via pkg/wire. Serializing
// the same cache contents twice produces byte-identical output, since
// Cache.Devices and Cache.Entries both return sorted order.
func SerializeCache(c *Cache) []byte {
	var deviceRecords []byte
	for _, mac := range c.Devices() {
		deviceRecords = append(deviceRecords, wire.WriteRecord(encodeDevice(c, mac))...)
	}
	return wire.WriteRecord(deviceRecords)
}

func encodeDevice(c *Cache, mac [6]byte) []byte {
	a := wire.NewAppender().Bytes(fieldMAC, mac[:])
	for kind := AttributeKind(0); kind < kindCount; kind++ {
		for _, e := range c.Entries(mac, kind) {
			a.Bytes(fieldDeviceEntry, encodeEntry(e))
		}
	}
	return a.Build()
}

func encodeEntry(e Entry) []byte {
	a := wire.NewAppender().
		Uint8(fieldKind, uint8(e.Kind)).
		Uint8(fieldAction, uint8(e.Action)).
		Uint32(fieldTTLSeconds, uint32(e.TTL/time.Second)).
		String(fieldPolicy, e.Policy).
		Uint32(fieldCategory, uint32(e.Category)).
		Uint8(fieldConfidence, uint8(e.Confidence)).
		Uint32(fieldFlowMarker, e.FlowMarker).
		String(fieldNetworkID, e.NetworkID)

	switch e.Kind {
	case KindIPv4, KindIPv6:
		a.Bytes(fieldIP, ipBytes(e.IP, e.Kind))
	default:
		a.String(fieldValue, e.Value)
	}
	if e.Kind == KindHostname {
		a.Uint8(fieldHostnameSource, uint8(e.HostnameSource))
	}
	if e.Redirect != nil {
		if e.Redirect.IPv4 != nil {
			a.Bytes(fieldRedirectIPv4, ipBytes(e.Redirect.IPv4, KindIPv4))
		}
		if e.Redirect.IPv6 != nil {
			a.Bytes(fieldRedirectIPv6, ipBytes(e.Redirect.IPv6, KindIPv6))
		}
		if e.Redirect.CNAME != "" {
			a.String(fieldRedirectCNAME, e.Redirect.CNAME)
		}
	}
	return a.Build()
}

func ipBytes(ip net.IP, kind AttributeKind) []byte {
	if kind == KindIPv4 {
		if v4 := ip.To4(); v4 != nil {
			return v4
		}
		return ip
	}
	if v16 := ip.To16(); v16 != nil {
		return v16
	}
	return ip
}

// RestoreResult tallies how many entries restored cleanly versus were
// skipped, broken down per attribute kind so an operator can see which
// subtree degraded.
type RestoreResult struct {
	Succeeded      int
	Failed         int
	FailedByKind   map[AttributeKind]int
}

// RestoreCache decodes a SerializeCache record and inserts every entry it
// can parse into c via Cache.Add. Unknown entry kinds, invalid IPv6/IPv4
// lengths, and malformed device-MAC fields are logged and skipped rather
// than aborting the whole restore; the returned multierr.Errors carries
// every skip reason for diagnostics even though restoration continues.
func RestoreCache(c *Cache, data []byte) (RestoreResult, error) {
	result := RestoreResult{FailedByKind: make(map[AttributeKind]int)}

	outerBody, _, err := wire.ReadRecord(data)
	if err != nil {
		return result, fmt.Errorf("gatekeeper: decode bulk reply: %w", err)
	}

	var errs error
	for _, deviceBlob := range wire.ReadAllRecords(outerBody) {
		fields, err := wire.ReadFields(deviceBlob)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("gatekeeper: decode device record: %w", err))
			continue
		}
		var mac [6]byte
		haveMAC := false
		var entryBlobs [][]byte
		for _, f := range fields {
			switch f.Tag {
			case fieldMAC:
				if len(f.Value) != 6 {
					errs = multierr.Append(errs, fmt.Errorf("gatekeeper: device MAC length %d, want 6", len(f.Value)))
					continue
				}
				copy(mac[:], f.Value)
				haveMAC = true
			case fieldDeviceEntry:
				entryBlobs = append(entryBlobs, f.Value)
			}
		}
		if !haveMAC {
			log.GetLogger().Warn("gatekeeper: skipping device record with no MAC field")
			errs = multierr.Append(errs, fmt.Errorf("gatekeeper: device record missing MAC"))
			continue
		}

		for _, blob := range entryBlobs {
			e, kind, err := decodeEntry(mac, blob)
			if err != nil {
				result.Failed++
				result.FailedByKind[kind]++
				metrics.GatekeeperRestoreFailuresTotal.WithLabelValues(kind.String()).Inc()
				log.GetLogger().WithField("device", macString(mac)).WithError(err).Warn("gatekeeper: skipping cache entry")
				errs = multierr.Append(errs, err)
				continue
			}
			if err := c.Add(e); err != nil {
				result.Failed++
				result.FailedByKind[kind]++
				metrics.GatekeeperRestoreFailuresTotal.WithLabelValues(kind.String()).Inc()
				errs = multierr.Append(errs, err)
				continue
			}
			result.Succeeded++
		}
	}
	return result, errs
}

func decodeEntry(mac [6]byte, blob []byte) (Entry, AttributeKind, error) {
	fields, err := wire.ReadFields(blob)
	if err != nil {
		return Entry{}, 0, fmt.Errorf("gatekeeper: decode entry: %w", err)
	}

	e := Entry{CommonHeader: CommonHeader{DeviceMAC: mac}}
	var kind AttributeKind
	haveKind := false

	for _, f := range fields {
		switch f.Tag {
		case fieldKind:
			kind = AttributeKind(f.Value[0])
			haveKind = true
		case fieldAction:
			e.Action = Action(f.Value[0])
		case fieldTTLSeconds:
			e.TTL = time.Duration(be32(f.Value)) * time.Second
		case fieldPolicy:
			e.Policy = string(f.Value)
		case fieldCategory:
			e.Category = int(be32(f.Value))
		case fieldConfidence:
			e.Confidence = int(f.Value[0])
		case fieldFlowMarker:
			e.FlowMarker = be32(f.Value)
		case fieldNetworkID:
			e.NetworkID = string(f.Value)
		case fieldValue:
			e.Value = string(f.Value)
		case fieldIP:
			e.IP = append(net.IP{}, f.Value...)
		case fieldHostnameSource:
			e.HostnameSource = HostnameSource(f.Value[0])
		case fieldRedirectIPv4:
			e.redirect().IPv4 = append(net.IP{}, f.Value...)
		case fieldRedirectIPv6:
			e.redirect().IPv6 = append(net.IP{}, f.Value...)
		case fieldRedirectCNAME:
			e.redirect().CNAME = string(f.Value)
		}
	}

	if !haveKind || kind >= kindCount {
		return Entry{}, kind, fmt.Errorf("gatekeeper: unrecognized attribute kind %d", kind)
	}
	e.Kind = kind

	if kind == KindIPv4 && len(e.IP) != 0 && len(e.IP) != 4 {
		return Entry{}, kind, fmt.Errorf("gatekeeper: invalid ipv4 length %d", len(e.IP))
	}
	if kind == KindIPv6 && len(e.IP) != 0 && len(e.IP) != 16 {
		return Entry{}, kind, fmt.Errorf("gatekeeper: invalid ipv6 length %d", len(e.IP))
	}
	return e, kind, nil
}

// redirect lazily allocates the Redirect descriptor so decodeEntry can set
// its fields as it walks the TLV stream in arbitrary order.
func (e *Entry) redirect() *RedirectTarget {
	if e.Redirect == nil {
		e.Redirect = &RedirectTarget{}
	}
	return e.Redirect
}

func be32(b []byte) uint32 {
	var v uint32
	for _, c := range b {
		v = v<<8 | uint32(c)
	}
	return v
}

func macString(mac [6]byte) string {
	return net.HardwareAddr(mac[:]).String()
}
