// Package wire implements the length-delimited binary framing shared by
// report emission (MQTT) and gatekeeper cache persistence: a 4-byte
// big-endian length prefix followed by the record body, in the same
// fixed-width-header-then-payload style as the project's HEP encoder.
package wire

import (
	"encoding/binary"
	"fmt"
)

const lengthPrefixSize = 4

// WriteRecord prepends body's length as a 4-byte big-endian prefix.
func WriteRecord(body []byte) []byte {
	out := make([]byte, lengthPrefixSize+len(body))
	binary.BigEndian.PutUint32(out[0:lengthPrefixSize], uint32(len(body)))
	copy(out[lengthPrefixSize:], body)
	return out
}

// ReadRecord splits the first length-prefixed record off buf, returning the
// record body and the number of bytes consumed (header + body).
func ReadRecord(buf []byte) (body []byte, consumed int, err error) {
	if len(buf) < lengthPrefixSize {
		return nil, 0, fmt.Errorf("wire: truncated length prefix")
	}
	n := binary.BigEndian.Uint32(buf[0:lengthPrefixSize])
	total := lengthPrefixSize + int(n)
	if total > len(buf) {
		return nil, 0, fmt.Errorf("wire: record length %d exceeds remaining buffer", n)
	}
	return buf[lengthPrefixSize:total], total, nil
}

// ReadAllRecords splits buf into every length-prefixed record it contains,
// stopping (without error) at the first short/trailing fragment.
func ReadAllRecords(buf []byte) [][]byte {
	var out [][]byte
	for len(buf) > 0 {
		body, n, err := ReadRecord(buf)
		if err != nil {
			break
		}
		out = append(out, body)
		buf = buf[n:]
	}
	return out
}

// Appender accumulates TLV-style fields the way the HEP encoder does:
// {tag uint16, length uint16, value} appended into a growing buffer. It is
// the building block both the gatekeeper BulkReply encoder and future
// report-field encoders use for sub-record fields.
type Appender struct {
	buf []byte
}

// NewAppender returns an empty Appender.
func NewAppender() *Appender { return &Appender{} }

// Bytes appends a tag/value pair.
func (a *Appender) Bytes(tag uint16, value []byte) *Appender {
	var hdr [4]byte
	binary.BigEndian.PutUint16(hdr[0:2], tag)
	binary.BigEndian.PutUint16(hdr[2:4], uint16(len(value)))
	a.buf = append(a.buf, hdr[:]...)
	a.buf = append(a.buf, value...)
	return a
}

// String appends a tag/value pair with a string value.
func (a *Appender) String(tag uint16, value string) *Appender {
	return a.Bytes(tag, []byte(value))
}

// Uint8 appends a tag/value pair with a single-byte value.
func (a *Appender) Uint8(tag uint16, value uint8) *Appender {
	return a.Bytes(tag, []byte{value})
}

// Uint32 appends a tag/value pair with a 4-byte big-endian value.
func (a *Appender) Uint32(tag uint16, value uint32) *Appender {
	var v [4]byte
	binary.BigEndian.PutUint32(v[:], value)
	return a.Bytes(tag, v[:])
}

// Build returns the accumulated buffer.
func (a *Appender) Build() []byte { return a.buf }

// Field is one decoded {tag, value} pair from a TLV buffer.
type Field struct {
	Tag   uint16
	Value []byte
}

// ReadFields decodes a buffer built by Appender back into its fields.
func ReadFields(buf []byte) ([]Field, error) {
	var out []Field
	for len(buf) > 0 {
		if len(buf) < 4 {
			return nil, fmt.Errorf("wire: truncated field header")
		}
		tag := binary.BigEndian.Uint16(buf[0:2])
		n := int(binary.BigEndian.Uint16(buf[2:4]))
		buf = buf[4:]
		if n > len(buf) {
			return nil, fmt.Errorf("wire: field length %d exceeds remaining buffer", n)
		}
		out = append(out, Field{Tag: tag, Value: buf[:n]})
		buf = buf[n:]
	}
	return out, nil
}
