// Package decoder implements L2-L4 protocol stack decoding.
package decoder

import "flowguard/internal/core"

// Decoder decodes raw packets into structured format.
type Decoder interface {
Decode(raw core.RawPacket) (core.DecodedPacket, error)
}
