// Package plugin defines plugin interfaces.
package plugin

import "flowguard/internal/core"

// Processor processes output packets.
type Processor interface {
Plugin
Process(pkt *core.OutputPacket) (keep bool)
}
