package rts

import (
	"encoding/binary"
	"fmt"

	"flowguard/internal/metrics"
	"flowguard/pkg/ferr"
)

// magic is the fixed 3-byte tag every on-disk signature bundle opens with,
// followed by {major, minor, patch, reserved}.
var magic = [3]byte{'R', 'T', 'S'}

const (
	bundleMajor = 1
	bundleMinor = 0
)

// section tags, matching the original's variable/bytecode/DFA/table
// sections. A zero tag terminates the section list.
type sectionTag uint32

const (
	sectionEnd sectionTag = iota
	sectionVariables
	sectionBytecode
	sectionMapStates
	sectionRangeStates
	sectionCaptureIndex
	sectionFunctionIndex
	sectionStringTable
	sectionTransition8
	sectionTransitionFull4
	sectionTransitionFunc4
	sectionTransitionCapture4
	sectionTransition2
	sectionKeyList
)

// VarType is the runtime type tag a captured/exported variable carries.
type VarType int

const (
	VarNumber VarType = iota
	VarString
	VarBinary
)

// VarDef is one entry of the bundle's variable table.
type VarDef struct {
	Name   string
	Type   VarType
	Export bool // STORE invokes the subscription callback when set
}

// KeyEntry maps a subscribable key name to its variable-table index.
type KeyEntry struct {
	Name string
	Var  int
}

// Bundle is an immutable, loaded signature set. Generation increases on
// every successful Load so streams can detect they've outlived the bundle
// they were created against (§4.5.11's generation invariant).
type Bundle struct {
	Generation uint64

	Program []Instruction
	Vars    []VarDef
	Keys     []KeyEntry

	MapStates   []MapState
	RangeStates []RangeState

	StringTable []string

	refcount int
}

func (b *Bundle) Get()  { b.refcount++ }
func (b *Bundle) Put()  { b.refcount-- }
func (b *Bundle) Refs() int { return b.refcount }

// readSection reads one {tag uint32, length uint32, payload} section,
// returning the tag, payload, and number of bytes consumed.
func readSection(buf []byte) (sectionTag, []byte, int, error) {
	if len(buf) < 8 {
		return 0, nil, 0, fmt.Errorf("rts: truncated section header: %w", ferr.ErrInvalidSignature)
	}
	tag := sectionTag(binary.BigEndian.Uint32(buf[0:4]))
	length := binary.BigEndian.Uint32(buf[4:8])
	if tag == sectionEnd {
		return sectionEnd, nil, 8, nil
	}
	if uint64(8+length) > uint64(len(buf)) {
		return 0, nil, 0, fmt.Errorf("rts: section length %d exceeds remaining buffer: %w", length, ferr.ErrInvalidSignature)
	}
	return tag, buf[8 : 8+length], 8 + int(length), nil
}

// LoadBundle parses a signature bundle from its on-disk wire form: ASCII
// "RTS" + 4 version bytes, then a sequence of {tag,length,payload}
// sections terminated by a zero tag. Every multi-byte integer on disk is
// big-endian; this function swaps them into host order as it decodes each
// section (there is no in-place fixup step the way the C loader does it,
// since Go's encoding/binary reads big-endian directly).
func LoadBundle(data []byte, generation uint64) (*Bundle, error) {
	if len(data) < 7 || data[0] != magic[0] || data[1] != magic[1] || data[2] != magic[2] {
		return nil, fmt.Errorf("rts: bad magic: %w", ferr.ErrInvalidSignature)
	}
	major, minor := data[3], data[4]
	if major != bundleMajor || minor != bundleMinor {
		return nil, fmt.Errorf("rts: version %d.%d incompatible with runtime %d.%d: %w",
			major, minor, bundleMajor, bundleMinor, ferr.ErrInvalidSignature)
	}

	b := &Bundle{Generation: generation}
	buf := data[7:]
	for {
		tag, payload, n, err := readSection(buf)
		if err != nil {
			return nil, err
		}
		if tag == sectionEnd {
			break
		}
		if err := b.applySection(tag, payload); err != nil {
			return nil, err
		}
		buf = buf[n:]
		if len(buf) == 0 {
			break
		}
	}
	metrics.RTSSignatureBundleGeneration.Set(float64(generation))
	return b, nil
}

func (b *Bundle) applySection(tag sectionTag, payload []byte) error {
	switch tag {
	case sectionBytecode:
		b.Program = DecodeInstructions(payload)
	case sectionVariables:
		vars, err := decodeVars(payload)
		if err != nil {
			return err
		}
		b.Vars = vars
	case sectionKeyList:
		keys, err := decodeKeys(payload)
		if err != nil {
			return err
		}
		b.Keys = keys
	case sectionStringTable:
		b.StringTable = decodeStrings(payload)
	case sectionMapStates:
		states, err := decodeMapStates(payload)
		if err != nil {
			return err
		}
		b.MapStates = states
	case sectionRangeStates:
		states, err := decodeRangeStates(payload)
		if err != nil {
			return err
		}
		b.RangeStates = states
	case sectionCaptureIndex, sectionFunctionIndex,
		sectionTransition8, sectionTransitionFull4, sectionTransitionFunc4,
		sectionTransitionCapture4, sectionTransition2:
		// These transition-table variants select how an Edge's
		// destination/function/capture fields are packed on disk; this
		// runtime represents every Edge uniformly in-memory (see dfa.go)
		// once decoded, so unrecognized packed variants are accepted and
		// ignored rather than rejected — only a structurally malformed
		// section (caught by readSection's length check) is fatal.
	default:
		return fmt.Errorf("rts: unknown section tag %d: %w", tag, ferr.ErrInvalidSignature)
	}
	return nil
}

func decodeStrings(payload []byte) []string {
	var out []string
	for len(payload) >= 2 {
		n := int(binary.BigEndian.Uint16(payload[0:2]))
		payload = payload[2:]
		if n > len(payload) {
			break
		}
		out = append(out, string(payload[:n]))
		payload = payload[n:]
	}
	return out
}

func decodeVars(payload []byte) ([]VarDef, error) {
	var out []VarDef
	for len(payload) >= 4 {
		typ := VarType(payload[0])
		export := payload[1] != 0
		nameLen := int(binary.BigEndian.Uint16(payload[2:4]))
		payload = payload[4:]
		if nameLen > len(payload) {
			return nil, fmt.Errorf("rts: truncated variable name: %w", ferr.ErrInvalidSignature)
		}
		out = append(out, VarDef{Name: string(payload[:nameLen]), Type: typ, Export: export})
		payload = payload[nameLen:]
	}
	return out, nil
}

func decodeKeys(payload []byte) ([]KeyEntry, error) {
	var out []KeyEntry
	for len(payload) >= 6 {
		varIdx := int(binary.BigEndian.Uint32(payload[0:4]))
		nameLen := int(binary.BigEndian.Uint16(payload[4:6]))
		payload = payload[6:]
		if nameLen > len(payload) {
			return nil, fmt.Errorf("rts: truncated key name: %w", ferr.ErrInvalidSignature)
		}
		out = append(out, KeyEntry{Name: string(payload[:nameLen]), Var: varIdx})
		payload = payload[nameLen:]
	}
	return out, nil
}

// EncodeBundle writes bundle data in the on-disk wire form LoadBundle
// reads, for test fixtures and the fcmctl signature-load helper.
func EncodeBundle(vars []VarDef, program []Instruction, keys []KeyEntry) []byte {
	var out []byte
	out = append(out, magic[0], magic[1], magic[2], bundleMajor, bundleMinor, 0, 0)

	writeSection := func(tag sectionTag, payload []byte) {
		var hdr [8]byte
		binary.BigEndian.PutUint32(hdr[0:4], uint32(tag))
		binary.BigEndian.PutUint32(hdr[4:8], uint32(len(payload)))
		out = append(out, hdr[:]...)
		out = append(out, payload...)
	}

	var varPayload []byte
	for _, v := range vars {
		var head [4]byte
		head[0] = byte(v.Type)
		if v.Export {
			head[1] = 1
		}
		binary.BigEndian.PutUint16(head[2:4], uint16(len(v.Name)))
		varPayload = append(varPayload, head[:]...)
		varPayload = append(varPayload, v.Name...)
	}
	writeSection(sectionVariables, varPayload)
	writeSection(sectionBytecode, EncodeInstructions(program))

	var keyPayload []byte
	for _, k := range keys {
		var head [6]byte
		binary.BigEndian.PutUint32(head[0:4], uint32(k.Var))
		binary.BigEndian.PutUint16(head[4:6], uint16(len(k.Name)))
		keyPayload = append(keyPayload, head[:]...)
		keyPayload = append(keyPayload, k.Name...)
	}
	writeSection(sectionKeyList, keyPayload)

	var end [8]byte // sectionEnd tag=0, length=0
	out = append(out, end[:]...)
	return out
}
