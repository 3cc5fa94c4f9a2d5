package rts

import "flowguard/pkg/ferr"

// storageKind distinguishes a Buffer's backing storage, replacing
// rts_buffer_data's refcounted-data-block-that-may-or-may-not-be-pool-
// memory with an explicit Go sum type per the re-architecture guidance.
type storageKind int

const (
	storageNone storageKind = iota
	storageInPool
	storageExternal
)

// Buffer is a value type with value semantics but shared storage: a small
// window (offset/length) over a refcounted data block. Two Buffers may
// share the same block; any mutating operation on a shared block first
// copies the block (copy-on-write).
type Buffer struct {
	kind storageKind

	// InPool storage.
	pool   *Pool
	handle allocHandle
	block  *poolBlock

	// External storage (e.g. a live packet); must be Sync'd into pool
	// memory before the caller releases the external memory.
	external []byte

	off, length int
}

// poolBlock is the refcounted unit shared by Buffers referencing pool
// memory.
type poolBlock struct {
	data []byte
	ref  int
}

// NewExternalBuffer wraps externally-owned memory (e.g. a packet's byte
// slice) without copying. The caller must call Sync before the external
// memory's lifetime ends.
func NewExternalBuffer(data []byte) Buffer {
	return Buffer{kind: storageExternal, external: data, length: len(data)}
}

// Empty reports whether b has zero length.
func (b Buffer) Empty() bool { return b.length == 0 }

// Len reports b's length in bytes.
func (b Buffer) Len() int { return b.length }

// Shared reports whether b's underlying pool block has more than one
// referent (i.e. a write would trigger copy-on-write).
func (b Buffer) Shared() bool {
	return b.kind == storageInPool && b.block != nil && b.block.ref > 1
}

// WillSync reports whether b references external memory and therefore
// needs Sync before its source can be released.
func (b Buffer) WillSync() bool {
	return b.kind == storageExternal
}

// Bytes returns a read-only view of b's window. It is only valid while the
// Buffer's backing storage (pool or external) remains alive.
func (b Buffer) Bytes() []byte {
	switch b.kind {
	case storageInPool:
		return b.block.data[b.off : b.off+b.length]
	case storageExternal:
		return b.external[b.off : b.off+b.length]
	default:
		return nil
	}
}

// At returns the byte at index iter within b's window.
func (b Buffer) At(iter int) byte {
	return b.Bytes()[iter]
}

// Get increments the shared block's refcount (InPool storage only); a
// no-op for external or empty buffers, mirroring rts_buffer_get.
func (b *Buffer) Get() {
	if b.kind == storageInPool && b.block != nil {
		b.block.ref++
	}
}

// Put decrements the shared block's refcount, releasing it to pool when it
// reaches zero, mirroring rts_buffer_put.
func (b *Buffer) Put() {
	if b.kind != storageInPool || b.block == nil {
		return
	}
	b.block.ref--
	if b.block.ref == 0 {
		b.pool.Free(b.handle)
	}
	*b = Buffer{}
}

// ensureOwned copies b's window into a freshly-owned pool block if it is
// currently shared (ref > 1) or external, so a subsequent mutation is safe.
// This is the copy-on-write trigger point for Write/Push/Append/Clear.
func (b *Buffer) ensureOwned(p *Pool) error {
	if b.kind == storageInPool && b.block != nil && b.block.ref == 1 {
		return nil
	}
	src := b.Bytes()
	dst, h := p.Alloc(max(len(src), 1))
	if dst == nil {
		return ferr.ErrOutOfMemory
	}
	copy(dst, src)

	if b.kind == storageInPool && b.block != nil {
		b.block.ref--
		if b.block.ref == 0 {
			b.pool.Free(b.handle)
		}
	}
	b.kind = storageInPool
	b.pool = p
	b.handle = h
	b.block = &poolBlock{data: dst[:cap(dst)], ref: 1}
	b.off = 0
	b.length = len(src)
	return nil
}

// Sync copies an externally-backed buffer into pool memory so it outlives
// the external memory's lifetime (e.g. a packet being recycled). A no-op
// for buffers already in pool memory. Failure to allocate surfaces as
// ferr.ErrOutOfMemory.
func (b *Buffer) Sync(p *Pool) error {
	if b.kind != storageExternal {
		return nil
	}
	return b.ensureOwned(p)
}

// Write overwrites b's window starting at off with src, growing the window
// if needed. Triggers copy-on-write if the block is shared.
func (b *Buffer) Write(p *Pool, off int, src []byte) error {
	if err := b.ensureOwned(p); err != nil {
		return err
	}
	need := off + len(src)
	if need > len(b.block.data)-b.off {
		grown, h := p.Alloc(max(need, 1))
		if grown == nil {
			return ferr.ErrOutOfMemory
		}
		copy(grown, b.block.data[b.off:b.off+b.length])
		b.pool.Free(b.handle)
		b.handle = h
		b.block = &poolBlock{data: grown[:cap(grown)], ref: 1}
		b.off = 0
	}
	copy(b.block.data[b.off+off:], src)
	if need > b.length {
		b.length = need
	}
	return nil
}

// Push appends a single byte.
func (b *Buffer) Push(p *Pool, c byte) error {
	return b.Write(p, b.length, []byte{c})
}

// Append concatenates src onto the end of b.
func (b *Buffer) Append(p *Pool, src Buffer) error {
	return b.Write(p, b.length, src.Bytes())
}

// Clear empties b without releasing its storage (so subsequent writes can
// reuse the allocation).
func (b *Buffer) Clear(p *Pool) error {
	if err := b.ensureOwned(p); err != nil {
		return err
	}
	b.length = 0
	return nil
}

// Clone returns an independent copy of src's window in pool memory.
func Clone(p *Pool, src Buffer) (Buffer, error) {
	var dst Buffer
	if err := dst.Write(p, 0, src.Bytes()); err != nil {
		return Buffer{}, err
	}
	return dst, nil
}

// Eql reports whether lhs and rhs reference the same block or have
// byte-identical windows.
func Eql(lhs, rhs Buffer) bool {
	if lhs.kind == storageInPool && rhs.kind == storageInPool && lhs.block == rhs.block && lhs.off == rhs.off && lhs.length == rhs.length {
		return true
	}
	if lhs.Empty() || rhs.Empty() {
		return false
	}
	if lhs.length != rhs.length {
		return false
	}
	a, b := lhs.Bytes(), rhs.Bytes()
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
