package fusion

import (
	"errors"
	"fmt"
	"math/bits"
	"sync/atomic"
	"unsafe"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// Heap is the allocator over the shared heap region.
//
// It is a two-tier block and fragment allocator. Requests up to half a block
// are served from per-class fragment free lists (class = ceil(log2(size)),
// minimum 16 bytes). Larger requests take whole blocks from an address-ordered
// circular free list, searched from the last visited run. The block info
// table describing every block lives in the heap itself and is regrown by
// copying when the break outgrows it.
//
// Every public operation takes the heap skirmish for its duration and first
// brings the local mapping up to the shared size. When an operation changes
// the size of the heap file, the new size is dispatched on the growth reactor
// after the skirmish is dismissed so peers remap eagerly. Peers that touch
// memory before the notification arrives recover through [Heap.Bytes] or
// [Heap.Cure].
//
// Offsets returned by Heap are valid in every process of the world.
type Heap struct {
	w   *World
	hdr *heapHeader

	// mapSize at lock time, compared at unlock to detect resizes.
	lockedSize uint64
}

// HeapStats is a snapshot of allocator accounting.
//
// At every quiescent point BytesUsed + BytesFree == Brk - Base.
type HeapStats struct {
	Base        Offset
	Brk         uint64
	MapSize     uint64
	MaxSize     uint64
	InfoEntries uint64
	BytesUsed   uint64
	BytesFree   uint64
	ChunksUsed  uint64
	ChunksFree  uint64
}

const maxCureAttempts = 3

var errUnknownOffset = errors.New("unknown offset")

func newHeap(w *World) *Heap {
	return &Heap{w: w, hdr: &w.sb.Heap}
}

// format initializes the heap header of a fresh heap file. The info table
// occupies the first blocks and is accounted as used.
func (h *Heap) format() {
	hdr := h.hdr
	tableBytes := roundUp(initialInfoEntries*sizeofBlockInfo, blockSize)

	*hdr = heapHeader{
		Info:       heapBase,
		InfoSize:   initialInfoEntries,
		Brk:        heapBase + tableBytes,
		BytesUsed:  tableBytes,
		ChunksUsed: 1,
	}
	hdr.Limit = blockOf(Offset(hdr.Brk))

	*h.info(0) = blockInfo{Tag: blockFree}
	*h.info(1) = blockInfo{Tag: blockBusy, Size: tableBytes / blockSize}

	initSkirmish(h.w, offHeapLock, 0)
}

func (h *Heap) skirmish() *Skirmish {
	return &Skirmish{w: h.w, off: offHeapLock}
}

func (h *Heap) lock() error {
	if err := h.skirmish().Prevail(); err != nil {
		return fmt.Errorf("heap lock: %w", err)
	}

	size, err := h.w.sync()
	if err != nil {
		_ = h.skirmish().Dismiss()

		return err
	}

	h.lockedSize = size

	return nil
}

func (h *Heap) unlock() error {
	size := atomic.LoadUint64(&h.w.sb.MapSize)
	resized := size != h.lockedSize

	err := h.skirmish().Dismiss()

	if resized {
		h.w.notifyResize(size)
	}

	return err
}

// Alloc allocates size bytes and returns their offset.
//
// Returns [ErrInvalidArgument] for size 0 and [ErrNoMemory] when the heap
// cannot grow enough.
func (h *Heap) Alloc(size uint64) (Offset, error) {
	if size == 0 {
		return 0, fmt.Errorf("alloc of 0 bytes: %w", ErrInvalidArgument)
	}

	if err := h.lock(); err != nil {
		return 0, err
	}

	off, err := h.malloc(size)

	return off, errors.Join(err, h.unlock())
}

// Calloc allocates n*size zeroed bytes.
func (h *Heap) Calloc(n, size uint64) (Offset, error) {
	hi, total := bits.Mul64(n, size)
	if hi != 0 {
		return 0, fmt.Errorf("calloc %d*%d overflows: %w", n, size, ErrNoMemory)
	}

	off, err := h.Alloc(total)
	if err != nil {
		return 0, err
	}

	clear(h.slice(off, total))

	return off, nil
}

// Realloc resizes the allocation at off, moving it if needed. A zero off
// allocates; a zero size frees and returns 0.
func (h *Heap) Realloc(off Offset, size uint64) (Offset, error) {
	if off == 0 {
		return h.Alloc(size)
	}

	if size == 0 {
		return 0, h.Free(off)
	}

	if err := h.lock(); err != nil {
		return 0, err
	}

	res, err := h.realloc(off, size)
	if errors.Is(err, errUnknownOffset) {
		_ = h.unlock()

		panic(fmt.Sprintf("fusion: realloc of unknown offset 0x%x", uint64(off)))
	}

	return res, errors.Join(err, h.unlock())
}

// Free releases the allocation at off. Free(0) is a no-op.
//
// Freeing an offset the allocator did not hand out panics.
func (h *Heap) Free(off Offset) error {
	if off == 0 {
		return nil
	}

	if err := h.lock(); err != nil {
		return err
	}

	if err := h.free(off); err != nil {
		_ = h.unlock()

		panic(fmt.Sprintf("fusion: free of unknown offset 0x%x", uint64(off)))
	}

	return h.unlock()
}

// Strdup copies s into a new NUL-terminated allocation.
func (h *Heap) Strdup(s string) (Offset, error) {
	off, err := h.Alloc(uint64(len(s)) + 1)
	if err != nil {
		return 0, err
	}

	buf := h.slice(off, uint64(len(s))+1)
	copy(buf, s)
	buf[len(s)] = 0

	return off, nil
}

// String reads the NUL-terminated string at off.
func (h *Heap) String(off Offset) (string, error) {
	if off == 0 {
		return "", fmt.Errorf("string at nil offset: %w", ErrInvalidArgument)
	}

	if _, err := h.w.ensure(uint64(off) + 1); err != nil {
		return "", err
	}

	mapped := h.w.region.size()
	for end := uint64(off); end < mapped; end++ {
		if *(*byte)(h.w.region.at(Offset(end))) == 0 {
			return string(h.slice(off, end-uint64(off))), nil
		}
	}

	return "", fmt.Errorf("unterminated string at 0x%x: %w", uint64(off), ErrFault)
}

// Bytes returns n bytes at off as a slice aliasing shared memory.
//
// If the range lies beyond this process's mapping, the mapping is brought up
// to the latest shared size first. Returns [ErrFault] if the range lies
// beyond the heap.
func (h *Heap) Bytes(off Offset, n uint64) ([]byte, error) {
	if off == 0 {
		return nil, fmt.Errorf("bytes at nil offset: %w", ErrInvalidArgument)
	}

	if _, err := h.w.ensure(uint64(off) + n); err != nil {
		return nil, err
	}

	return h.slice(off, n), nil
}

// Cure runs fn, remapping and retrying when fn faults on heap memory that
// another process made valid after this process last remapped. Returns
// [ErrFault] if the faulting address lies beyond the latest heap size.
func (h *Heap) Cure(fn func() error) error {
	for attempt := 0; ; attempt++ {
		addr, faulted, err := faultAddr(fn)
		if !faulted {
			return err
		}

		off, ok := h.w.region.contains(addr)
		if !ok {
			return fmt.Errorf("fault at 0x%x outside the heap: %w", addr, ErrFault)
		}

		latest := atomic.LoadUint64(&h.w.sb.MapSize)
		if uint64(off) >= latest || attempt >= maxCureAttempts {
			return fmt.Errorf("fault at offset 0x%x beyond heap size %d: %w", uint64(off), latest, ErrFault)
		}

		if err := h.w.region.remap(latest); err != nil {
			return err
		}

		h.w.log.Debug("cured stale mapping",
			zap.Uint64("offset", uint64(off)),
			zap.Uint64("map_size", latest))
	}
}

// Stats returns a consistent snapshot of the allocator accounting.
func (h *Heap) Stats() (HeapStats, error) {
	if err := h.lock(); err != nil {
		return HeapStats{}, err
	}

	hdr := h.hdr
	st := HeapStats{
		Base:        heapBase,
		Brk:         hdr.Brk,
		MapSize:     atomic.LoadUint64(&h.w.sb.MapSize),
		MaxSize:     h.w.sb.MaxSize,
		InfoEntries: hdr.InfoSize,
		BytesUsed:   hdr.BytesUsed,
		BytesFree:   hdr.BytesFree,
		ChunksUsed:  hdr.ChunksUsed,
		ChunksFree:  hdr.ChunksFree,
	}

	return st, h.unlock()
}

// Check walks the block table and every free list and verifies them against
// the accounting.
func (h *Heap) Check() error {
	if err := h.lock(); err != nil {
		return err
	}

	err := h.check()

	return errors.Join(err, h.unlock())
}

func (h *Heap) slice(off Offset, n uint64) []byte {
	return unsafe.Slice((*byte)(h.w.region.at(off)), n)
}

func blockOf(off Offset) uint64 {
	return uint64(off-heapBase)/blockSize + 1
}

func blockAddr(block uint64) Offset {
	return Offset((block-1)*blockSize) + heapBase
}

func blockify(size uint64) uint64 {
	return (size + blockSize - 1) / blockSize
}

func fragClass(size uint64) uint32 {
	return uint32(bits.Len64(size - 1))
}

func (h *Heap) info(block uint64) *blockInfo {
	return (*blockInfo)(h.w.region.at(h.hdr.Info + Offset(block*sizeofBlockInfo)))
}

func (h *Heap) link(off Offset) *fragLink {
	return (*fragLink)(h.w.region.at(off))
}

func fragHead(class uint32) Offset {
	return offFragHead + Offset(uint64(class)*uint64(unsafe.Sizeof(fragLink{})))
}

// malloc allocates with the heap lock held.
func (h *Heap) malloc(size uint64) (Offset, error) {
	if size > h.w.sb.MaxSize {
		return 0, fmt.Errorf("alloc of %d bytes exceeds heap limit %d: %w", size, h.w.sb.MaxSize, ErrNoMemory)
	}

	size = max(size, 1<<minFragLog)

	if size <= blockSize/2 {
		return h.mallocFrag(fragClass(size))
	}

	return h.mallocBlocks(blockify(size))
}

func (h *Heap) mallocFrag(class uint32) (Offset, error) {
	hdr := h.hdr
	fsize := uint64(1) << class
	head := fragHead(class)

	if next := h.link(head).Next; next != 0 {
		n := h.link(next)
		h.link(n.Prev).Next = n.Next

		if n.Next != 0 {
			h.link(n.Next).Prev = n.Prev
		}

		e := h.info(blockOf(next))

		e.Size--
		if e.Size != 0 {
			// The block's free fragments are contiguous in the list.
			e.Next = uint64(n.Next) % blockSize >> class
		}

		hdr.ChunksUsed++
		hdr.BytesUsed += fsize
		hdr.ChunksFree--
		hdr.BytesFree -= fsize

		return next, nil
	}

	blk, err := h.mallocBlocks(1)
	if err != nil {
		return 0, err
	}

	count := uint64(blockSize) >> class

	for i := uint64(1); i < count; i++ {
		off := blk + Offset(i<<class)
		l := h.link(off)
		l.Next = h.link(head).Next
		l.Prev = head
		h.link(head).Next = off

		if l.Next != 0 {
			h.link(l.Next).Prev = off
		}
	}

	*h.info(blockOf(blk)) = blockInfo{Tag: blockBusy, Class: class, Size: count - 1, Next: count - 1}

	hdr.ChunksFree += count - 1
	hdr.BytesFree += blockSize - fsize
	hdr.BytesUsed -= blockSize - fsize

	return blk, nil
}

func (h *Heap) mallocBlocks(blocks uint64) (Offset, error) {
	hdr := h.hdr
	start := hdr.Index
	block := start

	for h.info(block).Size < blocks {
		block = h.info(block).Next
		if block != start {
			continue
		}

		// Wrapped around. If the last free run ends at the break, only
		// the missing blocks are requested from the system.
		last := h.info(0).Prev
		lastBlocks := h.info(last).Size

		if last != 0 && last+lastBlocks == hdr.Limit && blockAddr(hdr.Limit) == Offset(hdr.Brk) {
			if _, err := h.morecore((blocks - lastBlocks) * blockSize); err != nil {
				return 0, err
			}

			// A freed info table may have merged into the last run.
			block = h.info(0).Prev
			h.info(block).Size += blocks - lastBlocks
			hdr.BytesFree += (blocks - lastBlocks) * blockSize

			continue
		}

		res, err := h.morecore(blocks * blockSize)
		if err != nil {
			return 0, err
		}

		*h.info(blockOf(res)) = blockInfo{Tag: blockBusy, Size: blocks}
		hdr.ChunksUsed++
		hdr.BytesUsed += blocks * blockSize

		return res, nil
	}

	res := blockAddr(block)
	e := h.info(block)

	if e.Size > blocks {
		rest := block + blocks
		*h.info(rest) = blockInfo{Tag: blockFree, Size: e.Size - blocks, Next: e.Next, Prev: e.Prev}
		h.info(e.Prev).Next = rest
		h.info(e.Next).Prev = rest
		hdr.Index = rest
	} else {
		h.info(e.Next).Prev = e.Prev
		h.info(e.Prev).Next = e.Next
		hdr.Index = e.Next
		hdr.ChunksFree--
	}

	*e = blockInfo{Tag: blockBusy, Size: blocks}
	hdr.ChunksUsed++
	hdr.BytesUsed += blocks * blockSize
	hdr.BytesFree -= blocks * blockSize

	return res, nil
}

// morecore extends the break by size bytes, regrowing the info table when it
// can no longer describe the new end. The returned core is not accounted;
// the caller books it as used or free.
func (h *Heap) morecore(size uint64) (Offset, error) {
	hdr := h.hdr

	res, err := h.core(size)
	if err != nil {
		return 0, err
	}

	if blockOf(Offset(hdr.Brk)) > hdr.InfoSize {
		if err := h.growInfo(); err != nil {
			h.uncore(size)

			return 0, err
		}
	}

	hdr.Limit = blockOf(Offset(hdr.Brk))

	return res, nil
}

// growInfo moves the info table to fresh core with at least twice the
// entries and frees the old one.
func (h *Heap) growInfo() error {
	hdr := h.hdr

	entries := hdr.InfoSize
	for blockOf(Offset(hdr.Brk)) > entries {
		entries *= 2
	}

	tableBytes := roundUp(entries*sizeofBlockInfo, blockSize)
	for blockOf(Offset(hdr.Brk+tableBytes)) > entries {
		entries *= 2
		tableBytes = roundUp(entries*sizeofBlockInfo, blockSize)
	}

	newInfo, err := h.core(tableBytes)
	if err != nil {
		return err
	}

	dst := h.slice(newInfo, tableBytes)
	clear(dst)
	copy(dst, h.slice(hdr.Info, hdr.InfoSize*sizeofBlockInfo))

	oldInfo := hdr.Info
	hdr.Info, hdr.InfoSize = newInfo, entries
	hdr.Limit = blockOf(Offset(hdr.Brk))

	*h.info(blockOf(newInfo)) = blockInfo{Tag: blockBusy, Size: tableBytes / blockSize}
	hdr.ChunksUsed++
	hdr.BytesUsed += tableBytes

	h.freeBlocks(blockOf(oldInfo), false)

	h.w.log.Debug("grew heap info table",
		zap.Uint64("entries", entries),
		zap.Uint64("offset", uint64(newInfo)))

	return nil
}

// core moves the break up by size bytes, growing the heap file when the
// break passes the mapped size.
func (h *Heap) core(size uint64) (Offset, error) {
	sb := h.w.sb
	hdr := h.hdr

	end := hdr.Brk + size
	if end > sb.MaxSize {
		return 0, fmt.Errorf("heap of %d bytes would exceed limit %d: %w", end, sb.MaxSize, ErrNoMemory)
	}

	if end > atomic.LoadUint64(&sb.MapSize) {
		if err := h.resize(min(roundUp(end, growQuantum), sb.MaxSize)); err != nil {
			return 0, err
		}
	}

	res := Offset(hdr.Brk)
	hdr.Brk = end

	return res, nil
}

// uncore moves the break down by size bytes and shrinks the heap file when
// at least one growth quantum is unused.
func (h *Heap) uncore(size uint64) {
	sb := h.w.sb
	hdr := h.hdr

	hdr.Brk -= size

	target := max(sb.MinMapSize, roundUp(hdr.Brk, growQuantum))
	if target < atomic.LoadUint64(&sb.MapSize) {
		if err := h.resize(target); err != nil {
			h.w.log.Warn("shrinking heap", zap.Uint64("target", target), zap.Error(err))
		}
	}
}

// resize sets the heap file length and the local mapping to size.
func (h *Heap) resize(size uint64) error {
	sb := h.w.sb
	cur := atomic.LoadUint64(&sb.MapSize)

	if size > cur {
		if err := unix.Ftruncate(h.w.heapFD(), int64(size)); err != nil {
			return osError("ftruncate", h.w.heapPath, err)
		}

		if err := h.w.region.grow(size); err != nil {
			return err
		}

		atomic.StoreUint64(&sb.MapSize, size)
	} else {
		atomic.StoreUint64(&sb.MapSize, size)

		if err := h.w.region.remap(size); err != nil {
			return err
		}

		if err := unix.Ftruncate(h.w.heapFD(), int64(size)); err != nil {
			return osError("ftruncate", h.w.heapPath, err)
		}
	}

	h.w.log.Debug("resized heap", zap.Uint64("from", cur), zap.Uint64("to", size))

	return nil
}

// free releases off with the heap lock held.
func (h *Heap) free(off Offset) error {
	block, e, err := h.lookup(off)
	if err != nil {
		return err
	}

	if e.Class == 0 {
		h.freeBlocks(block, true)
	} else {
		h.freeFrag(off, block, e)
	}

	return nil
}

// lookup validates that off is the start of a live allocation.
func (h *Heap) lookup(off Offset) (uint64, *blockInfo, error) {
	hdr := h.hdr

	if off < heapBase || uint64(off) >= hdr.Brk {
		return 0, nil, errUnknownOffset
	}

	block := blockOf(off)
	if block == blockOf(hdr.Info) {
		return 0, nil, errUnknownOffset
	}

	e := h.info(block)
	if e.Tag != blockBusy {
		return 0, nil, errUnknownOffset
	}

	if e.Class == 0 {
		if off != blockAddr(block) {
			return 0, nil, errUnknownOffset
		}
	} else if uint64(off)%blockSize%(1<<e.Class) != 0 {
		return 0, nil, errUnknownOffset
	}

	return block, e, nil
}

// freeBlocks returns a whole-block allocation to the free list, coalescing
// with its neighbours in address order. mayShrink allows returning a large
// enough trailing run to the system.
func (h *Heap) freeBlocks(block uint64, mayShrink bool) {
	hdr := h.hdr
	e := h.info(block)
	size := e.Size

	hdr.ChunksUsed--
	hdr.BytesUsed -= size * blockSize
	hdr.BytesFree += size * blockSize

	// Find the free run preceding block, starting from the last visited.
	i := hdr.Index
	if i > block {
		for i > block {
			i = h.info(i).Prev
		}
	} else {
		for {
			i = h.info(i).Next
			if i == 0 || i >= block {
				break
			}
		}

		i = h.info(i).Prev
	}

	if pe := h.info(i); i != 0 && block == i+pe.Size {
		pe.Size += size
		*e = blockInfo{Tag: blockFree}
		block = i
	} else {
		*e = blockInfo{Tag: blockFree, Size: size, Next: pe.Next, Prev: i}
		pe.Next = block
		h.info(e.Next).Prev = block
		hdr.ChunksFree++
	}

	e = h.info(block)
	if next := e.Next; block+e.Size == next {
		ne := h.info(next)
		e.Size += ne.Size
		e.Next = ne.Next
		h.info(e.Next).Prev = block
		*ne = blockInfo{Tag: blockFree}
		hdr.ChunksFree--
	}

	if mayShrink {
		block = h.releaseTail(block)
	}

	hdr.Index = block
}

// releaseTail returns the trailing free run to the system when it reaches the
// final-free threshold. If the info table sits between free space and the
// end of core, it is first moved down so the space above it can go too.
func (h *Heap) releaseTail(block uint64) uint64 {
	hdr := h.hdr
	threshold := uint64(h.w.sb.FinalFree)
	blocks := h.info(block).Size

	infoBlock := blockOf(hdr.Info)
	infoBlocks := h.info(infoBlock).Size
	prevBlock := h.info(block).Prev
	prevBlocks := h.info(prevBlock).Size
	nextBlock := h.info(block).Next
	nextBlocks := h.info(nextBlock).Size

	tableBelowTail := block+blocks == hdr.Limit &&
		infoBlock+infoBlocks == block &&
		prevBlock != 0 && prevBlock+prevBlocks == infoBlock &&
		blocks+prevBlocks >= threshold

	tableAtEnd := block+blocks == infoBlock &&
		((infoBlock+infoBlocks == hdr.Limit && blocks >= threshold) ||
			(infoBlock+infoBlocks == nextBlock &&
				nextBlock+nextBlocks == hdr.Limit &&
				blocks+nextBlocks >= threshold))

	if tableBelowTail || tableAtEnd {
		oldInfo := hdr.Info

		h.freeBlocks(infoBlock, false)
		hdr.Index = 0

		// The freed table blocks alone satisfy this, so no core is needed.
		newInfo, err := h.mallocBlocks(infoBlocks)
		if err != nil {
			panic(fmt.Sprintf("fusion: relocating heap info table: %v", err))
		}

		copy(h.slice(newInfo, infoBlocks*blockSize), h.slice(oldInfo, infoBlocks*blockSize))
		hdr.Info = newInfo

		block = h.info(0).Prev
		blocks = h.info(block).Size
	}

	if block+blocks != hdr.Limit || blocks < threshold {
		return block
	}

	e := h.info(block)
	prev := e.Prev
	h.info(prev).Next = e.Next
	h.info(e.Next).Prev = prev
	*e = blockInfo{}

	bytes := blocks * blockSize
	hdr.ChunksFree--
	hdr.BytesFree -= bytes

	h.uncore(bytes)
	hdr.Limit = blockOf(Offset(hdr.Brk))

	return prev
}

func (h *Heap) freeFrag(off Offset, block uint64, e *blockInfo) {
	hdr := h.hdr
	class := e.Class
	fsize := uint64(1) << class
	count := uint64(blockSize) >> class

	hdr.ChunksUsed--
	hdr.BytesUsed -= fsize
	hdr.ChunksFree++
	hdr.BytesFree += fsize

	first := blockAddr(block) + Offset(e.Next<<class)

	switch {
	case e.Size == count-1:
		// Every fragment is free: unlink them all and free the block.
		next := first
		for i := uint64(1); i < count; i++ {
			next = h.link(next).Next
		}

		prev := h.link(first).Prev
		h.link(prev).Next = next

		if next != 0 {
			h.link(next).Prev = prev
		}

		*e = blockInfo{Tag: blockBusy, Size: 1}

		hdr.ChunksUsed++
		hdr.BytesUsed += blockSize
		hdr.ChunksFree -= count
		hdr.BytesFree -= blockSize

		h.freeBlocks(block, true)

	case e.Size != 0:
		// Link after the block's first free fragment to keep the block's
		// fragments contiguous in the list.
		l := h.link(off)
		fl := h.link(first)
		l.Next = fl.Next
		l.Prev = first
		fl.Next = off

		if l.Next != 0 {
			h.link(l.Next).Prev = off
		}

		e.Size++

	default:
		head := fragHead(class)
		l := h.link(off)
		l.Next = h.link(head).Next
		l.Prev = head
		h.link(head).Next = off

		if l.Next != 0 {
			h.link(l.Next).Prev = off
		}

		e.Size = 1
		e.Next = uint64(off) % blockSize >> class
	}
}

// realloc resizes with the heap lock held.
func (h *Heap) realloc(off Offset, size uint64) (Offset, error) {
	block, e, err := h.lookup(off)
	if err != nil {
		return 0, err
	}

	if size > h.w.sb.MaxSize {
		return 0, fmt.Errorf("realloc to %d bytes exceeds heap limit: %w", size, ErrNoMemory)
	}

	size = max(size, 1<<minFragLog)

	if e.Class != 0 {
		fsize := uint64(1) << e.Class
		if size > fsize/2 && size <= fsize {
			return off, nil
		}

		res, err := h.malloc(size)
		if err != nil {
			return 0, err
		}

		copy(h.slice(res, min(size, fsize)), h.slice(off, min(size, fsize)))

		return res, h.free(off)
	}

	if size <= blockSize/2 {
		if res, err := h.malloc(size); err == nil {
			copy(h.slice(res, size), h.slice(off, size))
			h.freeBlocks(block, true)

			return res, nil
		}
	}

	blocks := blockify(size)
	cur := h.info(block).Size

	switch {
	case blocks < cur:
		*h.info(block + blocks) = blockInfo{Tag: blockBusy, Size: cur - blocks}
		h.info(block).Size = blocks
		h.hdr.ChunksUsed++
		h.freeBlocks(block+blocks, true)

		return off, nil

	case blocks == cur:
		return off, nil
	}

	// Free first so adjacent free space can absorb the growth in place.
	h.freeBlocks(block, false)

	res, err := h.malloc(size)
	if err != nil {
		h.unfree(block, cur)

		return 0, err
	}

	if res != off {
		copy(h.slice(res, cur*blockSize), h.slice(off, cur*blockSize))
	}

	return res, nil
}

// unfree re-allocates exactly blocks at block after a failed move. The
// freed run may have merged into the run at hdr.Index.
func (h *Heap) unfree(block, blocks uint64) {
	hdr := h.hdr

	if hdr.Index == block {
		_, _ = h.mallocBlocks(blocks)

		return
	}

	prefix, err := h.mallocBlocks(block - hdr.Index)
	_, _ = h.mallocBlocks(blocks)

	if err == nil {
		h.freeBlocks(blockOf(prefix), false)
	}
}

// check verifies the block table and free lists with the lock held.
func (h *Heap) check() error {
	hdr := h.hdr

	fail := func(format string, args ...any) error {
		return fmt.Errorf("%w: heap check: %s", ErrFailure, fmt.Sprintf(format, args...))
	}

	if hdr.Brk > atomic.LoadUint64(&h.w.sb.MapSize) {
		return fail("break %d beyond map size %d", hdr.Brk, atomic.LoadUint64(&h.w.sb.MapSize))
	}

	if hdr.Limit != blockOf(Offset(hdr.Brk)) {
		return fail("limit %d does not match break %d", hdr.Limit, hdr.Brk)
	}

	if hdr.BytesUsed+hdr.BytesFree != hdr.Brk-heapBase {
		return fail("used %d + free %d != core %d", hdr.BytesUsed, hdr.BytesFree, hdr.Brk-heapBase)
	}

	var (
		usedBytes, freeBytes   uint64
		usedChunks, freeChunks uint64
	)

	for b := uint64(1); b < hdr.Limit; {
		e := h.info(b)

		switch {
		case e.Tag == blockFree && e.Size > 0:
			freeBytes += e.Size * blockSize
			freeChunks++
			b += e.Size

		case e.Tag == blockBusy && e.Class == 0 && e.Size > 0:
			usedBytes += e.Size * blockSize
			usedChunks++
			b += e.Size

		case e.Tag == blockBusy && e.Class >= minFragLog && e.Class < blockLog:
			count := uint64(blockSize) >> e.Class
			if e.Size >= count {
				return fail("block %d: %d free of %d fragments", b, e.Size, count)
			}

			usedBytes += (count - e.Size) << e.Class
			freeBytes += e.Size << e.Class
			usedChunks += count - e.Size
			freeChunks += e.Size
			b++

		default:
			return fail("block %d: bad entry tag=%d class=%d size=%d", b, e.Tag, e.Class, e.Size)
		}

		if b > hdr.Limit {
			return fail("block run ends at %d beyond limit %d", b, hdr.Limit)
		}
	}

	if usedBytes != hdr.BytesUsed || freeBytes != hdr.BytesFree {
		return fail("walk found used=%d free=%d, accounting says used=%d free=%d",
			usedBytes, freeBytes, hdr.BytesUsed, hdr.BytesFree)
	}

	if usedChunks != hdr.ChunksUsed || freeChunks != hdr.ChunksFree {
		return fail("walk found %d/%d chunks used/free, accounting says %d/%d",
			usedChunks, freeChunks, hdr.ChunksUsed, hdr.ChunksFree)
	}

	// Free runs: ascending, linked both ways, never adjacent.
	prev := uint64(0)
	for b := h.info(0).Next; b != 0; b = h.info(b).Next {
		e := h.info(b)
		if e.Tag != blockFree || e.Prev != prev || b <= prev {
			return fail("free list broken at block %d", b)
		}

		if prev != 0 && prev+h.info(prev).Size >= b {
			return fail("free runs %d and %d not coalesced", prev, b)
		}

		prev = b
	}

	if h.info(0).Prev != prev {
		return fail("free list tail %d, anchor says %d", prev, h.info(0).Prev)
	}

	// Fragment lists: every entry lives in a block of its class.
	for class := uint32(minFragLog); class < blockLog; class++ {
		head := fragHead(class)
		p := head

		for f := h.link(head).Next; f != 0; f = h.link(f).Next {
			e := h.info(blockOf(f))
			if e.Tag != blockBusy || e.Class != class || h.link(f).Prev != p {
				return fail("fragment list %d broken at 0x%x", class, uint64(f))
			}

			p = f
		}
	}

	return nil
}
