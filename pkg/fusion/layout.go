package fusion

import "unsafe"

// Offset addresses a byte inside the shared heap region, relative to the
// start of the mapping. Offsets are identical in every process; the zero
// Offset is nil (the superblock lives there).
type Offset uint64

// FusionID identifies one attached process (one [World]). IDs are assigned
// from 1 upwards and never reused while the heap file exists.
type FusionID uint64

// Heap file layout:
//
//	[0, superSize)          superblock: heap header, world header
//	[superSize, brk)        heap blocks, numbered from 1
//	[brk, mapSize)          mapped slack, grown in growQuantum steps
//
// All shared records are fixed-layout structs read and written in place.
// Words used with futexes or read without a lock are accessed atomically.
const (
	blockLog  = 12
	blockSize = 1 << blockLog

	superSize = 2 * blockSize

	// heapBase is the offset of block 1.
	heapBase = superSize

	growQuantum = 64 << 10

	initialInfoEntries = 256

	// minFragLog is the smallest fragment class (16 bytes, one fragLink).
	minFragLog = 4

	maxProcesses    = 64
	maxReactorNodes = 64
	maxArenaNodes   = 32
	maxArenaFields  = 32
	maxNameLen      = 31

	// livenessBase is the first byte of the lock file used for per-process
	// liveness locks. It lies above any heap offset.
	livenessBase = 1 << 48

	formatVersion = 1
)

const (
	superMagic    = 0x46_55_53_49_4f_4e_31_00 // "FUSION1\0"
	skirmishLive  = 0x534b_524d              // "SKRM"
	skirmishDead  = 0xdead_0001
	reactorMagic  = 0x5245_4143 // "REAC"
	callMagic     = 0x4341_4c4c // "CALL"
	poolMagic     = 0x504f_4f4c // "POOL"
	arenaMagic    = 0x4152_4e41 // "ARNA"
	skirmishAlloc = 1           // skirmishState.Flags: standalone heap block
)

var minHeapSize = uint64(superSize + roundUpConst(initialInfoEntries*unsafe.Sizeof(blockInfo{}), blockSize))

func roundUpConst(n, to uintptr) uintptr { return (n + to - 1) / to * to }

type superblock struct {
	Magic      uint64
	Version    uint32
	FinalFree  uint32
	MaxSize    uint64
	MinMapSize uint64
	QueueDepth uint64
	MapSize    uint64 // atomic
	Serial     uint64 // atomic, ids for calls and reactors
	Growth     Offset
	Created    int64
	Heap       heapHeader
	World      worldHeader
}

// The superblock must fit in front of block 1.
const _ = uint(superSize - unsafe.Sizeof(superblock{}))

type skirmishState struct {
	Magic uint32
	Flags uint32
}

type heapHeader struct {
	Lock       skirmishState
	Info       Offset // block info table
	InfoSize   uint64 // table entries
	Index      uint64 // next block to start searching from
	Limit      uint64 // one past the highest block in core
	Brk        uint64 // end of core
	BytesUsed  uint64
	BytesFree  uint64
	ChunksUsed uint64
	ChunksFree uint64
	FragHead   [blockLog]fragLink
}

// fragLink heads a fragment free list and is stored in every free fragment.
type fragLink struct {
	Next Offset
	Prev Offset
}

const (
	blockUnused uint32 = iota
	blockFree
	blockBusy
)

// blockInfo describes one block. The words are interpreted by Tag:
//
//	blockFree:             Size run length, Next/Prev neighbouring runs
//	blockBusy, Class == 0: Size blocks in the allocation
//	blockBusy, Class > 0:  Size free fragments, Next first free fragment
//
// Entry 0 anchors the circular free list and always has Size 0.
type blockInfo struct {
	Tag   uint32
	Class uint32
	Size  uint64
	Next  uint64
	Prev  uint64
}

type worldHeader struct {
	Lock   skirmishState
	NextID uint64
	Arenas Offset
	Procs  [maxProcesses]procSlot
}

type procSlot struct {
	ID     FusionID
	Pid    int64
	Inbox  Offset
	Joined int64
}

type refHeader struct {
	Gate      skirmishState
	Count     uint32 // futex word
	Destroyed uint32
	WatchCall Offset
	WatchArg  int64
}

type ringHeader struct {
	Lock   skirmishState
	Slot   uint32
	Cap    uint32
	Head   uint64 // consumer
	Tail   uint64 // producers, under Lock
	Seq    uint32 // futex word
	Closed uint32
}

type reactorHeader struct {
	Lock    skirmishState
	Magic   uint32
	MsgSize uint32
	ID      uint64
	Nodes   [maxReactorNodes]reactorNode
}

type reactorNode struct {
	Owner FusionID
	Inbox Offset
	Ready Offset
}

type callHeader struct {
	Magic     uint32
	Destroyed uint32
	ID        uint64
	Owner     FusionID
	Pending   int64
}

type callMsg struct {
	Call   Offset
	ID     uint64
	Arg    int64
	Ptr    Offset
	Reply  Offset
	Caller FusionID
}

const (
	replyPending uint32 = iota
	replyDone
	replyAbandoned
	replyFailed
)

type replySlot struct {
	State uint32 // futex word
	_     uint32
	Value int64
}

type poolHeader struct {
	Lock        skirmishState
	Magic       uint32
	ObjectSize  uint32
	MessageSize uint32
	_           uint32
	NextID      uint64
	Call        Offset
	Head        Offset
	Count       uint64
	Name        [maxNameLen + 1]byte
}

type objectHeader struct {
	ID      uint64
	State   uint32
	_       uint32
	Pool    Offset
	Ref     Offset
	Reactor Offset
	Next    Offset
	Prev    Offset
}

type arenaHeader struct {
	Lock        skirmishState
	Magic       uint32
	Initialized uint32
	Key         uint64
	Next        Offset
	Ref         Offset
	NodeCount   uint64
	Name        [maxNameLen + 1]byte
	Nodes       [maxArenaNodes]FusionID
	Fields      [maxArenaFields]arenaField
}

type arenaField struct {
	Name  [maxNameLen + 1]byte
	Value Offset
}

var (
	sizeofBlockInfo = uint64(unsafe.Sizeof(blockInfo{}))
	sizeofRef       = uint64(unsafe.Sizeof(refHeader{}))
	sizeofRing      = uint64(unsafe.Sizeof(ringHeader{}))
	sizeofReactor   = uint64(unsafe.Sizeof(reactorHeader{}))
	sizeofCall      = uint64(unsafe.Sizeof(callHeader{}))
	sizeofCallMsg   = uint64(unsafe.Sizeof(callMsg{}))
	sizeofReply     = uint64(unsafe.Sizeof(replySlot{}))
	sizeofPool      = uint64(unsafe.Sizeof(poolHeader{}))
	sizeofObject    = uint64(unsafe.Sizeof(objectHeader{}))
	sizeofArena     = uint64(unsafe.Sizeof(arenaHeader{}))
	sizeofSkirmish  = uint64(unsafe.Sizeof(skirmishState{}))
)

// offsets of superblock members, used to build handles on embedded records.
var (
	offHeapLock  = Offset(unsafe.Offsetof(superblock{}.Heap) + unsafe.Offsetof(heapHeader{}.Lock))
	offFragHead  = Offset(unsafe.Offsetof(superblock{}.Heap) + unsafe.Offsetof(heapHeader{}.FragHead))
	offWorldLock = Offset(unsafe.Offsetof(superblock{}.World) + unsafe.Offsetof(worldHeader{}.Lock))
)

// putName copies s into a fixed NUL-terminated name field.
func putName(dst *[maxNameLen + 1]byte, s string) {
	*dst = [maxNameLen + 1]byte{}
	copy(dst[:maxNameLen], s)
}

func getName(src *[maxNameLen + 1]byte) string {
	for i, c := range src {
		if c == 0 {
			return string(src[:i])
		}
	}

	return string(src[:maxNameLen])
}
