// Package latch provides short-duration read/write latches keyed by tree node
// id. Latches are created on first use and dropped once nobody holds or waits
// for them.
package latch

import (
	"encoding/binary"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"

	"github.com/alexhholmes/crabtree/internal/base"
)

const (
	shardCount = 64

	writerBit  int64 = 1 << 32
	waiterUnit int64 = 1 << 33
	readerMask       = writerBit - 1

	spinsBeforeYield = 16
)

// Handle is a latch held by one session.
type Handle interface {
	TreeNodeID() base.PageID
	// TryUpgradeToWrite turns the caller's read latch into a write latch if
	// the caller is the only reader and no writer is waiting. It never waits.
	TryUpgradeToWrite() bool
	ReleaseRead()
	ReleaseWrite()
}

// Latch is a spin latch for one node. The state word holds the reader count
// in the low 32 bits, the writer bit above it and waiting writers in the
// remaining high bits.
type Latch struct {
	id    base.PageID
	state atomic.Int64
	refs  int // guarded by the shard mutex
	shard *shard
}

type shard struct {
	mu      sync.Mutex
	latches map[base.PageID]*Latch
}

// Service hands out latches by node id.
type Service struct {
	shards [shardCount]shard
}

// NewService creates an empty latch service.
func NewService() *Service {
	s := &Service{}
	for i := range s.shards {
		s.shards[i].latches = make(map[base.PageID]*Latch)
	}
	return s
}

func (s *Service) shardFor(id base.PageID) *shard {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(id))
	return &s.shards[xxhash.Sum64(buf[:])%shardCount]
}

func (s *Service) ref(id base.PageID) *Latch {
	sh := s.shardFor(id)
	sh.mu.Lock()
	l, ok := sh.latches[id]
	if !ok {
		l = &Latch{id: id, shard: sh}
		sh.latches[id] = l
	}
	l.refs++
	sh.mu.Unlock()
	return l
}

func (l *Latch) unref() {
	sh := l.shard
	sh.mu.Lock()
	l.refs--
	if l.refs == 0 {
		delete(sh.latches, l.id)
	}
	sh.mu.Unlock()
}

// AcquireRead blocks until a read latch on id is held. New readers wait
// while a writer holds or waits for the latch.
func (s *Service) AcquireRead(id base.PageID) Handle {
	l := s.ref(id)
	for spins := 0; ; spins++ {
		st := l.state.Load()
		if st&writerBit == 0 && st < waiterUnit {
			if l.state.CompareAndSwap(st, st+1) {
				return l
			}
			continue
		}
		backoff(spins)
	}
}

// AcquireWrite blocks until the write latch on id is held.
func (s *Service) AcquireWrite(id base.PageID) Handle {
	l := s.ref(id)
	l.state.Add(waiterUnit)
	for spins := 0; ; spins++ {
		st := l.state.Load()
		if st&(writerBit|readerMask) == 0 {
			if l.state.CompareAndSwap(st, st-waiterUnit+writerBit) {
				return l
			}
			continue
		}
		backoff(spins)
	}
}

// Len returns the number of live latches.
func (s *Service) Len() int {
	n := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		n += len(sh.latches)
		sh.mu.Unlock()
	}
	return n
}

func (l *Latch) TreeNodeID() base.PageID {
	return l.id
}

func (l *Latch) TryUpgradeToWrite() bool {
	return l.state.CompareAndSwap(1, writerBit)
}

func (l *Latch) ReleaseRead() {
	if l.state.Add(-1)&readerMask == readerMask {
		panic(fmt.Sprintf("latch %d: read release without read latch", l.id))
	}
	l.unref()
}

func (l *Latch) ReleaseWrite() {
	if l.state.Add(-writerBit)&writerBit != 0 {
		panic(fmt.Sprintf("latch %d: write release without write latch", l.id))
	}
	l.unref()
}

func (l *Latch) String() string {
	st := l.state.Load()
	return fmt.Sprintf("%d[readers:%d writer:%t waiting:%d]",
		l.id, st&readerMask, st&writerBit != 0, st/waiterUnit)
}

func backoff(spins int) {
	if spins >= spinsBeforeYield {
		runtime.Gosched()
	}
}
