package freelist

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/google/btree"

	"github.com/alexhholmes/crabtree/internal/base"
)

const degree = 32

// Freelist manages Free and pending pages for copy-on-write checkpoints.
// Pages are freed in two stages:
// 1. Pending: pages unlinked during generation G may still be referenced by
// the last durable checkpoint, so they wait until checkpoint G is durable
// 2. Free: pages released from pending are available for immediate reuse
type Freelist struct {
	mu      sync.Mutex
	free    *btree.BTreeG[base.PageID]
	pending map[base.Generation][]base.PageID
}

// New creates a new Freelist with empty state
func New() *Freelist {
	return &Freelist{
		free: btree.NewG(degree, func(a, b base.PageID) bool {
			return a < b
		}),
		pending: make(map[base.Generation][]base.PageID),
	}
}

// Allocate pops the lowest free page id.
func (f *Freelist) Allocate() (base.PageID, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.free.DeleteMin()
}

// AllocateRun takes the lowest run of n consecutive free pages and returns
// its first id.
func (f *Freelist) AllocateRun(n int) (base.PageID, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var start, prev base.PageID
	length := 0
	f.free.Ascend(func(id base.PageID) bool {
		if length > 0 && id == prev+1 {
			length++
		} else {
			start, length = id, 1
		}
		prev = id
		return length < n
	})
	if n <= 0 || length < n {
		return 0, false
	}
	for i := 0; i < n; i++ {
		f.free.Delete(start + base.PageID(i))
	}
	return start, true
}

// Free makes pages available immediately.
func (f *Freelist) Free(ids ...base.PageID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range ids {
		f.free.ReplaceOrInsert(id)
	}
}

// Pending holds id back until the checkpoint of gen is durable.
func (f *Freelist) Pending(gen base.Generation, id base.PageID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.free.Delete(id)
	f.pending[gen] = append(f.pending[gen], id)
}

// Release frees every page pending in a generation <= gen and returns how
// many were released.
func (f *Freelist) Release(gen base.Generation) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	released := 0
	for g, ids := range f.pending {
		if g > gen {
			continue
		}
		for _, id := range ids {
			f.free.ReplaceOrInsert(id)
		}
		released += len(ids)
		delete(f.pending, g)
	}
	return released
}

// Len returns the number of free pages.
func (f *Freelist) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.free.Len()
}

// PendingLen returns the number of pages waiting for a checkpoint.
func (f *Freelist) PendingLen() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, ids := range f.pending {
		n += len(ids)
	}
	return n
}

// Encode serializes the pages that are free once the checkpoint being
// written is durable: free, pending and extra. Layout: [count: 8][ids: 8*n].
func (f *Freelist) Encode(extra []base.PageID) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()

	ids := make([]base.PageID, 0, f.free.Len()+len(extra))
	f.free.Ascend(func(id base.PageID) bool {
		ids = append(ids, id)
		return true
	})
	for _, pending := range f.pending {
		ids = append(ids, pending...)
	}
	ids = append(ids, extra...)

	buf := make([]byte, 8+8*len(ids))
	binary.LittleEndian.PutUint64(buf, uint64(len(ids)))
	for i, id := range ids {
		binary.LittleEndian.PutUint64(buf[8+8*i:], uint64(id))
	}
	return buf
}

// Decode parses a buffer written by Encode.
func Decode(buf []byte) ([]base.PageID, error) {
	if len(buf) < 8 {
		return nil, fmt.Errorf("%w: freelist truncated", base.ErrCorruption)
	}
	count := binary.LittleEndian.Uint64(buf)
	if count > uint64(len(buf)-8)/8 {
		return nil, fmt.Errorf("%w: freelist claims %d pages in %d bytes", base.ErrCorruption, count, len(buf))
	}
	ids := make([]base.PageID, count)
	for i := range ids {
		ids[i] = base.PageID(binary.LittleEndian.Uint64(buf[8+8*i:]))
	}
	return ids, nil
}

// PagesNeeded returns number of pages needed to hold n encoded bytes.
func PagesNeeded(n int) int {
	return max(1, (n+base.PageSize-1)/base.PageSize)
}
