// Package pager provides tree nodes by page id. Dirty nodes stay in memory
// until a checkpoint writes them; clean nodes are served from an LRU and
// loaded from storage on a miss.
package pager

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ansel1/merry"
	"github.com/cespare/xxhash/v2"

	"github.com/alexhholmes/crabtree/internal/base"
	"github.com/alexhholmes/crabtree/internal/cache"
	"github.com/alexhholmes/crabtree/internal/freelist"
	"github.com/alexhholmes/crabtree/internal/storage"
)

var ErrPagesExhausted = errors.New("page budget exhausted")

type SyncMode int

const (
	SyncEveryCheckpoint SyncMode = iota
	SyncOff
)

// Config sizes the pager.
type Config struct {
	CacheSize int
	MaxPages  uint64 // 0 means unlimited
	Sync      SyncMode
}

// Pager coordinates store, cache, meta, and freelist
type Pager struct {
	store    storage.Storage
	cache    *cache.Cache
	freelist *freelist.Freelist
	mode     SyncMode
	maxPages uint64

	mu    sync.RWMutex // Protects dirty
	dirty map[base.PageID]*base.Node

	allocMu  sync.Mutex // Protects numPages
	numPages uint64

	// Last durable checkpoint. Only touched by New and Checkpoint, which
	// callers run exclusively.
	meta          base.Meta
	freelistPages []base.PageID
}

// Reservation holds page ids set aside for one mutation so that page
// exhaustion is detected before any node changes.
type Reservation struct {
	ids []base.PageID
}

// Len returns the number of ids left.
func (r *Reservation) Len() int {
	return len(r.ids)
}

// Result describes a completed checkpoint.
type Result struct {
	Sequence      uint64
	Nodes         int
	FreelistPages int
	Released      int
}

// New opens the pager over store, initializing empty media.
func New(store storage.Storage, cfg Config) (*Pager, error) {
	c, err := cache.NewCache(cfg.CacheSize)
	if err != nil {
		return nil, err
	}
	p := &Pager{
		store:    store,
		cache:    c,
		freelist: freelist.New(),
		mode:     cfg.Sync,
		maxPages: cfg.MaxPages,
		dirty:    make(map[base.PageID]*base.Node),
	}

	empty, err := store.Empty()
	if err != nil {
		return nil, err
	}
	if empty {
		err = p.initialize()
	} else {
		err = p.load()
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Pager) initialize() error {
	p.meta = base.NewMeta()
	p.numPages = p.meta.NumPages

	var page base.Page
	if err := p.meta.Encode(&page); err != nil {
		return err
	}
	for _, id := range []base.PageID{base.MetaPageID0, base.MetaPageID1} {
		if err := p.store.WritePage(id, &page); err != nil {
			return err
		}
	}
	return p.store.Sync()
}

func (p *Pager) load() error {
	var page0, page1 base.Page
	if err := p.store.ReadPage(base.MetaPageID0, &page0); err != nil {
		return err
	}
	if err := p.store.ReadPage(base.MetaPageID1, &page1); err != nil {
		return err
	}
	meta0, err0 := base.DecodeMeta(&page0)
	meta1, err1 := base.DecodeMeta(&page1)

	switch {
	case err0 != nil && err1 != nil:
		return fmt.Errorf("both meta pages corrupted: %v, %v", err0, err1)
	case err0 != nil:
		p.meta = meta1
	case err1 != nil:
		p.meta = meta0
	case meta0.Sequence > meta1.Sequence:
		p.meta = meta0
	default:
		p.meta = meta1
	}
	p.numPages = p.meta.NumPages

	if p.meta.FreelistPages == 0 {
		return nil
	}
	buf := make([]byte, 0, p.meta.FreelistPages*base.PageSize)
	var page base.Page
	for i := uint64(0); i < p.meta.FreelistPages; i++ {
		id := base.PageID(p.meta.FreelistStart + i)
		if err := p.store.ReadPage(id, &page); err != nil {
			return err
		}
		buf = append(buf, page.Data[:]...)
		p.freelistPages = append(p.freelistPages, id)
	}
	ids, err := freelist.Decode(buf)
	if err != nil {
		return err
	}
	if xxhash.Sum64(buf[:8+8*len(ids)]) != p.meta.FreelistChecksum {
		return fmt.Errorf("%w: freelist checksum mismatch", base.ErrCorruption)
	}
	p.freelist.Free(ids...)
	return nil
}

// Meta returns the last durable meta record.
func (p *Pager) Meta() base.Meta {
	return p.meta
}

// ReadNode returns the node stored at id.
func (p *Pager) ReadNode(id base.PageID) (*base.Node, error) {
	p.mu.RLock()
	node, ok := p.dirty[id]
	p.mu.RUnlock()
	if ok {
		return node, nil
	}
	if node, ok := p.cache.Get(id); ok {
		return node, nil
	}

	var page base.Page
	if err := p.store.ReadPage(id, &page); err != nil {
		return nil, err
	}
	node = &base.Node{}
	if err := node.Deserialize(&page); err != nil {
		return nil, merry.Wrap(base.ErrCorruption).
			Appendf("page %d: %v", id, err).
			WithValue("node", id)
	}
	if node.ID != id {
		return nil, merry.Wrap(base.ErrCorruption).
			Appendf("page %d holds node %d", id, node.ID).
			WithValue("node", id)
	}
	p.cache.Put(id, node)
	return node, nil
}

// Reserve sets aside n page ids, preferring free pages over growth.
func (p *Pager) Reserve(n int) (*Reservation, error) {
	r := &Reservation{ids: make([]base.PageID, 0, n)}
	for len(r.ids) < n {
		id, ok := p.freelist.Allocate()
		if !ok {
			break
		}
		r.ids = append(r.ids, id)
	}

	need := uint64(n - len(r.ids))
	if need == 0 {
		return r, nil
	}

	p.allocMu.Lock()
	if p.maxPages > 0 && p.numPages+need > p.maxPages {
		p.allocMu.Unlock()
		p.freelist.Free(r.ids...)
		return nil, ErrPagesExhausted
	}
	for i := uint64(0); i < need; i++ {
		r.ids = append(r.ids, base.PageID(p.numPages))
		p.numPages++
	}
	p.allocMu.Unlock()
	return r, nil
}

// Next takes one id from the reservation.
func (r *Reservation) Next() (base.PageID, error) {
	if r == nil || len(r.ids) == 0 {
		return 0, merry.Wrap(base.ErrInvariant).Append("page reservation exhausted")
	}
	id := r.ids[0]
	r.ids = r.ids[1:]
	return id, nil
}

// Release returns unused reserved ids to the free set.
func (p *Pager) Release(r *Reservation) {
	if r == nil {
		return
	}
	p.freelist.Free(r.ids...)
	r.ids = r.ids[:0]
}

// AllocateNode creates an empty dirty node of generation gen on a reserved id.
func (p *Pager) AllocateNode(r *Reservation, gen base.Generation, leaf bool) (*base.Node, error) {
	id, err := r.Next()
	if err != nil {
		return nil, err
	}
	node := &base.Node{ID: id, Leaf: leaf, Generation: gen}
	p.WriteNode(node)
	return node, nil
}

// WriteNode marks node dirty. Only unstable nodes are written.
func (p *Pager) WriteNode(node *base.Node) {
	node.Dirty = true
	p.mu.Lock()
	p.dirty[node.ID] = node
	p.mu.Unlock()
}

// FreeNode unlinks node. Its page becomes reusable once the checkpoint of
// gen is durable.
func (p *Pager) FreeNode(node *base.Node, gen base.Generation) {
	p.mu.Lock()
	delete(p.dirty, node.ID)
	p.mu.Unlock()
	p.cache.Delete(node.ID)
	p.freelist.Pending(gen, node.ID)
}

// Checkpoint makes every dirty node durable together with a meta record
// naming root. Callers must exclude all other pager use while it runs.
func (p *Pager) Checkpoint(root base.PageID, gen base.Generation) (Result, error) {
	var page base.Page
	for id, node := range p.dirty {
		if err := node.Serialize(&page); err != nil {
			return Result{}, merry.Wrap(err).WithValue("node", id)
		}
		if err := p.store.WritePage(id, &page); err != nil {
			return Result{}, err
		}
	}

	// The freelist never overwrites the durable one. Its pages come from a
	// free run when there is one, else from the end of the file.
	entries := p.freelist.Len() + p.freelist.PendingLen() + len(p.freelistPages)
	count := freelist.PagesNeeded(8 + 8*entries)
	start, ok := p.freelist.AllocateRun(count)
	p.allocMu.Lock()
	if !ok {
		start = base.PageID(p.numPages)
		p.numPages += uint64(count)
	}
	numPages := p.numPages
	p.allocMu.Unlock()
	buf := p.freelist.Encode(p.freelistPages)

	newFreelistPages := make([]base.PageID, 0, count)
	for i := 0; i < count; i++ {
		newFreelistPages = append(newFreelistPages, start+base.PageID(i))
	}
	durable := false
	defer func() {
		if !durable {
			p.freelist.Free(newFreelistPages...)
		}
	}()

	for i, id := range newFreelistPages {
		page.Data = [base.PageSize]byte{}
		copy(page.Data[:], buf[min(len(buf), i*base.PageSize):])
		if err := p.store.WritePage(id, &page); err != nil {
			return Result{}, err
		}
	}
	if err := p.sync(); err != nil {
		return Result{}, err
	}

	meta := p.meta
	meta.Root = uint64(root)
	meta.StableGen = uint64(gen)
	meta.Sequence++
	meta.NumPages = numPages
	meta.FreelistStart = uint64(start)
	meta.FreelistPages = uint64(count)
	meta.FreelistChecksum = xxhash.Sum64(buf)
	if err := meta.Encode(&page); err != nil {
		return Result{}, err
	}
	if err := p.store.WritePage(meta.Slot(), &page); err != nil {
		return Result{}, err
	}
	if err := p.sync(); err != nil {
		return Result{}, err
	}

	// Durable from here on.
	durable = true
	p.meta = meta
	released := p.freelist.Release(gen)
	p.freelist.Free(p.freelistPages...)
	released += len(p.freelistPages)
	p.freelistPages = newFreelistPages

	nodes := len(p.dirty)
	for id, node := range p.dirty {
		node.Dirty = false
		p.cache.Put(id, node)
	}
	p.mu.Lock()
	p.dirty = make(map[base.PageID]*base.Node)
	p.mu.Unlock()

	return Result{
		Sequence:      meta.Sequence,
		Nodes:         nodes,
		FreelistPages: count,
		Released:      released,
	}, nil
}

// Dirty returns the number of nodes waiting for a checkpoint.
func (p *Pager) Dirty() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.dirty)
}

func (p *Pager) sync() error {
	if p.mode == SyncOff {
		return nil
	}
	return p.store.Sync()
}

// Close closes the storage. Unflushed dirty nodes are lost.
func (p *Pager) Close() error {
	return p.store.Close()
}

type Stats struct {
	Cache        cache.Stats
	Store        storage.Stats
	FreePages    int
	PendingPages int
	DirtyNodes   int
	NumPages     uint64
}

// Stats returns page and I/O statistics
func (p *Pager) Stats() Stats {
	p.allocMu.Lock()
	numPages := p.numPages
	p.allocMu.Unlock()
	return Stats{
		Cache:        p.cache.Stats(),
		Store:        p.store.Stats(),
		FreePages:    p.freelist.Len(),
		PendingPages: p.freelist.PendingLen(),
		DirtyNodes:   p.Dirty(),
		NumPages:     numPages,
	}
}
