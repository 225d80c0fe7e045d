// Package crabtree is an embedded, disk-backed B+ tree. Any number of
// goroutines may read and write it concurrently; writers coordinate with
// latch crabbing and the durable state is always the last checkpoint.
package crabtree

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ansel1/merry"

	"github.com/alexhholmes/crabtree/internal/algo"
	"github.com/alexhholmes/crabtree/internal/base"
	"github.com/alexhholmes/crabtree/internal/coordinator"
	"github.com/alexhholmes/crabtree/internal/latch"
	"github.com/alexhholmes/crabtree/internal/pager"
	"github.com/alexhholmes/crabtree/internal/storage"
)

const (
	// MaxKeySize is the maximum length of a key, in bytes.
	MaxKeySize = base.MaxKeySize

	// MaxEntrySize bounds a serialized key-value pair so that every leaf
	// holds at least four entries.
	MaxEntrySize = base.MaxEntrySize
)

// Tree is a concurrent B+ tree.
type Tree struct {
	// Operations hold mu shared. Checkpoint and Close hold it exclusively,
	// so they always see a tree without latches held.
	mu        sync.RWMutex
	closed    bool
	root      atomic.Uint64
	watermark base.Watermark // Changed only with mu held exclusively

	pager   *pager.Pager
	latches coordinator.LatchService
	stats   *coordinator.Stats
	cmp     algo.Compare
	options Options
	log     Logger
	writers sync.Pool

	stopC chan struct{}
	wg    sync.WaitGroup
}

// Open opens the tree stored at path, creating the file if needed. The file
// is locked against other processes until Close.
func Open(path string, options ...Option) (*Tree, error) {
	store, err := storage.Open(path)
	if err != nil {
		return nil, err
	}
	t, err := open(store, options...)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	t.log.Info("opened tree", "path", path, "generation", t.watermark.Stable,
		"pages", t.pager.Meta().NumPages)
	return t, nil
}

// OpenInMemory creates a tree whose pages never leave memory.
func OpenInMemory(options ...Option) (*Tree, error) {
	return open(storage.NewMemory(), options...)
}

func open(store storage.Storage, options ...Option) (*Tree, error) {
	opts := DefaultOptions()
	for _, opt := range options {
		opt(&opts)
	}

	mode := pager.SyncEveryCheckpoint
	if opts.syncMode == SyncOff {
		mode = pager.SyncOff
	}
	p, err := pager.New(store, pager.Config{
		CacheSize: opts.cacheSize,
		MaxPages:  opts.maxPages,
		Sync:      mode,
	})
	if err != nil {
		return nil, err
	}

	latches := opts.latches
	if latches == nil {
		latches = latch.NewService()
	}

	meta := p.Meta()
	t := &Tree{
		watermark: base.Watermark{
			Stable:   base.Generation(meta.StableGen),
			Unstable: base.Generation(meta.StableGen) + 1,
		},
		pager:   p,
		latches: latches,
		stats:   &coordinator.Stats{},
		cmp:     opts.layout.Compare,
		options: opts,
		log:     opts.logger,
		stopC:   make(chan struct{}),
	}
	t.root.Store(meta.Root)
	t.writers.New = func() any {
		return t.NewWriter()
	}

	if meta.Root == 0 {
		if err := t.createRoot(); err != nil {
			return nil, err
		}
	}

	if opts.checkpointInterval > 0 {
		t.wg.Add(1)
		go t.backgroundCheckpointer(opts.checkpointInterval)
	}
	return t, nil
}

// createRoot makes the empty root leaf of a new tree durable.
func (t *Tree) createRoot() error {
	res, err := t.pager.Reserve(1)
	if err != nil {
		return err
	}
	defer t.pager.Release(res)

	root, err := t.pager.AllocateNode(res, t.watermark.Unstable, true)
	if err != nil {
		return err
	}
	t.root.Store(uint64(root.ID))
	return t.checkpoint()
}

func (t *Tree) rootID() base.PageID {
	return base.PageID(t.root.Load())
}

// NewWriter returns a writer session. A writer must not be used by more than
// one goroutine at a time.
func (t *Tree) NewWriter() *Writer {
	return &Writer{
		tree:  t,
		coord: coordinator.New(t.latches, t.options.leafUnderflowThreshold, t.stats),
	}
}

// Insert sets key to value, replacing any previous value.
func (t *Tree) Insert(key, value []byte) error {
	w := t.writers.Get().(*Writer)
	defer t.writers.Put(w)
	return w.Insert(key, value)
}

// Remove deletes key and returns the value it had.
func (t *Tree) Remove(key []byte) ([]byte, bool, error) {
	w := t.writers.Get().(*Writer)
	defer t.writers.Put(w)
	return w.Remove(key)
}

// Get returns a copy of the value stored for key, or ErrKeyNotFound.
func (t *Tree) Get(key []byte) ([]byte, error) {
	if len(key) == 0 {
		return nil, ErrKeyEmpty
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		return nil, ErrTreeClosed
	}

	leaf, h, err := t.seekLeaf(key, nil)
	if err != nil {
		return nil, t.report(err)
	}
	defer h.ReleaseRead()

	pos, found := algo.FindKey(leaf, key, t.cmp)
	if !found {
		return nil, ErrKeyNotFound
	}
	return append([]byte{}, leaf.Values[pos]...), nil
}

// Ascend calls fn for every key in [start, end) in order until fn returns
// false. A nil start begins at the first key, a nil end runs to the last.
// Latches are not held while fn runs, so fn may modify the tree; the scan
// then sees some of its changes.
func (t *Tree) Ascend(start, end []byte, fn func(key, value []byte) bool) error {
	seek := start
	for {
		keys, values, upper, err := t.collectLeaf(seek)
		if err != nil {
			return err
		}
		for i := range keys {
			if seek != nil && t.cmp(keys[i], seek) < 0 {
				continue
			}
			if end != nil && t.cmp(keys[i], end) >= 0 {
				return nil
			}
			if !fn(keys[i], values[i]) {
				return nil
			}
		}
		if upper == nil || (end != nil && t.cmp(upper, end) >= 0) {
			return nil
		}
		seek = upper
	}
}

// collectLeaf copies the leaf covering seek and returns the smallest key that
// belongs to a later leaf, nil for the last leaf.
func (t *Tree) collectLeaf(seek []byte) ([][]byte, [][]byte, []byte, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		return nil, nil, nil, ErrTreeClosed
	}

	var upper []byte
	leaf, h, err := t.seekLeaf(seek, &upper)
	if err != nil {
		return nil, nil, nil, t.report(err)
	}
	defer h.ReleaseRead()

	keys := make([][]byte, len(leaf.Keys))
	values := make([][]byte, len(leaf.Values))
	for i := range leaf.Keys {
		keys[i] = append([]byte{}, leaf.Keys[i]...)
		values[i] = append([]byte{}, leaf.Values[i]...)
	}
	if upper != nil {
		upper = append([]byte{}, upper...)
	}
	return keys, values, upper, nil
}

// seekLeaf crabs read latches down to the leaf covering key and returns it
// read latched. A nil key selects the first leaf. If upper is not nil it
// receives the leaf's upper fence key.
func (t *Tree) seekLeaf(key []byte, upper *[]byte) (*base.Node, latch.Handle, error) {
	for {
		id := t.rootID()
		h := t.latches.AcquireRead(id)
		if t.rootID() != id {
			h.ReleaseRead()
			continue
		}

		for {
			node, err := t.pager.ReadNode(id)
			if err != nil {
				h.ReleaseRead()
				return nil, nil, err
			}
			if node.Leaf {
				return node, h, nil
			}

			pos := 0
			if key != nil {
				pos = algo.FindChildIndex(node, key, t.cmp)
			}
			if upper != nil && pos < node.NumKeys() {
				*upper = node.Keys[pos]
			}
			id = node.Children[pos]
			child := t.latches.AcquireRead(id)
			h.ReleaseRead()
			h = child
		}
	}
}

// Checkpoint makes every completed mutation durable.
func (t *Tree) Checkpoint() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrTreeClosed
	}
	return t.checkpoint()
}

// checkpoint flushes the unstable generation and opens the next one. The
// caller holds mu exclusively.
func (t *Tree) checkpoint() error {
	root := t.rootID()
	ps := t.pager.Stats()
	if ps.DirtyNodes == 0 && ps.PendingPages == 0 && uint64(root) == t.pager.Meta().Root {
		return nil
	}

	start := time.Now()
	result, err := t.pager.Checkpoint(root, t.watermark.Unstable)
	if err != nil {
		return t.report(err)
	}
	t.log.Info("checkpoint",
		"generation", t.watermark.Unstable,
		"sequence", result.Sequence,
		"nodes", result.Nodes,
		"freelist_pages", result.FreelistPages,
		"released", result.Released,
		"duration", time.Since(start))
	t.watermark = t.watermark.Advance()
	return nil
}

// backgroundCheckpointer periodically checkpoints the tree
func (t *Tree) backgroundCheckpointer(interval time.Duration) {
	defer t.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := t.Checkpoint(); err != nil && !errors.Is(err, ErrTreeClosed) {
				t.log.Error("background checkpoint failed", "error", err)
			}

		case <-t.stopC:
			return
		}
	}
}

// Close checkpoints the tree and releases its file.
func (t *Tree) Close() error {
	select {
	case <-t.stopC:
		// Already closed
	default:
		close(t.stopC)
		t.wg.Wait()
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true

	if err := t.checkpoint(); err != nil {
		_ = t.pager.Close()
		return err
	}
	t.log.Info("closed tree", "generation", t.watermark.Stable)
	return t.pager.Close()
}

// report logs corruption found while loading a node.
func (t *Tree) report(err error) error {
	if errors.Is(err, base.ErrCorruption) {
		t.log.Warn("corrupt page", "node", merry.Value(err, "node"), "error", err)
	}
	return err
}

// Stats is a point in time view of the tree.
type Stats struct {
	Root        base.PageID
	Watermark   base.Watermark
	Coordinator coordinator.StatsSnapshot
	Pager       pager.Stats
}

// Stats returns coordination and page statistics
func (t *Tree) Stats() Stats {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return Stats{
		Root:        t.rootID(),
		Watermark:   t.watermark,
		Coordinator: t.stats.Snapshot(),
		Pager:       t.pager.Stats(),
	}
}
