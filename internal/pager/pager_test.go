package pager

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexhholmes/crabtree/internal/base"
	"github.com/alexhholmes/crabtree/internal/storage"
)

func newTestPager(t *testing.T, store storage.Storage, cfg Config) *Pager {
	t.Helper()
	if cfg.CacheSize == 0 {
		cfg.CacheSize = 64
	}
	p, err := New(store, cfg)
	require.NoError(t, err)
	return p
}

func TestPagerInitializesEmptyStore(t *testing.T) {
	t.Parallel()

	store := storage.NewMemory()
	p := newTestPager(t, store, Config{})

	meta := p.Meta()
	assert.Equal(t, uint64(0), meta.Root)
	assert.Equal(t, uint64(0), meta.Sequence)
	assert.Equal(t, uint64(base.FirstNodeID), p.Stats().NumPages)

	empty, err := store.Empty()
	require.NoError(t, err)
	assert.False(t, empty, "both meta pages must be written")
}

func TestPagerCheckpointAndReload(t *testing.T) {
	t.Parallel()

	store := storage.NewMemory()
	p := newTestPager(t, store, Config{})

	res, err := p.Reserve(1)
	require.NoError(t, err)
	leaf, err := p.AllocateNode(res, 1, true)
	require.NoError(t, err)
	p.Release(res)
	leaf.Keys = [][]byte{[]byte("a"), []byte("b")}
	leaf.Values = [][]byte{[]byte("1"), []byte("2")}
	assert.Equal(t, 1, p.Dirty())

	result, err := p.Checkpoint(leaf.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), result.Sequence)
	assert.Equal(t, 1, result.Nodes)
	assert.Equal(t, 0, p.Dirty())
	assert.False(t, leaf.Dirty)

	reopened := newTestPager(t, store, Config{})
	meta := reopened.Meta()
	assert.Equal(t, uint64(leaf.ID), meta.Root)
	assert.Equal(t, uint64(1), meta.StableGen)

	got, err := reopened.ReadNode(leaf.ID)
	require.NoError(t, err)
	assert.True(t, got.Leaf)
	assert.Equal(t, leaf.Keys, got.Keys)
	assert.Equal(t, leaf.Values, got.Values)
	assert.Equal(t, base.Generation(1), got.Generation)
}

func TestPagerFreedPagesWaitForCheckpoint(t *testing.T) {
	t.Parallel()

	store := storage.NewMemory()
	p := newTestPager(t, store, Config{})

	res, err := p.Reserve(2)
	require.NoError(t, err)
	a, err := p.AllocateNode(res, 1, true)
	require.NoError(t, err)
	b, err := p.AllocateNode(res, 1, true)
	require.NoError(t, err)
	_, err = p.Checkpoint(a.ID, 1)
	require.NoError(t, err)

	p.FreeNode(b, 2)
	assert.Equal(t, 1, p.Stats().PendingPages)

	res, err = p.Reserve(1)
	require.NoError(t, err)
	next, err := p.AllocateNode(res, 2, true)
	require.NoError(t, err)
	assert.NotEqual(t, b.ID, next.ID, "pending page reused before checkpoint")

	result, err := p.Checkpoint(a.ID, 2)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, result.Released, 1)
	assert.Equal(t, 0, p.Stats().PendingPages)

	res, err = p.Reserve(1)
	require.NoError(t, err)
	reused, err := p.AllocateNode(res, 3, true)
	require.NoError(t, err)
	assert.Equal(t, b.ID, reused.ID, "lowest free page is handed out first")
}

func TestPagerFreelistSurvivesReload(t *testing.T) {
	t.Parallel()

	store := storage.NewMemory()
	p := newTestPager(t, store, Config{})

	res, err := p.Reserve(4)
	require.NoError(t, err)
	var nodes []*base.Node
	for i := 0; i < 4; i++ {
		n, err := p.AllocateNode(res, 1, true)
		require.NoError(t, err)
		nodes = append(nodes, n)
	}
	_, err = p.Checkpoint(nodes[0].ID, 1)
	require.NoError(t, err)

	p.FreeNode(nodes[1], 2)
	p.FreeNode(nodes[2], 2)
	_, err = p.Checkpoint(nodes[0].ID, 2)
	require.NoError(t, err)
	free := p.Stats().FreePages

	reopened := newTestPager(t, store, Config{})
	assert.Equal(t, free, reopened.Stats().FreePages)
	assert.Equal(t, p.Stats().NumPages, reopened.Stats().NumPages)
}

func TestPagerReserveRespectsMaxPages(t *testing.T) {
	t.Parallel()

	p := newTestPager(t, storage.NewMemory(), Config{MaxPages: 6})

	res, err := p.Reserve(4)
	require.NoError(t, err)
	assert.Equal(t, 4, res.Len())

	_, err = p.Reserve(1)
	assert.True(t, errors.Is(err, ErrPagesExhausted))

	p.Release(res)
	assert.Equal(t, 0, res.Len())
	res, err = p.Reserve(4)
	require.NoError(t, err, "released ids are reusable")
	assert.Equal(t, 4, res.Len())
}

func TestPagerAllocateFromEmptyReservation(t *testing.T) {
	t.Parallel()

	p := newTestPager(t, storage.NewMemory(), Config{})
	res, err := p.Reserve(0)
	require.NoError(t, err)
	_, err = p.AllocateNode(res, 1, true)
	assert.True(t, errors.Is(err, base.ErrInvariant))
}

func TestPagerDetectsCorruptNode(t *testing.T) {
	t.Parallel()

	store := storage.NewMemory()
	p := newTestPager(t, store, Config{})

	res, err := p.Reserve(1)
	require.NoError(t, err)
	leaf, err := p.AllocateNode(res, 1, true)
	require.NoError(t, err)
	leaf.Keys = [][]byte{[]byte("k")}
	leaf.Values = [][]byte{[]byte("v")}
	_, err = p.Checkpoint(leaf.ID, 1)
	require.NoError(t, err)

	store.Corrupt(leaf.ID, base.PageSize-1)
	reopened := newTestPager(t, store, Config{})
	_, err = reopened.ReadNode(leaf.ID)
	assert.True(t, errors.Is(err, base.ErrCorruption))
}

func TestPagerFallsBackToOlderMeta(t *testing.T) {
	t.Parallel()

	store := storage.NewMemory()
	p := newTestPager(t, store, Config{})

	res, err := p.Reserve(1)
	require.NoError(t, err)
	leaf, err := p.AllocateNode(res, 1, true)
	require.NoError(t, err)
	_, err = p.Checkpoint(leaf.ID, 1)
	require.NoError(t, err)
	_, err = p.Checkpoint(leaf.ID, 1)
	require.NoError(t, err, "forced checkpoint with no changes")

	latest := p.Meta()
	require.Equal(t, uint64(2), latest.Sequence)
	store.Corrupt(latest.Slot(), 20)

	reopened := newTestPager(t, store, Config{})
	assert.Equal(t, uint64(1), reopened.Meta().Sequence)
	assert.Equal(t, uint64(leaf.ID), reopened.Meta().Root)
}
