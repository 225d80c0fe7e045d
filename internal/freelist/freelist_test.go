package freelist

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexhholmes/crabtree/internal/base"
)

func TestAllocateLowestFirst(t *testing.T) {
	t.Parallel()

	f := New()
	_, ok := f.Allocate()
	assert.False(t, ok)

	f.Free(9, 3, 7, 3)
	assert.Equal(t, 3, f.Len())

	for _, want := range []base.PageID{3, 7, 9} {
		id, ok := f.Allocate()
		require.True(t, ok)
		assert.Equal(t, want, id)
	}
	_, ok = f.Allocate()
	assert.False(t, ok)
}

func TestPendingRelease(t *testing.T) {
	t.Parallel()

	f := New()
	f.Pending(10, 100)
	f.Pending(10, 101)
	f.Pending(11, 200)
	f.Pending(12, 300)
	assert.Equal(t, 4, f.PendingLen())
	assert.Equal(t, 0, f.Len())

	assert.Equal(t, 2, f.Release(10))
	assert.Equal(t, 2, f.Len())
	assert.Equal(t, 2, f.PendingLen())

	assert.Equal(t, 2, f.Release(100))
	assert.Equal(t, 4, f.Len())
	assert.Equal(t, 0, f.Release(100))
}

func TestPendingRemovesFromFree(t *testing.T) {
	t.Parallel()

	f := New()
	f.Free(5)
	f.Pending(1, 5)
	_, ok := f.Allocate()
	assert.False(t, ok, "pending page must not be allocated")
}

func TestEncodeDecode(t *testing.T) {
	t.Parallel()

	f := New()
	f.Free(4, 2, 8)
	f.Pending(3, 20)

	ids, err := Decode(f.Encode([]base.PageID{50, 51}))
	require.NoError(t, err)
	assert.ElementsMatch(t, []base.PageID{2, 4, 8, 20, 50, 51}, ids)

	empty, err := Decode(New().Encode(nil))
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestDecodeTruncated(t *testing.T) {
	t.Parallel()

	f := New()
	f.Free(1, 2, 3)
	buf := f.Encode(nil)

	_, err := Decode(buf[:len(buf)-1])
	assert.ErrorIs(t, err, base.ErrCorruption)
	_, err = Decode(buf[:4])
	assert.ErrorIs(t, err, base.ErrCorruption)
}

func TestPagesNeeded(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 1, PagesNeeded(0))
	assert.Equal(t, 1, PagesNeeded(base.PageSize))
	assert.Equal(t, 2, PagesNeeded(base.PageSize+1))
}

func TestAllocateRun(t *testing.T) {
	t.Parallel()

	fl := New()
	fl.Free(3, 5, 6, 8, 9, 10)

	start, ok := fl.AllocateRun(3)
	require.True(t, ok)
	assert.Equal(t, base.PageID(8), start)
	assert.Equal(t, 3, fl.Len())

	start, ok = fl.AllocateRun(2)
	require.True(t, ok)
	assert.Equal(t, base.PageID(5), start)

	_, ok = fl.AllocateRun(2)
	assert.False(t, ok)
	assert.Equal(t, 1, fl.Len())
}
