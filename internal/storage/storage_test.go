package storage

import (
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexhholmes/crabtree/internal/base"
)

func testStorage(t *testing.T, s Storage) {
	empty, err := s.Empty()
	require.NoError(t, err)
	assert.True(t, empty)

	var page base.Page
	copy(page.Data[:], "hello")
	page.Data[base.PageSize-1] = 0x7F
	require.NoError(t, s.WritePage(3, &page))
	require.NoError(t, s.Sync())

	empty, err = s.Empty()
	require.NoError(t, err)
	assert.False(t, empty)

	var read base.Page
	require.NoError(t, s.ReadPage(3, &read))
	assert.Equal(t, page.Data, read.Data)

	stats := s.Stats()
	assert.Equal(t, uint64(1), stats.Writes)
	assert.Equal(t, uint64(1), stats.Reads)
	assert.Equal(t, uint64(1), stats.Syncs)
}

func TestFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "pages.db")
	f, err := Open(path)
	require.NoError(t, err)
	testStorage(t, f)

	// Reading past the end fails.
	var page base.Page
	assert.Error(t, f.ReadPage(100, &page))
	require.NoError(t, f.Close())

	// Data survives reopen.
	f, err = Open(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, f.ReadPage(3, &page))
	assert.Equal(t, []byte("hello"), page.Data[:5])
}

func TestFileLocked(t *testing.T) {
	t.Parallel()
	if runtime.GOOS != "linux" && runtime.GOOS != "darwin" {
		t.Skip("file locking not supported on " + runtime.GOOS)
	}

	path := filepath.Join(t.TempDir(), "pages.db")
	f, err := Open(path)
	require.NoError(t, err)
	defer f.Close()

	_, err = Open(path)
	assert.ErrorIs(t, err, ErrLocked)
}

func TestMemory(t *testing.T) {
	t.Parallel()

	m := NewMemory()
	testStorage(t, m)

	var page base.Page
	assert.Error(t, m.ReadPage(4, &page))

	m.Corrupt(3, 0)
	require.NoError(t, m.ReadPage(3, &page))
	assert.NotEqual(t, byte('h'), page.Data[0])
}
