package base

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetaRoundTrip(t *testing.T) {
	t.Parallel()

	m := NewMeta()
	m.Root = 42
	m.StableGen = 9
	m.Sequence = 3
	m.NumPages = 100
	m.FreelistStart = 98
	m.FreelistPages = 2
	m.FreelistChecksum = 0xDEADBEEF

	var page Page
	require.NoError(t, m.Encode(&page))
	assert.Equal(t, MetaPageID1, m.Slot())

	decoded, err := DecodeMeta(&page)
	require.NoError(t, err)
	assert.Equal(t, m, decoded)
}

func TestMetaValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(m *Meta)
		err    error
	}{
		{"magic", func(m *Meta) { m.Magic = 1 }, ErrInvalidMagicNumber},
		{"version", func(m *Meta) { m.Version = 99 }, ErrInvalidVersion},
		{"page size", func(m *Meta) { m.PageSize = 512 }, ErrInvalidPageSize},
		{"checksum", func(m *Meta) { m.Root++ }, ErrInvalidChecksum},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewMeta()
			m.Checksum = m.CalculateChecksum()
			tt.mutate(&m)
			assert.ErrorIs(t, m.Validate(), tt.err)
		})
	}
}

func TestDecodeMetaEmptyPage(t *testing.T) {
	t.Parallel()

	var page Page
	_, err := DecodeMeta(&page)
	assert.ErrorIs(t, err, ErrInvalidMagicNumber)
}
