package base

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func leafNode(id PageID, n int) *Node {
	node := &Node{ID: id, Leaf: true, Generation: 7}
	for i := 0; i < n; i++ {
		node.Keys = append(node.Keys, []byte(fmt.Sprintf("key%04d", i)))
		node.Values = append(node.Values, []byte(fmt.Sprintf("value%04d", i)))
	}
	return node
}

func TestNodeSerializeRoundTrip(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		node *Node
	}{
		{"empty leaf", &Node{ID: 2, Leaf: true, Generation: 1}},
		{"leaf", leafNode(3, 50)},
		{"leaf with empty value", &Node{
			ID: 4, Leaf: true, Generation: 2,
			Keys:   [][]byte{[]byte("a"), []byte("b")},
			Values: [][]byte{{}, []byte("x")},
		}},
		{"branch single child", &Node{ID: 5, Generation: 3, Children: []PageID{9}}},
		{"branch", &Node{
			ID: 6, Generation: 4,
			Keys:     [][]byte{[]byte("m"), []byte("t")},
			Children: []PageID{10, 11, 12},
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var page Page
			require.NoError(t, tt.node.Serialize(&page))

			decoded := &Node{}
			require.NoError(t, decoded.Deserialize(&page))
			assert.Equal(t, tt.node.ID, decoded.ID)
			assert.Equal(t, tt.node.Leaf, decoded.Leaf)
			assert.Equal(t, tt.node.Generation, decoded.Generation)
			assert.Equal(t, tt.node.NumKeys(), decoded.NumKeys())
			for i := range tt.node.Keys {
				assert.Equal(t, tt.node.Keys[i], decoded.Keys[i])
				if tt.node.Leaf {
					assert.Equal(t, tt.node.Values[i], decoded.Values[i])
				}
			}
			if !tt.node.Leaf {
				assert.Equal(t, tt.node.Children, decoded.Children)
			}
			assert.Equal(t, tt.node.Size(), decoded.Size())
		})
	}
}

func TestNodeSize(t *testing.T) {
	t.Parallel()

	leaf := &Node{Leaf: true, Keys: [][]byte{[]byte("abc")}, Values: [][]byte{[]byte("defgh")}}
	assert.Equal(t, PageHeaderSize+LeafElementSize+3+5, leaf.Size())
	assert.Equal(t, PageSize-leaf.Size(), leaf.Available())

	branch := &Node{Keys: [][]byte{[]byte("abc")}, Children: []PageID{2, 3}}
	assert.Equal(t, PageHeaderSize+FirstChildSize+BranchElementSize+3, branch.Size())
	assert.Equal(t, BranchEntrySize([]byte("abc")), branch.EntrySize(0))
}

func TestNodeSerializeOverflow(t *testing.T) {
	t.Parallel()

	node := leafNode(2, 0)
	for node.Fits() {
		node.Keys = append(node.Keys, make([]byte, 64))
		node.Values = append(node.Values, make([]byte, 64))
	}
	var page Page
	assert.ErrorIs(t, node.Serialize(&page), ErrPageOverflow)
}

func TestPageChecksumDetectsCorruption(t *testing.T) {
	t.Parallel()

	var page Page
	require.NoError(t, leafNode(2, 10).Serialize(&page))
	require.NoError(t, page.Verify())

	page.Data[PageSize-1] ^= 0xFF
	decoded := &Node{}
	assert.ErrorIs(t, decoded.Deserialize(&page), ErrInvalidChecksum)
}

func TestNodeCloneIsolation(t *testing.T) {
	t.Parallel()

	original := leafNode(2, 3)
	cloned := original.Clone()

	// Shallow copy shares backing arrays until an entry is replaced.
	assert.Equal(t, &original.Keys[0][0], &cloned.Keys[0][0])

	cloned.Keys = append(cloned.Keys, []byte("key9999"))
	cloned.Values = append(cloned.Values, []byte("value9999"))
	cloned.Values[0] = []byte("changed")

	assert.Equal(t, 3, original.NumKeys())
	assert.Equal(t, []byte("value0000"), original.Values[0])
}

func TestWatermarkClassify(t *testing.T) {
	t.Parallel()

	w := Watermark{Stable: 4, Unstable: 5}
	assert.Equal(t, Version{Gen: 3, Stable: true}, w.Classify(3))
	assert.Equal(t, Version{Gen: 4, Stable: true}, w.Classify(4))
	assert.Equal(t, Version{Gen: 5, Stable: false}, w.Classify(5))
	assert.Equal(t, Watermark{Stable: 5, Unstable: 6}, w.Advance())
}
