// Package algo contains algorithms used for traversing and editing a b+ tree.
package algo

import (
	"sort"

	"github.com/ansel1/merry"

	"github.com/alexhholmes/crabtree/internal/base"
)

const searchThreshold = 32

// Compare orders two keys, returning <0, 0 or >0.
type Compare func(a, b []byte) int

// FindChildIndex returns the index of child pointer to follow for key
func FindChildIndex(node *base.Node, key []byte, cmp Compare) int {
	keys := node.Keys
	if len(keys) < searchThreshold {
		i := 0
		for i < len(keys) && cmp(key, keys[i]) >= 0 {
			i++
		}
		return i
	}
	return sort.Search(len(keys), func(i int) bool {
		return cmp(key, keys[i]) < 0
	})
}

// FindKey returns the position of key in node and whether it is present.
// When absent the position is where key would be inserted.
func FindKey(node *base.Node, key []byte, cmp Compare) (int, bool) {
	keys := node.Keys
	idx := sort.Search(len(keys), func(i int) bool {
		return cmp(keys[i], key) >= 0
	})
	return idx, idx < len(keys) && cmp(keys[idx], key) == 0
}

// InsertAt inserts value at index
func InsertAt[T any](slice []T, index int, value T) []T {
	var zero T
	slice = append(slice, zero)
	copy(slice[index+1:], slice[index:])
	slice[index] = value
	return slice
}

// RemoveAt removes element at index
func RemoveAt[T any](slice []T, index int) []T {
	return append(slice[:index], slice[index+1:]...)
}

// InsertEntry adds a key-value pair to a leaf at pos.
func InsertEntry(node *base.Node, pos int, key, value []byte) {
	node.Keys = InsertAt(node.Keys, pos, key)
	node.Values = InsertAt(node.Values, pos, value)
}

// RemoveEntry drops the key-value pair at pos and returns its value.
func RemoveEntry(node *base.Node, pos int) []byte {
	value := node.Values[pos]
	node.Keys = RemoveAt(node.Keys, pos)
	node.Values = RemoveAt(node.Values, pos)
	return value
}

// InsertSeparator records that the child at pos split and right now holds
// every key >= key.
func InsertSeparator(parent *base.Node, pos int, key []byte, right base.PageID) {
	parent.Keys = InsertAt(parent.Keys, pos, key)
	parent.Children = InsertAt(parent.Children, pos+1, right)
}

// RemoveSeparator drops Keys[pos] and the child to its right.
func RemoveSeparator(parent *base.Node, pos int) {
	parent.Keys = RemoveAt(parent.Keys, pos)
	parent.Children = RemoveAt(parent.Children, pos+1)
}

// LeafSplitPoint returns the index of the first entry moving to the right
// half of an overfull leaf. Entries are divided by bytes so that both halves
// fit one page with the smallest imbalance.
func LeafSplitPoint(node *base.Node) (int, error) {
	n := node.NumKeys()
	if n < 2 {
		return 0, invariant(node, "cannot split leaf with %d entries", n)
	}
	total := 0
	for i := 0; i < n; i++ {
		total += node.EntrySize(i)
	}

	best, bestDiff := -1, 0
	left := 0
	for i := 1; i < n; i++ {
		left += node.EntrySize(i - 1)
		right := total - left
		if base.PageHeaderSize+left > base.PageSize || base.PageHeaderSize+right > base.PageSize {
			continue
		}
		diff := abs(left - right)
		if best < 0 || diff < bestDiff {
			best, bestDiff = i, diff
		}
	}
	if best < 0 {
		return 0, invariant(node, "no split point fits leaf of %d bytes", node.Size())
	}
	return best, nil
}

// SplitLeaf moves the upper half of an overfull leaf into right and returns
// the bubble key, which is right's first key.
func SplitLeaf(node, right *base.Node) ([]byte, error) {
	at, err := LeafSplitPoint(node)
	if err != nil {
		return nil, err
	}
	right.Keys = append(right.Keys[:0], node.Keys[at:]...)
	right.Values = append(right.Values[:0], node.Values[at:]...)
	node.Keys = node.Keys[:at:at]
	node.Values = node.Values[:at:at]
	return right.Keys[0], nil
}

// BranchSplitPoint returns the index of the separator moving up when an
// overfull branch splits.
func BranchSplitPoint(node *base.Node) (int, error) {
	n := node.NumKeys()
	if n < 3 {
		return 0, invariant(node, "cannot split branch with %d keys", n)
	}
	total := 0
	for i := 0; i < n; i++ {
		total += node.EntrySize(i)
	}

	overhead := base.PageHeaderSize + base.FirstChildSize
	best, bestDiff := -1, 0
	left := 0
	for m := 1; m < n-1; m++ {
		left += node.EntrySize(m - 1)
		right := total - left - node.EntrySize(m)
		if overhead+left > base.PageSize || overhead+right > base.PageSize {
			continue
		}
		diff := abs(left - right)
		if best < 0 || diff < bestDiff {
			best, bestDiff = m, diff
		}
	}
	if best < 0 {
		return 0, invariant(node, "no split point fits branch of %d bytes", node.Size())
	}
	return best, nil
}

// SplitBranch moves the keys above the middle separator into right and
// returns the separator, which leaves both nodes.
func SplitBranch(node, right *base.Node) ([]byte, error) {
	m, err := BranchSplitPoint(node)
	if err != nil {
		return nil, err
	}
	bubble := node.Keys[m]
	right.Keys = append(right.Keys[:0], node.Keys[m+1:]...)
	right.Children = append(right.Children[:0], node.Children[m+1:]...)
	node.Keys = node.Keys[:m:m]
	node.Children = node.Children[: m+1 : m+1]
	return bubble, nil
}

func invariant(node *base.Node, format string, args ...any) error {
	return merry.Wrap(base.ErrCorruption).
		Appendf(format, args...).
		WithValue("node", node.ID)
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
