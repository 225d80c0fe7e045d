package algo

import (
	"github.com/alexhholmes/crabtree/internal/base"
)

// CreateSuccessor returns the copy-on-write replacement of a stable node. The
// copy owns its slices so mutating it never shows through the original.
func CreateSuccessor(node *base.Node, id base.PageID, gen base.Generation) *base.Node {
	successor := node.Clone()
	successor.ID = id
	successor.Generation = gen
	successor.Dirty = true
	successor.Successor = 0
	return successor
}

// NewRoot builds the branch that replaces a root which just split.
func NewRoot(id base.PageID, gen base.Generation, left base.PageID, key []byte, right base.PageID) *base.Node {
	return &base.Node{
		ID:         id,
		Generation: gen,
		Dirty:      true,
		Keys:       [][]byte{key},
		Children:   []base.PageID{left, right},
	}
}

// CanMerge reports whether two adjacent leaves fit one page.
func CanMerge(left, right *base.Node) bool {
	return left.Size()+right.Size()-base.PageHeaderSize <= base.PageSize
}

// MergeLeaves appends every entry of right to left. Callers check CanMerge
// first.
func MergeLeaves(left, right *base.Node) error {
	if !CanMerge(left, right) {
		return invariant(left, "merge with %d needs %d bytes", right.ID,
			left.Size()+right.Size()-base.PageHeaderSize)
	}
	left.Keys = append(left.Keys, right.Keys...)
	left.Values = append(left.Values, right.Values...)
	return nil
}

// RebalancePoint returns how many entries the left leaf keeps after its
// entries and right's are redistributed by bytes, and the new separator. Ok
// is false when the redistribution would not move anything.
func RebalancePoint(left, right *base.Node) (int, []byte, bool) {
	combined := &base.Node{
		Leaf:   true,
		Keys:   append(append(make([][]byte, 0, left.NumKeys()+right.NumKeys()), left.Keys...), right.Keys...),
		Values: append(append(make([][]byte, 0, left.NumKeys()+right.NumKeys()), left.Values...), right.Values...),
	}
	at, err := LeafSplitPoint(combined)
	if err != nil || at == left.NumKeys() {
		return 0, nil, false
	}
	return at, combined.Keys[at], true
}

// Rebalance redistributes entries so left keeps the first at of them.
func Rebalance(left, right *base.Node, at int) {
	keys := append(append(make([][]byte, 0, left.NumKeys()+right.NumKeys()), left.Keys...), right.Keys...)
	values := append(append(make([][]byte, 0, len(keys)), left.Values...), right.Values...)

	left.Keys = append(left.Keys[:0], keys[:at]...)
	left.Values = append(left.Values[:0], values[:at]...)
	right.Keys = append(right.Keys[:0], keys[at:]...)
	right.Values = append(right.Values[:0], values[at:]...)
}
