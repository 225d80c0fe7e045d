package base

import (
	"fmt"
)

// Node represents a B+ tree Node with decoded Page data
type Node struct {
	ID         PageID
	Leaf       bool
	Generation Generation
	Dirty      bool

	// Successor is set on a stable node once its copy-on-write replacement
	// has been linked. It is never persisted.
	Successor PageID

	Keys     [][]byte
	Values   [][]byte // leaf only
	Children []PageID // branch only, len(Keys)+1
}

// NumKeys returns the number of keys in the node.
func (n *Node) NumKeys() int {
	return len(n.Keys)
}

// LeafEntrySize is the serialized size of one leaf key-value pair.
func LeafEntrySize(key, value []byte) int {
	return LeafElementSize + len(key) + len(value)
}

// BranchEntrySize is the serialized size of one separator key with its child.
func BranchEntrySize(key []byte) int {
	return BranchElementSize + len(key)
}

// EntrySize returns the serialized size of the entry at i.
func (n *Node) EntrySize(i int) int {
	if n.Leaf {
		return LeafEntrySize(n.Keys[i], n.Values[i])
	}
	return BranchEntrySize(n.Keys[i])
}

// Size returns the serialized size of the node.
func (n *Node) Size() int {
	size := PageHeaderSize
	if !n.Leaf {
		size += FirstChildSize
	}
	for i := range n.Keys {
		size += n.EntrySize(i)
	}
	return size
}

// Available returns the free bytes left in the page. Negative while an
// overfull node waits to be split.
func (n *Node) Available() int {
	return PageSize - n.Size()
}

// Fits reports whether the node serializes into one page.
func (n *Node) Fits() bool {
	return n.Size() <= PageSize
}

// Clone copies the node's slices. Key and value byte slices are shared; they
// are replaced, never modified in place.
func (n *Node) Clone() *Node {
	c := &Node{
		ID:         n.ID,
		Leaf:       n.Leaf,
		Generation: n.Generation,
		Dirty:      n.Dirty,
		Keys:       append(make([][]byte, 0, len(n.Keys)+1), n.Keys...),
	}
	if n.Leaf {
		c.Values = append(make([][]byte, 0, len(n.Values)+1), n.Values...)
	} else {
		c.Children = append(make([]PageID, 0, len(n.Children)+1), n.Children...)
	}
	return c
}

// Serialize encodes the node into page and seals it with a checksum.
func (n *Node) Serialize(page *Page) error {
	if !n.Fits() {
		return fmt.Errorf("%w: node %d needs %d bytes", ErrPageOverflow, n.ID, n.Size())
	}
	page.Data = [PageSize]byte{}

	header := &PageHeader{
		PageID:     n.ID,
		NumKeys:    uint16(len(n.Keys)),
		Generation: n.Generation,
	}
	if n.Leaf {
		header.Flags = LeafPageFlag
	} else {
		header.Flags = BranchPageFlag
	}
	page.WriteHeader(header)

	if n.Leaf {
		dataOffset := uint16(PageSize)
		for i := len(n.Keys) - 1; i >= 0; i-- {
			key, value := n.Keys[i], n.Values[i]

			dataOffset -= uint16(len(value))
			copy(page.Data[dataOffset:], value)
			valueOffset := dataOffset

			dataOffset -= uint16(len(key))
			copy(page.Data[dataOffset:], key)

			page.WriteLeafElement(i, &LeafElement{
				KeyOffset:   dataOffset,
				KeySize:     uint16(len(key)),
				ValueOffset: valueOffset,
				ValueSize:   uint16(len(value)),
			})
		}
	} else {
		page.WriteBranchFirstChild(n.Children[0])

		dataOffset := uint16(PageSize - FirstChildSize)
		for i := len(n.Keys) - 1; i >= 0; i-- {
			key := n.Keys[i]
			dataOffset -= uint16(len(key))
			copy(page.Data[dataOffset:], key)

			page.WriteBranchElement(i, &BranchElement{
				KeyOffset: dataOffset,
				KeySize:   uint16(len(key)),
				ChildID:   n.Children[i+1],
			})
		}
	}

	page.Seal()
	return nil
}

// Deserialize decodes the Page data into Node fields
func (n *Node) Deserialize(p *Page) error {
	if err := p.Verify(); err != nil {
		return err
	}
	header := p.Header()
	n.ID = header.PageID
	n.Generation = header.Generation
	n.Dirty = false
	n.Successor = 0

	numKeys := int(header.NumKeys)
	n.Keys = make([][]byte, numKeys)

	switch header.Flags {
	case LeafPageFlag:
		n.Leaf = true
		n.Values = make([][]byte, numKeys)
		n.Children = nil
		if PageHeaderSize+numKeys*LeafElementSize > PageSize {
			return ErrInvalidOffset
		}
		for i, elem := range p.LeafElements() {
			key, err := p.Slice(elem.KeyOffset, elem.KeySize)
			if err != nil {
				return err
			}
			value, err := p.Slice(elem.ValueOffset, elem.ValueSize)
			if err != nil {
				return err
			}
			n.Keys[i] = append([]byte(nil), key...)
			n.Values[i] = append([]byte{}, value...)
		}
	case BranchPageFlag:
		n.Leaf = false
		n.Values = nil
		n.Children = make([]PageID, numKeys+1)
		if PageHeaderSize+numKeys*BranchElementSize > PageSize-FirstChildSize {
			return ErrInvalidOffset
		}
		n.Children[0] = p.ReadBranchFirstChild()
		for i, elem := range p.BranchElements() {
			key, err := p.Slice(elem.KeyOffset, elem.KeySize)
			if err != nil {
				return err
			}
			n.Keys[i] = append([]byte(nil), key...)
			n.Children[i+1] = elem.ChildID
		}
	default:
		return fmt.Errorf("%w: unknown page flags %#x", ErrCorruption, header.Flags)
	}
	return nil
}
