package base

import (
	"unsafe"

	"github.com/cespare/xxhash/v2"
)

const (
	PageSize = 4096

	LeafPageFlag   uint16 = 0x01
	BranchPageFlag uint16 = 0x02

	PageHeaderSize    = 64 // PageID(8) + Flags(2) + NumKeys(2) + Reserved(4) + Generation(8) + Checksum(8) + Padding(32)
	LeafElementSize   = 8
	BranchElementSize = 16
	FirstChildSize    = 8

	// MagicNumber for file format identification ("crbt" in hex)
	MagicNumber uint32 = 0x63726274

	FormatVersion uint16 = 1

	// MaxKeySize bounds keys so an internal node always holds at least a few
	// separators.
	MaxKeySize = 512
	// MaxEntrySize bounds a leaf entry (element + key + value) so that any
	// overfull leaf can be split into two pages.
	MaxEntrySize = (PageSize - PageHeaderSize) / 4

	// Pages 0 and 1 hold the two meta records.
	MetaPageID0 PageID = 0
	MetaPageID1 PageID = 1
	// FirstNodeID is the lowest id a tree node can have.
	FirstNodeID PageID = 2

	checksumOffset = 24
)

type PageID uint64

// Page is raw disk Page (4096 bytes)
//
// LEAF PAGE LAYOUT (elements forward, data packed backward from the end):
// ┌─────────────────────────────────────────────────────────────────────┐
// │ Header (64 bytes)                                                   │
// │ PageID, Flags, NumKeys, Generation, Checksum                        │
// ├─────────────────────────────────────────────────────────────────────┤
// │ LeafElement[0..N-1] (8 bytes each)                                  │
// │ KeyOffset, KeySize, ValueOffset, ValueSize                          │
// ├─────────────────────────────────────────────────────────────────────┤
// │ Free space                                                          │
// ├─────────────────────────────────────────────────────────────────────┤
// │ ... Key[N-1] | Value[N-1] ... Key[0] | Value[0]                     │
// └─────────────────────────────────────────────────────────────────────┘
//
// BRANCH PAGE LAYOUT:
// ┌─────────────────────────────────────────────────────────────────────┐
// │ Header (64 bytes)                                                   │
// ├─────────────────────────────────────────────────────────────────────┤
// │ BranchElement[0..N-1] (16 bytes each)                               │
// │ KeyOffset, KeySize, Reserved, ChildID (Children[i+1])               │
// ├─────────────────────────────────────────────────────────────────────┤
// │ Free space                                                          │
// ├─────────────────────────────────────────────────────────────────────┤
// │ ... Key[N-1] ... Key[0] | FirstChild (8 bytes, Children[0])         │
// └─────────────────────────────────────────────────────────────────────┘
type Page struct {
	Data [PageSize]byte
}

// PageHeader represents the fixed-Size Header at the start of each Page
type PageHeader struct {
	PageID     PageID     // 8 bytes
	Flags      uint16     // 2 bytes: leaf/branch
	NumKeys    uint16     // 2 bytes
	Reserved   uint32     // 4 bytes
	Generation Generation // 8 bytes: generation the page was written in
	Checksum   uint64     // 8 bytes: xxhash of the page with this field zeroed
	Padding    [32]byte
}

// LeafElement locates a key-value pair in a leaf Page
type LeafElement struct {
	KeyOffset   uint16
	KeySize     uint16
	ValueOffset uint16
	ValueSize   uint16
}

// BranchElement locates a separator key and its right child in a branch Page
type BranchElement struct {
	KeyOffset uint16
	KeySize   uint16
	Reserved  uint32
	ChildID   PageID
}

// Header returns the Page Header decoded from Page Data
func (p *Page) Header() *PageHeader {
	return (*PageHeader)(unsafe.Pointer(&p.Data[0]))
}

// LeafElements returns the array of leaf elements starting after the Header
func (p *Page) LeafElements() []LeafElement {
	h := p.Header()
	if h.NumKeys == 0 {
		return nil
	}
	ptr := unsafe.Pointer(&p.Data[PageHeaderSize])
	return unsafe.Slice((*LeafElement)(ptr), h.NumKeys)
}

// BranchElements returns the array of branch elements starting after the Header
func (p *Page) BranchElements() []BranchElement {
	h := p.Header()
	if h.NumKeys == 0 {
		return nil
	}
	ptr := unsafe.Pointer(&p.Data[PageHeaderSize])
	return unsafe.Slice((*BranchElement)(ptr), h.NumKeys)
}

// WriteHeader writes the Page Header to the Page data
func (p *Page) WriteHeader(h *PageHeader) {
	*p.Header() = *h
}

// WriteLeafElement writes a leaf element at the specified index
func (p *Page) WriteLeafElement(idx int, e *LeafElement) {
	ptr := unsafe.Pointer(&p.Data[PageHeaderSize+idx*LeafElementSize])
	*(*LeafElement)(ptr) = *e
}

// WriteBranchElement writes a branch element at the specified index
func (p *Page) WriteBranchElement(idx int, e *BranchElement) {
	ptr := unsafe.Pointer(&p.Data[PageHeaderSize+idx*BranchElementSize])
	*(*BranchElement)(ptr) = *e
}

// Slice returns size bytes at offset, bounds checked against the data area.
func (p *Page) Slice(offset, size uint16) ([]byte, error) {
	start := int(offset)
	end := start + int(size)
	if start < PageHeaderSize || end > PageSize {
		return nil, ErrInvalidOffset
	}
	return p.Data[start:end], nil
}

// WriteBranchFirstChild stores Children[0] in the last 8 bytes of the page.
func (p *Page) WriteBranchFirstChild(childID PageID) {
	*(*PageID)(unsafe.Pointer(&p.Data[PageSize-FirstChildSize])) = childID
}

// ReadBranchFirstChild reads Children[0] from the last 8 bytes of the page.
func (p *Page) ReadBranchFirstChild() PageID {
	return *(*PageID)(unsafe.Pointer(&p.Data[PageSize-FirstChildSize]))
}

// CalculateChecksum hashes the whole page except the checksum field itself.
func (p *Page) CalculateChecksum() uint64 {
	d := xxhash.New()
	_, _ = d.Write(p.Data[:checksumOffset])
	_, _ = d.Write(p.Data[checksumOffset+8:])
	return d.Sum64()
}

// Seal stores the page checksum in the header.
func (p *Page) Seal() {
	p.Header().Checksum = p.CalculateChecksum()
}

// Verify reports ErrInvalidChecksum if the page was altered after Seal.
func (p *Page) Verify() error {
	if p.Header().Checksum != p.CalculateChecksum() {
		return ErrInvalidChecksum
	}
	return nil
}
