package base

import (
	"fmt"

	"github.com/NVIDIA/cstruct"
	"github.com/cespare/xxhash/v2"
)

// Meta is the tree root record stored in pages 0 and 1. Checkpoints write
// the slots alternately so a torn write leaves the previous record intact.
// Layout: [Magic: 4][Version: 2][PageSize: 2][Root: 8][StableGen: 8]
// [Sequence: 8][NumPages: 8][FreelistStart: 8][FreelistPages: 8]
// [FreelistChecksum: 8][Checksum: 8]
type Meta struct {
	Magic            uint32
	Version          uint16
	PageSize         uint16
	Root             uint64 // root node of the checkpointed tree
	StableGen        uint64 // generation made durable by this checkpoint
	Sequence         uint64 // checkpoint counter, selects the slot
	NumPages         uint64 // pages in use including meta and freelist pages
	FreelistStart    uint64
	FreelistPages    uint64
	FreelistChecksum uint64
	Checksum         uint64
}

// NewMeta returns the meta record of an empty file.
func NewMeta() Meta {
	return Meta{
		Magic:    MagicNumber,
		Version:  FormatVersion,
		PageSize: PageSize,
		NumPages: uint64(FirstNodeID),
	}
}

// Slot returns the meta page this record is written to.
func (m *Meta) Slot() PageID {
	return PageID(m.Sequence % 2)
}

// CalculateChecksum computes xxhash of all fields except Checksum itself
func (m *Meta) CalculateChecksum() uint64 {
	tmp := *m
	tmp.Checksum = 0
	buf, err := cstruct.Pack(tmp, cstruct.LittleEndian)
	if err != nil {
		return 0
	}
	return xxhash.Sum64(buf[:len(buf)-8])
}

// Encode seals the record and packs it at the start of page.
func (m *Meta) Encode(page *Page) error {
	m.Checksum = m.CalculateChecksum()
	buf, err := cstruct.Pack(m, cstruct.LittleEndian)
	if err != nil {
		return fmt.Errorf("pack meta: %w", err)
	}
	page.Data = [PageSize]byte{}
	copy(page.Data[:], buf)
	return nil
}

// DecodeMeta unpacks and validates the record stored in page.
func DecodeMeta(page *Page) (Meta, error) {
	var m Meta
	if _, err := cstruct.Unpack(page.Data[:], &m, cstruct.LittleEndian); err != nil {
		return Meta{}, fmt.Errorf("unpack meta: %w", err)
	}
	if err := m.Validate(); err != nil {
		return Meta{}, err
	}
	return m, nil
}

// Validate checks if the metadata is valid
func (m *Meta) Validate() error {
	if m.Magic != MagicNumber {
		return ErrInvalidMagicNumber
	}
	if m.Version != FormatVersion {
		return ErrInvalidVersion
	}
	if m.PageSize != PageSize {
		return ErrInvalidPageSize
	}
	if m.Checksum != m.CalculateChecksum() {
		return ErrInvalidChecksum
	}
	return nil
}
