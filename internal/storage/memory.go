package storage

import (
	"fmt"
	"sync"

	"github.com/alexhholmes/crabtree/internal/base"
)

// Memory keeps pages in a map. Used by in-memory trees and tests.
type Memory struct {
	counters
	mu    sync.RWMutex
	pages map[base.PageID]*base.Page
}

// NewMemory creates an empty in-memory medium.
func NewMemory() *Memory {
	return &Memory{pages: make(map[base.PageID]*base.Page)}
}

func (m *Memory) ReadPage(id base.PageID, page *base.Page) error {
	m.reads.Add(1)
	m.mu.RLock()
	defer m.mu.RUnlock()
	stored, ok := m.pages[id]
	if !ok {
		return fmt.Errorf("read page %d: not written", id)
	}
	*page = *stored
	return nil
}

func (m *Memory) WritePage(id base.PageID, page *base.Page) error {
	m.writes.Add(1)
	stored := *page
	m.mu.Lock()
	m.pages[id] = &stored
	m.mu.Unlock()
	return nil
}

func (m *Memory) Sync() error {
	m.syncs.Add(1)
	return nil
}

func (m *Memory) Empty() (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.pages) == 0, nil
}

func (m *Memory) Close() error {
	return nil
}

// Corrupt flips one byte of a stored page.
func (m *Memory) Corrupt(id base.PageID, offset int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.pages[id]; ok {
		p.Data[offset] ^= 0xFF
	}
}
