package coordinator

import (
	"fmt"
	"strings"
	"sync/atomic"
)

// Stats counts why optimistic operations fell back to pessimistic mode. One
// Stats value is shared by every session of a tree.
type Stats struct {
	totalOperations           atomic.Uint64
	pessimistic               atomic.Uint64
	leafSplits                atomic.Uint64
	failLeafUpgrade           atomic.Uint64
	failLeafSplitParentUnsafe atomic.Uint64
	failLeafUnderflow         atomic.Uint64
	failSuccessorSibling      atomic.Uint64
	failParentNeedsSuccessor  atomic.Uint64
	failParentUpgrade         atomic.Uint64
}

// StatsSnapshot is a point-in-time copy of Stats.
type StatsSnapshot struct {
	TotalOperations           uint64
	Pessimistic               uint64
	LeafSplits                uint64
	FailLeafUpgrade           uint64
	FailLeafSplitParentUnsafe uint64
	FailLeafUnderflow         uint64
	FailSuccessorSibling      uint64
	FailParentNeedsSuccessor  uint64
	FailParentUpgrade         uint64
}

// Snapshot copies the current counters.
func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		TotalOperations:           s.totalOperations.Load(),
		Pessimistic:               s.pessimistic.Load(),
		LeafSplits:                s.leafSplits.Load(),
		FailLeafUpgrade:           s.failLeafUpgrade.Load(),
		FailLeafSplitParentUnsafe: s.failLeafSplitParentUnsafe.Load(),
		FailLeafUnderflow:         s.failLeafUnderflow.Load(),
		FailSuccessorSibling:      s.failSuccessorSibling.Load(),
		FailParentNeedsSuccessor:  s.failParentNeedsSuccessor.Load(),
		FailParentUpgrade:         s.failParentUpgrade.Load(),
	}
}

// Sub returns the counters accumulated since prev.
func (s StatsSnapshot) Sub(prev StatsSnapshot) StatsSnapshot {
	return StatsSnapshot{
		TotalOperations:           s.TotalOperations - prev.TotalOperations,
		Pessimistic:               s.Pessimistic - prev.Pessimistic,
		LeafSplits:                s.LeafSplits - prev.LeafSplits,
		FailLeafUpgrade:           s.FailLeafUpgrade - prev.FailLeafUpgrade,
		FailLeafSplitParentUnsafe: s.FailLeafSplitParentUnsafe - prev.FailLeafSplitParentUnsafe,
		FailLeafUnderflow:         s.FailLeafUnderflow - prev.FailLeafUnderflow,
		FailSuccessorSibling:      s.FailSuccessorSibling - prev.FailSuccessorSibling,
		FailParentNeedsSuccessor:  s.FailParentNeedsSuccessor - prev.FailParentNeedsSuccessor,
		FailParentUpgrade:         s.FailParentUpgrade - prev.FailParentUpgrade,
	}
}

// String formats every counter with its share of the counter it refines.
func (s StatsSnapshot) String() string {
	var b strings.Builder
	line := func(name string, v, of uint64, ofName string) {
		fmt.Fprintf(&b, "  %s: %d", name, v)
		if ofName != "" && of > 0 {
			fmt.Fprintf(&b, " (%.4f%% of %s)", 100*float64(v)/float64(of), ofName)
		}
		b.WriteByte('\n')
	}
	b.WriteString("latch crabbing stats:\n")
	line("total_operations", s.TotalOperations, 0, "")
	line("pessimistic", s.Pessimistic, s.TotalOperations, "total_operations")
	line("leaf_splits", s.LeafSplits, s.TotalOperations, "total_operations")
	line("fail_leaf_upgrade", s.FailLeafUpgrade, s.Pessimistic, "pessimistic")
	line("fail_leaf_split_parent_unsafe", s.FailLeafSplitParentUnsafe, s.Pessimistic, "pessimistic")
	line("fail_leaf_underflow", s.FailLeafUnderflow, s.Pessimistic, "pessimistic")
	line("fail_successor_sibling", s.FailSuccessorSibling, s.Pessimistic, "pessimistic")
	line("fail_parent_needs_successor", s.FailParentNeedsSuccessor, s.Pessimistic, "pessimistic")
	line("fail_parent_upgrade", s.FailParentUpgrade, s.Pessimistic, "pessimistic")
	return b.String()
}
