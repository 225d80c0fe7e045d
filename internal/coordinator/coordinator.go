// Package coordinator decides, latch by latch, whether a writer can finish
// its operation with an optimistic latch sequence or has to restart with
// write latches on the whole path.
//
// Optimistic mode takes read latches from the root down and upgrades only the
// leaf, and the leaf's parent when the parent has to change. Upgrades never
// wait: when one fails the session releases everything and the operation
// restarts pessimistically, which takes write latches top-down and always
// completes.
package coordinator

import (
	"fmt"
	"strings"

	"github.com/ansel1/merry"

	"github.com/alexhholmes/crabtree/internal/base"
	"github.com/alexhholmes/crabtree/internal/latch"
)

// MaxDepth bounds the number of levels a session can latch.
const MaxDepth = 32

// State of a session within one attempt.
type State int

const (
	Initial State = iota
	Optimistic
	Pessimistic
	AtLeafReady
	Aborted
)

func (s State) String() string {
	switch s {
	case Initial:
		return "INITIAL"
	case Optimistic:
		return "OPTIMISTIC"
	case Pessimistic:
		return "PESSIMISTIC"
	case AtLeafReady:
		return "AT_LEAF_READY"
	case Aborted:
		return "ABORTED"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// LatchService is the source of node latches.
type LatchService interface {
	AcquireRead(id base.PageID) latch.Handle
	AcquireWrite(id base.PageID) latch.Handle
}

type depthData struct {
	latch          latch.Handle
	latchIsWrite   bool
	availableSpace int
	keyCount       int
	childPos       int
	isStable       bool
}

// LatchCrabbing is the per-writer coordination session. It is reused across
// operations and must not be shared between goroutines.
type LatchCrabbing struct {
	latches                LatchService
	leafUnderflowThreshold int
	stats                  *Stats

	depths      [MaxDepth]depthData
	depth       int
	pessimistic bool
	state       State

	acquiringID    base.PageID
	acquiringWrite bool
	acquiring      bool
}

// New creates a session. A leaf underflows once its available space exceeds
// leafUnderflowThreshold.
func New(latches LatchService, leafUnderflowThreshold int, stats *Stats) *LatchCrabbing {
	if stats == nil {
		stats = &Stats{}
	}
	return &LatchCrabbing{
		latches:                latches,
		leafUnderflowThreshold: leafUnderflowThreshold,
		stats:                  stats,
		depth:                  -1,
	}
}

// MustStartFromRoot reports that every retry descends from the root again.
func (c *LatchCrabbing) MustStartFromRoot() bool {
	return true
}

// Initialize begins a logical operation in optimistic mode.
func (c *LatchCrabbing) Initialize() {
	if c.depth != -1 {
		panic(fmt.Sprintf("coordinator initialized while holding %d latches", c.depth+1))
	}
	c.pessimistic = false
	c.state = Optimistic
	c.stats.totalOperations.Add(1)
}

// BeforeTraversingToChild latches the child about to be visited: read latch
// when optimistic, write latch when pessimistic.
func (c *LatchCrabbing) BeforeTraversingToChild(childID base.PageID, childPos int) {
	if c.depth+1 >= MaxDepth {
		panic(merry.Wrap(base.ErrInvariant).
			Appendf("tree deeper than %d levels", MaxDepth).
			WithValue("node", childID))
	}

	c.acquiringID, c.acquiringWrite, c.acquiring = childID, c.pessimistic, true
	var l latch.Handle
	if c.pessimistic {
		l = c.latches.AcquireWrite(childID)
	} else {
		l = c.latches.AcquireRead(childID)
	}
	c.acquiring = false

	c.depth++
	c.depths[c.depth] = depthData{
		latch:        l,
		latchIsWrite: c.pessimistic,
		childPos:     childPos,
	}
}

// ArrivedAtChild records the latched child and reports whether the attempt
// may continue. False means the caller must flip to pessimistic mode.
func (c *LatchCrabbing) ArrivedAtChild(isInternal bool, availableSpace int, isStable bool, keyCount int) bool {
	d := &c.depths[c.depth]
	d.availableSpace = availableSpace
	d.isStable = isStable
	d.keyCount = keyCount
	if isInternal || c.pessimistic {
		// Decisions wait for the leaf. Pessimistic sessions cannot bail out.
		if !isInternal {
			c.state = AtLeafReady
		}
		return true
	}

	if !c.tryUpgradeReadLatchToWrite(c.depth) {
		c.stats.failLeafUpgrade.Add(1)
		return c.abort()
	}

	if isStable {
		// The leaf needs a successor. At the edge of its parent a sibling
		// may live under a neighbouring parent that is not latched.
		if c.positionedAtTheEdge() {
			c.stats.failSuccessorSibling.Add(1)
			return c.abort()
		}
		if !c.tryUpgradeUnstableParentReadLatchToWrite() {
			return c.abort()
		}
	}

	c.state = AtLeafReady
	return true
}

// BeforeSplittingLeaf reports whether the leaf may split now. Optimistic
// sessions may only split when the parent absorbs the bubble entry without
// splitting and can be changed in place.
func (c *LatchCrabbing) BeforeSplittingLeaf(bubbleEntrySize int) bool {
	c.stats.leafSplits.Add(1)
	if c.pessimistic {
		return true
	}

	parentSafe := c.depth > 0 && c.depths[c.depth-1].availableSpace-bubbleEntrySize >= 0
	if !parentSafe {
		c.stats.failLeafSplitParentUnsafe.Add(1)
		return c.abort()
	}
	if !c.tryUpgradeUnstableParentReadLatchToWrite() {
		return c.abort()
	}
	return true
}

// BeforeRemovalFromLeaf reports whether an entry of the given size may be
// removed in place. Optimistic sessions refuse removals that would make the
// leaf underflow.
func (c *LatchCrabbing) BeforeRemovalFromLeaf(sizeOfLeafEntryToRemove int) bool {
	if c.pessimistic {
		return true
	}

	availableSpaceAfterRemoval := c.depths[c.depth].availableSpace + sizeOfLeafEntryToRemove
	if availableSpaceAfterRemoval > c.leafUnderflowThreshold {
		c.stats.failLeafUnderflow.Add(1)
		return c.abort()
	}
	return true
}

// BeforeSplitInternal must only be reached in pessimistic mode.
func (c *LatchCrabbing) BeforeSplitInternal(id base.PageID) error {
	if !c.pessimistic {
		return merry.Wrap(base.ErrInvariant).
			Appendf("unexpected split of internal node [%d] in optimistic mode", id).
			WithValue("node", id)
	}
	return nil
}

// BeforeUnderflowInLeaf must only be reached in pessimistic mode.
func (c *LatchCrabbing) BeforeUnderflowInLeaf(id base.PageID) error {
	if !c.pessimistic {
		return merry.Wrap(base.ErrInvariant).
			Appendf("unexpected underflow of leaf node [%d] in optimistic mode", id).
			WithValue("node", id)
	}
	return nil
}

// Reset releases every held latch, deepest first.
func (c *LatchCrabbing) Reset() {
	for c.depth >= 0 {
		c.releaseLatchAtDepth(c.depth)
		c.depths[c.depth] = depthData{}
		c.depth--
	}
	if c.pessimistic {
		c.state = Pessimistic
	} else {
		c.state = Optimistic
	}
}

// FlipToPessimisticMode resets the session and switches it to pessimistic
// mode. It returns false if the session already was pessimistic.
func (c *LatchCrabbing) FlipToPessimisticMode() bool {
	c.Reset()
	c.state = Pessimistic
	if c.pessimistic {
		return false
	}
	c.pessimistic = true
	c.stats.pessimistic.Add(1)
	return true
}

// Pessimistic reports the session mode.
func (c *LatchCrabbing) Pessimistic() bool {
	return c.pessimistic
}

// State returns the state of the current attempt.
func (c *LatchCrabbing) State() State {
	return c.state
}

// Depth returns the index of the deepest held latch, -1 when none is held.
func (c *LatchCrabbing) Depth() int {
	return c.depth
}

// Held returns the ids of held latches from the root down.
func (c *LatchCrabbing) Held() []base.PageID {
	ids := make([]base.PageID, 0, c.depth+1)
	for i := 0; i <= c.depth; i++ {
		ids = append(ids, c.depths[i].latch.TreeNodeID())
	}
	return ids
}

// HoldsWrite reports whether the latch at depth is a write latch.
func (c *LatchCrabbing) HoldsWrite(depth int) bool {
	return depth >= 0 && depth <= c.depth && c.depths[depth].latchIsWrite
}

// Stats returns the counters shared by this session.
func (c *LatchCrabbing) Stats() *Stats {
	return c.stats
}

func (c *LatchCrabbing) abort() bool {
	c.state = Aborted
	return false
}

func (c *LatchCrabbing) positionedAtTheEdge() bool {
	if c.depth == 0 {
		return true
	}
	d := &c.depths[c.depth]
	parent := &c.depths[c.depth-1]
	return d.childPos == 0 || d.childPos == parent.keyCount
}

func (c *LatchCrabbing) tryUpgradeUnstableParentReadLatchToWrite() bool {
	if c.depth == 0 || c.depths[c.depth-1].isStable {
		// The parent would need a successor itself, which changes the
		// grandparent.
		c.stats.failParentNeedsSuccessor.Add(1)
		return false
	}
	if !c.tryUpgradeReadLatchToWrite(c.depth - 1) {
		c.stats.failParentUpgrade.Add(1)
		return false
	}
	return true
}

func (c *LatchCrabbing) tryUpgradeReadLatchToWrite(depth int) bool {
	if depth < 0 {
		return false
	}
	d := &c.depths[depth]
	if d.latchIsWrite {
		return true
	}
	c.acquiringID, c.acquiringWrite, c.acquiring = d.latch.TreeNodeID(), true, true
	if !d.latch.TryUpgradeToWrite() {
		c.acquiring = false
		return false
	}
	c.acquiring = false
	d.latchIsWrite = true
	return true
}

func (c *LatchCrabbing) releaseLatchAtDepth(depth int) {
	d := &c.depths[depth]
	if d.latchIsWrite {
		d.latch.ReleaseWrite()
	} else {
		d.latch.ReleaseRead()
	}
}

// String dumps the mode, every held latch and any latch being acquired.
func (c *LatchCrabbing) String() string {
	var b strings.Builder
	mode := "OPTIMISTIC"
	if c.pessimistic {
		mode = "PESSIMISTIC"
	}
	fmt.Fprintf(&b, "LATCHES %s depth:%d state:%s\n", mode, c.depth, c.state)
	for i := 0; i <= c.depth; i++ {
		kind := "R"
		if c.depths[i].latchIsWrite {
			kind = "W"
		}
		if s, ok := c.depths[i].latch.(fmt.Stringer); ok {
			fmt.Fprintf(&b, "%s%s\n", kind, s)
		} else {
			fmt.Fprintf(&b, "%s%d\n", kind, c.depths[i].latch.TreeNodeID())
		}
	}
	if c.acquiring {
		kind := "R"
		if c.acquiringWrite {
			kind = "W"
		}
		fmt.Fprintf(&b, "%sAcquiring:%d", kind, c.acquiringID)
	}
	return b.String()
}
