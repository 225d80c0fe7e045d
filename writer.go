package crabtree

import (
	"github.com/ansel1/merry"

	"github.com/alexhholmes/crabtree/internal/algo"
	"github.com/alexhholmes/crabtree/internal/base"
	"github.com/alexhholmes/crabtree/internal/coordinator"
	"github.com/alexhholmes/crabtree/internal/latch"
	"github.com/alexhholmes/crabtree/internal/pager"
)

// attempt is the outcome of one descent of a writer.
type attempt int

const (
	proceed attempt = iota // leaf reached and latched as required
	done
	restart // descend again in the same mode
	abort   // descend again in pessimistic mode
)

// Writer mutates a tree. Each operation first descends optimistically with
// read latches and upgrades only the leaf and, if needed, its parent. When
// the coordinator refuses, the operation restarts from the root with write
// latches on the whole path.
type Writer struct {
	tree  *Tree
	coord *coordinator.LatchCrabbing

	path    [coordinator.MaxDepth]*base.Node
	pos     [coordinator.MaxDepth]int // child position that led to each depth
	res     *pager.Reservation
	sibling latch.Handle
	newRoot base.PageID
}

type sibling struct {
	node *base.Node
	pos  int
}

func checkEntry(key, value []byte) error {
	if len(key) == 0 {
		return ErrKeyEmpty
	}
	if len(key) > MaxKeySize {
		return ErrKeyTooLarge
	}
	if base.LeafEntrySize(key, value) > MaxEntrySize {
		return ErrValueTooLarge
	}
	return nil
}

// Insert sets key to value, replacing any previous value.
func (w *Writer) Insert(key, value []byte) error {
	if err := checkEntry(key, value); err != nil {
		return err
	}
	key = append([]byte{}, key...)
	value = append([]byte{}, value...)
	return w.run(key, func(leaf int) (attempt, error) {
		return w.insertAt(leaf, key, value)
	})
}

// Remove deletes key and returns the value it had.
func (w *Writer) Remove(key []byte) ([]byte, bool, error) {
	if len(key) == 0 {
		return nil, false, ErrKeyEmpty
	}
	var value []byte
	var found bool
	err := w.run(key, func(leaf int) (attempt, error) {
		var a attempt
		var err error
		value, found, a, err = w.removeAt(leaf, key)
		return a, err
	})
	return value, found, err
}

// Stats returns the coordination counters of the tree.
func (w *Writer) Stats() coordinator.StatsSnapshot {
	return w.coord.Stats().Snapshot()
}

// run drives one logical operation. mutate receives the depth of the leaf
// and is retried in pessimistic mode when it aborts.
func (w *Writer) run(key []byte, mutate func(leaf int) (attempt, error)) error {
	t := w.tree
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		return ErrTreeClosed
	}

	w.coord.Initialize()
	for {
		a, err := w.descend(key)
		if err == nil && a == proceed {
			a, err = mutate(w.coord.Depth())
		}
		w.finish()
		if err != nil {
			return t.report(err)
		}

		switch a {
		case done:
			return nil
		case abort:
			if !w.coord.FlipToPessimisticMode() {
				return merry.Wrap(ErrInvariantViolation).Append("pessimistic attempt aborted")
			}
		}
	}
}

// descend latches the path from the root to the leaf covering key.
func (w *Writer) descend(key []byte) (attempt, error) {
	t := w.tree
	id := t.rootID()
	w.coord.BeforeTraversingToChild(id, 0)
	if t.rootID() != id {
		return restart, nil
	}

	for d := 0; ; d++ {
		node, err := t.pager.ReadNode(id)
		if err != nil {
			return done, err
		}
		if node.Successor != 0 {
			return restart, nil
		}
		w.path[d] = node

		v := t.watermark.Classify(node.Generation)
		if !w.coord.ArrivedAtChild(!node.Leaf, node.Available(), v.Stable, node.NumKeys()) {
			return abort, nil
		}
		if node.Leaf {
			return proceed, nil
		}

		pos := algo.FindChildIndex(node, key, t.cmp)
		id = node.Children[pos]
		w.pos[d+1] = pos
		w.coord.BeforeTraversingToChild(id, pos)
	}
}

// finish publishes a new root while its latch is still held, then releases
// every latch and unused page of the attempt.
func (w *Writer) finish() {
	if w.newRoot != 0 {
		w.tree.root.Store(uint64(w.newRoot))
		w.newRoot = 0
	}
	if w.sibling != nil {
		w.sibling.ReleaseWrite()
		w.sibling = nil
	}
	w.coord.Reset()
	w.tree.pager.Release(w.res)
	w.res = nil
	w.path = [coordinator.MaxDepth]*base.Node{}
}

func (w *Writer) insertAt(l int, key, value []byte) (attempt, error) {
	t := w.tree
	leaf := w.path[l]
	pos, found := algo.FindKey(leaf, key, t.cmp)

	size := leaf.Size() + base.LeafEntrySize(key, value)
	if found {
		size -= leaf.EntrySize(pos)
	}
	if size <= base.PageSize {
		if err := w.reserve(w.stableRun(l)); err != nil {
			return done, err
		}
		leaf, err := w.writable(l)
		if err != nil {
			return done, err
		}
		putEntry(leaf, pos, found, key, value)
		t.pager.WriteNode(leaf)
		return done, nil
	}

	// Split on a scratch copy first; a refused split leaves the leaf as is.
	scratch := leaf.Clone()
	putEntry(scratch, pos, found, key, value)
	at, err := algo.LeafSplitPoint(scratch)
	if err != nil {
		return done, err
	}
	if !w.coord.BeforeSplittingLeaf(base.BranchEntrySize(scratch.Keys[at])) {
		return abort, nil
	}

	need := w.stableRun(l) + 1
	if w.coord.Pessimistic() {
		// One sibling per branch level plus a new root.
		need += l + 1
	}
	if err := w.reserve(need); err != nil {
		return done, err
	}

	leaf, err = w.writable(l)
	if err != nil {
		return done, err
	}
	leaf.Keys, leaf.Values = scratch.Keys, scratch.Values
	right, err := t.pager.AllocateNode(w.res, t.watermark.Unstable, true)
	if err != nil {
		return done, err
	}
	bubble, err := algo.SplitLeaf(leaf, right)
	if err != nil {
		return done, err
	}
	t.pager.WriteNode(leaf)
	t.pager.WriteNode(right)
	return done, w.insertSeparator(l-1, w.pos[l], bubble, right.ID)
}

func putEntry(node *base.Node, pos int, found bool, key, value []byte) {
	if found {
		node.Values[pos] = value
		return
	}
	algo.InsertEntry(node, pos, key, value)
}

// insertSeparator adds key and its right child to the branch at depth d,
// splitting branches up to the root as they overflow.
func (w *Writer) insertSeparator(d, pos int, key []byte, right base.PageID) error {
	t := w.tree
	if d < 0 {
		id, err := w.res.Next()
		if err != nil {
			return err
		}
		root := algo.NewRoot(id, t.watermark.Unstable, w.path[0].ID, key, right)
		t.pager.WriteNode(root)
		w.newRoot = id
		return nil
	}

	parent, err := w.writable(d)
	if err != nil {
		return err
	}
	algo.InsertSeparator(parent, pos, key, right)
	t.pager.WriteNode(parent)
	if parent.Fits() {
		return nil
	}

	if err := w.coord.BeforeSplitInternal(parent.ID); err != nil {
		return err
	}
	sibling, err := t.pager.AllocateNode(w.res, t.watermark.Unstable, false)
	if err != nil {
		return err
	}
	bubble, err := algo.SplitBranch(parent, sibling)
	if err != nil {
		return err
	}
	t.pager.WriteNode(sibling)
	return w.insertSeparator(d-1, w.pos[d], bubble, sibling.ID)
}

func (w *Writer) removeAt(l int, key []byte) ([]byte, bool, attempt, error) {
	t := w.tree
	leaf := w.path[l]
	pos, found := algo.FindKey(leaf, key, t.cmp)
	if !found {
		return nil, false, done, nil
	}
	size := leaf.EntrySize(pos)
	if !w.coord.BeforeRemovalFromLeaf(size) {
		return nil, false, abort, nil
	}

	need := w.stableRun(l)
	var sib *sibling
	if l > 0 && leaf.Available()+size > t.options.leafUnderflowThreshold {
		if err := w.coord.BeforeUnderflowInLeaf(leaf.ID); err != nil {
			return nil, false, done, err
		}
		var err error
		if sib, err = w.latchSibling(l); err != nil {
			return nil, false, done, err
		}
		need++
	}
	if err := w.reserve(need); err != nil {
		return nil, false, done, err
	}

	leaf, err := w.writable(l)
	if err != nil {
		return nil, false, done, err
	}
	value := algo.RemoveEntry(leaf, pos)
	t.pager.WriteNode(leaf)
	if sib != nil {
		err = w.refill(l, sib)
	}
	return value, true, done, err
}

// latchSibling write latches a neighbour of the leaf at depth l under the
// same parent. Only readers can hold it, since the parent is write latched.
func (w *Writer) latchSibling(l int) (*sibling, error) {
	parent := w.path[l-1]
	pos := w.pos[l] - 1
	if w.pos[l] == 0 {
		if parent.NumKeys() == 0 {
			return nil, nil
		}
		pos = 1
	}

	id := parent.Children[pos]
	w.sibling = w.tree.latches.AcquireWrite(id)
	node, err := w.tree.pager.ReadNode(id)
	if err != nil {
		return nil, err
	}
	return &sibling{node: node, pos: pos}, nil
}

// refill fixes the underfull leaf at depth l by merging it with sib or by
// moving entries over from sib.
func (w *Writer) refill(l int, sib *sibling) error {
	t := w.tree
	gen := t.watermark.Unstable
	parent, err := w.writable(l - 1)
	if err != nil {
		return err
	}

	leaf := w.path[l]
	left, right, sep := sib.node, leaf, sib.pos
	if sib.pos > w.pos[l] {
		left, right, sep = leaf, sib.node, w.pos[l]
	}

	if algo.CanMerge(left, right) {
		if left == sib.node {
			if left, err = w.writableSibling(parent, sib); err != nil {
				return err
			}
		}
		if err := algo.MergeLeaves(left, right); err != nil {
			return err
		}
		algo.RemoveSeparator(parent, sep)
		t.pager.WriteNode(left)
		t.pager.WriteNode(parent)
		t.pager.FreeNode(right, gen)

		if l-1 == 0 && parent.NumKeys() == 0 {
			w.newRoot = parent.Children[0]
			t.pager.FreeNode(parent, gen)
		}
		return nil
	}

	at, key, ok := algo.RebalancePoint(left, right)
	if !ok {
		return nil
	}
	if parent.Size()-len(parent.Keys[sep])+len(key) > base.PageSize {
		// The new separator does not fit; leave the leaf underfull.
		return nil
	}
	s, err := w.writableSibling(parent, sib)
	if err != nil {
		return err
	}
	if left == sib.node {
		left = s
	} else {
		right = s
	}
	algo.Rebalance(left, right, at)
	parent.Keys[sep] = key
	t.pager.WriteNode(left)
	t.pager.WriteNode(right)
	t.pager.WriteNode(parent)
	return nil
}

// writable returns the node at depth d ready to be changed in place. A stable
// node is replaced by its successor, which is linked into its parent, making
// the parent writable in turn; a stable root is replaced when the attempt
// finishes.
func (w *Writer) writable(d int) (*base.Node, error) {
	node := w.path[d]
	if !w.coord.HoldsWrite(d) {
		return nil, merry.Wrap(ErrInvariantViolation).
			Appendf("node %d changed without its write latch", node.ID).
			WithValue("node", node.ID)
	}
	if !w.tree.watermark.IsStable(node.Generation) {
		return node, nil
	}

	successor, err := w.successor(node)
	if err != nil {
		return nil, err
	}
	if d == 0 {
		w.newRoot = successor.ID
	} else {
		parent, err := w.writable(d - 1)
		if err != nil {
			return nil, err
		}
		parent.Children[w.pos[d]] = successor.ID
		w.tree.pager.WriteNode(parent)
	}
	w.path[d] = successor
	return successor, nil
}

func (w *Writer) writableSibling(parent *base.Node, sib *sibling) (*base.Node, error) {
	if !w.tree.watermark.IsStable(sib.node.Generation) {
		return sib.node, nil
	}
	successor, err := w.successor(sib.node)
	if err != nil {
		return nil, err
	}
	parent.Children[sib.pos] = successor.ID
	return successor, nil
}

// successor copies a stable node onto a reserved page and retires the
// original once the running generation is durable.
func (w *Writer) successor(node *base.Node) (*base.Node, error) {
	t := w.tree
	id, err := w.res.Next()
	if err != nil {
		return nil, err
	}
	successor := algo.CreateSuccessor(node, id, t.watermark.Unstable)
	t.pager.WriteNode(successor)
	node.Successor = id
	t.pager.FreeNode(node, t.watermark.Unstable)
	return successor, nil
}

// stableRun counts the stable nodes from depth d up to the first unstable
// one. All of them get a successor when the node at d changes.
func (w *Writer) stableRun(d int) int {
	n := 0
	for ; d >= 0 && w.tree.watermark.IsStable(w.path[d].Generation); d-- {
		n++
	}
	return n
}

func (w *Writer) reserve(n int) error {
	if n == 0 {
		return nil
	}
	res, err := w.tree.pager.Reserve(n)
	if err != nil {
		return err
	}
	w.res = res
	return nil
}
