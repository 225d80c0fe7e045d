package base

// Generation is the logical version a node was written in. Every checkpoint
// closes one generation and opens the next.
type Generation uint64

// Version is a node generation classified against a Watermark.
type Version struct {
	Gen    Generation
	Stable bool
}

// Watermark separates nodes that belong to the last checkpoint (stable) from
// nodes created since (unstable). Stable nodes are copied before mutation,
// unstable nodes are mutated in place.
type Watermark struct {
	Stable   Generation
	Unstable Generation
}

// IsStable reports whether a node of generation g must be copied before it is
// mutated.
func (w Watermark) IsStable(g Generation) bool {
	return g <= w.Stable
}

// Classify tags g as stable or unstable.
func (w Watermark) Classify(g Generation) Version {
	return Version{Gen: g, Stable: w.IsStable(g)}
}

// Advance returns the watermark after the unstable generation has been made
// durable.
func (w Watermark) Advance() Watermark {
	return Watermark{Stable: w.Unstable, Unstable: w.Unstable + 1}
}
