package crabtree

import (
	"time"

	"github.com/alexhholmes/crabtree/internal/base"
	"github.com/alexhholmes/crabtree/internal/coordinator"
)

// SyncMode controls when checkpoints are fsynced to disk
type SyncMode int

const (
	// SyncEveryCheckpoint fsyncs the node pages and then the meta page of
	// every checkpoint.
	// - The last completed checkpoint survives power failure
	// - Use for: General purpose applications
	SyncEveryCheckpoint SyncMode = iota

	// SyncOff disables fsync entirely (testing/bulk loads only).
	// - Maximum throughput
	// - Checkpoints may be lost or torn on crash
	// - Use for: Testing, bulk imports with external durability
	SyncOff
)

// DefaultLeafUnderflowThreshold is the available space above which a leaf is
// considered underfull, a quarter page of entries or less.
const DefaultLeafUnderflowThreshold = (base.PageSize - base.PageHeaderSize) * 3 / 4

// Options configures tree behavior.
type Options struct {
	logger                 Logger
	cacheSize              int           // Clean nodes kept in memory.
	checkpointInterval     time.Duration // Background checkpoint period. 0 disables it.
	layout                 Layout
	maxPages               uint64 // Page budget of the file. 0 means no limit.
	syncMode               SyncMode
	leafUnderflowThreshold int

	latches coordinator.LatchService // nil uses the default service
}

// DefaultOptions returns safe default configuration.
//
// goland:noinspection GoUnusedExportedFunction
func DefaultOptions() Options {
	return Options{
		logger:                 DiscardLogger{},
		cacheSize:              4096,
		checkpointInterval:     time.Second,
		layout:                 BytewiseLayout{},
		syncMode:               SyncEveryCheckpoint,
		leafUnderflowThreshold: DefaultLeafUnderflowThreshold,
	}
}

// Option configures tree options using the functional options pattern.
type Option func(*Options)

// WithLogger sets the logger used for lifecycle and checkpoint events.
//
//goland:noinspection GoUnusedExportedFunction
func WithLogger(logger Logger) Option {
	return func(opts *Options) {
		if logger == nil {
			logger = DiscardLogger{}
		}
		opts.logger = logger
	}
}

// WithCacheSize sets how many clean nodes are kept in memory.
// When the cache is full, the least recently used nodes are evicted.
//
//goland:noinspection GoUnusedExportedFunction
func WithCacheSize(nodes int) Option {
	return func(opts *Options) {
		opts.cacheSize = nodes
	}
}

// WithCheckpointInterval sets the period of the background checkpointer.
// Zero disables background checkpoints; Checkpoint and Close still run them.
//
//goland:noinspection GoUnusedExportedFunction
func WithCheckpointInterval(d time.Duration) Option {
	return func(opts *Options) {
		opts.checkpointInterval = d
	}
}

// WithLayout sets the key order of the tree. A tree must always be opened
// with the layout it was created with.
//
//goland:noinspection GoUnusedExportedFunction
func WithLayout(layout Layout) Option {
	return func(opts *Options) {
		opts.layout = layout
	}
}

// WithMaxPages limits the number of pages the tree may use. Mutations that
// would need more pages fail with ErrPagesExhausted and change nothing.
//
//goland:noinspection GoUnusedExportedFunction
func WithMaxPages(pages uint64) Option {
	return func(opts *Options) {
		opts.maxPages = pages
	}
}

// WithSyncEveryCheckpoint configures the tree to fsync every checkpoint.
//
//goland:noinspection GoUnusedExportedFunction
func WithSyncEveryCheckpoint() Option {
	return func(opts *Options) {
		opts.syncMode = SyncEveryCheckpoint
	}
}

// WithSyncOff disables fsync entirely.
// Only use for testing or bulk loads where data can be reconstructed.
//
//goland:noinspection GoUnusedExportedFunction
func WithSyncOff() Option {
	return func(opts *Options) {
		opts.syncMode = SyncOff
	}
}

// WithLeafUnderflowThreshold sets the available space in bytes above which a
// leaf is merged with or refilled from a sibling.
//
//goland:noinspection GoUnusedExportedFunction
func WithLeafUnderflowThreshold(bytes int) Option {
	return func(opts *Options) {
		opts.leafUnderflowThreshold = bytes
	}
}

func withLatchService(latches coordinator.LatchService) Option {
	return func(opts *Options) {
		opts.latches = latches
	}
}
