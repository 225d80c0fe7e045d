package crabtree

import (
	"errors"

	"github.com/alexhholmes/crabtree/internal/base"
	"github.com/alexhholmes/crabtree/internal/pager"
	"github.com/alexhholmes/crabtree/internal/storage"
)

//goland:noinspection GoUnusedGlobalVariable
var (
	ErrKeyNotFound   = errors.New("key not found")
	ErrTreeClosed    = errors.New("tree is closed")
	ErrKeyEmpty      = errors.New("key cannot be empty")
	ErrKeyTooLarge   = errors.New("key too large")
	ErrValueTooLarge = errors.New("value too large")

	ErrPagesExhausted     = pager.ErrPagesExhausted
	ErrTreeLocked         = storage.ErrLocked
	ErrCorruption         = base.ErrCorruption
	ErrInvariantViolation = base.ErrInvariant
	ErrPageOverflow       = base.ErrPageOverflow
	ErrInvalidOffset      = base.ErrInvalidOffset
	ErrInvalidMagicNumber = base.ErrInvalidMagicNumber
	ErrInvalidVersion     = base.ErrInvalidVersion
	ErrInvalidPageSize    = base.ErrInvalidPageSize
	ErrInvalidChecksum    = base.ErrInvalidChecksum
)
