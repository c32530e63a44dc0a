package engine

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultErrLogSize bounds the number of per-path compile diagnostics an
// engine retains.
const DefaultErrLogSize = 128

// ErrLog retains the most recent compile diagnostic per script path. It is
// bounded so that probing many nonexistent or broken paths cannot grow it
// without limit.
type ErrLog struct {
	cache *lru.Cache[string, string]
}

// NewErrLog returns an ErrLog holding at most size entries. size <= 0 uses
// DefaultErrLogSize.
func NewErrLog(size int) *ErrLog {
	if size <= 0 {
		size = DefaultErrLogSize
	}
	cache, err := lru.New[string, string](size)
	if err != nil {
		// lru.New only fails for non-positive sizes.
		panic(err)
	}
	return &ErrLog{cache: cache}
}

// Set records diag as the latest compile diagnostic for path.
func (l *ErrLog) Set(path, diag string) {
	l.cache.Add(path, diag)
}

// Get returns the retained diagnostic for path, if any.
func (l *ErrLog) Get(path string) (string, bool) {
	return l.cache.Get(path)
}

// Len reports the number of retained diagnostics.
func (l *ErrLog) Len() int {
	return l.cache.Len()
}
