package cachemgr

import (
	"github.com/gofrs/flock"
)

// markEvaluation takes a non-blocking advisory lock next to the cache file
// of the channel being evaluated. busy reports that another process holds
// it. The lock never blocks or fails an evaluation; release is always safe
// to call.
func markEvaluation(cachePath string) (busy bool, release func()) {
	l := flock.New(cachePath + ".lock")
	locked, err := l.TryLock()
	if err != nil {
		return false, func() {}
	}
	if !locked {
		return true, func() {}
	}
	return false, func() { _ = l.Unlock() }
}
