package fetch

import (
	"errors"
	"fmt"

	charon "github.com/catacombing/charon"
)

// Failure kinds for tile fetches. Callers match with errors.Is; per-tile
// failures are absorbed at this boundary and surface to the renderer only
// as a placeholder that stays up.
var (
	// ErrNotFound means the server returned a definitive "no tile here".
	// Not retried; cached as a negative result for a bounded time.
	ErrNotFound = errors.New("tile not found upstream")

	// ErrTransient covers network and timeout errors, retried lazily with
	// exponential backoff on the next request.
	ErrTransient = errors.New("transient fetch failure")

	// ErrOffline means no network path is configured; returned immediately
	// without attempting I/O.
	ErrOffline = errors.New("network unavailable")

	// ErrStorage means the fetched tile could not be persisted; the fetch
	// counts as failed for this attempt and the cache stays consistent.
	ErrStorage = errors.New("tile storage failed")
)

// Error wraps a fetch failure with its kind and the affected tile.
type Error struct {
	Key  charon.TileKey
	Kind error
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("fetching %s: %v", e.Key, e.Kind)
	}
	return fmt.Sprintf("fetching %s: %v: %v", e.Key, e.Kind, e.Err)
}

// Unwrap exposes both the kind sentinel and the underlying cause to
// errors.Is and errors.As.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func failure(key charon.TileKey, kind, err error) *Error {
	return &Error{Key: key, Kind: kind, Err: err}
}
