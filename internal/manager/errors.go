package manager

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/candyconnect/candyconnect-core/internal/protocol"
)

// ErrUnknownAction is returned by Do for an action other than install,
// start, stop or restart.
var ErrUnknownAction = errors.New("manager: unknown action")

// Failures maps each failed protocol to its error.
type Failures map[protocol.ID]error

// Err returns a *PartialFanOutError listing the failures, or nil.
func (f Failures) Err() error {
	if len(f) == 0 {
		return nil
	}
	return &PartialFanOutError{Failed: maps.Clone(f)}
}

// PartialFanOutError reports the protocols a fan-out could not complete.
// The other protocols succeeded.
type PartialFanOutError struct {
	Failed map[protocol.ID]error
}

func (e *PartialFanOutError) Error() string {
	ids := slices.Sorted(maps.Keys(e.Failed))
	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		parts = append(parts, fmt.Sprintf("%s: %v", id, e.Failed[id]))
	}
	return fmt.Sprintf("manager: %d protocol(s) failed: %s", len(ids), strings.Join(parts, "; "))
}

// Unwrap exposes the per-protocol errors to errors.Is and errors.As.
func (e *PartialFanOutError) Unwrap() []error {
	out := make([]error, 0, len(e.Failed))
	for _, id := range slices.Sorted(maps.Keys(e.Failed)) {
		out = append(out, e.Failed[id])
	}
	return out
}

// IDs returns the failed protocols in sorted order.
func (e *PartialFanOutError) IDs() []protocol.ID {
	return slices.Sorted(maps.Keys(e.Failed))
}
