package coordinator

import (
	"context"

	"github.com/solatis/hitkeeper/internal/types"
)

// Sink consumes finalized hits. Ownership of a hit transfers on Emit.
//
// Held hits await enrichment: exactly one of MergeContextIntoPending or
// Kick releases them. Implementations must tolerate Kick with nothing
// held (no-op) and merge calls racing a concurrent drain.
type Sink interface {
	// Emit queues a finalized hit. held marks it as awaiting referrer
	// enrichment before transmission.
	Emit(ctx context.Context, hit types.Hit, held bool) error

	// MergeContextIntoPending appends encoded context data to the oldest
	// held hit and releases it for transmission.
	MergeContextIntoPending(ctx context.Context, data map[string]string) error

	// Kick releases all held hits unenriched.
	Kick(ctx context.Context) error
}
